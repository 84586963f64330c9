// Package dispatch maintains the top-level chains that demultiplex traffic
// to and from the per-endpoint chains based on interface name.
package dispatch

import (
	"fmt"
	"reflect"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/projectcalico/felix/pkg/actor"
	"github.com/projectcalico/felix/pkg/iptables"
	"github.com/projectcalico/felix/pkg/rules"
	"github.com/projectcalico/felix/pkg/set"
)

// Chains is the actor that owns the two dispatch chains for one IP version.
// Changes accumulate during a batch and are folded into a single rewrite; a
// rewrite that would produce identical chains is skipped entirely, so
// re-applying an unchanged snapshot never flaps the dataplane.
type Chains struct {
	mailbox *actor.Mailbox

	ifacePrefix string
	updater     *iptables.Updater

	endpointIDByIface map[string]string
	dirty             bool
	lastUpdates       map[string][]string
}

func NewChains(ipVersion uint8, ifacePrefix string, updater *iptables.Updater) *Chains {
	d := &Chains{
		ifacePrefix:       ifacePrefix,
		updater:           updater,
		endpointIDByIface: map[string]string{},
	}
	d.mailbox = actor.NewMailbox(fmt.Sprintf("dispatch-v%d", ipVersion), d)
	return d
}

func (d *Chains) Start() {
	d.mailbox.Start()
}

// ApplySnapshot replaces the full interface map in one step.
func (d *Chains) ApplySnapshot(endpointIDByIface map[string]string) {
	d.mailbox.Post("apply-snapshot", func() error {
		log.WithField("interfaces", len(endpointIDByIface)).Info(
			"Applying dispatch chain snapshot")
		replacement := make(map[string]string, len(endpointIDByIface))
		for iface, epID := range endpointIDByIface {
			replacement[iface] = epID
		}
		d.endpointIDByIface = replacement
		d.dirty = true
		return nil
	})
}

// OnEndpointAdded routes the given interface to its endpoint's chains.
func (d *Chains) OnEndpointAdded(ifaceName, endpointID string) {
	d.mailbox.Post("on-endpoint-added", func() error {
		d.endpointIDByIface[ifaceName] = endpointID
		d.dirty = true
		return nil
	})
}

// OnEndpointRemoved withdraws the dispatch rules for the interface.
func (d *Chains) OnEndpointRemoved(ifaceName string) {
	d.mailbox.Post("on-endpoint-removed", func() error {
		delete(d.endpointIDByIface, ifaceName)
		d.dirty = true
		return nil
	})
}

func (d *Chains) FinishBatch() error {
	if !d.dirty {
		return nil
	}
	d.dirty = false
	updates, deps := d.render()
	if reflect.DeepEqual(updates, d.lastUpdates) {
		log.Debug("Dispatch chains unchanged; skipping rewrite")
		return nil
	}
	if err := d.updater.RewriteChains(updates, deps); err != nil {
		d.dirty = true
		return err
	}
	d.lastUpdates = updates
	return nil
}

func (d *Chains) render() (map[string][]string, map[string]set.Set[string]) {
	ifaces := make([]string, 0, len(d.endpointIDByIface))
	for iface := range d.endpointIDByIface {
		ifaces = append(ifaces, iface)
	}
	sort.Strings(ifaces)

	var fromRules, toRules []string
	deps := set.New[string]()
	for _, iface := range ifaces {
		suffix := rules.InterfaceToSuffix(d.ifacePrefix, iface)
		toChain, fromChain := rules.EndpointChainNames(suffix)
		// --goto so that a RETURN from the endpoint (or profile) chain
		// skips the trailing DROP here and lands back in our caller.
		fromRules = append(fromRules, fmt.Sprintf(
			"--in-interface %s --goto %s", iface, fromChain))
		toRules = append(toRules, fmt.Sprintf(
			"--out-interface %s --goto %s", iface, toChain))
		deps.Add(toChain)
		deps.Add(fromChain)
	}
	fromRules = append(fromRules,
		`--match comment --comment "Unknown interface DROP" --jump DROP`)
	toRules = append(toRules,
		`--match comment --comment "Unknown interface DROP" --jump DROP`)

	updates := map[string][]string{
		rules.ChainFromEndpointDispatch: fromRules,
		rules.ChainToEndpointDispatch:   toRules,
	}
	return updates, map[string]set.Set[string]{
		rules.ChainFromEndpointDispatch: deps.Copy(),
		rules.ChainToEndpointDispatch:   deps.Copy(),
	}
}
