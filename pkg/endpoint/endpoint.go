// Package endpoint implements the per-endpoint state machine and the
// manager that reference-counts one state machine per local endpoint.
package endpoint

import (
	"fmt"
	"reflect"

	log "github.com/sirupsen/logrus"

	"github.com/projectcalico/felix/pkg/actor"
	"github.com/projectcalico/felix/pkg/devices"
	"github.com/projectcalico/felix/pkg/dispatch"
	"github.com/projectcalico/felix/pkg/iptables"
	"github.com/projectcalico/felix/pkg/ipsets"
	"github.com/projectcalico/felix/pkg/model"
	"github.com/projectcalico/felix/pkg/rules"
)

// LocalEndpoint drives the kernel state for one endpoint on this host: its
// profile reference, its interface configuration, its "to"/"from" chains and
// its dispatch entry.
type LocalEndpoint struct {
	mailbox *actor.Mailbox
	actor.NoOpFinisher

	endpointID  string
	ipVersion   uint8
	ifacePrefix string
	renderer    rules.Renderer
	updater     *iptables.Updater
	dispatch    *dispatch.Chains
	rulesMgr    *rules.Manager
	ipsetMgr    *ipsets.Manager
	devices     devices.Configurer

	endpoint  *model.Endpoint
	ifaceName string
	suffix    string

	// ready tracks whether the dataplane is currently programmed for this
	// endpoint; failed forces a reprogram on the next kick even if the
	// ready state hasn't changed.
	ready  bool
	failed bool
}

func NewLocalEndpoint(
	ipVersion uint8,
	endpointID string,
	ifacePrefix string,
	updater *iptables.Updater,
	dispatchChains *dispatch.Chains,
	rulesMgr *rules.Manager,
	ipsetMgr *ipsets.Manager,
	deviceCfg devices.Configurer,
) *LocalEndpoint {
	e := &LocalEndpoint{
		endpointID:  endpointID,
		ipVersion:   ipVersion,
		ifacePrefix: ifacePrefix,
		renderer:    rules.Renderer{IPVersion: ipVersion},
		updater:     updater,
		dispatch:    dispatchChains,
		rulesMgr:    rulesMgr,
		ipsetMgr:    ipsetMgr,
		devices:     deviceCfg,
	}
	e.mailbox = actor.NewMailbox(fmt.Sprintf("endpoint-%s-v%d", endpointID, ipVersion), e)
	e.mailbox.Start()
	return e
}

// OnEndpointUpdate delivers new endpoint data; nil means the endpoint has
// been deleted (or is no longer local).
func (e *LocalEndpoint) OnEndpointUpdate(ep *model.Endpoint) {
	e.mailbox.Post("on-endpoint-update", func() error {
		return e.onEndpointUpdate(ep)
	})
}

// OnInterfaceUpdate reports that the endpoint's interface was created or
// changed state.  It retries the interface configuration and, if the last
// chain write failed, the chains too; it never clears the readiness gate by
// itself.
func (e *LocalEndpoint) OnInterfaceUpdate() {
	e.mailbox.Post("on-interface-update", func() error {
		log.WithField("endpointID", e.endpointID).Info("Endpoint received interface kick")
		if e.endpoint == nil {
			return nil
		}
		err := e.configureInterface()
		if e.failed {
			e.maybeUpdate(e.ready)
		}
		return err
	})
}

// OnUnreferenced confirms cleanup once any remaining programming is gone.
func (e *LocalEndpoint) OnUnreferenced(done func()) {
	e.mailbox.Post("on-unreferenced", func() error {
		log.WithField("endpointID", e.endpointID).Info(
			"Endpoint no longer referenced, cleaning up")
		if e.ready {
			// Normally the deletion arrives before the decref; belt and
			// braces so refcount bugs can't leak chains.
			log.WithField("endpointID", e.endpointID).Warn(
				"Endpoint unreferenced while still programmed")
			e.dispatch.OnEndpointRemoved(e.ifaceName)
			e.removeChains()
			e.ready = false
		}
		if e.endpoint != nil && e.endpoint.ProfileID != "" {
			e.rulesMgr.Decref(e.endpoint.ProfileID)
			e.ipsetMgr.DecRefTagsForProfile(e.endpoint.ProfileID)
			e.endpoint = nil
		}
		done()
		return nil
	})
}

func (e *LocalEndpoint) onEndpointUpdate(ep *model.Endpoint) error {
	log.WithFields(log.Fields{
		"endpointID": e.endpointID,
		"deleted":    ep == nil,
	}).Debug("Endpoint data updated")

	if ep != nil && e.endpoint == nil {
		// First sight of the endpoint; pin down the interface identity.
		e.ifaceName = ep.Name
		e.suffix = rules.InterfaceToSuffix(e.ifacePrefix, e.ifaceName)
	}
	wasReady := e.ready

	oldProfileID := ""
	if e.endpoint != nil {
		oldProfileID = e.endpoint.ProfileID
	}
	newProfileID := ""
	if ep != nil {
		newProfileID = ep.ProfileID
	}
	if oldProfileID != newProfileID {
		// Acquire the new profile (its rule chains and its tag ipsets)
		// before releasing the old one so shared state never bounces.
		if newProfileID != "" {
			e.rulesMgr.GetAndIncref(newProfileID)
			e.ipsetMgr.IncRefTagsForProfile(newProfileID)
		}
		if oldProfileID != "" {
			e.rulesMgr.Decref(oldProfileID)
			e.ipsetMgr.DecRefTagsForProfile(oldProfileID)
		}
	}

	oldEp := e.endpoint
	e.endpoint = ep
	if wasReady && ep != nil && oldEp != nil && !reflect.DeepEqual(*oldEp, *ep) {
		// New data (IPs, MAC or profile) for a programmed endpoint: treat
		// it as not yet programmed so its chains are rewritten.
		wasReady = false
	}

	var ifaceErr error
	if ep != nil {
		// May fail if the interface isn't there yet; the interface
		// monitor kicks us when it appears.
		ifaceErr = e.configureInterface()
	} else {
		e.deconfigureInterface()
	}

	e.maybeUpdate(wasReady)
	return ifaceErr
}

func (e *LocalEndpoint) missingDeps() []string {
	var missing []string
	switch {
	case e.endpoint == nil:
		missing = append(missing, "endpoint")
	case e.endpoint.State != model.StateActive:
		missing = append(missing, "endpoint active")
	case e.endpoint.ProfileID == "":
		missing = append(missing, "profile")
	}
	return missing
}

func (e *LocalEndpoint) isReady() bool {
	return len(e.missingDeps()) == 0
}

// maybeUpdate reconciles the chain programming with the current readiness,
// doing nothing unless the readiness changed or the failure latch is set.
func (e *LocalEndpoint) maybeUpdate(wasReady bool) {
	isReady := e.isReady()
	if !isReady {
		log.WithFields(log.Fields{
			"endpointID": e.endpointID,
			"missing":    e.missingDeps(),
		}).Debug("Endpoint not ready to program")
	}
	if !e.failed && isReady == wasReady {
		return
	}
	if isReady {
		if e.failed {
			log.WithField("endpointID", e.endpointID).Warn(
				"Retrying endpoint programming after a failure")
		}
		e.failed = false
		e.updateChains()
		e.dispatch.OnEndpointAdded(e.ifaceName, e.endpointID)
	} else {
		// Withdraw the dispatch rule before deleting our chains so the
		// chains are unreferenced and deletable.
		e.failed = false
		e.dispatch.OnEndpointRemoved(e.ifaceName)
		e.removeChains()
	}
	e.ready = isReady && !e.failed
}

func (e *LocalEndpoint) updateChains() {
	updates, deps := e.renderer.EndpointChains(
		e.suffix,
		e.endpoint.NetsForVersion(e.ipVersion),
		e.endpoint.MAC,
		e.endpoint.ProfileID,
	)
	if err := e.updater.RewriteChains(updates, deps); err != nil {
		log.WithError(err).WithField("endpointID", e.endpointID).Error(
			"Failed to program endpoint chains; removing them")
		e.failed = true
		e.removeChains()
	}
}

func (e *LocalEndpoint) removeChains() {
	toChain, fromChain := rules.EndpointChainNames(e.suffix)
	e.updater.DeleteChains([]string{toChain, fromChain})
}

func (e *LocalEndpoint) configureInterface() error {
	if !e.devices.InterfaceExists(e.ifaceName) {
		log.WithFields(log.Fields{
			"interface": e.ifaceName, "endpointID": e.endpointID,
		}).Info("Interface does not exist yet")
		return nil
	}
	gw := ""
	if e.ipVersion == 6 {
		gw = e.endpoint.IPv6Gateway
	}
	err := e.devices.ConfigureInterface(e.ipVersion, e.ifaceName, gw)
	if err == nil {
		err = e.devices.SetRoutes(e.ipVersion, e.ifaceName,
			e.endpoint.IPsForVersion(e.ipVersion), e.endpoint.MAC)
	}
	if err != nil {
		if !e.devices.InterfaceUp(e.ifaceName) {
			log.WithFields(log.Fields{
				"interface": e.ifaceName, "endpointID": e.endpointID,
			}).Info("Interface is not up yet")
			return nil
		}
		return fmt.Errorf("failed to configure interface %s: %w", e.ifaceName, err)
	}
	return nil
}

func (e *LocalEndpoint) deconfigureInterface() {
	if e.ifaceName == "" || !e.devices.InterfaceExists(e.ifaceName) {
		return
	}
	if err := e.devices.SetRoutes(e.ipVersion, e.ifaceName, nil, ""); err != nil {
		log.WithError(err).WithField("interface", e.ifaceName).Warn(
			"Failed to remove routes for deleted endpoint")
	}
}

func (e *LocalEndpoint) String() string {
	iface := e.ifaceName
	if iface == "" {
		iface = "unknown"
	}
	return fmt.Sprintf("LocalEndpoint<v%d,id=%s,iface=%s>", e.ipVersion, e.endpointID, iface)
}
