package endpoint

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/projectcalico/felix/pkg/actor"
	"github.com/projectcalico/felix/pkg/devices"
	"github.com/projectcalico/felix/pkg/dispatch"
	"github.com/projectcalico/felix/pkg/iptables"
	"github.com/projectcalico/felix/pkg/ipsets"
	"github.com/projectcalico/felix/pkg/model"
	"github.com/projectcalico/felix/pkg/rules"
	"github.com/projectcalico/felix/pkg/set"
)

var gaugeLocalEndpoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "felix_active_local_endpoints",
	Help: "Number of endpoints on this host with a live state machine.",
}, []string{"ip_version"})

// Manager consumes the endpoint update stream, keeps the interface indexes
// and reference-counts one LocalEndpoint per endpoint that lives on this
// host.
type Manager struct {
	mailbox *actor.Mailbox
	actor.NoOpFinisher

	ipVersion   uint8
	hostname    string
	ifacePrefix string
	updater     *iptables.Updater
	dispatch    *dispatch.Chains
	rulesMgr    *rules.Manager
	ipsetMgr    *ipsets.Manager
	devices     devices.Configurer

	refMgr *actor.RefManager[*LocalEndpoint]

	endpointsByID         map[string]*model.Endpoint
	endpointIDByIfaceName map[string]string
	localEndpointIDs      set.Set[string]
}

func NewManager(
	ipVersion uint8,
	hostname string,
	ifacePrefix string,
	updater *iptables.Updater,
	dispatchChains *dispatch.Chains,
	rulesMgr *rules.Manager,
	ipsetMgr *ipsets.Manager,
	deviceCfg devices.Configurer,
) *Manager {
	m := &Manager{
		ipVersion:             ipVersion,
		hostname:              hostname,
		ifacePrefix:           ifacePrefix,
		updater:               updater,
		dispatch:              dispatchChains,
		rulesMgr:              rulesMgr,
		ipsetMgr:              ipsetMgr,
		devices:               deviceCfg,
		endpointsByID:         map[string]*model.Endpoint{},
		endpointIDByIfaceName: map[string]string{},
		localEndpointIDs:      set.New[string](),
	}
	m.mailbox = actor.NewMailbox(fmt.Sprintf("endpoint-mgr-v%d", ipVersion), m)
	m.refMgr = actor.NewRefManager(
		fmt.Sprintf("endpoints-v%d", ipVersion),
		func(endpointID string) *LocalEndpoint {
			return NewLocalEndpoint(ipVersion, endpointID, ifacePrefix,
				updater, dispatchChains, rulesMgr, ipsetMgr, deviceCfg)
		},
		func(endpointID string, ep *LocalEndpoint) {
			// Seed the new state machine with the data that made it
			// local.
			ep.OnEndpointUpdate(m.endpointsByID[endpointID])
		},
		m.mailbox.Post,
	)
	return m
}

func (m *Manager) Start() {
	m.mailbox.Start()
}

// ApplySnapshot resyncs against a complete endpoint map.  The dispatch
// chains get the new interface map first, in one message, so that replaying
// an unchanged snapshot can't flap them.
func (m *Manager) ApplySnapshot(endpointsByID map[string]*model.Endpoint) {
	m.mailbox.Post("apply-snapshot", func() error {
		log.WithFields(log.Fields{
			"ipVersion": m.ipVersion,
			"endpoints": len(endpointsByID),
		}).Info("Applying endpoints snapshot")

		localIfaceToEndpointID := map[string]string{}
		for epID, ep := range endpointsByID {
			if ep != nil && ep.Host == m.hostname && ep.Name != "" {
				localIfaceToEndpointID[ep.Name] = epID
			}
		}
		m.dispatch.ApplySnapshot(localIfaceToEndpointID)

		missing := set.New[string]()
		for epID := range m.endpointsByID {
			missing.Add(epID)
		}
		for epID, ep := range endpointsByID {
			m.onEndpointUpdate(epID, ep)
			missing.Discard(epID)
		}
		for epID := range missing {
			m.onEndpointUpdate(epID, nil)
		}
		return nil
	})
}

// OnEndpointUpdate is called for each endpoint create/update/delete event.
func (m *Manager) OnEndpointUpdate(endpointID string, ep *model.Endpoint) {
	m.mailbox.Post("on-endpoint-update", func() error {
		m.onEndpointUpdate(endpointID, ep)
		return nil
	})
}

func (m *Manager) onEndpointUpdate(endpointID string, ep *model.Endpoint) {
	isLocal := ep != nil && ep.Host == m.hostname
	wasLocal := m.localEndpointIDs.Contains(endpointID)

	if child, ok := m.refMgr.Live(endpointID); ok {
		if isLocal {
			child.OnEndpointUpdate(ep)
		} else if wasLocal {
			// Deleted, or moved to another host: either way the local
			// state machine must tear everything down.
			child.OnEndpointUpdate(nil)
		}
	}

	if ep == nil {
		log.WithField("endpointID", endpointID).Info("Endpoint deleted")
		oldEp := m.endpointsByID[endpointID]
		delete(m.endpointsByID, endpointID)
		if oldEp != nil {
			delete(m.endpointIDByIfaceName, oldEp.Name)
		}
	} else {
		log.WithField("endpointID", endpointID).Info("Endpoint created or updated")
		m.endpointsByID[endpointID] = ep
		m.endpointIDByIfaceName[ep.Name] = endpointID
	}

	if isLocal && !wasLocal {
		log.WithField("endpointID", endpointID).Debug(
			"Endpoint is local; starting its state machine")
		m.localEndpointIDs.Add(endpointID)
		m.refMgr.GetAndIncref(endpointID)
		gaugeLocalEndpoints.WithLabelValues(fmt.Sprint(m.ipVersion)).Inc()
	} else if !isLocal && wasLocal {
		m.localEndpointIDs.Discard(endpointID)
		m.refMgr.Decref(endpointID)
		gaugeLocalEndpoints.WithLabelValues(fmt.Sprint(m.ipVersion)).Dec()
	}
}

// OnInterfaceUpdate is called when any interface on the host is created or
// changes state; interfaces we don't manage are ignored.
func (m *Manager) OnInterfaceUpdate(name string) {
	m.mailbox.Post("on-interface-update", func() error {
		endpointID, ok := m.endpointIDByIfaceName[name]
		if !ok {
			log.WithField("interface", name).Debug(
				"Update for interface we don't manage")
			return nil
		}
		log.WithFields(log.Fields{
			"interface":  name,
			"endpointID": endpointID,
		}).Info("Interface update for known endpoint")
		if child, ok := m.refMgr.Live(endpointID); ok {
			child.OnInterfaceUpdate()
		}
		return nil
	})
}
