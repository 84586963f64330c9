package rules

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/projectcalico/felix/pkg/actor"
	"github.com/projectcalico/felix/pkg/iptables"
	"github.com/projectcalico/felix/pkg/ipsets"
	"github.com/projectcalico/felix/pkg/model"
	"github.com/projectcalico/felix/pkg/set"
)

// ProfileRules is the per-profile actor that keeps a profile's two rule
// chains in sync with its rule list.  It holds a reference on the ipset of
// every tag its rules match.
type ProfileRules struct {
	mailbox *actor.Mailbox

	profileID string
	renderer  Renderer
	updater   *iptables.Updater
	ipsetMgr  *ipsets.Manager

	rules          *model.Rules
	referencedTags set.Set[string]
	dirty          bool
	stopped        bool
}

func NewProfileRules(ipVersion uint8, profileID string, updater *iptables.Updater, ipsetMgr *ipsets.Manager) *ProfileRules {
	p := &ProfileRules{
		profileID:      profileID,
		renderer:       Renderer{IPVersion: ipVersion},
		updater:        updater,
		ipsetMgr:       ipsetMgr,
		referencedTags: set.New[string](),
	}
	p.mailbox = actor.NewMailbox(fmt.Sprintf("profile-%s-v%d", profileID, ipVersion), p)
	p.mailbox.Start()
	return p
}

// OnRulesUpdate is called when the profile's rule list changes; nil means
// the rule list has been deleted from the datastore.
func (p *ProfileRules) OnRulesUpdate(rules *model.Rules) {
	p.mailbox.Post("on-rules-update", func() error {
		log.WithField("profileID", p.profileID).Info("Profile rules updated")
		p.rules = rules
		p.dirty = true
		return nil
	})
}

// OnUnreferenced tears down the profile chains and releases the tag ipsets.
func (p *ProfileRules) OnUnreferenced(done func()) {
	p.mailbox.Post("on-unreferenced", func() error {
		log.WithField("profileID", p.profileID).Info(
			"Profile no longer referenced, cleaning up")
		p.stopped = true
		p.removeChains()
		p.updateTagRefs(set.New[string]())
		done()
		return nil
	})
}

// FinishBatch programs the chains if the rules changed during the batch.
func (p *ProfileRules) FinishBatch() error {
	if p.stopped || !p.dirty {
		return nil
	}
	p.dirty = false

	if p.rules == nil {
		// Rule list deleted while the profile is still referenced by an
		// endpoint.  Fall back to stub behaviour: the endpoint chains
		// keep their goto targets but all traffic is dropped.
		log.WithField("profileID", p.profileID).Warn(
			"Profile rules deleted while still in use; dropping its traffic")
		p.updateTagRefs(set.New[string]())
		updates := map[string][]string{
			ProfileChainName("inbound", p.profileID):  {iptables.StubRuleFragment},
			ProfileChainName("outbound", p.profileID): {iptables.StubRuleFragment},
		}
		return p.updater.RewriteChains(updates, nil)
	}

	// Acquire newly referenced tag ipsets before releasing old ones so a
	// tag in both sets never dips to zero references.
	p.updateTagRefs(ExtractTags(p.rules))

	updates, deps := p.renderer.ProfileChains(p.profileID, p.rules)
	if err := p.updater.RewriteChains(updates, deps); err != nil {
		p.dirty = true // retry on the next update
		return err
	}
	return nil
}

func (p *ProfileRules) updateTagRefs(newTags set.Set[string]) {
	for tag := range newTags.Difference(p.referencedTags) {
		p.ipsetMgr.IncRefTag(tag)
	}
	for tag := range p.referencedTags.Difference(newTags) {
		p.ipsetMgr.DecRefTag(tag)
	}
	p.referencedTags = newTags.Copy()
}

func (p *ProfileRules) removeChains() {
	p.updater.DeleteChains([]string{
		ProfileChainName("inbound", p.profileID),
		ProfileChainName("outbound", p.profileID),
	})
}

// Manager is the reference-counted registry of ProfileRules actors, keyed by
// profile ID.  Rule updates for profiles nobody references yet are cached so
// the actor can be seeded the moment it starts.
type Manager struct {
	mailbox *actor.Mailbox
	actor.NoOpFinisher

	ipVersion uint8
	updater   *iptables.Updater
	ipsetMgr  *ipsets.Manager
	refMgr    *actor.RefManager[*ProfileRules]

	rulesByProfileID map[string]*model.Rules
}

func NewManager(ipVersion uint8, updater *iptables.Updater, ipsetMgr *ipsets.Manager) *Manager {
	m := &Manager{
		ipVersion:        ipVersion,
		updater:          updater,
		ipsetMgr:         ipsetMgr,
		rulesByProfileID: map[string]*model.Rules{},
	}
	m.mailbox = actor.NewMailbox(fmt.Sprintf("rules-mgr-v%d", ipVersion), m)
	m.refMgr = actor.NewRefManager(
		fmt.Sprintf("rules-v%d", ipVersion),
		func(profileID string) *ProfileRules {
			return NewProfileRules(ipVersion, profileID, updater, ipsetMgr)
		},
		func(profileID string, p *ProfileRules) {
			if rules, ok := m.rulesByProfileID[profileID]; ok {
				p.OnRulesUpdate(rules)
			}
		},
		m.mailbox.Post,
	)
	return m
}

func (m *Manager) Start() {
	m.mailbox.Start()
}

// GetAndIncref acquires a reference to the profile on behalf of an endpoint.
func (m *Manager) GetAndIncref(profileID string) {
	m.mailbox.Post("incref-profile", func() error {
		m.refMgr.GetAndIncref(profileID)
		return nil
	})
}

// Decref releases an endpoint's reference to the profile.
func (m *Manager) Decref(profileID string) {
	m.mailbox.Post("decref-profile", func() error {
		m.refMgr.Decref(profileID)
		return nil
	})
}

// ApplySnapshot processes a full resync of rule lists: present entries as
// updates, missing ones as deletions.
func (m *Manager) ApplySnapshot(rulesByProfileID map[string]*model.Rules) {
	m.mailbox.Post("apply-snapshot", func() error {
		log.WithFields(log.Fields{
			"ipVersion": m.ipVersion,
			"profiles":  len(rulesByProfileID),
		}).Info("Applying rules snapshot")
		missing := set.New[string]()
		for profileID := range m.rulesByProfileID {
			missing.Add(profileID)
		}
		for profileID, rules := range rulesByProfileID {
			m.onRulesUpdate(profileID, rules)
			missing.Discard(profileID)
		}
		for profileID := range missing {
			m.onRulesUpdate(profileID, nil)
		}
		return nil
	})
}

// OnRulesUpdate is called when a profile's rule list changes in the
// datastore; nil rules mean deletion.
func (m *Manager) OnRulesUpdate(profileID string, rules *model.Rules) {
	m.mailbox.Post("on-rules-update", func() error {
		m.onRulesUpdate(profileID, rules)
		return nil
	})
}

func (m *Manager) onRulesUpdate(profileID string, rules *model.Rules) {
	if rules == nil {
		delete(m.rulesByProfileID, profileID)
	} else {
		m.rulesByProfileID[profileID] = rules
	}
	if p, ok := m.refMgr.Live(profileID); ok {
		p.OnRulesUpdate(rules)
	}
}
