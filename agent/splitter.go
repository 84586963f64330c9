package agent

import (
	"sync/atomic"

	"github.com/projectcalico/felix/pkg/endpoint"
	"github.com/projectcalico/felix/pkg/ipsets"
	"github.com/projectcalico/felix/pkg/model"
	"github.com/projectcalico/felix/pkg/rules"
)

// updateSplitter fans the datastore update stream out to the per-family
// managers.  Each manager's mailbox is FIFO, so delivering the snapshot to a
// manager before any subsequent delta preserves ordering per manager.
type updateSplitter struct {
	ipsetMgrs    []*ipsets.Manager
	rulesMgrs    []*rules.Manager
	endpointMgrs []*endpoint.Manager

	inSync          atomic.Bool
	onFirstSnapshot func()
}

func (s *updateSplitter) ApplySnapshot(
	rulesByProfileID map[string]*model.Rules,
	tagsByProfileID map[string][]string,
	endpointsByID map[string]*model.Endpoint,
) {
	for _, mgr := range s.ipsetMgrs {
		mgr.ApplySnapshot(tagsByProfileID, endpointsByID)
	}
	for _, mgr := range s.rulesMgrs {
		mgr.ApplySnapshot(rulesByProfileID)
	}
	for _, mgr := range s.endpointMgrs {
		mgr.ApplySnapshot(endpointsByID)
	}
	if s.inSync.CompareAndSwap(false, true) && s.onFirstSnapshot != nil {
		s.onFirstSnapshot()
	}
}

func (s *updateSplitter) OnRulesUpdate(profileID string, r *model.Rules) {
	for _, mgr := range s.rulesMgrs {
		mgr.OnRulesUpdate(profileID, r)
	}
}

func (s *updateSplitter) OnTagsUpdate(profileID string, tags []string) {
	for _, mgr := range s.ipsetMgrs {
		mgr.OnTagsUpdate(profileID, tags)
	}
}

func (s *updateSplitter) OnEndpointUpdate(endpointID string, ep *model.Endpoint) {
	for _, mgr := range s.ipsetMgrs {
		mgr.OnEndpointUpdate(endpointID, ep)
	}
	for _, mgr := range s.endpointMgrs {
		mgr.OnEndpointUpdate(endpointID, ep)
	}
}

// InSync reports whether at least one full snapshot has been applied; the
// admin server's readiness probe keys off it.
func (s *updateSplitter) InSync() bool {
	return s.inSync.Load()
}
