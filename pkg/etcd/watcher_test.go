package etcd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	etcdclient "go.etcd.io/etcd/client/v2"

	"github.com/projectcalico/felix/pkg/model"
)

type sinkEvent struct {
	kind      string
	id        string
	isDeleted bool
}

type fakeSink struct {
	mu        sync.Mutex
	events    []sinkEvent
	snapshots int
}

func (s *fakeSink) ApplySnapshot(
	rules map[string]*model.Rules,
	tags map[string][]string,
	endpoints map[string]*model.Endpoint,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots++
}

func (s *fakeSink) OnRulesUpdate(profileID string, rules *model.Rules) {
	s.record("rules", profileID, rules == nil)
}

func (s *fakeSink) OnTagsUpdate(profileID string, tags []string) {
	s.record("tags", profileID, tags == nil)
}

func (s *fakeSink) OnEndpointUpdate(endpointID string, ep *model.Endpoint) {
	s.record("endpoint", endpointID, ep == nil)
}

func (s *fakeSink) record(kind, id string, deleted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{kind: kind, id: id, isDeleted: deleted})
}

func newTestWatcher() *Watcher {
	w := NewWatcher("http://localhost:4001", "hostA")
	w.sleep = func(time.Duration) {}
	return w
}

func setResponse(key, value, action string) *etcdclient.Response {
	return &etcdclient.Response{
		Action: action,
		Node:   &etcdclient.Node{Key: key, Value: value},
	}
}

func TestDispatchUpdateClassification(t *testing.T) {
	w := newTestWatcher()

	testCases := []struct {
		desc       string
		resp       *etcdclient.Response
		wantResync bool
		wantEvents []sinkEvent
	}{
		{
			desc: "endpoint set",
			resp: setResponse(
				"/calico/v1/host/hostA/workload/docker/wl1/endpoint/e1",
				`{"state":"active","name":"tap1","mac":"m","profile_id":"p","ipv4_nets":[],"ipv6_nets":[]}`,
				"set"),
			wantEvents: []sinkEvent{{kind: "endpoint", id: "e1"}},
		},
		{
			desc: "endpoint delete",
			resp: setResponse(
				"/calico/v1/host/hostA/workload/docker/wl1/endpoint/e1", "", "delete"),
			wantEvents: []sinkEvent{{kind: "endpoint", id: "e1", isDeleted: true}},
		},
		{
			desc: "rules update",
			resp: setResponse("/calico/v1/policy/profile/p1/rules",
				`{"inbound_rules":[],"outbound_rules":[]}`, "set"),
			wantEvents: []sinkEvent{{kind: "rules", id: "p1"}},
		},
		{
			desc: "tags update",
			resp: setResponse("/calico/v1/policy/profile/p1/tags", `["web"]`, "set"),
			wantEvents: []sinkEvent{{kind: "tags", id: "p1"}},
		},
		{
			desc: "whole profile deleted synthesizes both deletions",
			resp: setResponse("/calico/v1/policy/profile/p1", "", "delete"),
			wantEvents: []sinkEvent{
				{kind: "rules", id: "p1", isDeleted: true},
				{kind: "tags", id: "p1", isDeleted: true},
			},
		},
		{
			desc:       "ready flag cleared forces resync",
			resp:       setResponse("/calico/v1/Ready", "false", "set"),
			wantResync: true,
		},
		{
			desc: "ready flag still true is fine",
			resp: setResponse("/calico/v1/Ready", "true", "set"),
		},
		{
			desc:       "unexpected delete under host dir forces resync",
			resp:       setResponse("/calico/v1/host/hostA/workload/docker/wl1", "", "delete"),
			wantResync: true,
		},
		{
			desc: "config change logged but no resync",
			resp: setResponse("/calico/v1/config/LogSeverityFile", "debug", "set"),
		},
		{
			desc: "unrelated key ignored",
			resp: setResponse("/calico/v1/something-else", "x", "set"),
		},
	}

	for _, tc := range testCases {
		sink := &fakeSink{}
		resync := w.dispatchUpdate(tc.resp, sink, "tap")
		if resync != tc.wantResync {
			t.Errorf("%s: resync = %v, want %v", tc.desc, resync, tc.wantResync)
		}
		sink.mu.Lock()
		got := append([]sinkEvent(nil), sink.events...)
		sink.mu.Unlock()
		if len(got) != len(tc.wantEvents) {
			t.Errorf("%s: events = %+v, want %+v", tc.desc, got, tc.wantEvents)
			continue
		}
		for i := range got {
			if got[i] != tc.wantEvents[i] {
				t.Errorf("%s: event %d = %+v, want %+v", tc.desc, i, got[i], tc.wantEvents[i])
			}
		}
	}
}

func TestParseSnapshot(t *testing.T) {
	root := &etcdclient.Node{
		Key: "/calico/v1",
		Dir: true,
		Nodes: etcdclient.Nodes{
			&etcdclient.Node{Key: "/calico/v1/Ready", Value: "true"},
			&etcdclient.Node{
				Key: "/calico/v1/policy", Dir: true,
				Nodes: etcdclient.Nodes{
					&etcdclient.Node{
						Key: "/calico/v1/policy/profile", Dir: true,
						Nodes: etcdclient.Nodes{
							&etcdclient.Node{
								Key: "/calico/v1/policy/profile/p1", Dir: true,
								Nodes: etcdclient.Nodes{
									&etcdclient.Node{
										Key:   "/calico/v1/policy/profile/p1/rules",
										Value: `{"inbound_rules":[],"outbound_rules":[]}`,
									},
									&etcdclient.Node{
										Key:   "/calico/v1/policy/profile/p1/tags",
										Value: `["web"]`,
									},
								},
							},
						},
					},
				},
			},
			&etcdclient.Node{
				Key: "/calico/v1/host", Dir: true,
				Nodes: etcdclient.Nodes{
					&etcdclient.Node{
						Key:   "/calico/v1/host/hostA/workload/docker/wl1/endpoint/e1",
						Value: `{"state":"active","name":"tap1","mac":"m","profile_id":"p1","ipv4_nets":["10.0.0.1"],"ipv6_nets":[]}`,
					},
					&etcdclient.Node{
						Key:   "/calico/v1/host/hostA/workload/docker/wl2/endpoint/bad",
						Value: `{"state":"invalid"}`,
					},
				},
			},
		},
	}

	rules, tags, endpoints, ready := parseSnapshot(root, "tap")
	if !ready {
		t.Error("expected snapshot to be marked ready")
	}
	if len(rules) != 1 || rules["p1"] == nil {
		t.Errorf("unexpected rules: %+v", rules)
	}
	if len(tags) != 1 || len(tags["p1"]) != 1 {
		t.Errorf("unexpected tags: %+v", tags)
	}
	// The invalid endpoint is simply absent from the snapshot.
	if len(endpoints) != 1 || endpoints["e1"] == nil {
		t.Errorf("unexpected endpoints: %+v", endpoints)
	}
}

func TestParseSnapshotNotReady(t *testing.T) {
	root := &etcdclient.Node{
		Key: "/calico/v1", Dir: true,
		Nodes: etcdclient.Nodes{
			&etcdclient.Node{Key: "/calico/v1/Ready", Value: "false"},
		},
	}
	if _, _, _, ready := parseSnapshot(root, "tap"); ready {
		t.Error("snapshot with Ready=false must not be considered ready")
	}
}

func TestClassifyPollError(t *testing.T) {
	w := newTestWatcher()
	ctx := context.Background()

	testCases := []struct {
		desc       string
		err        error
		wantResync bool
	}{
		{"read timeout reconnects", context.DeadlineExceeded, false},
		{"event index cleared resyncs",
			etcdclient.Error{Code: etcdclient.ErrorCodeEventIndexCleared}, true},
		{"other etcd error resyncs",
			etcdclient.Error{Code: etcdclient.ErrorCodeKeyNotFound}, true},
		{"cluster unavailable retries", etcdclient.ErrClusterUnavailable, false},
		{"cluster error reconnects",
			&etcdclient.ClusterError{Errors: []error{errors.New("conn refused")}}, false},
		{"generic error reconnects", errors.New("boom"), false},
	}
	for _, tc := range testCases {
		if got := w.classifyPollError(ctx, tc.err); got != tc.wantResync {
			t.Errorf("%s: resync = %v, want %v", tc.desc, got, tc.wantResync)
		}
	}
}

func TestHasPathPrefix(t *testing.T) {
	testCases := []struct {
		key, prefix string
		want        bool
	}{
		{"/calico/v1/host/h1", "/calico/v1/host", true},
		{"/calico/v1/host", "/calico/v1/host", true},
		{"/calico/v1/hostile", "/calico/v1/host", false},
		{"/calico/v1", "/calico/v1/host", false},
	}
	for _, tc := range testCases {
		if got := hasPathPrefix(tc.key, tc.prefix); got != tc.want {
			t.Errorf("hasPathPrefix(%q, %q) = %v, want %v", tc.key, tc.prefix, got, tc.want)
		}
	}
}
