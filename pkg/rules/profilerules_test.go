package rules

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/projectcalico/felix/pkg/iptables"
	"github.com/projectcalico/felix/pkg/ipsets"
	"github.com/projectcalico/felix/pkg/model"
)

// recordingExec is shared between the fake iptables and ipset tools so the
// test can observe the full kernel interaction.
type recordingExec struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingExec) fn(name string, args []string, stdin string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, name+" "+strings.Join(args, " ")+"\n"+stdin)
	return nil, nil
}

func (r *recordingExec) contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func newRulesStack(t *testing.T) (*Manager, *recordingExec) {
	t.Helper()
	rec := &recordingExec{}
	updater := iptables.NewUpdater(4, iptables.WithExec(rec.fn))
	updater.Start()
	ipsetMgr := ipsets.NewManager(4, ipsets.WithExec(rec.fn))
	ipsetMgr.Start()
	mgr := NewManager(4, updater, ipsetMgr)
	mgr.Start()
	return mgr, rec
}

func TestProfileProgrammedOnIncref(t *testing.T) {
	mgr, rec := newRulesStack(t)

	// Rules arrive before any consumer: cached, nothing programmed.
	mgr.OnRulesUpdate("prof1", &model.Rules{
		InboundRules:  []model.Rule{{SrcTag: "web"}},
		OutboundRules: []model.Rule{{Action: "deny"}},
	})
	time.Sleep(50 * time.Millisecond)
	if rec.contains("felix-p-prof1-i") {
		t.Fatal("profile chains written before any reference")
	}

	// First incref replays the cached rules.
	mgr.GetAndIncref("prof1")
	eventually(t, "profile chains programmed", func() bool {
		return rec.contains("--append felix-p-prof1-i") &&
			rec.contains("--append felix-p-prof1-o --jump DROP")
	})
	// The referenced tag's ipset comes to life too.
	eventually(t, "tag ipset created", func() bool {
		return rec.contains("create felix-v4-web hash:ip family inet --exist")
	})
	if !rec.contains("--match-set felix-v4-web src") {
		t.Error("rendered rules should match the tag ipset")
	}
}

func TestProfileCleanupOnDecref(t *testing.T) {
	mgr, rec := newRulesStack(t)

	mgr.OnRulesUpdate("prof1", &model.Rules{
		InboundRules: []model.Rule{{SrcTag: "web"}},
	})
	mgr.GetAndIncref("prof1")
	eventually(t, "profile programmed", func() bool {
		return rec.contains("--append felix-p-prof1-i")
	})

	mgr.Decref("prof1")
	eventually(t, "profile chains deleted", func() bool {
		return rec.contains("--delete-chain felix-p-prof1-i") &&
			rec.contains("--delete-chain felix-p-prof1-o")
	})
	// Dropping the last profile reference drops the tag reference, which
	// destroys the tag's kernel sets.
	eventually(t, "tag ipset destroyed", func() bool {
		return rec.contains("destroy felix-v4-web")
	})
}

func TestRulesUpdateWhileLive(t *testing.T) {
	mgr, rec := newRulesStack(t)

	mgr.OnRulesUpdate("prof1", &model.Rules{InboundRules: []model.Rule{{}}})
	mgr.GetAndIncref("prof1")
	eventually(t, "initial program", func() bool {
		return rec.contains("--append felix-p-prof1-i --jump RETURN")
	})

	mgr.OnRulesUpdate("prof1", &model.Rules{
		InboundRules: []model.Rule{{Action: "deny"}},
	})
	eventually(t, "updated program", func() bool {
		return rec.contains("--append felix-p-prof1-i --jump DROP")
	})
}

func TestRulesDeletedWhileLiveDropsTraffic(t *testing.T) {
	mgr, rec := newRulesStack(t)

	mgr.OnRulesUpdate("prof1", &model.Rules{InboundRules: []model.Rule{{}}})
	mgr.GetAndIncref("prof1")
	eventually(t, "initial program", func() bool {
		return rec.contains("--append felix-p-prof1-i --jump RETURN")
	})

	// Rule list deleted while an endpoint still uses the profile: the
	// chains stay (endpoint chains goto them) but drop everything.
	mgr.OnRulesUpdate("prof1", nil)
	eventually(t, "stub program", func() bool {
		return rec.contains("--append felix-p-prof1-i " + iptables.StubRuleFragment)
	})
}
