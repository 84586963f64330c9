package iptables

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-test/deep"

	"github.com/projectcalico/felix/pkg/set"
)

type execCall struct {
	name  string
	args  []string
	stdin string
}

// fakeExec captures every invocation; a non-nil failNxt makes the next call
// fail with that error.
type fakeExec struct {
	mu      sync.Mutex
	calls   []execCall
	failNxt error
}

func (f *fakeExec) fn(name string, args []string, stdin string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{name: name, args: args, stdin: stdin})
	if err := f.failNxt; err != nil {
		f.failNxt = nil
		return []byte("iptables-restore: line 2 failed"), err
	}
	return nil, nil
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExec) call(i int) execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeExec) lastCall() execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestUpdater(t *testing.T) (*Updater, *fakeExec) {
	t.Helper()
	fake := &fakeExec{}
	u := NewUpdater(4, WithExec(fake.fn))
	u.Start()
	return u, fake
}

func TestRewriteChainsTransaction(t *testing.T) {
	u, fake := newTestUpdater(t)

	err := u.RewriteChains(
		map[string][]string{
			"felix-test": {"--jump RETURN", "--jump DROP"},
		},
		nil,
	)
	if err != nil {
		t.Fatalf("RewriteChains failed: %v", err)
	}

	if fake.callCount() != 1 {
		t.Fatalf("expected 1 restore call, got %d", fake.callCount())
	}
	call := fake.call(0)
	if call.name != "iptables-restore" {
		t.Errorf("expected iptables-restore, got %s", call.name)
	}
	if diff := deep.Equal(call.args, []string{"--noflush"}); diff != nil {
		t.Error(diff)
	}
	want := strings.Join([]string{
		"*filter",
		":felix-test - [0:0]",
		"--flush felix-test",
		"--append felix-test --jump RETURN",
		"--append felix-test --jump DROP",
		"COMMIT",
	}, "\n") + "\n"
	if call.stdin != want {
		t.Errorf("unexpected transaction:\n%s\nwant:\n%s", call.stdin, want)
	}
}

func TestRewriteChainsUsesIP6TablesForV6(t *testing.T) {
	fake := &fakeExec{}
	u := NewUpdater(6, WithExec(fake.fn))
	u.Start()
	if err := u.RewriteChains(map[string][]string{"felix-test": {"--jump RETURN"}}, nil); err != nil {
		t.Fatalf("RewriteChains failed: %v", err)
	}
	if got := fake.call(0).name; got != "ip6tables-restore" {
		t.Errorf("expected ip6tables-restore, got %s", got)
	}
}

func TestMissingDependencyGetsStub(t *testing.T) {
	u, fake := newTestUpdater(t)

	err := u.RewriteChains(
		map[string][]string{"felix-a": {"--goto felix-b"}},
		map[string]set.Set[string]{"felix-a": set.From("felix-b")},
	)
	if err != nil {
		t.Fatalf("RewriteChains failed: %v", err)
	}
	stdin := fake.call(0).stdin
	if !strings.Contains(stdin, ":felix-b - [0:0]") {
		t.Errorf("expected stub declaration for felix-b in:\n%s", stdin)
	}
	if !strings.Contains(stdin, "--append felix-b "+StubRuleFragment) {
		t.Errorf("expected stub DROP rule for felix-b in:\n%s", stdin)
	}
}

func TestStubReplacedByRealChain(t *testing.T) {
	u, fake := newTestUpdater(t)

	must(t, u.RewriteChains(
		map[string][]string{"felix-a": {"--goto felix-b"}},
		map[string]set.Set[string]{"felix-a": set.From("felix-b")},
	))
	must(t, u.RewriteChains(
		map[string][]string{"felix-b": {"--jump RETURN"}},
		nil,
	))
	stdin := fake.lastCall().stdin
	if !strings.Contains(stdin, "--append felix-b --jump RETURN") {
		t.Errorf("expected real felix-b rules in:\n%s", stdin)
	}
	if strings.Contains(stdin, "--delete-chain felix-b") {
		t.Errorf("real chain must not be deleted:\n%s", stdin)
	}
}

func TestDeleteDeferredWhileReferenced(t *testing.T) {
	u, fake := newTestUpdater(t)

	// felix-prof is referenced by felix-ep.
	must(t, u.RewriteChains(map[string][]string{"felix-prof": {"--jump RETURN"}}, nil))
	must(t, u.RewriteChains(
		map[string][]string{"felix-ep": {"--goto felix-prof"}},
		map[string]set.Set[string]{"felix-ep": set.From("felix-prof")},
	))

	// Deleting the profile chain while the endpoint chain still jumps to
	// it must not touch it.
	u.DeleteChains([]string{"felix-prof"})
	barrier(t, u)
	for i := 0; i < fake.callCount(); i++ {
		if strings.Contains(fake.call(i).stdin, "--delete-chain felix-prof") {
			t.Fatal("profile chain deleted while still referenced")
		}
	}

	// Once the endpoint chain goes, the profile chain is swept with it.
	u.DeleteChains([]string{"felix-ep"})
	barrier(t, u)
	stdin := fake.lastCall().stdin
	if !strings.Contains(stdin, "--delete-chain felix-ep") ||
		!strings.Contains(stdin, "--delete-chain felix-prof") {
		t.Errorf("expected both chains deleted, got:\n%s", stdin)
	}
}

func TestRewriteChainsSurfacesExecError(t *testing.T) {
	u, fake := newTestUpdater(t)
	fake.mu.Lock()
	fake.failNxt = errors.New("exit status 2")
	fake.mu.Unlock()

	err := u.RewriteChains(map[string][]string{"felix-a": {"--jump DROP"}}, nil)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecError, got %v", err)
	}
	if !strings.Contains(execErr.Error(), "line 2 failed") {
		t.Errorf("expected tool output in error, got %q", execErr.Error())
	}
}

func TestDeleteUnknownChainIsNoOp(t *testing.T) {
	u, fake := newTestUpdater(t)
	u.DeleteChains([]string{"felix-never-existed"})
	barrier(t, u)
	if fake.callCount() != 0 {
		t.Errorf("expected no kernel writes, got %d", fake.callCount())
	}
}

func TestCleanupLeftovers(t *testing.T) {
	fake := &fakeExec{}
	u := NewUpdater(4, WithExec(fake.fn))
	u.Start()
	must(t, u.RewriteChains(map[string][]string{"felix-keep": {"--jump RETURN"}}, nil))

	// Craft iptables-save output containing our chain, a leftover and an
	// unrelated one.
	fake.mu.Lock()
	saveOutput := strings.Join([]string{
		"*filter",
		":INPUT ACCEPT [0:0]",
		":felix-keep - [0:0]",
		":felix-old-ep - [0:0]",
		":DOCKER - [0:0]",
		"COMMIT",
	}, "\n")
	fake.calls = nil
	fake.mu.Unlock()

	origExec := fake.fn
	u.exec = func(name string, args []string, stdin string) ([]byte, error) {
		if name == "iptables-save" {
			origExec(name, args, stdin)
			return []byte(saveOutput), nil
		}
		return origExec(name, args, stdin)
	}

	must(t, u.CleanupLeftovers([]string{"felix-"}))
	stdin := fake.lastCall().stdin
	if !strings.Contains(stdin, "--delete-chain felix-old-ep") {
		t.Errorf("expected leftover chain deleted, got:\n%s", stdin)
	}
	if strings.Contains(stdin, "felix-keep") || strings.Contains(stdin, "DOCKER") {
		t.Errorf("cleanup touched chains it shouldn't:\n%s", stdin)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// barrier flushes the updater's queue, including the batch hook.
func barrier(t *testing.T, u *Updater) {
	t.Helper()
	if err := u.mailbox.Call("barrier", func() error { return nil }); err != nil {
		t.Fatalf("barrier failed: %v", err)
	}
}
