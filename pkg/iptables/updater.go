// Package iptables batches writes of named rule chains to the kernel's
// packet filter.  All writes for one batch are folded into a single
// iptables-restore transaction; the restore tool applies its input
// atomically, so external observers see either the old chains or the new
// ones.
package iptables

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/projectcalico/felix/pkg/actor"
	"github.com/projectcalico/felix/pkg/set"
)

var (
	countRestoreCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "felix_iptables_restore_calls",
		Help: "Number of iptables-restore transactions executed.",
	}, []string{"ip_version"})
	countRestoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "felix_iptables_restore_errors",
		Help: "Number of iptables-restore transactions that failed.",
	}, []string{"ip_version"})
)

// ExecFunc runs the named command with args, feeding it stdin, and returns
// its combined output.  It is injectable for testing.
type ExecFunc func(name string, args []string, stdin string) ([]byte, error)

// ExecError is returned when one of the kernel tools exits non-zero.  It
// captures the combined output for diagnosis.
type ExecError struct {
	Cmd string
	Out []byte
	Err error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Cmd, e.Err, strings.TrimSpace(string(e.Out)))
}

// Updater is the actor that owns this agent's chains in the filter table for
// one IP version.
type Updater struct {
	mailbox *actor.Mailbox

	ipVersion  uint8
	restoreCmd string
	saveCmd    string
	exec       ExecFunc

	// Chains we have programmed, and the dependency graph between them.
	programmed   set.Set[string]
	depsByChain  map[string]set.Set[string]
	fragsByChain map[string][]string

	// Work accumulated during the current batch.
	pendingUpdates map[string][]string
	pendingDeps    map[string]set.Set[string]
	pendingDeletes set.Set[string]
	// Chains whose deletion was requested while something still jumped to
	// them.  They are swept once their last referrer goes away.
	deferredDeletes set.Set[string]
	// Stub chains written in place of a missing dependency; garbage
	// collected like deferred deletions.
	stubChains set.Set[string]
}

// StubRuleFragment is the sole rule of a stub chain written in place of a
// dependency that hasn't been programmed yet.
const StubRuleFragment = `--match comment --comment "felix: DROP until chain is programmed" --jump DROP`

type Option func(*Updater)

// WithExec overrides how the restore tool is invoked; used in tests.
func WithExec(fn ExecFunc) Option {
	return func(u *Updater) { u.exec = fn }
}

func NewUpdater(ipVersion uint8, opts ...Option) *Updater {
	u := &Updater{
		ipVersion:       ipVersion,
		restoreCmd:      "iptables-restore",
		saveCmd:         "iptables-save",
		exec:            execCommand,
		programmed:      set.New[string](),
		depsByChain:     map[string]set.Set[string]{},
		fragsByChain:    map[string][]string{},
		pendingUpdates:  map[string][]string{},
		pendingDeps:     map[string]set.Set[string]{},
		pendingDeletes:  set.New[string](),
		deferredDeletes: set.New[string](),
		stubChains:      set.New[string](),
	}
	if ipVersion == 6 {
		u.restoreCmd = "ip6tables-restore"
		u.saveCmd = "ip6tables-save"
	}
	for _, opt := range opts {
		opt(u)
	}
	u.mailbox = actor.NewMailbox(fmt.Sprintf("iptables-v%d", ipVersion), u)
	return u
}

func (u *Updater) Start() {
	u.mailbox.Start()
}

// RewriteChains atomically flushes and rewrites the given chains.  updates
// maps chain name to its ordered rule fragments (each a complete iptables
// argument line minus the --append); deps maps chain name to the chains its
// rules jump or goto.  A dependency that is neither programmed nor part of
// the update is created as a DROP stub so the transaction can't dangle.
// Blocks until the write has been attempted; a non-zero exit from the
// restore tool is returned as an *ExecError.
func (u *Updater) RewriteChains(updates map[string][]string, deps map[string]set.Set[string]) error {
	return u.mailbox.Call("rewrite-chains", func() error {
		u.queueUpdates(updates, deps)
		return nil
	})
}

// DeleteChains removes the named chains, best effort.  A chain that is still
// referenced by another programmed chain is not deleted immediately; it is
// garbage collected once its last referrer has gone.
func (u *Updater) DeleteChains(names []string) {
	u.mailbox.Post("delete-chains", func() error {
		for _, name := range names {
			delete(u.pendingUpdates, name)
			delete(u.pendingDeps, name)
			u.pendingDeletes.Add(name)
		}
		return nil
	})
}

func (u *Updater) queueUpdates(updates map[string][]string, deps map[string]set.Set[string]) {
	for chain, frags := range updates {
		u.pendingUpdates[chain] = frags
		u.pendingDeletes.Discard(chain)
		u.deferredDeletes.Discard(chain)
		if d, ok := deps[chain]; ok {
			u.pendingDeps[chain] = d.Copy()
		} else {
			u.pendingDeps[chain] = set.New[string]()
		}
	}
}

// FinishBatch applies all the updates and deletions accumulated during the
// batch in one restore transaction.
func (u *Updater) FinishBatch() error {
	if len(u.pendingUpdates) == 0 && u.pendingDeletes.Len() == 0 &&
		u.deferredDeletes.Len() == 0 {
		return nil
	}
	defer func() {
		u.pendingUpdates = map[string][]string{}
		u.pendingDeps = map[string]set.Set[string]{}
		u.pendingDeletes = set.New[string]()
	}()

	// A chain can't be written while its jump/goto targets are absent, so
	// fill in any missing dependency with a DROP stub.  The stub is
	// overwritten when the real chain shows up and garbage collected when
	// its last referrer goes away.
	for _, deps := range u.pendingDeps {
		for dep := range deps {
			if u.programmed.Contains(dep) {
				continue
			}
			if _, beingWritten := u.pendingUpdates[dep]; beingWritten {
				continue
			}
			log.WithField("chain", dep).Debug(
				"Dependency not yet programmed; writing stub chain")
			u.pendingUpdates[dep] = []string{StubRuleFragment}
			u.pendingDeps[dep] = set.New[string]()
			u.stubChains.Add(dep)
		}
	}
	newDeps := u.postUpdateDeps()

	deletions := u.resolveDeletions(newDeps)
	if len(u.pendingUpdates) == 0 && deletions.Len() == 0 {
		// Everything requested is deferred; nothing to write yet.
		return nil
	}

	input := u.buildTransaction(deletions)
	log.WithFields(log.Fields{
		"ipVersion": u.ipVersion,
		"updates":   len(u.pendingUpdates),
		"deletions": deletions.Len(),
	}).Debug("Applying iptables transaction")
	countRestoreCalls.WithLabelValues(fmt.Sprint(u.ipVersion)).Inc()
	if out, err := u.exec(u.restoreCmd, []string{"--noflush"}, input); err != nil {
		countRestoreErrors.WithLabelValues(fmt.Sprint(u.ipVersion)).Inc()
		return &ExecError{Cmd: u.restoreCmd, Out: out, Err: err}
	}

	// Commit the model of the dataplane.
	for chain, frags := range u.pendingUpdates {
		u.programmed.Add(chain)
		u.fragsByChain[chain] = frags
		u.depsByChain[chain] = u.pendingDeps[chain]
		if len(frags) != 1 || frags[0] != StubRuleFragment {
			u.stubChains.Discard(chain)
		}
	}
	for chain := range deletions {
		u.programmed.Discard(chain)
		delete(u.fragsByChain, chain)
		delete(u.depsByChain, chain)
		u.deferredDeletes.Discard(chain)
		u.stubChains.Discard(chain)
	}
	return nil
}

// postUpdateDeps returns the dependency graph as it will look after the
// pending updates are applied (ignoring deletions).
func (u *Updater) postUpdateDeps() map[string]set.Set[string] {
	deps := map[string]set.Set[string]{}
	for chain, d := range u.depsByChain {
		deps[chain] = d
	}
	for chain, d := range u.pendingDeps {
		deps[chain] = d
	}
	return deps
}

// resolveDeletions works out which requested deletions can go ahead: a chain
// can only be removed once nothing jumps to it.  Deletions freed up by other
// deletions in the same batch are included (iterated to a fixed point); the
// rest are parked in deferredDeletes for a later batch.
func (u *Updater) resolveDeletions(newDeps map[string]set.Set[string]) set.Set[string] {
	candidates := u.pendingDeletes.Copy()
	candidates.AddAll(u.deferredDeletes)
	// Orphaned stubs are garbage collected along with deferred deletions.
	for chain := range u.stubChains {
		if _, beingWritten := u.pendingUpdates[chain]; !beingWritten {
			candidates.Add(chain)
		}
	}
	// Only chains we actually programmed can be deleted; requests for
	// unknown chains are dropped (the chain is already gone).
	for chain := range candidates.Copy() {
		if !u.programmed.Contains(chain) {
			candidates.Discard(chain)
		}
	}

	deleted := set.New[string]()
	for {
		progress := false
		for chain := range candidates {
			if deleted.Contains(chain) || u.isReferenced(chain, newDeps, deleted) {
				continue
			}
			deleted.Add(chain)
			progress = true
		}
		if !progress {
			break
		}
	}
	for chain := range candidates {
		if !deleted.Contains(chain) {
			log.WithField("chain", chain).Debug(
				"Chain still referenced; deferring deletion")
			u.deferredDeletes.Add(chain)
		}
	}
	return deleted
}

func (u *Updater) isReferenced(chain string, deps map[string]set.Set[string], deleted set.Set[string]) bool {
	for referrer, d := range deps {
		if referrer == chain || deleted.Contains(referrer) {
			continue
		}
		if !d.Contains(chain) {
			continue
		}
		if _, beingWritten := u.pendingUpdates[referrer]; beingWritten ||
			u.programmed.Contains(referrer) {
			return true
		}
	}
	return false
}

func (u *Updater) buildTransaction(deletions set.Set[string]) string {
	var b strings.Builder
	b.WriteString("*filter\n")
	// Declare every chain we're about to write; under --noflush this
	// creates missing chains without touching existing ones.
	for _, chain := range sortedKeys(u.pendingUpdates) {
		fmt.Fprintf(&b, ":%s - [0:0]\n", chain)
	}
	for _, chain := range sortedKeys(u.pendingUpdates) {
		fmt.Fprintf(&b, "--flush %s\n", chain)
		for _, frag := range u.pendingUpdates[chain] {
			fmt.Fprintf(&b, "--append %s %s\n", chain, frag)
		}
	}
	deleted := deletions.Slice()
	sort.Strings(deleted)
	for _, chain := range deleted {
		fmt.Fprintf(&b, "--flush %s\n", chain)
	}
	for _, chain := range deleted {
		fmt.Fprintf(&b, "--delete-chain %s\n", chain)
	}
	b.WriteString("COMMIT\n")
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
