// Package ipsets manages the kernel IP sets that back tag matches: one actor
// per active tag, plus the reference-counted manager that owns them.
package ipsets

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/projectcalico/felix/pkg/actor"
	"github.com/projectcalico/felix/pkg/set"
)

var (
	gaugeActiveIpsets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "felix_active_ipsets",
		Help: "Number of active tag ipsets.",
	}, []string{"ip_version"})
	countIpsetCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "felix_ipset_calls",
		Help: "Number of ipset restore transactions executed.",
	}, []string{"ip_version"})
	countIpsetErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "felix_ipset_errors",
		Help: "Number of ipset restore transactions that failed.",
	}, []string{"ip_version"})
)

// ExecFunc runs the named command, feeding it stdin, returning combined
// output.  Injectable for testing.
type ExecFunc func(name string, args []string, stdin string) ([]byte, error)

func execCommand(name string, args []string, stdin string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

// ExecError is returned when the ipset tool exits non-zero.
type ExecError struct {
	Cmd string
	Out []byte
	Err error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Cmd, e.Err, strings.TrimSpace(string(e.Out)))
}

// ActiveIpset owns one tag's kernel IP set (and its temporary twin, which
// only exists transiently during writes).  Membership deltas accumulate in
// intendedMembers; the batch hook folds them into a single atomic write.
type ActiveIpset struct {
	mailbox *actor.Mailbox

	tag       string
	ipVersion uint8
	name      string
	tmpName   string
	family    string
	exec      ExecFunc

	intendedMembers set.Set[string]
	// programmedMembers is nil until we know what's in the kernel.
	programmedMembers set.Set[string]
	stopped           bool
	notifiedReady     bool
	onReady           func()
}

func NewActiveIpset(ipVersion uint8, tag string, execFn ExecFunc, onReady func()) *ActiveIpset {
	suffix := TagToSuffix(tag)
	s := &ActiveIpset{
		tag:             tag,
		ipVersion:       ipVersion,
		name:            MainName(ipVersion, suffix),
		tmpName:         TempName(ipVersion, suffix),
		family:          familyForVersion(ipVersion),
		exec:            execFn,
		intendedMembers: set.New[string](),
		onReady:         onReady,
	}
	s.mailbox = actor.NewMailbox(fmt.Sprintf("ipset-%s", s.name), s)
	s.mailbox.Start()
	gaugeActiveIpsets.WithLabelValues(fmt.Sprint(ipVersion)).Inc()
	return s
}

// OwnedIpsetNames returns the two kernel set names this actor owns.  It only
// touches immutable state so, unlike the other methods, it is safe to call
// from any goroutine.
func (s *ActiveIpset) OwnedIpsetNames() []string {
	return []string{s.name, s.tmpName}
}

// ReplaceMembers replaces the intended membership wholesale.
func (s *ActiveIpset) ReplaceMembers(members set.Set[string]) {
	s.mailbox.Post("replace-members", func() error {
		log.WithFields(log.Fields{"name": s.name, "members": members.Len()}).Debug(
			"Replacing ipset members")
		s.intendedMembers = members.Copy()
		return nil
	})
}

func (s *ActiveIpset) AddMember(ip string) {
	s.mailbox.Post("add-member", func() error {
		s.intendedMembers.Add(ip)
		return nil
	})
}

func (s *ActiveIpset) RemoveMember(ip string) {
	s.mailbox.Post("remove-member", func() error {
		s.intendedMembers.Discard(ip)
		return nil
	})
}

// OnUnreferenced tells the actor its last reference has been dropped: it
// stops programming, destroys its kernel sets best-effort, then confirms
// cleanup.
func (s *ActiveIpset) OnUnreferenced(done func()) {
	s.mailbox.Post("on-unreferenced", func() error {
		s.stopped = true
		for _, name := range s.OwnedIpsetNames() {
			if out, err := s.exec("ipset", []string{"destroy", name}, ""); err != nil {
				// Expected if the set was never programmed.
				log.WithFields(log.Fields{
					"name":   name,
					"output": strings.TrimSpace(string(out)),
				}).Debug("Failed to destroy ipset (may not exist)")
			}
		}
		gaugeActiveIpsets.WithLabelValues(fmt.Sprint(s.ipVersion)).Dec()
		done()
		return nil
	})
}

// FinishBatch programs the kernel if the intended membership has diverged
// from what we last wrote.
func (s *ActiveIpset) FinishBatch() error {
	if s.stopped {
		return nil
	}
	if s.programmedMembers != nil && s.programmedMembers.Equals(s.intendedMembers) {
		return nil
	}
	if err := s.syncToKernel(); err != nil {
		countIpsetErrors.WithLabelValues(fmt.Sprint(s.ipVersion)).Inc()
		return err
	}
	s.programmedMembers = s.intendedMembers.Copy()
	if !s.notifiedReady {
		s.notifiedReady = true
		if s.onReady != nil {
			s.onReady()
		}
	}
	return nil
}

// syncToKernel writes the full intended membership in one ipset restore
// transaction.  The only atomic multi-set primitive ipset offers is swap, so
// we build the new membership in the temporary set and swap it into place;
// observers only ever see the old set or the new one.
func (s *ActiveIpset) syncToKernel() error {
	log.WithFields(log.Fields{
		"name":    s.name,
		"members": s.intendedMembers.Len(),
	}).Debug("Programming ipset")

	lines := []string{
		fmt.Sprintf("create %s hash:ip family %s --exist", s.name, s.family),
		fmt.Sprintf("create %s hash:ip family %s --exist", s.tmpName, s.family),
		// Flushing is a no-op unless a previous write left the temp set
		// behind.
		fmt.Sprintf("flush %s", s.tmpName),
	}
	members := s.intendedMembers.Slice()
	sort.Strings(members)
	for _, m := range members {
		lines = append(lines, fmt.Sprintf("add %s %s", s.tmpName, m))
	}
	lines = append(lines,
		fmt.Sprintf("swap %s %s", s.name, s.tmpName),
		fmt.Sprintf("destroy %s", s.tmpName),
		"COMMIT",
	)
	input := strings.Join(lines, "\n") + "\n"

	countIpsetCalls.WithLabelValues(fmt.Sprint(s.ipVersion)).Inc()
	if out, err := s.exec("ipset", []string{"restore"}, input); err != nil {
		return &ExecError{Cmd: "ipset restore", Out: out, Err: err}
	}
	return nil
}

func (s *ActiveIpset) String() string {
	return fmt.Sprintf("ActiveIpset<%s>", s.name)
}
