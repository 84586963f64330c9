package iptables

import (
	"bufio"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/projectcalico/felix/pkg/set"
)

// CleanupLeftovers scans the filter table for chains left behind by a
// previous run: any chain whose name starts with one of the given prefixes
// but that this updater has not programmed is queued for deletion.  Must run
// after start-of-day programming so current chains are not swept away.
func (u *Updater) CleanupLeftovers(prefixes []string) error {
	return u.mailbox.Call("cleanup-leftovers", func() error {
		out, err := u.exec(u.saveCmd, []string{"--table", "filter"}, "")
		if err != nil {
			return &ExecError{Cmd: u.saveCmd, Out: out, Err: err}
		}
		leftovers := set.New[string]()
		scanner := bufio.NewScanner(strings.NewReader(string(out)))
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, ":") {
				continue
			}
			name := strings.Fields(line[1:])[0]
			for _, pfx := range prefixes {
				if strings.HasPrefix(name, pfx) && !u.programmed.Contains(name) &&
					!pendingContains(u.pendingUpdates, name) {
					leftovers.Add(name)
				}
			}
		}
		if leftovers.Len() == 0 {
			return nil
		}
		log.WithFields(log.Fields{
			"ipVersion": u.ipVersion,
			"chains":    leftovers.Slice(),
		}).Info("Cleaning up left-over chains")
		// Flush first so cross-references between leftovers don't block
		// deletion, then delete.
		input := leftoverTransaction(leftovers)
		if out, err := u.exec(u.restoreCmd, []string{"--noflush"}, input); err != nil {
			// Leftover cleanup is best effort; a chain referenced from
			// outside our prefix space can't be deleted.
			log.WithError(&ExecError{Cmd: u.restoreCmd, Out: out, Err: err}).Warn(
				"Failed to clean up some left-over chains")
		}
		return nil
	})
}

func pendingContains(pending map[string][]string, name string) bool {
	_, ok := pending[name]
	return ok
}

// EnsureKernelChainJump inserts a jump from a kernel built-in chain (e.g.
// FORWARD) to the given chain unless one is already present.  This is the
// one rule we own outside our own chains.
func (u *Updater) EnsureKernelChainJump(kernelChain, chain string) error {
	return u.mailbox.Call("ensure-kernel-jump", func() error {
		iptablesCmd := "iptables"
		if u.ipVersion == 6 {
			iptablesCmd = "ip6tables"
		}
		if _, err := u.exec(iptablesCmd,
			[]string{"--check", kernelChain, "--jump", chain}, ""); err == nil {
			return nil
		}
		out, err := u.exec(iptablesCmd,
			[]string{"--insert", kernelChain, "--jump", chain}, "")
		if err != nil {
			return &ExecError{Cmd: iptablesCmd, Out: out, Err: err}
		}
		log.WithFields(log.Fields{
			"kernelChain": kernelChain,
			"chain":       chain,
		}).Info("Inserted jump to our chain")
		return nil
	})
}

func leftoverTransaction(leftovers set.Set[string]) string {
	var b strings.Builder
	b.WriteString("*filter\n")
	names := leftovers.Slice()
	sort.Strings(names)
	for _, name := range names {
		b.WriteString("--flush " + name + "\n")
	}
	for _, name := range names {
		b.WriteString("--delete-chain " + name + "\n")
	}
	b.WriteString("COMMIT\n")
	return b.String()
}
