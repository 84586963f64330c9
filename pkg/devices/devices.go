// Package devices applies per-interface kernel configuration for local
// endpoints: sysctls, proxy ARP/NDP and the routes that steer an endpoint's
// IPs at its interface.
package devices

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/projectcalico/felix/pkg/set"
)

// Configurer is the interface the endpoint actor programs against; the real
// implementation shells out to iproute2 and writes /proc, tests use a fake.
type Configurer interface {
	InterfaceExists(name string) bool
	InterfaceUp(name string) bool
	// ConfigureInterface applies the static per-interface settings:
	// sysctls, bringing the link up and (IPv6) the gateway NDP proxy
	// entry.
	ConfigureInterface(ipVersion uint8, name, ipv6Gateway string) error
	// SetRoutes makes the interface's routes (and static ARP entries for
	// IPv4) match the given set of IPs exactly.
	SetRoutes(ipVersion uint8, name string, ips []string, mac string) error
}

// ExecFunc mirrors the injectable exec hook used by the kernel-tool drivers.
type ExecFunc func(name string, args []string, stdin string) ([]byte, error)

type realConfigurer struct {
	exec    ExecFunc
	procDir string
	sysDir  string
}

type Option func(*realConfigurer)

func WithExec(fn ExecFunc) Option {
	return func(c *realConfigurer) { c.exec = fn }
}

func New(opts ...Option) Configurer {
	c := &realConfigurer{
		exec: func(name string, args []string, stdin string) ([]byte, error) {
			cmd := exec.Command(name, args...)
			if stdin != "" {
				cmd.Stdin = strings.NewReader(stdin)
			}
			return cmd.CombinedOutput()
		},
		procDir: "/proc/sys/net",
		sysDir:  "/sys/class/net",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *realConfigurer) InterfaceExists(name string) bool {
	_, err := os.Stat(c.sysDir + "/" + name)
	return err == nil
}

func (c *realConfigurer) InterfaceUp(name string) bool {
	data, err := os.ReadFile(c.sysDir + "/" + name + "/flags")
	if err != nil {
		return false
	}
	flags, err := strconv.ParseInt(strings.TrimSpace(string(data)), 0, 64)
	if err != nil {
		return false
	}
	const iffUp = 0x1
	return flags&iffUp != 0
}

func (c *realConfigurer) ConfigureInterface(ipVersion uint8, name, ipv6Gateway string) error {
	if ipVersion == 4 {
		if err := c.writeProcSys(fmt.Sprintf("ipv4/conf/%s/route_localnet", name), "1"); err != nil {
			return err
		}
		if err := c.writeProcSys(fmt.Sprintf("ipv4/conf/%s/proxy_arp", name), "1"); err != nil {
			return err
		}
	} else {
		if err := c.writeProcSys(fmt.Sprintf("ipv6/conf/%s/proxy_ndp", name), "1"); err != nil {
			return err
		}
		if ipv6Gateway != "" {
			// The endpoint's gateway address is proxied on this
			// interface so the workload can resolve it.
			if out, err := c.exec("ip", []string{"-6", "neigh", "add", "proxy",
				ipv6Gateway, "dev", name}, ""); err != nil &&
				!strings.Contains(string(out), "File exists") {
				return fmt.Errorf("failed to add NDP proxy for %s on %s: %w: %s",
					ipv6Gateway, name, err, out)
			}
		}
	}
	if out, err := c.exec("ip", []string{"link", "set", name, "up"}, ""); err != nil {
		return fmt.Errorf("failed to set %s up: %w: %s", name, err, out)
	}
	return nil
}

func (c *realConfigurer) SetRoutes(ipVersion uint8, name string, ips []string, mac string) error {
	current, err := c.listRouteIPs(ipVersion, name)
	if err != nil {
		return err
	}
	wanted := set.FromSlice(ips)

	for ip := range wanted.Difference(current) {
		if out, err := c.exec("ip", routeArgs(ipVersion, "replace", ip, name), ""); err != nil {
			return fmt.Errorf("failed to add route %s dev %s: %w: %s", ip, name, err, out)
		}
		if ipVersion == 4 && mac != "" {
			if out, err := c.exec("arp", []string{"-s", ip, mac, "-i", name}, ""); err != nil {
				return fmt.Errorf("failed to add ARP entry %s %s: %w: %s", ip, mac, err, out)
			}
		}
	}
	for ip := range current.Difference(wanted) {
		if out, err := c.exec("ip", routeArgs(ipVersion, "del", ip, name), ""); err != nil {
			// Route may already be gone; log and carry on.
			log.WithFields(log.Fields{
				"ip": ip, "interface": name,
				"output": strings.TrimSpace(string(out)),
			}).Warn("Failed to remove route")
		}
	}
	return nil
}

func routeArgs(ipVersion uint8, op, ip, name string) []string {
	args := []string{}
	if ipVersion == 6 {
		args = append(args, "-6")
	}
	return append(args, "route", op, ip, "dev", name)
}

func (c *realConfigurer) listRouteIPs(ipVersion uint8, name string) (set.Set[string], error) {
	args := []string{}
	if ipVersion == 6 {
		args = append(args, "-6")
	}
	args = append(args, "route", "list", "dev", name)
	out, err := c.exec("ip", args, "")
	if err != nil {
		if !c.InterfaceExists(name) {
			return nil, fmt.Errorf("interface %s does not exist", name)
		}
		return nil, fmt.Errorf("failed to list routes for %s: %w: %s", name, err, out)
	}
	ips := set.New[string]()
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			ips.Add(fields[0])
		}
	}
	return ips, nil
}

func (c *realConfigurer) writeProcSys(relPath, value string) error {
	path := c.procDir + "/" + relPath
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
