package devices

import (
	"sync"
)

// FakeConfigurer is a test double for Configurer.  Interfaces are present
// and up unless marked otherwise.
type FakeConfigurer struct {
	mu sync.Mutex

	MissingIfaces map[string]bool
	DownIfaces    map[string]bool
	ConfigureErr  error

	ConfiguredIfaces map[string]int
	RoutesByIface    map[string][]string
}

func NewFakeConfigurer() *FakeConfigurer {
	return &FakeConfigurer{
		MissingIfaces:    map[string]bool{},
		DownIfaces:       map[string]bool{},
		ConfiguredIfaces: map[string]int{},
		RoutesByIface:    map[string][]string{},
	}
}

func (f *FakeConfigurer) InterfaceExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.MissingIfaces[name]
}

func (f *FakeConfigurer) InterfaceUp(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.MissingIfaces[name] && !f.DownIfaces[name]
}

func (f *FakeConfigurer) ConfigureInterface(ipVersion uint8, name, ipv6Gateway string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfigureErr != nil {
		return f.ConfigureErr
	}
	f.ConfiguredIfaces[name]++
	return nil
}

func (f *FakeConfigurer) SetRoutes(ipVersion uint8, name string, ips []string, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfigureErr != nil {
		return f.ConfigureErr
	}
	f.RoutesByIface[name] = append([]string(nil), ips...)
	return nil
}

// SetMissing marks an interface as (not) existing.
func (f *FakeConfigurer) SetMissing(name string, missing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MissingIfaces[name] = missing
}

// ConfigureCount returns how many times the interface was configured.
func (f *FakeConfigurer) ConfigureCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ConfiguredIfaces[name]
}

// Routes returns the last route set programmed for the interface.
func (f *FakeConfigurer) Routes(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.RoutesByIface[name]...)
}
