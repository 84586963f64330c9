// Package agent assembles and runs the per-host policy agent: the actor
// stacks for both IP families, the datastore watcher that feeds them and the
// operational endpoints around them.
package agent

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/projectcalico/felix/pkg/admin"
	"github.com/projectcalico/felix/pkg/config"
	"github.com/projectcalico/felix/pkg/devices"
	"github.com/projectcalico/felix/pkg/dispatch"
	"github.com/projectcalico/felix/pkg/endpoint"
	"github.com/projectcalico/felix/pkg/etcd"
	"github.com/projectcalico/felix/pkg/ifacemonitor"
	"github.com/projectcalico/felix/pkg/iptables"
	"github.com/projectcalico/felix/pkg/ipsets"
	"github.com/projectcalico/felix/pkg/logging"
	"github.com/projectcalico/felix/pkg/rules"
)

// Options carries the command-line level settings; everything else comes
// from the config package's sources.
type Options struct {
	ConfigFile string
}

// familyStack is the set of actors that drive one IP family's dataplane.
type familyStack struct {
	ipVersion   uint8
	updater     *iptables.Updater
	ipsetMgr    *ipsets.Manager
	dispatch    *dispatch.Chains
	rulesMgr    *rules.Manager
	endpointMgr *endpoint.Manager
}

func newFamilyStack(ipVersion uint8, cfg config.Config, deviceCfg devices.Configurer) *familyStack {
	updater := iptables.NewUpdater(ipVersion)
	ipsetMgr := ipsets.NewManager(ipVersion)
	dispatchChains := dispatch.NewChains(ipVersion, cfg.InterfacePrefix, updater)
	rulesMgr := rules.NewManager(ipVersion, updater, ipsetMgr)
	endpointMgr := endpoint.NewManager(ipVersion, cfg.Hostname, cfg.InterfacePrefix,
		updater, dispatchChains, rulesMgr, ipsetMgr, deviceCfg)
	return &familyStack{
		ipVersion:   ipVersion,
		updater:     updater,
		ipsetMgr:    ipsetMgr,
		dispatch:    dispatchChains,
		rulesMgr:    rulesMgr,
		endpointMgr: endpointMgr,
	}
}

func (s *familyStack) start(ifacePrefix string) error {
	s.updater.Start()
	s.ipsetMgr.Start()
	s.dispatch.Start()
	s.rulesMgr.Start()
	s.endpointMgr.Start()

	// Program the static plumbing straight away: the dispatch chains start
	// out as stubs that drop endpoint traffic until the first snapshot
	// fills them in.
	renderer := rules.Renderer{IPVersion: s.ipVersion}
	updates, deps := renderer.StaticChains(ifacePrefix)
	if err := s.updater.RewriteChains(updates, deps); err != nil {
		return fmt.Errorf("failed to program static chains: %w", err)
	}
	return s.updater.EnsureKernelChainJump("FORWARD", rules.ChainForward)
}

// cleanup sweeps kernel state left behind by a previous run.  It runs after
// the first snapshot so everything currently wanted has an owning actor.
func (s *familyStack) cleanup() {
	if err := s.ipsetMgr.Cleanup(); err != nil {
		log.WithError(err).WithField("ipVersion", s.ipVersion).Warn(
			"Failed to clean up left-over ipsets")
	}
	if err := s.updater.CleanupLeftovers([]string{rules.ChainNamePrefix}); err != nil {
		log.WithError(err).WithField("ipVersion", s.ipVersion).Warn(
			"Failed to clean up left-over chains")
	}
}

// Run starts the agent and blocks until it fails or is told to stop.
// Configuration is loaded once; any change to it forces a restart.
func Run(opts Options) error {
	logging.ConfigureEarly()
	log.Info("Felix starting up")

	cfg := config.Default()
	if opts.ConfigFile != "" {
		if err := cfg.UpdateFromFile(opts.ConfigFile); err != nil {
			return err
		}
	}
	cfg.UpdateFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Phase 1: reach the datastore and finish configuration, then logging.
	watcher := etcd.NewWatcher(cfg.EtcdEndpoint(), cfg.Hostname)
	datastoreConfig, err := watcher.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config from datastore: %w", err)
	}
	cfg.UpdateFromDatastore(datastoreConfig)
	// Environment wins over the datastore so an operator can pin values.
	cfg.UpdateFromEnv()
	logging.Configure(cfg.LogFilePath, cfg.LogSeverityFile,
		cfg.LogSeveritySys, cfg.LogSeverityScreen)
	log.WithField("config", fmt.Sprintf("%+v", cfg)).Info("Configuration loaded")

	if opts.ConfigFile != "" {
		watchConfigFile(opts.ConfigFile, cancel)
	}

	// Phase 2: build and start the dataplane actors.
	deviceCfg := devices.New()
	stacks := []*familyStack{
		newFamilyStack(4, cfg, deviceCfg),
		newFamilyStack(6, cfg, deviceCfg),
	}
	for _, stack := range stacks {
		if err := stack.start(cfg.InterfacePrefix); err != nil {
			return err
		}
	}

	splitter := &updateSplitter{}
	for _, stack := range stacks {
		splitter.ipsetMgrs = append(splitter.ipsetMgrs, stack.ipsetMgr)
		splitter.rulesMgrs = append(splitter.rulesMgrs, stack.rulesMgr)
		splitter.endpointMgrs = append(splitter.endpointMgrs, stack.endpointMgr)
	}
	splitter.onFirstSnapshot = func() {
		log.Info("First snapshot applied; sweeping left-over kernel state")
		for _, stack := range stacks {
			stack.cleanup()
		}
	}

	monitor := ifacemonitor.New(func(ifaceName string) {
		for _, stack := range stacks {
			stack.endpointMgr.OnInterfaceUpdate(ifaceName)
		}
	})
	if err := monitor.Start(); err != nil {
		return err
	}
	defer monitor.Stop()

	adminServer := admin.NewServer(fmt.Sprintf(":%d", cfg.MetricsPort), splitter.InSync)
	go func() {
		log.WithField("addr", adminServer.Addr).Info("Starting admin server")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Admin server failed")
		}
	}()
	defer adminServer.Close()

	// Phase 3: watch the datastore forever.
	log.Info("Starting datastore watch loop")
	return watcher.Watch(ctx, splitter, cfg.InterfacePrefix)
}

// watchConfigFile arranges for the agent to shut down if its local config
// file changes; dynamic reconfiguration is deliberately unsupported, the
// supervising process restarts us with the new settings.
func watchConfigFile(path string, cancel context.CancelFunc) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("Failed to create config file watcher")
		return
	}
	if err := fsWatcher.Add(path); err != nil {
		log.WithError(err).WithField("path", path).Warn(
			"Failed to watch config file")
		fsWatcher.Close()
		return
	}
	go func() {
		defer fsWatcher.Close()
		for {
			select {
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				log.WithField("event", event).Warn(
					"Config file changed; shutting down for restart")
				cancel()
				return
			case err, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Config file watcher error")
			}
		}
	}()
}
