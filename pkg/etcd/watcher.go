package etcd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	etcdclient "go.etcd.io/etcd/client/v2"

	"github.com/projectcalico/felix/pkg/model"
)

const (
	retryDelay = 5 * time.Second
	// Datastore reads use explicit timeouts: a poll that produces nothing
	// for readTimeout is reconnected, not treated as a failure.
	connectTimeout = 10 * time.Second
	readTimeout    = 90 * time.Second
)

var countResyncs = promauto.NewCounter(prometheus.CounterOpts{
	Name: "felix_resyncs_started",
	Help: "Number of full datastore resyncs started.",
})

// UpdateSink receives the parsed update stream.  The watcher guarantees that
// a snapshot is always delivered before any delta that follows it.
type UpdateSink interface {
	ApplySnapshot(
		rulesByProfileID map[string]*model.Rules,
		tagsByProfileID map[string][]string,
		endpointsByID map[string]*model.Endpoint,
	)
	OnRulesUpdate(profileID string, rules *model.Rules)
	OnTagsUpdate(profileID string, tags []string)
	OnEndpointUpdate(endpointID string, ep *model.Endpoint)
}

// Watcher connects to the datastore, performs the initial snapshot read and
// then long-polls for deltas, falling back to a fresh snapshot whenever it
// detects it has lost sync.
type Watcher struct {
	endpoint string
	hostname string

	kapi etcdclient.KeysAPI
	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func NewWatcher(endpoint, hostname string) *Watcher {
	return &Watcher{
		endpoint: endpoint,
		hostname: hostname,
		sleep:    time.Sleep,
	}
}

// reconnect replaces the client; the old connection (if any) is abandoned so
// a wedged socket can't be reused.
func (w *Watcher) reconnect() error {
	log.WithField("endpoint", w.endpoint).Info("(Re)connecting to etcd")
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		Dial: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).Dial,
		TLSHandshakeTimeout: connectTimeout,
	}
	client, err := etcdclient.New(etcdclient.Config{
		Endpoints: []string{w.endpoint},
		Transport: transport,
	})
	if err != nil {
		return fmt.Errorf("failed to create etcd client: %w", err)
	}
	w.kapi = etcdclient.NewKeysAPI(client)
	return nil
}

// WaitForReady blocks until the datastore's Ready flag reads "true".
func (w *Watcher) WaitForReady(ctx context.Context) error {
	log.Info("Waiting for etcd to be ready")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		getCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		resp, err := w.kapi.Get(getCtx, ReadyKey, nil)
		cancel()
		switch {
		case err == nil && resp.Node.Value == "true":
			log.Info("etcd is ready")
			return nil
		case isEtcdErrorCode(err, etcdclient.ErrorCodeKeyNotFound):
			log.Warn("Ready flag not present in etcd, waiting...")
		case err != nil:
			log.WithError(err).Warn("Failed to retrieve ready flag from etcd, waiting...")
		default:
			log.Info("etcd not ready, will retry")
		}
		w.sleep(retryDelay)
	}
}

// LoadConfig connects, waits for the ready flag and then reads the global
// config directory merged with this host's overrides.  It retries until it
// succeeds or the context is cancelled.
func (w *Watcher) LoadConfig(ctx context.Context) (map[string]string, error) {
	log.Info("Waiting for etcd to be ready and for config to be present")
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := w.reconnect(); err != nil {
			return nil, err
		}
		if err := w.WaitForReady(ctx); err != nil {
			return nil, err
		}
		config, err := w.loadConfigDicts(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).Warn("Failed to read config, will retry")
			w.sleep(retryDelay)
			continue
		}
		return config, nil
	}
}

func (w *Watcher) loadConfigDicts(ctx context.Context) (map[string]string, error) {
	config := map[string]string{}

	getCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	globalResp, err := w.kapi.Get(getCtx, ConfigDir, nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to read global config: %w", err)
	}
	mergeConfigNode(config, globalResp.Node)

	getCtx, cancel = context.WithTimeout(ctx, connectTimeout)
	hostResp, err := w.kapi.Get(getCtx, PerHostConfigDir(w.hostname), nil)
	cancel()
	if err != nil {
		if isEtcdErrorCode(err, etcdclient.ErrorCodeKeyNotFound) {
			log.Info("No configuration overrides for this node")
			return config, nil
		}
		return nil, fmt.Errorf("failed to read per-host config: %w", err)
	}
	mergeConfigNode(config, hostResp.Node)
	return config, nil
}

func mergeConfigNode(config map[string]string, dir *etcdclient.Node) {
	for _, child := range dir.Nodes {
		key := child.Key
		if slash := strings.LastIndex(key, "/"); slash >= 0 {
			key = key[slash+1:]
		}
		log.WithFields(log.Fields{"key": key, "value": child.Value}).Info(
			"Datastore config parameter")
		config[key] = child.Value
	}
}

// Watch loads a snapshot from etcd and then monitors it for changes,
// delivering everything to the sink.  Poll errors lead to a reconnect or a
// resync, never to a return; it only returns when the context is cancelled
// or when an etcd client cannot be created.
func (w *Watcher) Watch(ctx context.Context, sink UpdateSink, ifacePrefix string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Info("Reconnecting and loading snapshot from etcd")
		countResyncs.Inc()
		if err := w.reconnect(); err != nil {
			return err
		}
		if err := w.WaitForReady(ctx); err != nil {
			return err
		}

		getCtx, cancel := context.WithTimeout(ctx, readTimeout)
		snapshot, err := w.kapi.Get(getCtx, VersionDir, &etcdclient.GetOptions{Recursive: true})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warn("Failed to read snapshot from etcd, will retry")
			w.sleep(retryDelay)
			continue
		}

		rulesByID, tagsByID, endpointsByID, stillReady := parseSnapshot(snapshot.Node, ifacePrefix)
		if !stillReady {
			// The flag was unset between our ready check and the
			// snapshot read; the snapshot may be a half-written mess.
			log.Warn("Aborting resync; ready flag no longer set")
			w.sleep(retryDelay)
			continue
		}

		log.WithFields(log.Fields{
			"rules":     len(rulesByID),
			"tags":      len(tagsByID),
			"endpoints": len(endpointsByID),
			"etcdIndex": snapshot.Index,
		}).Info("Snapshot parsed, passing to update sink")
		sink.ApplySnapshot(rulesByID, tagsByID, endpointsByID)

		// The snapshot response's index is the high-water mark of the
		// data it contains; polling after it can't miss anything.
		lastIndex := snapshot.Index
		w.pollForUpdates(ctx, sink, ifacePrefix, lastIndex)
	}
}

// pollForUpdates long-polls the version directory, dispatching each event.
// It returns to force a full resync.
func (w *Watcher) pollForUpdates(ctx context.Context, sink UpdateSink, ifacePrefix string, lastIndex uint64) {
	for {
		if ctx.Err() != nil {
			return
		}
		watcher := w.kapi.Watcher(VersionDir, &etcdclient.WatcherOptions{
			AfterIndex: lastIndex,
			Recursive:  true,
		})
		pollCtx, cancel := context.WithTimeout(ctx, readTimeout)
		resp, err := watcher.Next(pollCtx)
		cancel()
		if err != nil {
			if resync := w.classifyPollError(ctx, err); resync {
				return
			}
			continue
		}

		// We're polling a subtree, so the next wait index has to track
		// the modification index of whatever we see, not just count up.
		if resp.Node.ModifiedIndex > lastIndex {
			lastIndex = resp.Node.ModifiedIndex
		}
		if resync := w.dispatchUpdate(resp, sink, ifacePrefix); resync {
			return
		}
	}
}

// classifyPollError sorts a poll failure into the error taxonomy: transient
// problems reconnect and carry on; desync forces a resync (true return).
func (w *Watcher) classifyPollError(ctx context.Context, err error) (resync bool) {
	if ctx.Err() != nil {
		return true
	}
	var etcdErr etcdclient.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// Nothing happened for the whole read timeout; reconnect so a
		// half-dead connection can't wedge us.
		log.WithError(err).Debug("Read from etcd timed out, reconnecting")
		w.reconnect()
	case errors.As(err, &etcdErr):
		if etcdErr.Code == etcdclient.ErrorCodeEventIndexCleared {
			log.WithError(err).Warn(
				"Out of sync with etcd (event index cleared); triggering full resync")
			return true
		}
		log.WithError(err).Warn("Unexpected etcd error; triggering full resync")
		return true
	case errors.Is(err, etcdclient.ErrClusterUnavailable):
		log.WithError(err).Error("Connection to etcd failed, will retry")
		w.sleep(time.Second)
		w.reconnect()
	default:
		var clusterErr *etcdclient.ClusterError
		if errors.As(err, &clusterErr) {
			log.WithField("detail", clusterErr.Detail()).Warn(
				"Low-level error talking to etcd cluster, reconnecting")
		} else {
			log.WithError(err).Warn("Low-level HTTP error, reconnecting to etcd")
		}
		w.reconnect()
	}
	return false
}

// dispatchUpdate classifies one event by key and hands it to the sink.  A
// true return means the event has put us out of sync and a full resync is
// needed.
func (w *Watcher) dispatchUpdate(resp *etcdclient.Response, sink UpdateSink, ifacePrefix string) (resync bool) {
	key := resp.Node.Key
	deleted := resp.Action == "delete" || resp.Action == "expire"
	logCxt := log.WithFields(log.Fields{"key": key, "action": resp.Action})
	logCxt.Debug("Event from etcd")

	if deleted {
		// A whole-profile directory deletion doesn't produce events for
		// the children, so fake them.
		if profileID := profileIDForProfileDir(key); profileID != "" {
			logCxt.WithField("profileID", profileID).Info("Delete for whole profile")
			sink.OnRulesUpdate(profileID, nil)
			sink.OnTagsUpdate(profileID, nil)
			return false
		}
	}

	if profileID, rules, match := parseIfRules(key, resp.Node.Value, deleted); match {
		logCxt.WithField("profileID", profileID).Info("Scheduling profile rules update")
		sink.OnRulesUpdate(profileID, rules)
		return false
	}
	if profileID, tags, match := parseIfTags(key, resp.Node.Value, deleted); match {
		logCxt.WithField("profileID", profileID).Info("Scheduling profile tags update")
		sink.OnTagsUpdate(profileID, tags)
		return false
	}
	if endpointID, ep, match := parseIfEndpoint(ifacePrefix, key, resp.Node.Value, deleted); match {
		logCxt.WithField("endpointID", endpointID).Info("Scheduling endpoint update")
		sink.OnEndpointUpdate(endpointID, ep)
		return false
	}

	if key == ReadyKey {
		if resp.Node.Value != "true" {
			logCxt.Warn("Datastore became unready, triggering a resync")
			return true
		}
		return false
	}

	if resp.Action != "set" && resp.Action != "create" {
		for _, pfx := range prefixesToResyncOnChange {
			if hasPathPrefix(key, pfx) {
				// Directory deletions and other operations we're not
				// expecting; resync rather than guess.
				logCxt.Warn("Unexpected event, triggering resync")
				return true
			}
		}
	}
	if hasPathPrefix(key, ConfigDir) || hasPathPrefix(key, PerHostConfigDir(w.hostname)) {
		logCxt.Warn("Config changed but dynamic config is not supported; " +
			"restart the agent to pick it up")
	}
	return false
}

// parseSnapshot walks the recursive read of the version directory, sorting
// the leaves into the three object maps.
func parseSnapshot(root *etcdclient.Node, ifacePrefix string) (
	rulesByID map[string]*model.Rules,
	tagsByID map[string][]string,
	endpointsByID map[string]*model.Endpoint,
	stillReady bool,
) {
	rulesByID = map[string]*model.Rules{}
	tagsByID = map[string][]string{}
	endpointsByID = map[string]*model.Endpoint{}

	var walk func(node *etcdclient.Node)
	walk = func(node *etcdclient.Node) {
		if node.Dir {
			for _, child := range node.Nodes {
				walk(child)
			}
			return
		}
		if profileID, rules, match := parseIfRules(node.Key, node.Value, false); match {
			if rules != nil {
				rulesByID[profileID] = rules
			}
			return
		}
		if profileID, tags, match := parseIfTags(node.Key, node.Value, false); match {
			if tags != nil {
				tagsByID[profileID] = tags
			}
			return
		}
		if endpointID, ep, match := parseIfEndpoint(ifacePrefix, node.Key, node.Value, false); match {
			if ep != nil {
				endpointsByID[endpointID] = ep
			}
			return
		}
		if node.Key == ReadyKey && node.Value == "true" {
			stillReady = true
		}
	}
	walk(root)
	return
}

func hasPathPrefix(key, prefix string) bool {
	if len(key) < len(prefix) || key[:len(prefix)] != prefix {
		return false
	}
	return len(key) == len(prefix) || key[len(prefix)] == '/'
}

func isEtcdErrorCode(err error, code int) bool {
	var etcdErr etcdclient.Error
	return errors.As(err, &etcdErr) && etcdErr.Code == code
}
