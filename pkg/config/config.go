// Package config builds the agent-wide configuration snapshot.  Sources are
// merged in order: defaults, the local config file, FELIX_* environment
// variables, the datastore's global config directory, the per-host
// overrides and finally the environment variables again, so they win over
// the datastore.  The result is treated as an immutable value; changing
// configuration requires a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

const (
	defaultEtcdPort    = 4001
	defaultMetricsPort = 9091
)

type Config struct {
	Hostname          string
	EtcdAddr          string
	InterfacePrefix   string
	LogFilePath       string
	LogSeverityFile   string
	LogSeveritySys    string
	LogSeverityScreen string
	MetricsPort       int
}

func Default() Config {
	hostname, _ := os.Hostname()
	return Config{
		Hostname:          hostname,
		EtcdAddr:          "localhost:4001",
		InterfacePrefix:   "tap",
		LogFilePath:       "/var/log/calico/felix.log",
		LogSeverityFile:   "info",
		LogSeveritySys:    "error",
		LogSeverityScreen: "error",
		MetricsPort:       defaultMetricsPort,
	}
}

// UpdateFromFile merges settings from a TOML config file.  A missing file is
// not an error; the agent can run purely on environment and datastore
// config.
func (c *Config) UpdateFromFile(path string) error {
	raw := map[string]interface{}{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Info("No local config file")
			return nil
		}
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	for key, value := range raw {
		c.apply(key, fmt.Sprint(value), "file")
	}
	return nil
}

// UpdateFromEnv merges FELIX_<KEY> environment variables.
func (c *Config) UpdateFromEnv() {
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], "FELIX_") {
			continue
		}
		c.apply(strings.TrimPrefix(parts[0], "FELIX_"), parts[1], "environment")
	}
}

// UpdateFromDatastore merges the key/value pairs read from the datastore
// config directories (per-host keys should already have overridden global
// ones in the supplied map).
func (c *Config) UpdateFromDatastore(kvs map[string]string) {
	for key, value := range kvs {
		c.apply(key, value, "datastore")
	}
}

// apply handles one key, tolerating unknown names.  Matching ignores case
// and underscores so the same names work as environment variables
// (FELIX_ETCD_ADDR), TOML keys and datastore keys (EtcdAddr).
func (c *Config) apply(key, value, source string) {
	logCxt := log.WithFields(log.Fields{"key": key, "value": value, "source": source})
	switch strings.ReplaceAll(strings.ToLower(key), "_", "") {
	case "hostname":
		c.Hostname = value
	case "etcdaddr":
		c.EtcdAddr = value
	case "interfaceprefix", "ifaceprefix":
		c.InterfacePrefix = value
	case "logfilepath", "logfile":
		c.LogFilePath = value
	case "logseverityfile":
		c.LogSeverityFile = value
	case "logseveritysys":
		c.LogSeveritySys = value
	case "logseverityscreen":
		c.LogSeverityScreen = value
	case "metricsport":
		port, err := strconv.Atoi(value)
		if err != nil {
			logCxt.Warn("Ignoring non-numeric MetricsPort")
			return
		}
		c.MetricsPort = port
	default:
		logCxt.Info("Ignoring unknown config parameter")
		return
	}
	logCxt.Info("Config parameter set")
}

// EtcdEndpoint returns the etcd client endpoint URL, defaulting the port if
// the configured address doesn't carry one.
func (c Config) EtcdEndpoint() string {
	addr := c.EtcdAddr
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, defaultEtcdPort)
	}
	return "http://" + addr
}
