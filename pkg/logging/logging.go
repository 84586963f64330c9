// Package logging wires logrus up to the agent's three sinks: screen, log
// file and syslog, each with its own severity threshold.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	logrussyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// ConfigureEarly sets up minimal screen logging before the configuration has
// been loaded.  The normal configuration replaces the level once it's known.
func ConfigureEarly() {
	log.SetFormatter(&Formatter{})
	rawLevel := os.Getenv("FELIX_EARLYLOGSEVERITYSCREEN")
	if rawLevel == "" {
		rawLevel = os.Getenv("FELIX_LOGSEVERITYSCREEN")
	}
	level := log.ErrorLevel
	if rawLevel != "" {
		if parsed, err := log.ParseLevel(rawLevel); err == nil {
			level = parsed
		} else {
			log.WithError(err).Error("Failed to parse early log level, defaulting to error")
		}
	}
	log.SetLevel(level)
	log.WithField("level", level).Info("Early screen log level set")
}

// Configure completes the logging configuration once the datastore config
// has been loaded.
func Configure(logFilePath, fileLevel, syslogLevel, screenLevel string) {
	levelScreen := safeParseLevel(screenLevel)
	levelFile := safeParseLevel(fileLevel)
	levelSyslog := safeParseLevel(syslogLevel)

	// The global level gates everything before the hooks see it, so it has
	// to admit the most verbose sink.
	mostVerbose := levelScreen
	if levelFile > mostVerbose {
		mostVerbose = levelFile
	}
	if levelSyslog > mostVerbose {
		mostVerbose = levelSyslog
	}
	log.SetLevel(mostVerbose)

	// Each sink is a hook with its own level filter; the default output
	// only supports a single destination so it gets discarded.
	log.SetOutput(io.Discard)

	if screenLevel != "" {
		log.AddHook(&StreamHook{writer: os.Stdout, levels: levelsUpTo(levelScreen)})
	}

	if fileLevel != "" && logFilePath != "" {
		if err := os.MkdirAll(path.Dir(logFilePath), 0755); err != nil {
			log.WithError(err).WithField("path", logFilePath).Fatal(
				"Failed to create log directory")
		}
		file, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.WithError(err).WithField("path", logFilePath).Fatal(
				"Failed to open log file")
		}
		log.AddHook(&StreamHook{writer: file, levels: levelsUpTo(levelFile)})
	}

	if syslogLevel != "" {
		// Empty net/addr connects to the local syslog daemon.  The
		// priority's severity part is irrelevant; the hook overrides it
		// per entry.
		hook, err := logrussyslog.NewSyslogHook("", "", syslog.LOG_USER|syslog.LOG_INFO, "calico-felix")
		if err != nil {
			log.WithError(err).Error("Failed to connect to syslog")
		} else {
			log.AddHook(&leveledHook{hook: hook, levels: levelsUpTo(levelSyslog)})
		}
	}
}

func levelsUpTo(maxLevel log.Level) []log.Level {
	var levels []log.Level
	for _, l := range log.AllLevels {
		if l <= maxLevel {
			levels = append(levels, l)
		}
	}
	return levels
}

func safeParseLevel(level string) log.Level {
	if level == "" {
		return log.PanicLevel
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("rawLevel", level).Warn("Invalid log level, defaulting to panic")
		return log.PanicLevel
	}
	return parsed
}

// Formatter renders entries with a sortable timestamp, level and PID:
//
//	2016-10-05 09:17:48.238 [INFO][85386] Endpoint update received endpointID="e1"
type Formatter struct{}

func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := &bytes.Buffer{}
	stamp := entry.Time.Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(b, "%s [%s][%d] %s", stamp,
		strings.ToUpper(entry.Level.String()), os.Getpid(), entry.Message)
	for _, key := range keys {
		value := entry.Data[key]
		var str string
		switch v := value.(type) {
		case error:
			str = v.Error()
		case fmt.Stringer:
			str = v.String()
		default:
			str = fmt.Sprintf("%#v", v)
		}
		fmt.Fprintf(b, " %v=%v", key, str)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// StreamHook writes formatted entries at its levels to one stream.
type StreamHook struct {
	mu     sync.Mutex
	writer io.Writer
	levels []log.Level
}

func (h *StreamHook) Levels() []log.Level {
	return h.levels
}

func (h *StreamHook) Fire(entry *log.Entry) error {
	serialized, err := entry.Logger.Formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(serialized)
	return err
}

type leveledHook struct {
	hook   log.Hook
	levels []log.Level
}

func (h *leveledHook) Levels() []log.Level {
	return h.levels
}

func (h *leveledHook) Fire(entry *log.Entry) error {
	return h.hook.Fire(entry)
}
