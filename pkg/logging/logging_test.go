package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestFormatter(t *testing.T) {
	logger := log.New()
	logger.Formatter = &Formatter{}
	entry := &log.Entry{
		Logger:  logger,
		Time:    time.Date(2016, 10, 5, 9, 17, 48, 238000000, time.UTC),
		Level:   log.InfoLevel,
		Message: "Endpoint update received",
		Data: log.Fields{
			"endpointID": "e1",
			"attempt":    2,
		},
	}
	out, err := (&Formatter{}).Format(entry)
	if err != nil {
		t.Fatalf("format failed: %v", err)
	}
	line := string(out)
	if !strings.HasPrefix(line, "2016-10-05 09:17:48.238 [INFO]") {
		t.Errorf("unexpected prefix: %q", line)
	}
	if !strings.Contains(line, "Endpoint update received") {
		t.Errorf("message missing: %q", line)
	}
	// Fields are sorted for stable output.
	attemptIdx := strings.Index(line, "attempt=")
	epIdx := strings.Index(line, "endpointID=")
	if attemptIdx < 0 || epIdx < 0 || attemptIdx > epIdx {
		t.Errorf("fields missing or unsorted: %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Errorf("line not newline terminated: %q", line)
	}
}

func TestStreamHookLevels(t *testing.T) {
	var buf bytes.Buffer
	hook := &StreamHook{writer: &buf, levels: levelsUpTo(log.WarnLevel)}
	levels := hook.Levels()
	for _, l := range levels {
		if l > log.WarnLevel {
			t.Errorf("hook accepts level %v above its threshold", l)
		}
	}
	found := map[log.Level]bool{}
	for _, l := range levels {
		found[l] = true
	}
	for _, want := range []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel, log.WarnLevel} {
		if !found[want] {
			t.Errorf("hook missing level %v", want)
		}
	}
}

func TestSafeParseLevel(t *testing.T) {
	if got := safeParseLevel("debug"); got != log.DebugLevel {
		t.Errorf("expected debug, got %v", got)
	}
	if got := safeParseLevel("bogus"); got != log.PanicLevel {
		t.Errorf("expected panic fallback, got %v", got)
	}
	if got := safeParseLevel(""); got != log.PanicLevel {
		t.Errorf("expected panic for empty, got %v", got)
	}
}
