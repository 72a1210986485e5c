package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

func resetLogging() {
	reg.reset()
}

func TestModuleLevelOverride(t *testing.T) {
	resetLogging()

	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"flash":    "debug",
			"selector": "warn",
		},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"flash", true, true, true},
		{"selector", false, false, true},
		{"factory", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			handler := GetLogger(tt.module).Handler()

			gotDebug := handler.Enabled(context.Background(), slog.LevelDebug)
			gotInfo := handler.Enabled(context.Background(), slog.LevelInfo)
			gotWarn := handler.Enabled(context.Background(), slog.LevelWarn)

			if gotDebug != tt.wantDebug {
				t.Errorf("module %q: Debug enabled = %v, want %v", tt.module, gotDebug, tt.wantDebug)
			}
			if gotInfo != tt.wantInfo {
				t.Errorf("module %q: Info enabled = %v, want %v", tt.module, gotInfo, tt.wantInfo)
			}
			if gotWarn != tt.wantWarn {
				t.Errorf("module %q: Warn enabled = %v, want %v", tt.module, gotWarn, tt.wantWarn)
			}
		})
	}
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	resetLogging()

	before := GetLogger("stage")
	handler := before.Handler()
	if handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("logger created before Initialize should default to info")
	}

	Initialize(Config{
		Level:   "info",
		Format:  "text",
		Modules: map[string]string{"stage": "debug"},
	})

	// Initialize rebuilds handlers so they pick up the ring buffer.
	if after := GetLogger("stage"); after == before {
		t.Error("Initialize should replace cached loggers")
	}
	// The old handler shares the module LevelVar and follows it.
	if !handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("cached handler should see the module level change")
	}
}

func TestBufferHandlerRecordsEntries(t *testing.T) {
	resetLogging()
	Initialize(Config{Level: "debug", Format: "text"})

	var got []LogEntry
	SetLogCallback(func(e LogEntry) { got = append(got, e) })
	defer SetLogCallback(nil)

	levelVar := &slog.LevelVar{}
	levelVar.Set(slog.LevelDebug)
	logger := slog.New(NewBufferHandler(levelVar)).With("module", "flash")
	logger.WithGroup("state").Info("Flash state changed", "from", "OFF", "to", "PRE_READY", "error", errors.New("none"))
	logger.Debug("Result ignored", "wait", 33*time.Millisecond)

	entries := GetBuffer().ReadAll()
	if len(entries) != 2 {
		t.Fatalf("buffer holds %d entries, want 2", len(entries))
	}
	first := entries[0]
	if first.Module != "flash" || first.Level != "info" {
		t.Errorf("entry = %+v", first)
	}
	if first.Attributes["state.to"] != "PRE_READY" {
		t.Errorf("grouped attribute missing: %v", first.Attributes)
	}
	if first.Attributes["state.error"] != "none" {
		t.Errorf("error attribute = %v, want none", first.Attributes["state.error"])
	}
	if entries[1].Attributes["wait"] != "33ms" {
		t.Errorf("duration attribute = %v, want 33ms", entries[1].Attributes["wait"])
	}
	if len(got) != 2 {
		t.Errorf("callback saw %d entries, want 2", len(got))
	} else if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("callback seqs = %d, %d, want 1, 2", got[0].Seq, got[1].Seq)
	}

	levelVar.Set(slog.LevelWarn)
	logger.Info("dropped")
	if n := GetBuffer().Count(); n != 2 {
		t.Errorf("entry below level recorded, count = %d", n)
	}
}

func TestRingBufferReadSince(t *testing.T) {
	rb := NewRingBuffer(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		rb.Write(LogEntry{Message: msg})
	}

	tests := []struct {
		since uint64
		want  []string
	}{
		{0, []string{"b", "c", "d"}},
		{2, []string{"c", "d"}},
		{3, []string{"d"}},
		{4, nil},
	}
	for _, tt := range tests {
		var got []string
		for _, e := range rb.ReadSince(tt.since) {
			got = append(got, e.Message)
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("ReadSince(%d) = %v, want %v", tt.since, got, tt.want)
		}
	}
}

func TestFanoutHandsRecordOncePerSink(t *testing.T) {
	var debugOut, infoOut bytes.Buffer
	debugHandler := slog.NewTextHandler(&debugOut, &slog.HandlerOptions{Level: slog.LevelDebug})
	infoHandler := slog.NewTextHandler(&infoOut, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(fanout{debugHandler, infoHandler}).With("module", "stage")
	logger.Debug("dqbuf retry")
	logger.Info("streaming started", "stage", "ISP")

	if n := strings.Count(debugOut.String(), "dqbuf retry"); n != 1 {
		t.Errorf("debug sink saw debug record %d times", n)
	}
	if strings.Contains(infoOut.String(), "dqbuf retry") {
		t.Error("info sink received a debug record")
	}
	if !strings.Contains(infoOut.String(), "module=stage") || !strings.Contains(infoOut.String(), "stage=ISP") {
		t.Errorf("info sink output = %q", infoOut.String())
	}
}

func TestJournalFields(t *testing.T) {
	fields := make(map[string]string)
	journalFields(fields, nil, slog.Group("flash", slog.String("state", "PRE_ON"), slog.Int("gen", 3)))
	journalFields(fields, []string{"ae"}, slog.Float64("gain", 1.5))
	journalFields(fields, nil, slog.Any("error", errors.New("dqbuf failed")))
	journalFields(fields, nil, slog.Duration("wait", 33*time.Millisecond))

	want := map[string]string{
		"FLASH_STATE": "PRE_ON",
		"FLASH_GEN":   "3",
		"AE_GAIN":     "1.5",
		"ERROR":       "dqbuf failed",
		"WAIT":        "33ms",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %q, want %q", k, fields[k], v)
		}
	}
	if len(fields) != len(want) {
		t.Errorf("fields = %v", fields)
	}
}

func TestJournalPriority(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  journal.Priority
	}{
		{slog.LevelDebug, journal.PriDebug},
		{slog.LevelInfo, journal.PriInfo},
		{slog.LevelWarn, journal.PriWarning},
		{slog.LevelError, journal.PriErr},
		{slog.LevelError + 4, journal.PriErr},
	}
	for _, tt := range tests {
		if got := journalPriority(tt.level); got != tt.want {
			t.Errorf("journalPriority(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestFormatLogLine(t *testing.T) {
	entry := LogEntry{
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:      "warn",
		Module:     "selector",
		Message:    "No frame selected",
		Attributes: map[string]any{"tries": 3, "algorithm": "flash"},
	}
	want := "2024-01-02T03:04:05Z [WARN] [selector] No frame selected algorithm=flash tries=3"
	if got := FormatLogLine(entry); got != want {
		t.Errorf("FormatLogLine = %q, want %q", got, want)
	}
}

func TestParseLevelValues(t *testing.T) {
	tests := []struct {
		input  string
		want   slog.Level
		wantOK bool
	}{
		{"debug", slog.LevelDebug, true},
		{"DEBUG", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"invalid", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := parseLevel(tt.input)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("parseLevel(%q) = %v, %v, want %v, %v", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
