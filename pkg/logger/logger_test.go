package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := Logger()
	var buf bytes.Buffer
	SetLogger(New(&buf))
	t.Cleanup(func() {
		SetLogger(prev)
		SetLevel(slog.LevelInfo)
	})
	return &buf
}

func TestFieldsSortedByKey(t *testing.T) {
	buf := capture(t)

	Info(context.Background(), "ticket issued", Fields{
		"zebra":  "last",
		"alpha":  "first",
		"middle": "center",
	})

	out := buf.String()
	if !strings.Contains(out, "level=INFO") {
		t.Errorf("missing level: %s", out)
	}
	if !strings.Contains(out, `msg="ticket issued"`) {
		t.Errorf("missing message: %s", out)
	}
	a := strings.Index(out, "alpha=first")
	m := strings.Index(out, "middle=center")
	z := strings.Index(out, "zebra=last")
	if a < 0 || m < 0 || z < 0 {
		t.Fatalf("missing fields: %s", out)
	}
	if a >= m || m >= z {
		t.Errorf("fields not in key order: %s", out)
	}
}

func TestNilFields(t *testing.T) {
	buf := capture(t)

	Info(context.Background(), "no fields", nil)
	Warn(context.Background(), "still none", nil)

	out := buf.String()
	if !strings.Contains(out, `msg="no fields"`) || !strings.Contains(out, `msg="still none"`) {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestErrorAttachesError(t *testing.T) {
	buf := capture(t)

	Error(context.Background(), "append failed", errors.New("disk full"), Fields{"conversation": "alice.bob"})

	out := buf.String()
	for _, want := range []string{"level=ERROR", `error="disk full"`, "conversation=alice.bob"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestErrorWithNilError(t *testing.T) {
	buf := capture(t)

	Error(context.Background(), "odd", nil, nil)

	if strings.Contains(buf.String(), "error=") {
		t.Errorf("nil error should not be rendered: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)

	Debug(context.Background(), "hidden", nil)
	if buf.Len() != 0 {
		t.Fatalf("debug logged at info level: %s", buf.String())
	}

	SetLevel(slog.LevelDebug)
	Debug(context.Background(), "shown", Fields{"seq": 7})
	if !strings.Contains(buf.String(), "seq=7") {
		t.Errorf("debug not logged after SetLevel: %s", buf.String())
	}

	buf.Reset()
	SetLevel(slog.LevelError)
	Warn(context.Background(), "quiet", nil)
	if buf.Len() != 0 {
		t.Errorf("warn logged at error level: %s", buf.String())
	}
}

func TestLogAt(t *testing.T) {
	buf := capture(t)

	LogAt(slog.LevelWarn, 0, "from helper", Fields{"k": "v"})

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "k=v") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestNilContext(t *testing.T) {
	buf := capture(t)

	//nolint:staticcheck // exercising the nil guard
	Info(nil, "nil ctx", nil)

	if !strings.Contains(buf.String(), `msg="nil ctx"`) {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestSetLoggerIgnoresNil(t *testing.T) {
	before := Logger()
	SetLogger(nil)
	if Logger() != before {
		t.Error("SetLogger(nil) replaced the logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
