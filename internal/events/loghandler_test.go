package events

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestHandleRedactsSensitiveAttrsBeforeRingAndSubscribers(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 8)
	logger := slog.New(h)

	id, ch, _ := h.Subscribe()
	defer h.Unsubscribe(id)

	logger.Info("login attempt", "username", "alice", "password", "hunter2", "account.2fa", "000000")

	select {
	case line := <-ch:
		if line.Attrs["username"] != "alice" {
			t.Fatalf("expected username to pass through unredacted, got %+v", line.Attrs)
		}
		if line.Attrs["password"] != redactedPlaceholder {
			t.Fatalf("expected password redacted, got %+v", line.Attrs)
		}
		if line.Attrs["account.2fa"] != redactedPlaceholder {
			t.Fatalf("expected 2fa redacted, got %+v", line.Attrs)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a log line to be delivered")
	}
}

func TestWithAttrsRedactsOnEmitNotOnAttach(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 8)
	logger := slog.New(h).With("cookie", "auth_token=abc")

	id, ch, _ := h.Subscribe()
	defer h.Unsubscribe(id)

	logger.Info("session refreshed")

	select {
	case line := <-ch:
		if line.Attrs["cookie"] != redactedPlaceholder {
			t.Fatalf("expected attached cookie attr redacted at emit time, got %+v", line.Attrs)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a log line to be delivered")
	}
}

func TestRecentReturnsPriorLinesOnSubscribe(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 4)
	logger := slog.New(h)
	logger.Info("one")
	logger.Info("two")

	_, _, recent := h.Subscribe()
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent lines, got %d", len(recent))
	}
}

func TestEnabledRespectsConfiguredLevel(t *testing.T) {
	h := NewLogHandler(slog.LevelWarn, 4)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected info to be disabled under a warn threshold")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("expected error to be enabled under a warn threshold")
	}
}
