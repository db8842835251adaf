// LogHandler is a ring-buffered, subscribable slog.Handler. The orchestrator
// logs account credentials and session material as structured attrs
// (username/password pairs during login, cookie jars on capture, proxy
// auth) far more often than the teacher's relay ever logged billing
// identifiers, and this handler's ring/subscriber fan-out and stderr output
// are both copies of whatever the caller logged — so Handle redacts a fixed
// set of sensitive attr keys before either one sees the record.
package events

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const redactedPlaceholder = "[redacted]"

// sensitiveAttrKeys are attr keys (case-insensitive, matched as a suffix so
// "account.password" and "login.2fa" are caught too) whose values are
// replaced with redactedPlaceholder before a record reaches stderr, the
// ring, or any subscriber.
var sensitiveAttrKeys = []string{"password", "2fa", "totp", "cookie", "authorization", "token"}

func isSensitiveAttrKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveAttrKeys {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

func redactAttr(a slog.Attr) slog.Attr {
	if isSensitiveAttrKey(a.Key) {
		return slog.String(a.Key, redactedPlaceholder)
	}
	return a
}

type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

type LogHandler struct {
	inner       slog.Handler
	mu          sync.RWMutex
	ring        []LogLine
	ringSize    int
	ringPos     int
	ringCount   int
	subscribers map[int]chan LogLine
	nextID      int
	level       slog.Leveler
	attrs       []slog.Attr
	groups      []string
}

func NewLogHandler(level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &LogHandler{
		inner:       slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		ring:        make([]LogLine, ringSize),
		ringSize:    ringSize,
		subscribers: make(map[int]chan LogLine),
		level:       level,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	// Rebuild the record with credential-shaped attrs redacted before it
	// reaches stderr or the ring/subscriber fan-out — both are copies of
	// whatever the caller logged, and this handler has no other chokepoint.
	redacted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})

	if err := h.inner.Handle(ctx, redacted); err != nil {
		return err
	}

	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = redactAttr(a).Value.Any()
	}
	redacted.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	line := LogLine{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
	}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.ringPos] = line
	h.ringPos = (h.ringPos + 1) % h.ringSize
	if h.ringCount < h.ringSize {
		h.ringCount++
	}

	for _, ch := range h.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redactedAttrs := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redactedAttrs[i] = redactAttr(a)
	}
	return &LogHandler{
		inner:       h.inner.WithAttrs(redactedAttrs),
		ring:        h.ring,
		ringSize:    h.ringSize,
		ringPos:     h.ringPos,
		ringCount:   h.ringCount,
		subscribers: h.subscribers,
		nextID:      h.nextID,
		level:       h.level,
		attrs:       append(cloneAttrs(h.attrs), attrs...),
		groups:      h.groups,
		mu:          sync.RWMutex{},
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{
		inner:       h.inner.WithGroup(name),
		ring:        h.ring,
		ringSize:    h.ringSize,
		ringPos:     h.ringPos,
		ringCount:   h.ringCount,
		subscribers: h.subscribers,
		nextID:      h.nextID,
		level:       h.level,
		attrs:       cloneAttrs(h.attrs),
		groups:      append(append([]string{}, h.groups...), name),
		mu:          sync.RWMutex{},
	}
}

func (h *LogHandler) Subscribe() (id int, ch <-chan LogLine, recent []LogLine) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := make(chan LogLine, 64)
	id = h.nextID
	h.nextID++
	h.subscribers[id] = c

	recent = h.recentLocked()
	return id, c, recent
}

func (h *LogHandler) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

func (h *LogHandler) recentLocked() []LogLine {
	if h.ringCount == 0 {
		return nil
	}
	result := make([]LogLine, h.ringCount)
	start := (h.ringPos - h.ringCount + h.ringSize) % h.ringSize
	for i := range h.ringCount {
		result[i] = h.ring[(start+i)%h.ringSize]
	}
	return result
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}
