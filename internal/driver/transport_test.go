package driver

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestNewTransportProviderDerivesDialTimeoutWithinBounds(t *testing.T) {
	cases := []struct {
		name    string
		request time.Duration
		want    time.Duration
	}{
		{"floors short request timeouts", time.Second, minDialTimeout},
		{"scales mid-range request timeouts", 15 * time.Second, 5 * time.Second},
		{"caps long request timeouts", time.Minute, maxDialTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewTransportProvider(tc.request)
			if p.dialTimeout != tc.want {
				t.Fatalf("request=%s: expected dialTimeout=%s, got %s", tc.request, tc.want, p.dialTimeout)
			}
		})
	}
}

func TestDialStageWrapsDeadlineExceededAsTimeout(t *testing.T) {
	p := NewTransportProvider(3 * time.Second) // dialTimeout floors to minDialTimeout
	p.dialTimeout = 20 * time.Millisecond

	_, err := p.dialStage(context.Background(), "203.0.113.1:1080", func(dialCtx context.Context) (net.Conn, error) {
		<-dialCtx.Done()
		return nil, dialCtx.Err()
	})
	if err == nil {
		t.Fatal("expected an error once dialCtx is exceeded")
	}
	if !strings.Contains(err.Error(), "timeout") || !strings.Contains(err.Error(), "203.0.113.1:1080") {
		t.Fatalf("expected a proxy-labeled timeout error, got %q", err.Error())
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped error to unwrap to context.DeadlineExceeded, got %v", err)
	}
}

func TestDialStagePassesThroughNonDeadlineErrors(t *testing.T) {
	p := NewTransportProvider(3 * time.Second)
	boom := errors.New("connection refused")

	_, err := p.dialStage(context.Background(), "", func(context.Context) (net.Conn, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the underlying dial error to pass through unwrapped, got %v", err)
	}
	if strings.Contains(err.Error(), "timeout") {
		t.Fatalf("a non-deadline error must not be relabeled as a timeout, got %q", err.Error())
	}
}

func TestTransportKeyDistinguishesDirectAndProxy(t *testing.T) {
	if got := transportKey(nil); got != "direct" {
		t.Fatalf("expected direct key, got %q", got)
	}
}
