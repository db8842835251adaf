package proxypool

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProxyFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxies.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write proxies file: %v", err)
	}
	return path
}

func TestLoadEmptyFileAllowsAssignmentWithoutProxy(t *testing.T) {
	path := writeProxyFile(t)
	p := New(path, time.Second)
	if err := p.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := p.Assign("alice"); got != nil {
		t.Fatalf("expected nil proxy from empty pool, got %+v", got)
	}
}

func TestAssignIsStickyRoundRobin(t *testing.T) {
	path := writeProxyFile(t, "proxy1.example.com:8080:u1:p1", "proxy2.example.com:8080:u2:p2")
	p := New(path, time.Second)
	if err := p.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	a1 := p.Assign("alice")
	b1 := p.Assign("bob")
	a2 := p.Assign("alice") // re-request: must return the same binding

	if a1 != a2 {
		t.Fatalf("expected stable binding for alice, got %+v then %+v", a1, a2)
	}
	if a1 == b1 {
		t.Fatalf("expected alice and bob on different proxies (round robin over 2 proxies)")
	}
}

func TestReserveEnforcesMinimumSpacing(t *testing.T) {
	path := writeProxyFile(t, "proxy1.example.com:8080:u1:p1")
	p := New(path, 100*time.Millisecond)
	if err := p.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	px := p.Assign("alice")

	ok, wait := p.Reserve(px)
	if !ok || wait != 0 {
		t.Fatalf("expected first reserve to succeed immediately, got ok=%v wait=%v", ok, wait)
	}

	ok, wait = p.Reserve(px)
	if ok {
		t.Fatal("expected second immediate reserve to be refused")
	}
	if wait <= 0 || wait > 100*time.Millisecond {
		t.Fatalf("unexpected wait duration: %v", wait)
	}
}

func TestReserveNilProxyAlwaysSucceeds(t *testing.T) {
	p := New("", time.Second)
	ok, wait := p.Reserve(nil)
	if !ok || wait != 0 {
		t.Fatalf("expected nil proxy to always succeed, got ok=%v wait=%v", ok, wait)
	}
}

func TestParseLineRejectsInvalidPort(t *testing.T) {
	_, err := parseLine("host:notaport")
	if err == nil {
		t.Fatal("expected error for invalid port")
	}
}
