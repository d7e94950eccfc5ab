package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"notifyd/pkg/logx"
)

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "notifyd_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	var unhealthy atomic.Bool
	s := NewServer(Config{}, reg, func() Health { return Health{OK: !unhealthy.Load(), CycleRunning: true} }, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	body := get(t, ts.URL+"/metrics", http.StatusOK)
	if !strings.Contains(body, "notifyd_test_total 1") {
		t.Fatalf("metrics body:\n%s", body)
	}

	var h Health
	if err := json.Unmarshal([]byte(get(t, ts.URL+"/healthz", http.StatusOK)), &h); err != nil {
		t.Fatal(err)
	}
	if !h.OK || !h.CycleRunning {
		t.Fatalf("health = %+v", h)
	}

	unhealthy.Store(true)
	get(t, ts.URL+"/healthz", http.StatusServiceUnavailable)

	// pprof is off unless enabled
	get(t, ts.URL+"/debug/pprof/", http.StatusNotFound)
}

func TestHandlerMountsPprof(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(NewServer(Config{Pprof: true}, nil, nil, logx.Nop()).Handler())
	defer ts.Close()
	get(t, ts.URL+"/debug/pprof/cmdline", http.StatusOK)
}

func TestRunRefusesPublicPprof(t *testing.T) {
	t.Parallel()
	s := NewServer(Config{Addr: ":0", Pprof: true}, nil, nil, logx.Nop())
	if err := s.Run(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := NewServer(Config{Addr: "127.0.0.1:0"}, nil, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for s.Addr() == "" {
		select {
		case err := <-done:
			t.Fatalf("run exited: %v", err)
		case <-time.After(5 * time.Millisecond):
		}
	}
	get(t, "http://"+s.Addr()+"/healthz", http.StatusOK)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:9090": true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func get(t *testing.T, url string, wantStatus int) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	return string(b)
}
