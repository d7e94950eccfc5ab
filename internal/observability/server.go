// Package observability serves the operator HTTP endpoints (metrics, health,
// optional pprof) and installs the tracing pipeline.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notifyd/internal/runtime/supervisor"
	"notifyd/pkg/logx"
)

var ErrInsecureBind = errors.New("observability: pprof on a non-loopback address")

// Config controls the ops server.
//
// Security: pprof is refused on non-loopback addresses unless AllowInsecure
// is set.
type Config struct {
	Addr          string
	Pprof         bool
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Health is the /healthz body.
type Health struct {
	OK           bool                    `json:"ok"`
	CycleRunning bool                    `json:"cycle_running"`
	LastCycle    time.Time               `json:"last_cycle,omitempty"`
	Tasks        []supervisor.TaskStatus `json:"tasks,omitempty"`
	Detail       string                  `json:"detail,omitempty"`
}

type HealthFunc func() Health

type Server struct {
	cfg    Config
	log    logx.Logger
	gather prometheus.Gatherer
	health HealthFunc

	mu   sync.Mutex
	addr string
}

func NewServer(cfg Config, gather prometheus.Gatherer, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// pprof profile requests default to 30s
		cfg.WriteTimeout = 60 * time.Second
	}
	if health == nil {
		health = func() Health { return Health{OK: true} }
	}
	return &Server{cfg: cfg, log: log, gather: gather, health: health}
}

// Addr returns the bound address once Run has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.gather != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", s.serveHealth)
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.health()
	w.Header().Set("Content-Type", "application/json")
	if !h.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// Run listens and serves until ctx is done. It is meant to run under a
// supervisor restart loop.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	if s.cfg.Pprof && !s.cfg.AllowInsecure && !isLoopbackAddr(addr) {
		s.log.Error("ops server refused to start", logx.String("addr", addr), logx.Err(ErrInsecureBind))
		return ErrInsecureBind
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		s.log.Info("ops server stopped")
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
