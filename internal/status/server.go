package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aceteam-ai/envoy-bridge/internal/bridge"
	"github.com/aceteam-ai/envoy-bridge/internal/envoy"
	"github.com/aceteam-ai/envoy-bridge/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthMaxAge is how recent the last publish must be for /_health to pass.
const HealthMaxAge = 5 * time.Minute

// BridgeView is the part of the bridge the server reads.
type BridgeView interface {
	Healthy(maxAge time.Duration) bool
	Snapshot() bridge.Snapshot
}

// SessionView is the part of the gateway session the server reads.
type SessionView interface {
	Snapshot() envoy.SessionSnapshot
}

// Inspector fetches raw gateway documents. *envoy.Client satisfies it.
type Inspector interface {
	GetRaw(ctx context.Context, path string) ([]byte, error)
}

// Server provides an HTTP server for liveness and inspection.
type Server struct {
	address    string
	port       int
	version    string
	bridge     BridgeView
	session    SessionView
	inspector  Inspector
	collector  *Collector
	limiter    *RateLimiter
	log        zerolog.Logger
	httpServer *http.Server
}

// ServerConfig holds configuration for the status server.
type ServerConfig struct {
	Address string // bind address (default: 0.0.0.0)
	Port    int    // HTTP server port (default: 3000)
	Version string // build version string

	Bridge    BridgeView
	Session   SessionView
	Inspector Inspector

	// InspectRPS limits /inspect per client (default: 0.2, burst 2)
	InspectRPS float64

	Logger *zerolog.Logger
}

// NewServer creates a new status HTTP server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.InspectRPS == 0 {
		cfg.InspectRPS = 0.2
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "status").Logger()
	}

	return &Server{
		address:   cfg.Address,
		port:      cfg.Port,
		version:   cfg.Version,
		bridge:    cfg.Bridge,
		session:   cfg.Session,
		inspector: cfg.Inspector,
		collector: NewCollector(),
		limiter:   NewRateLimiter(cfg.InspectRPS, 2),
		log:       log,
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/_health", s.handleHealth)
	mux.HandleFunc("/inspect", s.handleInspect)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// Start begins listening for HTTP requests.
// This method blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.Addr()).Msg("status server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("status server: %w", err)
	}
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.address, strconv.Itoa(s.port))
}

// Port returns the port the server is configured to listen on.
func (s *Server) Port() int {
	return s.port
}

// handleRoot serves a short banner on / and 404 for anything unrouted.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "envoy-bridge %s\n\n", s.version)
	fmt.Fprintln(w, "GET /_health   liveness")
	fmt.Fprintln(w, "GET /inspect   raw gateway readings")
	fmt.Fprintln(w, "GET /status    bridge and session state")
	fmt.Fprintln(w, "GET /metrics   prometheus metrics")
}

// handleHealth returns IMOK while publishes keep succeeding.
// GET /_health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.bridge != nil && !s.bridge.Healthy(HealthMaxAge) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "no publish in the last %s", HealthMaxAge)
		return
	}
	w.Write([]byte("IMOK"))
}

// handleInspect fetches the raw production and inverter documents from the
// gateway through the authenticated client.
// GET /inspect
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.inspector == nil {
		http.Error(w, "Inspection not available", http.StatusNotFound)
		return
	}
	if !s.limiter.Allow(clientKey(r)) {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	production, err := s.inspector.GetRaw(r.Context(), envoy.PathProduction)
	if err != nil {
		s.fail(w, err)
		return
	}
	inverters, err := s.inspector.GetRaw(r.Context(), envoy.PathInverters)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, InspectResponse{
		Production: json.RawMessage(production),
		Inverters:  json.RawMessage(inverters),
	})
}

// handleStatus returns the bridge, session and process state.
// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := BridgeStatus{
		Version:   StatusVersion,
		Timestamp: time.Now().UTC(),
		Build:     s.version,
		Healthy:   true,
		Process:   s.collector.CollectProcess(),
		Host:      s.collector.CollectHost(),
	}
	if s.bridge != nil {
		snap := s.bridge.Snapshot()
		resp.Bridge = &snap
		resp.Healthy = s.bridge.Healthy(HealthMaxAge)
	}
	if s.session != nil {
		snap := s.session.Snapshot()
		resp.Session = &snap
	}

	writeJSON(w, resp)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("request failed")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "Error %v", err)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
