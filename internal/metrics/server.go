package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/stratumbridge/internal/submit"
	"github.com/bardlex/stratumbridge/pkg/log"
)

// Status is the snapshot served on /status.
type Status struct {
	Version          string            `json:"version"`
	Uptime           string            `json:"uptime"`
	Degraded         bool              `json:"degraded"`
	UpstreamFailures int               `json:"upstream_failures"`
	PumpState        string            `json:"pump_state"`
	JobID            string            `json:"job_id,omitempty"`
	Height           int64             `json:"height,omitempty"`
	JobAge           string            `json:"job_age,omitempty"`
	Jobs             int               `json:"jobs_retained"`
	Connections      int               `json:"connections"`
	Authorized       int               `json:"authorized"`
	Submitter        submit.Stats      `json:"submitter"`
	Breakers         map[string]string `json:"breakers,omitempty"`
	Workers          []WorkerStatus    `json:"workers,omitempty"`
}

// WorkerStatus is one authorized connection's counters.
type WorkerStatus struct {
	Identity     string  `json:"identity"`
	Worker       string  `json:"worker"`
	RemoteAddr   string  `json:"remote_addr"`
	UserAgent    string  `json:"user_agent,omitempty"`
	Difficulty   float64 `json:"difficulty"`
	Accepted     uint64  `json:"accepted"`
	Rejected     uint64  `json:"rejected"`
	Stale        uint64  `json:"stale"`
	Blocks       uint64  `json:"blocks"`
	AcceptedWork float64 `json:"accepted_work"`
	Connected    string  `json:"connected"`
}

// StatusProvider reports the live bridge state.
type StatusProvider interface {
	Status() Status
}

// Server serves /metrics, /healthz and /status.
type Server struct {
	addr     string
	router   *mux.Router
	provider StatusProvider
	logger   *log.Logger
}

// NewServer builds the HTTP routes. The server does not listen until Run.
func NewServer(addr string, c *Collectors, provider StatusProvider, logger *log.Logger) *Server {
	s := &Server{
		addr:     addr,
		router:   mux.NewRouter(),
		provider: provider,
		logger:   logger.WithComponent("metrics"),
	}

	s.router.Handle("/metrics", promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens until ctx ends, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("metrics server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Warn("metrics server shutdown")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.provider.Status()
	if st.Degraded {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "degraded",
			"failures": st.UpstreamFailures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
