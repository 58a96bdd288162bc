// Package health serves the liveness endpoint and Prometheus metrics of a
// groundlink process.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dyluth/groundlink/pkg/bus"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Pinger checks the message bus connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusFunc returns the status records of the instances in this process.
type StatusFunc func() []*bus.Status

// Server provides /healthz and /metrics.
type Server struct {
	addr     string
	client   Pinger
	gatherer prometheus.Gatherer
	statuses StatusFunc
	log      *logrus.Entry
	server   *http.Server
}

// NewServer returns a server listening on addr. gatherer and statuses may
// be nil.
func NewServer(addr string, client Pinger, gatherer prometheus.Gatherer, statuses StatusFunc, log *logrus.Entry) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{addr: addr, client: client, gatherer: gatherer, statuses: statuses, log: log}
}

// Handler returns the HTTP handler serving both endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthCheckHandler)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Health server failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Response is the JSON body of /healthz.
type Response struct {
	Status    string        `json:"status"`
	Redis     string        `json:"redis,omitempty"`
	Error     string        `json:"error,omitempty"`
	Instances []*bus.Status `json:"instances,omitempty"`
}

// healthCheckHandler returns 200 while Redis answers and 503 otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := Response{Status: "healthy", Redis: "connected"}
	code := http.StatusOK
	if err := s.client.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.statuses != nil {
		response.Instances = s.statuses()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}
