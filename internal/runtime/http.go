package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/courier/internal/runtime/codec"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

const httpShutdownTimeout = 5 * time.Second

// Status is the payload served on /api/status.
type Status struct {
	Frozen    bool                `json:"frozen"`
	Bus       string              `json:"bus"`
	Pipelines []string            `json:"pipelines"`
	Handlers  []string            `json:"handlers"`
	Routes    map[string][]string `json:"routes"`
	Metrics   MetricsSnapshot     `json:"metrics"`
}

// Status reports what the service consumes, routes and handles.
func (s *Service) Status(ctx context.Context) Status {
	status := Status{
		Frozen:  s.frozen.Load(),
		Bus:     s.deps.Bus,
		Routes:  s.senders.Routes(),
		Metrics: s.metrics.Snapshot(),
	}
	s.buildMu.Lock()
	backend := s.backend
	status.Handlers = append([]string(nil), s.handlerKeys...)
	s.buildMu.Unlock()
	if backend != nil {
		if names, err := backend.Pipelines(ctx); err == nil {
			status.Pipelines = names
		}
	}
	return status
}

// RegisterHTTPHandler mounts handler on the server listening on port. Servers
// are started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) registerMetricsEndpoint() {
	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.RegisterHTTPHandler(s.Conf.MetricsPort, "/api/status", http.HandlerFunc(s.handleStatus))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := codec.EncodeJSON(w, s.Status(r.Context())); err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// startHTTPServers serves every registered mux until ctx is done.
func (s *Service) startHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
}
