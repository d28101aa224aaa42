// Package server hosts the ledger HTTP and WebSocket surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/fernwick/timeledger/internal/ledger/broadcast"
	"github.com/fernwick/timeledger/internal/ledger/domain"
	"github.com/fernwick/timeledger/internal/platform/timeouts"
)

// Config defines the inputs for the ledger transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the ledger HTTP/WebSocket process. Business rules live in
// the domain service; the server only translates requests and responses.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	feed            *broadcast.Broadcaster
}

// NewServer builds a configured ledger server around an assembled domain
// service. A nil verifier disables authentication and trusts the
// caller-supplied owner, which is only acceptable for local development.
func NewServer(config Config, svc *domain.Service, feed *broadcast.Broadcaster, verifier *Verifier) (*Server, error) {
	if svc == nil {
		return nil, errors.New("domain service is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(svc, feed, verifier),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		feed:            feed,
	}, nil
}

func newHandler(svc *domain.Service, feed *broadcast.Broadcaster, verifier *Verifier) http.Handler {
	api := &apiHandler{svc: svc, verifier: verifier}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/api/tasks", requireMethod(http.MethodPost, api.createTasks))
	mux.HandleFunc("/api/tasks/reorder", requireMethod(http.MethodPost, api.reorderTask))
	mux.HandleFunc("/api/days", requireMethod(http.MethodGet, api.getDaysData))
	mux.HandleFunc("/api/periods", requireMethod(http.MethodGet, api.listPeriods))
	mux.HandleFunc("/api/task-types", requireMethod(http.MethodGet, api.listTaskTypes))
	mux.HandleFunc("/api/task-sources", requireMethod(http.MethodGet, api.listTaskSources))
	mux.HandleFunc("/ws", newWSHandler(feed, verifier))
	return mux
}

func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// Run creates and serves a ledger server until the context ends.
func Run(ctx context.Context, config Config, svc *domain.Service, feed *broadcast.Broadcaster, verifier *Verifier) error {
	server, err := NewServer(config, svc, feed, verifier)
	if err != nil {
		return fmt.Errorf("init ledger server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve ledger: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("ledger server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("ledger server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.feed != nil {
		s.feed.Close()
	}
}
