package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/osvaldoandrade/codeq/internal/auth"
	"github.com/osvaldoandrade/codeq/internal/metrics"
	"github.com/osvaldoandrade/codeq/internal/runtime"
	resultsvc "github.com/osvaldoandrade/codeq/internal/services/results"
	schedsvc "github.com/osvaldoandrade/codeq/internal/services/scheduler"
	subsvc "github.com/osvaldoandrade/codeq/internal/services/subscriptions"
	logpkg "github.com/osvaldoandrade/codeq/pkg/log"
)

// Server is the HTTP surface: task lifecycle, results, subscriptions, admin,
// health, and metrics.
type Server struct {
	rt       *runtime.Runtime
	verifier *auth.Verifier
	sched    *schedsvc.Service
	results  *resultsvc.Service
	subs     *subsvc.Service
	logger   logpkg.Logger

	handler http.Handler
	srv     *http.Server
	lis     net.Listener
}

// New wires the services and routes. The subscriptions registry doubles as
// the scheduler's queue-ready notifier.
func New(rt *runtime.Runtime, verifier *auth.Verifier) *Server {
	s := &Server{
		rt:       rt,
		verifier: verifier,
		sched:    schedsvc.New(rt),
		results:  resultsvc.New(rt),
		subs:     subsvc.New(rt),
		logger:   rt.Logger().With(logpkg.F("component", "http")),
	}
	s.sched.SetNotifier(s.subs)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("POST /v1/codeq/tasks", s.authed(auth.ScopeEnqueue, s.handleEnqueue))
	mux.Handle("POST /v1/codeq/tasks/claim", s.authed(auth.ScopeClaim, s.handleClaim))
	mux.Handle("POST /v1/codeq/tasks/{id}/heartbeat", s.authed(auth.ScopeHeartbeat, s.handleHeartbeat))
	mux.Handle("POST /v1/codeq/tasks/{id}/abandon", s.authed(auth.ScopeAbandon, s.handleAbandon))
	mux.Handle("POST /v1/codeq/tasks/{id}/nack", s.authed(auth.ScopeNack, s.handleNack))
	mux.Handle("POST /v1/codeq/tasks/{id}/result", s.authed(auth.ScopeResult, s.handleSubmitResult))
	mux.Handle("GET /v1/codeq/tasks/{id}/result", s.authed(auth.ScopeRead, s.handleGetResult))
	mux.Handle("GET /v1/codeq/tasks/{id}", s.authed("", s.handleGetTask))

	mux.Handle("POST /v1/codeq/workers/subscriptions", s.authed(auth.ScopeSubscribe, s.handleSubscribe))
	mux.Handle("POST /v1/codeq/workers/subscriptions/{id}/heartbeat", s.authed(auth.ScopeSubscribe, s.handleSubHeartbeat))

	mux.Handle("GET /v1/codeq/admin/queues", s.authed(auth.ScopeAdmin, s.handleAdminQueues))
	mux.Handle("POST /v1/codeq/admin/tasks/cleanup", s.authed(auth.ScopeAdmin, s.handleAdminCleanup))

	s.handler = instrument(mux)
	s.srv = &http.Server{Handler: s.handler}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http server listening", logpkg.F("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close releases the listener.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_serving"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
