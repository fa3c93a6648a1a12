// Package api exposes the task-mesh manager's REST and gRPC surface:
// direct task submission and polling reads of task/session status
// already projected into statestore by the session package's
// observers. Neither surface is consulted by the dispatch core; an
// outage here degrades visibility, not correctness.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/go-task-mesh/task-mesh/internal/statestore"
)

// Server bundles the REST and gRPC listeners that front a manager
// instance. Both share one TaskIDAllocator so directly-submitted tasks
// never collide regardless of which surface received them.
type Server struct {
	httpSrv  *http.Server
	grpcSrv  *grpc.Server
	grpcLis  net.Listener
	logger   *slog.Logger
}

// NewServer wires REST and gRPC handlers against pool, store, and mgr.
// httpAddr and grpcAddr are listen addresses such as ":8080"/":9090".
func NewServer(httpAddr, grpcAddr string, pool taskSink, store statestore.Store, mgr sessionLookup, logger *slog.Logger) (*Server, error) {
	ids := NewTaskIDAllocator()
	restHandler := NewREST(pool, store, mgr, ids, logger)
	grpcHandler := NewGRPCServer(pool, store, mgr, ids)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(logger))
	r.Use(MaxBodySize(1 << 20))
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", restHandler.SubmitTask)
		r.Get("/tasks/{id}", restHandler.GetTaskStatus)
		r.Get("/sessions/{id}", restHandler.GetSessionStatus)
	})

	httpSrv := &http.Server{
		Addr:         httpAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	RegisterTaskMeshServer(grpcSrv, grpcHandler)
	reflection.Register(grpcSrv)

	grpcLis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return nil, fmt.Errorf("api: grpc listen: %w", err)
	}

	return &Server{httpSrv: httpSrv, grpcSrv: grpcSrv, grpcLis: grpcLis, logger: logger}, nil
}

// Start launches both listeners in background goroutines and returns
// immediately. Errors after startup are logged, not returned.
func (s *Server) Start() {
	go func() {
		s.logger.Info("api http server starting", slog.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api http server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		s.logger.Info("api grpc server starting", slog.String("addr", s.grpcLis.Addr().String()))
		if err := s.grpcSrv.Serve(s.grpcLis); err != nil {
			s.logger.Error("api grpc server error", slog.String("error", err.Error()))
		}
	}()
}

// Stop gracefully drains in-flight requests on both surfaces, bounded
// by ctx's deadline for the HTTP server.
func (s *Server) Stop(ctx context.Context) {
	s.grpcSrv.GracefulStop()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("api http shutdown error", slog.String("error", err.Error()))
	}
}
