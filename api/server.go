// Package api is the HTTP surface of the incident engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"berkut-incidents/api/handlers"
	"berkut-incidents/api/routegroups"
	"berkut-incidents/config"
	"berkut-incidents/core/auth"
	"berkut-incidents/core/utils"
)

// BackgroundWorker is a long-running component started and stopped with the server.
type BackgroundWorker interface {
	StartWithContext(ctx context.Context)
	StopWithContext(ctx context.Context) error
}

type ServerDeps struct {
	Incidents handlers.IncidentService
	Sweep     handlers.SweepRunner
	Rules     handlers.RuleSwitch
	Actors    *auth.ActorResolver
}

type Server struct {
	cfg     *config.AppConfig
	logger  *utils.Logger
	actors  *auth.ActorResolver
	handler *handlers.IncidentsHandler
	rules   *handlers.RulesHandler
	workers []BackgroundWorker
	http    *http.Server
}

func NewServer(cfg *config.AppConfig, deps ServerDeps, logger *utils.Logger, workers ...BackgroundWorker) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		actors:  deps.Actors,
		handler: handlers.NewIncidentsHandler(deps.Incidents, deps.Sweep, logger),
		workers: workers,
	}
	if deps.Rules != nil {
		s.rules = handlers.NewRulesHandler(deps.Rules, logger)
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.securityHeadersMiddleware)
	r.Use(s.loggingMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(apiRouter chi.Router) {
		guards := routegroups.Guards{WithActor: s.withActor}
		routegroups.RegisterIncidents(apiRouter, guards, s.handler)
		if s.rules != nil {
			routegroups.RegisterRules(apiRouter, guards, s.rules)
		}
	})
	return r
}

// Start launches the workers and serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	for _, w := range s.workers {
		w.StartWithContext(ctx)
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", s.cfg.ListenAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting requests, then stops the workers in reverse order.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	for i := len(s.workers) - 1; i >= 0; i-- {
		if werr := s.workers[i].StopWithContext(ctx); werr != nil {
			s.logger.Errorf("worker stop: %v", werr)
			err = errors.Join(err, werr)
		}
	}
	return err
}
