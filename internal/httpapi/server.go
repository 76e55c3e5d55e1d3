// Package httpapi exposes the acquisition engine over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"meterlink/internal/acquisition"
	"meterlink/internal/history"
	"meterlink/internal/model"
)

// Engine is the part of the scheduler the API reads from.
type Engine interface {
	LatestReading() (model.Reading, bool)
	History() []model.Reading
	Summary() history.Summary
	Status() acquisition.Status
	Reconnect(ctx context.Context) error
}

// Server wraps an http.Server bound to the engine routes.
type Server struct {
	Server   http.Server
	handlers *Handlers
	logger   *zap.SugaredLogger
	wg       sync.WaitGroup
}

func NewServer(addr string, engine Engine, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		handlers: NewHandlers(engine, logger),
		logger:   logger,
	}
	s.Server.Addr = addr
	s.Server.Handler = s.Router()
	s.Server.ReadHeaderTimeout = 5 * time.Second
	return s
}

// Router configures the HTTP router with all endpoints.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/latest", s.handlers.GetLatest).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handlers.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handlers.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/summary", s.handlers.GetSummary).Methods(http.MethodGet)
	api.HandleFunc("/reconnect", s.handlers.PostReconnect).Methods(http.MethodPost)

	router.Handle("/metrics", promhttp.Handler())
	return router
}

// Start serves in the background until ctx is done. Reconnects requested
// over the API run on ctx.
func (s *Server) Start(ctx context.Context) {
	s.handlers.base = ctx
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.logger.Infow("http api listening", "addr", s.Server.Addr)
		if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("http api error", "err", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		s.logger.Info("shutting down the http api...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Server.Shutdown(shutdownCtx)
	}()
}

// Wait blocks until both serving goroutines have returned.
func (s *Server) Wait() { s.wg.Wait() }
