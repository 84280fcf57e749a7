package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Komala-2k/Payment-wallet-week2/internal/logger"
)

type Server struct {
	http *http.Server
	log  *logger.Logger
}

func NewServer(addr string, cfg RouterConfig) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(cfg),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: cfg.Log.With("component", "HTTPServer"),
	}
}

func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("Starting server", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server")
	return s.http.Shutdown(ctx)
}
