package webchat

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Server runs the HTTP server and the event fan-out together.
type Server struct {
	router  *Router
	events  StageSource
	httpSrv *http.Server
	// OnShutdown runs after the HTTP server stopped, for closing stores and
	// the event bus.
	OnShutdown []func() error
}

func NewServer(addr string, r *Router, src StageSource) (*Server, error) {
	if r == nil {
		return nil, errors.New("webchat: router is nil")
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{router: r, events: src, httpSrv: httpSrv}, nil
}

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Run serves until ctx is done or the process receives SIGINT/SIGTERM, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.router == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	eg, egCtx := errgroup.WithContext(srvCtx)

	if s.events != nil {
		eg.Go(func() error { return s.router.hub.Run(egCtx, s.events) })
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-egCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.router.hub.CloseAll()
		for _, fn := range s.OnShutdown {
			if err := fn(); err != nil {
				log.Error().Err(err).Msg("shutdown hook error")
			}
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting memagent server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
