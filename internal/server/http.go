package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPService serves a handler, typically the metrics endpoint.
type HTTPService struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewHTTPService creates an HTTPService on addr.
func NewHTTPService(addr string, handler http.Handler, logger *zap.Logger) *HTTPService {
	return &HTTPService{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start implements Service.
func (s *HTTPService) Start(_ context.Context) error {
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener. A clean shutdown is not an error.
func (s *HTTPService) Serve(lis net.Listener) error {
	s.logger.Info("http server listening", zap.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop implements Service.
func (s *HTTPService) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
