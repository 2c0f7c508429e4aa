// Package server runs the daemon's long-lived components: it starts them in
// order, waits for a signal or a failure, and stops them in reverse order
// within a bounded shutdown window.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultStopTimeout bounds the whole shutdown sequence when none is given.
const DefaultStopTimeout = 30 * time.Second

// Service is a long-running component.
type Service interface {
	// Start blocks until the service stops or fails. ctx is cancelled when
	// the lifecycle begins shutting down.
	Start(ctx context.Context) error
	// Stop makes Start return. ctx carries the shutdown deadline.
	Stop(ctx context.Context) error
}

// FuncService adapts a start/stop function pair into a Service.
type FuncService struct {
	StartFn func(ctx context.Context) error
	StopFn  func(ctx context.Context) error
}

// Start calls StartFn.
func (f *FuncService) Start(ctx context.Context) error { return f.StartFn(ctx) }

// Stop calls StopFn, if set.
func (f *FuncService) Stop(ctx context.Context) error {
	if f.StopFn == nil {
		return nil
	}
	return f.StopFn(ctx)
}

// Blocking returns a Service whose Start waits for shutdown and whose Stop
// runs stop. It suits components that are already running once constructed.
func Blocking(stop func(ctx context.Context) error) Service {
	return &FuncService{
		StartFn: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		StopFn: stop,
	}
}

// Lifecycle starts and stops a set of named services.
type Lifecycle struct {
	logger      *zap.Logger
	stopTimeout time.Duration
	signals     []os.Signal

	mu       sync.Mutex
	services []namedService
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a Lifecycle that listens for SIGINT and SIGTERM.
//
// Precondition: logger must be non-nil.
// Postcondition: A non-positive stopTimeout is replaced by DefaultStopTimeout.
func NewLifecycle(logger *zap.Logger, stopTimeout time.Duration) *Lifecycle {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Lifecycle{
		logger:      logger,
		stopTimeout: stopTimeout,
		signals:     []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a service. Services start in the order added and stop in
// reverse.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts every service and blocks until a signal arrives, ctx is
// cancelled or a service fails.
//
// Postcondition: Every service has been asked to stop. The returned error
// joins the failure that triggered shutdown, if any, with every Stop error.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()
	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(services))
	var wg sync.WaitGroup
	for _, ns := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			if err := ns.service.Start(runCtx); err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}
	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, l.signals...)
	defer signal.Stop(sigCh)

	var cause error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case cause = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(cause))
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), l.stopTimeout)
	defer stopCancel()
	stopErr := l.shutdown(stopCtx, services)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		l.logger.Warn("services still running after shutdown window", zap.Duration("timeout", l.stopTimeout))
	}

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return errors.Join(cause, stopErr)
}

func (l *Lifecycle) shutdown(ctx context.Context, services []namedService) error {
	shutdownStart := time.Now()
	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))
		if err := ns.service.Stop(ctx); err != nil {
			l.logger.Error("service stop failed", zap.String("service", ns.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("stopping %s: %w", ns.name, err))
			continue
		}
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(shutdownStart)))
	return errors.Join(errs...)
}
