package process

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"
)

// Service is the per-listener unit a worker supervises: the SMTP engine
// for smtp/smtps sockets, the instrumentation server for the metrics one.
// The Start hook has already begun serving when it returns.
type Service interface {
	// Shutdown stops accepting new work.
	Shutdown()
	// Wait blocks until in-flight work is done or the context expires.
	Wait(ctx context.Context) error
	// Close terminates whatever is still running.
	Close()
}

// RateLimit throttles connections per peer address at accept time.
type RateLimit struct {
	ConnectionsPerSecond float64
	Burst                int
}

// Worker runs the inherited listener set of one worker process. One slow
// or sleeping session never blocks another: every session runs in its own
// goroutine inside the services started here.
type Worker struct {
	// Start builds and starts the service for one inherited listener.
	Start func(ctx context.Context, spec ListenerSpec, ln net.Listener) (Service, error)

	// DrainTimeout bounds how long in-flight sessions may run after a
	// shutdown signal.
	DrainTimeout time.Duration

	// RateLimit, when non-nil, is applied to every SMTP listener.
	RateLimit *RateLimit

	Logger *slog.Logger
}

// Run serves until SIGTERM, SIGINT or SIGHUP, then drains. A HUP makes the
// worker exit so the supervisor can replace it with fresh configuration;
// there is no live reload.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bound, err := InheritedListeners()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx,
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer stop()

	// reserved
	signal.Ignore(syscall.SIGUSR1, syscall.SIGUSR2)

	var limiter *rateLimiter
	if w.RateLimit != nil {
		limiter = newRateLimiter(w.RateLimit.ConnectionsPerSecond, w.RateLimit.Burst)
		limiter.start(ctx)
	}

	var services []Service

	for _, b := range bound {
		ln := b.Listener
		if limiter != nil && b.Spec.Kind != KindMetrics {
			ln = limitListener(ln, limiter)
		}

		svc, err := w.Start(ctx, b.Spec, ln)
		if err != nil {
			// a broken listener does not take the rest of the worker down
			logger.Error("cannot start listener",
				slog.String("address", b.Spec.Address), slog.Any("error", err))
			b.Listener.Close()
			continue
		}

		logger.Info("listening",
			slog.String("address", b.Spec.Address),
			slog.String("kind", string(b.Spec.Kind)),
			slog.String("mode", b.Spec.Mode.String()))

		services = append(services, svc)
	}

	if len(services) == 0 {
		return errors.New("no listeners could be started")
	}

	<-ctx.Done()

	drainTimeout := w.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}

	logger.Info("worker draining", slog.Duration("timeout", drainTimeout))

	for _, svc := range services {
		svc.Shutdown()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for _, svc := range services {
		if err := svc.Wait(drainCtx); err != nil {
			svc.Close()
		}
	}

	return nil
}
