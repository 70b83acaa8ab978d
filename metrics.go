package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	deltapprof "github.com/grafana/pyroscope-go/godeltaprof/http/pprof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesCounter  *prometheus.CounterVec
	msgSizeHistogram prometheus.Histogram
)

const kb = 1024

// metrics registry - overridable for tests
var metricsRegistry prometheus.Registerer = prometheus.DefaultRegisterer

var registerMetricsOnce sync.Once

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		factory := promauto.With(metricsRegistry)

		messagesCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blackhole",
			Name:      "messages_total",
			Help:      "count of swallowed messages by final reply code",
		}, []string{"reply_code", "mode"})

		msgSizeHistogram = factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blackhole",
			Name:      "message_bytes",
			Help:      "size of swallowed messages",
			Buckets:   []float64{1 * kb, 4 * kb, 16 * kb, 64 * kb, 128 * kb, 256 * kb, 512 * kb, 1024 * kb},
		})
	})
}

func observeMessage(code int, mode string, size int) {
	messagesCounter.WithLabelValues(fmt.Sprintf("%d", code), mode).Inc()
	msgSizeHistogram.Observe(float64(size))
}

// metricsService serves /metrics and delta pprof profiles on a listener
// the worker inherited from the supervisor. Every worker serves the same
// socket; the kernel spreads the accepts.
type metricsService struct {
	srv  *http.Server
	done chan struct{}
}

func startMetrics(ctx context.Context, ln net.Listener) *metricsService {
	registerMetrics()

	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}),
	))
	router.HandleFunc("/debug/pprof/delta_heap", deltapprof.Heap)
	router.HandleFunc("/debug/pprof/delta_block", deltapprof.Block)
	router.HandleFunc("/debug/pprof/delta_mutex", deltapprof.Mutex)

	srv := &http.Server{
		// 5s timeout for header reads to avoid Slowloris attacks (https://thetooth.io/blog/slowloris-attack/)
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           router,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	m := &metricsService{srv: srv, done: make(chan struct{})}

	go func() {
		defer close(m.done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("instrumentation server terminated with error", slog.Any("error", err))
		}
	}()

	return m
}

func (m *metricsService) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = m.srv.Shutdown(shutdownCtx)
}

func (m *metricsService) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *metricsService) Close() {
	m.srv.Close()
}
