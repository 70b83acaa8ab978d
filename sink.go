package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	"github.com/blackhole-smtp/blackhole/internal/policy"
	"github.com/blackhole-smtp/blackhole/internal/process"
	"github.com/blackhole-smtp/blackhole/internal/smtpd"
)

// startService builds and starts the per-listener service inside a worker:
// the SMTP engine for smtp/smtps sockets, the instrumentation server for
// the metrics one.
func (cfg *config) startService(ctx context.Context, spec process.ListenerSpec, ln net.Listener) (process.Service, error) {
	if spec.Kind == process.KindMetrics {
		return startMetrics(ctx, ln), nil
	}

	server := cfg.newServer(spec)

	switch spec.Kind {
	case process.KindSMTPS:
		tlsConfig, err := getServerTLSConfig(cfg.tlsCert, cfg.tlsKey)
		if err != nil {
			return nil, err
		}

		// TLS from the first byte; the handshake runs before the banner
		ln = tls.NewListener(ln, tlsConfig)
	default:
		if cfg.tlsStartTLS {
			tlsConfig, err := getServerTLSConfig(cfg.tlsCert, cfg.tlsKey)
			if err != nil {
				return nil, err
			}

			server.TLSConfig = tlsConfig
			server.EnableSTARTTLS = true
		}
	}

	go func() {
		if err := server.Serve(ctx, ln); err != nil {
			slog.Error("listener terminated",
				slog.String("address", spec.Address), slog.Any("error", err))
		}
	}()

	return server, nil
}

func (cfg *config) newServer(spec process.ListenerSpec) *smtpd.Server {
	registerMetrics()

	logger := slog.With(
		slog.String("component", "smtpd"),
		slog.String("listener", spec.Address),
	)

	return &smtpd.Server{
		Hostname: cfg.hostName,

		Mode:          spec.Mode,
		Delay:         spec.Delay,
		DynamicSwitch: cfg.dynamicSwitch,

		MaxMessageSize: cfg.maxMessageSize,
		MaxRecipients:  cfg.maxRecipients,
		MaxConnections: cfg.maxConnections,
		Timeout:        cfg.timeout,

		Logger: logger,

		OnMessage: func(ctx context.Context, _ smtpd.Peer, verdict policy.Verdict, env *smtpd.Envelope) {
			observeMessage(verdict.Code, verdict.Mode.String(), len(env.Data))

			logger.DebugContext(ctx, "message swallowed",
				slog.String("from", env.Sender),
				slog.Any("to", env.Recipients),
				slog.Int("size", len(env.Data)),
				slog.Int("reply_code", verdict.Code),
				slog.String("mode", verdict.Mode.String()),
			)
		},
	}
}

func getServerTLSConfig(certpath, keypath string) (*tls.Config, error) {
	if certpath == "" {
		return nil, fmt.Errorf("empty tls_cert")
	}

	if keypath == "" {
		return nil, fmt.Errorf("empty tls_key")
	}

	cert, err := tls.LoadX509KeyPair(certpath, keypath)
	if err != nil {
		return nil, fmt.Errorf("cannot load X509 keypair: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
