package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/prometheus/common/version"

	"github.com/blackhole-smtp/blackhole/internal/process"
	"github.com/blackhole-smtp/blackhole/internal/traceutil"
)

const applicationName = "blackhole"

// sysexits-style codes, matching what operators of the original daemon
// expect from init scripts
const (
	exUsage  = 64
	exNoPerm = 77
	exConfig = 78
)

// Short options accepted on the command line; everything maps onto a
// registered long flag before parsing.
var shortFlags = map[string]string{
	"-c": "-config",
	"-t": "-test",
	"-b": "-foreground",
	"-d": "-daemonise",
	"-v": "-version",
	"-l": "-list-ciphers",
}

func translateShortFlags(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if long, ok := shortFlags[arg]; ok {
			arg = long
		}
		out = append(out, arg)
	}
	return out
}

func main() {
	os.Args = append(os.Args[:1], translateShortFlags(os.Args[1:])...)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", applicationName, err)
		os.Exit(exConfig)
	}

	if cfg.versionInfo {
		fmt.Printf("%s %s\n", applicationName, version.Info())
		return
	}

	if cfg.listCiphers {
		printTLSInfo()
		return
	}

	if cfg.testConfig {
		fmt.Printf("%s: configuration OK\n", configFilePath())
		return
	}

	logger := slog.Default()

	if process.IsWorker() {
		if err := runWorker(cfg); err != nil {
			logger.Error("worker failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if cfg.daemonise && !cfg.foreground {
		if err := daemonise(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: cannot daemonise: %v\n", applicationName, err)
			os.Exit(exUsage)
		}
		return
	}

	if err := runSupervisor(cfg); err != nil {
		logger.Error("supervisor failed", slog.Any("error", err))
		os.Exit(startupExitCode(err))
	}
}

func configFilePath() string {
	if f := flag.Lookup("config"); f != nil {
		return f.Value.String()
	}
	return ""
}

func runSupervisor(cfg *config) error {
	loaded := false

	supervisor := &process.Supervisor{
		LoadSettings: func() (*process.Settings, error) {
			// the first call uses the configuration parsed at startup;
			// SIGHUP re-reads the file
			if loaded {
				if err := cfg.reload(configFilePath()); err != nil {
					return nil, err
				}
			}
			loaded = true

			return cfg.settings(), nil
		},
		Logger: slog.Default(),
	}

	return supervisor.Run(context.Background())
}

func runWorker(cfg *config) error {
	ctx := context.Background()

	closer, err := traceutil.InitTraceExporter(ctx, applicationName)
	if err != nil {
		slog.Warn("tracing disabled", slog.Any("error", err))
	} else {
		defer func() { _ = closer(context.Background()) }()
	}

	worker := &process.Worker{
		Start:        cfg.startService,
		DrainTimeout: cfg.settings().DrainTimeout,
		Logger:       slog.With(slog.String("component", "worker")),
	}

	if cfg.rateLimitEnabled {
		worker.RateLimit = &process.RateLimit{
			ConnectionsPerSecond: cfg.rateLimitConnectionsPerSecond,
			Burst:                cfg.rateLimitBurst,
		}
	}

	return worker.Run(ctx)
}

// daemonise re-executes in the background: new session, detached stdio.
// The child comes back through main with -foreground set.
func daemonise() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"-foreground"}
	for _, arg := range os.Args[1:] {
		if arg == "-daemonise" || arg == "--daemonise" {
			continue
		}
		args = append(args, arg)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	return cmd.Start()
}

func startupExitCode(err error) int {
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return exNoPerm
	}
	return exConfig
}

func printTLSInfo() {
	fmt.Println("protocols:")
	for _, v := range []uint16{tls.VersionTLS10, tls.VersionTLS11, tls.VersionTLS12, tls.VersionTLS13} {
		fmt.Printf("  %s\n", tls.VersionName(v))
	}

	fmt.Println("cipher suites:")
	for _, suite := range tls.CipherSuites() {
		fmt.Printf("  %s\n", suite.Name)
	}

	fmt.Println("insecure cipher suites (never offered):")
	for _, suite := range tls.InsecureCipherSuites() {
		fmt.Printf("  %s\n", suite.Name)
	}
}
