package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/vharitonsky/iniflags"

	"github.com/blackhole-smtp/blackhole/internal/policy"
	"github.com/blackhole-smtp/blackhole/internal/process"
)

//nolint:govet
type config struct {
	logFormat string
	logLevel  string

	hostName      string
	listen        string
	tlsListen     string
	metricsListen string

	tlsCert     string
	tlsKey      string
	tlsDHParams string
	tlsStartTLS bool

	user    string
	group   string
	pidfile string

	timeoutSecs    int
	delaySecs      int
	modeStr        string
	maxMessageSize int
	maxRecipients  int
	maxConnections int
	dynamicSwitch  bool
	workers        int

	rateLimitEnabled              bool
	rateLimitConnectionsPerSecond float64
	rateLimitBurst                int

	versionInfo bool
	testConfig  bool
	foreground  bool
	daemonise   bool
	listCiphers bool

	// resolved from the raw directives
	mode      policy.Mode
	delay     policy.Delay
	timeout   time.Duration
	endpoints []process.Endpoint
}

func registerFlags(f *flag.FlagSet, cfg *config) {
	f.StringVar(&cfg.logFormat, "log_format", "json", "Log format - json or logfmt")
	f.StringVar(&cfg.logLevel, "log_level", "info", "Minimum log level to output")
	f.StringVar(&cfg.hostName, "hostname", "", "FQDN for the banner and EHLO response (default: /etc/mailname, then the machine hostname)")
	f.StringVar(&cfg.listen, "listen", "127.0.0.1:25", "Comma-separated HOST:PORT entries for plaintext SMTP, each with optional mode= and delay= options")
	f.StringVar(&cfg.tlsListen, "tls_listen", "", "As listen, but speaking TLS from the first byte")
	f.StringVar(&cfg.metricsListen, "metrics_listen", "", "Address and port for metrics exposition (empty disables)")
	f.StringVar(&cfg.tlsCert, "tls_cert", "", "PEM certificate for TLS listeners")
	f.StringVar(&cfg.tlsKey, "tls_key", "", "PEM private key for TLS listeners")
	f.StringVar(&cfg.tlsDHParams, "tls_dhparams", "", "PEM Diffie-Hellman parameters (accepted for compatibility, unused by the TLS stack)")
	f.BoolVar(&cfg.tlsStartTLS, "tls_starttls", false, "Offer STARTTLS on plaintext listeners (needs tls_cert and tls_key)")
	f.StringVar(&cfg.user, "user", "", "User to switch to after binding the sockets")
	f.StringVar(&cfg.group, "group", "", "Group to switch to after binding the sockets")
	f.StringVar(&cfg.pidfile, "pidfile", "", "Path written at startup and unlinked at shutdown")
	f.IntVar(&cfg.timeoutSecs, "timeout", 60, "Idle timeout in seconds, 0..180; 0 disables")
	f.IntVar(&cfg.delaySecs, "delay", 0, "Seconds between end-of-data and the final reply, 0..60")
	f.StringVar(&cfg.modeStr, "mode", "accept", "Global response mode: accept, bounce or random")
	f.IntVar(&cfg.maxMessageSize, "max_message_size", 512000, "Max message size allowed in bytes")
	f.IntVar(&cfg.maxRecipients, "max_recipients", 100, "Max number of recipients on a message")
	f.IntVar(&cfg.maxConnections, "max_connections", 2000, "Max concurrent sessions per listener")
	f.BoolVar(&cfg.dynamicSwitch, "dynamic_switch", true, "Honour X-Blackhole-Mode and X-Blackhole-Delay message headers")
	f.IntVar(&cfg.workers, "workers", 1, "Number of worker processes")
	f.BoolVar(&cfg.rateLimitEnabled, "rate_limit_enabled", false, "Enable per-peer connection rate limiting")
	f.Float64Var(&cfg.rateLimitConnectionsPerSecond, "rate_limit_connections_per_second", 10, "Maximum connections per second per peer address")
	f.IntVar(&cfg.rateLimitBurst, "rate_limit_burst", 20, "Burst capacity for the connection rate limiter")
	f.BoolVar(&cfg.versionInfo, "version", false, "Show version information")
	f.BoolVar(&cfg.testConfig, "test", false, "Test the configuration and exit")
	f.BoolVar(&cfg.foreground, "foreground", false, "Run in the foreground")
	f.BoolVar(&cfg.daemonise, "daemonise", false, "Run as a background process")
	f.BoolVar(&cfg.listCiphers, "list-ciphers", false, "List supported TLS protocol versions and cipher suites")
}

func loadConfig() (*config, error) {
	cfg := config{}
	registerFlags(flag.CommandLine, &cfg)

	iniflags.Parse()

	setupLogger(cfg.logFormat, cfg.logLevel)

	if err := cfg.resolve(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// reload re-applies the config file to the registered flags and resolves
// again. Used on SIGHUP; command-line overrides stay in effect only for
// keys absent from the file.
func (cfg *config) reload(path string) error {
	if path != "" {
		if err := applyConfigFile(flag.CommandLine, path); err != nil {
			return err
		}
	}

	return cfg.resolve()
}

// applyConfigFile reads key=value lines ('#' comments, quotes stripped)
// and sets the matching flags, the same way the initial iniflags parse
// does.
func applyConfigFile(f *flag.FlagSet, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot read config file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if f.Lookup(key) == nil {
			return fmt.Errorf("unknown directive %q", key)
		}

		if err := f.Set(key, value); err != nil {
			return fmt.Errorf("directive %q: %w", key, err)
		}
	}

	return scanner.Err()
}

// resolve validates the raw directives and produces the effective values
// the core runs on.
func (cfg *config) resolve() error {
	var err error

	cfg.mode, err = policy.ParseMode(cfg.modeStr)
	if err != nil {
		return err
	}

	if cfg.timeoutSecs < 0 || cfg.timeoutSecs > 180 {
		return fmt.Errorf("timeout must be within 0..180 seconds, got %d", cfg.timeoutSecs)
	}
	cfg.timeout = time.Duration(cfg.timeoutSecs) * time.Second

	if cfg.delaySecs < 0 || cfg.delaySecs > 60 {
		return fmt.Errorf("delay must be within 0..60 seconds, got %d", cfg.delaySecs)
	}
	if cfg.delaySecs > 0 {
		cfg.delay = policy.Delay{Lo: cfg.delaySecs, Hi: cfg.delaySecs}
	} else {
		cfg.delay = policy.Delay{}
	}

	if err := cfg.checkDelay(cfg.delay); err != nil {
		return err
	}

	if cfg.maxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive, got %d", cfg.maxMessageSize)
	}

	if cfg.workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", cfg.workers)
	}

	if cfg.hostName == "" {
		cfg.hostName = mailname("/etc/mailname")
	}

	for _, path := range []string{cfg.tlsCert, cfg.tlsKey, cfg.tlsDHParams} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("TLS material: %w", err)
		}
	}

	endpoints, err := cfg.resolveEndpoints()
	if err != nil {
		return err
	}
	cfg.endpoints = endpoints

	return nil
}

func (cfg *config) checkDelay(d policy.Delay) error {
	if d.Max() > 60 {
		return fmt.Errorf("delay must not exceed 60 seconds, got %s", d)
	}
	if cfg.timeoutSecs > 0 && !d.IsZero() && d.Max() >= cfg.timeoutSecs {
		return fmt.Errorf("delay %s must be less than the timeout of %ds", d, cfg.timeoutSecs)
	}
	return nil
}

func (cfg *config) resolveEndpoints() ([]process.Endpoint, error) {
	if strings.TrimSpace(cfg.listen) == "" && strings.TrimSpace(cfg.tlsListen) == "" {
		return nil, fmt.Errorf("at least one listener must be defined")
	}

	var endpoints []process.Endpoint

	plain, err := cfg.parseListenDirective(cfg.listen, process.KindSMTP)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	endpoints = append(endpoints, plain...)

	tlsEndpoints, err := cfg.parseListenDirective(cfg.tlsListen, process.KindSMTPS)
	if err != nil {
		return nil, fmt.Errorf("tls_listen: %w", err)
	}
	endpoints = append(endpoints, tlsEndpoints...)

	if len(tlsEndpoints) > 0 && (cfg.tlsCert == "" || cfg.tlsKey == "") {
		return nil, fmt.Errorf("tls_listen requires tls_cert and tls_key")
	}

	if cfg.tlsStartTLS && (cfg.tlsCert == "" || cfg.tlsKey == "") {
		return nil, fmt.Errorf("tls_starttls requires tls_cert and tls_key")
	}

	seen := map[string]bool{}
	for _, e := range endpoints {
		key := net.JoinHostPort(e.Host, e.Port)
		if seen[key] {
			return nil, fmt.Errorf("duplicate listener on %s", key)
		}
		seen[key] = true
	}

	if cfg.metricsListen != "" {
		host, port, err := net.SplitHostPort(cfg.metricsListen)
		if err != nil {
			return nil, fmt.Errorf("metrics_listen: %w", err)
		}
		endpoints = append(endpoints, process.Endpoint{
			Host: host,
			Port: port,
			Kind: process.KindMetrics,
		})
	}

	return endpoints, nil
}

// parseListenDirective parses "HOST:PORT [mode=M] [delay=D[,D2]]" entries,
// comma-separated. The comma inside a delay range is disambiguated from an
// entry separator by shape: a fragment that is all digits continues the
// previous entry's delay range.
func (cfg *config) parseListenDirective(directive string, kind process.Kind) ([]process.Endpoint, error) {
	directive = strings.TrimSpace(directive)
	if directive == "" {
		return nil, nil
	}

	var entries []string
	for _, fragment := range strings.Split(directive, ",") {
		fragment = strings.TrimSpace(fragment)
		if fragment == "" {
			continue
		}
		if isDigits(fragment) && len(entries) > 0 {
			entries[len(entries)-1] += "," + fragment
			continue
		}
		entries = append(entries, fragment)
	}

	endpoints := make([]process.Endpoint, 0, len(entries))

	for _, entry := range entries {
		e, err := cfg.parseListenEntry(entry, kind)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}

	return endpoints, nil
}

func (cfg *config) parseListenEntry(entry string, kind process.Kind) (process.Endpoint, error) {
	fields := strings.Fields(entry)

	host, port, err := net.SplitHostPort(fields[0])
	if err != nil {
		return process.Endpoint{}, fmt.Errorf("entry %q: %w", entry, err)
	}

	// listener options shadow the globals for this listener only
	e := process.Endpoint{
		Host:  host,
		Port:  port,
		Kind:  kind,
		Mode:  cfg.mode,
		Delay: cfg.delay,
	}

	for _, opt := range fields[1:] {
		key, value, found := strings.Cut(opt, "=")
		if !found {
			return process.Endpoint{}, fmt.Errorf("entry %q: malformed option %q", entry, opt)
		}

		switch key {
		case "mode":
			mode, err := policy.ParseMode(value)
			if err != nil {
				return process.Endpoint{}, fmt.Errorf("entry %q: %w", entry, err)
			}
			e.Mode = mode
		case "delay":
			delay, err := policy.ParseDelay(value)
			if err != nil {
				return process.Endpoint{}, fmt.Errorf("entry %q: %w", entry, err)
			}
			if err := cfg.checkDelay(delay); err != nil {
				return process.Endpoint{}, fmt.Errorf("entry %q: %w", entry, err)
			}
			e.Delay = delay
		default:
			return process.Endpoint{}, fmt.Errorf("entry %q: unknown option %q", entry, key)
		}
	}

	return e, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// mailname returns the FQDN used in the banner, preferring the mailname
// file and falling back on the machine hostname.
func mailname(path string) string {
	if content, err := os.ReadFile(path); err == nil {
		if name := strings.TrimSpace(strings.SplitN(string(content), "\n", 2)[0]); name != "" {
			return name
		}
	}

	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}

	return "localhost.localdomain"
}

func (cfg *config) settings() *process.Settings {
	drain := cfg.timeout
	if drain <= 0 {
		drain = 10 * time.Second
	}

	return &process.Settings{
		Endpoints:    cfg.endpoints,
		Workers:      cfg.workers,
		Pidfile:      cfg.pidfile,
		User:         cfg.user,
		Group:        cfg.group,
		DrainTimeout: drain,
	}
}
