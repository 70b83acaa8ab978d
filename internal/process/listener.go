// Package process implements the supervisor/worker process model: the
// supervisor binds every listening socket while it may still hold
// privileges, then spawns identical worker processes that inherit the
// sockets and run the SMTP engine. Workers share nothing with each other;
// all coordination happens through signals.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/blackhole-smtp/blackhole/internal/policy"
)

// Environment contract between supervisor and worker. Inherited listener
// FDs start at 3, in manifest order.
const (
	workerEnv   = "BLACKHOLE_WORKER"
	manifestEnv = "BLACKHOLE_LISTENERS"

	listenerFdOffset = 3
)

// IsWorker reports whether this process was spawned as a worker.
func IsWorker() bool {
	return os.Getenv(workerEnv) != ""
}

// Kind tells a worker what to run on an inherited socket.
type Kind string

const (
	KindSMTP    Kind = "smtp"    // plaintext SMTP
	KindSMTPS   Kind = "smtps"   // TLS from the first byte
	KindMetrics Kind = "metrics" // instrumentation HTTP
)

// Endpoint is one configured listen directive before family expansion.
// Mode and Delay are the effective per-listener values, already resolved
// against the global defaults.
type Endpoint struct {
	Host string
	Port string
	Kind Kind

	Mode  policy.Mode
	Delay policy.Delay
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s (%s)", net.JoinHostPort(e.Host, e.Port), e.Kind)
}

// ListenerSpec is one bound socket. An Endpoint with an unspecified host
// expands into two of these, one per address family.
type ListenerSpec struct {
	Kind    Kind         `json:"kind"`
	Network string       `json:"network"` // tcp4 or tcp6
	Address string       `json:"address"`
	Mode    policy.Mode  `json:"mode"`
	Delay   policy.Delay `json:"delay"`
}

// Bound pairs a spec with its live socket.
type Bound struct {
	Spec     ListenerSpec
	Listener net.Listener
}

// expand resolves an endpoint into per-family listener specs. IPv4 and
// IPv6 are always bound independently; an empty host means all interfaces
// of both families.
func expand(e Endpoint) ([]ListenerSpec, error) {
	spec := func(network, host string) ListenerSpec {
		return ListenerSpec{
			Kind:    e.Kind,
			Network: network,
			Address: net.JoinHostPort(host, e.Port),
			Mode:    e.Mode,
			Delay:   e.Delay,
		}
	}

	if e.Host == "" || e.Host == "*" {
		return []ListenerSpec{
			spec("tcp4", "0.0.0.0"),
			spec("tcp6", "::"),
		}, nil
	}

	if ip := net.ParseIP(e.Host); ip != nil {
		if ip.To4() != nil {
			return []ListenerSpec{spec("tcp4", e.Host)}, nil
		}
		return []ListenerSpec{spec("tcp6", e.Host)}, nil
	}

	addr, err := net.ResolveIPAddr("ip", e.Host)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %q: %w", e.Host, err)
	}

	if addr.IP.To4() != nil {
		return []ListenerSpec{spec("tcp4", e.Host)}, nil
	}
	return []ListenerSpec{spec("tcp6", e.Host)}, nil
}

// BindEndpoints opens every listening socket. Called by the supervisor
// before privileges are dropped so that privileged ports stay bound.
func BindEndpoints(endpoints []Endpoint) ([]Bound, error) {
	var bound []Bound

	for _, e := range endpoints {
		specs, err := expand(e)
		if err != nil {
			closeAll(bound)
			return nil, err
		}

		for _, spec := range specs {
			ln, err := listen(spec)
			if err != nil {
				closeAll(bound)
				return nil, fmt.Errorf("cannot bind %s: %w", spec.Address, err)
			}
			bound = append(bound, Bound{Spec: spec, Listener: ln})
		}
	}

	return bound, nil
}

func closeAll(bound []Bound) {
	for _, b := range bound {
		b.Listener.Close()
	}
}

func listen(spec ListenerSpec) (net.Listener, error) {
	lc := net.ListenConfig{Control: listenerSockopts}
	return lc.Listen(context.Background(), spec.Network, spec.Address)
}

// SO_REUSEADDR allows fast restarts; IPV6_V6ONLY keeps a paired
// 0.0.0.0:P + [::]:P configuration valid.
func listenerSockopts(network, _ string, c syscall.RawConn) error {
	var ctrlErr error

	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if ctrlErr != nil {
			return
		}
		if network == "tcp6" {
			ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
		}
	})
	if err != nil {
		return err
	}

	return ctrlErr
}

// workerFiles turns the bound listeners into the *os.File slice and the
// manifest the worker rebuilds them from.
func workerFiles(bound []Bound) ([]*os.File, string, error) {
	files := make([]*os.File, 0, len(bound))
	specs := make([]ListenerSpec, 0, len(bound))

	for _, b := range bound {
		tcpLn, ok := b.Listener.(*net.TCPListener)
		if !ok {
			return nil, "", fmt.Errorf("listener %s is not a TCP listener", b.Spec.Address)
		}

		f, err := tcpLn.File()
		if err != nil {
			return nil, "", fmt.Errorf("cannot dup listener %s: %w", b.Spec.Address, err)
		}

		files = append(files, f)
		specs = append(specs, b.Spec)
	}

	manifest, err := json.Marshal(specs)
	if err != nil {
		return nil, "", err
	}

	return files, string(manifest), nil
}

// InheritedListeners rebuilds the listener set a worker received from its
// supervisor.
func InheritedListeners() ([]Bound, error) {
	manifest := os.Getenv(manifestEnv)
	if manifest == "" {
		return nil, fmt.Errorf("%s is not set; not spawned by a supervisor", manifestEnv)
	}

	var specs []ListenerSpec
	if err := json.Unmarshal([]byte(manifest), &specs); err != nil {
		return nil, fmt.Errorf("malformed listener manifest: %w", err)
	}

	bound := make([]Bound, 0, len(specs))

	for i, spec := range specs {
		f := os.NewFile(uintptr(listenerFdOffset+i), spec.Address)
		if f == nil {
			return nil, fmt.Errorf("missing inherited fd for %s", spec.Address)
		}

		ln, err := net.FileListener(f)
		// the listener dups the fd; the file is no longer needed
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("cannot rebuild listener %s: %w", spec.Address, err)
		}

		bound = append(bound, Bound{Spec: spec, Listener: ln})
	}

	return bound, nil
}
