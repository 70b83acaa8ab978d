// Package smtpd implements the per-connection SMTP engine of the sink: one
// Server per listener, one session goroutine per accepted connection. The
// engine speaks enough of RFC 5321 to walk any real client through a full
// transaction and then disposes of the message according to the response
// policy.
package smtpd

import (
	"bufio"
	"context"
	cryptorand "crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/textproto"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/blackhole-smtp/blackhole/internal/policy"
)

var tracer = otel.Tracer("github.com/blackhole-smtp/blackhole/internal/smtpd")

// Command lines are limited to 512 bytes including CRLF. Message body lines
// are not subject to this limit.
const maxLineLength = 512

// Peer represents the client of a session.
type Peer struct {
	HeloName string               // name from HELO/EHLO
	Addr     net.Addr             // network address
	TLS      *tls.ConnectionState // TLS connection state, if any
	Protocol Protocol             // SMTP or ESMTP
}

type Protocol string

const (
	SMTP  Protocol = "SMTP"
	ESMTP Protocol = "ESMTP"
)

// Envelope holds one in-flight message.
type Envelope struct {
	Sender     string
	Recipients []string
	Data       []byte
	Header     textproto.MIMEHeader
}

// Server is the engine for one listener. Mode and Delay are the effective
// values resolved at listener construction; they are never mutated at
// runtime.
type Server struct {
	Hostname string // FQDN used in the banner and EHLO response

	Mode          policy.Mode
	Delay         policy.Delay
	DynamicSwitch bool

	MaxMessageSize int           // bytes, default 512000
	MaxRecipients  int           // default 100
	MaxConnections int           // concurrent sessions, default 2000
	Timeout        time.Duration // idle timeout, 0 disables

	// TLSConfig enables STARTTLS on a plaintext listener when
	// EnableSTARTTLS is also set. TLS-on-connect listeners wrap the
	// net.Listener instead and leave both unset.
	TLSConfig      *tls.Config
	EnableSTARTTLS bool

	// OnMessage is called after the policy reply for a message has been
	// written. Messages refused with 552 for size and messages dropped by a
	// per-message offline override do not reach it. Used for metrics; may
	// be nil.
	OnMessage func(ctx context.Context, peer Peer, verdict policy.Verdict, env *Envelope)

	Logger *slog.Logger

	mu         sync.Mutex
	listener   net.Listener
	sessions   map[*session]struct{}
	inShutdown bool
	done       chan struct{} // closed when the last session ends
}

func (srv *Server) configureDefaults() {
	if srv.MaxMessageSize == 0 {
		srv.MaxMessageSize = 512000
	}
	if srv.MaxRecipients == 0 {
		srv.MaxRecipients = 100
	}
	if srv.MaxConnections == 0 {
		srv.MaxConnections = 2000
	}
	if srv.Hostname == "" {
		srv.Hostname = "localhost.localdomain"
	}
	if srv.Logger == nil {
		srv.Logger = slog.Default()
	}
	if srv.sessions == nil {
		srv.sessions = make(map[*session]struct{})
	}
	if srv.done == nil {
		srv.done = make(chan struct{})
	}
}

// Serve accepts connections on ln until the listener is closed or the
// context is cancelled. Accept errors that indicate resource exhaustion or
// an aborted handshake are logged and retried; anything else terminates
// this listener only.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv.mu.Lock()
	srv.configureDefaults()
	srv.listener = ln
	srv.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			srv.mu.Lock()
			closing := srv.inShutdown
			srv.mu.Unlock()

			if closing || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}

			if retryableAcceptError(err) {
				srv.Logger.Warn("accept failed, retrying", slog.Any("error", err))
				time.Sleep(100 * time.Millisecond)
				continue
			}

			return fmt.Errorf("accept: %w", err)
		}

		session := srv.newSession(conn)

		if !srv.trackSession(session) {
			// over the session cap for this listener
			session.reply(ErrBusy.Code, ErrBusy.Msg)
			conn.Close()
			continue
		}

		go func() {
			defer srv.untrackSession(session)
			session.serve(ctx)
		}()
	}
}

// EMFILE, ENFILE and ECONNABORTED are transient; everything else is not.
func retryableAcceptError(err error) bool {
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

func (srv *Server) trackSession(s *session) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.inShutdown || len(srv.sessions) >= srv.MaxConnections {
		return false
	}

	srv.sessions[s] = struct{}{}
	return true
}

func (srv *Server) untrackSession(s *session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	delete(srv.sessions, s)
	if srv.inShutdown && len(srv.sessions) == 0 {
		select {
		case <-srv.done:
		default:
			close(srv.done)
		}
	}
}

// Shutdown stops accepting new connections. In-flight sessions keep
// running; use Wait to block until they finish or Close to terminate them.
func (srv *Server) Shutdown() {
	srv.mu.Lock()
	srv.configureDefaults()
	srv.inShutdown = true
	ln := srv.listener
	empty := len(srv.sessions) == 0
	if empty {
		select {
		case <-srv.done:
		default:
			close(srv.done)
		}
	}
	srv.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
}

// Wait blocks until every session has ended or the context expires. Only
// valid after Shutdown.
func (srv *Server) Wait(ctx context.Context) error {
	select {
	case <-srv.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close force-closes the sockets of all remaining sessions.
func (srv *Server) Close() {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for s := range srv.sessions {
		s.conn.Close()
	}
}

func (srv *Server) newSession(conn net.Conn) *session {
	var seed [32]byte
	// never errors on supported platforms
	_, _ = cryptorand.Read(seed[:])

	c := &deadlineConn{Conn: conn, timeout: srv.Timeout}

	return &session{
		server:  srv,
		rawConn: conn,
		conn:    c,
		reader:  bufio.NewReader(c),
		writer:  bufio.NewWriter(c),
		rng:     rand.New(rand.NewChaCha8(seed)),
		peer: Peer{
			Addr: conn.RemoteAddr(),
		},
	}
}

// deadlineConn refreshes the read deadline on every successful read, so the
// idle timer measures time spent awaiting client bytes only. The response
// delay happens between reads and therefore never counts against it.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

type contextKey int

const peerAddrKey contextKey = iota

func contextWithPeerAddr(ctx context.Context, addr net.Addr) context.Context {
	return context.WithValue(ctx, peerAddrKey, addr)
}

// PeerAddrFromContext returns the remote address of the session owning the
// context, if any. The log handler uses it to annotate records.
func PeerAddrFromContext(ctx context.Context) net.Addr {
	addr, _ := ctx.Value(peerAddrKey).(net.Addr)
	return addr
}
