package smtpd

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/blackhole-smtp/blackhole/internal/policy"
	"github.com/blackhole-smtp/blackhole/internal/traceutil"
)

type session struct {
	server *Server

	rawConn net.Conn // as accepted, used for the STARTTLS swap and TLS handshake
	conn    net.Conn // deadline-refreshing wrapper around rawConn
	reader  *bufio.Reader
	writer  *bufio.Writer

	peer     Peer
	envelope *Envelope
	tls      bool

	rng *rand.Rand
}

type command struct {
	line   string
	action string
	fields []string
	params []string
}

func parseLine(line string) command {
	cmd := command{
		line:   line,
		fields: strings.Fields(line),
	}

	if len(cmd.fields) > 0 {

		cmd.action = strings.ToUpper(cmd.fields[0])

		if len(cmd.fields) > 1 {
			// Account for some clients breaking the standard and having
			// an extra whitespace after the ':' character. Example:
			//
			// MAIL FROM: <test@example.org>
			//
			// Should be:
			//
			// MAIL FROM:<test@example.org>
			//
			// Thus, we add a check if the second field ends with ':'
			// and appends the rest of the third field.
			if cmd.fields[1][len(cmd.fields[1])-1] == ':' && len(cmd.fields) > 2 {
				cmd.fields[1] += cmd.fields[2]
				cmd.fields = cmd.fields[0:2]
			}

			cmd.params = strings.SplitN(cmd.fields[1], ":", 2)

		}

	}

	return cmd
}

func (session *session) serve(ctx context.Context) {
	defer session.close()

	ctx = contextWithPeerAddr(ctx, session.peer.Addr)

	// offline listeners drop the connection before a single byte is sent
	if session.server.Mode.Offline() {
		return
	}

	// TLS-on-connect: complete the handshake before the banner; a failed
	// handshake closes the socket silently
	if tlsConn, ok := session.rawConn.(*tls.Conn); ok {
		if t := session.server.Timeout; t > 0 {
			_ = tlsConn.SetDeadline(time.Now().Add(t))
		}
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			session.server.Logger.Debug("TLS handshake failed",
				slog.String("peer", session.peer.Addr.String()), slog.Any("error", err))
			return
		}
		_ = tlsConn.SetDeadline(time.Time{})
		session.markTLS(tlsConn)
	}

	session.reply(220, session.server.Hostname+" ESMTP Blackhole")

	for {
		line, tooLong, err := session.readLine()
		if err != nil {
			session.handleReadError(err)
			return
		}

		if tooLong {
			session.error(ErrLineTooLong)
			continue
		}

		if !session.handle(ctx, line) {
			return
		}
	}
}

// readLine reads one CRLF-terminated command line, accepting a bare LF
// leniently. tooLong is set when the line exceeded the 512-byte command
// limit; the remainder of the line has then been consumed.
func (session *session) readLine() (line string, tooLong bool, err error) {
	var buf []byte

	for {
		slice, err := session.reader.ReadSlice('\n')
		buf = append(buf, slice...)

		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", false, err
	}

	if len(buf) > maxLineLength {
		return "", true, nil
	}

	line = strings.TrimRight(string(buf), "\r\n")
	return line, false, nil
}

func (session *session) handleReadError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// the write path shares the expired deadline; lift it so the
		// timeout reply can still be delivered
		_ = session.rawConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		session.error(ErrTimeout)
	}
	// client disconnects and other read errors: clean up only, no reply
}

func (session *session) handle(ctx context.Context, line string) bool {
	cmd := parseLine(line)

	ctx, span := tracer.Start(ctx, "session.handle"+cmd.action)
	defer span.End()

	switch cmd.action {
	case "HELO":
		session.handleHELO(cmd)
	case "EHLO":
		session.handleEHLO(cmd)
	case "STARTTLS":
		session.handleSTARTTLS(cmd)
	case "MAIL":
		session.handleMAIL(cmd)
	case "RCPT":
		session.handleRCPT(cmd)
	case "DATA":
		return session.handleDATA(ctx)
	case "RSET":
		session.handleRSET(cmd)
	case "NOOP":
		session.reply(250, "OK")
	case "VRFY":
		session.reply(252, "Cannot VRFY user, but will accept message and attempt delivery")
	case "EXPN":
		session.error(ErrExpnNotImplemented)
	case "HELP":
		session.reply(214, "See https://tools.ietf.org/html/rfc5321")
	case "QUIT":
		session.reply(221, session.server.Hostname+" closing connection")
		return false
	default:
		session.error(ErrUnknownCommand)
	}

	return true
}

func (session *session) handleHELO(cmd command) {
	if len(cmd.fields) < 2 {
		session.error(ErrMissingParam)
		return
	}

	if session.peer.HeloName != "" {
		// Reset envelope in case of duplicate HELO
		session.reset()
	}

	session.peer.HeloName = cmd.fields[1]
	session.peer.Protocol = SMTP
	session.reply(250, session.server.Hostname)
}

func (session *session) handleEHLO(cmd command) {
	if len(cmd.fields) < 2 {
		session.error(ErrMissingParam)
		return
	}

	if session.peer.HeloName != "" {
		// Reset envelope in case of duplicate EHLO
		session.reset()
	}

	session.peer.HeloName = cmd.fields[1]
	session.peer.Protocol = ESMTP

	fmt.Fprintf(session.writer, "250-%s\r\n", session.server.Hostname)

	extensions := session.extensions()

	if len(extensions) > 1 {
		for _, ext := range extensions[:len(extensions)-1] {
			fmt.Fprintf(session.writer, "250-%s\r\n", ext)
		}
	}

	session.reply(250, extensions[len(extensions)-1])
}

func (session *session) extensions() []string {
	extensions := []string{
		fmt.Sprintf("SIZE %d", session.server.MaxMessageSize),
		"PIPELINING",
	}

	if session.server.EnableSTARTTLS && session.server.TLSConfig != nil && !session.tls {
		extensions = append(extensions, "STARTTLS")
	}

	return extensions
}

func (session *session) handleSTARTTLS(_ command) {
	if session.tls {
		session.error(ErrDuplicateSTARTTLS)
		return
	}

	if !session.server.EnableSTARTTLS || session.server.TLSConfig == nil {
		session.error(ErrTLSNotOffered)
		return
	}

	if session.peer.HeloName == "" {
		session.error(ErrNoHELO)
		return
	}

	tlsConn := tls.Server(session.rawConn, session.server.TLSConfig)
	session.reply(220, "Go ahead")

	if err := tlsConn.Handshake(); err != nil {
		session.server.Logger.Debug("STARTTLS handshake failed",
			slog.String("peer", session.peer.Addr.String()), slog.Any("error", err))
		session.conn.Close()
		return
	}

	// Replace the connection and require a fresh HELO/EHLO
	_ = tlsConn.SetDeadline(time.Time{})

	session.rawConn = tlsConn
	session.conn = &deadlineConn{Conn: tlsConn, timeout: session.server.Timeout}
	session.reader = bufio.NewReader(session.conn)
	session.writer = bufio.NewWriter(session.conn)

	session.reset()
	session.peer.HeloName = ""
	session.markTLS(tlsConn)
}

func (session *session) markTLS(conn *tls.Conn) {
	state := conn.ConnectionState()
	session.peer.TLS = &state
	session.tls = true
}

func (session *session) handleMAIL(cmd command) {
	if len(cmd.params) != 2 || !strings.EqualFold(cmd.params[0], "FROM") {
		session.error(ErrInvalidSyntax)
		return
	}

	if session.peer.HeloName == "" {
		session.error(ErrNoHELO)
		return
	}

	if session.envelope != nil {
		session.error(ErrDuplicateMAIL)
		return
	}

	addr := "" // null sender

	// We must accept a null sender as per rfc5321 section-6.1.
	if cmd.params[1] != "<>" {
		var err error
		addr, err = parseAddress(cmd.params[1])
		if err != nil {
			session.error(ErrMalformedEmail)
			return
		}
	}

	session.envelope = &Envelope{
		Sender: addr,
	}

	session.reply(250, "OK")
}

func (session *session) handleRCPT(cmd command) {
	if len(cmd.params) != 2 || !strings.EqualFold(cmd.params[0], "TO") {
		session.error(ErrInvalidSyntax)
		return
	}

	if session.envelope == nil {
		session.error(ErrNoMAIL)
		return
	}

	if len(session.envelope.Recipients) >= session.server.MaxRecipients {
		session.error(ErrTooManyRecipients)
		return
	}

	addr, err := parseAddress(cmd.params[1])
	if err != nil {
		session.error(ErrMalformedEmail)
		return
	}

	session.envelope.Recipients = append(session.envelope.Recipients, addr)

	session.reply(250, "OK")
}

func (session *session) handleRSET(_ command) {
	session.reset()
	session.reply(250, "OK")
}

// handleDATA runs the body phase: 354, dot-transparent accumulation,
// oversize drain, the per-message delay, and the final policy verdict.
// Returns false when the session must end.
func (session *session) handleDATA(ctx context.Context) bool {
	if session.envelope == nil {
		session.error(ErrNoMAIL)
		return true
	}

	if len(session.envelope.Recipients) == 0 {
		session.error(ErrNoRCPT)
		return true
	}

	session.reply(354, "End data with <CR><LF>.<CR><LF>")

	data := &bytes.Buffer{}
	reader := textproto.NewReader(session.reader).DotReader()

	// read one byte past the limit so a body of exactly MaxMessageSize
	// bytes still passes
	_, err := io.CopyN(data, reader, int64(session.server.MaxMessageSize)+1)

	switch {
	case errors.Is(err, io.EOF):
		// end-of-data before the limit
	case err != nil:
		// network error or timeout
		session.handleReadError(err)
		return false
	default:
		// over the limit: consume until end-of-data, then refuse
		if _, err := io.Copy(io.Discard, reader); err != nil {
			session.handleReadError(err)
			return false
		}

		session.error(fmt.Errorf("%w (max %d bytes)", ErrTooBig, session.server.MaxMessageSize))
		session.reset()
		return true
	}

	session.envelope.Data = data.Bytes()

	// re-read to get the MIME header (if any)
	header, _ := textproto.NewReader(bufio.NewReader(bytes.NewReader(session.envelope.Data))).ReadMIMEHeader()
	session.envelope.Header = header

	ok := session.respond(ctx)
	session.reset()
	return ok
}

// respond applies the dynamic switch, waits out the effective delay and
// writes the final reply. The idle timer does not run here: deadlines are
// armed per read, and no read happens until the reply is on the wire.
func (session *session) respond(parent context.Context) bool {
	srv := session.server

	mode := srv.Mode
	var delayOverride *policy.Delay

	if srv.DynamicSwitch {
		overrides := policy.ScanHeaders(session.envelope.Header,
			60, int(srv.Timeout/time.Second))
		if overrides.Mode != nil {
			mode = *overrides.Mode
		}
		delayOverride = overrides.Delay
	}

	// accept trace context propagated through message headers
	ctx := otel.GetTextMapPropagator().Extract(parent,
		traceutil.MIMEHeaderCarrier(session.envelope.Header))
	ctx, span := tracer.Start(ctx, "session.respond",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithLinks(trace.LinkFromContext(parent)),
		trace.WithAttributes(
			traceutil.Sender(session.envelope.Sender),
			traceutil.Recipients(session.envelope.Recipients),
			traceutil.DataSize(int64(len(session.envelope.Data))),
			traceutil.Mode(mode.String()),
		),
	)
	defer span.End()

	delay := policy.EffectiveDelay(mode, srv.Delay, delayOverride)
	if d := delay.Duration(session.rng); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-parent.Done():
			// worker shutdown interrupts the sleep; the client gets no
			// final reply
			timer.Stop()
			return false
		}
	}

	// a per-message offline override hangs up without a reply
	if mode.Offline() {
		return false
	}

	verdict := policy.Decide(mode, session.rng)
	span.SetAttributes(traceutil.StatusCode(verdict.Code))

	session.reply(verdict.Code, verdict.Text)

	if srv.OnMessage != nil {
		srv.OnMessage(ctx, session.peer, verdict, session.envelope)
	}

	return true
}

// reset clears the envelope; the session keeps its HELO and drops back to
// the post-greeting state.
func (session *session) reset() {
	session.envelope = nil
}

func (session *session) reply(code int, message string) {
	fmt.Fprintf(session.writer, "%d %s\r\n", code, message)
	session.flush()
}

func (session *session) error(err error) {
	var smtpError *textproto.Error
	if !errors.As(err, &smtpError) {
		smtpError = &textproto.Error{Code: 554, Msg: err.Error()}
	}

	session.reply(smtpError.Code, smtpError.Msg)
}

func (session *session) flush() {
	session.writer.Flush()
}

func (session *session) close() {
	session.writer.Flush()
	session.conn.Close()
}

func parseAddress(src string) (string, error) {
	if len(src) < 2 || src[0] != '<' || src[len(src)-1] != '>' {
		return "", fmt.Errorf("malformed email address: %s", src)
	}

	// not validating the address beyond the brackets: a sink swallows
	// whatever a load generator throws at it
	return src[1 : len(src)-1], nil
}
