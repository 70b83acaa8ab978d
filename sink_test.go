package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackhole-smtp/blackhole/internal/policy"
	"github.com/blackhole-smtp/blackhole/internal/process"
)

func testSinkConfig(t *testing.T) *config {
	t.Helper()

	cfg := &config{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	registerFlags(fs, cfg)
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, cfg.resolve())

	return cfg
}

func TestStartServiceSMTP(t *testing.T) {
	cfg := testSinkConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	spec := process.ListenerSpec{
		Kind:    process.KindSMTP,
		Network: "tcp4",
		Address: ln.Addr().String(),
		Mode:    policy.ModeAccept,
	}

	svc, err := cfg.startService(ctx, spec, ln)
	require.NoError(t, err)

	c, err := smtp.Dial(ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("localhost"))
	require.NoError(t, c.Mail("load@test"))
	require.NoError(t, c.Rcpt("void@sink"))

	wc, err := c.Data()
	require.NoError(t, err)
	fmt.Fprint(wc, "Subject: t\r\n\r\nswallow me\r\n")
	require.NoError(t, wc.Close())
	require.NoError(t, c.Quit())

	svc.Shutdown()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, svc.Wait(waitCtx))
}

func TestStartServiceUsesListenerMode(t *testing.T) {
	cfg := testSinkConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	spec := process.ListenerSpec{
		Kind:    process.KindSMTP,
		Network: "tcp4",
		Address: ln.Addr().String(),
		Mode:    policy.ModeBounce,
	}

	svc, err := cfg.startService(ctx, spec, ln)
	require.NoError(t, err)
	defer svc.Close()

	c, err := smtp.Dial(ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("localhost"))
	require.NoError(t, c.Mail("load@test"))
	require.NoError(t, c.Rcpt("void@sink"))

	wc, err := c.Data()
	require.NoError(t, err)
	fmt.Fprint(wc, "hi\r\n")

	err = wc.Close()
	require.Error(t, err, "bounce listener must refuse the message")

	code := 0
	if _, scanErr := fmt.Sscanf(err.Error(), "%d", &code); scanErr == nil {
		assert.True(t, policy.IsBounceCode(code), "reply code %d not in the bounce set", code)
	}
}

func TestStartServiceMetrics(t *testing.T) {
	cfg := testSinkConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	spec := process.ListenerSpec{
		Kind:    process.KindMetrics,
		Network: "tcp4",
		Address: ln.Addr().String(),
	}

	svc, err := cfg.startService(ctx, spec, ln)
	require.NoError(t, err)
	defer svc.Close()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "go_goroutines"),
		"metrics exposition should include the standard collectors")
}
