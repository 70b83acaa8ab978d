package policy

import (
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func headers(kv ...string) textproto.MIMEHeader {
	h := textproto.MIMEHeader{}
	for i := 0; i < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func TestScanHeadersMode(t *testing.T) {
	t.Parallel()

	o := ScanHeaders(headers("X-Blackhole-Mode", "bounce"), 60, 0)
	require.NotNil(t, o.Mode)
	assert.Equal(t, ModeBounce, *o.Mode)
	assert.Nil(t, o.Delay)

	// header names are case-insensitive through MIMEHeader
	o = ScanHeaders(headers("x-blackhole-mode", "Random"), 60, 0)
	require.NotNil(t, o.Mode)
	assert.Equal(t, ModeRandom, *o.Mode)

	// unknown values are inert
	o = ScanHeaders(headers("X-Blackhole-Mode", "detonate"), 60, 0)
	assert.Nil(t, o.Mode)
}

func TestScanHeadersDelay(t *testing.T) {
	t.Parallel()

	o := ScanHeaders(headers("X-Blackhole-Delay", "5"), 60, 0)
	require.NotNil(t, o.Delay)
	assert.Equal(t, Delay{Lo: 5, Hi: 5}, *o.Delay)

	o = ScanHeaders(headers("X-Blackhole-Delay", "5-15"), 60, 0)
	require.NotNil(t, o.Delay)
	assert.Equal(t, Delay{Lo: 5, Hi: 15}, *o.Delay)

	// malformed values are ignored
	for _, bad := range []string{"soon", "-3", "15-5", ""} {
		o = ScanHeaders(headers("X-Blackhole-Delay", bad), 60, 0)
		assert.Nil(t, o.Delay, "delay %q should be ignored", bad)
	}

	// values above the cap are ignored
	o = ScanHeaders(headers("X-Blackhole-Delay", "61"), 60, 0)
	assert.Nil(t, o.Delay)

	// delays must stay below a nonzero idle timeout
	o = ScanHeaders(headers("X-Blackhole-Delay", "30"), 60, 30)
	assert.Nil(t, o.Delay)
	o = ScanHeaders(headers("X-Blackhole-Delay", "29"), 60, 30)
	assert.NotNil(t, o.Delay)
}

func TestScanHeadersBoth(t *testing.T) {
	t.Parallel()

	o := ScanHeaders(headers(
		"Subject", "hello",
		"X-Blackhole-Mode", "bounce_delay",
		"X-Blackhole-Delay", "2-4",
	), 60, 0)

	require.NotNil(t, o.Mode)
	require.NotNil(t, o.Delay)
	assert.Equal(t, ModeBounceDelay, *o.Mode)
	assert.Equal(t, Delay{Lo: 2, Hi: 4}, *o.Delay)
}

func TestScanHeadersNeverPanics(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		mode := rapid.String().Draw(t, "mode")
		delay := rapid.String().Draw(t, "delay")

		o := ScanHeaders(headers(
			"X-Blackhole-Mode", mode,
			"X-Blackhole-Delay", delay,
		), 60, 60)

		if o.Delay != nil && (o.Delay.Hi > 60 || o.Delay.Lo < 0) {
			t.Fatalf("accepted out-of-bounds delay %v from %q", *o.Delay, delay)
		}
	})
}
