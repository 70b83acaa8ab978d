package policy

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testRNG() *rand.Rand {
	return rand.New(rand.NewChaCha8([32]byte{1, 2, 3}))
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		"accept", "bounce", "random",
		"accept_delay", "bounce_delay", "random_delay", "offline",
	} {
		m, err := ParseMode(name)
		require.NoError(t, err)
		assert.Equal(t, name, m.String())
	}

	// case-insensitive
	m, err := ParseMode("BOUNCE")
	require.NoError(t, err)
	assert.Equal(t, ModeBounce, m)

	_, err = ParseMode("explode")
	require.Error(t, err)
}

func TestModeVariants(t *testing.T) {
	t.Parallel()

	assert.True(t, ModeOffline.Offline())
	assert.False(t, ModeAccept.Offline())

	assert.True(t, ModeBounceDelay.Delayed())
	assert.False(t, ModeBounce.Delayed())

	assert.Equal(t, ModeBounce, ModeBounceDelay.base())
	assert.Equal(t, ModeAccept, ModeAccept.base())
}

func TestParseDelay(t *testing.T) {
	t.Parallel()

	d, err := ParseDelay("5")
	require.NoError(t, err)
	assert.Equal(t, Delay{Lo: 5, Hi: 5}, d)

	d, err = ParseDelay("5,10")
	require.NoError(t, err)
	assert.Equal(t, Delay{Lo: 5, Hi: 10}, d)

	d, err = ParseDelay("5-10")
	require.NoError(t, err)
	assert.Equal(t, Delay{Lo: 5, Hi: 10}, d)

	for _, bad := range []string{"", "x", "-1", "10-5", "10,5", "1.5"} {
		_, err := ParseDelay(bad)
		require.Error(t, err, "delay %q should not parse", bad)
	}
}

func TestDelayDuration(t *testing.T) {
	t.Parallel()

	rng := testRNG()

	assert.Zero(t, Delay{}.Duration(rng))
	assert.Equal(t, 7*time.Second, Delay{Lo: 7, Hi: 7}.Duration(rng))

	rapid.Check(t, func(t *rapid.T) {
		lo := rapid.IntRange(0, 59).Draw(t, "lo")
		hi := rapid.IntRange(lo, 60).Draw(t, "hi")

		got := Delay{Lo: lo, Hi: hi}.Duration(rng)
		if got < time.Duration(lo)*time.Second || got > time.Duration(hi)*time.Second {
			t.Fatalf("draw %v outside [%d,%d]s", got, lo, hi)
		}
	})
}

func TestDecideAccept(t *testing.T) {
	t.Parallel()

	rng := testRNG()

	for range 100 {
		v := Decide(ModeAccept, rng)
		assert.Equal(t, 250, v.Code)
		assert.True(t, v.Accepted())
		assert.Regexp(t, "^OK: queued as [0-9a-f]{32}$", v.Text)
	}
}

func TestDecideBounceCoversAllCodes(t *testing.T) {
	t.Parallel()

	rng := testRNG()
	seen := map[int]int{}

	for range 10000 {
		v := Decide(ModeBounce, rng)
		assert.True(t, IsBounceCode(v.Code), "code %d not in bounce set", v.Code)
		assert.NotEmpty(t, v.Text)
		seen[v.Code]++
	}

	for _, code := range BounceCodes() {
		assert.Positive(t, seen[code], "code %d never drawn", code)
	}
}

func TestDecideRandomResolves(t *testing.T) {
	t.Parallel()

	rng := testRNG()
	accepted, bounced := 0, 0

	for range 10000 {
		if Decide(ModeRandom, rng).Accepted() {
			accepted++
		} else {
			bounced++
		}
	}

	// equal probability, generous tolerance
	assert.InDelta(t, 5000, accepted, 500)
	assert.InDelta(t, 5000, bounced, 500)
}

func TestEffectiveDelay(t *testing.T) {
	t.Parallel()

	configured := Delay{Lo: 5, Hi: 5}
	override := Delay{Lo: 2, Hi: 3}

	// override beats configured
	assert.Equal(t, override, EffectiveDelay(ModeAccept, configured, &override))

	// configured beats nothing
	assert.Equal(t, configured, EffectiveDelay(ModeAccept, configured, nil))

	// plain modes without any delay stay undelayed
	assert.True(t, EffectiveDelay(ModeAccept, Delay{}, nil).IsZero())

	// *_delay modes force a drawn delay
	forced := EffectiveDelay(ModeBounceDelay, Delay{}, nil)
	assert.False(t, forced.IsZero())
}
