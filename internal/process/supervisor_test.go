package process

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRespawnDelayGrows(t *testing.T) {
	t.Parallel()

	backoffs := map[int]*backoff.ExponentialBackOff{}

	first := nextRespawnDelay(backoffs, 0)
	require.Contains(t, backoffs, 0)

	// make the sequence deterministic for the growth check
	backoffs[0].RandomizationFactor = 0

	prev := nextRespawnDelay(backoffs, 0)
	for range 5 {
		next := nextRespawnDelay(backoffs, 0)
		assert.GreaterOrEqual(t, next, prev, "backoff must not shrink between crashes")
		prev = next
	}

	assert.Positive(t, first)
	assert.LessOrEqual(t, prev, 30*time.Second+time.Nanosecond)
}

func TestNextRespawnDelayPerSlot(t *testing.T) {
	t.Parallel()

	backoffs := map[int]*backoff.ExponentialBackOff{}

	// burn through a few failures on slot 0
	for range 4 {
		nextRespawnDelay(backoffs, 0)
	}
	backoffs[1] = backoff.NewExponentialBackOff()
	backoffs[1].InitialInterval = 500 * time.Millisecond
	backoffs[1].RandomizationFactor = 0
	backoffs[0].RandomizationFactor = 0

	// slot 1 starts fresh, unaffected by slot 0's crash history
	assert.Less(t, nextRespawnDelay(backoffs, 1), nextRespawnDelay(backoffs, 0))
}
