package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayLadder(t *testing.T) {
	blip := 2 * time.Second

	d := retryDelay(0, blip)
	assert.Equal(t, time.Second, d)

	d = retryDelay(d, blip)
	assert.Equal(t, 2*time.Second, d)
	d = retryDelay(d, blip)
	assert.Equal(t, 4*time.Second, d)

	// Capped at 30s no matter how long the outage runs.
	d = retryDelay(30*time.Second, blip)
	assert.Equal(t, 30*time.Second, d)

	// A session that held for a while resets the ladder.
	d = retryDelay(30*time.Second, 5*time.Minute)
	assert.Equal(t, time.Second, d)
}
