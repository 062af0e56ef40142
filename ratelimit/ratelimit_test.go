package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowRejectsExactlyTheCrossingMessage(t *testing.T) {
	w := NewWindow(3, time.Minute)
	now := time.Now()

	assert.True(t, w.Allow(now))
	assert.True(t, w.Allow(now))
	assert.True(t, w.Allow(now))
	assert.False(t, w.Allow(now))
	assert.False(t, w.Allow(now.Add(time.Second)))
}

func TestWindowResetsOnBoundary(t *testing.T) {
	w := NewWindow(1, time.Minute)
	now := time.Now()

	assert.True(t, w.Allow(now))
	assert.False(t, w.Allow(now.Add(30*time.Second)))
	assert.True(t, w.Allow(now.Add(time.Minute)))
	assert.False(t, w.Allow(now.Add(time.Minute+time.Second)))
}

func TestWindowZeroCeilingIsUnlimited(t *testing.T) {
	w := NewWindow(0, time.Minute)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		assert.True(t, w.Allow(now))
	}
}

func TestPerIPBurstThenThrottle(t *testing.T) {
	p := NewPerIP(time.Hour, 2)

	assert.True(t, p.Allow("10.0.0.1"))
	assert.True(t, p.Allow("10.0.0.1"))
	assert.False(t, p.Allow("10.0.0.1"))

	// a different address gets its own bucket
	assert.True(t, p.Allow("10.0.0.2"))
}
