package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_WindowSlides(t *testing.T) {
	current := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return current }

	ok, remaining := rl.Allow("10.0.0.1")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	ok, remaining = rl.Allow("10.0.0.1")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)

	ok, _ = rl.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, current.Add(time.Minute), rl.ResetAt("10.0.0.1"))

	// другой ключ не затронут
	ok, _ = rl.Allow("10.0.0.2")
	assert.True(t, ok)

	current = current.Add(61 * time.Second)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)
}
