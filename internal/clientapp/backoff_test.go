package clientapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/duskrelay/duskrelay/internal/config"
)

func TestCalculateBackoffGrowsAndCaps(t *testing.T) {
	policy := config.ReconnectPolicy{
		InitialDelay:   100 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       1 * time.Second,
		JitterFraction: 0,
	}

	d0 := calculateBackoff(0, policy)
	assert.Equal(t, 100*time.Millisecond, d0)

	d1 := calculateBackoff(1, policy)
	assert.Equal(t, 200*time.Millisecond, d1)

	d5 := calculateBackoff(5, policy)
	assert.Equal(t, 1*time.Second, d5, "must cap at MaxDelay")
}

func TestCalculateBackoffJitterStaysNonNegative(t *testing.T) {
	policy := config.ReconnectPolicy{
		InitialDelay:   10 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       time.Second,
		JitterFraction: 0.9,
	}
	for i := 0; i < 50; i++ {
		d := calculateBackoff(i%4, policy)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}
