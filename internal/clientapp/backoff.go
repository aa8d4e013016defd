package clientapp

import (
	"math/rand"
	"time"

	"github.com/duskrelay/duskrelay/internal/config"
)

// calculateBackoff returns the delay before reconnect attempt N, applying
// the configured multiplier and capping at MaxDelay, then shifting the
// result by a random offset of up to ±JitterFraction so many clients reconnecting at
// once do not all retry in lockstep.
func calculateBackoff(attempt int, policy config.ReconnectPolicy) time.Duration {
	if attempt <= 0 {
		return withJitter(policy.InitialDelay, policy.JitterFraction)
	}

	delay := float64(policy.InitialDelay)
	mult := policy.Multiplier
	if mult <= 1 {
		mult = 2
	}
	for i := 0; i < attempt; i++ {
		delay *= mult
		if time.Duration(delay) >= policy.MaxDelay {
			delay = float64(policy.MaxDelay)
			break
		}
	}
	return withJitter(time.Duration(delay), policy.JitterFraction)
}

func withJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * spread
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}
