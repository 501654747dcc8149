// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"math/rand/v2"
	"time"
)

// Jitter returns base adjusted by a random amount in [-fraction, +fraction].
//
// Example: Jitter(time.Minute, 0.1) returns 54s-66s
func Jitter(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return base
	}
	fraction = min(fraction, 1)
	spread := float64(base) * fraction
	return base + time.Duration((rand.Float64()*2-1)*spread)
}

// JitterUp returns base increased by a random amount up to fraction.
func JitterUp(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return base
	}
	return base + time.Duration(rand.Float64()*float64(base)*fraction)
}

// LinearBackoff returns delay * (attempt+1), capped at max when max > 0.
func LinearBackoff(delay time.Duration, attempt int, max time.Duration) time.Duration {
	d := delay * time.Duration(attempt+1)
	if max > 0 && d > max {
		return max
	}
	return d
}

// JitteredTicker sends on the returned channel at independently jittered
// intervals until stop is called. Ticks are dropped if the receiver lags.
func JitteredTicker(base time.Duration, fraction float64) (<-chan time.Time, func()) {
	ch := make(chan time.Time, 1)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		for {
			timer := time.NewTimer(Jitter(base, fraction))
			select {
			case t := <-timer.C:
				select {
				case ch <- t:
				default:
				}
			case <-done:
				timer.Stop()
				return
			}
		}
	}()

	return ch, func() { close(done) }
}
