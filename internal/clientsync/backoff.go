package clientsync

import (
	"context"
	"time"
)

type backoff struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitterRatio float64
}

// delay returns the wait before reconnect attempt n (1-based) given a uniform
// sample in [0, 1].
func (b backoff) delay(attempt int, sample float64) time.Duration {
	maxDelay := b.maxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	delay := b.baseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return JitteredInterval(delay, b.jitterRatio, sample)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by up to jitterRatio in either direction;
// sample is uniform in [0, 1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
