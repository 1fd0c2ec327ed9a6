package main

/******************************************************************************
 *
 *  Description :
 *
 *    Per-device request rate limiting
 *
 *****************************************************************************/

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vertex-im/vertex/server/store/types"
)

// RateLimiter hands out one token bucket per device. Buckets refill over a
// one-minute window up to the configured burst. The whole map is rebuilt
// periodically so devices that disconnected long ago do not pin memory
// forever; in-flight acquisitions keep using the old map until the swap.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[types.DeviceId]*rate.Limiter
	burst    int
	stop     chan bool
}

// How often the limiter map is thrown away and rebuilt.
const ratelimitRebuildInterval = time.Hour

// NewRateLimiter creates a limiter allowing burstPerMin requests per device
// per minute and starts its rebuild loop.
func NewRateLimiter(burstPerMin int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[types.DeviceId]*rate.Limiter),
		burst:    burstPerMin,
		stop:     make(chan bool, 1),
	}
	go rl.rebuildLoop()
	return rl
}

// Allow consumes one token for the device. Returns false when the device is
// over its rate.
func (rl *RateLimiter) Allow(device types.DeviceId) bool {
	rl.mu.RLock()
	lim := rl.limiters[device]
	rl.mu.RUnlock()

	if lim == nil {
		rl.mu.Lock()
		// Recheck: another request may have created it meanwhile.
		lim = rl.limiters[device]
		if lim == nil {
			lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.burst)), rl.burst)
			rl.limiters[device] = lim
		}
		rl.mu.Unlock()
	}

	return lim.Allow()
}

func (rl *RateLimiter) rebuildLoop() {
	ticker := time.NewTicker(ratelimitRebuildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			rl.limiters = make(map[types.DeviceId]*rate.Limiter)
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Stop terminates the rebuild loop.
func (rl *RateLimiter) Stop() {
	select {
	case rl.stop <- true:
	default:
	}
}
