// util/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Taken from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).
// Updated to use time.Ticker, and repurposed from bounding upload/download
// transfer rate to bounding the scanner's local disk read rate (the spec's
// transport is an external script per spec.md §6, not an in-process
// io.Reader, so the one throughput knob left inside this module is how fast
// the scanner reads the tree it's backing up).

package util

import (
	"io"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// RateLimiter doles out a byte budget at a fixed rate and wraps io.Readers
// so that their aggregate throughput does not exceed it.
type RateLimiter struct {
	mu             sync.Mutex
	cond           *sync.Cond
	availableBytes int
	bytesPerSecond int
	ticker         *time.Ticker
}

// NewRateLimiter returns a limiter that releases bytesPerSecond bytes of
// budget per second, or nil if bytesPerSecond <= 0 (unlimited).
func NewRateLimiter(bytesPerSecond int) *RateLimiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	rl := &RateLimiter{bytesPerSecond: bytesPerSecond}
	rl.cond = sync.NewCond(&rl.mu)
	rl.ticker = time.NewTicker(125 * time.Millisecond)

	go func() {
		for range rl.ticker.C {
			rl.mu.Lock()
			// Release 1/8th of the per-second limit every 8th of a
			// second. The 94/100 factor in the amount released adds some
			// slop to account for filesystem/syscall overhead in an
			// effort to have the actual rate used not exceed the limit.
			rl.availableBytes += bytesPerSecond * 94 / 100 / 8
			if rl.availableBytes > bytesPerSecond {
				// Never queue up more than one second's worth.
				rl.availableBytes = bytesPerSecond
			}
			rl.cond.Broadcast()
			rl.mu.Unlock()
		}
	}()

	return rl
}

// Stop releases the background ticker goroutine.
func (rl *RateLimiter) Stop() {
	if rl == nil {
		return
	}
	rl.ticker.Stop()
}

// Reader wraps r so that reads through it are limited by rl. If rl is nil,
// r is returned unwrapped.
func (rl *RateLimiter) Reader(r io.Reader) io.Reader {
	if rl == nil {
		return r
	}
	return &rateLimitedReader{R: r, rl: rl}
}

type rateLimitedReader struct {
	R  io.Reader
	rl *RateLimiter
}

func (lr *rateLimitedReader) Read(dst []byte) (int, error) {
	rl := lr.rl
	rl.mu.Lock()
	for rl.availableBytes <= 0 {
		// Wait for the ticker goroutine to dole out more budget; it
		// broadcasts every time it adds bytes.
		rl.cond.Wait()
	}

	n := len(dst)
	if n > rl.availableBytes {
		n = rl.availableBytes
	}
	rl.availableBytes -= n
	rl.mu.Unlock()

	read, err := lr.R.Read(dst[:n])
	if read < n {
		// Give back budget we reserved but didn't use.
		rl.mu.Lock()
		rl.availableBytes += n - read
		rl.mu.Unlock()
	}

	return read, err
}
