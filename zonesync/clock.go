// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesync

import (
	"sync"
	"time"
)

// Clock produces the logical timestamps used as per-field causal clocks.
// Values must be monotonically increasing within a process.
type Clock interface {
	Now() int64
}

// LogicalClock is a hybrid clock: wall time in milliseconds, bumped past
// the last issued value so concurrent calls and clock regressions still
// produce strictly increasing timestamps.
type LogicalClock struct {
	mu   sync.Mutex
	last int64
}

// NewLogicalClock returns a clock starting at the current wall time.
func NewLogicalClock() *LogicalClock {
	return &LogicalClock{}
}

func (c *LogicalClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Observe advances the clock past a timestamp observed from another
// device, preserving the happened-before relation for subsequent local
// writes.
func (c *LogicalClock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}
