// Package hlc implements the hybrid logical clock used to order every
// patch this node produces or absorbs from a peer.
package hlc

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// EpochMS is the fixed epoch (2025-01-01T00:00:00Z) all HLC values
	// are offset from.
	EpochMS int64 = 1_735_689_600_000

	// CounterBits is the width of the logical counter packed into the
	// low bits of a Value.
	CounterBits = 13

	// CounterMask isolates the counter from a packed Value.
	CounterMask int64 = (1 << CounterBits) - 1

	// MaxCounter is the highest representable counter; above this the
	// clock has exhausted its logical space for the current millisecond.
	MaxCounter int64 = CounterMask
)

// Value is a signed 53-bit integer: a 40-bit millisecond offset from
// EpochMS in the high bits, and a 13-bit counter in the low bits. The
// numeric value is the entire wire contract — there is no separate
// marshaled form.
type Value int64

// Encode packs a millisecond timestamp and a counter into a Value.
// unixMS must be >= EpochMS; callers at the public API edge are
// responsible for rejecting earlier values, the shift itself is only
// ever applied to non-negative offsets.
func Encode(unixMS int64, counter int64) Value {
	return Value(((unixMS - EpochMS) << CounterBits) | (counter & CounterMask))
}

// Decode is the inverse of Encode.
func (v Value) Decode() (unixMS int64, counter int64) {
	counter = int64(v) & CounterMask
	unixMS = (int64(v) >> CounterBits) + EpochMS
	return unixMS, counter
}

func (v Value) String() string {
	ts, ctr := v.Decode()
	return fmt.Sprintf("%d.%d", ts, ctr)
}

// Clock is the per-node hybrid logical clock. It is not safe for
// concurrent use — the engine that owns it is the sole caller, per the
// single-threaded, structurally-exclusive concurrency model of the
// replication engine as a whole.
type Clock struct {
	highestRemote Value
	counter       int64
	driftHLC      int64
	warnedOnce    bool

	logger *zap.Logger
	nowMS  func() int64
}

// NewClock returns a zero-valued clock. logger may be nil, in which
// case counter-overflow warnings are dropped.
func NewClock(logger *zap.Logger) *Clock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Clock{
		logger: logger,
		nowMS:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Receive absorbs a remote HLC observation. If remote is newer than
// anything this clock has produced or seen, it becomes the new high
// watermark; the counter resets to zero only when the remote's
// millisecond component strictly exceeds the current one, so a remote
// value that merely carries a higher counter at the same millisecond
// does not reset ours needlessly.
func (c *Clock) Receive(remote Value) {
	if remote <= c.highestRemote {
		return
	}
	remoteMS, _ := remote.Decode()
	highMS, _ := c.highestRemote.Decode()
	if remoteMS > highMS {
		c.counter = 0
	}
	c.highestRemote = remote
}

// Create produces the next local HLC. It never returns a value less
// than or equal to any value previously returned by Create or passed
// to Receive on this clock — the returned value always becomes the
// new high watermark, which is what keeps back-to-back calls within
// the same wall-clock millisecond strictly increasing.
func (c *Clock) Create() Value {
	nowHLC := Encode(c.nowMS(), 0)

	if nowHLC > c.highestRemote {
		c.counter = 0
		c.highestRemote = nowHLC
		return nowHLC
	}

	c.counter++
	if c.counter > MaxCounter {
		if !c.warnedOnce {
			c.logger.Warn("hlc counter overflow, clock is running ahead of wall time",
				zap.Int64("counter", c.counter),
				zap.Int64("max_counter", MaxCounter))
			c.warnedOnce = true
		}
	} else {
		c.warnedOnce = false
	}

	c.driftHLC = int64(c.highestRemote) - int64(nowHLC)
	result := Value(int64(c.highestRemote) + c.counter)
	c.highestRemote = result
	return result
}

// Drift returns the last observed clock_drift_hlc: the gap between
// the highest HLC this node knows about and its own wall clock the
// last time Create ran down the "behind" branch. It starts at zero and
// is updated only on that branch, so it keeps its last value while the
// wall clock is ahead.
func (c *Clock) Drift() int64 {
	return c.driftHLC
}

// HighestRemote returns the current high watermark, exported for
// recovery/introspection (e.g. the migration runner seeding a fresh
// clock from persisted patches).
func (c *Clock) HighestRemote() Value {
	return c.highestRemote
}

// Now returns the raw wall-clock reading Create would use, in unix
// milliseconds. Callers that need "now" for anything HLC-adjacent
// (e.g. a retention cutoff) should go through this rather than
// time.Now() directly, so overriding SetNow in a test moves every
// clock-driven decision together.
func (c *Clock) Now() int64 {
	return c.nowMS()
}

// SetNow overrides the wall-clock source Create reads from. Exported
// for tests that need to advance time deterministically; production
// callers never need it since NewClock already wires real wall time.
func (c *Clock) SetNow(nowMS func() int64) {
	c.nowMS = nowMS
}

// Seed forcibly raises the high watermark, used once at startup to
// resume from the maximum _patchedAt a restarted node has ever
// written or observed.
func (c *Clock) Seed(v Value) {
	if v > c.highestRemote {
		c.highestRemote = v
	}
}
