package engine

import (
	"os"
	"strconv"
	"time"
)

// Config tunes the maintenance loop and retransmission behavior. Zero
// values are replaced with the defaults below by New.
type Config struct {
	// HeartbeatInterval is how often Heartbeat should be driven by the
	// caller's own timer; the engine does not run its own goroutine.
	HeartbeatInterval time.Duration

	// MaxPatchRetention is how long a patch row survives in a
	// *_patches table, measured from its _patchedAt HLC.
	MaxPatchRetention time.Duration

	// MaxPatchPerRetransmission caps how many rows a single
	// MissingPatchRequest response is expected to carry; the engine
	// only uses this to size the gap it reports, the actual resend is
	// the transport's job.
	MaxPatchPerRetransmission int

	Debug bool
}

const (
	defaultHeartbeatInterval         = 5000 * time.Millisecond
	defaultMaxPatchRetention         = 90_000_000 * time.Millisecond // 25h
	defaultMaxPatchPerRetransmission = 2000
)

// WithDefaults fills in every zero-valued field with its default.
func (c Config) WithDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MaxPatchRetention <= 0 {
		c.MaxPatchRetention = defaultMaxPatchRetention
	}
	if c.MaxPatchPerRetransmission <= 0 {
		c.MaxPatchPerRetransmission = defaultMaxPatchPerRetransmission
	}
	return c
}

// ConfigFromEnv reads the same tunables from the process environment,
// the pattern the source's own config loader uses: plain os.Getenv
// plus strconv, no reflection-based binder.
func ConfigFromEnv() Config {
	var c Config
	if v := os.Getenv("PATCHMESH_HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.HeartbeatInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("PATCHMESH_MAX_PATCH_RETENTION_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxPatchRetention = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("PATCHMESH_MAX_PATCH_PER_RETRANSMISSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxPatchPerRetransmission = n
		}
	}
	if v := os.Getenv("PATCHMESH_DEBUG"); v != "" {
		b, _ := strconv.ParseBool(v)
		c.Debug = b
	}
	return c.WithDefaults()
}
