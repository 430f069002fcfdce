// Package engine is the replication core: C6-C10. It owns the only
// mutable state the system has — the local sequence counter, the HLC,
// and the per-peer bookkeeping map — and touches them from a single
// goroutine. There is no mutex anywhere in this package: callers that
// need concurrent access are expected to serialize their own calls
// into the engine, the structural-exclusion model the design notes
// describe instead of locking.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/rachitkumar205/patchmesh/internal/hlc"
	"github.com/rachitkumar205/patchmesh/internal/message"
	"github.com/rachitkumar205/patchmesh/internal/metrics"
	"github.com/rachitkumar205/patchmesh/internal/migrate"
	"github.com/rachitkumar205/patchmesh/internal/peerid"
)

// Engine is the replication core bound to one embedded database and
// one peer identity.
type Engine struct {
	db      *sql.DB
	peerID  int64
	clock   *hlc.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     Config

	migrated       bool
	lastSequenceID int64
	lastPatchAt    hlc.Value

	peers map[int64]*peerStats

	outbound chan message.Message

	// lastGCAtMS/lastGapAtMS are unix-millisecond readings from
	// clock.Now, not wall-clock time.Time, so a test that overrides
	// Clock().SetNow moves every maintenance-loop decision together.
	lastGCAtMS  int64
	lastGapAtMS int64
}

// New returns an Engine bound to db. peerID of 0 generates a fresh
// identity via peerid.Generate. The returned Engine does not accept
// Upsert/ReceivePatch/Heartbeat calls until Migrate has run.
func New(db *sql.DB, peerID int64, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if peerID == 0 {
		peerID = peerid.Generate()
	}
	return &Engine{
		db:      db,
		peerID:  peerID,
		clock:   hlc.NewClock(logger),
		logger:  logger,
		metrics: m,
		cfg:     cfg.WithDefaults(),
		peers:   make(map[int64]*peerStats),
		// outbound is buffered so a slow drain loop never blocks a
		// write; publish drops the message being sent rather than
		// stall on a full channel.
		outbound: make(chan message.Message, 256),
		// -1 until Migrate recovers the real counter.
		lastSequenceID: -1,
	}
}

// PeerID returns this node's identity.
func (e *Engine) PeerID() int64 { return e.peerID }

// Clock exposes the engine's HLC, mainly so tests can inject a fixed
// wall-clock source via Clock().SetNow.
func (e *Engine) Clock() *hlc.Clock { return e.clock }

// Migrate brings the schema to len(migrations) and recovers this
// peer's sequence counter and HLC high watermark from whatever
// *_patches tables already exist. It must run exactly once before any
// other Engine method.
func (e *Engine) Migrate(ctx context.Context, migrations []migrate.Migration) (migrate.Result, error) {
	runner := migrate.NewRunner(e.db, e.logger)
	res, err := runner.Run(ctx, e.peerID, migrations)
	if err != nil {
		return migrate.Result{}, err
	}
	e.lastSequenceID = res.LastSequenceID
	e.lastPatchAt = res.LastPatchAt
	e.clock.Seed(res.LastPatchAt)
	e.migrated = true
	e.logger.Info("engine migrated",
		zap.Int64("peer_id", e.peerID),
		zap.Int("prev_version", res.PrevVersion),
		zap.Int("curr_version", res.CurrVersion),
		zap.Int64("last_sequence_id", res.LastSequenceID),
		zap.String("last_patch_at", res.LastPatchAt.String()))
	return res, nil
}

// Outbound is the channel the engine publishes Patch, Ping, and
// MissingPatchRequest messages to. A caller wires this to whatever
// transport it has; the engine never reads it back.
func (e *Engine) Outbound() <-chan message.Message { return e.outbound }

// publish attempts a non-blocking send, so a stalled transport never
// wedges a write or the maintenance loop. Drops are logged, not
// silent — a Ping is resent on the next heartbeat regardless.
func (e *Engine) publish(msg message.Message) {
	select {
	case e.outbound <- msg:
	default:
		e.logger.Warn("outbound channel full, dropping message", zap.Int("kind", int(msg.Kind())))
	}
}

func (e *Engine) requireMigrated() error {
	if !e.migrated {
		return ErrNotMigrated
	}
	return nil
}

// Status is a point-in-time snapshot for a caller to inspect or log.
type Status struct {
	PeerID         int64
	LastSequenceID int64
	LastPatchAt    hlc.Value
	ClockDrift     int64
	Peers          map[int64]PeerStatus
}

// PeerStatus is the externally visible half of peerStats.
type PeerStatus struct {
	LastSeenSequenceID int64
	LastSeenPatchAt    hlc.Value
	Consistent         bool
	OpenGapFrom        int64
	OpenGapTo          int64
}

// Status returns a snapshot of the engine's bookkeeping, safe to read
// after any call since it's a copy, not a live view.
func (e *Engine) Status() Status {
	s := Status{
		PeerID:         e.peerID,
		LastSequenceID: e.lastSequenceID,
		LastPatchAt:    e.lastPatchAt,
		ClockDrift:     e.clock.Drift(),
		Peers:          make(map[int64]PeerStatus, len(e.peers)),
	}
	for id, p := range e.peers {
		s.Peers[id] = PeerStatus{
			LastSeenSequenceID: p.lastSeenSeq,
			LastSeenPatchAt:    p.lastSeenAt,
			Consistent:         p.isConsistent(),
			OpenGapFrom:        p.gapFrom,
			OpenGapTo:          p.gapTo,
		}
	}
	return s
}

// IsConsistent reports whether this node believes it has every patch
// a given peer has produced up to and including seq.
func (e *Engine) IsConsistent(peer int64, seq int64) bool {
	p, ok := e.peers[peer]
	if !ok {
		// an unknown peer is optimistically assumed consistent: this
		// node has no evidence of it producing anything yet, let alone
		// falling behind.
		return true
	}
	return p.lastSeenSeq >= seq
}

func patchTableName(table string) string {
	return fmt.Sprintf("%s_patches", table)
}

func peerLabel(peer int64) string {
	return strconv.FormatInt(peer, 10)
}
