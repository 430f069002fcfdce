package engine

import (
	"go.uber.org/zap"

	"github.com/rachitkumar205/patchmesh/internal/hlc"
)

// peerStats tracks what this node has seen from one remote peer: the
// highest contiguous sequence id, and an open gap if a higher sequence
// id has arrived before the ones that should have preceded it.
type peerStats struct {
	lastSeenSeq int64
	lastSeenAt  hlc.Value

	// highestSeq is the highest sequence id ever observed from this
	// peer, independent of contiguity — last_seq_id in the spec's
	// MissingPatchRequest, as opposed to lastSeenSeq's contiguous
	// watermark.
	highestSeq int64

	// gapFrom/gapTo describe an open [gapFrom, gapTo] range of missing
	// sequence ids; gapTo == 0 means no open gap.
	gapFrom int64
	gapTo   int64
}

func (p *peerStats) isConsistent() bool {
	return p.gapTo == 0
}

// AddRemotePeer registers a peer this node should expect patches from,
// with no prior history. Calling it for a peer that's already known is
// a no-op — it never resets an existing gap or sequence watermark.
func (e *Engine) AddRemotePeer(id int64) {
	if _, ok := e.peers[id]; ok {
		return
	}
	e.peers[id] = &peerStats{}
	e.logger.Info("added remote peer", zap.Int64("peer_id", id))
}

// updatePeerStats folds one received patch's (seq, at) into the
// sender's bookkeeping: advances the contiguous watermark, or opens
// (or extends) a gap if seq arrived ahead of what was expected.
func (e *Engine) updatePeerStats(peer int64, seq int64, at hlc.Value) {
	p, ok := e.peers[peer]
	if !ok {
		p = &peerStats{}
		e.peers[peer] = p
	}

	if seq > p.highestSeq {
		p.highestSeq = seq
	}

	switch {
	case seq == p.lastSeenSeq+1:
		p.lastSeenSeq = seq
		if at > p.lastSeenAt {
			p.lastSeenAt = at
		}
		// advancing past an open gap's lower edge narrows it; once
		// the watermark reaches gapTo the gap is fully closed.
		if p.gapTo != 0 {
			if p.lastSeenSeq >= p.gapTo {
				p.gapFrom, p.gapTo = 0, 0
			} else {
				p.gapFrom = p.lastSeenSeq + 1
			}
			if e.metrics != nil {
				e.metrics.RetransmissionsReceived.Inc()
			}
		}
	case seq > p.lastSeenSeq+1:
		if p.gapTo == 0 {
			p.gapFrom = p.lastSeenSeq + 1
			p.gapTo = seq - 1
			if e.metrics != nil {
				e.metrics.GapsDetected.WithLabelValues(peerLabel(peer)).Inc()
			}
			e.logger.Warn("gap detected in peer patch stream",
				zap.Int64("peer_id", peer), zap.Int64("gap_from", p.gapFrom), zap.Int64("gap_to", p.gapTo))
		} else if seq-1 > p.gapTo {
			p.gapTo = seq - 1
		}
		if at > p.lastSeenAt {
			p.lastSeenAt = at
		}
	default:
		// seq <= lastSeenSeq: an id the contiguous watermark already
		// covers (an open gap always starts above it), so there is
		// nothing to update.
	}

	if e.metrics != nil {
		e.metrics.PeerLastSeq.WithLabelValues(peerLabel(peer)).Set(float64(p.lastSeenSeq))
		consistent := 0.0
		if p.isConsistent() {
			consistent = 1.0
		}
		e.metrics.PeerConsistent.WithLabelValues(peerLabel(peer)).Set(consistent)
	}
}
