// Package message defines the logical shapes exchanged between peers.
// The core only defines these shapes, never their framing — shipping
// them over a socket, an HTTP body, or anything else is the
// transport's job, explicitly out of scope here.
package message

import (
	"github.com/rachitkumar205/patchmesh/internal/hlc"
	"github.com/rachitkumar205/patchmesh/internal/sqlstore"
)

// Kind discriminates the three message shapes on the wire.
type Kind int

const (
	KindPatch               Kind = 10
	KindPing                Kind = 20
	KindMissingPatchRequest Kind = 30
)

// Message is implemented by every message shape; Kind lets a receiver
// dispatch without a type switch if it prefers.
type Message interface {
	Kind() Kind
}

// Patch is one logical write to one row, the authoritative unit of
// replication.
type Patch struct {
	At            hlc.Value
	Peer          int64
	Seq           int64
	SchemaVersion int
	Table         string
	Delta         map[string]sqlstore.Value
}

func (Patch) Kind() Kind { return KindPatch }

// Ping lets a remote detect that it is missing patches from us: it
// carries our own last_patch_at/last_sequence_id so the remote can
// compare against what it has received.
type Ping struct {
	Peer    int64
	LastAt  hlc.Value
	LastSeq int64
}

func (Ping) Kind() Kind { return KindPing }

// MissingPatchRequest asks a peer to resend a contiguous range of its
// own patches that we never received.
type MissingPatchRequest struct {
	Peer    int64 // target: whose patches are missing
	MinSeq  int64
	MaxSeq  int64
	ForPeer int64 // requester: who is asking
}

func (MissingPatchRequest) Kind() Kind { return KindMissingPatchRequest }
