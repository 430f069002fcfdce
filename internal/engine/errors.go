package engine

import (
	"errors"

	"github.com/rachitkumar205/patchmesh/internal/schema"
)

var (
	// ErrNotMigrated is returned by Upsert/ReceivePatch/Heartbeat when
	// Migrate has not yet been run on this process.
	ErrNotMigrated = errors.New("engine: Migrate has not run")

	// ErrMissingPrimaryKey is returned when a write omits one of the
	// base table's primary-key columns.
	ErrMissingPrimaryKey = errors.New("engine: row is missing a primary key column")

	// ErrUnknownTable is the same sentinel schema.Introspect wraps into
	// its own error, re-exported here so callers can errors.Is against
	// the engine package without reaching into internal/schema.
	ErrUnknownTable = schema.ErrUnknownTable

	// ErrOwnPatch is returned if ReceivePatch is handed a patch this
	// node authored; it should never be sent back to its author.
	ErrOwnPatch = errors.New("engine: refusing to receive own patch")
)
