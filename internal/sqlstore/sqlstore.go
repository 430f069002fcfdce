// Package sqlstore opens the embedded SQL engine the replication
// engine is built on and provides the small pieces every component
// needs: a value sum-type that carries true NULLs through
// coalesce(excluded.c, c) merges, and identifier quoting that never
// string-interpolates user data into a statement.
package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Open returns a connection pool for the embedded database at path.
// An empty path opens a private in-memory database, the mode the
// engine's own tests run against.
func Open(path string) (*sql.DB, error) {
	inMemory := path == ""
	dsn := path
	if inMemory {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %q: %w", path, err)
	}
	if inMemory {
		// in-memory sqlite is one connection's worth of state; a pool
		// would silently hand out a second, empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("sqlstore: enable WAL: %w", err)
	}
	return db, nil
}

// Kind discriminates the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBlob
)

// Value is a column value with a true NULL variant, the "better
// design" the source's all-strings encoding is missing: the
// coalesce(excluded.c, c) merge in the CRDT merge step only works if
// absent columns are really NULL, not the text "NULL".
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Text  string
	Blob  []byte
}

// Null is the absent-column sentinel: "leave unchanged" in a patch.
var Null = Value{Kind: KindNull}

func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func TextValue(v string) Value   { return Value{Kind: KindText, Text: v} }
func BlobValue(v []byte) Value   { return Value{Kind: KindBlob, Blob: v} }

// FromAny converts a plain Go value (as a caller would naturally pass
// to Upsert) into a Value. nil maps to Null.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null
	case Value:
		return t
	case int:
		return IntValue(int64(t))
	case int32:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case float32:
		return FloatValue(float64(t))
	case float64:
		return FloatValue(t)
	case string:
		return TextValue(t)
	case []byte:
		return BlobValue(t)
	case bool:
		if t {
			return IntValue(1)
		}
		return IntValue(0)
	default:
		return TextValue(fmt.Sprintf("%v", t))
	}
}

// Driver returns the database/sql/driver-native representation: nil,
// int64, float64, string, or []byte. Passing this to Exec/Query binds
// a real NULL for KindNull, never a string.
func (v Value) Driver() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindText:
		return v.Text
	case KindBlob:
		return v.Blob
	default:
		return nil
	}
}

// QuoteIdent double-quotes a SQL identifier, doubling any embedded
// quote character. This is the escape_sql pattern the design notes
// call a last resort; callers are expected to additionally vet the
// identifier against sqlite_master (see internal/schema) before using
// it to build DDL or DML, since quoting alone does not stop a bogus
// table name from referencing something that doesn't exist.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
