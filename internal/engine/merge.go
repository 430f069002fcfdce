package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rachitkumar205/patchmesh/internal/hlc"
	"github.com/rachitkumar205/patchmesh/internal/schema"
	"github.com/rachitkumar205/patchmesh/internal/sqlstore"
)

// merge folds every patch row with _patchedAt >= lower into the base
// table: INSERT ... SELECT ... ON CONFLICT DO UPDATE SET col =
// coalesce(excluded.col, col), ordered so that later-HLC (and, on a
// tie, higher-peer-id) patches are applied last and therefore win —
// a NULL column in a later patch means "unchanged", never "clear it".
func (e *Engine) merge(ctx context.Context, table string, lower hlc.Value) error {
	start := time.Now()
	t, err := schema.Introspect(ctx, e.db, table)
	if err != nil {
		return err
	}

	cols := t.ColumnNames()
	pk := t.PrimaryKey()
	nonPK := t.NonPrimaryKey()

	quotedTable := sqlstore.QuoteIdent(table)
	quotedPatches := sqlstore.QuoteIdent(patchTableName(table))

	colList := quoteJoin(cols)
	pkList := quoteJoin(pk)

	var conflictClause string
	if len(nonPK) == 0 {
		conflictClause = "DO NOTHING"
	} else {
		sets := make([]string, len(nonPK))
		for i, c := range nonPK {
			q := sqlstore.QuoteIdent(c)
			sets[i] = fmt.Sprintf("%s = coalesce(excluded.%s, %s.%s)", q, q, quotedTable, q)
		}
		conflictClause = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM %s WHERE _patchedAt >= ? ORDER BY _patchedAt ASC, _peerId ASC ON CONFLICT (%s) %s`,
		quotedTable, colList, colList, quotedPatches, pkList, conflictClause,
	)

	if _, err := e.db.ExecContext(ctx, query, int64(lower)); err != nil {
		return fmt.Errorf("engine: merge %q: %w", table, err)
	}

	if e.metrics != nil {
		e.metrics.MergeRuns.Inc()
		e.metrics.MergeLatency.Observe(time.Since(start).Seconds())
	}
	e.logger.Debug("merged patches", zap.String("table", table), zap.String("lower", lower.String()))
	return nil
}

func quoteJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = sqlstore.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}
