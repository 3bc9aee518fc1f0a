package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns supplied by each row
	ConflictKeys []string // conflict target columns
	// ConflictWhere is the predicate of a partial unique index used as the
	// conflict target, e.g. "is_deleted = false". Empty for a full index.
	ConflictWhere string
	UpdateCols    []string // columns set from EXCLUDED; nil = all non-key columns
	// SetExprs are extra raw assignments applied on update, e.g.
	// "updated_at = now()".
	SetExprs []string
}

// BulkUpsert writes rows through a temp table:
// rows are COPYed into a transaction-scoped temp table, then moved with one
// INSERT ... SELECT ... ON CONFLICT ... DO UPDATE. Rows sharing a conflict key
// collapse to the last one, since Postgres rejects touching a row twice in
// one statement.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	rows, err := dedupeLast(cfg.Columns, cfg.ConflictKeys, rows)
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := "_tmp_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_")
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, upsertSQL(cfg, tempTable))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func upsertSQL(cfg UpsertConfig, tempTable string) string {
	updateCols := cfg.UpdateCols
	if updateCols == nil {
		keys := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			keys[k] = true
		}
		for _, c := range cfg.Columns {
			if !keys[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	set := make([]string, 0, len(updateCols)+len(cfg.SetExprs))
	for _, col := range updateCols {
		q := pgx.Identifier{col}.Sanitize()
		set = append(set, q+" = EXCLUDED."+q)
	}
	set = append(set, cfg.SetExprs...)

	target := "(" + quoteAndJoin(cfg.ConflictKeys) + ")"
	if cfg.ConflictWhere != "" {
		target += " WHERE " + cfg.ConflictWhere
	}

	cols := quoteAndJoin(cfg.Columns)
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT %s DO UPDATE SET %s",
		sanitizeTable(cfg.Table), cols, cols,
		pgx.Identifier{tempTable}.Sanitize(),
		target,
		strings.Join(set, ", "),
	)
}

// dedupeLast keeps the last row for every conflict key, preserving the
// order of first appearance.
func dedupeLast(columns, keys []string, rows [][]any) ([][]any, error) {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := indexOf(columns, k)
		if i < 0 {
			return nil, eris.Errorf("db: upsert: conflict key %q is not a column", k)
		}
		idx = append(idx, i)
	}

	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		if len(row) != len(columns) {
			return nil, eris.Errorf("db: upsert: row has %d values for %d columns", len(row), len(columns))
		}
		var b strings.Builder
		for _, i := range idx {
			fmt.Fprintf(&b, "%v\x00", row[i])
		}
		key := b.String()
		if p, ok := pos[key]; ok {
			out[p] = row
			continue
		}
		pos[key] = len(out)
		out = append(out, row)
	}
	return out, nil
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

// sanitizeTable quotes a possibly schema-qualified table name.
func sanitizeTable(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
