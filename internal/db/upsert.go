package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a batched upsert statement.
type UpsertConfig struct {
	Table        string   // target table (e.g., "price_snapshots")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	// UpdateCols scopes which columns are rewritten on conflict. nil means
	// all non-conflict columns. The derived-metrics layer relies on this to
	// leave the aggregation job's columns untouched.
	UpdateCols []string
	// IgnoreDuplicates switches the conflict action to DO NOTHING. Used by
	// the price-history layer where existing points are immutable facts.
	IgnoreDuplicates bool
}

// BuildUpsertSQL renders a multi-row INSERT ... ON CONFLICT statement for
// n rows and returns the SQL. Arguments are expected flattened row-major.
func BuildUpsertSQL(cfg UpsertConfig, n int) (string, error) {
	if n <= 0 {
		return "", eris.New("db: upsert: no rows")
	}
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ",
		sanitizeTable(cfg.Table), quoteAndJoin(cfg.Columns))

	arg := 1
	for row := 0; row < n; row++ {
		if row > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for col := range cfg.Columns {
			if col > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", arg)
			arg++
		}
		sb.WriteByte(')')
	}

	fmt.Fprintf(&sb, " ON CONFLICT (%s) ", quoteAndJoin(cfg.ConflictKeys))

	if cfg.IgnoreDuplicates {
		sb.WriteString("DO NOTHING")
		return sb.String(), nil
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}
	if len(updateCols) == 0 {
		sb.WriteString("DO NOTHING")
		return sb.String(), nil
	}

	setClauses := make([]string, len(updateCols))
	for i, col := range updateCols {
		q := pgx.Identifier{col}.Sanitize()
		setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
	}
	sb.WriteString("DO UPDATE SET ")
	sb.WriteString(strings.Join(setClauses, ", "))

	return sb.String(), nil
}

// FlattenRows converts row-structured args into the flat argument list
// BuildUpsertSQL expects.
func FlattenRows(rows [][]any) []any {
	if len(rows) == 0 {
		return nil
	}
	flat := make([]any, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		flat = append(flat, r...)
	}
	return flat
}

// Chunk splits rows into batches of at most size, preserving order. The
// writer layers use this to keep statement payloads bounded.
func Chunk[T any](rows []T, size int) [][]T {
	if size <= 0 || len(rows) == 0 {
		if len(rows) == 0 {
			return nil
		}
		return [][]T{rows}
	}
	chunks := make([][]T, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

// sanitizeTable handles schema-qualified table names like "public.cards".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
