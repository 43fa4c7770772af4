package snapshot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caf-audit/cafsync/internal/db"
	"github.com/caf-audit/cafsync/internal/domain"
	"github.com/caf-audit/cafsync/internal/mapping"
)

// Detector finds entity keys whose rows differ between two snapshot schemas.
// Detection is a cheap shortlist: it compares only the audit timestamp and
// row presence, leaving the precise structural verdict to the equivalence
// checker downstream.
type Detector struct {
	pool    Querier
	mapping *mapping.Mapping
}

// NewDetector creates a detector over the relational source. The mapping
// scopes column-level refinement to mapped source columns.
func NewDetector(pool Querier, m *mapping.Mapping) *Detector {
	return &Detector{pool: pool, mapping: m}
}

// Detect runs a full outer join of the entity table between the two schemas
// on the primary key, restricted to rows passing the activity predicate in
// the target snapshot (or absent from it), and keeps keys that are present on
// only one side or whose audit timestamp differs. Results are ordered by
// primary key. A rowLimit > 0 truncates the result; partial, not wrong, and
// meant for controlled or staged runs only.
//
// A table missing from either schema yields an empty result with a warning,
// since new and retired schemas are expected.
func (d *Detector) Detect(ctx context.Context, from, to string, cfg domain.EntityConfig, rowLimit int) ([]domain.EntityChange, error) {
	for _, schema := range []string{from, to} {
		exists, err := d.tableExists(ctx, schema, cfg.Table)
		if err != nil {
			return nil, err
		}
		if !exists {
			log.Printf("[DETECT] table %s not found in snapshot %s, skipping", cfg.Table, schema)
			return nil, nil
		}
	}

	query, args := buildDetectQuery(from, to, cfg, rowLimit)

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to detect changes for %s between %s and %s: %w", cfg.Table, from, to, err)
	}
	defer rows.Close()

	detectedAt := time.Now().UTC()
	var changes []domain.EntityChange
	for rows.Next() {
		var key, kind string
		if err := rows.Scan(&key, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		changes = append(changes, domain.EntityChange{
			EntityType:   cfg.Name,
			PrimaryKey:   key,
			Kind:         domain.ChangeKind(kind),
			SnapshotFrom: from,
			SnapshotTo:   to,
			DetectedAt:   detectedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read change rows: %w", err)
	}

	return changes, nil
}

// ChangedColumns narrows an UPDATE candidate to the mapped source columns
// whose value actually differs between the two snapshots. Audit columns and
// columns feeding volatile document fields are skipped. An empty result still
// leaves the candidate in play: timestamp-only drift is resolved by the
// equivalence checker, not here.
func (d *Detector) ChangedColumns(ctx context.Context, from, to string, cfg domain.EntityConfig, key string) ([]domain.ColumnChange, error) {
	if d.mapping == nil {
		return nil, nil
	}
	columns := d.mapping.FieldsForTable(cfg.Table)
	if len(columns) == 0 {
		return nil, nil
	}

	oldValues, err := d.fetchRowValues(ctx, from, cfg, columns, key)
	if err != nil {
		return nil, err
	}
	newValues, err := d.fetchRowValues(ctx, to, cfg, columns, key)
	if err != nil {
		return nil, err
	}
	if oldValues == nil || newValues == nil {
		// Insert or delete: there is no column-level delta to report.
		return nil, nil
	}

	var changed []domain.ColumnChange
	for _, column := range columns {
		if column == cfg.AuditColumn {
			continue
		}
		documentField, mapped := d.mapping.DocumentFieldFor(column)
		if !mapped || domain.IsVolatileField(lastPathSegment(documentField)) {
			continue
		}

		oldText := valueText(oldValues[column])
		newText := valueText(newValues[column])
		if equalText(oldText, newText) {
			continue
		}
		changed = append(changed, domain.ColumnChange{
			Column:        column,
			DocumentField: documentField,
			OldValue:      oldText,
			NewValue:      newText,
		})
	}

	return changed, nil
}

func (d *Detector) tableExists(ctx context.Context, schema, table string) (bool, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT COUNT(*)
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_name = $2
	`, schema, table)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var count int
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return false, fmt.Errorf("failed to scan table check: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to read table check: %w", err)
	}
	return count > 0, nil
}

// fetchRowValues returns the mapped column values for one key in one schema,
// or nil when the row is absent.
func (d *Detector) fetchRowValues(ctx context.Context, schema string, cfg domain.EntityConfig, columns []string, key string) (map[string]any, error) {
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = db.QuoteIdent(column)
	}

	query := fmt.Sprintf(
		`SELECT %s FROM %s.%s WHERE %s::text = $1`,
		strings.Join(quoted, ", "),
		db.QuoteIdent(schema), db.QuoteIdent(cfg.Table),
		db.QuoteIdent(cfg.PrimaryKey),
	)

	rows, err := d.pool.Query(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s row %s from %s: %w", cfg.Table, key, schema, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read %s row: %w", cfg.Table, err)
		}
		return nil, nil
	}

	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s row values: %w", cfg.Table, err)
	}

	byColumn := make(map[string]any, len(columns))
	for i, column := range columns {
		if i < len(values) {
			byColumn[column] = values[i]
		}
	}
	return byColumn, nil
}

// buildDetectQuery assembles the full outer join shortlist query. Schema and
// table names come from configuration, not user input, and are still quoted.
func buildDetectQuery(from, to string, cfg domain.EntityConfig, rowLimit int) (string, []any) {
	pk := db.QuoteIdent(cfg.PrimaryKey)
	audit := db.QuoteIdent(cfg.AuditColumn)

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf(`SELECT
	COALESCE(t1.%s, t2.%s)::text AS id,
	CASE
		WHEN t1.%s IS NULL THEN 'INSERT'
		WHEN t2.%s IS NULL THEN 'DELETE'
		ELSE 'UPDATE'
	END AS change_kind
FROM %s.%s t1
FULL OUTER JOIN %s.%s t2
	ON t1.%s = t2.%s
WHERE `,
		pk, pk, pk, pk,
		db.QuoteIdent(from), db.QuoteIdent(cfg.Table),
		db.QuoteIdent(to), db.QuoteIdent(cfg.Table),
		pk, pk,
	))

	var args []any
	if cfg.Activity != nil {
		args = append(args, cfg.Activity.Value)
		builder.WriteString(fmt.Sprintf("(t2.%s = $1 OR t2.%s IS NULL)\n\tAND ",
			db.QuoteIdent(cfg.Activity.Column), db.QuoteIdent(cfg.Activity.Column)))
	}

	builder.WriteString(fmt.Sprintf(`(
		t1.%s IS NULL OR
		t2.%s IS NULL OR
		t1.%s IS DISTINCT FROM t2.%s
	)
ORDER BY COALESCE(t1.%s, t2.%s)`,
		pk, pk, audit, audit, pk, pk,
	))

	if rowLimit > 0 {
		builder.WriteString(fmt.Sprintf("\nLIMIT %d", rowLimit))
	}

	return builder.String(), args
}

func lastPathSegment(documentField string) string {
	if idx := strings.LastIndex(documentField, "."); idx >= 0 {
		return documentField[idx+1:]
	}
	return documentField
}

func valueText(value any) *string {
	if value == nil {
		return nil
	}
	text := fmt.Sprintf("%v", domain.NormalizeValue(value))
	return &text
}

func equalText(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
