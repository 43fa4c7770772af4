package document

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caf-audit/cafsync/internal/db"
	"github.com/caf-audit/cafsync/internal/domain"
	"github.com/caf-audit/cafsync/internal/mapping"
)

// ErrNotFound indicates the entity has no primary row in the snapshot or it
// fails the activity predicate. Callers skip, they do not treat this as an
// error condition.
var ErrNotFound = errors.New("entity not found or out of scope in snapshot")

const dateOnlyLayout = "2006-01-02"

// Querier is the read surface the builder needs from the relational source.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Builder assembles one canonical nested document per entity key from the
// entity's relational rows in a single snapshot.
type Builder struct {
	pool    Querier
	mapping *mapping.Mapping
}

// NewBuilder creates a document builder over the relational source.
func NewBuilder(pool Querier, m *mapping.Mapping) *Builder {
	return &Builder{pool: pool, mapping: m}
}

// Build joins the entity's primary table with its lookup and child tables in
// the given snapshot and assembles the document. Returns ErrNotFound when the
// primary row is absent or inactive.
func (b *Builder) Build(ctx context.Context, cfg domain.EntityConfig, logicalID, snapshot string) (domain.Document, error) {
	if len(b.mapping.FieldsForTable(cfg.Table)) == 0 && len(cfg.Lookups) == 0 {
		return nil, fmt.Errorf("no mapped columns for table %s", cfg.Table)
	}

	query, slots, args := buildPrimaryQuery(cfg, b.mapping, snapshot, logicalID)

	row, err := b.fetchOne(ctx, query, slots, args)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %s from %s: %w", cfg.Table, logicalID, snapshot, err)
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s %s in %s", ErrNotFound, cfg.Name, logicalID, snapshot)
	}

	doc := assemblePrimary(cfg, b.mapping, logicalID, row)

	for _, child := range cfg.Children {
		childDocs, err := b.buildChildren(ctx, cfg, child, snapshot, logicalID)
		if err != nil {
			return nil, err
		}
		doc[child.DocumentField] = childDocs
	}

	return doc, nil
}

func (b *Builder) buildChildren(ctx context.Context, cfg domain.EntityConfig, child domain.ChildRelation, snapshot, logicalID string) ([]any, error) {
	if len(b.mapping.FieldsForTable(child.Table)) == 0 && len(child.Lookups) == 0 {
		return nil, fmt.Errorf("no mapped columns for child table %s", child.Table)
	}

	query, slots, args := buildChildQuery(child, b.mapping, snapshot, logicalID)

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch children %s for %s: %w", child.Table, logicalID, err)
	}
	defer rows.Close()

	children := []any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to decode child row from %s: %w", child.Table, err)
		}
		children = append(children, assembleChild(cfg, child, b.mapping, zipRow(slots, values)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read children from %s: %w", child.Table, err)
	}

	return children, nil
}

func (b *Builder) fetchOne(ctx context.Context, query string, slots []string, args []any) (map[string]any, error) {
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	return zipRow(slots, values), nil
}

// Slot name prefixes used to address row values during assembly.
const (
	slotColumn     = "c:"
	slotLookupFK   = "lkfk:"
	slotLookupDesc = "lkdesc:"
)

// buildPrimaryQuery selects the mapped columns of the primary table plus, per
// lookup, the foreign key and the joined description. It filters by the
// primary key and, when configured, the activity predicate.
func buildPrimaryQuery(cfg domain.EntityConfig, m *mapping.Mapping, snapshot, logicalID string) (string, []string, []any) {
	var selects []string
	var slots []string

	for _, column := range m.FieldsForTable(cfg.Table) {
		selects = append(selects, "t."+db.QuoteIdent(column))
		slots = append(slots, slotColumn+column)
	}

	var joins []string
	for i, lookup := range cfg.Lookups {
		alias := fmt.Sprintf("l%d", i)
		selects = append(selects, "t."+db.QuoteIdent(lookup.ForeignKey))
		slots = append(slots, fmt.Sprintf("%s%d", slotLookupFK, i))
		selects = append(selects, alias+"."+db.QuoteIdent(lookup.DescriptionColumn))
		slots = append(slots, fmt.Sprintf("%s%d", slotLookupDesc, i))
		joins = append(joins, fmt.Sprintf("LEFT JOIN %s.%s %s ON t.%s = %s.%s",
			db.QuoteIdent(snapshot), db.QuoteIdent(lookup.Table), alias,
			db.QuoteIdent(lookup.ForeignKey), alias, db.QuoteIdent(lookup.KeyColumn)))
	}

	var builder strings.Builder
	builder.WriteString("SELECT " + strings.Join(selects, ", "))
	builder.WriteString(fmt.Sprintf("\nFROM %s.%s t", db.QuoteIdent(snapshot), db.QuoteIdent(cfg.Table)))
	for _, join := range joins {
		builder.WriteString("\n" + join)
	}
	builder.WriteString(fmt.Sprintf("\nWHERE t.%s::text = $1", db.QuoteIdent(cfg.PrimaryKey)))

	args := []any{logicalID}
	if cfg.Activity != nil {
		args = append(args, cfg.Activity.Value)
		builder.WriteString(fmt.Sprintf("\n\tAND t.%s = $2", db.QuoteIdent(cfg.Activity.Column)))
	}

	return builder.String(), slots, args
}

func buildChildQuery(child domain.ChildRelation, m *mapping.Mapping, snapshot, logicalID string) (string, []string, []any) {
	var selects []string
	var slots []string

	for _, column := range m.FieldsForTable(child.Table) {
		selects = append(selects, "t."+db.QuoteIdent(column))
		slots = append(slots, slotColumn+column)
	}

	var joins []string
	for i, lookup := range child.Lookups {
		alias := fmt.Sprintf("l%d", i)
		selects = append(selects, "t."+db.QuoteIdent(lookup.ForeignKey))
		slots = append(slots, fmt.Sprintf("%s%d", slotLookupFK, i))
		selects = append(selects, alias+"."+db.QuoteIdent(lookup.DescriptionColumn))
		slots = append(slots, fmt.Sprintf("%s%d", slotLookupDesc, i))
		joins = append(joins, fmt.Sprintf("LEFT JOIN %s.%s %s ON t.%s = %s.%s",
			db.QuoteIdent(snapshot), db.QuoteIdent(lookup.Table), alias,
			db.QuoteIdent(lookup.ForeignKey), alias, db.QuoteIdent(lookup.KeyColumn)))
	}

	var builder strings.Builder
	builder.WriteString("SELECT " + strings.Join(selects, ", "))
	builder.WriteString(fmt.Sprintf("\nFROM %s.%s t", db.QuoteIdent(snapshot), db.QuoteIdent(child.Table)))
	for _, join := range joins {
		builder.WriteString("\n" + join)
	}
	builder.WriteString(fmt.Sprintf("\nWHERE t.%s::text = $1", db.QuoteIdent(child.ForeignKey)))
	if child.PrimaryKey != "" {
		builder.WriteString(fmt.Sprintf("\nORDER BY t.%s", db.QuoteIdent(child.PrimaryKey)))
	}

	return builder.String(), slots, []any{logicalID}
}

// assemblePrimary turns one joined primary row into the nested document
// shape: flat mapped fields, {id, descricao} lookup sub-objects, the logical
// id field. Null relational values become explicit nulls, never absent keys.
func assemblePrimary(cfg domain.EntityConfig, m *mapping.Mapping, logicalID string, row map[string]any) domain.Document {
	doc := domain.Document{}
	doc[cfg.LogicalIDField] = logicalID

	for _, column := range m.FieldsForTable(cfg.Table) {
		field, ok := m.DocumentFieldFor(column)
		if !ok || field == cfg.LogicalIDField {
			continue
		}
		setPath(doc, field, convertValue(cfg.IsDateOnly(column), row[slotColumn+column]))
	}

	applyLookups(doc, cfg.Lookups, row)
	return doc
}

// assembleChild builds one sub-document of a one-to-many relation, following
// the same expansion rules as the primary document. Mapped fields for the
// child table are addressed relative to the relation's document field.
func assembleChild(cfg domain.EntityConfig, child domain.ChildRelation, m *mapping.Mapping, row map[string]any) map[string]any {
	sub := domain.Document{}

	for _, column := range m.FieldsForTable(child.Table) {
		field, ok := m.DocumentFieldFor(column)
		if !ok {
			continue
		}
		field = strings.TrimPrefix(field, child.DocumentField+".")
		setPath(sub, field, convertValue(cfg.IsDateOnly(column), row[slotColumn+column]))
	}

	applyLookups(sub, child.Lookups, row)
	return map[string]any(sub)
}

// applyLookups expands each foreign key into an {id, descricao} sub-object.
// A missing description falls back to the configured default, keeping the
// contract non-breaking for downstream consumers; a missing foreign key maps
// to an explicit null.
func applyLookups(doc domain.Document, lookups []domain.LookupRelation, row map[string]any) {
	for i, lookup := range lookups {
		fk := convertValue(false, row[fmt.Sprintf("%s%d", slotLookupFK, i)])
		if fk == nil {
			doc[lookup.DocumentField] = nil
			continue
		}

		description := lookup.DefaultDescription
		if value := row[fmt.Sprintf("%s%d", slotLookupDesc, i)]; value != nil {
			if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
				description = text
			}
		}

		doc[lookup.DocumentField] = map[string]any{
			"id":        fk,
			"descricao": description,
		}
	}
}

// convertValue maps relational values to document values. Timestamps stay
// instants unless the column is configured date-only, in which case they
// serialize as plain date strings; the equivalence checker relies on the two
// staying distinguishable.
func convertValue(dateOnly bool, value any) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case time.Time:
		if dateOnly {
			return typed.Format(dateOnlyLayout)
		}
		return typed
	case [16]byte:
		return uuid.UUID(typed).String()
	default:
		return value
	}
}

// setPath writes value at a dotted document field path, creating intermediate
// objects as needed.
func setPath(doc domain.Document, path string, value any) {
	segments := strings.Split(path, ".")
	current := map[string]any(doc)
	for i, segment := range segments {
		if i == len(segments)-1 {
			current[segment] = value
			return
		}
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
}

// zipRow pairs select-list slots with their scanned values.
func zipRow(slots []string, values []any) map[string]any {
	row := make(map[string]any, len(slots))
	for i, slot := range slots {
		if i < len(values) {
			row[slot] = values[i]
		}
	}
	return row
}
