package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caf-audit/cafsync/internal/domain"
)

// versionRepository implements VersionRepository over the document_versions
// JSONB table.
type versionRepository struct {
	pool *pgxpool.Pool
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(pool *pgxpool.Pool) VersionRepository {
	return &versionRepository{pool: pool}
}

// FindLatest retrieves the maximum version for a logical id.
func (r *versionRepository) FindLatest(ctx context.Context, entityType, logicalID string) (domain.VersionedDocument, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, entity_type, logical_id, version, previous_version,
		       source_snapshot, version_timestamp, document
		FROM document_versions
		WHERE entity_type = $1 AND logical_id = $2
		ORDER BY version DESC
		LIMIT 1
	`, entityType, logicalID)

	doc, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.VersionedDocument{}, ErrNoVersions
		}
		return domain.VersionedDocument{}, fmt.Errorf("failed to find latest version: %w", err)
	}
	return doc, nil
}

// Insert appends one version to the store.
func (r *versionRepository) Insert(ctx context.Context, doc domain.VersionedDocument) (domain.VersionedDocument, error) {
	payload, err := doc.Document.ToJSONB()
	if err != nil {
		return domain.VersionedDocument{}, fmt.Errorf("failed to marshal document: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO document_versions
			(id, entity_type, logical_id, version, previous_version,
			 source_snapshot, version_timestamp, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, doc.ID, doc.EntityType, doc.LogicalID, doc.Version, doc.PreviousVersion,
		doc.SourceSnapshot, doc.VersionTimestamp, payload)
	if err != nil {
		return domain.VersionedDocument{}, fmt.Errorf("failed to insert version %d for %s/%s: %w",
			doc.Version, doc.EntityType, doc.LogicalID, err)
	}

	return doc, nil
}

// ListVersions returns the full version chain ascending.
func (r *versionRepository) ListVersions(ctx context.Context, entityType, logicalID string) ([]domain.VersionedDocument, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity_type, logical_id, version, previous_version,
		       source_snapshot, version_timestamp, document
		FROM document_versions
		WHERE entity_type = $1 AND logical_id = $2
		ORDER BY version ASC
	`, entityType, logicalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []domain.VersionedDocument
	for rows.Next() {
		doc, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read versions: %w", err)
	}

	return versions, nil
}

// CountByEntityType counts persisted versions for an entity type.
func (r *versionRepository) CountByEntityType(ctx context.Context, entityType string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM document_versions WHERE entity_type = $1
	`, entityType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count versions: %w", err)
	}
	return count, nil
}

func scanVersion(row pgx.Row) (domain.VersionedDocument, error) {
	var doc domain.VersionedDocument
	var payload json.RawMessage

	err := row.Scan(&doc.ID, &doc.EntityType, &doc.LogicalID, &doc.Version,
		&doc.PreviousVersion, &doc.SourceSnapshot, &doc.VersionTimestamp, &payload)
	if err != nil {
		return domain.VersionedDocument{}, err
	}

	document, err := domain.FromJSONBDocument(payload)
	if err != nil {
		return domain.VersionedDocument{}, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	doc.Document = document

	return doc, nil
}
