package repository

import (
	"context"
	"errors"

	"github.com/caf-audit/cafsync/internal/domain"
)

// ErrNoVersions indicates no version has ever been persisted for the logical
// id. Callers treat it as the ABSENT state, not as a failure.
var ErrNoVersions = errors.New("no persisted versions for logical id")

// VersionRepository defines the document-store operations the engine needs.
// It is append-only on purpose: no update-in-place, no delete.
type VersionRepository interface {
	// FindLatest returns the document holding the maximum version for the
	// logical id, or ErrNoVersions.
	FindLatest(ctx context.Context, entityType, logicalID string) (domain.VersionedDocument, error)
	// Insert appends one version. The unique (entity_type, logical_id,
	// version) constraint rejects forked chains.
	Insert(ctx context.Context, doc domain.VersionedDocument) (domain.VersionedDocument, error)
	// ListVersions returns the full chain for a logical id, version ascending.
	ListVersions(ctx context.Context, entityType, logicalID string) ([]domain.VersionedDocument, error)
	// CountByEntityType counts persisted versions for one entity type.
	CountByEntityType(ctx context.Context, entityType string) (int64, error)
}
