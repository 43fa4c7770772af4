package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/caf-audit/cafsync/internal/domain"
	"github.com/caf-audit/cafsync/internal/repository"
)

// ErrVersionNotFound indicates the requested version does not exist in the
// chain.
var ErrVersionNotFound = errors.New("version not found")

// Service answers read-only questions about persisted version chains.
type Service struct {
	repo repository.VersionRepository
}

func NewService(repo repository.VersionRepository) *Service {
	return &Service{repo: repo}
}

// ListVersions returns a page of the chain for one logical id, oldest first.
func (s *Service) ListVersions(ctx context.Context, entityType, logicalID string, limit, offset int) ([]domain.VersionedDocument, error) {
	chain, err := s.repo.ListVersions(ctx, entityType, logicalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions for %s %s: %w", entityType, logicalID, err)
	}
	if offset >= len(chain) {
		return []domain.VersionedDocument{}, nil
	}
	chain = chain[offset:]
	if limit > 0 && limit < len(chain) {
		chain = chain[:limit]
	}
	return chain, nil
}

// Latest returns the newest version for one logical id.
func (s *Service) Latest(ctx context.Context, entityType, logicalID string) (domain.VersionedDocument, error) {
	latest, err := s.repo.FindLatest(ctx, entityType, logicalID)
	if err != nil {
		if errors.Is(err, repository.ErrNoVersions) {
			return domain.VersionedDocument{}, ErrVersionNotFound
		}
		return domain.VersionedDocument{}, fmt.Errorf("failed to load latest version for %s %s: %w", entityType, logicalID, err)
	}
	return latest, nil
}

// Count returns how many versions are persisted for one entity type.
func (s *Service) Count(ctx context.Context, entityType string) (int64, error) {
	count, err := s.repo.CountByEntityType(ctx, entityType)
	if err != nil {
		return 0, fmt.Errorf("failed to count versions for %s: %w", entityType, err)
	}
	return count, nil
}

// FieldDiff is one document field whose stable value differs between two
// adjacent versions.
type FieldDiff struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Diff compares version and its predecessor, reporting the stable fields
// that changed. Volatile fields are stripped before comparison so audit
// timestamps never show up as differences.
func (s *Service) Diff(ctx context.Context, entityType, logicalID string, version int64) ([]FieldDiff, error) {
	if version < 2 {
		return nil, fmt.Errorf("version %d has no predecessor", version)
	}

	chain, err := s.repo.ListVersions(ctx, entityType, logicalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions for %s %s: %w", entityType, logicalID, err)
	}

	var current, previous *domain.VersionedDocument
	for i := range chain {
		switch chain[i].Version {
		case version:
			current = &chain[i]
		case version - 1:
			previous = &chain[i]
		}
	}
	if current == nil || previous == nil {
		return nil, ErrVersionNotFound
	}

	oldDoc, ok := domain.StripVolatile(previous.Document).(map[string]any)
	if !ok {
		oldDoc = map[string]any{}
	}
	newDoc, ok := domain.StripVolatile(current.Document).(map[string]any)
	if !ok {
		newDoc = map[string]any{}
	}

	diffs := []FieldDiff{}
	collectDiffs("", oldDoc, newDoc, &diffs)
	return diffs, nil
}

func collectDiffs(prefix string, oldDoc, newDoc map[string]any, diffs *[]FieldDiff) {
	seen := map[string]bool{}
	for field := range oldDoc {
		seen[field] = true
	}
	for field := range newDoc {
		seen[field] = true
	}

	for field := range seen {
		path := field
		if prefix != "" {
			path = prefix + "." + field
		}
		oldValue, oldOk := oldDoc[field]
		newValue, newOk := newDoc[field]

		oldMap, oldIsMap := asMap(oldValue)
		newMap, newIsMap := asMap(newValue)
		if oldOk && newOk && oldIsMap && newIsMap {
			collectDiffs(path, oldMap, newMap, diffs)
			continue
		}

		if normalizedEqual(oldValue, newValue) {
			continue
		}
		*diffs = append(*diffs, FieldDiff{Field: path, Old: oldValue, New: newValue})
	}
}

func asMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case domain.Document:
		return typed, true
	case map[string]any:
		return typed, true
	default:
		return nil, false
	}
}

func normalizedEqual(oldValue, newValue any) bool {
	return fmt.Sprintf("%#v", domain.NormalizeValue(oldValue)) == fmt.Sprintf("%#v", domain.NormalizeValue(newValue))
}
