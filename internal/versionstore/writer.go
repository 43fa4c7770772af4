package versionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/caf-audit/cafsync/internal/domain"
	"github.com/caf-audit/cafsync/internal/repository"
)

// Writer appends candidate documents to an entity's version chain. For each
// logical id it either inserts version 1, appends the next version, or does
// nothing, and reports which of the three happened. A store failure is
// returned as an error, never folded into the IGNORED outcome.
//
// Writes for the same logical id must not run concurrently: the decision is a
// fetch-latest, compare, append sequence and two racing writers could both
// try to append the same version number. The batch runner is sequential, so
// this holds by construction; the store's unique constraint backstops it.
type Writer struct {
	repo repository.VersionRepository
}

// NewWriter creates a version store writer.
func NewWriter(repo repository.VersionRepository) *Writer {
	return &Writer{repo: repo}
}

// Write offers one candidate document for the logical id.
func (w *Writer) Write(ctx context.Context, entityType, logicalID, sourceSnapshot string, candidate domain.Document) (domain.WriteOutcome, error) {
	latest, err := w.repo.FindLatest(ctx, entityType, logicalID)
	if err != nil {
		if errors.Is(err, repository.ErrNoVersions) {
			return w.insertFirst(ctx, entityType, logicalID, sourceSnapshot, candidate)
		}
		return "", fmt.Errorf("failed to load latest version for %s/%s: %w", entityType, logicalID, err)
	}

	if !domain.AreDifferent(latest.Document, candidate) {
		return domain.OutcomeIgnored, nil
	}

	next := domain.NewNextVersion(latest, sourceSnapshot, candidate)
	if _, err := w.repo.Insert(ctx, next); err != nil {
		return "", fmt.Errorf("failed to append version %d for %s/%s: %w", next.Version, entityType, logicalID, err)
	}
	return domain.OutcomeVersioned, nil
}

func (w *Writer) insertFirst(ctx context.Context, entityType, logicalID, sourceSnapshot string, candidate domain.Document) (domain.WriteOutcome, error) {
	first := domain.NewFirstVersion(entityType, logicalID, sourceSnapshot, candidate)
	if _, err := w.repo.Insert(ctx, first); err != nil {
		return "", fmt.Errorf("failed to insert first version for %s/%s: %w", entityType, logicalID, err)
	}
	return domain.OutcomeInserted, nil
}
