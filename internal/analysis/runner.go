package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/caf-audit/cafsync/internal/document"
	"github.com/caf-audit/cafsync/internal/domain"
	"github.com/caf-audit/cafsync/internal/snapshot"
)

// ChangeDetector shortlists candidate entity changes between two snapshots
// and narrows UPDATE candidates to the mapped columns that actually moved.
type ChangeDetector interface {
	Detect(ctx context.Context, from, to string, cfg domain.EntityConfig, rowLimit int) ([]domain.EntityChange, error)
	ChangedColumns(ctx context.Context, from, to string, cfg domain.EntityConfig, key string) ([]domain.ColumnChange, error)
}

// DocumentBuilder assembles one entity document from one snapshot.
type DocumentBuilder interface {
	Build(ctx context.Context, cfg domain.EntityConfig, logicalID, snapshot string) (domain.Document, error)
}

// VersionWriter offers candidate documents to the version store.
type VersionWriter interface {
	Write(ctx context.Context, entityType, logicalID, sourceSnapshot string, candidate domain.Document) (domain.WriteOutcome, error)
}

// SnapshotSource enumerates the available snapshots in chronological order.
type SnapshotSource interface {
	List(ctx context.Context) ([]string, error)
}

/// Runner drives one full incremental analysis: every adjacent snapshot pair
// crossed with every monitored entity type, detect -> build -> write. One
// entity type failing never aborts the run; partial progress beats an
// all-or-nothing batch.
type Runner struct {
	snapshots SnapshotSource
	detector  ChangeDetector
	builder   DocumentBuilder
	writer    VersionWriter
	entities  []domain.EntityConfig
	rowLimit  int
}

// NewRunner creates a runner. rowLimit > 0 truncates detection per entity
// type and snapshot pair; meant for controlled or staged runs only.
func NewRunner(snapshots SnapshotSource, detector ChangeDetector, builder DocumentBuilder, writer VersionWriter, entities []domain.EntityConfig, rowLimit int) *Runner {
	return &Runner{
		snapshots: snapshots,
		detector:  detector,
		builder:   builder,
		writer:    writer,
		entities:  entities,
		rowLimit:  rowLimit,
	}
}

// Run executes the full pipeline and returns the run report. The report
// carries whatever was accumulated even when the run fails midway.
func (r *Runner) Run(ctx context.Context) (report domain.RunReport, err error) {
	report.StartedAt = time.Now().UTC()
	defer func() { report.FinishedAt = time.Now().UTC() }()

	for _, cfg := range r.entities {
		if err := cfg.Validate(); err != nil {
			return report, fmt.Errorf("configuration error: %w", err)
		}
	}

	labels, err := r.snapshots.List(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to enumerate snapshots: %w", err)
	}
	pairs, err := snapshot.Pairs(labels)
	if err != nil {
		return report, err
	}

	log.Printf("[RUN] %d snapshots, %d pairs, %d entity types, row limit %d",
		len(labels), len(pairs), len(r.entities), r.rowLimit)

	for _, pair := range pairs {
		for _, cfg := range r.entities {
			stats := r.processPair(ctx, pair, cfg)
			report.Record(stats)
		}
	}

	return report, nil
}

func (r *Runner) processPair(ctx context.Context, pair snapshot.Pair, cfg domain.EntityConfig) domain.PairStats {
	stats := domain.PairStats{
		EntityType:   cfg.Name,
		SnapshotFrom: pair.From,
		SnapshotTo:   pair.To,
	}

	changes, err := r.detector.Detect(ctx, pair.From, pair.To, cfg, r.rowLimit)
	if err != nil {
		// Entity-level failure: log, count, move on to the next entity type.
		log.Printf("[RUN] detection failed for %s %s -> %s: %v", cfg.Name, pair.From, pair.To, err)
		stats.Failed++
		return stats
	}

	log.Printf("[RUN] %s %s -> %s: %d candidates", cfg.Name, pair.From, pair.To, len(changes))

	for _, change := range changes {
		if change.Kind == domain.ChangeDelete {
			// Removed rows leave the existing chain untouched.
			stats.Skipped++
			continue
		}

		if change.Kind == domain.ChangeUpdate {
			// Best effort: the refinement narrows the candidate for logging,
			// the equivalence checker still owns the verdict.
			columns, err := r.detector.ChangedColumns(ctx, pair.From, pair.To, cfg, change.PrimaryKey)
			if err != nil {
				log.Printf("[RUN] column refinement failed for %s %s: %v", cfg.Name, change.PrimaryKey, err)
			} else if len(columns) > 0 {
				change.ChangedColumns = columns
				log.Printf("[RUN] %s %s: %d mapped columns changed", cfg.Name, change.PrimaryKey, len(columns))
			}
		}

		candidate, err := r.builder.Build(ctx, cfg, change.PrimaryKey, pair.To)
		if err != nil {
			if errors.Is(err, document.ErrNotFound) {
				stats.Skipped++
				continue
			}
			log.Printf("[RUN] build failed for %s %s: %v", cfg.Name, change.PrimaryKey, err)
			stats.Failed++
			continue
		}

		outcome, err := r.writer.Write(ctx, cfg.Name, change.PrimaryKey, pair.To, candidate)
		if err != nil {
			log.Printf("[RUN] write failed for %s %s: %v", cfg.Name, change.PrimaryKey, err)
			stats.Failed++
			continue
		}
		stats.RecordOutcome(outcome)
	}

	return stats
}

// SchemaSnapshots adapts the snapshot catalog query to the SnapshotSource
// interface.
type SchemaSnapshots struct {
	Pool   snapshot.Querier
	Prefix string
}

// List enumerates snapshot schemas by prefix.
func (s SchemaSnapshots) List(ctx context.Context) ([]string, error) {
	return snapshot.ListSnapshots(ctx, s.Pool, s.Prefix)
}
