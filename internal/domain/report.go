package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// WriteOutcome is the result of offering a candidate document to the version
// store. An ignored write is a correct no-op; a failed write is an error and
// is counted separately, never as ignored.
type WriteOutcome string

const (
	OutcomeInserted  WriteOutcome = "INSERTED"
	OutcomeVersioned WriteOutcome = "VERSIONED"
	OutcomeIgnored   WriteOutcome = "IGNORED"
)

// PairStats accumulates outcomes for one entity type over one snapshot pair.
type PairStats struct {
	EntityType   string
	SnapshotFrom string
	SnapshotTo   string
	Inserted     int
	Versioned    int
	Ignored      int
	Failed       int
	Skipped      int
}

// Processed returns how many candidates reached a write decision.
func (p PairStats) Processed() int {
	return p.Inserted + p.Versioned + p.Ignored
}

// RunReport is the run-level summary across all snapshot pairs and entity
// types.
type RunReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Pairs      []PairStats
}

// Record adds the stats for one (entity type, snapshot pair) combination.
func (r *RunReport) Record(stats PairStats) {
	r.Pairs = append(r.Pairs, stats)
}

// RecordOutcome increments the matching counter on stats.
func (p *PairStats) RecordOutcome(outcome WriteOutcome) {
	switch outcome {
	case OutcomeInserted:
		p.Inserted++
	case OutcomeVersioned:
		p.Versioned++
	case OutcomeIgnored:
		p.Ignored++
	}
}

// Totals sums the counters across every recorded pair.
func (r RunReport) Totals() PairStats {
	var total PairStats
	for _, pair := range r.Pairs {
		total.Inserted += pair.Inserted
		total.Versioned += pair.Versioned
		total.Ignored += pair.Ignored
		total.Failed += pair.Failed
		total.Skipped += pair.Skipped
	}
	return total
}

// Summary renders the report as a plain-text block suitable for logging.
func (r RunReport) Summary() string {
	total := r.Totals()

	var builder strings.Builder
	builder.WriteString(strings.Repeat("=", 50) + "\n")
	builder.WriteString("INCREMENTAL ANALYSIS REPORT\n")
	builder.WriteString(strings.Repeat("=", 50) + "\n")
	builder.WriteString(fmt.Sprintf("Started:  %s\n", r.StartedAt.Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Finished: %s\n", r.FinishedAt.Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Inserted: %d  Versioned: %d  Ignored: %d  Failed: %d  Skipped: %d\n",
		total.Inserted, total.Versioned, total.Ignored, total.Failed, total.Skipped))

	if len(r.Pairs) == 0 {
		return builder.String()
	}

	builder.WriteString("\nPER ENTITY TYPE AND SNAPSHOT PAIR:\n")
	builder.WriteString(strings.Repeat("-", 30) + "\n")

	pairs := make([]PairStats, len(r.Pairs))
	copy(pairs, r.Pairs)
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].EntityType != pairs[j].EntityType {
			return pairs[i].EntityType < pairs[j].EntityType
		}
		return pairs[i].SnapshotTo < pairs[j].SnapshotTo
	})

	for _, pair := range pairs {
		builder.WriteString(fmt.Sprintf("  %s %s -> %s: inserted=%d versioned=%d ignored=%d failed=%d skipped=%d\n",
			pair.EntityType, pair.SnapshotFrom, pair.SnapshotTo,
			pair.Inserted, pair.Versioned, pair.Ignored, pair.Failed, pair.Skipped))
	}

	return builder.String()
}
