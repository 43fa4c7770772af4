package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier is the read surface the snapshot package needs from the relational
// source. *pgxpool.Pool satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ErrNotEnoughSnapshots indicates the source holds fewer than two snapshot
// schemas, so there is nothing to compare.
var ErrNotEnoughSnapshots = errors.New("at least two snapshots are required for comparison")

// Pair is one chronologically adjacent snapshot comparison.
type Pair struct {
	From string
	To   string
}

// ListSnapshots enumerates the snapshot schemas whose name starts with
// prefix, ordered by name. Snapshot labels are dated, so lexical order is
// chronological order.
func ListSnapshots(ctx context.Context, q Querier, prefix string) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT schemaname
		FROM pg_tables
		WHERE schemaname LIKE $1 || '%'
		GROUP BY schemaname
		ORDER BY schemaname
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot schemas: %w", err)
	}
	defer rows.Close()

	var snapshots []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot schema: %w", err)
		}
		snapshots = append(snapshots, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot schemas: %w", err)
	}

	return snapshots, nil
}

// Pairs returns the adjacent chronological pairs over the given snapshots.
func Pairs(snapshots []string) ([]Pair, error) {
	if len(snapshots) < 2 {
		return nil, fmt.Errorf("%w: found %d", ErrNotEnoughSnapshots, len(snapshots))
	}

	pairs := make([]Pair, 0, len(snapshots)-1)
	for i := 0; i < len(snapshots)-1; i++ {
		pairs = append(pairs, Pair{From: snapshots[i], To: snapshots[i+1]})
	}
	return pairs, nil
}
