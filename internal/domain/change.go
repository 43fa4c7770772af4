package domain

import "time"

// ChangeKind classifies how an entity row differs between two snapshots.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// EntityChange is one detected candidate change for a single entity key.
// It drives document construction and is never persisted directly.
type EntityChange struct {
	EntityType     string
	PrimaryKey     string
	Kind           ChangeKind
	SnapshotFrom   string
	SnapshotTo     string
	ChangedColumns []ColumnChange
	DetectedAt     time.Time
}

// ColumnChange records one mapped source column whose value differs between
// the two snapshots, with the document field it feeds.
type ColumnChange struct {
	Column        string
	DocumentField string
	OldValue      *string
	NewValue      *string
}
