package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Document is one assembled entity state: flat mapped fields plus nested
// lookup sub-objects and child arrays, keyed by document field name.
type Document map[string]any

// ToJSONB serializes the document for storage in a JSONB column.
func (d Document) ToJSONB() (json.RawMessage, error) {
	if d == nil {
		d = Document{}
	}
	return json.Marshal(d)
}

// FromJSONBDocument creates a document from JSONB data.
func FromJSONBDocument(raw json.RawMessage) (Document, error) {
	var doc Document
	err := json.Unmarshal(raw, &doc)
	return doc, err
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	out := make(Document, len(d))
	for key, value := range d {
		out[key] = value
	}
	return out
}

// VersionedDocument is one persisted entry of an entity's version chain.
// Versions for a logical id start at 1 and increase by exactly one; the chain
// is append-only and never mutated in place.
type VersionedDocument struct {
	ID               uuid.UUID
	EntityType       string
	LogicalID        string
	Version          int64
	PreviousVersion  *int64
	SourceSnapshot   string
	VersionTimestamp time.Time
	Document         Document
}

// NewFirstVersion creates version 1 for an entity that has no persisted state yet.
func NewFirstVersion(entityType, logicalID, sourceSnapshot string, doc Document) VersionedDocument {
	return VersionedDocument{
		ID:               uuid.New(),
		EntityType:       entityType,
		LogicalID:        logicalID,
		Version:          1,
		PreviousVersion:  nil,
		SourceSnapshot:   sourceSnapshot,
		VersionTimestamp: time.Now().UTC(),
		Document:         doc.Clone(),
	}
}

// NewNextVersion appends a version after latest, linking back to it.
func NewNextVersion(latest VersionedDocument, sourceSnapshot string, doc Document) VersionedDocument {
	previous := latest.Version
	return VersionedDocument{
		ID:               uuid.New(),
		EntityType:       latest.EntityType,
		LogicalID:        latest.LogicalID,
		Version:          latest.Version + 1,
		PreviousVersion:  &previous,
		SourceSnapshot:   sourceSnapshot,
		VersionTimestamp: time.Now().UTC(),
		Document:         doc.Clone(),
	}
}
