// Package storage defines the backend-agnostic storage contract: the entity
// model, the declarative filter language, typed errors, and the Base adapter
// that supplies inherited default behavior (batch operations, search,
// transactions, backup/restore orchestration, operation metrics).
//
// Concrete adapters live in sibling packages (memstore, embedded, sqlstore)
// and implement the narrow Ops core; everything else they inherit from Base.
package storage

import (
	"time"

	"github.com/google/uuid"
)

// Entity is a single persisted record. ID is immutable after creation and
// Version never decreases.
type Entity struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Version   int64             `json:"version"`
	Fields    map[string]any    `json:"fields,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// System field names resolvable by Field and by filters alongside the
// entity's own fields.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldVersion   = "version"
)

// Field resolves a field by name. The system fields id, createdAt, updatedAt
// and version are addressable like any other; everything else comes from the
// Fields map. The second return reports whether the field exists.
func (e *Entity) Field(name string) (any, bool) {
	switch name {
	case FieldID:
		return e.ID, true
	case FieldCreatedAt:
		return e.CreatedAt, true
	case FieldUpdatedAt:
		return e.UpdatedAt, true
	case FieldVersion:
		return e.Version, true
	}
	v, ok := e.Fields[name]
	return v, ok
}

// Clone returns a deep copy of the entity. Field values themselves are
// copied by reference; callers must not mutate nested structures in place.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := &Entity{
		ID:        e.ID,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Version:   e.Version,
	}
	if e.Fields != nil {
		cp.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			cp.Fields[k] = v
		}
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// StampCreate prepares an entity for its first write: an id is assigned when
// absent, both timestamps are set to now, and the version is forced to 1.
// Caller-supplied stamps are discarded; snapshot replay goes through Put,
// which writes entities verbatim.
func StampCreate(e *Entity, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Version = 1
}

// StampUpdate refreshes updatedAt and bumps the version. A missing version is
// treated as 0, so the first stamped write yields 1.
func StampUpdate(e *Entity, now time.Time) {
	e.UpdatedAt = now
	e.Version++
}

// ApplyUpdate merges a partial field update into an entity and stamps it.
// The id, createdAt and version fields cannot be overwritten through the
// fields map.
func ApplyUpdate(e *Entity, fields map[string]any, now time.Time) {
	if e.Fields == nil && len(fields) > 0 {
		e.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		switch k {
		case FieldID, FieldCreatedAt, FieldUpdatedAt, FieldVersion:
			continue
		}
		e.Fields[k] = v
	}
	StampUpdate(e, now)
}
