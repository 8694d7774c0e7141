// Package types provides common types used across Tollgate.
package types

import "time"

// Entity is the base type for persisted aggregates with timestamps.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity creates an Entity stamped at now (UTC).
func NewEntity(now time.Time) Entity {
	now = now.UTC()
	return Entity{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch moves UpdatedAt to now. It never moves backwards.
func (e *Entity) Touch(now time.Time) {
	now = now.UTC()
	if now.After(e.UpdatedAt) {
		e.UpdatedAt = now
	}
}
