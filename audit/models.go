// Package audit defines the append-only audit trail embedded in every
// entitlement.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Action is the kind of state change an Entry records.
type Action string

const (
	ActionCreated       Action = "created"
	ActionUpdated       Action = "updated"
	ActionActivated     Action = "activated"
	ActionDeactivated   Action = "deactivated"
	ActionQuotaExceeded Action = "quota_exceeded"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionActivated, ActionDeactivated, ActionQuotaExceeded:
		return true
	}
	return false
}

// Entry is one immutable record of a state-changing action.
type Entry struct {
	Action      Action         `json:"action"`
	PerformedBy string         `json:"performed_by"`
	PerformedAt time.Time      `json:"performed_at"`
	Changes     map[string]any `json:"changes,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// UnmarshalJSON keeps integral numbers in Changes as int64.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type raw Entry
	var r raw
	if err := decodeNumbers(data, &r); err != nil {
		return err
	}
	r.Changes = normalize(r.Changes)
	*e = Entry(r)
	return nil
}

// Precision is the resolution of PerformedAt. Every backend can store and
// compare it exactly.
const Precision = time.Millisecond

// NewEntry builds an entry stamped at now. The timestamp is clamped so it
// never precedes the last entry already in trail.
func NewEntry(action Action, performedBy string, changes map[string]any, reason string, now time.Time, trail []Entry) Entry {
	at := now.UTC().Truncate(Precision)
	if n := len(trail); n > 0 && at.Before(trail[n-1].PerformedAt) {
		at = trail[n-1].PerformedAt
	}
	return Entry{
		Action:      action,
		PerformedBy: performedBy,
		PerformedAt: at,
		Changes:     changes,
		Reason:      reason,
	}
}

// Plain converts changes into JSON-shaped values (maps, slices, strings,
// numbers, bool, nil) so every backend can persist them without custom
// codecs. Integral numbers come back as int64, others as float64. Values
// that cannot be encoded are kept as their string form.
func Plain(changes map[string]any) map[string]any {
	if len(changes) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(changes))
	for k, v := range changes {
		raw, err := json.Marshal(v)
		if err != nil {
			out[k] = fmt.Sprint(v)
			continue
		}
		var plain any
		if err := decodeNumbers(raw, &plain); err != nil {
			out[k] = string(raw)
			continue
		}
		out[k] = normalizeValue(plain)
	}
	return out
}

// DecodeChanges parses a JSON object produced by encoding Entry.Changes.
func DecodeChanges(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := decodeNumbers(raw, &m); err != nil {
		return nil, err
	}
	return normalize(m), nil
}

func decodeNumbers(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(dst)
}

func normalize(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64() //nolint:errcheck // the decoder only yields valid numbers
		return f
	case map[string]any:
		return normalize(t)
	case []any:
		for i, x := range t {
			t[i] = normalizeValue(x)
		}
		return t
	default:
		return v
	}
}
