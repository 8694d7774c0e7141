// Package id defines the TypeID-based identifier for Tollgate entitlements.
//
// Entitlements are the only independently addressable entity; modules,
// features, add-ons and audit entries live inside the entitlement aggregate.
// IDs are K-sortable (UUIDv7-based) and render as "ent_<suffix>".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// PrefixEntitlement is the prefix of entitlement IDs.
const PrefixEntitlement Prefix = "ent"

// ID wraps a TypeID. The zero value is Nil and encodes as an empty string
// or SQL NULL.
//
//nolint:recvcheck // pointer receivers only where the value is replaced.
type ID struct {
	tid typeid.TypeID
	set bool
}

// EntitlementID identifies an entitlement.
type EntitlementID = ID

// Nil is the zero ID.
var Nil ID

// New generates an ID under prefix. An invalid prefix is a programming
// error and panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", prefix, err))
	}
	return ID{tid: tid, set: true}
}

// NewEntitlementID generates an entitlement ID.
func NewEntitlementID() ID { return New(PrefixEntitlement) }

// Parse accepts any well-formed TypeID string.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, set: true}, nil
}

// ParseWithPrefix is Parse restricted to one prefix.
func ParseWithPrefix(s string, want Prefix) (ID, error) {
	v, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := v.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q has prefix %q, want %q", s, got, want)
	}
	return v, nil
}

// ParseEntitlementID parses an "ent_" ID.
func ParseEntitlementID(s string) (ID, error) { return ParseWithPrefix(s, PrefixEntitlement) }

// IsNil reports whether i is the zero ID.
func (i ID) IsNil() bool { return !i.set }

// Prefix returns the type prefix, or "" for Nil.
func (i ID) Prefix() Prefix {
	if i.IsNil() {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

func (i ID) String() string {
	if i.IsNil() {
		return ""
	}
	return i.tid.String()
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields Nil.
func (i *ID) UnmarshalText(data []byte) error {
	return i.assign(string(data))
}

// Value implements driver.Valuer; Nil is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if i.IsNil() {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		return i.assign("")
	case string:
		return i.assign(v)
	case []byte:
		return i.assign(string(v))
	default:
		return fmt.Errorf("id: cannot scan %T", src)
	}
}

func (i *ID) assign(s string) error {
	if s == "" {
		*i = Nil
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*i = v
	return nil
}
