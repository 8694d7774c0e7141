package entitlement

import "slices"

// DefaultModules is the module catalog used unless the engine is configured
// with another one.
var DefaultModules = []string{
	"forms",
	"submissions",
	"staff",
	"analytics",
	"workflows",
	"integrations",
	"reports",
	"payments",
	"notifications",
	"api",
}

// Catalog is the fixed set of module names an entitlement may reference.
type Catalog struct {
	names map[string]struct{}
}

// NewCatalog builds a catalog from names.
func NewCatalog(names ...string) Catalog {
	c := Catalog{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		c.names[n] = struct{}{}
	}
	return c
}

// Contains reports whether name is in the catalog.
func (c Catalog) Contains(name string) bool {
	_, ok := c.names[name]
	return ok
}

// Names returns the catalog entries in sorted order.
func (c Catalog) Names() []string {
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
