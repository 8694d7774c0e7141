// Package quota defines usage counters and the atomic check-and-increment
// contract that keeps concurrent consumers from overshooting a quota.
package quota

import "regexp"

// Usage is a point-in-time view of one resource counter.
type Usage struct {
	Resource  string `json:"resource"`
	Usage     int64  `json:"usage"`
	Quota     int64  `json:"quota"`
	Remaining int64  `json:"remaining"`
}

// NewUsage builds a snapshot; Remaining never goes below zero.
func NewUsage(resource string, usage, quota int64) Usage {
	return Usage{
		Resource:  resource,
		Usage:     usage,
		Quota:     quota,
		Remaining: max(0, quota-usage),
	}
}

// Exhausted reports whether no further unit may be consumed.
func (u Usage) Exhausted() bool { return u.Usage >= u.Quota }

var resourcePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidResource reports whether name is usable as a resource key. Keys are
// embedded in JSON paths and document field names by the stores.
func ValidResource(name string) bool {
	return len(name) <= 64 && resourcePattern.MatchString(name)
}
