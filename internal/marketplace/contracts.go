// Package marketplace holds the narrow contracts this pipeline consumes from
// the surrounding marketplace backend, plus a Postgres-backed adapter.
// Profile, company and request CRUD live elsewhere; only these lookups and
// the status transition cross the boundary.
package marketplace

import "time"

// Request is the slice of a marketplace request the pipeline reads.
type Request struct {
	ID           string
	ClientID     string
	ProviderID   string
	ClientName   string
	ProviderName string
	Status       string
	UpdatedAt    time.Time
}
