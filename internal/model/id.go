package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. IDs from one process sort in creation
// order, which the job listing relies on for its recency cursor.
func NewID() string {
	return ulid.Make().String()
}
