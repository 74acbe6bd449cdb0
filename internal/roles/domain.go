package roles

import "github.com/google/uuid"

// Role is a named grouping permissions can be granted to.
type Role struct {
	ID   uuid.UUID
	Name string
	Code string
}
