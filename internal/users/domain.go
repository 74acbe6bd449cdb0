package users

import "github.com/google/uuid"

// User is an account that permissions can be resolved for. The role set
// is read-only input to the permission engine; this service never
// mutates it.
type User struct {
	ID    uuid.UUID
	Email string
	Name  string
	Roles []uuid.UUID
}
