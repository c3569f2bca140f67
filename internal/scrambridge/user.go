package scrambridge

import (
	"context"
	"time"
)

// User is a Keycloak user or service account projected onto the fields the
// bridge needs. Username doubles as the Kafka principal.
type User struct {
	CreatedAt time.Time
	ID        string
	Username  string
	Email     string
	Enabled   bool
}

// Directory enumerates users in the identity provider and resolves
// individual users for the event path.
type Directory interface {
	// FetchAllUsers pages through the realm and returns every enabled
	// user that is not filtered by the configured service-account prefixes.
	FetchAllUsers(ctx context.Context, realm string) ([]User, error)
	// UserByID resolves a user by its opaque identifier.
	// Returns a NotFound classified error when the user does not exist.
	UserByID(ctx context.Context, id string) (*User, error)
	// UserByUsername resolves a user by its user name.
	UserByUsername(ctx context.Context, username string) (*User, error)
	// ServiceAccountUser resolves the service-account user of a client.
	ServiceAccountUser(ctx context.Context, clientID string) (*User, error)
	// Healthy returns an error when the identity provider is unreachable.
	Healthy(ctx context.Context) error
}
