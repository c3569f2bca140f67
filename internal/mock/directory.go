// Package mock provides hand-written mocks of the domain interfaces for
// use in tests.
package mock

import (
	"context"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// Directory is a mock implementation of scrambridge.Directory.
type Directory struct {
	FetchAllUsersFn      func(ctx context.Context, realm string) ([]scrambridge.User, error)
	UserByIDFn           func(ctx context.Context, id string) (*scrambridge.User, error)
	UserByUsernameFn     func(ctx context.Context, username string) (*scrambridge.User, error)
	ServiceAccountUserFn func(ctx context.Context, clientID string) (*scrambridge.User, error)
	HealthyFn            func(ctx context.Context) error
}

func (m *Directory) FetchAllUsers(ctx context.Context, realm string) ([]scrambridge.User, error) {
	return m.FetchAllUsersFn(ctx, realm)
}

func (m *Directory) UserByID(ctx context.Context, id string) (*scrambridge.User, error) {
	return m.UserByIDFn(ctx, id)
}

func (m *Directory) UserByUsername(ctx context.Context, username string) (*scrambridge.User, error) {
	return m.UserByUsernameFn(ctx, username)
}

func (m *Directory) ServiceAccountUser(ctx context.Context, clientID string) (*scrambridge.User, error) {
	return m.ServiceAccountUserFn(ctx, clientID)
}

func (m *Directory) Healthy(ctx context.Context) error {
	return m.HealthyFn(ctx)
}
