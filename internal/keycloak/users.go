package keycloak

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// userRepresentation is the admin API wire form of a user.
type userRepresentation struct {
	ID               string `json:"id"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	Enabled          bool   `json:"enabled"`
	CreatedTimestamp int64  `json:"createdTimestamp"`
}

func (u *userRepresentation) toUser() scrambridge.User {
	return scrambridge.User{
		CreatedAt: time.UnixMilli(u.CreatedTimestamp).UTC(),
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Enabled:   u.Enabled,
	}
}

// clientRepresentation carries the only client fields the bridge reads.
type clientRepresentation struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
}

// FetchAllUsers pages through the realm and returns every user that
// should hold a broker credential. Disabled users and users whose name
// carries a service-account prefix are skipped. Enumeration stops at the
// first page shorter than the page size.
func (c *Client) FetchAllUsers(ctx context.Context, realm string) ([]scrambridge.User, error) {
	if realm == "" {
		realm = c.realm
	}
	path := fmt.Sprintf("/admin/realms/%s/users", url.PathEscape(realm))

	var users []scrambridge.User
	for first := 0; ; first += c.pageSize {
		query := url.Values{
			"first":               []string{strconv.Itoa(first)},
			"max":                 []string{strconv.Itoa(c.pageSize)},
			"briefRepresentation": []string{"true"},
		}

		var page []userRepresentation
		if err := c.get(ctx, path, query, &page); err != nil {
			return nil, fmt.Errorf("keycloak: fetch users page at offset %d: %w", first, err)
		}

		for i := range page {
			if !page[i].Enabled || c.isServiceAccount(page[i].Username) {
				continue
			}
			users = append(users, page[i].toUser())
		}

		if len(page) < c.pageSize {
			return users, nil
		}
	}
}

// UserByID resolves a single user, serving repeat lookups from a short
// lived cache so webhook bursts do not hammer the admin API.
func (c *Client) UserByID(ctx context.Context, id string) (*scrambridge.User, error) {
	cacheKey := "id:" + id
	if v, ok := c.lookupCache.Get(cacheKey); ok {
		u := v.(scrambridge.User)
		return &u, nil
	}

	path := fmt.Sprintf("/admin/realms/%s/users/%s",
		url.PathEscape(c.realm), url.PathEscape(id))

	var rep userRepresentation
	if err := c.get(ctx, path, nil, &rep); err != nil {
		return nil, err
	}

	user := rep.toUser()
	c.lookupCache.Set(cacheKey, user, gocache.DefaultExpiration)
	return &user, nil
}

// UserByUsername resolves a user by exact user name match.
func (c *Client) UserByUsername(ctx context.Context, username string) (*scrambridge.User, error) {
	cacheKey := "username:" + strings.ToLower(username)
	if v, ok := c.lookupCache.Get(cacheKey); ok {
		u := v.(scrambridge.User)
		return &u, nil
	}

	path := fmt.Sprintf("/admin/realms/%s/users", url.PathEscape(c.realm))
	query := url.Values{
		"username": []string{username},
		"exact":    []string{"true"},
	}

	var page []userRepresentation
	if err := c.get(ctx, path, query, &page); err != nil {
		return nil, err
	}
	if len(page) == 0 {
		return nil, scrambridge.Classify(scrambridge.ClassNotFound,
			fmt.Errorf("keycloak: user %q not found", username))
	}

	user := page[0].toUser()
	c.lookupCache.Set(cacheKey, user, gocache.DefaultExpiration)
	return &user, nil
}

// ServiceAccountUser resolves the service-account user backing a client.
// The admin API needs the internal client UUID first, so this is two
// round trips on a cold cache.
func (c *Client) ServiceAccountUser(ctx context.Context, clientID string) (*scrambridge.User, error) {
	cacheKey := "svc:" + clientID
	if v, ok := c.lookupCache.Get(cacheKey); ok {
		u := v.(scrambridge.User)
		return &u, nil
	}

	clientsPath := fmt.Sprintf("/admin/realms/%s/clients", url.PathEscape(c.realm))
	query := url.Values{"clientId": []string{clientID}}

	var clients []clientRepresentation
	if err := c.get(ctx, clientsPath, query, &clients); err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, scrambridge.Classify(scrambridge.ClassNotFound,
			fmt.Errorf("keycloak: client %q not found", clientID))
	}

	path := fmt.Sprintf("/admin/realms/%s/clients/%s/service-account-user",
		url.PathEscape(c.realm), url.PathEscape(clients[0].ID))

	var rep userRepresentation
	if err := c.get(ctx, path, nil, &rep); err != nil {
		return nil, err
	}

	user := rep.toUser()
	c.lookupCache.Set(cacheKey, user, gocache.DefaultExpiration)
	return &user, nil
}

// isServiceAccount reports whether the user name carries one of the
// configured prefixes. Comparison is case insensitive.
func (c *Client) isServiceAccount(username string) bool {
	lower := strings.ToLower(username)
	for _, prefix := range c.accountPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
