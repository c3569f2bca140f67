// Package keycloak implements the directory client over the Keycloak
// admin REST API: paginated user enumeration for full reconciliation and
// point lookups for the event path.
package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/vk-rv/scrambridge/internal/breaker"
	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

const (
	// retryAttempts is the number of tries for transient failures.
	retryAttempts = 3
	// retryBaseDelay is the first backoff step; doubles per attempt.
	retryBaseDelay = 1 * time.Second
	// retryMaxDelay caps the backoff.
	retryMaxDelay = 10 * time.Second

	// lookupCacheTTL bounds how long point lookups are served from memory.
	lookupCacheTTL = 30 * time.Second
)

// Config contains the identity provider connection settings read from
// the environment. Either client credentials or admin credentials must
// be present.
type Config struct {
	URL                    string        `env:"KEYCLOAK_URL"            env-required:"true"`
	Realm                  string        `env:"KEYCLOAK_REALM"          env-required:"true"`
	AuthRealm              string        `env:"KEYCLOAK_AUTH_REALM"`
	ClientID               string        `env:"KEYCLOAK_CLIENT_ID"`
	ClientSecret           string        `env:"KEYCLOAK_CLIENT_SECRET"`
	AdminUsername          string        `env:"KEYCLOAK_ADMIN_USERNAME"`
	AdminPassword          string        `env:"KEYCLOAK_ADMIN_PASSWORD"`
	CallTimeout            time.Duration `env:"KEYCLOAK_CALL_TIMEOUT"   env-default:"30s"`
	PageSize               int           `env:"RECONCILE_PAGE_SIZE"     env-default:"500"`
	ServiceAccountPrefixes []string      `env:"KEYCLOAK_SERVICE_ACCOUNT_PREFIXES" env-default:"service-account-"`
}

// Validate rejects configurations that cannot possibly authenticate.
func (c *Config) Validate() error {
	hasClientCreds := c.ClientID != "" && c.ClientSecret != ""
	hasAdminCreds := c.AdminUsername != "" && c.AdminPassword != ""
	if !hasClientCreds && !hasAdminCreds {
		return errors.New("keycloak: either KEYCLOAK_CLIENT_ID/KEYCLOAK_CLIENT_SECRET or KEYCLOAK_ADMIN_USERNAME/KEYCLOAK_ADMIN_PASSWORD is required")
	}
	if c.PageSize < 1 {
		return fmt.Errorf("keycloak: page size must be >= 1, got %d", c.PageSize)
	}
	return nil
}

// authRealm is where tokens are minted; admin password grants usually
// authenticate against master.
func (c *Config) authRealm() string {
	if c.AuthRealm != "" {
		return c.AuthRealm
	}
	if c.ClientID != "" && c.ClientSecret != "" {
		return c.Realm
	}
	return "master"
}

// Client talks to the Keycloak admin API. Implements
// scrambridge.Directory.
type Client struct {
	httpClient      *http.Client
	breaker         *breaker.Breaker
	tokens          *tokenSource
	lookupCache     *gocache.Cache
	logger          *slog.Logger
	baseURL         string
	realm           string
	pageSize        int
	accountPrefixes []string
}

// NewClient is a constructor of the directory client.
func NewClient(cfg *Config, brk *breaker.Breaker, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseURL := strings.TrimSuffix(cfg.URL, "/")
	httpClient := &http.Client{Timeout: cfg.CallTimeout}

	prefixes := make([]string, 0, len(cfg.ServiceAccountPrefixes))
	for _, p := range cfg.ServiceAccountPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, strings.ToLower(p))
		}
	}

	return &Client{
		httpClient:      httpClient,
		breaker:         brk,
		tokens:          newTokenSource(cfg, baseURL, httpClient),
		lookupCache:     gocache.New(lookupCacheTTL, 2*lookupCacheTTL),
		logger:          logger,
		baseURL:         baseURL,
		realm:           cfg.Realm,
		pageSize:        cfg.PageSize,
		accountPrefixes: prefixes,
	}, nil
}

// Healthy probes the realm metadata endpoint without admin credentials.
func (c *Client) Healthy(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/realms/%s", c.baseURL, url.PathEscape(c.realm))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("keycloak: health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("keycloak: health probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("keycloak: health probe status %d", resp.StatusCode)
	}
	return nil
}

// get performs one authenticated admin GET through the circuit breaker
// and retries transient failures with exponential backoff. The response
// body is decoded into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return scrambridge.Classify(scrambridge.ClassTransient, ctx.Err())
			}
		}

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.doGet(ctx, path, query, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		// Only transient classes are worth another attempt; everything
		// else (auth, not found, protocol, open breaker) propagates.
		if scrambridge.ClassOf(err) != scrambridge.ClassTransient {
			return err
		}
		c.logger.Warn("keycloak: transient failure, will retry",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	}
	return lastErr
}

// doGet is a single authenticated request attempt. A 401 forces one
// token refresh and an immediate replay within the same attempt.
func (c *Client) doGet(ctx context.Context, path string, query url.Values, out any) error {
	for _, force := range []bool{false, true} {
		token, err := c.tokens.Token(ctx, force)
		if err != nil {
			return err
		}

		endpoint := c.baseURL + path
		if len(query) > 0 {
			endpoint += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return scrambridge.Classify(scrambridge.ClassProtocol, fmt.Errorf("keycloak: build request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return scrambridge.Classify(scrambridge.ClassTransient, fmt.Errorf("keycloak: do request: %w", err))
		}

		if resp.StatusCode == http.StatusUnauthorized && !force {
			// Token may have been revoked before its lifetime elapsed.
			io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
			resp.Body.Close()
			continue
		}

		err = decodeResponse(resp, path, out)
		resp.Body.Close()
		return err
	}
	return scrambridge.Classify(scrambridge.ClassAuthentication,
		errors.New("keycloak: request unauthorized after token refresh"))
}

// decodeResponse classifies non-2xx statuses and decodes the body.
func decodeResponse(resp *http.Response, path string, out any) error {
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return scrambridge.Classify(scrambridge.ClassAuthentication,
			fmt.Errorf("keycloak: %s status %d", path, resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return scrambridge.Classify(scrambridge.ClassNotFound,
			fmt.Errorf("keycloak: %s not found", path))
	case resp.StatusCode >= 500:
		return scrambridge.Classify(scrambridge.ClassTransient,
			fmt.Errorf("keycloak: %s status %d", path, resp.StatusCode))
	default:
		return scrambridge.Classify(scrambridge.ClassProtocol,
			fmt.Errorf("keycloak: %s unexpected status %d", path, resp.StatusCode))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return scrambridge.Classify(scrambridge.ClassProtocol,
			fmt.Errorf("keycloak: decode %s response: %w", path, err))
	}
	return nil
}

// backoffDelay returns base * 2^(n-1) capped at retryMaxDelay.
func backoffDelay(n int) time.Duration {
	delay := retryBaseDelay << (n - 1)
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}
