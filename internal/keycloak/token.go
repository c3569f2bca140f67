package keycloak

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// refreshFraction is the share of the token lifetime after which a new
// token is requested ahead of expiry.
const refreshFraction = 0.9

// tokenSource mints and caches admin API access tokens. Refreshes are
// single flighted: concurrent callers block on the mutex and reuse the
// token the first one obtained.
type tokenSource struct {
	mu         sync.Mutex
	httpClient *http.Client
	endpoint   string
	form       url.Values
	token      string
	obtainedAt time.Time
	refreshAt  time.Time
	now        func() time.Time
}

func newTokenSource(cfg *Config, baseURL string, httpClient *http.Client) *tokenSource {
	form := url.Values{}
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", cfg.ClientID)
		form.Set("client_secret", cfg.ClientSecret)
	} else {
		form.Set("grant_type", "password")
		form.Set("client_id", "admin-cli")
		form.Set("username", cfg.AdminUsername)
		form.Set("password", cfg.AdminPassword)
	}

	return &tokenSource{
		httpClient: httpClient,
		endpoint: fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token",
			baseURL, url.PathEscape(cfg.authRealm())),
		form: form,
		now:  time.Now,
	}
}

// Token returns a valid access token, minting a new one when the cached
// token crossed 90% of its lifetime or when force is set after a 401.
func (s *tokenSource) Token(ctx context.Context, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && s.token != "" && s.now().Before(s.refreshAt) {
		return s.token, nil
	}
	if err := s.refresh(ctx); err != nil {
		return "", err
	}
	return s.token, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// refresh executes the grant. Callers hold s.mu.
func (s *tokenSource) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint,
		strings.NewReader(s.form.Encode()))
	if err != nil {
		return scrambridge.Classify(scrambridge.ClassProtocol,
			fmt.Errorf("keycloak: build token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return scrambridge.Classify(scrambridge.ClassTransient,
			fmt.Errorf("keycloak: token request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		// Keycloak answers 400 invalid_grant for bad passwords on the
		// password grant, 401 for bad client secrets.
		return scrambridge.Classify(scrambridge.ClassAuthentication,
			fmt.Errorf("keycloak: token grant rejected with status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return scrambridge.Classify(scrambridge.ClassTransient,
			fmt.Errorf("keycloak: token endpoint status %d", resp.StatusCode))
	default:
		return scrambridge.Classify(scrambridge.ClassProtocol,
			fmt.Errorf("keycloak: token endpoint unexpected status %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return scrambridge.Classify(scrambridge.ClassProtocol,
			fmt.Errorf("keycloak: decode token response: %w", err))
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return scrambridge.Classify(scrambridge.ClassProtocol,
			fmt.Errorf("keycloak: token response missing access_token or expires_in"))
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	s.token = tr.AccessToken
	s.obtainedAt = s.now()
	s.refreshAt = s.obtainedAt.Add(time.Duration(float64(lifetime) * refreshFraction))
	return nil
}
