package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenSource supplies bearer tokens for the remote APIs.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// AuthClient obtains access tokens via the OAuth client-credentials flow
// and caches them until shortly before expiry.
type AuthClient struct {
	url          string
	clientID     string
	clientSecret string
	margin       time.Duration
	client       *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewAuthClient creates a token client. margin is subtracted from the
// token lifetime so a token is never used right at its expiry.
func NewAuthClient(apiURL, clientID, clientSecret string, margin time.Duration, timeout time.Duration) *AuthClient {
	return &AuthClient{
		url:          apiURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		margin:       margin,
		client:       &http.Client{Timeout: timeout},
	}
}

// AccessToken returns a cached token or fetches a fresh one.
func (a *AuthClient) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Now().Before(a.expiry) {
		return a.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {a.clientID},
		"client_secret": {a.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UpstreamError{StatusCode: resp.StatusCode}
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	a.token = body.AccessToken
	a.expiry = time.Now().Add(time.Duration(body.ExpiresIn)*time.Second - a.margin)
	return a.token, nil
}
