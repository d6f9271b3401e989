package fsm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"fieldsync_backend/platform/apperr"
)

// refreshBuffer is how long before expiry a token is considered stale.
// Refreshing early avoids racing the upstream expiry mid-request.
const refreshBuffer = 60 * time.Second

// tokenManager holds the FSM OAuth access token and refreshes it on demand.
// Refresh is serialized behind the mutex: concurrent callers that find the
// token stale wait for a single refresh instead of each issuing their own.
type tokenManager struct {
	mu           sync.Mutex
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	accessToken  string
	expiresAt    time.Time
}

func newTokenManager(httpClient *http.Client, tokenURL, clientID, clientSecret string) *tokenManager {
	return &tokenManager{
		httpClient:   httpClient,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns a valid access token, refreshing it first when it is within
// the refresh buffer of expiry.
func (tm *tokenManager) Token(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.accessToken != "" && time.Until(tm.expiresAt) > refreshBuffer {
		return tm.accessToken, nil
	}

	if err := tm.refreshLocked(ctx); err != nil {
		return "", err
	}
	return tm.accessToken, nil
}

// Invalidate discards the cached token so the next call refreshes.
// Called when the API rejects a request with 401.
func (tm *tokenManager) Invalidate() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.accessToken = ""
	tm.expiresAt = time.Time{}
}

func (tm *tokenManager) refreshLocked(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", tm.clientID)
	form.Set("client_secret", tm.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return apperr.Transient("token refresh request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return apperr.Transient(fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.Unauthorized(fmt.Sprintf("token refresh rejected with %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return apperr.Wrap(apperr.KindMalformed, "decode token response", err)
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return apperr.Malformed("token response missing access_token or expires_in")
	}

	tm.accessToken = tr.AccessToken
	tm.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return nil
}
