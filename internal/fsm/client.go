// Package fsm provides the authenticated GraphQL client for the external
// field-service-management API. It owns token refresh, request pacing, and
// rate-limit backoff so callers only see typed results and typed errors.
package fsm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldsync_backend/platform/apperr"
	"fieldsync_backend/platform/config"
	"fieldsync_backend/platform/logger"

	"golang.org/x/time/rate"
)

const (
	maxAttempts  = 3
	baseBackoff  = 2 * time.Second
	maxTotalWait = 30 * time.Second
)

// Client is the FSM GraphQL API client.
type Client struct {
	httpClient *http.Client
	apiURL     string
	tokens     *tokenManager
	limiter    *rate.Limiter
	log        *logger.Logger
}

// New creates a new FSM API client.
func New(cfg config.FSMConfig, log *logger.Logger) *Client {
	httpClient := &http.Client{Timeout: 20 * time.Second}
	rps := cfg.GetFSMRequestsPerSecond()
	if rps <= 0 {
		rps = 2.5
	}
	return &Client{
		httpClient: httpClient,
		apiURL:     cfg.GetFSMAPIURL(),
		tokens:     newTokenManager(httpClient, cfg.GetFSMTokenURL(), cfg.GetFSMClientID(), cfg.GetFSMClientSecret()),
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		log:        log,
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// Do executes a GraphQL operation and decodes the data payload into out.
// Transient failures (timeouts, 5xx, 429) are retried with capped exponential
// backoff; the total sleep across retries never exceeds maxTotalWait.
func (c *Client) Do(ctx context.Context, operation, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal graphql request", err).WithOp(operation)
	}

	var slept time.Duration
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseBackoff << (attempt - 1)
			if retryAfter, ok := retryAfterHint(lastErr); ok && retryAfter > delay {
				delay = retryAfter
			}
			if slept+delay > maxTotalWait {
				break
			}
			select {
			case <-ctx.Done():
				return apperr.Transient("context cancelled during backoff", ctx.Err()).WithOp(operation)
			case <-time.After(delay):
			}
			slept += delay
		}

		err := c.doOnce(ctx, operation, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if apperr.Is(err, apperr.KindUnauthorized) {
			// Token may have been revoked upstream; refresh once and retry.
			c.tokens.Invalidate()
			continue
		}
		if !apperr.Is(err, apperr.KindTransient) && !apperr.Is(err, apperr.KindRateLimited) {
			return err
		}
		c.log.Warn("fsm request retrying", "operation", operation, "attempt", attempt+1, "error", err.Error())
	}
	return lastErr
}

// retryAfterError carries the Retry-After hint from a 429 response. It wraps
// the rate-limited apperr so kind classification still sees it.
type retryAfterError struct {
	base  *apperr.Error
	after time.Duration
}

func (e *retryAfterError) Error() string {
	return e.base.Error()
}

func (e *retryAfterError) Unwrap() error {
	return e.base
}

func retryAfterHint(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) && ra.after > 0 {
		return ra.after, true
	}
	return 0, false
}

func (c *Client) doOnce(ctx context.Context, operation string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Transient("rate limiter wait cancelled", err).WithOp(operation)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "build request", err).WithOp(operation)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Transient("fsm request failed", err).WithOp(operation)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := apperr.RateLimited("fsm api rate limited").WithOp(operation)
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return &retryAfterError{base: e, after: after}
		}
		return e
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.Unauthorized("fsm api rejected token").WithOp(operation)
	case resp.StatusCode >= 500:
		return apperr.Transient(fmt.Sprintf("fsm api returned %d", resp.StatusCode), nil).WithOp(operation)
	case resp.StatusCode != http.StatusOK:
		return apperr.Internal(fmt.Sprintf("fsm api returned %d", resp.StatusCode)).WithOp(operation)
	}

	var envelope graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return apperr.Wrap(apperr.KindMalformed, "decode fsm response", err).WithOp(operation)
	}
	if len(envelope.Errors) > 0 {
		return classifyGraphQLError(operation, envelope.Errors)
	}
	if out == nil {
		return nil
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return apperr.Malformed("fsm response has no data").WithOp(operation)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return apperr.Wrap(apperr.KindMalformed, "unmarshal fsm data", err).WithOp(operation)
	}
	return nil
}

func classifyGraphQLError(operation string, errs []graphqlError) error {
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Message)
		switch e.Extensions.Code {
		case "NOT_FOUND":
			return apperr.NotFound(e.Message).WithOp(operation)
		case "THROTTLED", "RATE_LIMITED":
			return apperr.RateLimited(e.Message).WithOp(operation)
		case "UNAVAILABLE":
			return apperr.Transient(e.Message, nil).WithOp(operation)
		}
	}
	return apperr.Internal(strings.Join(messages, "; ")).WithOp(operation)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
