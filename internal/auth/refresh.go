package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads; auth responses are
	// small JSON payloads.
	maxResponseBytes = 1024 * 1024

	sessionEndpoint = "/auth/session"
)

// HTTPStatusError reports a non-2xx response from the auth service.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("auth service returned status %d: %s", e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status from err, or zero when the
// failure was not an HTTP error.
func StatusCode(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}

	return 0
}

type sessionRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	AccessToken string `json:"access_token"`
}

// Client exchanges refresh tokens for fresh access tokens at the auth
// service.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an auth client for the service at baseURL. If
// httpClient is nil, a client with a 30-second timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// RefreshAccessToken presents a refresh token and returns the freshly
// issued signed access token. Non-2xx responses are returned as
// *HTTPStatusError so callers can distinguish revocation (401, 403)
// from transient failures.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	payload, err := json.Marshal(sessionRequest{RefreshToken: refreshToken})
	if err != nil {
		return "", fmt.Errorf("marshalling session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sessionEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating session request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending session request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading session response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var session sessionResponse
	if err := json.Unmarshal(body, &session); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}

	if session.AccessToken == "" {
		return "", errors.New("session response carried no access token")
	}

	return session.AccessToken, nil
}
