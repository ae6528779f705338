package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// TokenPair is the session material returned by a successful sign-in. The
// provider owns the session lifecycle; this service never stores it.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Client talks to the hosted auth provider's HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	siteURL    string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, siteURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		siteURL:    strings.TrimRight(siteURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SignUp registers a new credential with the provider. The verification email
// links back to the site's /auth/callback page.
func (c *Client) SignUp(ctx context.Context, email, password string) error {
	body := map[string]string{
		"email":       email,
		"password":    password,
		"redirect_to": c.siteURL + "/auth/callback",
	}
	return c.post(ctx, "/auth/v1/signup", "", body, nil)
}

// SignInWithPassword exchanges credentials for a provider session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (TokenPair, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var tokens TokenPair
	if err := c.post(ctx, "/auth/v1/token?grant_type=password", "", body, &tokens); err != nil {
		return TokenPair{}, err
	}
	if tokens.AccessToken == "" {
		return TokenPair{}, fmt.Errorf("provider returned no access token")
	}
	return tokens, nil
}

// SignOut revokes the provider session behind the given access token.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.post(ctx, "/auth/v1/logout", accessToken, nil, nil)
}

// Health reports whether the provider endpoint is reachable.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("apikey", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal auth request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		// Provider error bodies are logged for operators but never handed to
		// callers verbatim.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Printf("identity: provider %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
			return fmt.Errorf("auth request rejected")
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("invalid credentials")
		}
		return fmt.Errorf("auth provider error")
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode auth response: %w", err)
		}
	}
	return nil
}
