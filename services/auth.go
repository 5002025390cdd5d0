package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrUnauthenticated means the auth provider rejected the access token.
var ErrUnauthenticated = errors.New("unauthenticated")

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         User   `json:"user"`
}

// AuthError is a non-2xx answer of the auth provider.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error %d: %s", e.StatusCode, e.Message)
}

// AuthService is a minimal client for the GoTrue endpoints of the hosted
// auth provider.
type AuthService struct {
	baseURL string
	anonKey string
	client  *http.Client
}

func NewAuthService(baseURL, anonKey string) *AuthService {
	return &AuthService{
		baseURL: baseURL,
		anonKey: anonKey,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// SignIn exchanges an email and password for a session.
func (a *AuthService) SignIn(ctx context.Context, email, password string) (*Session, error) {
	return a.token(ctx, "password", map[string]string{"email": email, "password": password})
}

// Refresh exchanges a refresh token for a new session.
func (a *AuthService) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	return a.token(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
}

// User returns the user behind an access token, or ErrUnauthenticated.
func (a *AuthService) User(ctx context.Context, accessToken string) (*User, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var u User
	if err := a.do(req, &u); err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) && (authErr.StatusCode == http.StatusUnauthorized || authErr.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, authErr.Message)
		}
		return nil, err
	}
	if u.ID == "" {
		return nil, ErrUnauthenticated
	}
	return &u, nil
}

// SignOut revokes the session of an access token.
func (a *AuthService) SignOut(ctx context.Context, accessToken string) error {
	req, err := a.newRequest(ctx, http.MethodPost, "/auth/v1/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return a.do(req, nil)
}

func (a *AuthService) token(ctx context.Context, grant string, payload map[string]string) (*Session, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	path := "/auth/v1/token?grant_type=" + url.QueryEscape(grant)
	req, err := a.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var s Session
	if err := a.do(req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (a *AuthService) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", a.anonKey)
	return req, nil
}

func (a *AuthService) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &AuthError{StatusCode: resp.StatusCode, Message: authMessage(bodyBytes, resp.Status)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}
	return nil
}

// authMessage picks the human readable part of a GoTrue error body, which
// uses different field names depending on the endpoint.
func authMessage(body []byte, fallback string) string {
	var e struct {
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		Error            string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		for _, s := range []string{e.ErrorDescription, e.Msg, e.Message, e.Error} {
			if s != "" {
				return s
			}
		}
	}
	return fallback
}
