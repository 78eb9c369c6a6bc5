package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zeroornull/FireMail/pkg/models"
)

// TokenSource supplies the current bearer credential, or "" when logged out.
type TokenSource func() string

// ClientConfig configuration for the API client
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RetryMax   int           // bounded retries for idempotent config reads
	RetryDelay time.Duration // initial retry delay, doubled per attempt
	RetryCap   time.Duration // upper bound on the retry delay
}

// Client is the request/response channel to the backend. It injects the
// bearer credential, classifies failures, and performs no state mutation
// beyond the network call itself.
type Client struct {
	baseURL        string
	tokens         TokenSource
	onUnauthorized func()
	httpClient     *http.Client
	logger         *slog.Logger

	retryMax   int
	retryDelay time.Duration
	retryCap   time.Duration
}

// NewClient creates a new API client
func NewClient(cfg ClientConfig, tokens TokenSource, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = 500 * time.Millisecond
	}
	retryCap := cfg.RetryCap
	if retryCap == 0 {
		retryCap = 5 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "api"),
		retryMax:   cfg.RetryMax,
		retryDelay: retryDelay,
		retryCap:   retryCap,
	}
}

// SetUnauthorizedHook registers the callback invoked on any HTTP 401. The
// session layer uses it to clear the stored credential.
func (c *Client) SetUnauthorizedHook(fn func()) {
	c.onUnauthorized = fn
}

// do performs one request and classifies the outcome. It never retries.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.tokens(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("session rejected by server", "path", path)
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			Status:  resp.StatusCode,
			Body:    respBody,
			Message: extractMessage(respBody),
		}
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		hint := ""
		if looksLikeHTML(respBody) {
			hint = htmlHint(respBody)
		}
		return &ProtocolError{Op: method + " " + path, Hint: hint}
	}

	return nil
}

// LoginResult is the response to a successful login.
type LoginResult struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// Login authenticates with username/password and returns the bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var result LoginResult
	err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Register creates a new user account.
func (c *Client) Register(ctx context.Context, username, password string) error {
	return c.do(ctx, http.MethodPost, "/auth/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
}

// Logout invalidates the session server-side. Local cleanup is the session
// layer's job and happens regardless of the outcome here.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// CurrentUser returns the identity behind the current credential.
func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, http.MethodGet, "/auth/user", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ChangePassword changes the current user's password.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	return c.do(ctx, http.MethodPost, "/auth/change-password", map[string]string{
		"old_password": oldPassword,
		"new_password": newPassword,
	}, nil)
}

// ListAccounts returns the full account list snapshot.
func (c *Client) ListAccounts(ctx context.Context) ([]models.EmailAccount, error) {
	var accounts []models.EmailAccount
	if err := c.do(ctx, http.MethodGet, "/emails", nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// GetAccount returns a single account by id.
func (c *Client) GetAccount(ctx context.Context, id int64) (*models.EmailAccount, error) {
	var account models.EmailAccount
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/emails/%d", id), nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// AddAccount registers a new monitored account. The response does not carry
// the full created record; callers re-sync via ListAccounts.
func (c *Client) AddAccount(ctx context.Context, account models.EmailAccount) error {
	return c.do(ctx, http.MethodPost, "/emails", map[string]string{
		"email":         account.Email,
		"password":      account.Password,
		"client_id":     account.ClientID,
		"refresh_token": account.RefreshToken,
		"mail_type":     account.MailType,
	}, nil)
}

// BatchDelete deletes the given accounts.
func (c *Client) BatchDelete(ctx context.Context, ids []int64) error {
	return c.do(ctx, http.MethodPost, "/emails/batch_delete", map[string]any{
		"email_ids": ids,
	}, nil)
}

// CheckResult reports the outcome of a batch check request.
type CheckResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Skipped int    `json:"skipped,omitempty"`
	Total   int    `json:"total,omitempty"`
}

// BatchCheck starts asynchronous mailbox checks. An HTTP 409 means every
// requested account is already being processed and is reported as a
// soft success, not an error.
func (c *Client) BatchCheck(ctx context.Context, ids []int64) (*CheckResult, error) {
	var result CheckResult
	err := c.do(ctx, http.MethodPost, "/emails/batch_check", map[string]any{
		"email_ids": ids,
	}, &result)
	if IsConflict(err) {
		var httpErr *HTTPError
		errors.As(err, &httpErr)
		c.logger.Info("check already in progress", "ids", ids)
		return &CheckResult{Success: false, Status: "processing", Message: httpErr.Message}, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// MailRecords returns the retrieved mail records for one account.
func (c *Client) MailRecords(ctx context.Context, emailID int64) ([]models.MailRecord, error) {
	var records []models.MailRecord
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/emails/%d/mail_records", emailID), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ImportResult is the response to a bulk import.
type ImportResult struct {
	Success bool   `json:"success"`
	Total   int    `json:"total"`
	Added   int    `json:"added"`
	Failed  int    `json:"failed"`
	Message string `json:"message,omitempty"`
}

// Import bulk-imports accounts from line-oriented data.
func (c *Client) Import(ctx context.Context, data, mailType string) (*ImportResult, error) {
	if mailType == "" {
		mailType = models.MailTypeDefault
	}
	var result ImportResult
	err := c.do(ctx, http.MethodPost, "/emails/import", map[string]string{
		"data":      data,
		"mail_type": mailType,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ServerConfig is the public backend configuration.
type ServerConfig struct {
	AllowRegister bool `json:"allow_register"`
}

// GetConfig fetches the public backend configuration. The read is idempotent,
// so unreachable-server failures are retried with exponentially increasing
// delay. On exhaustion a permissive default is returned so startup never
// blocks on a flaky backend.
func (c *Client) GetConfig(ctx context.Context) (*ServerConfig, error) {
	delay := c.retryDelay

	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying config fetch", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.retryCap {
				delay = c.retryCap
			}
		}

		var cfg ServerConfig
		err := c.do(ctx, http.MethodGet, "/config", nil, &cfg)
		if err == nil {
			return &cfg, nil
		}

		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			return nil, err
		}
		lastErr = err
	}

	c.logger.Error("config fetch retries exhausted, assuming defaults", "error", lastErr)
	return &ServerConfig{AllowRegister: true}, nil
}

// Users returns all users. Admin only.
func (c *Client) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := c.do(ctx, http.MethodGet, "/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// CreateUser creates a user. Admin only.
func (c *Client) CreateUser(ctx context.Context, username, password string, isAdmin bool) error {
	return c.do(ctx, http.MethodPost, "/users", map[string]any{
		"username": username,
		"password": password,
		"is_admin": isAdmin,
	}, nil)
}

// DeleteUser removes a user. Admin only.
func (c *Client) DeleteUser(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/users/%d", id), nil, nil)
}

// ResetUserPassword sets a new password for a user. Admin only.
func (c *Client) ResetUserPassword(ctx context.Context, id int64, newPassword string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/users/%d/reset-password", id), map[string]string{
		"new_password": newPassword,
	}, nil)
}
