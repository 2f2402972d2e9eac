// Package backend talks to the hosted PMS backend: named edge functions taking a
// JSON payload, and a lightweight health endpoint used as a reachability probe.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tildaslashalef/innkeep/internal/config"
	"github.com/tildaslashalef/innkeep/internal/loggy"
)

const maxResponseBytes = 10 << 20

// Invoker runs a named backend operation
type Invoker interface {
	Invoke(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error)
}

// InvokerFunc adapts a function to Invoker
type InvokerFunc func(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error)

// Invoke calls f
func (f InvokerFunc) Invoke(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, operation, payload)
}

// Client handles HTTP communication with the backend
type Client struct {
	baseURL       string
	functionsPath string
	healthPath    string
	anonKey       string
	deviceName    string
	httpClient    *http.Client
	logger        *loggy.Logger

	mu           sync.RWMutex
	token        string
	settingsRepo config.SettingsRepository
}

// NewClient creates a new backend client
func NewClient(cfg config.BackendConfig, logger *loggy.Logger) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}

	functionsPath := cfg.FunctionsPath
	if functionsPath == "" {
		functionsPath = "/functions/v1"
	}
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/auth/v1/health"
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		functionsPath: "/" + strings.Trim(functionsPath, "/"),
		healthPath:    "/" + strings.TrimLeft(healthPath, "/"),
		anonKey:       cfg.AnonKey,
		deviceName:    cfg.DeviceName,
		token:         cfg.Token,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger,
	}
}

// SetHTTPClient replaces the underlying HTTP client
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetToken updates the session token
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SetSettingsRepository lets the client pick up a token saved after startup
func (c *Client) SetSettingsRepository(repo config.SettingsRepository) {
	c.mu.Lock()
	c.settingsRepo = repo
	c.mu.Unlock()
}

// GetToken returns the current token, checking the settings repository when none is cached
func (c *Client) GetToken() string {
	c.mu.RLock()
	token, repo := c.token, c.settingsRepo
	c.mu.RUnlock()

	if token != "" || repo == nil {
		return token
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stored, err := repo.GetSetting(ctx, config.KeyBackendToken)
	if err != nil {
		c.logger.Warn("Failed to get token from settings", "error", err)
		return ""
	}
	if stored != "" {
		c.SetToken(stored)
	}
	return stored
}

// FunctionURL returns the endpoint for a named operation
func (c *Client) FunctionURL(operation string) string {
	return c.baseURL + c.functionsPath + "/" + strings.TrimLeft(operation, "/")
}

// Invoke posts payload to the named edge function and returns the response body.
// Non-2xx responses come back as *APIError.
func (c *Client) Invoke(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error) {
	if operation == "" {
		return nil, fmt.Errorf("operation name is required")
	}

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.FunctionURL(operation), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.addHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	c.logger.Debug("Backend operation finished",
		"operation", operation,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp, data)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		quoted, _ := json.Marshal(string(data))
		return quoted, nil
	}
	return data, nil
}

// Probe checks backend reachability through the health endpoint. Any response
// below 500 counts as reachable.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing probe: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 500 {
		return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	return nil
}

func (c *Client) addHeaders(req *http.Request) {
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}

	token := c.GetToken()
	if token == "" {
		token = c.anonKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if c.deviceName != "" {
		req.Header.Set("X-Device-Name", c.deviceName)
	}
	req.Header.Set("Accept", "application/json")
}

func parseAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var parsed struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Msg     string          `json:"msg"`
		Code    json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Message = parsed.Message
		if apiErr.Message == "" {
			apiErr.Message = parsed.Msg
		}
		apiErr.ErrorCode = rawString(parsed.Error)
		apiErr.Code = rawString(parsed.Code)
	} else if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 512 {
		apiErr.Message = text
	}

	if apiErr.Message == "" && apiErr.ErrorCode == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// rawString reads a JSON value that may be a string, number or object
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
