package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	tokenPath = "/v1.0/token?grant_type=1"

	// credentialSkew is subtracted from the token lifetime when caching.
	credentialSkew = 60 * time.Second
)

// CredentialPolicy selects how access tokens are obtained across status queries.
type CredentialPolicy string

const (
	// PolicyRefetch requests a fresh token for every status query.
	PolicyRefetch CredentialPolicy = "refetch"
	// PolicyCache reuses a token until shortly before it expires.
	PolicyCache CredentialPolicy = "cache"
)

// Credential is a short-lived access token issued by the token endpoint.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresIn time.Duration
}

func (c Credential) validAt(now time.Time) bool {
	if c.Token == "" || c.ExpiresIn <= credentialSkew {
		return false
	}
	return now.Before(c.IssuedAt.Add(c.ExpiresIn - credentialSkew))
}

// DeviceStatus is the connectivity state reported for the device.
type DeviceStatus struct {
	Online     bool
	ObservedAt int64 // milliseconds since epoch
}

// Config holds the device-cloud identity and connection settings.
type Config struct {
	ClientID string
	Secret   string
	DeviceID string
	Region   string
	BaseURL  string // overrides the region-derived host when set
	Policy   CredentialPolicy
	Timeout  time.Duration

	HTTPClient *http.Client
	Now        func() time.Time
}

// Client talks to the device-cloud OpenAPI.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	now     func() time.Time

	mu     sync.Mutex
	cached *Credential
}

// NewClient creates a Client, filling in defaults for zero-value settings.
func NewClient(cfg Config) *Client {
	if cfg.Region == "" {
		cfg.Region = "eu"
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyRefetch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://openapi.tuya%s.com", cfg.Region)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		now:     now,
	}
}

// apiResponse is the envelope shared by all OpenAPI responses.
type apiResponse struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	T       int64           `json:"t"`
	Result  json.RawMessage `json:"result"`
}

// AcquireCredential requests a new access token.
func (c *Client) AcquireCredential(ctx context.Context) (Credential, error) {
	issuedAt := c.now()

	resp, err := c.get(ctx, tokenPath, "")
	if err != nil {
		return Credential{}, &AuthError{Err: err}
	}
	if !resp.Success {
		return Credential{}, &AuthError{Code: resp.Code, Msg: resp.Msg}
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpireTime  int64  `json:"expire_time"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return Credential{}, &AuthError{Err: fmt.Errorf("parse token result: %w", err)}
	}
	if result.AccessToken == "" {
		return Credential{}, &AuthError{Err: errors.New("empty access_token in response")}
	}

	return Credential{
		Token:     result.AccessToken,
		IssuedAt:  issuedAt,
		ExpiresIn: time.Duration(result.ExpireTime) * time.Second,
	}, nil
}

// QueryStatus reads the online flag of the configured device.
func (c *Client) QueryStatus(ctx context.Context, cred Credential) (DeviceStatus, error) {
	path := "/v1.0/iot-03/devices/" + c.cfg.DeviceID

	resp, err := c.get(ctx, path, cred.Token)
	if err != nil {
		return DeviceStatus{}, &DeviceQueryError{DeviceID: c.cfg.DeviceID, Err: err}
	}
	if !resp.Success {
		return DeviceStatus{}, &DeviceQueryError{DeviceID: c.cfg.DeviceID, Code: resp.Code, Msg: resp.Msg}
	}

	var result struct {
		Online *bool `json:"online"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return DeviceStatus{}, &DeviceQueryError{DeviceID: c.cfg.DeviceID, Err: fmt.Errorf("parse device result: %w", err)}
	}
	if result.Online == nil {
		return DeviceStatus{}, &DeviceQueryError{DeviceID: c.cfg.DeviceID, Err: errors.New("online field missing in response")}
	}

	observedAt := resp.T
	if observedAt <= 0 {
		observedAt = c.now().UnixMilli()
	}

	return DeviceStatus{Online: *result.Online, ObservedAt: observedAt}, nil
}

// Status obtains a credential according to the configured policy and
// queries the device with it.
func (c *Client) Status(ctx context.Context) (DeviceStatus, error) {
	cred, err := c.credential(ctx)
	if err != nil {
		return DeviceStatus{}, err
	}

	status, err := c.QueryStatus(ctx, cred)
	if err != nil {
		c.invalidate()
		return DeviceStatus{}, err
	}
	return status, nil
}

func (c *Client) credential(ctx context.Context) (Credential, error) {
	if c.cfg.Policy != PolicyCache {
		return c.AcquireCredential(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.cached.validAt(c.now()) {
		return *c.cached, nil
	}

	cred, err := c.AcquireCredential(ctx)
	if err != nil {
		return Credential{}, err
	}
	c.cached = &cred
	slog.Debug("cached tuya credential", "expires_in", cred.ExpiresIn)
	return cred, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// get issues one signed GET request and decodes the response envelope.
func (c *Client) get(ctx context.Context, path, accessToken string) (apiResponse, error) {
	sig := Sign(SignInput{
		ClientID:    c.cfg.ClientID,
		Secret:      c.cfg.Secret,
		Method:      http.MethodGet,
		Path:        path,
		AccessToken: accessToken,
		Timestamp:   c.now().UnixMilli(),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apiResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("client_id", c.cfg.ClientID)
	req.Header.Set("sign", sig.Sign)
	req.Header.Set("t", sig.T)
	req.Header.Set("sign_method", SignMethod)
	if accessToken != "" {
		req.Header.Set("access_token", accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiResponse{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
