// Package telegram is a small Bot API client covering the calls plugwatch
// needs: sendMessage and getUpdates.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultAPIURL = "https://api.telegram.org"

// APIError is a response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: error %d: %s", e.Method, e.Code, e.Description)
}

// Config holds the bot credentials and transport settings.
type Config struct {
	BotToken string
	APIURL   string // defaults to https://api.telegram.org
	Timeout  time.Duration

	HTTPClient *http.Client
}

// Client calls the Bot API for one bot.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the given bot.
func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		token:   cfg.BotToken,
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		http:    httpClient,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// SendMessage posts text to a chat using form fields chat_id and text.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendMessage"), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err = c.do(req, "sendMessage")
	return err
}

// GetUpdates returns the raw updates with update_id >= offset, waiting up to
// wait for new ones. offset <= 0 omits the parameter. Each element is left
// undecoded so a single malformed update does not spoil the batch.
func (c *Client) GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("timeout", strconv.Itoa(int(wait.Seconds())))
	if offset > 0 {
		q.Set("offset", strconv.FormatInt(offset, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.methodURL("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: create request: %w", err)
	}

	result, err := c.do(req, "getUpdates")
	if err != nil {
		return nil, err
	}

	var updates []json.RawMessage
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("telegram: getUpdates: parse result: %w", err)
	}
	return updates, nil
}

func (c *Client) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s: send request: %w", method, redact(err, c.token))
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("telegram: %s: unexpected status %d", method, resp.StatusCode)
	}
	if !out.OK {
		return nil, &APIError{Method: method, Code: out.ErrorCode, Description: out.Description}
	}
	return out.Result, nil
}

// redact strips the bot token from transport errors, which embed the URL.
func redact(err error, token string) error {
	if token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, token, "<token>"))
}
