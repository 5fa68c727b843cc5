// Package rmapi is a client for the external resource-management (RM)
// billing API: create, update and delete of time entries.
package rmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds each API call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// TimeEntryInput is the payload for create and update.
type TimeEntryInput struct {
	RemoteProjectID string
	Date            string // YYYY-MM-DD
	Hours           decimal.Decimal
	Notes           string
	Task            string
}

// timeEntryBody is the JSON wire shape of TimeEntryInput.
type timeEntryBody struct {
	ProjectID string  `json:"project_id"`
	Date      string  `json:"date"`
	Hours     float64 `json:"hours"`
	Notes     string  `json:"notes,omitempty"`
	Task      string  `json:"task"`
}

type createResponse struct {
	ID string `json:"id"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		cut := 200
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "…"
	}
	return fmt.Sprintf("rm %s: HTTP %d: %s", e.Op, e.StatusCode, body)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is an authenticated RM API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sets the base HTTP client the bearer transport wraps.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client that authenticates every request with the
// given bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	c.httpClient = oauth2.NewClient(ctx, ts)
	return c
}

// CreateTimeEntry creates a remote time entry and returns its id.
func (c *Client) CreateTimeEntry(ctx context.Context, in TimeEntryInput) (string, error) {
	var out createResponse
	if err := c.do(ctx, "create", http.MethodPost, "/time_entries", toBody(in), &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("rm create: response carried no entry id")
	}
	return out.ID, nil
}

// UpdateTimeEntry overwrites a remote time entry.
func (c *Client) UpdateTimeEntry(ctx context.Context, remoteID string, in TimeEntryInput) error {
	return c.do(ctx, "update", http.MethodPut, "/time_entries/"+url.PathEscape(remoteID), toBody(in), nil)
}

// DeleteTimeEntry removes a remote time entry. A 404 is treated as success
// since the entry is already gone.
func (c *Client) DeleteTimeEntry(ctx context.Context, remoteID string) error {
	err := c.do(ctx, "delete", http.MethodDelete, "/time_entries/"+url.PathEscape(remoteID), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func toBody(in TimeEntryInput) timeEntryBody {
	return timeEntryBody{
		ProjectID: in.RemoteProjectID,
		Date:      in.Date,
		Hours:     in.Hours.Round(2).InexactFloat64(),
		Notes:     in.Notes,
		Task:      in.Task,
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rm %s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("rm %s: creating request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rm %s: request failed: %w", op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rm %s: reading response body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("rm %s: decoding response: %w", op, err)
		}
	}
	return nil
}
