// Package client is a Go client for the keygate admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rsclarke/keygate/internal/api"
)

type Client struct {
	BaseURL string
	Token   string
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
	}
}

// KeyFilter narrows ListKeys.
type KeyFilter struct {
	OwnerID string
	Status  string
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	KeyID  int64
	Since  time.Time
	Limit  int
	Offset int
}

// EventFilter narrows SecurityEvents.
type EventFilter struct {
	Type  string
	Since time.Time
	Limit int
}

func (c *Client) CreateKey(ctx context.Context, req api.CreateKeyRequest) (*api.CreateKeyResponse, error) {
	var result api.CreateKeyResponse
	if err := c.do(ctx, "POST", "/v1/keys", nil, req, http.StatusCreated, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListKeys(ctx context.Context, f KeyFilter) (*api.ListKeysResponse, error) {
	q := url.Values{}
	setString(q, "owner_id", f.OwnerID)
	setString(q, "status", f.Status)

	var result api.ListKeysResponse
	if err := c.do(ctx, "GET", "/v1/keys", q, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetKey(ctx context.Context, id int64) (*api.KeyInfo, error) {
	var result api.KeyInfo
	if err := c.do(ctx, "GET", keyPath(id), nil, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) UpdateKey(ctx context.Context, id int64, req api.UpdateKeyRequest) (*api.KeyInfo, error) {
	var result api.KeyInfo
	if err := c.do(ctx, "PATCH", keyPath(id), nil, req, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) RevokeKey(ctx context.Context, id int64) (*api.KeyInfo, error) {
	var result api.KeyInfo
	if err := c.do(ctx, "POST", keyPath(id)+"/revoke", nil, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) DeleteKey(ctx context.Context, id int64) error {
	return c.do(ctx, "DELETE", keyPath(id), nil, nil, http.StatusOK, nil)
}

func (c *Client) ListLogs(ctx context.Context, f LogFilter) (*api.ListLogsResponse, error) {
	q := url.Values{}
	setInt(q, "key_id", f.KeyID)
	setInt(q, "limit", int64(f.Limit))
	setInt(q, "offset", int64(f.Offset))
	setTime(q, "since", f.Since)

	var result api.ListLogsResponse
	if err := c.do(ctx, "GET", "/v1/logs", q, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) SecurityEvents(ctx context.Context, f EventFilter) (*api.ListSecurityEventsResponse, error) {
	q := url.Values{}
	setString(q, "type", f.Type)
	setInt(q, "limit", int64(f.Limit))
	setTime(q, "since", f.Since)

	var result api.ListSecurityEventsResponse
	if err := c.do(ctx, "GET", "/v1/security-events", q, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Stats(ctx context.Context, days int) (*api.StatsResponse, error) {
	q := url.Values{}
	setInt(q, "days", int64(days))

	var result api.StatsResponse
	if err := c.do(ctx, "GET", "/v1/stats", q, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func keyPath(id int64) string {
	return "/v1/keys/" + strconv.FormatInt(id, 10)
}

func setString(q url.Values, k, v string) {
	if v != "" {
		q.Set(k, v)
	}
}

func setInt(q url.Values, k string, v int64) {
	if v > 0 {
		q.Set(k, strconv.FormatInt(v, 10))
	}
}

func setTime(q url.Values, k string, t time.Time) {
	if !t.IsZero() {
		q.Set(k, t.UTC().Format(time.RFC3339))
	}
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &StatusError{Code: resp.StatusCode, Message: errResp.Error}
}

// StatusError is a non-success response from the admin API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return e.Message
}
