// Package api is the HTTP client for the remote vault service. It performs
// no retries of its own: every operation is a single fallible call, and
// callers decide what a failure means.
package api

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

// ErrNetwork marks transport-level failures (DNS, TCP, TLS, timeouts) as
// opposed to service-level rejections, which surface as *StatusError.
var ErrNetwork = errors.New("api: network failure")

// StatusError is a non-2xx response from the service.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: status %d code=%s: %s", e.Status, e.Code, e.Message)
}

// Service is the full set of remote operations the engine consumes. The
// concrete implementation is *Client; tests substitute fakes.
type Service interface {
	GetShareKeys(ctx context.Context, shareID string) ([]ShareKeyEnvelope, error)
	GetLatestItemKey(ctx context.Context, shareID, itemID string) (ItemKeyEnvelope, error)
	CreateItem(ctx context.Context, shareID string, req CreateItemRequest) (ItemRevision, error)
	CreateAlias(ctx context.Context, shareID string, req CreateAliasRequest) (ItemRevision, error)
	CreateAliasAndOtherItem(ctx context.Context, shareID string, req CreateAliasAndItemRequest) (AliasAndItemBundle, error)
	UpdateItem(ctx context.Context, shareID, itemID string, req UpdateItemRequest) (ItemRevision, error)
	TrashItems(ctx context.Context, shareID string, refs []ItemRef) ([]ItemRevision, error)
	UntrashItems(ctx context.Context, shareID string, refs []ItemRef) ([]ItemRevision, error)
	DeleteItems(ctx context.Context, shareID string, refs []ItemRef) error
	GetItemsPage(ctx context.Context, shareID, pageToken string) (ItemsPage, error)
	GetLastEventID(ctx context.Context, shareID string) (string, error)
	GetEvents(ctx context.Context, shareID, sinceEventID string) (Delta, error)
}

type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "vaultpass"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

type Client struct {
	base    *url.URL
	http    *http.Client
	session *Session
	rl      *routeLimiter
}

func NewClient(cfg Config, session *Session) (*Client, error) {
	cfg.setDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("api: BaseURL required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api: bad base url: %w", err)
	}
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		session: session,
		rl:      newRouteLimiter(),
	}, nil
}

func (c *Client) do(ctx context.Context, method, route, path string, body, out any) error {
	if err := c.session.Check(); err != nil {
		return err
	}
	if err := c.rl.wait(ctx, route); err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	u := *c.base
	u.Path = u.Path + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.session.Token())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr)
		return &StatusError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

func (c *Client) GetShareKeys(ctx context.Context, shareID string) ([]ShareKeyEnvelope, error) {
	var out struct {
		Keys []ShareKeyEnvelope `json:"keys"`
	}
	err := c.do(ctx, http.MethodGet, "share_keys", "/shares/"+shareID+"/keys", nil, &out)
	return out.Keys, err
}

func (c *Client) GetLatestItemKey(ctx context.Context, shareID, itemID string) (ItemKeyEnvelope, error) {
	var out ItemKeyEnvelope
	err := c.do(ctx, http.MethodGet, "item_key", "/shares/"+shareID+"/items/"+itemID+"/key/latest", nil, &out)
	return out, err
}

func (c *Client) CreateItem(ctx context.Context, shareID string, req CreateItemRequest) (ItemRevision, error) {
	var out ItemRevision
	err := c.do(ctx, http.MethodPost, "item_write", "/shares/"+shareID+"/items", req, &out)
	return out, err
}

func (c *Client) CreateAlias(ctx context.Context, shareID string, req CreateAliasRequest) (ItemRevision, error) {
	var out ItemRevision
	err := c.do(ctx, http.MethodPost, "item_write", "/shares/"+shareID+"/aliases", req, &out)
	return out, err
}

func (c *Client) CreateAliasAndOtherItem(ctx context.Context, shareID string, req CreateAliasAndItemRequest) (AliasAndItemBundle, error) {
	var out AliasAndItemBundle
	err := c.do(ctx, http.MethodPost, "item_write", "/shares/"+shareID+"/aliases/bundle", req, &out)
	return out, err
}

func (c *Client) UpdateItem(ctx context.Context, shareID, itemID string, req UpdateItemRequest) (ItemRevision, error) {
	var out ItemRevision
	err := c.do(ctx, http.MethodPut, "item_write", "/shares/"+shareID+"/items/"+itemID, req, &out)
	return out, err
}

func (c *Client) TrashItems(ctx context.Context, shareID string, refs []ItemRef) ([]ItemRevision, error) {
	return c.changeState(ctx, shareID, "/items/trash", refs)
}

func (c *Client) UntrashItems(ctx context.Context, shareID string, refs []ItemRef) ([]ItemRevision, error) {
	return c.changeState(ctx, shareID, "/items/untrash", refs)
}

func (c *Client) changeState(ctx context.Context, shareID, suffix string, refs []ItemRef) ([]ItemRevision, error) {
	in := struct {
		Items []ItemRef `json:"items"`
	}{Items: refs}
	var out struct {
		Items []ItemRevision `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "item_batch", "/shares/"+shareID+suffix, in, &out)
	return out.Items, err
}

func (c *Client) DeleteItems(ctx context.Context, shareID string, refs []ItemRef) error {
	in := struct {
		Items []ItemRef `json:"items"`
	}{Items: refs}
	return c.do(ctx, http.MethodPost, "item_batch", "/shares/"+shareID+"/items/delete", in, nil)
}

func (c *Client) GetItemsPage(ctx context.Context, shareID, pageToken string) (ItemsPage, error) {
	path := "/shares/" + shareID + "/items"
	if pageToken != "" {
		path += "?since=" + url.QueryEscape(pageToken)
	}
	var out ItemsPage
	err := c.do(ctx, http.MethodGet, "item_list", path, nil, &out)
	return out, err
}

func (c *Client) GetLastEventID(ctx context.Context, shareID string) (string, error) {
	var out struct {
		EventID string `json:"eventId"`
	}
	err := c.do(ctx, http.MethodGet, "events", "/shares/"+shareID+"/events/latest", nil, &out)
	return out.EventID, err
}

func (c *Client) GetEvents(ctx context.Context, shareID, sinceEventID string) (Delta, error) {
	var out Delta
	err := c.do(ctx, http.MethodGet, "events", "/shares/"+shareID+"/events/"+url.PathEscape(sinceEventID), nil, &out)
	return out, err
}

var _ Service = (*Client)(nil)
