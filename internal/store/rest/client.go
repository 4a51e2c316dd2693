// Package rest implements the remote repository over an HTTPS JSON API.
//
// The client is a thin mapping from the Repository contract onto the
// service's resource endpoints. Every call is safe to retry: creates carry
// the client-generated id (the server upserts by id), updates and deletes
// are guarded by an If-Match version, and the changes feed is a read.
// Retrying itself is the sync engine's job; the client only classifies
// failures (transport and 5xx errors become *NetworkError, which the engine
// treats as transient).
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

const apiPrefix = "/api/v1"

// Config holds the connection parameters for one remote context.
type Config struct {
	// Endpoint is the service base URL, e.g. https://api.todopro.dev.
	Endpoint string
	// Token is the bearer credential. Acquisition is the auth subsystem's
	// problem; the client only attaches it.
	Token string
	// Timeout bounds each round-trip. Zero means 30s.
	Timeout time.Duration
	// Origin names this remote context for origin stamping.
	Origin string
}

// Client is the remote repository implementation.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ store.Repository = (*Client)(nil)

// New creates a client. It performs no I/O; the first repository call does.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}, nil
}

func collectionFor(kind model.Kind) (string, error) {
	switch kind {
	case model.KindTask:
		return "tasks", nil
	case model.KindProject:
		return "projects", nil
	case model.KindLabel:
		return "labels", nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
}

// GetAll implements store.Repository.
func (c *Client) GetAll(ctx context.Context, kind model.Kind, filter store.Filter) ([]model.Entity, error) {
	collection, err := collectionFor(kind)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	if filter.ProjectID != "" {
		q.Set("project_id", filter.ProjectID)
	}
	if filter.LabelID != "" {
		q.Set("label_id", filter.LabelID)
	}
	if filter.Completed != nil {
		q.Set("completed", strconv.FormatBool(*filter.Completed))
	}
	if filter.Priority > 0 {
		q.Set("priority", strconv.Itoa(filter.Priority))
	}
	if filter.IncludeDeleted {
		q.Set("include_deleted", "true")
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	path := apiPrefix + "/" + collection
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, path, nil, kind, "")
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("malformed %s list response: %w", collection, err)
	}
	entities := make([]model.Entity, 0, len(items))
	for _, raw := range items {
		e, err := decodeEntity(kind, raw)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// GetByID implements store.Repository.
func (c *Client) GetByID(ctx context.Context, kind model.Kind, id string) (model.Entity, error) {
	collection, err := collectionFor(kind)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodGet, apiPrefix+"/"+collection+"/"+url.PathEscape(id), nil, kind, id)
	if err != nil {
		return nil, err
	}
	return decodeEntity(kind, body)
}

// Create implements store.Repository. The client-generated id rides along,
// making a retried create an idempotent upsert on the server.
func (c *Client) Create(ctx context.Context, e model.Entity) (model.Entity, error) {
	collection, err := collectionFor(e.Kind())
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", e.Kind(), err)
	}
	body, err := c.do(ctx, http.MethodPost, apiPrefix+"/"+collection, payload, e.Kind(), e.EntityID())
	if err != nil {
		return nil, err
	}
	return decodeEntity(e.Kind(), body)
}

// Update implements store.Repository. The compare-and-swap travels as an
// If-Match header; 412 comes back with the server's current copy attached.
func (c *Client) Update(ctx context.Context, e model.Entity, expectedVersion int) (model.Entity, error) {
	collection, err := collectionFor(e.Kind())
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", e.Kind(), err)
	}
	path := apiPrefix + "/" + collection + "/" + url.PathEscape(e.EntityID())
	body, err := c.doWithMatch(ctx, http.MethodPut, path, payload, e.Kind(), e.EntityID(), expectedVersion)
	if err != nil {
		return nil, err
	}
	return decodeEntity(e.Kind(), body)
}

// SoftDelete implements store.Repository.
func (c *Client) SoftDelete(ctx context.Context, kind model.Kind, id string, expectedVersion int) error {
	collection, err := collectionFor(kind)
	if err != nil {
		return err
	}
	path := apiPrefix + "/" + collection + "/" + url.PathEscape(id)
	_, err = c.doWithMatch(ctx, http.MethodDelete, path, nil, kind, id, expectedVersion)
	return err
}

// changesResponse is the wire shape of the changes feed. Items carry their
// kind because the feed interleaves entity types.
type changesResponse struct {
	Items []struct {
		Kind   model.Kind      `json:"kind"`
		Entity json.RawMessage `json:"entity"`
	} `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// ChangesSince implements store.Repository. The cursor is whatever opaque
// string the server handed out last time; the client never interprets it.
func (c *Client) ChangesSince(ctx context.Context, cursor string) ([]model.Entity, string, error) {
	path := apiPrefix + "/changes"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	body, err := c.do(ctx, http.MethodGet, path, nil, "", "")
	if err != nil {
		return nil, "", err
	}
	var resp changesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("malformed changes response: %w", err)
	}
	entities := make([]model.Entity, 0, len(resp.Items))
	for _, item := range resp.Items {
		e, err := decodeEntity(item.Kind, item.Entity)
		if err != nil {
			return nil, "", err
		}
		entities = append(entities, e)
	}
	return entities, resp.NextCursor, nil
}

// Close implements store.Repository.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, kind model.Kind, id string) ([]byte, error) {
	return c.doWithMatch(ctx, method, path, payload, kind, id, -1)
}

func (c *Client) doWithMatch(ctx context.Context, method, path string, payload []byte, kind model.Kind, id string, expectedVersion int) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if expectedVersion >= 0 {
		req.Header.Set("If-Match", strconv.Itoa(expectedVersion))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &store.NetworkError{Op: method + " " + path, Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &store.NetworkError{Op: method + " " + path, Cause: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, store.ErrNotFound
	case resp.StatusCode == http.StatusPreconditionFailed || resp.StatusCode == http.StatusConflict:
		return nil, c.conflictFrom(kind, id, expectedVersion, data)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &store.ValidationError{Kind: kind, ID: id, Reason: fmt.Errorf("%s", errorMessage(data, resp.Status))}
	case resp.StatusCode >= 500:
		return nil, &store.NetworkError{Op: method + " " + path, Cause: fmt.Errorf("server error: %s", resp.Status)}
	default:
		return nil, fmt.Errorf("%s %s: unexpected status %s: %s", method, path, resp.Status, errorMessage(data, ""))
	}
}

// conflictFrom rebuilds a ConflictError from a 412/409 body, which carries
// the server's current copy of the entity when the server knows it.
func (c *Client) conflictFrom(kind model.Kind, id string, expectedVersion int, data []byte) error {
	conflict := &store.ConflictError{Kind: kind, ID: id, ExpectedVersion: expectedVersion}
	if len(data) > 0 && kind != "" {
		if current, err := decodeEntity(kind, data); err == nil {
			conflict.Current = current
		}
	}
	return conflict
}

func decodeEntity(kind model.Kind, raw json.RawMessage) (model.Entity, error) {
	e, err := model.New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", kind, err)
	}
	return e, nil
}

func errorMessage(data []byte, fallback string) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &e); err == nil && e.Error != "" {
		return e.Error
	}
	if fallback != "" {
		return fallback
	}
	return string(data)
}
