// Package client talks to the remote time-series query API and the
// export registry API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"
)

// Sort directions accepted by the query API.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// UpstreamError reports a non-success status from a remote API. It becomes
// the failure reason of the enclosing export job.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream api returned status %d", e.StatusCode)
}

// TimeRange bounds a query. Both values use the remote API time format.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// QueryOptions selects one measurement's records.
type QueryOptions struct {
	Measurement string
	Sort        string
	Limit       int
	Window      *TimeRange
}

// Row is one record returned by the query API:
// [timestamp, data JSON, default values JSON].
type Row = []string

// Client issues authenticated requests against the query and registry APIs.
type Client struct {
	queryURL    string
	registryURL string
	userID      string
	timeFormat  string
	tokens      TokenSource
	client      *http.Client
}

// New creates a client. timeFormat is passed through to the query API so
// returned timestamps match the layout the pipeline parses.
func New(queryURL, registryURL, userID, timeFormat string, tokens TokenSource, timeout time.Duration) *Client {
	return &Client{
		queryURL:    queryURL,
		registryURL: registryURL,
		userID:      userID,
		timeFormat:  timeFormat,
		tokens:      tokens,
		client:      &http.Client{Timeout: timeout},
	}
}

type queryColumn struct {
	Name string `json:"name"`
}

type queryBody struct {
	Measurement string        `json:"measurement"`
	Columns     []queryColumn `json:"columns"`
	Limit       int           `json:"limit,omitempty"`
	Time        *TimeRange    `json:"time,omitempty"`
}

// Query retrieves rows for one measurement, ordered by timestamp.
func (c *Client) Query(ctx context.Context, opts QueryOptions) ([]Row, error) {
	body := []queryBody{{
		Measurement: opts.Measurement,
		Columns:     []queryColumn{{Name: "data"}, {Name: "default_values"}},
		Limit:       opts.Limit,
		Time:        opts.Window,
	}}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	endpoint := fmt.Sprintf(
		"%s?format=table&order_direction=%s&order_column_index=0&time_format=%s",
		c.queryURL, opts.Sort, url.QueryEscape(c.timeFormat),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.setAuthHeaders(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}

	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	for _, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("query response row has %d columns, want 3", len(row))
		}
	}
	return rows, nil
}

// Measurements returns the sorted measurement names whose registry
// description equals sourceID.
func (c *Client) Measurements(ctx context.Context, sourceID string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.registryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry request: %w", err)
	}
	if err := c.setAuthHeaders(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}

	var body struct {
		Instances []struct {
			Description string `json:"Description"`
			Measurement string `json:"Measurement"`
		} `json:"instances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}

	seen := make(map[string]bool)
	names := []string{}
	for _, instance := range body.Instances {
		if instance.Description != sourceID || seen[instance.Measurement] {
			continue
		}
		seen[instance.Measurement] = true
		names = append(names, instance.Measurement)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) setAuthHeaders(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain access token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-UserId", c.userID)
	return nil
}
