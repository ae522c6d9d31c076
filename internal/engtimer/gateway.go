package engtimer

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
)

// GatewayError carries the upstream HTTP status and body verbatim.
// Configuration marks errors (missing API key, no mapped database) the
// caller must never retry.
type GatewayError struct {
	Status        int
	Body          string
	Configuration bool
}

func (e *GatewayError) Error() string {
	if e.Configuration {
		return fmt.Sprintf("gateway configuration error: %s", e.Body)
	}
	return fmt.Sprintf("gateway upstream error: status=%d body=%s", e.Status, e.Body)
}

// QueryResult is one page of a database query.
type QueryResult struct {
	Results []RemotePage `json:"results"`
}

// IncrementResult reports the value after an increment.
type IncrementResult struct {
	Success  bool    `json:"success"`
	NewValue float64 `json:"newValue"`
}

// Gateway is the remote workspace surface the sync engine talks to. All
// four operations are side-effecting HTTP calls; only UpdatePage with a
// full property replacement is idempotent.
type Gateway interface {
	QueryDatabase(ctx context.Context, databaseID string, filter map[string]any) (QueryResult, error)
	CreatePage(ctx context.Context, databaseID string, properties map[string]PropertyValue) (RemotePage, error)
	UpdatePage(ctx context.Context, pageID string, properties map[string]PropertyValue) (RemotePage, error)
	IncrementNumberProperty(ctx context.Context, pageID, property string, delta float64) (IncrementResult, error)
}

type HTTPGatewayOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	APIVersion string
	PageSize   int
}

// HTTPGateway holds the workspace API secret and forwards operations to
// the remote REST API. No call-level retries: a failed call surfaces to
// the caller, which tolerates it at the loop level.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	apiVersion string
	pageSize   int

	// Increments are read-modify-write against the remote page; a keyed
	// mutex serializes them per page id so concurrent writebacks cannot
	// clobber each other.
	pageMu    sync.Mutex
	pageLocks map[string]*sync.Mutex
}

func NewHTTPGateway(opts HTTPGatewayOptions) *HTTPGateway {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	return &HTTPGateway{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		apiVersion: apiVersion,
		pageSize:   pageSize,
		pageLocks:  map[string]*sync.Mutex{},
	}
}

func (g *HTTPGateway) QueryDatabase(ctx context.Context, databaseID string, filter map[string]any) (QueryResult, error) {
	if strings.TrimSpace(databaseID) == "" {
		return QueryResult{}, fmt.Errorf("%w: database id is required", ErrInvalidInput)
	}
	body := map[string]any{"page_size": g.pageSize}
	if filter != nil {
		body["filter"] = filter
	}
	var result QueryResult
	err := g.do(ctx, http.MethodPost, "/v1/databases/"+databaseID+"/query", body, &result)
	return result, err
}

func (g *HTTPGateway) CreatePage(ctx context.Context, databaseID string, properties map[string]PropertyValue) (RemotePage, error) {
	if strings.TrimSpace(databaseID) == "" || len(properties) == 0 {
		return RemotePage{}, fmt.Errorf("%w: database id and properties are required", ErrInvalidInput)
	}
	body := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": properties,
	}
	var page RemotePage
	err := g.do(ctx, http.MethodPost, "/v1/pages", body, &page)
	return page, err
}

func (g *HTTPGateway) UpdatePage(ctx context.Context, pageID string, properties map[string]PropertyValue) (RemotePage, error) {
	if strings.TrimSpace(pageID) == "" || len(properties) == 0 {
		return RemotePage{}, fmt.Errorf("%w: page id and properties are required", ErrInvalidInput)
	}
	body := map[string]any{"properties": properties}
	var page RemotePage
	err := g.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, body, &page)
	return page, err
}

// IncrementNumberProperty reads the page, treats an absent or non-numeric
// value as 0, and writes back the sum. Serialized per page id.
func (g *HTTPGateway) IncrementNumberProperty(ctx context.Context, pageID, property string, delta float64) (IncrementResult, error) {
	if strings.TrimSpace(pageID) == "" || strings.TrimSpace(property) == "" {
		return IncrementResult{}, fmt.Errorf("%w: page id and property are required", ErrInvalidInput)
	}
	lock := g.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	var page RemotePage
	if err := g.do(ctx, http.MethodGet, "/v1/pages/"+pageID, nil, &page); err != nil {
		return IncrementResult{}, err
	}
	current := 0.0
	if prop, ok := page.Properties[property]; ok && prop.Number != nil {
		current = *prop.Number
	}
	newValue := current + delta
	body := map[string]any{
		"properties": map[string]PropertyValue{property: NumberProperty(newValue)},
	}
	if err := g.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, body, nil); err != nil {
		return IncrementResult{}, err
	}
	return IncrementResult{Success: true, NewValue: newValue}, nil
}

func (g *HTTPGateway) pageLock(pageID string) *sync.Mutex {
	g.pageMu.Lock()
	defer g.pageMu.Unlock()
	lock, ok := g.pageLocks[pageID]
	if !ok {
		lock = &sync.Mutex{}
		g.pageLocks[pageID] = lock
	}
	return lock
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, payload, out any) error {
	if g == nil {
		return fmt.Errorf("gateway is nil")
	}
	if g.apiKey == "" {
		return &GatewayError{Configuration: true, Body: "Missing API Key"}
	}
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Notion-Version", g.apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &GatewayError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
