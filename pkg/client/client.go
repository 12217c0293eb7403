// Package client is a thin library for talking to a raftdb cluster over
// HTTP, grounded on the teacher's in-process pkg/api.Client: the same
// multi-node awareness and Set/Get/Delete convenience surface, adapted to
// dial real nodes over the network instead of holding *raft.Node values
// directly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client round-trips requests to one of a fixed set of node addresses.
// Every node answers every request (pkg/raft forwards internally), so
// Client's only job is to route around a node that's down or slow; it
// remembers the last node that served a request successfully and tries
// that one first next time.
type Client struct {
	mu        sync.Mutex
	addresses []string
	lastGood  int

	httpClient *http.Client
	timeout    time.Duration
}

// NewClient builds a client over the given "host:port" HTTP addresses.
func NewClient(addresses []string) *Client {
	return &Client{
		addresses:  append([]string(nil), addresses...),
		httpClient: &http.Client{},
		timeout:    5 * time.Second,
	}
}

// SetTimeout overrides the per-request deadline (default 5s).
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

type kvResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Found bool   `json:"found"`
}

type writeRequest struct {
	Value string `json:"value"`
}

type errorResponse struct {
	Error    string `json:"error"`
	LeaderID string `json:"leader_id"`
}

// ErrKeyNotFound is returned by Get when the key has no value.
var ErrKeyNotFound = fmt.Errorf("client: key not found")

// Get fetches key, reading linearizably by default.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var resp kvResponse
	if err := c.do(ctx, http.MethodGet, "/kv/"+key, nil, &resp); err != nil {
		return "", err
	}
	if !resp.Found {
		return "", ErrKeyNotFound
	}
	return resp.Value, nil
}

// GetEventual fetches key from whichever node answers, without forcing a
// leader-lease round trip — may return stale data on a lagging follower.
func (c *Client) GetEventual(ctx context.Context, key string) (string, error) {
	var resp kvResponse
	if err := c.do(ctx, http.MethodGet, "/kv/"+key+"?consistency=eventual", nil, &resp); err != nil {
		return "", err
	}
	if !resp.Found {
		return "", ErrKeyNotFound
	}
	return resp.Value, nil
}

// Set writes key=value, committing before returning.
func (c *Client) Set(ctx context.Context, key, value string) error {
	body, err := json.Marshal(writeRequest{Value: value})
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	return c.do(ctx, http.MethodPut, "/kv/"+key, bytes.NewReader(body), nil)
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/kv/"+key, nil, nil)
}

// ScanResult is one key/value pair returned by ScanPrefix.
type ScanResult struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ScanPrefix returns every key/value pair under prefix as of a single
// consistent read.
func (c *Client) ScanPrefix(ctx context.Context, prefix string) ([]ScanResult, error) {
	var resp []kvResponse
	if err := c.do(ctx, http.MethodGet, "/scan/"+prefix, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]ScanResult, len(resp))
	for i, r := range resp {
		out[i] = ScanResult{Key: r.Key, Value: r.Value}
	}
	return out, nil
}

// AddNode submits a membership change adding nodeID at address to the
// cluster.
func (c *Client) AddNode(ctx context.Context, nodeID, address string) error {
	body, err := json.Marshal(struct {
		NodeID  string `json:"node_id"`
		Address string `json:"address"`
	}{nodeID, address})
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/cluster/nodes", bytes.NewReader(body), nil)
}

// RemoveNode submits a membership change removing nodeID from the
// cluster.
func (c *Client) RemoveNode(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodDelete, "/cluster/nodes/"+nodeID, nil, nil)
}

// Status is the subset of a node's /status response a client cares about.
type Status struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	LeaderID    string `json:"leader_id"`
	CommitIndex uint64 `json:"commit_index"`
}

// StatusOf queries one specific node by its index in the address list,
// bypassing the usual any-node routing (useful for test harnesses that
// want to assert on a particular node's view).
func (c *Client) StatusOf(ctx context.Context, index int) (*Status, error) {
	c.mu.Lock()
	if index < 0 || index >= len(c.addresses) {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: node index %d out of range", index)
	}
	addr := c.addresses[index]
	c.mu.Unlock()

	var status Status
	if err := c.doAt(ctx, addr, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// do tries the last-good node first, then every other node in order,
// giving up with the last error once all addresses have failed.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("client: read request body: %w", err)
		}
	}

	c.mu.Lock()
	start := c.lastGood
	order := make([]int, len(c.addresses))
	for i := range c.addresses {
		order[i] = (start + i) % len(c.addresses)
	}
	addresses := c.addresses
	c.mu.Unlock()

	var lastErr error
	for _, idx := range order {
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		err := c.doAt(ctx, addresses[idx], method, path, reqBody, out)
		if err == nil {
			c.mu.Lock()
			c.lastGood = idx
			c.mu.Unlock()
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) doAt(ctx context.Context, address, method, path string, body io.Reader, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := "http://" + address + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: request to %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("client: decode response: %w", err)
		}
		return nil
	}

	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		return fmt.Errorf("client: %s: %s", address, errResp.Error)
	}
	return fmt.Errorf("client: %s: unexpected status %d", address, resp.StatusCode)
}
