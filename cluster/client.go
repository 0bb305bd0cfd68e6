// Package cluster calls the unit API of individual workers and fans calls
// out across worker sets, folding per-worker failures into nil entries so a
// dead node can't fail a cluster-wide operation.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

// Resolver maps a unit name to the base URL of its unit API.
type Resolver interface {
	Resolve(unit string) string
}

// AddressResolver resolves units by mDNS-style hostname, with per-unit
// overrides (used in tests and for nodes with static addresses).
type AddressResolver struct {
	Port      int
	Overrides map[string]string
}

func (r *AddressResolver) Resolve(unit string) string {
	if address, ok := r.Overrides[unit]; ok {
		return address
	}
	return fmt.Sprintf("http://%s.local:%d", unit, r.Port)
}

// Verb-specific default timeouts: reads poll a live endpoint and may lag;
// writes enqueue work on the worker and return fast.
const (
	GetTimeout   = 5 * time.Second
	WriteTimeout = 6 * time.Second
)

// Client issues unit-API calls against workers.
type Client struct {
	resolver Resolver
	http     *http.Client
}

func NewClient(resolver Resolver) *Client {
	return &Client{
		resolver: resolver,
		// Per-call deadlines come from contexts; the transport timeout is a
		// backstop.
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Get calls a worker's unit API. The returned body is nil on any failure:
// connection, HTTP status, or an unreadable body. Failures are logged, not
// returned.
func (c *Client) Get(ctx context.Context, worker, endpoint string, params url.Values) json.RawMessage {
	var target = c.resolver.Resolve(worker) + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		logWorkerErr(worker, endpoint, err)
		return nil
	}
	return c.do(worker, endpoint, req)
}

// Post calls a worker's unit API with an optional JSON body.
func (c *Client) Post(ctx context.Context, worker, endpoint string, body []byte) json.RawMessage {
	return c.write(ctx, http.MethodPost, worker, endpoint, body)
}

// Patch calls a worker's unit API with an optional JSON body.
func (c *Client) Patch(ctx context.Context, worker, endpoint string, body []byte) json.RawMessage {
	return c.write(ctx, http.MethodPatch, worker, endpoint, body)
}

// Delete calls a worker's unit API with an optional JSON body.
func (c *Client) Delete(ctx context.Context, worker, endpoint string, body []byte) json.RawMessage {
	return c.write(ctx, http.MethodDelete, worker, endpoint, body)
}

func (c *Client) write(ctx context.Context, method, worker, endpoint string, body []byte) json.RawMessage {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	var req, err = http.NewRequestWithContext(ctx, method, c.resolver.Resolve(worker)+endpoint, reader)
	if err != nil {
		logWorkerErr(worker, endpoint, err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(worker, endpoint, req)
}

func (c *Client) do(worker, endpoint string, req *http.Request) json.RawMessage {
	var resp, err = c.http.Do(req)
	if err != nil {
		logWorkerErr(worker, endpoint, err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		logWorkerErr(worker, endpoint, fmt.Errorf("status %d", resp.StatusCode))
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logWorkerErr(worker, endpoint, err)
		return nil
	}
	if len(body) == 0 {
		// Report a reachable worker with an empty response as JSON null,
		// distinct from an unreachable one only by having been logged.
		return json.RawMessage("null")
	}
	if !json.Valid(body) {
		logWorkerErr(worker, endpoint, fmt.Errorf("invalid JSON response"))
		return nil
	}
	return body
}

func logWorkerErr(worker, endpoint string, err error) {
	log.WithFields(log.Fields{
		"worker":   worker,
		"endpoint": endpoint,
		"err":      err,
	}).Error("unit API call failed; check connection?")
}
