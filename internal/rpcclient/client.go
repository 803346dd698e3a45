// Package rpcclient provides a JSON-RPC 2.0 client for Qi zone nodes.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/qiwallet/internal/log"
	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single HTTP round trip.
const DefaultTimeout = 10 * time.Second

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 32 << 20

// Client is a JSON-RPC 2.0 HTTP client. Requests that concern a single
// zone go to that zone's endpoint when one is set, otherwise to the
// default endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	log      zerolog.Logger
	nextID   atomic.Uint64

	mu    sync.RWMutex
	zones map[types.Zone]string
}

// New creates a new RPC client targeting the given endpoint URL.
func New(endpoint string) *Client {
	return NewWithTimeout(endpoint, DefaultTimeout)
}

// NewWithTimeout creates a new RPC client with a custom HTTP timeout.
func NewWithTimeout(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		log:      log.RPC,
		zones:    make(map[types.Zone]string),
	}
}

// SetLogger replaces the client's logger.
func (c *Client) SetLogger(l zerolog.Logger) {
	c.log = l
}

// SetZoneEndpoint routes requests for zone to endpoint.
func (c *Client) SetZoneEndpoint(zone types.Zone, endpoint string) error {
	if !zone.IsValid() {
		return fmt.Errorf("invalid zone %d", uint8(zone))
	}
	c.mu.Lock()
	c.zones[zone] = endpoint
	c.mu.Unlock()
	return nil
}

// Endpoint returns the URL used for zone.
func (c *Client) Endpoint(zone types.Zone) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ep, ok := c.zones[zone]; ok {
		return ep
	}
	return c.endpoint
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      uint64          `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError is returned when the server responds with an error.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call invokes method on the default endpoint and unmarshals the result
// into result. If result is nil, the response result is discarded.
func (c *Client) Call(ctx context.Context, method string, result any, params ...any) error {
	return c.call(ctx, c.endpoint, method, result, params...)
}

// CallZone is Call routed to zone's endpoint.
func (c *Client) CallZone(ctx context.Context, zone types.Zone, method string, result any, params ...any) error {
	return c.call(ctx, c.Endpoint(zone), method, result, params...)
}

func (c *Client) call(ctx context.Context, endpoint, method string, result any, params ...any) error {
	req := request{
		JSONRPC: "2.0",
		Method:  method,
		ID:      c.nextID.Add(1),
	}
	if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: http request: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	c.log.Trace().
		Str("method", method).
		Uint64("id", req.ID).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("rpc call")

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: http status %s", method, resp.Status)
		}
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if rpcResp.ID != req.ID {
		return fmt.Errorf("%s: response id %d, want %d", method, rpcResp.ID, req.ID)
	}

	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}
