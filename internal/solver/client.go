package solver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/monitoring"
)

// Client speaks the sidecar solver's wire protocol: newline-delimited JSON
// request/response over a local TCP or unix socket. The transport is
// re-dialed on error; requests carry deadlines and honor context
// cancellation. Solver absence is a recoverable condition, never fatal.
type Client struct {
	network string
	addr    string

	// DefaultTimeout bounds solves with no explicit Params.Timeout.
	DefaultTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
	seq  int64
}

// NewClient creates a solver client for addr. An addr containing "/" is
// treated as a unix socket path, anything else as host:port.
func NewClient(addr string) *Client {
	network := "tcp"
	if strings.Contains(addr, "/") {
		network = "unix"
	}
	return &Client{network: network, addr: addr, DefaultTimeout: 10 * time.Second}
}

type wireRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type wireResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type solveRequest struct {
	Centroids []alg.ImageCoord `json:"centroids"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`
	TimeoutMS int64            `json:"timeout_ms,omitempty"`
	Params
}

// SolveFromCentroids implements Solver.
func (c *Client) SolveFromCentroids(ctx context.Context, centroids []alg.ImageCoord,
	width, height int, p Params) (*Solution, error) {

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = c.DefaultTimeout
	}
	req := solveRequest{
		Centroids: centroids,
		Width:     width,
		Height:    height,
		TimeoutMS: timeout.Milliseconds(),
		Params:    p,
	}
	var sol Solution
	if err := c.call(ctx, "solve", req, timeout, &sol); err != nil {
		return nil, err
	}
	return &sol, nil
}

// CatalogQuery proxies a catalog request to the solver-side catalog service.
// The request and reply are passed through opaquely.
func (c *Client) CatalogQuery(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := c.callRaw(ctx, "catalog."+method, raw, c.DefaultTimeout, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}, timeout time.Duration, out interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.callRaw(ctx, method, raw, timeout, out)
}

func (c *Client) callRaw(ctx context.Context, method string, params json.RawMessage, timeout time.Duration, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(timeout + 2*time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// One redial attempt on a broken transport.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.ensureConnLocked(ctx); err != nil {
			return &Error{Reason: FailureSolverFailed, Message: err.Error()}
		}

		// Abort the in-flight read if the context is cancelled.
		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.conn.SetDeadline(time.Now())
			case <-stop:
			}
		}()

		resp, err := c.roundTripLocked(method, params, deadline)
		close(stop)
		if err != nil {
			lastErr = err
			c.resetLocked()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if resp.Error != nil {
			return &Error{Reason: mapReason(resp.Error.Reason), Message: resp.Error.Message}
		}
		if out != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return &Error{Reason: FailureSolverFailed,
					Message: fmt.Sprintf("malformed solver reply: %v", err)}
			}
		}
		return nil
	}
	return &Error{Reason: FailureSolverFailed, Message: lastErr.Error()}
}

func (c *Client) roundTripLocked(method string, params json.RawMessage, deadline time.Time) (*wireResponse, error) {
	c.seq++
	req := wireRequest{ID: c.seq, Method: method, Params: params}
	buf, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	buf = append(buf, '\n')

	c.conn.SetDeadline(deadline)
	if _, err := c.conn.Write(buf); err != nil {
		return nil, err
	}
	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var resp wireResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, err
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("solver reply id %d for request %d", resp.ID, req.ID)
	}
	return &resp, nil
}

func (c *Client) ensureConnLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return fmt.Errorf("dial solver %s: %w", c.addr, err)
	}
	monitoring.Diagf("solver: connected to %s", c.addr)
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	return nil
}

func (c *Client) resetLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.rd = nil
	}
}

// Close tears down the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

func mapReason(s string) FailureReason {
	switch FailureReason(s) {
	case FailureTooFewStars, FailureBrightSky, FailureSolverFailed:
		return FailureReason(s)
	}
	return FailureSolverFailed
}
