package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Client calls a control server.
type Client struct {
	socketPath string
	timeout    time.Duration
	seq        atomic.Uint64
}

// NewClient creates a client. A zero timeout defaults to 10s.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

type clientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Call sends one request and returns the raw result. A server side error
// is returned as *ErrorInfo.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if params != nil {
		if raw, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	id := fmt.Sprintf("req-%d", c.seq.Add(1))
	if err := json.NewEncoder(conn).Encode(Request{JSONRPC: "2.0", Method: method, Params: raw, ID: id}); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var resp clientResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if got := fmt.Sprintf("%v", resp.ID); got != id {
		return nil, fmt.Errorf("response ID mismatch: expected %s, got %s", id, got)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Flows lists every known flow.
func (c *Client) Flows(ctx context.Context) ([]FlowStatus, error) {
	var out []FlowStatus
	if err := c.decode(ctx, MethodFlows, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns one flow.
func (c *Client) Status(ctx context.Context, flow string) (FlowStatus, error) {
	var out FlowStatus
	if err := c.decode(ctx, MethodStatus, FlowParams{Flow: flow}, &out); err != nil {
		return FlowStatus{}, err
	}
	return out, nil
}

// Reset asks the flow to drop its state and resync.
func (c *Client) Reset(ctx context.Context, flow string) (ResetResult, error) {
	var out ResetResult
	if err := c.decode(ctx, MethodReset, FlowParams{Flow: flow}, &out); err != nil {
		return ResetResult{}, err
	}
	return out, nil
}

func (c *Client) decode(ctx context.Context, method string, params, out interface{}) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
