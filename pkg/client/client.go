// Package client is a minimal synchronous client for the voxd Unix
// socket protocol: one JSON-RPC line out, one line back.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/voxforge/voxd/pkg/protocol"
)

// DefaultTimeout bounds a single round trip.
const DefaultTimeout = 30 * time.Second

// Client talks to a running daemon. Safe for concurrent use; calls are
// serialized because the protocol is handled line-for-line.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	mu      sync.Mutex
	nextID  int64
	timeout time.Duration
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	return DialTimeout(socketPath, DefaultTimeout)
}

// DialTimeout connects with an explicit per-call deadline.
func DialTimeout(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	return &Client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		timeout: timeout,
	}, nil
}

type wireResponse struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      json.RawMessage       `json:"id"`
	Result  json.RawMessage       `json:"result"`
	Error   *protocol.ErrorObject `json:"error"`
}

// Call invokes a method and returns its raw result. Wire errors come
// back as *protocol.ErrorObject.
func (c *Client) Call(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := protocol.Request{
		JSONRPC: protocol.Version,
		Method:  method,
		ID:      json.RawMessage(fmt.Sprintf("%d", c.nextID)),
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		req.Params = raw
	}

	line, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}
	raw, err := c.roundTrip(append(line, '\n'))
	if err != nil {
		return nil, err
	}

	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// CallInto invokes a method and unmarshals the result into v.
func (c *Client) CallInto(method string, params, v any) error {
	result, err := c.Call(method, params)
	if err != nil {
		return err
	}
	if v == nil || len(result) == 0 {
		return nil
	}
	return json.Unmarshal(result, v)
}

// Notify sends a notification. No response is read.
func (c *Client) Notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := protocol.Request{JSONRPC: protocol.Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}
	line, err := json.Marshal(&req)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err = c.conn.Write(append(line, '\n'))
	return err
}

// Raw sends one pre-formed line and returns the next response line.
// Used by the REPL's passthrough mode.
func (c *Client) Raw(line []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	return c.roundTrip(line)
}

func (c *Client) roundTrip(line []byte) ([]byte, error) {
	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(line); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	resp, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, nil
}

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	var pong string
	if err := c.CallInto("ping", nil, &pong); err != nil {
		return err
	}
	if pong != "pong" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}
