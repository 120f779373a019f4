package hmi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
)

// Client keeps one connection to the HMI server. Calls are serialised since
// the protocol pairs responses with requests by order.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

func Dial(ctx context.Context, address string, timeout time.Duration) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to controller at %s: %w", address, err)
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64*1024),
		timeout: timeout,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Send writes one command and returns the raw JSON response line.
func (c *Client) Send(ctx context.Context, cmd kneader.Command) (json.RawMessage, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return json.RawMessage(line), nil
}

func (c *Client) Status(ctx context.Context) (kneader.Status, error) {
	var st kneader.Status
	raw, err := c.Send(ctx, kneader.Command{Command: "get_status"})
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Ack sends cmd and decodes the {status, message} part of the answer. Status
// answers decode with an empty Status field.
func (c *Client) Ack(ctx context.Context, cmd kneader.Command) (kneader.Ack, error) {
	var a kneader.Ack
	raw, err := c.Send(ctx, cmd)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, fmt.Errorf("decode response: %w", err)
	}
	return a, nil
}
