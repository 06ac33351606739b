package ipc

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client performs one-request-per-exchange calls against a broker or tasks
// socket. Safe for concurrent use; each call dials its own connection.
type Client struct {
	path        string
	dialTimeout time.Duration
}

func NewClient(path string) *Client {
	return &Client{path: path, dialTimeout: 5 * time.Second}
}

// Do sends req and waits for the matching response. The context deadline
// bounds the whole exchange, including the time the broker may hold the
// request before answering Deferred.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.path, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting deadline: %w", err)
		}
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &resp, nil
}
