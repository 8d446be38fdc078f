package remote

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"
)

// Client submits runs to a Server over one QUIC connection. Runs may be
// issued concurrently; each uses its own stream.
type Client struct {
	conn *quic.Conn
}

// Dial connects to addr. Any server presenting a certificate that names its
// own ed25519 key is accepted; use DialPinned to require a specific key.
func Dial(ctx context.Context, addr string) (*Client, error) {
	return DialPinned(ctx, addr, nil)
}

// DialPinned connects to addr and requires the server to hold serverKey.
func DialPinned(ctx context.Context, addr string, serverKey ed25519.PublicKey) (*Client, error) {
	quicConfig := &quic.Config{
		HandshakeIdleTimeout: 10 * time.Second,
		MaxIdleTimeout:       time.Minute,
		KeepAlivePeriod:      15 * time.Second,
	}
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(serverKey), quicConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Run sends req on a new stream and waits for the response.
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResponse, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}
	if err := writeValue(stream, &req); err != nil {
		stream.CancelRead(0)
		return nil, err
	}
	// Half-close: the request is complete.
	if err := stream.Close(); err != nil {
		return nil, err
	}

	var resp RunResponse
	if err := readValue(stream, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "")
}
