// Package client provides a thin stub bound to one replica at
// construction: every request is sent to that replica and the reply is
// drained from the client's own inbox, matched by discriminator, within a
// deadline governed by context.Context.
package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/varunsly/raftfs/internal/consensus"
	"github.com/varunsly/raftfs/internal/transport"
)

// Client sends requests to one fixed replica and waits for the matching
// response on its own inbox.
type Client struct {
	id      consensus.NodeID
	server  consensus.NodeID
	bus     transport.Transport
	timeout time.Duration
	logger  *zap.Logger
}

// New binds a client identity to a single replica.
func New(id, server consensus.NodeID, bus transport.Transport, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{id: id, server: server, bus: bus, timeout: timeout, logger: logger}
}

// CreateFile asks the connected replica to create filename.
func (c *Client) CreateFile(ctx context.Context, filename string) (bool, error) {
	c.bus.Send(consensus.Message{
		Type: consensus.CreateFile, From: c.id, To: c.server,
		Data: consensus.CreateFileArgs{Filename: filename, ClientID: c.id},
	}, c.server)

	resp, err := awaitResponse[consensus.CreateFileResponseArgs](ctx, c, consensus.CreateFileResponse)
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// ReadFile returns the connected replica's current content for filename.
func (c *Client) ReadFile(ctx context.Context, filename string) (string, error) {
	c.bus.Send(consensus.Message{
		Type: consensus.ReadFile, From: c.id, To: c.server,
		Data: consensus.ReadFileArgs{Filename: filename, ClientID: c.id},
	}, c.server)

	resp, err := awaitResponse[consensus.ReadFileResponseArgs](ctx, c, consensus.ReadFileResponse)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// WriteFile appends a new version with content to filename.
func (c *Client) WriteFile(ctx context.Context, filename, content string) (bool, error) {
	c.bus.Send(consensus.Message{
		Type: consensus.WriteFile, From: c.id, To: c.server,
		Data: consensus.WriteFileArgs{Filename: filename, Content: content, ClientID: c.id},
	}, c.server)

	resp, err := awaitResponse[consensus.WriteFileResponseArgs](ctx, c, consensus.WriteFileResponse)
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// DeleteFile removes filename.
func (c *Client) DeleteFile(ctx context.Context, filename string) (bool, error) {
	c.bus.Send(consensus.Message{
		Type: consensus.DeleteFile, From: c.id, To: c.server,
		Data: consensus.DeleteFileArgs{Filename: filename, ClientID: c.id},
	}, c.server)

	resp, err := awaitResponse[consensus.DeleteFileResponseArgs](ctx, c, consensus.DeleteFileResponse)
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// RequestLease asks for an exclusive, time-bounded lease on filename for lesseeID.
func (c *Client) RequestLease(ctx context.Context, filename string, lesseeID consensus.NodeID, duration time.Duration) (bool, error) {
	c.bus.Send(consensus.Message{
		Type: consensus.RequestLease, From: c.id, To: c.server,
		Data: consensus.RequestLeaseArgs{Filename: filename, Duration: duration, LesseeID: lesseeID, ClientID: c.id},
	}, c.server)

	resp, err := awaitResponse[consensus.RequestLeaseResponseArgs](ctx, c, consensus.RequestLeaseResponse)
	if err != nil {
		return false, err
	}
	return resp.Granted, nil
}

// ReleaseLease releases a lease on filename held by lesseeID.
func (c *Client) ReleaseLease(ctx context.Context, filename string, lesseeID consensus.NodeID) (bool, error) {
	c.bus.Send(consensus.Message{
		Type: consensus.ReleaseLease, From: c.id, To: c.server,
		Data: consensus.ReleaseLeaseArgs{Filename: filename, LesseeID: lesseeID, ClientID: c.id},
	}, c.server)

	resp, err := awaitResponse[consensus.ReleaseLeaseResponseArgs](ctx, c, consensus.ReleaseLeaseResponse)
	if err != nil {
		return false, err
	}
	return resp.Released, nil
}

// awaitResponse drains c's inbox until a message of type want arrives,
// decoding its payload as T. Messages of any other type are logged and
// discarded. ctx is given the client's configured timeout if it carries no
// deadline of its own.
func awaitResponse[T any](ctx context.Context, c *Client, want consensus.MessageType) (T, error) {
	var zero T

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("client %s: no %s from %s: %w", c.id, want, c.server, ctx.Err())
		case <-ticker.C:
			msg, ok := c.bus.Receive(c.id)
			if !ok {
				continue
			}
			if msg.Type != want {
				c.logger.Warn("received unexpected response type",
					zap.String("client", string(c.id)),
					zap.String("type", string(msg.Type)))
				continue
			}
			return consensus.DecodeArgs[T](msg.Data)
		}
	}
}
