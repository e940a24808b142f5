// Package client is a Go client for the relaychat protocol over TCP, SSH or
// WebSocket. Requests are answered in order, so a Client keeps at most one
// request in flight; events are delivered separately on Events.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/aeolun/relaychat/pkg/protocol"
)

var ErrClosed = errors.New("connection closed")

const eventBuffer = 256

// Client is one connection to a relaychat server.
type Client struct {
	conn     net.Conn
	address  string
	connType string
	logger   *log.Logger

	sendMu sync.Mutex // Serializes frame writes
	reqMu  sync.Mutex // One request in flight

	responses chan *protocol.Message
	events    chan *protocol.Message
	dropped   atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to addr (see parseServerAddress for the accepted forms).
func Dial(addr string, opts DialOptions) (*Client, error) {
	cfg, err := parseServerAddress(addr, opts)
	if err != nil {
		return nil, err
	}
	conn, err := cfg.dial()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.display, err)
	}
	c := NewClient(conn)
	c.address = cfg.display
	c.connType = cfg.connType
	return c, nil
}

// NewClient wraps an established connection and starts reading from it.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:      conn,
		address:   conn.RemoteAddr().String(),
		connType:  "tcp",
		logger:    log.New(io.Discard, "", 0),
		responses: make(chan *protocol.Message, 1),
		events:    make(chan *protocol.Message, eventBuffer),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// SetLogger sets the logger for connection debugging
func (c *Client) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Client) Address() string        { return c.address }
func (c *Client) ConnectionType() string { return c.connType }

// Events delivers unsolicited server pushes. It is closed when the
// connection ends.
func (c *Client) Events() <-chan *protocol.Message { return c.events }

// Done is closed when the connection ends; Err then says why.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil while it is up.
// A clean server close reports io.EOF.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// DroppedEvents counts events discarded because nobody drained Events.
func (c *Client) DroppedEvents() int64 { return c.dropped.Load() }

// Close tears down the connection
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return c.conn.Close()
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		frameType, msg, err := protocol.ReadMessage(c.conn)
		if err != nil {
			if frameType != 0 {
				// Bad payload inside a good frame, keep going
				c.logger.Printf("discarding frame 0x%02X: %v", frameType, err)
				continue
			}
			c.fail(err)
			return
		}

		switch frameType {
		case protocol.TypeResponse:
			select {
			case c.responses <- msg:
			default:
				c.logger.Printf("unsolicited %s response discarded", msg.Action)
			}
		case protocol.TypeEvent:
			c.deliverEvent(msg)
		default:
			c.logger.Printf("unexpected frame type 0x%02X", frameType)
		}
	}
}

// deliverEvent never blocks the reader: when the buffer is full the oldest
// event is discarded.
func (c *Client) deliverEvent(msg *protocol.Message) {
	for {
		select {
		case c.events <- msg:
			return
		default:
		}
		select {
		case <-c.events:
			c.dropped.Add(1)
		default:
		}
	}
}

// Send writes a request without waiting for its response.
func (c *Client) Send(req *protocol.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return protocol.WriteMessage(c.conn, protocol.TypeRequest, req)
}

// Request sends req and waits for the matching response. If ctx ends first
// the connection is closed.
func (c *Client) Request(ctx context.Context, req *protocol.Message) (*protocol.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.Send(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Action, err)
	}

	select {
	case resp := <-c.responses:
		return resp, nil
	case <-ctx.Done():
		// A late response could no longer be told apart from the next one
		c.Close()
		return nil, ctx.Err()
	case <-c.done:
		// The response may have raced the close
		select {
		case resp := <-c.responses:
			return resp, nil
		default:
		}
		return nil, fmt.Errorf("%s: %w", req.Action, c.Err())
	}
}

// Login authenticates the connection
func (c *Client) Login(ctx context.Context, username, password string) (protocol.Status, error) {
	resp, err := c.Request(ctx, &protocol.Message{
		Action:   protocol.ActionLogin,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Logout ends the session. The server closes the connection afterwards.
func (c *Client) Logout(ctx context.Context) (string, error) {
	resp, err := c.Request(ctx, &protocol.Message{Action: protocol.ActionLogout})
	if err != nil {
		return "", err
	}
	return resp.ReplyText(), nil
}

// Message sends a direct message to user
func (c *Client) Message(ctx context.Context, user, text string) (protocol.Status, error) {
	resp, err := c.Request(ctx, &protocol.Message{
		Action:  protocol.ActionMessage,
		User:    user,
		Message: text,
	})
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

// BroadcastResult is the server's accounting of one broadcast
type BroadcastResult struct {
	Sent    int
	Blocked int
	Status  protocol.Status // set when the broadcast was refused
}

// Broadcast sends text to every other online user
func (c *Client) Broadcast(ctx context.Context, text string) (BroadcastResult, error) {
	resp, err := c.Request(ctx, &protocol.Message{
		Action:  protocol.ActionBroadcast,
		Message: text,
	})
	if err != nil {
		return BroadcastResult{}, err
	}
	result := BroadcastResult{Status: resp.Status}
	if resp.NSent != nil {
		result.Sent = *resp.NSent
	}
	if resp.NBlocked != nil {
		result.Blocked = *resp.NBlocked
	}
	return result, nil
}

func (c *Client) Block(ctx context.Context, user string) (protocol.Status, error) {
	return c.setBlocked(ctx, protocol.ActionBlock, user)
}

func (c *Client) Unblock(ctx context.Context, user string) (protocol.Status, error) {
	return c.setBlocked(ctx, protocol.ActionUnblock, user)
}

func (c *Client) setBlocked(ctx context.Context, action, user string) (protocol.Status, error) {
	resp, err := c.Request(ctx, &protocol.Message{Action: action, User: user})
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

// WhoElse lists the other online users
func (c *Client) WhoElse(ctx context.Context) ([]string, protocol.Status, error) {
	resp, err := c.Request(ctx, &protocol.Message{Action: protocol.ActionWhoElse})
	if err != nil {
		return nil, "", err
	}
	return resp.ReplyList(), resp.Status, nil
}

// WhoElseSince lists the other users who logged in within the last seconds
func (c *Client) WhoElseSince(ctx context.Context, seconds int64) ([]string, protocol.Status, error) {
	resp, err := c.Request(ctx, &protocol.Message{
		Action: protocol.ActionWhoElseSince,
		Since:  protocol.SinceValue(seconds),
	})
	if err != nil {
		return nil, "", err
	}
	return resp.ReplyList(), resp.Status, nil
}
