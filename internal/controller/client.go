// Package controller is a client for the tincan control socket.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rudransh-shrivastava/tincan/internal/protocol"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("control connection closed")

type Client struct {
	conn   net.Conn
	codec  *protocol.Codec
	log    *logrus.Logger
	nextTx atomic.Uint64
	wmu    sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *protocol.Control
	err     error

	notifications chan *protocol.Control
	done          chan struct{}
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string, log *logrus.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}

	c := &Client{
		conn:          conn,
		codec:         protocol.NewCodec(),
		log:           log,
		pending:       make(map[uint64]chan *protocol.Control),
		notifications: make(chan *protocol.Control, 64),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Notifications delivers requests initiated by tincan, such as
// RegisterDataplane and LinkStateChange. Excess notifications are dropped.
func (c *Client) Notifications() <-chan *protocol.Control {
	return c.notifications
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		ctrl, err := c.codec.Decode(c.conn)
		if err != nil {
			c.fail(err)
			return
		}

		if ctrl.Type == protocol.CTTincanRequest {
			select {
			case c.notifications <- ctrl:
			default:
				c.log.Warnf("Dropping %s notification", ctrl.Command())
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[ctrl.TransactionID]
		delete(c.pending, ctrl.TransactionID)
		c.mu.Unlock()
		if !ok {
			c.log.Debugf("Unexpected response %d", ctrl.TransactionID)
			continue
		}
		ch <- ctrl
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Request sends cmd with params and waits for the matching response.
func (c *Client) Request(ctx context.Context, cmd protocol.Command, params map[string]any) (*protocol.Control, error) {
	ctrl, err := protocol.NewRequest(c.nextTx.Add(1), cmd, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Control, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	c.pending[ctrl.TransactionID] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err = c.codec.Encode(c.conn, ctrl)
	c.wmu.Unlock()
	if err != nil {
		c.forget(ctrl.TransactionID)
		return nil, fmt.Errorf("sending %s: %w", cmd, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(ctrl.TransactionID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(txID uint64) {
	c.mu.Lock()
	delete(c.pending, txID)
	c.mu.Unlock()
}

func (c *Client) Echo(ctx context.Context, msg string) (string, error) {
	resp, err := c.Request(ctx, protocol.CmdEcho, map[string]any{protocol.KeyMessage: msg})
	if err != nil {
		return "", err
	}
	return resp.Message().GetStringValue(), nil
}

func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}
