package webrtc

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rudransh-shrivastava/tincan/internal/transport"
	"github.com/sirupsen/logrus"
)

const maxFrameSize = 64 * 1024

// connection is the established channel of a link: the ICE conn, wrapped in
// DTLS when a certificate is configured.
type connection struct {
	conn     net.Conn
	writable atomic.Bool
	onSent   func(transport.SentPacket)
	log      *logrus.Entry

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(conn net.Conn, onSent func(transport.SentPacket), log *logrus.Entry) *connection {
	return &connection{
		conn:   conn,
		onSent: onSent,
		log:    log,
		done:   make(chan struct{}),
	}
}

func (c *connection) SendPacket(data []byte, _ transport.PacketOptions) (int, error) {
	if !c.writable.Load() {
		return -1, transport.ErrNotWritable
	}
	n, err := c.conn.Write(data)
	if err != nil {
		return -1, err
	}
	if c.onSent != nil {
		c.onSent(transport.SentPacket{Size: n, SendTime: time.Now()})
	}
	return n, nil
}

func (c *connection) Writable() bool {
	return c.writable.Load()
}

// readLoop hands every received frame to deliver until the conn closes.
func (c *connection) readLoop(deliver func([]byte)) {
	buf := make([]byte, maxFrameSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) {
					c.log.Debugf("Read loop stopped: %v", err)
				}
			}
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		deliver(frame)
	}
}

func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writable.Store(false)
		err = c.conn.Close()
	})
	return err
}
