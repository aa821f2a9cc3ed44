// Package tincan serves the overlay controller: it accepts control requests
// on a unix socket and drives tunnels and their virtual links.
package tincan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rudransh-shrivastava/tincan/internal/loop"
	"github.com/rudransh-shrivastava/tincan/internal/metrics"
	"github.com/rudransh-shrivastava/tincan/internal/protocol"
	"github.com/rudransh-shrivastava/tincan/internal/store"
	"github.com/rudransh-shrivastava/tincan/internal/transport"
	"github.com/rudransh-shrivastava/tincan/internal/tunnel"
	"github.com/rudransh-shrivastava/tincan/internal/vlink"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

type Options struct {
	Metrics   *metrics.Metrics
	Journal   store.Journal
	NewEngine vlink.EngineFactory
	Frames    tunnel.FrameHandler
	// Identity is shared by every tunnel when set; otherwise each tunnel
	// generates its own.
	Identity *transport.Identity
	Logger   *logrus.Logger
}

type Service struct {
	opts   Options
	log    *logrus.Logger
	codec  *protocol.Codec
	signal *loop.Thread
	nextTx atomic.Uint64

	// owned by the signaling loop
	tunnels   map[string]*tunnel.Tunnel
	pending   map[string]pendingControl
	logCloser io.Closer

	connMu sync.Mutex
	conns  map[*clientConn]struct{}
}

// pendingControl is a CreateLink waiting for local candidates.
type pendingControl struct {
	ctrl   *protocol.Control
	conn   *clientConn
	linkID string
}

type clientConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func New(opts Options) *Service {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Journal == nil {
		opts.Journal = store.NopJournal{}
	}
	return &Service{
		opts:    opts,
		log:     opts.Logger,
		codec:   protocol.NewCodec(),
		signal:  loop.New("signal"),
		tunnels: make(map[string]*tunnel.Tunnel),
		pending: make(map[string]pendingControl),
		conns:   make(map[*clientConn]struct{}),
	}
}

// Listen removes a stale socket file and listens on path.
func Listen(path string) (net.Listener, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return l, nil
}

// Serve accepts controller connections until ctx is cancelled, then tears
// down every tunnel.
func (s *Service) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	s.log.Infof("Control channel listening on %s", l.Addr())

	var err error
	for {
		conn, acceptErr := l.Accept()
		if acceptErr != nil {
			if ctx.Err() == nil {
				err = acceptErr
			}
			break
		}
		s.log.Info("Accepted a new controller connection")
		cc := &clientConn{conn: conn}
		s.connMu.Lock()
		s.conns[cc] = struct{}{}
		s.connMu.Unlock()

		s.registerDataplane(cc)
		go s.readLoop(cc)
	}

	s.shutdown()
	return err
}

func (s *Service) readLoop(cc *clientConn) {
	defer s.dropConn(cc)
	for {
		ctrl, err := s.codec.Decode(cc.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warnf("Reading control failed: %v", err)
			}
			return
		}
		if ctrl.Type != protocol.CTTincanRequest {
			s.log.Debugf("Ignoring %s from controller", ctrl.Type)
			continue
		}
		if err := s.signal.Post(func() { s.dispatch(cc, ctrl) }); err != nil {
			return
		}
	}
}

func (s *Service) dropConn(cc *clientConn) {
	s.connMu.Lock()
	delete(s.conns, cc)
	s.connMu.Unlock()
	cc.conn.Close()
}

func (s *Service) shutdown() {
	s.connMu.Lock()
	for cc := range s.conns {
		cc.conn.Close()
	}
	s.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.signal.Invoke(ctx, func() {
		for id, tnl := range s.tunnels {
			if err := tnl.Close(); err != nil {
				s.log.Warnf("Closing tunnel %s: %v", id, err)
			}
		}
		s.tunnels = make(map[string]*tunnel.Tunnel)
		if s.logCloser != nil {
			s.logCloser.Close()
		}
	})
	if err != nil {
		s.log.Warnf("Shutdown incomplete: %v", err)
	}
	s.signal.Stop()
}

func (s *Service) send(cc *clientConn, ctrl *protocol.Control) {
	cc.wmu.Lock()
	defer cc.wmu.Unlock()
	_ = cc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.codec.Encode(cc.conn, ctrl); err != nil {
		s.log.Warnf("Sending %s %d failed: %v", ctrl.Type, ctrl.TransactionID, err)
	}
}

func (s *Service) respond(cc *clientConn, ctrl *protocol.Control, msg any, success bool) {
	if err := ctrl.SetResponse(msg, success); err != nil {
		s.log.Errorf("Building response for %s: %v", ctrl.Command(), err)
		_ = ctrl.SetResponse(err.Error(), false)
		success = false
	}
	s.opts.Metrics.ControlRequests.WithLabelValues(ctrl.Command().String(), strconv.FormatBool(success)).Inc()
	s.send(cc, ctrl)
}

func (s *Service) notify(cmd protocol.Command, params map[string]any) {
	ctrl, err := protocol.NewRequest(s.nextTx.Add(1), cmd, params)
	if err != nil {
		s.log.Errorf("Building %s: %v", cmd, err)
		return
	}
	s.connMu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for cc := range s.conns {
		conns = append(conns, cc)
	}
	s.connMu.Unlock()

	for _, cc := range conns {
		s.send(cc, ctrl)
	}
}

func (s *Service) registerDataplane(cc *clientConn) {
	ctrl, err := protocol.NewRequest(s.nextTx.Add(1), protocol.CmdRegisterDataplane, map[string]any{
		protocol.KeyData: "tincan",
	})
	if err != nil {
		s.log.Errorf("Building RegisterDataplane: %v", err)
		return
	}
	s.send(cc, ctrl)
}
