// Package tunnel owns the per-tunnel resources shared by its virtual link:
// identity, execution loops and frame buffers.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/rudransh-shrivastava/tincan/internal/descriptor"
	"github.com/rudransh-shrivastava/tincan/internal/loop"
	"github.com/rudransh-shrivastava/tincan/internal/metrics"
	"github.com/rudransh-shrivastava/tincan/internal/negotiation"
	"github.com/rudransh-shrivastava/tincan/internal/store"
	"github.com/rudransh-shrivastava/tincan/internal/transport"
	"github.com/rudransh-shrivastava/tincan/internal/transport/webrtc"
	"github.com/rudransh-shrivastava/tincan/internal/vlink"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

var (
	ErrLinkExists  = errors.New("vlink already exists")
	ErrLinkUnknown = errors.New("no such vlink")
)

// FrameHandler receives frames arriving on any link of the tunnel. It runs
// on the network loop.
type FrameHandler interface {
	HandleFrame(linkID string, frame []byte)
}

type FrameHandlerFunc func(linkID string, frame []byte)

func (f FrameHandlerFunc) HandleFrame(linkID string, frame []byte) {
	f(linkID, frame)
}

type Options struct {
	Descriptor *descriptor.TunnelDescriptor
	Identity   *transport.Identity
	Signal     *loop.Thread
	Events     vlink.Observer
	Frames     FrameHandler
	Metrics    *metrics.Metrics
	Journal    store.Journal
	NewEngine  vlink.EngineFactory
	Logger     *logrus.Logger
}

type Info struct {
	TunnelID    string
	NodeID      string
	Fingerprint string
	LinkIDs     []string
	Status      string
}

type Tunnel struct {
	desc      *descriptor.TunnelDescriptor
	identity  *transport.Identity
	signal    *loop.Thread
	network   *loop.Thread
	pool      *pool.BufferPool
	events    vlink.Observer
	frames    FrameHandler
	metrics   *metrics.Metrics
	journal   store.Journal
	newEngine vlink.EngineFactory
	log       *logrus.Logger

	mu    sync.RWMutex
	links map[string]*vlink.VirtualLink
}

func New(opts Options) (*Tunnel, error) {
	if opts.Descriptor == nil {
		return nil, &descriptor.ConfigurationError{Field: descriptor.FieldTunnelID, Reason: "missing tunnel descriptor"}
	}
	identity := opts.Identity
	if identity == nil {
		var err error
		identity, err = transport.NewIdentity()
		if err != nil {
			return nil, fmt.Errorf("creating identity: %w", err)
		}
	}
	newEngine := opts.NewEngine
	if newEngine == nil {
		newEngine = func() (transport.Engine, error) {
			return webrtc.New(webrtc.Options{Logger: opts.Logger}), nil
		}
	}
	events := opts.Events
	if events == nil {
		events = vlink.ObserverFuncs{}
	}

	return &Tunnel{
		desc:      opts.Descriptor,
		identity:  identity,
		signal:    opts.Signal,
		network:   loop.New("network-" + opts.Descriptor.TunnelID),
		pool:      new(pool.BufferPool),
		events:    events,
		frames:    opts.Frames,
		metrics:   opts.Metrics,
		journal:   opts.Journal,
		newEngine: newEngine,
		log:       opts.Logger,
		links:     make(map[string]*vlink.VirtualLink),
	}, nil
}

func (t *Tunnel) ID() string {
	return t.desc.TunnelID
}

func (t *Tunnel) Descriptor() *descriptor.TunnelDescriptor {
	return t.desc
}

func (t *Tunnel) Fingerprint() transport.Fingerprint {
	return t.identity.Fingerprint()
}

// CreateVlink builds, initializes and starts a link. It runs on the
// signaling loop.
func (t *Tunnel) CreateVlink(vd *descriptor.VlinkDescriptor, peer *descriptor.PeerDescriptor, role negotiation.Role) (*vlink.VirtualLink, error) {
	t.mu.Lock()
	if _, ok := t.links[vd.LinkID]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrLinkExists, vd.LinkID)
	}
	t.mu.Unlock()

	vl := vlink.New(vlink.Options{
		Tunnel:    t.desc.TunnelID,
		Vlink:     vd,
		Peer:      peer,
		NewEngine: t.newEngine,
		Signal:    t.signal,
		Network:   t.network,
		Pool:      t.pool,
		Observer:  t,
		Metrics:   t.metrics,
		Journal:   t.journal,
		Logger:    t.log,
	})
	if err := vl.Initialize(t.identity, role); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.links[vd.LinkID] = vl
	t.mu.Unlock()
	return vl, nil
}

func (t *Tunnel) Vlink(linkID string) (*vlink.VirtualLink, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vl, ok := t.links[linkID]
	return vl, ok
}

// RemoveVlink disconnects and forgets a link. It runs on the signaling loop.
func (t *Tunnel) RemoveVlink(linkID string) error {
	t.mu.Lock()
	vl, ok := t.links[linkID]
	delete(t.links, linkID)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrLinkUnknown, linkID)
	}
	return vl.Disconnect()
}

func (t *Tunnel) LinkIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.links))
	for id := range t.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tunnel) Info() Info {
	info := Info{
		TunnelID:    t.desc.TunnelID,
		NodeID:      t.desc.NodeID,
		Fingerprint: t.identity.Fingerprint().String(),
		LinkIDs:     t.LinkIDs(),
		Status:      StatusOffline,
	}
	for _, id := range info.LinkIDs {
		if vl, ok := t.Vlink(id); ok && vl.IsReady() {
			info.Status = StatusOnline
			break
		}
	}
	return info
}

// NewFrame returns a buffer from the tunnel's pool. Ownership passes back to
// the tunnel on Transmit.
func (t *Tunnel) NewFrame(size int) []byte {
	return t.pool.Get(size)
}

// Transmit queues frame for sending on linkID on the network loop.
func (t *Tunnel) Transmit(linkID string, frame []byte) error {
	vl, ok := t.Vlink(linkID)
	if !ok {
		t.pool.Put(frame)
		return fmt.Errorf("%w: %s", ErrLinkUnknown, linkID)
	}
	if err := t.network.Post(func() { vl.Transmit(frame) }); err != nil {
		t.pool.Put(frame)
		return err
	}
	return nil
}

// Flush waits for frames already queued on the network loop.
func (t *Tunnel) Flush(ctx context.Context) error {
	return t.network.Invoke(ctx, func() {})
}

// Close disconnects every link and stops the network loop. It runs on the
// signaling loop.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	links := t.links
	t.links = make(map[string]*vlink.VirtualLink)
	t.mu.Unlock()

	var err error
	for _, vl := range links {
		err = multierr.Append(err, vl.Disconnect())
	}
	t.network.Stop()
	return err
}

func (t *Tunnel) LinkUp(linkID string) {
	t.events.LinkUp(linkID)
}

func (t *Tunnel) LinkDown(linkID string) {
	t.events.LinkDown(linkID)
}

func (t *Tunnel) LocalCandidatesReady(requestID, candidates string) {
	t.events.LocalCandidatesReady(requestID, candidates)
}

func (t *Tunnel) MessageReceived(frame []byte, link *vlink.VirtualLink) {
	if t.frames != nil {
		t.frames.HandleFrame(link.ID(), frame)
	}
	t.events.MessageReceived(frame, link)
}
