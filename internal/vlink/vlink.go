// Package vlink manages the lifecycle of a single ICE virtual link: setup,
// negotiation, candidate exchange, writability events and the data path.
package vlink

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rudransh-shrivastava/tincan/internal/db"
	"github.com/rudransh-shrivastava/tincan/internal/descriptor"
	"github.com/rudransh-shrivastava/tincan/internal/loop"
	"github.com/rudransh-shrivastava/tincan/internal/metrics"
	"github.com/rudransh-shrivastava/tincan/internal/negotiation"
	"github.com/rudransh-shrivastava/tincan/internal/protocol"
	"github.com/rudransh-shrivastava/tincan/internal/store"
	"github.com/rudransh-shrivastava/tincan/internal/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Both ends share fixed ICE credentials; peers authenticate through DTLS.
const (
	IceUfrag = "tincanvlinkufrag"
	IcePwd   = "tincanvlinkpassword0123456789abc"

	contentNameLen = 7
)

var (
	ErrNotInitialized     = errors.New("link not initialized")
	ErrAlreadyInitialized = errors.New("link already initialized")
	ErrDisconnected       = errors.New("link disconnected")
)

// BufferPool owns frame memory handed to Transmit.
type BufferPool interface {
	Get(length int) []byte
	Put(buf []byte)
}

type EngineFactory func() (transport.Engine, error)

type Options struct {
	Tunnel    string
	Vlink     *descriptor.VlinkDescriptor
	Peer      *descriptor.PeerDescriptor
	NewEngine EngineFactory
	Signal    *loop.Thread
	Network   *loop.Thread
	Pool      BufferPool
	Observer  Observer
	Metrics   *metrics.Metrics
	Journal   store.Journal
	Logger    *logrus.Logger
}

// VirtualLink methods that change link state must run on the signaling
// loop. State queries, Candidates and Stats are safe from any goroutine.
type VirtualLink struct {
	tunnel      string
	vlink       *descriptor.VlinkDescriptor
	contentName string
	newEngine   EngineFactory
	signal      *loop.Thread
	network     *loop.Thread
	pool        BufferPool
	observer    Observer
	metrics     *metrics.Metrics
	journal     store.Journal
	log         *logrus.Entry

	peerMu sync.RWMutex
	peer   descriptor.PeerDescriptor

	engine      transport.Engine
	role        atomic.Int32
	casReadyIDs []string

	initialized       atomic.Bool
	portsAllocated    atomic.Bool
	gathering         atomic.Bool
	gatheringComplete atomic.Bool
	writable          atomic.Bool
	toggled           atomic.Bool
	disconnected      atomic.Bool
	submitFailures    atomic.Uint64

	casMu           sync.Mutex
	localCandidates []transport.Candidate
}

func New(opts Options) *VirtualLink {
	var peer descriptor.PeerDescriptor
	if opts.Peer != nil {
		peer = *opts.Peer
	}
	journal := opts.Journal
	if journal == nil {
		journal = store.NopJournal{}
	}
	observer := opts.Observer
	if observer == nil {
		observer = ObserverFuncs{}
	}

	return &VirtualLink{
		tunnel:      opts.Tunnel,
		vlink:       opts.Vlink,
		contentName: ContentName(opts.Vlink.LinkID),
		newEngine:   opts.NewEngine,
		signal:      opts.Signal,
		network:     opts.Network,
		pool:        opts.Pool,
		observer:    observer,
		metrics:     opts.Metrics,
		journal:     journal,
		log: opts.Logger.WithFields(logrus.Fields{
			"link": opts.Vlink.LinkID,
			"peer": peer.UID,
		}),
		peer: peer,
	}
}

// ContentName is the bundle content name derived from a link id.
func ContentName(linkID string) string {
	if len(linkID) > contentNameLen {
		return linkID[:contentNameLen]
	}
	return linkID
}

func (vl *VirtualLink) ID() string {
	return vl.vlink.LinkID
}

func (vl *VirtualLink) ContentName() string {
	return vl.contentName
}

func (vl *VirtualLink) Role() negotiation.Role {
	return negotiation.Role(vl.role.Load())
}

func (vl *VirtualLink) PeerInfo() descriptor.PeerDescriptor {
	vl.peerMu.RLock()
	defer vl.peerMu.RUnlock()
	return vl.peer
}

// Initialize builds the engine, configures STUN/TURN and installs the local
// and remote descriptions in the order the role dictates.
func (vl *VirtualLink) Initialize(identity *transport.Identity, role negotiation.Role) error {
	if vl.initialized.Load() {
		return ErrAlreadyInitialized
	}
	negotiator, err := negotiation.New(role)
	if err != nil {
		vl.log.Errorf("Cannot initialize link: %v", err)
		return fmt.Errorf("%w: %w", &descriptor.ConfigurationError{Field: "Role", Reason: "must be controlling or controlled"}, err)
	}

	var localFP, remoteFP *transport.Fingerprint
	if vl.vlink.DTLSEnabled {
		if identity == nil {
			return &descriptor.ConfigurationError{Field: "Identity", Reason: "required when DTLS is enabled"}
		}
		fp := identity.Fingerprint()
		localFP = &fp
		remoteFP, err = negotiation.ParseFingerprint(vl.PeerInfo().Fingerprint)
		if err != nil {
			return fmt.Errorf("%w: %w", &descriptor.ConfigurationError{Field: descriptor.FieldPeerFPR, Reason: "malformed"}, err)
		}
	} else {
		vl.log.Info("DTLS disabled, link will not be encrypted")
	}

	engine, err := vl.newEngine()
	if err != nil {
		return fmt.Errorf("creating transport engine: %w", err)
	}

	if err := engine.ConfigureServers(vl.stunServers(), vl.turnServers(), 0, transport.PruneBasedOnPriority); err != nil {
		engine.Close()
		return fmt.Errorf("configuring servers: %w", err)
	}
	engine.SetIceConfig(transport.IceConfig{
		ContinualGathering: transport.GatherOnce,
		DisableTCP:         true,
	})
	if identity != nil && vl.vlink.DTLSEnabled {
		engine.SetLocalCertificate(identity)
	}
	vl.registerCallbacks(engine)

	local, remote, err := negotiation.Descriptions(role, vl.contentName, IceUfrag, IcePwd, localFP, remoteFP)
	if err != nil {
		engine.Close()
		return err
	}
	if err := negotiator.Negotiate(engine, local, remote); err != nil {
		engine.Close()
		vl.log.Errorf("Negotiation failed: %v", err)
		return err
	}

	vl.engine = engine
	vl.role.Store(int32(role))
	vl.initialized.Store(true)
	vl.record(db.EventCreated, role.String())
	vl.log.Infof("Link initialized as %s", role)
	return nil
}

func (vl *VirtualLink) stunServers() []string {
	return transport.StunServers(vl.vlink.StunServers)
}

func (vl *VirtualLink) turnServers() []transport.RelayServer {
	servers, err := transport.RelayServers(vl.vlink.TurnServers)
	for _, e := range multierr.Errors(err) {
		vl.log.Warnf("Skipping TURN server: %v", e)
		if vl.metrics != nil {
			vl.metrics.TurnServersRejected.Inc()
		}
	}
	return servers
}

func (vl *VirtualLink) registerCallbacks(engine transport.Engine) {
	engine.OnCandidatesGathered(func(mid string, candidates []transport.Candidate) {
		vl.post(func() { vl.onCandidatesGathered(mid, candidates) })
	})
	engine.OnGatheringStateChanged(func(state transport.GatheringState) {
		vl.post(func() { vl.onGatheringState(state) })
	})
	engine.OnWritableStateChanged(func(writable bool) {
		vl.post(func() { vl.onWritableState(writable) })
	})
	engine.OnPacketReceived(func(frame []byte) {
		if err := vl.network.Post(func() { vl.onPacket(frame) }); err != nil {
			vl.log.Debugf("Dropping received frame: %v", err)
		}
	})
	engine.OnPacketSent(func(p transport.SentPacket) {
		vl.log.Tracef("Sent %d bytes", p.Size)
	})
}

func (vl *VirtualLink) post(fn func()) {
	if err := vl.signal.Post(fn); err != nil {
		vl.log.Debugf("Dropping engine callback: %v", err)
	}
}

// StartConnections allocates ports once, applies any known peer candidates
// and asks the engine to start gathering.
func (vl *VirtualLink) StartConnections() error {
	if !vl.initialized.Load() {
		return ErrNotInitialized
	}
	if vl.disconnected.Load() {
		return ErrDisconnected
	}

	if !vl.portsAllocated.Load() {
		if err := vl.engine.AllocatePorts(); err != nil {
			return fmt.Errorf("allocating ports: %w", err)
		}
		vl.portsAllocated.Store(true)
	}

	if cas := vl.PeerInfo().Candidates; cas != "" {
		vl.submitPeerCandidates(cas)
	}

	vl.engine.MaybeStartGathering()
	vl.gathering.Store(true)
	return nil
}

// SetPeerCandidates replaces the peer's candidate blob and submits it if the
// link already has ports.
func (vl *VirtualLink) SetPeerCandidates(cas string) {
	vl.peerMu.Lock()
	vl.peer.Candidates = cas
	vl.peerMu.Unlock()

	if vl.portsAllocated.Load() && !vl.disconnected.Load() && cas != "" {
		vl.submitPeerCandidates(cas)
	}
}

func (vl *VirtualLink) submitPeerCandidates(cas string) {
	candidates, skipped := protocol.DecodeCandidates(cas)
	if skipped > 0 {
		vl.log.Debugf("Skipped %d malformed peer candidates", skipped)
	}
	if len(candidates) == 0 {
		return
	}

	if err := vl.engine.AddRemoteCandidates(vl.contentName, candidates); err != nil {
		subErr := &transport.CandidateSubmissionError{Rejected: len(candidates), Err: err}
		vl.submitFailures.Add(1)
		if vl.metrics != nil {
			vl.metrics.CandidateSubmitFails.Inc()
		}
		vl.record(db.EventCandidateReject, subErr.Error())
		vl.log.Warnf("Remote candidates not accepted: %v", subErr)
	}
}

// Candidates returns the local candidate set in wire format.
func (vl *VirtualLink) Candidates() string {
	vl.casMu.Lock()
	defer vl.casMu.Unlock()
	return protocol.EncodeCandidates(vl.localCandidates)
}

// RequestCandidates returns the local candidates when gathering has already
// completed. Otherwise requestID is remembered and LocalCandidatesReady is
// raised once for it when gathering completes. Every outstanding request id
// gets its own notification.
func (vl *VirtualLink) RequestCandidates(requestID string) (string, bool) {
	if vl.gatheringComplete.Load() {
		return vl.Candidates(), true
	}
	if !slices.Contains(vl.casReadyIDs, requestID) {
		vl.casReadyIDs = append(vl.casReadyIDs, requestID)
	}
	return "", false
}

func (vl *VirtualLink) onCandidatesGathered(mid string, candidates []transport.Candidate) {
	if mid != vl.contentName {
		vl.log.Debugf("Ignoring candidates for content %q", mid)
		return
	}
	vl.casMu.Lock()
	vl.localCandidates = append(vl.localCandidates, candidates...)
	vl.casMu.Unlock()
}

func (vl *VirtualLink) onGatheringState(state transport.GatheringState) {
	vl.log.Debugf("Gathering state %s", state)
	if state != transport.GatheringComplete {
		return
	}
	vl.gatheringComplete.Store(true)
	ids := vl.casReadyIDs
	vl.casReadyIDs = nil
	if len(ids) == 0 {
		return
	}
	cas := vl.Candidates()
	for _, id := range ids {
		vl.observer.LocalCandidatesReady(id, cas)
	}
}

func (vl *VirtualLink) onWritableState(writable bool) {
	if vl.disconnected.Load() {
		vl.log.Debugf("Ignoring stale writable=%t after disconnect", writable)
		return
	}
	vl.toggled.Store(true)
	if vl.writable.Swap(writable) == writable {
		return
	}

	if writable {
		vl.log.Infof("Link is UP")
		vl.gauge(1)
		vl.record(db.EventUp, "")
		vl.observer.LinkUp(vl.ID())
		return
	}
	vl.log.Infof("Link is DOWN")
	vl.gauge(-1)
	vl.record(db.EventDown, "")
	vl.observer.LinkDown(vl.ID())
}

func (vl *VirtualLink) onPacket(frame []byte) {
	if vl.metrics != nil {
		vl.metrics.BytesReceived.Add(float64(len(frame)))
	}
	vl.observer.MessageReceived(frame, vl)
}

// Disconnect closes the engine. It is safe to call more than once; LinkDown
// is raised only if the link was writable.
func (vl *VirtualLink) Disconnect() error {
	if vl.disconnected.Swap(true) {
		return nil
	}

	var err error
	if vl.engine != nil {
		err = vl.engine.Close()
	}
	vl.record(db.EventRemoved, "")

	if vl.writable.Swap(false) {
		vl.gauge(-1)
		vl.record(db.EventDown, "disconnect")
		vl.observer.LinkDown(vl.ID())
	}
	vl.log.Info("Link disconnected")
	return err
}

// Transmit sends frame on the active transport and releases it to the pool.
// It runs on the network loop. Failures are logged and counted only.
func (vl *VirtualLink) Transmit(frame []byte) {
	defer vl.pool.Put(frame)

	if err := vl.send(frame); err != nil {
		if vl.metrics != nil {
			vl.metrics.SendFailures.Inc()
		}
		vl.log.Warnf("Transmit failed: %v", err)
		return
	}
	if vl.metrics != nil {
		vl.metrics.BytesSent.Add(float64(len(frame)))
	}
}

func (vl *VirtualLink) send(frame []byte) error {
	if vl.disconnected.Load() {
		return &transport.SendError{Code: -1, Err: ErrDisconnected}
	}
	if !vl.initialized.Load() {
		return &transport.SendError{Code: -1, Err: ErrNotInitialized}
	}
	pt, err := vl.engine.GetActiveTransport(vl.contentName)
	if err != nil {
		return &transport.SendError{Code: -1, Err: err}
	}
	n, err := pt.SendPacket(frame, transport.PacketOptions{})
	if err != nil {
		return &transport.SendError{Code: n, Err: err}
	}
	if n < 0 {
		return &transport.SendError{Code: n, Err: transport.ErrNotWritable}
	}
	return nil
}

// Stats reports one record per candidate pair known to the engine.
func (vl *VirtualLink) Stats() ([]transport.ConnectionInfo, error) {
	if !vl.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return vl.engine.GetStats(vl.contentName)
}

func (vl *VirtualLink) SubmissionFailures() uint64 {
	return vl.submitFailures.Load()
}

func (vl *VirtualLink) IsReady() bool {
	return vl.writable.Load() && !vl.disconnected.Load()
}

func (vl *VirtualLink) IsInitialized() bool {
	return vl.initialized.Load()
}

func (vl *VirtualLink) IsGatheringComplete() bool {
	return vl.gatheringComplete.Load()
}

func (vl *VirtualLink) State() State {
	switch {
	case vl.disconnected.Load():
		return StateDisconnected
	case vl.writable.Load():
		return StateReady
	case vl.toggled.Load():
		return StateNotReady
	case vl.gathering.Load():
		return StateGathering
	case vl.portsAllocated.Load():
		return StatePortsAllocated
	case vl.initialized.Load():
		return StateInitialized
	default:
		return StateCreated
	}
}

func (vl *VirtualLink) gauge(delta float64) {
	if vl.metrics != nil {
		vl.metrics.LinksWritable.Add(delta)
	}
}

func (vl *VirtualLink) record(kind db.EventKind, detail string) {
	if vl.metrics != nil {
		vl.metrics.LinkEvents.WithLabelValues(string(kind)).Inc()
	}
	err := vl.journal.Record(context.Background(), db.LinkEvent{
		TunnelID: vl.tunnel,
		LinkID:   vl.ID(),
		PeerID:   vl.PeerInfo().UID,
		Kind:     kind,
		Detail:   detail,
	})
	if err != nil {
		vl.log.Debugf("Journal write failed: %v", err)
	}
}
