// Package webrtc implements the transport engine on top of pion's ICE agent
// and DTLS.
package webrtc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/ice/v2"
	"github.com/pion/logging"
	"github.com/pion/sdp/v3"
	"github.com/pion/stun"
	"github.com/rudransh-shrivastava/tincan/internal/logger"
	"github.com/rudransh-shrivastava/tincan/internal/negotiation"
	"github.com/rudransh-shrivastava/tincan/internal/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

type signalingState int

const (
	stateNew signalingState = iota
	stateHaveLocalOffer
	stateHaveRemoteOffer
	stateStable
)

type Options struct {
	Logger *logrus.Logger
	// InterfaceFilter limits the interfaces used for host candidates.
	InterfaceFilter func(string) bool
}

type Engine struct {
	log           *logrus.Entry
	loggerFactory logging.LoggerFactory
	ifaceFilter   func(string) bool

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	urls          []*stun.URI
	networkTypes  []ice.NetworkType
	identity      *transport.Identity
	local         *sdp.SessionDescription
	remote        *sdp.SessionDescription
	state         signalingState
	controlling   bool
	agent         *ice.Agent
	gatherStarted bool
	conn          *connection
	writable      bool
	closed        bool

	onCandidates func(string, []transport.Candidate)
	onGathering  func(transport.GatheringState)
	onWritable   func(bool)
	onPacket     func([]byte)
	onSent       func(transport.SentPacket)
}

func New(opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		log:           opts.Logger.WithField("component", "engine"),
		loggerFactory: logger.NewPionFactory(opts.Logger),
		ifaceFilter:   opts.InterfaceFilter,
		ctx:           ctx,
		cancel:        cancel,
		networkTypes:  []ice.NetworkType{ice.NetworkTypeUDP4},
	}
}

func (e *Engine) ConfigureServers(stunServers []string, turnServers []transport.RelayServer, poolSize int, pruning transport.PruningPolicy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agent != nil {
		return errors.New("servers must be configured before ports are allocated")
	}

	urls := make([]*stun.URI, 0, len(stunServers)+len(turnServers))
	for _, addr := range stunServers {
		raw := addr
		if !strings.HasPrefix(raw, "stun:") && !strings.HasPrefix(raw, "stuns:") {
			raw = "stun:" + raw
		}
		u, err := stun.ParseURI(raw)
		if err != nil {
			e.log.Warnf("Skipping STUN server %q: %v", addr, err)
			continue
		}
		urls = append(urls, u)
	}
	for _, ts := range turnServers {
		urls = append(urls, &stun.URI{
			Scheme:   stun.SchemeTypeTURN,
			Host:     ts.Host,
			Port:     ts.Port,
			Username: ts.Username,
			Password: ts.Password,
			Proto:    stun.ProtoTypeUDP,
		})
	}
	e.urls = urls
	e.log.Debugf("Configured %d ICE servers (pool=%d, pruning=%d)", len(urls), poolSize, pruning)
	return nil
}

func (e *Engine) SetLocalCertificate(id *transport.Identity) {
	e.mu.Lock()
	e.identity = id
	e.mu.Unlock()
}

func (e *Engine) SetIceConfig(cfg transport.IceConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.networkTypes = []ice.NetworkType{ice.NetworkTypeUDP4}
	if !cfg.DisableTCP {
		e.networkTypes = append(e.networkTypes, ice.NetworkTypeTCP4)
	}
	if cfg.ContinualGathering != transport.GatherOnce {
		e.log.Warn("Continual gathering is not supported, gathering once")
	}
}

func (e *Engine) SetLocalDescription(typ transport.SdpType, desc *sdp.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, _, ok := negotiation.Credentials(desc); !ok {
		return errors.New("local description has no ICE credentials")
	}

	switch {
	case typ == transport.SdpOffer && e.state == stateNew:
		e.state = stateHaveLocalOffer
		e.controlling = true
	case typ == transport.SdpAnswer && e.state == stateHaveRemoteOffer:
		e.state = stateStable
	default:
		return fmt.Errorf("%w: local %s", negotiation.ErrInvalidOrder, typ)
	}
	e.local = desc
	return nil
}

func (e *Engine) SetRemoteDescription(typ transport.SdpType, desc *sdp.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, _, ok := negotiation.Credentials(desc); !ok {
		return errors.New("remote description has no ICE credentials")
	}

	switch {
	case typ == transport.SdpOffer && e.state == stateNew:
		e.state = stateHaveRemoteOffer
	case typ == transport.SdpAnswer && e.state == stateHaveLocalOffer:
		e.state = stateStable
	default:
		return fmt.Errorf("%w: remote %s", negotiation.ErrInvalidOrder, typ)
	}
	e.remote = desc
	return nil
}

// AllocatePorts creates the ICE agent. Later calls are no-ops.
func (e *Engine) AllocatePorts() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return transport.ErrEngineClosed
	}
	if e.agent != nil {
		return nil
	}
	if e.local == nil {
		return transport.ErrNotNegotiated
	}

	ufrag, pwd, _ := negotiation.Credentials(e.local)
	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:             e.urls,
		NetworkTypes:     e.networkTypes,
		LocalUfrag:       ufrag,
		LocalPwd:         pwd,
		MulticastDNSMode: ice.MulticastDNSModeDisabled,
		InterfaceFilter:  e.ifaceFilter,
		LoggerFactory:    e.loggerFactory,
	})
	if err != nil {
		return fmt.Errorf("creating ICE agent: %w", err)
	}
	if err := agent.OnCandidate(e.handleCandidate); err != nil {
		agent.Close()
		return err
	}
	if err := agent.OnConnectionStateChange(e.handleConnectionState); err != nil {
		agent.Close()
		return err
	}
	e.agent = agent
	return nil
}

func (e *Engine) MaybeStartGathering() {
	e.mu.Lock()
	if e.agent == nil || e.gatherStarted || e.closed {
		e.mu.Unlock()
		return
	}
	e.gatherStarted = true
	agent := e.agent
	ready := e.state == stateStable
	e.mu.Unlock()

	e.fireGathering(transport.GatheringInProgress)
	if err := agent.GatherCandidates(); err != nil {
		e.log.Errorf("Failed to gather candidates: %v", err)
		return
	}
	if !ready {
		e.log.Warn("Descriptions incomplete, not starting connectivity checks")
		return
	}
	go e.connect()
}

func (e *Engine) AddRemoteCandidates(mid string, candidates []transport.Candidate) error {
	e.mu.Lock()
	agent := e.agent
	local := e.local
	e.mu.Unlock()

	if agent == nil {
		return transport.ErrNotAllocated
	}
	if name, _ := negotiation.ContentName(local); name != mid {
		return fmt.Errorf("%w: %q", transport.ErrUnknownContent, mid)
	}

	var errs error
	for _, c := range candidates {
		ic, err := toICECandidate(c)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := agent.AddRemoteCandidate(ic); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (e *Engine) GetActiveTransport(mid string) (transport.PacketTransport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name, _ := negotiation.ContentName(e.local); name != mid {
		return nil, fmt.Errorf("%w: %q", transport.ErrUnknownContent, mid)
	}
	if e.conn == nil {
		return nil, transport.ErrNotWritable
	}
	return e.conn, nil
}

func (e *Engine) GetStats(mid string) ([]transport.ConnectionInfo, error) {
	e.mu.Lock()
	agent := e.agent
	local := e.local
	e.mu.Unlock()

	if agent == nil {
		return nil, transport.ErrNotAllocated
	}
	if name, _ := negotiation.ContentName(local); name != mid {
		return nil, fmt.Errorf("%w: %q", transport.ErrUnknownContent, mid)
	}

	locals := describeCandidates(agent.GetLocalCandidatesStats())
	remotes := describeCandidates(agent.GetRemoteCandidatesStats())

	pairs := agent.GetCandidatePairsStats()
	infos := make([]transport.ConnectionInfo, 0, len(pairs))
	for _, p := range pairs {
		infos = append(infos, transport.ConnectionInfo{
			BestConnection:    p.Nominated,
			Writable:          p.State == ice.CandidatePairStateSucceeded,
			Receiving:         p.PacketsReceived > 0 || p.ResponsesReceived > 0,
			RTT:               p.CurrentRoundTripTime * 1000,
			SentTotalBytes:    uint64(p.BytesSent),
			SentTotalPackets:  uint64(p.PacketsSent),
			SentPingRequests:  uint64(p.RequestsSent),
			SentPingResponses: uint64(p.ResponsesSent),
			RecvTotalBytes:    uint64(p.BytesReceived),
			RecvTotalPackets:  uint64(p.PacketsReceived),
			RecvPingRequests:  uint64(p.RequestsReceived),
			RecvPingResponses: uint64(p.ResponsesReceived),
			LocalCandidate:    locals[p.LocalCandidateID],
			RemoteCandidate:   remotes[p.RemoteCandidateID],
			State:             p.State.String(),
		})
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].BestConnection && !infos[j].BestConnection
	})
	return infos, nil
}

func (e *Engine) OnCandidatesGathered(fn func(string, []transport.Candidate)) {
	e.mu.Lock()
	e.onCandidates = fn
	e.mu.Unlock()
}

func (e *Engine) OnGatheringStateChanged(fn func(transport.GatheringState)) {
	e.mu.Lock()
	e.onGathering = fn
	e.mu.Unlock()
}

func (e *Engine) OnWritableStateChanged(fn func(bool)) {
	e.mu.Lock()
	e.onWritable = fn
	e.mu.Unlock()
}

func (e *Engine) OnPacketReceived(fn func([]byte)) {
	e.mu.Lock()
	e.onPacket = fn
	e.mu.Unlock()
}

func (e *Engine) OnPacketSent(fn func(transport.SentPacket)) {
	e.mu.Lock()
	e.onSent = fn
	e.mu.Unlock()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn, agent := e.conn, e.agent
	e.conn = nil
	e.mu.Unlock()

	e.cancel()
	var err error
	if conn != nil {
		err = multierr.Append(err, conn.Close())
	}
	if agent != nil {
		err = multierr.Append(err, agent.Close())
	}
	return err
}

func (e *Engine) connect() {
	e.mu.Lock()
	agent := e.agent
	controlling := e.controlling
	identity := e.identity
	ufrag, pwd, _ := negotiation.Credentials(e.remote)
	remoteFP, _ := negotiation.RemoteFingerprint(e.remote)
	setup, _ := negotiation.SetupRole(e.local)
	e.mu.Unlock()

	var iceConn *ice.Conn
	var err error
	if controlling {
		iceConn, err = agent.Dial(e.ctx, ufrag, pwd)
	} else {
		iceConn, err = agent.Accept(e.ctx, ufrag, pwd)
	}
	if err != nil {
		if e.ctx.Err() == nil {
			e.log.Warnf("ICE connection failed: %v", err)
		}
		return
	}

	var conn net.Conn = iceConn
	if identity != nil {
		conn, err = e.secure(iceConn, identity, remoteFP, setup == sdp.ConnectionRoleActive.String())
		if err != nil {
			if e.ctx.Err() == nil {
				e.log.Warnf("DTLS handshake failed: %v", err)
			}
			iceConn.Close()
			return
		}
	} else {
		e.log.Info("DTLS disabled, using plain ICE transport")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		conn.Close()
		return
	}
	c := newConnection(conn, e.onSent, e.log)
	e.conn = c
	e.mu.Unlock()

	go c.readLoop(e.deliver)
	e.setWritable(true)
}

func (e *Engine) secure(conn net.Conn, identity *transport.Identity, remoteFP *transport.Fingerprint, client bool) (net.Conn, error) {
	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{identity.Certificate()},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ClientAuth:           dtls.RequireAnyClientCert,
		InsecureSkipVerify:   true,
		LoggerFactory:        e.loggerFactory,
	}
	if remoteFP != nil {
		cfg.VerifyPeerCertificate = verifyFingerprint(*remoteFP)
	}

	if client {
		return dtls.ClientWithContext(e.ctx, conn, cfg)
	}
	return dtls.ServerWithContext(e.ctx, conn, cfg)
}

func verifyFingerprint(expected transport.Fingerprint) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("peer sent no certificate")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return err
		}
		hash, err := fingerprint.HashFromString(expected.Algorithm)
		if err != nil {
			return err
		}
		actual, err := fingerprint.Fingerprint(cert, hash)
		if err != nil {
			return err
		}
		if !strings.EqualFold(actual, expected.Value) {
			return fmt.Errorf("fingerprint mismatch: got %s", actual)
		}
		return nil
	}
}

func (e *Engine) handleCandidate(c ice.Candidate) {
	if c == nil {
		e.fireGathering(transport.GatheringComplete)
		return
	}

	e.mu.Lock()
	cb := e.onCandidates
	mid, _ := negotiation.ContentName(e.local)
	ufrag, pwd, _ := negotiation.Credentials(e.local)
	e.mu.Unlock()

	if cb != nil {
		cb(mid, []transport.Candidate{fromICECandidate(c, ufrag, pwd)})
	}
}

func (e *Engine) handleConnectionState(s ice.ConnectionState) {
	e.log.Debugf("ICE connection state %s", s)
	switch s {
	case ice.ConnectionStateConnected, ice.ConnectionStateCompleted:
		e.mu.Lock()
		established := e.conn != nil
		e.mu.Unlock()
		if established {
			e.setWritable(true)
		}
	case ice.ConnectionStateDisconnected, ice.ConnectionStateFailed, ice.ConnectionStateClosed:
		e.setWritable(false)
	}
}

func (e *Engine) setWritable(w bool) {
	e.mu.Lock()
	if e.writable == w || (w && e.closed) {
		e.mu.Unlock()
		return
	}
	e.writable = w
	if e.conn != nil {
		e.conn.writable.Store(w)
	}
	cb := e.onWritable
	e.mu.Unlock()

	if cb != nil {
		cb(w)
	}
}

func (e *Engine) fireGathering(s transport.GatheringState) {
	e.mu.Lock()
	cb := e.onGathering
	e.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (e *Engine) deliver(frame []byte) {
	e.mu.Lock()
	cb := e.onPacket
	e.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

// Candidate types on the signaling wire use the names existing peers emit,
// which differ from pion's for host and server reflexive candidates.
var (
	wireTypes = map[ice.CandidateType]string{
		ice.CandidateTypeHost:            "local",
		ice.CandidateTypeServerReflexive: "stun",
		ice.CandidateTypePeerReflexive:   "prflx",
		ice.CandidateTypeRelay:           "relay",
	}
	iceTypes = map[string]ice.CandidateType{
		"local": ice.CandidateTypeHost,
		"host":  ice.CandidateTypeHost,
		"stun":  ice.CandidateTypeServerReflexive,
		"srflx": ice.CandidateTypeServerReflexive,
		"prflx": ice.CandidateTypePeerReflexive,
		"relay": ice.CandidateTypeRelay,
	}
)

func fromICECandidate(c ice.Candidate, ufrag, pwd string) transport.Candidate {
	typ, ok := wireTypes[c.Type()]
	if !ok {
		typ = c.Type().String()
	}
	return transport.Candidate{
		Component:  int(c.Component()),
		Protocol:   c.NetworkType().NetworkShort(),
		Address:    net.JoinHostPort(c.Address(), strconv.Itoa(c.Port())),
		Priority:   c.Priority(),
		Username:   ufrag,
		Password:   pwd,
		Type:       typ,
		Foundation: c.Foundation(),
	}
}

func toICECandidate(c transport.Candidate) (ice.Candidate, error) {
	host, port, err := net.SplitHostPort(c.Address)
	if err != nil {
		return nil, fmt.Errorf("candidate address %q: %w", c.Address, err)
	}
	typ, ok := iceTypes[strings.ToLower(c.Type)]
	if !ok {
		return nil, fmt.Errorf("unknown candidate type %q", c.Type)
	}
	foundation := c.Foundation
	if foundation == "" {
		foundation = "0"
	}
	raw := fmt.Sprintf("%s %d %s %d %s %s typ %s",
		foundation, c.Component, c.Protocol, c.Priority, host, port, typ)
	if typ != ice.CandidateTypeHost {
		raw += " raddr 0.0.0.0 rport 0"
	}
	return ice.UnmarshalCandidate(raw)
}

func describeCandidates(stats []ice.CandidateStats) map[string]string {
	out := make(map[string]string, len(stats))
	for _, s := range stats {
		out[s.ID] = fmt.Sprintf("%s %s", net.JoinHostPort(s.IP, strconv.Itoa(s.Port)), s.CandidateType)
	}
	return out
}
