package vlink

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rudransh-shrivastava/tincan/internal/descriptor"
	"github.com/rudransh-shrivastava/tincan/internal/loop"
	"github.com/rudransh-shrivastava/tincan/internal/metrics"
	"github.com/rudransh-shrivastava/tincan/internal/negotiation"
	"github.com/rudransh-shrivastava/tincan/internal/protocol"
	"github.com/rudransh-shrivastava/tincan/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peerCAS = "1:udp:10.0.0.2:40000:2130706431:u:p:local:0:1 " +
	"1:udp:203.0.113.9:50000:1694498815:u:p:stun:0:2 "

type recorder struct {
	mu     sync.Mutex
	events []string
	ready  []string
	frames [][]byte
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type harness struct {
	link    *VirtualLink
	engine  *fakeEngine
	signal  *loop.Thread
	network *loop.Thread
	pool    *recordingPool
	metrics *metrics.Metrics
	rec     *recorder
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newHarness(t *testing.T, vd *descriptor.VlinkDescriptor) *harness {
	t.Helper()
	if vd == nil {
		vd = &descriptor.VlinkDescriptor{
			DTLSEnabled: true,
			LinkID:      "a1b2c3d4e5f6",
			StunServers: []string{"stun.example.org:3478", "stun.example.org:3478"},
			TurnServers: []descriptor.TurnServerDescriptor{
				{HostPort: "a:1", Username: "", Password: "x"},
				{HostPort: "b:2", Username: "u", Password: "p"},
				{HostPort: "bad", Username: "u", Password: "p"},
			},
		}
	}

	h := &harness{
		engine:  newFakeEngine(),
		signal:  loop.New("signal"),
		network: loop.New("network"),
		pool:    &recordingPool{},
		metrics: metrics.New(),
		rec:     &recorder{},
	}
	t.Cleanup(h.signal.Stop)
	t.Cleanup(h.network.Stop)

	h.link = New(Options{
		Tunnel: "tnl-1",
		Vlink:  vd,
		Peer: &descriptor.PeerDescriptor{
			UID:         "peer-b",
			Fingerprint: "sha-256 AB:CD:EF",
		},
		NewEngine: func() (transport.Engine, error) { return h.engine, nil },
		Signal:    h.signal,
		Network:   h.network,
		Pool:      h.pool,
		Metrics:   h.metrics,
		Logger:    quietLogger(),
		Observer: ObserverFuncs{
			OnLinkUp: func(id string) {
				// writability must already be visible
				if h.link.IsReady() {
					h.rec.add("up:" + id)
				} else {
					h.rec.add("up-before-writable")
				}
			},
			OnLinkDown: func(id string) {
				if !h.link.IsReady() {
					h.rec.add("down:" + id)
				} else {
					h.rec.add("down-while-writable")
				}
			},
			OnCandidatesReady: func(reqID, cas string) {
				h.rec.mu.Lock()
				h.rec.ready = append(h.rec.ready, reqID+"|"+cas)
				h.rec.mu.Unlock()
			},
			OnMessage: func(frame []byte, _ *VirtualLink) {
				h.rec.mu.Lock()
				h.rec.frames = append(h.rec.frames, frame)
				h.rec.mu.Unlock()
			},
		},
	})
	return h
}

// onSignal runs fn on the signaling loop and waits for everything queued
// before it.
func (h *harness) onSignal(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.signal.Invoke(ctx, fn))
}

func (h *harness) flush(t *testing.T) {
	h.onSignal(t, func() {})
}

func (h *harness) initialize(t *testing.T, role negotiation.Role) {
	t.Helper()
	identity, err := transport.NewIdentity()
	require.NoError(t, err)

	var initErr error
	h.onSignal(t, func() { initErr = h.link.Initialize(identity, role) })
	require.NoError(t, initErr)
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	var err error
	h.onSignal(t, func() { err = h.link.StartConnections() })
	require.NoError(t, err)
}

func TestInitializeRejectsInvalidRole(t *testing.T) {
	h := newHarness(t, nil)

	var err error
	h.onSignal(t, func() { err = h.link.Initialize(nil, negotiation.Role(0)) })

	var cfgErr *descriptor.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.ErrorIs(t, err, negotiation.ErrInvalidRole)
	assert.Equal(t, StateCreated, h.link.State())
	assert.Empty(t, h.engine.Calls())
}

func TestInitializeControllingOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, negotiation.RoleControlling)

	assert.Equal(t, []string{
		"configure", "ice-config", "certificate", "local:offer", "remote:answer",
	}, h.engine.Calls())
	assert.Equal(t, []string{"stun.example.org:3478"}, h.engine.stun)
	require.Len(t, h.engine.turn, 1)
	assert.Equal(t, "b", h.engine.turn[0].Host)
	assert.Equal(t, 2, h.engine.turn[0].Port)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.TurnServersRejected))
	assert.Equal(t, StateInitialized, h.link.State())
	assert.Equal(t, "a1b2c3d", h.link.ContentName())
}

func TestInitializeControlledOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, negotiation.RoleControlled)

	calls := h.engine.Calls()
	assert.Equal(t, []string{"remote:offer", "local:answer"}, calls[len(calls)-2:])
}

func TestInitializeTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, negotiation.RoleControlling)

	var err error
	h.onSignal(t, func() { err = h.link.Initialize(nil, negotiation.RoleControlling) })
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestInitializeMalformedFingerprint(t *testing.T) {
	h := newHarness(t, nil)
	h.link.peer.Fingerprint = "nodigest"

	identity, err := transport.NewIdentity()
	require.NoError(t, err)
	h.onSignal(t, func() { err = h.link.Initialize(identity, negotiation.RoleControlling) })
	assert.ErrorIs(t, err, descriptor.ErrConfiguration)
}

func TestDTLSDisabledSkipsCertificate(t *testing.T) {
	h := newHarness(t, &descriptor.VlinkDescriptor{LinkID: "plain-link"})

	var err error
	h.onSignal(t, func() { err = h.link.Initialize(nil, negotiation.RoleControlled) })
	require.NoError(t, err)
	assert.NotContains(t, h.engine.Calls(), "certificate")
	assert.Nil(t, h.engine.identity)
}

func TestStartConnectionsRequiresInitialize(t *testing.T) {
	h := newHarness(t, nil)

	var err error
	h.onSignal(t, func() { err = h.link.StartConnections() })
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestStartConnectionsAllocatesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.link.peer.Candidates = peerCAS
	h.initialize(t, negotiation.RoleControlling)

	h.start(t)
	state := h.link.State()
	h.start(t)

	assert.Equal(t, 1, h.engine.allocations)
	assert.Equal(t, state, h.link.State())
	assert.Equal(t, StateGathering, h.link.State())

	calls := h.engine.Calls()
	first := indexOf(calls, "add-remote")
	require.NotEqual(t, -1, first)
	assert.Less(t, indexOf(calls, "allocate"), first)
	assert.Less(t, first, indexOf(calls, "gather"))
	assert.Len(t, h.engine.remote, 4)
}

func TestSetPeerCandidatesAfterStart(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, negotiation.RoleControlled)
	h.start(t)
	assert.NotContains(t, h.engine.Calls(), "add-remote")

	h.onSignal(t, func() { h.link.SetPeerCandidates(peerCAS + "1:udp:broken ") })
	assert.Len(t, h.engine.remote, 2)
	assert.Equal(t, peerCAS+"1:udp:broken ", h.link.PeerInfo().Candidates)
}

func TestCandidateSubmissionFailureIsCounted(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.addErr = errRejected
	h.link.peer.Candidates = peerCAS
	h.initialize(t, negotiation.RoleControlling)
	h.start(t)

	assert.Equal(t, uint64(1), h.link.SubmissionFailures())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CandidateSubmitFails))
	assert.Equal(t, StateGathering, h.link.State())
}

func TestWritabilityPrecedesEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, negotiation.RoleControlling)
	h.start(t)

	h.engine.onWritable(true)
	h.engine.onWritable(true)
	h.flush(t)
	assert.Equal(t, StateReady, h.link.State())

	h.engine.onWritable(false)
	h.flush(t)
	assert.Equal(t, StateNotReady, h.link.State())

	h.engine.onWritable(true)
	h.flush(t)

	assert.Equal(t, []string{
		"up:a1b2c3d4e5f6", "down:a1b2c3d4e5f6", "up:a1b2c3d4e5f6",
	}, h.rec.Events())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.LinksWritable))
}

func TestCandidatesReadyDeliveredOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, negotiation.RoleControlling)
	h.start(t)

	var cas string
	var ready bool
	h.onSignal(t, func() { cas, ready = h.link.RequestCandidates("tx-7") })
	assert.False(t, ready)
	assert.Empty(t, cas)

	local := []transport.Candidate{{
		Component: 1, Protocol: "udp", Address: "192.168.1.5:40000", Priority: 2130706431,
		Username: IceUfrag, Password: IcePwd, Type: "local", Foundation: "1",
	}}
	h.engine.onCandidates(h.link.ContentName(), local)
	h.engine.onCandidates("other", local)
	h.engine.onGathering(transport.GatheringComplete)
	h.engine.onGathering(transport.GatheringComplete)
	h.flush(t)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.Len(t, h.rec.ready, 1)
	assert.Equal(t, "tx-7|"+protocol.EncodeCandidates(local), h.rec.ready[0])
	assert.True(t, h.link.IsGatheringComplete())
}

func TestCandidatesReadyDeliveredToEveryRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, negotiation.RoleControlling)
	h.start(t)

	h.onSignal(t, func() {
		_, first := h.link.RequestCandidates("tx-1")
		_, second := h.link.RequestCandidates("tx-2")
		_, again := h.link.RequestCandidates("tx-1")
		assert.False(t, first || second || again)
	})

	local := []transport.Candidate{{
		Component: 1, Protocol: "udp", Address: "192.168.1.5:40000", Priority: 2130706431,
		Username: IceUfrag, Password: IcePwd, Type: "local", Foundation: "1",
	}}
	h.engine.onCandidates(h.link.ContentName(), local)
	h.engine.onGathering(transport.GatheringComplete)
	h.engine.onGathering(transport.GatheringComplete)
	h.flush(t)

	cas := protocol.EncodeCandidates(local)
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Equal(t, []string{"tx-1|" + cas, "tx-2|" + cas}, h.rec.ready)
}

func TestRoleReadableFromAnyGoroutine(t *testing.T) {
	h := newHarness(t, nil)
	assert.False(t, h.link.Role().Valid())

	done := make(chan negotiation.Role)
	go func() {
		for !h.link.IsInitialized() {
			time.Sleep(time.Millisecond)
		}
		done <- h.link.Role()
	}()
	h.initialize(t, negotiation.RoleControlled)

	select {
	case role := <-done:
		assert.Equal(t, negotiation.RoleControlled, role)
	case <-time.After(2 * time.Second):
		t.Fatal("role was never observed")
	}
}

func TestRequestCandidatesAfterGathering(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, negotiation.RoleControlled)
	h.start(t)

	h.engine.onGathering(transport.GatheringComplete)
	h.flush(t)

	var ready bool
	h.onSignal(t, func() { _, ready = h.link.RequestCandidates("tx-8") })
	assert.True(t, ready)
	h.rec.mu.Lock()
	assert.Empty(t, h.rec.ready)
	h.rec.mu.Unlock()
}

func TestDisconnectIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, negotiation.RoleControlling)
	h.start(t)
	h.engine.onWritable(true)
	h.flush(t)

	var err1, err2 error
	h.onSignal(t, func() {
		err1 = h.link.Disconnect()
		err2 = h.link.Disconnect()
	})
	require.NoError(t, err1)
	require.NoError(t, err2)

	h.engine.onWritable(true)
	h.flush(t)

	assert.Equal(t, []string{"up:a1b2c3d4e5f6", "down:a1b2c3d4e5f6"}, h.rec.Events())
	assert.Equal(t, 1, h.engine.closed)
	assert.False(t, h.link.IsReady())
	assert.Equal(t, StateDisconnected, h.link.State())

	h.onSignal(t, func() { err1 = h.link.StartConnections() })
	assert.ErrorIs(t, err1, ErrDisconnected)
}

func TestTransmitReleasesBuffer(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, negotiation.RoleControlling)
	h.start(t)

	frame := h.pool.Get(64)
	h.link.Transmit(frame)
	assert.Equal(t, 1, h.pool.Puts())
	assert.Equal(t, float64(64), testutil.ToFloat64(h.metrics.BytesSent))

	h.engine.sendErr = errRejected
	h.link.Transmit(h.pool.Get(32))
	assert.Equal(t, 2, h.pool.Puts())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SendFailures))

	h.onSignal(t, func() { _ = h.link.Disconnect() })
	h.link.Transmit(h.pool.Get(16))
	assert.Equal(t, 3, h.pool.Puts())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.SendFailures))
}

func TestReceivedFramesReachObserver(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, negotiation.RoleControlling)

	h.engine.onPacket([]byte("frame-1"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.network.Invoke(ctx, func() {}))

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.Len(t, h.rec.frames, 1)
	assert.Equal(t, "frame-1", string(h.rec.frames[0]))
	assert.Equal(t, float64(7), testutil.ToFloat64(h.metrics.BytesReceived))
}

func TestStats(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.link.Stats()
	assert.ErrorIs(t, err, ErrNotInitialized)

	h.engine.stats = []transport.ConnectionInfo{{BestConnection: true, Writable: true, RTT: 12}}
	h.initialize(t, negotiation.RoleControlling)

	stats, err := h.link.Stats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.True(t, stats[0].BestConnection)
}

func TestContentName(t *testing.T) {
	assert.Equal(t, "abcdefg", ContentName("abcdefghij"))
	assert.Equal(t, "abc", ContentName("abc"))
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
