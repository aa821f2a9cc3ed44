package vlink

import (
	"errors"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/rudransh-shrivastava/tincan/internal/transport"
)

type fakeEngine struct {
	mu sync.Mutex

	calls       []string
	stun        []string
	turn        []transport.RelayServer
	identity    *transport.Identity
	allocations int
	remote      []transport.Candidate
	addErr      error
	sendErr     error
	stats       []transport.ConnectionInfo
	closed      int

	onCandidates func(string, []transport.Candidate)
	onGathering  func(transport.GatheringState)
	onWritable   func(bool)
	onPacket     func([]byte)
	onSent       func(transport.SentPacket)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{}
}

func (e *fakeEngine) call(name string) {
	e.mu.Lock()
	e.calls = append(e.calls, name)
	e.mu.Unlock()
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) ConfigureServers(stun []string, turn []transport.RelayServer, _ int, _ transport.PruningPolicy) error {
	e.call("configure")
	e.stun = stun
	e.turn = turn
	return nil
}

func (e *fakeEngine) AllocatePorts() error {
	e.call("allocate")
	e.allocations++
	return nil
}

func (e *fakeEngine) SetLocalCertificate(id *transport.Identity) {
	e.call("certificate")
	e.identity = id
}

func (e *fakeEngine) SetIceConfig(transport.IceConfig) {
	e.call("ice-config")
}

func (e *fakeEngine) SetLocalDescription(t transport.SdpType, _ *sdp.SessionDescription) error {
	e.call("local:" + t.String())
	return nil
}

func (e *fakeEngine) SetRemoteDescription(t transport.SdpType, _ *sdp.SessionDescription) error {
	e.call("remote:" + t.String())
	return nil
}

func (e *fakeEngine) AddRemoteCandidates(_ string, c []transport.Candidate) error {
	e.call("add-remote")
	if e.addErr != nil {
		return e.addErr
	}
	e.mu.Lock()
	e.remote = append(e.remote, c...)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) MaybeStartGathering() {
	e.call("gather")
}

func (e *fakeEngine) GetActiveTransport(string) (transport.PacketTransport, error) {
	return fakeTransport{e}, nil
}

func (e *fakeEngine) GetStats(string) ([]transport.ConnectionInfo, error) {
	return e.stats, nil
}

func (e *fakeEngine) OnCandidatesGathered(fn func(string, []transport.Candidate)) {
	e.onCandidates = fn
}

func (e *fakeEngine) OnGatheringStateChanged(fn func(transport.GatheringState)) {
	e.onGathering = fn
}

func (e *fakeEngine) OnWritableStateChanged(fn func(bool)) {
	e.onWritable = fn
}

func (e *fakeEngine) OnPacketReceived(fn func([]byte)) {
	e.onPacket = fn
}

func (e *fakeEngine) OnPacketSent(fn func(transport.SentPacket)) {
	e.onSent = fn
}

func (e *fakeEngine) Close() error {
	e.call("close")
	e.closed++
	return nil
}

type fakeTransport struct {
	e *fakeEngine
}

func (t fakeTransport) SendPacket(b []byte, _ transport.PacketOptions) (int, error) {
	if t.e.sendErr != nil {
		return -1, t.e.sendErr
	}
	return len(b), nil
}

func (t fakeTransport) Writable() bool {
	return true
}

var errRejected = errors.New("rejected")

// recordingPool counts returned buffers.
type recordingPool struct {
	mu   sync.Mutex
	puts int
}

func (p *recordingPool) Get(n int) []byte {
	return make([]byte, n)
}

func (p *recordingPool) Put([]byte) {
	p.mu.Lock()
	p.puts++
	p.mu.Unlock()
}

func (p *recordingPool) Puts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.puts
}
