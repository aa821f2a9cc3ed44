// Package transport defines the narrow contract through which a virtual link
// drives an ICE/DTLS transport engine.
package transport

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// Candidate is one connectivity candidate in the field order used on the
// signaling wire.
type Candidate struct {
	Component  int
	Protocol   string
	Address    string
	Priority   uint32
	Username   string
	Password   string
	Type       string
	Generation uint32
	Foundation string
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s %s %s prio=%d", c.Type, c.Protocol, c.Address, c.Priority)
}

type GatheringState int

const (
	GatheringNew GatheringState = iota
	GatheringInProgress
	GatheringComplete
)

func (s GatheringState) String() string {
	switch s {
	case GatheringNew:
		return "new"
	case GatheringInProgress:
		return "gathering"
	case GatheringComplete:
		return "complete"
	default:
		return "unknown"
	}
}

type SdpType int

const (
	SdpOffer SdpType = iota + 1
	SdpAnswer
)

func (t SdpType) String() string {
	switch t {
	case SdpOffer:
		return "offer"
	case SdpAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

type ContinualGatheringPolicy int

const (
	GatherOnce ContinualGatheringPolicy = iota
	GatherContinually
)

type IceConfig struct {
	ContinualGathering ContinualGatheringPolicy
	DisableTCP         bool
}

type PruningPolicy int

const (
	PruneNone PruningPolicy = iota
	PruneBasedOnPriority
)

// RelayServer is a TURN server that passed credential and address checks.
type RelayServer struct {
	Host     string
	Port     int
	Username string
	Password string
}

type PacketOptions struct {
	DSCP int
}

type SentPacket struct {
	Size     int
	SendTime time.Time
}

// ConnectionInfo is a snapshot of one candidate pair.
type ConnectionInfo struct {
	BestConnection    bool    `json:"best_conn"`
	Writable          bool    `json:"writable"`
	Receiving         bool    `json:"receiving"`
	RTT               float64 `json:"rtt"`
	SentTotalBytes    uint64  `json:"sent_total_bytes"`
	SentTotalPackets  uint64  `json:"sent_total_packets"`
	SentPingRequests  uint64  `json:"sent_ping_requests_total"`
	SentPingResponses uint64  `json:"sent_ping_responses"`
	RecvTotalBytes    uint64  `json:"recv_total_bytes"`
	RecvTotalPackets  uint64  `json:"recv_total_packets"`
	RecvPingRequests  uint64  `json:"recv_ping_requests"`
	RecvPingResponses uint64  `json:"recv_ping_responses"`
	LocalCandidate    string  `json:"local_candidate"`
	RemoteCandidate   string  `json:"remote_candidate"`
	State             string  `json:"state"`
}

// PacketTransport is the active (secure when DTLS is on) channel of a link.
type PacketTransport interface {
	SendPacket(data []byte, opts PacketOptions) (int, error)
	Writable() bool
}

// Engine is implemented by the ICE/DTLS engine. Callbacks may be invoked from
// any goroutine; consumers are expected to hop onto their own context.
type Engine interface {
	ConfigureServers(stunServers []string, turnServers []RelayServer, candidatePoolSize int, pruning PruningPolicy) error
	AllocatePorts() error
	SetLocalCertificate(id *Identity)
	SetIceConfig(cfg IceConfig)
	SetLocalDescription(typ SdpType, desc *sdp.SessionDescription) error
	SetRemoteDescription(typ SdpType, desc *sdp.SessionDescription) error
	AddRemoteCandidates(mid string, candidates []Candidate) error
	MaybeStartGathering()
	GetActiveTransport(mid string) (PacketTransport, error)
	GetStats(mid string) ([]ConnectionInfo, error)

	OnCandidatesGathered(f func(mid string, candidates []Candidate))
	OnGatheringStateChanged(f func(state GatheringState))
	OnWritableStateChanged(f func(writable bool))
	OnPacketReceived(f func(data []byte))
	OnPacketSent(f func(packet SentPacket))

	Close() error
}
