package vlink

// Observer receives link events. Calls happen on the signaling loop, except
// MessageReceived which runs on the network loop.
type Observer interface {
	LinkUp(linkID string)
	LinkDown(linkID string)
	LocalCandidatesReady(requestID, candidates string)
	MessageReceived(frame []byte, link *VirtualLink)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnLinkUp          func(linkID string)
	OnLinkDown        func(linkID string)
	OnCandidatesReady func(requestID, candidates string)
	OnMessage         func(frame []byte, link *VirtualLink)
}

func (o ObserverFuncs) LinkUp(linkID string) {
	if o.OnLinkUp != nil {
		o.OnLinkUp(linkID)
	}
}

func (o ObserverFuncs) LinkDown(linkID string) {
	if o.OnLinkDown != nil {
		o.OnLinkDown(linkID)
	}
}

func (o ObserverFuncs) LocalCandidatesReady(requestID, candidates string) {
	if o.OnCandidatesReady != nil {
		o.OnCandidatesReady(requestID, candidates)
	}
}

func (o ObserverFuncs) MessageReceived(frame []byte, link *VirtualLink) {
	if o.OnMessage != nil {
		o.OnMessage(frame, link)
	}
}

type State int

const (
	StateCreated State = iota
	StateInitialized
	StatePortsAllocated
	StateGathering
	StateReady
	StateNotReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StatePortsAllocated:
		return "ports_allocated"
	case StateGathering:
		return "gathering"
	case StateReady:
		return "ready"
	case StateNotReady:
		return "not_ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
