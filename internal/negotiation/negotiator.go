package negotiation

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/rudransh-shrivastava/tincan/internal/transport"
)

var ErrInvalidOrder = errors.New("descriptions applied out of order")

// NegotiationOrderError reports that the engine refused a description.
type NegotiationOrderError struct {
	Step string
	Err  error
}

func (e *NegotiationOrderError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Step, e.Err)
}

func (e *NegotiationOrderError) Unwrap() error {
	return e.Err
}

// Negotiator installs the local and remote descriptions on an engine in the
// order its role requires.
type Negotiator interface {
	Role() Role
	Negotiate(engine transport.Engine, local, remote *sdp.SessionDescription) error
}

func New(role Role) (Negotiator, error) {
	switch role {
	case RoleControlling:
		return controlling{}, nil
	case RoleControlled:
		return controlled{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, uint8(role))
	}
}

type controlling struct{}

func (controlling) Role() Role { return RoleControlling }

func (controlling) Negotiate(engine transport.Engine, local, remote *sdp.SessionDescription) error {
	if err := engine.SetLocalDescription(transport.SdpOffer, local); err != nil {
		return &NegotiationOrderError{Step: "local offer", Err: err}
	}
	if err := engine.SetRemoteDescription(transport.SdpAnswer, remote); err != nil {
		return &NegotiationOrderError{Step: "remote answer", Err: err}
	}
	return nil
}

type controlled struct{}

func (controlled) Role() Role { return RoleControlled }

func (controlled) Negotiate(engine transport.Engine, local, remote *sdp.SessionDescription) error {
	if err := engine.SetRemoteDescription(transport.SdpOffer, remote); err != nil {
		return &NegotiationOrderError{Step: "remote offer", Err: err}
	}
	if err := engine.SetLocalDescription(transport.SdpAnswer, local); err != nil {
		return &NegotiationOrderError{Step: "local answer", Err: err}
	}
	return nil
}

// Descriptions builds the local and remote descriptions for a link. The
// remote side shares the same ICE credentials; its fingerprint is optional
// and is checked during the DTLS handshake.
func Descriptions(role Role, contentName, ufrag, pwd string, localFP, remoteFP *transport.Fingerprint) (local, remote *sdp.SessionDescription, err error) {
	localRole, remoteRole, err := ConnectionRoles(role)
	if err != nil {
		return nil, nil, err
	}
	local = BuildDescription(Params{
		ContentName: contentName,
		Ufrag:       ufrag,
		Pwd:         pwd,
		Setup:       localRole,
		Fingerprint: localFP,
	})
	remote = BuildDescription(Params{
		ContentName: contentName,
		Ufrag:       ufrag,
		Pwd:         pwd,
		Setup:       remoteRole,
		Fingerprint: remoteFP,
	})
	return local, remote, nil
}
