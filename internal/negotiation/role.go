package negotiation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/rudransh-shrivastava/tincan/internal/transport"
)

var ErrInvalidRole = errors.New("invalid ice role")

type Role uint8

const (
	RoleControlling Role = iota + 1
	RoleControlled
)

func (r Role) String() string {
	switch r {
	case RoleControlling:
		return "controlling"
	case RoleControlled:
		return "controlled"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

func (r Role) Valid() bool {
	return r == RoleControlling || r == RoleControlled
}

// ConnectionRoles returns the DTLS setup attributes for the local and remote
// descriptions. The controlling side offers actpass and expects the peer to
// answer active.
func ConnectionRoles(r Role) (local, remote sdp.ConnectionRole, err error) {
	switch r {
	case RoleControlling:
		return sdp.ConnectionRoleActpass, sdp.ConnectionRoleActive, nil
	case RoleControlled:
		return sdp.ConnectionRoleActive, sdp.ConnectionRoleActpass, nil
	default:
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidRole, uint8(r))
	}
}

// ParseFingerprint splits "<algorithm> <digest>" at the first space.
func ParseFingerprint(s string) (*transport.Fingerprint, error) {
	alg, value, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok || alg == "" || strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("malformed fingerprint %q", s)
	}
	return &transport.Fingerprint{
		Algorithm: strings.ToLower(alg),
		Value:     strings.TrimSpace(value),
	}, nil
}
