package negotiation

import (
	"errors"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/rudransh-shrivastava/tincan/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	local bool
	typ   transport.SdpType
	setup string
}

// recordingEngine only implements the description setters.
type recordingEngine struct {
	transport.Engine
	steps     []step
	failLocal error
}

func (e *recordingEngine) SetLocalDescription(t transport.SdpType, d *sdp.SessionDescription) error {
	if e.failLocal != nil {
		return e.failLocal
	}
	setup, _ := SetupRole(d)
	e.steps = append(e.steps, step{local: true, typ: t, setup: setup})
	return nil
}

func (e *recordingEngine) SetRemoteDescription(t transport.SdpType, d *sdp.SessionDescription) error {
	setup, _ := SetupRole(d)
	e.steps = append(e.steps, step{local: false, typ: t, setup: setup})
	return nil
}

func TestConnectionRolesSymmetry(t *testing.T) {
	local, remote, err := ConnectionRoles(RoleControlling)
	require.NoError(t, err)
	assert.Equal(t, sdp.ConnectionRoleActpass, local)
	assert.Equal(t, sdp.ConnectionRoleActive, remote)

	local, remote, err = ConnectionRoles(RoleControlled)
	require.NoError(t, err)
	assert.Equal(t, sdp.ConnectionRoleActive, local)
	assert.Equal(t, sdp.ConnectionRoleActpass, remote)

	_, _, err = ConnectionRoles(Role(0))
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestNegotiateOrder(t *testing.T) {
	fp := &transport.Fingerprint{Algorithm: "sha-256", Value: "AA:BB"}

	tests := []struct {
		role Role
		want []step
	}{
		{
			role: RoleControlling,
			want: []step{
				{local: true, typ: transport.SdpOffer, setup: "actpass"},
				{local: false, typ: transport.SdpAnswer, setup: "active"},
			},
		},
		{
			role: RoleControlled,
			want: []step{
				{local: false, typ: transport.SdpOffer, setup: "actpass"},
				{local: true, typ: transport.SdpAnswer, setup: "active"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			local, remote, err := Descriptions(tt.role, "abcdefg", "ufrag", "password", fp, fp)
			require.NoError(t, err)

			n, err := New(tt.role)
			require.NoError(t, err)
			assert.Equal(t, tt.role, n.Role())

			engine := &recordingEngine{}
			require.NoError(t, n.Negotiate(engine, local, remote))
			assert.Equal(t, tt.want, engine.steps)
		})
	}
}

func TestNegotiateWrapsEngineError(t *testing.T) {
	local, remote, err := Descriptions(RoleControlling, "abcdefg", "u", "p", nil, nil)
	require.NoError(t, err)

	n, _ := New(RoleControlling)
	err = n.Negotiate(&recordingEngine{failLocal: ErrInvalidOrder}, local, remote)

	var orderErr *NegotiationOrderError
	require.True(t, errors.As(err, &orderErr))
	assert.Equal(t, "local offer", orderErr.Step)
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestNewRejectsInvalidRole(t *testing.T) {
	_, err := New(Role(7))
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestBuildDescription(t *testing.T) {
	desc := BuildDescription(Params{
		ContentName: "link-01",
		Ufrag:       "ufrag",
		Pwd:         "password",
		Setup:       sdp.ConnectionRoleActpass,
		Fingerprint: &transport.Fingerprint{Algorithm: "sha-256", Value: "AA:BB"},
	})

	group, ok := desc.Attribute(sdp.AttrKeyGroup)
	require.True(t, ok)
	assert.Equal(t, "BUNDLE link-01", group)

	mid, ok := ContentName(desc)
	require.True(t, ok)
	assert.Equal(t, "link-01", mid)

	ufrag, pwd, ok := Credentials(desc)
	require.True(t, ok)
	assert.Equal(t, "ufrag", ufrag)
	assert.Equal(t, "password", pwd)

	fp, ok := RemoteFingerprint(desc)
	require.True(t, ok)
	assert.Equal(t, "sha-256", fp.Algorithm)
	assert.Equal(t, "AA:BB", fp.Value)

	raw, err := desc.Marshal()
	require.NoError(t, err)

	var parsed sdp.SessionDescription
	require.NoError(t, parsed.Unmarshal(raw))
	setup, ok := SetupRole(&parsed)
	require.True(t, ok)
	assert.Equal(t, "actpass", setup)
}

func TestParseFingerprint(t *testing.T) {
	fp, err := ParseFingerprint("SHA-256 AB:CD:EF")
	require.NoError(t, err)
	assert.Equal(t, "sha-256", fp.Algorithm)
	assert.Equal(t, "AB:CD:EF", fp.Value)

	for _, bad := range []string{"", "sha-256", "sha-256 ", " AB:CD"} {
		_, err := ParseFingerprint(bad)
		assert.Error(t, err, "input %q", bad)
	}
}
