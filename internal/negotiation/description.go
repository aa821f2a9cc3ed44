package negotiation

import (
	"strconv"

	"github.com/pion/sdp/v3"
	"github.com/rudransh-shrivastava/tincan/internal/transport"
)

const (
	bundleGroup = "BUNDLE"
	sctpPort    = 5000
)

// Params describes one side of a link for the description builder.
type Params struct {
	ContentName string
	Ufrag       string
	Pwd         string
	Setup       sdp.ConnectionRole
	Fingerprint *transport.Fingerprint
}

// BuildDescription produces a single bundled application section carrying
// the ICE credentials, DTLS setup role and certificate fingerprint.
func BuildDescription(p Params) *sdp.SessionDescription {
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "application",
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "DTLS", "SCTP"},
			Formats: []string{"webrtc-datachannel"},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}
	media = media.
		WithValueAttribute(sdp.AttrKeyMID, p.ContentName).
		WithICECredentials(p.Ufrag, p.Pwd).
		WithValueAttribute(sdp.AttrKeyConnectionSetup, p.Setup.String()).
		WithValueAttribute("sctp-port", strconv.Itoa(sctpPort))
	if p.Fingerprint != nil {
		media = media.WithFingerprint(p.Fingerprint.Algorithm, p.Fingerprint.Value)
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
	return desc.
		WithValueAttribute(sdp.AttrKeyGroup, bundleGroup+" "+p.ContentName).
		WithMedia(media)
}

// SetupRole reads the DTLS setup attribute of the first media section.
func SetupRole(desc *sdp.SessionDescription) (string, bool) {
	if desc == nil || len(desc.MediaDescriptions) == 0 {
		return "", false
	}
	return desc.MediaDescriptions[0].Attribute(sdp.AttrKeyConnectionSetup)
}

// Credentials reads the ICE ufrag and pwd of the first media section.
func Credentials(desc *sdp.SessionDescription) (ufrag, pwd string, ok bool) {
	if desc == nil || len(desc.MediaDescriptions) == 0 {
		return "", "", false
	}
	m := desc.MediaDescriptions[0]
	ufrag, uok := m.Attribute("ice-ufrag")
	pwd, pok := m.Attribute("ice-pwd")
	return ufrag, pwd, uok && pok
}

// RemoteFingerprint reads the certificate fingerprint, preferring the media
// level attribute over the session level one.
func RemoteFingerprint(desc *sdp.SessionDescription) (*transport.Fingerprint, bool) {
	if desc == nil {
		return nil, false
	}
	for _, m := range desc.MediaDescriptions {
		if v, ok := m.Attribute("fingerprint"); ok {
			fp, err := ParseFingerprint(v)
			return fp, err == nil
		}
	}
	if v, ok := desc.Attribute("fingerprint"); ok {
		fp, err := ParseFingerprint(v)
		return fp, err == nil
	}
	return nil, false
}

// ContentName reads the mid of the first media section.
func ContentName(desc *sdp.SessionDescription) (string, bool) {
	if desc == nil || len(desc.MediaDescriptions) == 0 {
		return "", false
	}
	return desc.MediaDescriptions[0].Attribute(sdp.AttrKeyMID)
}
