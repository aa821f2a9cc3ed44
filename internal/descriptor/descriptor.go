// Package descriptor holds the immutable value objects that describe a tunnel,
// its virtual link and the peer at the other end of it.
package descriptor

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Field names used by the controller's configuration documents.
const (
	FieldTunnelID    = "TunnelId"
	FieldNodeID      = "NodeId"
	FieldLinkID      = "LinkId"
	FieldStunServers = "StunServers"
	FieldTurnServers = "TurnServers"
	FieldTurnAddress = "Address"
	FieldTurnUser    = "User"
	FieldTurnPass    = "Password"
	FieldPeerInfo    = "PeerInfo"
	FieldPeerUID     = "UID"
	FieldPeerCAS     = "CAS"
	FieldPeerFPR     = "FPR"
	FieldDTLSEnabled = "DTLSEnabled"
)

var ErrConfiguration = errors.New("configuration error")

// ConfigurationError reports a missing or malformed required field.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

type TurnServerDescriptor struct {
	HostPort string
	Username string
	Password string
}

type TunnelDescriptor struct {
	TunnelID    string
	NodeID      string
	StunServers []string
	TurnServers []TurnServerDescriptor
}

// VlinkDescriptor is owned by exactly one virtual link for its whole life.
type VlinkDescriptor struct {
	DTLSEnabled bool
	LinkID      string
	StunServers []string
	TurnServers []TurnServerDescriptor
}

// PeerDescriptor describes the remote end of a link. Candidates is replaced
// whenever the controller hands over a fresh candidate blob.
type PeerDescriptor struct {
	UID         string
	Fingerprint string
	Candidates  string
}

// ParseTunnel extracts a TunnelDescriptor from a configuration document.
// STUN and TURN lists that are missing or of the wrong shape yield empty
// slices; missing identifiers fail with a ConfigurationError.
func ParseTunnel(doc *structpb.Struct) (*TunnelDescriptor, error) {
	tunnelID, err := requiredString(doc, FieldTunnelID)
	if err != nil {
		return nil, err
	}
	nodeID, err := requiredString(doc, FieldNodeID)
	if err != nil {
		return nil, err
	}

	return &TunnelDescriptor{
		TunnelID:    tunnelID,
		NodeID:      nodeID,
		StunServers: parseStunServers(doc),
		TurnServers: parseTurnServers(doc),
	}, nil
}

// ParsePeer reads the PeerInfo section of a CreateLink request.
func ParsePeer(doc *structpb.Struct) (*PeerDescriptor, error) {
	info := doc.GetFields()[FieldPeerInfo].GetStructValue()
	if info == nil {
		return nil, &ConfigurationError{Field: FieldPeerInfo, Reason: "missing"}
	}
	uid, err := requiredString(info, FieldPeerUID)
	if err != nil {
		return nil, err
	}
	return &PeerDescriptor{
		UID:         uid,
		Fingerprint: StringField(info, FieldPeerFPR),
		Candidates:  StringField(info, FieldPeerCAS),
	}, nil
}

// NewVlinkDescriptor derives the link descriptor from its tunnel. DTLS is on
// unless the request explicitly disables it.
func NewVlinkDescriptor(tunnel *TunnelDescriptor, linkID string, doc *structpb.Struct) *VlinkDescriptor {
	if linkID == "" {
		linkID = tunnel.TunnelID
	}
	dtls := true
	if v, ok := doc.GetFields()[FieldDTLSEnabled]; ok {
		if _, isBool := v.GetKind().(*structpb.Value_BoolValue); isBool {
			dtls = v.GetBoolValue()
		}
	}
	return &VlinkDescriptor{
		DTLSEnabled: dtls,
		LinkID:      linkID,
		StunServers: append([]string(nil), tunnel.StunServers...),
		TurnServers: append([]TurnServerDescriptor(nil), tunnel.TurnServers...),
	}
}

// StringField returns the string value stored under key, or "".
func StringField(doc *structpb.Struct, key string) string {
	return doc.GetFields()[key].GetStringValue()
}

func requiredString(doc *structpb.Struct, key string) (string, error) {
	v, ok := doc.GetFields()[key]
	if !ok {
		return "", &ConfigurationError{Field: key, Reason: "missing"}
	}
	s := v.GetStringValue()
	if s == "" {
		return "", &ConfigurationError{Field: key, Reason: "must be a non-empty string"}
	}
	return s, nil
}

func parseStunServers(doc *structpb.Struct) []string {
	servers := []string{}
	for _, v := range doc.GetFields()[FieldStunServers].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}

func parseTurnServers(doc *structpb.Struct) []TurnServerDescriptor {
	servers := []TurnServerDescriptor{}
	for _, v := range doc.GetFields()[FieldTurnServers].GetListValue().GetValues() {
		entry := v.GetStructValue()
		if entry == nil {
			continue
		}
		servers = append(servers, TurnServerDescriptor{
			HostPort: StringField(entry, FieldTurnAddress),
			Username: StringField(entry, FieldTurnUser),
			Password: StringField(entry, FieldTurnPass),
		})
	}
	return servers
}
