package descriptor

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct failed: %v", err)
	}
	return s
}

func TestParseTunnel(t *testing.T) {
	doc := mustStruct(t, map[string]any{
		"TunnelId":    "tnl-1",
		"NodeId":      "node-a",
		"StunServers": []any{"stun.l.google.com:19302", "stun1.l.google.com:19302"},
		"TurnServers": []any{
			map[string]any{"Address": "turn.example.org:3478", "User": "u", "Password": "p"},
		},
	})

	desc, err := ParseTunnel(doc)
	if err != nil {
		t.Fatalf("ParseTunnel failed: %v", err)
	}
	if desc.TunnelID != "tnl-1" || desc.NodeID != "node-a" {
		t.Errorf("unexpected ids: %+v", desc)
	}
	if len(desc.StunServers) != 2 || desc.StunServers[1] != "stun1.l.google.com:19302" {
		t.Errorf("unexpected stun servers: %v", desc.StunServers)
	}
	if len(desc.TurnServers) != 1 {
		t.Fatalf("expected 1 turn server, got %d", len(desc.TurnServers))
	}
	want := TurnServerDescriptor{HostPort: "turn.example.org:3478", Username: "u", Password: "p"}
	if desc.TurnServers[0] != want {
		t.Errorf("expected %+v, got %+v", want, desc.TurnServers[0])
	}
}

func TestParseTunnel_MissingLists(t *testing.T) {
	doc := mustStruct(t, map[string]any{
		"TunnelId":    "tnl-1",
		"NodeId":      "node-a",
		"StunServers": "not-a-list",
	})

	desc, err := ParseTunnel(doc)
	if err != nil {
		t.Fatalf("ParseTunnel failed: %v", err)
	}
	if desc.StunServers == nil || len(desc.StunServers) != 0 {
		t.Errorf("expected empty stun list, got %v", desc.StunServers)
	}
	if desc.TurnServers == nil || len(desc.TurnServers) != 0 {
		t.Errorf("expected empty turn list, got %v", desc.TurnServers)
	}
}

func TestParseTunnel_MissingIdentifiers(t *testing.T) {
	tests := []struct {
		name  string
		doc   map[string]any
		field string
	}{
		{"no tunnel id", map[string]any{"NodeId": "n"}, FieldTunnelID},
		{"empty node id", map[string]any{"TunnelId": "t", "NodeId": ""}, FieldNodeID},
		{"numeric tunnel id", map[string]any{"TunnelId": 7, "NodeId": "n"}, FieldTunnelID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTunnel(mustStruct(t, tt.doc))
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) || cfgErr.Field != tt.field {
				t.Errorf("expected error on field %s, got %v", tt.field, err)
			}
		})
	}
}

func TestParsePeer(t *testing.T) {
	doc := mustStruct(t, map[string]any{
		"PeerInfo": map[string]any{
			"UID": "peer-b",
			"FPR": "sha-256 AB:CD",
			"CAS": "1:udp:10.0.0.1:4000:100:u:p:host:0:1 ",
		},
	})

	peer, err := ParsePeer(doc)
	if err != nil {
		t.Fatalf("ParsePeer failed: %v", err)
	}
	if peer.UID != "peer-b" || peer.Fingerprint != "sha-256 AB:CD" {
		t.Errorf("unexpected peer: %+v", peer)
	}
	if peer.Candidates == "" {
		t.Error("expected candidates to be carried over")
	}

	if _, err := ParsePeer(mustStruct(t, map[string]any{})); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected configuration error for missing PeerInfo, got %v", err)
	}
}

func TestNewVlinkDescriptor(t *testing.T) {
	tnl := &TunnelDescriptor{
		TunnelID:    "tnl-1",
		NodeID:      "n",
		StunServers: []string{"s:1"},
		TurnServers: []TurnServerDescriptor{{HostPort: "t:2", Username: "u", Password: "p"}},
	}

	vl := NewVlinkDescriptor(tnl, "", mustStruct(t, map[string]any{}))
	if vl.LinkID != "tnl-1" {
		t.Errorf("expected link id to default to tunnel id, got %s", vl.LinkID)
	}
	if !vl.DTLSEnabled {
		t.Error("expected DTLS to be enabled by default")
	}

	vl = NewVlinkDescriptor(tnl, "link-9", mustStruct(t, map[string]any{"DTLSEnabled": false}))
	if vl.LinkID != "link-9" || vl.DTLSEnabled {
		t.Errorf("unexpected descriptor: %+v", vl)
	}

	vl.StunServers[0] = "changed"
	if tnl.StunServers[0] != "s:1" {
		t.Error("vlink descriptor must not alias the tunnel's server lists")
	}
}
