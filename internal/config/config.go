// Package config loads tunnel configuration files.
package config

import (
	"fmt"
	"os"

	"github.com/rudransh-shrivastava/tincan/internal/descriptor"
	"github.com/rudransh-shrivastava/tincan/internal/logger"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"
)

// DefaultLogLevel applies when the file has no logging level.
const DefaultLogLevel = "INFO"

// DefaultStunServers are public STUN servers for configs that name none.
var DefaultStunServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun2.l.google.com:19302",
}

type TurnServer struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type File struct {
	TunnelID    string           `yaml:"tunnel_id"`
	NodeID      string           `yaml:"node_id"`
	LinkID      string           `yaml:"link_id"`
	StunServers []string         `yaml:"stun_servers"`
	TurnServers []TurnServer     `yaml:"turn_servers"`
	Logging     logger.LogConfig `yaml:"logging"`
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if f.Logging.Level == "" {
		f.Logging.Level = DefaultLogLevel
	}
	return &f, nil
}

// Document renders the file in the controller's document shape so it goes
// through the same descriptor parsing as control requests.
func (f *File) Document() (*structpb.Struct, error) {
	stun := make([]any, 0, len(f.StunServers))
	for _, s := range f.StunServers {
		stun = append(stun, s)
	}
	turn := make([]any, 0, len(f.TurnServers))
	for _, t := range f.TurnServers {
		turn = append(turn, map[string]any{
			descriptor.FieldTurnAddress: t.Address,
			descriptor.FieldTurnUser:    t.User,
			descriptor.FieldTurnPass:    t.Password,
		})
	}

	fields := map[string]any{
		descriptor.FieldStunServers: stun,
		descriptor.FieldTurnServers: turn,
	}
	if f.TunnelID != "" {
		fields[descriptor.FieldTunnelID] = f.TunnelID
	}
	if f.NodeID != "" {
		fields[descriptor.FieldNodeID] = f.NodeID
	}
	if f.LinkID != "" {
		fields[descriptor.FieldLinkID] = f.LinkID
	}
	return structpb.NewStruct(fields)
}

// UseDefaultStun fills in DefaultStunServers when the file lists none.
func (f *File) UseDefaultStun() {
	if len(f.StunServers) == 0 {
		f.StunServers = append([]string(nil), DefaultStunServers...)
	}
}

func (f *File) Tunnel() (*descriptor.TunnelDescriptor, error) {
	doc, err := f.Document()
	if err != nil {
		return nil, err
	}
	return descriptor.ParseTunnel(doc)
}
