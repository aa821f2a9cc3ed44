package tincan

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rudransh-shrivastava/tincan/internal/descriptor"
	"github.com/rudransh-shrivastava/tincan/internal/logger"
	"github.com/rudransh-shrivastava/tincan/internal/negotiation"
	"github.com/rudransh-shrivastava/tincan/internal/protocol"
	"github.com/rudransh-shrivastava/tincan/internal/transport"
	"github.com/rudransh-shrivastava/tincan/internal/tunnel"
	"github.com/rudransh-shrivastava/tincan/internal/vlink"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	LinkStateUp   = "LINK_STATE_UP"
	LinkStateDown = "LINK_STATE_DOWN"

	CmdLinkStateChange protocol.Command = "LinkStateChange"
)

type handlerFunc func(cc *clientConn, ctrl *protocol.Control)

func (s *Service) handlers() map[protocol.Command]handlerFunc {
	return map[protocol.Command]handlerFunc{
		protocol.CmdConfigureLogging:         s.handleConfigureLogging,
		protocol.CmdCreateTunnel:             s.handleCreateTunnel,
		protocol.CmdCreateLink:               s.handleCreateLink,
		protocol.CmdEcho:                     s.handleEcho,
		protocol.CmdQueryCandidateAddressSet: s.handleQueryCAS,
		protocol.CmdQueryLinkStats:           s.handleQueryLinkStats,
		protocol.CmdQueryTunnelInfo:          s.handleQueryTunnelInfo,
		protocol.CmdRemoveLink:               s.handleRemoveLink,
		protocol.CmdRemoveTunnel:             s.handleRemoveTunnel,
	}
}

// dispatch runs on the signaling loop.
func (s *Service) dispatch(cc *clientConn, ctrl *protocol.Control) {
	cmd := ctrl.Command()
	s.log.Debugf("Control %d: %s", ctrl.TransactionID, cmd)

	h, ok := s.handlers()[cmd]
	if !ok {
		s.log.Warnf("Unsupported command %q", cmd)
		s.respond(cc, ctrl, fmt.Sprintf("Unsupported command: %s", cmd), false)
		return
	}
	h(cc, ctrl)
}

func (s *Service) handleEcho(cc *clientConn, ctrl *protocol.Control) {
	msg := ctrl.Request.GetFields()[protocol.KeyMessage]
	if msg == nil {
		msg = structpb.NewStringValue("")
	}
	s.respond(cc, ctrl, msg, true)
}

func (s *Service) handleConfigureLogging(cc *clientConn, ctrl *protocol.Control) {
	req := ctrl.Request
	cfg := logger.LogConfig{
		Level:        descriptor.StringField(req, "Level"),
		Device:       logger.Device(descriptor.StringField(req, "Device")),
		Directory:    descriptor.StringField(req, "Directory"),
		Filename:     descriptor.StringField(req, "Filename"),
		ConsoleLevel: descriptor.StringField(req, "ConsoleLevel"),
	}

	closer, err := logger.Configure(s.log, cfg)
	if s.logCloser != nil {
		s.logCloser.Close()
	}
	s.logCloser = closer
	if err != nil {
		s.log.Warnf("ConfigureLogging failed, using console at WARNING: %v", err)
		s.respond(cc, ctrl, err.Error(), false)
		return
	}
	s.respond(cc, ctrl, "Logging configured", true)
}

func (s *Service) handleCreateTunnel(cc *clientConn, ctrl *protocol.Control) {
	desc, err := descriptor.ParseTunnel(ctrl.Request)
	if err != nil {
		s.respond(cc, ctrl, err.Error(), false)
		return
	}
	tnl, ok := s.tunnels[desc.TunnelID]
	if !ok {
		tnl, err = s.createTunnel(desc)
		if err != nil {
			s.respond(cc, ctrl, err.Error(), false)
			return
		}
	}
	s.respond(cc, ctrl, tunnelInfo(tnl.Info()), true)
}

func (s *Service) createTunnel(desc *descriptor.TunnelDescriptor) (*tunnel.Tunnel, error) {
	tunnelID := desc.TunnelID
	tnl, err := tunnel.New(tunnel.Options{
		Descriptor: desc,
		Identity:   s.opts.Identity,
		Signal:     s.signal,
		Events:     s.tunnelEvents(tunnelID),
		Frames:     s.opts.Frames,
		Metrics:    s.opts.Metrics,
		Journal:    s.opts.Journal,
		NewEngine:  s.opts.NewEngine,
		Logger:     s.log,
	})
	if err != nil {
		return nil, err
	}
	s.tunnels[tunnelID] = tnl
	s.log.Infof("Created tunnel %s", tunnelID)
	return tnl, nil
}

func (s *Service) tunnelEvents(tunnelID string) vlink.Observer {
	return vlink.ObserverFuncs{
		OnLinkUp: func(linkID string) {
			s.notifyLinkState(tunnelID, linkID, LinkStateUp)
		},
		OnLinkDown: func(linkID string) {
			s.notifyLinkState(tunnelID, linkID, LinkStateDown)
		},
		OnCandidatesReady: s.candidatesReady,
	}
}

func (s *Service) notifyLinkState(tunnelID, linkID, state string) {
	s.notify(CmdLinkStateChange, map[string]any{
		protocol.KeyTunnelID: tunnelID,
		protocol.KeyLinkID:   linkID,
		protocol.KeyData:     state,
	})
}

// handleCreateLink creates the tunnel when needed (this node then controls
// the link) and answers with the local candidates once they are gathered.
func (s *Service) handleCreateLink(cc *clientConn, ctrl *protocol.Control) {
	req := ctrl.Request
	desc, err := descriptor.ParseTunnel(req)
	if err != nil {
		s.respond(cc, ctrl, err.Error(), false)
		return
	}
	peer, err := descriptor.ParsePeer(req)
	if err != nil {
		s.respond(cc, ctrl, err.Error(), false)
		return
	}

	role := negotiation.RoleControlled
	tnl, ok := s.tunnels[desc.TunnelID]
	if !ok {
		role = negotiation.RoleControlling
		tnl, err = s.createTunnel(desc)
		if err != nil {
			s.respond(cc, ctrl, err.Error(), false)
			return
		}
	}

	vd := descriptor.NewVlinkDescriptor(tnl.Descriptor(), descriptor.StringField(req, descriptor.FieldLinkID), req)
	vl, exists := tnl.Vlink(vd.LinkID)
	if exists {
		vl.SetPeerCandidates(peer.Candidates)
	} else {
		vl, err = tnl.CreateVlink(vd, peer, role)
		if err != nil {
			s.log.Errorf("Creating vlink %s failed: %v", vd.LinkID, err)
			if role == negotiation.RoleControlling {
				tnl.Close()
				delete(s.tunnels, desc.TunnelID)
			}
			s.respond(cc, ctrl, err.Error(), false)
			return
		}
	}

	requestID := strconv.FormatUint(ctrl.TransactionID, 10)
	if cas, ready := vl.RequestCandidates(requestID); ready {
		s.respondCandidates(cc, ctrl, vl.ID(), cas)
	} else {
		s.pending[requestID] = pendingControl{ctrl: ctrl, conn: cc, linkID: vl.ID()}
	}

	if !exists {
		if err := vl.StartConnections(); err != nil {
			s.log.Errorf("Starting connections on %s failed: %v", vl.ID(), err)
		}
	}
}

func (s *Service) candidatesReady(requestID, cas string) {
	p, ok := s.pending[requestID]
	if !ok {
		s.log.Debugf("No pending control for candidates of request %s", requestID)
		return
	}
	delete(s.pending, requestID)
	s.respondCandidates(p.conn, p.ctrl, p.linkID, cas)
}

func (s *Service) respondCandidates(cc *clientConn, ctrl *protocol.Control, linkID, cas string) {
	if cas == "" {
		s.respond(cc, ctrl, "No local candidates available on vlink: "+linkID, false)
		return
	}
	s.respond(cc, ctrl, map[string]any{protocol.KeyCAS: cas}, true)
}

func (s *Service) lookupLink(ctrl *protocol.Control) (*tunnel.Tunnel, *vlink.VirtualLink, error) {
	tunnelID := descriptor.StringField(ctrl.Request, protocol.KeyTunnelID)
	tnl, ok := s.tunnels[tunnelID]
	if !ok {
		return nil, nil, fmt.Errorf("no such tunnel: %s", tunnelID)
	}
	linkID := descriptor.StringField(ctrl.Request, protocol.KeyLinkID)
	vl, ok := tnl.Vlink(linkID)
	if !ok {
		return tnl, nil, fmt.Errorf("%w: %s", tunnel.ErrLinkUnknown, linkID)
	}
	return tnl, vl, nil
}

func (s *Service) handleQueryCAS(cc *clientConn, ctrl *protocol.Control) {
	_, vl, err := s.lookupLink(ctrl)
	if err != nil {
		s.respond(cc, ctrl, err.Error(), false)
		return
	}
	s.respond(cc, ctrl, map[string]any{
		"Local":  vl.Candidates(),
		"Remote": vl.PeerInfo().Candidates,
	}, true)
}

func (s *Service) handleQueryLinkStats(cc *clientConn, ctrl *protocol.Control) {
	tunnelID := descriptor.StringField(ctrl.Request, protocol.KeyTunnelID)
	tnl, ok := s.tunnels[tunnelID]
	if !ok {
		s.respond(cc, ctrl, "no such tunnel: "+tunnelID, false)
		return
	}

	linkIDs := tnl.LinkIDs()
	if id := descriptor.StringField(ctrl.Request, protocol.KeyLinkID); id != "" {
		linkIDs = []string{id}
	}

	out := make(map[string]any, len(linkIDs))
	for _, id := range linkIDs {
		vl, ok := tnl.Vlink(id)
		if !ok {
			continue
		}
		entry := map[string]any{
			protocol.KeyStatus:            vl.State().String(),
			"CandidateSubmissionFailures": float64(vl.SubmissionFailures()),
		}
		stats, err := vl.Stats()
		if err != nil {
			s.log.Debugf("Stats for %s unavailable: %v", id, err)
			stats = nil
		}
		list, err := statsList(stats)
		if err != nil {
			s.respond(cc, ctrl, err.Error(), false)
			return
		}
		entry["Stats"] = list
		out[id] = entry
	}
	s.respond(cc, ctrl, out, true)
}

func statsList(stats []transport.ConnectionInfo) ([]any, error) {
	if len(stats) == 0 {
		return []any{}, nil
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Service) handleQueryTunnelInfo(cc *clientConn, ctrl *protocol.Control) {
	tunnelID := descriptor.StringField(ctrl.Request, protocol.KeyTunnelID)
	tnl, ok := s.tunnels[tunnelID]
	if !ok {
		s.respond(cc, ctrl, "no such tunnel: "+tunnelID, false)
		return
	}
	s.respond(cc, ctrl, tunnelInfo(tnl.Info()), true)
}

func tunnelInfo(info tunnel.Info) map[string]any {
	ids := make([]any, len(info.LinkIDs))
	for i, id := range info.LinkIDs {
		ids[i] = id
	}
	return map[string]any{
		protocol.KeyTunnelID: info.TunnelID,
		protocol.KeyNodeID:   info.NodeID,
		protocol.KeyFPR:      info.Fingerprint,
		protocol.KeyLinkIDs:  ids,
		protocol.KeyStatus:   info.Status,
	}
}

func (s *Service) handleRemoveLink(cc *clientConn, ctrl *protocol.Control) {
	tnl, vl, err := s.lookupLink(ctrl)
	if err != nil {
		s.respond(cc, ctrl, err.Error(), false)
		return
	}
	for id, p := range s.pending {
		if p.linkID == vl.ID() {
			delete(s.pending, id)
		}
	}
	if err := tnl.RemoveVlink(vl.ID()); err != nil {
		s.log.Warnf("Removing vlink %s: %v", vl.ID(), err)
	}
	s.respond(cc, ctrl, "Link removed: "+vl.ID(), true)
}

func (s *Service) handleRemoveTunnel(cc *clientConn, ctrl *protocol.Control) {
	tunnelID := descriptor.StringField(ctrl.Request, protocol.KeyTunnelID)
	tnl, ok := s.tunnels[tunnelID]
	if !ok {
		s.respond(cc, ctrl, "no such tunnel: "+tunnelID, false)
		return
	}
	for _, id := range tnl.LinkIDs() {
		for reqID, p := range s.pending {
			if p.linkID == id {
				delete(s.pending, reqID)
			}
		}
	}
	if err := tnl.Close(); err != nil {
		s.log.Warnf("Closing tunnel %s: %v", tunnelID, err)
	}
	delete(s.tunnels, tunnelID)
	s.respond(cc, ctrl, "Tunnel removed: "+tunnelID, true)
}
