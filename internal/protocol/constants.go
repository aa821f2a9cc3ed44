package protocol

const (
	ProtocolVersion = 5
	MaxControlSize  = 64 * 1024
)

type Command string

const (
	CmdConfigureLogging         Command = "ConfigureLogging"
	CmdCreateLink               Command = "CreateLink"
	CmdCreateTunnel             Command = "CreateTunnel"
	CmdEcho                     Command = "Echo"
	CmdQueryCandidateAddressSet Command = "QueryCandidateAddressSet"
	CmdQueryLinkStats           Command = "QueryLinkStats"
	CmdQueryTunnelInfo          Command = "QueryTunnelInfo"
	CmdRegisterDataplane        Command = "RegisterDataplane"
	CmdRemoveLink               Command = "RemoveLink"
	CmdRemoveTunnel             Command = "RemoveTunnel"
)

func (c Command) String() string {
	return string(c)
}

type ControlType uint8

const (
	CTUnknown ControlType = iota
	CTTincanRequest
	CTTincanResponse
)

func (t ControlType) String() string {
	switch t {
	case CTTincanRequest:
		return "TincanRequest"
	case CTTincanResponse:
		return "TincanResponse"
	default:
		return "UNKNOWN"
	}
}

func parseControlType(s string) ControlType {
	switch s {
	case "TincanRequest":
		return CTTincanRequest
	case "TincanResponse":
		return CTTincanResponse
	default:
		return CTUnknown
	}
}

// Envelope and body keys.
const (
	KeyProtocolVersion = "ProtocolVersion"
	KeyTransactionID   = "TransactionId"
	KeyControlType     = "ControlType"
	KeyRequest         = "Request"
	KeyResponse        = "Response"
	KeyCommand         = "Command"
	KeySuccess         = "Success"
	KeyMessage         = "Message"
	KeyData            = "Data"
	KeyTunnelID        = "TunnelId"
	KeyLinkID          = "LinkId"
	KeyNodeID          = "NodeId"
	KeyCAS             = "CAS"
	KeyFPR             = "FPR"
	KeyStatus          = "Status"
	KeyLinkIDs         = "LinkIds"
	KeyLevel           = "Level"
)
