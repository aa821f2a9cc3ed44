package protocol

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Control is one message exchanged with the overlay controller. Request and
// Response are free-form documents.
type Control struct {
	ProtocolVersion int
	TransactionID   uint64
	Type            ControlType
	Request         *structpb.Struct
	Response        *structpb.Struct
}

func NewRequest(txID uint64, cmd Command, params map[string]any) (*Control, error) {
	req, err := structpb.NewStruct(params)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Fields[KeyCommand] = structpb.NewStringValue(cmd.String())
	return &Control{
		ProtocolVersion: ProtocolVersion,
		TransactionID:   txID,
		Type:            CTTincanRequest,
		Request:         req,
	}, nil
}

func (c *Control) Command() Command {
	return Command(c.Request.GetFields()[KeyCommand].GetStringValue())
}

// SetResponse turns c into a response carrying msg, which may be a string,
// a *structpb.Struct or anything structpb.NewValue accepts.
func (c *Control) SetResponse(msg any, success bool) error {
	var value *structpb.Value
	switch m := msg.(type) {
	case *structpb.Struct:
		value = structpb.NewStructValue(m)
	case *structpb.Value:
		value = m
	default:
		v, err := structpb.NewValue(msg)
		if err != nil {
			return fmt.Errorf("building response: %w", err)
		}
		value = v
	}

	c.Type = CTTincanResponse
	c.Response = &structpb.Struct{Fields: map[string]*structpb.Value{
		KeySuccess: structpb.NewBoolValue(success),
		KeyMessage: value,
	}}
	return nil
}

func (c *Control) Success() bool {
	return c.Response.GetFields()[KeySuccess].GetBoolValue()
}

func (c *Control) Message() *structpb.Value {
	return c.Response.GetFields()[KeyMessage]
}

func (c *Control) toStruct() *structpb.Struct {
	s := &structpb.Struct{Fields: map[string]*structpb.Value{
		KeyProtocolVersion: structpb.NewNumberValue(float64(c.ProtocolVersion)),
		KeyTransactionID:   structpb.NewNumberValue(float64(c.TransactionID)),
		KeyControlType:     structpb.NewStringValue(c.Type.String()),
	}}
	if c.Request != nil {
		s.Fields[KeyRequest] = structpb.NewStructValue(c.Request)
	}
	if c.Response != nil {
		s.Fields[KeyResponse] = structpb.NewStructValue(c.Response)
	}
	return s
}

func controlFromStruct(s *structpb.Struct) (*Control, error) {
	fields := s.GetFields()
	ct := parseControlType(fields[KeyControlType].GetStringValue())
	if ct == CTUnknown {
		return nil, fmt.Errorf("invalid control type %q", fields[KeyControlType].GetStringValue())
	}
	c := &Control{
		ProtocolVersion: int(fields[KeyProtocolVersion].GetNumberValue()),
		TransactionID:   uint64(fields[KeyTransactionID].GetNumberValue()),
		Type:            ct,
		Request:         fields[KeyRequest].GetStructValue(),
		Response:        fields[KeyResponse].GetStructValue(),
	}
	if c.Type == CTTincanRequest && c.Request == nil {
		return nil, fmt.Errorf("request control %d has no Request body", c.TransactionID)
	}
	return c, nil
}
