package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec frames controls as a big-endian uint32 length followed by the JSON
// document.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, ctrl *Control) error {
	data, err := c.Marshal(ctrl)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (c *Codec) Decode(r io.Reader) (*Control, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxControlSize {
		return nil, fmt.Errorf("control of %d bytes exceeds limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return c.Unmarshal(data)
}

func (c *Codec) Marshal(ctrl *Control) ([]byte, error) {
	return protojson.Marshal(ctrl.toStruct())
}

func (c *Codec) Unmarshal(data []byte) (*Control, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing control: %w", err)
	}
	return controlFromStruct(&s)
}
