package proto

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec is the compact binary codec.
type MsgpackCodec struct{}

func (MsgpackCodec) Format() Format      { return FormatMsgpack }
func (MsgpackCodec) ContentType() string { return "application/x-msgpack" }
func (MsgpackCodec) IsBinary() bool      { return true }

func (MsgpackCodec) Encode(msg *ProtocolMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode: nil message")
	}
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "msgpack marshal failed")
	}
	return data, nil
}

func (MsgpackCodec) Decode(data []byte) (*ProtocolMessage, error) {
	var msg ProtocolMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "msgpack unmarshal failed")
	}
	if !msg.Action.Valid() {
		return nil, errors.Errorf("decode: unknown action %d", int(msg.Action))
	}
	return &msg, nil
}

func (MsgpackCodec) EncodeBatch(msgs []*ProtocolMessage) ([]byte, error) {
	data, err := msgpack.Marshal(msgs)
	if err != nil {
		return nil, errors.Wrap(err, "msgpack marshal failed")
	}
	return data, nil
}

func (MsgpackCodec) DecodeBatch(data []byte) ([]*ProtocolMessage, error) {
	var msgs []*ProtocolMessage
	if err := msgpack.Unmarshal(data, &msgs); err != nil {
		return nil, errors.Wrap(err, "msgpack unmarshal failed")
	}
	if err := validateBatch(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
