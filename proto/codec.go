package proto

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Format names a wire serialization negotiated at connect time.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// Codec turns ProtocolMessages into transport frames and back. A transport
// receives its codec at construction; there is no process-wide registry.
type Codec interface {
	Format() Format

	// ContentType is the HTTP content type used by request/response
	// transports.
	ContentType() string

	// IsBinary reports whether frames must be sent as binary rather than
	// text on frame-oriented transports.
	IsBinary() bool

	Encode(msg *ProtocolMessage) ([]byte, error)
	Decode(data []byte) (*ProtocolMessage, error)

	// EncodeBatch and DecodeBatch handle the array framing used when several
	// messages travel in one request or response body.
	EncodeBatch(msgs []*ProtocolMessage) ([]byte, error)
	DecodeBatch(data []byte) ([]*ProtocolMessage, error)
}

// CodecFor returns the codec for format. An empty format selects JSON.
func CodecFor(format Format) (Codec, error) {
	switch format {
	case "", FormatJSON:
		return JSONCodec{}, nil
	case FormatMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, errors.Errorf("unsupported format %q", format)
	}
}

// JSONCodec is the text codec.
type JSONCodec struct{}

func (JSONCodec) Format() Format      { return FormatJSON }
func (JSONCodec) ContentType() string { return "application/json" }
func (JSONCodec) IsBinary() bool      { return false }

func (JSONCodec) Encode(msg *ProtocolMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode: nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "json marshal failed")
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (*ProtocolMessage, error) {
	var msg ProtocolMessage
	if err := unmarshalJSON(data, &msg); err != nil {
		return nil, errors.Wrap(err, "json unmarshal failed")
	}
	if !msg.Action.Valid() {
		return nil, errors.Errorf("decode: unknown action %d", int(msg.Action))
	}
	return &msg, nil
}

func (JSONCodec) EncodeBatch(msgs []*ProtocolMessage) ([]byte, error) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, errors.Wrap(err, "json marshal failed")
	}
	return data, nil
}

func (JSONCodec) DecodeBatch(data []byte) ([]*ProtocolMessage, error) {
	var msgs []*ProtocolMessage
	if err := unmarshalJSON(data, &msgs); err != nil {
		return nil, errors.Wrap(err, "json unmarshal failed")
	}
	if err := validateBatch(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// unmarshalJSON decodes numbers inside payloads as json.Number so they are
// passed on unchanged.
func unmarshalJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after top-level value")
	}
	return nil
}

func validateBatch(msgs []*ProtocolMessage) error {
	for i, msg := range msgs {
		if msg == nil {
			return errors.Errorf("decode: nil message at index %d", i)
		}
		if !msg.Action.Valid() {
			return errors.Errorf("decode: unknown action %d at index %d", int(msg.Action), i)
		}
	}
	return nil
}
