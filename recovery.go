package ably

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RecoveryKey is what a new client instance needs to continue the
// connection of a previous one.
type RecoveryKey struct {
	ConnectionKey  string
	MsgSerial      int64
	ChannelSerials map[string]string
}

// Encode renders the key as connectionKey:msgSerial:channelSerials, where
// channelSerials is a JSON object.
func (k RecoveryKey) Encode() string {
	serials := k.ChannelSerials
	if serials == nil {
		serials = map[string]string{}
	}
	data, err := json.Marshal(serials)
	if err != nil {
		data = []byte("{}")
	}
	return k.ConnectionKey + ":" + strconv.FormatInt(k.MsgSerial, 10) + ":" + string(data)
}

// DecodeRecoveryKey parses a key produced by Encode.
func DecodeRecoveryKey(s string) (*RecoveryKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return nil, errors.Errorf("malformed recovery key %q", s)
	}
	if parts[0] == "" {
		return nil, errors.New("malformed recovery key: empty connection key")
	}
	serial, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || serial < 0 {
		return nil, errors.Errorf("malformed recovery key: bad msgSerial %q", parts[1])
	}
	var serials map[string]string
	if err := json.Unmarshal([]byte(parts[2]), &serials); err != nil {
		return nil, errors.Wrap(err, "malformed recovery key: channel serials")
	}
	if serials == nil {
		serials = map[string]string{}
	}
	return &RecoveryKey{ConnectionKey: parts[0], MsgSerial: serial, ChannelSerials: serials}, nil
}
