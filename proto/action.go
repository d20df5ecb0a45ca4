// Package proto provides the wire model of the realtime protocol: the
// ProtocolMessage frame, its closed action vocabulary, the ErrorInfo carried
// by failed operations, and the codecs that turn frames into the bytes a
// transport writes.
//
// The package interprets nothing below the frame level. Message and presence
// payload arrays pass through the codecs untouched.
package proto

import (
	"strconv"

	"github.com/pkg/errors"
)

// Action is the operation code of a ProtocolMessage.
type Action int

// The action vocabulary is closed: every encoder, decoder and dispatch table
// in this module switches over exactly these values.
const (
	ActionHeartbeat Action = iota
	ActionAck
	ActionNack
	ActionConnect
	ActionConnected
	ActionDisconnect
	ActionDisconnected
	ActionClose
	ActionClosed
	ActionError
	ActionAttach
	ActionAttached
	ActionDetach
	ActionDetached
	ActionPresence
	ActionMessage
	ActionSync
	ActionAuth
	ActionActivate

	actionCount
)

var actionNames = [actionCount]string{
	ActionHeartbeat:    "HEARTBEAT",
	ActionAck:          "ACK",
	ActionNack:         "NACK",
	ActionConnect:      "CONNECT",
	ActionConnected:    "CONNECTED",
	ActionDisconnect:   "DISCONNECT",
	ActionDisconnected: "DISCONNECTED",
	ActionClose:        "CLOSE",
	ActionClosed:       "CLOSED",
	ActionError:        "ERROR",
	ActionAttach:       "ATTACH",
	ActionAttached:     "ATTACHED",
	ActionDetach:       "DETACH",
	ActionDetached:     "DETACHED",
	ActionPresence:     "PRESENCE",
	ActionMessage:      "MESSAGE",
	ActionSync:         "SYNC",
	ActionAuth:         "AUTH",
	ActionActivate:     "ACTIVATE",
}

// Actions returns every action of the vocabulary in code order.
func Actions() []Action {
	out := make([]Action, 0, actionCount)
	for a := Action(0); a < actionCount; a++ {
		out = append(out, a)
	}
	return out
}

// Valid reports whether a is part of the vocabulary.
func (a Action) Valid() bool {
	return a >= 0 && a < actionCount
}

func (a Action) String() string {
	if !a.Valid() {
		return "UNKNOWN(" + strconv.Itoa(int(a)) + ")"
	}
	return actionNames[a]
}

// ParseAction maps an action name back to its code.
func ParseAction(name string) (Action, error) {
	for a, n := range actionNames {
		if n == name {
			return Action(a), nil
		}
	}
	return 0, errors.Errorf("unknown action %q", name)
}
