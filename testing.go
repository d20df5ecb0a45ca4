package ably

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/guspan-tanadi/ably-jsfromably/proto"
)

// Identity handed out by the sample handlers in this file.
const (
	TestConnectionID  = "test-connection-id"
	TestConnectionKey = "test-connection-key"
)

// TestConnectionDetails are the details sent in every sample CONNECTED.
func TestConnectionDetails() *proto.ConnectionDetails {
	return &proto.ConnectionDetails{
		ConnectionKey:      TestConnectionKey,
		MaxMessageSize:     65536,
		MaxFrameSize:       524288,
		MaxIdleInterval:    15000,
		ConnectionStateTTL: 120000,
		ServerID:           "test-server",
	}
}

// testCodec picks the codec named by the request's format parameter.
func testCodec(r *http.Request) proto.Codec {
	codec, err := proto.CodecFor(proto.Format(r.URL.Query().Get("format")))
	if err != nil {
		panic(err)
	}
	return codec
}

// TestReply returns what the sample server answers to msg: HEARTBEATs are
// echoed, MESSAGE and PRESENCE are acknowledged, CLOSE is answered with
// CLOSED and AUTH with a fresh CONNECTED for the same connection.
func TestReply(msg *proto.ProtocolMessage) []*proto.ProtocolMessage {
	switch msg.Action {
	case proto.ActionHeartbeat:
		return []*proto.ProtocolMessage{proto.NewHeartbeat(msg.ID)}
	case proto.ActionMessage, proto.ActionPresence:
		return []*proto.ProtocolMessage{{Action: proto.ActionAck, MsgSerial: msg.MsgSerial, Count: 1}}
	case proto.ActionClose:
		return []*proto.ProtocolMessage{{Action: proto.ActionClosed}}
	case proto.ActionAuth:
		return []*proto.ProtocolMessage{testConnected()}
	}
	return nil
}

func testConnected() *proto.ProtocolMessage {
	return &proto.ProtocolMessage{
		Action:            proto.ActionConnected,
		ConnectionID:      TestConnectionID,
		ConnectionDetails: TestConnectionDetails(),
	}
}

// TestRealtimeHandler provides a sample websocket realtime endpoint. It
// says CONNECTED as soon as the socket is up and then answers every frame
// with TestReply.
//
// If an error occurs while upgrading the websocket, it will panic.
func TestRealtimeHandler(w http.ResponseWriter, r *http.Request) {
	codec := testCodec(r)
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		panic(err)
	}

	write := func(msg *proto.ProtocolMessage) error {
		data, err := codec.Encode(msg)
		if err != nil {
			return err
		}
		frameType := websocket.TextMessage
		if codec.IsBinary() {
			frameType = websocket.BinaryMessage
		}
		return c.WriteMessage(frameType, data)
	}

	go func() {
		defer c.Close()
		if err := write(testConnected()); err != nil {
			return
		}
		for {
			_, data, rerr := c.ReadMessage()
			if rerr != nil {
				return
			}
			msg, derr := codec.Decode(data)
			if derr != nil {
				return
			}
			if msg.Action == proto.ActionDisconnect {
				return
			}
			for _, reply := range TestReply(msg) {
				if werr := write(reply); werr != nil {
					return
				}
			}
		}
	}()
}

// TestSilentHandler provides a sample websocket endpoint that says
// CONNECTED, promising a 100ms idle interval, and then never sends
// anything again.
//
// If an error occurs while upgrading the websocket, it will panic.
func TestSilentHandler(w http.ResponseWriter, r *http.Request) {
	codec := testCodec(r)
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		panic(err)
	}

	msg := testConnected()
	msg.ConnectionDetails.MaxIdleInterval = 100
	data, err := codec.Encode(msg)
	if err != nil {
		panic(err)
	}

	frameType := websocket.TextMessage
	if codec.IsBinary() {
		frameType = websocket.BinaryMessage
	}

	go func() {
		defer c.Close()
		if werr := c.WriteMessage(frameType, data); werr != nil {
			return
		}
		for {
			if _, _, rerr := c.ReadMessage(); rerr != nil {
				return
			}
		}
	}()
}

// cometPollInterval is how long a sample recv request is held open when
// there is nothing to deliver.
const cometPollInterval = 100 * time.Millisecond

var (
	cometSeq      int64
	cometSessions = struct {
		sync.Mutex
		m map[string]chan *proto.ProtocolMessage
	}{m: make(map[string]chan *proto.ProtocolMessage)}
)

// TestCometHandler provides a sample comet realtime endpoint serving
// /comet/connect, /comet/<key>/recv, /comet/<key>/send and the close and
// disconnect requests. Each connect creates a new connection key; replies
// follow TestReply.
//
// If an error occurs while writing the response data, it will panic.
func TestCometHandler(w http.ResponseWriter, r *http.Request) {
	codec := testCodec(r)
	writeBatch := func(msgs []*proto.ProtocolMessage) {
		if msgs == nil {
			msgs = []*proto.ProtocolMessage{}
		}
		data, err := codec.EncodeBatch(msgs)
		if err != nil {
			panic(err)
		}
		w.Header().Set("Content-Type", codec.ContentType())
		if _, err := w.Write(data); err != nil {
			panic(err)
		}
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/comet/"), "/")
	if len(parts) == 1 && parts[0] == "connect" {
		key := fmt.Sprintf("comet-%d", atomic.AddInt64(&cometSeq, 1))
		cometSessions.Lock()
		cometSessions.m[key] = make(chan *proto.ProtocolMessage, 100)
		cometSessions.Unlock()

		msg := testConnected()
		msg.ConnectionDetails.ConnectionKey = key
		writeBatch([]*proto.ProtocolMessage{msg})
		return
	}
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}

	key, op := parts[0], parts[1]
	cometSessions.Lock()
	out, ok := cometSessions.m[key]
	if ok && (op == "close" || op == "disconnect") {
		delete(cometSessions.m, key)
	}
	cometSessions.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch op {
	case "recv":
		var batch []*proto.ProtocolMessage
		select {
		case msg := <-out:
			batch = append(batch, msg)
		case <-time.After(cometPollInterval):
		case <-r.Context().Done():
			return
		}
		for more := true; more; {
			select {
			case msg := <-out:
				batch = append(batch, msg)
			default:
				more = false
			}
		}
		writeBatch(batch)
	case "send":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			panic(err)
		}
		msgs, err := codec.DecodeBatch(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, msg := range msgs {
			for _, reply := range TestReply(msg) {
				out <- reply
			}
		}
		writeBatch(nil)
	case "close", "disconnect":
		writeBatch(nil)
	default:
		http.NotFound(w, r)
	}
}
