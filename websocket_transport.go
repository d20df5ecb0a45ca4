package ably

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/guspan-tanadi/ably-jsfromably/proto"
	"github.com/pkg/errors"
)

type webSocketFactory struct{}

func (webSocketFactory) Name() TransportName { return TransportWebSocket }
func (webSocketFactory) IsAvailable() bool   { return true }

func (webSocketFactory) New(params TransportParams) Transport {
	return newWebSocketTransport(params)
}

// websocketTransport speaks the protocol over a single websocket, one
// protocol message per frame.
type websocketTransport struct {
	*baseTransport

	conn       *websocket.Conn
	cancelDial context.CancelFunc
}

func newWebSocketTransport(params TransportParams) *websocketTransport {
	t := &websocketTransport{}
	t.baseTransport = newBaseTransport(TransportWebSocket, params, t)
	return t
}

func (t *websocketTransport) dialer() *websocket.Dialer {
	// Prepare to use the existing HTTP client's cookie jar and proxy, if an
	// HTTP client has been set.
	var jar http.CookieJar
	proxy := http.ProxyFromEnvironment
	if c := t.params.HTTPClient; c != nil {
		jar = c.Jar
		if tr, ok := c.Transport.(*http.Transport); ok && tr.Proxy != nil {
			proxy = tr.Proxy
		}
	}

	return &websocket.Dialer{
		Proxy:            proxy,
		TLSClientConfig:  t.params.TLSClientConfig,
		Jar:              jar,
		HandshakeTimeout: t.params.Timeouts.RealtimeRequestTimeout,
	}
}

// Connect dials in the background. A successful upgrade makes the transport
// viable; reading starts straight after.
func (t *websocketTransport) Connect() {
	u := t.params.url("ws", "/")
	u.RawQuery = t.params.query().Encode()

	ctx, cancel := context.WithCancel(context.Background())
	t.cancelDial = cancel

	header := http.Header{}
	header.Set("User-Agent", t.params.Agent)

	t.log.Debug().Str("url", redactURL(u)).Msg("dialing")
	go func() {
		conn, resp, err := t.dialer().DialContext(ctx, u.String(), header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				err = errors.Wrapf(err, "dial: %v", resp.Status)
			} else {
				err = errors.Wrap(err, "dial")
			}
			t.params.Post(func() {
				t.finish(TransportDisconnected, errDisconnected().WithCause(err))
			})
			return
		}

		if !t.params.Post(func() { t.onDialed(conn) }) {
			conn.Close()
		}
	}()
}

func (t *websocketTransport) onDialed(conn *websocket.Conn) {
	if t.finished {
		conn.Close()
		return
	}
	t.conn = conn

	// Control frames prove the peer is alive even when no protocol
	// messages flow.
	conn.SetPingHandler(func(data string) error {
		t.params.Post(t.onActivity)
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.params.Timeouts.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		t.params.Post(t.onActivity)
		return nil
	})

	t.preconnect()
	go t.readMessages(conn)
}

func (t *websocketTransport) readMessages(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason := errDisconnected().WithCause(errors.Wrap(err, "read"))
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				reason = proto.NewErrorInfo(CodeConnectionDisconnect, http.StatusBadRequest, "Websocket closed").WithCause(err)
			}
			t.params.Post(func() { t.finish(TransportDisconnected, reason) })
			return
		}

		msg, err := t.codec.Decode(data)
		if err != nil {
			t.log.Warn().Err(err).Msg("dropping undecodable frame")
			t.params.Post(t.onActivity)
			continue
		}

		if !t.params.Post(func() { t.onProtocolMessage(msg) }) {
			return
		}
	}
}

func (t *websocketTransport) write(msg *proto.ProtocolMessage) error {
	if t.conn == nil {
		return errors.New("websocket not connected")
	}
	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	frameType := websocket.TextMessage
	if t.codec.IsBinary() {
		frameType = websocket.BinaryMessage
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.params.Timeouts.WriteTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	return errors.Wrap(t.conn.WriteMessage(frameType, data), "websocket write failed")
}

func (t *websocketTransport) requestClose(closing bool) {
	msg := proto.NewDisconnect()
	if closing {
		msg = proto.NewClose()
	}
	if err := t.write(msg); err != nil {
		t.log.Debug().Err(err).Msg("close request not sent")
	}
}

func (t *websocketTransport) closeWire() {
	if t.cancelDial != nil {
		t.cancelDial()
	}
	if t.conn == nil {
		return
	}
	deadline := time.Now().Add(t.params.Timeouts.WriteTimeout)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.conn.Close()
}
