package ably

import (
	"sort"
	"time"

	"github.com/guspan-tanadi/ably-jsfromably/proto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// TransportName identifies a transport implementation.
type TransportName string

const (
	TransportWebSocket TransportName = "web_socket"
	TransportPolling   TransportName = "comet"
)

// TransportEventKind is the kind of a TransportEvent.
type TransportEventKind string

const (
	TransportPreconnect   TransportEventKind = "preconnect"
	TransportConnected    TransportEventKind = "connected"
	TransportDisconnected TransportEventKind = "disconnected"
	TransportFailed       TransportEventKind = "failed"
	TransportClosed       TransportEventKind = "closed"
	TransportHeartbeat    TransportEventKind = "heartbeat"
	TransportAck          TransportEventKind = "ack"
	TransportNack         TransportEventKind = "nack"
	TransportMessage      TransportEventKind = "message"
	TransportAuth         TransportEventKind = "auth"
	TransportDisposed     TransportEventKind = "disposed"
)

// TransportEvent is delivered to transport subscribers. Message is set for
// events raised by an inbound frame; Err for terminal events that carry a
// reason; ID for heartbeats.
type TransportEvent struct {
	Kind    TransportEventKind
	Message *proto.ProtocolMessage
	Err     *proto.ErrorInfo
	ID      string
}

// Transport is one physical connection attempt. Instances are never reused:
// once a terminal event (closed, disconnected, failed) has been emitted the
// transport is disposed and emits nothing further.
//
// All methods are called on the owning connection's event loop, and
// subscribers are invoked there too.
type Transport interface {
	Name() TransportName

	// Connect starts the handshake. The outcome arrives as events.
	Connect()

	Send(msg *proto.ProtocolMessage) error

	// Close, Disconnect and Fail notify the server when connected and then
	// finish with the closed, disconnected or failed event respectively.
	Close()
	Disconnect(err *proto.ErrorInfo)
	Fail(err *proto.ErrorInfo)

	// Ping sends a HEARTBEAT carrying id; the echo arrives as a heartbeat
	// event.
	Ping(id string)

	// Subscribe registers fn for every event and returns a func that
	// removes it.
	Subscribe(fn func(TransportEvent)) (cancel func())

	IsConnected() bool
	IsDisposed() bool
}

// TransportFactory builds transports of one kind.
type TransportFactory interface {
	Name() TransportName

	// IsAvailable reports whether the transport can be used at all in this
	// process.
	IsAvailable() bool

	New(params TransportParams) Transport
}

// TryConnectError is the outcome of a failed transport attempt. Event is
// the terminal event the attempt ended with.
type TryConnectError struct {
	Event TransportEventKind
	Err   *proto.ErrorInfo
}

func (e *TryConnectError) Error() string {
	return string(e.Event) + ": " + e.Err.Error()
}

func (e *TryConnectError) Unwrap() error {
	return e.Err
}

// wireConn is what a concrete transport supplies to baseTransport.
type wireConn interface {
	// write puts msg on the wire.
	write(msg *proto.ProtocolMessage) error

	// requestClose tells the server the client is leaving, either for good
	// (closing) or temporarily.
	requestClose(closing bool)

	// closeWire releases the physical connection and stops background
	// goroutines.
	closeWire()
}

type subscription struct {
	id   int
	fn   func(TransportEvent)
	live bool
}

// baseTransport holds the protocol state shared by every transport: inbound
// dispatch, the idle watchdog and the finish/dispose sequence.
type baseTransport struct {
	name   TransportName
	params TransportParams
	codec  proto.Codec
	log    zerolog.Logger
	wire   wireConn

	subs    map[int]*subscription
	nextSub int

	connected bool
	finished  bool
	disposed  bool

	details      *proto.ConnectionDetails
	lastActivity time.Time
	idleTimeout  time.Duration
	idleTimer    *time.Timer
	idleGen      int
}

func newBaseTransport(name TransportName, params TransportParams, wire wireConn) *baseTransport {
	codec, err := proto.CodecFor(params.Format)
	if err != nil {
		codec = proto.JSONCodec{}
	}
	return &baseTransport{
		name:   name,
		params: params,
		codec:  codec,
		log:    params.Logger.With().Str("transport", string(name)).Str("host", params.Host).Logger(),
		wire:   wire,
		subs:   make(map[int]*subscription),
	}
}

func (t *baseTransport) Name() TransportName { return t.name }
func (t *baseTransport) IsConnected() bool   { return t.connected }
func (t *baseTransport) IsDisposed() bool    { return t.disposed }

func (t *baseTransport) Subscribe(fn func(TransportEvent)) func() {
	if t.disposed {
		return func() {}
	}
	t.nextSub++
	s := &subscription{id: t.nextSub, fn: fn, live: true}
	t.subs[s.id] = s
	return func() {
		s.live = false
		delete(t.subs, s.id)
	}
}

func (t *baseTransport) emit(ev TransportEvent) {
	if t.disposed {
		return
	}
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	for _, s := range subs {
		if s.live {
			s.fn(ev)
		}
	}
}

func (t *baseTransport) Send(msg *proto.ProtocolMessage) error {
	if t.finished {
		return errors.Errorf("send %s: transport finished", msg.Action)
	}
	t.log.Trace().Stringer("msg", msg).Msg("send")
	if err := t.wire.write(msg); err != nil {
		return errors.Wrapf(err, "send %s", msg.Action)
	}
	return nil
}

func (t *baseTransport) Ping(id string) {
	if err := t.Send(proto.NewHeartbeat(id)); err != nil {
		t.log.Warn().Err(err).Msg("ping failed")
	}
}

func (t *baseTransport) Close() {
	if t.connected {
		t.wire.requestClose(true)
	}
	t.finish(TransportClosed, errClosed())
}

func (t *baseTransport) Disconnect(err *proto.ErrorInfo) {
	if t.connected {
		t.wire.requestClose(false)
	}
	if err == nil {
		err = errDisconnected()
	}
	t.finish(TransportDisconnected, err)
}

func (t *baseTransport) Fail(err *proto.ErrorInfo) {
	if t.connected {
		t.wire.requestClose(false)
	}
	if err == nil {
		err = errFailed()
	}
	t.finish(TransportFailed, err)
}

// preconnect reports that the transport is viable: the handshake succeeded
// but the server has not yet said CONNECTED.
func (t *baseTransport) preconnect() {
	if t.finished {
		return
	}
	t.log.Debug().Msg("transport viable")
	t.emit(TransportEvent{Kind: TransportPreconnect})
}

// onActivity records inbound traffic of any kind, including control frames
// that carry no protocol message.
func (t *baseTransport) onActivity() {
	t.lastActivity = time.Now()
}

// onProtocolMessage dispatches one inbound frame.
func (t *baseTransport) onProtocolMessage(msg *proto.ProtocolMessage) {
	if t.finished {
		return
	}
	t.onActivity()
	t.log.Trace().Stringer("msg", msg).Msg("recv")

	switch msg.Action {
	case proto.ActionHeartbeat:
		t.emit(TransportEvent{Kind: TransportHeartbeat, Message: msg, ID: msg.ID})
	case proto.ActionConnected:
		t.onConnect(msg)
		t.emit(TransportEvent{Kind: TransportConnected, Message: msg, Err: msg.Error})
	case proto.ActionClosed:
		t.finish(TransportClosed, msg.Error)
	case proto.ActionDisconnected:
		err := msg.Error
		if err == nil {
			err = errDisconnected()
		}
		t.finish(TransportDisconnected, err)
	case proto.ActionAck:
		t.emit(TransportEvent{Kind: TransportAck, Message: msg})
	case proto.ActionNack:
		t.emit(TransportEvent{Kind: TransportNack, Message: msg, Err: msg.Error})
	case proto.ActionSync:
		t.emit(TransportEvent{Kind: TransportMessage, Message: msg})
	case proto.ActionActivate:
	case proto.ActionAuth:
		t.emit(TransportEvent{Kind: TransportAuth, Message: msg})
	case proto.ActionError:
		if msg.Channel == "" {
			err := msg.Error
			if err == nil {
				err = errFailed()
			}
			t.finish(TransportFailed, err)
			return
		}
		t.emit(TransportEvent{Kind: TransportMessage, Message: msg})
	default:
		t.emit(TransportEvent{Kind: TransportMessage, Message: msg})
	}
}

func (t *baseTransport) onConnect(msg *proto.ProtocolMessage) {
	t.connected = true
	if msg.ConnectionDetails != nil {
		t.details = msg.ConnectionDetails
	}
	t.log = t.log.With().Str("connectionId", msg.ConnectionID).Logger()
	t.log.Debug().Msg("connected")

	t.stopIdleTimer()
	if idle := t.details.IdleInterval(); idle > 0 {
		t.idleTimeout = idle + t.params.Timeouts.RealtimeRequestTimeout + 100*time.Millisecond
		t.armIdleTimer(t.idleTimeout)
	}
}

func (t *baseTransport) armIdleTimer(d time.Duration) {
	t.idleGen++
	gen := t.idleGen
	t.idleTimer = time.AfterFunc(d, func() {
		t.params.Post(func() { t.onIdleTimer(gen) })
	})
}

func (t *baseTransport) stopIdleTimer() {
	t.idleGen++
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}

func (t *baseTransport) onIdleTimer(gen int) {
	if gen != t.idleGen || t.finished {
		return
	}
	since := time.Since(t.lastActivity)
	if remaining := t.idleTimeout - since; remaining > 0 {
		t.armIdleTimer(remaining)
		return
	}
	msg := "No activity seen from realtime in " + since.Round(time.Millisecond).String() + "; assuming connection has dropped"
	t.log.Error().Dur("idle", since).Msg("idle timeout")
	t.params.Metrics.idleTimeout()
	t.Disconnect(errIdleTimeout(msg))
}

// finish emits the terminal event once and disposes the transport.
func (t *baseTransport) finish(kind TransportEventKind, err *proto.ErrorInfo) {
	if t.finished {
		return
	}
	t.finished = true
	t.stopIdleTimer()
	if err != nil {
		t.log.Debug().Err(err).Str("event", string(kind)).Msg("transport finished")
	} else {
		t.log.Debug().Str("event", string(kind)).Msg("transport finished")
	}
	t.emit(TransportEvent{Kind: kind, Err: err})
	t.dispose()
}

func (t *baseTransport) dispose() {
	if t.disposed {
		return
	}
	t.finished = true
	t.stopIdleTimer()
	t.emit(TransportEvent{Kind: TransportDisposed})
	t.disposed = true
	t.connected = false
	t.subs = map[int]*subscription{}
	t.wire.closeWire()
}

// tryConnect starts a transport and reports the first of: viability, a
// terminal event, or the attempt timing out. On success the caller owns the
// transport; on failure it has been disposed. The returned abort disposes a
// transport that has not reported yet, without calling cb.
func tryConnect(factory TransportFactory, params TransportParams, timeout time.Duration, cb func(Transport, *TryConnectError)) (abort func()) {
	tr := factory.New(params)
	settled := false
	var timer *time.Timer
	var cancel func()

	settle := func() bool {
		if settled {
			return false
		}
		settled = true
		if timer != nil {
			timer.Stop()
		}
		cancel()
		return true
	}

	cancel = tr.Subscribe(func(ev TransportEvent) {
		switch ev.Kind {
		case TransportPreconnect:
			if settle() {
				cb(tr, nil)
			}
		case TransportFailed, TransportDisconnected:
			if settle() {
				err := ev.Err
				if err == nil {
					err = errDisconnected()
				}
				cb(nil, &TryConnectError{Event: ev.Kind, Err: err})
			}
		}
	})

	timer = time.AfterFunc(timeout, func() {
		params.Post(func() {
			if !settle() {
				return
			}
			err := errAttemptTimeout()
			tr.Disconnect(err)
			cb(nil, &TryConnectError{Event: TransportDisconnected, Err: err})
		})
	})

	tr.Connect()
	return func() {
		if settle() {
			tr.Disconnect(nil)
		}
	}
}
