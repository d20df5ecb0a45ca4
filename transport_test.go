package ably

import (
	"testing"
	"time"

	"github.com/guspan-tanadi/ably-jsfromably/proto"
)

func newTestTransport(tb testing.TB, l *eventLoop, connect func(ft *fakeTransport)) (*fakeFactory, TransportParams) {
	tb.Helper()
	f := &fakeFactory{name: "fake", connect: connect}
	params := TransportParams{
		Host:     "primary.test",
		Timeouts: DefaultTimeouts(),
		Post:     l.post,
	}
	return f, params
}

func TestTransport_Dispatch(t *testing.T) {
	cases := map[string]struct {
		msg          *proto.ProtocolMessage
		exp          []TransportEventKind
		expDisposed  bool
		expErrorCode int
	}{
		"heartbeat": {
			msg: &proto.ProtocolMessage{Action: proto.ActionHeartbeat, ID: "abc"},
			exp: []TransportEventKind{TransportHeartbeat},
		},
		"connected": {
			msg: connectedMsg("id", "key"),
			exp: []TransportEventKind{TransportConnected},
		},
		"closed": {
			msg:         &proto.ProtocolMessage{Action: proto.ActionClosed},
			exp:         []TransportEventKind{TransportClosed, TransportDisposed},
			expDisposed: true,
		},
		"disconnected": {
			msg: &proto.ProtocolMessage{
				Action: proto.ActionDisconnected,
				Error:  proto.NewErrorInfo(80003, 400, "bye"),
			},
			exp:          []TransportEventKind{TransportDisconnected, TransportDisposed},
			expDisposed:  true,
			expErrorCode: 80003,
		},
		"ack": {
			msg: &proto.ProtocolMessage{Action: proto.ActionAck, MsgSerial: 3, Count: 1},
			exp: []TransportEventKind{TransportAck},
		},
		"nack": {
			msg: &proto.ProtocolMessage{Action: proto.ActionNack, MsgSerial: 3, Count: 1},
			exp: []TransportEventKind{TransportNack},
		},
		"sync": {
			msg: &proto.ProtocolMessage{Action: proto.ActionSync, Channel: "c"},
			exp: []TransportEventKind{TransportMessage},
		},
		"activate is ignored": {
			msg: &proto.ProtocolMessage{Action: proto.ActionActivate},
			exp: nil,
		},
		"auth": {
			msg: &proto.ProtocolMessage{Action: proto.ActionAuth},
			exp: []TransportEventKind{TransportAuth},
		},
		"connection error": {
			msg: &proto.ProtocolMessage{
				Action: proto.ActionError,
				Error:  proto.NewErrorInfo(40400, 404, "not found"),
			},
			exp:          []TransportEventKind{TransportFailed, TransportDisposed},
			expDisposed:  true,
			expErrorCode: 40400,
		},
		"channel error": {
			msg: &proto.ProtocolMessage{
				Action:  proto.ActionError,
				Channel: "c",
				Error:   proto.NewErrorInfo(40160, 401, "denied"),
			},
			exp: []TransportEventKind{TransportMessage},
		},
		"attached": {
			msg: &proto.ProtocolMessage{Action: proto.ActionAttached, Channel: "c"},
			exp: []TransportEventKind{TransportMessage},
		},
		"message": {
			msg: &proto.ProtocolMessage{Action: proto.ActionMessage, Channel: "c"},
			exp: []TransportEventKind{TransportMessage},
		},
	}

	l := newEventLoop()
	defer l.stop()

	for id, tc := range cases {
		f, params := newTestTransport(t, l, nil)
		var kinds []TransportEventKind
		var errCode int
		var disposed bool

		err := l.call(func() {
			tr := f.New(params).(*fakeTransport)
			tr.Subscribe(func(ev TransportEvent) {
				kinds = append(kinds, ev.Kind)
				if ev.Err != nil {
					errCode = ev.Err.Code
				}
			})
			tr.serverSays(tc.msg)
			disposed = tr.IsDisposed()
		})
		ok(t, id, err)

		equals(t, id+" events", tc.exp, kinds)
		equals(t, id+" disposed", tc.expDisposed, disposed)
		equals(t, id+" error code", tc.expErrorCode, errCode)
	}
}

func TestTransport_FinishIsIdempotent(t *testing.T) {
	l := newEventLoop()
	defer l.stop()
	f, params := newTestTransport(t, l, nil)

	var kinds []TransportEventKind
	var tr *fakeTransport
	err := l.call(func() {
		tr = f.New(params).(*fakeTransport)
		tr.Subscribe(func(ev TransportEvent) { kinds = append(kinds, ev.Kind) })
		tr.serverSays(connectedMsg("id", "key"))
		tr.Close()
		tr.Disconnect(nil)
		tr.Fail(nil)
		tr.serverSays(&proto.ProtocolMessage{Action: proto.ActionHeartbeat})
	})
	ok(t, "call", err)

	equals(t, "events", []TransportEventKind{TransportConnected, TransportClosed, TransportDisposed}, kinds)
	equals(t, "wire", []proto.Action{proto.ActionClose}, tr.wire.actions())
	equals(t, "wire closed", true, tr.wire.closed)
	testErrMatches(t, "send after finish", tr.Send(proto.NewHeartbeat("x")), "transport finished")
}

func TestTransport_CloseRequestsOnlyWhenConnected(t *testing.T) {
	cases := map[string]struct {
		connected bool
		finish    func(tr Transport)
		expWire   []proto.Action
		expKind   TransportEventKind
	}{
		"close when connected": {
			connected: true,
			finish:    func(tr Transport) { tr.Close() },
			expWire:   []proto.Action{proto.ActionClose},
			expKind:   TransportClosed,
		},
		"disconnect when connected": {
			connected: true,
			finish:    func(tr Transport) { tr.Disconnect(nil) },
			expWire:   []proto.Action{proto.ActionDisconnect},
			expKind:   TransportDisconnected,
		},
		"fail when connected": {
			connected: true,
			finish:    func(tr Transport) { tr.Fail(nil) },
			expWire:   []proto.Action{proto.ActionDisconnect},
			expKind:   TransportFailed,
		},
		"close before connected": {
			finish:  func(tr Transport) { tr.Close() },
			expKind: TransportClosed,
		},
	}

	l := newEventLoop()
	defer l.stop()

	for id, tc := range cases {
		f, params := newTestTransport(t, l, nil)
		var kind TransportEventKind
		var tr *fakeTransport
		err := l.call(func() {
			tr = f.New(params).(*fakeTransport)
			if tc.connected {
				tr.serverSays(connectedMsg("id", "key"))
			}
			tr.Subscribe(func(ev TransportEvent) {
				if kind == "" {
					kind = ev.Kind
				}
			})
			tc.finish(tr)
		})
		ok(t, id, err)
		equals(t, id+" wire", tc.expWire, tr.wire.actions())
		equals(t, id+" event", tc.expKind, kind)
	}
}

func TestTransport_IdleTimeout(t *testing.T) {
	l := newEventLoop()
	defer l.stop()
	f, params := newTestTransport(t, l, nil)
	params.Timeouts.RealtimeRequestTimeout = 50 * time.Millisecond

	events := make(chan TransportEvent, 10)
	start := time.Now()
	err := l.call(func() {
		tr := f.New(params).(*fakeTransport)
		tr.Subscribe(func(ev TransportEvent) { events <- ev })
		msg := connectedMsg("id", "key")
		msg.ConnectionDetails.MaxIdleInterval = 50
		tr.serverSays(msg)
	})
	ok(t, "call", err)

	equals(t, "connected", TransportConnected, (<-events).Kind)
	select {
	case ev := <-events:
		equals(t, "kind", TransportDisconnected, ev.Kind)
		equals(t, "code", "80003/408", codeOf(ev.Err))
		if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
			t.Errorf(red("idle timeout fired after %s, before max idle interval plus margin"), elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal(red("idle timeout never fired"))
	}
}

func TestTransport_ActivityDefersIdleTimeout(t *testing.T) {
	l := newEventLoop()
	defer l.stop()
	f, params := newTestTransport(t, l, nil)
	params.Timeouts.RealtimeRequestTimeout = 50 * time.Millisecond

	events := make(chan TransportEvent, 100)
	var tr *fakeTransport
	err := l.call(func() {
		tr = f.New(params).(*fakeTransport)
		tr.Subscribe(func(ev TransportEvent) { events <- ev })
		msg := connectedMsg("id", "key")
		msg.ConnectionDetails.MaxIdleInterval = 50
		tr.serverSays(msg)
	})
	ok(t, "call", err)

	// Heartbeats every 50ms keep the 200ms watchdog quiet.
	for i := 0; i < 8; i++ {
		time.Sleep(50 * time.Millisecond)
		ok(t, "heartbeat", l.call(func() {
			tr.serverSays(&proto.ProtocolMessage{Action: proto.ActionHeartbeat})
		}))
	}

	var disposed bool
	ok(t, "check", l.call(func() { disposed = tr.IsDisposed() }))
	equals(t, "still alive", false, disposed)
}

func TestTransport_NoIdleTimerWithoutInterval(t *testing.T) {
	l := newEventLoop()
	defer l.stop()
	f, params := newTestTransport(t, l, nil)

	var armed bool
	err := l.call(func() {
		tr := f.New(params).(*fakeTransport)
		tr.serverSays(connectedMsg("id", "key"))
		armed = tr.idleTimer != nil
	})
	ok(t, "call", err)
	equals(t, "armed", false, armed)
}

func TestTryConnect(t *testing.T) {
	cases := map[string]struct {
		connect  func(ft *fakeTransport)
		expOK    bool
		expEvent TransportEventKind
		expCode  string
	}{
		"preconnect wins": {
			connect: func(ft *fakeTransport) { ft.preconnect() },
			expOK:   true,
		},
		"refused": {
			connect:  refuseWith(proto.NewErrorInfo(80003, 400, "refused")),
			expEvent: TransportDisconnected,
			expCode:  "80003/400",
		},
		"failed": {
			connect:  func(ft *fakeTransport) { ft.finish(TransportFailed, proto.NewErrorInfo(40100, 401, "no")) },
			expEvent: TransportFailed,
			expCode:  "40100/401",
		},
		"silence times out": {
			connect:  func(ft *fakeTransport) {},
			expEvent: TransportDisconnected,
			expCode:  "50000/500",
		},
	}

	l := newEventLoop()
	defer l.stop()

	for id, tc := range cases {
		f, params := newTestTransport(t, l, tc.connect)
		type result struct {
			tr  Transport
			err *TryConnectError
		}
		results := make(chan result, 2)
		err := l.call(func() {
			tryConnect(f, params, 50*time.Millisecond, func(tr Transport, err *TryConnectError) {
				results <- result{tr, err}
			})
		})
		ok(t, id, err)

		var r result
		select {
		case r = <-results:
		case <-time.After(time.Second):
			t.Fatalf(red("%s: no result"), id)
		}

		equals(t, id+" ok", tc.expOK, r.tr != nil)
		if !tc.expOK {
			equals(t, id+" event", tc.expEvent, r.err.Event)
			equals(t, id+" code", tc.expCode, codeOf(r.err.Err))
			var disposed bool
			ok(t, id, l.call(func() { disposed = f.last().IsDisposed() }))
			equals(t, id+" disposed", true, disposed)
		}

		// The winner is reported exactly once even after the timer would
		// have fired.
		time.Sleep(80 * time.Millisecond)
		equals(t, id+" single result", 0, len(results))
	}
}

func TestTryConnect_Abort(t *testing.T) {
	l := newEventLoop()
	defer l.stop()

	f, params := newTestTransport(t, l, func(ft *fakeTransport) {})
	results := make(chan *TryConnectError, 1)
	var abort func()
	ok(t, "start", l.call(func() {
		abort = tryConnect(f, params, 50*time.Millisecond, func(tr Transport, err *TryConnectError) {
			results <- err
		})
	}))

	var disposed bool
	ok(t, "abort", l.call(func() {
		abort()
		disposed = f.last().IsDisposed()
	}))
	equals(t, "disposed", true, disposed)

	time.Sleep(80 * time.Millisecond)
	equals(t, "no result after abort", 0, len(results))
	ok(t, "abort twice", l.call(abort))
}
