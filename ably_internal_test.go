package ably

import (
	"fmt"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guspan-tanadi/ably-jsfromably/proto"
)

func red(s string) string {
	return "\033[31m" + s + "\033[39m"
}

func equals(tb testing.TB, id string, exp, act interface{}) {
	tb.Helper()
	if !reflect.DeepEqual(exp, act) {
		_, file, line, _ := runtime.Caller(1)
		tb.Errorf(red("%s:%d %s: \n\texp: %#v\n\tgot: %#v\n"),
			filepath.Base(file), line, id, exp, act)
	}
}

func ok(tb testing.TB, id string, err error) {
	tb.Helper()
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		tb.Errorf(red("%s:%d %s | unexpected error: %s\n"),
			filepath.Base(file), line, id, err.Error())
	}
}

// Note: this is largely derived from
// https://github.com/golang/go/blob/1c69384da4fb4a1323e011941c101189247fea67/src/net/http/response_test.go#L915-L940
func testErrMatches(tb testing.TB, id string, err error, wantErr interface{}) {
	tb.Helper()
	if err == nil {
		if wantErr == nil {
			return
		}

		if sub, ok := wantErr.(string); ok {
			tb.Errorf(red("%s | unexpected success; want error with substring %q"), id, sub)
			return
		}

		tb.Errorf(red("%s | unexpected success; want error %v"), id, wantErr)
		return
	}

	if wantErr == nil {
		tb.Errorf(red("%s | %v; want success"), id, err)
		return
	}

	if sub, ok := wantErr.(string); ok {
		if strings.Contains(err.Error(), sub) {
			return
		}
		tb.Errorf(red("%s | error = %v; want an error with substring %q"), id, err, sub)
		return
	}

	if err == wantErr {
		return
	}

	tb.Errorf(red("%s | %v; want %v"), id, err, wantErr)
}

// codeOf returns code/statusCode of an ErrorInfo for compact comparisons.
func codeOf(err *proto.ErrorInfo) string {
	if err == nil {
		return "ok"
	}
	return fmt.Sprintf("%d/%d", err.Code, err.StatusCode)
}

// fakeWire records what a transport puts on the wire.
type fakeWire struct {
	sent   []*proto.ProtocolMessage
	closed bool
	fail   error
}

func (w *fakeWire) write(msg *proto.ProtocolMessage) error {
	if w.fail != nil {
		return w.fail
	}
	w.sent = append(w.sent, msg)
	return nil
}

func (w *fakeWire) requestClose(closing bool) {
	if closing {
		w.sent = append(w.sent, proto.NewClose())
		return
	}
	w.sent = append(w.sent, proto.NewDisconnect())
}

func (w *fakeWire) closeWire() {
	w.closed = true
}

func (w *fakeWire) actions() []proto.Action {
	var actions []proto.Action
	for _, msg := range w.sent {
		actions = append(actions, msg.Action)
	}
	return actions
}

// fakeTransport is a baseTransport on a recording wire whose handshake is
// scripted by its factory.
type fakeTransport struct {
	*baseTransport
	wire    *fakeWire
	connect func(ft *fakeTransport)
}

func (ft *fakeTransport) Connect() {
	if ft.connect != nil {
		ft.connect(ft)
	}
}

// serverSays delivers an inbound frame.
func (ft *fakeTransport) serverSays(msg *proto.ProtocolMessage) {
	ft.onProtocolMessage(msg)
}

type fakeFactory struct {
	name    TransportName
	connect func(ft *fakeTransport)

	mu      sync.Mutex
	created []*fakeTransport
}

func (f *fakeFactory) Name() TransportName { return f.name }
func (f *fakeFactory) IsAvailable() bool   { return true }

func (f *fakeFactory) New(params TransportParams) Transport {
	w := &fakeWire{}
	ft := &fakeTransport{wire: w, connect: f.connect}
	ft.baseTransport = newBaseTransport(f.name, params, w)
	f.mu.Lock()
	f.created = append(f.created, ft)
	f.mu.Unlock()
	return ft
}

func (f *fakeFactory) transports() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.created...)
}

func (f *fakeFactory) last() *fakeTransport {
	ts := f.transports()
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

func connectedMsg(id, key string) *proto.ProtocolMessage {
	return &proto.ProtocolMessage{
		Action:       proto.ActionConnected,
		ConnectionID: id,
		ConnectionDetails: &proto.ConnectionDetails{
			ConnectionKey:      key,
			MaxMessageSize:     65536,
			ConnectionStateTTL: 120000,
		},
	}
}

// connectAs makes every transport viable and then CONNECTED with id.
func connectAs(id, key string) func(ft *fakeTransport) {
	return func(ft *fakeTransport) {
		ft.preconnect()
		ft.serverSays(connectedMsg(id, key))
	}
}

// refuseWith makes every transport fail its handshake with err.
func refuseWith(err *proto.ErrorInfo) func(ft *fakeTransport) {
	return func(ft *fakeTransport) {
		ft.finish(TransportDisconnected, err)
	}
}

// recorder collects state changes.
type recorder struct {
	mu      sync.Mutex
	changes []ConnectionStateChange
}

func (r *recorder) record(c ConnectionStateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) all() []ConnectionStateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionStateChange(nil), r.changes...)
}

func (r *recorder) states() []ConnectionState {
	var states []ConnectionState
	for _, c := range r.all() {
		states = append(states, c.Current)
	}
	return states
}

func (r *recorder) events() []ConnectionEvent {
	var events []ConnectionEvent
	for _, c := range r.all() {
		events = append(events, c.Event)
	}
	return events
}

// newTestManager builds a manager over a single fake transport factory.
func newTestManager(tb testing.TB, f *fakeFactory, mutate func(*ClientOptions)) (*ConnectionManager, *recorder) {
	tb.Helper()
	opts := ClientOptions{
		Host:               "primary.test",
		FallbackHosts:      []string{},
		NoAutoConnect:      true,
		Transports:         []TransportName{f.name},
		TransportFactories: map[TransportName]TransportFactory{f.name: f},
	}
	if mutate != nil {
		mutate(&opts)
	}
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		tb.Fatal(err)
	}

	m := newConnectionManager(opts)
	rec := &recorder{}
	m.listeners.add(rec.record)
	tb.Cleanup(m.shutdown)
	return m, rec
}

// onLoop runs fn on the manager's loop and waits for it.
func onLoop(tb testing.TB, m *ConnectionManager, fn func()) {
	tb.Helper()
	if err := m.call(fn); err != nil {
		tb.Fatal(err)
	}
}

// waitState waits until the manager publishes state.
func waitState(tb testing.TB, m *ConnectionManager, state ConnectionState, timeout time.Duration) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.snapshot().state == state {
			// Listeners run after the snapshot is published.
			onLoop(tb, m, func() {})
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf(red("timed out waiting for %s; state is %s"), state, m.snapshot().state)
}

// waitFor polls cond on the manager's loop.
func waitFor(tb testing.TB, m *ConnectionManager, timeout time.Duration, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var done bool
		onLoop(tb, m, func() { done = cond() })
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf(red("timed out waiting for %s"), what)
}

func TestCanTransition(t *testing.T) {
	cases := map[string]struct {
		from, to ConnectionState
		exp      bool
	}{
		"connecting to connected":    {StateConnecting, StateConnected, true},
		"connecting to disconnected": {StateConnecting, StateDisconnected, true},
		"connecting to failed":       {StateConnecting, StateFailed, true},
		"connecting to closing":      {StateConnecting, StateClosing, true},
		"connecting to suspended":    {StateConnecting, StateSuspended, false},
		"connecting to closed":       {StateConnecting, StateClosed, false},
		"connected update":           {StateConnected, StateConnected, true},
		"disconnected to suspended":  {StateDisconnected, StateSuspended, true},
		"closed is terminal":         {StateClosed, StateDisconnected, false},
		"failed is terminal":         {StateFailed, StateSuspended, false},
		"closed reconnects":          {StateClosed, StateConnecting, true},
		"closing to closed":          {StateClosing, StateClosed, true},
		"suspended to connected":     {StateSuspended, StateConnected, false},
	}

	for id, tc := range cases {
		equals(t, id, tc.exp, canTransition(tc.from, tc.to))
	}
}

func TestConnectionStateString(t *testing.T) {
	equals(t, "connected", "connected", StateConnected.String())
	equals(t, "failed", "failed", StateFailed.String())
	equals(t, "out of range", "unknown", ConnectionState(42).String())
}
