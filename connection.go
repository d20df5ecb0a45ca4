package ably

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/guspan-tanadi/ably-jsfromably/proto"
)

// listenerSet holds state change listeners. Listeners run on the event
// loop, in registration order, and may add or remove listeners.
type listenerSet struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(ConnectionStateChange)
}

func newListenerSet() *listenerSet {
	return &listenerSet{fns: make(map[int]func(ConnectionStateChange))}
}

func (l *listenerSet) add(fn func(ConnectionStateChange)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listenerSet) emit(change ConnectionStateChange) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(ConnectionStateChange), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// Connection is the public face of the client's connection.
type Connection struct {
	m *ConnectionManager
}

// State returns the current state.
func (c *Connection) State() ConnectionState {
	return c.m.snapshot().state
}

// ErrorReason returns the error behind the latest state change, if any.
func (c *Connection) ErrorReason() *proto.ErrorInfo {
	return c.m.snapshot().reason
}

// ID returns the server-assigned connection id, or "" when not connected.
func (c *Connection) ID() string {
	return c.m.snapshot().id
}

// Key returns the private connection key used to resume.
func (c *Connection) Key() string {
	return c.m.snapshot().key
}

// Serial returns the latest connectionSerial seen from the server.
func (c *Connection) Serial() int64 {
	return c.m.snapshot().serial
}

// MsgSerial returns the serial the next acknowledged message will get.
func (c *Connection) MsgSerial() int64 {
	return c.m.snapshot().msgSerial
}

// Details returns the details of the current connection.
func (c *Connection) Details() *proto.ConnectionDetails {
	return c.m.snapshot().details
}

// Host returns the host of the transport in use.
func (c *Connection) Host() string {
	return c.m.snapshot().activeHost
}

// Transport returns the name of the transport in use.
func (c *Connection) Transport() TransportName {
	return c.m.snapshot().activeTransport
}

// RecoveryKey returns a key a new client can pass in ClientOptions.Recover
// to take over this connection.
func (c *Connection) RecoveryKey() string {
	return c.m.recoveryKey()
}

// On registers fn for every state change and returns a func removing it.
// Listeners run on the connection's event loop and must not block.
func (c *Connection) On(fn func(ConnectionStateChange)) func() {
	return c.m.listeners.add(fn)
}

// OnState registers fn for changes into state.
func (c *Connection) OnState(state ConnectionState, fn func(ConnectionStateChange)) func() {
	return c.m.listeners.add(func(change ConnectionStateChange) {
		if change.Current == state {
			fn(change)
		}
	})
}

// Once registers fn for the next change into state, or the next change of
// any kind when no state is given.
func (c *Connection) Once(fn func(ConnectionStateChange), states ...ConnectionState) func() {
	var once sync.Once
	var off func()
	var mu sync.Mutex
	mu.Lock()
	defer mu.Unlock()
	off = c.m.listeners.add(func(change ConnectionStateChange) {
		if len(states) > 0 && !hasState(states, change.Current) {
			return
		}
		once.Do(func() {
			mu.Lock()
			remove := off
			mu.Unlock()
			remove()
			fn(change)
		})
	})
	return off
}

func hasState(states []ConnectionState, s ConnectionState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// Connect starts connecting unless already connecting or connected.
func (c *Connection) Connect() {
	c.m.post(c.m.connect)
}

// Close closes the connection without waiting for it to finish closing.
func (c *Connection) Close() {
	c.m.post(c.m.close)
}

// SendAsync sends msg and calls cb with the outcome. For messages that are
// acknowledged the outcome is the ACK or NACK; cb runs on the event loop and
// must not block.
func (c *Connection) SendAsync(msg *proto.ProtocolMessage, cb SendCallback) error {
	if !c.m.post(func() { c.m.send(msg, cb) }) {
		return errLoopStopped
	}
	return nil
}

// Send sends msg and waits for the outcome.
func (c *Connection) Send(ctx context.Context, msg *proto.ProtocolMessage) error {
	result := make(chan *proto.ErrorInfo, 1)
	if err := c.SendAsync(msg, func(err *proto.ErrorInfo) { result <- err }); err != nil {
		return err
	}
	select {
	case err := <-result:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping measures the round trip of a heartbeat.
func (c *Connection) Ping(ctx context.Context) (time.Duration, error) {
	return c.m.ping(ctx)
}

// WaitFor blocks until the connection is in one of states or ctx ends, and
// returns the state reached.
func (c *Connection) WaitFor(ctx context.Context, states ...ConnectionState) (ConnectionState, error) {
	return c.m.waitForState(ctx, func(s ConnectionState) bool {
		return hasState(states, s)
	})
}
