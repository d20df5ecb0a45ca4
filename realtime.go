package ably

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Realtime is a client holding one logical connection to the service.
type Realtime struct {
	// Connection exposes the connection state and lets callers send
	// protocol messages.
	Connection *Connection

	opts ClientOptions
	m    *ConnectionManager
}

// New creates a client. Unless opts.NoAutoConnect is set it starts
// connecting straight away.
func New(opts ClientOptions) (*Realtime, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	m := newConnectionManager(opts)
	c := &Realtime{
		Connection: &Connection{m: m},
		opts:       opts,
		m:          m,
	}
	if !opts.NoAutoConnect {
		c.Connect()
	}
	return c, nil
}

// Options returns the options in effect, with defaults filled in.
func (c *Realtime) Options() ClientOptions {
	return c.opts
}

// Connect starts connecting unless already connecting or connected.
func (c *Realtime) Connect() {
	c.Connection.Connect()
}

// Authorize obtains a fresh token and switches the connection over to it,
// in place when connected. A token provider error is returned without
// touching the connection.
func (c *Realtime) Authorize(ctx context.Context) (*TokenDetails, error) {
	td, err := c.m.authorize(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "authorize failed")
	}
	return td, nil
}

// Close closes the connection, waits a bounded time for it to reach closed
// and releases every goroutine the client started. The client cannot be
// used afterwards.
func (c *Realtime) Close() error {
	c.Connection.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeouts.RealtimeRequestTimeout+time.Second)
	defer cancel()
	state, err := c.Connection.WaitFor(ctx, StateClosed, StateFailed)

	c.m.shutdown()
	if err != nil {
		return errors.Wrapf(err, "close: connection still %s", state)
	}
	return nil
}
