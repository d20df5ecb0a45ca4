package ably

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/guspan-tanadi/ably-jsfromably/proto"
	"github.com/rs/zerolog"
)

// ChannelRouter is the channel layer's view of the connection. The manager
// calls OnChannelMessage and OnConnectionStateChange from its event loop;
// implementations must not block. ChannelSerials may be called from any
// goroutine.
type ChannelRouter interface {
	OnChannelMessage(msg *proto.ProtocolMessage)
	OnConnectionStateChange(change ConnectionStateChange)

	// ChannelSerials returns the latest serial of every attached channel,
	// for inclusion in recovery keys.
	ChannelSerials() map[string]string

	// SetChannelSerials hands over the serials decoded from a recovery key
	// before the first connection attempt.
	SetChannelSerials(serials map[string]string)
}

// connectionSnapshot is the read-only view published for getters.
type connectionSnapshot struct {
	state           ConnectionState
	reason          *proto.ErrorInfo
	id              string
	key             string
	serial          int64
	msgSerial       int64
	details         *proto.ConnectionDetails
	activeHost      string
	activeTransport TransportName
}

type candidate struct {
	host      string
	transport TransportName
}

type connectAttempt struct {
	gen        int
	candidates []candidate
	next       int
	lastErr    *proto.ErrorInfo

	// abort disposes the candidate still negotiating.
	abort func()
}

type queuedMessage struct {
	msg *proto.ProtocolMessage
	cb  SendCallback
}

// ConnectionManager drives one logical connection across transports. All
// fields below the loop are owned by the loop goroutine.
type ConnectionManager struct {
	opts    ClientOptions
	loop    *eventLoop
	log     zerolog.Logger
	metrics *Metrics
	router  ChannelRouter
	tokens  TokenProvider
	codec   proto.Codec
	hosts   *hostSelector
	random  func() float64

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	listeners *listenerSet

	snapMu sync.RWMutex
	snap   connectionSnapshot

	state  ConnectionState
	reason *proto.ErrorInfo

	active       Transport
	activeCancel func()
	activeHost   string
	activeName   TransportName
	preferred    TransportName

	attemptGen int
	attempt    *connectAttempt

	pending   pendingQueue
	queue     []queuedMessage
	msgSerial int64

	connectionID     string
	connectionKey    string
	connectionSerial int64
	details          *proto.ConnectionDetails
	stateTTL         time.Duration
	recover          *RecoveryKey

	token        string
	tokenRetried bool
	authWaiters  []func(*proto.ErrorInfo)

	lostAt      time.Time
	retryCount  int
	timer       *time.Timer
	timerGen    int
	pingWaiters map[string]func()
}

func newConnectionManager(opts ClientOptions) *ConnectionManager {
	codec, err := proto.CodecFor(opts.Format)
	if err != nil {
		codec = proto.JSONCodec{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		opts:        opts,
		loop:        newEventLoop(),
		log:         opts.Logger.With().Str("component", "connection").Logger(),
		metrics:     opts.Metrics,
		router:      opts.Router,
		tokens:      opts.tokenProvider(),
		codec:       codec,
		hosts:       newHostSelector(opts.Host, opts.FallbackHosts),
		ctx:         ctx,
		cancel:      cancel,
		listeners:   newListenerSet(),
		stateTTL:    opts.Timeouts.ConnectionStateTTL,
		pingWaiters: make(map[string]func()),
		state:       StateInitialized,
	}
	if opts.Recover != "" {
		if key, err := DecodeRecoveryKey(opts.Recover); err == nil {
			m.recover = key
			m.msgSerial = key.MsgSerial
		}
	}
	m.publish()
	return m
}

// post schedules fn on the loop and republishes the snapshot after it.
func (m *ConnectionManager) post(fn func()) bool {
	return m.loop.post(func() {
		fn()
		m.publish()
	})
}

func (m *ConnectionManager) call(fn func()) error {
	return m.loop.call(func() {
		fn()
		m.publish()
	})
}

func (m *ConnectionManager) publish() {
	s := connectionSnapshot{
		state:           m.state,
		reason:          m.reason,
		id:              m.connectionID,
		key:             m.connectionKey,
		serial:          m.connectionSerial,
		msgSerial:       m.msgSerial,
		details:         m.details,
		activeHost:      m.activeHost,
		activeTransport: m.activeName,
	}
	m.snapMu.Lock()
	m.snap = s
	m.snapMu.Unlock()
}

func (m *ConnectionManager) snapshot() connectionSnapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// setState moves to state, notifies listeners and the router, and applies
// the side effects every entry into that state has.
func (m *ConnectionManager) setState(state ConnectionState, reason *proto.ErrorInfo, retryIn time.Duration) {
	prev := m.state
	if !canTransition(prev, state) {
		m.log.Warn().Str("from", prev.String()).Str("to", state.String()).Msg("ignoring invalid state transition")
		return
	}
	m.state = state
	m.reason = reason

	event := eventFor(state)
	if prev == StateConnected && state == StateConnected {
		event = EventUpdate
	}
	change := ConnectionStateChange{Previous: prev, Current: state, Event: event, Reason: reason, RetryIn: retryIn}

	logEvent := m.log.Info()
	if state == StateFailed {
		logEvent = m.log.Error()
	}
	logEvent.Str("from", prev.String()).Str("to", state.String()).Str("event", string(event)).Dur("retryIn", retryIn).AnErr("reason", errOrNil(reason)).Msg("connection state")
	m.metrics.stateChanged(state)

	switch state {
	case StateConnected:
		m.resolveAuth(nil)
	case StateSuspended, StateClosed, StateFailed:
		err := reason
		if err == nil {
			err = state.stateError()
		}
		m.failQueued(err)
		m.metrics.resolved(m.pending.CompleteAll(err), false)
		m.resolveAuth(err)
		m.failPings()
		m.clearConnection()
	}
	m.metrics.queueSizes(m.pending.Len(), len(m.queue))

	m.publish()
	if m.router != nil {
		m.router.OnConnectionStateChange(change)
	}
	m.listeners.emit(change)
}

func errOrNil(e *proto.ErrorInfo) error {
	if e == nil {
		return nil
	}
	return e
}

// clearConnection forgets the server-side connection so the next attempt
// starts clean.
func (m *ConnectionManager) clearConnection() {
	m.connectionID = ""
	m.connectionKey = ""
	m.connectionSerial = 0
	m.msgSerial = 0
	m.details = nil
	m.lostAt = time.Time{}
	m.recover = nil
}

// armTimer replaces the manager's single state timer.
func (m *ConnectionManager) armTimer(d time.Duration, fn func()) {
	m.cancelTimer()
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() {
		m.post(func() {
			if gen != m.timerGen {
				return
			}
			m.timer = nil
			fn()
		})
	})
}

func (m *ConnectionManager) cancelTimer() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// connect starts a connection cycle unless one is under way.
func (m *ConnectionManager) connect() {
	switch m.state {
	case StateConnecting, StateConnected, StateClosing:
		return
	}
	m.startConnect(false)
}

// startConnect begins a new cycle over every host and transport, fetching
// a token first when one is needed.
func (m *ConnectionManager) startConnect(refreshToken bool) {
	m.cancelTimer()
	m.abandonAttempt()
	if m.lostAt.IsZero() {
		m.lostAt = time.Now()
	}
	if m.state != StateConnecting {
		m.setState(StateConnecting, nil, 0)
		if m.state != StateConnecting {
			return
		}
	}
	if m.recover != nil && m.router != nil {
		m.router.SetChannelSerials(m.recover.ChannelSerials)
	}

	m.attemptGen++
	gen := m.attemptGen

	if m.tokens == nil || (m.token != "" && !refreshToken) {
		m.tryHosts(gen)
		return
	}

	m.bg.Add(1)
	fetchToken(m.ctx, m.tokens, refreshToken, func(td *TokenDetails, err error) {
		defer m.bg.Done()
		m.post(func() {
			if gen != m.attemptGen || m.state != StateConnecting {
				return
			}
			if err != nil {
				m.onTokenFetchError(err)
				return
			}
			m.token = td.Token
			m.tryHosts(gen)
		})
	})
}

func (m *ConnectionManager) onTokenFetchError(err error) {
	info := errorInfoFrom(err, nil)
	m.log.Warn().Err(err).Msg("token request failed")
	if info.StatusCode == http.StatusUnauthorized || info.StatusCode == http.StatusForbidden {
		m.setState(StateFailed, info, 0)
		return
	}
	m.cycleFailed(info)
}

// abandonAttempt drops the transport still negotiating, if any.
func (m *ConnectionManager) abandonAttempt() {
	m.attemptGen++
	if a := m.attempt; a != nil && a.abort != nil {
		a.abort()
	}
	m.attempt = nil
	if m.active != nil && !m.active.IsConnected() {
		m.deactivate().Disconnect(nil)
	}
}

// transportOrder lists the usable transports, the last successful one first.
func (m *ConnectionManager) transportOrder() []TransportName {
	var names []TransportName
	if m.preferred != "" {
		if f, ok := m.opts.factory(m.preferred); ok && f.IsAvailable() {
			names = append(names, m.preferred)
		}
	}
	for _, name := range m.opts.Transports {
		if name == m.preferred {
			continue
		}
		if f, ok := m.opts.factory(name); ok && f.IsAvailable() {
			names = append(names, name)
		}
	}
	return names
}

func (m *ConnectionManager) tryHosts(gen int) {
	a := &connectAttempt{gen: gen}
	transports := m.transportOrder()
	for _, host := range m.hosts.candidates() {
		for _, name := range transports {
			a.candidates = append(a.candidates, candidate{host: host, transport: name})
		}
	}
	m.attempt = a
	m.nextCandidate(a)
}

func (m *ConnectionManager) nextCandidate(a *connectAttempt) {
	if a != m.attempt || a.gen != m.attemptGen || m.state != StateConnecting {
		return
	}
	if a.next >= len(a.candidates) {
		reason := a.lastErr
		if reason == nil {
			reason = errDisconnected()
		}
		m.attempt = nil
		m.cycleFailed(reason)
		return
	}
	c := a.candidates[a.next]
	a.next++

	factory, _ := m.opts.factory(c.transport)
	params := m.transportParams(c.host)
	m.log.Debug().Str("host", c.host).Str("transport", string(c.transport)).Str("mode", params.Mode.String()).Msg("trying transport")

	n := a.next
	abort := tryConnect(factory, params, m.opts.Timeouts.RealtimeRequestTimeout, func(tr Transport, terr *TryConnectError) {
		if a != m.attempt || a.gen != m.attemptGen || m.state != StateConnecting {
			if tr != nil {
				tr.Disconnect(nil)
			}
			return
		}
		if terr != nil {
			m.metrics.transportAttempt(c.transport, "failed")
			m.log.Debug().Str("host", c.host).Str("transport", string(c.transport)).Err(terr).Msg("transport attempt failed")
			m.hosts.failed(c.host)
			a.lastErr = terr.Err
			if terr.Event == TransportFailed {
				m.onConnectFailure(terr.Err)
				return
			}
			m.nextCandidate(a)
			return
		}
		m.metrics.transportAttempt(c.transport, "viable")
		m.activate(tr, c)
	})
	// A synchronous failure may already have moved on to the next candidate.
	if a.next == n {
		a.abort = abort
	}
}

func (m *ConnectionManager) transportParams(host string) TransportParams {
	p := TransportParams{
		Host:            host,
		Port:            m.opts.Port,
		TLSPort:         m.opts.TLSPort,
		TLS:             !m.opts.NoTLS,
		Format:          m.codec.Format(),
		Heartbeats:      !m.opts.NoHeartbeats,
		Agent:           m.opts.Agent,
		AccessToken:     m.token,
		ClientID:        m.opts.ClientID,
		Echo:            !m.opts.NoEcho,
		TLSClientConfig: m.opts.TLSClientConfig,
		HTTPClient:      m.opts.HTTPClient,
		Timeouts:        m.opts.Timeouts,
		Post:            m.post,
		Logger:          m.opts.Logger,
		Metrics:         m.metrics,
	}
	switch {
	case m.connectionKey != "":
		p.Mode = ModeResume
		p.ConnectionKey = m.connectionKey
		p.MsgSerial = m.msgSerial
	case m.recover != nil:
		p.Mode = ModeRecover
		p.ConnectionKey = m.recover.ConnectionKey
		p.MsgSerial = m.recover.MsgSerial
	}
	return p
}

// activate adopts a viable transport and waits for CONNECTED on it.
func (m *ConnectionManager) activate(tr Transport, c candidate) {
	m.active = tr
	m.activeHost = c.host
	m.activeName = c.transport
	m.activeCancel = tr.Subscribe(func(ev TransportEvent) {
		m.onTransportEvent(tr, ev)
	})
	if !tr.IsConnected() {
		m.armTimer(m.opts.Timeouts.RealtimeRequestTimeout, func() {
			if m.active == tr && m.state == StateConnecting {
				tr.Disconnect(errAttemptTimeout())
			}
		})
	}
}

// deactivate detaches the active transport and returns it.
func (m *ConnectionManager) deactivate() Transport {
	tr := m.active
	if m.activeCancel != nil {
		m.activeCancel()
	}
	m.active = nil
	m.activeCancel = nil
	m.activeHost = ""
	m.activeName = ""
	return tr
}

func (m *ConnectionManager) onTransportEvent(tr Transport, ev TransportEvent) {
	if tr != m.active {
		return
	}
	if msg := ev.Message; msg != nil && msg.ConnectionSerial != 0 {
		m.connectionSerial = msg.ConnectionSerial
	}

	switch ev.Kind {
	case TransportConnected:
		m.onConnected(ev.Message)
	case TransportDisconnected:
		m.deactivate()
		m.onTransportLost(ev.Err)
	case TransportFailed:
		m.deactivate()
		m.onTransportFailed(ev.Err)
	case TransportClosed:
		m.deactivate()
		m.onTransportClosed(ev.Err)
	case TransportHeartbeat:
		if done, ok := m.pingWaiters[ev.ID]; ok {
			delete(m.pingWaiters, ev.ID)
			done()
		}
	case TransportAck:
		m.onAck(ev.Message.MsgSerial, ev.Message.Count, nil)
	case TransportNack:
		err := ev.Err
		if err == nil {
			err = errNackNoDetail()
		}
		m.onAck(ev.Message.MsgSerial, ev.Message.Count, err)
	case TransportMessage:
		if m.router != nil {
			m.router.OnChannelMessage(ev.Message)
		}
	case TransportAuth:
		m.log.Info().Msg("server requested reauthorization")
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			if _, err := m.authorize(m.ctx); err != nil {
				m.log.Warn().Err(err).Msg("reauthorization requested by server failed")
			}
		}()
	}
}

func (m *ConnectionManager) onConnected(msg *proto.ProtocolMessage) {
	wasConnected := m.state == StateConnected
	m.cancelTimer()
	m.tokenRetried = false

	details := msg.ConnectionDetails
	if details == nil {
		details = &proto.ConnectionDetails{}
	}
	switch {
	case m.connectionID != "" && msg.ConnectionID != m.connectionID:
		m.log.Info().Str("previous", m.connectionID).Str("connectionId", msg.ConnectionID).Msg("resume failed, connection replaced")
		m.msgSerial = m.pending.Renumber(0)
	case m.recover != nil && msg.Error != nil:
		m.log.Info().Err(msg.Error).Msg("recover failed, starting a new connection")
		m.msgSerial = m.pending.Renumber(0)
	}
	m.attempt = nil
	m.connectionID = msg.ConnectionID
	if details.ConnectionKey != "" {
		m.connectionKey = details.ConnectionKey
	}
	m.details = details
	if ttl := details.StateTTL(); ttl > 0 {
		m.stateTTL = ttl
	}
	m.recover = nil
	m.lostAt = time.Time{}
	m.retryCount = 0
	m.hosts.succeeded(m.activeHost)
	m.preferred = m.activeName

	m.setState(StateConnected, msg.Error, 0)
	if wasConnected || m.active == nil {
		return
	}

	for _, pm := range m.pending.Messages() {
		if err := m.active.Send(pm); err != nil {
			m.log.Warn().Err(err).Msg("resend failed")
			return
		}
	}
	queued := m.queue
	m.queue = nil
	for _, q := range queued {
		m.send(q.msg, q.cb)
	}
	m.metrics.queueSizes(m.pending.Len(), len(m.queue))
}

func (m *ConnectionManager) onAck(serial int64, count int, err *proto.ErrorInfo) {
	n := m.pending.CompleteRange(serial, count, err)
	if n < count {
		m.log.Warn().Int64("msgSerial", serial).Int("count", count).Int("resolved", n).Msg("ack for messages not pending")
	}
	m.metrics.resolved(n, err == nil)
	m.metrics.queueSizes(m.pending.Len(), len(m.queue))
}

// onTransportLost handles a disconnected transport.
func (m *ConnectionManager) onTransportLost(err *proto.ErrorInfo) {
	if err == nil {
		err = errDisconnected()
	}
	switch m.state {
	case StateClosing:
		m.setState(StateClosed, nil, 0)
	case StateConnecting:
		if err.IsTokenError() {
			m.onTokenError(err)
			return
		}
		if a := m.attempt; a != nil {
			a.lastErr = err
			m.nextCandidate(a)
			return
		}
		m.cycleFailed(err)
	case StateConnected:
		if err.IsTokenError() {
			m.onTokenError(err)
			return
		}
		m.lostAt = time.Now()
		m.setState(StateDisconnected, err, 0)
		m.startConnect(false)
	}
}

func (m *ConnectionManager) onTransportFailed(err *proto.ErrorInfo) {
	if err == nil {
		err = errFailed()
	}
	if err.IsTokenError() {
		m.onTokenError(err)
		return
	}
	if m.state == StateConnected && len(m.authWaiters) > 0 {
		// An in-place reauthorization was refused; reconnect with the new
		// token instead.
		m.lostAt = time.Now()
		m.setState(StateDisconnected, err, 0)
		m.startConnect(false)
		return
	}
	m.onConnectFailure(err)
}

func (m *ConnectionManager) onConnectFailure(err *proto.ErrorInfo) {
	if err.IsTokenError() {
		m.onTokenError(err)
		return
	}
	if m.state == StateClosing {
		m.setState(StateClosed, nil, 0)
		return
	}
	m.abandonAttempt()
	m.cancelTimer()
	m.setState(StateFailed, err, 0)
}

func (m *ConnectionManager) onTransportClosed(err *proto.ErrorInfo) {
	m.cancelTimer()
	switch m.state {
	case StateClosing:
		m.setState(StateClosed, nil, 0)
	case StateConnected:
		m.setState(StateClosing, nil, 0)
		m.setState(StateClosed, err, 0)
	case StateConnecting:
		if a := m.attempt; a != nil {
			m.nextCandidate(a)
			return
		}
		m.cycleFailed(errDisconnected())
	}
}

// onTokenError renews the token once and reconnects. A token that cannot
// be renewed fails the connection.
func (m *ConnectionManager) onTokenError(err *proto.ErrorInfo) {
	m.abandonAttempt()
	if !canRenew(m.tokens) {
		m.setState(StateFailed, errNoTokenRenewal().WithCause(err), 0)
		return
	}
	if m.tokenRetried {
		m.tokenRetried = false
		m.cycleFailed(err)
		return
	}
	m.tokenRetried = true
	m.token = ""
	if m.state == StateConnected {
		m.lostAt = time.Now()
		m.setState(StateDisconnected, err, 0)
	}
	m.startConnect(true)
}

// cycleFailed ends a cycle that found no usable host.
func (m *ConnectionManager) cycleFailed(reason *proto.ErrorInfo) {
	m.attempt = nil
	m.retryCount++
	delay := retryDelay(m.opts.Timeouts.DisconnectedRetryTimeout, m.retryCount, m.random)
	m.setState(StateDisconnected, reason, delay)
	if m.state != StateDisconnected {
		return
	}
	m.armTimer(delay, m.onDisconnectedTimer)
}

func (m *ConnectionManager) shouldSuspend() bool {
	if m.opts.MaxRetryCycles > 0 && m.retryCount >= m.opts.MaxRetryCycles {
		return true
	}
	return !m.lostAt.IsZero() && time.Since(m.lostAt) >= m.stateTTL
}

func (m *ConnectionManager) onDisconnectedTimer() {
	if m.state != StateDisconnected {
		return
	}
	if m.shouldSuspend() {
		m.suspend()
		return
	}
	m.startConnect(false)
}

func (m *ConnectionManager) suspend() {
	delay := suspendedDelay(m.opts.Timeouts.SuspendedRetryTimeout, m.random)
	m.retryCount = 0
	m.setState(StateSuspended, errSuspended(), delay)
	m.armTimer(delay, func() {
		if m.state == StateSuspended {
			m.startConnect(false)
		}
	})
}

// close ends the connection. Only a connected transport is asked to close;
// anything else is dropped.
func (m *ConnectionManager) close() {
	switch m.state {
	case StateClosing, StateClosed:
		return
	case StateInitialized, StateFailed:
		if canTransition(m.state, StateClosed) {
			m.setState(StateClosed, nil, 0)
		}
		return
	case StateDisconnected, StateSuspended:
		m.cancelTimer()
		m.setState(StateClosed, nil, 0)
		return
	case StateConnecting:
		m.cancelTimer()
		m.abandonAttempt()
		if tr := m.deactivate(); tr != nil {
			tr.Disconnect(nil)
		}
		m.setState(StateClosing, nil, 0)
		m.setState(StateClosed, nil, 0)
		return
	}

	m.setState(StateClosing, nil, 0)
	tr := m.active
	m.armTimer(m.opts.Timeouts.RealtimeRequestTimeout, func() {
		if m.state != StateClosing {
			return
		}
		if t := m.deactivate(); t != nil {
			t.Disconnect(nil)
		}
		m.setState(StateClosed, nil, 0)
	})
	if tr != nil {
		tr.Close()
	}
}

// send routes msg according to the current state's policy.
func (m *ConnectionManager) send(msg *proto.ProtocolMessage, cb SendCallback) {
	if cb == nil {
		cb = func(*proto.ErrorInfo) {}
	}
	policy := m.state.policy()
	switch {
	case policy.sendEvents && m.active != nil:
		if m.tooLarge(msg) {
			cb(errMessageTooLarge())
			return
		}
		m.transmit(msg, cb)
	case policy.queueEvents && !m.opts.NoQueueing:
		if m.tooLarge(msg) {
			cb(errMessageTooLarge())
			return
		}
		if len(m.queue) >= m.opts.MaxQueuedMessages {
			cb(errQueueFull(m.opts.MaxQueuedMessages))
			return
		}
		m.queue = append(m.queue, queuedMessage{msg: msg, cb: cb})
		m.metrics.queueSizes(m.pending.Len(), len(m.queue))
	default:
		err := m.state.stateError()
		if err == nil {
			err = errDisconnected()
		}
		cb(err)
	}
}

// transmit writes msg on the active transport. Messages that expect an ACK
// get the next msgSerial and stay in the ledger until resolved; a write
// error leaves them there to be resent on the next transport.
func (m *ConnectionManager) transmit(msg *proto.ProtocolMessage, cb SendCallback) {
	if !msg.AcksRequired() {
		if err := m.active.Send(msg); err != nil {
			cb(errorInfoFrom(err, errDisconnected()))
			return
		}
		cb(nil)
		return
	}
	out := msg.WithMsgSerial(m.msgSerial)
	m.msgSerial++
	m.pending.Push(out, cb)
	m.metrics.queueSizes(m.pending.Len(), len(m.queue))
	if err := m.active.Send(out); err != nil {
		m.log.Warn().Err(err).Int64("msgSerial", out.MsgSerial).Msg("send failed, message stays pending")
	}
}

func (m *ConnectionManager) tooLarge(msg *proto.ProtocolMessage) bool {
	if m.details == nil || m.details.MaxMessageSize <= 0 || !msg.AcksRequired() {
		return false
	}
	data, err := m.codec.Encode(msg)
	if err != nil {
		return false
	}
	return int64(len(data)) > m.details.MaxMessageSize
}

func (m *ConnectionManager) failQueued(err *proto.ErrorInfo) {
	queued := m.queue
	m.queue = nil
	for _, q := range queued {
		q.cb(err)
	}
}

func (m *ConnectionManager) resolveAuth(err *proto.ErrorInfo) {
	waiters := m.authWaiters
	m.authWaiters = nil
	for _, w := range waiters {
		w(err)
	}
}

func (m *ConnectionManager) failPings() {
	for id, done := range m.pingWaiters {
		delete(m.pingWaiters, id)
		done()
	}
}

// authorize obtains a fresh token and applies it to the connection. It
// returns once the connection is using the new token.
func (m *ConnectionManager) authorize(ctx context.Context) (*TokenDetails, error) {
	if m.tokens == nil {
		return nil, errNoTokenRenewal()
	}
	td, err := m.tokens.Token(ctx, true)
	if err != nil {
		return nil, err
	}
	if td == nil || td.Token == "" {
		return nil, errNoTokenRenewal()
	}

	result := make(chan *proto.ErrorInfo, 1)
	done := func(err *proto.ErrorInfo) {
		select {
		case result <- err:
		default:
		}
	}
	if !m.post(func() { m.applyToken(td.Token, done) }) {
		return nil, errLoopStopped
	}

	select {
	case err := <-result:
		if err != nil {
			return nil, err
		}
		return td, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, errLoopStopped
	}
}

func (m *ConnectionManager) applyToken(token string, done func(*proto.ErrorInfo)) {
	m.token = token
	switch m.state {
	case StateConnected:
		m.authWaiters = append(m.authWaiters, done)
		if len(m.authWaiters) > 1 {
			return
		}
		tr := m.active
		if err := tr.Send(proto.NewAuth(token)); err != nil {
			m.log.Warn().Err(err).Msg("auth send failed, reconnecting")
			tr.Disconnect(nil)
			return
		}
		m.armTimer(m.opts.Timeouts.RealtimeRequestTimeout, func() {
			if m.state == StateConnected && m.active == tr && len(m.authWaiters) > 0 {
				m.log.Warn().Msg("no response to auth, reconnecting")
				tr.Disconnect(nil)
			}
		})
	case StateConnecting, StateDisconnected, StateSuspended:
		m.authWaiters = append(m.authWaiters, done)
		m.tokenRetried = false
		m.startConnect(false)
	case StateInitialized:
		done(nil)
	default:
		done(m.state.stateError())
	}
}

// ping sends a heartbeat and waits for its echo.
func (m *ConnectionManager) ping(ctx context.Context) (time.Duration, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	id := hex.EncodeToString(buf[:])

	echoed := make(chan struct{})
	started := make(chan *proto.ErrorInfo, 1)
	var start time.Time
	if !m.post(func() {
		if m.state != StateConnected || m.active == nil {
			err := m.state.stateError()
			if err == nil {
				err = errDisconnected()
			}
			started <- err
			return
		}
		m.pingWaiters[id] = func() { close(echoed) }
		start = time.Now()
		m.active.Ping(id)
		started <- nil
	}) {
		return 0, errLoopStopped
	}

	select {
	case err := <-started:
		if err != nil {
			return 0, err
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case <-echoed:
		rtt := time.Since(start)
		if snap := m.snapshot(); snap.state != StateConnected {
			return 0, snap.state.stateError()
		}
		return rtt, nil
	case <-ctx.Done():
		m.post(func() { delete(m.pingWaiters, id) })
		return 0, ctx.Err()
	}
}

// recoveryKey returns the key a new client would need to take over this
// connection, or "" when there is nothing to recover.
func (m *ConnectionManager) recoveryKey() string {
	snap := m.snapshot()
	if snap.key == "" {
		return ""
	}
	switch snap.state {
	case StateClosing, StateClosed, StateFailed, StateSuspended:
		return ""
	}
	key := RecoveryKey{ConnectionKey: snap.key, MsgSerial: snap.msgSerial}
	if m.router != nil {
		key.ChannelSerials = m.router.ChannelSerials()
	}
	return key.Encode()
}

// shutdown stops every goroutine the manager owns. The connection should
// already be closed.
func (m *ConnectionManager) shutdown() {
	_ = m.call(func() {
		m.cancelTimer()
		m.abandonAttempt()
		if tr := m.deactivate(); tr != nil {
			tr.Disconnect(nil)
		}
		for id := range m.pingWaiters {
			delete(m.pingWaiters, id)
		}
	})
	m.cancel()
	m.bg.Wait()
	m.loop.stop()
}

// waitForState blocks until the published state satisfies ok or ctx ends.
func (m *ConnectionManager) waitForState(ctx context.Context, ok func(ConnectionState) bool) (ConnectionState, error) {
	ch := make(chan ConnectionState, 1)
	off := m.listeners.add(func(c ConnectionStateChange) {
		if ok(c.Current) {
			select {
			case ch <- c.Current:
			default:
			}
		}
	})
	defer off()

	if s := m.snapshot().state; ok(s) {
		return s, nil
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return m.snapshot().state, ctx.Err()
	}
}
