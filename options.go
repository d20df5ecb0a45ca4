package ably

import (
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guspan-tanadi/ably-jsfromably/proto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Version is the library version reported in the agent string.
const Version = "2.0.0"

// ProtocolVersion is the realtime protocol version requested on connect.
const ProtocolVersion = "2"

// Default endpoints.
const (
	DefaultHost    = "main.realtime.ably.net"
	DefaultPort    = 80
	DefaultTLSPort = 443
)

// DefaultFallbackHosts are tried, in random order, when the primary host is
// unreachable.
var DefaultFallbackHosts = []string{
	"main.a.fallback.ably-realtime.com",
	"main.b.fallback.ably-realtime.com",
	"main.c.fallback.ably-realtime.com",
	"main.d.fallback.ably-realtime.com",
	"main.e.fallback.ably-realtime.com",
}

// Timeouts holds every duration the connection lifecycle depends on.
type Timeouts struct {
	// How long a transport attempt may take to become viable, and the
	// margin added to the server's max idle interval.
	RealtimeRequestTimeout time.Duration

	// Base delay before retrying from the disconnected state.
	DisconnectedRetryTimeout time.Duration

	// Fixed delay before retrying from the suspended state.
	SuspendedRetryTimeout time.Duration

	// How long connection state survives a drop before the client gives up
	// resuming and moves to suspended. Replaced by the server's value once
	// connected.
	ConnectionStateTTL time.Duration

	// Per-frame write deadline on stream transports.
	WriteTimeout time.Duration

	// Timeout of a single polling request.
	HTTPRequestTimeout time.Duration
}

// DefaultTimeouts returns the standard timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		RealtimeRequestTimeout:   10 * time.Second,
		DisconnectedRetryTimeout: 15 * time.Second,
		SuspendedRetryTimeout:    30 * time.Second,
		ConnectionStateTTL:       120 * time.Second,
		WriteTimeout:             10 * time.Second,
		HTTPRequestTimeout:       60 * time.Second,
	}
}

// ClientOptions configures a Realtime client. Zero values are replaced by
// defaults in New; boolean options are phrased so that false is the default.
type ClientOptions struct {
	// The primary host and the alternates tried when it fails.
	Host          string
	FallbackHosts []string
	Port          int
	TLSPort       int
	NoTLS         bool

	// An optional setting to provide a non-default TLS configuration to use
	// when dialing.
	TLSClientConfig *tls.Config

	// The HTTP client used by request/response transports.
	HTTPClient *http.Client

	// Serialization format requested from the server.
	Format proto.Format

	// When set the server is not asked to send HEARTBEAT frames; liveness
	// then relies on any inbound traffic, including websocket pings.
	NoHeartbeats bool

	ClientID string
	NoEcho   bool

	// Token is a static bearer token. TokenProvider takes precedence and is
	// the only way tokens can be renewed.
	Token         string
	TokenProvider TokenProvider

	// Transports in order of preference.
	Transports []TransportName

	// Recover resumes a connection from a previous client instance.
	Recover string

	NoAutoConnect bool

	// When set, sends issued while not connected fail immediately instead
	// of being buffered.
	NoQueueing        bool
	MaxQueuedMessages int

	// Number of consecutive failed connection cycles after which the client
	// moves to suspended even if the state ttl has not elapsed. Zero means
	// only the ttl applies.
	MaxRetryCycles int

	Timeouts Timeouts

	// Agent identifies the library to the service.
	Agent string

	// Router receives channel-scoped messages.
	Router ChannelRouter

	Logger  zerolog.Logger
	Metrics *Metrics

	// Additional transport factories, keyed by name. Entries here replace
	// the built-in factory with the same name.
	TransportFactories map[TransportName]TransportFactory
}

// DefaultOptions returns options with every default filled in.
func DefaultOptions() ClientOptions {
	var o ClientOptions
	o.applyDefaults()
	return o
}

func (o *ClientOptions) applyDefaults() {
	if o.Host == "" {
		o.Host = DefaultHost
		if o.FallbackHosts == nil {
			o.FallbackHosts = append([]string(nil), DefaultFallbackHosts...)
		}
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.TLSPort == 0 {
		o.TLSPort = DefaultTLSPort
	}
	if o.Format == "" {
		o.Format = proto.FormatJSON
	}
	if len(o.Transports) == 0 {
		o.Transports = []TransportName{TransportWebSocket, TransportPolling}
	}
	if o.MaxQueuedMessages <= 0 {
		o.MaxQueuedMessages = 1000
	}
	if o.Agent == "" {
		o.Agent = "ably-go-realtime/" + Version
	}
	d := DefaultTimeouts()
	t := &o.Timeouts
	if t.RealtimeRequestTimeout <= 0 {
		t.RealtimeRequestTimeout = d.RealtimeRequestTimeout
	}
	if t.DisconnectedRetryTimeout <= 0 {
		t.DisconnectedRetryTimeout = d.DisconnectedRetryTimeout
	}
	if t.SuspendedRetryTimeout <= 0 {
		t.SuspendedRetryTimeout = d.SuspendedRetryTimeout
	}
	if t.ConnectionStateTTL <= 0 {
		t.ConnectionStateTTL = d.ConnectionStateTTL
	}
	if t.WriteTimeout <= 0 {
		t.WriteTimeout = d.WriteTimeout
	}
	if t.HTTPRequestTimeout <= 0 {
		t.HTTPRequestTimeout = d.HTTPRequestTimeout
	}
}

func (o *ClientOptions) validate() error {
	if _, err := proto.CodecFor(o.Format); err != nil {
		return errors.Wrap(err, "invalid options")
	}
	for _, name := range o.Transports {
		if _, ok := o.factory(name); !ok {
			return errors.Errorf("invalid options: unknown transport %q", name)
		}
	}
	if o.Recover != "" {
		if _, err := DecodeRecoveryKey(o.Recover); err != nil {
			return errors.Wrap(err, "invalid options")
		}
	}
	return nil
}

func (o *ClientOptions) factory(name TransportName) (TransportFactory, bool) {
	if f, ok := o.TransportFactories[name]; ok {
		return f, true
	}
	switch name {
	case TransportWebSocket:
		return webSocketFactory{}, true
	case TransportPolling:
		return pollingFactory{}, true
	}
	return nil, false
}

func (o *ClientOptions) tokenProvider() TokenProvider {
	if o.TokenProvider != nil {
		return o.TokenProvider
	}
	if o.Token != "" {
		return StaticToken(o.Token)
	}
	return nil
}

// fileOptions is the on-disk shape read by LoadOptions.
type fileOptions struct {
	Host                     string   `toml:"host"`
	FallbackHosts            []string `toml:"fallback_hosts"`
	Port                     int      `toml:"port"`
	TLSPort                  int      `toml:"tls_port"`
	NoTLS                    bool     `toml:"no_tls"`
	Format                   string   `toml:"format"`
	NoHeartbeats             bool     `toml:"no_heartbeats"`
	ClientID                 string   `toml:"client_id"`
	NoEcho                   bool     `toml:"no_echo"`
	Token                    string   `toml:"token"`
	Transports               []string `toml:"transports"`
	Recover                  string   `toml:"recover"`
	NoAutoConnect            bool     `toml:"no_auto_connect"`
	NoQueueing               bool     `toml:"no_queueing"`
	MaxQueuedMessages        int      `toml:"max_queued_messages"`
	MaxRetryCycles           int      `toml:"max_retry_cycles"`
	RealtimeRequestTimeout   string   `toml:"realtime_request_timeout"`
	DisconnectedRetryTimeout string   `toml:"disconnected_retry_timeout"`
	SuspendedRetryTimeout    string   `toml:"suspended_retry_timeout"`
	ConnectionStateTTL       string   `toml:"connection_state_ttl"`
	WriteTimeout             string   `toml:"write_timeout"`
	HTTPRequestTimeout       string   `toml:"http_request_timeout"`
	LogLevel                 string   `toml:"log_level"`
}

// LoadOptions reads a TOML file and merges the keys it defines onto base.
// Durations are Go duration strings ("10s", "250ms").
func LoadOptions(path string, base ClientOptions) (ClientOptions, error) {
	var raw fileOptions
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientOptions{}, errors.Wrapf(err, "load options %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ClientOptions{}, errors.Errorf("load options %s: unknown key %q", path, undecoded[0].String())
	}

	o := base
	if meta.IsDefined("host") {
		o.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("fallback_hosts") {
		o.FallbackHosts = raw.FallbackHosts
	}
	if meta.IsDefined("port") {
		o.Port = raw.Port
	}
	if meta.IsDefined("tls_port") {
		o.TLSPort = raw.TLSPort
	}
	if meta.IsDefined("no_tls") {
		o.NoTLS = raw.NoTLS
	}
	if meta.IsDefined("format") {
		o.Format = proto.Format(strings.TrimSpace(raw.Format))
	}
	if meta.IsDefined("no_heartbeats") {
		o.NoHeartbeats = raw.NoHeartbeats
	}
	if meta.IsDefined("client_id") {
		o.ClientID = raw.ClientID
	}
	if meta.IsDefined("no_echo") {
		o.NoEcho = raw.NoEcho
	}
	if meta.IsDefined("token") {
		o.Token = raw.Token
	}
	if meta.IsDefined("transports") {
		o.Transports = o.Transports[:0:0]
		for _, name := range raw.Transports {
			o.Transports = append(o.Transports, TransportName(strings.TrimSpace(name)))
		}
	}
	if meta.IsDefined("recover") {
		o.Recover = raw.Recover
	}
	if meta.IsDefined("no_auto_connect") {
		o.NoAutoConnect = raw.NoAutoConnect
	}
	if meta.IsDefined("no_queueing") {
		o.NoQueueing = raw.NoQueueing
	}
	if meta.IsDefined("max_queued_messages") {
		o.MaxQueuedMessages = raw.MaxQueuedMessages
	}
	if meta.IsDefined("max_retry_cycles") {
		o.MaxRetryCycles = raw.MaxRetryCycles
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"realtime_request_timeout", raw.RealtimeRequestTimeout, &o.Timeouts.RealtimeRequestTimeout},
		{"disconnected_retry_timeout", raw.DisconnectedRetryTimeout, &o.Timeouts.DisconnectedRetryTimeout},
		{"suspended_retry_timeout", raw.SuspendedRetryTimeout, &o.Timeouts.SuspendedRetryTimeout},
		{"connection_state_ttl", raw.ConnectionStateTTL, &o.Timeouts.ConnectionStateTTL},
		{"write_timeout", raw.WriteTimeout, &o.Timeouts.WriteTimeout},
		{"http_request_timeout", raw.HTTPRequestTimeout, &o.Timeouts.HTTPRequestTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return ClientOptions{}, errors.Wrapf(err, "parse %s", d.key)
		}
		*d.dst = v
	}

	if meta.IsDefined("log_level") {
		lvl, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return ClientOptions{}, errors.Wrap(err, "parse log_level")
		}
		o.Logger = o.Logger.Level(lvl)
	}

	return o, nil
}
