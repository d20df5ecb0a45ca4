package ably

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/guspan-tanadi/ably-jsfromably/proto"
	"github.com/rs/zerolog"
)

// ConnectMode says how a transport asks the server to treat a new
// connection.
type ConnectMode int

const (
	// ModeClean starts a new connection.
	ModeClean ConnectMode = iota

	// ModeResume continues the previous connection of this client.
	ModeResume

	// ModeRecover continues a connection of a previous client instance.
	ModeRecover
)

func (m ConnectMode) String() string {
	switch m {
	case ModeResume:
		return "resume"
	case ModeRecover:
		return "recover"
	default:
		return "clean"
	}
}

// TransportParams carries everything a transport needs for one attempt.
type TransportParams struct {
	Host    string
	Port    int
	TLS     bool
	TLSPort int

	Format     proto.Format
	Heartbeats bool
	Agent      string

	AccessToken string

	Mode          ConnectMode
	ConnectionKey string
	MsgSerial     int64

	ClientID string
	Echo     bool

	TLSClientConfig *tls.Config
	HTTPClient      *http.Client
	Timeouts        Timeouts

	// Post schedules a closure on the owning connection's event loop. It
	// reports false once the loop has stopped.
	Post func(func()) bool

	Logger  zerolog.Logger
	Metrics *Metrics
}

// hostPort returns host:port, omitting the port when it is the scheme
// default.
func (p TransportParams) hostPort() string {
	port := p.Port
	def := DefaultPort
	if p.TLS {
		port = p.TLSPort
		def = DefaultTLSPort
	}
	if port == 0 || port == def {
		return p.Host
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// url builds the endpoint URL for scheme ("ws" or "http"), upgraded to the
// secure variant when TLS is on.
func (p TransportParams) url(scheme, path string) url.URL {
	if p.TLS {
		scheme += "s"
	}
	return url.URL{Scheme: scheme, Host: p.hostPort(), Path: path}
}

// query renders the connect query string.
func (p TransportParams) query() url.Values {
	q := url.Values{}
	format := p.Format
	if format == "" {
		format = proto.FormatJSON
	}
	q.Set("format", string(format))
	q.Set("heartbeats", strconv.FormatBool(p.Heartbeats))
	q.Set("v", ProtocolVersion)
	if p.Agent != "" {
		q.Set("agent", p.Agent)
	}
	if p.AccessToken != "" {
		q.Set("access_token", p.AccessToken)
	}
	switch p.Mode {
	case ModeResume:
		q.Set("resume", p.ConnectionKey)
	case ModeRecover:
		q.Set("recover", p.ConnectionKey)
		q.Set("msgSerial", strconv.FormatInt(p.MsgSerial, 10))
	}
	if p.ClientID != "" {
		q.Set("clientId", p.ClientID)
	}
	if !p.Echo {
		q.Set("echo", "false")
	}
	return q
}

// redactURL renders u for logs with credentials masked.
func redactURL(u url.URL) string {
	q := u.Query()
	if q.Get("access_token") != "" {
		q.Set("access_token", "redacted")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
