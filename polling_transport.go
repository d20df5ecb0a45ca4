package ably

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	scraper "github.com/carterjones/go-cloudflare-scraper"
	"github.com/guspan-tanadi/ably-jsfromably/proto"
	"github.com/pkg/errors"
)

// newHTTPClient returns the default client for request/response transports.
// It supports CloudFlare-protected hosts.
func newHTTPClient() *http.Client {
	cfTransport := scraper.NewTransport(http.DefaultTransport)
	return &http.Client{
		Transport: cfTransport,
		Jar:       cfTransport.Cookies,
	}
}

type pollingFactory struct{}

func (pollingFactory) Name() TransportName { return TransportPolling }
func (pollingFactory) IsAvailable() bool   { return true }

func (pollingFactory) New(params TransportParams) Transport {
	return newPollingTransport(params)
}

// pollingTransport emulates a stream with HTTP requests: one long poll
// outstanding at a time for inbound frames and a single sender goroutine
// posting outbound batches in order.
type pollingTransport struct {
	*baseTransport

	client *http.Client
	ctx    context.Context
	cancel context.CancelFunc

	key     string
	polling bool
	outbox  chan []byte
}

const pollingOutboxSize = 256

func newPollingTransport(params TransportParams) *pollingTransport {
	t := &pollingTransport{
		client: params.HTTPClient,
		outbox: make(chan []byte, pollingOutboxSize),
	}
	if t.client == nil {
		t.client = newHTTPClient()
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.baseTransport = newBaseTransport(TransportPolling, params, t)
	return t
}

// endpoint returns the URL of a comet request. Every request names the
// format so the server can decode bodies without connection state.
func (t *pollingTransport) endpoint(path string) url.URL {
	u := t.params.url("http", "/comet"+path)
	u.RawQuery = url.Values{"format": {string(t.codec.Format())}}.Encode()
	return u
}

// Connect issues the connect request. An HTTP 200 makes the transport
// viable; the body is the first batch of frames.
func (t *pollingTransport) Connect() {
	u := t.endpoint("/connect")
	u.RawQuery = t.params.query().Encode()
	t.log.Debug().Str("url", redactURL(u)).Msg("connecting")

	go func() {
		msgs, err := t.request(http.MethodGet, u, nil)
		if err != nil {
			t.params.Post(func() {
				t.finish(TransportDisconnected, errorInfoFrom(err, errDisconnected()))
			})
			return
		}
		t.params.Post(func() {
			t.preconnect()
			t.deliver(msgs)
		})
	}()
}

// deliver dispatches a batch and starts polling once the connection key is
// known.
func (t *pollingTransport) deliver(msgs []*proto.ProtocolMessage) {
	for _, msg := range msgs {
		if t.finished {
			return
		}
		t.onProtocolMessage(msg)
	}
	if t.finished || !t.connected || t.polling {
		return
	}
	if t.details == nil || t.details.ConnectionKey == "" {
		t.Fail(proto.NewErrorInfo(CodeConnectionFailed, http.StatusBadRequest, "CONNECTED without a connection key"))
		return
	}
	t.key = t.details.ConnectionKey
	t.polling = true
	go t.recvLoop(t.endpoint("/" + t.key + "/recv"))
	go t.sendLoop(t.endpoint("/" + t.key + "/send"))
}

func (t *pollingTransport) recvLoop(u url.URL) {
	for {
		msgs, err := t.request(http.MethodGet, u, nil)
		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			t.params.Post(func() {
				t.finish(TransportDisconnected, errorInfoFrom(err, errDisconnected()))
			})
			return
		}
		if !t.params.Post(func() {
			t.onActivity()
			t.deliver(msgs)
		}) {
			return
		}
	}
}

func (t *pollingTransport) sendLoop(u url.URL) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case body := <-t.outbox:
			msgs, err := t.request(http.MethodPost, u, body)
			if t.ctx.Err() != nil {
				return
			}
			if err != nil {
				t.params.Post(func() {
					t.finish(TransportDisconnected, errorInfoFrom(err, errDisconnected()))
				})
				return
			}
			if len(msgs) > 0 {
				t.params.Post(func() { t.deliver(msgs) })
			}
		}
	}
}

// request performs one HTTP exchange and decodes the response batch. An
// empty body is an empty batch.
func (t *pollingTransport) request(method string, u url.URL, body []byte) ([]*proto.ProtocolMessage, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.params.Timeouts.HTTPRequestTimeout)
	defer cancel()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, errors.Wrap(err, "request creation failed")
	}
	req.Header.Set("Accept", t.codec.ContentType())
	req.Header.Set("User-Agent", t.params.Agent)
	if body != nil {
		req.Header.Set("Content-Type", t.codec.ContentType())
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, u.Path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response body failed")
	}

	if resp.StatusCode != http.StatusOK {
		info := proto.NewErrorInfo(CodeConnectionDisconnect, resp.StatusCode, "Request to "+u.Path+" failed: "+resp.Status)
		if msgs, derr := t.codec.DecodeBatch(data); derr == nil && len(msgs) > 0 && msgs[0].Error != nil {
			info = msgs[0].Error
		}
		return nil, info
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	msgs, err := t.codec.DecodeBatch(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode response failed")
	}
	return msgs, nil
}

func (t *pollingTransport) write(msg *proto.ProtocolMessage) error {
	if !t.polling {
		return errors.New("comet not connected")
	}
	data, err := t.codec.EncodeBatch([]*proto.ProtocolMessage{msg})
	if err != nil {
		return err
	}
	select {
	case t.outbox <- data:
		return nil
	default:
		return errors.Errorf("comet outbox full (%d batches)", pollingOutboxSize)
	}
}

func (t *pollingTransport) requestClose(closing bool) {
	if t.key == "" {
		return
	}
	path := "/disconnect"
	if closing {
		path = "/close"
	}
	u := t.endpoint("/" + t.key + path)
	client := t.client
	timeout := t.params.Timeouts.WriteTimeout
	log := t.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			log.Debug().Err(err).Msg("close request failed")
			return
		}
		resp.Body.Close()
	}()
}

func (t *pollingTransport) closeWire() {
	t.cancel()
}
