// Package client sends one RHC-protected product request and decodes the
// server's response envelope.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortontech/gorhc/internal/rhc"
)

// Transport selects how the request reaches the network. Both produce the
// same request on the wire.
type Transport int

const (
	// TransportClient goes through http.Client.Do.
	TransportClient Transport = iota + 1
	// TransportRoundTrip hands the request straight to an http.RoundTripper.
	TransportRoundTrip
)

func (t Transport) String() string {
	switch t {
	case TransportClient:
		return "client"
	case TransportRoundTrip:
		return "roundtrip"
	}
	return fmt.Sprintf("transport(%d)", int(t))
}

func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "client", "fetch":
		return TransportClient, nil
	case "roundtrip", "round-trip", "xhr":
		return TransportRoundTrip, nil
	}
	return 0, fmt.Errorf("client: unknown transport %q", s)
}

const (
	DefaultBearer = "FAKEJWT123"
	ContentType   = "application/json; charset=utf-8"
)

// Envelope is the server's {status, message, data} body.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Data is the union of the payloads the server puts in Envelope.Data.
type Data struct {
	HeaderRecibido           string            `json:"header_recibido,omitempty"`
	Token                    string            `json:"token,omitempty"`
	Producto                 json.RawMessage   `json:"producto,omitempty"`
	EncabezadosValidos       map[string]string `json:"encabezados_validos,omitempty"`
	EncabezadosNoReconocidos []string          `json:"encabezados_no_reconocidos,omitempty"`
}

// Decode reads Data. A null or non-object payload yields a zero Data.
func (e Envelope) Decode() Data {
	var d Data
	_ = json.Unmarshal(e.Data, &d)
	return d
}

type Response struct {
	StatusCode int
	Envelope   Envelope
	// Accepted is a 2xx answer with status "success".
	Accepted bool
	// Rejected is any other well-formed answer.
	Rejected bool
}

// Dispatcher sends a selected pool plus the fixed headers as one POST.
// It never retries.
type Dispatcher struct {
	url       string
	bearer    string
	transport Transport
	client    *http.Client
	rt        http.RoundTripper
	timeout   time.Duration
	log       zerolog.Logger
}

type Option func(*Dispatcher)

func WithBearer(token string) Option { return func(d *Dispatcher) { d.bearer = token } }

func WithTransport(t Transport) Option { return func(d *Dispatcher) { d.transport = t } }

func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

func WithRoundTripper(rt http.RoundTripper) Option { return func(d *Dispatcher) { d.rt = rt } }

// WithTimeout bounds a single request. Zero means no limit.
func WithTimeout(timeout time.Duration) Option { return func(d *Dispatcher) { d.timeout = timeout } }

func WithLogger(log zerolog.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func New(url string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		url:       url,
		bearer:    DefaultBearer,
		transport: TransportClient,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.rt == nil {
		d.rt = http.DefaultTransport
	}
	if d.client == nil {
		d.client = &http.Client{Transport: d.rt, Timeout: d.timeout}
	}
	return d
}

// FixedHeaders are added to every request and win over pool headers of the
// same name.
func (d *Dispatcher) FixedHeaders() http.Header {
	h := make(http.Header, 2)
	h.Set("Authorization", "Bearer "+d.bearer)
	h.Set("Content-Type", ContentType)
	return h
}

type body struct {
	IDProducto int64 `json:"id_producto"`
}

// Dispatch posts {"id_producto": productID} carrying the selected headers.
// Network failures and undecodable bodies wrap rhc.ErrTransport; the
// partial Response still carries the status code when one was received.
func (d *Dispatcher) Dispatch(ctx context.Context, selected rhc.Pool, productID int64) (Response, error) {
	payload, err := json.Marshal(body{IDProducto: productID})
	if err != nil {
		return Response{}, fmt.Errorf("%w: encode body: %w", rhc.ErrTransport, err)
	}

	if d.transport == TransportRoundTrip && d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("%w: build request: %w", rhc.ErrTransport, err)
	}
	selected.Apply(req.Header)
	for k, v := range d.FixedHeaders() {
		req.Header[k] = v
	}

	var resp *http.Response
	switch d.transport {
	case TransportRoundTrip:
		resp, err = d.rt.RoundTrip(req)
	default:
		resp, err = d.client.Do(req)
	}
	if err != nil {
		d.log.Debug().Err(err).Str("url", d.url).Msg("dispatch failed")
		return Response{}, fmt.Errorf("%w: post %s: %w", rhc.ErrTransport, d.url, err)
	}
	defer resp.Body.Close()

	out := Response{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("%w: read response: %w", rhc.ErrTransport, err)
	}
	if err := json.Unmarshal(raw, &out.Envelope); err != nil {
		return out, fmt.Errorf("%w: decode response (status %d): %w", rhc.ErrTransport, resp.StatusCode, err)
	}
	out.Accepted = resp.StatusCode/100 == 2 && out.Envelope.Status == "success"
	out.Rejected = !out.Accepted

	d.log.Debug().
		Int("status", resp.StatusCode).
		Strs("headers", selected.Headers()).
		Str("transport", d.transport.String()).
		Msg("dispatched")
	return out, nil
}
