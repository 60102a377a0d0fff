package httpx

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shortontech/gorhc/internal/audit"
	"github.com/shortontech/gorhc/internal/entropy"
	"github.com/shortontech/gorhc/internal/metrics"
	"github.com/shortontech/gorhc/internal/product"
	"github.com/shortontech/gorhc/internal/rhc"
	cfg "github.com/shortontech/gorhc/pkg/config"
)

// Wire messages of the response envelope.
const (
	MsgOK               = "OK"
	MsgMethodNotAllowed = "Método no permitido"
	MsgNotFound         = "Recurso no encontrado"
	MsgInvalidJSON      = "invalid json"
	MsgBodyTooLarge     = "request body too large"
	MsgLookupFailed     = "product lookup failed"
)

type Env struct {
	Cfg       cfg.Config
	Validator rhc.Validator
	Catalog   product.Lookup
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	Emit      func(audit.Record) // injected sink fan-out
	// Ready reports whether downstream dependencies are reachable. Nil means
	// always ready.
	Ready func(context.Context) error
}

// Envelope is the JSON body of every API response.
type Envelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Envelope{Status: "success", Message: MsgOK, Data: data})
}

func writeError(w http.ResponseWriter, code int, msg string, data interface{}) {
	writeJSON(w, code, Envelope{Status: "error", Message: msg, Data: data})
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if e.Ready != nil {
		if err := e.Ready(r.Context()); err != nil {
			e.Log.Warn().Err(err).Msg("readiness check failed")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// ProductID accepts a JSON number or a numeric string. Anything else
// decodes to 0, which matches no product.
type ProductID int64

func (p *ProductID) UnmarshalJSON(b []byte) error {
	*p = 0
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*p = ProductID(n)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
		*p = ProductID(int64(f))
	}
	return nil
}

type productRequest struct {
	ID ProductID `json:"id_producto"`
}

// ProductData is the success payload of POST /api/productos.
type ProductData struct {
	HeaderRecibido string      `json:"header_recibido"`
	Token          string      `json:"token"`
	Producto       interface{} `json:"producto"`
	// Set for Dynamic-Adaptive, which may accept more than one header.
	EncabezadosValidos *rhc.Pool `json:"encabezados_validos,omitempty"`
}

// Productos serves POST /api/productos. It must run behind the RHC
// middleware, which stores the accepted headers in the request context.
func (e Env) Productos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, MsgMethodNotAllowed, nil)
		return
	}
	res, ok := ResultFromContext(r.Context())
	if !ok {
		e.Log.Error().Str("path", r.URL.Path).Msg("product handler reached without an RHC result")
		writeError(w, http.StatusInternalServerError, "RHC: request was not validated", nil)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.Cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, MsgBodyTooLarge, nil)
		return
	}
	var req productRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, MsgInvalidJSON, nil)
			return
		}
	}

	data := ProductData{}
	if primary, ok := res.Primary(); ok {
		data.HeaderRecibido = primary.Header
		data.Token = primary.Token
	}
	if res.Level == rhc.LevelDynamicAdaptive {
		accepted := res.Accepted.Clone()
		data.EncabezadosValidos = &accepted
	}

	p, err := e.Catalog.Lookup(r.Context(), int64(req.ID))
	switch {
	case errors.Is(err, product.ErrNotFound):
		data.Producto = map[string]string{"error": product.ErrNotFound.Error()}
	case err != nil:
		e.Log.Error().Err(err).Int64("id_producto", int64(req.ID)).Msg("product lookup failed")
		writeError(w, http.StatusInternalServerError, MsgLookupFailed, nil)
		return
	default:
		data.Producto = p
	}
	writeSuccess(w, data)
}

// EntropyResult is the answer of GET /api/entropia?data=...
type EntropyResult struct {
	Input   string        `json:"input"`
	Entropy float64       `json:"entropy"`
	Class   entropy.Class `json:"class"`
}

// Entropia scores the data query parameter. Without it the LOW/MID/HIGH
// reference samples are returned. POST scores each line of a text body and
// appends the total.
func (e Env) Entropia(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodPost:
		e.entropyLines(w, r)
		return
	default:
		writeError(w, http.StatusMethodNotAllowed, MsgMethodNotAllowed, nil)
		return
	}

	input := r.URL.Query().Get("data")
	if input == "" {
		random := make([]byte, 16)
		if _, err := rand.Read(random); err != nil {
			writeError(w, http.StatusInternalServerError, "random source unavailable", nil)
			return
		}
		writeJSON(w, http.StatusOK, entropy.Samples(random))
		return
	}
	v := entropy.Shannon(input)
	writeJSON(w, http.StatusOK, EntropyResult{Input: input, Entropy: v, Class: entropy.Classify(v)})
}

func (e Env) entropyLines(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var lines []string
	sc := bufio.NewScanner(http.MaxBytesReader(w, r.Body, e.Cfg.MaxBodyBytes))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, MsgBodyTooLarge, nil)
		return
	}
	scores := entropy.ScoreLines(lines)
	if scores == nil {
		scores = []entropy.Score{}
	}
	writeJSON(w, http.StatusOK, scores)
}

func (e Env) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, MsgNotFound, nil)
}

func (e Env) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, MsgMethodNotAllowed, nil)
}
