package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/tunnelforge/tunnelforge/internal/protocol"
)

// errorEnvelope is the JSON body written for any dispatcher failure,
// per spec.md §4.8/§7 and the literal shape shown in spec.md §8's
// timeout scenario.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// IngressHandler is the relay's generic HTTP handler: spec.md §4.8.
// It handles every path not claimed by the operator API.
type IngressHandler struct {
	dispatcher   *Dispatcher
	maxBodyBytes int64
	metrics      *Metrics
}

// NewIngressHandler creates the generic tunnel-forwarding handler.
func NewIngressHandler(dispatcher *Dispatcher, maxBodyBytes int64, metrics *Metrics) *IngressHandler {
	return &IngressHandler{dispatcher: dispatcher, maxBodyBytes: maxBodyBytes, metrics: metrics}
}

// ServeHTTP reads the caller's body, forwards it through the
// dispatcher, and writes back whatever the agent returned.
func (h *IngressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := readBoundedBody(r.Body, h.maxBodyBytes)
	if err != nil {
		writeErrorEnvelope(w, http.StatusRequestEntityTooLarge, "Payload too large", "BODY_TOO_LARGE")
		return
	}
	body = normalizeJSONBody(body)

	resp, err := h.dispatcher.Dispatch(r, body)
	if err != nil {
		slog.Warn("dispatch failed", "path", r.URL.Path, "err", err)
		if h.metrics != nil {
			h.metrics.dispatchFailures.Inc()
		}
		writeErrorEnvelope(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if h.metrics != nil {
		h.metrics.dispatchSuccesses.Inc()
	}
	writeResponsePayload(w, resp)
}

// readBoundedBody reads r fully, rejecting input past limit bytes.
func readBoundedBody(r io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, io.ErrShortBuffer
	}
	return data, nil
}

// normalizeJSONBody re-encodes valid JSON to its canonical compact
// form (spec.md §4.8); non-JSON bodies pass through byte-for-byte.
func normalizeJSONBody(body []byte) []byte {
	if len(body) == 0 || !json.Valid(body) {
		return body
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return body
	}
	return buf.Bytes()
}

// writeResponsePayload writes a decoded tunnelled response to w,
// recomputing content-length from the body (spec.md §4.8).
func writeResponsePayload(w http.ResponseWriter, resp *protocol.ResponsePayload) {
	body, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadGateway, "invalid response from agent", "")
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	if len(body) > 0 {
		w.Write(body)
	}
}

func writeErrorEnvelope(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: "Proxy error", Message: message, Code: code})
}
