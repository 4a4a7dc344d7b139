package agent

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tunnelforge/tunnelforge/internal/protocol"
)

// deniedEgressHeaders are dropped from the tunnelled request before it
// is forwarded to the local backend, per spec.md §4.2: they are either
// hop-by-hop or get recomputed by the backend request's own write path.
var deniedEgressHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"upgrade":           true,
	"transfer-encoding": true,
	"content-length":    true,
}

// deniedResponseHeaders are dropped from the backend's response before
// it is relayed back, per spec.md §4.2: they are either hop-by-hop or
// get recomputed by the relay's own write path.
var deniedResponseHeaders = map[string]bool{
	"connection":        true,
	"transfer-encoding": true,
	"content-length":    true,
}

// bodylessMethods never carry a request body onto the backend, per
// spec.md §4.2.
var bodylessMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodDelete: true,
}

// RequestHandler executes a tunnelled request against the agent's
// local backend(s), resolving the target via the same prefix-mapping
// table the relay used to pick this agent.
type RequestHandler struct {
	defaultTarget string
	mappings      []protocol.Mapping
	client        *http.Client
}

// NewRequestHandler creates a handler bound to defaultTarget and
// mappings, with requests timing out after timeout.
func NewRequestHandler(defaultTarget string, mappings []protocol.Mapping, timeout time.Duration) *RequestHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RequestHandler{
		defaultTarget: defaultTarget,
		mappings:      mappings,
		client:        &http.Client{Timeout: timeout},
	}
}

// HandleRequest executes req against the resolved backend and always
// returns a response payload: failures are synthesized into a 503
// envelope rather than propagated as an error, per spec.md §4.2.
func (h *RequestHandler) HandleRequest(req *protocol.RequestPayload) *protocol.ResponsePayload {
	resp, err := h.execute(req)
	if err != nil {
		slog.Warn("backend request failed", "method", req.Method, "path", req.Path, "err", err)
		return serviceUnavailable(err)
	}
	return resp
}

func (h *RequestHandler) execute(req *protocol.RequestPayload) (*protocol.ResponsePayload, error) {
	base, path := req.TargetMapping, req.Path
	if base == "" {
		base, path = protocol.Resolve(req.Path, h.mappings, h.defaultTarget)
	}

	target, err := buildTargetURL(base, path, req.Query)
	if err != nil {
		return nil, fmt.Errorf("building backend url: %w", err)
	}

	var body io.Reader
	if !bodylessMethods[req.Method] && req.Body != "" {
		raw, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, fmt.Errorf("decoding request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequest(req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating backend request: %w", err)
	}
	for k, v := range req.Headers {
		if deniedEgressHeaders[strings.ToLower(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	httpReq.Host = httpReq.URL.Host

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing backend request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading backend response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if deniedResponseHeaders[strings.ToLower(k)] || len(v) == 0 {
			continue
		}
		headers[k] = v[len(v)-1]
	}

	return &protocol.ResponsePayload{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       base64.StdEncoding.EncodeToString(respBody),
		Mapping:    base,
	}, nil
}

// buildTargetURL joins base and path and reattaches the original query
// string.
func buildTargetURL(base, path string, query map[string][]string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		values := url.Values(query)
		u.RawQuery = values.Encode()
	}
	return u.String(), nil
}

// serviceUnavailable synthesizes the JSON error envelope spec.md §4.2
// returns when the backend request could not be completed.
func serviceUnavailable(cause error) *protocol.ResponsePayload {
	body := fmt.Sprintf(`{"error":"Service Unavailable","message":%q,"code":"HTTP_REQUEST_FAILED"}`, cause.Error())
	return &protocol.ResponsePayload{
		StatusCode: http.StatusServiceUnavailable,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       base64.StdEncoding.EncodeToString([]byte(body)),
	}
}
