package relay

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tunnelforge/tunnelforge/internal/protocol"
)

// deniedRequestHeaders are dropped before a request frame is built,
// per spec.md §4.7: they either break hop-by-hop semantics or are
// recomputed by the forwarding stack.
var deniedRequestHeaders = map[string]bool{
	"host":                     true,
	"connection":               true,
	"upgrade":                  true,
	"sec-websocket-key":        true,
	"sec-websocket-version":    true,
	"sec-websocket-extensions": true,
	"x-forwarded-for":          true,
	"x-forwarded-proto":        true,
	"x-forwarded-host":         true,
}

// Dispatcher implements spec.md §4.7: pick an agent, build a request
// frame, correlate the response through the pending-request table.
type Dispatcher struct {
	registry       *Registry
	pending        *PendingTable
	requestTimeout time.Duration
}

// NewDispatcher creates a request dispatcher bound to registry and
// pending.
func NewDispatcher(registry *Registry, pending *PendingTable, requestTimeout time.Duration) *Dispatcher {
	return &Dispatcher{registry: registry, pending: pending, requestTimeout: requestTimeout}
}

// Dispatch sends r (with body already read into memory by the caller)
// to a selected agent and blocks for its response.
func (d *Dispatcher) Dispatch(r *http.Request, body []byte) (*protocol.ResponsePayload, error) {
	rec, baseURL, rewrittenPath, err := d.registry.PickFor(r.URL.Path)
	if err != nil {
		return nil, err
	}

	payload := protocol.RequestPayload{
		Method:        r.Method,
		Path:          rewrittenPath,
		Headers:       sanitizeRequestHeaders(r.Header),
		Body:          base64.StdEncoding.EncodeToString(body),
		Query:         map[string][]string(r.URL.Query()),
		TargetMapping: baseURL,
	}

	frame, err := protocol.NewFrame(protocol.KindRequest, rec.ID, payload)
	if err != nil {
		return nil, fmt.Errorf("building request frame: %w", err)
	}

	resultCh := d.pending.Add(frame.ID, rec.ID, d.requestTimeout)

	if err := rec.Link.SendFrame(frame); err != nil {
		d.pending.Reject(frame.ID, fmt.Errorf("sending request frame: %w", err))
	}

	result := <-resultCh
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Response, nil
}

// sanitizeRequestHeaders drops the deny-listed hop-by-hop/forwarding
// headers and flattens the rest to single values, last one wins.
func sanitizeRequestHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if deniedRequestHeaders[strings.ToLower(k)] {
			continue
		}
		if len(v) > 0 {
			out[k] = v[len(v)-1]
		}
	}
	return out
}
