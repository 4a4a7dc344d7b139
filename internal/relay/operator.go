package relay

import (
	"encoding/json"
	"net/http"
	"time"
)

// OperatorAPI implements the relay's read-only operator surface,
// spec.md §4.9. Only ClientHealth engages the tunnel; the rest are
// pure reads of the registry.
type OperatorAPI struct {
	registry   *Registry
	dispatcher *Dispatcher
}

// NewOperatorAPI creates the operator API handlers bound to registry
// and dispatcher.
func NewOperatorAPI(registry *Registry, dispatcher *Dispatcher) *OperatorAPI {
	return &OperatorAPI{registry: registry, dispatcher: dispatcher}
}

type agentView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Connected     bool   `json:"connected"`
	DefaultTarget string `json:"defaultTarget"`
	MappingCount  int    `json:"mappingCount"`
	LastHeartbeat string `json:"lastHeartbeat"`
	RequestCount  int64  `json:"requestCount"`
}

func newAgentView(rec *AgentRecord) agentView {
	return agentView{
		ID:            rec.ID,
		Name:          rec.Name,
		Connected:     rec.Connected,
		DefaultTarget: rec.DefaultTarget,
		MappingCount:  len(rec.Mappings),
		LastHeartbeat: rec.LastHeartbeat.UTC().Format(time.RFC3339),
		RequestCount:  rec.RequestCount,
	}
}

// Health handles GET /health: coarse liveness plus connected count.
func (o *OperatorAPI) Health(w http.ResponseWriter, r *http.Request) {
	agents := o.registry.ListConnected()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"connectedAgents": len(agents),
	})
}

// Status handles GET /status: detailed per-agent listing.
func (o *OperatorAPI) Status(w http.ResponseWriter, r *http.Request) {
	agents := o.registry.ListConnected()
	views := make([]agentView, 0, len(agents))
	for _, rec := range agents {
		views = append(views, newAgentView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

// Clients handles GET /clients: the same data shaped for enumeration.
func (o *OperatorAPI) Clients(w http.ResponseWriter, r *http.Request) {
	agents := o.registry.ListConnected()
	views := make([]agentView, 0, len(agents))
	for _, rec := range agents {
		views = append(views, newAgentView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": views})
}

// Client handles GET /clients/{id}: a single agent record.
func (o *OperatorAPI) Client(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := o.registry.Get(id)
	if !ok || !rec.Connected {
		writeErrorEnvelope(w, http.StatusInternalServerError, notFoundMessage(id), "")
		return
	}
	writeJSON(w, http.StatusOK, newAgentView(rec))
}

// ClientHealth handles GET /client/{id}/health: synthesizes a
// GET /health request into agent {id} through the normal dispatcher
// path and reports the reply (spec.md §4.9).
func (o *OperatorAPI) ClientHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	probe, err := http.NewRequest(http.MethodGet, "/client/"+id+"/health", nil)
	if err != nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	resp, err := o.dispatcher.Dispatch(probe, nil)
	if err != nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeResponsePayload(w, resp)
}

// RouteInfo handles GET /route-info?path=<p>: reports what PickFor
// would do for <p> without executing a request.
func (o *OperatorAPI) RouteInfo(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	rec, target, rewritten, err := o.registry.PickFor(path)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"matched": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matched":       true,
		"agentId":       rec.ID,
		"target":        target,
		"rewrittenPath": rewritten,
	})
}

func notFoundMessage(id string) string {
	return "Client '" + id + "' not found"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
