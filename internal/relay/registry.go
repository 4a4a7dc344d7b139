package relay

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tunnelforge/tunnelforge/internal/protocol"
)

// AgentRecord is the relay's view of one connected (or just-displaced)
// agent, per spec.md §3.
type AgentRecord struct {
	ID            string
	Name          string
	Link          *Link
	Mappings      []protocol.Mapping
	DefaultTarget string
	Connected     bool
	LastHeartbeat time.Time
	RequestCount  int64
}

// Registry is the relay's single source of truth for agent liveness
// and routing, per spec.md §4.5. All mutations are serialized; reads
// take a read lock.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
	onGone func(agentID string) // invoked with the lock released
}

// NewRegistry creates an empty agent registry. onGone, if non-nil, is
// called whenever an agent transitions out of the connected state
// (explicit unregister, displacement, or heartbeat sweep) so the
// pending-request table can fail that agent's in-flight requests.
func NewRegistry(onGone func(agentID string)) *Registry {
	return &Registry{agents: make(map[string]*AgentRecord), onGone: onGone}
}

// Register adds or replaces the record for id. If id already has a
// connected record, its link is closed and onGone fires for it before
// the new record takes its place, satisfying the "at most one
// connected record per id" invariant in spec.md §3.
func (r *Registry) Register(id, name, defaultTarget string, mappings []protocol.Mapping, link *Link) *AgentRecord {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	old, existed := r.agents[id]
	record := &AgentRecord{
		ID:            id,
		Name:          name,
		Link:          link,
		Mappings:      mappings,
		DefaultTarget: defaultTarget,
		Connected:     true,
		LastHeartbeat: time.Now(),
	}
	r.agents[id] = record
	r.mu.Unlock()

	if existed && old.Connected && old.Link != link {
		old.Link.Close()
		if r.onGone != nil {
			r.onGone(id)
		}
	}
	return record
}

// Unregister marks the record whose link matches as disconnected and
// removes it, failing its pending requests via onGone. A no-op if no
// record currently holds this link (it was already displaced).
func (r *Registry) Unregister(link *Link) {
	r.mu.Lock()
	var found *AgentRecord
	for id, rec := range r.agents {
		if rec.Link == link {
			rec.Connected = false
			delete(r.agents, id)
			found = rec
			break
		}
	}
	r.mu.Unlock()

	if found != nil && r.onGone != nil {
		r.onGone(found.ID)
	}
}

// Get looks up a connected agent record by id.
func (r *Registry) Get(id string) (*AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[id]
	return rec, ok
}

// ListConnected returns a snapshot of all connected agent records.
func (r *Registry) ListConnected() []*AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec)
	}
	return out
}

// OnHeartbeat bumps the last-heartbeat timestamp for id. last_heartbeat
// only moves forward (spec.md §3), so a stale duplicate is ignored.
func (r *Registry) OnHeartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[id]; ok {
		now := time.Now()
		if now.After(rec.LastHeartbeat) {
			rec.LastHeartbeat = now
		}
	}
}

// IncrementRequestCount bumps id's dispatched-request counter, used
// for least-loaded selection.
func (r *Registry) IncrementRequestCount(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[id]; ok {
		rec.RequestCount++
	}
}

// PickFor implements spec.md §4.5's pick_for: a path beginning with
// "/client/{id}" pins the agent and resolves the remainder against its
// mappings; any other path selects the connected agent with the
// smallest request count.
func (r *Registry) PickFor(path string) (rec *AgentRecord, baseURL, rewrittenPath string, err error) {
	if id, remainder, ok := parsePinnedPath(path); ok {
		r.mu.RLock()
		rec, found := r.agents[id]
		r.mu.RUnlock()
		if !found || !rec.Connected {
			return nil, "", "", fmt.Errorf("Client '%s' not found", id)
		}
		base, rewritten := protocol.Resolve(normalizeRemainder(remainder), rec.Mappings, rec.DefaultTarget)
		return rec, base, rewritten, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	// Ties break on Go's randomized map iteration order rather than
	// spec.md §4.5's deterministic iteration-order tiebreak (the
	// teacher's slice-based pool.go got this for free); not a tested
	// property in spec.md §8.
	var best *AgentRecord
	for _, candidate := range r.agents {
		if !candidate.Connected {
			continue
		}
		if best == nil || candidate.RequestCount < best.RequestCount {
			best = candidate
		}
	}
	if best == nil {
		return nil, "", "", fmt.Errorf("No connected clients available")
	}
	return best, best.DefaultTarget, path, nil
}

// parsePinnedPath splits a "/client/{id}[/rest...]" path into the
// agent id and the remainder path handed to the mapping resolver. The
// remainder is returned without its leading slash; when there is no
// further segment it is "" (normalizeRemainder turns that into "/").
func parsePinnedPath(path string) (id, remainder string, ok bool) {
	const marker = "/client/"
	if !strings.HasPrefix(path, marker) {
		return "", "", false
	}
	rest := path[len(marker):]
	if rest == "" {
		return "", "", false
	}
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return rest, "", true
	}
	return rest[:slash], rest[slash+1:], true
}

// normalizeRemainder restores the leading slash parsePinnedPath
// strips, so Resolve's no-match branch (which echoes its input path
// back verbatim) returns a path shaped like every other request path
// instead of a bare, slash-less remainder.
func normalizeRemainder(remainder string) string {
	if remainder == "" {
		return "/"
	}
	if !strings.HasPrefix(remainder, "/") {
		return "/" + remainder
	}
	return remainder
}

// Sweep evicts any agent whose last heartbeat is older than timeout,
// per spec.md §4.5 and the liveness-sweep testable property in §8. It
// returns the number of agents evicted.
func (r *Registry) Sweep(timeout time.Duration) int {
	now := time.Now()
	var stale []*AgentRecord

	r.mu.Lock()
	for id, rec := range r.agents {
		if now.Sub(rec.LastHeartbeat) > timeout {
			rec.Connected = false
			stale = append(stale, rec)
			delete(r.agents, id)
		}
	}
	r.mu.Unlock()

	for _, rec := range stale {
		rec.Link.Close()
		if r.onGone != nil {
			r.onGone(rec.ID)
		}
	}
	return len(stale)
}
