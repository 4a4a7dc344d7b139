package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/tunnelforge/tunnelforge/internal/protocol"
)

// Result is the terminal outcome of a pending request: either a
// response payload or an error, never both.
type Result struct {
	Response *protocol.ResponsePayload
	Err      error
}

// pendingRecord is the relay-side bookkeeping for one in-flight
// request awaiting a response from an agent (spec.md §3).
type pendingRecord struct {
	requestID string
	agentID   string
	createdAt time.Time
	done      chan Result
	timer     *time.Timer
	once      sync.Once
}

// finish delivers result exactly once; later calls are a no-op, which
// is what makes a response arriving microseconds after a timeout safe
// (spec.md §9, the at-most-one-terminal property in §8).
func (p *pendingRecord) finish(result Result) {
	p.once.Do(func() {
		p.timer.Stop()
		p.done <- result
		close(p.done)
	})
}

// PendingTable correlates outstanding requests with the waiter that
// will write the HTTP response, per spec.md §4.6.
type PendingTable struct {
	mu       sync.Mutex
	pending  map[string]*pendingRecord
	registry *Registry
}

// NewPendingTable creates an empty pending-request table. registry is
// used to bump an agent's request_count on Add, as spec.md §4.6
// specifies.
func NewPendingTable(registry *Registry) *PendingTable {
	return &PendingTable{pending: make(map[string]*pendingRecord), registry: registry}
}

// Add registers requestID as in flight against agentID with the given
// deadline, returning a channel that receives exactly one Result.
func (t *PendingTable) Add(requestID, agentID string, deadline time.Duration) <-chan Result {
	rec := &pendingRecord{
		requestID: requestID,
		agentID:   agentID,
		createdAt: time.Now(),
		done:      make(chan Result, 1),
	}
	rec.timer = time.AfterFunc(deadline, func() {
		t.reject(requestID, fmt.Errorf("Request timeout"))
	})

	t.mu.Lock()
	t.pending[requestID] = rec
	t.mu.Unlock()

	t.registry.IncrementRequestCount(agentID)
	return rec.done
}

// Resolve completes requestID successfully with resp, annotating its
// duration, and removes it from the table.
func (t *PendingTable) Resolve(requestID string, resp *protocol.ResponsePayload) {
	rec := t.remove(requestID)
	if rec == nil {
		return
	}
	resp.Duration = time.Since(rec.createdAt).Milliseconds()
	rec.finish(Result{Response: resp})
}

// Reject completes requestID with an error and removes it from the
// table.
func (t *PendingTable) Reject(requestID string, err error) {
	t.reject(requestID, err)
}

func (t *PendingTable) reject(requestID string, err error) {
	rec := t.remove(requestID)
	if rec == nil {
		return
	}
	rec.finish(Result{Err: err})
}

// RejectForAgent fails every pending entry bound to agentID, per
// spec.md §4.6 and the corrected (agent-scoped, not global) behavior
// spec.md §9 calls out as the intended fix for the source's bug.
func (t *PendingTable) RejectForAgent(agentID string, err error) {
	t.mu.Lock()
	var matched []*pendingRecord
	for id, rec := range t.pending {
		if rec.agentID == agentID {
			matched = append(matched, rec)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, rec := range matched {
		rec.finish(Result{Err: err})
	}
}

func (t *PendingTable) remove(requestID string) *pendingRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.pending[requestID]
	if !ok {
		return nil
	}
	delete(t.pending, requestID)
	return rec
}

// Len returns the number of currently in-flight requests (used by the
// /metrics surface).
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
