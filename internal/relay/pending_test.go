package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/tunnelforge/tunnelforge/internal/protocol"
)

func Test_resolve_delivers_response_once(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("agent-1", "a", "http://localhost:9000", nil, &Link{})
	p := NewPendingTable(r)

	ch := p.Add("req-1", "agent-1", time.Second)
	p.Resolve("req-1", &protocol.ResponsePayload{StatusCode: 200})

	result := <-ch
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Response.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", result.Response.StatusCode)
	}
	if p.Len() != 0 {
		t.Errorf("expected the entry to be removed, Len()=%d", p.Len())
	}
}

func Test_reject_delivers_error(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("agent-1", "a", "http://localhost:9000", nil, &Link{})
	p := NewPendingTable(r)

	ch := p.Add("req-1", "agent-1", time.Second)
	p.Reject("req-1", errors.New("boom"))

	result := <-ch
	if result.Err == nil || result.Err.Error() != "boom" {
		t.Errorf("expected boom error, got %v", result.Err)
	}
}

func Test_timeout_rejects_after_deadline(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("agent-1", "a", "http://localhost:9000", nil, &Link{})
	p := NewPendingTable(r)

	ch := p.Add("req-1", "agent-1", 10*time.Millisecond)

	select {
	case result := <-ch:
		if result.Err == nil {
			t.Fatal("expected a timeout error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejection")
	}
}

func Test_late_response_after_timeout_is_a_noop(t *testing.T) {
	// the at-most-one-terminal property: a response that arrives after
	// the timeout has already fired must not panic or block.
	r := NewRegistry(nil)
	r.Register("agent-1", "a", "http://localhost:9000", nil, &Link{})
	p := NewPendingTable(r)

	ch := p.Add("req-1", "agent-1", 5*time.Millisecond)
	<-ch

	p.Resolve("req-1", &protocol.ResponsePayload{StatusCode: 200})
	if p.Len() != 0 {
		t.Errorf("expected no pending entries after a late resolve, got %d", p.Len())
	}
}

func Test_reject_for_agent_only_affects_that_agent(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("agent-1", "a", "http://localhost:9000", nil, &Link{})
	r.Register("agent-2", "b", "http://localhost:9001", nil, &Link{})
	p := NewPendingTable(r)

	ch1 := p.Add("req-1", "agent-1", time.Second)
	ch2 := p.Add("req-2", "agent-2", time.Second)

	p.RejectForAgent("agent-1", errors.New("client disconnected"))

	result1 := <-ch1
	if result1.Err == nil {
		t.Fatal("expected agent-1's request to be rejected")
	}
	if p.Len() != 1 {
		t.Fatalf("expected agent-2's request to remain pending, Len()=%d", p.Len())
	}

	p.Resolve("req-2", &protocol.ResponsePayload{StatusCode: 204})
	result2 := <-ch2
	if result2.Err != nil {
		t.Fatalf("expected agent-2's request to still resolve normally: %v", result2.Err)
	}
}

func Test_add_increments_agent_request_count(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("agent-1", "a", "http://localhost:9000", nil, &Link{})
	p := NewPendingTable(r)

	p.Add("req-1", "agent-1", time.Second)

	rec, _ := r.Get("agent-1")
	if rec.RequestCount != 1 {
		t.Errorf("expected request count 1, got %d", rec.RequestCount)
	}
}
