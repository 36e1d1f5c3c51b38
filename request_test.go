package dxl

import (
	"errors"
	"testing"
	"time"

	"github.com/opendxl/opendxl-client-go/message"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := NewConfig("", "", "", nil)
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSyncRequestNotConnected(t *testing.T) {
	c := newTestClient(t)
	req := message.NewRequest("/svc")
	if _, err := c.SyncRequest(req, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SyncRequest while disconnected: err = %v, want ErrNotConnected", err)
	}
	if err := c.AsyncRequest(req, nil, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("AsyncRequest while disconnected: err = %v, want ErrNotConnected", err)
	}
}

func TestReplyToTopic(t *testing.T) {
	c := newTestClient(t)
	want := "/mcafee/client/" + c.UniqueID()
	if got := c.requests.replyToTopic(); got != want {
		t.Errorf("replyToTopic = %q, want %q", got, want)
	}
}

// A response releases the waiter exactly once; the entry is gone
// afterwards and a duplicate lands in the early buffer.
func TestOnResponseSingleDelivery(t *testing.T) {
	c := newTestClient(t)
	r := c.requests

	req := message.NewRequest("/svc")
	req.ReplyToTopic = "/r"
	waiter := make(chan message.Msg, 1)
	r.mu.Lock()
	r.waiters[req.MessageID] = waiter
	r.mu.Unlock()

	resp := message.NewResponse(req)
	r.onResponse(resp)
	select {
	case m := <-waiter:
		if message.CorrelationID(m) != req.MessageID {
			t.Errorf("correlation id mismatch")
		}
	default:
		t.Fatal("waiter not released")
	}

	r.mu.Lock()
	_, stillThere := r.waiters[req.MessageID]
	r.mu.Unlock()
	if stillThere {
		t.Error("entry must be removed on first matching response")
	}

	// The duplicate has no entry left; it is buffered as early.
	r.onResponse(resp)
	select {
	case <-waiter:
		t.Error("duplicate response delivered twice")
	default:
	}
	r.mu.Lock()
	_, buffered := r.early[req.MessageID]
	r.mu.Unlock()
	if !buffered {
		t.Error("unmatched response should be buffered")
	}
}

func TestOnResponseAsyncCallback(t *testing.T) {
	c := newTestClient(t)
	r := c.requests

	req := message.NewRequest("/svc")
	req.ReplyToTopic = "/r"
	got := make(chan message.Msg, 2)
	r.mu.Lock()
	r.asyncs[req.MessageID] = &asyncEntry{callback: func(m message.Msg) { got <- m }, registered: time.Now()}
	r.mu.Unlock()

	r.onResponse(message.NewResponse(req))
	select {
	case <-got:
	default:
		t.Fatal("async callback not invoked")
	}
	// Entry removed: a second response must not re-invoke.
	r.onResponse(message.NewResponse(req))
	select {
	case <-got:
		t.Error("async callback invoked twice for one id")
	default:
	}
}

func TestExpireAsyncEntries(t *testing.T) {
	c := newTestClient(t)
	r := c.requests

	got := make(chan message.Msg, 1)
	r.mu.Lock()
	r.asyncs["{e1111111-1111-1111-1111-111111111111}"] = &asyncEntry{
		callback:   func(m message.Msg) { got <- m },
		registered: time.Now().Add(-time.Minute),
		ttl:        time.Second,
	}
	r.mu.Unlock()

	r.expire(time.Now())
	select {
	case m := <-got:
		er, ok := m.(*message.ErrorResponse)
		if !ok {
			t.Fatalf("expired callback got %T, want *message.ErrorResponse", m)
		}
		if !IsFabricErrorCode(er.Code) {
			t.Errorf("Code = %#x, want fabric error", uint32(er.Code))
		}
		if er.RequestMessageID != "{e1111111-1111-1111-1111-111111111111}" {
			t.Errorf("RequestMessageID = %q", er.RequestMessageID)
		}
	default:
		t.Fatal("expired entry did not fire its callback")
	}

	r.mu.Lock()
	n := len(r.asyncs)
	r.mu.Unlock()
	if n != 0 {
		t.Errorf("asyncs left = %d, want 0", n)
	}
}

func TestExpireKeepsLiveEntries(t *testing.T) {
	c := newTestClient(t)
	r := c.requests

	r.mu.Lock()
	r.asyncs["{e2222222-2222-2222-2222-222222222222}"] = &asyncEntry{
		callback:   func(message.Msg) {},
		registered: time.Now(),
		ttl:        time.Hour,
	}
	r.asyncs["{e3333333-3333-3333-3333-333333333333}"] = &asyncEntry{
		callback:   func(message.Msg) {},
		registered: time.Now(),
		// no ttl: never expires
	}
	r.mu.Unlock()

	r.expire(time.Now())
	r.mu.Lock()
	n := len(r.asyncs)
	r.mu.Unlock()
	if n != 2 {
		t.Errorf("asyncs left = %d, want 2", n)
	}
}

func TestExpireDropsStaleEarlyBuffers(t *testing.T) {
	c := newTestClient(t)
	r := c.requests

	req := message.NewRequest("/svc")
	req.ReplyToTopic = "/r"
	r.onResponse(message.NewResponse(req))

	r.expire(time.Now())
	r.mu.Lock()
	_, kept := r.early[req.MessageID]
	r.mu.Unlock()
	if !kept {
		t.Error("fresh early buffer dropped too soon")
	}

	r.expire(time.Now().Add(2 * earlyResponseGrace))
	r.mu.Lock()
	_, kept = r.early[req.MessageID]
	r.mu.Unlock()
	if kept {
		t.Error("stale early buffer not dropped")
	}
}

func TestTimeoutErrorResponse(t *testing.T) {
	er := timeoutErrorResponse("{e4444444-4444-4444-4444-444444444444}")
	if er.Kind() != message.KindError {
		t.Errorf("Kind = %v, want error", er.Kind())
	}
	if er.Code != ErrorCodeServiceUnavailable {
		t.Errorf("Code = %d", er.Code)
	}
	if got := message.CorrelationID(er); got != "{e4444444-4444-4444-4444-444444444444}" {
		t.Errorf("CorrelationID = %q", got)
	}
}
