package dxl

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opendxl/opendxl-client-go/message"
)

// earlyResponseGrace is how long an unmatched response is buffered to
// cover the window between publish and waiter registration.
const earlyResponseGrace = time.Second

type asyncEntry struct {
	callback   ResponseCallback
	registered time.Time
	ttl        time.Duration // 0 means no expiry
}

type earlyEntry struct {
	msg message.Msg
	at  time.Time
}

// requestManager is the pending-request table. An id holds at most one
// entry, and the entry is removed before its waiter or callback fires, so
// a response is delivered at most once.
type requestManager struct {
	client *Client

	mu      sync.Mutex
	waiters map[string]chan message.Msg
	asyncs  map[string]*asyncEntry
	early   map[string]earlyEntry

	replySubscribed bool

	sweepStop chan struct{}
	sweepOnce sync.Once
}

func newRequestManager(c *Client) *requestManager {
	r := &requestManager{
		client:    c,
		waiters:   make(map[string]chan message.Msg),
		asyncs:    make(map[string]*asyncEntry),
		early:     make(map[string]earlyEntry),
		sweepStop: make(chan struct{}),
	}
	go r.sweep()
	return r
}

// replyToTopic is the private topic responses are routed back on.
func (r *requestManager) replyToTopic() string {
	return replyToPrefix + r.client.UniqueID()
}

// ensureReplySubscription subscribes the reply-to topic on first use. A
// failed attempt is retried by the next request.
func (r *requestManager) ensureReplySubscription() error {
	r.mu.Lock()
	if r.replySubscribed {
		r.mu.Unlock()
		return nil
	}
	r.replySubscribed = true
	r.mu.Unlock()
	if err := r.client.subscribeFilter(r.replyToTopic()); err != nil {
		r.mu.Lock()
		r.replySubscribed = false
		r.mu.Unlock()
		return err
	}
	return nil
}

// SyncRequest publishes req and waits for the correlated response, up to
// the smaller of timeout and the configured operation wait.
func (r *requestManager) SyncRequest(req *message.Request, timeout time.Duration) (message.Msg, error) {
	if !r.client.IsConnected() {
		return nil, fmt.Errorf("dxl: sync request: %w", ErrNotConnected)
	}
	if err := r.ensureReplySubscription(); err != nil {
		return nil, err
	}
	if opWait := r.client.cfg.OperationTimeToWait; timeout <= 0 || timeout > opWait {
		timeout = opWait
	}

	id := req.MessageID
	waiter := make(chan message.Msg, 1)
	r.mu.Lock()
	if e, ok := r.early[id]; ok {
		delete(r.early, id)
		r.mu.Unlock()
		return e.msg, nil
	}
	r.waiters[id] = waiter
	stat.PendingRequests.Inc()
	r.mu.Unlock()

	if err := r.client.sendRequest(req); err != nil {
		r.remove(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-waiter:
		return m, nil
	case <-timer.C:
		r.remove(id)
		return nil, fmt.Errorf("dxl: sync request %s: %w", id, ErrWaitTimeout)
	case <-r.client.done:
		r.remove(id)
		return nil, fmt.Errorf("dxl: sync request %s: client closed: %w", id, ErrNotConnected)
	}
}

// AsyncRequest publishes req. When callback is non-nil it is registered
// for the correlated response; ttl > 0 bounds how long the registration
// is kept before the callback fires with a synthesized timeout error.
func (r *requestManager) AsyncRequest(req *message.Request, callback ResponseCallback, ttl time.Duration) error {
	if !r.client.IsConnected() {
		return fmt.Errorf("dxl: async request: %w", ErrNotConnected)
	}
	if err := r.ensureReplySubscription(); err != nil {
		return err
	}
	if callback != nil {
		r.mu.Lock()
		r.asyncs[req.MessageID] = &asyncEntry{callback: callback, registered: time.Now(), ttl: ttl}
		stat.PendingRequests.Inc()
		r.mu.Unlock()
	}
	if err := r.client.sendRequest(req); err != nil {
		r.remove(req.MessageID)
		return err
	}
	return nil
}

// onResponse matches an incoming response or error against the table.
// The entry is removed under the lock; the waiter or callback fires after
// the lock is released.
func (r *requestManager) onResponse(m message.Msg) {
	id := message.CorrelationID(m)
	if id == "" {
		return
	}
	r.mu.Lock()
	if waiter, ok := r.waiters[id]; ok {
		delete(r.waiters, id)
		stat.PendingRequests.Dec()
		r.mu.Unlock()
		waiter <- m
		return
	}
	if entry, ok := r.asyncs[id]; ok {
		delete(r.asyncs, id)
		stat.PendingRequests.Dec()
		r.mu.Unlock()
		invokeResponse(entry.callback, m)
		return
	}
	r.early[id] = earlyEntry{msg: m, at: time.Now()}
	r.mu.Unlock()
}

func (r *requestManager) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.waiters[id]; ok {
		delete(r.waiters, id)
		stat.PendingRequests.Dec()
	}
	if _, ok := r.asyncs[id]; ok {
		delete(r.asyncs, id)
		stat.PendingRequests.Dec()
	}
}

// sweep expires async registrations past their ttl and drops stale early
// buffers.
func (r *requestManager) sweep() {
	interval := r.client.cfg.AsyncCallbackCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.sweepStop:
			return
		case now := <-ticker.C:
			r.expire(now)
		}
	}
}

func (r *requestManager) expire(now time.Time) {
	var expired []*asyncEntry
	var ids []string
	r.mu.Lock()
	for id, entry := range r.asyncs {
		if entry.ttl > 0 && now.Sub(entry.registered) > entry.ttl {
			delete(r.asyncs, id)
			stat.PendingRequests.Dec()
			expired = append(expired, entry)
			ids = append(ids, id)
		}
	}
	for id, e := range r.early {
		if now.Sub(e.at) > earlyResponseGrace {
			delete(r.early, id)
		}
	}
	r.mu.Unlock()

	for i, entry := range expired {
		log.Printf("request expired: message_id=%s", ids[i])
		invokeResponse(entry.callback, timeoutErrorResponse(ids[i]))
	}
}

// close clears the table and stops the sweeper. Sync waiters observe the
// client's done channel and fail with ErrNotConnected.
func (r *requestManager) close() {
	r.sweepOnce.Do(func() { close(r.sweepStop) })
	r.mu.Lock()
	r.waiters = make(map[string]chan message.Msg)
	r.asyncs = make(map[string]*asyncEntry)
	r.early = make(map[string]earlyEntry)
	stat.PendingRequests.Set(0)
	r.mu.Unlock()
}

// timeoutErrorResponse synthesizes the fabric-style error delivered to an
// async callback whose registration expired.
func timeoutErrorResponse(requestID string) *message.ErrorResponse {
	e := &message.ErrorResponse{Code: ErrorCodeServiceUnavailable, Text: "async response timeout"}
	e.Version = message.Version
	e.RequestMessageID = requestID
	return e
}
