package dxl

import (
	"log"
	"sync"

	"github.com/opendxl/opendxl-client-go/message"
	"github.com/opendxl/opendxl-client-go/topic"
	"golang.org/x/sync/errgroup"
)

// EventCallback receives events whose topic matches the registered filter.
type EventCallback func(*message.Event)

// RequestCallback handles requests arriving on a service topic.
type RequestCallback func(*message.Request)

// ResponseCallback receives a *message.Response or a *message.ErrorResponse.
type ResponseCallback func(message.Msg)

// CallbackRegistration is the handle returned when a callback is added;
// it identifies the callback for removal.
type CallbackRegistration struct {
	topic    string
	event    EventCallback
	response ResponseCallback
}

// Topic returns the filter the registration is bound to.
func (r *CallbackRegistration) Topic() string { return r.topic }

type envelope struct {
	topic   string
	payload []byte
}

// dispatcher drains the bounded incoming queue with a fixed worker pool
// and routes decoded frames by kind. The driver thread pushing into the
// queue blocks when it is full, which backpressures the broker session
// while preserving receive order.
type dispatcher struct {
	queue chan envelope
	group errgroup.Group

	mu               sync.RWMutex
	filters          *topic.Trie[*CallbackRegistration]
	requestCallbacks map[string]RequestCallback
	responseList     []*CallbackRegistration

	// onResponse hands responses and errors to the correlator.
	onResponse func(message.Msg)

	closeOnce sync.Once
}

func newDispatcher(queueSize, poolSize int, onResponse func(message.Msg)) *dispatcher {
	if queueSize <= 0 {
		queueSize = 16384
	}
	if poolSize <= 0 {
		poolSize = 1
	}
	d := &dispatcher{
		queue:            make(chan envelope, queueSize),
		filters:          topic.New[*CallbackRegistration](),
		requestCallbacks: make(map[string]RequestCallback),
		onResponse:       onResponse,
	}
	for i := 0; i < poolSize; i++ {
		d.group.Go(d.worker)
	}
	return d
}

// push enqueues an incoming frame. It blocks when the queue is full.
func (d *dispatcher) push(topicName string, payload []byte) {
	defer func() {
		// A push racing close finds the queue closed; the session is
		// going away, so the frame is dropped.
		if recover() != nil {
			log.Printf("dispatch: dropped frame on closed queue: topic=%s", topicName)
		}
	}()
	stat.QueueDepth.Inc()
	d.queue <- envelope{topic: topicName, payload: payload}
}

// close stops the workers after the queue drains.
func (d *dispatcher) close() {
	d.closeOnce.Do(func() { close(d.queue) })
	_ = d.group.Wait()
}

func (d *dispatcher) worker() error {
	for env := range d.queue {
		stat.QueueDepth.Dec()
		d.dispatch(env)
	}
	return nil
}

func (d *dispatcher) dispatch(env envelope) {
	m, err := message.Unpack(env.topic, env.payload)
	if err != nil {
		log.Printf("dispatch: decode failed: topic=%s, err=%v", env.topic, err)
		return
	}
	stat.MessagesReceived.Inc()
	switch v := m.(type) {
	case *message.Event:
		for _, reg := range d.matchEvent(env.topic) {
			invokeEvent(reg.event, v)
		}
	case *message.Request:
		cb := d.requestCallback(env.topic)
		if cb == nil {
			log.Printf("dispatch: no service bound: topic=%s, message_id=%s", env.topic, v.MessageID)
			return
		}
		invokeRequest(cb, v)
	default:
		for _, reg := range d.responseCallbacks() {
			invokeResponse(reg.response, m)
		}
		if d.onResponse != nil {
			d.onResponse(m)
		}
	}
}

func (d *dispatcher) matchEvent(topicName string) []*CallbackRegistration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.filters.Match(topicName)
}

func (d *dispatcher) requestCallback(topicName string) RequestCallback {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.requestCallbacks[topicName]
}

func (d *dispatcher) responseCallbacks() []*CallbackRegistration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*CallbackRegistration(nil), d.responseList...)
}

func (d *dispatcher) addEventCallback(filter string, cb EventCallback) (*CallbackRegistration, error) {
	reg := &CallbackRegistration{topic: filter, event: cb}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.filters.Add(filter, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func (d *dispatcher) removeEventCallback(reg *CallbackRegistration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filters.Remove(reg.topic, reg)
}

func (d *dispatcher) addResponseCallback(cb ResponseCallback) *CallbackRegistration {
	reg := &CallbackRegistration{response: cb}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responseList = append(d.responseList, reg)
	return reg
}

func (d *dispatcher) removeResponseCallback(reg *CallbackRegistration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.responseList {
		if r == reg {
			d.responseList = append(d.responseList[:i], d.responseList[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) setRequestCallback(topicName string, cb RequestCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestCallbacks[topicName] = cb
}

func (d *dispatcher) removeRequestCallback(topicName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.requestCallbacks, topicName)
}

// Callback failures are logged, never propagated to the worker loop.
func invokeEvent(cb EventCallback, evt *message.Event) {
	defer recoverCallback("event", evt.DestinationTopic)
	cb(evt)
}

func invokeRequest(cb RequestCallback, req *message.Request) {
	defer recoverCallback("request", req.DestinationTopic)
	cb(req)
}

func invokeResponse(cb ResponseCallback, m message.Msg) {
	defer recoverCallback("response", m.Base().DestinationTopic)
	cb(m)
}

func recoverCallback(kind, topicName string) {
	if r := recover(); r != nil {
		log.Printf("dispatch: %s callback panic: topic=%s, err=%v", kind, topicName, r)
	}
}
