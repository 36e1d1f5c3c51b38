package dxl

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/opendxl/opendxl-client-go/guid"
	"github.com/opendxl/opendxl-client-go/message"
)

// Client is the fabric client. It wires the transport, the dispatch
// queue, the request correlator and the service registry behind one
// surface. Clients are safe for concurrent use by multiple goroutines.
type Client struct {
	cfg        *Config
	instanceID string

	transport  *transport
	dispatcher *dispatcher
	requests   *requestManager
	services   *serviceManager

	// subRefs counts how many holders need each MQTT filter: explicit
	// subscriptions, event callbacks and service topics. A filter is
	// unsubscribed only when its count drops to zero.
	subMu    sync.Mutex
	subRefs  map[string]int
	userSubs map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// New returns a client for cfg. The returned client owns no session
// until Connect is called.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dxl: nil config")
	}
	id, err := guid.Normalize(cfg.UniqueID)
	if err != nil {
		return nil, fmt.Errorf("dxl: client id: %w", err)
	}
	cfg.UniqueID = id

	c := &Client{
		cfg:        cfg,
		instanceID: guid.New(),
		subRefs:    make(map[string]int),
		userSubs:   make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	c.requests = newRequestManager(c)
	c.dispatcher = newDispatcher(cfg.IncomingQueueSize, cfg.IncomingPoolSize, c.requests.onResponse)
	c.services = newServiceManager(c)
	c.transport = newTransport(cfg)
	c.transport.onMessage = c.dispatcher.push
	c.transport.onConnected = c.onConnected
	c.transport.onDisconnected = func(err error) {
		log.Printf("client session lost: client_id=%s, err=%v", cfg.UniqueID, err)
	}
	log.Printf("client created: client_id=%s, instance_id=%s", cfg.UniqueID, c.instanceID)
	return c, nil
}

// UniqueID returns the client identity used on the fabric.
func (c *Client) UniqueID() string { return c.cfg.UniqueID }

// IsConnected reports whether a broker session is active.
func (c *Client) IsConnected() bool { return c.transport.isConnected() }

// CurrentBrokerID returns the id of the connected broker, or "".
func (c *Client) CurrentBrokerID() string { return c.transport.currentBrokerID() }

// Connect blocks until a session is established or the configured
// retries are exhausted.
func (c *Client) Connect() error {
	if c.isClosed() {
		return fmt.Errorf("dxl: connect: client closed: %w", ErrNotConnected)
	}
	return c.transport.connect()
}

// Disconnect tears the session down and stops reconnect attempts.
func (c *Client) Disconnect() error {
	return c.transport.disconnect()
}

// Close is idempotent: it stops the transport, aborts pending waiters,
// stops service refresh timers and drains the dispatch workers.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		log.Printf("client closing: client_id=%s", c.cfg.UniqueID)
		close(c.done)
		_ = c.transport.disconnect()
		c.services.close()
		c.requests.close()
		c.dispatcher.close()
	})
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// onConnected is the post-connect reconciliation: replay every active
// filter, re-announce services, then flush publishes queued during the
// reconnect window.
func (c *Client) onConnected() {
	c.subMu.Lock()
	filters := make([]string, 0, len(c.subRefs))
	for f := range c.subRefs {
		filters = append(filters, f)
	}
	c.subMu.Unlock()
	sort.Strings(filters)
	for _, f := range filters {
		if err := c.transport.subscribe(f); err != nil {
			log.Printf("resubscribe failed: filter=%s, err=%v", f, err)
		}
	}
	c.services.reannounce()
	c.transport.flushQueued()
}

// subscribeFilter takes one reference on filter, subscribing on first
// use. The reference survives reconnects via the replay in onConnected.
func (c *Client) subscribeFilter(filter string) error {
	c.subMu.Lock()
	c.subRefs[filter]++
	first := c.subRefs[filter] == 1
	c.subMu.Unlock()
	if !first {
		return nil
	}
	if !c.transport.isConnected() {
		// Recorded for the post-connect replay.
		return nil
	}
	if err := c.transport.subscribe(filter); err != nil {
		c.subMu.Lock()
		if n := c.subRefs[filter]; n <= 1 {
			delete(c.subRefs, filter)
		} else {
			c.subRefs[filter] = n - 1
		}
		c.subMu.Unlock()
		return err
	}
	return nil
}

// unsubscribeFilter drops one reference, unsubscribing when none remain.
func (c *Client) unsubscribeFilter(filter string) error {
	c.subMu.Lock()
	n, ok := c.subRefs[filter]
	if !ok {
		c.subMu.Unlock()
		return nil
	}
	if n > 1 {
		c.subRefs[filter] = n - 1
		c.subMu.Unlock()
		return nil
	}
	delete(c.subRefs, filter)
	c.subMu.Unlock()
	if !c.transport.isConnected() {
		return nil
	}
	return c.transport.unsubscribe(filter)
}

// Subscribe adds an MQTT topic filter (wildcards allowed). Subscribing
// to the same filter twice is a no-op.
func (c *Client) Subscribe(filter string) error {
	c.subMu.Lock()
	_, dup := c.userSubs[filter]
	if !dup {
		c.userSubs[filter] = struct{}{}
	}
	c.subMu.Unlock()
	if dup {
		return nil
	}
	return c.subscribeFilter(filter)
}

// Unsubscribe removes a filter added by Subscribe.
func (c *Client) Unsubscribe(filter string) error {
	c.subMu.Lock()
	_, ok := c.userSubs[filter]
	if ok {
		delete(c.userSubs, filter)
	}
	c.subMu.Unlock()
	if !ok {
		return nil
	}
	return c.unsubscribeFilter(filter)
}

// Subscriptions returns the active filter set, sorted.
func (c *Client) Subscriptions() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.subRefs))
	for f := range c.subRefs {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// AddEventCallback registers cb for events matching the filter and
// subscribes the filter. The returned registration removes it.
func (c *Client) AddEventCallback(filter string, cb EventCallback) (*CallbackRegistration, error) {
	reg, err := c.dispatcher.addEventCallback(filter, cb)
	if err != nil {
		return nil, err
	}
	if err := c.subscribeFilter(filter); err != nil {
		c.dispatcher.removeEventCallback(reg)
		return nil, err
	}
	return reg, nil
}

// RemoveEventCallback removes a registration returned by
// AddEventCallback and releases its filter reference.
func (c *Client) RemoveEventCallback(reg *CallbackRegistration) error {
	if reg == nil || reg.event == nil {
		return fmt.Errorf("dxl: not an event callback registration")
	}
	c.dispatcher.removeEventCallback(reg)
	return c.unsubscribeFilter(reg.topic)
}

// AddResponseCallback registers cb for every response this client
// receives, alongside per-request correlation.
func (c *Client) AddResponseCallback(cb ResponseCallback) *CallbackRegistration {
	return c.dispatcher.addResponseCallback(cb)
}

// RemoveResponseCallback removes a registration returned by
// AddResponseCallback.
func (c *Client) RemoveResponseCallback(reg *CallbackRegistration) {
	c.dispatcher.removeResponseCallback(reg)
}

// SendEvent publishes evt to its destination topic.
func (c *Client) SendEvent(evt *message.Event) error {
	if evt.DestinationTopic == "" {
		return fmt.Errorf("dxl: event has no destination topic")
	}
	c.stampSource(&evt.Message)
	frame, err := message.Pack(evt)
	if err != nil {
		return err
	}
	return c.transport.publish(evt.DestinationTopic, frame, defaultQoS)
}

// SyncRequest publishes req and blocks for the correlated response or
// error, up to timeout (capped by the configured operation wait). A
// fabric error comes back as a *message.ErrorResponse value, not a Go
// error.
func (c *Client) SyncRequest(req *message.Request, timeout time.Duration) (message.Msg, error) {
	return c.requests.SyncRequest(req, timeout)
}

// AsyncRequest publishes req. A non-nil cb receives the correlated
// response; ttl > 0 bounds the registration, after which cb fires with a
// synthesized timeout error.
func (c *Client) AsyncRequest(req *message.Request, cb ResponseCallback, ttl time.Duration) error {
	return c.requests.AsyncRequest(req, cb, ttl)
}

// SendResponse publishes resp on its reply-to destination; service
// callbacks use it to answer requests.
func (c *Client) SendResponse(resp message.Msg) error {
	base := resp.Base()
	if base.DestinationTopic == "" {
		return fmt.Errorf("dxl: response has no destination topic")
	}
	c.stampSource(base)
	frame, err := message.Pack(resp)
	if err != nil {
		return err
	}
	return c.transport.publish(base.DestinationTopic, frame, defaultQoS)
}

// sendRequest stamps and publishes req on behalf of the correlator.
func (c *Client) sendRequest(req *message.Request) error {
	if req.DestinationTopic == "" {
		return fmt.Errorf("dxl: request has no destination topic")
	}
	if req.ReplyToTopic == "" {
		req.ReplyToTopic = c.requests.replyToTopic()
	}
	c.stampSource(&req.Message)
	frame, err := message.Pack(req)
	if err != nil {
		return err
	}
	return c.transport.publish(req.DestinationTopic, frame, defaultQoS)
}

// RegisterServiceSync registers reg and blocks for the registry's
// acknowledgment.
func (c *Client) RegisterServiceSync(reg *ServiceRegistration, timeout time.Duration) error {
	if !c.IsConnected() {
		return fmt.Errorf("dxl: register service: %w", ErrNotConnected)
	}
	return c.services.registerSync(reg, timeout)
}

// RegisterServiceAsync registers reg without waiting for acknowledgment.
func (c *Client) RegisterServiceAsync(reg *ServiceRegistration) error {
	if !c.IsConnected() {
		return fmt.Errorf("dxl: register service: %w", ErrNotConnected)
	}
	return c.services.registerAsync(reg)
}

// UnregisterServiceSync unregisters reg, waits for acknowledgment and
// releases the service's topic subscriptions.
func (c *Client) UnregisterServiceSync(reg *ServiceRegistration, timeout time.Duration) error {
	return c.services.unregisterSync(reg, timeout)
}

// stampSource fills the message header fields the fabric expects from
// the sending client; the broker overwrites the broker id.
func (c *Client) stampSource(m *message.Message) {
	if m.MessageID == "" {
		m.MessageID = guid.New()
	}
	m.SourceClientID = c.cfg.UniqueID
	m.SourceClientInstanceID = c.instanceID
}
