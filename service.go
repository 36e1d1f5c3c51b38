package dxl

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/opendxl/opendxl-client-go/guid"
	"github.com/opendxl/opendxl-client-go/message"
)

// ServiceState tracks a registration through its lifecycle.
type ServiceState int

const (
	ServiceUnregistered ServiceState = iota
	ServiceRegistering
	ServiceActive
	ServiceRefreshing
	ServiceUnregistering
)

func (s ServiceState) String() string {
	switch s {
	case ServiceUnregistered:
		return "unregistered"
	case ServiceRegistering:
		return "registering"
	case ServiceActive:
		return "active"
	case ServiceRefreshing:
		return "refreshing"
	case ServiceUnregistering:
		return "unregistering"
	}
	return "unknown"
}

// ServiceRegistration advertises a set of request topics this client
// handles. While registered, the client re-announces it on a TTL timer
// and after every reconnect.
type ServiceRegistration struct {
	ServiceType string
	ServiceID   string
	Metadata    map[string]string
	TTL         time.Duration

	mu        sync.Mutex
	callbacks map[string]RequestCallback
	state     ServiceState
	stopTTL   chan struct{}
}

// NewServiceRegistration returns a registration for serviceType with a
// fresh service id and the default one hour TTL.
func NewServiceRegistration(serviceType string) *ServiceRegistration {
	return &ServiceRegistration{
		ServiceType: serviceType,
		ServiceID:   guid.New(),
		TTL:         time.Hour,
		callbacks:   make(map[string]RequestCallback),
	}
}

// AddTopic binds cb to an exact request topic.
func (s *ServiceRegistration) AddTopic(topicName string, cb RequestCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callbacks == nil {
		s.callbacks = make(map[string]RequestCallback)
	}
	s.callbacks[topicName] = cb
}

// Topics returns the registration's request topics, sorted.
func (s *ServiceRegistration) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.callbacks))
	for t := range s.callbacks {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (s *ServiceRegistration) callback(topicName string) RequestCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacks[topicName]
}

// State returns the registration's lifecycle state.
func (s *ServiceRegistration) State() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ServiceRegistration) setState(v ServiceState) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

// registryEntry is the JSON body published to the service registry.
type registryEntry struct {
	ServiceType     string            `json:"serviceType"`
	ServiceGUID     string            `json:"serviceGuid"`
	RequestChannels []string          `json:"requestChannels"`
	MetaData        map[string]string `json:"metaData"`
	TTLMins         int64             `json:"ttlMins"`
}

type registryUnregisterEntry struct {
	ServiceGUID string `json:"serviceGuid"`
}

func (s *ServiceRegistration) registerPayload() ([]byte, error) {
	meta := s.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	ttlMins := int64(s.TTL / time.Minute)
	if ttlMins < 1 {
		ttlMins = 1
	}
	return json.Marshal(registryEntry{
		ServiceType:     s.ServiceType,
		ServiceGUID:     s.ServiceID,
		RequestChannels: s.Topics(),
		MetaData:        meta,
		TTLMins:         ttlMins,
	})
}

// serviceManager owns the registered-service map, the TTL refresh loops
// and the post-reconnect re-announcements.
type serviceManager struct {
	client *Client

	mu       sync.Mutex
	services map[string]*ServiceRegistration
}

func newServiceManager(c *Client) *serviceManager {
	return &serviceManager{client: c, services: make(map[string]*ServiceRegistration)}
}

// ttlInterval is how often an active registration is re-announced: the
// TTL minus the registry's grace period, floored at the configured lower
// limit.
func (m *serviceManager) ttlInterval(ttl time.Duration) time.Duration {
	cfg := m.client.cfg
	interval := ttl - cfg.ServiceTTLGracePeriod
	if interval < cfg.ServiceTTLLowerLimit {
		interval = cfg.ServiceTTLLowerLimit
	}
	return interval
}

func (m *serviceManager) registerSync(reg *ServiceRegistration, timeout time.Duration) error {
	if err := m.announce(reg, timeout, true); err != nil {
		return err
	}
	m.startTTL(reg)
	return nil
}

func (m *serviceManager) registerAsync(reg *ServiceRegistration) error {
	if err := m.announce(reg, 0, false); err != nil {
		return err
	}
	m.startTTL(reg)
	return nil
}

// announce records reg, binds and subscribes its topics, and publishes
// the register JSON. With wait true it blocks for the registry response.
func (m *serviceManager) announce(reg *ServiceRegistration, timeout time.Duration, wait bool) error {
	id, err := guid.Normalize(reg.ServiceID)
	if err != nil {
		return fmt.Errorf("dxl: register service: %w", err)
	}
	reg.ServiceID = id

	m.mu.Lock()
	if _, ok := m.services[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("dxl: service %s already registered", id)
	}
	m.services[id] = reg
	m.mu.Unlock()

	reg.setState(ServiceRegistering)
	for _, topicName := range reg.Topics() {
		m.client.dispatcher.setRequestCallback(topicName, reg.callback(topicName))
		if err := m.client.subscribeFilter(topicName); err != nil {
			m.rollback(reg)
			return err
		}
	}

	if err := m.publishRegistration(reg, timeout, wait); err != nil {
		m.rollback(reg)
		return err
	}
	reg.setState(ServiceActive)
	log.Printf("service registered: type=%s, service=%s, topics=%v", reg.ServiceType, reg.ServiceID, reg.Topics())
	return nil
}

func (m *serviceManager) rollback(reg *ServiceRegistration) {
	m.mu.Lock()
	delete(m.services, reg.ServiceID)
	m.mu.Unlock()
	for _, topicName := range reg.Topics() {
		m.client.dispatcher.removeRequestCallback(topicName)
		_ = m.client.unsubscribeFilter(topicName)
	}
	reg.setState(ServiceUnregistered)
}

func (m *serviceManager) publishRegistration(reg *ServiceRegistration, timeout time.Duration, wait bool) error {
	payload, err := reg.registerPayload()
	if err != nil {
		return err
	}
	req := message.NewRequest(TopicServiceRegisterRequest)
	req.Payload = payload
	if !wait {
		return m.client.requests.AsyncRequest(req, nil, 0)
	}
	resp, err := m.client.requests.SyncRequest(req, timeout)
	if err != nil {
		return err
	}
	if e, ok := resp.(*message.ErrorResponse); ok {
		return fmt.Errorf("dxl: register service %s: fabric error %d: %s", reg.ServiceID, e.Code, e.Text)
	}
	return nil
}

func (m *serviceManager) unregisterSync(reg *ServiceRegistration, timeout time.Duration) error {
	m.mu.Lock()
	stored, ok := m.services[reg.ServiceID]
	if ok {
		delete(m.services, reg.ServiceID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("dxl: service %s is not registered", reg.ServiceID)
	}
	stored.setState(ServiceUnregistering)
	m.stopTTL(stored)

	payload, err := json.Marshal(registryUnregisterEntry{ServiceGUID: stored.ServiceID})
	if err != nil {
		return err
	}
	req := message.NewRequest(TopicServiceUnregisterRequest)
	req.Payload = payload
	resp, rerr := m.client.requests.SyncRequest(req, timeout)

	for _, topicName := range stored.Topics() {
		m.client.dispatcher.removeRequestCallback(topicName)
		if err := m.client.unsubscribeFilter(topicName); err != nil {
			log.Printf("service unsubscribe failed: topic=%s, err=%v", topicName, err)
		}
	}
	stored.setState(ServiceUnregistered)
	log.Printf("service unregistered: type=%s, service=%s", stored.ServiceType, stored.ServiceID)

	if rerr != nil {
		return rerr
	}
	if e, ok := resp.(*message.ErrorResponse); ok {
		return fmt.Errorf("dxl: unregister service %s: fabric error %d: %s", stored.ServiceID, e.Code, e.Text)
	}
	return nil
}

// startTTL launches the per-registration refresh loop.
func (m *serviceManager) startTTL(reg *ServiceRegistration) {
	stop := make(chan struct{})
	reg.mu.Lock()
	reg.stopTTL = stop
	reg.mu.Unlock()

	interval := m.ttlInterval(reg.TTL)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !m.client.IsConnected() {
					continue
				}
				reg.setState(ServiceRefreshing)
				if err := m.refresh(reg); err != nil {
					log.Printf("service refresh failed: service=%s, err=%v", reg.ServiceID, err)
				}
				reg.setState(ServiceActive)
			}
		}
	}()
}

func (m *serviceManager) stopTTL(reg *ServiceRegistration) {
	reg.mu.Lock()
	stop := reg.stopTTL
	reg.stopTTL = nil
	reg.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// refresh re-publishes the register JSON without waiting for a response.
func (m *serviceManager) refresh(reg *ServiceRegistration) error {
	payload, err := reg.registerPayload()
	if err != nil {
		return err
	}
	req := message.NewRequest(TopicServiceRegisterRequest)
	req.Payload = payload
	return m.client.requests.AsyncRequest(req, nil, 0)
}

// reannounce re-publishes every active registration; runs during the
// post-connect replay, before queued publishes flush.
func (m *serviceManager) reannounce() {
	m.mu.Lock()
	regs := make([]*ServiceRegistration, 0, len(m.services))
	for _, r := range m.services {
		regs = append(regs, r)
	}
	m.mu.Unlock()
	for _, reg := range regs {
		if err := m.refresh(reg); err != nil {
			log.Printf("service reannounce failed: service=%s, err=%v", reg.ServiceID, err)
		}
	}
}

// close stops every TTL loop without touching the fabric.
func (m *serviceManager) close() {
	m.mu.Lock()
	regs := make([]*ServiceRegistration, 0, len(m.services))
	for _, r := range m.services {
		regs = append(regs, r)
	}
	m.services = make(map[string]*ServiceRegistration)
	m.mu.Unlock()
	for _, reg := range regs {
		m.stopTTL(reg)
		reg.setState(ServiceUnregistered)
	}
}
