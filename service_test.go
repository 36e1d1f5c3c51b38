package dxl

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/opendxl/opendxl-client-go/guid"
	"github.com/opendxl/opendxl-client-go/message"
)

func TestNewServiceRegistration(t *testing.T) {
	reg := NewServiceRegistration("/mycompany/myservice")
	if !guid.Valid(reg.ServiceID) {
		t.Errorf("ServiceID = %q, want a guid", reg.ServiceID)
	}
	if reg.TTL != time.Hour {
		t.Errorf("TTL = %v, want 1h", reg.TTL)
	}
	if reg.State() != ServiceUnregistered {
		t.Errorf("State = %v, want unregistered", reg.State())
	}
}

func TestServiceTopics(t *testing.T) {
	reg := NewServiceRegistration("/mycompany/myservice")
	reg.AddTopic("/b", func(*message.Request) {})
	reg.AddTopic("/a", func(*message.Request) {})
	if got := reg.Topics(); !reflect.DeepEqual(got, []string{"/a", "/b"}) {
		t.Errorf("Topics = %v, want sorted [/a /b]", got)
	}
	if reg.callback("/a") == nil {
		t.Error("callback for /a missing")
	}
	if reg.callback("/c") != nil {
		t.Error("callback for unbound topic should be nil")
	}
}

func TestRegisterPayload(t *testing.T) {
	reg := NewServiceRegistration("/mycompany/myservice")
	reg.ServiceID = "{33333333-3333-3333-3333-333333333333}"
	reg.TTL = 30 * time.Minute
	reg.Metadata = map[string]string{"version": "1.0"}
	reg.AddTopic("/mycompany/myservice/rpc", func(*message.Request) {})

	payload, err := reg.registerPayload()
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["serviceType"] != "/mycompany/myservice" {
		t.Errorf("serviceType = %v", got["serviceType"])
	}
	if got["serviceGuid"] != reg.ServiceID {
		t.Errorf("serviceGuid = %v", got["serviceGuid"])
	}
	if got["ttlMins"] != float64(30) {
		t.Errorf("ttlMins = %v, want 30", got["ttlMins"])
	}
	channels, ok := got["requestChannels"].([]any)
	if !ok || len(channels) != 1 || channels[0] != "/mycompany/myservice/rpc" {
		t.Errorf("requestChannels = %v", got["requestChannels"])
	}
	meta, ok := got["metaData"].(map[string]any)
	if !ok || meta["version"] != "1.0" {
		t.Errorf("metaData = %v", got["metaData"])
	}
}

func TestRegisterPayloadFloorsTTL(t *testing.T) {
	reg := NewServiceRegistration("/mycompany/myservice")
	reg.TTL = 10 * time.Second
	payload, err := reg.registerPayload()
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatal(err)
	}
	if got["ttlMins"] != float64(1) {
		t.Errorf("ttlMins = %v, want floor of 1", got["ttlMins"])
	}
}

func TestTTLInterval(t *testing.T) {
	c := newTestClient(t)
	m := c.services

	if got := m.ttlInterval(time.Hour); got != 50*time.Minute {
		t.Errorf("ttlInterval(1h) = %v, want 50m", got)
	}
	// Below the grace period the lower limit applies.
	if got := m.ttlInterval(5 * time.Minute); got != c.cfg.ServiceTTLLowerLimit {
		t.Errorf("ttlInterval(5m) = %v, want %v", got, c.cfg.ServiceTTLLowerLimit)
	}
}

func TestRegisterServiceNotConnected(t *testing.T) {
	c := newTestClient(t)
	reg := NewServiceRegistration("/mycompany/myservice")
	reg.AddTopic("/mycompany/myservice/rpc", func(*message.Request) {})
	if err := c.RegisterServiceSync(reg, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RegisterServiceSync: err = %v, want ErrNotConnected", err)
	}
	if reg.State() != ServiceUnregistered {
		t.Errorf("State = %v, want unregistered after failure", reg.State())
	}
}

func TestUnregisterUnknownService(t *testing.T) {
	c := newTestClient(t)
	reg := NewServiceRegistration("/mycompany/myservice")
	if err := c.UnregisterServiceSync(reg, time.Second); err == nil {
		t.Error("unregistering an unknown service should fail")
	}
}

func TestServiceStateString(t *testing.T) {
	states := map[ServiceState]string{
		ServiceUnregistered:  "unregistered",
		ServiceRegistering:   "registering",
		ServiceActive:        "active",
		ServiceRefreshing:    "refreshing",
		ServiceUnregistering: "unregistering",
	}
	for s, want := range states {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
