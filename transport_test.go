package dxl

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// The delay sequence for (d0, mult, max, rand) stays within
// d0·mult^k ≤ delay_k ≤ max·(1+rand).
func TestReconnectDelayBounds(t *testing.T) {
	const (
		d0     = 100 * time.Millisecond
		max    = 2 * time.Second
		mult   = 2.0
		random = 0.25
	)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d0
	bo.MaxInterval = max
	bo.Multiplier = mult
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	expected := float64(d0)
	for k := 0; k < 12; k++ {
		delay := randomizedDelay(bo.NextBackOff(), random)
		lower := time.Duration(expected)
		if lower > max {
			lower = max
		}
		upper := time.Duration(float64(max) * (1 + random))
		if delay < lower {
			t.Errorf("k=%d: delay %v below lower bound %v", k, delay, lower)
		}
		if delay > upper {
			t.Errorf("k=%d: delay %v above upper bound %v", k, delay, upper)
		}
		expected *= mult
	}
}

func TestRandomizedDelayNoRandomization(t *testing.T) {
	if got := randomizedDelay(time.Second, 0); got != time.Second {
		t.Errorf("randomizedDelay(1s, 0) = %v", got)
	}
}

func TestPublishWhileDisconnected(t *testing.T) {
	tr := newTransport(NewConfig("", "", "", nil))
	if err := tr.publish("/t", []byte("x"), 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("publish disconnected: err = %v, want ErrNotConnected", err)
	}
}

// Publishes during a reconnect cycle are queued in order for the
// post-connect flush.
func TestPublishQueuedDuringReconnect(t *testing.T) {
	tr := newTransport(NewConfig("", "", "", nil))
	tr.setState(stateBackoff)
	if err := tr.publish("/t", []byte("0"), 0); err != nil {
		t.Fatalf("publish during backoff: %v", err)
	}
	tr.setState(stateConnecting)
	if err := tr.publish("/t", []byte("1"), 0); err != nil {
		t.Fatalf("publish during connecting: %v", err)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.queued) != 2 {
		t.Fatalf("queued = %d, want 2", len(tr.queued))
	}
	if string(tr.queued[0].payload) != "0" || string(tr.queued[1].payload) != "1" {
		t.Error("queued publishes out of order")
	}
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	tr := newTransport(NewConfig("", "", "", nil))
	if err := tr.subscribe("/t"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("subscribe disconnected: err = %v, want ErrNotConnected", err)
	}
	if err := tr.unsubscribe("/t"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("unsubscribe disconnected: err = %v, want ErrNotConnected", err)
	}
}

func TestConnectNoBrokers(t *testing.T) {
	cfg := NewConfig("", "", "", nil)
	cfg.ConnectRetries = 0
	tr := newTransport(cfg)
	if err := tr.connect(); !errors.Is(err, ErrNotConnectable) {
		t.Errorf("connect with no brokers: err = %v, want ErrNotConnectable", err)
	}
	if got := tr.connState(); got != stateFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestConnectRetriesExhausted(t *testing.T) {
	cfg := NewConfig("", "", "", nil)
	cfg.ConnectRetries = 1
	cfg.ReconnectDelay = time.Millisecond
	cfg.ReconnectDelayMax = 2 * time.Millisecond
	cfg.BrokerPingTimeout = 50 * time.Millisecond
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.Brokers = []*Broker{{ID: "{dddd1111-2222-3333-4444-555566667777}", Port: 1, Host: "127.0.0.1"}}
	tr := newTransport(cfg)
	if err := tr.connect(); !errors.Is(err, ErrNotConnectable) {
		t.Errorf("connect: err = %v, want ErrNotConnectable", err)
	}
}

func TestDisconnectStopsStateMachine(t *testing.T) {
	tr := newTransport(NewConfig("", "", "", nil))
	tr.mu.Lock()
	tr.stop = make(chan struct{})
	tr.state = stateBackoff
	tr.mu.Unlock()
	if err := tr.disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := tr.connState(); got != stateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	// Idempotent.
	if err := tr.disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
}

func TestBrokerForURL(t *testing.T) {
	b1 := &Broker{ID: "{aaaa1111-2222-3333-4444-555566667777}", Port: 8883, Host: "h1"}
	b2 := &Broker{ID: "{bbbb1111-2222-3333-4444-555566667777}", Port: 8883, Host: "h2"}
	cands := candidateURIs([]*Broker{b1, b2})

	u, err := url.Parse("ssl://h2:8883")
	if err != nil {
		t.Fatal(err)
	}
	if got := brokerForURL(u, cands); got != b2 {
		t.Errorf("brokerForURL = %+v, want b2", got)
	}
	if got := brokerForURL(nil, cands); got != nil {
		t.Errorf("brokerForURL(nil) = %+v, want nil", got)
	}
}

// Unexpected TLS material failures carry ErrInternal with the cause in
// the chain.
func TestTLSConfigInternalError(t *testing.T) {
	cfg := NewConfig("/does/not/exist/ca.crt", "", "", nil)
	tr := newTransport(cfg)
	if _, err := tr.tlsConfig(); !errors.Is(err, ErrInternal) {
		t.Errorf("tlsConfig with missing CA bundle: err = %v, want ErrInternal", err)
	}

	cfg = NewConfig("", "/does/not/exist/client.crt", "/does/not/exist/client.key", nil)
	tr = newTransport(cfg)
	if _, err := tr.tlsConfig(); !errors.Is(err, ErrInternal) {
		t.Errorf("tlsConfig with missing keypair: err = %v, want ErrInternal", err)
	}
}

func TestConnStateString(t *testing.T) {
	states := map[connState]string{
		stateDisconnected: "disconnected",
		stateConnecting:   "connecting",
		stateConnected:    "connected",
		stateBackoff:      "backoff",
		stateFailed:       "failed",
		stateStopped:      "stopped",
	}
	for s, want := range states {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
