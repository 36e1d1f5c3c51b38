package dxl

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateBackoff
	stateFailed
	stateStopped
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateBackoff:
		return "backoff"
	case stateFailed:
		return "failed"
	case stateStopped:
		return "stopped"
	}
	return "unknown"
}

type queuedPublish struct {
	topic   string
	payload []byte
	qos     byte
}

// transport owns the MQTT session: broker selection, TLS, proxy
// tunneling, keepalive and the reconnect state machine. Reconnection is
// driven here, not by the driver; the driver's auto-reconnect is off.
type transport struct {
	cfg *Config

	// connectMu serializes connect cycles (user connects and the
	// reconnect goroutine).
	connectMu sync.Mutex

	mu          sync.Mutex
	state       connState
	cli         paho.Client
	current     *Broker
	lastAttempt *url.URL
	stop        chan struct{}
	queued      []queuedPublish
	reconnect   bool

	// onMessage enqueues into the dispatch queue; it runs on the driver
	// thread and may block for backpressure.
	onMessage func(topic string, payload []byte)
	// onConnected replays subscriptions and service registrations and
	// flushes queued publishes; it runs before connect reports success.
	onConnected func()
	// onDisconnected observes a lost session.
	onDisconnected func(err error)
}

func newTransport(cfg *Config) *transport {
	return &transport{cfg: cfg, state: stateDisconnected}
}

func (t *transport) connState() connState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *transport) isConnected() bool {
	return t.connState() == stateConnected
}

func (t *transport) currentBrokerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ""
	}
	return t.current.ID
}

// connect blocks until a session is established or ConnectRetries is
// exhausted. Calling it while connected is a no-op.
func (t *transport) connect() error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.Lock()
	if t.state == stateConnected {
		t.mu.Unlock()
		return nil
	}
	t.stop = make(chan struct{})
	t.state = stateConnecting
	t.mu.Unlock()

	return t.connectLoop()
}

// connectLoop runs connect attempts separated by the backoff delay until
// one succeeds, the configured retries run out, or the transport is
// stopped.
func (t *transport) connectLoop() error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.ReconnectDelay
	bo.MaxInterval = t.cfg.ReconnectDelayMax
	bo.Multiplier = t.cfg.ReconnectBackOffMultiplier
	bo.RandomizationFactor = 0 // randomization is applied below, upward only
	bo.MaxElapsedTime = 0
	bo.Reset()

	stop := t.stopCh()
	for attempt := 0; ; attempt++ {
		if t.connState() == stateStopped {
			return fmt.Errorf("dxl: connect stopped: %w", ErrNotConnected)
		}
		select {
		case <-stop:
			return fmt.Errorf("dxl: connect stopped: %w", ErrNotConnected)
		default:
		}

		err := t.trySession()
		if err == nil {
			if t.onConnected != nil {
				t.onConnected()
			}
			return nil
		}
		log.Printf("connect attempt failed: client_id=%s, attempt=%d, err=%v", t.cfg.UniqueID, attempt, err)

		if retries := t.cfg.ConnectRetries; retries >= 0 && attempt >= retries {
			t.setState(stateFailed)
			return fmt.Errorf("dxl: %d attempts: %w", attempt+1, ErrNotConnectable)
		}

		delay := randomizedDelay(bo.NextBackOff(), t.cfg.ReconnectDelayRandom)
		t.setState(stateBackoff)
		log.Printf("connect backoff: client_id=%s, delay=%s", t.cfg.UniqueID, delay)
		select {
		case <-stop:
			return fmt.Errorf("dxl: connect stopped: %w", ErrNotConnected)
		case <-time.After(delay):
		}
		t.setState(stateConnecting)
	}
}

// randomizedDelay scales d by a random factor in [1, 1+random].
func randomizedDelay(d time.Duration, random float64) time.Duration {
	if random <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + rand.Float64()*random))
}

// trySession probes and ranks the active broker list, then lets the
// driver walk the candidate URIs in order.
func (t *transport) trySession() error {
	brokers := t.cfg.activeBrokers()
	if len(brokers) == 0 {
		return fmt.Errorf("dxl: no brokers configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
	sorted := sortBrokers(ctx, brokers, t.cfg.BrokerPingTimeout)
	cancel()
	cands := candidateURIs(sorted)

	tlsCfg, err := t.tlsConfig()
	if err != nil {
		return err
	}

	opts := paho.NewClientOptions()
	for _, c := range cands {
		opts.AddBroker(c.uri)
	}
	opts.SetClientID(t.cfg.UniqueID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(t.cfg.KeepAliveInterval)
	opts.SetConnectTimeout(t.cfg.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	opts.SetTLSConfig(tlsCfg)
	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsC *tls.Config) *tls.Config {
		t.mu.Lock()
		t.lastAttempt = broker
		t.mu.Unlock()
		log.Printf("connect attempt: client_id=%s, broker=%s", t.cfg.UniqueID, broker.Host)
		return tlsC
	})
	opts.SetCustomOpenConnectionFn(func(uri *url.URL, _ paho.ClientOptions) (net.Conn, error) {
		return t.openConnection(uri, tlsCfg)
	})
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		stat.BytesReceived.Add(float64(len(msg.Payload())))
		if t.onMessage != nil {
			t.onMessage(msg.Topic(), msg.Payload())
		}
	})
	opts.SetConnectionLostHandler(t.connectionLost)

	cli := paho.NewClient(opts)
	token := cli.Connect()
	wait := t.cfg.ConnectTimeout * time.Duration(len(cands)+1)
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("dxl: broker connect timed out after %s", wait)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("dxl: broker connect: %w", err)
	}

	t.mu.Lock()
	if t.state == stateStopped {
		t.mu.Unlock()
		cli.Disconnect(0)
		return fmt.Errorf("dxl: connect stopped: %w", ErrNotConnected)
	}
	t.cli = cli
	t.current = brokerForURL(t.lastAttempt, cands)
	t.state = stateConnected
	current := t.current
	t.mu.Unlock()

	stat.Connects.Inc()
	if current != nil {
		log.Printf("connected: client_id=%s, broker=%s", t.cfg.UniqueID, current.ID)
	} else {
		log.Printf("connected: client_id=%s", t.cfg.UniqueID)
	}
	return nil
}

func brokerForURL(u *url.URL, cands []brokerURI) *Broker {
	if u == nil {
		return nil
	}
	for _, c := range cands {
		parsed, err := url.Parse(c.uri)
		if err != nil {
			continue
		}
		if parsed.Host == u.Host {
			return c.broker
		}
	}
	return nil
}

// connectionLost runs on a driver thread when the session drops
// unexpectedly; it moves the machine to backoff and starts a single
// reconnect goroutine.
func (t *transport) connectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	if t.state == stateStopped {
		t.mu.Unlock()
		return
	}
	t.state = stateBackoff
	t.current = nil
	starting := !t.reconnect
	t.reconnect = true
	t.mu.Unlock()

	stat.Reconnects.Inc()
	log.Printf("connection lost: client_id=%s, err=%v", t.cfg.UniqueID, err)
	if t.onDisconnected != nil {
		t.onDisconnected(err)
	}
	if !starting {
		return
	}
	go func() {
		t.connectMu.Lock()
		defer t.connectMu.Unlock()
		defer func() {
			t.mu.Lock()
			t.reconnect = false
			t.mu.Unlock()
		}()
		if t.connState() == stateStopped {
			return
		}
		if err := t.connectLoop(); err != nil {
			log.Printf("reconnect abandoned: client_id=%s, err=%v", t.cfg.UniqueID, err)
		}
	}()
}

// disconnect sends DISCONNECT, waits up to DisconnectTimeout for in-flight
// work, and stops reconnect attempts.
func (t *transport) disconnect() error {
	t.mu.Lock()
	if t.state == stateStopped {
		t.mu.Unlock()
		return nil
	}
	t.state = stateStopped
	cli := t.cli
	t.cli = nil
	t.current = nil
	stop := t.stop
	t.stop = nil
	t.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if cli != nil {
		cli.Disconnect(uint(t.cfg.DisconnectTimeout.Milliseconds()))
	}
	log.Printf("disconnected: client_id=%s", t.cfg.UniqueID)
	return nil
}

func (t *transport) stopCh() chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop
}

func (t *transport) setState(s connState) {
	t.mu.Lock()
	if t.state != stateStopped {
		t.state = s
	}
	t.mu.Unlock()
}

// publish sends one frame. While a reconnect cycle is in flight the frame
// is queued, in order, and flushed after the post-connect replay.
func (t *transport) publish(topicName string, payload []byte, qos byte) error {
	t.mu.Lock()
	switch t.state {
	case stateConnected:
		cli := t.cli
		t.mu.Unlock()
		return t.publishNow(cli, topicName, payload, qos)
	case stateConnecting, stateBackoff:
		t.queued = append(t.queued, queuedPublish{topic: topicName, payload: payload, qos: qos})
		t.mu.Unlock()
		log.Printf("publish queued while reconnecting: topic=%s", topicName)
		return nil
	default:
		t.mu.Unlock()
		return fmt.Errorf("dxl: publish %s: %w", topicName, ErrNotConnected)
	}
}

func (t *transport) publishNow(cli paho.Client, topicName string, payload []byte, qos byte) error {
	if cli == nil {
		return fmt.Errorf("dxl: publish %s: %w", topicName, ErrNotConnected)
	}
	token := cli.Publish(topicName, qos, false, payload)
	if !token.WaitTimeout(t.cfg.OperationTimeToWait) {
		return fmt.Errorf("dxl: publish %s: %w", topicName, ErrWaitTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("dxl: publish %s: %w", topicName, err)
	}
	stat.MessagesSent.Inc()
	stat.BytesSent.Add(float64(len(payload)))
	return nil
}

// flushQueued replays publishes accepted during the reconnect window.
// Called after subscriptions and services have been re-established.
func (t *transport) flushQueued() {
	t.mu.Lock()
	queued := t.queued
	t.queued = nil
	cli := t.cli
	t.mu.Unlock()
	for _, q := range queued {
		if err := t.publishNow(cli, q.topic, q.payload, q.qos); err != nil {
			log.Printf("queued publish failed: topic=%s, err=%v", q.topic, err)
		}
	}
}

func (t *transport) subscribe(filter string) error {
	t.mu.Lock()
	cli := t.cli
	connected := t.state == stateConnected
	t.mu.Unlock()
	if !connected || cli == nil {
		return fmt.Errorf("dxl: subscribe %s: %w", filter, ErrNotConnected)
	}
	token := cli.Subscribe(filter, defaultQoS, nil)
	if !token.WaitTimeout(t.cfg.OperationTimeToWait) {
		return fmt.Errorf("dxl: subscribe %s: %w", filter, ErrWaitTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("dxl: subscribe %s: %w", filter, err)
	}
	return nil
}

func (t *transport) unsubscribe(filter string) error {
	t.mu.Lock()
	cli := t.cli
	connected := t.state == stateConnected
	t.mu.Unlock()
	if !connected || cli == nil {
		return fmt.Errorf("dxl: unsubscribe %s: %w", filter, ErrNotConnected)
	}
	token := cli.Unsubscribe(filter)
	if !token.WaitTimeout(t.cfg.OperationTimeToWait) {
		return fmt.Errorf("dxl: unsubscribe %s: %w", filter, ErrWaitTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("dxl: unsubscribe %s: %w", filter, err)
	}
	return nil
}

// tlsConfig builds the session TLS material, once per connect cycle.
func (t *transport) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{}
	if path := t.cfg.BrokerCACertChainPath; path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, internalf("read broker cert chain: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, internalf("broker cert chain %s holds no certificates", path)
		}
		cfg.RootCAs = pool
	}
	if t.cfg.CertFilePath != "" {
		cert, err := tls.LoadX509KeyPair(t.cfg.CertFilePath, t.cfg.PrivateKeyPath)
		if err != nil {
			return nil, internalf("load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if t.cfg.TLSInsecureHostname {
		// Skip only the hostname check; the chain is still verified.
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return fmt.Errorf("dxl: broker presented no certificate")
			}
			opts := x509.VerifyOptions{Roots: cfg.RootCAs, Intermediates: x509.NewCertPool()}
			for _, c := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(c)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	}
	return cfg, nil
}
