package dxl

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opendxl/opendxl-client-go/guid"
	"gopkg.in/ini.v1"
)

// Proxy carries the optional HTTP CONNECT (or socks5://) proxy settings.
type Proxy struct {
	Address  string
	Port     int
	User     string
	Password string
}

// Config is the client configuration record. It is built once and treated
// as immutable after the client is constructed.
type Config struct {
	// UniqueID is the client identity, a brace-wrapped lowercase UUID,
	// used as the MQTT client id and in the reply-to topic.
	UniqueID string

	Brokers          []*Broker
	WebSocketBrokers []*Broker
	UseWebSockets    bool

	// PEM paths: the broker CA bundle, the client certificate and its
	// private key.
	BrokerCACertChainPath string
	CertFilePath          string
	PrivateKeyPath        string

	// TLSInsecureHostname disables broker hostname verification.
	TLSInsecureHostname bool

	KeepAliveInterval   time.Duration
	ConnectTimeout      time.Duration
	DisconnectTimeout   time.Duration
	OperationTimeToWait time.Duration

	// ConnectRetries bounds reconnect attempts; -1 retries forever.
	ConnectRetries             int
	ReconnectDelay             time.Duration
	ReconnectDelayMax          time.Duration
	ReconnectBackOffMultiplier float64
	ReconnectDelayRandom       float64

	IncomingQueueSize int
	IncomingPoolSize  int

	BrokerPingTimeout          time.Duration
	AsyncCallbackCheckInterval time.Duration
	ServiceTTLGracePeriod      time.Duration
	ServiceTTLLowerLimit       time.Duration

	Proxy *Proxy
}

// NewConfig returns a config with a fresh client id and documented
// defaults, then applies any DXL_* environment overrides.
func NewConfig(caCertChain, certFile, privateKey string, brokers []*Broker) *Config {
	cfg := &Config{
		UniqueID:              guid.New(),
		Brokers:               brokers,
		BrokerCACertChainPath: caCertChain,
		CertFilePath:          certFile,
		PrivateKeyPath:        privateKey,

		KeepAliveInterval:   30 * time.Minute,
		ConnectTimeout:      30 * time.Second,
		DisconnectTimeout:   60 * time.Second,
		OperationTimeToWait: 2 * time.Minute,

		ConnectRetries:             -1,
		ReconnectDelay:             time.Second,
		ReconnectDelayMax:          60 * time.Second,
		ReconnectBackOffMultiplier: 2,
		ReconnectDelayRandom:       0.25,

		IncomingQueueSize: 16384,
		IncomingPoolSize:  1,

		BrokerPingTimeout:          time.Second,
		AsyncCallbackCheckInterval: 5 * time.Second,
		ServiceTTLGracePeriod:      10 * time.Minute,
		ServiceTTLLowerLimit:       60 * time.Second,
	}
	cfg.applyEnv()
	return cfg
}

// activeBrokers returns the list the transport connects to.
func (c *Config) activeBrokers() []*Broker {
	if c.UseWebSockets {
		return c.WebSocketBrokers
	}
	return c.Brokers
}

func (c *Config) applyEnv() {
	envInt("DXL_CONNECT_RETRIES", &c.ConnectRetries)
	envDuration("DXL_RECONNECT_DELAY", &c.ReconnectDelay)
	envDuration("DXL_RECONNECT_DELAY_MAX", &c.ReconnectDelayMax)
	envFloat("DXL_RECONNECT_BACKOFF_MULTIPLIER", &c.ReconnectBackOffMultiplier)
	envFloat("DXL_RECONNECT_DELAY_RANDOM", &c.ReconnectDelayRandom)
	envInt("DXL_INCOMING_QUEUE_SIZE", &c.IncomingQueueSize)
	envInt("DXL_INCOMING_POOL_SIZE", &c.IncomingPoolSize)
	envScaled("DXL_BROKER_PING_TIMEOUT_MS", time.Millisecond, &c.BrokerPingTimeout)
	envScaled("DXL_ASYNC_CALLBACK_CHECK_INTERVAL_S", time.Second, &c.AsyncCallbackCheckInterval)
}

func envInt(key string, out *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*out = n
		}
	}
}

func envFloat(key string, out *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*out = f
		}
	}
}

func envDuration(key string, out *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*out = d
		}
	}
}

// envScaled reads a bare integer and applies the unit named by the
// variable's suffix (_MS, _S).
func envScaled(key string, unit time.Duration, out *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*out = time.Duration(n) * unit
		}
	}
}

// LoadConfig reads a client configuration file. Certificate paths resolve
// relative to the file's directory when not absolute.
func LoadConfig(path string) (*Config, error) {
	// Broker values carry ";" separators, so inline comments are off.
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, internalf("load config %s: %w", path, err)
	}
	dir := filepath.Dir(path)

	certs := f.Section("Certs")
	cfg := NewConfig(
		resolvePath(dir, certs.Key("BrokerCertChain").String()),
		resolvePath(dir, certs.Key("CertFile").String()),
		resolvePath(dir, certs.Key("PrivateKey").String()),
		nil,
	)

	if cfg.Brokers, err = loadBrokerSection(f, "Brokers", false); err != nil {
		return nil, err
	}
	if cfg.WebSocketBrokers, err = loadBrokerSection(f, "BrokersWebSockets", true); err != nil {
		return nil, err
	}

	general := f.Section("General")
	if general.HasKey("UseWebSockets") {
		use, err := parseBool(general.Key("UseWebSockets").String())
		if err != nil {
			return nil, fmt.Errorf("dxl: config %s: %w", path, err)
		}
		cfg.UseWebSockets = use
	} else {
		cfg.UseWebSockets = len(cfg.Brokers) == 0 && len(cfg.WebSocketBrokers) > 0
	}

	if p, err := f.GetSection("Proxy"); err == nil {
		port, _ := p.Key("Port").Int()
		cfg.Proxy = &Proxy{
			Address:  p.Key("Address").String(),
			Port:     port,
			User:     p.Key("User").String(),
			Password: p.Key("Password").String(),
		}
	}
	return cfg, nil
}

func loadBrokerSection(f *ini.File, name string, webSockets bool) ([]*Broker, error) {
	sec, err := f.GetSection(name)
	if err != nil {
		return nil, nil
	}
	var brokers []*Broker
	for _, key := range sec.Keys() {
		b, err := ParseBroker(key.String())
		if err != nil {
			return nil, fmt.Errorf("dxl: [%s] %s: %w", name, key.Name(), err)
		}
		if id, err := guid.Normalize(key.Name()); err != nil || id != b.ID {
			return nil, fmt.Errorf("%w: [%s] key %q does not match id %q", ErrMalformedBroker, name, key.Name(), b.ID)
		}
		b.WebSockets = webSockets
		brokers = append(brokers, b)
	}
	return brokers, nil
}

// Write emits the configuration file form read by LoadConfig. Comments of
// a previously loaded file are not preserved.
func (c *Config) Write(path string) error {
	f := ini.Empty()

	general, err := f.NewSection("General")
	if err != nil {
		return err
	}
	if _, err := general.NewKey("UseWebSockets", strconv.FormatBool(c.UseWebSockets)); err != nil {
		return err
	}

	certs, err := f.NewSection("Certs")
	if err != nil {
		return err
	}
	certs.NewKey("BrokerCertChain", c.BrokerCACertChainPath)
	certs.NewKey("CertFile", c.CertFilePath)
	certs.NewKey("PrivateKey", c.PrivateKeyPath)

	brokers, err := f.NewSection("Brokers")
	if err != nil {
		return err
	}
	for _, b := range c.Brokers {
		brokers.NewKey(b.ID, b.entry())
	}
	ws, err := f.NewSection("BrokersWebSockets")
	if err != nil {
		return err
	}
	for _, b := range c.WebSocketBrokers {
		ws.NewKey(b.ID, b.entry())
	}

	if c.Proxy != nil {
		p, err := f.NewSection("Proxy")
		if err != nil {
			return err
		}
		p.NewKey("Address", c.Proxy.Address)
		p.NewKey("Port", strconv.Itoa(c.Proxy.Port))
		p.NewKey("User", c.Proxy.User)
		p.NewKey("Password", c.Proxy.Password)
	}
	if err := f.SaveTo(path); err != nil {
		return internalf("write config %s: %w", path, err)
	}
	return nil
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// parseBool accepts the config file's boolean vocabulary, case-insensitive.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on", "1", "true":
		return true, nil
	case "no", "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
