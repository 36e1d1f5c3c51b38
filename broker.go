package dxl

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opendxl/opendxl-client-go/guid"
	"golang.org/x/sync/errgroup"
)

// Broker describes one MQTT server node of the fabric. Records are built
// by the config loader or the provisioning response; only the probe step
// mutates them, and it works on clones.
type Broker struct {
	ID         string
	Port       int
	Host       string
	IPAddress  string
	WebSockets bool

	// Probe results.
	Responded      bool
	ResponseTime   time.Duration
	ResponseFromIP bool
}

// ParseBroker parses the value half of a config broker entry:
// "<id>;<port>;<host>;<ip>". The ip is optional, and the legacy
// "<port>;<host>" form is accepted with a synthesized id.
func ParseBroker(s string) (*Broker, error) {
	parts := strings.Split(strings.TrimSpace(s), ";")
	b := &Broker{}
	switch len(parts) {
	case 2:
		b.ID = guid.New()
		parts = append([]string{b.ID}, parts...)
	case 3, 4:
		id, err := guid.Normalize(parts[0])
		if err != nil {
			return nil, fmt.Errorf("%w: id %q", ErrMalformedBroker, parts[0])
		}
		b.ID = id
	default:
		return nil, fmt.Errorf("%w: %q", ErrMalformedBroker, s)
	}
	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: port %q", ErrMalformedBroker, parts[1])
	}
	b.Port = port
	if b.Host = strings.TrimSpace(parts[2]); b.Host == "" {
		return nil, fmt.Errorf("%w: empty host in %q", ErrMalformedBroker, s)
	}
	if len(parts) == 4 {
		b.IPAddress = strings.TrimSpace(parts[3])
	}
	return b, nil
}

// ToServerURI returns the broker URI under its hostname: ssl://host:port,
// or wss://host:port/mqtt for WebSocket brokers.
func (b *Broker) ToServerURI() string {
	return b.uri(b.Host)
}

// ToAlternativeServerURI returns the broker URI under its IP literal, or
// "" when no IP is recorded.
func (b *Broker) ToAlternativeServerURI() string {
	if b.IPAddress == "" {
		return ""
	}
	return b.uri(b.IPAddress)
}

func (b *Broker) uri(host string) string {
	if b.WebSockets {
		return fmt.Sprintf("wss://%s/mqtt", net.JoinHostPort(host, strconv.Itoa(b.Port)))
	}
	return fmt.Sprintf("ssl://%s", net.JoinHostPort(host, strconv.Itoa(b.Port)))
}

// entry returns the config file form "<id>;<port>;<host>;<ip>".
func (b *Broker) entry() string {
	v := fmt.Sprintf("%s;%d;%s", b.ID, b.Port, b.Host)
	if b.IPAddress != "" {
		v += ";" + b.IPAddress
	}
	return v
}

// Clone returns a deep copy, used by the probe step so that the stored
// broker list is never mutated concurrently.
func (b *Broker) Clone() *Broker {
	c := *b
	return &c
}

// probe attempts a raw TCP connect against the hostname, then against the
// IP literal, recording the latency of whichever responded.
func (b *Broker) probe(ctx context.Context, timeout time.Duration) {
	addrs := []struct {
		host   string
		fromIP bool
	}{{b.Host, false}}
	if b.IPAddress != "" && b.IPAddress != b.Host {
		addrs = append(addrs, struct {
			host   string
			fromIP bool
		}{b.IPAddress, true})
	}
	for _, a := range addrs {
		start := time.Now()
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a.host, strconv.Itoa(b.Port)))
		if err != nil {
			continue
		}
		_ = conn.Close()
		b.Responded = true
		b.ResponseTime = time.Since(start)
		b.ResponseFromIP = a.fromIP
		return
	}
}

// probeConcurrency bounds the broker probe fan-out.
const probeConcurrency = 20

// sortBrokers clones and probes brokers concurrently, then returns the
// clones ordered by ascending measured latency with non-responders
// appended at the tail. The whole step is bounded by five ping timeouts.
func sortBrokers(ctx context.Context, brokers []*Broker, pingTimeout time.Duration) []*Broker {
	ctx, cancel := context.WithTimeout(ctx, 5*pingTimeout)
	defer cancel()

	clones := make([]*Broker, len(brokers))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(probeConcurrency)
	for i, b := range brokers {
		clones[i] = b.Clone()
		c := clones[i]
		group.Go(func() error {
			c.probe(ctx, pingTimeout)
			return nil
		})
	}
	_ = group.Wait()

	sort.SliceStable(clones, func(i, j int) bool {
		if clones[i].Responded != clones[j].Responded {
			return clones[i].Responded
		}
		return clones[i].Responded && clones[i].ResponseTime < clones[j].ResponseTime
	})
	for _, c := range clones {
		if c.Responded {
			log.Printf("broker probe: broker=%s, latency=%s, from_ip=%v", c.ID, c.ResponseTime, c.ResponseFromIP)
		} else {
			log.Printf("broker probe: broker=%s, no response", c.ID)
		}
	}
	return clones
}

// candidateURIs expands sorted brokers into the MQTT connect order: one
// URI for each responder (the address that answered the probe), and both
// the hostname and IP URIs for brokers that never answered.
func candidateURIs(brokers []*Broker) []brokerURI {
	var out []brokerURI
	for _, b := range brokers {
		switch {
		case b.Responded && b.ResponseFromIP:
			out = append(out, brokerURI{uri: b.ToAlternativeServerURI(), broker: b})
		case b.Responded:
			out = append(out, brokerURI{uri: b.ToServerURI(), broker: b})
		default:
			out = append(out, brokerURI{uri: b.ToServerURI(), broker: b})
			if alt := b.ToAlternativeServerURI(); alt != "" {
				out = append(out, brokerURI{uri: alt, broker: b})
			}
		}
	}
	return out
}

type brokerURI struct {
	uri    string
	broker *Broker
}
