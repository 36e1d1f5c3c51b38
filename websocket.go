package dxl

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// openConnection dials one candidate URI for the MQTT driver, applying
// TLS and the configured proxy. For wss URIs the WebSocket connection is
// wrapped so the driver sees a plain net.Conn.
func (t *transport) openConnection(uri *url.URL, tlsCfg *tls.Config) (net.Conn, error) {
	switch uri.Scheme {
	case "ws", "wss":
		return t.dialWebSocket(uri, tlsCfg)
	case "ssl", "tls", "mqtts", "tcps":
		raw, err := t.dialTCP(uri.Host)
		if err != nil {
			return nil, err
		}
		cfg := tlsCfg.Clone()
		cfg.ServerName = uri.Hostname()
		conn := tls.Client(raw, cfg)
		if err := conn.Handshake(); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("dxl: tls handshake with %s: %w", uri.Host, err)
		}
		return conn, nil
	default:
		return t.dialTCP(uri.Host)
	}
}

func (t *transport) dialWebSocket(uri *url.URL, tlsCfg *tls.Config) (net.Conn, error) {
	cfg := tlsCfg.Clone()
	cfg.ServerName = uri.Hostname()
	dialer := websocket.Dialer{
		TLSClientConfig:  cfg,
		HandshakeTimeout: t.cfg.ConnectTimeout,
		Subprotocols:     []string{"mqtt"},
	}
	if u := t.proxyHTTPURL(); u != nil {
		dialer.Proxy = http.ProxyURL(u)
	}
	conn, _, err := dialer.Dial(uri.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dxl: websocket dial %s: %w", uri.Host, err)
	}
	return newWSConn(conn), nil
}

// dialTCP opens the raw TCP leg, directly or through the configured
// proxy (HTTP CONNECT, or SOCKS5 when the address carries a socks5://
// scheme).
func (t *transport) dialTCP(hostPort string) (net.Conn, error) {
	p := t.cfg.Proxy
	if p == nil || p.Address == "" {
		return net.DialTimeout("tcp", hostPort, t.cfg.ConnectTimeout)
	}
	if strings.HasPrefix(p.Address, "socks5://") {
		return t.dialSOCKS5(p, hostPort)
	}
	return t.dialHTTPConnect(p, hostPort)
}

func (t *transport) dialSOCKS5(p *Proxy, hostPort string) (net.Conn, error) {
	var auth *proxy.Auth
	if p.User != "" {
		auth = &proxy.Auth{User: p.User, Password: p.Password}
	}
	addr := net.JoinHostPort(strings.TrimPrefix(p.Address, "socks5://"), strconv.Itoa(p.Port))
	d, err := proxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: t.cfg.ConnectTimeout})
	if err != nil {
		return nil, fmt.Errorf("dxl: socks5 proxy %s: %w", addr, err)
	}
	conn, err := d.Dial("tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("dxl: socks5 dial %s: %w", hostPort, err)
	}
	return conn, nil
}

// dialHTTPConnect tunnels through the proxy with an HTTP CONNECT.
func (t *transport) dialHTTPConnect(p *Proxy, hostPort string) (net.Conn, error) {
	addr := net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
	conn, err := net.DialTimeout("tcp", addr, t.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dxl: proxy dial %s: %w", addr, err)
	}
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", hostPort, hostPort)
	if p.User != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(p.User + ":" + p.Password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"
	deadline := time.Now().Add(t.cfg.ConnectTimeout)
	_ = conn.SetDeadline(deadline)
	if _, err := io.WriteString(conn, req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dxl: proxy connect %s: %w", hostPort, err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dxl: proxy connect %s: %w", hostPort, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("dxl: proxy connect %s: status %s", hostPort, resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (t *transport) proxyHTTPURL() *url.URL {
	p := t.cfg.Proxy
	if p == nil || p.Address == "" {
		return nil
	}
	u := &url.URL{Scheme: "http", Host: net.JoinHostPort(p.Address, strconv.Itoa(p.Port))}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u
}

// wsConn adapts a WebSocket connection to net.Conn for the MQTT driver.
// MQTT packets may be chunked over several binary messages or coalesced
// into one, so reads hold on to the current message reader until it is
// exhausted.
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, reader, err := c.conn.NextReader()
			if _, ok := err.(*websocket.CloseError); ok {
				return 0, io.EOF
			}
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				return 0, fmt.Errorf("dxl: non-binary websocket message")
			}
			c.reader = reader
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	w, err := c.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.Close()
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	return c.conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
