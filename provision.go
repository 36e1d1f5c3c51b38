package dxl

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-io/requests"
)

// provisionPath is the management-service command that signs a client
// CSR and returns the broker list.
const provisionPath = "/remote/DxlClientMgmt.generateOpenDXLClientProvisioningPackageCmd"

// ProvisionOptions drives HTTPS provisioning against the management
// service. The command-line front end is out of scope; this is the
// library half it is built on.
type ProvisionOptions struct {
	// Host and Port locate the management service.
	Host string
	Port int
	// User and Password authenticate the provisioning call.
	User     string
	Password string
	// CommonName is the subject CN of the generated client certificate.
	CommonName string
	// ConfigDir receives the written key, certificates and config file.
	ConfigDir string
	// Timeout bounds the HTTP exchange. Zero means one minute.
	Timeout time.Duration
}

// provisionReply is the management service's response body.
type provisionReply struct {
	ClientCertificate string   `json:"clientCertificate"`
	BrokerCertChain   string   `json:"brokerCertChain"`
	Brokers           []string `json:"brokers"`
	BrokersWebSockets []string `json:"brokersWebSockets"`
}

// Provision generates a keypair and CSR, has the management service sign
// it, and writes the certificate files plus a loadable client config
// into opts.ConfigDir. It returns the resulting config.
func Provision(ctx context.Context, opts ProvisionOptions) (*Config, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("dxl: provision: no host")
	}
	if opts.CommonName == "" {
		return nil, fmt.Errorf("dxl: provision: no common name")
	}
	if opts.Port == 0 {
		opts.Port = 8443
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	key, csrPEM, err := generateCSR(opts.CommonName)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{"csrString": string(csrPEM)})
	if err != nil {
		return nil, err
	}
	sess := requests.New(requests.Timeout(timeout))
	cred := base64.StdEncoding.EncodeToString([]byte(opts.User + ":" + opts.Password))
	resp, err := sess.DoRequest(ctx,
		requests.URL(fmt.Sprintf("https://%s:%d", opts.Host, opts.Port)),
		requests.Path(provisionPath),
		requests.Header("content-type", "application/json"),
		requests.Header("Authorization", "Basic "+cred),
		requests.Body(body),
	)
	if err != nil {
		return nil, fmt.Errorf("dxl: provision request: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("dxl: provision request: status code=%d", resp.StatusCode)
	}
	var reply provisionReply
	if err := json.Unmarshal(resp.Content.Bytes(), &reply); err != nil {
		return nil, fmt.Errorf("dxl: provision response: %w", err)
	}

	if err := os.MkdirAll(opts.ConfigDir, 0o755); err != nil {
		return nil, internalf("create config dir: %w", err)
	}
	keyPath := filepath.Join(opts.ConfigDir, "client.key")
	certPath := filepath.Join(opts.ConfigDir, "client.crt")
	caPath := filepath.Join(opts.ConfigDir, "ca-bundle.crt")
	if err := writeKey(keyPath, key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(certPath, []byte(reply.ClientCertificate), 0o644); err != nil {
		return nil, internalf("write client certificate: %w", err)
	}
	if err := os.WriteFile(caPath, []byte(reply.BrokerCertChain), 0o644); err != nil {
		return nil, internalf("write broker cert chain: %w", err)
	}

	cfg := NewConfig(caPath, certPath, keyPath, nil)
	if cfg.Brokers, err = parseProvisionedBrokers(reply.Brokers, false); err != nil {
		return nil, err
	}
	if cfg.WebSocketBrokers, err = parseProvisionedBrokers(reply.BrokersWebSockets, true); err != nil {
		return nil, err
	}
	cfg.UseWebSockets = len(cfg.Brokers) == 0 && len(cfg.WebSocketBrokers) > 0

	configPath := filepath.Join(opts.ConfigDir, "dxlclient.config")
	if err := cfg.Write(configPath); err != nil {
		return nil, err
	}
	log.Printf("provisioned: cn=%s, brokers=%d, dir=%s", opts.CommonName, len(cfg.Brokers)+len(cfg.WebSocketBrokers), opts.ConfigDir)
	return cfg, nil
}

func parseProvisionedBrokers(entries []string, webSockets bool) ([]*Broker, error) {
	var out []*Broker
	for _, e := range entries {
		b, err := ParseBroker(e)
		if err != nil {
			return nil, fmt.Errorf("dxl: provision response: %w", err)
		}
		b.WebSockets = webSockets
		out = append(out, b)
	}
	return out, nil
}

func generateCSR(commonName string) (*rsa.PrivateKey, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, internalf("generate key: %w", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: commonName},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	if err != nil {
		return nil, nil, internalf("create csr: %w", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

func writeKey(path string, key *rsa.PrivateKey) error {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return internalf("write private key: %w", err)
	}
	return nil
}
