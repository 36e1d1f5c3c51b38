package dxl

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateCSR(t *testing.T) {
	key, csrPEM, err := generateCSR("client1")
	if err != nil {
		t.Fatalf("generateCSR: %v", err)
	}
	if key == nil {
		t.Fatal("no key generated")
	}
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		t.Fatalf("bad PEM block: %v", block)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificateRequest: %v", err)
	}
	if csr.Subject.CommonName != "client1" {
		t.Errorf("CommonName = %q, want client1", csr.Subject.CommonName)
	}
	if err := csr.CheckSignature(); err != nil {
		t.Errorf("CheckSignature: %v", err)
	}
}

func TestWriteKey(t *testing.T) {
	key, _, err := generateCSR("client1")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "client.key")
	if err := writeKey(path, key); err != nil {
		t.Fatalf("writeKey: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		t.Fatalf("bad key PEM: %v", block)
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		t.Errorf("ParsePKCS1PrivateKey: %v", err)
	}
}

func TestParseProvisionedBrokers(t *testing.T) {
	brokers, err := parseProvisionedBrokers([]string{
		testBrokerID + ";8883;broker.example.com;10.0.0.5",
		"8883;legacy.example.com",
	}, false)
	if err != nil {
		t.Fatalf("parseProvisionedBrokers: %v", err)
	}
	if len(brokers) != 2 {
		t.Fatalf("len = %d", len(brokers))
	}
	if brokers[0].ID != testBrokerID || brokers[1].Host != "legacy.example.com" {
		t.Errorf("brokers = %+v, %+v", brokers[0], brokers[1])
	}

	if _, err := parseProvisionedBrokers([]string{"nonsense"}, false); err == nil {
		t.Error("malformed entry should fail")
	}
}

func TestProvisionValidatesOptions(t *testing.T) {
	if _, err := Provision(context.Background(), ProvisionOptions{}); err == nil {
		t.Error("Provision without a host should fail")
	}
	if _, err := Provision(context.Background(), ProvisionOptions{Host: "h"}); err == nil {
		t.Error("Provision without a common name should fail")
	}
}
