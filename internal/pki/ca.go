// Package pki is the internal certificate authority described in
// spec.md §4.4: one CA per network, issuing short-lived host and user
// certificates. It is grounded on the teacher's deterministic,
// seed-derived CA (internal/pki/ca.go in the otterscale agent),
// generalised from a single global CA to one CA per network and from
// a fixed CommonName to the two CN shapes AHA validates against.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"golang.org/x/crypto/hkdf"
)

// hostCertValidity and userCertValidity mirror spec.md §4.4's
// "short-lived" requirement; hosts renew far more often than
// interactive users reasonably can.
const (
	hostCertValidity = 24 * time.Hour
	userCertValidity = 7 * 24 * time.Hour
)

// caEpoch anchors the deterministic CA certificate's NotBefore so
// that regenerating a CA from the same seed is byte-identical across
// restarts, the same trick the teacher used for its single CA.
var caEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// CA is one network's self-signed certificate authority.
type CA struct {
	Network string
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
}

// NewCAFromSeed deterministically derives a network's CA from seed
// (the cell's root secret combined with the network name). Calling it
// twice with the same seed and network produces a byte-identical
// certificate, which is what makes genCaCert idempotent: a follower
// or a restarted leader can reconstruct the same CA without ever
// persisting the private key.
func NewCAFromSeed(seed, network string) (*CA, error) {
	key, err := deriveKey(seed, "ca/"+network)
	if err != nil {
		return nil, fmt.Errorf("pki: derive CA key for %s: %w", network, err)
	}
	serial := deriveSerial(seed, "ca-serial/"+network)

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"aha"},
			CommonName:   network,
		},
		NotBefore:             caEpoch,
		NotAfter:              caEpoch.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	signReader := hkdf.New(sha256.New, []byte(seed), nil, []byte("ca-sign/"+network))
	certDER, err := x509.CreateCertificate(signReader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("pki: create CA cert for %s: %w", network, err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("pki: parse CA cert for %s: %w", network, err)
	}

	return &CA{
		Network: network,
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
	}, nil
}

// CertPEM returns the PEM-encoded CA certificate.
func (ca *CA) CertPEM() []byte {
	return ca.certPEM
}

// signCSR validates a PEM-encoded CSR whose CommonName already passed
// the host/user shape check and returns a certificate of the
// requested validity and usage signed by this CA.
func (ca *CA) signCSR(csrPEM []byte, validity time.Duration, extUsage x509.ExtKeyUsage) ([]byte, string, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, "", fmt.Errorf("pki: invalid CSR PEM")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, "", fmt.Errorf("pki: parse CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, "", fmt.Errorf("pki: CSR signature invalid: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{extUsage},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, csr.PublicKey, ca.key)
	if err != nil {
		return nil, "", fmt.Errorf("pki: sign certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	return certPEM, serial.String(), nil
}

// GenerateServerCert issues a TLS server certificate for the CA's own
// listener (e.g. the leader's dmon:listen address), with hosts as
// Subject Alternative Names.
func (ca *CA) GenerateServerCert(hosts ...string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: generate server key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"aha"},
			CommonName:   ca.Network,
		},
		NotBefore:   now.Add(-5 * time.Minute),
		NotAfter:    now.Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: create server cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: marshal server key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), nil
}

// GenerateKey creates a new ECDSA P-256 private key suitable for a CSR.
func GenerateKey() (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: generate key: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: marshal key: %w", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), nil
}

// GenerateCSR creates a PEM-encoded PKCS#10 CSR with the given CN.
func GenerateCSR(key *ecdsa.PrivateKey, cn string) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{Organization: []string{"aha"}, CommonName: cn},
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("pki: create CSR: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}), nil
}

func deriveKey(seed, label string) (*ecdsa.PrivateKey, error) {
	reader := hkdf.New(sha256.New, []byte(seed), nil, []byte(label))
	return ecdsa.GenerateKey(elliptic.P256(), reader)
}

func deriveSerial(seed, label string) *big.Int {
	h := sha256.Sum256([]byte(label + ":" + seed))
	serial := new(big.Int).SetBytes(h[:16])
	serial.Abs(serial)
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}
	return serial
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("pki: generate serial: %w", err)
	}
	return serial, nil
}
