// Package provclient implements the cell side of the provisioning
// redemption protocol of spec.md §4.6, steps 1-4: dial a "ssl://"
// provisioning URL, resolve the embedded one-time token, fetch the
// bundled startup configuration, generate a host key and CSR, and
// have it signed by the network CA. It is grounded on the teacher's
// internal/cmd/agent bootstrap flow (the agent redeems a manifest
// token against the server before it can serve traffic); AHA
// generalises this from a single fixed manifest call to the
// provisioning session's small bounded API (getProvInfo, signHostCsr,
// getCaCert).
//
// cmd/ahaprov, the standalone redemption CLI, dials through Redeem.
package provclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vertex-link/aha/internal/pki"
	"github.com/vertex-link/aha/internal/transport/rpc"
)

// Result is everything a successful redemption hands back: the
// startup configuration bundled into the token (spec.md §4.6's
// "{iden, conf}"), and the signed mTLS credentials the cell uses to
// reach the fabric from then on.
type Result struct {
	Iden string
	Conf map[string]any

	CACertPEM []byte
	CertPEM   []byte
	KeyPEM    []byte

	// Endpoint is the fabric address this cell dials into, read from
	// conf's "dmon:listen" entry (the leader's main RPC listener).
	Endpoint string
}

// dialTimeout bounds the initial TLS handshake to the provisioning
// port; spec.md does not fix a number, redemption is a one-shot
// bootstrap call so a short timeout is appropriate.
const dialTimeout = 10 * time.Second

// Redeem dials provisionURL ("ssl://host:port/token-iden"), resolves
// the token, and signs a host certificate for cn ("<name>.<network>").
// The provisioning port is server-authenticated-only (spec.md §4.6),
// so the client accepts whatever certificate the server presents on
// this first contact and trusts it from then on (trust-on-first-use);
// it has nothing else to verify against until GetCaCert returns the
// network's actual CA.
func Redeem(ctx context.Context, provisionURL, cn string) (*Result, error) {
	u, err := url.Parse(provisionURL)
	if err != nil {
		return nil, fmt.Errorf("provclient: parse %q: %w", provisionURL, err)
	}
	if u.Scheme != "ssl" {
		return nil, fmt.Errorf("provclient: %q is not a ssl:// provisioning URL", provisionURL)
	}
	iden := strings.TrimPrefix(u.Path, "/")
	if iden == "" {
		return nil, fmt.Errorf("provclient: %q has no token", provisionURL)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	var d tls.Dialer
	d.Config = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // TOFU: no CA to verify against until GetCaCert
	conn, err := d.DialContext(dialCtx, "tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("provclient: dial %s: %w", u.Host, err)
	}

	client := rpc.NewClient(conn)
	defer client.Close()

	if _, err := client.Call(ctx, "provision.hello", map[string]any{"iden": iden}, nil); err != nil {
		return nil, fmt.Errorf("provclient: hello: %w", err)
	}

	info, err := client.Call(ctx, "provision.getProvInfo", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("provclient: getProvInfo: %w", err)
	}
	fields, _ := info.(map[string]any)
	conf, _ := fields["conf"].(map[string]any)

	key, keyPEM, err := pki.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("provclient: generate key: %w", err)
	}
	csrPEM, err := pki.GenerateCSR(key, cn)
	if err != nil {
		return nil, fmt.Errorf("provclient: generate CSR: %w", err)
	}

	certResult, err := client.Call(ctx, "provision.signHostCsr", map[string]any{"csr": string(csrPEM)}, nil)
	if err != nil {
		return nil, fmt.Errorf("provclient: signHostCsr: %w", err)
	}
	certPEM, ok := certResult.(string)
	if !ok {
		return nil, fmt.Errorf("provclient: signHostCsr returned no certificate")
	}

	caResult, err := client.Call(ctx, "provision.getCaCert", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("provclient: getCaCert: %w", err)
	}
	caCertPEM, ok := caResult.(string)
	if !ok {
		return nil, fmt.Errorf("provclient: getCaCert returned no certificate")
	}

	return &Result{
		Iden:      iden,
		Conf:      conf,
		CACertPEM: []byte(caCertPEM),
		CertPEM:   []byte(certPEM),
		KeyPEM:    keyPEM,
		Endpoint:  dmonListen(conf),
	}, nil
}

func dmonListen(conf map[string]any) string {
	v, _ := conf["dmon:listen"].(string)
	return v
}

// ParsePort extracts the numeric port from a host:port string (a URL
// with a scheme or path is rejected),
// used by cmd/ahaprov to validate provinfo before writing cell.yaml
// (spec.md §6's "invalid-port" exit-code case).
func ParsePort(hostport string) (int, error) {
	_, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// VerifyLeafCert checks that certPEM was signed by caCertPEM, used by
// cmd/ahaprov immediately after redemption to fail loudly rather than
// write credentials that do not chain.
func VerifyLeafCert(caCertPEM, certPEM []byte) error {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return fmt.Errorf("provclient: failed to parse CA certificate")
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("provclient: failed to decode leaf certificate")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("provclient: parse leaf certificate: %w", err)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		return fmt.Errorf("provclient: leaf certificate does not chain to CA: %w", err)
	}
	return nil
}
