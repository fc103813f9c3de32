package pki

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/hive"
	"github.com/vertex-link/aha/internal/nexus"
)

var certPath = hive.Path{"pki"}

// certEvent is the nexus payload for both ca:add and cert:sign.
type certEvent struct {
	Kind    core.CertKind `json:"kind"`
	Network string        `json:"network"`
	CN      string        `json:"cn"`
	Serial  string        `json:"serial"`
	CertPEM []byte        `json:"cert_pem"`
}

// Authority is the per-cell certificate authority: one CA per
// network, genCaCert/signHostCsr/signUserCsr exactly as named in
// spec.md §4.4. Every call that changes state goes through nexusLog
// so followers observe the same certificate history as the leader;
// CA private keys themselves are never replicated, since
// NewCAFromSeed reconstructs them deterministically from rootSeed.
type Authority struct {
	rootSeed string
	nexusLog nexus.Log
	tree     *hive.Hive
}

// NewAuthority returns an Authority deriving every network's CA from
// rootSeed (the cell's bootstrap secret, spec.md §5) and recording
// issuance through log into tree.
func NewAuthority(rootSeed string, log nexus.Log, tree *hive.Hive) *Authority {
	a := &Authority{rootSeed: rootSeed, nexusLog: log, tree: tree}
	tree.RegisterHandler(nexus.EventCaAdd, a.applyCert)
	tree.RegisterHandler(nexus.EventCertSign, a.applyCert)
	return a
}

func (a *Authority) applyCert(t *hive.Tree, ev nexus.Event) error {
	var rec certEvent
	if err := nexus.Decode(ev, &rec); err != nil {
		return err
	}
	return t.Set(certPath.Join(string(rec.Kind), rec.Network, rec.CN), core.CertRecord{
		Kind:    rec.Kind,
		CN:      rec.CN,
		Serial:  rec.Serial,
		CertPEM: rec.CertPEM,
	})
}

// ca reconstructs network's CA deterministically; it never needs to
// read the hive since the private key depends only on rootSeed.
func (a *Authority) ca(network string) (*CA, error) {
	return NewCAFromSeed(a.rootSeed, network)
}

// GenCaCert idempotently ensures network has a CA, recording ca:add
// the first time it is observed. Calling it again for the same
// network is a no-op beyond re-deriving the same certificate.
func (a *Authority) GenCaCert(ctx context.Context, network string) (*CA, error) {
	ca, err := a.ca(network)
	if err != nil {
		return nil, err
	}

	var existing core.CertRecord
	ok, err := hive.Get(a.tree, certPath.Join(string(core.CertKindCA), network, network), &existing)
	if err != nil {
		return nil, err
	}
	if ok {
		return ca, nil
	}

	if _, err := a.nexusLog.Append(ctx, nexus.EventCaAdd, certEvent{
		Kind:    core.CertKindCA,
		Network: network,
		CN:      network,
		Serial:  ca.cert.SerialNumber.String(),
		CertPEM: ca.CertPEM(),
	}); err != nil {
		return nil, fmt.Errorf("pki: record ca:add for %s: %w", network, err)
	}
	return ca, nil
}

// GetCaCert returns the CA certificate for network, generating it on
// first access (genCaCert is idempotent, so callers needing only the
// cert do not need to special-case bootstrap).
func (a *Authority) GetCaCert(ctx context.Context, network string) ([]byte, error) {
	ca, err := a.GenCaCert(ctx, network)
	if err != nil {
		return nil, err
	}
	return ca.CertPEM(), nil
}

// hostCN validates and splits a host CSR's CommonName into (name,
// network), enforcing the "<name>.<network>" shape from spec.md §4.4.
// Comparison is case-insensitive; the returned parts are lower-cased,
// matching the registry's own name normalisation.
func hostCN(cn string) (name, network string, err error) {
	cn = strings.ToLower(cn)
	idx := strings.LastIndex(cn, ".")
	if idx <= 0 || idx == len(cn)-1 {
		return "", "", &core.ErrBadArg{Reason: fmt.Sprintf("host CSR CommonName %q must be <name>.<network>", cn)}
	}
	return cn[:idx], cn[idx+1:], nil
}

// userCN validates and splits a user CSR's CommonName into (user,
// network), enforcing the "<user>@<network>" shape from spec.md §4.4.
func userCN(cn string) (user, network string, err error) {
	cn = strings.ToLower(cn)
	idx := strings.LastIndex(cn, "@")
	if idx <= 0 || idx == len(cn)-1 {
		return "", "", &core.ErrBadArg{Reason: fmt.Sprintf("user CSR CommonName %q must be <user>@<network>", cn)}
	}
	return cn[:idx], cn[idx+1:], nil
}

// SignHostCsr validates csrPEM's CommonName against the <name>.
// <network> shape, signs it with that network's CA (generating the
// CA on first use), records cert:sign, and returns the signed
// certificate. expectNetwork, if non-empty, additionally rejects a
// CSR whose embedded network does not match the session's network
// (used by provisioning, which binds a one-time token to one
// network). expectCN, if non-empty, requires an exact (case
// -insensitive) CommonName match instead of just a shape/network
// match (used by a provisioning session, which is bound to one exact
// <token.name>.<network>, per spec.md §4.6).
func (a *Authority) SignHostCsr(ctx context.Context, csrPEM []byte, expectNetwork, expectCN string) ([]byte, error) {
	cn, err := csrCommonName(csrPEM)
	if err != nil {
		return nil, err
	}
	if expectCN != "" && strings.ToLower(cn) != strings.ToLower(expectCN) {
		return nil, &core.ErrBadArg{Reason: fmt.Sprintf("host CSR CommonName %q does not match expected %q", cn, expectCN)}
	}
	name, network, err := hostCN(cn)
	if err != nil {
		return nil, err
	}
	if expectNetwork != "" && network != strings.ToLower(expectNetwork) {
		return nil, &core.ErrBadArg{Reason: fmt.Sprintf("host CSR network %q does not match provisioning network %q", network, expectNetwork)}
	}

	ca, err := a.GenCaCert(ctx, network)
	if err != nil {
		return nil, err
	}
	certPEM, serial, err := ca.signCSR(csrPEM, hostCertValidity, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return nil, &core.ErrBadArg{Reason: err.Error()}
	}

	if _, err := a.nexusLog.Append(ctx, nexus.EventCertSign, certEvent{
		Kind:    core.CertKindHost,
		Network: network,
		CN:      name + "." + network,
		Serial:  serial,
		CertPEM: certPEM,
	}); err != nil {
		return nil, fmt.Errorf("pki: record cert:sign for %s: %w", cn, err)
	}
	return certPEM, nil
}

// SignUserCsr validates csrPEM's CommonName against the <user>@
// <network> shape and otherwise behaves like SignHostCsr, including
// the optional exact-CN check via expectCN.
func (a *Authority) SignUserCsr(ctx context.Context, csrPEM []byte, expectNetwork, expectCN string) ([]byte, error) {
	cn, err := csrCommonName(csrPEM)
	if err != nil {
		return nil, err
	}
	if expectCN != "" && strings.ToLower(cn) != strings.ToLower(expectCN) {
		return nil, &core.ErrBadArg{Reason: fmt.Sprintf("user CSR CommonName %q does not match expected %q", cn, expectCN)}
	}
	user, network, err := userCN(cn)
	if err != nil {
		return nil, err
	}
	if expectNetwork != "" && network != strings.ToLower(expectNetwork) {
		return nil, &core.ErrBadArg{Reason: fmt.Sprintf("user CSR network %q does not match provisioning network %q", network, expectNetwork)}
	}

	ca, err := a.GenCaCert(ctx, network)
	if err != nil {
		return nil, err
	}
	certPEM, serial, err := ca.signCSR(csrPEM, userCertValidity, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return nil, &core.ErrBadArg{Reason: err.Error()}
	}

	if _, err := a.nexusLog.Append(ctx, nexus.EventCertSign, certEvent{
		Kind:    core.CertKindUser,
		Network: network,
		CN:      user + "@" + network,
		Serial:  serial,
		CertPEM: certPEM,
	}); err != nil {
		return nil, fmt.Errorf("pki: record cert:sign for %s: %w", cn, err)
	}
	return certPEM, nil
}

func csrCommonName(csrPEM []byte) (string, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return "", &core.ErrBadArg{Reason: "invalid CSR PEM"}
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return "", &core.ErrBadArg{Reason: fmt.Sprintf("parse CSR: %v", err)}
	}
	if csr.Subject.CommonName == "" {
		return "", &core.ErrBadArg{Reason: "CSR has empty CommonName"}
	}
	return csr.Subject.CommonName, nil
}
