// Package provision implements the provisioning authority of
// spec.md §4.6: one-time tokens that let a prospective cell or user
// bootstrap certificates and startup configuration over a
// server-authenticated-only TLS port.
package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/hive"
	"github.com/vertex-link/aha/internal/nexus"
	"github.com/vertex-link/aha/internal/pki"
)

var tokenPath = hive.Path{"provision", "token"}

// tokenTTL bounds how long an unredeemed provisioning URL stays
// valid; spec.md does not fix a number, so this follows the pack's
// general preference for short-lived bootstrap credentials.
const tokenTTL = 30 * time.Minute

type tokenAddPayload struct {
	Iden      string         `json:"iden"`
	Kind      core.TokenKind `json:"kind"`
	Network   string         `json:"network"`
	Name      string         `json:"name"`
	ProvInfo  map[string]any `json:"provinfo"`
	ExpiresAt time.Time      `json:"expires_at"`
}

type tokenConsumePayload struct {
	Iden string `json:"iden"`
}

type tokenDelPayload struct {
	Iden string `json:"iden"`
}

// Config carries the configuration keys spec.md §4.6 requires before
// addAhaSvcProv/addAhaUserEnroll can mint a URL.
type Config struct {
	AhaURLs         []string // aha:urls
	Network         string   // aha:network
	ProvisionListen string   // provision:listen, host:port
}

func (c Config) validate() error {
	if len(c.AhaURLs) == 0 {
		return &core.ErrNeedConfValu{Key: "aha:urls"}
	}
	if c.Network == "" {
		return &core.ErrNeedConfValu{Key: "aha:network"}
	}
	if c.ProvisionListen == "" {
		return &core.ErrNeedConfValu{Key: "provision:listen"}
	}
	return nil
}

// Authority is the nexus.Log-backed provisioning authority.
type Authority struct {
	nexusLog nexus.Log
	tree     *hive.Hive
	pki      *pki.Authority
	cfg      Config
	clock    func() time.Time
}

// New returns an Authority recording changes through log into tree,
// signing certificates through pkiAuth, and validating requests
// against cfg.
func New(log nexus.Log, tree *hive.Hive, pkiAuth *pki.Authority, cfg Config) *Authority {
	a := &Authority{nexusLog: log, tree: tree, pki: pkiAuth, cfg: cfg, clock: time.Now}
	tree.RegisterHandler(nexus.EventProvAdd, a.applyAdd)
	tree.RegisterHandler(nexus.EventProvConsume, a.applyConsume)
	tree.RegisterHandler(nexus.EventProvDel, a.applyDel)
	return a
}

func (a *Authority) applyAdd(t *hive.Tree, ev nexus.Event) error {
	var p tokenAddPayload
	if err := nexus.Decode(ev, &p); err != nil {
		return err
	}
	return t.Set(tokenPath.Join(p.Iden), core.ProvToken{
		Iden: p.Iden, Kind: p.Kind, Network: p.Network, Name: p.Name,
		ProvInfo: p.ProvInfo, ExpiresAt: p.ExpiresAt,
	})
}

func (a *Authority) applyConsume(t *hive.Tree, ev nexus.Event) error {
	var p tokenConsumePayload
	if err := nexus.Decode(ev, &p); err != nil {
		return err
	}
	path := tokenPath.Join(p.Iden)
	var tok core.ProvToken
	ok, err := hive.Get(a.tree, path, &tok)
	if err != nil || !ok {
		return err
	}
	tok.Consumed = true
	return t.Set(path, tok)
}

func (a *Authority) applyDel(t *hive.Tree, ev nexus.Event) error {
	var p tokenDelPayload
	if err := nexus.Decode(ev, &p); err != nil {
		return err
	}
	t.Del(tokenPath.Join(p.Iden))
	return nil
}

// url builds the ssl://<aha-host>:<prov-port>/<token-iden> URL format
// from spec.md §4.6.
func (a *Authority) url(tokenIden string) string {
	host := a.cfg.AhaURLs[0]
	port := a.cfg.ProvisionListen
	if idx := strings.LastIndex(port, ":"); idx >= 0 {
		port = port[idx+1:]
	}
	return fmt.Sprintf("ssl://%s:%s/%s", host, port, tokenIden)
}

// AddAhaSvcProv implements spec.md §4.6's addAhaSvcProv.
func (a *Authority) AddAhaSvcProv(ctx context.Context, name string, provinfo map[string]any) (string, error) {
	if err := a.cfg.validate(); err != nil {
		return "", err
	}
	if conf, ok := provinfo["conf"].(map[string]any); ok {
		if net, ok := conf["aha:network"].(string); ok && net != a.cfg.Network {
			return "", &core.ErrBadConfValu{Key: "aha:network", Reason: fmt.Sprintf("provinfo network %q does not match AHA network %q", net, a.cfg.Network)}
		}
	}

	iden := uuid.NewString()
	if _, err := a.nexusLog.Append(ctx, nexus.EventProvAdd, tokenAddPayload{
		Iden: iden, Kind: core.TokenKindSvcProvision, Network: a.cfg.Network, Name: name,
		ProvInfo: provinfo, ExpiresAt: a.clock().Add(tokenTTL),
	}); err != nil {
		return "", err
	}
	return a.url(iden), nil
}

// AddAhaUserEnroll implements spec.md §4.6's addAhaUserEnroll.
func (a *Authority) AddAhaUserEnroll(ctx context.Context, username string) (string, error) {
	if err := a.cfg.validate(); err != nil {
		return "", err
	}
	iden := uuid.NewString()
	if _, err := a.nexusLog.Append(ctx, nexus.EventProvAdd, tokenAddPayload{
		Iden: iden, Kind: core.TokenKindUserEnroll, Network: a.cfg.Network, Name: username,
		ProvInfo: map[string]any{}, ExpiresAt: a.clock().Add(tokenTTL),
	}); err != nil {
		return "", err
	}
	return a.url(iden), nil
}

// Lookup resolves a token by its iden (the path component of a
// provisioning URL), the first step of the redemption protocol
// (spec.md §4.6 step 1). It fails no-such-name for a missing,
// consumed, or expired token, matching "further connects to that URL
// fail no-such-name" after consumption.
func (a *Authority) Lookup(tokenIden string) (*Session, error) {
	var tok core.ProvToken
	ok, err := hive.Get(a.tree, tokenPath.Join(tokenIden), &tok)
	if err != nil {
		return nil, err
	}
	if !ok || tok.Consumed || a.clock().After(tok.ExpiresAt) {
		return nil, &core.ErrNoSuchName{Name: tokenIden}
	}
	return &Session{authority: a, token: tok}, nil
}

// Consume marks a token redeemed (prov:consume), called when the
// one-time session closes (spec.md §4.6 step 5). It is idempotent:
// consuming an already-consumed or missing token is not an error.
func (a *Authority) Consume(ctx context.Context, tokenIden string) error {
	_, err := a.nexusLog.Append(ctx, nexus.EventProvConsume, tokenConsumePayload{Iden: tokenIden})
	return err
}

// Session is the bounded, one-time-use API surface a redeeming
// member sees after Lookup succeeds (spec.md §4.6 "AHA serves a
// bounded set of methods limited to the token's kind").
type Session struct {
	authority *Authority
	token     core.ProvToken
}

// Token returns the resolved token's kind/name/network, useful for
// callers (e.g. the transport layer) deciding which methods to expose.
func (s *Session) Token() core.ProvToken {
	return s.token
}

// expectedCN returns the exact CommonName this session's token
// authorises, per spec.md §4.6: "<token.name>.<network>" for
// svc-provision, "<token.username>@<network>" for user-enroll.
func (s *Session) expectedCN() string {
	if s.token.Kind == core.TokenKindUserEnroll {
		return s.token.Name + "@" + s.token.Network
	}
	return s.token.Name + "." + s.token.Network
}

// GetProvInfo implements spec.md §4.6's getProvInfo.
func (s *Session) GetProvInfo() (iden string, conf map[string]any) {
	conf, _ = s.token.ProvInfo["conf"].(map[string]any)
	return s.token.Iden, conf
}

// SignHostCsr implements spec.md §4.6's signHostCsr on the one-time
// session: only the token's exact CN may be signed.
func (s *Session) SignHostCsr(ctx context.Context, csrPEM []byte) ([]byte, error) {
	if s.token.Kind != core.TokenKindSvcProvision {
		return nil, &core.ErrBadArg{Reason: "signHostCsr is not permitted on a user-enroll session"}
	}
	return s.authority.pki.SignHostCsr(ctx, csrPEM, s.token.Network, s.expectedCN())
}

// SignUserCsr implements spec.md §4.6's signUserCsr on the one-time
// session: only the token's exact CN may be signed.
func (s *Session) SignUserCsr(ctx context.Context, csrPEM []byte) ([]byte, error) {
	if s.token.Kind != core.TokenKindUserEnroll {
		return nil, &core.ErrBadArg{Reason: "signUserCsr is not permitted on a svc-provision session"}
	}
	return s.authority.pki.SignUserCsr(ctx, csrPEM, s.token.Network, s.expectedCN())
}

// GetCaCert implements spec.md §4.6's getCaCert on the one-time
// session.
func (s *Session) GetCaCert(ctx context.Context) ([]byte, error) {
	return s.authority.pki.GetCaCert(ctx, s.token.Network)
}
