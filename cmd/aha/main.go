// Command aha runs one cell of the AHA service fabric: the nexus
// replicated log (as leader or mirror/follower), the registry, pool
// manager, certificate authority, and provisioning authority, served
// over the main RPC surface (dmon:listen), a dedicated provisioning
// listener (provision:listen), and the HTTP admin API.
//
// Grounded on the teacher's cmd/otterscale server subcommand
// (internal/cmd/server/server.go): bootstrap config, construct the
// domain layer, build every transport.Listener, then hand them to
// transport.Serve for a coordinated lifecycle. AHA drops the
// teacher's Wire-generated dependency graph (see SPEC_FULL.md §2) in
// favour of constructing the graph directly in run(), since the
// graph here is a fixed shape rather than one with agent/server
// variants to select between.
package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/hkdf"

	"github.com/vertex-link/aha/internal/authdb"
	"github.com/vertex-link/aha/internal/config"
	"github.com/vertex-link/aha/internal/hive"
	"github.com/vertex-link/aha/internal/logging"
	"github.com/vertex-link/aha/internal/metrics"
	"github.com/vertex-link/aha/internal/nexus"
	"github.com/vertex-link/aha/internal/pki"
	"github.com/vertex-link/aha/internal/pool"
	"github.com/vertex-link/aha/internal/provision"
	"github.com/vertex-link/aha/internal/registry"
	"github.com/vertex-link/aha/internal/slab"
	"github.com/vertex-link/aha/internal/transport"
	ahahttp "github.com/vertex-link/aha/internal/transport/http"
	"github.com/vertex-link/aha/internal/transport/rpc"
)

// version is injected at build time via -ldflags, matching the
// teacher's own "-X main.version=..." convention.
var version = "devel"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cellDir string

	c := &cobra.Command{
		Use:           "aha",
		Short:         "aha runs one cell of the AHA service fabric",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cellDir, cmd.Flags())
		},
	}
	c.Flags().StringVar(&cellDir, "cell-dir", ".", "directory holding cell.yaml, cell.mods.yaml, certs/, and slabs/")
	config.BindFlags(c.Flags())
	return c
}

// leaderOrFollower wraps whichever of nexus.Leader/nexus.Follower
// this process constructs, so the rest of run() does not need an if
// on cfg.Leader() at every call site.
type leaderOrFollower struct {
	log      nexus.Log
	leader   *nexus.Leader
	follower *nexus.Follower
}

func run(ctx context.Context, cellDir string, fs *pflag.FlagSet) error {
	cfg, err := config.New(cellDir, config.ProvisionedKeys, fs)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.Setup(logging.Options{FilePath: filepath.Join(cellDir, "slabs", "aha.log")})
	log.Info("starting aha", "version", version, "name", cfg.Name(), "network", cfg.Network(), "leader", cfg.Leader())

	if err := os.MkdirAll(filepath.Join(cellDir, "slabs"), 0o755); err != nil {
		return fmt.Errorf("create slabs dir: %w", err)
	}
	if err := checkStorageVersion(cellDir); err != nil {
		return fmt.Errorf("storage version: %w", err)
	}

	rootSeed := cfg.RootSeed()
	if rootSeed == "" {
		return fmt.Errorf("aha:rootseed is required")
	}

	tree := hive.New()
	durable, closeLog, err := openDurableLog(cfg, cellDir, tree)
	if err != nil {
		return err
	}
	defer closeLog()

	pkiAuth := pki.NewAuthority(rootSeed, durable.log, tree)
	reg := registry.New(durable.log, tree, cfg.Registry())
	poolMgr := pool.New(durable.log, tree)
	provAuth := provision.New(durable.log, tree, pkiAuth, provision.Config{
		AhaURLs:         cfg.Urls(),
		Network:         cfg.Network(),
		ProvisionListen: cfg.ProvisionListen(),
	})
	authDB := authdb.New(durable.log, tree)
	if err := bootstrapRootPassword(ctx, authDB, cfg); err != nil {
		return err
	}

	sessionKey, err := deriveSessionKey(rootSeed)
	if err != nil {
		return err
	}
	sessions := authdb.NewSessionIssuer(sessionKey)

	c := &cell{log: durable.log, registry: reg, pool: poolMgr, pki: pkiAuth, provision: provAuth}

	if _, err := metrics.New(metrics.Sources{
		RegistrySize: countRecords(reg),
		NexusOffset:  func() int64 { return int64(c.log.CurrentOffset()) },
	}); err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	listeners, err := buildListeners(ctx, cfg, c, durable, authDB, sessions, log)
	if err != nil {
		return err
	}

	return transport.Serve(ctx, listeners...)
}

func openDurableLog(cfg *config.Config, cellDir string, tree *hive.Hive) (*leaderOrFollower, func(), error) {
	var durable slab.Log
	closeFn := func() {}
	if cfg.NexslogEnable() {
		fileLog, err := slab.OpenFileLog(filepath.Join(cellDir, "slabs", "nexus.log"))
		if err != nil {
			return nil, nil, fmt.Errorf("open nexus log: %w", err)
		}
		durable = fileLog
		closeFn = func() { fileLog.Close() }
	} else {
		durable = slab.NewMemLog()
	}

	if cfg.Leader() {
		leader := nexus.NewLeader(durable, tree)
		return &leaderOrFollower{log: leader, leader: leader}, closeFn, nil
	}
	follower := nexus.NewFollower(tree)
	return &leaderOrFollower{log: follower, follower: follower}, closeFn, nil
}

func checkStorageVersion(cellDir string) error {
	path := filepath.Join(cellDir, "slabs", "version")
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return os.WriteFile(path, []byte(slab.SchemaVersion.String()), 0o644)
	}
	if err != nil {
		return err
	}
	return slab.CheckSchemaVersion(string(buf))
}

// bootstrapRootPassword mints the root account from auth:passwd on
// a cell's first run. Later runs leave whatever password the admin
// API itself has since set untouched.
func bootstrapRootPassword(ctx context.Context, db *authdb.DB, cfg *config.Config) error {
	if db.HasRootPassword() {
		return nil
	}
	password := cfg.AuthPasswd()
	if password == "" {
		return nil // no bootstrap password configured yet; login stays locked out until one is set
	}
	return db.SetRootPassword(ctx, password)
}

// deriveSessionKey derives the admin API's HMAC signing key from the
// cell's root seed via HKDF, the same pattern the teacher uses in
// provideAgentManifestConfig (cmd/otterscale/main.go) for its
// manifest-token HMAC key.
func deriveSessionKey(rootSeed string) ([]byte, error) {
	h := hkdf.New(sha256.New, []byte(rootSeed), nil, []byte("admin-session"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

func countRecords(reg *registry.Registry) func() int64 {
	return func() int64 {
		recs, err := reg.GetAhaSvcs("")
		if err != nil {
			return 0
		}
		return int64(len(recs))
	}
}

// buildListeners assembles every transport.Listener this process
// runs: the main RPC surface, the provisioning listener, the HTTP
// admin API, and - only on a cell configured with "mirror" - the
// follower replication loop.
func buildListeners(
	ctx context.Context,
	cfg *config.Config,
	c *cell,
	durable *leaderOrFollower,
	authDB *authdb.DB,
	sessions *authdb.SessionIssuer,
	log *slog.Logger,
) ([]transport.Listener, error) {
	var listeners []transport.Listener

	dmonAddr := cfg.DmonListen()
	if dmonAddr == "" {
		return nil, fmt.Errorf("dmon:listen is required")
	}
	mainHandlers := c.mainHandlers()
	if durable.leader != nil {
		repl := newReplicationHub(durable.leader)
		for name, h := range repl.handlers() {
			mainHandlers[name] = h
		}
	}
	dmonLn, err := net.Listen("tcp", dmonAddr)
	if err != nil {
		return nil, fmt.Errorf("listen dmon %s: %w", dmonAddr, err)
	}
	rpcSrv := rpc.NewServer(dmonLn, mainHandlers).
		WithOnDisconnect(func(ctx context.Context, linkIden string) error {
			return c.registry.HandleLinkClosed(ctx, linkIden)
		})
	listeners = append(listeners, rpcSrv)

	provListenAddr := cfg.ProvisionListen()
	if provListenAddr != "" {
		provLn, err := newProvisionTLSListener(ctx, provListenAddr, c.pki, cfg.Network())
		if err != nil {
			return nil, fmt.Errorf("listen provision %s: %w", provListenAddr, err)
		}
		hub := newProvisionHub(c.provision)
		provSrv := rpc.NewServer(provLn, hub.handlers()).WithOnDisconnect(hub.onDisconnect)
		listeners = append(listeners, provSrv)
	}

	adminAddr := cfg.Admin()
	if adminAddr != "" {
		hub := provision.NewHub(c.provision, c.registry, authDB, sessions)
		httpSrv, err := ahahttp.NewServer(
			ahahttp.WithAddress(adminAddr),
			ahahttp.WithVerifier(sessions),
			ahahttp.WithPublicPaths([]string{provision.LoginPath}),
			ahahttp.WithMount(func(mux *http.ServeMux) error {
				if err := hub.RegisterHandlers(mux); err != nil {
					return err
				}
				mux.Handle("/metrics", metrics.Handler())
				return nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("build admin http server: %w", err)
		}
		listeners = append(listeners, httpSrv)
	}

	if mirrorURL := cfg.Mirror(); mirrorURL != "" && durable.follower != nil {
		leaderAddr, err := parseMirrorAddr(mirrorURL)
		if err != nil {
			return nil, fmt.Errorf("mirror: %w", err)
		}
		listeners = append(listeners, &mirrorListener{
			leaderAddr: leaderAddr,
			follower:   durable.follower,
			log:        log,
		})
	}

	return listeners, nil
}

// newProvisionTLSListener wraps provListenAddr in server-authenticated
// -only TLS (spec.md §4.6): the certificate is signed by the cell's
// own network CA purely so the handshake has something to present; a
// redeeming client has no CA to verify against yet and trusts it on
// first contact (provclient.Redeem), matching "server-authenticated
// -only" rather than mutual TLS.
func newProvisionTLSListener(ctx context.Context, addr string, pkiAuth *pki.Authority, network string) (net.Listener, error) {
	ca, err := pkiAuth.GenCaCert(ctx, network)
	if err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	certPEM, keyPEM, err := ca.GenerateServerCert(host)
	if err != nil {
		return nil, err
	}
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{tlsCert}}), nil
}

// parseMirrorAddr strips the "aha://" scheme from the aha:mirror
// config value, matching the bare host:port the internal/client
// resolver's Dialer already expects from the same URL shape.
func parseMirrorAddr(mirrorURL string) (string, error) {
	u, err := url.Parse(mirrorURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", mirrorURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q has no host", mirrorURL)
	}
	return u.Host, nil
}

// mirrorListener adapts runMirror (a blocking function, not a struct)
// to transport.Listener so it runs under transport.Serve's lifecycle
// alongside every other component.
type mirrorListener struct {
	leaderAddr string
	follower   *nexus.Follower
	log        *slog.Logger
}

func (m *mirrorListener) Start(ctx context.Context) error {
	return runMirror(ctx, m.leaderAddr, m.follower, m.log)
}

func (m *mirrorListener) Stop(context.Context) error {
	return nil
}
