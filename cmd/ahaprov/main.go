// Command ahaprov is the cell-side provisioning CLI of spec.md §4.6
// step 2-4 and §6's "provisioning CLI": given a one-time
// ssl://host:port/token-iden URL and the name/network the token was
// minted for, it redeems the URL, writes the returned certificates
// and startup configuration into a cell directory, and leaves a
// prov.done sentinel so a later run can detect it has already been
// provisioned.
//
// Exit codes: 0 on success, 1 on an invalid-port or network-mismatch
// error and on every other failure, with the failure reason on stderr
// prefixed "ERROR:".
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vertex-link/aha/internal/config"
	"github.com/vertex-link/aha/internal/provclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cellDir string
		url     string
		name    string
		network string
	)

	c := &cobra.Command{
		Use:           "ahaprov",
		Short:         "ahaprov redeems a one-time aha:provision URL into a configured cell directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return provision(cmd.Context(), cellDir, url, name, network)
		},
	}
	c.Flags().StringVar(&cellDir, "cell-dir", ".", "directory to write cell.yaml, certs/, and prov.done into")
	c.Flags().StringVar(&url, "url", "", "the ssl://host:port/token-iden provisioning URL (required)")
	c.Flags().StringVar(&name, "name", "", "the service name the token was minted for (required)")
	c.Flags().StringVar(&network, "network", "", "the AHA network this cell is joining (required)")
	c.MarkFlagRequired("url")
	c.MarkFlagRequired("name")
	c.MarkFlagRequired("network")
	return c
}

const provDoneFile = "prov.done"

// provision runs the redemption protocol and writes its outputs.
// Returning a non-nil error here always exits 1, matching spec.md
// §6's two failure modes (invalid port, network mismatch) and every
// other redemption failure this CLI cannot recover from.
func provision(ctx context.Context, cellDir, provisionURL, name, network string) error {
	iden, err := tokenIdenFromURL(provisionURL)
	if err != nil {
		return err
	}

	if done, ok, err := readProvDone(cellDir); err != nil {
		return err
	} else if ok && done == iden {
		fmt.Printf("already provisioned by token %s, nothing to do\n", iden)
		return nil
	}

	cn := name + "." + network
	result, err := provclient.Redeem(ctx, provisionURL, cn)
	if err != nil {
		return fmt.Errorf("redeem %s: %w", provisionURL, err)
	}

	if _, err := provclient.ParsePort(result.Endpoint); err != nil {
		return fmt.Errorf("invalid-port: %s: %w", result.Endpoint, err)
	}
	if confNetwork, ok := result.Conf["aha:network"].(string); ok && confNetwork != network {
		return fmt.Errorf("network-mismatch: provisioned for %q, requested %q", confNetwork, network)
	}
	if err := provclient.VerifyLeafCert(result.CACertPEM, result.CertPEM); err != nil {
		return fmt.Errorf("issued certificate does not verify: %w", err)
	}

	certDir := filepath.Join(cellDir, "certs")
	if err := os.MkdirAll(certDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", certDir, err)
	}
	if err := os.WriteFile(filepath.Join(certDir, "ca.pem"), result.CACertPEM, 0o644); err != nil {
		return fmt.Errorf("write ca.pem: %w", err)
	}
	if err := os.WriteFile(filepath.Join(certDir, "cert.pem"), result.CertPEM, 0o644); err != nil {
		return fmt.Errorf("write cert.pem: %w", err)
	}
	if err := os.WriteFile(filepath.Join(certDir, "key.pem"), result.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("write key.pem: %w", err)
	}

	if err := writeCellYAML(cellDir, name, certDir, result); err != nil {
		return fmt.Errorf("write cell.yaml: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cellDir, provDoneFile), []byte(iden), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", provDoneFile, err)
	}

	fmt.Printf("provisioned %s into %s\n", cn, cellDir)
	return nil
}

func tokenIdenFromURL(provisionURL string) (string, error) {
	idx := lastSlash(provisionURL)
	if idx < 0 || idx == len(provisionURL)-1 {
		return "", fmt.Errorf("invalid-port: %q has no token path", provisionURL)
	}
	return provisionURL[idx+1:], nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// readProvDone reports the token iden recorded by a previous
// successful run, implementing spec.md §4.6's idempotent-restart rule.
func readProvDone(cellDir string) (string, bool, error) {
	buf, err := os.ReadFile(filepath.Join(cellDir, provDoneFile))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(buf), true, nil
}

// writeCellYAML writes the subset of provinfo.conf spec.md §4.6
// names (the config.ProvisionedKeys set), plus dmon:listen,
// provision:listen and aha:rootseed when provinfo.conf carries them,
// plus this cell's own name and certdir into a fresh cell.yaml. It
// never touches
// cell.mods.yaml: that overlay is the operator's to manage, and the
// precedence rule in internal/config strips these same keys back out
// of it at load time regardless.
func writeCellYAML(cellDir, name, certDir string, result *provclient.Result) error {
	doc := map[string]any{
		config.KeyName:    name,
		config.KeyCertdir: certDir,
	}
	for _, key := range config.ProvisionedKeys {
		if v, ok := result.Conf[key]; ok {
			doc[key] = v
		}
	}
	if v, ok := result.Conf[config.KeyDmonListen]; ok {
		doc[config.KeyDmonListen] = v
	}
	if v, ok := result.Conf[config.KeyProvisionListen]; ok {
		doc[config.KeyProvisionListen] = v
	}
	if v, ok := result.Conf[config.KeyRootSeed]; ok {
		doc[config.KeyRootSeed] = v
	}

	buf, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cellDir, "cell.yaml"), buf, 0o644)
}
