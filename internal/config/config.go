package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "AHA"

// Option mirrors the teacher's key/flag/default/description tuple,
// generalised from its ServerOptions/AgentOptions split to a single
// flat list covering every AHA key.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// AllOptions enumerates every key config.New understands, used both
// to register defaults and to bind CLI flags.
var AllOptions = []Option{
	{KeyName, toFlag(KeyName), "", "this cell's service name"},
	{KeyNetwork, toFlag(KeyNetwork), "", "the AHA network this cell belongs to"},
	{KeyLeader, toFlag(KeyLeader), false, "run as the nexus leader for this network"},
	{KeyAdmin, toFlag(KeyAdmin), "", "admin API listen address"},
	{KeyUrls, toFlag(KeyUrls), []string{}, "known AHA server URLs, leader first"},
	{KeyRegistry, toFlag(KeyRegistry), "", "registry alias name for this cell, if any"},
	{KeyServers, toFlag(KeyServers), []string{}, "telepath.yaml server list for client resolution"},
	{KeyProvisionListen, toFlag(KeyProvisionListen), "", "provisioning TLS listen address"},
	{KeyDmonListen, toFlag(KeyDmonListen), "", "mirror/RPC listen address"},
	{KeyNexslogEnable, toFlag(KeyNexslogEnable), true, "enable durable nexus log persistence"},
	{KeyMirror, toFlag(KeyMirror), "", "aha:// URL of the server this cell mirrors from"},
	{KeyAuthPasswd, toFlag(KeyAuthPasswd), "", "plaintext root password, bootstrap only (hashed with bcrypt before it is stored)"},
	{KeyCertdir, toFlag(KeyCertdir), "", "directory holding this cell's issued certificates"},
	{KeyRootSeed, toFlag(KeyRootSeed), "", "HKDF seed this cell's CAs are derived from"},
}

// toFlag converts a colon-separated viper key ("aha:network") into a
// hyphenated CLI flag name ("aha-network"), the same transform the
// teacher's config package applies to its dotted keys.
func toFlag(key string) string {
	out := make([]byte, 0, len(key))
	for _, r := range key {
		if r == ':' {
			out = append(out, '-')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// Config wraps a *viper.Viper the way the teacher's Config does,
// giving typed accessors over the flat AHA key set instead of the
// teacher's nested server/agent sections.
type Config struct {
	v *viper.Viper
}

// New builds a Config by layering, lowest priority first:
//  1. compiled-in defaults from AllOptions
//  2. cell.yaml in cellDir
//  3. cell.mods.yaml in cellDir, with provisionedKeys stripped before
//     merging (the cell.mods.yaml precedence rule of spec.md §4.6: a
//     locally edited mods file must not be able to silently detach a
//     cell from the network/leader/mirror it was provisioned into)
//  4. AHA_-prefixed environment variables
//  5. flags, if fs is non-nil
func New(cellDir string, provisionedKeys []string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for _, opt := range AllOptions {
		v.SetDefault(opt.Key, opt.Default)
	}

	base := filepath.Join(cellDir, "cell.yaml")
	if _, err := os.Stat(base); err == nil {
		v.SetConfigFile(base)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", base, err)
		}
	}

	modsPath := filepath.Join(cellDir, "cell.mods.yaml")
	if _, err := os.Stat(modsPath); err == nil {
		mods := viper.New()
		mods.SetConfigFile(modsPath)
		if err := mods.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", modsPath, err)
		}
		settings := mods.AllSettings()
		for _, key := range provisionedKeys {
			delete(settings, key)
		}
		if err := v.MergeConfigMap(settings); err != nil {
			return nil, fmt.Errorf("config: merge %s: %w", modsPath, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if fs != nil {
		for _, opt := range AllOptions {
			if err := v.BindPFlag(opt.Key, fs.Lookup(opt.Flag)); err != nil {
				return nil, fmt.Errorf("config: bind flag %s: %w", opt.Flag, err)
			}
		}
	}

	return &Config{v: v}, nil
}

// BindFlags registers every AllOptions entry onto fs, mirroring the
// teacher's Option-driven flag registration.
func BindFlags(fs *pflag.FlagSet) {
	for _, opt := range AllOptions {
		switch def := opt.Default.(type) {
		case string:
			fs.String(opt.Flag, def, opt.Description)
		case bool:
			fs.Bool(opt.Flag, def, opt.Description)
		case []string:
			fs.StringSlice(opt.Flag, def, opt.Description)
		default:
			fs.String(opt.Flag, fmt.Sprint(def), opt.Description)
		}
	}
}

func (c *Config) Name() string            { return c.v.GetString(KeyName) }
func (c *Config) Network() string         { return c.v.GetString(KeyNetwork) }
func (c *Config) Leader() bool            { return c.v.GetBool(KeyLeader) }
func (c *Config) Admin() string           { return c.v.GetString(KeyAdmin) }
func (c *Config) Urls() []string          { return c.v.GetStringSlice(KeyUrls) }
func (c *Config) Registry() string        { return c.v.GetString(KeyRegistry) }
func (c *Config) Servers() []string       { return c.v.GetStringSlice(KeyServers) }
func (c *Config) ProvisionListen() string { return c.v.GetString(KeyProvisionListen) }
func (c *Config) DmonListen() string      { return c.v.GetString(KeyDmonListen) }
func (c *Config) NexslogEnable() bool     { return c.v.GetBool(KeyNexslogEnable) }
func (c *Config) Mirror() string          { return c.v.GetString(KeyMirror) }
func (c *Config) AuthPasswd() string      { return c.v.GetString(KeyAuthPasswd) }
func (c *Config) Certdir() string         { return c.v.GetString(KeyCertdir) }
func (c *Config) RootSeed() string        { return c.v.GetString(KeyRootSeed) }

// Set overrides a key at runtime, used by cmd/ahaprov to inject
// values it resolved from a provisioning session before the long-
// running server reads its own config back.
func (c *Config) Set(key string, value any) {
	c.v.Set(key, value)
}
