// Package config loads AHA's configuration from cell.yaml, an
// optional cell.mods.yaml overlay, AHA_-prefixed environment
// variables, and CLI flags, in that ascending priority order. It is
// grounded on the teacher's viper/pflag layering (internal/config in
// the otterscale agent), generalised from its two hard-coded modes
// (server/agent) to AHA's flat key set and extended with the
// cell.mods.yaml precedence rule from spec.md §4.6.
package config

// Key names match the spec's own "aha:foo" / "provision:foo" dotless
// notation; viper treats them as opaque flat strings, so no nested
// key delimiter conflict exists with Go map literal config files.
const (
	KeyName            = "aha:name"
	KeyNetwork         = "aha:network"
	KeyLeader          = "aha:leader"
	KeyAdmin           = "aha:admin"
	KeyUrls            = "aha:urls"
	KeyRegistry        = "aha:registry"
	KeyServers         = "aha:servers"
	KeyProvisionListen = "provision:listen"
	KeyDmonListen      = "dmon:listen"
	KeyNexslogEnable   = "nexslog:en"
	KeyMirror          = "mirror"
	KeyAuthPasswd      = "auth:passwd"
	KeyCertdir         = "aha:certdir"
	KeyRootSeed        = "aha:rootseed"
)

// ProvisionedKeys names the keys spec.md §4.6 says a provisioning
// session may hand to a new cell in provinfo.conf. cell.mods.yaml may
// not override any of these (the precedence rule): a locally edited
// mods file could otherwise silently detach a cell from the network
// it was provisioned into.
var ProvisionedKeys = []string{
	KeyNetwork,
	KeyLeader,
	KeyMirror,
	KeyUrls,
	KeyRegistry,
}
