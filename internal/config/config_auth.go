package config

// AuthConfig configures the bearer-token and peer-allowlist auth surfaces
// described in spec.md §6.
type AuthConfig struct {
	// TokenFile is the path to the salted bearer-token hash file
	// (default: ~/.config/sven/gateway/token.yaml).
	TokenFile string `yaml:"token_file"`

	// PeersFile is the path to the authorized-peers allowlist
	// (default: ~/.config/sven/gateway/authorized_peers.yaml).
	PeersFile string `yaml:"peers_file"`

	// KeypairFile is the path to the node's persisted P2P identity key
	// (default: ~/.config/sven/gateway/agent-keypair).
	KeypairFile string `yaml:"keypair_file"`
}
