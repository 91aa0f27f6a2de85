// Package config loads and validates Sven's node configuration.
//
// Configuration is YAML or JSON5 (selected by file extension), supports
// recursive $include merging and $VAR environment expansion, and is
// reloadable: Watch re-parses on change and feeds validated snapshots to
// a callback so the peer allowlist and model routing can be updated
// without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Config is the root Sven node configuration.
type Config struct {
	Version int `yaml:"version"`

	Node          NodeConfig          `yaml:"node"`
	Auth          AuthConfig          `yaml:"auth"`
	LLM           LLMConfig           `yaml:"llm"`
	Router        RouterConfig        `yaml:"router"`
	Session       SessionConfig       `yaml:"session"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// NodeConfig configures the control-plane listener surfaces.
type NodeConfig struct {
	// WSAddr is the operator control WebSocket listen address.
	WSAddr string `yaml:"ws_addr"`

	// P2PListenAddr is the libp2p multiaddr this node listens on.
	P2PListenAddr string `yaml:"p2p_listen_addr"`

	// Name is this node's advertised display name (Agent Card).
	Name string `yaml:"name"`

	// Description is this node's advertised capability summary (Agent Card).
	Description string `yaml:"description"`
}

// Default returns a Config with every documented default applied.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Node: NodeConfig{
			WSAddr:        "127.0.0.1:8787",
			P2PListenAddr: "/ip4/0.0.0.0/tcp/0",
			Name:          "sven",
		},
		Auth: AuthConfig{
			TokenFile:   "~/.config/sven/gateway/token.yaml",
			PeersFile:   "~/.config/sven/gateway/authorized_peers.yaml",
			KeypairFile: "~/.config/sven/gateway/agent-keypair",
		},
		Router:  DefaultRouterConfig(),
		Session: DefaultSessionConfig(),
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
	}
}

// Load reads, merges ($include) and parses the config file at path,
// overlaying parsed values on top of Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	expanded, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	raw, err := LoadRaw(expanded)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	parsed, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Version != 0 {
		if err := ValidateVersion(parsed.Version); err != nil {
			return nil, err
		}
	}
	mergeConfig(cfg, parsed)
	return cfg, nil
}

// mergeConfig overlays non-zero fields of src onto dst. Unlike a plain
// struct copy, zero-valued fields in src (options the operator did not
// set) do not clobber Default()'s values.
func mergeConfig(dst, src *Config) {
	if src.Node.WSAddr != "" {
		dst.Node.WSAddr = src.Node.WSAddr
	}
	if src.Node.P2PListenAddr != "" {
		dst.Node.P2PListenAddr = src.Node.P2PListenAddr
	}
	if src.Node.Name != "" {
		dst.Node.Name = src.Node.Name
	}
	if src.Node.Description != "" {
		dst.Node.Description = src.Node.Description
	}
	if src.Auth.TokenFile != "" {
		dst.Auth.TokenFile = src.Auth.TokenFile
	}
	if src.Auth.PeersFile != "" {
		dst.Auth.PeersFile = src.Auth.PeersFile
	}
	if src.Auth.KeypairFile != "" {
		dst.Auth.KeypairFile = src.Auth.KeypairFile
	}
	dst.LLM = mergeLLM(dst.LLM, src.LLM)
	if src.Router.MaxConcurrentTasks != 0 {
		dst.Router.MaxConcurrentTasks = src.Router.MaxConcurrentTasks
	}
	if src.Router.MaxDelegationDepth != 0 {
		dst.Router.MaxDelegationDepth = src.Router.MaxDelegationDepth
	}
	if src.Router.MaxDescriptionBytes != 0 {
		dst.Router.MaxDescriptionBytes = src.Router.MaxDescriptionBytes
	}
	if src.Router.MaxPayloadBytes != 0 {
		dst.Router.MaxPayloadBytes = src.Router.MaxPayloadBytes
	}
	if src.Router.TaskTimeout != 0 {
		dst.Router.TaskTimeout = src.Router.TaskTimeout
	}
	if src.Session.DefaultMode != "" {
		dst.Session.DefaultMode = src.Session.DefaultMode
	}
	if src.Session.JournalDir != "" {
		dst.Session.JournalDir = src.Session.JournalDir
	}
	if src.Session.MaxHistoryMessages != 0 {
		dst.Session.MaxHistoryMessages = src.Session.MaxHistoryMessages
	}
	if src.Observability.Logging.Level != "" {
		dst.Observability.Logging.Level = src.Observability.Logging.Level
	}
	if src.Observability.Logging.Format != "" {
		dst.Observability.Logging.Format = src.Observability.Logging.Format
	}
	dst.Observability.Metrics = src.Observability.Metrics
	dst.Observability.Tracing = src.Observability.Tracing
}

func mergeLLM(dst, src LLMConfig) LLMConfig {
	if src.DefaultProvider != "" {
		dst.DefaultProvider = src.DefaultProvider
	}
	if src.Providers != nil {
		if dst.Providers == nil {
			dst.Providers = map[string]LLMProviderConfig{}
		}
		for k, v := range src.Providers {
			dst.Providers[k] = v
		}
	}
	if len(src.FallbackChain) > 0 {
		dst.FallbackChain = src.FallbackChain
	}
	if src.Bedrock.Enabled {
		dst.Bedrock = src.Bedrock
	}
	return dst
}

func expandHome(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand ~: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// Watch re-loads path whenever it changes on disk and invokes onChange
// with the newly parsed Config. Watch returns once the initial load and
// watch registration succeed; errors after that point are delivered via
// onErr and do not stop watching (grounded on the teacher's live-reload
// style, generalized from plugin-config to node-config watching).
func Watch(path string, onChange func(*Config), onErr func(error)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	expanded, err := expandHome(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	dir := filepath.Dir(expanded)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(expanded) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, loadErr := Load(expanded)
				if loadErr != nil {
					if onErr != nil {
						onErr(loadErr)
					}
					continue
				}
				if onChange != nil {
					onChange(cfg)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onErr != nil {
					onErr(werr)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
