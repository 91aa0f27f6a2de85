package main

import "github.com/spf13/cobra"

// =============================================================================
// Node Commands
// =============================================================================

// buildNodeCmd creates the "node" command group: starting a node's
// control/router surfaces and managing the peers authorized to reach
// them (spec.md §4.2-§4.3).
func buildNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a Sven node and manage its authorized peers",
	}
	cmd.AddCommand(
		buildNodeStartCmd(),
		buildNodeListPeersCmd(),
		buildNodePairCmd(),
		buildNodeAuthorizeCmd(),
		buildNodeRevokeCmd(),
		buildNodeRegenerateTokenCmd(),
	)
	return cmd
}

func buildNodeStartCmd() *cobra.Command {
	var wsAddr string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the control WebSocket and task router",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeStart(cmd, resolveConfigPath(), wsAddr)
		},
	}
	cmd.Flags().StringVar(&wsAddr, "ws-addr", "", "Override the configured control WebSocket listen address")
	return cmd
}

func buildNodeListPeersCmd() *cobra.Command {
	var showBanned bool
	cmd := &cobra.Command{
		Use:   "list-peers",
		Short: "List peers known to this node's authorization store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeListPeers(cmd, showBanned)
		},
	}
	cmd.Flags().BoolVar(&showBanned, "all", false, "Include banned peers")
	return cmd
}

func buildNodePairCmd() *cobra.Command {
	var name, secret string
	cmd := &cobra.Command{
		Use:   "pair <peer-id>",
		Short: "Register a new peer with a shared secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodePair(cmd, args[0], name, secret)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the peer")
	cmd.Flags().StringVar(&secret, "secret", "", "Shared secret (generated if omitted)")
	return cmd
}

func buildNodeAuthorizeCmd() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "authorize <peer-id>",
		Short: "Raise a peer's trust level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeAuthorize(cmd, args[0], level)
		},
	}
	cmd.Flags().StringVar(&level, "level", "trusted", "Trust level to set (untrusted, tofu, trusted, privileged)")
	return cmd
}

func buildNodeRevokeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <peer-id>",
		Short: "Ban a peer and invalidate its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeRevoke(cmd, args[0], reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded against the ban")
	return cmd
}

func buildNodeRegenerateTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regenerate-token <peer-id>",
		Short: "Replace a peer's shared secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeRegenerateToken(cmd, args[0])
		},
	}
	return cmd
}
