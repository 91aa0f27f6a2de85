package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swedishembedded/sven/internal/auth"
	"github.com/swedishembedded/sven/internal/config"
	"github.com/swedishembedded/sven/internal/control"
)

// =============================================================================
// Node Command Handlers
// =============================================================================

func loadNodeConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func expandHomePath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func openEdgeAuthService(cfg *config.Config) *auth.EdgeAuthService {
	store := auth.NewFileEdgeStore(expandHomePath(cfg.Auth.PeersFile))
	return auth.NewEdgeAuthService(auth.EdgeAuthConfig{Store: store})
}

func runNodeStart(cmd *cobra.Command, configPath, wsAddrOverride string) error {
	cfg, err := loadNodeConfig(configPath)
	if err != nil {
		return err
	}
	wsAddr := cfg.Node.WSAddr
	if wsAddrOverride != "" {
		wsAddr = wsAddrOverride
	}

	svc, stop, err := newRuntimeService(cfg)
	if err != nil {
		return err
	}
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/control", control.NewWSHandler(svc, nil))

	server := &http.Server{Addr: wsAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "sven node %q listening on %s (control websocket at /control)\n", cfg.Node.Name, wsAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func runNodeListPeers(cmd *cobra.Command, showBanned bool) error {
	cfg, err := loadNodeConfig(resolveConfigPath())
	if err != nil {
		return err
	}
	svc := openEdgeAuthService(cfg)

	peers, err := svc.ListEdges()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	found := false
	for _, p := range peers {
		if p.Banned && !showBanned {
			continue
		}
		found = true
		status := string(p.TrustLevel)
		if p.Banned {
			status = "banned: " + p.BanReason
		}
		fmt.Fprintf(out, "%s  %s  %s  %s\n", p.ID, p.Name, p.AuthMethod, status)
	}
	if !found {
		fmt.Fprintln(out, "No peers registered.")
	}
	return nil
}

func runNodePair(cmd *cobra.Command, peerID, name, secret string) error {
	cfg, err := loadNodeConfig(resolveConfigPath())
	if err != nil {
		return err
	}
	svc := openEdgeAuthService(cfg)

	if _, err := svc.GetEdge(peerID); err == nil {
		return fmt.Errorf("peer %q is already registered", peerID)
	}

	resp, err := svc.Authenticate(auth.EdgeAuthRequest{
		EdgeID:       peerID,
		EdgeName:     name,
		AuthMethod:   auth.AuthMethodSharedSecret,
		SharedSecret: secret,
	})
	if err != nil {
		return err
	}
	if secret == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Paired %q. Trust level: %s. Session: %s\n", peerID, resp.TrustLevel, resp.Session.Token)
		fmt.Fprintln(cmd.OutOrStdout(), "No --secret was given; the peer authenticated with an empty shared secret. Re-pair with --secret to set one.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Paired %q (trust level: %s).\n", peerID, resp.TrustLevel)
	return nil
}

func runNodeAuthorize(cmd *cobra.Command, peerID, level string) error {
	cfg, err := loadNodeConfig(resolveConfigPath())
	if err != nil {
		return err
	}
	svc := openEdgeAuthService(cfg)

	trustLevel := auth.EdgeTrustLevel(level)
	switch trustLevel {
	case auth.TrustUntrusted, auth.TrustTOFUPending, auth.TrustTOFU, auth.TrustTrusted, auth.TrustPrivileged:
	default:
		return fmt.Errorf("unknown trust level %q", level)
	}

	if err := svc.SetTrustLevel(peerID, trustLevel); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Peer %q is now %s.\n", peerID, trustLevel)
	return nil
}

func runNodeRevoke(cmd *cobra.Command, peerID, reason string) error {
	cfg, err := loadNodeConfig(resolveConfigPath())
	if err != nil {
		return err
	}
	svc := openEdgeAuthService(cfg)

	if err := svc.BanEdge(peerID, reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %q.\n", peerID)
	return nil
}

func runNodeRegenerateToken(cmd *cobra.Command, peerID string) error {
	cfg, err := loadNodeConfig(resolveConfigPath())
	if err != nil {
		return err
	}
	svc := openEdgeAuthService(cfg)

	secret, err := svc.RegenerateSecret(peerID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "New shared secret for %q: %s\n", peerID, secret)
	fmt.Fprintln(cmd.OutOrStdout(), "Store this now; it is not saved in plaintext and cannot be displayed again.")
	return nil
}
