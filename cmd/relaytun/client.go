package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tunnelmesh/relaytun/internal/config"
	"github.com/tunnelmesh/relaytun/internal/control"
	"github.com/tunnelmesh/relaytun/internal/status"
	"github.com/tunnelmesh/relaytun/internal/worker"
)

var (
	relayUsername string
	relayPassword string
	peerLocal     string
	jsonOutput    bool
)

// newClient connects to the socket named by --socket or the config file.
func newClient() (*control.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return control.NewClient(cfg.Control.Socket), nil
}

func newRelayCmd() *cobra.Command {
	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Control the relay session",
	}

	connectCmd := &cobra.Command{
		Use:   "connect [server]",
		Short: "Open the relay session",
		Long: `Open the relay session. Without arguments the server and credentials
from the config file are used. A server without a port implies 3478.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			req := control.RelayConnectRequest{Username: relayUsername, Password: relayPassword}
			if len(args) > 0 {
				req.Server = args[0]
			}
			if err := client.RelayConnect(req); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Relay connect requested.")
			return nil
		},
	}
	connectCmd.Flags().StringVarP(&relayUsername, "username", "u", "", "relay username")
	connectCmd.Flags().StringVarP(&relayPassword, "password", "p", "", "relay password")
	relayCmd.AddCommand(connectCmd)

	return relayCmd
}

func newPeerCmd() *cobra.Command {
	peerCmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage peer tunnels",
	}

	connectCmd := &cobra.Command{
		Use:   "connect <ip:port>",
		Short: "Open a tunnel to a remote peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.PeerConnect(args[0], peerLocal); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Tunnel to %s requested.\n", args[0])
			return nil
		},
	}
	connectCmd.Flags().StringVar(&peerLocal, "local", "", "pin the local bind address (ip:port)")
	peerCmd.AddCommand(connectCmd)

	disconnectCmd := &cobra.Command{
		Use:   "disconnect <ip:port>",
		Short: "Close the tunnel to a remote peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.PeerDisconnect(args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Tunnel to %s closing.\n", args[0])
			return nil
		},
	}
	peerCmd.AddCommand(disconnectCmd)

	return peerCmd
}

func newForwardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forward <ip:port|port>",
		Short: "Change the forward target of all tunnels",
		Long: `Change where datagrams from remote peers are delivered. A bare port
means 127.0.0.1. Tunnels bound on the new target stop.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.SetForward(args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Forwarding to %s.\n", args[0])
			return nil
		},
	}
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Close every tunnel and the relay session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			return client.Disconnect()
		},
	}
}

func newTerminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate",
		Short: "Shut the daemon down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			return client.Terminate()
		},
	}
}

func newStatusCmd() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay and tunnel status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			snap, err := client.Status()
			if err != nil {
				return fmt.Errorf("daemon not reachable: %w", err)
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printStatus(cmd.OutOrStdout(), *snap)
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return statusCmd
}

func printStatus(w io.Writer, snap status.Snapshot) {
	_, _ = fmt.Fprintln(w, "Relay:")
	_, _ = fmt.Fprintf(w, "  State:   %s\n", snap.Relay.Phase)
	if snap.Relay.Server != "" {
		_, _ = fmt.Fprintf(w, "  Server:  %s\n", snap.Relay.Server)
	}
	if snap.Relay.Relayed.IsValid() {
		_, _ = fmt.Fprintf(w, "  Relayed: %s\n", snap.Relay.Relayed)
	}
	if snap.Relay.Reason != "" {
		_, _ = fmt.Fprintf(w, "  Reason:  %s\n", snap.Relay.Reason)
	}
	_, _ = fmt.Fprintf(w, "  Forward: %s\n", snap.Forward)
	_, _ = fmt.Fprintln(w)

	if len(snap.Peers) == 0 {
		_, _ = fmt.Fprintln(w, "Peers:   (none)")
		return
	}
	_, _ = fmt.Fprintln(w, "Peers:")
	_, _ = fmt.Fprintf(w, "  %-24s %-10s %-22s %s\n", "PEER", "STATE", "LOCAL", "DETAIL")
	for _, p := range snap.Peers {
		local := "-"
		if p.Local.IsValid() {
			local = p.Local.String()
		}
		_, _ = fmt.Fprintf(w, "  %-24s %-10s %-22s %s\n", p.Peer, p.Phase, local, peerDetail(p))
	}
}

func peerDetail(p status.PeerState) string {
	switch p.Phase {
	case status.PeerFailed:
		return string(p.Failure)
	case status.PeerWaiting:
		switch {
		case !p.Bound:
			return "binding"
		case !p.Granted:
			return "awaiting permission"
		}
	}
	return ""
}

func newEventsCmd() *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Stream service events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			err = client.Events(ctx, func(ev worker.ServiceEvent) error {
				if jsonOutput {
					return enc.Encode(ev)
				}
				_, err := fmt.Fprintln(out, ev)
				return err
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	eventsCmd.Flags().BoolVar(&jsonOutput, "json", false, "print one JSON object per line")
	return eventsCmd
}

func newInitCmd() *cobra.Command {
	var (
		server   string
		username string
		password string
		force    bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if path == "" {
				path = config.DefaultPath()
			}
			if err := writeInitConfig(path, server, username, password, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&server, "server", "", "relay server (host[:port])")
	initCmd.Flags().StringVarP(&username, "username", "u", "", "relay username")
	initCmd.Flags().StringVarP(&password, "password", "p", "", "relay password")
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return initCmd
}

func writeInitConfig(path, server, username, password string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists; use --force to overwrite", path)
	}
	cfg := config.Default()
	cfg.Relay.Server = server
	cfg.Relay.Username = username
	cfg.Relay.Password = password
	if err := cfg.Validate(); err != nil {
		return err
	}
	return cfg.Save(path)
}
