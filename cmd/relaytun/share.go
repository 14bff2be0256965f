package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/relaytun/internal/status"
)

var errNotAllocated = errors.New("relay has no allocation yet")

func newShareCmd() *cobra.Command {
	var (
		pngPath string
		pngSize int
	)
	shareCmd := &cobra.Command{
		Use:   "share",
		Short: "Show the relayed address as a QR code for the remote peer",
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
			if pngPath != "" {
				addr, err := relayedAddr(*snap)
				if err != nil {
					return err
				}
				if err := qrcode.WriteFile(addr, qrcode.Medium, pngSize, pngPath); err != nil {
					return fmt.Errorf("write QR code: %w", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s written to %s\n", addr, pngPath)
				return nil
			}
			return printShare(cmd.OutOrStdout(), *snap)
		},
	}
	shareCmd.Flags().StringVar(&pngPath, "png", "", "write a PNG image instead of printing")
	shareCmd.Flags().IntVar(&pngSize, "size", 256, "PNG size in pixels")
	return shareCmd
}

func relayedAddr(snap status.Snapshot) (string, error) {
	if snap.Relay.Phase != status.RelayConnected || !snap.Relay.Relayed.IsValid() {
		return "", fmt.Errorf("%w (relay is %s)", errNotAllocated, snap.Relay.Phase)
	}
	return snap.Relay.Relayed.String(), nil
}

func printShare(w io.Writer, snap status.Snapshot) error {
	addr, err := relayedAddr(snap)
	if err != nil {
		return err
	}
	q, err := qrcode.New(addr, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode QR code: %w", err)
	}
	_, _ = fmt.Fprint(w, q.ToSmallString(false))
	_, _ = fmt.Fprintf(w, "Relayed address: %s\n", addr)
	return nil
}
