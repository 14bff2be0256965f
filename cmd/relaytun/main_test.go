package main

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/relaytun/internal/config"
	"github.com/tunnelmesh/relaytun/internal/status"
	"github.com/tunnelmesh/relaytun/internal/worker"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"run"},
		{"relay", "connect"},
		{"peer", "connect"},
		{"peer", "disconnect"},
		{"forward"},
		{"disconnect"},
		{"terminate"},
		{"status"},
		{"events"},
		{"share"},
		{"init"},
		{"version"},
		{"service", "install"},
		{"service", "restart"},
		{"service", "logs"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "relaytun dev")
}

func TestWriteInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "relaytun.yaml")

	require.NoError(t, writeInitConfig(path, "turn.example.com", "alice", "secret", false))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "turn.example.com", cfg.Relay.Server)
	assert.Equal(t, "alice", cfg.Relay.Username)
	assert.Equal(t, worker.DefaultForwardAddr, cfg.Forward)

	// Existing files are kept unless forced
	err = writeInitConfig(path, "other.example.com", "", "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, writeInitConfig(path, "other.example.com", "", "", true))
	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "other.example.com", cfg.Relay.Server)
}

func TestLoadConfig(t *testing.T) {
	oldCfg, oldSocket := cfgFile, socketPath
	t.Cleanup(func() { cfgFile, socketPath = oldCfg, oldSocket })

	// An explicit missing file is an error
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := loadConfig()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "relaytun.yaml")
	require.NoError(t, os.WriteFile(path, []byte("forward: \"25565\"\n"), 0600))
	cfgFile = path
	socketPath = "/tmp/override.sock"

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "25565", cfg.Forward)
	assert.Equal(t, "/tmp/override.sock", cfg.Control.Socket)
}

func TestPrintStatus(t *testing.T) {
	snap := status.Snapshot{
		Relay: status.RelayState{
			Phase:   status.RelayConnected,
			Server:  "192.0.2.10:3478",
			Relayed: netip.MustParseAddrPort("198.51.100.1:49152"),
		},
		Forward: worker.DefaultForward(),
		Peers: []status.PeerState{
			{
				Peer:    netip.MustParseAddrPort("203.0.113.5:40000"),
				Local:   netip.MustParseAddrPort("127.0.0.1:51000"),
				Phase:   status.PeerReady,
				Bound:   true,
				Granted: true,
			},
			{
				Peer:    netip.MustParseAddrPort("203.0.113.6:40000"),
				Phase:   status.PeerFailed,
				Failure: status.FailureDenied,
			},
			{
				Peer:  netip.MustParseAddrPort("203.0.113.7:40000"),
				Local: netip.MustParseAddrPort("127.0.0.1:51001"),
				Phase: status.PeerWaiting,
				Bound: true,
			},
		},
	}

	var out bytes.Buffer
	printStatus(&out, snap)
	text := out.String()

	assert.Contains(t, text, "State:   connected")
	assert.Contains(t, text, "Relayed: 198.51.100.1:49152")
	assert.Contains(t, text, "Forward: 127.0.0.1:34197")
	assert.Contains(t, text, "203.0.113.5:40000")
	assert.Contains(t, text, "permission_denied")
	assert.Contains(t, text, "awaiting permission")
}

func TestPrintStatus_NoPeers(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, status.Snapshot{Forward: worker.DefaultForward()})
	assert.Contains(t, out.String(), "State:   disconnected")
	assert.Contains(t, out.String(), "Peers:   (none)")
}

func TestCapitalize(t *testing.T) {
	assert.Equal(t, "Start", capitalize("start"))
	assert.Equal(t, "", capitalize(""))
}

func TestPrintShare(t *testing.T) {
	var out bytes.Buffer
	err := printShare(&out, status.Snapshot{Relay: status.RelayState{Phase: status.RelayConnecting}})
	require.ErrorIs(t, err, errNotAllocated)

	out.Reset()
	require.NoError(t, printShare(&out, status.Snapshot{Relay: status.RelayState{
		Phase:   status.RelayConnected,
		Relayed: netip.MustParseAddrPort("198.51.100.1:49152"),
	}}))
	assert.Contains(t, out.String(), "Relayed address: 198.51.100.1:49152")
	assert.Greater(t, strings.Count(out.String(), "\n"), 10, "QR code rows are printed")
}
