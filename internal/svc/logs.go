package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ViewLogs displays service logs using platform-appropriate tools.
func ViewLogs(opts LogOptions) error {
	cmd, err := LogCommand(runtime.GOOS, opts)
	if err != nil {
		return err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// LogCommand builds the log viewer for goos without running it.
func LogCommand(goos string, opts LogOptions) (*exec.Cmd, error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultName
	}
	lines := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		// systemd journal
		args := []string{"-u", opts.ServiceName, "-n", lines, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return exec.Command("journalctl", args...), nil

	case "darwin":
		// launchd writes both streams under /var/log
		args := []string{"-n", lines}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName),
		)
		return exec.Command("tail", args...), nil

	case "windows":
		script := fmt.Sprintf(
			"Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | "+
				"Sort-Object TimeCreated | Format-Table -Property TimeCreated, LevelDisplayName, Message -AutoSize -Wrap",
			opts.ServiceName, opts.Lines)
		if opts.Follow {
			return nil, fmt.Errorf("following logs is not supported on windows; use Event Viewer")
		}
		return exec.Command("powershell", "-NoProfile", "-Command", script), nil

	default:
		return nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}
