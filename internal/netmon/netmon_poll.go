//go:build !linux

package netmon

import (
	"context"
	"net"
	"time"
)

const pollInterval = 5 * time.Second

// pollWatcher compares interface address sets on a timer.
type pollWatcher struct {
	cfg Config
}

func newPlatformWatcher(cfg Config) (Watcher, error) {
	return &pollWatcher{cfg: cfg}, nil
}

func (w *pollWatcher) Watch(ctx context.Context) (<-chan Change, error) {
	raw := make(chan Change, 1)
	go func() {
		defer close(raw)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		prev := interfaceAddrs(w.cfg.Ignore)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur := interfaceAddrs(w.cfg.Ignore)
				if c, ok := diffAddrs(prev, cur); ok {
					select {
					case raw <- c:
					default:
					}
				}
				prev = cur
			}
		}
	}()
	return settle(ctx, raw, w.cfg.Settle), nil
}

func (w *pollWatcher) Close() error {
	return nil
}

// interfaceAddrs maps "iface/addr" to the interface name.
func interfaceAddrs(ignore []string) map[string]string {
	out := make(map[string]string)
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || ignored(ignore, iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			out[iface.Name+"/"+a.String()] = iface.Name
		}
	}
	return out
}
