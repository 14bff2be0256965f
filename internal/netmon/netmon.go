// Package netmon reports changes of the host's network interfaces. The daemon
// uses it to reopen a relay session that died with the old network.
package netmon

import (
	"context"
	"path/filepath"
	"time"
)

// ChangeKind classifies a network change.
type ChangeKind int

const (
	ChangeUnknown ChangeKind = iota
	ChangeAddrAdded
	ChangeAddrRemoved
	ChangeLinkUp
	ChangeLinkDown
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAddrAdded:
		return "addr_added"
	case ChangeAddrRemoved:
		return "addr_removed"
	case ChangeLinkUp:
		return "link_up"
	case ChangeLinkDown:
		return "link_down"
	default:
		return "unknown"
	}
}

// Change is one settled network change. Interface may be empty when the
// platform does not name it.
type Change struct {
	Kind      ChangeKind
	Interface string
	At        time.Time
}

// Watcher delivers network changes until its context ends.
type Watcher interface {
	// Watch starts watching. The channel is closed when ctx is done or the
	// watcher fails.
	Watch(ctx context.Context) (<-chan Change, error)
	Close() error
}

// Config holds watcher settings.
type Config struct {
	// Settle is the quiet period after which a burst of changes is reported
	// as one.
	Settle time.Duration

	// Ignore lists interface name patterns (filepath.Match syntax).
	Ignore []string
}

// DefaultConfig ignores loopback and container bridges.
func DefaultConfig() Config {
	return Config{
		Settle: 2 * time.Second,
		Ignore: []string{"lo", "lo0", "docker*", "veth*", "br-*", "virbr*"},
	}
}

// New creates the platform watcher.
func New(cfg Config) (Watcher, error) {
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultConfig().Settle
	}
	return newPlatformWatcher(cfg)
}

func ignored(patterns []string, iface string) bool {
	if iface == "" {
		return false
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, iface); ok {
			return true
		}
	}
	return false
}

// diffAddrs compares two "iface/addr" sets and reports the first difference.
// Removals win over additions so a lost address is never hidden.
func diffAddrs(prev, cur map[string]string) (Change, bool) {
	now := time.Now()
	for key, iface := range prev {
		if _, ok := cur[key]; !ok {
			return Change{Kind: ChangeAddrRemoved, Interface: iface, At: now}, true
		}
	}
	for key, iface := range cur {
		if _, ok := prev[key]; !ok {
			return Change{Kind: ChangeAddrAdded, Interface: iface, At: now}, true
		}
	}
	return Change{}, false
}

// settle forwards the last change of every burst once in has been quiet for
// d. The output is closed after in closes or ctx ends; a pending change is
// flushed when in closes.
func settle(ctx context.Context, in <-chan Change, d time.Duration) <-chan Change {
	out := make(chan Change)
	go func() {
		defer close(out)

		timer := time.NewTimer(d)
		timer.Stop()
		defer timer.Stop()

		var last Change
		pending := false
		emit := func() bool {
			pending = false
			select {
			case out <- last:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-in:
				if !ok {
					if pending {
						emit()
					}
					return
				}
				last, pending = c, true
				timer.Reset(d)
			case <-timer.C:
				if pending && !emit() {
					return
				}
			}
		}
	}()
	return out
}
