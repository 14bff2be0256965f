//go:build linux

package netmon

import (
	"context"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// netlinkWatcher listens to rtnetlink link and address notifications.
type netlinkWatcher struct {
	cfg Config
	fd  int
}

func newPlatformWatcher(cfg Config) (Watcher, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, err
	}
	groups := uint32(unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR)
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: groups}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	// Bounded reads let the loop notice a cancelled context
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &netlinkWatcher{cfg: cfg, fd: fd}, nil
}

func (w *netlinkWatcher) Watch(ctx context.Context) (<-chan Change, error) {
	raw := make(chan Change, 16)
	go w.read(ctx, raw)
	return settle(ctx, raw, w.cfg.Settle), nil
}

func (w *netlinkWatcher) read(ctx context.Context, raw chan<- Change) {
	defer close(raw)

	buf := make([]byte, 1<<16)
	for ctx.Err() == nil {
		n, _, err := unix.Recvfrom(w.fd, buf, 0)
		if err != nil {
			//nolint:errorlint // errno values are compared directly
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}

		msgs, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			continue
		}
		for i := range msgs {
			c, ok := parseRoute(&msgs[i])
			if !ok || ignored(w.cfg.Ignore, c.Interface) {
				continue
			}
			select {
			case raw <- c:
			default:
				// settle only needs the latest change
			}
		}
	}
}

// parseRoute maps a link or address notification to a Change.
func parseRoute(msg *syscall.NetlinkMessage) (Change, bool) {
	c := Change{At: time.Now()}
	var nameAttr uint16
	switch msg.Header.Type {
	case syscall.RTM_NEWADDR:
		c.Kind, nameAttr = ChangeAddrAdded, syscall.IFA_LABEL
	case syscall.RTM_DELADDR:
		c.Kind, nameAttr = ChangeAddrRemoved, syscall.IFA_LABEL
	case syscall.RTM_NEWLINK:
		c.Kind, nameAttr = ChangeLinkUp, syscall.IFLA_IFNAME
	case syscall.RTM_DELLINK:
		c.Kind, nameAttr = ChangeLinkDown, syscall.IFLA_IFNAME
	default:
		return c, false
	}

	attrs, err := syscall.ParseNetlinkRouteAttr(msg)
	if err != nil {
		return c, true
	}
	for _, a := range attrs {
		if a.Attr.Type == nameAttr && len(a.Value) > 0 {
			c.Interface = string(a.Value[:len(a.Value)-1]) // NUL-terminated
			break
		}
	}
	return c, true
}

func (w *netlinkWatcher) Close() error {
	return unix.Close(w.fd)
}
