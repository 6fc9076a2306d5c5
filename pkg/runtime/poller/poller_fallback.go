//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package poller

import "github.com/remotecc/remotecc/pkg/netio"

func newPlatformPoller(breaker Descriptor, signaler *netio.Socket) Poller {
	return NewSelectPoller(breaker, signaler)
}
