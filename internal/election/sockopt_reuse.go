//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package election

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// shareDiscoveryPort sets SO_REUSEADDR and SO_REUSEPORT on the discovery
// socket. Broadcast datagrams reach every socket sharing the port.
func shareDiscoveryPort(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
