//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package election

import "syscall"

func shareDiscoveryPort(_, _ string, _ syscall.RawConn) error {
	return nil
}
