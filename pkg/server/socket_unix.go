//go:build unix

package server

import "golang.org/x/sys/unix"

// setSocketOptions sets SO_REUSEADDR so a restarted server can rebind at once
func setSocketOptions(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
