//go:build windows

package server

import "golang.org/x/sys/windows"

// setSocketOptions sets SO_REUSEADDR so a restarted server can rebind at once
func setSocketOptions(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}
