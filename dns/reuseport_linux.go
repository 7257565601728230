// SPDX-License-Identifier: MIT
//
// SO_REUSEPORT socket option (Linux).
//

//go:build linux

package dns

import (
	"syscall"

	"golang.org/x/sys/unix"
)

var reusePortControl = func(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
