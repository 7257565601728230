// SPDX-License-Identifier: MIT
//
// SO_REUSEPORT socket option (unsupported platforms).
//

//go:build !linux

package dns

import (
	"syscall"
)

var reusePortControl func(network, address string, c syscall.RawConn) error
