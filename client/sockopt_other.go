//go:build !linux

// File: client/sockopt_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import "syscall"

// socketControl keeps the OS defaults outside Linux.
func socketControl(*Config) func(network, address string, rc syscall.RawConn) error {
	return nil
}
