//go:build !unix

package transport

import "syscall"

// control is a no-op where x/sys/unix is unavailable; the OS defaults apply.
func control(Options) func(network, address string, c syscall.RawConn) error {
	return nil
}
