//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// control applies buffer sizes and traffic class before bind.
func control(opts Options) func(network, address string, c syscall.RawConn) error {
	if opts.SocketBuffer <= 0 && opts.DSCP <= 0 {
		return nil
	}

	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = setsockopts(int(fd), network, opts)
		})
		if err != nil {
			return err
		}
		return serr
	}
}

func setsockopts(fd int, network string, opts Options) error {
	if opts.SocketBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.SocketBuffer); err != nil {
			return err
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SocketBuffer); err != nil {
			return err
		}
	}

	if opts.DSCP > 0 {
		tos := opts.DSCP << 2
		if network == "udp6" {
			return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		}
		return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	}
	return nil
}
