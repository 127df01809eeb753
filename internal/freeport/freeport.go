// Package freeport hands out TCP ports that are free at the time of the call.
package freeport

import (
	"fmt"
	"net"
)

// Allocate asks the kernel for a free TCP port on host. The port is released
// again before returning, so a caller racing another process may still lose it.
func Allocate(host string) (port int, err error) {
	var a *net.TCPAddr
	if a, err = net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0")); err != nil {
		return 0, fmt.Errorf("resolve %s: %w", host, err)
	}
	var l *net.TCPListener
	if l, err = net.ListenTCP("tcp", a); err != nil {
		return 0, fmt.Errorf("listen on %s: %w", host, err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
