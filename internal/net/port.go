// Package net has small networking helpers for agent servers and their
// tests.
package net

import (
	"fmt"
	"net"
)

// EphemeralTCPPort reserves and immediately releases a free localhost TCP
// port, returning its number for a listener to bind shortly after.
func EphemeralTCPPort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire a port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
