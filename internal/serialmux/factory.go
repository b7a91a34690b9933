package serialmux

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"
)

// NewRealSerialMux opens the reader's console port at path.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	return NewSerialMux[serial.Port](port), nil
}

// NewNetSerialMux dials the reader's TCP command console (port 23 on stock
// firmware).
func NewNetSerialMux(ctx context.Context, address string) (*SerialMux[net.Conn], error) {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial reader %s: %w", address, err)
	}
	return NewSerialMux[net.Conn](conn), nil
}
