// Package reader connects the pipeline to an Alien RFID reader. A Transport
// delivers raw text messages (one or more tag records each) to a Handler and
// carries opaque commands back to the reader.
package reader

import (
	"context"
	"errors"
)

var (
	ErrNotConnected  = errors.New("reader: not connected")
	ErrStreaming     = errors.New("reader: already streaming")
	ErrNoCommandLink = errors.New("reader: transport has no command link")
)

// Handler receives one raw message. Transports may call it from several
// goroutines at once.
type Handler func(message string)

// Transport is the inbound side of the pipeline.
type Transport interface {
	// Connect opens the link and pushes any setup commands. Calling it on a
	// connected transport is a no-op.
	Connect(ctx context.Context) error
	// Start begins delivering messages to h.
	Start(h Handler) error
	// Stop halts delivery and waits for in-flight handler calls to return.
	// It is safe to call more than once.
	Stop() error
	// SendCommand forwards an opaque command to the reader.
	SendCommand(cmd string) error
	// Close releases the link. The transport cannot be reused.
	Close() error
}

// Disabled is a Transport that never delivers anything. It lets the service
// run without hardware.
type Disabled struct{}

func (Disabled) Connect(context.Context) error { return nil }
func (Disabled) Start(Handler) error           { return nil }
func (Disabled) Stop() error                   { return nil }
func (Disabled) SendCommand(string) error      { return ErrNoCommandLink }
func (Disabled) Close() error                  { return nil }
