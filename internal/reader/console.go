package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/alphascan/internal/monitoring"
	"github.com/banshee-data/alphascan/internal/serialmux"
)

// console drives the reader's command link: it runs the mux monitor for the
// life of the transport and switches AutoMode around streaming.
type console struct {
	mux  serialmux.SerialMuxInterface
	init []string

	mu     sync.Mutex
	open   bool
	cancel context.CancelFunc
	done   chan struct{}
}

func newConsole(mux serialmux.SerialMuxInterface, init []string) *console {
	return &console{mux: mux, init: init}
}

func (c *console) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		if err := c.mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("[Reader] command link monitor stopped: %v", err)
		}
	}()
	if err := c.mux.Initialize(c.init); err != nil {
		cancel()
		<-c.done
		return fmt.Errorf("initialise reader: %w", err)
	}
	c.open = true
	return nil
}

func (c *console) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *console) autoMode(on bool) error {
	if !c.connected() {
		return ErrNotConnected
	}
	state := "Off"
	if on {
		state = "On"
	}
	return c.mux.SendCommand("set AutoMode = " + state)
}

func (c *console) send(cmd string) error {
	if !c.connected() {
		return ErrNotConnected
	}
	return c.mux.SendCommand(cmd)
}

func (c *console) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.open {
		// "q" ends the reader's console session.
		err = c.mux.SendCommand("q")
		c.open = false
	}
	err = errors.Join(err, c.mux.Close())
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
	return err
}
