package reader

import (
	"context"
	"sync"

	"github.com/banshee-data/alphascan/internal/serialmux"
)

// MuxTransport reads tag lines off a serialmux link (serial port or TCP
// console) and hands them to a pool of workers.
type MuxTransport struct {
	console *console
	mux     serialmux.SerialMuxInterface
	workers int
	buffer  int

	mu  sync.Mutex
	sub string
	wg  sync.WaitGroup
}

// NewMuxTransport wraps mux. init is pushed on Connect; workers is the number
// of goroutines calling the handler (at least one).
func NewMuxTransport(mux serialmux.SerialMuxInterface, init []string, workers int) *MuxTransport {
	if workers < 1 {
		workers = 1
	}
	return &MuxTransport{
		console: newConsole(mux, init),
		mux:     mux,
		workers: workers,
		buffer:  256,
	}
}

func (t *MuxTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.console.connect()
}

// Start subscribes to the link and turns AutoMode on. Only tag lines reach h.
func (t *MuxTransport) Start(h Handler) error {
	if !t.console.connected() {
		return ErrNotConnected
	}
	t.mu.Lock()
	if t.sub != "" {
		t.mu.Unlock()
		return ErrStreaming
	}
	var lines chan string
	if b, ok := t.mux.(interface {
		SubscribeBuffered(int) (string, chan string)
	}); ok {
		t.sub, lines = b.SubscribeBuffered(t.buffer)
	} else {
		t.sub, lines = t.mux.Subscribe()
	}
	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for line := range lines {
				if serialmux.ClassifyLine(line) == serialmux.LineTag {
					h(line)
				}
			}
		}()
	}
	t.mu.Unlock()

	if err := t.console.autoMode(true); err != nil {
		t.Stop()
		return err
	}
	return nil
}

// Stop turns AutoMode off, unsubscribes and waits for the workers.
func (t *MuxTransport) Stop() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = ""
	t.mu.Unlock()
	if sub == "" {
		return nil
	}
	err := t.console.autoMode(false)
	t.mux.Unsubscribe(sub)
	t.wg.Wait()
	return err
}

func (t *MuxTransport) SendCommand(cmd string) error { return t.console.send(cmd) }

func (t *MuxTransport) Close() error {
	t.Stop()
	return t.console.close()
}
