package reader

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/alphascan/internal/monitoring"
	"github.com/banshee-data/alphascan/internal/serialmux"
)

// maxNotifySize bounds a single notify payload.
const maxNotifySize = 4 << 20

// NotifyListener accepts the reader's tag stream connections. With
// TagStreamMode on the reader connects out to this listener; each
// connection's payload is one message, handled on its own goroutine.
type NotifyListener struct {
	address     string
	readTimeout time.Duration
	console     *console

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	handling bool
	wg       sync.WaitGroup
}

// NewNotifyListener listens on address (host:port). control, when non-nil, is
// the reader's command link used for setup and AutoMode switching; without it
// SendCommand returns ErrNoCommandLink and the reader must be configured
// separately.
func NewNotifyListener(address string, control serialmux.SerialMuxInterface, init []string) *NotifyListener {
	n := &NotifyListener{
		address:     address,
		readTimeout: 30 * time.Second,
		conns:       make(map[net.Conn]struct{}),
	}
	if control != nil {
		n.console = newConsole(control, init)
	}
	return n
}

// Addr returns the bound address once connected.
func (n *NotifyListener) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Connect binds the listener and opens the command link if there is one.
func (n *NotifyListener) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.listener == nil {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", n.address)
		if err != nil {
			n.mu.Unlock()
			return err
		}
		n.listener = l
		monitoring.Logf("[Reader] notify listener on %s", l.Addr())
	}
	n.mu.Unlock()
	if n.console != nil {
		return n.console.connect()
	}
	return nil
}

func (n *NotifyListener) Start(h Handler) error {
	n.mu.Lock()
	if n.listener == nil {
		n.mu.Unlock()
		return ErrNotConnected
	}
	if n.handling {
		n.mu.Unlock()
		return ErrStreaming
	}
	n.handling = true
	l := n.listener
	n.wg.Add(1)
	go n.accept(l, h)
	n.mu.Unlock()

	if n.console != nil {
		if err := n.console.autoMode(true); err != nil {
			n.Stop()
			return err
		}
	}
	return nil
}

func (n *NotifyListener) accept(l net.Listener, h Handler) {
	defer n.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				monitoring.Logf("[Reader] accept: %v", err)
			}
			return
		}
		n.mu.Lock()
		if !n.handling {
			n.mu.Unlock()
			conn.Close()
			return
		}
		n.conns[conn] = struct{}{}
		n.wg.Add(1)
		n.mu.Unlock()
		go n.serve(conn, h)
	}
}

func (n *NotifyListener) serve(conn net.Conn, h Handler) {
	defer n.wg.Done()
	defer func() {
		n.mu.Lock()
		delete(n.conns, conn)
		n.mu.Unlock()
		conn.Close()
	}()
	conn.SetReadDeadline(time.Now().Add(n.readTimeout))
	data, err := io.ReadAll(io.LimitReader(conn, maxNotifySize))
	if err != nil {
		monitoring.Tracef("[Reader] notify from %s: %v", conn.RemoteAddr(), err)
	}
	if len(data) > 0 {
		h(string(data))
	}
}

// Stop closes the listener and any open connections, then waits for their
// handlers. The transport can be reconnected afterwards.
func (n *NotifyListener) Stop() error {
	n.mu.Lock()
	if !n.handling {
		n.mu.Unlock()
		return nil
	}
	n.handling = false
	l := n.listener
	n.listener = nil
	for c := range n.conns {
		c.Close()
	}
	n.mu.Unlock()

	var err error
	if n.console != nil {
		err = n.console.autoMode(false)
	}
	err = errors.Join(err, l.Close())
	n.wg.Wait()
	return err
}

func (n *NotifyListener) SendCommand(cmd string) error {
	if n.console == nil {
		return ErrNoCommandLink
	}
	return n.console.send(cmd)
}

func (n *NotifyListener) Close() error {
	err := n.Stop()
	n.mu.Lock()
	if n.listener != nil {
		err = errors.Join(err, n.listener.Close())
		n.listener = nil
	}
	n.mu.Unlock()
	if n.console != nil {
		err = errors.Join(err, n.console.close())
	}
	return err
}
