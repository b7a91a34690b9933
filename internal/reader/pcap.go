package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/alphascan/internal/monitoring"
)

// PcapReplay replays reader notify traffic from a capture file. TCP payloads
// to or from Port are reassembled per connection in capture order, and each
// connection becomes one message when it closes (FIN or RST) or the capture
// ends.
type PcapReplay struct {
	Path string
	Port int
	// SpeedMultiplier paces delivery by capture timestamps (1.0 = real time).
	// Zero replays as fast as possible.
	SpeedMultiplier float64

	mu     sync.Mutex
	file   *os.File
	src    *gopacket.PacketSource
	cancel context.CancelFunc
	done   chan struct{}
	count  int
}

// NewPcapReplay creates a replay of path filtered to TCP port.
func NewPcapReplay(path string, port int) *PcapReplay {
	return &PcapReplay{Path: path, Port: port}
}

// Connect opens the capture. A capture that was already replayed is reopened
// from the start.
func (p *PcapReplay) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.src != nil {
		return nil
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", p.Path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read PCAP header %s: %w", p.Path, err)
	}
	p.file = f
	p.src = gopacket.NewPacketSource(r, r.LinkType())
	return nil
}

// Start replays on a background goroutine. Done closes when the capture is
// exhausted or Stop is called.
func (p *PcapReplay) Start(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.src == nil {
		return ErrNotConnected
	}
	if p.cancel != nil {
		return ErrStreaming
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	src, done := p.src, p.done
	go func() {
		defer close(done)
		n, err := p.replay(ctx, src, h)
		if err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("[Reader] pcap replay %s: %v", p.Path, err)
		}
		monitoring.Logf("[Reader] pcap replay %s delivered %d messages", p.Path, n)
		p.mu.Lock()
		p.count += n
		p.mu.Unlock()
	}()
	return nil
}

// Done is closed when the current replay finishes. It is nil before Start.
func (p *PcapReplay) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Delivered returns the number of messages handed to the handler so far.
func (p *PcapReplay) Delivered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *PcapReplay) replay(ctx context.Context, src *gopacket.PacketSource, h Handler) (int, error) {
	streams := make(map[gopacket.Flow]map[gopacket.Flow]*bytes.Buffer)
	var order []flowKey
	delivered := 0

	emit := func(k flowKey) {
		buf := streams[k.net][k.transport]
		if buf == nil {
			return
		}
		delete(streams[k.net], k.transport)
		if buf.Len() > 0 {
			h(buf.String())
			delivered++
		}
	}

	var last time.Time
	for {
		packet, err := src.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return delivered, err
		}
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		if p.SpeedMultiplier > 0 {
			ts := packet.Metadata().Timestamp
			if !last.IsZero() {
				if d := time.Duration(float64(ts.Sub(last)) / p.SpeedMultiplier); d > 0 {
					select {
					case <-ctx.Done():
						return delivered, ctx.Err()
					case <-time.After(d):
					}
				}
			}
			last = ts
		}

		netLayer := packet.NetworkLayer()
		tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if netLayer == nil || !ok {
			continue
		}
		if int(tcp.SrcPort) != p.Port && int(tcp.DstPort) != p.Port {
			continue
		}

		k := flowKey{net: netLayer.NetworkFlow(), transport: tcp.TransportFlow()}
		byTransport := streams[k.net]
		if byTransport == nil {
			byTransport = make(map[gopacket.Flow]*bytes.Buffer)
			streams[k.net] = byTransport
		}
		if len(tcp.Payload) > 0 {
			buf := byTransport[k.transport]
			if buf == nil {
				buf = new(bytes.Buffer)
				byTransport[k.transport] = buf
				order = append(order, k)
			}
			buf.Write(tcp.Payload)
		}
		if tcp.FIN || tcp.RST {
			emit(k)
		}
	}

	for _, k := range order {
		emit(k)
	}
	return delivered, nil
}

type flowKey struct {
	net, transport gopacket.Flow
}

// Stop cancels a replay in progress and waits for it. The capture must be
// reconnected before the next Start.
func (p *PcapReplay) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return p.closeFile()
}

func (p *PcapReplay) closeFile() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.src = nil
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

func (p *PcapReplay) SendCommand(string) error { return ErrNoCommandLink }

func (p *PcapReplay) Close() error {
	return errors.Join(p.Stop(), p.closeFile())
}
