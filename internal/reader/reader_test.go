package reader

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/alphascan/internal/serialmux"
	"github.com/banshee-data/alphascan/internal/testutil"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(m string) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) sorted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.msgs...)
	sort.Strings(out)
	return out
}

func TestMuxTransportLifecycle(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	tr := NewMuxTransport(serialmux.NewSerialMux(port), []string{"set TimeZone = 0"}, 3)

	var c collector
	assert.ErrorIs(t, tr.Start(c.handle), ErrNotConnected)
	assert.ErrorIs(t, tr.SendCommand("get AutoMode"), ErrNotConnected)

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Start(c.handle))
	assert.ErrorIs(t, tr.Start(c.handle), ErrStreaming)

	port.AddReadData("#Alien Tag List\r\n" +
		testutil.AlienTag("A", 0, -40, 1) + "\r\n" +
		"AutoMode = ON\r\n" +
		testutil.AlienTag("B", 1, -41, 2) + "\r\n")
	testutil.WaitFor(t, time.Second, func() bool { return c.count() == 2 }, "two tag lines")

	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())
	require.NoError(t, tr.SendCommand("get ReaderName"))
	require.NoError(t, tr.Close())

	got := c.sorted()
	assert.Contains(t, got[0], "<TagID>A</TagID>")
	assert.Contains(t, got[1], "<TagID>B</TagID>")

	want := []string{
		"set TimeZone = 0",
		"set AutoMode = On",
		"set AutoMode = Off",
		"get ReaderName",
		"q",
	}
	assert.Equal(t, strings.Join(want, "\r\n")+"\r\n", port.Written())
}

func TestMuxTransportInitFailure(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.WriteError = errors.New("unplugged")
	tr := NewMuxTransport(serialmux.NewSerialMux(port), serialmux.DefaultAlienInitCommands(), 1)
	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unplugged")
	assert.ErrorIs(t, tr.Start(func(string) {}), ErrNotConnected)
	tr.Close()
}

func TestNotifyListenerDeliversPerConnection(t *testing.T) {
	n := NewNotifyListener("127.0.0.1:0", nil, nil)
	var c collector
	assert.ErrorIs(t, n.Start(c.handle), ErrNotConnected)
	require.NoError(t, n.Connect(context.Background()))
	require.NoError(t, n.Start(c.handle))
	addr := n.Addr().String()

	send := func(payload string) {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		_, err = conn.Write([]byte(payload))
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	}
	msg1 := testutil.AlienMessage(testutil.AlienTag("A", 0, -40, 1), testutil.AlienTag("A", 1, -42, 2))
	msg2 := testutil.AlienMessage(testutil.AlienTag("B", 2, -50, 3))
	send(msg1)
	send(msg2)

	testutil.WaitFor(t, 2*time.Second, func() bool { return c.count() == 2 }, "two notify messages")
	assert.ElementsMatch(t, []string{msg1, msg2}, c.sorted())

	require.NoError(t, n.Stop())
	require.NoError(t, n.Stop())
	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed after Stop")
	assert.ErrorIs(t, n.SendCommand("x"), ErrNoCommandLink)
	require.NoError(t, n.Close())
}

func TestNotifyListenerWithControlLink(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	n := NewNotifyListener("127.0.0.1:0", serialmux.NewSerialMux(port), []string{"set TagStreamMode = On"})
	require.NoError(t, n.Connect(context.Background()))
	require.NoError(t, n.Start(func(string) {}))
	require.NoError(t, n.SendCommand("get TagStreamAddress"))
	require.NoError(t, n.Close())

	want := "set TagStreamMode = On\r\nset AutoMode = On\r\nget TagStreamAddress\r\nset AutoMode = Off\r\nq\r\n"
	assert.Equal(t, want, port.Written())
}

type segment struct {
	srcPort, dstPort int
	payload          string
	fin              bool
}

func writeCapture(t *testing.T, segs []segment) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, s := range segs {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
			SrcIP: net.IP{10, 0, 0, 2}, DstIP: net.IP{10, 0, 0, 1},
		}
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(s.srcPort), DstPort: layers.TCPPort(s.dstPort),
			Seq: uint32(1000 + i), PSH: s.payload != "", ACK: true, FIN: s.fin, Window: 1024,
		}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload([]byte(s.payload))))
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestPcapReplayReassemblesStreams(t *testing.T) {
	tagA := testutil.AlienTag("A", 0, -40, 1)
	tagB := testutil.AlienTag("B", 1, -40, 2)
	path := writeCapture(t, []segment{
		{50001, 4000, tagA[:20], false},
		{9999, 80, "GET / HTTP/1.1\r\n", false}, // other traffic
		{50002, 4000, tagB, false},
		{50001, 4000, tagA[20:], false},
		{50001, 4000, "", true},
	})

	p := NewPcapReplay(path, 4000)
	var c collector
	assert.ErrorIs(t, p.Start(c.handle), ErrNotConnected)
	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.Start(c.handle))
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not finish")
	}

	c.mu.Lock()
	got := append([]string(nil), c.msgs...)
	c.mu.Unlock()
	// A closes first; B is flushed at the end of the capture.
	assert.Equal(t, []string{tagA, tagB}, got)
	assert.Equal(t, 2, p.Delivered())
	assert.ErrorIs(t, p.SendCommand("x"), ErrNoCommandLink)
	require.NoError(t, p.Stop())

	// A stopped replay can be reconnected and replayed again.
	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.Start(func(string) {}))
	<-p.Done()
	assert.Equal(t, 4, p.Delivered())
	require.NoError(t, p.Close())
}

func TestPcapReplayMissingFile(t *testing.T) {
	p := NewPcapReplay(filepath.Join(t.TempDir(), "nope.pcap"), 4000)
	assert.Error(t, p.Connect(context.Background()))
}

func TestDisabledTransport(t *testing.T) {
	var tr Transport = Disabled{}
	assert.NoError(t, tr.Connect(context.Background()))
	assert.NoError(t, tr.Start(func(string) {}))
	assert.NoError(t, tr.Stop())
	assert.ErrorIs(t, tr.SendCommand("x"), ErrNoCommandLink)
	assert.NoError(t, tr.Close())

	var _ Transport = (*MuxTransport)(nil)
	var _ Transport = (*NotifyListener)(nil)
	var _ Transport = (*PcapReplay)(nil)
}
