package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// NewMockSerialMux creates a SerialMux whose link emits a synthetic pass of
// tagID every interval: a rising then falling RSSI across antennas 0 to 3.
// Commands written to it are discarded. Used for bench runs without hardware.
func NewMockSerialMux(tagID string, interval time.Duration) *SerialMux[*MockSerialPort] {
	r, w := io.Pipe()
	port := &MockSerialPort{Reader: r, closer: w}

	go func() {
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		rssi := []float64{-70, -60, -50, -45, -50, -60, -70}
		for range ticker.C {
			start := time.Now().UnixMilli()
			for step, v := range rssi {
				for ant := 0; ant < 4; ant++ {
					line := fmt.Sprintf("<Alien-RFID-Tag><TagID>%s</TagID><Last>%d</Last><RSSI>%.1f</RSSI><RX>%d</RX></Alien-RFID-Tag>\r\n",
						tagID, start+int64(step*50+ant*5), v, ant)
					if _, err := w.Write([]byte(line)); err != nil {
						return
					}
				}
			}
		}
	}()

	return NewSerialMux(port)
}

// MockSerialPort reads from a generator and discards writes.
type MockSerialPort struct {
	io.Reader
	closer io.Closer
}

func (m *MockSerialPort) Write(p []byte) (int, error) { return len(p), nil }

func (m *MockSerialPort) Close() error { return m.closer.Close() }

// TestableSerialPort implements SerialPorter with controllable reads, writes
// and errors for tests.
type TestableSerialPort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	// WriteError is returned by the next Write call if set
	WriteError error
	// CloseError is returned by Close if set
	CloseError error
	Closed     bool

	// ShortWrite makes Write report one byte fewer than requested.
	ShortWrite bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a port whose reads block until data is added
// or the port is closed.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, io.EOF
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errors.New("port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	n, err := t.WriteBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

// Close marks the port closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData queues data for subsequent reads.
func (t *TestableSerialPort) AddReadData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.WriteString(data)
	t.readCond.Broadcast()
}

// Written returns everything written so far.
func (t *TestableSerialPort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.WriteBuffer.String()
}
