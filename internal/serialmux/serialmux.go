// Package serialmux multiplexes the line-oriented command link of an Alien
// RFID reader. A single serial port or TCP console carries both command
// responses and streamed tag lines; any number of subscribers receive every
// line, and commands from several callers are serialised onto the link.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/alphascan/internal/monitoring"
)

var ErrWriteFailed = fmt.Errorf("failed to write to reader link")

// Alien readers terminate commands and response lines with CRLF.
const lineTerminator = "\r\n"

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!DOCTYPE html>
<html>
<head><title>Reader console</title></head>
<body>
<form method="post" action="send-command-api">
  <input name="command" size="40" placeholder="get ReaderName">
  <button type="submit">Send</button>
</form>
<pre id="tail"></pre>
<script>
const tail = document.getElementById("tail");
const src = new EventSource("tail");
src.onmessage = (e) => { tail.textContent += e.data + "\n"; };
</script>
</body>
</html>
`))

// SerialPorter is the minimal interface needed for the reader link. Both
// go.bug.st/serial ports and net.Conn satisfy it.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialMux is a generic multiplexer that allows multiple clients to
// subscribe to lines from a single reader link.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
	state        *ReaderState
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving lines from the reader.
	// The channel ID is used when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the reader.
	SendCommand(string) error
	// Monitor reads lines from the link and fans them out to subscribers.
	Monitor(context.Context) error
	// Close closes all subscribed channels and the underlying link.
	Close() error

	// Initialize sends the given setup commands in order.
	Initialize(commands []string) error

	// State returns the most recent "name = value" responses seen.
	State() *ReaderState

	// AttachAdminRoutes attaches debugging endpoints to the given HTTP mux
	// served at /debug/. These routes are accessible only over
	// localhost/via Tailscale.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux instance backed by the given link.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
		state:       NewReaderState(),
	}
}

// DefaultAlienInitCommands puts the reader into autonomous streaming mode
// with the custom tag format the parser expects. The TagStreamAddress is left
// to the caller since it depends on where the notify listener runs.
func DefaultAlienInitCommands() []string {
	return []string{
		"set AutoMode = On",
		"set TagStreamMode = On",
		"set TagStreamFormat = Custom",
		"set TagStreamCustomFormat = " + CustomTagFormat,
		"set TagListMillis = ON",
		"set TimeZone = 0",
	}
}

// CustomTagFormat is the reader-side template producing one
// <Alien-RFID-Tag> element per tag.
const CustomTagFormat = `<Alien-RFID-Tag><TagID>%k</TagID><Last>%T</Last><RSSI>%m</RSSI><RX>%a</RX></Alien-RFID-Tag>`

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// SubscribeBuffered is Subscribe with a buffered channel, for consumers that
// cannot keep pace with bursts of tag lines.
func (s *SerialMux[T]) SubscribeBuffered(size int) (string, chan string) {
	id := randomID()
	ch := make(chan string, size)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize sends each setup command in order and stops at the first
// failure.
func (s *SerialMux[T]) Initialize(commands []string) error {
	for _, command := range commands {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send setup command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand sends a command to the reader.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	command = strings.TrimRight(command, "\r\n") + lineTerminator
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	monitoring.Tracef("reader <- %q", strings.TrimSpace(command))
	return nil
}

// State returns the reader settings observed on the link.
func (s *SerialMux[T]) State() *ReaderState { return s.state }

// Monitor reads the link and sends each line to subscribers
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	// Tag lists with many tags arrive as one long line on some firmware.
	scan.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs in its own goroutine so the outer loop can
	// observe context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- strings.TrimRight(scan.Text(), "\r\x00"):
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				return scan.Err()
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			if line == "" {
				continue
			}
			if ClassifyLine(line) == LineResponse {
				s.state.Observe(line)
			}

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					// skip full subscribers so one slow reader cannot stall the link
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("reader-console", "send a command to the RFID reader", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := sendCommandTemplate.Execute(w, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to reader", command)
	})

	debug.HandleSilentFunc("reader-state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, kv := range s.state.Snapshot() {
			fmt.Fprintf(w, "%s = %s\n", kv[0], kv[1])
		}
	})

	// Server-Sent Events for every line coming from the reader.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
