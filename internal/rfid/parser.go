package rfid

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/alphascan/internal/monitoring"
	"github.com/banshee-data/alphascan/internal/output"
)

const (
	tagOpen  = "<Alien-RFID-Tag>"
	tagClose = "</Alien-RFID-Tag>"

	// readerTimeLayout is the reader's native timestamp format, accepted in
	// <Last> when it does not hold epoch milliseconds.
	readerTimeLayout = "2006/01/02 15:04:05.000"

	DefaultSaveBatchSize = 16
)

// alienTag is one custom-format tag record as streamed by the reader.
type alienTag struct {
	XMLName xml.Name `xml:"Alien-RFID-Tag"`
	TagID   *string  `xml:"TagID"`
	Last    *string  `xml:"Last"`
	RSSI    *string  `xml:"RSSI"`
	RX      *string  `xml:"RX"`
}

var errMissingField = errors.New("missing field")

// ParseMessage extracts every tag record from a raw reader message. Tags
// rejected by req are dropped silently; records that cannot be decoded are
// reported as *ParseError and skipped.
func ParseMessage(raw string, req *TagRequirements) ([]TagReading, []error) {
	var (
		readings []TagReading
		errs     []error
	)
	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		start := strings.Index(line, tagOpen)
		if start < 0 {
			continue
		}
		end := strings.Index(line[start:], tagClose)
		if end < 0 {
			errs = append(errs, &ParseError{Fragment: line[start:], Err: errors.New("unterminated tag record")})
			continue
		}
		fragment := line[start : start+end+len(tagClose)]
		r, err := decodeTag(fragment)
		if err != nil {
			errs = append(errs, &ParseError{Fragment: fragment, Err: err})
			continue
		}
		if !req.Valid(r.TagID) {
			continue
		}
		readings = append(readings, r)
	}
	return readings, errs
}

func decodeTag(fragment string) (TagReading, error) {
	var t alienTag
	if err := xml.Unmarshal([]byte(fragment), &t); err != nil {
		return TagReading{}, err
	}
	field := func(name string, v *string) (string, error) {
		if v == nil || strings.TrimSpace(*v) == "" {
			return "", fmt.Errorf("%w %s", errMissingField, name)
		}
		return strings.TrimSpace(*v), nil
	}

	id, err := field("TagID", t.TagID)
	if err != nil {
		return TagReading{}, err
	}
	lastStr, err := field("Last", t.Last)
	if err != nil {
		return TagReading{}, err
	}
	rssiStr, err := field("RSSI", t.RSSI)
	if err != nil {
		return TagReading{}, err
	}
	rxStr, err := field("RX", t.RX)
	if err != nil {
		return TagReading{}, err
	}

	last, err := parseLast(lastStr)
	if err != nil {
		return TagReading{}, err
	}
	rssi, err := strconv.ParseFloat(rssiStr, 64)
	if err != nil {
		return TagReading{}, fmt.Errorf("RSSI: %w", err)
	}
	rx, err := strconv.Atoi(rxStr)
	if err != nil {
		return TagReading{}, fmt.Errorf("RX: %w", err)
	}
	return TagReading{TagID: id, AntennaID: rx, RSSI: rssi, LastSeen: last}, nil
}

func parseLast(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.ParseInLocation(readerTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("Last: unrecognised timestamp %q", s)
	}
	return t, nil
}

// ParserSettings configures a MessageParser.
type ParserSettings struct {
	Requirements *TagRequirements
	SaveReadings bool
	FileName     string
	BatchSize    int
}

// ParserStats counts what the parser has seen since it was created.
type ParserStats struct {
	Messages  uint64 `json:"messages"`
	Readings  uint64 `json:"readings"`
	Malformed uint64 `json:"malformed"`
	Ignored   uint64 `json:"ignored"`
}

// MessageParser receives raw messages from the reader transport, possibly
// from several goroutines at once, and writes the decoded readings to its
// output queue. It starts switched off; messages received while off are
// dropped.
type MessageParser struct {
	sink output.Sink

	mu       sync.RWMutex
	on       bool
	settings ParserSettings
	out      chan<- TagReading
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool

	calls inflight

	batchMu sync.Mutex
	batch   []output.Record

	messages  atomic.Uint64
	readings  atomic.Uint64
	malformed atomic.Uint64
	ignored   atomic.Uint64
}

// NewMessageParser returns a parser that saves readings through sink when
// saving is enabled. sink may be nil if saving stays off.
func NewMessageParser(sink output.Sink) *MessageParser {
	return &MessageParser{
		sink:     sink,
		settings: ParserSettings{BatchSize: DefaultSaveBatchSize},
	}
}

// SetSettings replaces the parser settings. It fails while the parser is on
// or any message is still being processed.
func (p *MessageParser) SetSettings(s ParserSettings) error {
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultSaveBatchSize
	}
	if s.SaveReadings {
		if s.FileName == "" {
			return &ConfigError{Field: "tag_data_file_name", Reason: "required when saving readings"}
		}
		if p.sink == nil {
			return &ConfigError{Field: "save_tag_data", Reason: "no sink configured"}
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.on || p.calls.count() > 0 {
		return ErrSettingsLocked
	}
	p.settings = s
	return nil
}

// Settings returns the current settings.
func (p *MessageParser) Settings() ParserSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// Start switches the parser on. Readings are written to out until
// StopAndWait or Abort, either of which closes out.
func (p *MessageParser) Start(ctx context.Context, out chan<- TagReading) error {
	if out == nil {
		return ErrNoOutput
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.on {
		return ErrAlreadyRunning
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.out = out
	p.closed = false
	p.on = true
	monitoring.Logf("[Parser] started")
	return nil
}

// IsRunning reports whether the parser is accepting messages.
func (p *MessageParser) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.on
}

// HandleMessage is the transport callback.
func (p *MessageParser) HandleMessage(raw string) {
	p.mu.RLock()
	if !p.on {
		p.mu.RUnlock()
		p.ignored.Add(1)
		return
	}
	p.calls.add()
	out, ctx, s := p.out, p.ctx, p.settings
	p.mu.RUnlock()
	defer p.calls.done()

	p.messages.Add(1)
	readings, errs := ParseMessage(raw, s.Requirements)
	for _, err := range errs {
		p.malformed.Add(1)
		monitoring.Logf("[Parser] %v", err)
	}
	for _, r := range readings {
		select {
		case out <- r:
			p.readings.Add(1)
			monitoring.Tracef("[Parser] tag %s antenna %d rssi %.1f", r.TagID, r.AntennaID, r.RSSI)
		case <-ctx.Done():
			return
		}
		if s.SaveReadings {
			p.save(r, s)
		}
	}
}

func (p *MessageParser) save(r TagReading, s ParserSettings) {
	p.batchMu.Lock()
	p.batch = append(p.batch, r)
	if len(p.batch) < s.BatchSize {
		p.batchMu.Unlock()
		return
	}
	batch := p.batch
	p.batch = nil
	p.batchMu.Unlock()
	p.sink.TrySave(s.FileName, batch)
}

func (p *MessageParser) flush() {
	p.batchMu.Lock()
	batch := p.batch
	p.batch = nil
	p.batchMu.Unlock()
	s := p.Settings()
	if len(batch) > 0 && s.SaveReadings && p.sink != nil {
		p.sink.TrySave(s.FileName, batch)
	}
}

// switchOff turns the parser off and returns the queue to close, or nil if
// it was already closed.
func (p *MessageParser) switchOff(cancel bool) (chan<- TagReading, context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.on = false
	if p.closed {
		return nil, nil
	}
	if cancel && p.cancel != nil {
		p.cancel()
	}
	return p.out, p.cancel
}

func (p *MessageParser) closeOut(out chan<- TagReading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		close(out)
		p.closed = true
	}
}

// StopAndWait switches the parser off, waits for messages in flight to
// finish, closes the output queue and saves any buffered readings. If ctx
// expires first the remaining writers are abandoned as in Abort. Calling it
// again is a no-op.
func (p *MessageParser) StopAndWait(ctx context.Context) error {
	out, cancel := p.switchOff(false)
	if out == nil {
		return nil
	}
	err := p.calls.wait(ctx)
	if err != nil {
		cancel()
		_ = p.calls.wait(context.Background())
	}
	p.closeOut(out)
	cancel()
	p.flush()
	monitoring.Logf("[Parser] stopped")
	return err
}

// Abort switches the parser off and unblocks every writer without waiting
// for queued readings to be consumed. Buffered readings are not saved.
func (p *MessageParser) Abort() {
	out, _ := p.switchOff(true)
	if out == nil {
		return
	}
	_ = p.calls.wait(context.Background())
	p.closeOut(out)
	p.batchMu.Lock()
	p.batch = nil
	p.batchMu.Unlock()
	monitoring.Logf("[Parser] aborted")
}

// Stats returns the parser counters.
func (p *MessageParser) Stats() ParserStats {
	return ParserStats{
		Messages:  p.messages.Load(),
		Readings:  p.readings.Load(),
		Malformed: p.malformed.Load(),
		Ignored:   p.ignored.Load(),
	}
}
