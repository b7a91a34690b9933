package rfid

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/alphascan/internal/output"
	"github.com/banshee-data/alphascan/internal/testutil"
)

type recordingSink struct {
	mu      sync.Mutex
	batches map[string][][]output.Record
}

func newRecordingSink() *recordingSink {
	return &recordingSink{batches: make(map[string][][]output.Record)}
}

func (s *recordingSink) TrySave(fileName string, records []output.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[fileName] = append(s.batches[fileName], records)
	return true
}

func (s *recordingSink) sizes(fileName string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, b := range s.batches[fileName] {
		out = append(out, len(b))
	}
	return out
}

func TestParseMessage(t *testing.T) {
	msg := testutil.AlienMessage(
		testutil.AlienTag("AAAA1111", 0, -50.5, 1000),
		"garbage line",
		"<Alien-RFID-Tag><TagID>BBBB</TagID><Last>2000</Last><RSSI>loud</RSSI><RX>1</RX></Alien-RFID-Tag>",
		testutil.AlienTag("CCCC2222", 3, -61, 3000),
	)

	readings, errs := ParseMessage(msg, nil)
	if len(readings) != 2 {
		t.Fatalf("got %d readings, want 2", len(readings))
	}
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
	var pe *ParseError
	if !errors.As(errs[0], &pe) || !strings.Contains(pe.Fragment, "BBBB") {
		t.Errorf("error = %v, want ParseError for BBBB", errs[0])
	}

	want := TagReading{TagID: "AAAA1111", AntennaID: 0, RSSI: -50.5, LastSeen: time.UnixMilli(1000).UTC()}
	if readings[0] != want {
		t.Errorf("reading[0] = %+v, want %+v", readings[0], want)
	}
	if readings[1].TagID != "CCCC2222" || readings[1].AntennaID != 3 {
		t.Errorf("reading[1] = %+v", readings[1])
	}
}

func TestParseMessageReaderTimestamp(t *testing.T) {
	msg := "<Alien-RFID-Tag><TagID>X1</TagID><Last>2024/03/05 10:11:12.345</Last><RSSI>-40</RSSI><RX>2</RX></Alien-RFID-Tag>"
	readings, errs := ParseMessage(msg, nil)
	if len(errs) != 0 || len(readings) != 1 {
		t.Fatalf("readings=%v errs=%v", readings, errs)
	}
	want := time.Date(2024, 3, 5, 10, 11, 12, 345e6, time.UTC)
	if !readings[0].LastSeen.Equal(want) {
		t.Errorf("LastSeen = %v, want %v", readings[0].LastSeen, want)
	}
}

func TestParseMessageMissingField(t *testing.T) {
	msg := "<Alien-RFID-Tag><TagID>X1</TagID><Last>5</Last><RSSI>-40</RSSI></Alien-RFID-Tag>"
	_, errs := ParseMessage(msg, nil)
	if len(errs) != 1 || !errors.Is(errs[0], errMissingField) {
		t.Errorf("errs = %v, want missing field", errs)
	}

	_, errs = ParseMessage("<Alien-RFID-Tag><TagID>X1</TagID>", nil)
	if len(errs) != 1 {
		t.Errorf("unterminated record: errs = %v", errs)
	}
}

func TestParseMessageRequirements(t *testing.T) {
	req := &TagRequirements{TagCode: "AB", TagCodeIndex: 0, YearCode: "24", YearCodeIndex: 4}
	msg := testutil.AlienMessage(
		testutil.AlienTag("AB0024XX", 0, -40, 1),
		testutil.AlienTag("AB0023XX", 0, -40, 2),
		testutil.AlienTag("ZZ0024XX", 0, -40, 3),
		testutil.AlienTag("AB", 0, -40, 4),
	)
	readings, errs := ParseMessage(msg, req)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(readings) != 1 || readings[0].TagID != "AB0024XX" {
		t.Errorf("readings = %+v, want only AB0024XX", readings)
	}
	for _, r := range readings {
		if !req.Valid(r.TagID) {
			t.Errorf("emitted invalid tag %s", r.TagID)
		}
	}
}

func TestMessageParserLifecycle(t *testing.T) {
	p := NewMessageParser(nil)
	msg := testutil.AlienMessage(testutil.AlienTag("T1", 1, -40, 100))

	// Off: ignored.
	p.HandleMessage(msg)
	if got := p.Stats().Ignored; got != 1 {
		t.Errorf("Ignored = %d, want 1", got)
	}

	if err := p.Start(context.Background(), nil); !errors.Is(err, ErrNoOutput) {
		t.Errorf("Start(nil) = %v, want ErrNoOutput", err)
	}

	out := make(chan TagReading, 4)
	testutil.AssertNoError(t, p.Start(context.Background(), out))
	if err := p.Start(context.Background(), out); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if err := p.SetSettings(ParserSettings{}); !errors.Is(err, ErrSettingsLocked) {
		t.Errorf("SetSettings while running = %v, want ErrSettingsLocked", err)
	}

	p.HandleMessage(msg)
	testutil.AssertNoError(t, p.StopAndWait(context.Background()))
	testutil.AssertNoError(t, p.StopAndWait(context.Background()))

	got := testutil.Drain(t, out, time.Second)
	if len(got) != 1 || got[0].TagID != "T1" {
		t.Errorf("got %+v", got)
	}
	if p.IsRunning() {
		t.Error("parser still running after stop")
	}

	// Messages after stop are ignored and the closed queue is not touched.
	p.HandleMessage(msg)
	if got := p.Stats().Ignored; got != 2 {
		t.Errorf("Ignored = %d, want 2", got)
	}

	// The parser can be restarted with a fresh queue.
	out2 := make(chan TagReading, 1)
	testutil.AssertNoError(t, p.Start(context.Background(), out2))
	p.Abort()
	p.Abort()
	if _, ok := <-out2; ok {
		t.Error("expected closed queue after Abort")
	}
}

func TestMessageParserSavesInBatches(t *testing.T) {
	sink := newRecordingSink()
	p := NewMessageParser(sink)
	testutil.AssertNoError(t, p.SetSettings(ParserSettings{SaveReadings: true, FileName: "TagData.csv", BatchSize: 2}))

	out := make(chan TagReading, 8)
	testutil.AssertNoError(t, p.Start(context.Background(), out))
	p.HandleMessage(testutil.AlienMessage(
		testutil.AlienTag("T1", 0, -40, 1),
		testutil.AlienTag("T2", 0, -40, 2),
		testutil.AlienTag("T3", 0, -40, 3),
	))
	if got := sink.sizes("TagData.csv"); len(got) != 1 || got[0] != 2 {
		t.Errorf("batches before stop = %v, want [2]", got)
	}
	testutil.AssertNoError(t, p.StopAndWait(context.Background()))
	if got := sink.sizes("TagData.csv"); len(got) != 2 || got[1] != 1 {
		t.Errorf("batches after stop = %v, want [2 1]", got)
	}
}

func TestMessageParserSettingsValidation(t *testing.T) {
	p := NewMessageParser(nil)
	var ce *ConfigError
	if err := p.SetSettings(ParserSettings{SaveReadings: true, FileName: "x.csv"}); !errors.As(err, &ce) {
		t.Errorf("save without sink: err = %v, want ConfigError", err)
	}
	p = NewMessageParser(newRecordingSink())
	if err := p.SetSettings(ParserSettings{SaveReadings: true}); !errors.As(err, &ce) {
		t.Errorf("save without file name: err = %v, want ConfigError", err)
	}
	testutil.AssertNoError(t, p.SetSettings(ParserSettings{}))
	if got := p.Settings().BatchSize; got != DefaultSaveBatchSize {
		t.Errorf("BatchSize = %d, want %d", got, DefaultSaveBatchSize)
	}
}

func TestMessageParserAbortUnblocksWriters(t *testing.T) {
	p := NewMessageParser(nil)
	out := make(chan TagReading) // nobody reads
	testutil.AssertNoError(t, p.Start(context.Background(), out))

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.HandleMessage(testutil.AlienTag("T1", 0, -40, 1))
	}()
	testutil.WaitFor(t, time.Second, func() bool { return p.calls.count() == 1 }, "message in flight")

	p.Abort()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleMessage still blocked after Abort")
	}
	if _, ok := <-out; ok {
		t.Error("expected closed queue")
	}
}

func TestMessageParserStopTimesOut(t *testing.T) {
	p := NewMessageParser(nil)
	out := make(chan TagReading)
	testutil.AssertNoError(t, p.Start(context.Background(), out))

	go p.HandleMessage(testutil.AlienTag("T1", 0, -40, 1))
	testutil.WaitFor(t, time.Second, func() bool { return p.calls.count() == 1 }, "message in flight")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.StopAndWait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("StopAndWait = %v, want deadline exceeded", err)
	}
	if _, ok := <-out; ok {
		t.Error("expected closed queue")
	}
}

func TestMessageParserConcurrentCallbacks(t *testing.T) {
	p := NewMessageParser(nil)
	out := make(chan TagReading, 1000)
	testutil.AssertNoError(t, p.Start(context.Background(), out))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.HandleMessage(testutil.AlienMessage(
				testutil.AlienTag("T", i%4, -40, int64(i)),
				testutil.AlienTag("U", i%4, -40, int64(i)),
			))
		}(i)
	}
	wg.Wait()
	testutil.AssertNoError(t, p.StopAndWait(context.Background()))
	if got := len(testutil.Drain(t, out, time.Second)); got != 100 {
		t.Errorf("got %d readings, want 100", got)
	}
	if got := p.Stats().Readings; got != 100 {
		t.Errorf("Stats().Readings = %d, want 100", got)
	}
}
