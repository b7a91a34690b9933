package output

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/alphascan/internal/monitoring"
)

// ErrSinkClosed is returned by NextRun after Close.
var ErrSinkClosed = errors.New("sink closed")

type runStarter interface {
	NextRun(runID string) (string, error)
}

type job struct {
	fileName string
	records  []Record
	run      *runRequest
}

type runRequest struct {
	id    string
	reply chan runReply
}

type runReply struct {
	label string
	err   error
}

// AsyncSink queues batches for a single writer goroutine. When the queue is
// full the batch is dropped and counted, so callers never wait on storage.
type AsyncSink struct {
	w     Writer
	queue chan job

	mu      sync.RWMutex
	closed  bool
	doneCh  chan struct{}
	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewAsyncSink starts the writer goroutine. Close must be called to release it.
func NewAsyncSink(w Writer, capacity int) *AsyncSink {
	if capacity < 1 {
		capacity = 1
	}
	s := &AsyncSink{
		w:      w,
		queue:  make(chan job, capacity),
		doneCh: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.doneCh)
	for j := range s.queue {
		if j.run != nil {
			var r runReply
			if rs, ok := s.w.(runStarter); ok {
				r.label, r.err = rs.NextRun(j.run.id)
			}
			j.run.reply <- r
			continue
		}
		if err := s.w.Write(j.fileName, j.records); err != nil {
			s.failed.Add(1)
			monitoring.Logf("[output] failed to save %d records to %s: %v", len(j.records), j.fileName, err)
			continue
		}
		s.written.Add(uint64(len(j.records)))
	}
}

// TrySave implements Sink.
func (s *AsyncSink) TrySave(fileName string, records []Record) bool {
	if len(records) == 0 {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(uint64(len(records)))
		return false
	}
	select {
	case s.queue <- job{fileName: fileName, records: records}:
		return true
	default:
		n := s.dropped.Add(uint64(len(records)))
		monitoring.Logf("[output] save queue full, dropped %d records for %s (%d total)", len(records), fileName, n)
		return false
	}
}

// NextRun is ordered behind every batch already queued, so earlier records
// land in the previous run. It blocks until the writer has switched runs.
func (s *AsyncSink) NextRun(runID string) (string, error) {
	req := &runRequest{id: runID, reply: make(chan runReply, 1)}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return "", ErrSinkClosed
	}
	s.queue <- job{run: req}
	s.mu.RUnlock()
	r := <-req.reply
	return r.label, r.err
}

// Close stops accepting batches and waits for queued ones to be written.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports records written, records dropped and failed batches.
func (s *AsyncSink) Stats() (written, dropped, failed uint64) {
	return s.written.Load(), s.dropped.Load(), s.failed.Load()
}
