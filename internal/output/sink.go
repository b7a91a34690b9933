// Package output persists pipeline records. Stages hand batches to a Sink
// and never wait on storage: sinks either accept the batch or drop it.
package output

import (
	"errors"
)

// Record is anything that can be written as a CSV row under a fixed header.
type Record interface {
	CSVHeader() []string
	CSVRow() []string
}

// Sink accepts batches of records for a named log. TrySave reports whether
// the batch was accepted; it must not block on I/O.
type Sink interface {
	TrySave(fileName string, records []Record) bool
}

// RunSink is a Sink that groups records by run. NextRun is called once at
// the start of every run.
type RunSink interface {
	Sink
	NextRun(runID string) (string, error)
}

// Writer is the blocking persistence primitive wrapped by AsyncSink.
type Writer interface {
	Write(fileName string, records []Record) error
}

// MultiSink fans a batch out to several sinks.
type MultiSink []Sink

// TrySave offers the batch to every sink and reports whether all accepted it.
func (m MultiSink) TrySave(fileName string, records []Record) bool {
	ok := true
	for _, s := range m {
		if !s.TrySave(fileName, records) {
			ok = false
		}
	}
	return ok
}

// NextRun starts a new run on every member that tracks runs. The first
// non-empty run label is returned.
func (m MultiSink) NextRun(runID string) (string, error) {
	var label string
	var errs []error
	for _, s := range m {
		rs, ok := s.(RunSink)
		if !ok {
			continue
		}
		l, err := rs.NextRun(runID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if label == "" {
			label = l
		}
	}
	return label, errors.Join(errs...)
}

// Records converts a typed slice to []Record.
func Records[T Record](items []T) []Record {
	out := make([]Record, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}
