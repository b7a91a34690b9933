package output

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/banshee-data/alphascan/internal/fsutil"
)

// ErrNoRun is returned when records arrive before the first NextRun.
var ErrNoRun = errors.New("no run directory")

// Manager writes append-only CSV logs into numbered run directories
// (Run0, Run1, ...) under a base directory. Each file gets a header row
// when it is created.
type Manager struct {
	fs   fsutil.FileSystem
	base string

	mu     sync.Mutex
	runDir string
}

// NewManager returns a Manager rooted at base.
func NewManager(fs fsutil.FileSystem, base string) *Manager {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &Manager{fs: fs, base: base}
}

// NextRun creates the next unused Run<N> directory and directs subsequent
// writes there. The run ID is not used for the directory name; it only
// appears in the log.
func (m *Manager) NextRun(runID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for n := 0; ; n++ {
		name := fmt.Sprintf("Run%d", n)
		dir := filepath.Join(m.base, name)
		if m.fs.Exists(dir) {
			continue
		}
		if err := m.fs.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create run directory %s: %w", dir, err)
		}
		m.runDir = dir
		return name, nil
	}
}

// RunDir returns the directory of the current run.
func (m *Manager) RunDir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runDir
}

// Write appends records to fileName in the current run directory.
func (m *Manager) Write(fileName string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if fileName == "" || filepath.Base(fileName) != fileName {
		return fmt.Errorf("invalid log file name %q", fileName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runDir == "" {
		return ErrNoRun
	}
	path := filepath.Join(m.runDir, fileName)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if m.fs.Size(path) == 0 {
		if err := w.Write(records[0].CSVHeader()); err != nil {
			return err
		}
	}
	for _, r := range records {
		if err := w.Write(r.CSVRow()); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	f, err := m.fs.Append(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
