package rfid

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/alphascan/internal/fsutil"
	"github.com/banshee-data/alphascan/internal/monitoring"
	"github.com/banshee-data/alphascan/internal/timeutil"
)

// BlacklistHandler is notified of the first sighting of each blacklisted tag
// in a run. Handlers run on the detector goroutine and must not block.
type BlacklistHandler func(BlacklistHit)

// BlacklistDetector watches readings for tag IDs on a fixed list.
type BlacklistDetector struct {
	worker

	fs    fsutil.FileSystem
	clock timeutil.Clock

	list     map[string]struct{}
	fileName string

	handlersMu sync.RWMutex
	handlers   []BlacklistHandler

	hitsMu   sync.Mutex
	hits     []BlacklistHit
	reported map[string]struct{}
}

// NewBlacklistDetector returns a detector with no list loaded.
func NewBlacklistDetector(fs fsutil.FileSystem, clock timeutil.Clock) *BlacklistDetector {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &BlacklistDetector{fs: fs, clock: clock}
}

// LoadFile reads the blacklist, one tag ID per line. Blank lines and lines
// starting with # are skipped. It fails while the detector runs.
func (b *BlacklistDetector) LoadFile(fileName string) error {
	if fileName == "" {
		return &ConfigError{Field: "blacklist_file_name", Reason: "required when detecting blacklisted tags"}
	}
	data, err := b.fs.ReadFile(fileName)
	if err != nil {
		return &ConfigError{Field: "blacklist_file_name", Reason: "cannot read list", Err: err}
	}
	list := make(map[string]struct{})
	for _, line := range fsutil.Lines(data) {
		if strings.HasPrefix(line, "#") {
			continue
		}
		list[line] = struct{}{}
	}
	return b.locked(func() error {
		b.list = list
		b.fileName = fileName
		monitoring.Logf("[Blacklist] loaded %d tags from %s", len(list), fileName)
		return nil
	})
}

// SetList installs a list directly. It fails while the detector runs.
func (b *BlacklistDetector) SetList(ids []string) error {
	list := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			list[id] = struct{}{}
		}
	}
	return b.locked(func() error {
		b.list = list
		b.fileName = ""
		return nil
	})
}

// Len returns the size of the loaded list.
func (b *BlacklistDetector) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.list)
}

// Contains reports whether id is on the list.
func (b *BlacklistDetector) Contains(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.list[id]
	return ok
}

// OnHit registers a handler for blacklist hits.
func (b *BlacklistDetector) OnHit(h BlacklistHandler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Start clears the hits of the previous run and launches the detection
// loop. The loop exits when in is closed, Stop is called or ctx is done.
func (b *BlacklistDetector) Start(ctx context.Context, in <-chan TagReading) error {
	if in == nil {
		return ErrNoInput
	}
	b.mu.Lock()
	list := b.list
	b.mu.Unlock()
	if list == nil {
		return ErrNoBlacklist
	}
	if err := b.begin(); err != nil {
		return err
	}
	b.hitsMu.Lock()
	b.hits = nil
	b.reported = make(map[string]struct{})
	b.hitsMu.Unlock()

	go b.run(ctx, b.stopping(), list, in)
	return nil
}

func (b *BlacklistDetector) run(ctx context.Context, stop <-chan struct{}, list map[string]struct{}, in <-chan TagReading) {
	defer b.end()
	monitoring.Logf("[Blacklist] started with %d tags", len(list))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			monitoring.Logf("[Blacklist] stopped, %d hits", len(b.DetectedTags()))
			return
		case r, ok := <-in:
			if !ok {
				monitoring.Logf("[Blacklist] input closed, %d hits", len(b.DetectedTags()))
				return
			}
			if _, listed := list[r.TagID]; listed {
				b.report(r)
			}
		}
	}
}

func (b *BlacklistDetector) report(r TagReading) {
	b.hitsMu.Lock()
	if _, seen := b.reported[r.TagID]; seen {
		b.hitsMu.Unlock()
		return
	}
	hit := BlacklistHit{Reading: r, DetectedAt: b.clock.Now()}
	b.reported[r.TagID] = struct{}{}
	b.hits = append(b.hits, hit)
	b.hitsMu.Unlock()

	monitoring.Logf("[Blacklist] blacklisted tag %s seen on antenna %d", r.TagID, r.AntennaID)
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	for _, h := range b.handlers {
		h(hit)
	}
}

// DetectedTags returns the hits of the current or most recent run.
func (b *BlacklistDetector) DetectedTags() []BlacklistHit {
	b.hitsMu.Lock()
	defer b.hitsMu.Unlock()
	return append([]BlacklistHit(nil), b.hits...)
}

func (b *BlacklistDetector) String() string {
	return fmt.Sprintf("BlacklistDetector(%d tags, %d hits)", b.Len(), len(b.DetectedTags()))
}
