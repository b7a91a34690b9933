package rfid

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/alphascan/internal/monitoring"
)

// DefaultPersistTime is how long a tag may go unseen before its collection
// is considered complete.
const DefaultPersistTime = 5000 * time.Millisecond

// CollatorStats counts collator activity since it was created.
type CollatorStats struct {
	Readings    uint64 `json:"readings"`
	Collections uint64 `json:"collections"`
	Active      int    `json:"active"`
}

// TagCollator groups readings by tag and emits each group once the tag has
// been quiet for longer than the persist time. Time is taken from the
// readings themselves, not the wall clock.
type TagCollator struct {
	worker

	persist time.Duration

	activeMu sync.Mutex
	active   map[string]*TagCollection

	readings    atomic.Uint64
	collections atomic.Uint64
}

// NewTagCollator returns a collator using DefaultPersistTime.
func NewTagCollator() *TagCollator {
	return &TagCollator{persist: DefaultPersistTime}
}

// SetPersistTime changes the idle period. It fails while the collator runs.
func (c *TagCollator) SetPersistTime(d time.Duration) error {
	if d <= 0 {
		return &ConfigError{Field: "persist_time_ms", Reason: "must be positive"}
	}
	return c.locked(func() error {
		c.persist = d
		return nil
	})
}

// PersistTime returns the idle period.
func (c *TagCollator) PersistTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persist
}

// Start launches the collation loop. Completed collections are written to
// out, which is closed when the loop exits. The loop ends when in is closed
// or Stop is called, flushing every remaining collection first, or when ctx
// is cancelled, in which case remaining collections are discarded.
func (c *TagCollator) Start(ctx context.Context, in <-chan TagReading, out chan<- *TagCollection) error {
	if in == nil {
		return ErrNoInput
	}
	if out == nil {
		return ErrNoOutput
	}
	if err := c.begin(); err != nil {
		return err
	}
	c.activeMu.Lock()
	c.active = make(map[string]*TagCollection)
	c.activeMu.Unlock()

	stop := c.stopping()
	persist := c.PersistTime()
	go c.run(ctx, stop, persist, in, out)
	return nil
}

func (c *TagCollator) run(ctx context.Context, stop <-chan struct{}, persist time.Duration, in <-chan TagReading, out chan<- *TagCollection) {
	defer c.end()
	defer close(out)
	monitoring.Logf("[Collator] started, persist time %v", persist)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[Collator] aborted with %d active collections", c.Active())
			return
		case <-stop:
			c.flushAll(ctx, out)
			monitoring.Logf("[Collator] stopped")
			return
		case r, ok := <-in:
			if !ok {
				c.flushAll(ctx, out)
				monitoring.Logf("[Collator] input closed")
				return
			}
			c.readings.Add(1)
			for _, coll := range c.add(r, persist) {
				if !c.emit(ctx, out, coll) {
					return
				}
			}
		}
	}
}

// add records r and returns the collections that expired as a result, in
// tag order.
func (c *TagCollator) add(r TagReading, persist time.Duration) []*TagCollection {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()

	if coll, ok := c.active[r.TagID]; ok {
		coll.Add(r)
	} else {
		c.active[r.TagID] = NewTagCollection(r)
	}

	now := r.LastSeen
	var expired []*TagCollection
	for id, coll := range c.active {
		if now.Sub(coll.LastSeen()) > persist {
			expired = append(expired, coll)
			delete(c.active, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].TagID < expired[j].TagID })
	return expired
}

func (c *TagCollator) flushAll(ctx context.Context, out chan<- *TagCollection) {
	c.activeMu.Lock()
	remaining := make([]*TagCollection, 0, len(c.active))
	for id, coll := range c.active {
		remaining = append(remaining, coll)
		delete(c.active, id)
	}
	c.activeMu.Unlock()

	sort.Slice(remaining, func(i, j int) bool { return remaining[i].TagID < remaining[j].TagID })
	for _, coll := range remaining {
		if !c.emit(ctx, out, coll) {
			return
		}
	}
}

func (c *TagCollator) emit(ctx context.Context, out chan<- *TagCollection, coll *TagCollection) bool {
	select {
	case out <- coll:
		c.collections.Add(1)
		monitoring.Tracef("[Collator] tag %s complete with %d samples", coll.TagID, coll.Count())
		return true
	case <-ctx.Done():
		return false
	}
}

// Active returns the number of collections still open.
func (c *TagCollator) Active() int {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return len(c.active)
}

// Stats returns the collator counters.
func (c *TagCollator) Stats() CollatorStats {
	return CollatorStats{
		Readings:    c.readings.Load(),
		Collections: c.collections.Load(),
		Active:      c.Active(),
	}
}
