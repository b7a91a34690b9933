// Package pipeline wires the reader transport and the rfid stages into a
// single run-oriented service: configure once, then start and stop runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/alphascan/internal/fsutil"
	"github.com/banshee-data/alphascan/internal/monitoring"
	"github.com/banshee-data/alphascan/internal/output"
	"github.com/banshee-data/alphascan/internal/rfid"
	"github.com/banshee-data/alphascan/internal/timeutil"
)

// State is the orchestrator lifecycle state.
type State int32

const (
	StateUnconfigured State = iota
	StateConfigured
	StateRunning
	StateStopping
	StateAborting
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateAborting:
		return "aborting"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// abortWait bounds how long Abort waits for stage goroutines to exit.
const abortWait = 5 * time.Second

// recentPeaks is the number of peaks kept for Status.
const recentPeaks = 50

// Pipeline owns the stages of one configured pipeline and runs them.
type Pipeline struct {
	state atomic.Int32
	hub   *Hub

	// mu serialises Configure, Start and the stop paths.
	mu       sync.Mutex
	settings Settings
	collab   Collaborators

	parser    *rfid.MessageParser
	collator  *rfid.TagCollator
	detector  *rfid.PeakDetector
	blacklist *rfid.BlacklistDetector

	run     *run
	lastRun RunInfo

	// current run ID and cancel, readable without mu
	curID     atomic.Value
	cancelMu  sync.Mutex
	cancelRun context.CancelFunc

	peaksMu sync.Mutex
	peaks   []rfid.TagPeak
	nPeaks  atomic.Uint64
}

// run holds the per-run queues and goroutine handles.
type run struct {
	info     RunInfo
	cancel   context.CancelFunc
	fan      *rfid.FanOut[rfid.TagReading]
	dispatch chan struct{}
	discard  chan struct{}
}

// RunInfo identifies a run.
type RunInfo struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
}

// New returns an unconfigured pipeline.
func New() *Pipeline {
	return &Pipeline{hub: NewHub()}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Hub returns the event hub.
func (p *Pipeline) Hub() *Hub { return p.hub }

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	p.hub.Publish(Event{Type: EventState, Time: p.now(), State: s.String(), RunID: p.runID()})
}

func (p *Pipeline) runID() string {
	id, _ := p.curID.Load().(string)
	return id
}

func (p *Pipeline) transition(from, to State) bool {
	if !p.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	p.hub.Publish(Event{Type: EventState, Time: p.now(), State: to.String(), RunID: p.runID()})
	return true
}

func (p *Pipeline) now() time.Time {
	if p.collab.Clock != nil {
		return p.collab.Clock.Now()
	}
	return time.Now()
}

// Configure validates settings, builds the stages and loads the blacklist.
// It is rejected while a run is in progress.
func (p *Pipeline) Configure(s Settings, c Collaborators) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateUnconfigured, StateConfigured:
	default:
		return rfid.ErrSettingsLocked
	}
	if c.Reader == nil {
		return ErrNoTransport
	}
	if s.saving() && c.Sink == nil {
		return ErrNoSink
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if c.FS == nil {
		c.FS = fsutil.OSFileSystem{}
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}

	parser := rfid.NewMessageParser(c.Sink)
	if err := parser.SetSettings(rfid.ParserSettings{
		Requirements: s.Requirements,
		SaveReadings: s.SaveTagData,
		FileName:     s.TagDataFileName,
		BatchSize:    s.SaveBatchSize,
	}); err != nil {
		return err
	}

	var collator *rfid.TagCollator
	var detector *rfid.PeakDetector
	if s.ProcessTagPeaks {
		collator = rfid.NewTagCollator()
		if err := collator.SetPersistTime(s.PersistTime); err != nil {
			return err
		}
		detector = rfid.NewPeakDetector(c.Sink)
		if err := detector.SetSettings(rfid.DetectorSettings{
			Arrangement: s.Arrangement,
			Params:      s.Peak,
			SavePeaks:   s.SaveTagPeaks,
			FileName:    s.TagPeaksFileName,
			BatchSize:   s.PeakBatchSize,
		}); err != nil {
			return err
		}
	}

	var blacklist *rfid.BlacklistDetector
	if s.DetectBlacklistTags {
		blacklist = rfid.NewBlacklistDetector(c.FS, c.Clock)
		if err := blacklist.LoadFile(s.BlacklistFileName); err != nil {
			return err
		}
		blacklist.OnHit(p.onHit)
	}

	p.settings = s
	p.collab = c
	p.parser = parser
	p.collator = collator
	p.detector = detector
	p.blacklist = blacklist
	p.setState(StateConfigured)
	monitoring.Logf("[Pipeline] configured: peaks=%v blacklist=%v save data=%v save peaks=%v",
		s.ProcessTagPeaks, s.DetectBlacklistTags, s.SaveTagData, s.SaveTagPeaks)
	return nil
}

// Settings returns the active settings.
func (p *Pipeline) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// Start opens a new run, connects the reader, starts every enabled stage and
// finally starts reader streaming. ctx bounds the connect only; the run
// lasts until StopAndDrain or Abort.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateUnconfigured:
		return ErrNotConfigured
	case StateConfigured:
	default:
		return rfid.ErrAlreadyRunning
	}
	s, c := p.settings, p.collab

	if err := c.Reader.Connect(ctx); err != nil {
		return fmt.Errorf("connect reader: %w", err)
	}

	info := RunInfo{ID: uuid.NewString(), StartedAt: c.Clock.Now()}
	if rs, ok := c.Sink.(output.RunSink); ok {
		label, err := rs.NextRun(info.ID)
		if err != nil {
			return fmt.Errorf("open run: %w", err)
		}
		info.Label = label
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{info: info, cancel: cancel}
	capacity := s.queueCapacity()

	readings := make(chan rfid.TagReading, capacity)
	var toCollator, toBlacklist <-chan rfid.TagReading
	switch {
	case s.ProcessTagPeaks && s.DetectBlacklistTags:
		r.fan = rfid.Split(runCtx, readings, 2, capacity)
		toCollator, toBlacklist = r.fan.Output(0), r.fan.Output(1)
	case s.ProcessTagPeaks:
		toCollator = readings
	case s.DetectBlacklistTags:
		toBlacklist = readings
	default:
		// Nothing downstream: readings are only logged.
		r.discard = make(chan struct{})
		go func() {
			defer close(r.discard)
			for range readings {
			}
		}()
	}

	started := func(err error) error {
		if err == nil {
			return nil
		}
		cancel()
		p.parser.Abort()
		p.waitStages(context.Background(), r)
		return err
	}

	if err := p.parser.Start(runCtx, readings); err != nil {
		cancel()
		return err
	}
	if s.ProcessTagPeaks {
		collections := make(chan *rfid.TagCollection, capacity)
		peaks := make(chan rfid.TagPeak, capacity)
		if err := started(p.collator.Start(runCtx, toCollator, collections)); err != nil {
			return err
		}
		if err := started(p.detector.Start(runCtx, collections, peaks)); err != nil {
			return err
		}
		r.dispatch = make(chan struct{})
		go p.dispatchPeaks(r, peaks)
	}
	if s.DetectBlacklistTags {
		if err := started(p.blacklist.Start(runCtx, toBlacklist)); err != nil {
			return err
		}
	}

	if err := c.Reader.Start(p.parser.HandleMessage); err != nil {
		return started(fmt.Errorf("start reader: %w", err))
	}
	p.run = r
	p.curID.Store(info.ID)
	p.cancelMu.Lock()
	p.cancelRun = cancel
	p.cancelMu.Unlock()
	p.setState(StateRunning)
	monitoring.Logf("[Pipeline] run %s (%s) started", info.ID, info.Label)
	return nil
}

func (p *Pipeline) dispatchPeaks(r *run, peaks <-chan rfid.TagPeak) {
	defer close(r.dispatch)
	for peak := range peaks {
		p.nPeaks.Add(1)
		p.peaksMu.Lock()
		p.peaks = append(p.peaks, peak)
		if len(p.peaks) > recentPeaks {
			p.peaks = p.peaks[len(p.peaks)-recentPeaks:]
		}
		p.peaksMu.Unlock()
		pk := peak
		p.hub.Publish(Event{Type: EventPeak, Time: p.now(), RunID: r.info.ID, Peak: &pk})
	}
}

func (p *Pipeline) onHit(hit rfid.BlacklistHit) {
	h := hit
	p.hub.Publish(Event{Type: EventBlacklist, Time: h.DetectedAt, Hit: &h})
	if sink := p.collab.Sink; sink != nil {
		sink.TrySave(BlacklistHitsFileName, []output.Record{hit})
	}
}

// waitStages waits for every stage goroutine of r to exit.
func (p *Pipeline) waitStages(ctx context.Context, r *run) error {
	var errs []error
	if p.collator != nil {
		errs = append(errs, p.collator.Wait(ctx))
	}
	if p.detector != nil {
		errs = append(errs, p.detector.Wait(ctx))
	}
	if p.blacklist != nil {
		errs = append(errs, p.blacklist.Wait(ctx))
	}
	for _, ch := range []chan struct{}{r.dispatch, r.discard} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if r.fan != nil {
		select {
		case <-r.fan.Done():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	return errors.Join(errs...)
}

// StopAndDrain stops the reader, lets every queued reading flow through the
// stages and waits for them to finish. If the drain does not complete within
// DrainTimeout (or ctx) the remaining work is abandoned. The pipeline always
// returns to Configured; errors from each step are joined. Calling it when no
// run is active is a no-op.
func (p *Pipeline) StopAndDrain(ctx context.Context) error {
	if !p.transition(StateRunning, StateStopping) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.run

	if d := p.settings.DrainTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var errs []error
	if err := p.collab.Reader.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop reader: %w", err))
	}
	if err := p.parser.StopAndWait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("parser: %w", err))
	}
	if err := p.waitStages(ctx, r); err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
		r.cancel()
		p.waitStages(context.Background(), r)
	}
	r.cancel()
	p.finish(r)
	monitoring.Logf("[Pipeline] run %s stopped", r.info.ID)
	return errors.Join(errs...)
}

// Abort cancels every stage at once without draining. It is safe to call at
// any time and more than once. During StopAndDrain it cuts the drain short.
func (p *Pipeline) Abort() error {
	if !p.transition(StateRunning, StateAborting) {
		if p.State() == StateStopping {
			p.cancelMu.Lock()
			if p.cancelRun != nil {
				p.cancelRun()
			}
			p.cancelMu.Unlock()
		}
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.run
	r.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), abortWait)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		if err := p.collab.Reader.Stop(); err != nil {
			return fmt.Errorf("stop reader: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		p.parser.Abort()
		return nil
	})
	g.Go(func() error {
		return p.waitStages(ctx, r)
	})
	err := g.Wait()
	p.finish(r)
	monitoring.Logf("[Pipeline] run %s aborted", r.info.ID)
	return err
}

func (p *Pipeline) finish(r *run) {
	r.info.StoppedAt = p.collab.Clock.Now()
	if r.fan != nil {
		if d0, d1 := r.fan.Dropped(0), r.fan.Dropped(1); d0+d1 > 0 {
			monitoring.Logf("[Pipeline] fan-out dropped %d readings to the collator and %d to the blacklist", d0, d1)
		}
	}
	p.lastRun = r.info
	p.run = nil
	p.cancelMu.Lock()
	p.cancelRun = nil
	p.cancelMu.Unlock()
	p.setState(StateConfigured)
	p.curID.Store("")
}

// SendCommand forwards a command to the reader.
func (p *Pipeline) SendCommand(cmd string) error {
	if p.State() == StateUnconfigured {
		return ErrNotConfigured
	}
	p.mu.Lock()
	tr := p.collab.Reader
	p.mu.Unlock()
	return tr.SendCommand(cmd)
}
