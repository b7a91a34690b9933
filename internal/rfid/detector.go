package rfid

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/alphascan/internal/monitoring"
	"github.com/banshee-data/alphascan/internal/output"
	"github.com/banshee-data/alphascan/internal/rfid/dsp"
)

// DetectorSettings configures a PeakDetector.
type DetectorSettings struct {
	Arrangement AntennaArrangement
	Params      dsp.Params
	SavePeaks   bool
	FileName    string
	BatchSize   int
}

// DetectorStats counts detector activity since it was created.
type DetectorStats struct {
	Collections uint64 `json:"collections"`
	Peaks       uint64 `json:"peaks"`
	Unpaired    uint64 `json:"unpaired"`
}

// AntennaTrace is the conditioning result for one antenna of a collection.
// Trace is empty for antennas with fewer than three samples.
type AntennaTrace struct {
	AntennaID int
	Side      VehicleSide
	Trace     dsp.Trace
	Peak      AntennaPeak
	HasPeak   bool
}

// AnalyzeCollection reduces every antenna history of c to its strongest
// peak. Antennas with three or more samples go through the full
// conditioning; one sample is its own peak and two samples average to the
// midpoint. Both degenerate cases use amplitude and skip peak filtering.
func AnalyzeCollection(c *TagCollection, arr AntennaArrangement, p dsp.Params) []AntennaTrace {
	traces := make([]AntennaTrace, 0, len(c.Antennas))
	for _, ac := range c.Antennas {
		at := AntennaTrace{AntennaID: ac.AntennaID, Side: arr.Side(ac.AntennaID)}
		switch n := len(ac.Samples); {
		case n >= 3:
			raw := dsp.Series{T: make([]int64, n), V: make([]float64, n)}
			for i, s := range ac.Samples {
				raw.T[i] = s.Time.UnixMilli()
				raw.V[i] = s.RSSI
			}
			tr, err := dsp.Condition(raw, p)
			at.Trace = tr
			if err != nil {
				monitoring.Logf("[PeakDetector] tag %s antenna %d: %v", c.TagID, ac.AntennaID, err)
				break
			}
			if pk, ok := dsp.Strongest(tr.Peaks); ok {
				at.Peak = AntennaPeak{Time: time.UnixMilli(pk.Time).UTC(), Strength: pk.Strength, AntennaID: ac.AntennaID}
				at.HasPeak = true
			}
		case n == 2:
			a, b := ac.Samples[0], ac.Samples[1]
			mid := a.Time.Add(b.Time.Sub(a.Time) / 2)
			at.Peak = AntennaPeak{
				Time:      mid,
				Strength:  (dsp.DecibelsToAmplitude(a.RSSI) + dsp.DecibelsToAmplitude(b.RSSI)) / 2,
				AntennaID: ac.AntennaID,
			}
			at.HasPeak = true
		case n == 1:
			s := ac.Samples[0]
			at.Peak = AntennaPeak{Time: s.Time, Strength: dsp.DecibelsToAmplitude(s.RSSI), AntennaID: ac.AntennaID}
			at.HasPeak = true
		}
		traces = append(traces, at)
	}
	return traces
}

// PairPeaks picks the side the tag passed. A side qualifies only when every
// antenna on it produced a peak. When both qualify the side with the higher
// mean peak strength wins; a tie goes to the right side.
func PairPeaks(tagID string, arr AntennaArrangement, traces []AntennaTrace) (TagPeak, bool) {
	peaks := make(map[int]AntennaPeak, len(traces))
	for _, t := range traces {
		if t.HasPeak {
			peaks[t.AntennaID] = t.Peak
		}
	}
	complete := func(ids []int) bool {
		if len(ids) == 0 {
			return false
		}
		for _, id := range ids {
			if _, ok := peaks[id]; !ok {
				return false
			}
		}
		return true
	}
	mean := func(ids []int) float64 {
		v := make([]float64, len(ids))
		for i, id := range ids {
			v[i] = peaks[id].Strength
		}
		return stat.Mean(v, nil)
	}

	left, right := complete(arr.Left), complete(arr.Right)
	var side VehicleSide
	var ids []int
	switch {
	case left && right:
		if mean(arr.Left) > mean(arr.Right) {
			side, ids = SideLeft, arr.Left
		} else {
			side, ids = SideRight, arr.Right
		}
	case left:
		side, ids = SideLeft, arr.Left
	case right:
		side, ids = SideRight, arr.Right
	default:
		return TagPeak{}, false
	}

	b := ids[0]
	if len(ids) > 1 {
		b = ids[1]
	}
	return TagPeak{TagID: tagID, Side: side, PeakA: peaks[ids[0]], PeakB: peaks[b]}, true
}

// PeakDetector consumes completed tag collections and emits at most one
// TagPeak for each.
type PeakDetector struct {
	worker

	sink     output.Sink
	settings DetectorSettings

	batchMu sync.Mutex
	batch   []output.Record

	collections atomic.Uint64
	peaks       atomic.Uint64
	unpaired    atomic.Uint64
}

// NewPeakDetector returns a detector that saves peaks through sink when
// saving is enabled.
func NewPeakDetector(sink output.Sink) *PeakDetector {
	return &PeakDetector{
		sink:     sink,
		settings: DetectorSettings{Params: dsp.DefaultParams(), BatchSize: 1},
	}
}

// SetSettings replaces the detector settings. It fails while the detector runs.
func (d *PeakDetector) SetSettings(s DetectorSettings) error {
	if err := s.Arrangement.Validate(); err != nil {
		return err
	}
	if err := s.Params.Validate(); err != nil {
		return &ConfigError{Field: "peak_detector", Reason: "invalid conditioning", Err: err}
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 1
	}
	if s.SavePeaks {
		if s.FileName == "" {
			return &ConfigError{Field: "tag_peaks_file_name", Reason: "required when saving peaks"}
		}
		if d.sink == nil {
			return &ConfigError{Field: "save_tag_peaks", Reason: "no sink configured"}
		}
	}
	return d.locked(func() error {
		d.settings = s
		return nil
	})
}

// Settings returns the current settings.
func (d *PeakDetector) Settings() DetectorSettings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// Process runs the full analysis on one collection.
func (d *PeakDetector) Process(c *TagCollection) (TagPeak, bool) {
	s := d.Settings()
	return PairPeaks(c.TagID, s.Arrangement, AnalyzeCollection(c, s.Arrangement, s.Params))
}

// Start launches the detection loop, writing peaks to out and closing it
// when the loop exits. The loop drains in until it is closed or Stop is
// called; cancelling ctx abandons it.
func (d *PeakDetector) Start(ctx context.Context, in <-chan *TagCollection, out chan<- TagPeak) error {
	if in == nil {
		return ErrNoInput
	}
	if out == nil {
		return ErrNoOutput
	}
	s := d.Settings()
	if err := s.Arrangement.Validate(); err != nil {
		return err
	}
	if err := d.begin(); err != nil {
		return err
	}
	go d.run(ctx, d.stopping(), s, in, out)
	return nil
}

func (d *PeakDetector) run(ctx context.Context, stop <-chan struct{}, s DetectorSettings, in <-chan *TagCollection, out chan<- TagPeak) {
	defer d.end()
	defer close(out)
	monitoring.Logf("[PeakDetector] started, left %v right %v", s.Arrangement.Left, s.Arrangement.Right)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[PeakDetector] aborted")
			return
		case <-stop:
			d.flush(s)
			monitoring.Logf("[PeakDetector] stopped")
			return
		case c, ok := <-in:
			if !ok {
				d.flush(s)
				monitoring.Logf("[PeakDetector] input closed")
				return
			}
			d.collections.Add(1)
			peak, ok := PairPeaks(c.TagID, s.Arrangement, AnalyzeCollection(c, s.Arrangement, s.Params))
			if !ok {
				d.unpaired.Add(1)
				monitoring.Tracef("[PeakDetector] tag %s: no complete side (antennas %v)", c.TagID, c.AntennaIDs())
				continue
			}
			select {
			case out <- peak:
				d.peaks.Add(1)
			case <-ctx.Done():
				return
			}
			if s.SavePeaks {
				d.save(peak, s)
			}
		}
	}
}

func (d *PeakDetector) save(p TagPeak, s DetectorSettings) {
	d.batchMu.Lock()
	d.batch = append(d.batch, p)
	if len(d.batch) < s.BatchSize {
		d.batchMu.Unlock()
		return
	}
	batch := d.batch
	d.batch = nil
	d.batchMu.Unlock()
	d.sink.TrySave(s.FileName, batch)
}

func (d *PeakDetector) flush(s DetectorSettings) {
	d.batchMu.Lock()
	batch := d.batch
	d.batch = nil
	d.batchMu.Unlock()
	if len(batch) > 0 && s.SavePeaks {
		d.sink.TrySave(s.FileName, batch)
	}
}

// Stats returns the detector counters.
func (d *PeakDetector) Stats() DetectorStats {
	return DetectorStats{
		Collections: d.collections.Load(),
		Peaks:       d.peaks.Load(),
		Unpaired:    d.unpaired.Load(),
	}
}
