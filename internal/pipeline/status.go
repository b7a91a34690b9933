package pipeline

import (
	"github.com/banshee-data/alphascan/internal/rfid"
)

// Status is a point-in-time snapshot of the pipeline.
type Status struct {
	State     string              `json:"state"`
	Run       *RunInfo            `json:"run,omitempty"`
	LastRun   *RunInfo            `json:"last_run,omitempty"`
	Parser    rfid.ParserStats    `json:"parser"`
	Collator  *rfid.CollatorStats `json:"collator,omitempty"`
	Detector  *rfid.DetectorStats `json:"detector,omitempty"`
	Blacklist []rfid.BlacklistHit `json:"blacklist_hits,omitempty"`
	Peaks     uint64              `json:"peaks"`
	Recent    []rfid.TagPeak      `json:"recent_peaks,omitempty"`
	Dropped   *FanOutDrops        `json:"fanout_dropped,omitempty"`
}

// FanOutDrops counts readings the fan-out could not deliver.
type FanOutDrops struct {
	Collator  uint64 `json:"collator"`
	Blacklist uint64 `json:"blacklist"`
}

// Status returns a snapshot. It does not block on a stop in progress.
func (p *Pipeline) Status() Status {
	st := Status{State: p.State().String(), Peaks: p.nPeaks.Load()}

	if !p.mu.TryLock() {
		// A start or stop holds the lock; report the state alone.
		return st
	}
	defer p.mu.Unlock()

	if p.run != nil {
		info := p.run.info
		st.Run = &info
		if f := p.run.fan; f != nil {
			st.Dropped = &FanOutDrops{Collator: f.Dropped(0), Blacklist: f.Dropped(1)}
		}
	}
	if p.lastRun.ID != "" {
		last := p.lastRun
		st.LastRun = &last
	}
	if p.parser != nil {
		st.Parser = p.parser.Stats()
	}
	if p.collator != nil {
		cs := p.collator.Stats()
		st.Collator = &cs
	}
	if p.detector != nil {
		ds := p.detector.Stats()
		st.Detector = &ds
	}
	if p.blacklist != nil {
		st.Blacklist = p.blacklist.DetectedTags()
	}
	st.Recent = p.RecentPeaks()
	return st
}

// RecentPeaks returns the most recent peaks, oldest first.
func (p *Pipeline) RecentPeaks() []rfid.TagPeak {
	p.peaksMu.Lock()
	defer p.peaksMu.Unlock()
	return append([]rfid.TagPeak(nil), p.peaks...)
}
