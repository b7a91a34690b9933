package pipeline

import (
	"errors"
	"time"

	"github.com/banshee-data/alphascan/internal/fsutil"
	"github.com/banshee-data/alphascan/internal/output"
	"github.com/banshee-data/alphascan/internal/reader"
	"github.com/banshee-data/alphascan/internal/rfid"
	"github.com/banshee-data/alphascan/internal/rfid/dsp"
	"github.com/banshee-data/alphascan/internal/timeutil"
)

const (
	// DefaultQueueCapacity bounds each inter-stage queue.
	DefaultQueueCapacity = 1024

	// BlacklistHitsFileName is the log blacklist hits are saved to when a
	// sink is configured.
	BlacklistHitsFileName = "BlacklistHits.csv"
)

var (
	ErrNotConfigured = errors.New("pipeline not configured")
	ErrNoTransport   = errors.New("pipeline needs a reader transport")
	ErrNoSink        = errors.New("saving is enabled but no sink was given")
)

// Settings selects the stages to run and configures each of them.
type Settings struct {
	ProcessTagPeaks     bool
	DetectBlacklistTags bool
	SaveTagData         bool
	SaveTagPeaks        bool

	TagDataFileName  string
	TagPeaksFileName string
	SaveBatchSize    int
	PeakBatchSize    int

	// QueueCapacity bounds every inter-stage queue; zero means the default.
	QueueCapacity int

	Requirements *rfid.TagRequirements
	Arrangement  rfid.AntennaArrangement
	PersistTime  time.Duration
	Peak         dsp.Params

	BlacklistFileName string

	// DrainTimeout bounds StopAndDrain; zero waits for the caller's context.
	DrainTimeout time.Duration
}

// DefaultSettings returns settings with every stage on except the blacklist.
func DefaultSettings() Settings {
	return Settings{
		ProcessTagPeaks:   true,
		SaveTagData:       true,
		SaveTagPeaks:      true,
		TagDataFileName:   "TagData.csv",
		TagPeaksFileName:  "TagPeaks.csv",
		SaveBatchSize:     rfid.DefaultSaveBatchSize,
		PeakBatchSize:     1,
		QueueCapacity:     DefaultQueueCapacity,
		Arrangement:       rfid.AntennaArrangement{Left: []int{0, 1}, Right: []int{2, 3}},
		PersistTime:       rfid.DefaultPersistTime,
		Peak:              dsp.DefaultParams(),
		BlacklistFileName: "blacklist.txt",
		DrainTimeout:      10 * time.Second,
	}
}

// Validate checks the settings of the enabled stages.
func (s Settings) Validate() error {
	if s.QueueCapacity < 0 {
		return &rfid.ConfigError{Field: "QueueCapacity", Reason: "must not be negative"}
	}
	if err := s.Requirements.Validate(); err != nil {
		return err
	}
	if s.SaveTagData {
		if s.TagDataFileName == "" {
			return &rfid.ConfigError{Field: "TagDataFileName", Reason: "required when saving tag data"}
		}
		if s.SaveBatchSize < 1 {
			return &rfid.ConfigError{Field: "SaveBatchSize", Reason: "must be at least 1"}
		}
	}
	if s.ProcessTagPeaks {
		if err := s.Arrangement.Validate(); err != nil {
			return err
		}
		if s.PersistTime <= 0 {
			return &rfid.ConfigError{Field: "PersistTime", Reason: "must be positive"}
		}
		if err := s.Peak.Validate(); err != nil {
			return &rfid.ConfigError{Field: "Peak", Reason: "invalid peak parameters", Err: err}
		}
		if s.SaveTagPeaks {
			if s.TagPeaksFileName == "" {
				return &rfid.ConfigError{Field: "TagPeaksFileName", Reason: "required when saving tag peaks"}
			}
			if s.PeakBatchSize < 1 {
				return &rfid.ConfigError{Field: "PeakBatchSize", Reason: "must be at least 1"}
			}
		}
	}
	if s.DetectBlacklistTags && s.BlacklistFileName == "" {
		return &rfid.ConfigError{Field: "BlacklistFileName", Reason: "required when detecting blacklisted tags"}
	}
	if s.DrainTimeout < 0 {
		return &rfid.ConfigError{Field: "DrainTimeout", Reason: "must not be negative"}
	}
	return nil
}

func (s Settings) queueCapacity() int {
	if s.QueueCapacity == 0 {
		return DefaultQueueCapacity
	}
	return s.QueueCapacity
}

func (s Settings) saving() bool {
	return s.SaveTagData || (s.ProcessTagPeaks && s.SaveTagPeaks)
}

// Collaborators are the external dependencies of a pipeline. Reader is
// required; Sink is required when any save toggle is on. FS and Clock
// default to the real implementations.
type Collaborators struct {
	Reader reader.Transport
	Sink   output.Sink
	FS     fsutil.FileSystem
	Clock  timeutil.Clock
}
