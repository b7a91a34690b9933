package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/alphascan/internal/pipeline"
	"github.com/banshee-data/alphascan/internal/rfid"
	"github.com/banshee-data/alphascan/internal/rfid/dsp"
	"github.com/banshee-data/alphascan/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/alphascan.defaults.json"

// Reader link modes.
const (
	ReaderSerial   = "serial"
	ReaderTCP      = "tcp"
	ReaderListen   = "listen"
	ReaderPcap     = "pcap"
	ReaderMock     = "mock"
	ReaderDisabled = "disabled"
)

// Config is the root service configuration. Every field is optional; the
// Get* methods supply defaults for anything omitted, so partial files are
// safe.
type Config struct {
	// Stage toggles
	ProcessTagPeaks     *bool `json:"process_tag_peaks,omitempty"`
	DetectBlacklistTags *bool `json:"detect_blacklist_tags,omitempty"`
	SaveTagData         *bool `json:"save_tag_data,omitempty"`
	SaveTagPeaks        *bool `json:"save_tag_peaks,omitempty"`

	// Run logs
	OutputDir        *string `json:"output_dir,omitempty"`
	TagDataFileName  *string `json:"tag_data_file_name,omitempty"`
	TagPeaksFileName *string `json:"tag_peaks_file_name,omitempty"`
	SaveBatchSize    *int    `json:"save_batch_size,omitempty"`
	PeakBatchSize    *int    `json:"peak_batch_size,omitempty"`
	SaveQueueSize    *int    `json:"save_queue_size,omitempty"`

	QueueCapacity *int    `json:"queue_capacity,omitempty"`
	DrainTimeout  *string `json:"drain_timeout,omitempty"` // duration string like "10s"

	AntennaArrangement *rfid.AntennaArrangement `json:"antenna_arrangement,omitempty"`
	TagRequirements    *rfid.TagRequirements    `json:"tag_requirements,omitempty"`

	// Collator
	PersistTimeMs *int64 `json:"persist_time_ms,omitempty"`

	// Peak detector
	ZeroTimeLengthMs  *int64   `json:"zero_time_length_ms,omitempty"`
	ZeroPeriodMs      *int64   `json:"zero_period_ms,omitempty"`
	SamplePeriodMs    *int64   `json:"sample_period_ms,omitempty"`
	MovingMeanWindow  *int     `json:"moving_mean_window,omitempty"`
	MinPeak           *float64 `json:"min_peak,omitempty"`
	MinPeakDistanceMs *int64   `json:"min_peak_distance_ms,omitempty"`

	// Blacklist
	BlacklistFileName *string `json:"blacklist_file_name,omitempty"`

	Reader *ReaderConfig `json:"reader,omitempty"`
}

// ReaderConfig describes how the service reaches the RFID reader.
type ReaderConfig struct {
	Mode         string                 `json:"mode,omitempty"`
	Address      string                 `json:"address,omitempty"`
	Port         string                 `json:"port,omitempty"`
	Serial       *serialmux.PortOptions `json:"serial,omitempty"`
	PcapFile     string                 `json:"pcap_file,omitempty"`
	PcapPort     int                    `json:"pcap_port,omitempty"`
	InitCommands []string               `json:"init_commands,omitempty"`
	Workers      int                    `json:"workers,omitempty"`
	MockTagID    string                 `json:"mock_tag_id,omitempty"`
}

// Helper functions to create pointers
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// EmptyConfig returns a Config with all fields set to nil.
func EmptyConfig() *Config {
	return &Config{}
}

// DefaultConfig returns a Config with every field populated from the
// built-in defaults.
func DefaultConfig() *Config {
	c := EmptyConfig()
	arr := c.GetAntennaArrangement()
	p := c.GetPeakParams()
	r := c.GetReader()
	return &Config{
		ProcessTagPeaks:     ptrBool(c.GetProcessTagPeaks()),
		DetectBlacklistTags: ptrBool(c.GetDetectBlacklistTags()),
		SaveTagData:         ptrBool(c.GetSaveTagData()),
		SaveTagPeaks:        ptrBool(c.GetSaveTagPeaks()),
		OutputDir:           ptrString(c.GetOutputDir()),
		TagDataFileName:     ptrString(c.GetTagDataFileName()),
		TagPeaksFileName:    ptrString(c.GetTagPeaksFileName()),
		SaveBatchSize:       ptrInt(c.GetSaveBatchSize()),
		PeakBatchSize:       ptrInt(c.GetPeakBatchSize()),
		SaveQueueSize:       ptrInt(c.GetSaveQueueSize()),
		QueueCapacity:       ptrInt(c.GetQueueCapacity()),
		DrainTimeout:        ptrString(c.GetDrainTimeout().String()),
		AntennaArrangement:  &arr,
		PersistTimeMs:       ptrInt64(c.GetPersistTime().Milliseconds()),
		ZeroTimeLengthMs:    ptrInt64(p.ZeroTimeLength),
		ZeroPeriodMs:        ptrInt64(p.ZeroPeriod),
		SamplePeriodMs:      ptrInt64(p.SamplePeriod),
		MovingMeanWindow:    ptrInt(p.MovingMeanWindow),
		MinPeak:             ptrFloat64(p.MinPeak),
		MinPeakDistanceMs:   ptrInt64(p.MinPeakDistanceMs),
		BlacklistFileName:   ptrString(c.GetBlacklistFileName()),
		Reader:              &r,
	}
}

// LoadConfig loads a Config from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	for name, v := range map[string]*int{
		"save_batch_size": c.SaveBatchSize,
		"peak_batch_size": c.PeakBatchSize,
		"save_queue_size": c.SaveQueueSize,
		"queue_capacity":  c.QueueCapacity,
	} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}

	if c.DrainTimeout != nil && *c.DrainTimeout != "" {
		if _, err := time.ParseDuration(*c.DrainTimeout); err != nil {
			return fmt.Errorf("invalid drain_timeout '%s': %w", *c.DrainTimeout, err)
		}
	}

	if c.PersistTimeMs != nil && *c.PersistTimeMs <= 0 {
		return fmt.Errorf("persist_time_ms must be positive, got %d", *c.PersistTimeMs)
	}

	if err := c.GetPeakParams().Validate(); err != nil {
		return err
	}

	if c.AntennaArrangement != nil {
		if err := c.AntennaArrangement.Validate(); err != nil {
			return err
		}
	}

	if err := c.TagRequirements.Validate(); err != nil {
		return err
	}

	for name, v := range map[string]*string{
		"tag_data_file_name":  c.TagDataFileName,
		"tag_peaks_file_name": c.TagPeaksFileName,
	} {
		if v != nil && (*v == "" || filepath.Base(*v) != *v) {
			return fmt.Errorf("%s must be a plain file name, got %q", name, *v)
		}
	}

	if c.Reader != nil {
		if err := c.Reader.Validate(); err != nil {
			return fmt.Errorf("reader: %w", err)
		}
	}
	return nil
}

// Validate checks the reader link settings for the selected mode.
func (r *ReaderConfig) Validate() error {
	switch strings.ToLower(r.Mode) {
	case "", ReaderDisabled, ReaderMock:
	case ReaderSerial:
		if r.Port == "" {
			return fmt.Errorf("serial mode needs a port")
		}
		if r.Serial != nil {
			if _, err := r.Serial.Normalize(); err != nil {
				return err
			}
		}
	case ReaderTCP, ReaderListen:
		if r.Address == "" {
			return fmt.Errorf("%s mode needs an address", strings.ToLower(r.Mode))
		}
	case ReaderPcap:
		if r.PcapFile == "" {
			return fmt.Errorf("pcap mode needs a pcap_file")
		}
	default:
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	if r.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", r.Workers)
	}
	return nil
}

func (c *Config) GetProcessTagPeaks() bool {
	if c.ProcessTagPeaks == nil {
		return true
	}
	return *c.ProcessTagPeaks
}

func (c *Config) GetDetectBlacklistTags() bool {
	if c.DetectBlacklistTags == nil {
		return false
	}
	return *c.DetectBlacklistTags
}

func (c *Config) GetSaveTagData() bool {
	if c.SaveTagData == nil {
		return true
	}
	return *c.SaveTagData
}

func (c *Config) GetSaveTagPeaks() bool {
	if c.SaveTagPeaks == nil {
		return true
	}
	return *c.SaveTagPeaks
}

func (c *Config) GetOutputDir() string {
	if c.OutputDir == nil || *c.OutputDir == "" {
		return "logs"
	}
	return *c.OutputDir
}

func (c *Config) GetTagDataFileName() string {
	if c.TagDataFileName == nil {
		return "TagData.csv"
	}
	return *c.TagDataFileName
}

func (c *Config) GetTagPeaksFileName() string {
	if c.TagPeaksFileName == nil {
		return "TagPeaks.csv"
	}
	return *c.TagPeaksFileName
}

func (c *Config) GetSaveBatchSize() int {
	if c.SaveBatchSize == nil {
		return rfid.DefaultSaveBatchSize
	}
	return *c.SaveBatchSize
}

func (c *Config) GetPeakBatchSize() int {
	if c.PeakBatchSize == nil {
		return 1
	}
	return *c.PeakBatchSize
}

func (c *Config) GetSaveQueueSize() int {
	if c.SaveQueueSize == nil {
		return 256
	}
	return *c.SaveQueueSize
}

func (c *Config) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return pipeline.DefaultQueueCapacity
	}
	return *c.QueueCapacity
}

// GetDrainTimeout parses and returns the DrainTimeout as a time.Duration.
func (c *Config) GetDrainTimeout() time.Duration {
	if c.DrainTimeout == nil || *c.DrainTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(*c.DrainTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetAntennaArrangement returns the configured arrangement, defaulting to
// antennas 0 and 1 on the left and 2 and 3 on the right.
func (c *Config) GetAntennaArrangement() rfid.AntennaArrangement {
	if c.AntennaArrangement == nil {
		return rfid.AntennaArrangement{Left: []int{0, 1}, Right: []int{2, 3}}
	}
	return *c.AntennaArrangement
}

// GetTagRequirements returns nil, admitting every tag, unless requirements
// with at least one code are configured.
func (c *Config) GetTagRequirements() *rfid.TagRequirements {
	if c.TagRequirements == nil || (c.TagRequirements.TagCode == "" && c.TagRequirements.YearCode == "") {
		return nil
	}
	req := *c.TagRequirements
	return &req
}

func (c *Config) GetPersistTime() time.Duration {
	if c.PersistTimeMs == nil {
		return rfid.DefaultPersistTime
	}
	return time.Duration(*c.PersistTimeMs) * time.Millisecond
}

// GetPeakParams returns the peak detector conditioning with defaults
// applied field by field.
func (c *Config) GetPeakParams() dsp.Params {
	p := dsp.DefaultParams()
	if c.ZeroTimeLengthMs != nil {
		p.ZeroTimeLength = *c.ZeroTimeLengthMs
	}
	if c.ZeroPeriodMs != nil {
		p.ZeroPeriod = *c.ZeroPeriodMs
	}
	if c.SamplePeriodMs != nil {
		p.SamplePeriod = *c.SamplePeriodMs
	}
	if c.MovingMeanWindow != nil {
		p.MovingMeanWindow = *c.MovingMeanWindow
	}
	if c.MinPeak != nil {
		p.MinPeak = *c.MinPeak
	}
	if c.MinPeakDistanceMs != nil {
		p.MinPeakDistanceMs = *c.MinPeakDistanceMs
	}
	return p
}

func (c *Config) GetBlacklistFileName() string {
	if c.BlacklistFileName == nil {
		return "blacklist.txt"
	}
	return *c.BlacklistFileName
}

// GetReader returns the reader settings with defaults applied.
func (c *Config) GetReader() ReaderConfig {
	var r ReaderConfig
	if c.Reader != nil {
		r = *c.Reader
	}
	if r.Mode == "" {
		r.Mode = ReaderDisabled
	}
	r.Mode = strings.ToLower(r.Mode)
	if r.Serial == nil {
		r.Serial = &serialmux.PortOptions{BaudRate: serialmux.DefaultBaudRate}
	}
	if r.PcapPort == 0 {
		r.PcapPort = 4000
	}
	if r.Workers == 0 {
		r.Workers = 4
	}
	if r.InitCommands == nil {
		r.InitCommands = serialmux.DefaultAlienInitCommands()
	}
	if r.MockTagID == "" {
		r.MockTagID = "E20000000000000000MOCK"
	}
	return r
}

// PipelineSettings converts the configuration to orchestrator settings.
func (c *Config) PipelineSettings() pipeline.Settings {
	return pipeline.Settings{
		ProcessTagPeaks:     c.GetProcessTagPeaks(),
		DetectBlacklistTags: c.GetDetectBlacklistTags(),
		SaveTagData:         c.GetSaveTagData(),
		SaveTagPeaks:        c.GetSaveTagPeaks(),
		TagDataFileName:     c.GetTagDataFileName(),
		TagPeaksFileName:    c.GetTagPeaksFileName(),
		SaveBatchSize:       c.GetSaveBatchSize(),
		PeakBatchSize:       c.GetPeakBatchSize(),
		QueueCapacity:       c.GetQueueCapacity(),
		Requirements:        c.GetTagRequirements(),
		Arrangement:         c.GetAntennaArrangement(),
		PersistTime:         c.GetPersistTime(),
		Peak:                c.GetPeakParams(),
		BlacklistFileName:   c.GetBlacklistFileName(),
		DrainTimeout:        c.GetDrainTimeout(),
	}
}
