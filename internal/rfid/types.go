// Package rfid turns a stream of raw reader messages into per-tag signal
// histories, locates the moment each tag passed the antenna array and flags
// blacklisted tags.
//
// Stages are connected by channels. Sending a value hands it to the
// receiver; the sender must not touch it afterwards.
package rfid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TagReading is a single observation of a tag by one antenna.
type TagReading struct {
	TagID     string    `json:"tag_id"`
	AntennaID int       `json:"antenna_id"`
	RSSI      float64   `json:"rssi"` // dB
	LastSeen  time.Time `json:"last_seen"`
}

var tagReadingHeader = []string{"TagID", "AntennaID", "RSSI", "LastSeenMs"}

func (r TagReading) CSVHeader() []string { return tagReadingHeader }

func (r TagReading) CSVRow() []string {
	return []string{
		r.TagID,
		strconv.Itoa(r.AntennaID),
		strconv.FormatFloat(r.RSSI, 'f', -1, 64),
		strconv.FormatInt(r.LastSeen.UnixMilli(), 10),
	}
}

// TagRequirements restricts accepted tag IDs to those carrying a company code
// and a year code at fixed offsets.
type TagRequirements struct {
	TagCode       string `json:"tag_code"`
	TagCodeIndex  int    `json:"tag_code_index"`
	YearCode      string `json:"year_code"`
	YearCodeIndex int    `json:"year_code_index"`
}

// Valid reports whether id carries both codes. A nil receiver admits every
// ID. Offsets that fall outside id make it invalid.
func (r *TagRequirements) Valid(id string) bool {
	if r == nil {
		return true
	}
	return hasAt(id, r.TagCode, r.TagCodeIndex) && hasAt(id, r.YearCode, r.YearCodeIndex)
}

// Validate rejects negative offsets. Offsets past the end of an ID are
// allowed here; they simply make every ID invalid.
func (r *TagRequirements) Validate() error {
	if r == nil {
		return nil
	}
	if r.TagCodeIndex < 0 {
		return &ConfigError{Field: "tag_code_index", Reason: fmt.Sprintf("must not be negative, got %d", r.TagCodeIndex)}
	}
	if r.YearCodeIndex < 0 {
		return &ConfigError{Field: "year_code_index", Reason: fmt.Sprintf("must not be negative, got %d", r.YearCodeIndex)}
	}
	return nil
}

func hasAt(s, sub string, idx int) bool {
	if idx < 0 || idx > len(s)-len(sub) {
		return false
	}
	return s[idx:idx+len(sub)] == sub
}

// VehicleSide identifies which side of the vehicle a tag was read from.
type VehicleSide int

const (
	SideUnknown VehicleSide = iota
	SideLeft
	SideRight
)

func (s VehicleSide) String() string {
	switch s {
	case SideLeft:
		return "Left"
	case SideRight:
		return "Right"
	default:
		return "Unknown"
	}
}

func (s VehicleSide) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by String, in any case.
func (s *VehicleSide) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "left":
		*s = SideLeft
	case "right":
		*s = SideRight
	case "unknown", "":
		*s = SideUnknown
	default:
		return fmt.Errorf("unknown vehicle side %q", b)
	}
	return nil
}

// AntennaArrangement lists the antenna IDs mounted on each side, front to back.
type AntennaArrangement struct {
	Left  []int `json:"left"`
	Right []int `json:"right"`
}

// Validate checks that both sides are populated and that no antenna is
// listed twice.
func (a AntennaArrangement) Validate() error {
	if len(a.Left) == 0 || len(a.Right) == 0 {
		return &ConfigError{Field: "antenna_arrangement", Reason: "both sides need at least one antenna"}
	}
	seen := make(map[int]string, len(a.Left)+len(a.Right))
	for side, ids := range map[string][]int{"left": a.Left, "right": a.Right} {
		for _, id := range ids {
			if prev, ok := seen[id]; ok {
				return &ConfigError{
					Field:  "antenna_arrangement",
					Reason: fmt.Sprintf("antenna %d listed on %s and %s", id, prev, side),
				}
			}
			seen[id] = side
		}
	}
	return nil
}

// Side returns the side an antenna is mounted on.
func (a AntennaArrangement) Side(antennaID int) VehicleSide {
	for _, id := range a.Left {
		if id == antennaID {
			return SideLeft
		}
	}
	for _, id := range a.Right {
		if id == antennaID {
			return SideRight
		}
	}
	return SideUnknown
}

// Sample is one (time, RSSI) point of an antenna history.
type Sample struct {
	Time time.Time
	RSSI float64
}

// AntennaCollection is the history of one tag as seen by one antenna.
type AntennaCollection struct {
	AntennaID int
	Samples   []Sample
}

// TagCollection gathers every reading of one tag until it goes quiet.
type TagCollection struct {
	TagID    string
	Antennas []*AntennaCollection

	lastSeen time.Time
}

// NewTagCollection starts a collection from its first reading.
func NewTagCollection(r TagReading) *TagCollection {
	c := &TagCollection{TagID: r.TagID}
	c.Add(r)
	return c
}

// Add appends a reading to the matching antenna history.
func (c *TagCollection) Add(r TagReading) {
	ac := c.Antenna(r.AntennaID)
	if ac == nil {
		ac = &AntennaCollection{AntennaID: r.AntennaID}
		c.Antennas = append(c.Antennas, ac)
	}
	ac.Samples = append(ac.Samples, Sample{Time: r.LastSeen, RSSI: r.RSSI})
	if r.LastSeen.After(c.lastSeen) {
		c.lastSeen = r.LastSeen
	}
}

// Antenna returns the history for id, or nil.
func (c *TagCollection) Antenna(id int) *AntennaCollection {
	for _, ac := range c.Antennas {
		if ac.AntennaID == id {
			return ac
		}
	}
	return nil
}

// LastSeen is the latest sample time across all antennas.
func (c *TagCollection) LastSeen() time.Time { return c.lastSeen }

// Count returns the total number of samples.
func (c *TagCollection) Count() int {
	n := 0
	for _, ac := range c.Antennas {
		n += len(ac.Samples)
	}
	return n
}

// AntennaIDs returns the antennas that saw the tag, sorted.
func (c *TagCollection) AntennaIDs() []int {
	ids := make([]int, 0, len(c.Antennas))
	for _, ac := range c.Antennas {
		ids = append(ids, ac.AntennaID)
	}
	sort.Ints(ids)
	return ids
}

// AntennaPeak is the strongest point of one antenna history.
type AntennaPeak struct {
	Time      time.Time `json:"time"`
	Strength  float64   `json:"strength"` // linear amplitude
	AntennaID int       `json:"antenna_id"`
}

// TagPeak is the paired result of a single pass of a tag by one side of the
// array.
type TagPeak struct {
	TagID string      `json:"tag_id"`
	Side  VehicleSide `json:"side"`
	PeakA AntennaPeak `json:"peak_a"`
	PeakB AntennaPeak `json:"peak_b"`
}

var tagPeakHeader = []string{
	"TagID", "Side",
	"PeakATimeMs", "PeakAStrength", "PeakAAntenna",
	"PeakBTimeMs", "PeakBStrength", "PeakBAntenna",
}

func (p TagPeak) CSVHeader() []string { return tagPeakHeader }

func (p TagPeak) CSVRow() []string {
	return []string{
		p.TagID, p.Side.String(),
		strconv.FormatInt(p.PeakA.Time.UnixMilli(), 10),
		strconv.FormatFloat(p.PeakA.Strength, 'f', -1, 64),
		strconv.Itoa(p.PeakA.AntennaID),
		strconv.FormatInt(p.PeakB.Time.UnixMilli(), 10),
		strconv.FormatFloat(p.PeakB.Strength, 'f', -1, 64),
		strconv.Itoa(p.PeakB.AntennaID),
	}
}

// BlacklistHit records the first sighting of a blacklisted tag in a run.
type BlacklistHit struct {
	Reading    TagReading `json:"reading"`
	DetectedAt time.Time  `json:"detected_at"`
}

var blacklistHitHeader = []string{"TagID", "AntennaID", "RSSI", "LastSeenMs", "DetectedAtMs"}

func (h BlacklistHit) CSVHeader() []string { return blacklistHitHeader }

func (h BlacklistHit) CSVRow() []string {
	return append(h.Reading.CSVRow(), strconv.FormatInt(h.DetectedAt.UnixMilli(), 10))
}
