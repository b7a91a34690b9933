package rfid

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTagRequirementsValid(t *testing.T) {
	req := &TagRequirements{TagCode: "E2", TagCodeIndex: 0, YearCode: "26", YearCodeIndex: 6}
	tests := []struct {
		id   string
		want bool
	}{
		{"E20000260001", true},
		{"E20000250001", false},
		{"E30000260001", false},
		{"E2000026", true},
		{"E200002", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := req.Valid(tt.id); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}

	far := []*TagRequirements{
		{TagCode: "AB", TagCodeIndex: math.MaxInt},
		{TagCode: "AB", YearCode: "26", YearCodeIndex: math.MaxInt - 1},
		{TagCode: "AB", TagCodeIndex: math.MinInt},
	}
	for _, r := range far {
		if r.Valid("ABCDE12345") {
			t.Errorf("%+v should reject an offset past the ID", *r)
		}
	}

	var none *TagRequirements
	if !none.Valid("anything") {
		t.Error("nil requirements should admit every tag")
	}
	if err := none.Validate(); err != nil {
		t.Errorf("nil Validate() = %v", err)
	}
	if err := req.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	var ce *ConfigError
	if err := (&TagRequirements{YearCodeIndex: -3}).Validate(); !errors.As(err, &ce) || ce.Field != "year_code_index" {
		t.Errorf("negative year offset: %v", err)
	}

	negative := &TagRequirements{TagCode: "A", TagCodeIndex: -1}
	if negative.Valid("AAAA") {
		t.Error("negative offset should be invalid")
	}
}

func TestAntennaArrangementValidate(t *testing.T) {
	tests := []struct {
		name    string
		arr     AntennaArrangement
		wantErr bool
	}{
		{"ok", AntennaArrangement{Left: []int{0, 1}, Right: []int{2, 3}}, false},
		{"shared antenna", AntennaArrangement{Left: []int{0, 1}, Right: []int{1, 3}}, true},
		{"duplicate on a side", AntennaArrangement{Left: []int{0, 0}, Right: []int{2, 3}}, true},
		{"empty side", AntennaArrangement{Left: []int{0, 1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.arr.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			var ce *ConfigError
			if err != nil && !errors.As(err, &ce) {
				t.Errorf("error %T is not a ConfigError", err)
			}
		})
	}

	arr := AntennaArrangement{Left: []int{0, 1}, Right: []int{2, 3}}
	if arr.Side(1) != SideLeft || arr.Side(3) != SideRight || arr.Side(9) != SideUnknown {
		t.Error("Side lookup mismatch")
	}
}

func TestTagCollectionTracksLastSeen(t *testing.T) {
	c := NewTagCollection(reading("T", 1, -40, 500))
	c.Add(reading("T", 0, -41, 900))
	c.Add(reading("T", 1, -42, 700)) // out of order

	if got := c.LastSeen().UnixMilli(); got != 900 {
		t.Errorf("LastSeen = %d, want 900", got)
	}
	if c.Count() != 3 {
		t.Errorf("Count = %d, want 3", c.Count())
	}
	if diff := cmp.Diff([]int{0, 1}, c.AntennaIDs()); diff != "" {
		t.Errorf("AntennaIDs mismatch (-want +got):\n%s", diff)
	}
	if ac := c.Antenna(1); ac == nil || len(ac.Samples) != 2 {
		t.Errorf("antenna 1 = %+v", ac)
	}
	if c.Antenna(7) != nil {
		t.Error("unexpected antenna 7")
	}
}

func TestRecordRows(t *testing.T) {
	r := TagReading{TagID: "T1", AntennaID: 2, RSSI: -48.5, LastSeen: time.UnixMilli(1234)}
	if diff := cmp.Diff([]string{"T1", "2", "-48.5", "1234"}, r.CSVRow()); diff != "" {
		t.Errorf("reading row mismatch (-want +got):\n%s", diff)
	}
	if len(r.CSVHeader()) != len(r.CSVRow()) {
		t.Error("reading header and row lengths differ")
	}

	p := TagPeak{
		TagID: "T1", Side: SideRight,
		PeakA: AntennaPeak{Time: time.UnixMilli(10), Strength: 0.5, AntennaID: 2},
		PeakB: AntennaPeak{Time: time.UnixMilli(20), Strength: 0.25, AntennaID: 3},
	}
	want := []string{"T1", "Right", "10", "0.5", "2", "20", "0.25", "3"}
	if diff := cmp.Diff(want, p.CSVRow()); diff != "" {
		t.Errorf("peak row mismatch (-want +got):\n%s", diff)
	}

	h := BlacklistHit{Reading: r, DetectedAt: time.UnixMilli(99)}
	if row := h.CSVRow(); len(row) != len(h.CSVHeader()) || row[4] != "99" {
		t.Errorf("hit row = %v", row)
	}
}

func TestRecordJSON(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := TagPeak{
		TagID: "T1", Side: SideLeft,
		PeakA: AntennaPeak{Time: at, Strength: 0.5, AntennaID: 0},
		PeakB: AntennaPeak{Time: at, Strength: 0.25, AntennaID: 1},
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"tag_id":"T1","side":"Left",` +
		`"peak_a":{"time":"2026-03-01T12:00:00Z","strength":0.5,"antenna_id":0},` +
		`"peak_b":{"time":"2026-03-01T12:00:00Z","strength":0.25,"antenna_id":1}}`
	if string(data) != want {
		t.Errorf("peak JSON:\n got %s\nwant %s", data, want)
	}
	var back TagPeak
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(p, back); diff != "" {
		t.Errorf("peak round trip mismatch (-want +got):\n%s", diff)
	}

	h := BlacklistHit{Reading: TagReading{TagID: "XX", AntennaID: 2, RSSI: -40, LastSeen: at}, DetectedAt: at}
	data, err = json.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	want = `{"reading":{"tag_id":"XX","antenna_id":2,"rssi":-40,"last_seen":"2026-03-01T12:00:00Z"},` +
		`"detected_at":"2026-03-01T12:00:00Z"}`
	if string(data) != want {
		t.Errorf("hit JSON:\n got %s\nwant %s", data, want)
	}

	var side VehicleSide
	if err := json.Unmarshal([]byte(`"RIGHT"`), &side); err != nil || side != SideRight {
		t.Errorf("side = %v, %v", side, err)
	}
	if err := json.Unmarshal([]byte(`"up"`), &side); err == nil {
		t.Error("expected error for unknown side")
	}
}
