// Command peakplot replays a recorded TagData.csv through the collator and
// peak detector and plots every tag pass, so detector settings can be tuned
// offline.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/banshee-data/alphascan/internal/config"
	"github.com/banshee-data/alphascan/internal/fsutil"
	"github.com/banshee-data/alphascan/internal/output"
	"github.com/banshee-data/alphascan/internal/rfid"
)

var (
	inPath     = flag.String("in", "", "TagData.csv to replay (required)")
	outDir     = flag.String("out", "plots", "Directory for plots and the replayed TagPeaks.csv")
	configPath = flag.String("config", "", "Path to a JSON config file for detector settings")
	tagFilter  = flag.String("tag", "", "Only plot this tag ID")
)

func main() {
	flag.Parse()
	if *inPath == "" {
		log.Fatal("-in is required")
	}

	cfg := config.EmptyConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	f, err := os.Open(*inPath)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *inPath, err)
	}
	readings, err := readTagData(f)
	f.Close()
	if err != nil {
		log.Fatalf("failed to read %s: %v", *inPath, err)
	}
	log.Printf("read %d readings from %s", len(readings), *inPath)

	s := cfg.PipelineSettings()
	passes, err := replay(readings, s.PersistTime, rfid.DetectorSettings{Arrangement: s.Arrangement, Params: s.Peak})
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("failed to create %s: %v", *outDir, err)
	}
	var peaks []rfid.TagPeak
	for i, pass := range passes {
		if pass.ok {
			peaks = append(peaks, pass.peak)
		}
		if *tagFilter != "" && pass.collection.TagID != *tagFilter {
			continue
		}
		path, err := plotPass(*outDir, i, pass)
		if err != nil {
			log.Printf("tag %s: %v", pass.collection.TagID, err)
			continue
		}
		log.Printf("tag %s: %s", pass.collection.TagID, path)
	}

	m := output.NewManager(fsutil.OSFileSystem{}, *outDir)
	label, err := m.NextRun("peakplot")
	if err != nil {
		log.Fatalf("failed to open output run: %v", err)
	}
	if err := m.Write(s.TagPeaksFileName, output.Records(peaks)); err != nil {
		log.Fatalf("failed to write peaks: %v", err)
	}
	log.Printf("%d passes, %d peaks written to %s/%s", len(passes), len(peaks), label, s.TagPeaksFileName)
}

// readTagData parses a TagData.csv written by the pipeline. The header row
// is optional.
func readTagData(r io.Reader) ([]rfid.TagReading, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4
	cr.ReuseRecord = true

	var readings []rfid.TagReading
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return readings, nil
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && rec[0] == "TagID" {
			continue
		}
		antenna, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: antenna: %w", line, err)
		}
		rssi, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: rssi: %w", line, err)
		}
		ms, err := strconv.ParseInt(rec[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: last seen: %w", line, err)
		}
		readings = append(readings, rfid.TagReading{
			TagID:     rec[0],
			AntennaID: antenna,
			RSSI:      rssi,
			LastSeen:  time.UnixMilli(ms).UTC(),
		})
	}
}

// pass is one collated tag pass and its detection result.
type pass struct {
	collection *rfid.TagCollection
	traces     []rfid.AntennaTrace
	peak       rfid.TagPeak
	ok         bool
}

// replay runs readings through a collator exactly as the live pipeline does
// and analyses every emitted collection.
func replay(readings []rfid.TagReading, persist time.Duration, ds rfid.DetectorSettings) ([]pass, error) {
	d := rfid.NewPeakDetector(nil)
	if err := d.SetSettings(ds); err != nil {
		return nil, err
	}
	c := rfid.NewTagCollator()
	if err := c.SetPersistTime(persist); err != nil {
		return nil, err
	}

	in := make(chan rfid.TagReading)
	out := make(chan *rfid.TagCollection, 16)
	ctx := context.Background()
	if err := c.Start(ctx, in, out); err != nil {
		return nil, err
	}
	go func() {
		for _, r := range readings {
			in <- r
		}
		close(in)
	}()

	var passes []pass
	for coll := range out {
		traces := rfid.AnalyzeCollection(coll, ds.Arrangement, ds.Params)
		peak, ok := rfid.PairPeaks(coll.TagID, ds.Arrangement, traces)
		passes = append(passes, pass{collection: coll, traces: traces, peak: peak, ok: ok})
	}
	return passes, c.Wait(ctx)
}
