package main

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/alphascan/internal/rfid/dsp"
	"github.com/banshee-data/alphascan/internal/security"
)

var antennaColors = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 255, G: 127, B: 14, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
	color.RGBA{R: 148, G: 103, B: 189, A: 255},
	color.RGBA{R: 140, G: 86, B: 75, A: 255},
}

// plotPass draws the raw and smoothed amplitude of every antenna in the
// pass and marks the detected peaks. Times are relative to the first sample.
func plotPass(dir string, index int, ps pass) (string, error) {
	c := ps.collection
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Tag %s, pass %d", c.TagID, index)
	if ps.ok {
		p.Title.Text += fmt.Sprintf(" (%s)", ps.peak.Side)
	}
	p.X.Label.Text = "time (ms)"
	p.Y.Label.Text = "amplitude"

	var t0 int64 = -1
	for _, ac := range c.Antennas {
		if len(ac.Samples) > 0 {
			if ms := ac.Samples[0].Time.UnixMilli(); t0 < 0 || ms < t0 {
				t0 = ms
			}
		}
	}

	for i, tr := range ps.traces {
		col := antennaColors[i%len(antennaColors)]
		label := fmt.Sprintf("antenna %d", tr.AntennaID)

		raw := make(plotter.XYs, 0)
		for _, smp := range c.Antenna(tr.AntennaID).Samples {
			raw = append(raw, plotter.XY{X: float64(smp.Time.UnixMilli() - t0), Y: dsp.DecibelsToAmplitude(smp.RSSI)})
		}
		sc, err := plotter.NewScatter(raw)
		if err != nil {
			return "", err
		}
		sc.GlyphStyle.Color = col
		sc.GlyphStyle.Radius = vg.Points(2)
		p.Add(sc)
		p.Legend.Add(label, sc)

		if s := tr.Trace.Smoothed; s.Len() > 0 {
			pts := make(plotter.XYs, s.Len())
			for j := range s.T {
				pts[j] = plotter.XY{X: float64(s.T[j] - t0), Y: s.V[j]}
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return "", err
			}
			line.Color = col
			line.Width = vg.Points(1)
			p.Add(line)
		}

		if tr.HasPeak {
			mark, err := plotter.NewScatter(plotter.XYs{{X: float64(tr.Peak.Time.UnixMilli() - t0), Y: tr.Peak.Strength}})
			if err != nil {
				return "", err
			}
			mark.GlyphStyle.Color = col
			mark.GlyphStyle.Radius = vg.Points(5)
			mark.GlyphStyle.Shape = draw.CrossGlyph{}
			p.Add(mark)
		}
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	path, err := security.SafeJoin(dir, fmt.Sprintf("%03d_%s.png", index, c.TagID))
	if err != nil {
		return "", err
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return "", fmt.Errorf("save plot: %w", err)
	}
	return path, nil
}
