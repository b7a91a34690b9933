package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/gorilla/mux"

	"github.com/banshee-data/alphascan/internal/httputil"
	"github.com/banshee-data/alphascan/internal/rfid"
	"github.com/banshee-data/alphascan/internal/rfid/dsp"
)

// echartsAssetsPrefix serves the echarts script from the public CDN.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// showTagChart renders the recorded readings of one tag in a run with the
// same conditioning the peak detector applies, one raw and one smoothed
// series per antenna.
func (s *Server) showTagChart(w http.ResponseWriter, r *http.Request) {
	if !s.history(w) {
		return
	}
	vars := mux.Vars(r)
	readings, err := s.store.TagReadings(vars["run"], vars["tag"])
	if err != nil {
		httputil.InternalServerError(w, "failed to list readings: "+err.Error())
		return
	}
	if len(readings) == 0 {
		httputil.NotFound(w, "no readings for tag")
		return
	}

	c := rfid.NewTagCollection(readings[0])
	for _, rd := range readings[1:] {
		c.Add(rd)
	}
	settings := s.p.Settings()
	traces := rfid.AnalyzeCollection(c, settings.Arrangement, settings.Peak)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tag " + c.TagID, Width: "100%", Height: "640px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Tag " + c.TagID, Subtitle: fmt.Sprintf("run=%s readings=%d", vars["run"], len(readings))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "time (ms)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "amplitude"}),
	)

	for _, tr := range traces {
		name := fmt.Sprintf("antenna %d (%s)", tr.AntennaID, tr.Side)
		raw := tr.Trace.Raw
		if raw.Len() == 0 {
			// Fewer than three samples are not conditioned; chart them as is.
			raw = rawSeries(c.Antenna(tr.AntennaID))
		}
		line.AddSeries(name+" raw", lineData(raw),
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))
		if tr.Trace.Smoothed.Len() > 0 {
			line.AddSeries(name+" smoothed", lineData(tr.Trace.Smoothed),
				charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true), ShowSymbol: opts.Bool(false)}))
		}
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func rawSeries(ac *rfid.AntennaCollection) dsp.Series {
	var s dsp.Series
	if ac == nil {
		return s
	}
	for _, smp := range ac.Samples {
		s.T = append(s.T, smp.Time.UnixMilli())
		s.V = append(s.V, dsp.DecibelsToAmplitude(smp.RSSI))
	}
	return s
}

func lineData(s dsp.Series) []opts.LineData {
	data := make([]opts.LineData, 0, s.Len())
	for i := range s.T {
		data = append(data, opts.LineData{Value: []interface{}{s.T[i], s.V[i]}})
	}
	return data
}
