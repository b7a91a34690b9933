package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/alphascan/internal/db"
	"github.com/banshee-data/alphascan/internal/output"
	"github.com/banshee-data/alphascan/internal/pipeline"
	"github.com/banshee-data/alphascan/internal/reader"
	"github.com/banshee-data/alphascan/internal/rfid"
)

// commandPipeline records reader commands and otherwise reports an idle
// pipeline.
type commandPipeline struct {
	hub  *pipeline.Hub
	cmds []string
	err  error
}

func (f *commandPipeline) Status() pipeline.Status            { return pipeline.Status{State: "configured"} }
func (f *commandPipeline) Settings() pipeline.Settings        { return pipeline.DefaultSettings() }
func (f *commandPipeline) Start(context.Context) error        { return nil }
func (f *commandPipeline) StopAndDrain(context.Context) error { return nil }
func (f *commandPipeline) Abort() error                       { return nil }
func (f *commandPipeline) Hub() *pipeline.Hub                 { return f.hub }
func (f *commandPipeline) SendCommand(cmd string) error {
	f.cmds = append(f.cmds, cmd)
	return f.err
}

func idlePipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	s := pipeline.DefaultSettings()
	s.SaveTagData, s.SaveTagPeaks = false, false
	p := pipeline.New()
	require.NoError(t, p.Configure(s, pipeline.Collaborators{Reader: reader.Disabled{}}))
	t.Cleanup(func() { p.Abort() })
	return p
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestRunControl(t *testing.T) {
	p := idlePipeline(t)
	h := NewServer(p, nil).Router()

	rec := do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "configured", decode[pipeline.Status](t, rec).State)

	rec = do(t, h, http.MethodPost, "/api/run/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[pipeline.Status](t, rec)
	assert.Equal(t, "running", st.State)
	require.NotNil(t, st.Run)
	assert.NotEmpty(t, st.Run.ID)

	rec = do(t, h, http.MethodPost, "/api/run/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/run/stop", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "configured", decode[pipeline.Status](t, rec).State)

	rec = do(t, h, http.MethodPost, "/api/run/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/run/abort", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "configured", decode[pipeline.Status](t, rec).State)
}

func TestStartUnconfigured(t *testing.T) {
	h := NewServer(pipeline.New(), nil).Router()
	rec := do(t, h, http.MethodPost, "/api/run/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "not configured")
}

func TestRoutingErrors(t *testing.T) {
	h := NewServer(idlePipeline(t), nil).Router()
	rec := do(t, h, http.MethodGet, "/api/run/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"error":"method not allowed"}`, rec.Body.String())
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodDelete, "/api/runs/run-a/peaks", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPost, "/api/status", "").Code)

	rec = do(t, h, http.MethodGet, "/api/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/elsewhere", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/runs", "").Code, "no store")
}

func TestSendCommand(t *testing.T) {
	f := &commandPipeline{hub: pipeline.NewHub()}
	h := NewServer(f, nil).Router()

	rec := do(t, h, http.MethodPost, "/api/reader/command", `{"command":" get ReaderName "}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"get ReaderName"}, f.cmds)

	req := httptest.NewRequest(http.MethodPost, "/api/reader/command", strings.NewReader("command=get+AutoMode"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"get ReaderName", "get AutoMode"}, f.cmds)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/reader/command", `{"command":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/reader/command", `{"cmd":"x"}`).Code)

	f.err = reader.ErrNoCommandLink
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/reader/command", `{"command":"q"}`).Code)
	f.err = errors.New("write failed")
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodPost, "/api/reader/command", `{"command":"q"}`).Code)
}

func TestSendCommandWithoutLink(t *testing.T) {
	h := NewServer(idlePipeline(t), nil).Router()
	rec := do(t, h, http.MethodPost, "/api/reader/command", `{"command":"get ReaderName"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func seedStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.OpenDB(filepath.Join(t.TempDir(), "alphascan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.NextRun("run-a")
	require.NoError(t, err)
	readings := []rfid.TagReading{
		{TagID: "T1", AntennaID: 0, RSSI: -50, LastSeen: time.UnixMilli(0)},
		{TagID: "T1", AntennaID: 0, RSSI: -40, LastSeen: time.UnixMilli(100)},
		{TagID: "T1", AntennaID: 0, RSSI: -50, LastSeen: time.UnixMilli(200)},
		{TagID: "T1", AntennaID: 2, RSSI: -60, LastSeen: time.UnixMilli(400)},
		{TagID: "XX", AntennaID: 1, RSSI: -45, LastSeen: time.UnixMilli(500)},
	}
	require.NoError(t, store.Write("TagData.csv", output.Records(readings)))

	peaks := []rfid.TagPeak{
		{TagID: "T1", Side: rfid.SideLeft, PeakA: rfid.AntennaPeak{Time: time.UnixMilli(100).UTC(), AntennaID: 0}},
		{TagID: "T2", Side: rfid.SideRight, PeakA: rfid.AntennaPeak{Time: time.UnixMilli(900).UTC(), AntennaID: 2}},
	}
	require.NoError(t, store.Write("TagPeaks.csv", output.Records(peaks)))
	hit := rfid.BlacklistHit{Reading: readings[4], DetectedAt: time.UnixMilli(600).UTC()}
	require.NoError(t, store.Write(pipeline.BlacklistHitsFileName, []output.Record{hit}))
	return store
}

func TestRunHistory(t *testing.T) {
	h := NewServer(&commandPipeline{hub: pipeline.NewHub()}, seedStore(t)).Router()

	rec := do(t, h, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]db.Run](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-a", runs[0].ID)
	assert.Equal(t, 5, runs[0].Readings)
	assert.Equal(t, 2, runs[0].Peaks)
	assert.Equal(t, 1, runs[0].Hits)

	rec = do(t, h, http.MethodGet, "/api/runs/run-a/peaks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]rfid.TagPeak](t, rec), 2)

	rec = do(t, h, http.MethodGet, "/api/runs/run-a/peaks?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]rfid.TagPeak](t, rec), 1)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/runs/run-a/peaks?limit=zero", "").Code)

	rec = do(t, h, http.MethodGet, "/api/runs/run-a/blacklist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	hits := decode[[]rfid.BlacklistHit](t, rec)
	require.Len(t, hits, 1)
	assert.Equal(t, "XX", hits[0].Reading.TagID)

	rec = do(t, h, http.MethodGet, "/api/runs/run-a/tags/T1/readings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]rfid.TagReading](t, rec), 4)
}

func TestTagChart(t *testing.T) {
	h := NewServer(&commandPipeline{hub: pipeline.NewHub()}, seedStore(t)).Router()

	rec := do(t, h, http.MethodGet, "/api/runs/run-a/tags/T1/chart", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "Tag T1")
	assert.Contains(t, body, "antenna 0 (Left) smoothed")
	assert.Contains(t, body, "antenna 2 (Right) raw")
	assert.NotContains(t, body, "antenna 2 (Right) smoothed")

	rec = do(t, h, http.MethodGet, "/api/runs/run-a/tags/NOPE/chart", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEvents(t *testing.T) {
	hub := pipeline.NewHub()
	srv := httptest.NewServer(NewServer(&commandPipeline{hub: hub}, nil).Router())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	readLine := func() string {
		line, err := lines.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimRight(line, "\n")
	}
	assert.Equal(t, ": ping", readLine())
	assert.Equal(t, "", readLine())

	hub.Publish(pipeline.Event{Type: pipeline.EventPeak, RunID: "run-a", Peak: &rfid.TagPeak{TagID: "T9", Side: rfid.SideRight}})
	assert.Equal(t, "event: peak", readLine())
	data := strings.TrimPrefix(readLine(), "data: ")
	assert.Contains(t, data, `"tag_id":"T9"`)
	assert.Contains(t, data, `"side":"Right"`)
	var e pipeline.Event
	require.NoError(t, json.Unmarshal([]byte(data), &e))
	assert.Equal(t, "run-a", e.RunID)
	require.NotNil(t, e.Peak)
	assert.Equal(t, "T9", e.Peak.TagID)
}
