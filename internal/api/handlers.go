package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/banshee-data/alphascan/internal/httputil"
	"github.com/banshee-data/alphascan/internal/monitoring"
)

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.p.Status())
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if err := s.p.Start(r.Context()); err != nil {
		writePipelineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.p.Status())
}

// stopRun drains the current run. The drain is bounded by the configured
// drain timeout and by the request.
func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	if err := s.p.StopAndDrain(r.Context()); err != nil {
		monitoring.Logf("[API] stop: %v", err)
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.p.Status())
}

func (s *Server) abortRun(w http.ResponseWriter, r *http.Request) {
	if err := s.p.Abort(); err != nil {
		monitoring.Logf("[API] abort: %v", err)
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.p.Status())
}

type commandRequest struct {
	Command string `json:"command"`
}

// sendCommand forwards one console command to the reader. The command is
// taken from a JSON body or from the "command" form value.
func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := httputil.DecodeJSON(r, maxCommandBody, &req); err != nil {
			httputil.BadRequest(w, "invalid request body: "+err.Error())
			return
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxCommandBody)
		req.Command = r.FormValue("command")
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		httputil.BadRequest(w, "missing command")
		return
	}
	if err := s.p.SendCommand(req.Command); err != nil {
		writePipelineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "sent", "command": req.Command})
}

func (s *Server) history(w http.ResponseWriter) bool {
	if s.store == nil {
		httputil.NotFound(w, "run history is not recorded")
		return false
	}
	return true
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !s.history(w) {
		return
	}
	runs, err := s.store.Runs()
	if err != nil {
		httputil.InternalServerError(w, "failed to list runs: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) listPeaks(w http.ResponseWriter, r *http.Request) {
	if !s.history(w) {
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = v
	}
	peaks, err := s.store.TagPeaks(mux.Vars(r)["run"], limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list peaks: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, peaks)
}

func (s *Server) listBlacklistHits(w http.ResponseWriter, r *http.Request) {
	if !s.history(w) {
		return
	}
	hits, err := s.store.BlacklistHits(mux.Vars(r)["run"])
	if err != nil {
		httputil.InternalServerError(w, "failed to list blacklist hits: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, hits)
}

func (s *Server) listTagReadings(w http.ResponseWriter, r *http.Request) {
	if !s.history(w) {
		return
	}
	vars := mux.Vars(r)
	readings, err := s.store.TagReadings(vars["run"], vars["tag"])
	if err != nil {
		httputil.InternalServerError(w, "failed to list readings: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, readings)
}
