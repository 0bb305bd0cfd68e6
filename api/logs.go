package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pioreactor/pioreactorui/config"
	"github.com/pioreactor/pioreactorui/store"
)

func skipParam(r *http.Request) int {
	var skip, _ = strconv.Atoi(r.URL.Query().Get("skip"))
	if skip < 0 {
		skip = 0
	}
	return skip
}

func minLevelParam(r *http.Request) string {
	if level := r.URL.Query().Get("min_level"); level != "" {
		return strings.ToUpper(level)
	}
	return "INFO"
}

func (s *Server) writeLogs(w http.ResponseWriter, logs []store.Log, err error) {
	if err != nil {
		s.serverError(w, "logs", err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) allLogs(w http.ResponseWriter, r *http.Request) {
	var logs, err = s.Store.AllLogs(skipParam(r))
	s.writeLogs(w, logs, err)
}

func (s *Server) recentLogs(w http.ResponseWriter, r *http.Request) {
	var logs, err = s.Store.RecentLogs(
		mux.Vars(r)["experiment"], config.UniversalExperiment, minLevelParam(r))
	s.writeLogs(w, logs, err)
}

func (s *Server) recentLogsForUnit(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var logs, err = s.Store.RecentLogsForUnit(
		vars["experiment"], config.UniversalExperiment,
		vars["unit"], config.UniversalIdentifier, minLevelParam(r))
	s.writeLogs(w, logs, err)
}

func (s *Server) experimentLogs(w http.ResponseWriter, r *http.Request) {
	var logs, err = s.Store.ExperimentLogs(
		mux.Vars(r)["experiment"], config.UniversalExperiment, skipParam(r))
	s.writeLogs(w, logs, err)
}

func (s *Server) experimentLogsForUnit(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var logs, err = s.Store.ExperimentLogsForUnit(
		vars["experiment"], config.UniversalExperiment,
		vars["unit"], config.UniversalIdentifier, skipParam(r))
	s.writeLogs(w, logs, err)
}

func (s *Server) unitLogs(w http.ResponseWriter, r *http.Request) {
	var logs, err = s.Store.UnitLogs(
		mux.Vars(r)["unit"], config.UniversalIdentifier, skipParam(r))
	s.writeLogs(w, logs, err)
}

// publishLog lets a user annotate the experiment's log stream. The envelope
// flows through MQTT so it lands in the database alongside job logs.
func (s *Server) publishLog(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message   string `json:"message"`
		Task      string `json:"task"`
		Timestamp string `json:"timestamp"`
	}
	if err := decodeBody(r, &body); err != nil || body.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message field is required"})
		return
	}
	if body.Task == "" {
		body.Task = "user_note"
	}
	s.Logger.ExperimentLog(s.Config.UnitName, mux.Vars(r)["experiment"],
		body.Task, body.Message, body.Timestamp)
	w.WriteHeader(http.StatusAccepted)
}
