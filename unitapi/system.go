package unitapi

import (
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/pioreactor/pioreactorui/store"
	"github.com/pioreactor/pioreactorui/tasks"
)

func (s *Server) updateTarget(w http.ResponseWriter, r *http.Request) {
	var kind string
	switch mux.Vars(r)["target"] {
	case "app":
		kind = tasks.KindPioUpdateApp
	case "ui":
		kind = tasks.KindPioUpdateUI
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found"})
		return
	}
	var body ArgsOptionsEnvs
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.enqueue(w, kind, tasks.ShellArgs{Args: body.Commandify(), Env: body.Env})
}

func (s *Server) updateEverything(w http.ResponseWriter, r *http.Request) {
	var body ArgsOptionsEnvs
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.enqueue(w, tasks.KindPioUpdate, tasks.ShellArgs{Args: body.Commandify(), Env: body.Env})
}

func (s *Server) reboot(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, tasks.KindReboot, nil)
}

func (s *Server) shutdown(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, tasks.KindShutdown, nil)
}

// removableFilePrefixes bound what the UI may delete on a node.
var removableFilePrefixes = []string{"/home/pioreactor/", "/tmp/"}

func (s *Server) removeFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filepath string `json:"filepath"`
	}
	if err := decodeBody(r, &body); err != nil || body.Filepath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "filepath field is required"})
		return
	}
	var cleaned = filepath.Clean(body.Filepath)
	var allowed = false
	for _, prefix := range removableFilePrefixes {
		if strings.HasPrefix(cleaned, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "filepath is outside the removable directories"})
		return
	}
	s.enqueue(w, tasks.KindRM, tasks.PathArgs{Path: cleaned})
}

func (s *Server) getClock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"clock_time": store.CurrentUTCTimestamp(),
	})
}

// clockLayouts are the accepted utc_clock_time formats.
var clockLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000000Z"}

func (s *Server) setClock(w http.ResponseWriter, r *http.Request) {
	if s.Config.IsLeader() {
		var body struct {
			UTCClockTime string `json:"utc_clock_time"`
		}
		if err := decodeBody(r, &body); err != nil || body.UTCClockTime == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"status": "error", "message": "utc_clock_time field is required",
			})
			return
		}
		var parsed time.Time
		var err error
		for _, layout := range clockLayouts {
			if parsed, err = time.Parse(layout, body.UTCClockTime); err == nil {
				break
			}
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"status": "error", "message": "Invalid utc_clock_time format. Use ISO 8601.",
			})
			return
		}
		if err = exec.Command("sudo", "date", "-s", parsed.UTC().Format("2006-01-02 15:04:05")).Run(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"status": "error", "message": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "success", "message": "Clock time successfully updated",
		})
		return
	}

	// Workers step their clock from the leader's chrony.
	if err := exec.Command("sudo", "chronyc", "-a", "makestep").Run(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error", "message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success", "message": "Clock time successfully synced",
	})
}
