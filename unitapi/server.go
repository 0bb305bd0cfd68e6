// Package unitapi serves the per-node HTTP surface. Every node, worker or
// leader, exposes it; the leader calls it on workers when fanning out
// cluster operations.
package unitapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/pioreactor/pioreactorui/cache"
	"github.com/pioreactor/pioreactorui/config"
	"github.com/pioreactor/pioreactorui/store"
	"github.com/pioreactor/pioreactorui/tasks"
)

// Server holds the unit API's collaborators.
type Server struct {
	Config  *config.Config
	Engine  *tasks.Engine
	Cache   *cache.Cache
	Local   *store.LocalDB
	Version string
}

// Register mounts every unit API route under /unit_api.
func (s *Server) Register(router *mux.Router) {
	var r = router.PathPrefix("/unit_api").Subrouter()

	r.HandleFunc("/task_results/{id}", s.taskResults).Methods("GET")

	r.HandleFunc("/system/update/{target}", s.updateTarget).Methods("POST", "PATCH")
	r.HandleFunc("/system/update", s.updateEverything).Methods("POST", "PATCH")
	r.HandleFunc("/system/reboot", s.reboot).Methods("POST", "PATCH")
	r.HandleFunc("/system/shutdown", s.shutdown).Methods("POST", "PATCH")
	r.HandleFunc("/system/remove_file", s.removeFile).Methods("POST", "PATCH")
	r.HandleFunc("/system/utc_clock", s.getClock).Methods("GET")
	r.HandleFunc("/system/utc_clock", s.setClock).Methods("POST", "PATCH")

	r.HandleFunc("/jobs/run/job_name/{job}", s.runJob).Methods("POST", "PATCH")
	r.HandleFunc("/jobs/stop/all", s.stopAllJobs).Methods("POST", "PATCH")
	r.HandleFunc("/jobs/stop/job_name/{job}", s.stopJobByName).Methods("POST", "PATCH")
	r.HandleFunc("/jobs/stop/experiment/{experiment}", s.stopJobsByExperiment).Methods("POST", "PATCH")
	r.HandleFunc("/jobs/stop/job_source/{source}", s.stopJobsBySource).Methods("POST", "PATCH")
	r.HandleFunc("/jobs/running", s.runningJobs).Methods("GET")
	r.HandleFunc("/jobs/running/experiments/{experiment}", s.runningJobsForExperiment).Methods("GET")
	r.HandleFunc("/long_running_jobs/running", s.longRunningJobs).Methods("GET")
	r.HandleFunc("/jobs/settings/job_name/{job}", s.jobSettings).Methods("GET")
	r.HandleFunc("/jobs/settings/job_name/{job}/setting/{setting}", s.jobSetting).Methods("GET")
	r.HandleFunc("/jobs/settings/job_name/{job}", s.patchJobSettings).Methods("PATCH")

	r.HandleFunc("/plugins/installed", s.installedPlugins).Methods("GET")
	r.HandleFunc("/plugins/installed/{filename}", s.pluginSource).Methods("GET")
	r.HandleFunc("/plugins/install", s.installPlugin).Methods("POST", "PATCH")
	r.HandleFunc("/plugins/uninstall", s.uninstallPlugin).Methods("POST", "PATCH")

	r.HandleFunc("/versions/app", s.appVersion).Methods("GET")
	r.HandleFunc("/versions/ui", s.uiVersion).Methods("GET")

	r.HandleFunc("/calibrations", s.allCalibrations).Methods("GET")
	r.HandleFunc("/calibrations/{type}", s.calibrationsOfType).Methods("GET")
	r.HandleFunc("/calibrations/{type}/{name}/active", s.setActiveCalibration).Methods("PATCH")
	r.HandleFunc("/calibrations/{type}/active", s.clearActiveCalibration).Methods("DELETE")
	r.HandleFunc("/calibrations/{type}/{name}", s.deleteCalibration).Methods("DELETE")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found"})
	})
}

// ArgsOptionsEnvs is the body of job, plugin, and update endpoints. Options
// become --flags; a null option value emits the flag alone.
type ArgsOptionsEnvs struct {
	Args    []string          `json:"args"`
	Options map[string]any    `json:"options"`
	Env     map[string]string `json:"env"`
}

// Commandify flattens the body into an argument list after the given
// prefix. Underscores in option names become dashes.
func (b *ArgsOptionsEnvs) Commandify(prefix ...string) []string {
	var out = append([]string{}, prefix...)
	out = append(out, b.Args...)
	for option, value := range b.Options {
		out = append(out, "--"+strings.ReplaceAll(option, "_", "-"))
		if value != nil {
			out = append(out, fmt.Sprintf("%v", value))
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.WithField("err", err).Error("encoding response")
	}
}

func decodeBody(r *http.Request, into any) error {
	if r.Body == nil {
		return nil
	}
	var err = json.NewDecoder(r.Body).Decode(into)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// taskResponse reports the enqueued task and where to poll for its result.
func (s *Server) taskResponse(w http.ResponseWriter, task *tasks.Task) {
	writeJSON(w, http.StatusAccepted, map[string]string{
		"unit":            s.Config.UnitName,
		"task_id":         task.ID,
		"result_url_path": "/unit_api/task_results/" + task.ID,
	})
}

// enqueue wraps Engine.Enqueue with the standard 202/500 handling.
func (s *Server) enqueue(w http.ResponseWriter, kind string, payload any) {
	var task, err = s.Engine.Enqueue(kind, payload)
	if err != nil {
		log.WithFields(log.Fields{"kind": kind, "err": err}).Error("enqueuing task")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.taskResponse(w, task)
}

func (s *Server) taskResults(w http.ResponseWriter, r *http.Request) {
	var status, found, err = s.Engine.Status(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending or not present"})
		return
	}
	switch status.State {
	case tasks.StateComplete:
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "complete",
			"result": status.Result,
		})
	case tasks.StateFailed:
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "failed",
			"error":  status.Error,
		})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending or not present"})
	}
}
