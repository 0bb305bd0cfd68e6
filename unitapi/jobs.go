package unitapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pioreactor/pioreactorui/store"
	"github.com/pioreactor/pioreactorui/tasks"
)

// runJob launches `pio run <job>` in the background. Repeated requests for
// the same job within the debounce window are rejected so a double-clicked
// button doesn't start two stirrings.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	var job = mux.Vars(r)["job"]
	if s.Cache.Debounce(job, time.Second) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "Too many requests, please try again later.",
		})
		return
	}
	var body ArgsOptionsEnvs
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.enqueue(w, tasks.KindPioRun, tasks.ShellArgs{
		Args: body.Commandify(job),
		Env:  tasks.FilterEnv(body.Env),
	})
}

func (s *Server) stopAllJobs(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, tasks.KindPioKill, tasks.ShellArgs{Args: []string{"--all-jobs"}})
}

func (s *Server) stopJobByName(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, tasks.KindPioKill, tasks.ShellArgs{Args: []string{"--job-name", mux.Vars(r)["job"]}})
}

func (s *Server) stopJobsByExperiment(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, tasks.KindPioKill, tasks.ShellArgs{Args: []string{"--experiment", mux.Vars(r)["experiment"]}})
}

func (s *Server) stopJobsBySource(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, tasks.KindPioKill, tasks.ShellArgs{Args: []string{"--job-source", mux.Vars(r)["source"]}})
}

func (s *Server) runningJobs(w http.ResponseWriter, r *http.Request) {
	var jobs, err = s.Local.RunningJobs()
	s.writeJobs(w, jobs, err)
}

func (s *Server) runningJobsForExperiment(w http.ResponseWriter, r *http.Request) {
	var jobs, err = s.Local.RunningJobsForExperiment(mux.Vars(r)["experiment"])
	s.writeJobs(w, jobs, err)
}

func (s *Server) longRunningJobs(w http.ResponseWriter, r *http.Request) {
	var jobs, err = s.Local.LongRunningJobs()
	s.writeJobs(w, jobs, err)
}

func (s *Server) writeJobs(w http.ResponseWriter, jobs []store.RunningJob, err error) {
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) jobSettings(w http.ResponseWriter, r *http.Request) {
	var settings, err = s.Local.JobSettings(mux.Vars(r)["job"])
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if len(settings) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (s *Server) jobSetting(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var value, ok, err = s.Local.JobSetting(vars["job"], vars["setting"])
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{vars["setting"]: value})
}

// patchJobSettings is reserved: live setting updates flow over MQTT, not
// the unit API.
func (s *Server) patchJobSettings(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusServiceUnavailable)
}
