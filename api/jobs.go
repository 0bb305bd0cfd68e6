package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/pioreactor/pioreactorui/bus"
	"github.com/pioreactor/pioreactorui/cluster"
	"github.com/pioreactor/pioreactorui/config"
	"github.com/pioreactor/pioreactorui/tasks"
	"github.com/pioreactor/pioreactorui/unitapi"
)

// publishConfirm is how long we give the broker to confirm a publish before
// treating the target as unreachable.
const publishConfirm = 2 * time.Second

// stopAllJobsInExperiment stops every job of the experiment's workers, plus
// any leader-side jobs tagged with the experiment.
func (s *Server) stopAllJobsInExperiment(w http.ResponseWriter, r *http.Request) {
	var experiment = mux.Vars(r)["experiment"]
	var workers, err = s.workersInExperiment(experiment)
	if err != nil {
		s.serverError(w, "stop_all", err)
		return
	}
	if _, err = s.Engine.Enqueue(tasks.KindPioKill, tasks.ShellArgs{
		Args: []string{"--experiment", experiment},
	}); err != nil {
		s.serverError(w, "stop_all", err)
		return
	}
	task, err := s.multicast(cluster.POST, "/unit_api/jobs/stop/experiment/"+experiment, workers, nil)
	if err != nil {
		s.serverError(w, "stop_all", err)
		return
	}
	s.taskResponse(w, task)
}

func (s *Server) stopJobsOnWorkerForExperiment(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	s.fanoutTask(w, cluster.POST, "/unit_api/jobs/stop/experiment/"+vars["experiment"], vars["unit"], nil)
}

// stopJobOnUnit asks the job to disconnect over MQTT. If the broker can't
// confirm the publish, fall back to a unit-API stop task and hand the caller
// that task to poll.
func (s *Server) stopJobOnUnit(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var unit, job, experiment = vars["unit"], vars["job"], vars["experiment"]

	var pub = s.Bus.Publish(bus.StateTopic(unit, experiment, job), []byte("disconnected"), bus.AtLeastOnce, false)
	if err := pub.Wait(publishConfirm); err != nil {
		log.WithFields(log.Fields{"unit": unit, "job": job, "err": err}).Error("stop publish unconfirmed, falling back to unit API")
		if task, fallbackErr := s.multicast(cluster.POST, "/unit_api/jobs/stop/job_name/"+job, []string{unit}, nil); fallbackErr == nil {
			s.taskResponse(w, task)
		} else {
			s.serverError(w, "stop_job", fallbackErr)
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// runJobOnUnit starts a job on one worker, or on every active worker of the
// experiment when addressed with the broadcast sentinel. Only active,
// assigned workers run jobs.
func (s *Server) runJobOnUnit(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var unit, job, experiment = vars["unit"], vars["job"], vars["experiment"]

	var body unitapi.ArgsOptionsEnvs
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var workers []string
	if unit == config.UniversalIdentifier {
		var err error
		if workers, err = s.Store.ActiveWorkersInExperiment(experiment); err != nil {
			s.serverError(w, "run_job", err)
			return
		}
	} else {
		var active, err = s.Store.IsActiveWorkerInExperiment(experiment, unit)
		if err != nil {
			s.serverError(w, "run_job", err)
			return
		}
		if !active {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "Worker is not active or not assigned to the experiment.",
			})
			return
		}
		workers = []string{unit}
	}

	if body.Env == nil {
		body.Env = map[string]string{}
	}
	body.Env["EXPERIMENT"] = experiment
	body.Env["ACTIVE"] = "1"

	encoded, err := json.Marshal(&body)
	if err != nil {
		s.serverError(w, "run_job", err)
		return
	}
	task, err := s.multicast(cluster.POST, "/unit_api/jobs/run/job_name/"+job, workers, encoded)
	if err != nil {
		s.serverError(w, "run_job", err)
		return
	}
	s.taskResponse(w, task)
}

// updateJobSettings publishes each new setting value to the job's settings
// topics at QoS 2, so a redelivered update can't replay a stale value.
func (s *Server) updateJobSettings(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var unit, job, experiment = vars["unit"], vars["job"], vars["experiment"]

	var body struct {
		Settings map[string]any `json:"settings"`
	}
	if err := decodeBody(r, &body); err != nil || body.Settings == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for setting, value := range body.Settings {
		var payload []byte
		switch v := value.(type) {
		case string:
			payload = []byte(v)
		default:
			payload, _ = json.Marshal(v)
		}
		var pub = s.Bus.Publish(bus.SettingTopic(unit, experiment, job, setting), payload, bus.ExactlyOnce, false)
		if err := pub.Wait(publishConfirm); err != nil {
			s.serverError(w, "update_settings", err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// runningJobsOnUnit proxies the worker's own running-jobs listing. This is
// the one synchronous read-through to a worker; an unreachable worker is a
// bad gateway, not an empty list.
func (s *Server) runningJobsOnUnit(w http.ResponseWriter, r *http.Request) {
	var unit = mux.Vars(r)["unit"]
	var result = s.Cluster.Get(r.Context(), unit, "/unit_api/jobs/running", nil)
	if result == nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "Could not reach " + unit + ". Is it online?",
		})
		return
	}
	writeRaw(w, http.StatusOK, result)
}

func (s *Server) blinkWorker(w http.ResponseWriter, r *http.Request) {
	var unit = mux.Vars(r)["unit"]
	s.Bus.Publish(bus.FlickerTopic(unit, config.UniversalExperiment), []byte("1"), bus.AtMostOnce, false)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) rebootUnit(w http.ResponseWriter, r *http.Request) {
	s.fanoutTask(w, cluster.POST, "/unit_api/system/reboot", mux.Vars(r)["unit"], nil)
}

func (s *Server) shutdownUnit(w http.ResponseWriter, r *http.Request) {
	s.fanoutTask(w, cluster.POST, "/unit_api/system/shutdown", mux.Vars(r)["unit"], nil)
}

func (s *Server) rebootAllWorkers(w http.ResponseWriter, r *http.Request) {
	s.fanoutTask(w, cluster.POST, "/unit_api/system/reboot", config.UniversalIdentifier, nil)
}

func (s *Server) shutdownAllWorkers(w http.ResponseWriter, r *http.Request) {
	s.fanoutTask(w, cluster.POST, "/unit_api/system/shutdown", config.UniversalIdentifier, nil)
}

func (s *Server) runningJobsAcrossCluster(w http.ResponseWriter, r *http.Request) {
	var task, err = s.broadcast(cluster.GET, "/unit_api/jobs/running", nil)
	if err != nil {
		s.serverError(w, "running_jobs", err)
		return
	}
	s.taskResponse(w, task)
}

func (s *Server) runningJobsInExperiment(w http.ResponseWriter, r *http.Request) {
	var experiment = mux.Vars(r)["experiment"]
	var workers, err = s.workersInExperiment(experiment)
	if err != nil {
		s.serverError(w, "running_jobs", err)
		return
	}
	task, err := s.multicast(cluster.GET, "/unit_api/jobs/running/experiments/"+experiment, workers, nil)
	if err != nil {
		s.serverError(w, "running_jobs", err)
		return
	}
	s.taskResponse(w, task)
}

func (s *Server) settingsInExperiment(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var workers, err = s.workersInExperiment(vars["experiment"])
	if err != nil {
		s.serverError(w, "job_settings", err)
		return
	}
	task, err := s.multicast(cluster.GET, "/unit_api/jobs/settings/job_name/"+vars["job"], workers, nil)
	if err != nil {
		s.serverError(w, "job_settings", err)
		return
	}
	s.taskResponse(w, task)
}

func (s *Server) settingInExperiment(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var workers, err = s.workersInExperiment(vars["experiment"])
	if err != nil {
		s.serverError(w, "job_settings", err)
		return
	}
	task, err := s.multicast(cluster.GET,
		"/unit_api/jobs/settings/job_name/"+vars["job"]+"/setting/"+vars["setting"], workers, nil)
	if err != nil {
		s.serverError(w, "job_settings", err)
		return
	}
	s.taskResponse(w, task)
}

func (s *Server) settingsForWorker(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	s.fanoutTask(w, cluster.GET, "/unit_api/jobs/settings/job_name/"+vars["job"], vars["unit"], nil)
}

func (s *Server) settingForWorker(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	s.fanoutTask(w, cluster.GET,
		"/unit_api/jobs/settings/job_name/"+vars["job"]+"/setting/"+vars["setting"], vars["unit"], nil)
}

// Calibration and plugin management are entirely delegated to units.

func (s *Server) calibrationsForWorker(w http.ResponseWriter, r *http.Request) {
	s.fanoutTask(w, cluster.GET, "/unit_api/calibrations", mux.Vars(r)["unit"], nil)
}

func (s *Server) calibrationsOfTypeForWorker(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	s.fanoutTask(w, cluster.GET, "/unit_api/calibrations/"+vars["type"], vars["unit"], nil)
}

func (s *Server) setActiveCalibration(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	s.fanoutTask(w, cluster.PATCH,
		"/unit_api/calibrations/"+vars["type"]+"/"+vars["name"]+"/active", vars["unit"], nil)
}

func (s *Server) clearActiveCalibration(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	s.fanoutTask(w, cluster.DELETE, "/unit_api/calibrations/"+vars["type"]+"/active", vars["unit"], nil)
}

func (s *Server) deleteCalibration(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	s.fanoutTask(w, cluster.DELETE, "/unit_api/calibrations/"+vars["type"]+"/"+vars["name"], vars["unit"], nil)
}

func (s *Server) installedPluginsOnUnit(w http.ResponseWriter, r *http.Request) {
	s.fanoutTask(w, cluster.GET, "/unit_api/plugins/installed", mux.Vars(r)["unit"], nil)
}

func (s *Server) installPluginAcrossCluster(w http.ResponseWriter, r *http.Request) {
	if s.Config.FeatureDisabled(config.DisallowUIInstalls) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	var body, _ = readBody(r)
	var task, err = s.broadcast(cluster.POST, "/unit_api/plugins/install", body)
	if err != nil {
		s.serverError(w, "install_plugin", err)
		return
	}
	s.taskResponse(w, task)
}

func (s *Server) uninstallPluginAcrossCluster(w http.ResponseWriter, r *http.Request) {
	var body, _ = readBody(r)
	var task, err = s.broadcast(cluster.POST, "/unit_api/plugins/uninstall", body)
	if err != nil {
		s.serverError(w, "uninstall_plugin", err)
		return
	}
	s.taskResponse(w, task)
}

func (s *Server) appVersionsAcrossCluster(w http.ResponseWriter, r *http.Request) {
	var task, err = s.broadcast(cluster.GET, "/unit_api/versions/app", nil)
	if err != nil {
		s.serverError(w, "versions", err)
		return
	}
	s.taskResponse(w, task)
}

func (s *Server) uiVersionsAcrossCluster(w http.ResponseWriter, r *http.Request) {
	var task, err = s.broadcast(cluster.GET, "/unit_api/versions/ui", nil)
	if err != nil {
		s.serverError(w, "versions", err)
		return
	}
	s.taskResponse(w, task)
}
