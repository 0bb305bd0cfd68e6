// Package api serves the leader HTTP surface: cluster inventory,
// experiments, job control, configs, and data reads. It composes the store,
// the MQTT bus, the task engine, and cluster fan-outs; it never talks to a
// worker synchronously except where an endpoint explicitly proxies one.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/pioreactor/pioreactorui/bus"
	"github.com/pioreactor/pioreactorui/cache"
	"github.com/pioreactor/pioreactorui/cluster"
	"github.com/pioreactor/pioreactorui/config"
	"github.com/pioreactor/pioreactorui/ops"
	"github.com/pioreactor/pioreactorui/store"
	"github.com/pioreactor/pioreactorui/tasks"
)

// Server holds the leader API's collaborators.
type Server struct {
	Config  *config.Config
	Store   *store.Store
	Cache   *cache.Cache
	Bus     bus.Publisher
	Cluster *cluster.Client
	Engine  *tasks.Engine
	Logger  *ops.UILogger
}

// Register mounts every leader route under /api. Literal segments are
// registered before variable ones so /experiments/latest doesn't resolve as
// an experiment named "latest".
func (s *Server) Register(router *mux.Router) {
	var r = router.PathPrefix("/api").Subrouter()

	// Job control.
	r.HandleFunc("/workers/jobs/stop/experiments/{experiment}", s.stopAllJobsInExperiment).Methods("POST", "PATCH")
	for _, prefix := range []string{"/workers", "/units"} {
		r.HandleFunc(prefix+"/{unit}/jobs/stop/job_name/{job}/experiments/{experiment}", s.stopJobOnUnit).Methods("POST", "PATCH")
		r.HandleFunc(prefix+"/{unit}/jobs/run/job_name/{job}/experiments/{experiment}", s.runJobOnUnit).Methods("POST", "PATCH")
		r.HandleFunc(prefix+"/{unit}/jobs/update/job_name/{job}/experiments/{experiment}", s.updateJobSettings).Methods("PATCH")
		r.HandleFunc(prefix+"/{unit}/jobs/running", s.runningJobsOnUnit).Methods("GET")
	}
	r.HandleFunc("/workers/{unit}/jobs/stop/experiments/{experiment}", s.stopJobsOnWorkerForExperiment).Methods("POST", "PATCH")
	r.HandleFunc("/workers/{unit}/blink", s.blinkWorker).Methods("POST")
	r.HandleFunc("/units/{unit}/system/reboot", s.rebootUnit).Methods("POST")
	r.HandleFunc("/units/{unit}/system/shutdown", s.shutdownUnit).Methods("POST")
	r.HandleFunc("/workers/system/reboot", s.rebootAllWorkers).Methods("POST")
	r.HandleFunc("/workers/system/shutdown", s.shutdownAllWorkers).Methods("POST")
	r.HandleFunc("/jobs/running", s.runningJobsAcrossCluster).Methods("GET")
	r.HandleFunc("/jobs/running/experiments/{experiment}", s.runningJobsInExperiment).Methods("GET")

	// Job settings reads.
	r.HandleFunc("/experiments/{experiment}/jobs/settings/job_name/{job}", s.settingsInExperiment).Methods("GET")
	r.HandleFunc("/experiments/{experiment}/jobs/settings/job_name/{job}/setting/{setting}", s.settingInExperiment).Methods("GET")
	r.HandleFunc("/workers/{unit}/jobs/settings/job_name/{job}", s.settingsForWorker).Methods("GET")
	r.HandleFunc("/workers/{unit}/jobs/settings/job_name/{job}/setting/{setting}", s.settingForWorker).Methods("GET")

	// Calibrations, fanned out to units.
	r.HandleFunc("/workers/{unit}/calibrations", s.calibrationsForWorker).Methods("GET")
	r.HandleFunc("/workers/{unit}/calibrations/{type}", s.calibrationsOfTypeForWorker).Methods("GET")
	r.HandleFunc("/workers/{unit}/calibrations/{type}/{name}/active", s.setActiveCalibration).Methods("PATCH")
	r.HandleFunc("/workers/{unit}/calibrations/{type}/active", s.clearActiveCalibration).Methods("DELETE")
	r.HandleFunc("/workers/{unit}/calibrations/{type}/{name}", s.deleteCalibration).Methods("DELETE")

	// Plugins and versions.
	r.HandleFunc("/units/{unit}/plugins/installed", s.installedPluginsOnUnit).Methods("GET")
	r.HandleFunc("/plugins/install", s.installPluginAcrossCluster).Methods("POST", "PATCH")
	r.HandleFunc("/plugins/uninstall", s.uninstallPluginAcrossCluster).Methods("POST", "PATCH")
	r.HandleFunc("/versions/app", s.appVersionsAcrossCluster).Methods("GET")
	r.HandleFunc("/versions/ui", s.uiVersionsAcrossCluster).Methods("GET")

	// Logs.
	r.HandleFunc("/logs", s.allLogs).Methods("GET")
	r.HandleFunc("/experiments/{experiment}/recent_logs", s.recentLogs).Methods("GET")
	r.HandleFunc("/experiments/{experiment}/logs", s.experimentLogs).Methods("GET")
	r.HandleFunc("/experiments/{experiment}/logs", s.publishLog).Methods("POST")
	r.HandleFunc("/workers/{unit}/experiments/{experiment}/recent_logs", s.recentLogsForUnit).Methods("GET")
	r.HandleFunc("/units/{unit}/experiments/{experiment}/logs", s.experimentLogsForUnit).Methods("GET")
	r.HandleFunc("/units/{unit}/logs", s.unitLogs).Methods("GET")

	// Time series.
	r.HandleFunc("/experiments/{experiment}/time_series/growth_rates", s.growthRates).Methods("GET")
	r.HandleFunc("/experiments/{experiment}/time_series/temperature_readings", s.temperatureReadings).Methods("GET")
	r.HandleFunc("/experiments/{experiment}/time_series/od_readings_filtered", s.odReadingsFiltered).Methods("GET")
	r.HandleFunc("/experiments/{experiment}/time_series/od_readings", s.odReadings).Methods("GET")
	r.HandleFunc("/experiments/{experiment}/time_series/{source}/{column}", s.fallbackTimeSeries).Methods("GET")
	r.HandleFunc("/experiments/{experiment}/media_rates", s.mediaRates).Methods("GET")

	// Experiments.
	r.HandleFunc("/experiments", s.listExperiments).Methods("GET")
	r.HandleFunc("/experiments", s.createExperiment).Methods("POST")
	r.HandleFunc("/experiments/latest", s.latestExperiment).Methods("GET")
	r.HandleFunc("/experiments/assignment_count", s.assignmentCounts).Methods("GET")
	r.HandleFunc("/experiments/{experiment}", s.getExperiment).Methods("GET")
	r.HandleFunc("/experiments/{experiment}", s.updateExperiment).Methods("PATCH")
	r.HandleFunc("/experiments/{experiment}", s.deleteExperiment).Methods("DELETE")
	r.HandleFunc("/experiments/{experiment}/unit_labels", s.unitLabels).Methods("GET")
	r.HandleFunc("/experiments/{experiment}/unit_labels", s.upsertUnitLabel).Methods("PUT", "PATCH")
	r.HandleFunc("/historical_organisms", s.historicalOrganisms).Methods("GET")
	r.HandleFunc("/historical_media", s.historicalMedia).Methods("GET")

	// Cluster inventory and assignments.
	r.HandleFunc("/units", s.listUnits).Methods("GET")
	r.HandleFunc("/workers/assignments", s.allAssignments).Methods("GET")
	r.HandleFunc("/workers/assignments", s.removeAllAssignments).Methods("DELETE")
	r.HandleFunc("/workers/setup", s.setupWorker).Methods("POST")
	r.HandleFunc("/workers", s.listWorkers).Methods("GET")
	r.HandleFunc("/workers", s.addWorker).Methods("PUT")
	r.HandleFunc("/workers/{unit}/is_active", s.setWorkerActive).Methods("PUT")
	r.HandleFunc("/workers/{unit}/experiment", s.assignmentForWorker).Methods("GET")
	r.HandleFunc("/workers/{unit}", s.getWorker).Methods("GET")
	r.HandleFunc("/workers/{unit}", s.deleteWorker).Methods("DELETE")
	r.HandleFunc("/experiments/{experiment}/workers", s.workersForExperiment).Methods("GET")
	r.HandleFunc("/experiments/{experiment}/workers", s.assignWorkerToExperiment).Methods("PUT")
	r.HandleFunc("/experiments/{experiment}/workers", s.unassignAllFromExperiment).Methods("DELETE")
	r.HandleFunc("/experiments/{experiment}/workers/{unit}", s.unassignWorkerFromExperiment).Methods("DELETE")
	r.HandleFunc("/experiments/{experiment}/historical_workers", s.historicalWorkers).Methods("GET")

	// Configs.
	r.HandleFunc("/configs", s.listConfigs).Methods("GET")
	r.HandleFunc("/configs/{filename}/history", s.configHistory).Methods("GET")
	r.HandleFunc("/configs/{filename}", s.getConfig).Methods("GET")
	r.HandleFunc("/configs/{filename}", s.updateConfig).Methods("PATCH")
	r.HandleFunc("/is_local_access_point_active", s.localAccessPointActive).Methods("GET")

	// Contrib registries, profiles, exports.
	r.HandleFunc("/contrib/automations/{type}", s.automationContrib).Methods("GET")
	r.HandleFunc("/contrib/jobs", s.jobContrib).Methods("GET")
	r.HandleFunc("/contrib/charts", s.chartContrib).Methods("GET")
	r.HandleFunc("/contrib/exportable_datasets", s.exportableDatasets).Methods("GET")
	r.HandleFunc("/contrib/exportable_datasets/{dataset}/preview", s.previewDataset).Methods("GET")
	r.HandleFunc("/contrib/experiment_profiles", s.listProfiles).Methods("GET")
	r.HandleFunc("/contrib/experiment_profiles", s.createProfile).Methods("POST")
	r.HandleFunc("/contrib/experiment_profiles", s.updateProfile).Methods("PATCH")
	r.HandleFunc("/contrib/experiment_profiles/{filename}", s.getProfile).Methods("GET")
	r.HandleFunc("/contrib/experiment_profiles/{filename}", s.deleteProfile).Methods("DELETE")
	r.HandleFunc("/export_datasets", s.exportDatasets).Methods("POST")

	// System administration.
	r.HandleFunc("/system/upload", s.upload).Methods("POST")
	r.HandleFunc("/system/update_next_version", s.updateNextVersion).Methods("POST")
	r.HandleFunc("/system/update_from_archive", s.updateFromArchive).Methods("POST")
	r.PathPrefix("/system/path/").HandlerFunc(s.browseFilesystem).Methods("GET")
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.WithField("err", err).Error("encoding response")
	}
}

// writeRaw writes a pre-encoded JSON document.
func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// readBody drains the request body for pass-through to workers.
func readBody(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, nil
	}
	return io.ReadAll(r.Body)
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

// serverError publishes to the UI error log and answers 500, matching how
// every read endpoint degrades.
func (s *Server) serverError(w http.ResponseWriter, task string, err error) {
	s.Logger.Error(task, err)
	w.WriteHeader(http.StatusInternalServerError)
}

func (s *Server) taskResponse(w http.ResponseWriter, task *tasks.Task) {
	writeJSON(w, http.StatusAccepted, map[string]string{
		"unit":            s.Config.UnitName,
		"task_id":         task.ID,
		"result_url_path": "/unit_api/task_results/" + task.ID,
	})
}

var multicastKinds = map[cluster.Verb]string{
	cluster.GET:    tasks.KindMulticastGet,
	cluster.POST:   tasks.KindMulticastPost,
	cluster.PATCH:  tasks.KindMulticastPatch,
	cluster.DELETE: tasks.KindMulticastDelete,
}

// multicast enqueues a fan-out task against the given workers.
func (s *Server) multicast(verb cluster.Verb, endpoint string, workers []string, body json.RawMessage) (*tasks.Task, error) {
	return s.Engine.Enqueue(multicastKinds[verb], tasks.MulticastArgs{
		Endpoint: endpoint,
		Workers:  workers,
		Body:     body,
	})
}

// broadcast fans out to every worker in the inventory.
func (s *Server) broadcast(verb cluster.Verb, endpoint string, body json.RawMessage) (*tasks.Task, error) {
	var workers, err = s.Store.AllWorkerNames()
	if err != nil {
		return nil, err
	}
	return s.multicast(verb, endpoint, workers, body)
}

// targets expands the $broadcast sentinel to the whole inventory.
func (s *Server) targets(unit string) ([]string, error) {
	if unit == config.UniversalIdentifier {
		return s.Store.AllWorkerNames()
	}
	return []string{unit}, nil
}

// fanoutTask is the common shape of endpoints which only enqueue a fan-out
// and hand back the task handle.
func (s *Server) fanoutTask(w http.ResponseWriter, verb cluster.Verb, endpoint, unit string, body json.RawMessage) {
	var workers, err = s.targets(unit)
	if err != nil {
		s.serverError(w, "fanout", err)
		return
	}
	task, err := s.multicast(verb, endpoint, workers, body)
	if err != nil {
		s.serverError(w, "fanout", err)
		return
	}
	s.taskResponse(w, task)
}

// workersInExperiment resolves an experiment (or the universal sentinel) to
// its assigned workers.
func (s *Server) workersInExperiment(experiment string) ([]string, error) {
	if experiment == config.UniversalExperiment {
		return s.Store.AllWorkerNames()
	}
	return s.Store.WorkersInExperiment(experiment, config.UniversalExperiment)
}
