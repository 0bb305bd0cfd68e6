package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/pioreactor/pioreactorui/cluster"
	"github.com/pioreactor/pioreactorui/config"
	"github.com/pioreactor/pioreactorui/tasks"
)

// setupWorkerWait bounds how long worker provisioning may take: it flashes
// config, exchanges keys, and restarts services on the new unit.
const setupWorkerWait = 250 * time.Second

func (s *Server) listUnits(w http.ResponseWriter, r *http.Request) {
	var units, err = s.Store.ListUnits(s.Config.LeaderHostname)
	if err != nil {
		s.serverError(w, "units", err)
		return
	}
	writeJSON(w, http.StatusOK, units)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	var workers, err = s.Store.ListWorkers()
	if err != nil {
		s.serverError(w, "workers", err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

// setupWorker provisions a brand new pioreactor over SSH and adds it to the
// inventory. This is the longest-running synchronous endpoint in the API.
func (s *Server) setupWorker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Model   string `json:"model"`
	}
	if err := decodeBody(r, &body); err != nil || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "name field is required"})
		return
	}
	s.Cache.EvictTag("config")

	var task, err = s.Engine.Enqueue(tasks.KindAddWorker, tasks.NewWorkerArgs{
		Name:    body.Name,
		Version: body.Version,
		Model:   body.Model,
	})
	if err != nil {
		s.serverError(w, "add_pioreactor", err)
		return
	}
	raw, err := task.Wait(setupWorkerWait)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"msg": err.Error()})
		return
	}
	var result tasks.CommandResult
	if err = json.Unmarshal(raw, &result); err != nil || !result.OK {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"msg": result.Output})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"msg": fmt.Sprintf("Worker %s added successfully.", body.Name),
	})
}

// addWorker registers an already-provisioned unit in the inventory.
func (s *Server) addWorker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PioreactorUnit string `json:"pioreactor_unit"`
	}
	if err := decodeBody(r, &body); err != nil || body.PioreactorUnit == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pioreactor_unit field is required"})
		return
	}
	s.Cache.EvictTag("config")

	var added, err = s.Store.AddWorker(body.PioreactorUnit)
	if err != nil {
		s.serverError(w, "add_worker", err)
		return
	}
	if !added {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Worker could not be added."})
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	var worker, err = s.Store.GetWorker(mux.Vars(r)["unit"])
	if err != nil {
		s.serverError(w, "workers", err)
		return
	}
	if worker == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Worker not found"})
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// deleteWorker drops the unit from the inventory, stops everything it is
// running, and scrubs its configs from both the leader and the unit itself.
func (s *Server) deleteWorker(w http.ResponseWriter, r *http.Request) {
	var unit = mux.Vars(r)["unit"]
	s.Cache.EvictTag("config")

	var deleted, err = s.Store.DeleteWorker(unit)
	if err != nil {
		s.serverError(w, "delete_worker", err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Worker not found"})
		return
	}
	if _, err = s.multicast(cluster.POST, "/unit_api/jobs/stop/all", []string{unit}, nil); err != nil {
		s.serverError(w, "delete_worker", err)
		return
	}

	if unit != s.Config.UnitName {
		var unitConfig = "config_" + unit + ".ini"
		s.Engine.Enqueue(tasks.KindRM, tasks.PathArgs{
			Path: filepath.Join(s.Config.DotPioreactor, unitConfig),
		})
		s.Store.DeleteConfigHistory(unitConfig)

		for _, file := range []string{"config.ini", "unit_config.ini"} {
			var body, _ = json.Marshal(map[string]string{
				"filepath": "/home/pioreactor/.pioreactor/" + file,
			})
			s.multicast(cluster.POST, "/unit_api/system/remove_file", []string{unit}, body)
		}
	}
	s.Logger.Info("assignment", fmt.Sprintf("Removed %s from inventory.", unit))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) setWorkerActive(w http.ResponseWriter, r *http.Request) {
	var unit = mux.Vars(r)["unit"]
	var body struct {
		IsActive *int `json:"is_active"`
	}
	if err := decodeBody(r, &body); err != nil || body.IsActive == nil ||
		(*body.IsActive != 0 && *body.IsActive != 1) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "is_active must be 0 or 1"})
		return
	}
	var updated, err = s.Store.SetWorkerActive(unit, *body.IsActive)
	if err != nil {
		s.serverError(w, "worker_status", err)
		return
	}
	if !updated {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Worker not found"})
		return
	}
	if *body.IsActive == 0 {
		s.multicast(cluster.POST, "/unit_api/jobs/stop/all", []string{unit}, nil)
		s.Logger.Info("worker_status", fmt.Sprintf("Set %s to inactive.", unit))
	} else {
		s.Logger.Info("worker_status", fmt.Sprintf("Set %s to active.", unit))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) assignmentForWorker(w http.ResponseWriter, r *http.Request) {
	var unit = mux.Vars(r)["unit"]
	var assignment, err = s.Store.AssignmentForWorker(unit)
	if err != nil {
		s.serverError(w, "assignments", err)
		return
	}
	if assignment == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("Worker %s does not exist in the cluster.", unit),
		})
		return
	}
	if !assignment.Experiment.Valid {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("Worker %s is not assigned to an experiment.", unit),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"experiment": assignment.Experiment.String})
}

func (s *Server) allAssignments(w http.ResponseWriter, r *http.Request) {
	var assignments, err = s.Store.AllAssignments()
	if err != nil {
		s.serverError(w, "assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, assignments)
}

// removeAllAssignments unassigns every worker and stops everything running
// on them.
func (s *Server) removeAllAssignments(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.UnassignAll(); err != nil {
		s.serverError(w, "assignments", err)
		return
	}
	var task, err = s.broadcast(cluster.POST, "/unit_api/jobs/stop/all", nil)
	if err != nil {
		s.serverError(w, "assignments", err)
		return
	}
	s.Logger.Info("assignment", "Removed all worker assignments.")
	s.taskResponse(w, task)
}

func (s *Server) workersForExperiment(w http.ResponseWriter, r *http.Request) {
	var workers, err = s.Store.WorkersForExperiment(mux.Vars(r)["experiment"])
	if err != nil {
		s.serverError(w, "assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) assignWorkerToExperiment(w http.ResponseWriter, r *http.Request) {
	var experiment = mux.Vars(r)["experiment"]
	var body struct {
		PioreactorUnit string `json:"pioreactor_unit"`
	}
	if err := decodeBody(r, &body); err != nil || body.PioreactorUnit == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pioreactor_unit field is required"})
		return
	}
	var assigned, err = s.Store.AssignWorker(experiment, body.PioreactorUnit)
	if err != nil {
		s.serverError(w, "assignment", err)
		return
	}
	if !assigned {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Worker is not present in the cluster."})
		return
	}
	s.Logger.ExperimentLog(s.Config.UnitName, experiment, "assignment",
		fmt.Sprintf("Assigned %s to %s.", body.PioreactorUnit, experiment), "")
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) unassignAllFromExperiment(w http.ResponseWriter, r *http.Request) {
	var experiment = mux.Vars(r)["experiment"]
	var workers, err = s.Store.WorkersInExperiment(experiment, config.UniversalExperiment)
	if err != nil {
		s.serverError(w, "assignment", err)
		return
	}
	if err = s.Store.UnassignAllFromExperiment(experiment); err != nil {
		s.serverError(w, "assignment", err)
		return
	}
	task, err := s.multicast(cluster.POST, "/unit_api/jobs/stop/experiment/"+experiment, workers, nil)
	if err != nil {
		s.serverError(w, "assignment", err)
		return
	}
	s.Logger.ExperimentLog(s.Config.UnitName, experiment, "assignment",
		"Removed all worker assignments from "+experiment+".", "")
	s.taskResponse(w, task)
}

func (s *Server) unassignWorkerFromExperiment(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var unit, experiment = vars["unit"], vars["experiment"]

	var unassigned, err = s.Store.UnassignWorker(experiment, unit)
	if err != nil {
		s.serverError(w, "assignment", err)
		return
	}
	if !unassigned {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Worker is not assigned to the experiment."})
		return
	}
	if _, err = s.multicast(cluster.POST, "/unit_api/jobs/stop/experiment/"+experiment, []string{unit}, nil); err != nil {
		s.serverError(w, "assignment", err)
		return
	}
	s.Logger.ExperimentLog(s.Config.UnitName, experiment, "assignment",
		fmt.Sprintf("Removed %s from %s.", unit, experiment), "")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) historicalWorkers(w http.ResponseWriter, r *http.Request) {
	var workers, err = s.Store.HistoricalWorkersForExperiment(mux.Vars(r)["experiment"])
	if err != nil {
		s.serverError(w, "assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}
