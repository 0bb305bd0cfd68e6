package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pioreactor/pioreactorui/cache"
	"github.com/pioreactor/pioreactorui/cluster"
	"github.com/pioreactor/pioreactorui/store"
)

func (s *Server) listExperiments(w http.ResponseWriter, r *http.Request) {
	var body, err = cache.Memoized(s.Cache, "experiments", time.Minute, "experiments", func() ([]byte, error) {
		var experiments, err = s.Store.ListExperiments()
		if err != nil {
			return nil, err
		}
		return json.Marshal(experiments)
	})
	if err != nil {
		s.serverError(w, "experiments", err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) createExperiment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Experiment   string `json:"experiment"`
		Description  string `json:"description"`
		MediaUsed    string `json:"mediaUsed"`
		OrganismUsed string `json:"organismUsed"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if reason := store.ValidateExperimentName(body.Experiment); reason != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": reason})
		return
	}
	s.Cache.EvictTag("experiments")
	s.Cache.EvictTag("unit_labels")

	var created, err = s.Store.CreateExperiment(body.Experiment, body.Description, body.MediaUsed, body.OrganismUsed)
	if err != nil {
		s.serverError(w, "create_experiment", err)
		return
	}
	if !created {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Experiment name already used."})
		return
	}
	s.Logger.ExperimentLog(s.Config.UnitName, body.Experiment, "create_experiment",
		"New experiment created: "+body.Experiment, "")
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) latestExperiment(w http.ResponseWriter, r *http.Request) {
	var body, err = cache.Memoized(s.Cache, "latest_experiment", 30*time.Second, "experiments", func() ([]byte, error) {
		var experiment, err = s.Store.LatestExperiment()
		if err != nil {
			return nil, err
		}
		return json.Marshal(experiment)
	})
	if err != nil {
		s.serverError(w, "experiments", err)
		return
	}
	w.Header().Set("Cache-Control", "public,max-age=2")
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) getExperiment(w http.ResponseWriter, r *http.Request) {
	var experiment, err = s.Store.GetExperiment(mux.Vars(r)["experiment"])
	if err != nil {
		s.serverError(w, "experiments", err)
		return
	}
	if experiment == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Experiment not found"})
		return
	}
	writeJSON(w, http.StatusOK, experiment)
}

func (s *Server) updateExperiment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Description string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.Cache.EvictTag("experiments")

	var updated, err = s.Store.UpdateExperimentDescription(mux.Vars(r)["experiment"], body.Description)
	if err != nil {
		s.serverError(w, "update_experiment", err)
		return
	}
	if !updated {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// deleteExperiment removes the experiment's rows and stops whatever its
// workers were running. Assignments go with it via foreign keys.
func (s *Server) deleteExperiment(w http.ResponseWriter, r *http.Request) {
	var experiment = mux.Vars(r)["experiment"]
	var workers, err = s.workersInExperiment(experiment)
	if err != nil {
		s.serverError(w, "delete_experiment", err)
		return
	}
	s.Cache.EvictTag("experiments")
	s.Cache.EvictTag("unit_labels")

	deleted, err := s.Store.DeleteExperiment(experiment)
	if err != nil {
		s.serverError(w, "delete_experiment", err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Experiment not found"})
		return
	}
	if _, err = s.multicast(cluster.POST, "/unit_api/jobs/stop/experiment/"+experiment, workers, nil); err != nil {
		s.serverError(w, "delete_experiment", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) unitLabels(w http.ResponseWriter, r *http.Request) {
	var experiment = mux.Vars(r)["experiment"]
	var key = "unit_labels:" + experiment
	var body, err = cache.Memoized(s.Cache, key, 10*time.Second, "unit_labels", func() ([]byte, error) {
		var labels, err = s.Store.UnitLabels(experiment)
		if err != nil {
			return nil, err
		}
		return json.Marshal(labels)
	})
	if err != nil {
		s.serverError(w, "unit_labels", err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

// upsertUnitLabel sets a worker's display label within the experiment. An
// empty label deletes the row.
func (s *Server) upsertUnitLabel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Unit  string `json:"unit"`
		Label string `json:"label"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.Cache.EvictTag("unit_labels")
	if err := s.Store.UpsertUnitLabel(mux.Vars(r)["experiment"], body.Unit, body.Label); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) historicalOrganisms(w http.ResponseWriter, r *http.Request) {
	var organisms, err = s.Store.HistoricalOrganisms()
	if err != nil {
		s.serverError(w, "experiments", err)
		return
	}
	writeJSON(w, http.StatusOK, organisms)
}

func (s *Server) historicalMedia(w http.ResponseWriter, r *http.Request) {
	var media, err = s.Store.HistoricalMedia()
	if err != nil {
		s.serverError(w, "experiments", err)
		return
	}
	writeJSON(w, http.StatusOK, media)
}

func (s *Server) assignmentCounts(w http.ResponseWriter, r *http.Request) {
	var counts, err = s.Store.AssignmentCounts()
	if err != nil {
		s.serverError(w, "assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
