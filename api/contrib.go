package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pioreactor/pioreactorui/cache"
	"github.com/pioreactor/pioreactorui/tasks"
)

// exportWait bounds a full experiment export, which can stream months of
// readings into a zip.
const exportWait = 5 * time.Minute

// allExperimentsSentinel is what the UI sends to export without an
// experiment filter.
const allExperimentsSentinel = "<All experiments>"

var automationTypes = map[string]bool{"temperature": true, "dosing": true, "led": true}

// contribRoots are where contributed YAML descriptors live: the ones shipped
// with the UI, then plugin-provided ones. A plugin descriptor with the same
// key overrides the shipped one.
func (s *Server) contribRoots(subdir string) []string {
	return []string{
		filepath.Join(s.Config.WWW, "contrib", subdir),
		filepath.Join(s.Config.DotPioreactor, "plugins", "ui", "contrib", subdir),
	}
}

// loadContrib parses every YAML descriptor under the contrib roots and
// dedups them on keyField. A malformed file is logged and skipped so one
// broken plugin can't empty the registry.
func (s *Server) loadContrib(subdir, keyField string) []map[string]any {
	var byKey = map[string]map[string]any{}
	var order []string
	for _, root := range s.contribRoots(subdir) {
		var files, _ = filepath.Glob(filepath.Join(root, "*.y*ml"))
		sort.Strings(files)
		for _, file := range files {
			var content, err = os.ReadFile(file)
			if err != nil {
				continue
			}
			var descriptor map[string]any
			if err = yaml.Unmarshal(content, &descriptor); err != nil {
				log.WithFields(log.Fields{"file": file, "err": err}).Error("parsing contrib descriptor")
				s.Logger.Error("contrib", fmt.Errorf("parsing %s: %w", filepath.Base(file), err))
				continue
			}
			var key, ok = descriptor[keyField].(string)
			if !ok || key == "" {
				log.WithField("file", file).Warn("contrib descriptor missing " + keyField)
				continue
			}
			if _, seen := byKey[key]; !seen {
				order = append(order, key)
			}
			byKey[key] = descriptor
		}
	}
	var out = []map[string]any{}
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

func (s *Server) serveContrib(w http.ResponseWriter, cacheKey, subdir, keyField string) {
	var body, err = cache.Memoized(s.Cache, cacheKey, 30*time.Second, "plugins", func() ([]byte, error) {
		return json.Marshal(s.loadContrib(subdir, keyField))
	})
	if err != nil {
		s.serverError(w, "contrib", err)
		return
	}
	w.Header().Set("Cache-Control", "public,max-age=10")
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) automationContrib(w http.ResponseWriter, r *http.Request) {
	var automationType = mux.Vars(r)["type"]
	if !automationTypes[automationType] {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type must be one of temperature, dosing, or led",
		})
		return
	}
	s.serveContrib(w, "contrib:automations:"+automationType,
		filepath.Join("automations", automationType), "automation_name")
}

func (s *Server) jobContrib(w http.ResponseWriter, r *http.Request) {
	s.serveContrib(w, "contrib:jobs", "jobs", "job_name")
}

func (s *Server) chartContrib(w http.ResponseWriter, r *http.Request) {
	s.serveContrib(w, "contrib:charts", "charts", "chart_key")
}

// datasetRoots mirrors contribRoots for exportable dataset descriptors,
// which live outside the www tree.
func (s *Server) datasets() []map[string]any {
	var byKey = map[string]map[string]any{}
	var order []string
	for _, root := range []string{
		s.Config.ExportableDatasetsDir(),
		filepath.Join(s.Config.DotPioreactor, "plugins", "ui", "contrib", "exportable_datasets"),
	} {
		var files, _ = filepath.Glob(filepath.Join(root, "*.y*ml"))
		sort.Strings(files)
		for _, file := range files {
			var content, err = os.ReadFile(file)
			if err != nil {
				continue
			}
			var descriptor map[string]any
			if err = yaml.Unmarshal(content, &descriptor); err != nil {
				log.WithFields(log.Fields{"file": file, "err": err}).Error("parsing dataset descriptor")
				continue
			}
			var key, ok = descriptor["dataset_name"].(string)
			if !ok || key == "" {
				continue
			}
			if _, seen := byKey[key]; !seen {
				order = append(order, key)
			}
			byKey[key] = descriptor
		}
	}
	var out = []map[string]any{}
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

func (s *Server) exportableDatasets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.datasets())
}

// previewDataset runs the dataset's table or query with a small LIMIT so the
// export page can show sample rows.
func (s *Server) previewDataset(w http.ResponseWriter, r *http.Request) {
	var name = mux.Vars(r)["dataset"]
	var nRows = 5
	if raw := r.URL.Query().Get("n_rows"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			nRows = parsed
		}
	}
	for _, dataset := range s.datasets() {
		if dataset["dataset_name"] != name {
			continue
		}
		var source, _ = dataset["table"].(string)
		if source == "" {
			source, _ = dataset["query"].(string)
		}
		if source == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dataset has no table or query"})
			return
		}
		var rows, err = s.Store.PreviewRows(source, nRows)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Dataset not found"})
}

// exportDatasets runs `pio run export_experiment_data` and waits for the
// zip. The response tells the UI where under /static the download lives.
func (s *Server) exportDatasets(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SelectedDatasets               []string `json:"selectedDatasets"`
		ExperimentSelection            []string `json:"experimentSelection"`
		PartitionByUnitSelection       bool     `json:"partitionByUnitSelection"`
		PartitionByExperimentSelection bool     `json:"partitionByExperimentSelection"`
	}
	if err := decodeBody(r, &body); err != nil || len(body.SelectedDatasets) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"result": false, "filename": nil, "msg": "No datasets selected.",
		})
		return
	}

	var filename = fmt.Sprintf("export_%s.zip", time.Now().Format("20060102150405"))
	var args = []string{"export_experiment_data", "--output", filepath.Join(s.Config.ExportsDir(), filename)}
	for _, dataset := range body.SelectedDatasets {
		args = append(args, "--dataset-name", dataset)
	}
	for _, experiment := range body.ExperimentSelection {
		if experiment != allExperimentsSentinel {
			args = append(args, "--experiment", experiment)
		}
	}
	if body.PartitionByUnitSelection {
		args = append(args, "--partition-by-unit")
	}
	if body.PartitionByExperimentSelection {
		args = append(args, "--partition-by-experiment")
	}

	var task, err = s.Engine.Enqueue(tasks.KindExportData, tasks.ShellArgs{Args: args})
	if err != nil {
		s.serverError(w, "export_datasets", err)
		return
	}
	raw, err := task.Wait(exportWait)
	if err != nil {
		var msg = "Failed."
		if err == tasks.ErrTimedOut {
			msg = "Timed out."
		}
		s.Logger.Error("export_datasets", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"result": false, "filename": nil, "msg": msg,
		})
		return
	}
	var result tasks.CommandResult
	if err = json.Unmarshal(raw, &result); err != nil || !result.OK {
		s.Logger.Error("export_datasets", fmt.Errorf("export failed: %s", result.Output))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"result": false, "filename": nil, "msg": "Failed.",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": true, "filename": filename, "msg": "Finished.",
	})
}
