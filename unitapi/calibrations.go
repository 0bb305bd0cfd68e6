package unitapi

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const activeCalibrationsNamespace = "active_calibrations"

// readCalibration parses one calibration YAML and annotates it with its
// active flag.
func (s *Server) readCalibration(path, calType string) (map[string]any, bool) {
	var content, err = os.ReadFile(path)
	if err != nil {
		log.WithFields(log.Fields{"path": path, "err": err}).Warn("reading calibration")
		return nil, false
	}
	var cal map[string]any
	if err = yaml.Unmarshal(content, &cal); err != nil {
		log.WithFields(log.Fields{"path": path, "err": err}).Warn("parsing calibration")
		return nil, false
	}
	var active, _, _ = s.Local.KVGet(activeCalibrationsNamespace, calType)
	cal["is_active"] = active != "" && active == cal["calibration_name"]
	return cal, true
}

// allCalibrations lists every calibration on this node, grouped by device.
func (s *Server) allCalibrations(w http.ResponseWriter, r *http.Request) {
	var root = s.Config.CalibrationsDir()
	if _, err := os.Stat(root); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var grouped = map[string][]map[string]any{}
	var files, _ = filepath.Glob(filepath.Join(root, "*", "*.yaml"))
	for _, file := range files {
		var calType = filepath.Base(filepath.Dir(file))
		if cal, ok := s.readCalibration(file, calType); ok {
			grouped[calType] = append(grouped[calType], cal)
		}
	}
	writeJSON(w, http.StatusOK, grouped)
}

func (s *Server) calibrationsOfType(w http.ResponseWriter, r *http.Request) {
	var calType = mux.Vars(r)["type"]
	var dir = filepath.Join(s.Config.CalibrationsDir(), calType)
	if _, err := os.Stat(dir); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var calibrations = []map[string]any{}
	var files, _ = filepath.Glob(filepath.Join(dir, "*.yaml"))
	for _, file := range files {
		if cal, ok := s.readCalibration(file, calType); ok {
			calibrations = append(calibrations, cal)
		}
	}
	writeJSON(w, http.StatusOK, calibrations)
}

func (s *Server) setActiveCalibration(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	if err := s.Local.KVSet(activeCalibrationsNamespace, vars["type"], vars["name"]); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearActiveCalibration(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Local.KVDelete(activeCalibrationsNamespace, mux.Vars(r)["type"]); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

// deleteCalibration removes a calibration file. Deleting the active
// calibration also clears its active entry.
func (s *Server) deleteCalibration(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var calType, calName = vars["type"], vars["name"]
	var target = filepath.Join(s.Config.CalibrationsDir(), calType, calName+".yaml")
	if _, err := os.Stat(target); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := os.Remove(target); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if active, ok, _ := s.Local.KVGet(activeCalibrationsNamespace, calType); ok && active == calName {
		s.Local.KVDelete(activeCalibrationsNamespace, calType)
	}
	w.WriteHeader(http.StatusOK)
}
