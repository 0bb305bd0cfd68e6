package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/pioreactor/pioreactorui/cache"
	"github.com/pioreactor/pioreactorui/config"
	"github.com/pioreactor/pioreactorui/tasks"
)

// syncConfigsWait bounds the write-and-sync round trip to every worker.
const syncConfigsWait = 75 * time.Second

// configFilePattern splits config.ini (shared) from config_<unit>.ini
// (unit-specific) filenames.
var configFilePattern = regexp.MustCompile(`^config_?(.*?)\.ini$`)

// listConfigs lists config files whose unit is still in the cluster
// inventory. Stale config_<unit>.ini files of removed workers are hidden,
// not deleted.
func (s *Server) listConfigs(w http.ResponseWriter, r *http.Request) {
	var body, err = cache.Memoized(s.Cache, "configs", time.Minute, "config", func() ([]byte, error) {
		var workers, err = s.Store.AllWorkerNames()
		if err != nil {
			return nil, err
		}
		var inventory = map[string]bool{s.Config.LeaderHostname: true}
		for _, worker := range workers {
			inventory[worker] = true
		}

		files, err := filepath.Glob(filepath.Join(s.Config.DotPioreactor, "config*.ini"))
		if err != nil {
			return nil, err
		}
		var out = []string{}
		for _, file := range files {
			var name = filepath.Base(file)
			var match = configFilePattern.FindStringSubmatch(name)
			if match == nil {
				continue
			}
			if match[1] == "" || inventory[match[1]] {
				out = append(out, name)
			}
		}
		sort.Strings(out)
		return json.Marshal(out)
	})
	if err != nil {
		s.serverError(w, "configs", err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	var filename = filepath.Base(mux.Vars(r)["filename"])
	if filepath.Ext(filename) != ".ini" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var content, err = os.ReadFile(filepath.Join(s.Config.DotPioreactor, filename))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "public,max-age=10")
	writeJSON(w, http.StatusOK, map[string]string{
		"filename": filename,
		"code":     string(content),
	})
}

// updateConfig validates and writes a config file, then syncs it across the
// cluster. The shared config.ini additionally must keep a coherent cluster
// topology, since a bad leader_address bricks every worker's networking.
func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var filename = filepath.Base(mux.Vars(r)["filename"])
	var body struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": err.Error()})
		return
	}
	var match = configFilePattern.FindStringSubmatch(filename)
	if match == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "Invalid config file name."})
		return
	}
	var units, flags = match[1], "--specific"
	if units == "" {
		units, flags = config.UniversalIdentifier, "--shared"
	}

	var code = config.NormalizeDashes(body.Code)
	var err error
	if filename == "config.ini" {
		err = config.ValidateClusterConfig(code)
	} else {
		err = config.ValidateINI(code)
	}
	var invalid *config.ValidationError
	if errors.As(err, &invalid) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": invalid.Msg})
		return
	} else if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "Incorrect syntax. Please fix and try again."})
		return
	}

	s.Cache.EvictTag("config")
	task, err := s.Engine.Enqueue(tasks.KindWriteConfig, tasks.WriteConfigArgs{
		Path:  filepath.Join(s.Config.DotPioreactor, filename),
		Text:  code,
		Units: units,
		Flags: flags,
	})
	if err != nil {
		s.serverError(w, "save_config", err)
		return
	}
	raw, err := task.Wait(syncConfigsWait)
	if errors.Is(err, tasks.ErrTimedOut) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"msg": "sync-configs timed out."})
		return
	} else if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"msg": err.Error()})
		return
	}
	var result tasks.CommandResult
	if err = json.Unmarshal(raw, &result); err == nil && !result.OK {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"msg": result.Output})
		return
	}
	if err = s.Store.AppendConfigHistory(filename, []byte(code)); err != nil {
		s.serverError(w, "save_config", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) configHistory(w http.ResponseWriter, r *http.Request) {
	var history, err = s.Store.ConfigHistory(filepath.Base(mux.Vars(r)["filename"]))
	if err != nil {
		s.serverError(w, "configs", err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) localAccessPointActive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public,max-age=10000")
	if config.LocalAccessPointActive() {
		w.Write([]byte("true"))
		return
	}
	w.Write([]byte("false"))
}

// updateNextVersion rolls the whole cluster forward to the next released
// version, leader last.
func (s *Server) updateNextVersion(w http.ResponseWriter, r *http.Request) {
	var task, err = s.Engine.Enqueue(tasks.KindUpdateCluster, nil)
	if err != nil {
		s.serverError(w, "update", err)
		return
	}
	s.taskResponse(w, task)
}

// updateFromArchive updates the cluster from a local release archive,
// for air-gapped installs.
func (s *Server) updateFromArchive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReleaseArchiveLocation string `json:"release_archive_location"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if filepath.Ext(body.ReleaseArchiveLocation) != ".zip" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "release archive must be a .zip file"})
		return
	}
	var task, err = s.Engine.Enqueue(tasks.KindUpdateArchive, tasks.ArchiveArgs{
		Archive: body.ReleaseArchiveLocation,
	})
	if err != nil {
		s.serverError(w, "update", err)
		return
	}
	s.taskResponse(w, task)
}
