package api

import (
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pioreactor/pioreactorui/tasks"
)

// unixFilename accepts filenames safe to pass through shell-adjacent tooling.
var unixFilename = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// experimentProfile is the subset of a profile we validate before saving.
// The full schema is owned by the core app; the UI only guards against
// saving something that isn't a profile at all.
type experimentProfile struct {
	ExperimentProfileName string `yaml:"experiment_profile_name"`
}

func validProfileFilename(filename string) bool {
	var ext = filepath.Ext(filename)
	return unixFilename.MatchString(filename) && (ext == ".yaml" || ext == ".yml")
}

func (s *Server) saveProfile(w http.ResponseWriter, r *http.Request, mustBeNew bool) {
	var body struct {
		Filename string `json:"filename"`
		Body     string `json:"body"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": err.Error()})
		return
	}
	var filename = filepath.Base(body.Filename)
	if !validProfileFilename(filename) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"msg": "Filename must be a valid .yaml or .yml filename.",
		})
		return
	}
	var profile experimentProfile
	if err := yaml.Unmarshal([]byte(body.Body), &profile); err != nil || profile.ExperimentProfileName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"msg": "Profile is not valid YAML, or is missing experiment_profile_name.",
		})
		return
	}

	var target = filepath.Join(s.Config.ExperimentProfilesDir(), filename)
	if mustBeNew {
		if _, err := os.Stat(target); err == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"msg": "A profile already exists with that filename. Choose another.",
			})
			return
		}
	}
	if _, err := s.Engine.Enqueue(tasks.KindSaveFile, tasks.SaveFileArgs{
		Path:    target,
		Content: body.Body,
	}); err != nil {
		s.serverError(w, "experiment_profiles", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) createProfile(w http.ResponseWriter, r *http.Request) {
	s.saveProfile(w, r, true)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	s.saveProfile(w, r, false)
}

// listProfiles parses every stored profile, newest first. A profile that no
// longer parses is skipped rather than failing the listing.
func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	var files, _ = filepath.Glob(filepath.Join(s.Config.ExperimentProfilesDir(), "*.y*ml"))
	sort.Slice(files, func(i, j int) bool {
		var fi, errI = os.Stat(files[i])
		var fj, errJ = os.Stat(files[j])
		if errI != nil || errJ != nil {
			return files[i] < files[j]
		}
		return fi.ModTime().After(fj.ModTime())
	})

	var out = []map[string]any{}
	for _, file := range files {
		var content, err = os.ReadFile(file)
		if err != nil {
			continue
		}
		var parsed map[string]any
		if err = yaml.Unmarshal(content, &parsed); err != nil {
			log.WithFields(log.Fields{"file": file, "err": err}).Error("parsing experiment profile")
			continue
		}
		out = append(out, map[string]any{
			"experimentProfile": parsed,
			"file":              file,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	var filename = filepath.Base(mux.Vars(r)["filename"])
	if !validProfileFilename(filename) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var content, err = os.ReadFile(filepath.Join(s.Config.ExperimentProfilesDir(), filename))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(content)
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	var filename = filepath.Base(mux.Vars(r)["filename"])
	var target = filepath.Join(s.Config.ExperimentProfilesDir(), filename)
	if _, err := os.Stat(target); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var task, err = s.Engine.Enqueue(tasks.KindRM, tasks.PathArgs{Path: target})
	if err != nil {
		s.serverError(w, "experiment_profiles", err)
		return
	}
	s.Logger.Info("experiment_profiles", "Deleted profile "+filename+".")
	s.taskResponse(w, task)
}
