package unitapi

import (
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/pioreactor/pioreactorui/config"
	"github.com/pioreactor/pioreactorui/tasks"
)

// installedPlugins runs `pio plugins list` through the task queue and waits
// for the result. A slow or failing listing degrades to an empty list so
// the UI's plugin page always renders.
func (s *Server) installedPlugins(w http.ResponseWriter, r *http.Request) {
	var task, err = s.Engine.Enqueue(tasks.KindPioPluginsLst, nil)
	if err != nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	result, err := task.Wait(120 * time.Second)
	if err != nil {
		log.WithField("err", err).Error("listing installed plugins")
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(result)
}

func (s *Server) pluginSource(w http.ResponseWriter, r *http.Request) {
	// Strip any attached directories so ../../etc/passwd reads nothing.
	var file = filepath.Base(mux.Vars(r)["filename"])
	if filepath.Ext(file) != ".py" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var content, err = os.ReadFile(filepath.Join(s.Config.PluginsDir(), file))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(content)
}

func (s *Server) installPlugin(w http.ResponseWriter, r *http.Request) {
	if s.Config.FeatureDisabled(config.DisallowUIInstalls) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	var body ArgsOptionsEnvs
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.enqueue(w, tasks.KindPioPlugins, tasks.ShellArgs{Args: body.Commandify("install"), Env: body.Env})
}

func (s *Server) uninstallPlugin(w http.ResponseWriter, r *http.Request) {
	var body ArgsOptionsEnvs
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.enqueue(w, tasks.KindPioPlugins, tasks.ShellArgs{Args: body.Commandify("uninstall"), Env: body.Env})
}

func (s *Server) appVersion(w http.ResponseWriter, r *http.Request) {
	var out, err = exec.Command(s.Config.PioExecutable, "version").Output()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "public,max-age=60")
	writeJSON(w, http.StatusOK, map[string]string{"version": strings.TrimSpace(string(out))})
}

func (s *Server) uiVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public,max-age=60")
	writeJSON(w, http.StatusOK, map[string]string{"version": s.Version})
}
