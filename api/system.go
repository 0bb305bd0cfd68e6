package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pioreactor/pioreactorui/config"
)

// maxUploadBytes caps archive and plugin uploads.
const maxUploadBytes = 30 << 20

// browseRoot is the only directory the filesystem browser can reach.
const browseRoot = "/home/pioreactor"

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// secureFilename strips directories and shell-hostile characters from an
// uploaded filename.
func secureFilename(name string) string {
	name = filepath.Base(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	return strings.Trim(name, "._")
}

// upload receives a file into the system temp directory, typically a release
// archive destined for update_from_archive.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if s.Config.FeatureDisabled(config.DisallowUIUploads) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Too large."})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No file part."})
		return
	}
	var file, header, err = r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No file part."})
		return
	}
	defer file.Close()

	var filename = secureFilename(header.Filename)
	if filename == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No selected file."})
		return
	}
	if header.Size >= maxUploadBytes {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Too large."})
		return
	}

	var savePath = filepath.Join(os.TempDir(), filename)
	target, err := os.Create(savePath)
	if err != nil {
		s.serverError(w, "upload", err)
		return
	}
	defer target.Close()
	if _, err = io.Copy(target, file); err != nil {
		s.serverError(w, "upload", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "File successfully uploaded.",
		"save_path": savePath,
	})
}

type directoryEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// browseFilesystem lists directories and serves files under browseRoot.
// Paths are joined and cleaned before a prefix check so ../ can't escape,
// and database files are never downloadable.
func (s *Server) browseFilesystem(w http.ResponseWriter, r *http.Request) {
	if s.Config.FeatureDisabled(config.DisallowUIFileSystem) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	var rel = strings.TrimPrefix(r.URL.Path, "/api/system/path")
	var target = filepath.Clean(filepath.Join(browseRoot, rel))
	if target != browseRoot && !strings.HasPrefix(target, browseRoot+string(filepath.Separator)) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var info, err = os.Stat(target)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if info.IsDir() {
		var entries, err = os.ReadDir(target)
		if err != nil {
			s.serverError(w, "filesystem", err)
			return
		}
		var out = []directoryEntry{}
		for _, entry := range entries {
			var size int64
			if fi, err := entry.Info(); err == nil {
				size = fi.Size()
			}
			out = append(out, directoryEntry{
				Name:  entry.Name(),
				IsDir: entry.IsDir(),
				Size:  size,
			})
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	if strings.Contains(filepath.Base(target), ".sqlite") {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	http.ServeFile(w, r, target)
}
