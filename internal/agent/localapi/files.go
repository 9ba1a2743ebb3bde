package localapi

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// resolveWhitelisted resolves requested (a path relative to one of
// cfg.AllowedPaths, or an absolute path) to a real filesystem path,
// rejecting anything that escapes every whitelist entry — including via a
// symlink.
func (a *API) resolveWhitelisted(requested string) (string, error) {
	roots := a.cfg.AllowedPaths
	if len(roots) == 0 {
		return "", fmt.Errorf("localapi: no allowed paths configured")
	}

	requested = filepath.Clean(requested)
	var candidate string
	if filepath.IsAbs(requested) {
		candidate = requested
	}

	for _, root := range roots {
		root = filepath.Clean(root)
		c := candidate
		if c == "" {
			c = filepath.Join(root, requested)
		}
		if !withinRoot(root, c) {
			continue
		}
		real, err := resolveSymlinks(c)
		if err != nil {
			return "", err
		}
		if !withinRoot(root, real) {
			return "", fmt.Errorf("localapi: path escapes the allowed directory via symlink")
		}
		return real, nil
	}
	return "", fmt.Errorf("localapi: path is not under any allowed directory")
}

func withinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}

// resolveSymlinks resolves path's real location, tolerating a final
// component that doesn't exist yet (e.g. an upload destination).
func resolveSymlinks(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err == nil {
		return real, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(path)), nil
}

type fileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

func (a *API) handleFilesBrowse(w http.ResponseWriter, r *http.Request) {
	path, err := a.resolveWhitelisted(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		a.logger.Warn("localapi: browse %s: %v", path, err)
		http.Error(w, "failed to list directory", http.StatusNotFound)
		return
	}
	out := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleFilesDownload(w http.ResponseWriter, r *http.Request) {
	path, err := a.resolveWhitelisted(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, sanitizedBase(path)))
	io.Copy(w, f)
}

func (a *API) handleFilesUpload(w http.ResponseWriter, r *http.Request) {
	path, err := a.resolveWhitelisted(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)
	f, err := os.Create(path)
	if err != nil {
		a.logger.Warn("localapi: create upload target %s: %v", path, err)
		http.Error(w, "failed to create file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if _, err := io.Copy(f, r.Body); err != nil {
		http.Error(w, "upload too large or failed", http.StatusRequestEntityTooLarge)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) handleFilesMkdir(w http.ResponseWriter, r *http.Request) {
	path, err := a.resolveWhitelisted(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		http.Error(w, "failed to create directory", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) handleFilesDelete(w http.ResponseWriter, r *http.Request) {
	path, err := a.resolveWhitelisted(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		http.Error(w, "failed to delete", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
