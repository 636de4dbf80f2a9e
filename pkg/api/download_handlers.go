package api

import (
	"net/http"
	"os"
	"path/filepath"
)

// handleDownload streams a finished export archive. The route is
// reachable without a bearer token so links can be handed to counsel;
// the job id in the filename is the capability. Only plain names inside
// the export directory are served.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		WriteBadRequest(w, "Invalid filename")
		return
	}

	f, err := os.Open(filepath.Join(s.cfg.ExportDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			WriteNotFound(w, "File not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		WriteNotFound(w, "File not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}
