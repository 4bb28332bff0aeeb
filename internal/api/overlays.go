package api

import (
	"io"
	"net/http"
	"time"

	"github.com/maskmeet/maskmeet/internal/store"
)

const maxOverlayUpload = 10 << 20 // 10 MiB

// overlayInfo is the list view; image bytes stay out of the listing.
type overlayInfo struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Server) uploadOverlay(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxOverlayUpload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing required fields: file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxOverlayUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}
	o := store.Overlay{
		UserID:      requestUserID(r),
		Name:        name,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	if err := s.store.CreateOverlay(&o); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, overlayInfo{
		ID:          o.ID,
		Name:        o.Name,
		ContentType: o.ContentType,
		CreatedAt:   o.CreatedAt,
	})
}

func (s *Server) getAllOverlays(w http.ResponseWriter, r *http.Request) {
	overlays, err := s.store.ListOverlays(requestUserID(r))
	if err != nil {
		s.storeError(w, err)
		return
	}
	out := make([]overlayInfo, 0, len(overlays))
	for _, o := range overlays {
		out = append(out, overlayInfo{
			ID:          o.ID,
			Name:        o.Name,
			ContentType: o.ContentType,
			CreatedAt:   o.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteOverlay(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteOverlay(requestUserID(r), id); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
