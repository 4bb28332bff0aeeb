package api

import (
	"net/http"
	"time"

	"github.com/maskmeet/maskmeet/internal/store"
)

// parseStartsAt enforces the ISO-8601 datetime check on the startsAt field.
func parseStartsAt(w http.ResponseWriter, value string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "startsAt must be a valid ISO-8601 datetime")
		return time.Time{}, false
	}
	return t, true
}

func (s *Server) scheduleMeeting(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	fields, ok := requireStrings(w, body, "title", "startsAt")
	if !ok {
		return
	}
	startsAt, ok := parseStartsAt(w, fields["startsAt"])
	if !ok {
		return
	}
	m := store.Meeting{
		UserID:   requestUserID(r),
		Title:    fields["title"],
		StartsAt: startsAt,
	}
	if err := s.store.CreateMeeting(&m); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) getAllMeetings(w http.ResponseWriter, r *http.Request) {
	meetings, err := s.store.ListMeetings(requestUserID(r))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meetings)
}

func (s *Server) updateMeeting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	fields, ok := requireStrings(w, body, "title", "startsAt")
	if !ok {
		return
	}
	startsAt, ok := parseStartsAt(w, fields["startsAt"])
	if !ok {
		return
	}
	if err := s.store.UpdateMeeting(requestUserID(r), id, fields["title"], startsAt); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) deleteMeeting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteMeeting(requestUserID(r), id); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
