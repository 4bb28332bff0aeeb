package api

import (
	"net/http"
)

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	fields, ok := requireStrings(w, body, "fullName", "email")
	if !ok {
		return
	}
	if err := s.store.CreateUser(requestUserID(r), fields["fullName"], fields["email"]); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (s *Server) getUserData(w http.ResponseWriter, r *http.Request) {
	profile, err := s.store.GetUser(requestUserID(r))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) updateUserName(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	fields, ok := requireStrings(w, body, "fullName")
	if !ok {
		return
	}
	if err := s.store.UpdateUserName(requestUserID(r), fields["fullName"]); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteUser(requestUserID(r)); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
