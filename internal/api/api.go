// Package api is the REST surface for user profiles, scheduled meetings and
// overlay images. Every endpoint sits behind bearer auth and follows one
// validation taxonomy: missing fields, wrong types and empty values are 400
// with explicit messages, conflicts are 409, anything unexpected is a
// generic 500.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/maskmeet/maskmeet/internal/store"
)

type Server struct {
	store *store.Store
	auth  *Authenticator
	log   zerolog.Logger
}

func NewServer(st *store.Store, auth *Authenticator, log zerolog.Logger) *Server {
	return &Server{store: st, auth: auth, log: log}
}

// Routes mounts every endpoint on the router.
func (s *Server) Routes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth.Middleware)

	api.HandleFunc("/create-user", s.createUser).Methods(http.MethodPost)
	api.HandleFunc("/get-user-data", s.getUserData).Methods(http.MethodGet)
	api.HandleFunc("/update-user-name", s.updateUserName).Methods(http.MethodPut)
	api.HandleFunc("/delete-user", s.deleteUser).Methods(http.MethodDelete)

	api.HandleFunc("/schedule-meeting", s.scheduleMeeting).Methods(http.MethodPost)
	api.HandleFunc("/get-all-meetings", s.getAllMeetings).Methods(http.MethodGet)
	api.HandleFunc("/update-meeting/{id}", s.updateMeeting).Methods(http.MethodPut)
	api.HandleFunc("/delete-meeting/{id}", s.deleteMeeting).Methods(http.MethodDelete)

	api.HandleFunc("/upload-overlay", s.uploadOverlay).Methods(http.MethodPost)
	api.HandleFunc("/get-all-overlays", s.getAllOverlays).Methods(http.MethodGet)
	// Historical route name; clients depend on the underscore.
	api.HandleFunc("/delete_overlay/{id}", s.deleteOverlay).Methods(http.MethodDelete)
}

/* --------------------------------- Responses --------------------------------- */

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// storeError maps store failures onto the taxonomy: not-found is 404,
// conflicts 409, other database errors surface as 400 with their message,
// and everything else is a generic 500.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, store.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "This email is already registered")
	default:
		s.log.Error().Err(err).Msg("store operation failed")
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

/* -------------------------------- Validation --------------------------------- */

// decodeBody parses the JSON body into a generic map so field types can be
// checked explicitly. Unknown fields are ignored.
func decodeBody(r *http.Request) (map[string]any, error) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

// requireStrings validates presence, type and non-emptiness of the named
// fields, writing the taxonomy's 400 responses itself. The returned map
// holds the trimmed-checked raw values.
func requireStrings(w http.ResponseWriter, body map[string]any, fields ...string) (map[string]string, bool) {
	var missing []string
	for _, f := range fields {
		if _, ok := body[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		writeError(w, http.StatusBadRequest, "Missing required fields: "+strings.Join(missing, ", "))
		return nil, false
	}

	out := make(map[string]string, len(fields))
	for _, f := range fields {
		v, ok := body[f].(string)
		if !ok {
			writeError(w, http.StatusBadRequest, strings.Join(fields, ", ")+" must be string(s)")
			return nil, false
		}
		out[f] = v
	}
	for _, f := range fields {
		if strings.TrimSpace(out[f]) == "" {
			writeError(w, http.StatusBadRequest, f+" cannot be empty or whitespace")
			return nil, false
		}
	}
	return out, true
}

// pathID parses the {id} variable. Values that are not integers, including
// whitespace, fall out as 404; negative and zero ids pass through to the
// store untouched.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return 0, false
	}
	return id, true
}
