package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tabtrail/pkg/coordinator"
	"github.com/go-go-golems/tabtrail/pkg/kvstore"
	"github.com/go-go-golems/tabtrail/pkg/recorder"
)

type snapshotResponse struct {
	Name string `json:"name"`
	recorder.CaptureRecord
}

type api struct {
	coord *coordinator.Coordinator
}

func (a *api) routes(r chi.Router) {
	r.Get("/snapshots", a.listSnapshots)
	r.Get("/snapshots/{name}", a.getSnapshot)
	r.Get("/tabs/active", a.activeTabs)
	r.Get("/tabs/{id}/record", a.tabRecord)
	r.Post("/tabs/{id}/closed", a.tabClosed)
}

func (a *api) listSnapshots(w http.ResponseWriter, r *http.Request) {
	names, err := a.coord.Snapshots().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": names})
}

func (a *api) getSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s, ok, err := a.coord.Snapshots().Get(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "snapshot not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Name: s.Name, CaptureRecord: s.CaptureRecord})
}

func (a *api) activeTabs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tabs": a.coord.Registry().Active()})
}

func (a *api) tabRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := tabIDParam(w, r)
	if !ok {
		return
	}
	rec, found, err := a.coord.Captures().Load(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		http.Error(w, "no capture record for tab", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) tabClosed(w http.ResponseWriter, r *http.Request) {
	id, ok := tabIDParam(w, r)
	if !ok {
		return
	}
	if err := a.coord.TabClosed(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func tabIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		http.Error(w, "invalid tab id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, kvstore.ErrStorageUnavailable) {
		status = http.StatusServiceUnavailable
	}
	log.Error().Err(err).Str("component", "server").Int("status", status).Msg("api request failed")
	http.Error(w, coordinator.ErrorKind(err), status)
}
