package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/game-data-manager/internal/errors"
)

// handleListSessions handles GET /api/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": s.deps.Hub.Sessions()})
}

// handleSendCommand handles POST /api/sessions/{session}/commands/{command}.
// The request body is passed to the scanner as the command data.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, apperrors.NewInvalidParameterError("body", err.Error()))
		return
	}
	var data json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			respondError(w, apperrors.NewInvalidParameterError("body", "not valid JSON"))
			return
		}
		data = body
	}

	resp, err := s.deps.Hub.SendCommand(r.Context(), vars["session"], vars["command"], data)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": resp})
}

// handleListScanners handles GET /api/scanners
func (s *Server) handleListScanners(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": s.deps.Registry.Scanners()})
}

func scannerID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewInvalidParameterError("id", "must be a positive integer")
	}
	return id, nil
}

// handleSetScannerDisabled handles PUT /api/scanners/{id}/disabled. A
// disabled scanner loses its leases at once.
func (s *Server) handleSetScannerDisabled(w http.ResponseWriter, r *http.Request) {
	id, err := scannerID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req struct {
		Disabled *bool `json:"disabled"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Disabled == nil {
		respondError(w, apperrors.NewInvalidParameterError("disabled", "is required"))
		return
	}

	if err := s.deps.Registry.SetScannerDisabled(r.Context(), id, *req.Disabled); err != nil {
		respondError(w, err)
		return
	}
	var released int64
	if *req.Disabled {
		if released, err = s.deps.Ledger.ReleaseScanner(r.Context(), id); err != nil {
			respondError(w, err)
			return
		}
	}

	sc, _ := s.deps.Registry.Scanner(id)
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": sc, "released": released})
}

// handleDeleteScanner handles DELETE /api/scanners/{id}
func (s *Server) handleDeleteScanner(w http.ResponseWriter, r *http.Request) {
	id, err := scannerID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.deps.Registry.DeleteScanner(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
