package api

import (
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/publish"
)

// handleGetData handles GET /api/data/{variant}/{key} - read a published blob
func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	variant := vars["variant"]

	known := false
	for _, v := range publish.Variants {
		if v == variant {
			known = true
			break
		}
	}
	if !known {
		respondError(w, apperrors.NewInvalidParameterError("variant", "unknown game mode "+variant))
		return
	}

	env, err := s.deps.Publisher.Get(r.Context(), vars["key"], variant)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, env)
}
