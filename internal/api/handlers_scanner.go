package api

import (
	"net/http"
	"strings"

	"github.com/game-data-manager/internal/checkout"
	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/models"
	"github.com/game-data-manager/internal/scanner"
)

// ScannerHeader names the scanner a lease request is made for.
const ScannerHeader = "X-Scanner-Name"

type checkoutRequest struct {
	Category  string `json:"category"`
	BatchSize int    `json:"batchSize"`
}

type releaseRequest struct {
	Category   string `json:"category"`
	ItemID     string `json:"itemId"`
	Scanned    bool   `json:"scanned"`
	OfferCount *int   `json:"offerCount,omitempty"`
}

// requestScanner resolves the scanner named by the request for the
// authenticated user, creating it on first use, and checks it may work in
// category.
func (s *Server) requestScanner(r *http.Request, category models.ScanCategory) (*models.User, *models.Scanner, error) {
	user := userFromContext(r.Context())
	name := strings.TrimSpace(r.Header.Get(ScannerHeader))
	if name == "" {
		return nil, nil, apperrors.NewInvalidParameterError(ScannerHeader, "scanner name is required")
	}
	sc, err := s.deps.Registry.GetOrCreateScanner(r.Context(), user, name)
	if err != nil {
		return nil, nil, err
	}
	if err := s.deps.Registry.Authorize(user, sc, category); err != nil {
		return nil, nil, err
	}
	return user, sc, nil
}

// handleCheckout handles POST /api/scanner/checkout - lease a batch of items
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	category, err := models.ParseScanCategory(req.Category)
	if err != nil {
		respondError(w, apperrors.NewInvalidParameterError("category", err.Error()))
		return
	}
	_, sc, err := s.requestScanner(r, category)
	if err != nil {
		respondError(w, err)
		return
	}

	items, err := s.deps.Ledger.Acquire(r.Context(), checkout.AcquireRequest{
		ScannerID: sc.ID,
		Category:  category,
		BatchSize: req.BatchSize,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": items})
}

// handleRelease handles POST /api/scanner/release - release one item or the whole batch
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	category, err := models.ParseScanCategory(req.Category)
	if err != nil {
		respondError(w, apperrors.NewInvalidParameterError("category", err.Error()))
		return
	}
	user, sc, err := s.requestScanner(r, category)
	if err != nil {
		respondError(w, err)
		return
	}

	n, err := s.deps.Ledger.Release(r.Context(), checkout.ReleaseRequest{
		ScannerID:       sc.ID,
		Category:        category,
		ItemID:          req.ItemID,
		Scanned:         req.Scanned,
		OfferCount:      req.OfferCount,
		SkipPriceInsert: scanner.SkipPriceInsert(user, sc),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"released": n})
}

// handleStartTraderScan handles POST /api/scanner/trader-scan
func (s *Server) handleStartTraderScan(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.requestScanner(r, models.CategoryTrader); err != nil {
		respondError(w, err)
		return
	}
	scan, err := s.deps.Ledger.StartTraderScan(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, scan)
}

// handleEndTraderScan handles DELETE /api/scanner/trader-scan
func (s *Server) handleEndTraderScan(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.requestScanner(r, models.CategoryTrader); err != nil {
		respondError(w, err)
		return
	}
	scan, err := s.deps.Ledger.EndTraderScan(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, scan)
}
