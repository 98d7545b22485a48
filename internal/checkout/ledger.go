// Package checkout implements the lease protocol that hands work items out
// to scanners. Each item carries one independent lease per scan category:
//
//	Free --acquire(s)--> Leased(s)
//	Leased(s) --release(unscanned)--> Free
//	Leased(s) --release(scanned)--> Free, last_scan := now
//	Leased(s) --sweep--> Free
//
// Acquire never hands out an item leased to another scanner; that is
// enforced by the store's selection predicate.
package checkout

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/logging"
	"github.com/game-data-manager/internal/models"
)

// Config configures a Ledger.
type Config struct {
	DefaultBatchSize int
	MaxBatchSize     int
}

// Ledger applies lease policy on top of a Store.
type Ledger struct {
	store  Store
	logger *logging.Logger
	cfg    Config
	now    func() time.Time
}

// NewLedger creates a ledger.
func NewLedger(store Store, cfg Config, logger *logging.Logger) *Ledger {
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 50
	}
	if cfg.MaxBatchSize < cfg.DefaultBatchSize {
		cfg.MaxBatchSize = cfg.DefaultBatchSize
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Ledger{
		store:  store,
		logger: logger.WithField("component", "checkout"),
		cfg:    cfg,
		now:    time.Now,
	}
}

// AcquireRequest asks for a batch of work.
type AcquireRequest struct {
	ScannerID int64
	Category  models.ScanCategory
	// BatchSize of zero means the configured default.
	BatchSize int
}

// Acquire leases a batch of items to the scanner. A trader batch is empty
// unless a trader offer scan session is active.
func (l *Ledger) Acquire(ctx context.Context, req AcquireRequest) ([]models.WorkItem, error) {
	size := req.BatchSize
	switch {
	case size < 0:
		return nil, apperrors.NewInvalidParameterError("batchSize", "must not be negative")
	case size == 0:
		size = l.cfg.DefaultBatchSize
	case size > l.cfg.MaxBatchSize:
		size = l.cfg.MaxBatchSize
	}

	if req.Category == models.CategoryTrader {
		session, err := l.store.ActiveTraderScan(ctx)
		if err != nil {
			return nil, err
		}
		if !session.Active() {
			l.logger.WithField("scannerId", req.ScannerID).Debug("No active trader offer scan, returning empty batch")
			return []models.WorkItem{}, nil
		}
	}

	items, err := l.store.Acquire(ctx, req.ScannerID, req.Category, size)
	if err != nil {
		return nil, err
	}
	if err := l.store.TouchScanner(ctx, req.ScannerID, req.Category, l.now()); err != nil {
		l.logger.WithError(err).WithField("scannerId", req.ScannerID).Warn("Failed to stamp scanner activity")
	}

	l.logger.WithFields(map[string]interface{}{
		"scannerId": req.ScannerID,
		"category":  req.Category,
		"requested": size,
		"leased":    len(items),
	}).Debug("Checked out work items")
	return items, nil
}

// ReleaseRequest returns one item, or the whole batch when ItemID is empty.
type ReleaseRequest struct {
	ScannerID int64
	Category  models.ScanCategory
	ItemID    string
	// Scanned marks the item as freshly scanned, with or without a price.
	Scanned    bool
	OfferCount *int
	// SkipPriceInsert turns a scanned release into a plain one so the item
	// stays due for scanning.
	SkipPriceInsert bool
}

// Release frees leases held by the scanner. Releasing an item the scanner
// does not hold changes nothing and is not an error.
func (l *Ledger) Release(ctx context.Context, req ReleaseRequest) (int64, error) {
	if req.ItemID == "" {
		return l.ReleaseAll(ctx, req.ScannerID, req.Category)
	}

	scanned := req.Scanned && !req.SkipPriceInsert
	now := l.now()
	n, err := l.store.Release(ctx, ReleaseParams{
		ScannerID:  req.ScannerID,
		Category:   req.Category,
		ItemID:     req.ItemID,
		Scanned:    scanned,
		OfferCount: req.OfferCount,
		Now:        now,
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		l.logger.WithFields(map[string]interface{}{
			"scannerId": req.ScannerID,
			"itemId":    req.ItemID,
			"category":  req.Category,
		}).Debug("Release matched no lease")
	}
	if scanned {
		if err := l.store.TouchScanner(ctx, req.ScannerID, req.Category, now); err != nil {
			l.logger.WithError(err).WithField("scannerId", req.ScannerID).Warn("Failed to stamp scanner activity")
		}
	}
	return n, nil
}

// ReleaseAll frees every lease the scanner holds in category.
func (l *Ledger) ReleaseAll(ctx context.Context, scannerID int64, category models.ScanCategory) (int64, error) {
	n, err := l.store.ReleaseAll(ctx, scannerID, category)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.WithFields(map[string]interface{}{
			"scannerId": scannerID,
			"category":  category,
			"released":  n,
		}).Info("Released scanner checkouts")
	}
	return n, nil
}

// ReleaseScanner frees the scanner's leases in every category. It runs
// before a reconnecting scanner may acquire again.
func (l *Ledger) ReleaseScanner(ctx context.Context, scannerID int64) (int64, error) {
	var total int64
	for _, category := range []models.ScanCategory{models.CategoryPlayer, models.CategoryTrader} {
		n, err := l.ReleaseAll(ctx, scannerID, category)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// SweepResult lists what an expiry sweep released.
type SweepResult struct {
	Scanners map[models.ScanCategory][]int64 `json:"scanners"`
	Released int64                           `json:"released"`
}

// Sweep force-releases the leases of every scanner whose last scan in the
// category is older than timeout. A failure on one scanner is logged and
// the sweep continues.
func (l *Ledger) Sweep(ctx context.Context, timeout time.Duration) (*SweepResult, error) {
	cutoff := l.now().Add(-timeout)
	result := &SweepResult{Scanners: make(map[models.ScanCategory][]int64)}

	for _, category := range []models.ScanCategory{models.CategoryPlayer, models.CategoryTrader} {
		stale, err := l.store.StaleScanners(ctx, category, cutoff)
		if err != nil {
			return result, err
		}
		for _, id := range stale {
			n, err := l.store.ReleaseAll(ctx, id, category)
			if err != nil {
				l.logger.WithError(err).WithField("scannerId", id).Warn("Failed to release stale checkouts")
				continue
			}
			result.Scanners[category] = append(result.Scanners[category], id)
			result.Released += n
			l.logger.WithFields(map[string]interface{}{
				"scannerId": id,
				"category":  category,
				"released":  n,
			}).Warn("Released checkouts of inactive scanner")
		}
	}
	return result, nil
}

// StartTraderScan opens a trader offer scan session. Only one session may
// be open; the check is read-then-insert.
func (l *Ledger) StartTraderScan(ctx context.Context) (*models.TraderOfferScan, error) {
	active, err := l.store.ActiveTraderScan(ctx)
	if err != nil {
		return nil, err
	}
	if active.Active() {
		return nil, apperrors.NewConflictError(fmt.Sprintf("trader offer scan %d already in progress", active.ID))
	}
	scan, err := l.store.InsertTraderScan(ctx, l.now())
	if err != nil {
		return nil, err
	}
	l.logger.WithField("traderScanId", scan.ID).Info("Trader offer scan started")
	return scan, nil
}

// EndTraderScan closes the active session. Ending when none is active
// returns a not found error.
func (l *Ledger) EndTraderScan(ctx context.Context) (*models.TraderOfferScan, error) {
	active, err := l.store.ActiveTraderScan(ctx)
	if err != nil {
		return nil, err
	}
	if !active.Active() {
		return nil, apperrors.NewNotFoundError("trader offer scan", "active")
	}
	ended := l.now()
	if err := l.store.EndTraderScan(ctx, active.ID, ended); err != nil {
		return nil, err
	}
	active.Ended = &ended
	l.logger.WithField("traderScanId", active.ID).Info("Trader offer scan ended")
	return active, nil
}

// ActiveTraderScan returns the open session, nil if none.
func (l *Ledger) ActiveTraderScan(ctx context.Context) (*models.TraderOfferScan, error) {
	active, err := l.store.ActiveTraderScan(ctx)
	if err != nil || !active.Active() {
		return nil, err
	}
	return active, nil
}
