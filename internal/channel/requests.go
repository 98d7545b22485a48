package channel

import (
	"context"
	"encoding/json"

	"github.com/game-data-manager/internal/checkout"
	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/models"
	"github.com/game-data-manager/internal/scanner"
)

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

// LeaseRequests serves the lease protocol over the channel.
type LeaseRequests struct {
	ledger   *checkout.Ledger
	registry *scanner.Registry
}

// NewLeaseRequests creates the lease request handlers.
func NewLeaseRequests(ledger *checkout.Ledger, registry *scanner.Registry) *LeaseRequests {
	return &LeaseRequests{ledger: ledger, registry: registry}
}

// Register installs the handlers on h and releases a scanner's leases
// whenever it connects or disconnects.
func (l *LeaseRequests) Register(h *Hub) {
	h.HandleRequest("checkout", l.checkout)
	h.HandleRequest("release", l.release)
	h.HandleRequest("startTraderScan", l.startTraderScan)
	h.HandleRequest("endTraderScan", l.endTraderScan)

	release := func(ctx context.Context, c *Client) {
		if c.Scanner() == nil {
			return
		}
		if _, err := l.ledger.ReleaseScanner(ctx, c.Scanner().ID); err != nil {
			h.logger.WithError(err).WithField("scannerId", c.Scanner().ID).Error("Failed to release scanner checkouts")
		}
	}
	h.OnConnect(release)
	h.OnDisconnect(release)
}

// authorize reloads the scanner so a disable takes effect on open
// connections.
func (l *LeaseRequests) authorize(c *Client, category models.ScanCategory) (*models.Scanner, error) {
	s, ok := l.registry.Scanner(c.Scanner().ID)
	if !ok {
		return nil, apperrors.NewNotFoundError("scanner", c.SessionID())
	}
	user, ok := l.registry.User(c.User().ID)
	if !ok {
		return nil, apperrors.NewNotFoundError("user", c.User().Username)
	}
	if err := l.registry.Authorize(user, s, category); err != nil {
		return nil, err
	}
	return s, nil
}

func (l *LeaseRequests) checkout(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req checkoutRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, apperrors.NewInvalidParameterError("data", err.Error())
		}
	}
	category, err := models.ParseScanCategory(req.Category)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("category", err.Error())
	}
	s, err := l.authorize(c, category)
	if err != nil {
		return nil, err
	}
	return l.ledger.Acquire(ctx, checkout.AcquireRequest{ScannerID: s.ID, Category: category, BatchSize: req.BatchSize})
}

func (l *LeaseRequests) release(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req releaseRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperrors.NewInvalidParameterError("data", err.Error())
	}
	category, err := models.ParseScanCategory(req.Category)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("category", err.Error())
	}
	s, err := l.authorize(c, category)
	if err != nil {
		return nil, err
	}
	user, _ := l.registry.User(c.User().ID)

	n, err := l.ledger.Release(ctx, checkout.ReleaseRequest{
		ScannerID:       s.ID,
		Category:        category,
		ItemID:          req.ItemID,
		Scanned:         req.Scanned,
		OfferCount:      req.OfferCount,
		SkipPriceInsert: scanner.SkipPriceInsert(user, s),
	})
	if err != nil {
		return nil, err
	}
	return map[string]int64{"released": n}, nil
}

func (l *LeaseRequests) startTraderScan(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	if _, err := l.authorize(c, models.CategoryTrader); err != nil {
		return nil, err
	}
	return l.ledger.StartTraderScan(ctx)
}

func (l *LeaseRequests) endTraderScan(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	if _, err := l.authorize(c, models.CategoryTrader); err != nil {
		return nil, err
	}
	return l.ledger.EndTraderScan(ctx)
}
