package models

import (
	"fmt"
	"time"
)

// ScanCategory selects which of the two independent lease fields of a work
// item an operation acts on.
type ScanCategory string

const (
	CategoryPlayer ScanCategory = "player"
	CategoryTrader ScanCategory = "trader"
)

// ParseScanCategory parses a category name. The empty string means player.
func ParseScanCategory(s string) (ScanCategory, error) {
	switch s {
	case "", string(CategoryPlayer):
		return CategoryPlayer, nil
	case string(CategoryTrader):
		return CategoryTrader, nil
	default:
		return "", fmt.Errorf("unknown scan category: %s", s)
	}
}

// ItemType tags that exclude an item from scanning.
const (
	ItemTypeDisabled = "disabled"
	ItemTypePreset   = "preset"
	ItemTypeQuest    = "quest"
	ItemTypeNoFlea   = "noFlea"
	ItemTypeOnlyFlea = "onlyFlea"
	ItemTypeNoTrader = "noTrader"
)

// WorkItem is a priceable entity carrying one lease per scan category.
type WorkItem struct {
	ID                      string     `json:"id" db:"id"`
	Name                    string     `json:"name" db:"name"`
	ShortName               string     `json:"shortName" db:"short_name"`
	Types                   []string   `json:"types" db:"types"`
	CheckoutScannerID       *int64     `json:"checkoutScannerId,omitempty" db:"checkout_scanner_id"`
	TraderCheckoutScannerID *int64     `json:"traderCheckoutScannerId,omitempty" db:"trader_checkout_scanner_id"`
	LastScan                *time.Time `json:"lastScan,omitempty" db:"last_scan"`
	TraderLastScan          *time.Time `json:"traderLastScan,omitempty" db:"trader_last_scan"`
	LastOfferCount          *int       `json:"lastOfferCount,omitempty" db:"last_offer_count"`
}

// HasType reports whether the item carries the type tag t.
func (w *WorkItem) HasType(t string) bool {
	for _, it := range w.Types {
		if it == t {
			return true
		}
	}
	return false
}

// ExcludedTypes lists the item types that are never leased in category.
func ExcludedTypes(category ScanCategory) []string {
	if category == CategoryTrader {
		return []string{ItemTypeDisabled, ItemTypePreset, ItemTypeQuest, ItemTypeOnlyFlea, ItemTypeNoTrader}
	}
	return []string{ItemTypeDisabled, ItemTypePreset, ItemTypeQuest, ItemTypeNoFlea}
}

// Eligible reports whether the item may be leased in category at all.
func (w *WorkItem) Eligible(category ScanCategory) bool {
	for _, t := range ExcludedTypes(category) {
		if w.HasType(t) {
			return false
		}
	}
	return true
}

// Checkout returns the lease holder for category, or nil when free.
func (w *WorkItem) Checkout(category ScanCategory) *int64 {
	if category == CategoryTrader {
		return w.TraderCheckoutScannerID
	}
	return w.CheckoutScannerID
}

// LastScanFor returns the freshness stamp for category.
func (w *WorkItem) LastScanFor(category ScanCategory) *time.Time {
	if category == CategoryTrader {
		return w.TraderLastScan
	}
	return w.LastScan
}

// TraderOfferScan brackets a full pass over the trader catalog. A nil
// Ended means the session is still in progress.
type TraderOfferScan struct {
	ID      int64      `json:"id" db:"id"`
	Started time.Time  `json:"started" db:"started"`
	Ended   *time.Time `json:"ended,omitempty" db:"ended"`
}

// Active reports whether the session is still open.
func (t *TraderOfferScan) Active() bool {
	return t != nil && t.Ended == nil
}
