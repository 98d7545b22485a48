package checkout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/game-data-manager/internal/models"
)

// ReleaseParams describes a single-item release.
type ReleaseParams struct {
	ScannerID int64
	Category  models.ScanCategory
	ItemID    string
	// Scanned clears the lease and stamps the item's last scan in one write.
	Scanned    bool
	OfferCount *int
	Now        time.Time
}

// Store persists the lease fields of work items and the freshness stamps
// of scanners. Every write to a lease field goes through a Store.
type Store interface {
	// Acquire leases up to limit eligible items in category to scannerID.
	// Items already leased to scannerID are returned again. Items are
	// ordered by last scan, oldest and never-scanned first, then by id.
	Acquire(ctx context.Context, scannerID int64, category models.ScanCategory, limit int) ([]models.WorkItem, error)
	// Release frees one item if, and only if, scannerID holds it. It
	// returns the number of rows changed.
	Release(ctx context.Context, p ReleaseParams) (int64, error)
	// ReleaseAll frees every item scannerID holds in category.
	ReleaseAll(ctx context.Context, scannerID int64, category models.ScanCategory) (int64, error)
	// StaleScanners lists scanners holding leases in category whose last
	// scan stamp is unset or older than cutoff.
	StaleScanners(ctx context.Context, category models.ScanCategory, cutoff time.Time) ([]int64, error)
	// TouchScanner stamps the scanner's last scan in category.
	TouchScanner(ctx context.Context, scannerID int64, category models.ScanCategory, now time.Time) error

	ActiveTraderScan(ctx context.Context) (*models.TraderOfferScan, error)
	InsertTraderScan(ctx context.Context, started time.Time) (*models.TraderOfferScan, error)
	EndTraderScan(ctx context.Context, id int64, ended time.Time) error
}

// MemoryStore is a Store kept in process memory. Each operation is atomic
// with respect to the others.
type MemoryStore struct {
	mu          sync.Mutex
	items       map[string]*models.WorkItem
	scanners    map[models.ScanCategory]map[int64]time.Time
	traderScans []*models.TraderOfferScan
}

// NewMemoryStore creates a store holding copies of items.
func NewMemoryStore(items ...models.WorkItem) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]*models.WorkItem, len(items)),
		scanners: map[models.ScanCategory]map[int64]time.Time{
			models.CategoryPlayer: {},
			models.CategoryTrader: {},
		},
	}
	for i := range items {
		item := items[i]
		s.items[item.ID] = &item
	}
	return s
}

// Item returns a copy of the item with id.
func (s *MemoryStore) Item(id string) (models.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return models.WorkItem{}, false
	}
	return *item, true
}

// Items returns copies of every item.
func (s *MemoryStore) Items() []models.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WorkItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetScannerLastScan overrides a scanner's freshness stamp.
func (s *MemoryStore) SetScannerLastScan(scannerID int64, category models.ScanCategory, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanners[category][scannerID] = t
}

func (s *MemoryStore) Acquire(ctx context.Context, scannerID int64, category models.ScanCategory, limit int) ([]models.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*models.WorkItem, 0)
	for _, item := range s.items {
		if !item.Eligible(category) {
			continue
		}
		holder := item.Checkout(category)
		if holder != nil && *holder != scannerID {
			continue
		}
		candidates = append(candidates, item)
	}
	sortByStaleness(candidates, category)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]models.WorkItem, 0, len(candidates))
	for _, item := range candidates {
		id := scannerID
		if category == models.CategoryTrader {
			item.TraderCheckoutScannerID = &id
		} else {
			item.CheckoutScannerID = &id
		}
		out = append(out, *item)
	}
	return out, nil
}

func (s *MemoryStore) Release(ctx context.Context, p ReleaseParams) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[p.ItemID]
	if !ok {
		return 0, nil
	}
	holder := item.Checkout(p.Category)
	if holder == nil || *holder != p.ScannerID {
		return 0, nil
	}

	now := p.Now
	if p.Category == models.CategoryTrader {
		item.TraderCheckoutScannerID = nil
		if p.Scanned {
			item.TraderLastScan = &now
		}
	} else {
		item.CheckoutScannerID = nil
		if p.Scanned {
			item.LastScan = &now
			if p.OfferCount != nil {
				count := *p.OfferCount
				item.LastOfferCount = &count
			}
		}
	}
	return 1, nil
}

func (s *MemoryStore) ReleaseAll(ctx context.Context, scannerID int64, category models.ScanCategory) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, item := range s.items {
		holder := item.Checkout(category)
		if holder == nil || *holder != scannerID {
			continue
		}
		if category == models.CategoryTrader {
			item.TraderCheckoutScannerID = nil
		} else {
			item.CheckoutScannerID = nil
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) StaleScanners(ctx context.Context, category models.ScanCategory, cutoff time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool)
	var out []int64
	for _, item := range s.items {
		holder := item.Checkout(category)
		if holder == nil || seen[*holder] {
			continue
		}
		seen[*holder] = true
		last, ok := s.scanners[category][*holder]
		if !ok || last.Before(cutoff) {
			out = append(out, *holder)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) TouchScanner(ctx context.Context, scannerID int64, category models.ScanCategory, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanners[category][scannerID] = now
	return nil
}

func (s *MemoryStore) ActiveTraderScan(ctx context.Context) (*models.TraderOfferScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scan := range s.traderScans {
		if scan.Active() {
			cp := *scan
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) InsertTraderScan(ctx context.Context, started time.Time) (*models.TraderOfferScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan := &models.TraderOfferScan{ID: int64(len(s.traderScans) + 1), Started: started}
	s.traderScans = append(s.traderScans, scan)
	cp := *scan
	return &cp, nil
}

func (s *MemoryStore) EndTraderScan(ctx context.Context, id int64, ended time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scan := range s.traderScans {
		if scan.ID == id && scan.Ended == nil {
			t := ended
			scan.Ended = &t
		}
	}
	return nil
}

// sortByStaleness orders items oldest last scan first, never-scanned
// before everything, ties broken by id.
func sortByStaleness(items []*models.WorkItem, category models.ScanCategory) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].LastScanFor(category), items[j].LastScanFor(category)
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return items[i].ID < items[j].ID
	})
}
