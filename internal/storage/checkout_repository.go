package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/game-data-manager/internal/checkout"
	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/models"
)

// CheckoutRepository stores item leases in Postgres. It implements
// checkout.Store.
type CheckoutRepository struct {
	db *PostgresDB
}

var _ checkout.Store = (*CheckoutRepository)(nil)

// NewCheckoutRepository creates a new checkout repository
func NewCheckoutRepository(db *PostgresDB) *CheckoutRepository {
	return &CheckoutRepository{db: db}
}

// leaseColumns returns the checkout and last scan columns of category.
func leaseColumns(category models.ScanCategory) (checkoutCol, lastScanCol string) {
	if category == models.CategoryTrader {
		return "trader_checkout_scanner_id", "trader_last_scan"
	}
	return "checkout_scanner_id", "last_scan"
}

const itemColumns = `id, name, short_name, types, checkout_scanner_id, trader_checkout_scanner_id,
	last_scan, trader_last_scan, last_offer_count`

func scanWorkItem(row pgx.Row) (models.WorkItem, error) {
	var item models.WorkItem
	err := row.Scan(
		&item.ID,
		&item.Name,
		&item.ShortName,
		&item.Types,
		&item.CheckoutScannerID,
		&item.TraderCheckoutScannerID,
		&item.LastScan,
		&item.TraderLastScan,
		&item.LastOfferCount,
	)
	return item, err
}

// Acquire selects and leases in one statement. Rows another transaction
// is leasing are skipped rather than waited for.
func (r *CheckoutRepository) Acquire(ctx context.Context, scannerID int64, category models.ScanCategory, limit int) ([]models.WorkItem, error) {
	checkoutCol, lastScanCol := leaseColumns(category)
	query := fmt.Sprintf(`
		UPDATE item_data SET %[1]s = $1
		WHERE id IN (
			SELECT id FROM item_data
			WHERE (%[1]s IS NULL OR %[1]s = $1)
				AND NOT (types && $2::text[])
			ORDER BY %[2]s ASC NULLS FIRST, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[3]s
	`, checkoutCol, lastScanCol, itemColumns)

	rows, err := r.db.Pool().Query(ctx, query, scannerID, models.ExcludedTypes(category), limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("acquire checkouts", err)
	}
	defer rows.Close()

	items := make([]models.WorkItem, 0, limit)
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan work item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("acquire checkouts", err)
	}

	// RETURNING does not keep the subquery order
	sort.SliceStable(items, func(i, j int) bool {
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
	return items, nil
}

// Release clears one lease held by the scanner. A scanned release stamps
// the last scan in the same statement.
func (r *CheckoutRepository) Release(ctx context.Context, p checkout.ReleaseParams) (int64, error) {
	checkoutCol, lastScanCol := leaseColumns(p.Category)

	var query string
	args := []any{p.ItemID, p.ScannerID}
	switch {
	case !p.Scanned:
		query = fmt.Sprintf(`UPDATE item_data SET %[1]s = NULL WHERE id = $1 AND %[1]s = $2`, checkoutCol)
	case p.Category == models.CategoryPlayer:
		query = fmt.Sprintf(`
			UPDATE item_data SET %[1]s = NULL, %[2]s = $3, last_offer_count = COALESCE($4, last_offer_count)
			WHERE id = $1 AND %[1]s = $2
		`, checkoutCol, lastScanCol)
		args = append(args, p.Now, p.OfferCount)
	default:
		query = fmt.Sprintf(`UPDATE item_data SET %[1]s = NULL, %[2]s = $3 WHERE id = $1 AND %[1]s = $2`, checkoutCol, lastScanCol)
		args = append(args, p.Now)
	}

	tag, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return 0, apperrors.NewDatabaseError("release checkout", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseAll clears every lease the scanner holds in category.
func (r *CheckoutRepository) ReleaseAll(ctx context.Context, scannerID int64, category models.ScanCategory) (int64, error) {
	checkoutCol, _ := leaseColumns(category)
	query := fmt.Sprintf(`UPDATE item_data SET %[1]s = NULL WHERE %[1]s = $1`, checkoutCol)

	tag, err := r.db.Pool().Exec(ctx, query, scannerID)
	if err != nil {
		return 0, apperrors.NewDatabaseError("release scanner checkouts", err)
	}
	return tag.RowsAffected(), nil
}

// StaleScanners lists scanners holding leases in category whose last scan
// is unset or older than cutoff.
func (r *CheckoutRepository) StaleScanners(ctx context.Context, category models.ScanCategory, cutoff time.Time) ([]int64, error) {
	checkoutCol, lastScanCol := leaseColumns(category)
	query := fmt.Sprintf(`
		SELECT DISTINCT s.id
		FROM scanner s
		JOIN item_data i ON i.%[1]s = s.id
		WHERE s.%[2]s IS NULL OR s.%[2]s < $1
		ORDER BY s.id
	`, checkoutCol, lastScanCol)

	rows, err := r.db.Pool().Query(ctx, query, cutoff)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list stale scanners", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, apperrors.NewDatabaseError("list stale scanners", err)
	}
	return ids, nil
}

// TouchScanner stamps the scanner's last scan in category.
func (r *CheckoutRepository) TouchScanner(ctx context.Context, scannerID int64, category models.ScanCategory, now time.Time) error {
	_, lastScanCol := leaseColumns(category)
	query := fmt.Sprintf(`UPDATE scanner SET %s = $2 WHERE id = $1`, lastScanCol)

	if _, err := r.db.Pool().Exec(ctx, query, scannerID, now); err != nil {
		return apperrors.NewDatabaseError("touch scanner", err)
	}
	return nil
}

// ActiveTraderScan returns the open trader offer scan, nil if none.
func (r *CheckoutRepository) ActiveTraderScan(ctx context.Context) (*models.TraderOfferScan, error) {
	var scan models.TraderOfferScan
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, started, ended FROM trader_offer_scan
		WHERE ended IS NULL
		ORDER BY started DESC
		LIMIT 1
	`).Scan(&scan.ID, &scan.Started, &scan.Ended)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get active trader scan", err)
	}
	return &scan, nil
}

// InsertTraderScan opens a trader offer scan.
func (r *CheckoutRepository) InsertTraderScan(ctx context.Context, started time.Time) (*models.TraderOfferScan, error) {
	scan := models.TraderOfferScan{Started: started}
	err := r.db.Pool().QueryRow(ctx,
		`INSERT INTO trader_offer_scan (started) VALUES ($1) RETURNING id`, started,
	).Scan(&scan.ID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("start trader scan", err)
	}
	return &scan, nil
}

// EndTraderScan closes the trader offer scan with id.
func (r *CheckoutRepository) EndTraderScan(ctx context.Context, id int64, ended time.Time) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE trader_offer_scan SET ended = $2 WHERE id = $1 AND ended IS NULL`, id, ended)
	if err != nil {
		return apperrors.NewDatabaseError("end trader scan", err)
	}
	return nil
}
