package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/models"
	"github.com/game-data-manager/internal/scanner"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// ScannerRepository handles scanner user and scanner persistence
type ScannerRepository struct {
	db *PostgresDB
}

var _ scanner.Repository = (*ScannerRepository)(nil)

// NewScannerRepository creates a new scanner repository
func NewScannerRepository(db *PostgresDB) *ScannerRepository {
	return &ScannerRepository{db: db}
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// LoadUsers returns every scanner user
func (r *ScannerRepository) LoadUsers(ctx context.Context) ([]models.User, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, username, password, flags, max_scanners, disabled, created_at
		FROM scanner_user
		ORDER BY id
	`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("load users", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.User])
	if err != nil {
		return nil, apperrors.NewDatabaseError("load users", err)
	}
	return users, nil
}

// LoadScanners returns every scanner
func (r *ScannerRepository) LoadScanners(ctx context.Context) ([]models.Scanner, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, name, scanner_user_id, flags, disabled, last_scan, trader_last_scan
		FROM scanner
		ORDER BY id
	`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("load scanners", err)
	}
	scanners, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.Scanner])
	if err != nil {
		return nil, apperrors.NewDatabaseError("load scanners", err)
	}
	return scanners, nil
}

// CreateUser inserts a user and sets its ID
func (r *ScannerRepository) CreateUser(ctx context.Context, u *models.User) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO scanner_user (username, password, flags, max_scanners, disabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, u.Username, u.Password, u.Flags, u.MaxScanners, u.Disabled).Scan(&u.ID, &u.CreatedAt)
	if pgErrorCode(err) == pgUniqueViolation {
		return apperrors.NewConflictError(fmt.Sprintf("user %s already exists", u.Username))
	}
	if err != nil {
		return apperrors.NewDatabaseError("create user", err)
	}
	return nil
}

// UpdateUser sets a user's flags and disabled state
func (r *ScannerRepository) UpdateUser(ctx context.Context, id int64, flags models.UserFlag, disabled bool) error {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE scanner_user SET flags = $2, disabled = $3 WHERE id = $1`, id, flags, disabled)
	if err != nil {
		return apperrors.NewDatabaseError("update user", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("user", fmt.Sprint(id))
	}
	return nil
}

// CreateScanner inserts a scanner and sets its ID
func (r *ScannerRepository) CreateScanner(ctx context.Context, s *models.Scanner) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO scanner (name, scanner_user_id, flags, disabled)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, s.Name, s.UserID, s.Flags, s.Disabled).Scan(&s.ID)
	if pgErrorCode(err) == pgUniqueViolation {
		return apperrors.NewConflictError(fmt.Sprintf("scanner %s already exists", s.Name))
	}
	if err != nil {
		return apperrors.NewDatabaseError("create scanner", err)
	}
	return nil
}

// SetScannerDisabled enables or disables a scanner
func (r *ScannerRepository) SetScannerDisabled(ctx context.Context, id int64, disabled bool) error {
	tag, err := r.db.Pool().Exec(ctx, `UPDATE scanner SET disabled = $2 WHERE id = $1`, id, disabled)
	if err != nil {
		return apperrors.NewDatabaseError("set scanner disabled", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("scanner", fmt.Sprint(id))
	}
	return nil
}

// CountPriceRecords counts player and trader price rows submitted by the scanner
func (r *ScannerRepository) CountPriceRecords(ctx context.Context, scannerID int64) (int64, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM price_data WHERE scanner_id = $1) +
			(SELECT COUNT(*) FROM trader_price_data WHERE scanner_id = $1)
	`, scannerID).Scan(&count)
	if err != nil {
		return 0, apperrors.NewDatabaseError("count price records", err)
	}
	return count, nil
}

// DeleteScanner removes a scanner. Leases it still holds are cleared in
// the same transaction; the foreign keys of the price tables refuse the
// delete while prices reference it.
func (r *ScannerRepository) DeleteScanner(ctx context.Context, id int64) error {
	var affected int64
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE item_data SET
				checkout_scanner_id = NULLIF(checkout_scanner_id, $1),
				trader_checkout_scanner_id = NULLIF(trader_checkout_scanner_id, $1)
			WHERE checkout_scanner_id = $1 OR trader_checkout_scanner_id = $1
		`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM scanner WHERE id = $1`, id)
		affected = tag.RowsAffected()
		return err
	})
	if pgErrorCode(err) == pgForeignKeyViolation {
		return apperrors.NewConflictError("scanner is referenced by price records")
	}
	if err != nil {
		return apperrors.NewDatabaseError("delete scanner", err)
	}
	if affected == 0 {
		return apperrors.NewNotFoundError("scanner", fmt.Sprint(id))
	}
	return nil
}
