package storage

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestNewPostgresDB(t *testing.T) {
	db := testPostgres(t)

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}

func TestPostgresDB_WithTx(t *testing.T) {
	db := testPostgres(t)
	ctx := testContext(t)
	resetTables(t, db)

	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO scanner_user (username, password) VALUES ('committed', 'x')`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}

	rollback := errors.New("rollback")
	err = db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO scanner_user (username, password) VALUES ('rolled-back', 'x')`); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("WithTx() error = %v, want %v", err, rollback)
	}

	var n int
	if err := db.Pool().QueryRow(ctx, `SELECT count(*) FROM scanner_user`).Scan(&n); err != nil {
		t.Fatalf("count error = %v", err)
	}
	if n != 1 {
		t.Errorf("users = %d, want 1", n)
	}
}
