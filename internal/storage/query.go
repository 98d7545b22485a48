package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/game-data-manager/internal/errors"
)

// Row is one result row keyed by column name.
type Row map[string]any

// DefaultBatchSize is the page size BatchQuery uses when none is given.
const DefaultBatchSize = 5000

// QueryRunner is the persistence collaborator jobs read their inputs
// through.
type QueryRunner struct {
	db Querier
}

// NewQueryRunner creates a query runner on db.
func NewQueryRunner(db Querier) *QueryRunner {
	return &QueryRunner{db: db}
}

// Query runs sql and returns every row.
func (q *QueryRunner) Query(ctx context.Context, sql string, args ...any) ([]Row, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("query", err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, apperrors.NewDatabaseError("scan rows", err)
	}

	out := make([]Row, len(maps))
	for i, m := range maps {
		out[i] = Row(m)
	}
	return out, nil
}

// BatchQuery pages through sql with LIMIT and OFFSET, calling onBatch
// after each page, and returns every row. sql must have a stable ORDER BY.
func (q *QueryRunner) BatchQuery(ctx context.Context, sql string, args []any, batchSize int, onBatch func(rows []Row, offset int)) ([]Row, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	limitArg := len(args) + 1
	paged := fmt.Sprintf("%s LIMIT $%d OFFSET $%d", sql, limitArg, limitArg+1)

	var all []Row
	for offset := 0; ; offset += batchSize {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		pageArgs := append(append([]any{}, args...), batchSize, offset)
		page, err := q.Query(ctx, paged, pageArgs...)
		if err != nil {
			return all, err
		}
		all = append(all, page...)
		if onBatch != nil {
			onBatch(page, offset)
		}
		if len(page) < batchSize {
			return all, nil
		}
	}
}
