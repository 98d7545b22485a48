// Package jobs holds the concrete jobs of the data manager and registers
// them with a job.Manager.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/game-data-manager/internal/checkout"
	"github.com/game-data-manager/internal/job"
	"github.com/game-data-manager/internal/publish"
	"github.com/game-data-manager/internal/scanner"
	"github.com/game-data-manager/internal/storage"
)

// Job names.
const (
	UpdateHideout            = "update-hideout"
	UpdatePresets            = "update-presets"
	UpdateCrafts             = "update-crafts"
	CheckScanners            = "check-scanners"
	ReleaseDisabledCheckouts = "release-disabled-checkouts"
)

// Querier runs read queries for jobs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) ([]storage.Row, error)
	BatchQuery(ctx context.Context, sql string, args []any, batchSize int, onBatch func(rows []storage.Row, offset int)) ([]storage.Row, error)
}

// Deps are the collaborators jobs are built from.
type Deps struct {
	Query     Querier
	Publisher publish.Publisher
	Ledger    *checkout.Ledger
	Registry  *scanner.Registry
	// CheckoutTimeout is how long a scanner may hold leases without
	// scanning before check-scanners releases them.
	CheckoutTimeout time.Duration
	// BatchSize is the page size of large reads.
	BatchSize int
}

// Register adds every job to m.
func Register(m *job.Manager, deps Deps) {
	if deps.CheckoutTimeout <= 0 {
		deps.CheckoutTimeout = 15 * time.Minute
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = storage.DefaultBatchSize
	}

	m.Register(UpdateHideout, func(*job.Manager) (job.Runner, error) {
		if deps.Query == nil || deps.Publisher == nil {
			return nil, missing(UpdateHideout, "query runner and publisher")
		}
		return &hideoutJob{deps: deps}, nil
	})
	m.Register(UpdatePresets, func(*job.Manager) (job.Runner, error) {
		if deps.Query == nil || deps.Publisher == nil {
			return nil, missing(UpdatePresets, "query runner and publisher")
		}
		return &presetsJob{deps: deps}, nil
	})
	m.Register(UpdateCrafts, func(*job.Manager) (job.Runner, error) {
		if deps.Query == nil || deps.Publisher == nil {
			return nil, missing(UpdateCrafts, "query runner and publisher")
		}
		return &craftsJob{deps: deps}, nil
	})
	m.Register(CheckScanners, func(*job.Manager) (job.Runner, error) {
		if deps.Ledger == nil {
			return nil, missing(CheckScanners, "checkout ledger")
		}
		return &checkScannersJob{deps: deps}, nil
	})
	m.Register(ReleaseDisabledCheckouts, func(*job.Manager) (job.Runner, error) {
		if deps.Ledger == nil || deps.Registry == nil {
			return nil, missing(ReleaseDisabledCheckouts, "checkout ledger and scanner registry")
		}
		return &releaseDisabledJob{deps: deps}, nil
	})
}

func missing(name, what string) error {
	return fmt.Errorf("job %s needs %s", name, what)
}

// publishAll publishes every variant of a job's output as tracked I/O.
func publishAll(r *job.Run, pub publish.Publisher, key string, byVariant map[string]any) {
	for variant, data := range byVariant {
		variant, data := variant, data
		r.Go(fmt.Sprintf("publish %s (%s)", key, variant), func(ctx context.Context) error {
			res := pub.Put(ctx, key, data, publish.PutOptions{Variant: variant})
			if !res.Success {
				return fmt.Errorf("%v", res.Errors)
			}
			return nil
		})
	}
}

func rowString(row storage.Row, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func rowInt(row storage.Row, key string) int {
	switch v := row[key].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
