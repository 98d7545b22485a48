package jobs

import (
	"fmt"
	"sort"

	"github.com/game-data-manager/internal/alert"
	"github.com/game-data-manager/internal/job"
	"github.com/game-data-manager/internal/models"
)

// checkScannersJob releases the leases of scanners that stopped scanning
// and alerts about them.
type checkScannersJob struct {
	deps Deps
}

func (j *checkScannersJob) Run(r *job.Run) error {
	result, err := j.deps.Ledger.Sweep(r.Context(), j.deps.CheckoutTimeout)
	if err != nil {
		return err
	}
	r.SetOutput(job.DefaultVariant, result)

	if result.Released == 0 {
		r.Logger().Log("No inactive scanners")
		return nil
	}

	var details []string
	for _, category := range []models.ScanCategory{models.CategoryPlayer, models.CategoryTrader} {
		for _, id := range result.Scanners[category] {
			name := fmt.Sprintf("scanner %d", id)
			if j.deps.Registry != nil {
				if s, ok := j.deps.Registry.Scanner(id); ok {
					if s.Flags&models.ScannerFlagIgnoreMissingScans != 0 {
						r.Logger().Log("%s (%s) is inactive, alert suppressed", s.Name, category)
						continue
					}
					name = s.Name
				}
			}
			details = append(details, fmt.Sprintf("%s (%s)", name, category))
		}
	}
	sort.Strings(details)

	r.AddSummary(alert.LevelWarning, "Released %d checkouts of inactive scanners", result.Released)
	if len(details) == 0 {
		return nil
	}
	r.Alert(alert.Message{
		Title:   "Inactive scanners",
		Body:    fmt.Sprintf("%d scanners have not scanned for %s; their checkouts were released", len(details), j.deps.CheckoutTimeout),
		Level:   alert.LevelWarning,
		Details: details,
	})
	return nil
}
