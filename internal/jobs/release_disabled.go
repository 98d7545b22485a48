package jobs

import (
	"github.com/game-data-manager/internal/job"
)

type releaseDisabledJob struct {
	deps Deps
}

func (j *releaseDisabledJob) Run(r *job.Run) error {
	var released int64
	for _, id := range j.deps.Registry.DisabledScanners() {
		n, err := j.deps.Ledger.ReleaseScanner(r.Context(), id)
		if err != nil {
			return err
		}
		if n > 0 {
			r.Logger().Log("Released %d checkouts of disabled scanner %d", n, id)
		}
		released += n
	}
	r.SetOutput(job.DefaultVariant, released)
	return nil
}
