package jobs

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/game-data-manager/internal/alert"
	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/job"
	"github.com/game-data-manager/internal/publish"
)

// Craft is a recipe joined with the hideout module that unlocks it.
type Craft struct {
	ID           string         `json:"id"`
	Duration     int            `json:"duration"`
	RewardItemID string         `json:"rewardItemId"`
	RewardPreset *Preset        `json:"rewardPreset,omitempty"`
	Module       *HideoutModule `json:"module"`
}

const craftsQuery = `
	SELECT id, station, level, reward_item_id, duration
	FROM craft
	WHERE game_mode = $1
	ORDER BY id`

type craftsJob struct {
	deps Deps
}

func (j *craftsJob) Run(r *job.Run) error {
	var (
		mu        sync.Mutex
		published = make(map[string]any, len(publish.Variants))
	)

	g, ctx := errgroup.WithContext(r.Context())
	for _, variant := range publish.Variants {
		variant := variant
		g.Go(func() error {
			hideout, err := r.JobOutput(UpdateHideout, variant)
			if err != nil {
				return fmt.Errorf("hideout %s: %w", variant, err)
			}
			presets, err := r.JobOutput(UpdatePresets, variant)
			if err != nil {
				return fmt.Errorf("presets %s: %w", variant, err)
			}
			modules, _ := hideout.([]HideoutModule)
			presetMap, _ := presets.(map[string]Preset)

			rows, err := j.deps.Query.Query(ctx, craftsQuery, variant)
			if err != nil {
				return err
			}

			crafts := make([]Craft, 0, len(rows))
			skipped := 0
			for _, row := range rows {
				id := rowString(row, "id")
				station := rowString(row, "station")
				level := rowInt(row, "level")

				module := findModule(modules, station, level)
				if !module.Found {
					r.Logger().Warn("Craft %s skipped: no %s module for %v level %v",
						id, variant, module.Context["station"], module.Context["level"])
					skipped++
					continue
				}
				c := Craft{
					ID:           id,
					Duration:     rowInt(row, "duration"),
					RewardItemID: rowString(row, "reward_item_id"),
					Module:       &module.Value,
				}
				if p, ok := presetMap[c.RewardItemID]; ok {
					c.RewardPreset = &p
				}
				crafts = append(crafts, c)
			}

			if skipped > 0 {
				r.AddSummary(alert.LevelWarning, "%d %s crafts skipped for missing hideout modules", skipped, variant)
			}
			r.SetOutput(variant, crafts)
			r.Logger().Log("Processed %d %s crafts", len(crafts), variant)

			mu.Lock()
			published[variant] = crafts
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	publishAll(r, j.deps.Publisher, "crafts", published)
	return nil
}

func findModule(modules []HideoutModule, station string, level int) apperrors.Lookup[HideoutModule] {
	for _, m := range modules {
		if m.Station == station && m.Level == level {
			return apperrors.Found(m)
		}
	}
	return apperrors.NotFound[HideoutModule](map[string]interface{}{
		"station": station,
		"level":   level,
	})
}
