package jobs

import (
	"github.com/game-data-manager/internal/job"
	"github.com/game-data-manager/internal/publish"
)

// Preset is a named configuration of a base item.
type Preset struct {
	ID         string `json:"id"`
	BaseItemID string `json:"baseItemId"`
	Name       string `json:"name"`
}

const presetsQuery = `
	SELECT id, base_item_id, name
	FROM item_preset
	WHERE game_mode = $1
	ORDER BY id`

type presetsJob struct {
	deps Deps
}

func (j *presetsJob) Run(r *job.Run) error {
	published := make(map[string]any, len(publish.Variants))
	for _, variant := range publish.Variants {
		rows, err := j.deps.Query.Query(r.Context(), presetsQuery, variant)
		if err != nil {
			return err
		}

		presets := make(map[string]Preset, len(rows))
		for _, row := range rows {
			p := Preset{
				ID:         rowString(row, "id"),
				BaseItemID: rowString(row, "base_item_id"),
				Name:       rowString(row, "name"),
			}
			if p.BaseItemID == "" {
				r.Logger().Warn("Preset %s has no base item", p.ID)
				continue
			}
			presets[p.ID] = p
		}
		r.SetOutput(variant, presets)
		published[variant] = presets
		r.Logger().Log("Processed %d %s presets", len(presets), variant)
	}

	publishAll(r, j.deps.Publisher, "presets", published)
	return nil
}
