package jobs

import (
	"github.com/game-data-manager/internal/job"
	"github.com/game-data-manager/internal/publish"
	"github.com/game-data-manager/internal/storage"
)

// HideoutModule is one level of a hideout station.
type HideoutModule struct {
	ID               string `json:"id"`
	Station          string `json:"station"`
	Level            int    `json:"level"`
	ConstructionTime int    `json:"constructionTime"`
}

const hideoutQuery = `
	SELECT id, station, level, construction_time
	FROM hideout_module
	WHERE game_mode = $1
	ORDER BY station, level, id`

type hideoutJob struct {
	deps Deps
}

func (j *hideoutJob) Run(r *job.Run) error {
	published := make(map[string]any, len(publish.Variants))
	for _, variant := range publish.Variants {
		rows, err := j.deps.Query.BatchQuery(r.Context(), hideoutQuery, []any{variant}, j.deps.BatchSize,
			func(page []storage.Row, offset int) {
				r.Logger().Log("Loaded %d %s hideout modules at offset %d", len(page), variant, offset)
			})
		if err != nil {
			return err
		}

		modules := make([]HideoutModule, 0, len(rows))
		for _, row := range rows {
			modules = append(modules, HideoutModule{
				ID:               rowString(row, "id"),
				Station:          rowString(row, "station"),
				Level:            rowInt(row, "level"),
				ConstructionTime: rowInt(row, "construction_time"),
			})
		}
		r.SetOutput(variant, modules)
		published[variant] = modules
		r.Logger().Log("Processed %d %s hideout modules", len(modules), variant)
	}

	publishAll(r, j.deps.Publisher, "hideout", published)
	return nil
}
