package jobs

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/game-data-manager/internal/alert"
	"github.com/game-data-manager/internal/checkout"
	"github.com/game-data-manager/internal/job"
	"github.com/game-data-manager/internal/logging"
	"github.com/game-data-manager/internal/models"
	"github.com/game-data-manager/internal/publish"
	"github.com/game-data-manager/internal/scanner"
	"github.com/game-data-manager/internal/storage"
)

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.LevelError, logging.FormatJSON)
	l.SetOutput(io.Discard)
	return l
}

// fakeQuery serves canned rows by table and game mode and counts reads.
type fakeQuery struct {
	mu     sync.Mutex
	tables map[string]map[string][]storage.Row
	reads  map[string]int
	delay  time.Duration
	err    error
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{
		reads: make(map[string]int),
		tables: map[string]map[string][]storage.Row{
			"hideout_module": {
				"regular": {
					{"id": "lav-1", "station": "lavatory", "level": int32(1), "construction_time": int32(600)},
					{"id": "work-1", "station": "workbench", "level": int32(1), "construction_time": int32(1200)},
				},
				"pve": {
					{"id": "lav-1", "station": "lavatory", "level": int32(1), "construction_time": int32(300)},
				},
			},
			"item_preset": {
				"regular": {
					{"id": "ak-default", "base_item_id": "ak", "name": "AK default"},
					{"id": "broken", "base_item_id": nil, "name": "Broken"},
				},
				"pve": {
					{"id": "ak-default", "base_item_id": "ak", "name": "AK default"},
				},
			},
			"craft": {
				"regular": {
					{"id": "c1", "station": "lavatory", "level": int32(1), "reward_item_id": "ak-default", "duration": int64(3600)},
					{"id": "c2", "station": "workbench", "level": int32(1), "reward_item_id": "ammo", "duration": int64(60)},
					{"id": "c3", "station": "workbench", "level": int32(3), "reward_item_id": "ammo", "duration": int64(60)},
				},
				"pve": {
					{"id": "c1", "station": "lavatory", "level": int32(1), "reward_item_id": "ak-default", "duration": int64(1800)},
				},
			},
		},
	}
}

func (f *fakeQuery) rows(sql string, args []any) ([]storage.Row, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for table, modes := range f.tables {
		if strings.Contains(sql, "FROM "+table+"\n") {
			f.reads[table]++
			return modes[args[0].(string)], nil
		}
	}
	return nil, errors.New("unexpected query")
}

func (f *fakeQuery) Query(ctx context.Context, sql string, args ...any) ([]storage.Row, error) {
	return f.rows(sql, args)
}

func (f *fakeQuery) BatchQuery(ctx context.Context, sql string, args []any, batchSize int, onBatch func([]storage.Row, int)) ([]storage.Row, error) {
	rows, err := f.rows(sql, args)
	if err != nil {
		return nil, err
	}
	for offset := 0; offset < len(rows); offset += batchSize {
		end := offset + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if onBatch != nil {
			onBatch(rows[offset:end], offset)
		}
	}
	return rows, nil
}

func (f *fakeQuery) readCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[table]
}

type recordingAlerter struct {
	mu   sync.Mutex
	sent []alert.Message
}

func (a *recordingAlerter) Send(ctx context.Context, msg alert.Message) error {
	a.mu.Lock()
	a.sent = append(a.sent, msg)
	a.mu.Unlock()
	return nil
}

func (a *recordingAlerter) messages() []alert.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alert.Message(nil), a.sent...)
}

type fixture struct {
	manager  *job.Manager
	query    *fakeQuery
	pub      *publish.RedisPublisher
	store    *checkout.MemoryStore
	ledger   *checkout.Ledger
	registry *scanner.Registry
	repo     *scanner.MemoryRepository
	alerter  *recordingAlerter
}

func newFixture(t *testing.T, items ...models.WorkItem) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		query:   newFakeQuery(),
		pub:     publish.NewRedisPublisher(client, publish.Config{KeyPrefix: "test"}, quietLogger()),
		store:   checkout.NewMemoryStore(items...),
		alerter: &recordingAlerter{},
	}
	f.ledger = checkout.NewLedger(f.store, checkout.Config{DefaultBatchSize: 10, MaxBatchSize: 10}, quietLogger())
	f.repo = scanner.NewMemoryRepository()
	f.registry = scanner.NewRegistry(f.repo, quietLogger())
	f.registry.SetHashCost(bcrypt.MinCost)
	require.NoError(t, f.registry.Load(context.Background()))

	f.manager = job.NewManager(job.ManagerConfig{
		Logger:          quietLogger(),
		Alerter:         f.alerter,
		OutputFreshness: time.Minute,
	})
	Register(f.manager, Deps{
		Query:           f.query,
		Publisher:       f.pub,
		Ledger:          f.ledger,
		Registry:        f.registry,
		CheckoutTimeout: time.Minute,
		BatchSize:       1,
	})
	t.Cleanup(func() { f.manager.Stop(context.Background()) })
	return f
}

func TestUpdateHideout_PublishesEveryVariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outputs, err := f.manager.RunJob(ctx, UpdateHideout, job.StartOptions{})
	require.NoError(t, err)

	regular := outputs["regular"].([]HideoutModule)
	require.Len(t, regular, 2)
	assert.Equal(t, HideoutModule{ID: "lav-1", Station: "lavatory", Level: 1, ConstructionTime: 600}, regular[0])
	assert.Len(t, outputs["pve"].([]HideoutModule), 1)

	env, err := f.pub.Get(ctx, "hideout", "pve")
	require.NoError(t, err)
	assert.Contains(t, string(env.Data), `"constructionTime":300`)
}

func TestUpdatePresets_SkipsPresetsWithoutBaseItem(t *testing.T) {
	f := newFixture(t)

	outputs, err := f.manager.RunJob(context.Background(), UpdatePresets, job.StartOptions{})
	require.NoError(t, err)

	presets := outputs["regular"].(map[string]Preset)
	assert.Len(t, presets, 1)
	assert.Contains(t, presets, "ak-default")

	status, err := f.manager.Status(UpdatePresets)
	require.NoError(t, err)
	require.NotNil(t, status.LastResult)
	found := false
	for _, m := range status.LastResult.Messages {
		if strings.Contains(m.Message, "broken") {
			found = true
		}
	}
	assert.True(t, found, "missing base item warning")
}

func TestUpdateCrafts_RunsEachDependencyOnce(t *testing.T) {
	f := newFixture(t)
	f.query.delay = 20 * time.Millisecond
	ctx := context.Background()

	outputs, err := f.manager.RunJob(ctx, UpdateCrafts, job.StartOptions{})
	require.NoError(t, err)

	// one read per variant means one run of each dependency
	assert.Equal(t, len(publish.Variants), f.query.readCount("hideout_module"))
	assert.Equal(t, len(publish.Variants), f.query.readCount("item_preset"))

	crafts := outputs["regular"].([]Craft)
	require.Len(t, crafts, 2)
	assert.Equal(t, "c1", crafts[0].ID)
	require.NotNil(t, crafts[0].RewardPreset)
	assert.Equal(t, "AK default", crafts[0].RewardPreset.Name)
	assert.Equal(t, 600, crafts[0].Module.ConstructionTime)
	assert.Nil(t, crafts[1].RewardPreset)

	pve := outputs["pve"].([]Craft)
	require.Len(t, pve, 1)
	assert.Equal(t, 300, pve[0].Module.ConstructionTime)

	status, err := f.manager.Status(UpdateCrafts)
	require.NoError(t, err)
	require.NotNil(t, status.LastResult)
	require.Len(t, status.LastResult.Summary, 1)
	assert.Contains(t, status.LastResult.Summary[0].Message, "1 regular crafts skipped")

	_, err = f.pub.Get(ctx, "crafts", "regular")
	require.NoError(t, err)

	// a second run inside the freshness window reuses the dependency outputs
	_, err = f.manager.RunJob(ctx, UpdateCrafts, job.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(publish.Variants), f.query.readCount("hideout_module"))
}

func TestUpdateCrafts_DependencyFailure(t *testing.T) {
	f := newFixture(t)
	f.query.err = errors.New("connection refused")

	_, err := f.manager.RunJob(context.Background(), UpdateCrafts, job.StartOptions{})
	require.NoError(t, err)

	status, err := f.manager.Status(UpdateCrafts)
	require.NoError(t, err)
	require.NotNil(t, status.LastResult)
	assert.Contains(t, status.LastResult.Error, "connection refused")

	_, err = f.pub.Get(context.Background(), "crafts", "regular")
	assert.Error(t, err)
}

func TestCheckScanners_ReleasesAndAlerts(t *testing.T) {
	items := make([]models.WorkItem, 6)
	for i := range items {
		items[i] = models.WorkItem{ID: string(rune('a' + i))}
	}
	f := newFixture(t, items...)
	ctx := context.Background()

	user, err := f.registry.CreateUser(ctx, "alice", "pw", models.UserFlagInsertPlayerPrices, 3)
	require.NoError(t, err)
	loud, err := f.registry.GetOrCreateScanner(ctx, user, "loud")
	require.NoError(t, err)
	fresh, err := f.registry.GetOrCreateScanner(ctx, user, "fresh")
	require.NoError(t, err)
	quiet := &models.Scanner{Name: "quiet", UserID: user.ID, Flags: models.ScannerFlagIgnoreMissingScans}
	require.NoError(t, f.repo.CreateScanner(ctx, quiet))
	require.NoError(t, f.registry.Load(ctx))

	for _, s := range []*models.Scanner{loud, quiet, fresh} {
		_, err := f.ledger.Acquire(ctx, checkout.AcquireRequest{ScannerID: s.ID, Category: models.CategoryPlayer, BatchSize: 2})
		require.NoError(t, err)
	}
	stale := time.Now().Add(-time.Hour)
	f.store.SetScannerLastScan(loud.ID, models.CategoryPlayer, stale)
	f.store.SetScannerLastScan(quiet.ID, models.CategoryPlayer, stale)

	_, err = f.manager.RunJob(ctx, CheckScanners, job.StartOptions{})
	require.NoError(t, err)

	status, err := f.manager.Status(CheckScanners)
	require.NoError(t, err)
	require.NotNil(t, status.LastResult)
	assert.Empty(t, status.LastResult.Error)

	held := map[int64]int{}
	for _, item := range f.store.Items() {
		if item.CheckoutScannerID != nil {
			held[*item.CheckoutScannerID]++
		}
	}
	assert.Equal(t, map[int64]int{fresh.ID: 2}, held)

	// quiet is released but left out of the alert
	sent := f.alerter.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, CheckScanners, sent[0].Job)
	assert.Equal(t, []string{"loud (player)"}, sent[0].Details)
}

func TestCheckScanners_NothingStale(t *testing.T) {
	f := newFixture(t)

	outputs, err := f.manager.RunJob(context.Background(), CheckScanners, job.StartOptions{})
	require.NoError(t, err)
	result := outputs[job.DefaultVariant].(*checkout.SweepResult)
	assert.Zero(t, result.Released)
	assert.Empty(t, f.alerter.messages())
}

func TestReleaseDisabledCheckouts(t *testing.T) {
	items := make([]models.WorkItem, 4)
	for i := range items {
		items[i] = models.WorkItem{ID: string(rune('a' + i))}
	}
	f := newFixture(t, items...)
	ctx := context.Background()

	user, err := f.registry.CreateUser(ctx, "bob", "pw", models.UserFlagInsertPlayerPrices|models.UserFlagInsertTraderPrices, 2)
	require.NoError(t, err)
	on, err := f.registry.GetOrCreateScanner(ctx, user, "on")
	require.NoError(t, err)
	off, err := f.registry.GetOrCreateScanner(ctx, user, "off")
	require.NoError(t, err)

	_, err = f.ledger.Acquire(ctx, checkout.AcquireRequest{ScannerID: on.ID, Category: models.CategoryPlayer, BatchSize: 2})
	require.NoError(t, err)
	_, err = f.ledger.Acquire(ctx, checkout.AcquireRequest{ScannerID: off.ID, Category: models.CategoryPlayer, BatchSize: 1})
	require.NoError(t, err)
	_, err = f.ledger.Acquire(ctx, checkout.AcquireRequest{ScannerID: off.ID, Category: models.CategoryTrader, BatchSize: 2})
	require.NoError(t, err)
	require.NoError(t, f.registry.SetScannerDisabled(ctx, off.ID, true))

	outputs, err := f.manager.RunJob(ctx, ReleaseDisabledCheckouts, job.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), outputs[job.DefaultVariant])

	for _, item := range f.store.Items() {
		if item.CheckoutScannerID != nil {
			assert.Equal(t, on.ID, *item.CheckoutScannerID)
		}
		assert.Nil(t, item.TraderCheckoutScannerID)
	}
}
