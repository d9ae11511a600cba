package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athebyme/gomarket-sync/internal/domain/models"
	"github.com/athebyme/gomarket-sync/internal/marketplace"
	pkgerrors "github.com/athebyme/gomarket-sync/pkg/errors"
	"github.com/athebyme/gomarket-sync/pkg/interfaces"
)

// nopLogger - заглушка логгера для тестов
type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...interface{})                                 {}
func (nopLogger) Info(msg string, args ...interface{})                                  {}
func (nopLogger) Warn(msg string, args ...interface{})                                  {}
func (nopLogger) Error(msg string, args ...interface{})                                 {}
func (nopLogger) Fatal(msg string, args ...interface{})                                 {}
func (nopLogger) DebugWithContext(ctx context.Context, msg string, args ...interface{}) {}
func (nopLogger) InfoWithContext(ctx context.Context, msg string, args ...interface{})  {}
func (nopLogger) WarnWithContext(ctx context.Context, msg string, args ...interface{})  {}
func (nopLogger) ErrorWithContext(ctx context.Context, msg string, args ...interface{}) {}
func (n nopLogger) WithFields(fields ...interfaces.LogField) interfaces.LoggerPort      { return n }
func (n nopLogger) WithField(key string, value interface{}) interfaces.LoggerPort       { return n }
func (n nopLogger) WithAccount(account string) interfaces.LoggerPort                    { return n }
func (n nopLogger) WithRunID(runID string) interfaces.LoggerPort                        { return n }
func (nopLogger) Sync() error                                                           { return nil }

// fakeSource - постраничный источник каталога с заранее заданными страницами
type fakeSource struct {
	account  string
	pages    []*marketplace.CatalogPage
	failPage int            // страница, чтение которой падает
	onRead   func(page int) // вызывается перед отдачей страницы
	reads    int
}

func (f *fakeSource) Account() string { return f.account }

func (f *fakeSource) ReadPage(ctx context.Context, kind models.EntityKind, page, limit int) (*marketplace.CatalogPage, error) {
	f.reads++
	if f.onRead != nil {
		f.onRead(page)
	}
	if f.failPage != 0 && page == f.failPage {
		return nil, errors.New("marketplace unavailable")
	}
	if page-1 < len(f.pages) {
		return f.pages[page-1], nil
	}
	return &marketplace.CatalogPage{CurrentPage: page}, nil
}

// makePage собирает страницу каталога из n позиций с идентификаторами от startID
func makePage(startID int64, n int) *marketplace.CatalogPage {
	page := &marketplace.CatalogPage{}
	for i := 0; i < n; i++ {
		id := startID + int64(i)
		item := marketplace.CatalogItem{
			ID:       id,
			SKU:      fmt.Sprintf("SKU-%d", id),
			Name:     fmt.Sprintf("Товар %d", id),
			Price:    100,
			Currency: "RUB",
			Stock:    5,
		}
		raw, _ := json.Marshal(item)
		page.Items = append(page.Items, item)
		page.RawItems = append(page.RawItems, raw)
	}
	return page
}

// fakeStore - хранилище в памяти с управляемыми сбоями записи
type fakeStore struct {
	mu       sync.Mutex
	entities map[string]models.RemoteEntity
	runs     map[string]models.SyncRun
	failures map[string]int // external_id -> сколько раз упасть
	running  *models.SyncRun
	updates  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities: make(map[string]models.RemoteEntity),
		runs:     make(map[string]models.SyncRun),
		failures: make(map[string]int),
	}
}

func (f *fakeStore) UpsertEntity(ctx context.Context, entity *models.RemoteEntity) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if left := f.failures[entity.ExternalID]; left > 0 {
		f.failures[entity.ExternalID] = left - 1
		return false, errors.New("insert failed")
	}

	key := entity.ExternalID + "|" + entity.Account
	_, exists := f.entities[key]
	f.entities[key] = *entity
	return !exists, nil
}

func (f *fakeStore) UpsertEntities(ctx context.Context, entities []models.RemoteEntity) (int, int, error) {
	var created, updated int
	for i := range entities {
		c, err := f.UpsertEntity(ctx, &entities[i])
		if err != nil {
			return created, updated, err
		}
		if c {
			created++
		} else {
			updated++
		}
	}
	return created, updated, nil
}

func (f *fakeStore) ListEntities(ctx context.Context, account string, kind models.EntityKind) ([]models.RemoteEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.RemoteEntity
	for _, e := range f.entities {
		if e.Account == account && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = *run
	return nil
}

func (f *fakeStore) UpdateSyncRun(ctx context.Context, run *models.SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	f.runs[run.ID] = *run
	return nil
}

func (f *fakeStore) FinalizeSyncRun(ctx context.Context, run *models.SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if stored, ok := f.runs[run.ID]; ok && stored.IsTerminal() {
		// Финализация идемпотентна: конечный статус не перезаписывается
		return nil
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	f.runs[run.ID] = *run
	return nil
}

func (f *fakeStore) GetRunningSyncRun(ctx context.Context, account string, operation models.SyncOperation) (*models.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeStore) GetLatestSyncRun(ctx context.Context, account string) (*models.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var latest *models.SyncRun
	for id := range f.runs {
		run := f.runs[id]
		if run.Account != account {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = &run
		}
	}
	return latest, nil
}

// fakeCache - кэш в памяти с блокировками
type fakeCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	locks  map[string]bool
	denied bool // Lock всегда отвечает отказом
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		data:  make(map[string][]byte),
		locks: make(map[string]bool),
	}
}

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, pkgerrors.ErrCacheMiss
	}
	return v, nil
}

func (f *fakeCache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeCache) Lock(ctx context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied || f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	return true, nil
}

func (f *fakeCache) Unlock(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, key)
	return nil
}

func (f *fakeCache) Close() error { return nil }

func testDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Operation:          models.SyncOperationProducts,
		PageLimit:          2,
		MaxPages:           10,
		BatchSize:          50,
		ProgressFlushEvery: 2,
		RunLockTTL:         time.Minute,
	}
}

func newTestDaemon(source *fakeSource, store *fakeStore, cache interfaces.CachePort, shutdown *atomic.Bool, cfg DaemonConfig) *Daemon {
	return NewDaemon(source, store, cache, nil, nopLogger{}, shutdown, cfg)
}

func TestDaemonRunCompletesOnEmptyPage(t *testing.T) {
	source := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{
		makePage(1, 2),
		makePage(3, 2),
	}}
	store := newFakeStore()

	daemon := newTestDaemon(source, store, nil, nil, testDaemonConfig())
	run, err := daemon.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusCompleted, run.Status)
	assert.Equal(t, 2, run.PagesProcessed)
	assert.Equal(t, 4, run.TotalProcessed)
	assert.Equal(t, 4, run.Created)
	assert.Equal(t, 0, run.Failed)
	assert.Len(t, store.entities, 4)
}

func TestDaemonRunEmptyCatalog(t *testing.T) {
	source := &fakeSource{account: "main"}
	store := newFakeStore()

	daemon := newTestDaemon(source, store, nil, nil, testDaemonConfig())
	run, err := daemon.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusCompleted, run.Status)
	assert.Equal(t, 0, run.PagesProcessed)
	assert.Equal(t, 0, run.TotalProcessed)
}

func TestDaemonRunIsIdempotent(t *testing.T) {
	pages := []*marketplace.CatalogPage{makePage(1, 3)}
	store := newFakeStore()
	cfg := testDaemonConfig()
	cfg.PageLimit = 3

	first, err := newTestDaemon(&fakeSource{account: "main", pages: pages}, store, nil, nil, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Created)
	assert.Equal(t, 0, first.Updated)

	// Повторная синхронизация тех же данных сходится к обновлениям
	second, err := newTestDaemon(&fakeSource{account: "main", pages: pages}, store, nil, nil, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 3, second.Updated)
	assert.Len(t, store.entities, 3)
}

func TestDaemonStopsAtMaxPages(t *testing.T) {
	source := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{
		makePage(1, 2), makePage(3, 2), makePage(5, 2), makePage(7, 2), makePage(9, 2),
	}}
	store := newFakeStore()

	cfg := testDaemonConfig()
	cfg.MaxPages = 3

	daemon := newTestDaemon(source, store, nil, nil, cfg)
	run, err := daemon.Run(context.Background())
	require.NoError(t, err)

	// Потолок страниц - штатное завершение с пометкой, а не ошибка
	assert.Equal(t, models.SyncStatusCompleted, run.Status)
	assert.Equal(t, 3, run.PagesProcessed)
	assert.Equal(t, 6, run.TotalProcessed)
	assert.Equal(t, "max pages reached", run.Metadata["message"])
}

func TestDaemonShutdownFlagFailsRun(t *testing.T) {
	var shutdown atomic.Bool
	source := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{
		makePage(1, 2), makePage(3, 2), makePage(5, 2),
	}}
	// Флаг взводится после чтения первой страницы: она дорабатывается,
	// вторая не начинается
	source.onRead = func(page int) {
		if page == 1 {
			shutdown.Store(true)
		}
	}
	store := newFakeStore()

	daemon := newTestDaemon(source, store, nil, &shutdown, testDaemonConfig())
	run, err := daemon.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusFailed, run.Status)
	assert.Equal(t, 1, run.PagesProcessed)
	assert.Equal(t, 2, run.TotalProcessed)
	assert.Equal(t, "shutdown requested", run.Metadata["message"])
}

func TestDaemonTimeoutCeiling(t *testing.T) {
	source := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{makePage(1, 2)}}
	store := newFakeStore()

	cfg := testDaemonConfig()
	cfg.Timeout = time.Nanosecond

	daemon := newTestDaemon(source, store, nil, nil, cfg)
	run, err := daemon.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusTimeout, run.Status)
	assert.Equal(t, 0, run.PagesProcessed)
}

func TestDaemonReadFailureFailsRun(t *testing.T) {
	source := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{
		makePage(1, 2), makePage(3, 2),
	}, failPage: 2}
	store := newFakeStore()

	daemon := newTestDaemon(source, store, nil, nil, testDaemonConfig())
	run, err := daemon.Run(context.Background())
	require.NoError(t, err)

	// Первая страница сохранена, сбой второй финализирует запуск как failed
	assert.Equal(t, models.SyncStatusFailed, run.Status)
	assert.Equal(t, 1, run.PagesProcessed)
	assert.Equal(t, 2, run.TotalProcessed)
	require.NotEmpty(t, run.Errors)
	assert.Contains(t, run.Errors[0], "marketplace unavailable")
}

func TestDaemonRetriesItemOnceThenSucceeds(t *testing.T) {
	source := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{makePage(1, 3)}}
	store := newFakeStore()
	store.failures["2"] = 1 // первый вызов падает, повтор проходит

	daemon := newTestDaemon(source, store, nil, nil, testDaemonConfig())
	run, err := daemon.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusCompleted, run.Status)
	assert.Equal(t, 3, run.TotalProcessed)
	assert.Equal(t, 0, run.Failed)
	assert.Len(t, store.entities, 3)
}

func TestDaemonItemFailureIsNotFatal(t *testing.T) {
	source := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{makePage(1, 3)}}
	store := newFakeStore()
	store.failures["2"] = 2 // падает и исходный вызов, и повтор

	daemon := newTestDaemon(source, store, nil, nil, testDaemonConfig())
	run, err := daemon.Run(context.Background())
	require.NoError(t, err)

	// Невосстановимый элемент учитывается и пропускается, запуск завершается
	assert.Equal(t, models.SyncStatusCompleted, run.Status)
	assert.Equal(t, 3, run.TotalProcessed)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 2, run.Created)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0], "entity 2")
}

func TestDaemonRejectsSecondRunWhileRunning(t *testing.T) {
	store := newFakeStore()
	store.running = &models.SyncRun{ID: "busy", Status: models.SyncStatusRunning}

	daemon := newTestDaemon(&fakeSource{account: "main"}, store, nil, nil, testDaemonConfig())
	_, err := daemon.Run(context.Background())
	assert.ErrorIs(t, err, pkgerrors.ErrSyncAlreadyRunning)
}

func TestDaemonRejectsRunWhenLockDenied(t *testing.T) {
	cache := newFakeCache()
	cache.denied = true

	daemon := newTestDaemon(&fakeSource{account: "main"}, newFakeStore(), cache, nil, testDaemonConfig())
	_, err := daemon.Run(context.Background())
	assert.ErrorIs(t, err, pkgerrors.ErrSyncAlreadyRunning)
}

func TestDaemonReleasesLockAfterRun(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore()
	source := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{makePage(1, 2)}}

	daemon := newTestDaemon(source, store, cache, nil, testDaemonConfig())
	run, err := daemon.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, run.Status)

	// Блокировка снята, следующий запуск возможен
	source2 := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{makePage(1, 2)}}
	_, err = newTestDaemon(source2, store, cache, nil, testDaemonConfig()).Run(context.Background())
	assert.NoError(t, err)
}

func TestDaemonResumesFromCheckpoint(t *testing.T) {
	cache := newFakeCache()
	// Прерванный запуск оставил чекпоинт на второй странице
	require.NoError(t, cache.Set(context.Background(), "sync:checkpoint:main:products", []byte("2"), time.Minute))

	source := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{
		makePage(1, 2), makePage(3, 2), makePage(5, 2),
	}}
	store := newFakeStore()

	daemon := newTestDaemon(source, store, cache, nil, testDaemonConfig())
	run, err := daemon.Run(context.Background())
	require.NoError(t, err)

	// Первые две страницы пропущены, обработана только третья
	assert.Equal(t, models.SyncStatusCompleted, run.Status)
	assert.Equal(t, 1, run.PagesProcessed)
	assert.Equal(t, 2, run.TotalProcessed)
	assert.Equal(t, 3, run.Metadata["resumed_from_page"])

	// Успешное завершение стирает чекпоинт
	_, err = cache.Get(context.Background(), "sync:checkpoint:main:products")
	assert.ErrorIs(t, err, pkgerrors.ErrCacheMiss)
}

func TestDaemonFlushesProgressPeriodically(t *testing.T) {
	source := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{
		makePage(1, 2), makePage(3, 2), makePage(5, 2),
	}}
	store := newFakeStore()

	cfg := testDaemonConfig()
	cfg.ProgressFlushEvery = 2

	daemon := newTestDaemon(source, store, nil, nil, cfg)
	run, err := daemon.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, run.TotalProcessed)

	// Один сброс при переходе в running плюс по одному после каждой страницы
	assert.Equal(t, 4, store.updates)
}

func TestRunAllSyncsAccountsConcurrently(t *testing.T) {
	store := newFakeStore()

	daemons := []*Daemon{
		newTestDaemon(&fakeSource{account: "main", pages: []*marketplace.CatalogPage{makePage(1, 2)}}, store, nil, nil, testDaemonConfig()),
		newTestDaemon(&fakeSource{account: "fbe", pages: []*marketplace.CatalogPage{makePage(1, 2)}}, store, nil, nil, testDaemonConfig()),
	}

	summary := RunAll(context.Background(), daemons, nopLogger{})

	require.Len(t, summary.Runs, 2)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, models.SyncStatusCompleted, summary.Runs["main"].Status)
	assert.Equal(t, models.SyncStatusCompleted, summary.Runs["fbe"].Status)
	// Одинаковые external_id разных аккаунтов не перетирают друг друга
	assert.Len(t, store.entities, 4)
}

func TestRunAllIsolatesFailures(t *testing.T) {
	store := newFakeStore()
	cache := newFakeCache()
	cache.denied = true

	healthy := newTestDaemon(&fakeSource{account: "main", pages: []*marketplace.CatalogPage{makePage(1, 2)}}, store, nil, nil, testDaemonConfig())
	blocked := newTestDaemon(&fakeSource{account: "fbe"}, store, cache, nil, testDaemonConfig())

	summary := RunAll(context.Background(), []*Daemon{healthy, blocked}, nopLogger{})

	// Сбой одного аккаунта не мешает другому
	require.Contains(t, summary.Runs, "main")
	assert.Equal(t, models.SyncStatusCompleted, summary.Runs["main"].Status)
	assert.Contains(t, summary.Errors, "fbe")
}
