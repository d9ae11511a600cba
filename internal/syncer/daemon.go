package syncer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/athebyme/gomarket-sync/internal/domain/models"
	"github.com/athebyme/gomarket-sync/internal/marketplace"
	"github.com/athebyme/gomarket-sync/internal/telemetry"
	pkgerrors "github.com/athebyme/gomarket-sync/pkg/errors"
	"github.com/athebyme/gomarket-sync/pkg/interfaces"
)

// DaemonConfig - настройки одного демона синхронизации
type DaemonConfig struct {
	Operation          models.SyncOperation
	PageLimit          int           // размер страницы чтения каталога
	MaxPages           int           // жесткий потолок числа страниц за запуск
	BatchSize          int           // размер чанка записи в БД
	InterChunkDelay    time.Duration // пауза между чанками записи
	InterPageDelay     time.Duration // пауза между страницами
	Timeout            time.Duration // потолок времени запуска по настенным часам
	ProgressFlushEvery int           // раз в сколько элементов сбрасывать прогресс в БД
	RunLockTTL         time.Duration // срок действия распределенной блокировки запуска
}

// Daemon - долгоживущий процесс синхронизации одного аккаунта.
// Постранично вычитывает каталог маркетплейса, отображает страницы в локальную
// схему и идемпотентно сохраняет их, ведя персистентную запись о ходе запуска.
// Машина состояний запуска: pending -> running -> {completed | failed | timeout}.
type Daemon struct {
	source   CatalogSource
	store    EntityStore
	cache    interfaces.CachePort
	events   *EventPublisher
	logger   interfaces.LoggerPort
	cfg      DaemonConfig
	shutdown *atomic.Bool // выставляется обработчиком сигналов процесса
}

// NewDaemon создает демон синхронизации для одного аккаунта.
// cache может быть nil: тогда блокировка запуска обеспечивается только
// проверкой активного запуска в БД, а чекпоинты страниц не ведутся.
func NewDaemon(
	source CatalogSource,
	store EntityStore,
	cache interfaces.CachePort,
	events *EventPublisher,
	logger interfaces.LoggerPort,
	shutdown *atomic.Bool,
	cfg DaemonConfig,
) *Daemon {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 500
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultChunkSize
	}
	if cfg.ProgressFlushEvery <= 0 {
		cfg.ProgressFlushEvery = 100
	}
	if cfg.RunLockTTL <= 0 {
		cfg.RunLockTTL = time.Hour
	}
	if cfg.Operation == "" {
		cfg.Operation = models.SyncOperationProducts
	}

	return &Daemon{
		source:   source,
		store:    store,
		cache:    cache,
		events:   events,
		logger:   logger.WithAccount(source.Account()),
		cfg:      cfg,
		shutdown: shutdown,
	}
}

// Account возвращает метку аккаунта демона
func (d *Daemon) Account() string {
	return d.source.Account()
}

// lockKey возвращает ключ распределенной блокировки запуска
func (d *Daemon) lockKey() string {
	return fmt.Sprintf("sync:lock:%s:%s", d.source.Account(), d.cfg.Operation)
}

// checkpointKey возвращает ключ чекпоинта последней обработанной страницы
func (d *Daemon) checkpointKey() string {
	return fmt.Sprintf("sync:checkpoint:%s:%s", d.source.Account(), d.cfg.Operation)
}

// Run выполняет один полный запуск синхронизации.
// Возвращает финализированную запись запуска; ошибка означает, что запуск
// не удалось даже начать (блокировка занята, БД недоступна и т.п.).
func (d *Daemon) Run(ctx context.Context) (*models.SyncRun, error) {
	account := d.source.Account()

	if d.cache != nil {
		locked, err := d.cache.Lock(ctx, d.lockKey(), d.cfg.RunLockTTL)
		if err != nil {
			return nil, fmt.Errorf("не удалось получить блокировку запуска: %w", err)
		}
		if !locked {
			return nil, pkgerrors.ErrSyncAlreadyRunning
		}
		defer func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.cache.Unlock(unlockCtx, d.lockKey()); err != nil {
				d.logger.Warn("Не удалось освободить блокировку запуска",
					interfaces.LogField{Key: "error", Value: err.Error()})
			}
		}()
	}

	existing, err := d.store.GetRunningSyncRun(ctx, account, d.cfg.Operation)
	if err != nil {
		return nil, fmt.Errorf("не удалось проверить активный запуск: %w", err)
	}
	if existing != nil {
		return nil, pkgerrors.ErrSyncAlreadyRunning
	}

	run := &models.SyncRun{
		ID:        uuid.New().String(),
		Account:   account,
		Operation: d.cfg.Operation,
		Status:    models.SyncStatusPending,
		Metadata:  make(map[string]interface{}),
		StartedAt: time.Now().UTC(),
	}
	if err := d.store.CreateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("не удалось создать запись запуска: %w", err)
	}
	d.setStatusGauge(run)

	run.Status = models.SyncStatusRunning
	d.flushProgress(ctx, run)
	d.setStatusGauge(run)
	d.events.PublishRunEvent(ctx, EventSyncStarted, run)

	d.logger.InfoWithContext(ctx, "Запуск синхронизации",
		interfaces.LogField{Key: "run_id", Value: run.ID},
		interfaces.LogField{Key: "operation", Value: string(d.cfg.Operation)},
	)

	return d.pageLoop(ctx, run)
}

// pageLoop - основной цикл постраничной синхронизации.
// Флаг завершения и потолок времени проверяются на границах страниц:
// начатая страница дорабатывается, новая не начинается.
func (d *Daemon) pageLoop(ctx context.Context, run *models.SyncRun) (*models.SyncRun, error) {
	start := time.Now()
	page := d.resumePage(ctx, run)
	lastFlushed := 0

	for {
		if d.shutdown != nil && d.shutdown.Load() {
			return d.finalize(ctx, run, models.SyncStatusFailed, "shutdown requested")
		}
		if ctx.Err() != nil {
			return d.finalize(ctx, run, models.SyncStatusFailed, "context cancelled")
		}
		if d.cfg.Timeout > 0 && time.Since(start) >= d.cfg.Timeout {
			return d.finalize(ctx, run, models.SyncStatusTimeout,
				fmt.Sprintf("превышен потолок времени %s", d.cfg.Timeout))
		}
		// Потолок страниц - предохранитель от бесконечной пагинации,
		// его достижение не является ошибкой
		if run.PagesProcessed >= d.cfg.MaxPages {
			return d.finalize(ctx, run, models.SyncStatusCompleted, "max pages reached")
		}

		pageData, err := d.source.ReadPage(ctx, kindForOperation(d.cfg.Operation), page, d.cfg.PageLimit)
		if err != nil {
			run.AddError(err.Error())
			return d.finalize(ctx, run, models.SyncStatusFailed,
				fmt.Sprintf("не удалось прочитать страницу %d", page))
		}

		if pageData.Empty() {
			return d.finalize(ctx, run, models.SyncStatusCompleted, "")
		}

		entities := d.mapPage(pageData)
		d.persistPage(ctx, run, entities)
		run.PagesProcessed++
		d.saveCheckpoint(ctx, page)

		if run.TotalProcessed-lastFlushed >= d.cfg.ProgressFlushEvery {
			d.flushProgress(ctx, run)
			lastFlushed = run.TotalProcessed
		}

		page++

		if d.cfg.InterPageDelay > 0 {
			timer := time.NewTimer(d.cfg.InterPageDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return d.finalize(ctx, run, models.SyncStatusFailed, "context cancelled")
			case <-timer.C:
			}
		}
	}
}

// resumePage возвращает страницу, с которой начинать: после чекпоинта,
// оставленного прерванным запуском, либо с первой
func (d *Daemon) resumePage(ctx context.Context, run *models.SyncRun) int {
	if d.cache == nil {
		return 1
	}

	data, err := d.cache.Get(ctx, d.checkpointKey())
	if err != nil || len(data) == 0 {
		return 1
	}

	last, err := strconv.Atoi(string(data))
	if err != nil || last < 1 {
		return 1
	}

	run.Metadata["resumed_from_page"] = last + 1
	d.logger.InfoWithContext(ctx, "Продолжение с чекпоинта",
		interfaces.LogField{Key: "page", Value: last + 1})
	return last + 1
}

// saveCheckpoint сохраняет номер последней полностью сохраненной страницы
func (d *Daemon) saveCheckpoint(ctx context.Context, page int) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Set(ctx, d.checkpointKey(), []byte(strconv.Itoa(page)), d.cfg.RunLockTTL); err != nil {
		d.logger.WarnWithContext(ctx, "Не удалось сохранить чекпоинт",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// clearCheckpoint удаляет чекпоинт после успешного завершения запуска
func (d *Daemon) clearCheckpoint(ctx context.Context) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Delete(ctx, d.checkpointKey()); err != nil {
		d.logger.WarnWithContext(ctx, "Не удалось удалить чекпоинт",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// mapPage отображает страницу каталога в локальные сущности
func (d *Daemon) mapPage(page *marketplace.CatalogPage) []models.RemoteEntity {
	kind := kindForOperation(d.cfg.Operation)
	account := d.source.Account()
	now := time.Now().UTC()

	entities := make([]models.RemoteEntity, 0, len(page.Items))
	for i, item := range page.Items {
		entities = append(entities, item.ToEntity(kind, account, page.RawItems[i], now))
	}
	return entities
}

// persistPage идемпотентно сохраняет сущности страницы чанками.
// Сбой записи элемента повторяется один раз; повторный сбой считается
// ошибкой элемента и пропускается, не фатален для запуска.
func (d *Daemon) persistPage(ctx context.Context, run *models.SyncRun, entities []models.RemoteEntity) {
	op := func(ctx context.Context, chunk []models.RemoteEntity) error {
		for i := range chunk {
			created, err := d.store.UpsertEntity(ctx, &chunk[i])
			if err != nil {
				created, err = d.store.UpsertEntity(ctx, &chunk[i])
			}

			run.TotalProcessed++
			if err != nil {
				run.Failed++
				run.AddError(fmt.Sprintf("entity %s: %v", chunk[i].ExternalID, err))
				telemetry.ItemsProcessed.WithLabelValues(run.Account, string(run.Operation), "failed").Inc()
				continue
			}

			if created {
				run.Created++
			} else {
				run.Updated++
			}
			telemetry.ItemsProcessed.WithLabelValues(run.Account, string(run.Operation), "ok").Inc()
		}
		return nil
	}

	opts := BulkOptions{ChunkSize: d.cfg.BatchSize, InterChunkDelay: d.cfg.InterChunkDelay}
	if _, err := RunBulk(ctx, entities, opts, op, nil); err != nil {
		// Отмена контекста между чанками; оставшиеся элементы подберет
		// следующий запуск с чекпоинта
		d.logger.WarnWithContext(ctx, "Запись страницы прервана",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// flushProgress сбрасывает текущие счетчики запуска в БД.
// Сбой сброса не фатален: прогресс догонит следующий сброс.
func (d *Daemon) flushProgress(ctx context.Context, run *models.SyncRun) {
	if err := d.store.UpdateSyncRun(ctx, run); err != nil {
		d.logger.WarnWithContext(ctx, "Не удалось сохранить прогресс запуска",
			interfaces.LogField{Key: "run_id", Value: run.ID},
			interfaces.LogField{Key: "error", Value: err.Error()},
		)
	}
}

// finalize переводит запуск в конечный статус и публикует событие.
// Переживает отмененный контекст: финализация при выключении процесса
// идет с собственным таймаутом.
func (d *Daemon) finalize(ctx context.Context, run *models.SyncRun, status models.SyncStatus, message string) (*models.SyncRun, error) {
	run.Status = status
	if message != "" {
		if run.Metadata == nil {
			run.Metadata = make(map[string]interface{})
		}
		run.Metadata["message"] = message
	}

	fctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err := d.store.FinalizeSyncRun(fctx, run); err != nil {
		d.logger.Error("Не удалось финализировать запуск",
			interfaces.LogField{Key: "run_id", Value: run.ID},
			interfaces.LogField{Key: "error", Value: err.Error()},
		)
		return run, err
	}

	d.setStatusGauge(run)

	eventType := EventSyncFailed
	if status == models.SyncStatusCompleted {
		eventType = EventSyncCompleted
		telemetry.LastSuccessTimestamp.WithLabelValues(run.Account, string(run.Operation)).SetToCurrentTime()
		d.clearCheckpoint(fctx)
	}
	d.events.PublishRunEvent(fctx, eventType, run)

	d.logger.InfoWithContext(fctx, "Запуск синхронизации финализирован",
		interfaces.LogField{Key: "run_id", Value: run.ID},
		interfaces.LogField{Key: "status", Value: string(status)},
		interfaces.LogField{Key: "pages", Value: run.PagesProcessed},
		interfaces.LogField{Key: "processed", Value: run.TotalProcessed},
		interfaces.LogField{Key: "failed", Value: run.Failed},
		interfaces.LogField{Key: "message", Value: message},
	)

	return run, nil
}

// setStatusGauge обновляет гейдж текущего статуса запуска
func (d *Daemon) setStatusGauge(run *models.SyncRun) {
	telemetry.RunStatus.WithLabelValues(run.Account, string(run.Operation)).
		Set(telemetry.RunStatusValue(run.Status))
}

// kindForOperation сопоставляет операцию синхронизации типу сущности
func kindForOperation(op models.SyncOperation) models.EntityKind {
	switch op {
	case models.SyncOperationOffers:
		return models.EntityKindOffer
	case models.SyncOperationOrders:
		return models.EntityKindOrder
	default:
		return models.EntityKindProduct
	}
}

// MultiSummary - итог параллельной синхронизации нескольких аккаунтов
type MultiSummary struct {
	Runs   map[string]*models.SyncRun // финализированные запуски по аккаунтам
	Errors map[string]string          // аккаунты, чьи запуски не удалось начать
}

// RunAll запускает по одному демону на аккаунт параллельно и собирает сводку.
// Сбой одного аккаунта не прерывает остальные.
func RunAll(ctx context.Context, daemons []*Daemon, logger interfaces.LoggerPort) *MultiSummary {
	summary := &MultiSummary{
		Runs:   make(map[string]*models.SyncRun),
		Errors: make(map[string]string),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, daemon := range daemons {
		wg.Add(1)
		go func(d *Daemon) {
			defer wg.Done()

			run, err := d.Run(ctx)
			mu.Lock()
			defer mu.Unlock()

			if run != nil {
				summary.Runs[d.Account()] = run
			}
			if err != nil {
				summary.Errors[d.Account()] = err.Error()
				logger.Error("Синхронизация аккаунта не удалась",
					interfaces.LogField{Key: "account", Value: d.Account()},
					interfaces.LogField{Key: "error", Value: err.Error()},
				)
			}
		}(daemon)
	}

	wg.Wait()
	return summary
}
