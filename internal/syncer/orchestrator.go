package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/athebyme/gomarket-sync/internal/domain/models"
	pkgerrors "github.com/athebyme/gomarket-sync/pkg/errors"
	"github.com/athebyme/gomarket-sync/pkg/interfaces"
)

// ProgressStatus - статус события прогресса интерактивной синхронизации
type ProgressStatus string

const (
	ProgressStarted    ProgressStatus = "started"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressError      ProgressStatus = "error"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
)

// ProgressEvent - событие прогресса, передаваемое вызывающему по ходу
// интерактивной синхронизации
type ProgressEvent struct {
	Status    ProgressStatus `json:"status"`
	Account   string         `json:"account"`
	Page      int            `json:"page"`
	Processed int            `json:"processed"`
	Errors    int            `json:"errors"`
	Percent   float64        `json:"percent"`
	Message   string         `json:"message,omitempty"`
}

// ProgressFunc получает события прогресса. Вызывается синхронно
// из горутины синхронизации.
type ProgressFunc func(event ProgressEvent)

// TaskInfo - видимое снаружи описание фоновой задачи
type TaskInfo struct {
	ID        string    `json:"id"`
	Interval  string    `json:"interval"`
	StartedAt time.Time `json:"started_at"`
	Cycles    int       `json:"cycles"`
}

// task - фоновая задача периодической синхронизации
type task struct {
	id        string
	interval  time.Duration
	startedAt time.Time
	cycles    int
	cancel    context.CancelFunc
	done      chan struct{}
}

// Orchestrator управляет демонами всех аккаунтов: запускает циклы
// синхронизации, сверяет каталоги между аккаунтами и ведет реестр
// фоновых задач. Реестр принадлежит оркестратору, а не пакету:
// несколько оркестраторов в одном процессе не мешают друг другу.
type Orchestrator struct {
	daemons    []*Daemon
	sources    map[string]CatalogSource
	store      EntityStore
	reconciler *Reconciler
	events     *EventPublisher
	messaging  interfaces.MessagingPort
	logger     interfaces.LoggerPort

	pageLimit int
	maxPages  int
	batchSize int
	kind      models.EntityKind

	mu    sync.Mutex
	tasks map[string]*task
}

// OrchestratorOptions - настройки оркестратора
type OrchestratorOptions struct {
	PageLimit int
	MaxPages  int
	BatchSize int
	Kind      models.EntityKind
}

// NewOrchestrator создает оркестратор над набором демонов.
// messaging может быть nil, тогда подписка на команды недоступна.
func NewOrchestrator(
	daemons []*Daemon,
	store EntityStore,
	reconciler *Reconciler,
	events *EventPublisher,
	messaging interfaces.MessagingPort,
	logger interfaces.LoggerPort,
	opts OrchestratorOptions,
) *Orchestrator {
	if opts.PageLimit <= 0 {
		opts.PageLimit = 100
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 500
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultChunkSize
	}
	if opts.Kind == "" {
		opts.Kind = models.EntityKindProduct
	}

	sources := make(map[string]CatalogSource, len(daemons))
	for _, d := range daemons {
		sources[d.Account()] = d.source
	}

	return &Orchestrator{
		daemons:    daemons,
		sources:    sources,
		store:      store,
		reconciler: reconciler,
		events:     events,
		messaging:  messaging,
		logger:     logger,
		pageLimit:  opts.PageLimit,
		maxPages:   opts.MaxPages,
		batchSize:  opts.BatchSize,
		kind:       opts.Kind,
		tasks:      make(map[string]*task),
	}
}

// Accounts возвращает метки аккаунтов под управлением оркестратора
func (o *Orchestrator) Accounts() []string {
	accounts := make([]string, 0, len(o.sources))
	for account := range o.sources {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	return accounts
}

// RunCycle выполняет один полный цикл: параллельная синхронизация всех
// аккаунтов, затем сверка их каталогов. Сбой отдельного аккаунта не
// прерывает цикл, сбой сверки - не прерывает следующий цикл.
func (o *Orchestrator) RunCycle(ctx context.Context) (*MultiSummary, error) {
	summary := RunAll(ctx, o.daemons, o.logger)

	if err := o.reconcileAll(ctx); err != nil {
		o.logger.ErrorWithContext(ctx, "Сверка каталогов не удалась",
			interfaces.LogField{Key: "error", Value: err.Error()})
		return summary, err
	}

	return summary, nil
}

// reconcileAll сверяет сохраненные каталоги всех аккаунтов и публикует
// найденные группы дубликатов
func (o *Orchestrator) reconcileAll(ctx context.Context) error {
	snapshots := make([]models.AccountSnapshot, 0, len(o.sources))
	for _, account := range o.Accounts() {
		entities, err := o.store.ListEntities(ctx, account, o.kind)
		if err != nil {
			return fmt.Errorf("не удалось прочитать каталог аккаунта %s: %w", account, err)
		}
		snapshots = append(snapshots, models.AccountSnapshot{
			Account:  account,
			Entities: entities,
		})
	}

	report := o.reconciler.Combine(snapshots)
	actionable := o.reconciler.ActionableGroups(report)

	o.logger.InfoWithContext(ctx, "Сверка каталогов завершена",
		interfaces.LogField{Key: "unique", Value: report.UniqueCount},
		interfaces.LogField{Key: "duplicates", Value: report.DuplicateCount},
		interfaces.LogField{Key: "actionable", Value: len(actionable)},
	)

	o.events.PublishDuplicates(ctx, EventDuplicatesFound, actionable)
	return nil
}

// StartAuto запускает фоновую периодическую синхронизацию и возвращает
// идентификатор задачи. Первый цикл выполняется сразу, не дожидаясь тика.
func (o *Orchestrator) StartAuto(interval time.Duration) string {
	ctx, cancel := context.WithCancel(context.Background())

	t := &task{
		id:        uuid.New().String(),
		interval:  interval,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	o.tasks[t.id] = t
	o.mu.Unlock()

	go o.autoLoop(ctx, t)

	o.logger.Info("Запущена периодическая синхронизация",
		interfaces.LogField{Key: "task_id", Value: t.id},
		interfaces.LogField{Key: "interval", Value: interval.String()},
	)
	return t.id
}

// autoLoop - цикл фоновой задачи. Сбой цикла логируется,
// следующий тик выполняется как обычно.
func (o *Orchestrator) autoLoop(ctx context.Context, t *task) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if _, err := o.RunCycle(ctx); err != nil {
			o.logger.Error("Цикл синхронизации завершился с ошибкой",
				interfaces.LogField{Key: "task_id", Value: t.id},
				interfaces.LogField{Key: "error", Value: err.Error()},
			)
		}

		o.mu.Lock()
		t.cycles++
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StopAuto останавливает фоновую задачу и дожидается завершения текущего
// цикла. Возвращает false, если задача с таким идентификатором не найдена.
func (o *Orchestrator) StopAuto(taskID string) bool {
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	if ok {
		delete(o.tasks, taskID)
	}
	o.mu.Unlock()

	if !ok {
		return false
	}

	t.cancel()
	<-t.done

	o.logger.Info("Периодическая синхронизация остановлена",
		interfaces.LogField{Key: "task_id", Value: taskID})
	return true
}

// StopAll останавливает все фоновые задачи. Используется при выключении процесса.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.tasks))
	for id := range o.tasks {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.StopAuto(id)
	}
}

// ListTasks возвращает описания активных фоновых задач
func (o *Orchestrator) ListTasks() []TaskInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	infos := make([]TaskInfo, 0, len(o.tasks))
	for _, t := range o.tasks {
		infos = append(infos, TaskInfo{
			ID:        t.id,
			Interval:  t.interval.String(),
			StartedAt: t.startedAt,
			Cycles:    t.cycles,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}

// SyncWithProgress выполняет интерактивную синхронизацию одного аккаунта,
// сообщая о ходе через callback. Отмена контекста проверяется на границах
// страниц: начатая страница дорабатывается целиком.
func (o *Orchestrator) SyncWithProgress(ctx context.Context, account string, maxPages int, callback ProgressFunc) error {
	source, ok := o.sources[account]
	if !ok {
		return fmt.Errorf("%w: %s", pkgerrors.ErrTaskNotFound, account)
	}
	if maxPages <= 0 {
		maxPages = o.maxPages
	}
	if callback == nil {
		callback = func(ProgressEvent) {}
	}

	callback(ProgressEvent{Status: ProgressStarted, Account: account})

	processed := 0
	failed := 0
	now := time.Now().UTC()

	for page := 1; page <= maxPages; page++ {
		if ctx.Err() != nil {
			callback(ProgressEvent{
				Status: ProgressFailed, Account: account, Page: page,
				Processed: processed, Errors: failed, Message: "context cancelled",
			})
			return ctx.Err()
		}

		pageData, err := source.ReadPage(ctx, o.kind, page, o.pageLimit)
		if err != nil {
			callback(ProgressEvent{
				Status: ProgressFailed, Account: account, Page: page,
				Processed: processed, Errors: failed, Message: err.Error(),
			})
			return err
		}

		if pageData.Empty() {
			break
		}

		entities := make([]models.RemoteEntity, 0, len(pageData.Items))
		for i, item := range pageData.Items {
			entities = append(entities, item.ToEntity(o.kind, account, pageData.RawItems[i], now))
		}

		op := func(ctx context.Context, chunk []models.RemoteEntity) error {
			_, _, err := o.store.UpsertEntities(ctx, chunk)
			return err
		}
		result, err := RunBulk(ctx, entities, BulkOptions{ChunkSize: o.batchSize}, op, nil)
		processed += result.Processed
		failed += result.Errors
		if err != nil {
			callback(ProgressEvent{
				Status: ProgressFailed, Account: account, Page: page,
				Processed: processed, Errors: failed, Message: err.Error(),
			})
			return err
		}

		event := ProgressEvent{
			Status:    ProgressInProgress,
			Account:   account,
			Page:      page,
			Processed: processed,
			Errors:    failed,
		}
		if failed > 0 {
			event.Status = ProgressError
		}
		if pageData.TotalPages > 0 {
			event.Percent = float64(page) / float64(pageData.TotalPages) * 100
		}
		callback(event)

		if pageData.TotalPages > 0 && page >= pageData.TotalPages {
			break
		}
	}

	callback(ProgressEvent{
		Status:    ProgressCompleted,
		Account:   account,
		Processed: processed,
		Errors:    failed,
		Percent:   100,
	})
	return nil
}

// SubscribeCommands подписывается на командный топик и запускает цикл
// синхронизации по команде. Возвращает функцию отписки.
func (o *Orchestrator) SubscribeCommands(ctx context.Context, topic string) (func() error, error) {
	if o.messaging == nil {
		return nil, fmt.Errorf("брокер сообщений не настроен")
	}

	handler := func(ctx context.Context, msg *interfaces.Message) error {
		var cmd SyncCommand
		if err := json.Unmarshal(msg.Value, &cmd); err != nil {
			o.logger.Warn("Не удалось разобрать команду",
				interfaces.LogField{Key: "error", Value: err.Error()})
			return nil
		}

		if cmd.Command != CommandSyncRequested {
			return nil
		}

		o.logger.Info("Получена команда синхронизации",
			interfaces.LogField{Key: "account", Value: cmd.Account})

		if _, err := o.RunCycle(ctx); err != nil {
			o.logger.Error("Синхронизация по команде завершилась с ошибкой",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}
		return nil
	}

	return o.messaging.Subscribe(ctx, topic, handler)
}
