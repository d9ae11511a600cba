package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athebyme/gomarket-sync/internal/domain/models"
	"github.com/athebyme/gomarket-sync/internal/marketplace"
	"github.com/athebyme/gomarket-sync/pkg/interfaces"
)

// fakeMessaging - брокер в памяти, запоминающий публикации и подписчиков
type fakeMessaging struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]interfaces.MessageHandler
}

func newFakeMessaging() *fakeMessaging {
	return &fakeMessaging{
		published: make(map[string][][]byte),
		handlers:  make(map[string]interfaces.MessageHandler),
	}
}

func (f *fakeMessaging) Publish(ctx context.Context, topic string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], message)
	return nil
}

func (f *fakeMessaging) Subscribe(ctx context.Context, topic string, handler interfaces.MessageHandler) (func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return func() error { return nil }, nil
}

func (f *fakeMessaging) Close() error { return nil }

func (f *fakeMessaging) eventsOfType(topic, eventType string) []SyncEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []SyncEvent
	for _, data := range f.published[topic] {
		var event SyncEvent
		if json.Unmarshal(data, &event) == nil && event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func newTestOrchestrator(store *fakeStore, broker *fakeMessaging, daemons ...*Daemon) *Orchestrator {
	var events *EventPublisher
	var messaging interfaces.MessagingPort
	if broker != nil {
		events = NewEventPublisher(broker, "sync-events", nopLogger{})
		messaging = broker
	}

	return NewOrchestrator(daemons, store, NewReconciler(ReconcilerOptions{FlagIdenticalDuplicates: true}),
		events, messaging, nopLogger{}, OrchestratorOptions{
			PageLimit: 2,
			MaxPages:  10,
			BatchSize: 50,
		})
}

func TestOrchestratorRunCycle(t *testing.T) {
	store := newFakeStore()
	broker := newFakeMessaging()

	// Одинаковые SKU в обоих аккаунтах дают группы дубликатов
	daemons := []*Daemon{
		newTestDaemon(&fakeSource{account: "main", pages: []*marketplace.CatalogPage{makePage(1, 2)}}, store, nil, nil, testDaemonConfig()),
		newTestDaemon(&fakeSource{account: "fbe", pages: []*marketplace.CatalogPage{makePage(1, 2)}}, store, nil, nil, testDaemonConfig()),
	}
	orchestrator := newTestOrchestrator(store, broker, daemons...)

	summary, err := orchestrator.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Runs, 2)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, models.SyncStatusCompleted, summary.Runs["main"].Status)
	assert.Equal(t, models.SyncStatusCompleted, summary.Runs["fbe"].Status)

	// Сверка нашла пересечение аккаунтов и опубликовала его
	dupEvents := broker.eventsOfType("sync-events", EventDuplicatesFound)
	require.Len(t, dupEvents, 1)
	assert.EqualValues(t, 2, dupEvents[0].Details["duplicate_groups"])
}

func TestOrchestratorAccounts(t *testing.T) {
	store := newFakeStore()
	orchestrator := newTestOrchestrator(store, nil,
		newTestDaemon(&fakeSource{account: "fbe"}, store, nil, nil, testDaemonConfig()),
		newTestDaemon(&fakeSource{account: "main"}, store, nil, nil, testDaemonConfig()),
	)

	assert.Equal(t, []string{"fbe", "main"}, orchestrator.Accounts())
}

func TestOrchestratorStartStopAuto(t *testing.T) {
	store := newFakeStore()
	orchestrator := newTestOrchestrator(store, nil,
		newTestDaemon(&fakeSource{account: "main"}, store, nil, nil, testDaemonConfig()),
	)

	taskID := orchestrator.StartAuto(time.Hour)
	require.NotEmpty(t, taskID)

	tasks := orchestrator.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, taskID, tasks[0].ID)
	assert.Equal(t, time.Hour.String(), tasks[0].Interval)

	assert.True(t, orchestrator.StopAuto(taskID))
	assert.Empty(t, orchestrator.ListTasks())

	// Повторная остановка и неизвестный идентификатор
	assert.False(t, orchestrator.StopAuto(taskID))
	assert.False(t, orchestrator.StopAuto("missing"))
}

func TestOrchestratorStopAll(t *testing.T) {
	store := newFakeStore()
	orchestrator := newTestOrchestrator(store, nil,
		newTestDaemon(&fakeSource{account: "main"}, store, nil, nil, testDaemonConfig()),
	)

	orchestrator.StartAuto(time.Hour)
	orchestrator.StartAuto(time.Hour)
	require.Len(t, orchestrator.ListTasks(), 2)

	orchestrator.StopAll()
	assert.Empty(t, orchestrator.ListTasks())
}

func TestSyncWithProgressReportsPages(t *testing.T) {
	page1 := makePage(1, 2)
	page1.TotalPages = 2
	page2 := makePage(3, 2)
	page2.TotalPages = 2

	store := newFakeStore()
	orchestrator := newTestOrchestrator(store, nil,
		newTestDaemon(&fakeSource{account: "main", pages: []*marketplace.CatalogPage{page1, page2}}, store, nil, nil, testDaemonConfig()),
	)

	var events []ProgressEvent
	err := orchestrator.SyncWithProgress(context.Background(), "main", 0, func(e ProgressEvent) {
		events = append(events, e)
	})
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, ProgressStarted, events[0].Status)

	assert.Equal(t, ProgressInProgress, events[1].Status)
	assert.Equal(t, 1, events[1].Page)
	assert.Equal(t, 2, events[1].Processed)
	assert.InDelta(t, 50, events[1].Percent, 0.01)

	assert.Equal(t, ProgressInProgress, events[2].Status)
	assert.Equal(t, 2, events[2].Page)
	assert.Equal(t, 4, events[2].Processed)
	assert.InDelta(t, 100, events[2].Percent, 0.01)

	assert.Equal(t, ProgressCompleted, events[3].Status)
	assert.Equal(t, 4, events[3].Processed)

	assert.Len(t, store.entities, 4)
}

func TestSyncWithProgressUnknownAccount(t *testing.T) {
	store := newFakeStore()
	orchestrator := newTestOrchestrator(store, nil,
		newTestDaemon(&fakeSource{account: "main"}, store, nil, nil, testDaemonConfig()),
	)

	err := orchestrator.SyncWithProgress(context.Background(), "ghost", 0, nil)
	assert.Error(t, err)
}

func TestSyncWithProgressReadFailure(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{makePage(1, 2)}, failPage: 2}
	orchestrator := newTestOrchestrator(store, nil,
		newTestDaemon(source, store, nil, nil, testDaemonConfig()),
	)

	var events []ProgressEvent
	err := orchestrator.SyncWithProgress(context.Background(), "main", 0, func(e ProgressEvent) {
		events = append(events, e)
	})
	require.Error(t, err)

	last := events[len(events)-1]
	assert.Equal(t, ProgressFailed, last.Status)
	assert.Equal(t, 2, last.Page)
	// Первая страница успела сохраниться
	assert.Equal(t, 2, last.Processed)
}

func TestSyncWithProgressHonorsMaxPages(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{account: "main", pages: []*marketplace.CatalogPage{
		makePage(1, 2), makePage(3, 2), makePage(5, 2),
	}}
	orchestrator := newTestOrchestrator(store, nil,
		newTestDaemon(source, store, nil, nil, testDaemonConfig()),
	)

	var completed ProgressEvent
	err := orchestrator.SyncWithProgress(context.Background(), "main", 2, func(e ProgressEvent) {
		if e.Status == ProgressCompleted {
			completed = e
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 4, completed.Processed)
	assert.Len(t, store.entities, 4)
}

func TestSubscribeCommandsTriggersCycle(t *testing.T) {
	store := newFakeStore()
	broker := newFakeMessaging()
	orchestrator := newTestOrchestrator(store, broker,
		newTestDaemon(&fakeSource{account: "main", pages: []*marketplace.CatalogPage{makePage(1, 2)}}, store, nil, nil, testDaemonConfig()),
	)

	unsubscribe, err := orchestrator.SubscribeCommands(context.Background(), "sync-commands")
	require.NoError(t, err)
	defer unsubscribe()

	handler := broker.handlers["sync-commands"]
	require.NotNil(t, handler)

	cmd, _ := json.Marshal(SyncCommand{Command: CommandSyncRequested})
	require.NoError(t, handler(context.Background(), &interfaces.Message{Value: cmd}))

	// Команда запустила цикл: каталог сохранен
	assert.Len(t, store.entities, 2)

	// Мусорные и чужие команды игнорируются без ошибок
	assert.NoError(t, handler(context.Background(), &interfaces.Message{Value: []byte("not json")}))
	other, _ := json.Marshal(SyncCommand{Command: "unknown"})
	assert.NoError(t, handler(context.Background(), &interfaces.Message{Value: other}))
}
