package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/athebyme/gomarket-sync/internal/domain/models"
	"github.com/athebyme/gomarket-sync/pkg/interfaces"
)

// Типы событий жизненного цикла синхронизации
const (
	EventSyncStarted     = "sync_started"
	EventSyncCompleted   = "sync_completed"
	EventSyncFailed      = "sync_failed"
	EventDuplicatesFound = "duplicates_found"
)

// Команды, принимаемые из командного топика
const (
	CommandSyncRequested = "sync_requested"
)

// SyncEvent - событие жизненного цикла синхронизации, публикуемое в Kafka
type SyncEvent struct {
	Type      string                 `json:"type"`
	Account   string                 `json:"account,omitempty"`
	Operation models.SyncOperation   `json:"operation,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Status    models.SyncStatus      `json:"status,omitempty"`
	Processed int                    `json:"processed,omitempty"`
	Failed    int                    `json:"failed,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	At        time.Time              `json:"at"`
}

// SyncCommand - команда из командного топика
type SyncCommand struct {
	Command string `json:"command"`
	Account string `json:"account,omitempty"`
}

// EventPublisher публикует события синхронизации в брокер сообщений.
// Ошибки публикации логируются и не влияют на ход синхронизации.
type EventPublisher struct {
	messaging interfaces.MessagingPort
	topic     string
	logger    interfaces.LoggerPort
}

// NewEventPublisher создает издателя событий синхронизации
func NewEventPublisher(messaging interfaces.MessagingPort, topic string, logger interfaces.LoggerPort) *EventPublisher {
	return &EventPublisher{
		messaging: messaging,
		topic:     topic,
		logger:    logger,
	}
}

// PublishRunEvent публикует событие, связанное с запуском синхронизации
func (p *EventPublisher) PublishRunEvent(ctx context.Context, eventType string, run *models.SyncRun) {
	if p == nil || p.messaging == nil {
		return
	}

	p.publish(ctx, SyncEvent{
		Type:      eventType,
		Account:   run.Account,
		Operation: run.Operation,
		RunID:     run.ID,
		Status:    run.Status,
		Processed: run.TotalProcessed,
		Failed:    run.Failed,
		At:        time.Now().UTC(),
	})
}

// PublishDuplicates публикует сводку по найденным дубликатам
func (p *EventPublisher) PublishDuplicates(ctx context.Context, eventType string, groups []models.ReconciliationGroup) {
	if p == nil || p.messaging == nil || len(groups) == 0 {
		return
	}

	skus := make([]string, 0, len(groups))
	for _, g := range groups {
		skus = append(skus, g.SKU)
	}

	p.publish(ctx, SyncEvent{
		Type: eventType,
		Details: map[string]interface{}{
			"duplicate_groups": len(groups),
			"skus":             skus,
		},
		At: time.Now().UTC(),
	})
}

// publish сериализует и отправляет событие, логируя сбой публикации
func (p *EventPublisher) publish(ctx context.Context, event SyncEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorWithContext(ctx, "Не удалось сериализовать событие синхронизации",
			interfaces.LogField{Key: "type", Value: event.Type},
			interfaces.LogField{Key: "error", Value: err.Error()},
		)
		return
	}

	if err := p.messaging.Publish(ctx, p.topic, data); err != nil {
		p.logger.WarnWithContext(ctx, "Не удалось опубликовать событие синхронизации",
			interfaces.LogField{Key: "type", Value: event.Type},
			interfaces.LogField{Key: "error", Value: err.Error()},
		)
	}
}
