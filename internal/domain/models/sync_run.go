package models

import "time"

// SyncStatus определяет статус запуска синхронизации
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
	SyncStatusTimeout   SyncStatus = "timeout"
)

// SyncOperation определяет тип операции синхронизации
type SyncOperation string

const (
	SyncOperationProducts SyncOperation = "products"
	SyncOperationOffers   SyncOperation = "offers"
	SyncOperationOrders   SyncOperation = "orders"
)

// SyncRun представляет один запуск синхронизации для одного аккаунта.
// Запись создается при старте, обновляется по ходу выполнения и
// финализируется ровно один раз. Для пары (аккаунт, операция)
// одновременно может существовать не более одного запуска в статусе running.
type SyncRun struct {
	ID             string                 `json:"id"`
	Account        string                 `json:"account"`
	Operation      SyncOperation          `json:"operation"`
	Status         SyncStatus             `json:"status"`
	TotalProcessed int                    `json:"total_processed"`
	Created        int                    `json:"created"`
	Updated        int                    `json:"updated"`
	Failed         int                    `json:"failed"`
	Skipped        int                    `json:"skipped"`
	PagesProcessed int                    `json:"pages_processed"`
	Errors         []string               `json:"errors,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	StartedAt      time.Time              `db:"started_at" json:"started_at"`
	FinishedAt     *time.Time             `db:"finished_at" json:"finished_at,omitempty"`
	UpdatedAt      time.Time              `db:"updated_at" json:"updated_at"`
}

// IsTerminal сообщает, находится ли запуск в конечном статусе
func (r *SyncRun) IsTerminal() bool {
	switch r.Status {
	case SyncStatusCompleted, SyncStatusFailed, SyncStatusTimeout:
		return true
	}
	return false
}

// maxRunErrors ограничивает размер списка ошибок запуска,
// чтобы не раздувать запись в БД на больших каталогах
const maxRunErrors = 100

// AddError добавляет сообщение об ошибке, сохраняя порядок возникновения
func (r *SyncRun) AddError(msg string) {
	if len(r.Errors) >= maxRunErrors {
		return
	}
	r.Errors = append(r.Errors, msg)
}
