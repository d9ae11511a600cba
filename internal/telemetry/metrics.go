package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/athebyme/gomarket-sync/internal/domain/models"
)

// Метрики для Prometheus
var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_requests_total",
		Help: "Общее количество запросов к API маркетплейса",
	}, []string{"endpoint", "account"})

	RequestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_request_failures_total",
		Help: "Количество неуспешных запросов к API маркетплейса",
	}, []string{"endpoint", "account", "reason"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_request_duration_seconds",
		Help:    "Длительность запросов к API маркетплейса",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "account"})

	RateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_rate_limit_waits_total",
		Help: "Количество ожиданий свободного слота рейт-лимитера",
	}, []string{"resource_class"})

	RunStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_run_status",
		Help: "Текущий статус запуска синхронизации по аккаунту (0=pending, 1=running, 2=completed, 3=failed, 4=timeout)",
	}, []string{"account", "operation"})

	LastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_last_success_timestamp_seconds",
		Help: "Время последнего успешного завершения синхронизации",
	}, []string{"account", "operation"})

	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_items_processed_total",
		Help: "Количество обработанных элементов синхронизации",
	}, []string{"account", "operation", "result"})
)

// RunStatusValue преобразует статус запуска в числовое значение гейджа
func RunStatusValue(status models.SyncStatus) float64 {
	switch status {
	case models.SyncStatusPending:
		return 0
	case models.SyncStatusRunning:
		return 1
	case models.SyncStatusCompleted:
		return 2
	case models.SyncStatusFailed:
		return 3
	case models.SyncStatusTimeout:
		return 4
	}
	return -1
}
