package syncer

import (
	"context"

	"github.com/athebyme/gomarket-sync/internal/domain/models"
	"github.com/athebyme/gomarket-sync/internal/marketplace"
)

// CatalogSource - постраничный источник каталога одного аккаунта маркетплейса.
// Реализуется клиентом API; в тестах подменяется фейком.
type CatalogSource interface {
	// Account возвращает метку аккаунта
	Account() string

	// ReadPage читает одну страницу сущностей заданного типа
	ReadPage(ctx context.Context, kind models.EntityKind, page, limit int) (*marketplace.CatalogPage, error)
}

// EntityStore - часть хранилища, нужная движку синхронизации
type EntityStore interface {
	UpsertEntity(ctx context.Context, entity *models.RemoteEntity) (created bool, err error)
	UpsertEntities(ctx context.Context, entities []models.RemoteEntity) (created, updated int, err error)
	ListEntities(ctx context.Context, account string, kind models.EntityKind) ([]models.RemoteEntity, error)

	CreateSyncRun(ctx context.Context, run *models.SyncRun) error
	UpdateSyncRun(ctx context.Context, run *models.SyncRun) error
	FinalizeSyncRun(ctx context.Context, run *models.SyncRun) error
	GetRunningSyncRun(ctx context.Context, account string, operation models.SyncOperation) (*models.SyncRun, error)
	GetLatestSyncRun(ctx context.Context, account string) (*models.SyncRun, error)
}
