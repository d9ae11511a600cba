package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/athebyme/gomarket-sync/internal/domain/models"
	pkgerrors "github.com/athebyme/gomarket-sync/pkg/errors"
	"github.com/athebyme/gomarket-sync/pkg/tx"
)

// SyncStorageInterface определяет интерфейс хранилища движка синхронизации
type SyncStorageInterface interface {
	// RemoteEntity методы
	UpsertEntity(ctx context.Context, entity *models.RemoteEntity) (created bool, err error)
	UpsertEntities(ctx context.Context, entities []models.RemoteEntity) (created, updated int, err error)
	GetEntity(ctx context.Context, externalID, account string) (*models.RemoteEntity, error)
	ListEntities(ctx context.Context, account string, kind models.EntityKind) ([]models.RemoteEntity, error)

	// SyncRun методы
	CreateSyncRun(ctx context.Context, run *models.SyncRun) error
	UpdateSyncRun(ctx context.Context, run *models.SyncRun) error
	FinalizeSyncRun(ctx context.Context, run *models.SyncRun) error
	GetRunningSyncRun(ctx context.Context, account string, operation models.SyncOperation) (*models.SyncRun, error)
	GetLatestSyncRun(ctx context.Context, account string) (*models.SyncRun, error)
}

// SyncStoragePort - полный порт хранилища, включая управление соединением
type SyncStoragePort interface {
	SyncStorageInterface

	Close() error
}

// SyncStorage реализация SyncStoragePort для PostgreSQL
type SyncStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage создает новый экземпляр SyncStorage
func NewPostgresStorage(ctx context.Context, connectionString string) (*SyncStorage, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &SyncStorage{pool: pool}, nil
}

// NewPostgresStorageWithPool создает хранилище поверх готового пула
func NewPostgresStorageWithPool(ctx context.Context, pool *pgxpool.Pool) (*SyncStorage, error) {
	if pool == nil {
		return nil, errors.New("pool is nil")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &SyncStorage{pool: pool}, nil
}

// Pool возвращает пул соединений (для менеджера транзакций)
func (r *SyncStorage) Pool() *pgxpool.Pool {
	return r.pool
}

// Close закрывает соединение с БД
func (r *SyncStorage) Close() error {
	r.pool.Close()
	return nil
}

type executor interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// getExecutor возвращает исполнителя запросов (транзакцию из контекста или пул)
func (r *SyncStorage) getExecutor(ctx context.Context) executor {
	if t, ok := tx.GetTxFromContext(ctx); ok {
		return t
	}
	return r.pool
}

// UpsertEntity идемпотентно сохраняет сущность маркетплейса.
// Ключ - пара (external_id, account): повторная запись той же страницы
// не создает дубликатов и сходится к последнему payload.
// Возвращает true, если строка была создана, а не обновлена.
func (r *SyncStorage) UpsertEntity(ctx context.Context, entity *models.RemoteEntity) (bool, error) {
	query := `
		INSERT INTO sync.remote_entities
			(external_id, account, kind, sku, name, price, currency, stock, payload, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_id, account)
		DO UPDATE SET
			kind = $3,
			sku = $4,
			name = $5,
			price = $6,
			currency = $7,
			stock = $8,
			payload = $9,
			last_seen_at = $10
		RETURNING (xmax = 0) AS inserted
	`

	if entity.LastSeenAt.IsZero() {
		entity.LastSeenAt = time.Now().UTC()
	}

	var inserted bool
	err := r.getExecutor(ctx).QueryRow(ctx, query,
		entity.ExternalID, entity.Account, entity.Kind, entity.SKU, entity.Name,
		entity.Price, entity.Currency, entity.Stock, entity.Payload, entity.LastSeenAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert remote entity: %w", err)
	}
	return inserted, nil
}

// UpsertEntities сохраняет пакет сущностей одной транзакцией, возвращая
// счетчики созданных и обновленных. Пакет либо записывается целиком,
// либо не записывается вовсе; если транзакция уже открыта выше по стеку,
// запись идет в нее.
func (r *SyncStorage) UpsertEntities(ctx context.Context, entities []models.RemoteEntity) (int, int, error) {
	var created, updated int

	upsertAll := func(ctx context.Context) error {
		for i := range entities {
			inserted, err := r.UpsertEntity(ctx, &entities[i])
			if err != nil {
				return err
			}
			if inserted {
				created++
			} else {
				updated++
			}
		}
		return nil
	}

	if _, inTx := tx.GetTxFromContext(ctx); inTx {
		if err := upsertAll(ctx); err != nil {
			return created, updated, err
		}
		return created, updated, nil
	}

	if err := tx.NewTxManager(r.pool).Do(ctx, upsertAll); err != nil {
		return 0, 0, err
	}
	return created, updated, nil
}

// GetEntity получает сущность по идентичности (external_id, account)
func (r *SyncStorage) GetEntity(ctx context.Context, externalID, account string) (*models.RemoteEntity, error) {
	query := `
		SELECT external_id, account, kind, sku, name, price, currency, stock, payload, last_seen_at
		FROM sync.remote_entities
		WHERE external_id = $1 AND account = $2
	`

	var entity models.RemoteEntity
	err := r.getExecutor(ctx).QueryRow(ctx, query, externalID, account).Scan(
		&entity.ExternalID, &entity.Account, &entity.Kind, &entity.SKU, &entity.Name,
		&entity.Price, &entity.Currency, &entity.Stock, &entity.Payload, &entity.LastSeenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Сущность не найдена
		}
		return nil, fmt.Errorf("failed to get remote entity: %w", err)
	}

	return &entity, nil
}

// ListEntities возвращает все сущности аккаунта заданного типа
func (r *SyncStorage) ListEntities(ctx context.Context, account string, kind models.EntityKind) ([]models.RemoteEntity, error) {
	query := `
		SELECT external_id, account, kind, sku, name, price, currency, stock, payload, last_seen_at
		FROM sync.remote_entities
		WHERE account = $1 AND kind = $2
		ORDER BY external_id
	`

	rows, err := r.getExecutor(ctx).Query(ctx, query, account, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote entities: %w", err)
	}
	defer rows.Close()

	var entities []models.RemoteEntity
	for rows.Next() {
		var entity models.RemoteEntity
		if err := rows.Scan(
			&entity.ExternalID, &entity.Account, &entity.Kind, &entity.SKU, &entity.Name,
			&entity.Price, &entity.Currency, &entity.Stock, &entity.Payload, &entity.LastSeenAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan remote entity: %w", err)
		}
		entities = append(entities, entity)
	}

	return entities, rows.Err()
}

// CreateSyncRun создает запись запуска синхронизации
func (r *SyncStorage) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	query := `
		INSERT INTO sync.sync_runs
			(id, account, operation, status, total_processed, created, updated, failed, skipped,
			 pages_processed, errors, metadata, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now

	errorsJSON, metadataJSON, err := marshalRunDetails(run)
	if err != nil {
		return err
	}

	_, err = r.getExecutor(ctx).Exec(ctx, query,
		run.ID, run.Account, run.Operation, run.Status,
		run.TotalProcessed, run.Created, run.Updated, run.Failed, run.Skipped,
		run.PagesProcessed, errorsJSON, metadataJSON, run.StartedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

// UpdateSyncRun сбрасывает текущий прогресс запуска в БД.
// Финализированный запуск не трогается: прогресс пишется только
// в незавершенную запись.
func (r *SyncStorage) UpdateSyncRun(ctx context.Context, run *models.SyncRun) error {
	query := `
		UPDATE sync.sync_runs SET
			status = $2,
			total_processed = $3,
			created = $4,
			updated = $5,
			failed = $6,
			skipped = $7,
			pages_processed = $8,
			errors = $9,
			metadata = $10,
			updated_at = $11
		WHERE id = $1 AND status IN ('pending', 'running')
	`

	run.UpdatedAt = time.Now().UTC()

	errorsJSON, metadataJSON, err := marshalRunDetails(run)
	if err != nil {
		return err
	}

	tag, err := r.getExecutor(ctx).Exec(ctx, query,
		run.ID, run.Status,
		run.TotalProcessed, run.Created, run.Updated, run.Failed, run.Skipped,
		run.PagesProcessed, errorsJSON, metadataJSON, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.ErrRunFinalized
	}
	return nil
}

// FinalizeSyncRun переводит запуск в конечный статус ровно один раз.
// Повторная финализация - безопасный no-op: условие по статусу
// не даст перезаписать уже финализированный запуск.
func (r *SyncStorage) FinalizeSyncRun(ctx context.Context, run *models.SyncRun) error {
	query := `
		UPDATE sync.sync_runs SET
			status = $2,
			total_processed = $3,
			created = $4,
			updated = $5,
			failed = $6,
			skipped = $7,
			pages_processed = $8,
			errors = $9,
			metadata = $10,
			finished_at = $11,
			updated_at = $11
		WHERE id = $1 AND status IN ('pending', 'running')
	`

	now := time.Now().UTC()
	run.UpdatedAt = now
	if run.FinishedAt == nil {
		run.FinishedAt = &now
	}

	errorsJSON, metadataJSON, err := marshalRunDetails(run)
	if err != nil {
		return err
	}

	_, err = r.getExecutor(ctx).Exec(ctx, query,
		run.ID, run.Status,
		run.TotalProcessed, run.Created, run.Updated, run.Failed, run.Skipped,
		run.PagesProcessed, errorsJSON, metadataJSON, now,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize sync run: %w", err)
	}
	return nil
}

// GetRunningSyncRun возвращает активный запуск для пары (аккаунт, операция), если он есть
func (r *SyncStorage) GetRunningSyncRun(ctx context.Context, account string, operation models.SyncOperation) (*models.SyncRun, error) {
	query := selectRunQuery + `
		WHERE account = $1 AND operation = $2 AND status = 'running'
		ORDER BY started_at DESC
		LIMIT 1
	`
	return r.queryRun(ctx, query, account, operation)
}

// GetLatestSyncRun возвращает последний запуск аккаунта
func (r *SyncStorage) GetLatestSyncRun(ctx context.Context, account string) (*models.SyncRun, error) {
	query := selectRunQuery + `
		WHERE account = $1
		ORDER BY started_at DESC
		LIMIT 1
	`
	return r.queryRun(ctx, query, account)
}

const selectRunQuery = `
	SELECT id, account, operation, status, total_processed, created, updated, failed, skipped,
	       pages_processed, errors, metadata, started_at, finished_at, updated_at
	FROM sync.sync_runs
`

// queryRun выполняет запрос одного запуска синхронизации
func (r *SyncStorage) queryRun(ctx context.Context, query string, args ...interface{}) (*models.SyncRun, error) {
	var run models.SyncRun
	var errorsJSON, metadataJSON []byte

	err := r.getExecutor(ctx).QueryRow(ctx, query, args...).Scan(
		&run.ID, &run.Account, &run.Operation, &run.Status,
		&run.TotalProcessed, &run.Created, &run.Updated, &run.Failed, &run.Skipped,
		&run.PagesProcessed, &errorsJSON, &metadataJSON,
		&run.StartedAt, &run.FinishedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Запуск не найден
		}
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}

	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &run.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sync run errors: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &run.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sync run metadata: %w", err)
		}
	}

	return &run, nil
}

// marshalRunDetails сериализует списки ошибок и метаданные запуска в JSON
func marshalRunDetails(run *models.SyncRun) ([]byte, []byte, error) {
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal sync run errors: %w", err)
	}
	metadataJSON, err := json.Marshal(run.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal sync run metadata: %w", err)
	}
	return errorsJSON, metadataJSON, nil
}
