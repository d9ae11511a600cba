package syncer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/athebyme/gomarket-sync/internal/domain/models"
	"github.com/athebyme/gomarket-sync/internal/marketplace"
)

// StockTarget - приемник пакетных обновлений остатков.
// Реализуется клиентом API маркетплейса.
type StockTarget interface {
	Account() string
	BulkMaxEntities() int
	BulkUpdateStock(ctx context.Context, updates []marketplace.StockUpdate) error
}

// PushStock отправляет обновления остатков на маркетплейс чанками через
// пакетный исполнитель. Какой аккаунт считать источником истины по остатку,
// решает вызывающий до вызова; здесь только доставка.
func PushStock(ctx context.Context, target StockTarget, updates []marketplace.StockUpdate, delayOpts BulkOptions) (*BulkResult, error) {
	opts := BulkOptions{
		ChunkSize:       target.BulkMaxEntities(),
		InterChunkDelay: delayOpts.InterChunkDelay,
	}
	if delayOpts.ChunkSize > 0 && delayOpts.ChunkSize < opts.ChunkSize {
		opts.ChunkSize = delayOpts.ChunkSize
	}

	validate := func(u marketplace.StockUpdate) error {
		if u.ID == 0 && u.SKU == "" {
			return fmt.Errorf("обновление остатка без идентификатора позиции")
		}
		if u.Stock < 0 {
			return fmt.Errorf("отрицательный остаток для позиции %d", u.ID)
		}
		return nil
	}

	op := func(ctx context.Context, chunk []marketplace.StockUpdate) error {
		return target.BulkUpdateStock(ctx, chunk)
	}

	return RunBulk(ctx, updates, opts, op, validate)
}

// StockFromGroups выводит обновления остатков из групп сверки с конфликтом
// остатка: остаток представителя группы становится целевым для копий
// заданного аккаунта, у которых он расходится
func StockFromGroups(groups []models.ReconciliationGroup, account string) []marketplace.StockUpdate {
	var updates []marketplace.StockUpdate
	for _, group := range groups {
		if !group.StockConflict || group.Representative == nil {
			continue
		}
		for _, e := range group.Entities {
			if e.Account != account || e.Stock == group.Representative.Stock {
				continue
			}
			id, err := strconv.ParseInt(e.ExternalID, 10, 64)
			if err != nil {
				continue
			}
			updates = append(updates, marketplace.StockUpdate{
				ID:    id,
				SKU:   e.SKU,
				Stock: group.Representative.Stock,
			})
		}
	}
	return updates
}
