package syncer

import (
	"context"
	"fmt"
	"time"
)

// DefaultChunkSize - размер чанка по умолчанию, равный потолку
// bulk-запросов маркетплейса
const DefaultChunkSize = 50

// BulkOptions - настройки пакетного исполнителя
type BulkOptions struct {
	ChunkSize       int           // размер одного чанка
	InterChunkDelay time.Duration // пауза между чанками, чтобы не давить на рейт-лимиты
}

// ChunkResult - результат обработки одного чанка, для диагностики
type ChunkResult struct {
	Index     int    `json:"index"`
	Size      int    `json:"size"`
	Processed int    `json:"processed"`
	Errors    int    `json:"errors"`
	Error     string `json:"error,omitempty"`
}

// BulkResult - агрегированный результат пакетной операции.
// Инвариант: Processed + Errors равно числу поданных элементов.
type BulkResult struct {
	Processed int           `json:"processed"`
	Errors    int           `json:"errors"`
	Chunks    []ChunkResult `json:"chunks"`
}

// ValidateFunc проверяет один элемент перед обработкой
type ValidateFunc[T any] func(item T) error

// ChunkFunc обрабатывает один чанк элементов
type ChunkFunc[T any] func(ctx context.Context, chunk []T) error

// RunBulk разбивает произвольно большой список элементов на чанки и
// последовательно обрабатывает их переданной операцией. Исполнитель ничего
// не знает о природе элементов: что такое "товар" или "оффер" - забота операции.
//
// Невалидные элементы считаются ошибками и не блокируют валидные.
// Ошибка на уровне чанка записывает все его элементы в ошибки и не
// прерывает обработку остальных чанков.
func RunBulk[T any](ctx context.Context, items []T, opts BulkOptions, op ChunkFunc[T], validate ValidateFunc[T]) (*BulkResult, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	result := &BulkResult{}

	// Отфильтровываем невалидные элементы до разбиения на чанки
	valid := items
	if validate != nil {
		valid = make([]T, 0, len(items))
		for _, item := range items {
			if err := validate(item); err != nil {
				result.Errors++
				continue
			}
			valid = append(valid, item)
		}
	}

	for start := 0; start < len(valid); start += opts.ChunkSize {
		end := start + opts.ChunkSize
		if end > len(valid) {
			end = len(valid)
		}
		chunk := valid[start:end]
		index := start / opts.ChunkSize

		// Пауза между чанками, но не перед первым
		if index > 0 && opts.InterChunkDelay > 0 {
			timer := time.NewTimer(opts.InterChunkDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			case <-timer.C:
			}
		}

		chunkResult := ChunkResult{Index: index, Size: len(chunk)}
		if err := op(ctx, chunk); err != nil {
			chunkResult.Errors = len(chunk)
			chunkResult.Error = err.Error()
			result.Errors += len(chunk)
		} else {
			chunkResult.Processed = len(chunk)
			result.Processed += len(chunk)
		}
		result.Chunks = append(result.Chunks, chunkResult)
	}

	return result, nil
}

// ChunkCount возвращает число чанков для заданного объема и размера чанка
func ChunkCount(total, chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return (total + chunkSize - 1) / chunkSize
}

// String возвращает краткое описание результата для логов
func (r *BulkResult) String() string {
	return fmt.Sprintf("processed=%d errors=%d chunks=%d", r.Processed, r.Errors, len(r.Chunks))
}
