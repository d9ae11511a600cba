package marketplace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToCeilingWithoutWaiting(t *testing.T) {
	limiter := NewRateLimiter(time.Second, 12, 3)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Acquire(ctx, ResourceClassOther))
	}

	// Три запроса в пустом окне проходят мгновенно
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiterBlocksAboveCeiling(t *testing.T) {
	window := 80 * time.Millisecond
	limiter := NewRateLimiter(window, 12, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Acquire(ctx, ResourceClassOther))
	}

	// Четвертый запрос ждет как минимум окончания текущего окна
	start := time.Now()
	require.NoError(t, limiter.Acquire(ctx, ResourceClassOther))
	assert.GreaterOrEqual(t, time.Since(start), window/2)
}

func TestRateLimiterBurstSpansMultipleWindows(t *testing.T) {
	window := 60 * time.Millisecond
	limiter := NewRateLimiter(window, 12, 3)
	ctx := context.Background()

	// 8 запросов при потолке 3 требуют трех окон: 3 + 3 + 2
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, limiter.Acquire(ctx, ResourceClassOther))
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 2*window-window/10)
}

func TestRateLimiterClassesAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(time.Second, 12, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Acquire(ctx, ResourceClassOther))
	}

	// Исчерпание класса "other" не трогает окно заказов
	start := time.Now()
	for i := 0; i < 12; i++ {
		require.NoError(t, limiter.Acquire(ctx, ResourceClassOrders))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiterRespectsContextCancellation(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 12, 1)
	ctx := context.Background()

	require.NoError(t, limiter.Acquire(ctx, ResourceClassOther))

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(cancelCtx, ResourceClassOther)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiterUnknownClassFallsBackToOtherCeiling(t *testing.T) {
	window := 80 * time.Millisecond
	limiter := NewRateLimiter(window, 12, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, limiter.Acquire(ctx, ResourceClass("reports")))
	}

	start := time.Now()
	require.NoError(t, limiter.Acquire(ctx, ResourceClass("reports")))
	assert.GreaterOrEqual(t, time.Since(start), window/2)
}
