package marketplace

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/athebyme/gomarket-sync/internal/telemetry"
)

// ResourceClass - именованный класс ресурсов API с собственным потолком запросов.
// Маркетплейс лимитирует эндпоинты заказов щедрее остальных, и нарушение
// этого разделения приводит к HTTP 429 с его стороны.
type ResourceClass string

const (
	ResourceClassOrders ResourceClass = "orders"
	ResourceClassOther  ResourceClass = "other"
)

// classWindow - состояние фиксированного окна одного класса ресурсов.
// Мутируется только под собственным мьютексом, чтобы конкурентные вызовы
// не проскочили потолок в одном окне.
type classWindow struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	ceiling     int
}

// RateLimiter ограничивает частоту запросов к API по классам ресурсов
// алгоритмом фиксированного окна со случайным джиттером ожидания.
// Состояние класса создается лениво при первом обращении и живет до конца процесса.
type RateLimiter struct {
	window   time.Duration
	ceilings map[ResourceClass]int

	mu      sync.Mutex
	classes map[ResourceClass]*classWindow
}

// NewRateLimiter создает рейт-лимитер с заданной длительностью окна
// и потолками запросов для классов заказов и прочих ресурсов
func NewRateLimiter(window time.Duration, ordersCeiling, otherCeiling int) *RateLimiter {
	return &RateLimiter{
		window: window,
		ceilings: map[ResourceClass]int{
			ResourceClassOrders: ordersCeiling,
			ResourceClassOther:  otherCeiling,
		},
		classes: make(map[ResourceClass]*classWindow),
	}
}

// Acquire блокирует вызывающего до появления свободного слота в окне класса
// и резервирует его. Завершается с ошибкой только при отмене контекста.
func (l *RateLimiter) Acquire(ctx context.Context, class ResourceClass) error {
	cw := l.classFor(class)

	for {
		cw.mu.Lock()
		now := time.Now()

		if now.Sub(cw.windowStart) >= l.window {
			cw.windowStart = now
			cw.count = 0
		}

		if cw.count < cw.ceiling {
			cw.count++
			cw.mu.Unlock()
			return nil
		}

		// Окно исчерпано: ждем его окончания плюс джиттер,
		// чтобы конкурентные вызовы не проснулись синхронно
		wait := l.window - now.Sub(cw.windowStart) + l.jitter()
		cw.mu.Unlock()

		telemetry.RateLimitWaits.WithLabelValues(string(class)).Inc()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// classFor возвращает состояние окна для класса, создавая его при первом обращении
func (l *RateLimiter) classFor(class ResourceClass) *classWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	cw, ok := l.classes[class]
	if !ok {
		ceiling, known := l.ceilings[class]
		if !known {
			ceiling = l.ceilings[ResourceClassOther]
		}
		cw = &classWindow{ceiling: ceiling}
		l.classes[class] = cw
	}
	return cw
}

// jitter возвращает случайную добавку к ожиданию, ограниченную десятой частью окна
func (l *RateLimiter) jitter() time.Duration {
	max := int64(l.window / 10)
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(max))
}
