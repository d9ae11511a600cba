package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/athebyme/gomarket-sync/config"
	"github.com/athebyme/gomarket-sync/internal/adapters/cache"
	"github.com/athebyme/gomarket-sync/internal/adapters/logger"
	"github.com/athebyme/gomarket-sync/internal/adapters/messaging"
	postgres "github.com/athebyme/gomarket-sync/internal/adapters/storage"
	"github.com/athebyme/gomarket-sync/internal/api"
	"github.com/athebyme/gomarket-sync/internal/domain/models"
	"github.com/athebyme/gomarket-sync/internal/marketplace"
	"github.com/athebyme/gomarket-sync/internal/syncer"
	"github.com/athebyme/gomarket-sync/pkg/interfaces"
)

func main() {
	configPath := flag.String("config", "", "путь к файлу конфигурации")
	mode := flag.String("mode", "", "режим: all либо имя аккаунта (перекрывает конфигурацию)")
	maxPages := flag.Int("max-pages", 0, "потолок числа страниц за запуск")
	batchSize := flag.Int("batch-size", 0, "размер чанка пакетных операций")
	flushEvery := flag.Int("flush-interval", 0, "раз в сколько элементов сбрасывать прогресс")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "не удалось загрузить конфигурацию: %v\n", err)
		os.Exit(1)
	}

	// Флаги перекрывают файл и переменные окружения
	if *mode != "" {
		cfg.Sync.Mode = *mode
	}
	if *maxPages > 0 {
		cfg.Sync.MaxPages = *maxPages
	}
	if *batchSize > 0 {
		cfg.Sync.BatchSize = *batchSize
	}
	if *flushEvery > 0 {
		cfg.Sync.ProgressFlushEvery = *flushEvery
	}

	log, err := logger.NewZapLogger(cfg.LogLevel, cfg.ENV == "production")
	if err != nil {
		fmt.Fprintf(os.Stderr, "не удалось инициализировать логгер: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Запуск движка синхронизации",
		interfaces.LogField{Key: "app", Value: cfg.AppName},
		interfaces.LogField{Key: "version", Value: cfg.Version},
		interfaces.LogField{Key: "env", Value: cfg.ENV},
		interfaces.LogField{Key: "marketplace_env", Value: cfg.Marketplace.Environment},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres обязателен: без персистентной записи запусков движок не работает
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		cfg.Postgres.User, cfg.Postgres.Password,
		cfg.Postgres.Host, cfg.Postgres.Port,
		cfg.Postgres.DBName, cfg.Postgres.SSLMode, cfg.Postgres.PoolSize,
	)
	store, err := postgres.NewPostgresStorage(ctx, connString)
	if err != nil {
		log.Fatal("Не удалось подключиться к Postgres",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer store.Close()

	// Redis дает распределенные блокировки запусков и чекпоинты страниц.
	// Без него движок работает, опираясь только на проверку активного
	// запуска в БД.
	var cachePort interfaces.CachePort
	if c, err := cache.NewRedisCache(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Warn("Redis недоступен, блокировки и чекпоинты отключены",
			interfaces.LogField{Key: "error", Value: err.Error()})
	} else {
		cachePort = c
		defer c.Close()
	}

	// Kafka несет события жизненного цикла и командный топик
	var messagingPort interfaces.MessagingPort
	if m, err := messaging.NewKafkaMessaging(cfg.Kafka.Brokers, cfg.Kafka.GroupID, log); err != nil {
		log.Warn("Kafka недоступна, события синхронизации не публикуются",
			interfaces.LogField{Key: "error", Value: err.Error()})
	} else {
		messagingPort = m
		defer m.Close()
	}

	events := syncer.NewEventPublisher(messagingPort, cfg.Kafka.EventsTopic, log)

	// Рейт-лимитер общий для всех аккаунтов: лимиты маркетплейса
	// действуют на процесс, а не на учетную запись
	limiter := marketplace.NewRateLimiter(
		cfg.Marketplace.WindowDuration,
		cfg.Marketplace.OrdersPerWindow,
		cfg.Marketplace.OtherPerWindow,
	)

	var shutdown atomic.Bool

	daemons, err := buildDaemons(cfg, limiter, store, cachePort, events, log, &shutdown)
	if err != nil {
		log.Fatal("Не удалось собрать демоны синхронизации",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}

	reconciler := syncer.NewReconciler(syncer.ReconcilerOptions{
		FlagIdenticalDuplicates: cfg.Sync.FlagIdenticalDuplicates,
	})

	orchestrator := syncer.NewOrchestrator(daemons, store, reconciler, events, messagingPort, log,
		syncer.OrchestratorOptions{
			PageLimit: cfg.Sync.PageLimit,
			MaxPages:  cfg.Sync.MaxPages,
			BatchSize: cfg.Sync.BatchSize,
			Kind:      kindForOperation(cfg.Sync.Operation),
		})

	// Служебный HTTP: здоровье, метрики, реестр задач, история запусков
	var httpServer *http.Server
	if cfg.Metrics.Enabled {
		server := api.NewServer(orchestrator, store, log)
		httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: server.Router(),
		}
		go func() {
			log.Info("Служебный HTTP запущен",
				interfaces.LogField{Key: "addr", Value: httpServer.Addr})
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Служебный HTTP остановился с ошибкой",
					interfaces.LogField{Key: "error", Value: err.Error()})
			}
		}()
	}

	var unsubscribe func() error
	if messagingPort != nil {
		unsubscribe, err = orchestrator.SubscribeCommands(ctx, cfg.Kafka.CommandTopic)
		if err != nil {
			log.Warn("Не удалось подписаться на командный топик",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}
	}

	taskID := orchestrator.StartAuto(cfg.Sync.Interval)
	log.Info("Периодическая синхронизация активна",
		interfaces.LogField{Key: "task_id", Value: taskID},
		interfaces.LogField{Key: "interval", Value: cfg.Sync.Interval.String()},
		interfaces.LogField{Key: "mode", Value: cfg.Sync.Mode},
		interfaces.LogField{Key: "operation", Value: cfg.Sync.Operation},
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info("Получен сигнал остановки, завершение работы",
		interfaces.LogField{Key: "signal", Value: sig.String()})

	// Флаг проверяется демонами на границах страниц: начатая страница
	// дорабатывается, запуск финализируется как failed
	shutdown.Store(true)
	orchestrator.StopAll()

	if unsubscribe != nil {
		if err := unsubscribe(); err != nil {
			log.Warn("Не удалось отписаться от командного топика",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}
	}

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("Служебный HTTP не остановился корректно",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}
		shutdownCancel()
	}

	cancel()
	log.Info("Движок синхронизации остановлен")
}

// buildDaemons собирает по демону на каждый аккаунт из конфигурации,
// учитывая режим запуска: все аккаунты либо один именованный
func buildDaemons(
	cfg *config.Config,
	limiter *marketplace.RateLimiter,
	store *postgres.SyncStorage,
	cachePort interfaces.CachePort,
	events *syncer.EventPublisher,
	log interfaces.LoggerPort,
	shutdown *atomic.Bool,
) ([]*syncer.Daemon, error) {
	clientOpts := marketplace.ClientOptions{
		BaseURL:         cfg.BaseURL(),
		RequestTimeout:  cfg.Marketplace.RequestTimeout,
		MaxRetries:      cfg.Marketplace.MaxRetries,
		RetryBackoff:    cfg.Marketplace.RetryBackoff,
		BulkMaxEntities: cfg.Marketplace.BulkMaxEntities,
	}

	daemonCfg := syncer.DaemonConfig{
		Operation:          models.SyncOperation(cfg.Sync.Operation),
		PageLimit:          cfg.Sync.PageLimit,
		MaxPages:           cfg.Sync.MaxPages,
		BatchSize:          cfg.Sync.BatchSize,
		InterChunkDelay:    cfg.Sync.InterChunkDelay,
		InterPageDelay:     cfg.Sync.InterPageDelay,
		Timeout:            cfg.Sync.Timeout,
		ProgressFlushEvery: cfg.Sync.ProgressFlushEvery,
		RunLockTTL:         cfg.Sync.RunLockTTL,
	}

	var daemons []*syncer.Daemon
	for _, account := range cfg.Marketplace.Accounts {
		if cfg.Sync.Mode != "all" && cfg.Sync.Mode != account.Name {
			continue
		}

		client, err := marketplace.NewClient(marketplace.Credentials{
			Account:  account.Name,
			Username: account.Username,
			Password: account.Password,
		}, limiter, log, clientOpts)
		if err != nil {
			return nil, fmt.Errorf("аккаунт %q: %w", account.Name, err)
		}

		daemons = append(daemons, syncer.NewDaemon(client, store, cachePort, events, log, shutdown, daemonCfg))
	}

	if len(daemons) == 0 {
		return nil, fmt.Errorf("режим %q не соответствует ни одному аккаунту", cfg.Sync.Mode)
	}

	return daemons, nil
}

// kindForOperation сопоставляет операцию из конфигурации типу сущности
func kindForOperation(operation string) models.EntityKind {
	switch operation {
	case "offers":
		return models.EntityKindOffer
	case "orders":
		return models.EntityKindOrder
	default:
		return models.EntityKindProduct
	}
}
