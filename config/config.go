package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	pkgerrors "github.com/athebyme/gomarket-sync/pkg/errors"
)

// AccountConfig содержит учетные данные одного аккаунта маркетплейса.
// Учетные данные неизменяемы после загрузки и принадлежат конфигурации процесса.
type AccountConfig struct {
	Name     string `mapstructure:"name"`     // метка аккаунта, например "main" или "fbe"
	Username string `mapstructure:"username"` // логин API
	Password string `mapstructure:"password"` // пароль API
}

// Config содержит все настройки сервиса
type Config struct {
	AppName  string
	Version  string
	LogLevel string
	ENV      string

	Marketplace struct {
		Environment     string          `mapstructure:"environment"`       // sandbox или production
		SandboxURL      string          `mapstructure:"sandbox_url"`       // базовый URL песочницы
		ProductionURL   string          `mapstructure:"production_url"`    // базовый URL боевого окружения
		RequestTimeout  time.Duration   `mapstructure:"request_timeout"`   // таймаут одного HTTP запроса
		MaxRetries      int             `mapstructure:"max_retries"`       // максимальное число повторных попыток
		RetryBackoff    time.Duration   `mapstructure:"retry_backoff"`     // базовая задержка экспоненциального бэкоффа
		WindowDuration  time.Duration   `mapstructure:"window_duration"`   // длительность окна рейт-лимита
		OrdersPerWindow int             `mapstructure:"orders_per_window"` // лимит запросов к заказам за окно
		OtherPerWindow  int             `mapstructure:"other_per_window"`  // лимит прочих запросов за окно
		BulkMaxEntities int             `mapstructure:"bulk_max_entities"` // максимум сущностей в одном bulk-запросе
		Accounts        []AccountConfig `mapstructure:"accounts"`
	}

	Sync struct {
		Mode                    string        `mapstructure:"mode"`                      // all или имя аккаунта
		Operation               string        `mapstructure:"operation"`                 // products, offers или orders
		Interval                time.Duration `mapstructure:"interval"`                  // интервал автосинхронизации
		PageLimit               int           `mapstructure:"page_limit"`                // размер страницы при чтении каталога
		MaxPages                int           `mapstructure:"max_pages"`                 // жесткий потолок числа страниц за запуск
		BatchSize               int           `mapstructure:"batch_size"`                // размер чанка для пакетных операций
		InterChunkDelay         time.Duration `mapstructure:"inter_chunk_delay"`         // пауза между чанками
		InterPageDelay          time.Duration `mapstructure:"inter_page_delay"`          // пауза между страницами
		Timeout                 time.Duration `mapstructure:"timeout"`                   // потолок времени одного запуска
		ProgressFlushEvery      int           `mapstructure:"progress_flush_every"`      // раз в сколько элементов сбрасывать прогресс в БД
		RunLockTTL              time.Duration `mapstructure:"run_lock_ttl"`              // срок действия блокировки запуска
		FlagIdenticalDuplicates bool          `mapstructure:"flag_identical_duplicates"` // публиковать ли дубликаты без конфликтов атрибутов
	}

	Postgres struct {
		Host     string
		Port     int
		User     string
		Password string
		DBName   string
		SSLMode  string
		Timeout  time.Duration
		PoolSize int // размер пула соединений
	}

	Redis struct {
		Host     string
		Port     int
		Password string
		DB       int
	}

	Kafka struct {
		Brokers      []string `mapstructure:"brokers"`
		GroupID      string   `mapstructure:"group_id"`
		EventsTopic  string   `mapstructure:"events_topic"`
		CommandTopic string   `mapstructure:"command_topic"`
	}

	Metrics struct {
		Enabled bool
		Port    int `mapstructure:"port"`
	}
}

// Load загружает конфигурацию из файла и переменных окружения
func Load(configPath string) (*Config, error) {
	configFile := "config"
	if configPath != "" {
		configFile = configPath
	}

	var cfg Config

	// Настройка Viper
	viper.SetConfigName(configFile)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("../config")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Чтение конфигурационного файла
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
		}
		// Продолжаем, если файл не найден, будем использовать только переменные окружения
	}

	// Установка значений по умолчанию
	setDefaults()

	// Привязка переменных окружения
	bindEnvVariables()

	// Чтение конфигурации в структуру
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка десериализации конфигурации: %w", err)
	}

	// Получаем окружение
	cfg.ENV = viper.GetString("env")
	if cfg.ENV == "" {
		cfg.ENV = "development"
		if envVar := os.Getenv("APP_ENV"); envVar != "" {
			cfg.ENV = envVar
		}
	}

	// Учетные данные аккаунтов могут приходить только из переменных окружения
	overlayAccountCredentials(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// overlayAccountCredentials накладывает учетные данные из переменных окружения
// вида MARKETPLACE_<ИМЯ>_USERNAME / MARKETPLACE_<ИМЯ>_PASSWORD поверх файла.
// Если аккаунт не описан в файле, но обе переменные заданы, он добавляется.
func overlayAccountCredentials(cfg *Config) {
	known := make(map[string]int, len(cfg.Marketplace.Accounts))
	for i, acc := range cfg.Marketplace.Accounts {
		known[acc.Name] = i

		prefix := "MARKETPLACE_" + strings.ToUpper(acc.Name)
		if v := os.Getenv(prefix + "_USERNAME"); v != "" {
			cfg.Marketplace.Accounts[i].Username = v
		}
		if v := os.Getenv(prefix + "_PASSWORD"); v != "" {
			cfg.Marketplace.Accounts[i].Password = v
		}
	}

	for _, name := range []string{"main", "fbe"} {
		if _, ok := known[name]; ok {
			continue
		}
		prefix := "MARKETPLACE_" + strings.ToUpper(name)
		user := os.Getenv(prefix + "_USERNAME")
		pass := os.Getenv(prefix + "_PASSWORD")
		if user != "" && pass != "" {
			cfg.Marketplace.Accounts = append(cfg.Marketplace.Accounts, AccountConfig{
				Name:     name,
				Username: user,
				Password: pass,
			})
		}
	}
}

// Validate проверяет корректность конфигурации.
// Отсутствие учетных данных - фатальная ошибка: движок отказывается стартовать.
func (c *Config) Validate() error {
	if len(c.Marketplace.Accounts) == 0 {
		return fmt.Errorf("не задан ни один аккаунт маркетплейса")
	}
	seen := make(map[string]struct{}, len(c.Marketplace.Accounts))
	for _, acc := range c.Marketplace.Accounts {
		if acc.Name == "" {
			return fmt.Errorf("аккаунт маркетплейса без имени")
		}
		if _, ok := seen[acc.Name]; ok {
			return fmt.Errorf("аккаунт %q задан более одного раза", acc.Name)
		}
		seen[acc.Name] = struct{}{}
		if acc.Username == "" || acc.Password == "" {
			return fmt.Errorf("аккаунт %q: не заданы учетные данные", acc.Name)
		}
	}

	switch c.Marketplace.Environment {
	case "sandbox", "production":
	default:
		return fmt.Errorf("недопустимое окружение маркетплейса: %q", c.Marketplace.Environment)
	}

	if c.Marketplace.WindowDuration <= 0 {
		return fmt.Errorf("длительность окна рейт-лимита должна быть положительной")
	}
	if c.Marketplace.OrdersPerWindow <= 0 || c.Marketplace.OtherPerWindow <= 0 {
		return fmt.Errorf("лимиты запросов за окно должны быть положительными")
	}
	if c.Marketplace.MaxRetries < 0 {
		return fmt.Errorf("число повторных попыток не может быть отрицательным")
	}

	if c.Sync.PageLimit <= 0 {
		return fmt.Errorf("размер страницы должен быть положительным")
	}
	if c.Sync.BatchSize <= 0 || c.Sync.BatchSize > c.Marketplace.BulkMaxEntities {
		return fmt.Errorf("размер чанка должен быть в пределах 1..%d", c.Marketplace.BulkMaxEntities)
	}
	if c.Sync.MaxPages <= 0 {
		return fmt.Errorf("потолок числа страниц должен быть положительным")
	}
	if c.Sync.ProgressFlushEvery <= 0 {
		return fmt.Errorf("интервал сброса прогресса должен быть положительным")
	}

	switch c.Sync.Operation {
	case "products", "offers", "orders":
	default:
		return fmt.Errorf("недопустимая операция синхронизации: %q", c.Sync.Operation)
	}

	return c.validatePostgres()
}

// validatePostgres проверяет настройки подключения к БД
func (c *Config) validatePostgres() error {
	switch {
	case c.Postgres.Host == "":
		return pkgerrors.ErrStorageEmptyHostName
	case c.Postgres.Port <= 0 || c.Postgres.Port > 65535:
		return pkgerrors.ErrStorageInvalidPortNumber
	case c.Postgres.User == "":
		return pkgerrors.ErrStorageEmptyUsername
	case c.Postgres.Password == "":
		return pkgerrors.ErrStorageEmptyPassword
	case c.Postgres.DBName == "":
		return pkgerrors.ErrStorageInvalidDatabaseName
	case c.Postgres.PoolSize <= 0:
		return pkgerrors.ErrStorageInvalidPoolSize
	case c.Postgres.Timeout <= 0:
		return pkgerrors.ErrStorageInvalidTimeout
	}

	switch c.Postgres.SSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return pkgerrors.ErrStorageInvalidSslMode
	}

	return nil
}

// BaseURL возвращает базовый URL маркетплейса для настроенного окружения
func (c *Config) BaseURL() string {
	if c.Marketplace.Environment == "production" {
		return c.Marketplace.ProductionURL
	}
	return c.Marketplace.SandboxURL
}

// setDefaults устанавливает значения по умолчанию
func setDefaults() {
	// Основные настройки
	viper.SetDefault("appName", "gomarket-sync")
	viper.SetDefault("version", "1.0.0")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("env", "development")

	// Настройки маркетплейса
	viper.SetDefault("marketplace.environment", "sandbox")
	viper.SetDefault("marketplace.sandbox_url", "https://marketplace-sandbox.example.com/api-3")
	viper.SetDefault("marketplace.production_url", "https://marketplace.example.com/api-3")
	viper.SetDefault("marketplace.request_timeout", "30s")
	viper.SetDefault("marketplace.max_retries", 3)
	viper.SetDefault("marketplace.retry_backoff", "500ms")
	viper.SetDefault("marketplace.window_duration", "1s")
	viper.SetDefault("marketplace.orders_per_window", 12)
	viper.SetDefault("marketplace.other_per_window", 3)
	viper.SetDefault("marketplace.bulk_max_entities", 50)

	// Настройки синхронизации
	viper.SetDefault("sync.mode", "all")
	viper.SetDefault("sync.operation", "products")
	viper.SetDefault("sync.interval", "10m")
	viper.SetDefault("sync.page_limit", 100)
	viper.SetDefault("sync.max_pages", 500)
	viper.SetDefault("sync.batch_size", 50)
	viper.SetDefault("sync.inter_chunk_delay", "300ms")
	viper.SetDefault("sync.inter_page_delay", "200ms")
	viper.SetDefault("sync.timeout", "30m")
	viper.SetDefault("sync.progress_flush_every", 100)
	viper.SetDefault("sync.run_lock_ttl", "1h")
	viper.SetDefault("sync.flag_identical_duplicates", true)

	// Настройки Postgres
	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", 5432)
	viper.SetDefault("postgres.user", "postgres")
	viper.SetDefault("postgres.password", "postgres")
	viper.SetDefault("postgres.dbname", "postgres")
	viper.SetDefault("postgres.sslmode", "disable")
	viper.SetDefault("postgres.timeout", "5s")
	viper.SetDefault("postgres.poolSize", 10)

	// Настройки Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Настройки Kafka
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.group_id", "gomarket-sync")
	viper.SetDefault("kafka.events_topic", "sync-events")
	viper.SetDefault("kafka.command_topic", "sync-commands")

	// Настройки метрик
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
}

// bindEnvVariables привязывает переменные окружения к конфигурации
func bindEnvVariables() {
	// Основные настройки
	viper.BindEnv("appName", "APP_NAME")
	viper.BindEnv("version", "APP_VERSION")
	viper.BindEnv("logLevel", "LOG_LEVEL")
	viper.BindEnv("env", "APP_ENV")

	// Настройки маркетплейса
	viper.BindEnv("marketplace.environment", "MARKETPLACE_ENVIRONMENT")
	viper.BindEnv("marketplace.sandbox_url", "MARKETPLACE_SANDBOX_URL")
	viper.BindEnv("marketplace.production_url", "MARKETPLACE_PRODUCTION_URL")
	viper.BindEnv("marketplace.request_timeout", "MARKETPLACE_REQUEST_TIMEOUT")
	viper.BindEnv("marketplace.max_retries", "MARKETPLACE_MAX_RETRIES")
	viper.BindEnv("marketplace.retry_backoff", "MARKETPLACE_RETRY_BACKOFF")

	// Настройки синхронизации
	viper.BindEnv("sync.mode", "SYNC_MODE")
	viper.BindEnv("sync.operation", "SYNC_OPERATION")
	viper.BindEnv("sync.interval", "SYNC_INTERVAL")
	viper.BindEnv("sync.page_limit", "SYNC_PAGE_LIMIT")
	viper.BindEnv("sync.max_pages", "SYNC_MAX_PAGES")
	viper.BindEnv("sync.batch_size", "SYNC_BATCH_SIZE")
	viper.BindEnv("sync.timeout", "SYNC_TIMEOUT")
	viper.BindEnv("sync.progress_flush_every", "SYNC_PROGRESS_FLUSH_EVERY")

	// Настройки Postgres
	viper.BindEnv("postgres.host", "POSTGRES_HOST")
	viper.BindEnv("postgres.port", "POSTGRES_PORT")
	viper.BindEnv("postgres.user", "POSTGRES_USER")
	viper.BindEnv("postgres.password", "POSTGRES_PASSWORD")
	viper.BindEnv("postgres.dbname", "POSTGRES_DBNAME")
	viper.BindEnv("postgres.sslmode", "POSTGRES_SSLMODE")
	viper.BindEnv("postgres.timeout", "POSTGRES_TIMEOUT")
	viper.BindEnv("postgres.poolSize", "POSTGRES_POOL_SIZE")

	// Настройки Redis
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Настройки Kafka
	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("kafka.group_id", "KAFKA_GROUP_ID")
	viper.BindEnv("kafka.events_topic", "KAFKA_EVENTS_TOPIC")
	viper.BindEnv("kafka.command_topic", "KAFKA_COMMAND_TOPIC")

	// Настройки метрик
	viper.BindEnv("metrics.enabled", "METRICS_ENABLED")
	viper.BindEnv("metrics.port", "METRICS_PORT")
}
