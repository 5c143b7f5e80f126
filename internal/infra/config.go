package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации пайплайна.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Connectors ConnectorsConfig `mapstructure:"connectors"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	ItemLog    ItemLogConfig    `mapstructure:"itemlog"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
}

// ServerConfig описывает настройки HTTP-сервера Console API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// Addr собирает адрес для ListenAndServe.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MetricsConfig — отдельный listener для Prometheus.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
// Пустой URL включает in-memory хранилище (локальная разработка).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (состояние агентов, допуск, лимиты, очередь).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу для проверки RS256 токенов.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type SchedulerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxJitter  time.Duration `mapstructure:"max_jitter"`
	RunOnStart bool          `mapstructure:"run_on_start"`
	MaxSleep   time.Duration `mapstructure:"max_sleep"`
}

// PoolConfig — бюджеты и таймауты Worker Pool.
type PoolConfig struct {
	// Лимит одновременно выполняемых задач на категорию агентов
	Concurrency map[string]int `mapstructure:"concurrency"`

	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"` // Строго меньше JobTimeout
	LockSlack        time.Duration `mapstructure:"lock_slack"`
	IdempotencyTTL   time.Duration `mapstructure:"idempotency_ttl"`

	FetchAttempts      uint          `mapstructure:"fetch_attempts"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	ValidationAttempts int           `mapstructure:"validation_attempts"`

	// Повторы записи терминального статуса; при неудаче лок живет до TTL
	FinalizeAttempts uint          `mapstructure:"finalize_attempts"`
	FinalizeDelay    time.Duration `mapstructure:"finalize_delay"`

	// Локальный лимит исходящих вызовов (x/time/rate)
	OutboundRPS   float64 `mapstructure:"outbound_rps"`
	OutboundBurst int     `mapstructure:"outbound_burst"`

	// Настройки Circuit Breaker для внешних коллабораторов
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`
}

// ConnectorsConfig — адреса gRPC коллабораторов. Mock включает заглушки.
type ConnectorsConfig struct {
	Mock         bool   `mapstructure:"mock"`
	FetcherAddr  string `mapstructure:"fetcher_addr"`
	AnalyzerAddr string `mapstructure:"analyzer_addr"`
	ServiceToken string `mapstructure:"service_token"`

	// Адрес, который слушает cmd/connector
	ListenAddr string `mapstructure:"listen_addr"`
}

type AggregatorConfig struct {
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	RecentLimit      int           `mapstructure:"recent_limit"`
	QueryTimeout     time.Duration `mapstructure:"query_timeout"`
}

type BroadcastConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	RetryHint    time.Duration `mapstructure:"retry_hint"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RateLimitTier — лимит запросов в окне.
type RateLimitTier struct {
	Limit  int64         `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type RateLimitConfig struct {
	Tiers map[string]RateLimitTier `mapstructure:"tiers"`
}

// ItemLogConfig — буфер асинхронной записи исходов по элементам.
type ItemLogConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type PipelineConfig struct {
	AnalyzerBatch   int   `mapstructure:"analyzer_batch"`
	PendingCapacity int64 `mapstructure:"pending_capacity"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает конфиг: POOL_JOB_TIMEOUT=5m перекроет pool.job_timeout
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.max_jitter", 30*time.Second)
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.max_sleep", 30*time.Second)

	v.SetDefault("pool.concurrency", map[string]int{"collector": 3, "analyzer": 1})
	v.SetDefault("pool.job_timeout", 10*time.Minute)
	v.SetDefault("pool.operation_timeout", 45*time.Second)
	v.SetDefault("pool.lock_slack", 30*time.Second)
	v.SetDefault("pool.idempotency_ttl", 48*time.Hour)
	v.SetDefault("pool.fetch_attempts", 3)
	v.SetDefault("pool.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("pool.retry_max_delay", 10*time.Second)
	v.SetDefault("pool.validation_attempts", 3)
	v.SetDefault("pool.finalize_attempts", 5)
	v.SetDefault("pool.finalize_delay", 200*time.Millisecond)
	v.SetDefault("pool.outbound_rps", 20)
	v.SetDefault("pool.outbound_burst", 5)
	v.SetDefault("pool.cb_max_requests", 3)
	v.SetDefault("pool.cb_interval", 60*time.Second)
	v.SetDefault("pool.cb_timeout", 30*time.Second)
	v.SetDefault("pool.cb_max_failures", 5)

	v.SetDefault("connectors.mock", true)
	v.SetDefault("connectors.fetcher_addr", "localhost:50051")
	v.SetDefault("connectors.analyzer_addr", "localhost:50051")
	v.SetDefault("connectors.listen_addr", ":50051")

	v.SetDefault("aggregator.debounce_interval", 2*time.Second)
	v.SetDefault("aggregator.recent_limit", 10)
	v.SetDefault("aggregator.query_timeout", 3*time.Second)

	v.SetDefault("broadcast.interval", 5*time.Second)
	v.SetDefault("broadcast.retry_hint", 3*time.Second)
	v.SetDefault("broadcast.write_timeout", 5*time.Second)

	v.SetDefault("ratelimit.tiers", map[string]interface{}{
		"admin":   map[string]interface{}{"limit": 30, "window": time.Minute},
		"trigger": map[string]interface{}{"limit": 5, "window": time.Minute},
		"agent":   map[string]interface{}{"limit": 120, "window": time.Minute},
	})

	v.SetDefault("itemlog.buffer_size", 10000)
	v.SetDefault("itemlog.batch_size", 100)
	v.SetDefault("itemlog.flush_interval", 1*time.Second)

	v.SetDefault("pipeline.analyzer_batch", 50)
	v.SetDefault("pipeline.pending_capacity", 10000)
}

// Validate проверяет инварианты, без которых ядро работать не должно.
func (c *Config) Validate() error {
	p := c.Pool
	if p.JobTimeout <= 0 || p.OperationTimeout <= 0 {
		return errors.New("config: pool timeouts must be positive")
	}
	// Ни один внешний вызов не может жить дольше всей задачи
	if p.OperationTimeout >= p.JobTimeout {
		return fmt.Errorf("config: pool.operation_timeout (%v) must be shorter than pool.job_timeout (%v)",
			p.OperationTimeout, p.JobTimeout)
	}
	for cat, n := range p.Concurrency {
		if n <= 0 {
			return fmt.Errorf("config: pool.concurrency.%s must be positive", cat)
		}
	}
	if c.Broadcast.Interval <= 0 {
		return errors.New("config: broadcast.interval must be positive")
	}
	if c.Aggregator.DebounceInterval >= c.Broadcast.Interval {
		return fmt.Errorf("config: aggregator.debounce_interval (%v) must be shorter than broadcast.interval (%v)",
			c.Aggregator.DebounceInterval, c.Broadcast.Interval)
	}
	if len(c.RateLimit.Tiers) == 0 {
		return errors.New("config: at least one ratelimit tier is required")
	}
	for name, tier := range c.RateLimit.Tiers {
		if tier.Limit <= 0 {
			return fmt.Errorf("config: ratelimit tier %q needs positive limit", name)
		}
		// Окно считается в миллисекундах
		if tier.Window < time.Millisecond {
			return fmt.Errorf("config: ratelimit tier %q window %v is shorter than 1ms", name, tier.Window)
		}
	}
	return nil
}

// loadKeyResource — ключ из ENV (PEM целиком) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
