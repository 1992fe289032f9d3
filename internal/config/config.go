package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/flybeeper/segment-pipeline/internal/segmenter"
)

// Источники сообщений и приемники результатов
const (
	BackendJSONL  = "jsonl"
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config содержит конфигурацию приложения
type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	MQTT        MQTTConfig
	MySQL       MySQLConfig
	Segmenter   SegmenterConfig
	Run         RunConfig
	Performance PerformanceConfig
	Monitoring  MonitoringConfig
}

// ServerConfig конфигурация HTTP сервера
type ServerConfig struct {
	Address      string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// RateLimit запросов в секунду на клиента, 0 отключает ограничение
	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
}

// RedisConfig конфигурация Redis (хранилище seed)
type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	KeyPrefix    string
	SeedTTL      time.Duration
}

// MQTTConfig конфигурация MQTT
type MQTTConfig struct {
	URL          string
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	OrderMatters bool
	Topic        string
	QoS          byte
}

// MySQLConfig конфигурация MySQL (сообщения, сегменты, журнал запусков)
type MySQLConfig struct {
	DSN          string
	MaxIdleConns int
	MaxOpenConns int
}

// SegmenterConfig откуда брать параметры сегментатора
type SegmenterConfig struct {
	ParamsJSON string
	ParamsFile string
}

// RunConfig параметры пакетного запуска
type RunConfig struct {
	// DateRange "YYYY-MM-DD,YYYY-MM-DD", включительно
	DateRange    string
	// Source "jsonl", "mysql" или "jsonl,mysql"
	Source       string
	Input        string
	Sink         string
	OutputPrefix string
	SeedStore    string
}

// PerformanceConfig конфигурация производительности
type PerformanceConfig struct {
	WorkerPoolSize int
	MaxBatchSize   int
	BatchTimeout   time.Duration
}

// MonitoringConfig конфигурация мониторинга
type MonitoringConfig struct {
	MetricsEnabled bool
	MetricsPort    string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Address:      getEnv("SERVER_ADDRESS", ":8090"),
			Port:         getEnv("SERVER_PORT", "8090"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			RateLimit:    getFloat("SERVER_RATE_LIMIT", 20),
			RateBurst:    getInt("SERVER_RATE_BURST", 40),
			CORSOrigins:  getList("SERVER_CORS_ORIGINS", []string{"*"}),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getInt("REDIS_DB", 0),
			PoolSize:     getInt("REDIS_POOL_SIZE", 100),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 10),
			KeyPrefix:    getEnv("REDIS_KEY_PREFIX", "segmenter"),
			SeedTTL:      getDuration("REDIS_SEED_TTL", 30*24*time.Hour),
		},
		MQTT: MQTTConfig{
			URL:          getEnv("MQTT_URL", "tcp://localhost:1883"),
			ClientID:     getEnv("MQTT_CLIENT_ID", "segmenter-ingest"),
			Username:     getEnv("MQTT_USERNAME", ""),
			Password:     getEnv("MQTT_PASSWORD", ""),
			CleanSession: getBool("MQTT_CLEAN_SESSION", false),
			OrderMatters: getBool("MQTT_ORDER_MATTERS", false),
			Topic:        getEnv("MQTT_TOPIC", "ais/+/positions"),
			QoS:          byte(getInt("MQTT_QOS", 1)),
		},
		MySQL: MySQLConfig{
			DSN:          getEnv("MYSQL_DSN", ""),
			MaxIdleConns: getInt("MYSQL_MAX_IDLE_CONNS", 10),
			MaxOpenConns: getInt("MYSQL_MAX_OPEN_CONNS", 100),
		},
		Segmenter: SegmenterConfig{
			ParamsJSON: getEnv("SEGMENTER_PARAMS", ""),
			ParamsFile: getEnv("SEGMENTER_PARAMS_FILE", ""),
		},
		Run: RunConfig{
			DateRange:    getEnv("RUN_DATE_RANGE", ""),
			Source:       getEnv("RUN_SOURCE", BackendJSONL),
			Input:        getEnv("RUN_INPUT", ""),
			Sink:         getEnv("RUN_SINK", BackendJSONL),
			OutputPrefix: getEnv("RUN_OUTPUT_PREFIX", "segmented"),
			SeedStore:    getEnv("RUN_SEED_STORE", BackendRedis),
		},
		Performance: PerformanceConfig{
			WorkerPoolSize: getInt("WORKER_POOL_SIZE", 16),
			MaxBatchSize:   getInt("MAX_BATCH_SIZE", 500),
			BatchTimeout:   getDuration("BATCH_TIMEOUT", 5*time.Second),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: getBool("METRICS_ENABLED", true),
			MetricsPort:    getEnv("METRICS_PORT", "9090"),
		},
	}

	// Валидация
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}

	sources := c.Run.Sources()
	if len(sources) == 0 {
		return fmt.Errorf("RUN_SOURCE is required")
	}
	for _, source := range sources {
		switch source {
		case BackendJSONL, BackendMySQL:
		default:
			return fmt.Errorf("RUN_SOURCE must be a list of %s and %s, got %q", BackendJSONL, BackendMySQL, c.Run.Source)
		}
	}
	switch c.Run.Sink {
	case BackendJSONL, BackendMySQL:
	default:
		return fmt.Errorf("RUN_SINK must be %s or %s, got %q", BackendJSONL, BackendMySQL, c.Run.Sink)
	}
	switch c.Run.SeedStore {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("RUN_SEED_STORE must be %s or %s, got %q", BackendRedis, BackendMemory, c.Run.SeedStore)
	}

	if c.Run.SeedStore == BackendRedis && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
	}

	if c.Performance.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive")
	}
	if c.Performance.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}

	return nil
}

// RequireMySQL проверяет, что MySQL настроен для выбранного источника или приемника
func (c *Config) RequireMySQL() error {
	if c.MySQL.DSN == "" {
		return fmt.Errorf("MYSQL_DSN is required")
	}
	return nil
}

// UsesMySQL true, если источник или приемник запуска MySQL
func (c *Config) UsesMySQL() bool {
	return slices.Contains(c.Run.Sources(), BackendMySQL) || c.Run.Sink == BackendMySQL
}

// Sources источники запуска, RUN_SOURCE может перечислять несколько через запятую
func (r *RunConfig) Sources() []string {
	var out []string
	for _, part := range strings.Split(r.Source, ",") {
		if part = strings.TrimSpace(part); part != "" && !slices.Contains(out, part) {
			out = append(out, part)
		}
	}
	return out
}

// SegmenterParams читает и проверяет параметры сегментатора. Встроенный JSON
// имеет приоритет над файлом.
func (c *Config) SegmenterParams() (segmenter.Params, error) {
	var (
		params segmenter.Params
		err    error
	)
	switch {
	case c.Segmenter.ParamsJSON != "":
		params, err = segmenter.DecodeParams(strings.NewReader(c.Segmenter.ParamsJSON))
	case c.Segmenter.ParamsFile != "":
		params, err = LoadParamsFile(c.Segmenter.ParamsFile)
	default:
		return segmenter.Params{}, &segmenter.ConfigurationError{Field: "params", Reason: "SEGMENTER_PARAMS or SEGMENTER_PARAMS_FILE is required"}
	}
	if err != nil {
		return segmenter.Params{}, err
	}

	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return segmenter.Params{}, err
	}
	return params, nil
}

// LoadParamsFile читает параметры сегментатора из JSON файла
func LoadParamsFile(path string) (segmenter.Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return segmenter.Params{}, &segmenter.ConfigurationError{Field: "params", Reason: err.Error()}
	}
	defer f.Close()
	return segmenter.DecodeParams(f)
}

// Helper функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// LogLevel возвращает уровень логирования
func LogLevel() string {
	return getEnv("LOG_LEVEL", "info")
}

// LogFormat возвращает формат логирования
func LogFormat() string {
	return getEnv("LOG_FORMAT", "json")
}

// IsDevelopment проверяет, запущено ли приложение в режиме разработки
func IsDevelopment() bool {
	return getEnv("APP_ENV", "production") == "development"
}
