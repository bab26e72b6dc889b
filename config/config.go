package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/protocol-bank/payroll/internal/api"
	"github.com/protocol-bank/payroll/internal/executor"
	"github.com/protocol-bank/payroll/internal/logging"
	"github.com/protocol-bank/payroll/internal/metrics"
	"github.com/protocol-bank/payroll/internal/notify"
	"github.com/protocol-bank/payroll/internal/paylink"
	"github.com/protocol-bank/payroll/internal/payroll"
	"github.com/protocol-bank/payroll/internal/split"
)

const configNameEnv = "PB_CONFIG_NAME"

type ServerConfig struct {
	Server        api.Config           `mapstructure:"server" json:"server"`
	Database      DatabaseConfig       `mapstructure:"database" json:"database,omitempty"`
	Redis         RedisConfig          `mapstructure:"redis" json:"redis,omitempty"`
	Logging       LoggingConfig        `mapstructure:"logging" json:"logging"`
	Metrics       metrics.Config       `mapstructure:"metrics" json:"metrics"`
	PaymentLink   paylink.Config       `mapstructure:"payment_link" json:"payment_link"`
	Executor      executor.Config      `mapstructure:"executor" json:"executor"`
	Webhook       notify.WebhookConfig `mapstructure:"webhook" json:"webhook,omitempty"`
	Payroll       PayrollConfig        `mapstructure:"payroll" json:"payroll"`
	Batch         BatchConfig          `mapstructure:"batch" json:"batch"`
	TokenRegistry string               `mapstructure:"token_registry" json:"token_registry,omitempty"`
}

// WorkerConfig is shared by the scheduler and the task worker.
type WorkerConfig struct {
	Database      DatabaseConfig       `mapstructure:"database" json:"database,omitempty"`
	Redis         RedisConfig          `mapstructure:"redis" json:"redis,omitempty"`
	Logging       LoggingConfig        `mapstructure:"logging" json:"logging"`
	Metrics       metrics.Config       `mapstructure:"metrics" json:"metrics"`
	Executor      executor.Config      `mapstructure:"executor" json:"executor"`
	Webhook       notify.WebhookConfig `mapstructure:"webhook" json:"webhook,omitempty"`
	Payroll       PayrollConfig        `mapstructure:"payroll" json:"payroll"`
	Concurrency   int                  `mapstructure:"concurrency" json:"concurrency,omitempty"`
	HealthPort    int                  `mapstructure:"health_port" json:"health_port,omitempty"`
	TokenRegistry string               `mapstructure:"token_registry" json:"token_registry,omitempty"`
}

type PayrollConfig struct {
	payroll.Config `mapstructure:",squash"`
	Strictness     split.Strictness `mapstructure:"strictness" json:"strictness,omitempty"`
}

type BatchConfig struct {
	MaxSize  int           `mapstructure:"max_size" json:"max_size,omitempty"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" json:"cache_ttl,omitempty"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn" json:"dsn,omitempty"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     string `mapstructure:"port" json:"port,omitempty"`
	User     string `mapstructure:"user" json:"user,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty"`
	DB       int    `mapstructure:"db" json:"db,omitempty"`
}

type LoggingConfig struct {
	Format logging.LogFormat `mapstructure:"format" json:"format,omitempty"`
	Level  string            `mapstructure:"level" json:"level,omitempty"`
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

func (r RedisConfig) Options() *redis.Options {
	return &redis.Options{
		Addr:     r.Addr(),
		Username: r.User,
		Password: r.Password,
		DB:       r.DB,
	}
}

func (r RedisConfig) AsynqOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     r.Addr(),
		Username: r.User,
		Password: r.Password,
		DB:       r.DB,
	}
}

func configName() string {
	name := os.Getenv(configNameEnv)
	if name == "" {
		name = "config"
	}
	return name
}

func ReadServerConfig() (*ServerConfig, error) {
	var cfg ServerConfig
	if err := read(configName(), serverDefaults, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	if cfg.PaymentLink.Secret == "" {
		return nil, paylink.ErrMissingSecret
	}
	return &cfg, nil
}

func ReadWorkerConfig() (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := read(configName(), workerDefaults, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	return &cfg, nil
}

func commonDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.user", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("logging.format", string(logging.FormatText))
	v.SetDefault("logging.level", "info")

	m := metrics.DefaultConfig()
	v.SetDefault("metrics.enabled", m.Enabled)
	v.SetDefault("metrics.host", m.Host)
	v.SetDefault("metrics.port", m.Port)
	v.SetDefault("metrics.token", "")

	v.SetDefault("executor.url", "")
	v.SetDefault("executor.token", "")
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("payroll.look_back", payroll.DefaultLookBack.String())
	v.SetDefault("payroll.action_ttl", payroll.DefaultActionTTL.String())
	v.SetDefault("payroll.max_attempts", payroll.DefaultMaxAttempts)
	v.SetDefault("payroll.concurrency", payroll.DefaultConcurrency)
	v.SetDefault("payroll.strictness", string(split.AllowUnder))
	v.SetDefault("token_registry", "")
}

func serverDefaults(v *viper.Viper) {
	commonDefaults(v)
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("payment_link.secret", "")
	v.SetDefault("payment_link.base_url", "https://app.protocolbanks.com/pay")
	v.SetDefault("batch.cache_ttl", "24h")
}

func workerDefaults(v *viper.Viper) {
	commonDefaults(v)
	v.SetDefault("concurrency", 10)
	v.SetDefault("health_port", 8081)
}

// read loads configName from the working directory when present; every key
// can be overridden from the environment (server.port -> SERVER_PORT).
func read(configName string, defaults func(*viper.Viper), out interface{}) error {
	v := viper.New()
	v.SetConfigName(configName)
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("fail to reading config file, %w", err)
		}
	}

	err := v.Unmarshal(out, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return fmt.Errorf("unable to decode into struct, %w", err)
	}
	return nil
}
