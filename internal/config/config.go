package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Session  SessionConfig  `mapstructure:"session"`
	Lock     LockConfig     `mapstructure:"lock"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Business BusinessConfig `mapstructure:"business"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql | sqlite | memory
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	Path         string `mapstructure:"path"` // sqlite 文件
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"` // gorm: silent | error | warn | info
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

type SessionConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	LoginLimit  int           `mapstructure:"login_limit"`
	LoginWindow time.Duration `mapstructure:"login_window"`
	LoginBlock  time.Duration `mapstructure:"login_block"`
}

// LockConfig 转账时来源卡的 Redis 锁
type LockConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Retries  int           `mapstructure:"retries"`
	Interval time.Duration `mapstructure:"interval"`
}

type LedgerConfig struct {
	IssuerPrefix          string `mapstructure:"issuer_prefix"`
	MaxGenerateAttempts   int    `mapstructure:"max_generate_attempts"`
	AllowCloseWithBalance bool   `mapstructure:"allow_close_with_balance"`
}

type BusinessConfig struct {
	MaxRetryCount  int           `mapstructure:"max_retry_count"`
	OutboxInterval time.Duration `mapstructure:"outbox_interval"`
	OutboxBatch    int           `mapstructure:"outbox_batch"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SetDefaults 注册默认值，配置文件缺省时也能启动
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	// 凭据没有默认值，也必须注册，否则 AutomaticEnv 的覆盖不会进入 Unmarshal
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "cardbank")
	v.SetDefault("database.path", "card.s3db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.ledger_events", "cardbank.ledger.events")

	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("session.login_limit", 5)
	v.SetDefault("session.login_window", time.Minute)
	v.SetDefault("session.login_block", 15*time.Minute)

	v.SetDefault("lock.ttl", 10*time.Second)
	v.SetDefault("lock.retries", 30)
	v.SetDefault("lock.interval", 100*time.Millisecond)

	v.SetDefault("ledger.issuer_prefix", "400000")
	v.SetDefault("ledger.max_generate_attempts", 10)
	v.SetDefault("ledger.allow_close_with_balance", true)

	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.outbox_interval", 500*time.Millisecond)
	v.SetDefault("business.outbox_batch", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load 读取配置：默认值 < 配置文件 < 环境变量（CARDBANK_ 前缀）
// configPath 为空或文件不存在时只使用默认值与环境变量
func Load(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("CARDBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isNotExist(err) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验关键配置项
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Ledger.MaxGenerateAttempts < 1 {
		return fmt.Errorf("ledger.max_generate_attempts must be >= 1, got %d", c.Ledger.MaxGenerateAttempts)
	}
	if c.Business.MaxRetryCount < 1 {
		return fmt.Errorf("business.max_retry_count must be >= 1, got %d", c.Business.MaxRetryCount)
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
