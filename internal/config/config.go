package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Outbox OutboxConfig `mapstructure:"outbox"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
	// Categories 事件类型前缀到总线类别的追加映射（覆盖内置默认值）
	// 例如 "PROMO": "analytics"
	Categories map[string]string `mapstructure:"categories"`
}

// KafkaTopicConfig 三条物理总线：领域事件 / 基础设施事件 / 分析事件
type KafkaTopicConfig struct {
	Domain    string `mapstructure:"domain"`
	Infra     string `mapstructure:"infra"`
	Analytics string `mapstructure:"analytics"`
}

// OutboxConfig 发件箱处理器配置
type OutboxConfig struct {
	PollIntervalMs        int `mapstructure:"poll_interval_ms"`        // 轮询间隔
	BatchSize             int `mapstructure:"batch_size"`              // 每次认领的最大事件数
	Workers               int `mapstructure:"workers"`                 // 并发发布的聚合组数上限
	MaxAttempts           int `mapstructure:"max_attempts"`            // 最大发布尝试次数，超过即死信
	BackoffBaseMs         int `mapstructure:"backoff_base_ms"`         // 退避基数
	BackoffCapMs          int `mapstructure:"backoff_cap_ms"`          // 退避上限
	PublishTimeoutMs      int `mapstructure:"publish_timeout_ms"`      // 单条发布超时
	ClaimTTLSeconds       int `mapstructure:"claim_ttl_seconds"`       // 租约存活时间，超时视为处理器崩溃
	ReaperIntervalSeconds int `mapstructure:"reaper_interval_seconds"` // 僵尸租约回收间隔
	RetentionHours        int `mapstructure:"retention_hours"`         // 已处理事件保留时长，0 表示不清理
	CleanupIntervalMin    int `mapstructure:"cleanup_interval_min"`    // 清理任务执行间隔
}

func (c *OutboxConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *OutboxConfig) BackoffBase() time.Duration {
	if c.BackoffBaseMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c *OutboxConfig) BackoffCap() time.Duration {
	if c.BackoffCapMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.BackoffCapMs) * time.Millisecond
}

func (c *OutboxConfig) PublishTimeout() time.Duration {
	if c.PublishTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PublishTimeoutMs) * time.Millisecond
}

func (c *OutboxConfig) ClaimTTL() time.Duration {
	if c.ClaimTTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

func (c *OutboxConfig) ReaperInterval() time.Duration {
	if c.ReaperIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}

func (c *OutboxConfig) EffectiveBatchSize() int {
	if c.BatchSize <= 0 {
		return 100
	}
	return c.BatchSize
}

func (c *OutboxConfig) EffectiveWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

func (c *OutboxConfig) EffectiveMaxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 3
	}
	return c.MaxAttempts
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
