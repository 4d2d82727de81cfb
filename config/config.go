package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Ticket  TicketConfig  `mapstructure:"ticket"`
	Codec   CodecConfig   `mapstructure:"codec"`
	Lock    LockConfig    `mapstructure:"lock"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// 为空时允许所有来源
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MySQLConfig struct {
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

type RedisConfig struct {
	// 令牌元数据和待补写核验
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix"`

	// 存储淘汰时间与逻辑过期时间允许的偏差
	ClockSkew time.Duration `mapstructure:"clock_skew"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	EventsTopic   string   `mapstructure:"events_topic"`
	PaymentsTopic string   `mapstructure:"payments_topic"`
	GroupID       string   `mapstructure:"group_id"`
	Workers       int      `mapstructure:"workers"`
}

type TicketConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// 可选的清理延迟, 默认0即 expires_at < now 立刻过期
	SweepGrace time.Duration `mapstructure:"sweep_grace"`
	SweepBatch int           `mapstructure:"sweep_batch"`
	// 单个事件发布的最长等待时间
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type CodecConfig struct {
	// 64位十六进制, 256 bit
	Key string `mapstructure:"key"`
}

type LockConfig struct {
	// "redis" 或 "etcd"
	Backend    string        `mapstructure:"backend"`
	LeaseTTL   time.Duration `mapstructure:"lease_ttl"`
	RetryCount int           `mapstructure:"retry_count"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var AppConfig Config

// SetDefaults 注册配置文件和环境变量都未提供时的默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.query_timeout", time.Second)

	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 0)
	v.SetDefault("redis.timeout", 500*time.Millisecond)
	v.SetDefault("redis.key_prefix", "farepass:")
	v.SetDefault("redis.clock_skew", time.Second)

	v.SetDefault("kafka.events_topic", "ticket-events")
	v.SetDefault("kafka.payments_topic", "payments")
	v.SetDefault("kafka.group_id", "farepass")
	v.SetDefault("kafka.workers", 4)

	v.SetDefault("ticket.ttl", 900*time.Second)
	v.SetDefault("ticket.sweep_interval", 2*time.Minute)
	v.SetDefault("ticket.sweep_grace", time.Duration(0))
	v.SetDefault("ticket.publish_timeout", 2*time.Second)
	v.SetDefault("ticket.sweep_batch", 500)

	v.SetDefault("lock.backend", "redis")
	v.SetDefault("lock.lease_ttl", 30*time.Second)
	v.SetDefault("lock.retry_count", 1)
	v.SetDefault("lock.retry_delay", 100*time.Millisecond)

	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 2*time.Second)

	v.SetDefault("graphql.path", "/graphql")

	v.SetDefault("log.level", "info")
}

// LoadConfig 加载配置文件, 环境变量覆盖文件中的值, 如 CODEC_KEY 或 TICKET_TTL
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// Validate 检查服务启动所需的配置
func (c *Config) Validate() error {
	if c.Ticket.TTL <= 0 {
		return fmt.Errorf("ticket.ttl must be positive, got %s", c.Ticket.TTL)
	}
	if c.Ticket.SweepInterval <= 0 {
		return fmt.Errorf("ticket.sweep_interval must be positive, got %s", c.Ticket.SweepInterval)
	}
	if c.Ticket.SweepGrace < 0 {
		return fmt.Errorf("ticket.sweep_grace must not be negative")
	}
	if c.Ticket.SweepBatch <= 0 {
		return fmt.Errorf("ticket.sweep_batch must be positive")
	}
	if c.Ticket.PublishTimeout < 0 {
		return fmt.Errorf("ticket.publish_timeout must not be negative")
	}
	if c.Codec.Key == "" {
		return fmt.Errorf("codec.key is required")
	}
	switch c.Lock.Backend {
	case "redis":
		if len(c.Redis.LockAddresses) == 0 {
			return fmt.Errorf("redis.lock_addresses is required for the redis lock backend")
		}
	case "etcd":
		if len(c.ETCD.Endpoints) == 0 {
			return fmt.Errorf("etcd.endpoints is required for the etcd lock backend")
		}
	default:
		return fmt.Errorf("unknown lock.backend %q", c.Lock.Backend)
	}
	return nil
}
