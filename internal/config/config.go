// Package config загружает настройки courier из окружения и файла .env.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/shaiso/courier/internal/mq"
)

// Role — какой процесс загружает конфигурацию.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
	RoleCLI      Role = "cli"
)

// MetricsOff отключает HTTP-сервер метрик.
const MetricsOff = "off"

// Config — настройки процесса.
type Config struct {
	Role Role

	// Брокер
	BrokerHost     string
	BrokerPort     int
	BrokerUser     string
	BrokerPass     string
	BrokerVHost    string
	Heartbeat      time.Duration
	BlockedTimeout time.Duration
	ConnectTimeout time.Duration
	ConnectRetries int

	// Топология
	QueueName          string
	ExchangeName       string
	ExchangeType       string
	RoutingKey         string
	QueueType          string
	DeadLetterExchange string

	// Producer
	MessageInterval time.Duration
	Schedule        string
	Payload         string
	Source          string

	// Consumer
	MaxRedeliveries int
	DrainTimeout    time.Duration

	// Журнал и метрики
	DBURL       string
	MetricsAddr string
}

var required = []string{"BROKER_HOST", "BROKER_USER", "BROKER_PASS", "QUEUE_NAME"}

// Load читает .env (если есть) и переменные окружения.
// Ошибки оборачивают ErrMissing или ErrInvalid.
func Load(role Role) (*Config, error) {
	v := viper.New()

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read .env: %w", ErrInvalid, err)
		}
	}

	v.AutomaticEnv()
	setDefaults(v, role)

	var missing []string
	for _, key := range required {
		if strings.TrimSpace(v.GetString(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}

	p := &parser{v: v}

	cfg := &Config{
		Role: role,

		BrokerHost:     v.GetString("BROKER_HOST"),
		BrokerPort:     p.int("BROKER_PORT"),
		BrokerUser:     v.GetString("BROKER_USER"),
		BrokerPass:     v.GetString("BROKER_PASS"),
		BrokerVHost:    v.GetString("BROKER_VHOST"),
		Heartbeat:      p.seconds("BROKER_HEARTBEAT"),
		BlockedTimeout: p.seconds("BROKER_BLOCKED_TIMEOUT"),
		ConnectTimeout: p.seconds("BROKER_CONNECT_TIMEOUT"),
		ConnectRetries: p.int("CONNECT_RETRIES"),

		QueueName:          v.GetString("QUEUE_NAME"),
		ExchangeName:       v.GetString("EXCHANGE_NAME"),
		ExchangeType:       strings.ToLower(v.GetString("EXCHANGE_TYPE")),
		RoutingKey:         v.GetString("ROUTING_KEY"),
		QueueType:          strings.ToLower(v.GetString("QUEUE_TYPE")),
		DeadLetterExchange: v.GetString("DEAD_LETTER_EXCHANGE"),

		MessageInterval: p.seconds("MESSAGE_INTERVAL"),
		Schedule:        strings.TrimSpace(v.GetString("PRODUCER_SCHEDULE")),
		Payload:         v.GetString("MESSAGE_PAYLOAD"),
		Source:          v.GetString("MESSAGE_SOURCE"),

		MaxRedeliveries: p.int("MAX_REDELIVERIES"),
		DrainTimeout:    p.seconds("DRAIN_TIMEOUT"),

		DBURL:       v.GetString("DB_URL"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
	}

	if cfg.RoutingKey == "" {
		cfg.RoutingKey = cfg.QueueName
	}
	if strings.EqualFold(cfg.MetricsAddr, MetricsOff) {
		cfg.MetricsAddr = ""
	}

	p.check(cfg)

	if len(p.problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(p.problems, "; "))
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, role Role) {
	v.SetDefault("BROKER_PORT", mq.DefaultPort)
	v.SetDefault("BROKER_VHOST", mq.DefaultVHost)
	v.SetDefault("BROKER_HEARTBEAT", mq.DefaultHeartbeat.Seconds())
	v.SetDefault("BROKER_BLOCKED_TIMEOUT", mq.DefaultBlockedTimeout.Seconds())
	v.SetDefault("BROKER_CONNECT_TIMEOUT", mq.DefaultConnectTimeout.Seconds())
	v.SetDefault("CONNECT_RETRIES", 0)

	v.SetDefault("EXCHANGE_NAME", "")
	v.SetDefault("EXCHANGE_TYPE", mq.ExchangeDirect)

	v.SetDefault("MESSAGE_INTERVAL", 5)
	v.SetDefault("MESSAGE_PAYLOAD", "Hello from courier")
	v.SetDefault("MESSAGE_SOURCE", hostname())

	v.SetDefault("MAX_REDELIVERIES", 0)
	v.SetDefault("DRAIN_TIMEOUT", 10)

	switch role {
	case RoleProducer:
		v.SetDefault("METRICS_ADDR", ":9101")
	case RoleConsumer:
		v.SetDefault("METRICS_ADDR", ":9102")
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "courier"
	}
	return h
}

// parser собирает все ошибки разбора, чтобы показать их разом.
type parser struct {
	v        *viper.Viper
	problems []string
}

func (p *parser) fail(key string, value any, reason string) {
	p.problems = append(p.problems, fmt.Sprintf("%s=%v: %s", key, value, reason))
}

func (p *parser) int(key string) int {
	raw := p.v.Get(key)
	n, err := cast.ToIntE(raw)
	if err != nil {
		p.fail(key, raw, "not an integer")
		return 0
	}
	return n
}

// seconds разбирает число секунд (допускаются дробные значения).
func (p *parser) seconds(key string) time.Duration {
	raw := p.v.Get(key)
	f, err := cast.ToFloat64E(raw)
	if err != nil {
		p.fail(key, raw, "not a number of seconds")
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func (p *parser) check(cfg *Config) {
	if cfg.BrokerPort < 1 || cfg.BrokerPort > 65535 {
		p.fail("BROKER_PORT", cfg.BrokerPort, "out of range")
	}
	if cfg.Heartbeat < 0 {
		p.fail("BROKER_HEARTBEAT", cfg.Heartbeat, "must not be negative")
	}
	if cfg.ConnectTimeout < 0 {
		p.fail("BROKER_CONNECT_TIMEOUT", cfg.ConnectTimeout, "must not be negative")
	}
	if cfg.MaxRedeliveries < 0 {
		p.fail("MAX_REDELIVERIES", cfg.MaxRedeliveries, "must not be negative")
	}
	if cfg.DrainTimeout < 0 {
		p.fail("DRAIN_TIMEOUT", cfg.DrainTimeout, "must not be negative")
	}
	if cfg.Role == RoleProducer && cfg.Schedule == "" && cfg.MessageInterval <= 0 {
		p.fail("MESSAGE_INTERVAL", cfg.MessageInterval, "must be positive")
	}

	if err := cfg.Topology().Validate(); err != nil {
		p.problems = append(p.problems, err.Error())
	}
}

// ConnConfig возвращает параметры подключения; name видно в management UI.
func (c *Config) ConnConfig(name string) mq.ConnConfig {
	return mq.ConnConfig{
		Host:           c.BrokerHost,
		Port:           c.BrokerPort,
		VHost:          c.BrokerVHost,
		User:           c.BrokerUser,
		Password:       c.BrokerPass,
		Heartbeat:      c.Heartbeat,
		BlockedTimeout: c.BlockedTimeout,
		ConnectTimeout: c.ConnectTimeout,
		Name:           name,
	}
}

// Topology возвращает объявляемую топологию.
func (c *Config) Topology() mq.Topology {
	return mq.Topology{
		Queue:              c.QueueName,
		Exchange:           c.ExchangeName,
		ExchangeType:       c.ExchangeType,
		RoutingKey:         c.RoutingKey,
		QueueType:          c.QueueType,
		DeadLetterExchange: c.DeadLetterExchange,
	}
}

// RetryPolicy возвращает политику подключения с CONNECT_RETRIES повторами.
func (c *Config) RetryPolicy() mq.RetryPolicy {
	p := mq.DefaultRetryPolicy()
	p.MaxRetries = c.ConnectRetries
	return p
}
