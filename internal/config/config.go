package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ServiceName = "lab-store"

	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	Store struct {
		Driver          string        `yaml:"driver"`
		DSN             string        `yaml:"dsn"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"store"`
	Redis struct {
		Addr     string `yaml:"addr"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Tracing struct {
		Endpoint    string  `yaml:"endpoint"`
		Insecure    bool    `yaml:"insecure"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Fulfillment struct {
		AllocationHold time.Duration `yaml:"allocation_hold"`
		EventQueueSize int           `yaml:"event_queue_size"`
		PublishWorkers int           `yaml:"publish_workers"`
	} `yaml:"fulfillment"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = ":8080"
	cfg.GRPC.Addr = ":50051"
	cfg.Metrics.Addr = ":9090"
	cfg.Store.Driver = StoreMySQL
	cfg.Store.DSN = "root:root@tcp(localhost:3306)/labstore?parseTime=true"
	cfg.Store.MaxOpenConns = 50
	cfg.Store.MaxIdleConns = 25
	cfg.Store.ConnMaxLifetime = 5 * time.Minute
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 100
	cfg.Kafka.Topic = "lab-store.requests"
	cfg.Tracing.SampleRatio = 1
	cfg.Log.Level = "info"
	cfg.Fulfillment.AllocationHold = 48 * time.Hour
	cfg.Fulfillment.EventQueueSize = 1000
	cfg.Fulfillment.PublishWorkers = 2
	return cfg
}

// Load reads the YAML file at path (optional) over the defaults and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.HTTP.Addr, "HTTP_ADDR")
	setString(&c.GRPC.Addr, "GRPC_ADDR")
	setString(&c.Metrics.Addr, "METRICS_ADDR")
	setString(&c.Store.Driver, "STORE_DRIVER")
	setString(&c.Store.DSN, "MYSQL_DSN")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Kafka.Topic, "KAFKA_TOPIC")
	setString(&c.Tracing.Endpoint, "OTEL_ENDPOINT")
	setString(&c.Log.Level, "LOG_LEVEL")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.GRPC.Addr == "" {
		errs = append(errs, errors.New("grpc.addr is required"))
	}
	switch c.Store.Driver {
	case StoreMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the mysql driver"))
		}
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the mysql driver"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Fulfillment.AllocationHold <= 0 {
		errs = append(errs, errors.New("fulfillment.allocation_hold must be positive"))
	}
	if c.Fulfillment.EventQueueSize <= 0 {
		errs = append(errs, errors.New("fulfillment.event_queue_size must be positive"))
	}
	if c.Fulfillment.PublishWorkers <= 0 {
		errs = append(errs, errors.New("fulfillment.publish_workers must be positive"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0,1]"))
	}
	return errors.Join(errs...)
}
