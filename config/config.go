/*
Package config loads payflow's settings.

ORDER OF PRECEDENCE (last wins):
  1. Defaults()
  2. YAML file (optional; a missing default file is not an error)
  3. PAYFLOW_* environment variables
  4. CLI flags, applied by cmd/server

EXAMPLE payflow.yaml:

	server:
	  port: 8080
	database:
	  path: payflow.db
	billing:
	  upfront_percent: "0.12"
	workflow:
	  atomic: true
	  milestone_auto_pay: true
	lock:
	  backend: redis
	redis:
	  addr: localhost:6379
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no path is given.
const DefaultPath = "payflow.yaml"

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	// Path of the SQLite file; ":memory:" keeps everything in process, and
	// "memory" selects the map-backed store instead of SQLite.
	Path string `yaml:"path"`
}

type BillingConfig struct {
	UpfrontPercent decimal.Decimal `yaml:"upfront_percent"`
	Currency       string          `yaml:"currency"`
	Epsilon        decimal.Decimal `yaml:"epsilon"`
}

type WorkflowConfig struct {
	Atomic           bool          `yaml:"atomic"`
	MilestoneAutoPay bool          `yaml:"milestone_auto_pay"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
}

type ReconcileConfig struct {
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type LockConfig struct {
	Backend string        `yaml:"backend"` // memory | redis
	TTL     time.Duration `yaml:"ttl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"` // empty disables the publisher
	Exchange string `yaml:"exchange"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Billing   BillingConfig   `yaml:"billing"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Lock      LockConfig      `yaml:"lock"`
	Redis     RedisConfig     `yaml:"redis"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Log       LogConfig       `yaml:"log"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{Path: "payflow.db"},
		Billing: BillingConfig{
			UpfrontPercent: decimal.NewFromFloat(0.12),
			Currency:       "USD",
			Epsilon:        decimal.New(1, -2),
		},
		Workflow: WorkflowConfig{
			Atomic:           true,
			MilestoneAutoPay: true,
			RecoveryInterval: time.Minute,
			StaleAfter:       5 * time.Minute,
		},
		Reconcile: ReconcileConfig{RetryDelay: 250 * time.Millisecond},
		Lock:      LockConfig{Backend: "memory", TTL: 30 * time.Second},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		AMQP:      AMQPConfig{Exchange: "payflow.events"},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path (DefaultPath when empty) over the defaults, applies the
// environment, and validates. Only an explicitly named file must exist.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := overrideFromEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideFromEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("PAYFLOW_PORT"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PAYFLOW_PORT: %w", err)
		}
		cfg.Server.Port = p
	}
	if v, ok := lookup("PAYFLOW_DB"); ok && v != "" {
		cfg.Database.Path = v
	}
	if v, ok := lookup("PAYFLOW_REDIS_ADDR"); ok && v != "" {
		cfg.Redis.Addr = v
		cfg.Lock.Backend = "redis"
	}
	if v, ok := lookup("PAYFLOW_AMQP_URL"); ok && v != "" {
		cfg.AMQP.URL = v
	}
	if v, ok := lookup("PAYFLOW_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := lookup("PAYFLOW_UPFRONT_PERCENT"); ok && v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("PAYFLOW_UPFRONT_PERCENT: %w", err)
		}
		cfg.Billing.UpfrontPercent = d
	}
	return nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if !c.Billing.UpfrontPercent.IsPositive() || c.Billing.UpfrontPercent.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("billing.upfront_percent %s must be within (0, 1]", c.Billing.UpfrontPercent))
	}
	if c.Billing.Epsilon.IsNegative() {
		errs = append(errs, errors.New("billing.epsilon must not be negative"))
	}
	if len(c.Billing.Currency) != 3 {
		errs = append(errs, fmt.Errorf("billing.currency %q is not an ISO 4217 code", c.Billing.Currency))
	}
	switch strings.ToLower(c.Lock.Backend) {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis lock backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q must be memory or redis", c.Lock.Backend))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if c.Workflow.RecoveryInterval < 0 || c.Workflow.StaleAfter < 0 || c.Reconcile.RetryDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Server.Port) }
