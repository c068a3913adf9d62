package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/policy"
	"github.com/xraph/docflow/storage/s3"
	"github.com/xraph/docflow/tenant"
)

// Config is the daemon configuration file.
type Config struct {
	Listen   string `yaml:"listen"`
	Timezone string `yaml:"timezone"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Engine        docflow.Config       `yaml:"engine"`
	BusinessHours policy.BusinessHours `yaml:"business_hours"`

	// Tiers overrides the stock limits per subscription tier.
	Tiers map[tenant.Tier]tenant.Limits `yaml:"tiers"`

	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`

	Broker struct {
		Driver       string        `yaml:"driver"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Redis        struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"broker"`

	Storage struct {
		Driver string    `yaml:"driver"`
		Dir    string    `yaml:"dir"`
		S3     s3.Config `yaml:"s3"`
	} `yaml:"storage"`

	Converter struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"converter"`

	Maintenance struct {
		// EstimateRefresh is a cron spec for recomputing duration averages.
		EstimateRefresh string `yaml:"estimate_refresh"`
	} `yaml:"maintenance"`
}

func defaultConfig() Config {
	var c Config
	c.Listen = ":8080"
	c.Timezone = "UTC"
	c.Log.Level = "info"
	c.Log.Format = "json"
	c.Engine = docflow.DefaultConfig()
	c.BusinessHours = policy.DefaultBusinessHours
	c.Store.Driver = "memory"
	c.Broker.Driver = "memory"
	c.Broker.PollInterval = 250 * time.Millisecond
	c.Broker.Redis.Addr = "localhost:6379"
	c.Storage.Driver = "local"
	c.Storage.Dir = "./data"
	c.Maintenance.EstimateRefresh = "@every 5m"
	return c
}

// loadConfig reads the YAML file at path (if any) over the defaults and then
// applies DOCFLOW_* environment overrides.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func applyEnv(c *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		switch strings.ToLower(getenv(key)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}

	str("DOCFLOW_LISTEN", &c.Listen)
	str("DOCFLOW_TIMEZONE", &c.Timezone)
	str("DOCFLOW_LOG_LEVEL", &c.Log.Level)
	str("DOCFLOW_LOG_FORMAT", &c.Log.Format)

	num("DOCFLOW_CONCURRENCY", &c.Engine.Concurrency)
	num("DOCFLOW_MAX_ATTEMPTS", &c.Engine.MaxAttempts)
	dur("DOCFLOW_ATTEMPT_TIMEOUT", &c.Engine.AttemptTimeout)
	dur("DOCFLOW_STALE_JOB_THRESHOLD", &c.Engine.StaleJobThreshold)

	str("DOCFLOW_STORE_DRIVER", &c.Store.Driver)
	str("DOCFLOW_STORE_DSN", &c.Store.DSN)

	str("DOCFLOW_BROKER_DRIVER", &c.Broker.Driver)
	str("DOCFLOW_REDIS_ADDR", &c.Broker.Redis.Addr)
	str("DOCFLOW_REDIS_PASSWORD", &c.Broker.Redis.Password)
	num("DOCFLOW_REDIS_DB", &c.Broker.Redis.DB)

	str("DOCFLOW_STORAGE_DRIVER", &c.Storage.Driver)
	str("DOCFLOW_STORAGE_DIR", &c.Storage.Dir)
	str("DOCFLOW_S3_BUCKET", &c.Storage.S3.Bucket)
	str("DOCFLOW_S3_PREFIX", &c.Storage.S3.Prefix)
	str("DOCFLOW_S3_REGION", &c.Storage.S3.Region)
	str("DOCFLOW_S3_ENDPOINT", &c.Storage.S3.Endpoint)
	str("DOCFLOW_S3_ACCESS_KEY", &c.Storage.S3.AccessKey)
	str("DOCFLOW_S3_SECRET_KEY", &c.Storage.S3.SecretKey)
	boolean("DOCFLOW_S3_PATH_STYLE", &c.Storage.S3.UsePathStyle)

	str("DOCFLOW_CONVERTER_URL", &c.Converter.URL)
	dur("DOCFLOW_CONVERTER_TIMEOUT", &c.Converter.Timeout)

	str("DOCFLOW_ESTIMATE_REFRESH", &c.Maintenance.EstimateRefresh)

	return errors.Join(errs...)
}

func (c Config) validate() error {
	var errs []error

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store: %s driver requires dsn", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}

	switch c.Broker.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("broker: unknown driver %q", c.Broker.Driver))
	}

	switch c.Storage.Driver {
	case "local":
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage: local driver requires dir"))
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage: s3 driver requires bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}

	if c.Converter.URL == "" {
		errs = append(errs, errors.New("converter: url is required"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if h := c.BusinessHours; h.Start < 0 || h.End > 24 || h.Start >= h.End {
		errs = append(errs, fmt.Errorf("business_hours: invalid range [%d, %d)", h.Start, h.End))
	}
	for t := range c.Tiers {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("tiers: unknown tier %q", t))
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log: %w", err)
	}
	return l, nil
}

func newLogger(c Config, w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
