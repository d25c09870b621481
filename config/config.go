// Package config loads the server configuration from SALESOPS_* environment
// variables. Command-line flags override it in cmd/server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Feed kinds.
const (
	FeedMemory = "memory"
	FeedKafka  = "kafka"
)

// Snapshot kinds.
const (
	SnapshotHTTP   = "http"
	SnapshotSQLite = "sqlite"
	SnapshotMemory = "memory"
)

// Config describes the server.
type Config struct {
	Addr     string `env:"ADDR" envDefault:":8080" validate:"required"`
	DB       string `env:"DB" envDefault:"salesops.db" validate:"required"`
	Widgets  string `env:"WIDGETS"`
	Verbose  bool   `env:"VERBOSE"`
	Snapshot string `env:"SNAPSHOT" envDefault:"sqlite" validate:"oneof=http sqlite memory"`
	Feed     string `env:"FEED" envDefault:"memory" validate:"oneof=memory kafka"`

	SnapshotURL      string `env:"SNAPSHOT_URL" validate:"omitempty,url"`
	SnapshotResource string `env:"SNAPSHOT_RESOURCE" envDefault:"activities" validate:"required"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaGroup   string   `env:"KAFKA_GROUP" envDefault:"salesops" validate:"required"`

	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"10m" validate:"gt=0"`
	ReapInterval   time.Duration `env:"REAP_INTERVAL" envDefault:"1m" validate:"gt=0"`
	ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s" validate:"gt=0"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SALESOPS_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration after flags are applied.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.Struct(c)
	if err == nil {
		switch {
		case c.Snapshot == SnapshotHTTP && c.SnapshotURL == "":
			return errors.New("invalid config: snapshot url required for http snapshots")
		case c.Feed == FeedKafka && len(c.KafkaBrokers) == 0:
			return errors.New("invalid config: kafka brokers required for kafka feed")
		}
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
