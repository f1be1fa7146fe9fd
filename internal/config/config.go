package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	MQTT      MQTTConfig
	Fines     FineConfig
	Session   SessionConfig
	Return    ReturnConfig
	Identity  IdentityConfig
	Telemetry TelemetryConfig
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Env      string // development, production
	Addr     string // HTTP listen address
	LogLevel string
	Timezone string // business timezone for due-date arithmetic
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MQTTConfig holds broker settings for the device gateway.
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	Port     int
	Username string
	Password string
	ClientID string
	UseTLS   bool
	CACert   string
}

// FineConfig holds the overdue fine policy.
type FineConfig struct {
	DailyRate decimal.Decimal
	MaxAmount decimal.Decimal
}

// SessionConfig holds return-session settings.
type SessionConfig struct {
	Window         time.Duration // inactivity timeout before finalize
	QueueSize      int           // per-device event queue depth
	UnlockCooldown time.Duration
}

// ReturnConfig holds the copy-status policy applied at commit time.
type ReturnConfig struct {
	// CopyStatus is the book_copy status written when a return commits:
	// "returned_pending" until staff confirmation, or "available" for
	// deployments that trust the box.
	CopyStatus string
	// MaxRetries bounds transient-failure retries per tag.
	MaxRetries int
	// RetryMaxElapsed bounds total retry time per lookup.
	RetryMaxElapsed time.Duration
	// OverdueSweepInterval drives the periodic active->overdue sweep.
	OverdueSweepInterval time.Duration
	// LoanPeriodDays is the default checkout length when no due date
	// is given.
	LoanPeriodDays int
}

// IdentityConfig holds device session token settings.
type IdentityConfig struct {
	JWTSecret string
}

// TelemetryConfig holds trace export settings.
type TelemetryConfig struct {
	OTLPEndpoint string // empty disables the exporter
}

// Load reads configuration from config.yaml (if present) and
// RETURND_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("app.env", "development")
	v.SetDefault("app.addr", ":3000")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.timezone", "Asia/Kuala_Lumpur")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "library_return")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "library-return-backend")
	v.SetDefault("mqtt.use_tls", false)

	v.SetDefault("fines.daily_rate", "0.50")
	v.SetDefault("fines.max_amount", "10.00")

	v.SetDefault("session.window", "30s")
	v.SetDefault("session.queue_size", 64)
	v.SetDefault("session.unlock_cooldown", "5s")

	v.SetDefault("return.copy_status", "returned_pending")
	v.SetDefault("return.max_retries", 3)
	v.SetDefault("return.retry_max_elapsed", "2s")
	v.SetDefault("return.overdue_sweep_interval", "1h")
	v.SetDefault("return.loan_period_days", 14)

	v.SetDefault("identity.jwt_secret", "change-this-in-production")

	v.SetDefault("telemetry.otlp_endpoint", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("RETURND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	cfg.App = AppConfig{
		Env:      v.GetString("app.env"),
		Addr:     v.GetString("app.addr"),
		LogLevel: v.GetString("app.log_level"),
		Timezone: v.GetString("app.timezone"),
	}
	cfg.Database = DatabaseConfig{
		Host:            v.GetString("database.host"),
		Port:            v.GetInt("database.port"),
		User:            v.GetString("database.user"),
		Password:        v.GetString("database.password"),
		DBName:          v.GetString("database.dbname"),
		SSLMode:         v.GetString("database.sslmode"),
		MaxOpenConns:    v.GetInt("database.max_open_conns"),
		MaxIdleConns:    v.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
	}
	cfg.MQTT = MQTTConfig{
		Enabled:  v.GetBool("mqtt.enabled"),
		Broker:   v.GetString("mqtt.broker"),
		Port:     v.GetInt("mqtt.port"),
		Username: v.GetString("mqtt.username"),
		Password: v.GetString("mqtt.password"),
		ClientID: v.GetString("mqtt.client_id"),
		UseTLS:   v.GetBool("mqtt.use_tls"),
		CACert:   v.GetString("mqtt.ca_cert"),
	}

	dailyRate, err := decimal.NewFromString(v.GetString("fines.daily_rate"))
	if err != nil {
		return nil, fmt.Errorf("parse fines.daily_rate: %w", err)
	}
	maxAmount, err := decimal.NewFromString(v.GetString("fines.max_amount"))
	if err != nil {
		return nil, fmt.Errorf("parse fines.max_amount: %w", err)
	}
	cfg.Fines = FineConfig{DailyRate: dailyRate, MaxAmount: maxAmount}

	cfg.Session = SessionConfig{
		Window:         v.GetDuration("session.window"),
		QueueSize:      v.GetInt("session.queue_size"),
		UnlockCooldown: v.GetDuration("session.unlock_cooldown"),
	}
	cfg.Return = ReturnConfig{
		CopyStatus:           v.GetString("return.copy_status"),
		MaxRetries:           v.GetInt("return.max_retries"),
		RetryMaxElapsed:      v.GetDuration("return.retry_max_elapsed"),
		OverdueSweepInterval: v.GetDuration("return.overdue_sweep_interval"),
		LoanPeriodDays:       v.GetInt("return.loan_period_days"),
	}
	cfg.Identity = IdentityConfig{JWTSecret: v.GetString("identity.jwt_secret")}
	cfg.Telemetry = TelemetryConfig{OTLPEndpoint: v.GetString("telemetry.otlp_endpoint")}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Return.CopyStatus {
	case "returned_pending", "available":
	default:
		return fmt.Errorf("return.copy_status must be returned_pending or available, got %q", c.Return.CopyStatus)
	}
	if c.Fines.DailyRate.IsNegative() || c.Fines.MaxAmount.IsNegative() {
		return fmt.Errorf("fine policy must be non-negative")
	}
	if c.Session.Window <= 0 {
		return fmt.Errorf("session.window must be positive")
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("invalid app.timezone: %w", err)
	}
	return nil
}

// DSN builds the Postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// Location resolves the configured business timezone.
func (c AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
