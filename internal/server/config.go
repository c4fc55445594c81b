package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/elskow/warden/internal/config"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

func LoadConfig() (*config.AppConfig, error) {
	return LoadConfigFrom("./config/server")
}

// LoadConfigFrom reads config.toml from dir. Values can be overridden with
// WARDEN_<SECTION>_<KEY> environment variables, optionally sourced from .env.
func LoadConfigFrom(dir string) (*config.AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = EnvDevelopment
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("warden")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config config.AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Load environment-specific configurations
	if envSettings := v.GetStringMap(fmt.Sprintf("grpc.%s", env)); len(envSettings) > 0 {
		if err := v.UnmarshalKey(fmt.Sprintf("grpc.%s", env), &config.GRPC); err != nil {
			return nil, fmt.Errorf("error unmarshaling env config: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "50051")
	v.SetDefault("grpc.max_receive_message_size", 4<<20)
	v.SetDefault("grpc.max_send_message_size", 4<<20)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("auth.max_failed_attempts", 5)
	v.SetDefault("auth.lockout_duration", 15*time.Minute)
	v.SetDefault("auth.mfa_ticket_ttl", 5*time.Minute)
	v.SetDefault("auth.mfa_max_attempts", 5)
	v.SetDefault("auth.default_application", "web")
	v.SetDefault("auth.superuser_role", "superuser")
	v.SetDefault("auth.provisioning_max_retries", 5)

	v.SetDefault("token.issuer", "warden")
	v.SetDefault("token.access_token_ttl", 15*time.Minute)
	v.SetDefault("token.refresh_token_ttl", 30*24*time.Hour)

	v.SetDefault("mfa.issuer", "Warden")
	v.SetDefault("mfa.trusted_device_ttl", 30*24*time.Hour)
	v.SetDefault("mfa.sweep_interval", time.Hour)
	v.SetDefault("mfa.recovery_code_count", 10)

	v.SetDefault("outbox.enabled", true)
	v.SetDefault("outbox.poll_interval", 10*time.Second)
	v.SetDefault("outbox.batch_size", 20)
	v.SetDefault("outbox.workers", 1)

	v.SetDefault("provisioning.timeout", 10*time.Second)

	v.SetDefault("notify.provider", "log")
	v.SetDefault("notify.cooldown", 5*time.Minute)
	v.SetDefault("notify.send_timeout", 15*time.Second)
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.tls_mode", "starttls")

	v.SetDefault("rate_limit.backend", "local")
	v.SetDefault("rate_limit.max", 20)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("ops.addr", ":9090")
}
