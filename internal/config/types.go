package config

import "time"

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

type GRPCConfig struct {
	EnableReflection      bool `mapstructure:"enable_reflection"`
	MaxReceiveMessageSize int  `mapstructure:"max_receive_message_size"`
	MaxSendMessageSize    int  `mapstructure:"max_send_message_size"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

type AuthConfig struct {
	MaxFailedAttempts  int           `mapstructure:"max_failed_attempts"`
	LockoutDuration    time.Duration `mapstructure:"lockout_duration"`
	MfaTicketTTL       time.Duration `mapstructure:"mfa_ticket_ttl"`
	MfaMaxAttempts     int           `mapstructure:"mfa_max_attempts"`
	DefaultApplication string        `mapstructure:"default_application"`
	SuperuserRole      string        `mapstructure:"superuser_role"`
	// application name -> roles allowed to sign in to it
	ApplicationRoleAllowlist map[string][]string `mapstructure:"application_role_allowlist"`
	OrganizationOptionalApps []string            `mapstructure:"organization_optional_apps"`
	AllowLegacyRawLookup     bool                `mapstructure:"allow_legacy_raw_lookup"`
	ProvisioningMaxRetries   int                 `mapstructure:"provisioning_max_retries"`
	VerificationURL          string              `mapstructure:"verification_url"`
}

type TokenConfig struct {
	Issuer          string        `mapstructure:"issuer"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	RefreshPepper   string        `mapstructure:"refresh_pepper"`
	ActiveKeyID     string        `mapstructure:"active_key_id"`
	// key id -> PEM encoded RSA private key path
	KeyFiles map[string]string `mapstructure:"key_files"`
}

type MFAConfig struct {
	Issuer            string        `mapstructure:"issuer"`
	EncryptionKey     string        `mapstructure:"encryption_key"`
	TrustedDeviceTTL  time.Duration `mapstructure:"trusted_device_ttl"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	RecoveryCodeCount int           `mapstructure:"recovery_code_count"`
}

type OutboxConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Workers      int           `mapstructure:"workers"`
}

type ProvisioningConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLSMode  string `mapstructure:"tls_mode"`
}

type SESConfig struct {
	Region string `mapstructure:"region"`
}

type NotifyConfig struct {
	// "log", "smtp" or "ses"
	Provider    string        `mapstructure:"provider"`
	FromAddress string        `mapstructure:"from_address"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	SMTP        SMTPConfig    `mapstructure:"smtp"`
	SES         SESConfig     `mapstructure:"ses"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Backend string        `mapstructure:"backend"`
	Max     int           `mapstructure:"max"`
	Window  time.Duration `mapstructure:"window"`
}

type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

type AppConfig struct {
	Server       ServerConfig       `mapstructure:"server"`
	GRPC         GRPCConfig         `mapstructure:"grpc"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Token        TokenConfig        `mapstructure:"token"`
	MFA          MFAConfig          `mapstructure:"mfa"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Redis        RedisConfig        `mapstructure:"redis"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Ops          OpsConfig          `mapstructure:"ops"`
}
