package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	WebRTC   WebRTCConfig
	Live     LiveConfig
	AWS      AWSConfig
	Email    EmailConfig
	Zego     ZegoConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string `env:"PORT" envDefault:"8080"`
	ReadTimeout        int    `env:"READ_TIMEOUT_SEC" envDefault:"30"`
	WriteTimeout       int    `env:"WRITE_TIMEOUT_SEC" envDefault:"30"`
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000,http://localhost:3001"` // comma-separated, or "*"
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL"` // if set, used as-is
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName   string `env:"DB_NAME" envDefault:"liveclass"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	MaxConns        int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"DB_MIN_CONNS" envDefault:"0"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string `env:"JWT_SECRET"`
	ExpireHours int    `env:"JWT_EXPIRE_HOURS" envDefault:"24"`
}

// WebRTCConfig holds STUN/TURN servers handed to clients.
type WebRTCConfig struct {
	ICEUrls       []string      `env:"WEBRTC_ICE_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	TURNUrls      []string      `env:"TURN_URLS" envSeparator:","`
	TURNSecret    string        `env:"TURN_SHARED_SECRET"`
	CredentialTTL time.Duration `env:"TURN_CREDENTIAL_TTL" envDefault:"6h"`
}

// LiveConfig tunes the live-session service and signaling relay.
type LiveConfig struct {
	HeartbeatInterval time.Duration `env:"LIVE_HEARTBEAT_INTERVAL" envDefault:"15s"`
	DisconnectGrace   time.Duration `env:"LIVE_DISCONNECT_GRACE" envDefault:"30s"`
	RequestTimeout    time.Duration `env:"LIVE_REQUEST_TIMEOUT" envDefault:"10s"`
	SignalingPath     string        `env:"LIVE_SIGNALING_PATH" envDefault:"/live/signaling"`
	MutationRetries   int           `env:"LIVE_MUTATION_RETRIES" envDefault:"5"`
}

// AWSConfig holds AWS credentials and the attendance export bucket.
type AWSConfig struct {
	Region               string `env:"AWS_REGION" envDefault:"us-east-1"`
	AccessKeyID          string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey      string `env:"AWS_SECRET_ACCESS_KEY"`
	ExportsBucket        string `env:"AWS_S3_EXPORTS_BUCKET"`
	PresignExpireMinutes int    `env:"AWS_PRESIGN_EXPIRE_MINUTES" envDefault:"15"`
}

// EmailConfig for SendGrid delivery.
type EmailConfig struct {
	FromAddress string `env:"EMAIL_FROM_ADDRESS" envDefault:"noreply@example.com"`
	FromName    string `env:"EMAIL_FROM_NAME" envDefault:"Aura Learn"`
	APIKey      string `env:"SENDGRID_API_KEY"`
	AppBaseURL  string `env:"APP_BASE_URL" envDefault:"http://localhost:3000"`
}

// ZegoConfig holds ZEGOCLOUD credentials. Zero AppID leaves the provider off.
type ZegoConfig struct {
	AppID        uint32        `env:"ZEGO_APP_ID"`
	ServerSecret string        `env:"ZEGO_SERVER_SECRET"`
	JoinBaseURL  string        `env:"ZEGO_JOIN_BASE_URL"`
	TokenTTL     time.Duration `env:"ZEGO_TOKEN_TTL" envDefault:"4h"`
}

// Enabled reports whether Zego credentials are configured.
func (z ZegoConfig) Enabled() bool { return z.AppID != 0 }

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Live.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("LIVE_HEARTBEAT_INTERVAL must be positive"))
	}
	if c.Live.DisconnectGrace < 0 {
		errs = append(errs, errors.New("LIVE_DISCONNECT_GRACE must not be negative"))
	}
	if c.Live.MutationRetries < 1 {
		errs = append(errs, errors.New("LIVE_MUTATION_RETRIES must be at least 1"))
	}
	if c.WebRTC.TURNSecret != "" && len(c.WebRTC.TURNUrls) == 0 {
		errs = append(errs, errors.New("TURN_SHARED_SECRET set without TURN_URLS"))
	}
	return errors.Join(errs...)
}
