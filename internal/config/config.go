package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration required by the api and worker processes.
// Values come from env (or env-file loaded by the process runner), optionally layered
// on top of a YAML base file named by CONFIG_FILE. Env always wins over the file.
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig       `yaml:"app"`
	DB        DBConfig        `yaml:"db"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Storage   StorageConfig   `yaml:"storage"`
	Worker    WorkerConfig    `yaml:"worker"`
	Alert     AlertConfig     `yaml:"alert"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type AppConfig struct {
	Env  string `yaml:"env"`
	Port int    `yaml:"port"`

	// PublicBaseURL is the externally reachable origin of the api process.
	// Used to build provider callback URLs and to verify Twilio signatures.
	PublicBaseURL string `yaml:"public_base_url"`
}

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `yaml:"sslmode"`

	MaxOpenConns int `yaml:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// QueueKey is the sorted-set key holding pending jobs.
	QueueKey string `yaml:"queue_key"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTIssuer       string        `yaml:"jwt_issuer"`
	JWTAudience     string        `yaml:"jwt_audience"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// WebhookConfig controls authenticity checks on the generic telephony webhook.
// When Secret is empty, signature verification is disabled (never allowed in production).
type WebhookConfig struct {
	Secret  string        `yaml:"secret"`
	MaxSkew time.Duration `yaml:"max_skew"`
}

type TelephonyConfig struct {
	Provider   string        `yaml:"provider"`
	BaseURL    string        `yaml:"base_url"`
	AccountSID string        `yaml:"account_sid"`
	AuthToken  string        `yaml:"auth_token"`
	Timeout    time.Duration `yaml:"timeout"`

	// Start-recording is retried a small fixed number of times before the record fails.
	StartAttempts int           `yaml:"start_attempts"`
	StartBackoff  time.Duration `yaml:"start_backoff"`
	StartTimeout  time.Duration `yaml:"start_timeout"`
}

type StorageConfig struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Lease        time.Duration `yaml:"lease"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`

	MigrateMaxAttempts int           `yaml:"migrate_max_attempts"`
	CleanupMaxAttempts int           `yaml:"cleanup_max_attempts"`
	EventMaxAttempts   int           `yaml:"event_max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`

	// DownloadConcurrency caps simultaneous provider downloads across all workers.
	DownloadConcurrency int `yaml:"download_concurrency"`

	AssetReadyTimeout time.Duration `yaml:"asset_ready_timeout"`
	PendingTimeout    time.Duration `yaml:"pending_timeout"`
	SweepSchedule     string        `yaml:"sweep_schedule"`
	SweepGrace        time.Duration `yaml:"sweep_grace"`

	MatchWindow time.Duration `yaml:"match_window"`
}

type AlertConfig struct {
	WebhookURL  string `yaml:"webhook_url"`
	SNSTopicARN string `yaml:"sns_topic_arn"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return Config{}, err
		}
		c = fc
	}

	envString("APP_ENV", &c.App.Env)
	parseErrs = appendErr(parseErrs, envInt("APP_PORT", &c.App.Port))
	envString("APP_PUBLIC_BASE_URL", &c.App.PublicBaseURL)

	envString("DB_HOST", &c.DB.Host)
	parseErrs = appendErr(parseErrs, envInt("DB_PORT", &c.DB.Port))
	envString("DB_USER", &c.DB.User)
	envSecret("DB_PASSWORD", &c.DB.Password)
	envString("DB_NAME", &c.DB.Name)
	envString("DB_SSLMODE", &c.DB.SSLMode)
	parseErrs = appendErr(parseErrs, envInt("DB_MAX_OPEN_CONNS", &c.DB.MaxOpenConns))

	envString("REDIS_HOST", &c.Redis.Host)
	parseErrs = appendErr(parseErrs, envInt("REDIS_PORT", &c.Redis.Port))
	envSecret("REDIS_PASSWORD", &c.Redis.Password)
	parseErrs = appendErr(parseErrs, envInt("REDIS_DB", &c.Redis.DB))
	envString("REDIS_QUEUE_KEY", &c.Redis.QueueKey)

	envSecret("JWT_SECRET", &c.Auth.JWTSecret)
	envString("JWT_ISSUER", &c.Auth.JWTIssuer)
	envString("JWT_AUDIENCE", &c.Auth.JWTAudience)
	parseErrs = appendErr(parseErrs, envDuration("JWT_ACCESS_TTL", &c.Auth.AccessTokenTTL))
	parseErrs = appendErr(parseErrs, envDuration("JWT_REFRESH_TTL", &c.Auth.RefreshTokenTTL))

	envSecret("WEBHOOK_SECRET", &c.Webhook.Secret)
	parseErrs = appendErr(parseErrs, envDuration("WEBHOOK_MAX_SKEW", &c.Webhook.MaxSkew))

	envString("TELEPHONY_PROVIDER", &c.Telephony.Provider)
	envString("TELEPHONY_BASE_URL", &c.Telephony.BaseURL)
	envString("TWILIO_ACCOUNT_SID", &c.Telephony.AccountSID)
	envSecret("TWILIO_AUTH_TOKEN", &c.Telephony.AuthToken)
	parseErrs = appendErr(parseErrs, envDuration("TELEPHONY_TIMEOUT", &c.Telephony.Timeout))
	parseErrs = appendErr(parseErrs, envInt("RECORDING_START_ATTEMPTS", &c.Telephony.StartAttempts))
	parseErrs = appendErr(parseErrs, envDuration("RECORDING_START_BACKOFF", &c.Telephony.StartBackoff))
	parseErrs = appendErr(parseErrs, envDuration("RECORDING_START_TIMEOUT", &c.Telephony.StartTimeout))

	envString("STORAGE_BUCKET", &c.Storage.Bucket)
	envString("STORAGE_PREFIX", &c.Storage.Prefix)
	envString("STORAGE_REGION", &c.Storage.Region)
	envString("STORAGE_ENDPOINT", &c.Storage.Endpoint)
	parseErrs = appendErr(parseErrs, envBool("STORAGE_USE_PATH_STYLE", &c.Storage.UsePathStyle))

	parseErrs = appendErr(parseErrs, envInt("WORKER_CONCURRENCY", &c.Worker.Concurrency))
	parseErrs = appendErr(parseErrs, envDuration("WORKER_POLL_INTERVAL", &c.Worker.PollInterval))
	parseErrs = appendErr(parseErrs, envDuration("WORKER_LEASE", &c.Worker.Lease))
	parseErrs = appendErr(parseErrs, envDuration("WORKER_ERROR_BACKOFF", &c.Worker.ErrorBackoff))
	parseErrs = appendErr(parseErrs, envInt("MIGRATE_MAX_ATTEMPTS", &c.Worker.MigrateMaxAttempts))
	parseErrs = appendErr(parseErrs, envInt("CLEANUP_MAX_ATTEMPTS", &c.Worker.CleanupMaxAttempts))
	parseErrs = appendErr(parseErrs, envInt("EVENT_MAX_ATTEMPTS", &c.Worker.EventMaxAttempts))
	parseErrs = appendErr(parseErrs, envDuration("BACKOFF_BASE", &c.Worker.BackoffBase))
	parseErrs = appendErr(parseErrs, envDuration("BACKOFF_MAX", &c.Worker.BackoffMax))
	parseErrs = appendErr(parseErrs, envInt("DOWNLOAD_CONCURRENCY", &c.Worker.DownloadConcurrency))
	parseErrs = appendErr(parseErrs, envDuration("ASSET_READY_TIMEOUT", &c.Worker.AssetReadyTimeout))
	parseErrs = appendErr(parseErrs, envDuration("PENDING_TIMEOUT", &c.Worker.PendingTimeout))
	envString("SWEEP_SCHEDULE", &c.Worker.SweepSchedule)
	parseErrs = appendErr(parseErrs, envDuration("SWEEP_GRACE", &c.Worker.SweepGrace))
	parseErrs = appendErr(parseErrs, envDuration("MATCH_WINDOW", &c.Worker.MatchWindow))

	envString("ALERT_WEBHOOK_URL", &c.Alert.WebhookURL)
	envString("ALERT_SNS_TOPIC_ARN", &c.Alert.SNSTopicARN)

	envString("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func loadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("CONFIG_FILE: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("CONFIG_FILE %s: %w", path, err)
	}
	return c, nil
}

// applyDefaults fills optional values. Required values are left for Validate.
func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DB.SSLMode) == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}
	if c.Redis.QueueKey == "" {
		c.Redis.QueueKey = "recon:jobs"
	}

	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}

	if c.Webhook.MaxSkew <= 0 {
		c.Webhook.MaxSkew = 5 * time.Minute
	}

	if c.Telephony.Provider == "" {
		c.Telephony.Provider = "twilio"
	}
	if c.Telephony.BaseURL == "" {
		c.Telephony.BaseURL = "https://api.twilio.com"
	}
	if c.Telephony.Timeout <= 0 {
		c.Telephony.Timeout = 15 * time.Second
	}
	if c.Telephony.StartAttempts <= 0 {
		c.Telephony.StartAttempts = 3
	}
	if c.Telephony.StartBackoff <= 0 {
		c.Telephony.StartBackoff = 500 * time.Millisecond
	}
	if c.Telephony.StartTimeout <= 0 {
		c.Telephony.StartTimeout = 30 * time.Second
	}

	if c.Storage.Prefix == "" {
		c.Storage.Prefix = "recordings"
	}

	w := &c.Worker
	if w.Concurrency <= 0 {
		w.Concurrency = 4
	}
	if w.PollInterval <= 0 {
		w.PollInterval = time.Second
	}
	if w.Lease <= 0 {
		w.Lease = 5 * time.Minute
	}
	if w.ErrorBackoff <= 0 {
		w.ErrorBackoff = 30 * time.Second
	}
	if w.MigrateMaxAttempts <= 0 {
		w.MigrateMaxAttempts = 10
	}
	if w.CleanupMaxAttempts <= 0 {
		w.CleanupMaxAttempts = 10
	}
	if w.EventMaxAttempts <= 0 {
		w.EventMaxAttempts = 10
	}
	if w.BackoffBase <= 0 {
		w.BackoffBase = time.Minute
	}
	if w.BackoffMax <= 0 {
		w.BackoffMax = 30 * time.Minute
	}
	if w.DownloadConcurrency <= 0 {
		w.DownloadConcurrency = 8
	}
	if w.AssetReadyTimeout <= 0 {
		w.AssetReadyTimeout = 30 * time.Minute
	}
	if w.PendingTimeout <= 0 {
		w.PendingTimeout = 2 * time.Hour
	}
	if w.SweepSchedule == "" {
		w.SweepSchedule = "@every 1m"
	}
	if w.SweepGrace <= 0 {
		w.SweepGrace = 5 * time.Minute
	}
	if w.MatchWindow <= 0 {
		w.MatchWindow = 10 * time.Minute
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "recording-reconciler"
	}
}

// Validate checks settings shared by the api and worker processes.
func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Webhook.Secret == "" {
			errs = append(errs, errors.New("WEBHOOK_SECRET is required in production"))
		}
		if c.App.PublicBaseURL == "" {
			errs = append(errs, errors.New("APP_PUBLIC_BASE_URL is required in production"))
		}
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Telephony.Provider != "twilio" {
		errs = append(errs, fmt.Errorf("TELEPHONY_PROVIDER must be twilio, got %q", c.Telephony.Provider))
	}
	if c.Worker.BackoffMax < c.Worker.BackoffBase {
		errs = append(errs, errors.New("BACKOFF_MAX must be greater than or equal to BACKOFF_BASE"))
	}

	return joinErrors(errs)
}

// ValidateWorker adds the checks only the worker process needs: it talks to the
// telephony provider and to durable storage, the api process does not.
func (c Config) ValidateWorker() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Telephony.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Telephony.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Storage.Bucket == "" {
		errs = append(errs, errors.New("STORAGE_BUCKET is required"))
	}
	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// SecretRefs returns pointers to every secret-bearing field so the process can
// resolve secret manager references in place before building clients.
func (c *Config) SecretRefs() map[string]*string {
	return map[string]*string{
		"DB_PASSWORD":       &c.DB.Password,
		"REDIS_PASSWORD":    &c.Redis.Password,
		"JWT_SECRET":        &c.Auth.JWTSecret,
		"WEBHOOK_SECRET":    &c.Webhook.Secret,
		"TWILIO_AUTH_TOKEN": &c.Telephony.AuthToken,
	}
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// envSecret is envString without trimming; secrets are taken verbatim.
func envSecret(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	*dst = b
	return nil
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		errs = append(errs, err)
	}
	return errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
