package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var global *Config

// Config holds the full runtime configuration, loaded once at startup.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	OTP           OTPConfig
	WhatsApp      WhatsAppConfig
	SMS           SMSConfig
	SMTP          SMTPConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
}

type BucketingConfig struct {
	ContactBuckets int
}

// OTPConfig carries the code-issuance policy knobs.
type OTPConfig struct {
	CodeTTL          time.Duration
	RateLimitWindow  time.Duration
	PhoneMaxAttempts int
	EmailMaxAttempts int
	SessionTTL       time.Duration
	PruneInterval    time.Duration
	PruneEnabled     bool
}

// WhatsAppConfig configures the chat-gateway channel and its inbound webhook.
type WhatsAppConfig struct {
	APIURL        string
	AccessToken   string
	PhoneNumberID string
	VerifyToken   string
	AppSecret     string
}

// SMSConfig configures the basic-auth SMS gateway.
type SMSConfig struct {
	APIURL     string
	AccountSID string
	AuthToken  string
	From       string
}

type SMTPConfig struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
}

// LoadConfig reads .env (if present) and the environment, then builds the
// Config with development defaults. It also sets the package-level instance
// returned by Get.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    splitAndTrim(getEnv("SCYLLA_NODES", "localhost:9042")),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "otp"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getEnv("KAFKA_OTP_TOPIC", "otp-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Database: getEnv("CLICKHOUSE_DATABASE", "otp_audit"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:      getEnv("ELASTICSEARCH_URL", "https://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_SECURITY_INDEX", "otp-security-events"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			Region:  getEnv("KMS_REGION", "us-east-1"),
			KeyID:   getEnv("KMS_KEY_ID", ""),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 4),
			PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 30),
		},
		Bucketing: BucketingConfig{
			ContactBuckets: getEnvInt("CONTACT_BUCKETS", 64),
		},
		OTP: OTPConfig{
			CodeTTL:          getEnvDuration("OTP_CODE_TTL", 10*time.Minute),
			RateLimitWindow:  getEnvDuration("OTP_RATE_LIMIT_WINDOW", 10*time.Minute),
			PhoneMaxAttempts: getEnvInt("OTP_PHONE_MAX_ATTEMPTS", 5),
			EmailMaxAttempts: getEnvInt("OTP_EMAIL_MAX_ATTEMPTS", 3),
			SessionTTL:       getEnvDuration("OTP_SESSION_TTL", 30*time.Minute),
			PruneInterval:    getEnvDuration("OTP_PRUNE_INTERVAL", time.Hour),
			PruneEnabled:     getEnvBool("OTP_PRUNE_ENABLED", false),
		},
		WhatsApp: WhatsAppConfig{
			APIURL:        getEnv("WHATSAPP_API_URL", "https://graph.facebook.com/v19.0"),
			AccessToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
			PhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
			VerifyToken:   getEnv("WHATSAPP_VERIFY_TOKEN", ""),
			AppSecret:     getEnv("WHATSAPP_APP_SECRET", ""),
		},
		SMS: SMSConfig{
			APIURL:     getEnv("SMS_API_URL", "https://api.twilio.com/2010-04-01/Accounts"),
			AccountSID: getEnv("SMS_ACCOUNT_SID", ""),
			AuthToken:  getEnv("SMS_AUTH_TOKEN", ""),
			From:       getEnv("SMS_FROM", ""),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "localhost"),
			Port:     getEnv("SMTP_PORT", "587"),
			From:     getEnv("SMTP_FROM", "no-reply@example.com"),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
		},
	}

	global = cfg
	return cfg
}

// Get returns the last loaded configuration, loading defaults if needed.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// MaxAttemptsFor returns the issuance threshold for a contact class.
func (c *Config) MaxAttemptsFor(isPhone bool) int {
	if isPhone {
		return c.OTP.PhoneMaxAttempts
	}
	return c.OTP.EmailMaxAttempts
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
