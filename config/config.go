package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	APIKeys   APIKeyConfig
	Detection DetectionConfig
	Ingest    IngestConfig
	Realtime  RealtimeConfig
	Kafka     KafkaConfig
	AWS       AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/ocsafe?sslmode=disable)
	MaxConns int32
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings. An empty Addr disables the alert relay and evidence queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings for dashboard users.
type JWTConfig struct {
	Secret      string
	ExpireHours int
	BcryptCost  int // dashboard password hashing; defaults to the API key cost
}

// APIKeyConfig holds agent credential settings.
type APIKeyConfig struct {
	BcryptCost int
}

// DetectionConfig configures the built-in detection rules.
type DetectionConfig struct {
	SensitivePathMarkers []string // matched case-insensitively against file_access paths
	MaliciousProcesses   []string // matched exactly against process_launch names
}

// IngestConfig holds per-key rate limiting and the optional ingestion deadline.
type IngestConfig struct {
	RatePerSecond float64 // 0 disables rate limiting
	Burst         int
	Timeout       time.Duration // 0 disables the deadline
}

// RealtimeConfig holds per-subscriber queue bounds for the alert hub.
type RealtimeConfig struct {
	SendQueueSize int
	MaxOverflows  int
}

// KafkaConfig holds verdict stream settings. Empty Brokers disables the stream.
type KafkaConfig struct {
	Brokers      []string
	VerdictTopic string
}

// AWSConfig holds AWS credentials and the evidence bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	EvidenceBucket       string
	PresignExpireMinutes int // lifetime of evidence download links
}

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

	rate, err := strconv.ParseFloat(getEnv("INGEST_RATE_PER_SEC", "50"), 64)
	if err != nil {
		return nil, fmt.Errorf("INGEST_RATE_PER_SEC: %w", err)
	}
	ingestTimeout, err := time.ParseDuration(getEnv("INGEST_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("INGEST_TIMEOUT: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8000"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
			Host:     getEnv("POSTGRES_SERVER", "localhost"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "password"),
			DBName:   getEnv("POSTGRES_DB", "ocsafe"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("SECRET_KEY", "change_this_to_a_secure_random_key"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		APIKeys: APIKeyConfig{
			BcryptCost: getEnvInt("API_KEY_BCRYPT_COST", 12),
		},
		Detection: DetectionConfig{
			SensitivePathMarkers: splitTrim(getEnv("DETECTION_SENSITIVE_PATHS", "system32"), ","),
			MaliciousProcesses:   splitTrim(getEnv("DETECTION_MALICIOUS_PROCESSES", "mimikatz.exe,nc.exe"), ","),
		},
		Ingest: IngestConfig{
			RatePerSecond: rate,
			Burst:         getEnvInt("INGEST_BURST", 100),
			Timeout:       ingestTimeout,
		},
		Realtime: RealtimeConfig{
			SendQueueSize: getEnvInt("WS_SEND_QUEUE_SIZE", 64),
			MaxOverflows:  getEnvInt("WS_MAX_OVERFLOWS", 16),
		},
		Kafka: KafkaConfig{
			Brokers:      splitTrim(getEnv("KAFKA_BROKERS", ""), ","),
			VerdictTopic: getEnv("VERDICT_KAFKA_TOPIC", "ocsafe-verdicts"),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			EvidenceBucket:       getEnv("AWS_S3_EVIDENCE_BUCKET", "ocsafe-evidence"),
			PresignExpireMinutes: getEnvInt("AWS_S3_PRESIGN_EXPIRE_MINUTES", 15),
		},
	}
	cfg.JWT.BcryptCost = getEnvInt("PASSWORD_BCRYPT_COST", cfg.APIKeys.BcryptCost)
	if cfg.Ingest.Burst <= 0 {
		cfg.Ingest.Burst = 1
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
