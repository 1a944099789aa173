package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportRedis = "redis"
	TransportKafka = "kafka"
)

type Config struct {
	// Process
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	LogLevel    string `yaml:"log_level"`
	ServerHost  string `yaml:"server_host"`
	ServerPort  string `yaml:"server_port"`

	// Batching
	MaxBatchSize int           `yaml:"max_batch_size"`
	FlushAfter   time.Duration `yaml:"batch_flush_after"`
	PollTimeout  time.Duration `yaml:"claim_poll_timeout"`

	// HMRC Transaction Engine
	SenderID        string        `yaml:"sender_id"`
	SenderPassword  string        `yaml:"sender_password"`
	VendorID        string        `yaml:"vendor_id"`
	ProductName     string        `yaml:"product_name"`
	AgentNo         string        `yaml:"agent_no"`
	AgentName       string        `yaml:"agent_name"`
	AgentAddress    string        `yaml:"agent_address"`
	AgentPhone      string        `yaml:"agent_phone"`
	SubmissionURL   string        `yaml:"submission_url"`
	PollURL         string        `yaml:"poll_url"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	SkipCompression bool          `yaml:"skip_payload_compression"`

	// Queues
	InboundTransport string `yaml:"inbound_transport"`
	InboundChannel   string `yaml:"inbound_channel"`
	InboundGroup     string `yaml:"inbound_group"`
	InboundConsumer  string `yaml:"inbound_consumer"`
	MaxRedeliveries  int    `yaml:"max_redeliveries"`
	ResultTransport  string `yaml:"result_transport"`
	ResultChannel    string `yaml:"result_channel"`

	// Redis
	RedisHost     string `yaml:"redis_host"`
	RedisPort     string `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Kafka
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaGroupID string   `yaml:"kafka_group_id"`

	// Database
	LedgerEnabled    bool   `yaml:"ledger_enabled"`
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     string `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Claimed-donation registry, 0 disables it
	ClaimedRegistryTTL time.Duration `yaml:"claimed_registry_ttl"`

	// Raw GovTalk message archive, empty bucket disables it
	ArchiveBucket string `yaml:"archive_bucket"`
	ArchiveRegion string `yaml:"archive_region"`
	ArchivePrefix string `yaml:"archive_prefix"`
}

func defaults() *Config {
	return &Config{
		Environment: "local",
		Version:     "dev",
		LogLevel:    "info",
		ServerHost:  "0.0.0.0",
		ServerPort:  "8080",

		MaxBatchSize: 1000,
		PollTimeout:  45 * time.Second,

		ProductName:    "ClaimBot",
		RequestTimeout: 30 * time.Second,

		InboundTransport: TransportRedis,
		InboundChannel:   "claimbot.donation.claim",
		InboundGroup:     "claimbot",
		MaxRedeliveries:  3,
		ResultTransport:  TransportKafka,
		ResultChannel:    "claimbot.donation.result",

		RedisHost: "localhost",
		RedisPort: "6379",

		KafkaBrokers: []string{"localhost:9092"},
		KafkaGroupID: "claimbot",

		PostgresHost:    "localhost",
		PostgresPort:    "5432",
		PostgresUser:    "claimbot",
		PostgresDB:      "claimbot",
		PostgresSSLMode: "disable",

		ClaimedRegistryTTL: 30 * 24 * time.Hour,

		ArchiveRegion: "eu-west-1",
		ArchivePrefix: "claimbot",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CLAIMBOT_CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CLAIMBOT_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Environment = getEnv("APP_ENV", cfg.Environment)
	cfg.Version = getEnv("APP_VERSION", cfg.Version)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.ServerHost = getEnv("SERVER_HOST", cfg.ServerHost)
	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)

	cfg.MaxBatchSize = getIntEnv("MAX_BATCH_SIZE", cfg.MaxBatchSize)
	cfg.FlushAfter = getDuration("BATCH_FLUSH_AFTER", cfg.FlushAfter)
	cfg.PollTimeout = getDuration("CLAIM_POLL_TIMEOUT", cfg.PollTimeout)

	cfg.SenderID = getEnv("MAIN_GATEWAY_SENDER_ID", cfg.SenderID)
	cfg.SenderPassword = getEnv("MAIN_GATEWAY_SENDER_PASSWORD", cfg.SenderPassword)
	cfg.VendorID = getEnv("VENDOR_ID", cfg.VendorID)
	cfg.ProductName = getEnv("HMRC_PRODUCT_NAME", cfg.ProductName)
	cfg.AgentNo = getEnv("HMRC_AGENT_NO", cfg.AgentNo)
	cfg.AgentName = strings.ReplaceAll(getEnv("HMRC_AGENT_NAME", cfg.AgentName), `\s`, " ")
	cfg.AgentAddress = getEnv("HMRC_AGENT_ADDRESS", cfg.AgentAddress)
	cfg.AgentPhone = getEnv("HMRC_AGENT_PHONE", cfg.AgentPhone)
	cfg.SubmissionURL = getEnv("HMRC_SUBMISSION_URL", cfg.SubmissionURL)
	cfg.PollURL = getEnv("HMRC_POLL_URL", cfg.PollURL)
	cfg.RequestTimeout = getDuration("HMRC_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.SkipCompression = getBoolEnv("SKIP_PAYLOAD_COMPRESSION", cfg.SkipCompression)

	cfg.InboundTransport = strings.ToLower(getEnv("INBOUND_TRANSPORT", cfg.InboundTransport))
	cfg.InboundChannel = getEnv("INBOUND_CHANNEL", cfg.InboundChannel)
	cfg.InboundGroup = getEnv("INBOUND_GROUP", cfg.InboundGroup)
	cfg.InboundConsumer = getEnv("INBOUND_CONSUMER", cfg.InboundConsumer)
	cfg.MaxRedeliveries = getIntEnv("MAX_REDELIVERIES", cfg.MaxRedeliveries)
	cfg.ResultTransport = strings.ToLower(getEnv("RESULT_TRANSPORT", cfg.ResultTransport))
	cfg.ResultChannel = getEnv("RESULT_CHANNEL", cfg.ResultChannel)

	cfg.RedisHost = getEnv("REDIS_HOST", cfg.RedisHost)
	cfg.RedisPort = getEnv("REDIS_PORT", cfg.RedisPort)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getIntEnv("REDIS_DB", cfg.RedisDB)

	cfg.KafkaBrokers = getStringSliceEnv("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaGroupID = getEnv("KAFKA_GROUP_ID", cfg.KafkaGroupID)

	cfg.LedgerEnabled = getBoolEnv("LEDGER_ENABLED", cfg.LedgerEnabled)
	cfg.PostgresHost = getEnv("POSTGRES_HOST", cfg.PostgresHost)
	cfg.PostgresPort = getEnv("POSTGRES_PORT", cfg.PostgresPort)
	cfg.PostgresUser = getEnv("POSTGRES_USER", cfg.PostgresUser)
	cfg.PostgresPassword = getEnv("POSTGRES_PASSWORD", cfg.PostgresPassword)
	cfg.PostgresDB = getEnv("POSTGRES_DB", cfg.PostgresDB)
	cfg.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", cfg.PostgresSSLMode)

	cfg.ClaimedRegistryTTL = getDuration("CLAIMED_REGISTRY_TTL", cfg.ClaimedRegistryTTL)

	cfg.ArchiveBucket = getEnv("ARCHIVE_BUCKET", cfg.ArchiveBucket)
	cfg.ArchiveRegion = getEnv("ARCHIVE_REGION", cfg.ArchiveRegion)
	cfg.ArchivePrefix = getEnv("ARCHIVE_PREFIX", cfg.ArchivePrefix)

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings every gateway-facing command needs.
func (c *Config) Validate() error {
	var errs []error
	if c.SenderID == "" {
		errs = append(errs, errors.New("MAIN_GATEWAY_SENDER_ID is required"))
	}
	if c.SenderPassword == "" {
		errs = append(errs, errors.New("MAIN_GATEWAY_SENDER_PASSWORD is required"))
	}
	if c.VendorID == "" {
		errs = append(errs, errors.New("VENDOR_ID is required"))
	}
	if c.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("MAX_BATCH_SIZE must be positive, got %d", c.MaxBatchSize))
	}
	switch c.InboundTransport {
	case TransportRedis, TransportKafka:
	default:
		errs = append(errs, fmt.Errorf("unsupported INBOUND_TRANSPORT %q", c.InboundTransport))
	}
	switch c.ResultTransport {
	case TransportRedis, TransportKafka:
	default:
		errs = append(errs, fmt.Errorf("unsupported RESULT_TRANSPORT %q", c.ResultTransport))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ClaimNo identifies this build's claims to HMRC, e.g. CBv1.1-2022-01-01. HMRC accepts at most 20 characters.
func (c *Config) ClaimNo(now time.Time) string {
	claimNo := "CB" + c.Version + "-" + now.Format("2006-01-02")
	if len(claimNo) > 20 {
		claimNo = claimNo[:20]
	}
	return claimNo
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.PostgresHost,
		c.PostgresUser,
		c.PostgresPassword,
		c.PostgresDB,
		c.PostgresPort,
		c.PostgresSSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

type AgentAddress struct {
	Lines    []string
	Postcode string
	Country  string
}

// ParseAgentAddress splits HMRC_AGENT_ADDRESS. Parts are comma separated, `\s` stands for a space and the
// last part is the postcode.
func ParseAgentAddress(raw string) AgentAddress {
	addr := AgentAddress{Country: "United Kingdom"}
	var parts []string
	for _, part := range strings.Split(strings.ReplaceAll(raw, `\s`, " "), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return addr
	}
	addr.Postcode = parts[len(parts)-1]
	addr.Lines = parts[:len(parts)-1]
	return addr
}
