package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	NEREndpoint       string `envconfig:"NER_ENDPOINT" default:"http://127.0.0.1:8855"`
	NERTimeoutSeconds int    `envconfig:"NER_TIMEOUT_SECONDS" default:"20"`

	EmbeddingProvider   string `envconfig:"EMBEDDING_PROVIDER" default:"http"`
	EmbeddingEndpoint   string `envconfig:"EMBEDDING_ENDPOINT" default:"http://127.0.0.1:8844/embed"`
	EmbeddingModel      string `envconfig:"EMBEDDING_MODEL" default:"all-MiniLM-L6-v2"`
	EmbeddingDimensions int    `envconfig:"EMBEDDING_DIMENSIONS" default:"384"`
	EmbeddingBatchSize  int    `envconfig:"EMBEDDING_BATCH_SIZE" default:"32"`
	CohereAPIKey        string `envconfig:"COHERE_API_KEY" default:""`

	LLMEndpoint       string `envconfig:"LLM_ENDPOINT" default:"https://api.openai.com/v1/chat/completions"`
	LLMModel          string `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	LLMAPIKey         string `envconfig:"LLM_API_KEY" default:""`
	LLMTimeoutSeconds int    `envconfig:"LLM_TIMEOUT_SECONDS" default:"60"`

	SMTPHost         string `envconfig:"SMTP_HOST" default:""`
	SMTPPort         int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser         string `envconfig:"SMTP_USER" default:""`
	SMTPPassword     string `envconfig:"SMTP_PASSWORD" default:""`
	DigestFrom       string `envconfig:"DIGEST_FROM" default:"chronicle@localhost"`
	DigestRecipients string `envconfig:"DIGEST_RECIPIENTS" default:""`

	ScrapeMaxPerSource int    `envconfig:"SCRAPE_MAX_PER_SOURCE" default:"10"`
	ScrapeUserAgent    string `envconfig:"SCRAPE_USER_AGENT" default:"chronicle/1.0 (+https://horse.fit/chronicle)"`

	ScheduleHourUTC int `envconfig:"SCHEDULE_HOUR_UTC" default:"6"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	switch strings.ToLower(strings.TrimSpace(c.EmbeddingProvider)) {
	case "http", "cohere":
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be http or cohere, got %q", c.EmbeddingProvider)
	}
	if c.EmbeddingDimensions < 1 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be >= 1")
	}
	if c.EmbeddingBatchSize < 1 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be >= 1")
	}
	if c.ScrapeMaxPerSource < 1 {
		return fmt.Errorf("SCRAPE_MAX_PER_SOURCE must be >= 1")
	}
	if c.ScheduleHourUTC < 0 || c.ScheduleHourUTC > 23 {
		return fmt.Errorf("SCHEDULE_HOUR_UTC must be between 0 and 23")
	}
	return nil
}

// DigestRecipientsList splits DIGEST_RECIPIENTS on commas, trimming and
// deduplicating entries.
func (c *Config) DigestRecipientsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.DigestRecipients, ",")
	recipients := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		address := strings.TrimSpace(part)
		if address == "" {
			continue
		}
		if _, exists := seen[address]; exists {
			continue
		}
		seen[address] = struct{}{}
		recipients = append(recipients, address)
	}
	return recipients
}
