package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	MailProviderSMTP    = "smtp"
	MailProviderWebhook = "webhook"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	APIPort        int    `env:"API_PORT,default=8080"`
	WorkerHTTPPort int    `env:"WORKER_HTTP_PORT,default=8081"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY,default=4"`
	RateLimitPerSec   int           `env:"RATE_LIMIT_PER_SEC,default=10"`
	MaxRetries        int           `env:"MAX_RETRIES,default=3"`
	RetryBaseDelay    time.Duration `env:"RETRY_BASE_DELAY,default=30s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY,default=30m"`
	DeliveryTimeout   time.Duration `env:"DELIVERY_TIMEOUT,default=30s"`
	ScanInterval      time.Duration `env:"SCAN_INTERVAL,default=5s"`
	ScanLimit         int           `env:"SCAN_LIMIT,default=100"`
	ClaimTimeout      time.Duration `env:"CLAIM_TIMEOUT,default=10m"`

	// Upper bound on tasks claimed but not yet settled across all workers.
	MaxInFlight int `env:"MAX_IN_FLIGHT,default=100"`

	StartTimeGrace time.Duration `env:"START_TIME_GRACE,default=0s"`
	MaxRecipients  int           `env:"MAX_RECIPIENTS,default=10000"`
	SenderAddress  string        `env:"SENDER_ADDRESS,default=oliver.brown@domain.io"`

	MailProvider string `env:"MAIL_PROVIDER,default=smtp"`
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT,default=587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPSSL      bool   `env:"SMTP_SSL,default=false"`
	WebhookURL   string `env:"WEBHOOK_URL"`

	// Empty disables bearer-token verification.
	AuthJWTSecret string `env:"AUTH_JWT_SECRET"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.MailProvider = strings.ToLower(strings.TrimSpace(cfg.MailProvider))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints go-env tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be >= 1"))
	}
	if c.RateLimitPerSec < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_SEC must be >= 1"))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, errors.New("MAX_RETRIES must be >= 1"))
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_BASE_DELAY must be > 0 and <= RETRY_MAX_DELAY"))
	}
	if c.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("DELIVERY_TIMEOUT must be > 0"))
	}
	if c.ScanInterval <= 0 || c.ScanLimit < 1 {
		errs = append(errs, errors.New("SCAN_INTERVAL and SCAN_LIMIT must be positive"))
	}
	if c.ClaimTimeout <= c.DeliveryTimeout {
		errs = append(errs, errors.New("CLAIM_TIMEOUT must be greater than DELIVERY_TIMEOUT"))
	}
	if c.MaxInFlight < c.WorkerConcurrency {
		errs = append(errs, errors.New("MAX_IN_FLIGHT must be >= WORKER_CONCURRENCY"))
	}
	if c.MaxRecipients < 1 {
		errs = append(errs, errors.New("MAX_RECIPIENTS must be >= 1"))
	}
	if c.StartTimeGrace < 0 {
		errs = append(errs, errors.New("START_TIME_GRACE must be >= 0"))
	}

	switch c.MailProvider {
	case MailProviderSMTP:
	case MailProviderWebhook:
		if strings.TrimSpace(c.WebhookURL) == "" {
			errs = append(errs, errors.New("WEBHOOK_URL is required when MAIL_PROVIDER=webhook"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MAIL_PROVIDER %q", c.MailProvider))
	}

	return errors.Join(errs...)
}

// AuthEnabled reports whether API requests must carry a bearer token.
func (c *Config) AuthEnabled() bool {
	return strings.TrimSpace(c.AuthJWTSecret) != ""
}
