package common

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is built once at startup and handed to every service that needs it.
type Config struct {
	DatabaseDriver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DatabaseDSN    string `envconfig:"DB_DSN" default:"mailinglist.db"`

	BaseURL            string `envconfig:"BASE_URL" required:"true"`
	DefaultSenderEmail string `envconfig:"DEFAULT_SENDER_EMAIL" required:"true"`
	DefaultSenderName  string `envconfig:"DEFAULT_SENDER_NAME" default:"Administrator"`

	ConfirmEmailSubscribe bool  `envconfig:"CONFIRM_EMAIL_SUBSCRIBE" default:"true"`
	EmailDelay            Delay `envconfig:"EMAIL_DELAY" default:"100ms"`
	BatchDelay            Delay `envconfig:"BATCH_DELAY" default:"10s"`
	BatchSize             int   `envconfig:"BATCH_SIZE" default:"100"`

	Transport string     `envconfig:"TRANSPORT" default:"smtp"`
	SMTP      SMTPConfig `envconfig:"SMTP"`

	TemplateDir string `envconfig:"TEMPLATE_DIR"`
	MediaDir    string `envconfig:"MEDIA_DIR" default:"media"`

	SessionSecret   string        `envconfig:"SESSION_SECRET"`
	Port            string        `envconfig:"PORT" default:"8080"`
	WorkerInterval  time.Duration `envconfig:"WORKER_INTERVAL" default:"1m"`
	RedisURL        string        `envconfig:"REDIS_URL"`
	ArchiveCacheTTL time.Duration `envconfig:"ARCHIVE_CACHE_TTL" default:"10m"`
	Debug           bool          `envconfig:"DEBUG" default:"false"`
}

type SMTPConfig struct {
	Host               string `envconfig:"HOST" default:"localhost"`
	Port               int    `envconfig:"PORT" default:"25"`
	User               string `envconfig:"USER"`
	Password           string `envconfig:"PASSWORD"`
	InsecureSkipVerify bool   `envconfig:"INSECURE_SKIP_VERIFY" default:"false"`
}

// Delay is an optional pause. The literal "none" (or an empty value) turns
// the pause off, which is not the same thing as a zero duration.
type Delay struct {
	Duration time.Duration
	Enabled  bool
}

// After returns an enabled delay of d.
func After(d time.Duration) Delay {
	return Delay{Duration: d, Enabled: true}
}

// NoDelay is a disabled delay.
var NoDelay = Delay{}

func (d *Delay) Decode(value string) error {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "none") {
		*d = NoDelay
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid delay %q: %w", value, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid delay %q: must not be negative", value)
	}
	*d = After(parsed)
	return nil
}

func (d Delay) String() string {
	if !d.Enabled {
		return "none"
	}
	return d.Duration.String()
}

// LoadConfig reads an optional .env file and then the MAILINGLIST_* environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("MAILINGLIST", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("MAILINGLIST_BASE_URL must be configured")
	}
	if c.DefaultSenderEmail == "" {
		return errors.New("MAILINGLIST_DEFAULT_SENDER_EMAIL must be configured")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("MAILINGLIST_BATCH_SIZE must not be negative, got %d", c.BatchSize)
	}
	switch c.Transport {
	case "smtp", "console":
	default:
		return fmt.Errorf("unknown MAILINGLIST_TRANSPORT %q", c.Transport)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return nil
}

// DefaultSenderTag is the From header used when no mailing list is involved.
func (c *Config) DefaultSenderTag() string {
	return fmt.Sprintf(`"%s" <%s>`, c.DefaultSenderName, c.DefaultSenderEmail)
}
