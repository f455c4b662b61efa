// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. Values are populated
// from the config file and PERMITFLOW_* environment variables via viper.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Portal   PortalConfig   `mapstructure:"portal" yaml:"portal"`
	Account  AccountConfig  `mapstructure:"account" yaml:"account"`
	OCR      OCRConfig      `mapstructure:"ocr" yaml:"ocr"`
	Printer  PrinterConfig  `mapstructure:"printer" yaml:"printer"`
	Workflow WorkflowConfig `mapstructure:"workflow" yaml:"workflow"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// PortalConfig describes the third-party payment portal being driven.
type PortalConfig struct {
	// BaseURL is the origin all relative form actions and document links
	// are resolved against.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// EntryPath is the path of the guest-input page that starts a run.
	EntryPath string        `mapstructure:"entry_path" yaml:"entry_path"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// AccountConfig carries the permit holder identity the portal expects.
type AccountConfig struct {
	Number   string `mapstructure:"number" yaml:"number"`
	ZipCode  string `mapstructure:"zip_code" yaml:"zip_code"`
	LastName string `mapstructure:"last_name" yaml:"last_name"`
	Email    string `mapstructure:"email" yaml:"email"`
}

// OCRConfig configures the external vision service used to read CAPTCHAs.
type OCRConfig struct {
	// CredentialsFile points at a service-account JSON file containing
	// client_email and private_key.
	CredentialsFile string `mapstructure:"credentials_file" yaml:"-"`
	VisionURL       string `mapstructure:"vision_url" yaml:"vision_url"`
	TokenURL        string `mapstructure:"token_url" yaml:"token_url"`
}

// PrinterConfig configures the optional print dispatch step.
type PrinterConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	AutoPrint bool   `mapstructure:"auto_print" yaml:"auto_print"`
}

// WorkflowConfig tunes the orchestrator itself.
type WorkflowConfig struct {
	DryRun          bool          `mapstructure:"dry_run" yaml:"dry_run"`
	CaptchaAttempts int           `mapstructure:"captcha_attempts" yaml:"captcha_attempts"`
	TestDocumentURL string        `mapstructure:"test_document_url" yaml:"test_document_url"`
	ArtifactDir     string        `mapstructure:"artifact_dir" yaml:"artifact_dir"`
	CleanupDelay    time.Duration `mapstructure:"cleanup_delay" yaml:"cleanup_delay"`
}

// ServerConfig configures the progress web UI.
type ServerConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "permitflow")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Portal --
	v.SetDefault("portal.base_url", "https://wmq.etimspayments.com")
	v.SetDefault("portal.entry_path", "/pbw/include/santamonica/rppguestinput.jsp")
	v.SetDefault("portal.timeout", "30s")
	v.SetDefault("portal.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")

	// -- OCR --
	v.SetDefault("ocr.vision_url", "https://vision.googleapis.com/v1/images:annotate")
	v.SetDefault("ocr.token_url", "https://oauth2.googleapis.com/token")

	// -- Printer --
	v.SetDefault("printer.name", "AutoPrinter")
	v.SetDefault("printer.auto_print", true)

	// -- Workflow --
	v.SetDefault("workflow.dry_run", true)
	v.SetDefault("workflow.captcha_attempts", 3)
	v.SetDefault("workflow.test_document_url",
		"https://upload.wikimedia.org/wikipedia/commons/d/d3/Test.pdf")
	v.SetDefault("workflow.artifact_dir", "")
	v.SetDefault("workflow.cleanup_delay", "10m")

	// -- Server --
	v.SetDefault("server.address", ":1886")
}

// BindEnv wires the PERMITFLOW_ environment prefix into a viper instance.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("PERMITFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with the defaults above.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Portal.BaseURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("portal.base_url must be an absolute URL, got %q", c.Portal.BaseURL)
	}
	if c.Portal.EntryPath == "" {
		return fmt.Errorf("portal.entry_path is a required configuration field")
	}
	if c.Portal.Timeout <= 0 {
		return fmt.Errorf("portal.timeout must be a positive duration")
	}
	if c.Workflow.CaptchaAttempts <= 0 {
		return fmt.Errorf("workflow.captcha_attempts must be a positive integer")
	}
	if !c.Workflow.DryRun {
		// A live run needs the full account identity and OCR credentials.
		switch {
		case c.Account.Number == "":
			return fmt.Errorf("account.number is required when workflow.dry_run is false")
		case c.Account.ZipCode == "":
			return fmt.Errorf("account.zip_code is required when workflow.dry_run is false")
		case c.Account.LastName == "":
			return fmt.Errorf("account.last_name is required when workflow.dry_run is false")
		case c.Account.Email == "":
			return fmt.Errorf("account.email is required when workflow.dry_run is false")
		}
	}
	return nil
}
