package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DatabaseServiceKey string        `mapstructure:"DATABASE_SERVICE_KEY"`
	DBSchema           string        `mapstructure:"DB_SCHEMA"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir      string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	SFTPHost           string        `mapstructure:"SFTP_HOST"`
	SFTPPort           int           `mapstructure:"SFTP_PORT"`
	SFTPUsername       string        `mapstructure:"SFTP_USERNAME"`
	SFTPPassword       string        `mapstructure:"SFTP_PASSWORD"`
	SFTPPrivateKey     string        `mapstructure:"SFTP_PRIVATE_KEY"`
	SFTPKeyPassphrase  string        `mapstructure:"SFTP_KEY_PASSPHRASE"`
	SFTPKnownHosts     string        `mapstructure:"SFTP_KNOWN_HOSTS"`
	SFTPRemoteDir      string        `mapstructure:"SFTP_REMOTE_DIR"`
	SFTPArchiveDir     string        `mapstructure:"SFTP_ARCHIVE_DIR"`
	SFTPMaxFileBytes   int64         `mapstructure:"SFTP_MAX_FILE_BYTES"`
	SFTPDialTimeout    time.Duration `mapstructure:"SFTP_DIAL_TIMEOUT"`
	BatchTimeout       time.Duration `mapstructure:"ETL_BATCH_TIMEOUT"`
	FileTimeout        time.Duration `mapstructure:"ETL_FILE_TIMEOUT"`
	HTTPTimeout        time.Duration `mapstructure:"ETL_HTTP_TIMEOUT"`
	BodyLimit          string        `mapstructure:"ETL_BODY_LIMIT"`
	TriggerSecret      string        `mapstructure:"ETL_TRIGGER_SECRET"`
	TriggerRPS         float64       `mapstructure:"ETL_TRIGGER_RPS"`
	TriggerBurst       int           `mapstructure:"ETL_TRIGGER_BURST"`
	WatchInterval      time.Duration `mapstructure:"ETL_WATCH_INTERVAL"`
	ReportDir          string        `mapstructure:"ETL_REPORT_DIR"`
	SchemaMapFile      string        `mapstructure:"ETL_SCHEMA_MAP"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DATABASE_SERVICE_KEY", "DB_SCHEMA", "DB_MAX_CONNS",
	"DB_MIN_CONNS", "MIGRATIONS_DIR", "REDIS_URL",
	"SFTP_HOST", "SFTP_PORT", "SFTP_USERNAME", "SFTP_PASSWORD", "SFTP_PRIVATE_KEY",
	"SFTP_KEY_PASSPHRASE", "SFTP_KNOWN_HOSTS", "SFTP_REMOTE_DIR", "SFTP_ARCHIVE_DIR",
	"SFTP_MAX_FILE_BYTES", "SFTP_DIAL_TIMEOUT",
	"ETL_BATCH_TIMEOUT", "ETL_FILE_TIMEOUT", "ETL_HTTP_TIMEOUT", "ETL_BODY_LIMIT",
	"ETL_TRIGGER_SECRET", "ETL_TRIGGER_RPS", "ETL_TRIGGER_BURST", "ETL_WATCH_INTERVAL",
	"ETL_REPORT_DIR", "ETL_SCHEMA_MAP",
}

// Load reads configuration from the environment and an optional .env file.
// Missing ETL variables are not an error here; callers check MissingETLVars
// so the HTTP trigger can report them instead of refusing to start.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 5)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("SFTP_PORT", 22)
	v.SetDefault("SFTP_ARCHIVE_DIR", "archive")
	v.SetDefault("SFTP_MAX_FILE_BYTES", 64<<20)
	v.SetDefault("SFTP_DIAL_TIMEOUT", "30s")
	v.SetDefault("ETL_BATCH_TIMEOUT", "5m")
	v.SetDefault("ETL_FILE_TIMEOUT", "90s")
	v.SetDefault("ETL_HTTP_TIMEOUT", "300s")
	v.SetDefault("ETL_BODY_LIMIT", "10M")
	v.SetDefault("ETL_TRIGGER_RPS", 0.2)
	v.SetDefault("ETL_TRIGGER_BURST", 2)
	v.SetDefault("ETL_WATCH_INTERVAL", "15m")
	v.SetDefault("ETL_REPORT_DIR", ".")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.SFTPRemoteDir = strings.TrimSpace(cfg.SFTPRemoteDir)

	if cfg.IsDev() && cfg.SFTPKnownHosts == "" {
		log.Println("WARNING: SFTP_KNOWN_HOSTS is not set; remote host keys will not be verified.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// MissingError lists required variables that are absent.
type MissingError struct {
	Vars []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Vars, ", ")
}

// MissingETLVars returns the names of required variables that are unset, in
// a stable order. Either SFTP_PRIVATE_KEY or SFTP_PASSWORD satisfies the
// credential requirement.
func (c *Config) MissingETLVars() []string {
	var missing []string
	check := func(name, val string) {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, name)
		}
	}
	check("SFTP_HOST", c.SFTPHost)
	check("SFTP_USERNAME", c.SFTPUsername)
	if strings.TrimSpace(c.SFTPPrivateKey) == "" && strings.TrimSpace(c.SFTPPassword) == "" {
		missing = append(missing, "SFTP_PRIVATE_KEY|SFTP_PASSWORD")
	}
	check("SFTP_REMOTE_DIR", c.SFTPRemoteDir)
	check("DATABASE_URL", c.DatabaseURL)
	check("DATABASE_SERVICE_KEY", c.DatabaseServiceKey)
	return missing
}

// RequireETL returns a *MissingError when any required variable is absent.
func (c *Config) RequireETL() error {
	if missing := c.MissingETLVars(); len(missing) > 0 {
		return &MissingError{Vars: missing}
	}
	return nil
}

// Validate checks that the configuration is internally consistent. It does
// not check for required ETL variables; see RequireETL.
func (c *Config) Validate() error {
	if c.SFTPPort <= 0 || c.SFTPPort > 65535 {
		return fmt.Errorf("SFTP_PORT must be between 1 and 65535, got %d", c.SFTPPort)
	}
	if c.FileTimeout <= 0 || c.BatchTimeout <= 0 {
		return fmt.Errorf("ETL_FILE_TIMEOUT and ETL_BATCH_TIMEOUT must be positive")
	}
	if c.FileTimeout > c.BatchTimeout {
		return fmt.Errorf("ETL_FILE_TIMEOUT (%s) exceeds ETL_BATCH_TIMEOUT (%s)", c.FileTimeout, c.BatchTimeout)
	}
	if strings.Contains(c.SFTPArchiveDir, "..") {
		return fmt.Errorf("SFTP_ARCHIVE_DIR must not contain '..'")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.IsProduction() && c.SFTPKnownHosts == "" {
		return fmt.Errorf("SFTP_KNOWN_HOSTS is required in production")
	}
	return nil
}
