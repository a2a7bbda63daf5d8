package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCalendarName = "Email Deadlines"
	DefaultTimezone     = "UTC"
	DefaultFilePattern  = "email-deadlines-2006-01-02_15-04.ics"
	DefaultRefreshCron  = "*/15 * * * *"
	DefaultListen       = "127.0.0.1:8080"
	DefaultLineLength   = 75
)

// IMAPConfig describes the optional IMAP mailbox used as a message source.
type IMAPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     string `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS     bool   `yaml:"tls" json:"tls"`
	Mailbox string `yaml:"mailbox" json:"mailbox"`
	// SinceDays limits the search to messages received in the last N days.
	SinceDays int `yaml:"since_days" json:"since_days"`
	// Limit caps how many of the newest matching messages are fetched.
	Limit int `yaml:"limit" json:"limit"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// CalendarName is written as X-WR-CALNAME into exported calendars.
	CalendarName string `yaml:"calendar_name" json:"calendar_name"`

	// Timezone is the IANA zone used to interpret dates and times found in
	// messages. Date-only values become midnight in this zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// OutputDir is where exported .ics files are written.
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// FilePattern is a Go time layout used to name exported files.
	FilePattern string `yaml:"file_pattern" json:"file_pattern"`

	// MergeFile, if set, makes every export merge into this single calendar
	// file instead of writing a new timestamped one.
	MergeFile string `yaml:"merge_file" json:"merge_file"`

	// LineLength is the content-line folding length. Zero or negative
	// disables folding.
	LineLength int `yaml:"line_length" json:"line_length"`

	// Inputs lists .eml/.mbox files or directories for the file source.
	Inputs []string `yaml:"inputs" json:"inputs"`

	// IMAP, if non-nil, enables the IMAP source.
	IMAP *IMAPConfig `yaml:"imap,omitempty" json:"imap,omitempty"`

	// RefreshCron is the 5-field cron schedule used by watch mode.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// LedgerPath is the SQLite file recording exported messages/events.
	// Empty disables the ledger.
	LedgerPath string `yaml:"ledger_path" json:"ledger_path"`

	// Listen is the HTTP listen address for serve mode.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		CalendarName: DefaultCalendarName,
		Timezone:     DefaultTimezone,
		OutputDir:    ".",
		FilePattern:  DefaultFilePattern,
		LineLength:   DefaultLineLength,
		Inputs:       []string{},
		RefreshCron:  DefaultRefreshCron,
		Listen:       DefaultListen,
		LogLevel:     "info",
	}
}

// DefaultPath returns ~/.config/email2deadline/config.yaml, or a relative
// config.yaml when the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "email2deadline", "config.yaml")
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.CalendarName) == "" {
		c.CalendarName = DefaultCalendarName
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		// Unknown zone; fall back to UTC rather than the host zone.
		c.Timezone = DefaultTimezone
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.FilePattern == "" {
		c.FilePattern = DefaultFilePattern
	}
	if c.Inputs == nil {
		c.Inputs = []string{}
	}
	if c.RefreshCron == "" {
		c.RefreshCron = DefaultRefreshCron
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		c.RefreshCron = DefaultRefreshCron
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.IMAP != nil {
		if c.IMAP.Mailbox == "" {
			c.IMAP.Mailbox = "INBOX"
		}
		if c.IMAP.Port == "" {
			if c.IMAP.TLS {
				c.IMAP.Port = "993"
			} else {
				c.IMAP.Port = "143"
			}
		}
		if c.IMAP.SinceDays <= 0 {
			c.IMAP.SinceDays = 7
		}
		if c.IMAP.Limit <= 0 {
			c.IMAP.Limit = 100
		}
	}
}

// Location returns the configured time zone, UTC if it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ApplyEnv overrides configuration with non-empty environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("E2D_CALENDAR_NAME"); v != "" {
		c.CalendarName = v
	}
	if v := os.Getenv("E2D_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("E2D_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("E2D_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("E2D_LEDGER_PATH"); v != "" {
		c.LedgerPath = v
	}
	if v := os.Getenv("E2D_IMAP_PASSWORD"); v != "" && c.IMAP != nil {
		c.IMAP.Password = v
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read, environment overrides are applied and
//     defaults are normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				cfg.ApplyEnv()
				cfg.Normalize()
				return cfg, err
			}
			cfg.ApplyEnv()
			cfg.Normalize()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to path atomically (temp file +
// rename) with 0600 permissions, creating the parent directory (0700).
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".email2deadline-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
