package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	dbconfig "presence/pkg/database"
	"presence/pkg/types"
)

// Scan sources
const (
	SourceBLE    = "ble"
	SourceReplay = "replay"
	SourceNone   = "none"
)

// EnvPrefix prefixes every environment variable the service reads
const EnvPrefix = "ATTENDANCE_"

// Config is the whole service configuration
// ARCHITECTURAL DISCOVERY: One section per component keeps each constructor's
// inputs in one place and lets Validate report the section at fault
type Config struct {
	Storage *dbconfig.Config `json:"storage"`
	HTTP    *HTTPConfig      `json:"http"`
	Scanner *ScannerConfig   `json:"scanner"`
	Feed    *FeedConfig      `json:"feed"`
	Roster  *RosterConfig    `json:"roster"`
}

type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// MutationsPerMinute caps write requests per client address; 0 disables
	MutationsPerMinute int `json:"mutations_per_minute"`
}

// ScannerConfig selects the device source and tunes the reconciliation loop
type ScannerConfig struct {
	Source        string        `json:"source"`
	ReplayFile    string        `json:"replay_file"`
	Interval      int           `json:"interval"`     // seconds, used until a saved registry overrides it
	SignalFloor   int           `json:"signal_floor"` // dBm
	StopTimeout   time.Duration `json:"stop_timeout"`
	BlacklistFile string        `json:"blacklist_file"`
	AutoStart     bool          `json:"auto_start"`
}

type FeedConfig struct {
	Enabled bool `json:"enabled"`
}

// RosterConfig controls class registration
type RosterConfig struct {
	StrictClassCodes bool     `json:"strict_class_codes"`
	ValidClassCodes  []string `json:"valid_class_codes"`
}

// DefaultConfig returns a configuration that runs on a single classroom machine
func DefaultConfig() *Config {
	return &Config{
		Storage: dbconfig.DefaultConfig(),
		HTTP: &HTTPConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       30 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			MutationsPerMinute: 120,
		},
		Scanner: &ScannerConfig{
			Source:      SourceBLE,
			Interval:    types.DefaultScanInterval,
			SignalFloor: types.DefaultSignalFloor,
			StopTimeout: 5 * time.Second,
			AutoStart:   true,
		},
		Feed: &FeedConfig{
			Enabled: true,
		},
		Roster: &RosterConfig{
			ValidClassCodes: []string{"CSCI", "MENG", "EENG", "ENGR", "SWEN", "ISEN", "CIS"},
		},
	}
}

// Validate rejects configurations that would fail at runtime
func (c *Config) Validate() error {
	if c.Storage == nil {
		return errors.New("storage configuration is required")
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP shutdown timeout must be positive")
	}
	if c.HTTP.MutationsPerMinute < 0 {
		return errors.New("HTTP mutations per minute cannot be negative")
	}

	if c.Scanner == nil {
		return errors.New("scanner configuration is required")
	}
	switch c.Scanner.Source {
	case SourceBLE, SourceNone:
	case SourceReplay:
		if c.Scanner.ReplayFile == "" {
			return errors.New("scanner replay source needs a replay file")
		}
	default:
		return fmt.Errorf("scanner source must be %s, %s or %s", SourceBLE, SourceReplay, SourceNone)
	}
	if err := types.ValidateScanInterval(c.Scanner.Interval); err != nil {
		return fmt.Errorf("scanner: %w", err)
	}
	if c.Scanner.SignalFloor > 0 || c.Scanner.SignalFloor < -127 {
		return errors.New("scanner signal floor must be between -127 and 0 dBm")
	}
	if c.Scanner.StopTimeout <= 0 {
		return errors.New("scanner stop timeout must be positive")
	}

	if c.Feed == nil {
		return errors.New("feed configuration is required")
	}
	if c.Roster == nil {
		return errors.New("roster configuration is required")
	}
	if c.Roster.StrictClassCodes && len(c.Roster.ValidClassCodes) == 0 {
		return errors.New("strict class codes need at least one valid code")
	}
	return nil
}

// LoadDotEnv loads a .env file into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	log.Printf("Loaded environment from %s", path)
	return nil
}

// LoadFromEnv overlays ATTENDANCE_* environment variables on the defaults
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	setString(&config.HTTP.Host, "HTTP_HOST")
	setInt(&config.HTTP.Port, "HTTP_PORT")
	setDuration(&config.HTTP.ReadTimeout, "HTTP_READ_TIMEOUT")
	setDuration(&config.HTTP.WriteTimeout, "HTTP_WRITE_TIMEOUT")
	setDuration(&config.HTTP.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT")
	setInt(&config.HTTP.MutationsPerMinute, "HTTP_MUTATIONS_PER_MINUTE")

	setString(&config.Storage.Backend, "STORAGE_BACKEND")
	setString(&config.Storage.DatabasePath, "DATABASE_PATH")
	setString(&config.Storage.MigrationsPath, "MIGRATIONS_PATH")
	setDuration(&config.Storage.SaveTimeout, "SAVE_TIMEOUT")
	setString(&config.Storage.RedisAddr, "REDIS_ADDR")
	setString(&config.Storage.RedisPassword, "REDIS_PASSWORD")
	setInt(&config.Storage.RedisDB, "REDIS_DB")
	setString(&config.Storage.RedisKey, "REDIS_KEY")

	setString(&config.Scanner.Source, "SCANNER_SOURCE")
	setString(&config.Scanner.ReplayFile, "SCANNER_REPLAY_FILE")
	setInt(&config.Scanner.Interval, "SCAN_INTERVAL")
	setInt(&config.Scanner.SignalFloor, "SCANNER_SIGNAL_FLOOR")
	setDuration(&config.Scanner.StopTimeout, "SCANNER_STOP_TIMEOUT")
	setString(&config.Scanner.BlacklistFile, "BLACKLIST_FILE")
	setBool(&config.Scanner.AutoStart, "SCANNER_AUTO_START")

	setBool(&config.Feed.Enabled, "FEED_ENABLED")

	setBool(&config.Roster.StrictClassCodes, "STRICT_CLASS_CODES")
	if codes := os.Getenv(EnvPrefix + "VALID_CLASS_CODES"); codes != "" {
		config.Roster.ValidClassCodes = splitList(codes)
	}
}

// TECHNICAL DISCOVERY: Unparseable values are logged and skipped so one typo
// does not take the service down; Validate still catches unusable results
func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("warning: ignoring %s%s=%q: %v", EnvPrefix, key, v, err)
			return
		}
		*dst = n
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			log.Printf("warning: ignoring %s%s=%q: %v", EnvPrefix, key, v, err)
			return
		}
		*dst = b
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Printf("warning: ignoring %s%s=%q: %v", EnvPrefix, key, v, err)
			return
		}
		*dst = d
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}

// ConfigFile is the JSON layout of a config file
// FUNCTIONAL DISCOVERY: Separate struct so durations can be written as "30s"
// and absent booleans can be told apart from false
type ConfigFile struct {
	Storage *StorageConfigFile `json:"storage"`
	HTTP    *HTTPConfigFile    `json:"http"`
	Scanner *ScannerConfigFile `json:"scanner"`
	Feed    *FeedConfigFile    `json:"feed"`
	Roster  *RosterConfigFile  `json:"roster"`
}

type StorageConfigFile struct {
	Backend        string `json:"backend"`
	Path           string `json:"path"`
	MigrationsPath string `json:"migrations_path"`
	SaveTimeout    string `json:"save_timeout"`
	RedisAddr      string `json:"redis_addr"`
	RedisPassword  string `json:"redis_password"`
	RedisDB        *int   `json:"redis_db"`
	RedisKey       string `json:"redis_key"`
}

type HTTPConfigFile struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ReadTimeout     string `json:"read_timeout"`
	WriteTimeout    string `json:"write_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout"`

	// nil keeps the lower layer; 0 disables limiting
	MutationsPerMinute *int `json:"mutations_per_minute"`
}

type ScannerConfigFile struct {
	Source        string `json:"source"`
	ReplayFile    string `json:"replay_file"`
	Interval      int    `json:"interval"`
	SignalFloor   *int   `json:"signal_floor"`
	StopTimeout   string `json:"stop_timeout"`
	BlacklistFile string `json:"blacklist_file"`
	AutoStart     *bool  `json:"auto_start"`
}

type FeedConfigFile struct {
	Enabled *bool `json:"enabled"`
}

type RosterConfigFile struct {
	StrictClassCodes *bool    `json:"strict_class_codes"`
	ValidClassCodes  []string `json:"valid_class_codes"`
}

// LoadFromFile reads a JSON config file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if s := file.Storage; s != nil {
		overrideString(&config.Storage.Backend, s.Backend)
		overrideString(&config.Storage.DatabasePath, s.Path)
		overrideString(&config.Storage.MigrationsPath, s.MigrationsPath)
		overrideString(&config.Storage.RedisAddr, s.RedisAddr)
		overrideString(&config.Storage.RedisPassword, s.RedisPassword)
		overrideString(&config.Storage.RedisKey, s.RedisKey)
		if s.RedisDB != nil {
			config.Storage.RedisDB = *s.RedisDB
		}
		if err := overrideDuration(&config.Storage.SaveTimeout, s.SaveTimeout, "storage.save_timeout"); err != nil {
			return err
		}
	}

	if h := file.HTTP; h != nil {
		overrideString(&config.HTTP.Host, h.Host)
		if h.Port > 0 {
			config.HTTP.Port = h.Port
		}
		if h.MutationsPerMinute != nil {
			config.HTTP.MutationsPerMinute = *h.MutationsPerMinute
		}
		for _, d := range []struct {
			dst  *time.Duration
			raw  string
			name string
		}{
			{&config.HTTP.ReadTimeout, h.ReadTimeout, "http.read_timeout"},
			{&config.HTTP.WriteTimeout, h.WriteTimeout, "http.write_timeout"},
			{&config.HTTP.ShutdownTimeout, h.ShutdownTimeout, "http.shutdown_timeout"},
		} {
			if err := overrideDuration(d.dst, d.raw, d.name); err != nil {
				return err
			}
		}
	}

	if sc := file.Scanner; sc != nil {
		overrideString(&config.Scanner.Source, sc.Source)
		overrideString(&config.Scanner.ReplayFile, sc.ReplayFile)
		overrideString(&config.Scanner.BlacklistFile, sc.BlacklistFile)
		if sc.Interval != 0 {
			config.Scanner.Interval = sc.Interval
		}
		if sc.SignalFloor != nil {
			config.Scanner.SignalFloor = *sc.SignalFloor
		}
		if sc.AutoStart != nil {
			config.Scanner.AutoStart = *sc.AutoStart
		}
		if err := overrideDuration(&config.Scanner.StopTimeout, sc.StopTimeout, "scanner.stop_timeout"); err != nil {
			return err
		}
	}

	if f := file.Feed; f != nil && f.Enabled != nil {
		config.Feed.Enabled = *f.Enabled
	}

	if r := file.Roster; r != nil {
		if r.StrictClassCodes != nil {
			config.Roster.StrictClassCodes = *r.StrictClassCodes
		}
		if len(r.ValidClassCodes) > 0 {
			config.Roster.ValidClassCodes = r.ValidClassCodes
		}
	}
	return nil
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func overrideDuration(dst *time.Duration, raw, name string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

// LoadConfigWithPrecedence builds the configuration as file > environment >
// defaults. A .env file in the working directory feeds the environment layer.
// File errors are logged and the file is skipped.
func LoadConfigWithPrecedence(path string) *Config {
	if err := LoadDotEnv(".env"); err != nil {
		log.Printf("warning: %v", err)
	}

	config := LoadFromEnv()
	if path != "" {
		if err := applyFile(config, path); err != nil {
			log.Printf("warning: ignoring config file: %v", err)
			return LoadFromEnv()
		}
	}
	return config
}
