package database

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage backends
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds storage configuration
// ARCHITECTURAL DISCOVERY: One struct covers both backends so the app can
// switch from the sqlite file to a shared redis without code changes
type Config struct {
	Backend         string        `json:"backend"`
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	MigrationsPath  string        `json:"migrations_path"` // empty uses the embedded migrations
	SaveTimeout     time.Duration `json:"save_timeout"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisKey      string `json:"redis_key"`
}

// DefaultConfig returns the single-machine configuration
// FUNCTIONAL DISCOVERY: The registry document is written by one process, so
// a handful of connections covers the history readers
func DefaultConfig() *Config {
	return &Config{
		Backend:         BackendSQLite,
		DatabasePath:    "./data/attendance.db",
		MaxConnections:  4,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		SaveTimeout:     5 * time.Second,
		RedisKey:        "attendance:registry",
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.SaveTimeout <= 0 {
		return errors.New("save timeout must be greater than 0")
	}
	switch c.Backend {
	case BackendSQLite:
		if c.DatabasePath == "" {
			return errors.New("database path cannot be empty")
		}
		if c.MaxConnections <= 0 {
			return errors.New("max connections must be greater than 0")
		}
		if c.ConnMaxLifetime <= 0 {
			return errors.New("connection max lifetime must be greater than 0")
		}
		if c.ConnMaxIdleTime <= 0 {
			return errors.New("connection max idle time must be greater than 0")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("redis address cannot be empty")
		}
		if c.RedisKey == "" {
			return errors.New("redis key cannot be empty")
		}
	default:
		return errors.New("storage backend must be sqlite or redis")
	}
	return nil
}

// SQLite pragmas for a single-writer registry
// ARCHITECTURAL DISCOVERY: WAL mode lets history reads proceed while the
// writer goroutine replaces the snapshot row
const sqliteOptimizations = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA temp_store = MEMORY;
	PRAGMA foreign_keys = ON;
	PRAGMA busy_timeout = 5000;
`

// ApplySQLiteOptimizations applies the pragmas to a fresh connection
func ApplySQLiteOptimizations(db *sql.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
