package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store driver names accepted by Load.
const (
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	Env      string `yaml:"env"`

	// DataDir holds the offline snapshots, preferences and the client
	// identity.
	DataDir  string `yaml:"data_dir"`
	Timezone string `yaml:"timezone"`

	// StoreDriver selects the remote document store backend.
	StoreDriver string `yaml:"store_driver"`

	// Redis driver
	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	// Postgres driver
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`

	// Snapshot freshness windows
	TimetableTTLHours int `yaml:"timetable_ttl_hours"`
	MosqueTTLHours    int `yaml:"mosque_ttl_hours"`

	// Notification planning
	HorizonDays    int    `yaml:"horizon_days"`
	RescheduleCron string `yaml:"reschedule_cron"`
	AlarmCapacity  int    `yaml:"alarm_capacity"`

	// RefreshPerMinute rate-limits the forced refresh endpoint.
	RefreshPerMinute int `yaml:"refresh_per_minute"`
}

// Load builds the configuration from defaults, an optional YAML file
// and environment variables, in that order. The file is muezzin.yaml in
// the working directory, or whatever MUEZZIN_CONFIG points at.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DataDir:  "./data",
		Timezone: "Europe/London",

		StoreDriver: DriverRedis,

		RedisHost:   "localhost",
		RedisPort:   6379,
		RedisDB:     0,
		RedisPrefix: "muezzin",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "muezzin",
		DBName:    "muezzin",
		DBSSLMode: "disable",

		TimetableTTLHours: 24,
		MosqueTTLHours:    168,

		HorizonDays:    7,
		RescheduleCron: "0 0 * * *",
		AlarmCapacity:  500,

		RefreshPerMinute: 6,
	}

	if err := loadFile(cfg); err != nil {
		return nil, err
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if tz := os.Getenv("TIMEZONE"); tz != "" {
		cfg.Timezone = tz
	}

	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		cfg.StoreDriver = driver
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if prefix := os.Getenv("REDIS_PREFIX"); prefix != "" {
		cfg.RedisPrefix = prefix
	}

	// Postgres config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if hours := os.Getenv("TIMETABLE_TTL_HOURS"); hours != "" {
		h, err := strconv.Atoi(hours)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMETABLE_TTL_HOURS: %w", err)
		}
		cfg.TimetableTTLHours = h
	}

	if hours := os.Getenv("MOSQUE_TTL_HOURS"); hours != "" {
		h, err := strconv.Atoi(hours)
		if err != nil {
			return nil, fmt.Errorf("invalid MOSQUE_TTL_HOURS: %w", err)
		}
		cfg.MosqueTTLHours = h
	}

	if days := os.Getenv("HORIZON_DAYS"); days != "" {
		d, err := strconv.Atoi(days)
		if err != nil {
			return nil, fmt.Errorf("invalid HORIZON_DAYS: %w", err)
		}
		cfg.HorizonDays = d
	}

	if cron := os.Getenv("RESCHEDULE_CRON"); cron != "" {
		cfg.RescheduleCron = cron
	}

	if capacity := os.Getenv("ALARM_CAPACITY"); capacity != "" {
		c, err := strconv.Atoi(capacity)
		if err != nil {
			return nil, fmt.Errorf("invalid ALARM_CAPACITY: %w", err)
		}
		cfg.AlarmCapacity = c
	}

	if perMin := os.Getenv("REFRESH_PER_MINUTE"); perMin != "" {
		r, err := strconv.Atoi(perMin)
		if err != nil {
			return nil, fmt.Errorf("invalid REFRESH_PER_MINUTE: %w", err)
		}
		cfg.RefreshPerMinute = r
	}

	if cfg.StoreDriver != DriverRedis && cfg.StoreDriver != DriverPostgres {
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if cfg.HorizonDays <= 0 {
		return nil, fmt.Errorf("horizon days must be positive, got %d", cfg.HorizonDays)
	}

	return cfg, nil
}

// loadFile overlays the optional YAML file onto cfg. A missing file is
// fine; an unreadable or malformed one is not.
func loadFile(cfg *Config) error {
	path := os.Getenv("MUEZZIN_CONFIG")
	explicit := path != ""
	if !explicit {
		path = "muezzin.yaml"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// TimetableTTL returns the timetable snapshot freshness window.
func (c *Config) TimetableTTL() time.Duration {
	return time.Duration(c.TimetableTTLHours) * time.Hour
}

// MosqueTTL returns the mosque snapshot freshness window.
func (c *Config) MosqueTTL() time.Duration {
	return time.Duration(c.MosqueTTLHours) * time.Hour
}

// Location resolves the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
