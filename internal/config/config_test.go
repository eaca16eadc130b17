package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"PORT", "LOG_LEVEL", "ENV", "DATA_DIR", "TIMEZONE", "STORE_DRIVER",
	"REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB", "REDIS_PREFIX",
	"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
	"TIMETABLE_TTL_HOURS", "MOSQUE_TTL_HOURS", "HORIZON_DAYS",
	"RESCHEDULE_CRON", "ALARM_CAPACITY", "REFRESH_PER_MINUTE",
	"MUEZZIN_CONFIG",
}

// clearEnv blanks every variable Load reads so the host environment
// cannot leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.StoreDriver != DriverRedis {
		t.Errorf("StoreDriver = %q, want redis", cfg.StoreDriver)
	}
	if cfg.TimetableTTLHours != 24 || cfg.MosqueTTLHours != 168 {
		t.Errorf("TTLs = %d/%d, want 24/168", cfg.TimetableTTLHours, cfg.MosqueTTLHours)
	}
	if cfg.HorizonDays != 7 {
		t.Errorf("HorizonDays = %d, want 7", cfg.HorizonDays)
	}
	if cfg.RescheduleCron != "0 0 * * *" {
		t.Errorf("RescheduleCron = %q", cfg.RescheduleCron)
	}
	if cfg.AlarmCapacity != 500 {
		t.Errorf("AlarmCapacity = %d, want 500", cfg.AlarmCapacity)
	}
	if cfg.RedisPrefix != "muezzin" {
		t.Errorf("RedisPrefix = %q", cfg.RedisPrefix)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("HORIZON_DAYS", "14")
	t.Setenv("DATA_DIR", "/var/lib/muezzin")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Errorf("StoreDriver = %q, want postgres", cfg.StoreDriver)
	}
	if cfg.HorizonDays != 14 {
		t.Errorf("HorizonDays = %d, want 14", cfg.HorizonDays)
	}
	if cfg.DataDir != "/var/lib/muezzin" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "muezzin.yaml")
	doc := strings.Join([]string{
		"port: 9000",
		"store_driver: postgres",
		"timetable_ttl_hours: 48",
	}, "\n")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("MUEZZIN_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000 from file", cfg.Port)
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Errorf("StoreDriver = %q, want postgres from file", cfg.StoreDriver)
	}
	if cfg.TimetableTTLHours != 48 {
		t.Errorf("TimetableTTLHours = %d, want 48 from file", cfg.TimetableTTLHours)
	}
	// Keys the file does not mention keep their defaults.
	if cfg.HorizonDays != 7 {
		t.Errorf("HorizonDays = %d, want default 7", cfg.HorizonDays)
	}

	// Environment still wins over the file.
	t.Setenv("PORT", "9001")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9001 {
		t.Errorf("Port = %d, environment should override the file", cfg.Port)
	}
}

func TestLoadRejectsMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("MUEZZIN_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an explicit config path that does not exist")
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "etcd")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unknown store driver")
	}
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-port")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a non-numeric PORT")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{TimetableTTLHours: 24, MosqueTTLHours: 168}
	if cfg.TimetableTTL() != 24*time.Hour {
		t.Errorf("TimetableTTL = %v", cfg.TimetableTTL())
	}
	if cfg.MosqueTTL() != 168*time.Hour {
		t.Errorf("MosqueTTL = %v", cfg.MosqueTTL())
	}
}

func TestLocation(t *testing.T) {
	cfg := &Config{Timezone: "UTC"}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Errorf("Location() = %v, %v", loc, err)
	}

	cfg.Timezone = "Mars/Olympus_Mons"
	if _, err := cfg.Location(); err == nil {
		t.Error("expected an error for an unknown zone")
	}
}
