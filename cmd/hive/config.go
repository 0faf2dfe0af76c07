package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all hive daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string   `json:"db_path"`
	LogLevel      string   `json:"log_level"`
	PoolSize      int      `json:"pool_size"`
	MaxIterations int      `json:"max_iterations"`
	WorkerCommand string   `json:"worker_command"`
	WorkerArgs    []string `json:"worker_args"`
	ReportCron    string   `json:"report_cron"`
	PumpInterval  Duration `json:"pump_interval"`
}

// Duration is a time.Duration that unmarshals from a JSON string like "2s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func defaultConfig() Config {
	return Config{
		DBPath:        "file:" + filepath.Join(hiveDir(), "hive.db"),
		LogLevel:      "info",
		PoolSize:      5,
		MaxIterations: 10,
		ReportCron:    "*/5 * * * *",
		PumpInterval:  Duration(2 * time.Second),
	}
}

func hiveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hive"
	}
	return filepath.Join(home, ".hive")
}

func settingsPath() string {
	return filepath.Join(hiveDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("HIVE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HIVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HIVE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("HIVE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxIterations = n
		}
	}
	if v := os.Getenv("HIVE_WORKER_COMMAND"); v != "" {
		cfg.WorkerCommand = v
	}
	if v := os.Getenv("HIVE_REPORT_CRON"); v != "" {
		cfg.ReportCron = v
	}
	if v := os.Getenv("HIVE_PUMP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PumpInterval = Duration(d)
		}
	}

	return cfg
}
