package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all process-level settings for the control plane
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	StateStoreURL string `yaml:"state_store_url"`
	LogLevel      string `yaml:"log_level"`
	LogJSON       bool   `yaml:"log_json"`

	HeartbeatTTLSeconds int `yaml:"heartbeat_ttl_s"`

	Doctor DoctorConfig `yaml:"doctor"`
	Scaler ScalerConfig `yaml:"scaler"`
	LLM    LLMConfig    `yaml:"llm"`
}

// DoctorConfig controls the healing loop
type DoctorConfig struct {
	IntervalSeconds   int      `yaml:"interval_s" json:"interval_s"`
	AutoFixEnabled    bool     `yaml:"auto_fix_enabled" json:"auto_fix_enabled"`
	AutoFixLevels     []string `yaml:"auto_fix_levels" json:"auto_fix_levels"`
	DiskThreshold     float64  `yaml:"disk_threshold" json:"disk_threshold"`
	DiskCritical      float64  `yaml:"disk_critical" json:"disk_critical"`
	MemoryThreshold   float64  `yaml:"memory_threshold" json:"memory_threshold"`
	MaxActionsPerHour int      `yaml:"max_actions_per_hour" json:"max_actions_per_hour"`
	CooldownMinutes   int      `yaml:"cooldown_minutes" json:"cooldown_minutes"`
}

// ScalerConfig controls the auto-scaler
type ScalerConfig struct {
	Enabled            bool    `yaml:"enabled" json:"enabled"`
	IntervalSeconds    int     `yaml:"interval_s" json:"interval_s"`
	MinNodes           int     `yaml:"min_nodes" json:"min_nodes"`
	MaxNodes           int     `yaml:"max_nodes" json:"max_nodes"`
	TargetQueueDepth   int     `yaml:"target_queue_depth" json:"target_queue_depth"`
	ScaleUpThreshold   float64 `yaml:"scale_up_threshold" json:"scale_up_threshold"`
	ScaleDownThreshold float64 `yaml:"scale_down_threshold" json:"scale_down_threshold"`
	CooldownSeconds    int     `yaml:"cooldown_s" json:"cooldown_s"`
}

// LLMConfig points the doctor at its diagnosis oracle
type LLMConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ListenAddr:          ":8420",
		StateStoreURL:       "redis://localhost:6379/0",
		LogLevel:            "info",
		LogJSON:             false,
		HeartbeatTTLSeconds: 120,
		Doctor: DoctorConfig{
			IntervalSeconds:   30,
			AutoFixEnabled:    true,
			AutoFixLevels:     []string{"low", "medium"},
			DiskThreshold:     85,
			DiskCritical:      95,
			MemoryThreshold:   90,
			MaxActionsPerHour: 20,
			CooldownMinutes:   5,
		},
		Scaler: ScalerConfig{
			Enabled:            true,
			IntervalSeconds:    30,
			MinNodes:           1,
			MaxNodes:           10,
			TargetQueueDepth:   10,
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.2,
			CooldownSeconds:    300,
		},
		LLM: LLMConfig{
			Endpoint: "http://localhost:11434",
			Model:    "llama3.1:8b",
		},
	}
}

// Load builds the effective configuration: defaults, overlaid by an
// optional YAML file, overlaid by environment variables. Environment
// always wins.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %v", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %v", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("LISTEN_ADDR", &c.ListenAddr)
	envStr("STATE_STORE_URL", &c.StateStoreURL)
	envStr("LOG_LEVEL", &c.LogLevel)
	envInt("HEARTBEAT_TTL_S", &c.HeartbeatTTLSeconds)

	envInt("DOCTOR_INTERVAL_S", &c.Doctor.IntervalSeconds)
	envBool("DOCTOR_AUTO_FIX", &c.Doctor.AutoFixEnabled)
	envList("DOCTOR_AUTO_FIX_LEVELS", &c.Doctor.AutoFixLevels)
	envFloat("DOCTOR_DISK_THRESHOLD", &c.Doctor.DiskThreshold)
	envInt("DOCTOR_MAX_ACTIONS_PER_HOUR", &c.Doctor.MaxActionsPerHour)

	envInt("SCALER_INTERVAL_S", &c.Scaler.IntervalSeconds)
	envInt("SCALER_MIN_NODES", &c.Scaler.MinNodes)
	envInt("SCALER_MAX_NODES", &c.Scaler.MaxNodes)
	envInt("SCALER_TARGET_DEPTH", &c.Scaler.TargetQueueDepth)
	envInt("SCALER_COOLDOWN_S", &c.Scaler.CooldownSeconds)

	envStr("LLM_ENDPOINT", &c.LLM.Endpoint)
	envStr("LLM_MODEL", &c.LLM.Model)
}

// Validate rejects configurations the process cannot run with
func (c *Config) Validate() error {
	if c.StateStoreURL == "" {
		return fmt.Errorf("state store URL must not be empty")
	}
	if c.HeartbeatTTLSeconds <= 0 {
		return fmt.Errorf("heartbeat TTL must be positive, got %d", c.HeartbeatTTLSeconds)
	}
	if c.Scaler.MinNodes < 0 || c.Scaler.MaxNodes < c.Scaler.MinNodes {
		return fmt.Errorf("invalid scaler bounds: min=%d max=%d", c.Scaler.MinNodes, c.Scaler.MaxNodes)
	}
	if c.Scaler.TargetQueueDepth <= 0 {
		return fmt.Errorf("scaler target queue depth must be positive, got %d", c.Scaler.TargetQueueDepth)
	}
	for _, lvl := range c.Doctor.AutoFixLevels {
		switch lvl {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("unknown auto-fix risk level %q", lvl)
		}
	}
	return nil
}

// HeartbeatTTL returns the generic node liveness window
func (c *Config) HeartbeatTTL() time.Duration {
	return time.Duration(c.HeartbeatTTLSeconds) * time.Second
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
