package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/okulov/pumprig/internal/logger"
	"github.com/okulov/pumprig/internal/rig"
	"github.com/okulov/pumprig/internal/sequencer"
)

// Config holds all controller configuration. Everything the procedure treats
// as a constant (line settings, channel wiring, calibration, delays and
// step counts) is settable here before connecting or starting a test.
type Config struct {
	mu sync.RWMutex

	Rig         RigConfig       `yaml:"rig" json:"rig"`
	Channels    rig.ChannelMap  `yaml:"channels" json:"channels"`
	Calibration rig.Calibration `yaml:"calibration" json:"calibration"`
	Timing      TimingConfig    `yaml:"timing" json:"timing"`
	Logging     logger.Config   `yaml:"logging" json:"logging"`
	Server      ServerConfig    `yaml:"server" json:"server"`

	path string // file path for save/load
}

// RigConfig selects the rig backend and its serial line parameters.
type RigConfig struct {
	Type          string `yaml:"type" json:"type"` // "dcon" or "demo"
	Port          string `yaml:"port" json:"port"`
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"`
	DataBits      int    `yaml:"data_bits" json:"dataBits"`
	StopBits      int    `yaml:"stop_bits" json:"stopBits"`
	Parity        string `yaml:"parity" json:"parity"` // "N", "E", "O"
	ReadTimeoutMs int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	SettleMs      int    `yaml:"settle_ms" json:"settleMs"`
	PollMs        int    `yaml:"poll_ms" json:"pollMs"` // live pressure poll interval
}

// TimingConfig holds the test procedure timings.
type TimingConfig struct {
	PlusMinusTimeMs int `yaml:"plus_minus_time_ms" json:"plusMinusTimeMs"`
	PlusStepTimeMs  int `yaml:"plus_step_time_ms" json:"plusStepTimeMs"`
	MinusStepTimeMs int `yaml:"minus_step_time_ms" json:"minusStepTimeMs"`
	PlusStep        int `yaml:"plus_step" json:"plusStep"`
	MinusStep       int `yaml:"minus_step" json:"minusStep"`
	PreRampDelayMs  int `yaml:"pre_ramp_delay_ms" json:"preRampDelayMs"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with the reference rig's values.
func DefaultConfig() *Config {
	return &Config{
		Rig: RigConfig{
			Type:          "demo",
			Port:          "COM3",
			BaudRate:      57600,
			DataBits:      8,
			StopBits:      1,
			Parity:        "N",
			ReadTimeoutMs: 200,
			SettleMs:      100,
			PollMs:        1000,
		},
		Channels:    rig.DefaultChannelMap(),
		Calibration: rig.DefaultCalibration(),
		Timing: TimingConfig{
			PlusMinusTimeMs: 100,
			PlusStepTimeMs:  1000,
			MinusStepTimeMs: 1000,
			PlusStep:        80,
			MinusStep:       40,
			PreRampDelayMs:  1000,
		},
		Logging: logger.Config{
			Enabled:    false,
			Path:       "/var/log/pumprig",
			IntervalMs: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// RigController builds the rig.Config for the hardware backend.
func (c *Config) RigController() rig.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return rig.Config{
		Link: rig.LinkConfig{
			Port:        c.Rig.Port,
			BaudRate:    c.Rig.BaudRate,
			DataBits:    c.Rig.DataBits,
			StopBits:    c.Rig.StopBits,
			Parity:      c.Rig.Parity,
			ReadTimeout: time.Duration(c.Rig.ReadTimeoutMs) * time.Millisecond,
		},
		Channels:    c.Channels,
		Calibration: c.Calibration,
		SettleTime:  time.Duration(c.Rig.SettleMs) * time.Millisecond,
	}
}

// SequencerTiming builds the sequencer.Timing for a run.
func (c *Config) SequencerTiming() sequencer.Timing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sequencer.Timing{
		PulseHold:         time.Duration(c.Timing.PlusMinusTimeMs) * time.Millisecond,
		PlusStepInterval:  time.Duration(c.Timing.PlusStepTimeMs) * time.Millisecond,
		MinusStepInterval: time.Duration(c.Timing.MinusStepTimeMs) * time.Millisecond,
		PlusSteps:         c.Timing.PlusStep,
		MinusSteps:        c.Timing.MinusStep,
		PreRampDelay:      time.Duration(c.Timing.PreRampDelayMs) * time.Millisecond,
	}
}

// PollInterval returns the live pressure poll interval.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Rig.PollMs <= 0 {
		return time.Second
	}
	return time.Duration(c.Rig.PollMs) * time.Millisecond
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: RIG_TYPE, RIG_PORT, RIG_BAUD, RIG_PARITY, LISTEN_ADDR,
// LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RIG_TYPE"); v != "" {
		c.Rig.Type = v
	}
	if v := os.Getenv("RIG_PORT"); v != "" {
		c.Rig.Port = v
	}
	if v := os.Getenv("RIG_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Rig.BaudRate = n
		}
	}
	if v := os.Getenv("RIG_PARITY"); v != "" {
		c.Rig.Parity = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.IntervalMs = n
		}
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/pumprig/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
