package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ProcessingMode selects which materialization strategy a source uses.
type ProcessingMode string

const (
	ModeExtract      ProcessingMode = "extract"
	ModeVirtualHTTP  ProcessingMode = "virtual_http"
	ModeExternalMount ProcessingMode = "external_mount"
)

// Config is the full configuration document.
type Config struct {
	Paths          PathsConfig          `yaml:"paths" mapstructure:"paths"`
	Options        OptionsConfig        `yaml:"options" mapstructure:"options"`
	VirtualHTTP    VirtualHTTPConfig    `yaml:"virtual_http" mapstructure:"virtual_http"`
	ExternalMount  ExternalMountConfig  `yaml:"external_mount" mapstructure:"external_mount"`
	Plex           PlexConfig           `yaml:"plex" mapstructure:"plex"`
	DirectoryPairs []DirectoryPair      `yaml:"directory_pairs" mapstructure:"directory_pairs"`
	Log            LogConfig            `yaml:"logging" mapstructure:"logging"`
}

// PathsConfig holds directory roles.
type PathsConfig struct {
	Watch   string `yaml:"watch" mapstructure:"watch"`
	Target  string `yaml:"target" mapstructure:"target"`
	Work    string `yaml:"work" mapstructure:"work"`
	Failed  string `yaml:"failed" mapstructure:"failed"`
	Archive string `yaml:"archive" mapstructure:"archive"`
	Data    string `yaml:"data" mapstructure:"data"` // holds duplicates.db
}

// OptionsConfig holds general processing options.
type OptionsConfig struct {
	ProcessingMode          ProcessingMode `yaml:"processing_mode" mapstructure:"processing_mode"`
	DeleteArchives          bool           `yaml:"delete_archives" mapstructure:"delete_archives"`
	DuplicateCheck          bool           `yaml:"duplicate_check" mapstructure:"duplicate_check"`
	Extensions              []string       `yaml:"extensions" mapstructure:"extensions"`
	FileStabilizationTime   time.Duration  `yaml:"file_stabilization_time" mapstructure:"file_stabilization_time"`
	MaxFileAge              time.Duration  `yaml:"max_file_age" mapstructure:"max_file_age"`
	MaxRetryAttempts        int            `yaml:"max_retry_attempts" mapstructure:"max_retry_attempts"`
	RetryInterval           time.Duration  `yaml:"retry_interval" mapstructure:"retry_interval"`
	MaxRetryAgeHours        float64        `yaml:"max_retry_age_hours" mapstructure:"max_retry_age_hours"`
	ScanExistingFiles       bool           `yaml:"scan_existing_files" mapstructure:"scan_existing_files"`
	// AutoFallbackThresholdGB switches a configured extract source to
	// virtual_http when the archive-set total size exceeds this, 0 disables.
	AutoFallbackThresholdGB float64 `yaml:"auto_fallback_threshold_gb" mapstructure:"auto_fallback_threshold_gb"`
}

// VirtualHTTPConfig configures Strategy B.
type VirtualHTTPConfig struct {
	PortRangeLow        int    `yaml:"port_range_low" mapstructure:"port_range_low"`
	PortRangeHigh       int    `yaml:"port_range_high" mapstructure:"port_range_high"`
	MaxConcurrentStreams int   `yaml:"max_concurrent_streams" mapstructure:"max_concurrent_streams"`
	StreamChunkSize     int    `yaml:"stream_chunk_size" mapstructure:"stream_chunk_size"`
	Bind                string `yaml:"bind" mapstructure:"bind"` // "loopback" | "any"
}

// ExternalMountConfig configures Strategy C.
type ExternalMountConfig struct {
	Executable      string        `yaml:"executable" mapstructure:"executable"`
	MountBase       string        `yaml:"mount_base" mapstructure:"mount_base"`
	MountOptions    []string      `yaml:"mount_options" mapstructure:"mount_options"`
	UnmountTimeout  time.Duration `yaml:"unmount_timeout" mapstructure:"unmount_timeout"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout" mapstructure:"ready_timeout"`
}

// PlexConfig configures the Library Notifier.
type PlexConfig struct {
	Host             string        `yaml:"host" mapstructure:"host"`
	Token            string        `yaml:"token" mapstructure:"token"`
	LibraryKey       string        `yaml:"library_key" mapstructure:"library_key"`
	RefreshPath      string        `yaml:"refresh_path" mapstructure:"refresh_path"`
	ForceRefreshDelay time.Duration `yaml:"force_refresh_delay" mapstructure:"force_refresh_delay"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// DirectoryPair overrides options.processing_mode per source.
type DirectoryPair struct {
	Source      string         `yaml:"source" mapstructure:"source"`
	Target      string         `yaml:"target" mapstructure:"target"`
	Strategy    ProcessingMode `yaml:"strategy" mapstructure:"strategy"`
	LibraryID   string         `yaml:"library_id" mapstructure:"library_id"`
	Enabled     bool           `yaml:"enabled" mapstructure:"enabled"`
	Recursive   bool           `yaml:"recursive" mapstructure:"recursive"`
}

// LogConfig controls log rotation.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxLogSize int    `yaml:"max_log_size" mapstructure:"max_log_size"`
	BackupCount int   `yaml:"backup_count" mapstructure:"backup_count"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Watch:   "./watch",
			Target:  "./target",
			Work:    "./work",
			Failed:  "./failed",
			Archive: "./archive",
			Data:    "./data",
		},
		Options: OptionsConfig{
			ProcessingMode:        ModeExtract,
			DeleteArchives:        false,
			DuplicateCheck:        true,
			Extensions:            []string{".rar"},
			FileStabilizationTime: 10 * time.Second,
			MaxFileAge:            time.Hour,
			MaxRetryAttempts:      5,
			RetryInterval:         60 * time.Second,
			MaxRetryAgeHours:      24,
			ScanExistingFiles:     true,
		},
		VirtualHTTP: VirtualHTTPConfig{
			PortRangeLow:         8765,
			PortRangeHigh:        8865,
			MaxConcurrentStreams: 10,
			StreamChunkSize:      8192,
			Bind:                 "loopback",
		},
		ExternalMount: ExternalMountConfig{
			Executable:     "rar2fs",
			MountBase:      "./mounts",
			UnmountTimeout: 5 * time.Second,
			ReadyTimeout:   30 * time.Second,
		},
		Plex: PlexConfig{
			RefreshPath:       "/library/sections/%s/refresh",
			ForceRefreshDelay: 2 * time.Second,
			Timeout:           10 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			MaxLogSize:  100,
			BackupCount: 10,
		},
	}
}

// Validate checks required fields and value ranges. Returns an error that
// aborts startup with exit code 2.
func (c *Config) Validate() error {
	if c.Paths.Watch == "" {
		return fmt.Errorf("paths.watch cannot be empty")
	}
	if c.Paths.Target == "" {
		return fmt.Errorf("paths.target cannot be empty")
	}
	if c.Paths.Work == "" {
		return fmt.Errorf("paths.work cannot be empty")
	}
	if c.Paths.Failed == "" {
		return fmt.Errorf("paths.failed cannot be empty")
	}
	if c.Options.DuplicateCheck && c.Paths.Data == "" {
		return fmt.Errorf("paths.data cannot be empty when options.duplicate_check is enabled")
	}

	switch c.Options.ProcessingMode {
	case ModeExtract, ModeVirtualHTTP, ModeExternalMount:
	default:
		return fmt.Errorf("options.processing_mode must be one of extract, virtual_http, external_mount")
	}

	if c.Options.MaxRetryAttempts < 0 {
		return fmt.Errorf("options.max_retry_attempts must be non-negative")
	}
	if c.Options.RetryInterval <= 0 {
		return fmt.Errorf("options.retry_interval must be greater than 0")
	}
	if c.Options.FileStabilizationTime <= 0 {
		return fmt.Errorf("options.file_stabilization_time must be greater than 0")
	}

	if c.Options.ProcessingMode == ModeVirtualHTTP || hasMode(c.DirectoryPairs, ModeVirtualHTTP) {
		if c.VirtualHTTP.PortRangeLow <= 0 || c.VirtualHTTP.PortRangeHigh < c.VirtualHTTP.PortRangeLow {
			return fmt.Errorf("virtual_http.port_range_low/high is not a valid range")
		}
		if c.VirtualHTTP.Bind != "loopback" && c.VirtualHTTP.Bind != "any" {
			return fmt.Errorf("virtual_http.bind must be \"loopback\" or \"any\"")
		}
	}

	if c.Options.ProcessingMode == ModeExternalMount || hasMode(c.DirectoryPairs, ModeExternalMount) {
		if c.ExternalMount.Executable == "" {
			return fmt.Errorf("external_mount.executable cannot be empty")
		}
	}

	for i, dp := range c.DirectoryPairs {
		if dp.Source == "" {
			return fmt.Errorf("directory_pairs[%d]: source cannot be empty", i)
		}
		if dp.Target == "" {
			return fmt.Errorf("directory_pairs[%d]: target cannot be empty", i)
		}
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	return nil
}

func hasMode(pairs []DirectoryPair, mode ProcessingMode) bool {
	for _, p := range pairs {
		if p.Strategy == mode {
			return true
		}
	}
	return false
}

// LoadConfig loads configuration from a YAML file and merges it over the
// defaults, then validates the merged result.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// SaveToFile writes a configuration to a YAML file, creating parent
// directories as needed.
func SaveToFile(cfg *Config, filename string) error {
	if filename == "" {
		return fmt.Errorf("no config file path provided")
	}

	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
