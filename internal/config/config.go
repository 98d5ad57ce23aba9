package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/lh/yiana/internal/archive"
)

// ProjectFileName is the per-repository configuration file.
const ProjectFileName = ".yiana.yaml"

// DataDirName is the hidden directory under the repository root that holds
// the search index and its lock file.
const DataDirName = ".yiana"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "YIANA_"

// Config is the complete Yiana configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Repository RepositoryConfig `yaml:"repository" json:"repository"`
	Import     ImportConfig     `yaml:"import" json:"import"`
	Index      IndexConfig      `yaml:"index" json:"index"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Watch      WatchConfig      `yaml:"watch" json:"watch"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// RepositoryConfig locates the document repository.
type RepositoryConfig struct {
	// Root is the repository directory. Empty means the directory passed to Load.
	Root      string `yaml:"root" json:"root"`
	Extension string `yaml:"extension" json:"extension"`
	CacheSize int    `yaml:"cache_size" json:"cache_size"`
}

// ImportConfig tunes the bulk importer.
type ImportConfig struct {
	Workers  int    `yaml:"workers" json:"workers"`
	MaxItems int    `yaml:"max_items" json:"max_items"`
	Timeout  string `yaml:"timeout" json:"timeout"`

	// OCRPriority appends imported filenames to the OCR priority file.
	OCRPriority bool `yaml:"ocr_priority" json:"ocr_priority"`

	// IndexOnCreate upserts a title-only entry for each imported document.
	IndexOnCreate bool `yaml:"index_on_create" json:"index_on_create"`
}

// IndexConfig selects the search backend and the cloud deferral policy.
type IndexConfig struct {
	// Backend is "sqlite" (default) or "bleve".
	Backend string `yaml:"backend" json:"backend"`

	// Path is the index data directory. Empty means <root>/.yiana.
	Path     string         `yaml:"path" json:"path"`
	Deferral DeferralConfig `yaml:"deferral" json:"deferral"`
}

// DeferralConfig controls how often a not-yet-downloaded file is retried.
type DeferralConfig struct {
	MaxAttempts  int    `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay string `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     string `yaml:"max_delay" json:"max_delay"`
}

// SearchConfig shapes query results.
type SearchConfig struct {
	DefaultLimit  int `yaml:"default_limit" json:"default_limit"`
	SnippetLength int `yaml:"snippet_length" json:"snippet_length"`
}

// WatchConfig tunes the repository watcher.
type WatchConfig struct {
	Debounce     string `yaml:"debounce" json:"debounce"`
	PollInterval string `yaml:"poll_interval" json:"poll_interval"`
	ForcePolling bool   `yaml:"force_polling" json:"force_polling"`
}

// ServerConfig configures the query surfaces.
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr" json:"http_addr"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// LoggingConfig configures the log file.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	FilePath  string `yaml:"file_path" json:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig returns a configuration with defaults applied.
func NewConfig() *Config {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	return &Config{
		Version: 1,
		Repository: RepositoryConfig{
			Extension: archive.Extension,
			CacheSize: 2048,
		},
		Import: ImportConfig{
			Workers:       workers,
			MaxItems:      500,
			Timeout:       "30s",
			OCRPriority:   true,
			IndexOnCreate: true,
		},
		Index: IndexConfig{
			Backend: "sqlite",
			Deferral: DeferralConfig{
				MaxAttempts:  10,
				InitialDelay: "30s",
				MaxDelay:     "30m",
			},
		},
		Search: SearchConfig{
			DefaultLimit:  10,
			SnippetLength: 160,
		},
		Watch: WatchConfig{
			Debounce:     "200ms",
			PollInterval: "5s",
		},
		Server: ServerConfig{
			HTTPAddr:    ":8740",
			CORSOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// GetUserConfigPath returns the path to the user configuration file:
// $XDG_CONFIG_HOME/yiana/config.yaml, else ~/.config/yiana/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "yiana", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "yiana", "config.yaml")
	}
	return filepath.Join(home, ".config", "yiana", "config.yaml")
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// LoadUserConfig loads the user configuration file.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// Load loads configuration for the repository in dir.
// Precedence, lowest first:
//  1. Defaults
//  2. User config (~/.config/yiana/config.yaml)
//  3. Repository config (<dir>/.yiana.yaml)
//  4. Environment variables (YIANA_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if cfg.Repository.Root == "" {
		cfg.Repository.Root = dir
	}
	if abs, err := filepath.Abs(cfg.Repository.Root); err == nil {
		cfg.Repository.Root = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromFile loads .yiana.yaml, falling back to .yiana.yml.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ProjectFileName)
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, ".yiana.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}
	return nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Booleans cannot be told apart from "unset" after Unmarshal, so they
	// are merged from a second pass over the raw document.
	var raw map[string]any
	_ = yaml.Unmarshal(data, &raw)

	c.mergeWith(&parsed)
	c.mergeBools(raw)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Repository.Root != "" {
		c.Repository.Root = other.Repository.Root
	}
	if other.Repository.Extension != "" {
		c.Repository.Extension = other.Repository.Extension
	}
	if other.Repository.CacheSize != 0 {
		c.Repository.CacheSize = other.Repository.CacheSize
	}

	if other.Import.Workers != 0 {
		c.Import.Workers = other.Import.Workers
	}
	if other.Import.MaxItems != 0 {
		c.Import.MaxItems = other.Import.MaxItems
	}
	if other.Import.Timeout != "" {
		c.Import.Timeout = other.Import.Timeout
	}
	if other.Import.OCRPriority {
		c.Import.OCRPriority = true
	}
	if other.Import.IndexOnCreate {
		c.Import.IndexOnCreate = true
	}

	if other.Index.Backend != "" {
		c.Index.Backend = other.Index.Backend
	}
	if other.Index.Path != "" {
		c.Index.Path = other.Index.Path
	}
	if other.Index.Deferral.MaxAttempts != 0 {
		c.Index.Deferral.MaxAttempts = other.Index.Deferral.MaxAttempts
	}
	if other.Index.Deferral.InitialDelay != "" {
		c.Index.Deferral.InitialDelay = other.Index.Deferral.InitialDelay
	}
	if other.Index.Deferral.MaxDelay != "" {
		c.Index.Deferral.MaxDelay = other.Index.Deferral.MaxDelay
	}

	if other.Search.DefaultLimit != 0 {
		c.Search.DefaultLimit = other.Search.DefaultLimit
	}
	if other.Search.SnippetLength != 0 {
		c.Search.SnippetLength = other.Search.SnippetLength
	}

	if other.Watch.Debounce != "" {
		c.Watch.Debounce = other.Watch.Debounce
	}
	if other.Watch.PollInterval != "" {
		c.Watch.PollInterval = other.Watch.PollInterval
	}
	if other.Watch.ForcePolling {
		c.Watch.ForcePolling = true
	}

	if other.Server.HTTPAddr != "" {
		c.Server.HTTPAddr = other.Server.HTTPAddr
	}
	if len(other.Server.CORSOrigins) > 0 {
		c.Server.CORSOrigins = other.Server.CORSOrigins
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.FilePath != "" {
		c.Logging.FilePath = other.Logging.FilePath
	}
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles != 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}
}

// mergeBools applies explicit false values that mergeWith cannot see.
func (c *Config) mergeBools(raw map[string]any) {
	set := func(section, key string, dst *bool) {
		m, _ := raw[section].(map[string]any)
		if v, ok := m[key].(bool); ok {
			*dst = v
		}
	}
	set("import", "ocr_priority", &c.Import.OCRPriority)
	set("import", "index_on_create", &c.Import.IndexOnCreate)
	set("watch", "force_polling", &c.Watch.ForcePolling)
}

// applyEnvOverrides applies YIANA_* environment variable overrides.
// Unparseable numeric values are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvPrefix + "ROOT"); v != "" {
		c.Repository.Root = v
	}
	if v := os.Getenv(EnvPrefix + "IMPORT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Import.Workers = n
		}
	}
	if v := os.Getenv(EnvPrefix + "IMPORT_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Import.MaxItems = n
		}
	}
	if v := os.Getenv(EnvPrefix + "IMPORT_TIMEOUT"); v != "" {
		c.Import.Timeout = v
	}
	if v := os.Getenv(EnvPrefix + "OCR_PRIORITY"); v != "" {
		c.Import.OCRPriority = parseBool(v)
	}
	if v := os.Getenv(EnvPrefix + "INDEX_BACKEND"); v != "" {
		c.Index.Backend = v
	}
	if v := os.Getenv(EnvPrefix + "INDEX_PATH"); v != "" {
		c.Index.Path = v
	}
	if v := os.Getenv(EnvPrefix + "SEARCH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Search.DefaultLimit = n
		}
	}
	if v := os.Getenv(EnvPrefix + "WATCH_DEBOUNCE"); v != "" {
		c.Watch.Debounce = v
	}
	if v := os.Getenv(EnvPrefix + "HTTP_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_FILE"); v != "" {
		c.Logging.FilePath = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// isDuration validates a time.ParseDuration string.
var isDuration = validation.By(func(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("must be a duration such as 30s or 5m")
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
})

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Repository),
		validation.Field(&c.Import),
		validation.Field(&c.Index),
		validation.Field(&c.Search),
		validation.Field(&c.Watch),
		validation.Field(&c.Logging),
	)
}

// Validate implements validation.Validatable.
func (r RepositoryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		// Only the current container format is readable.
		validation.Field(&r.Extension, validation.Required, validation.In(archive.Extension)),
		validation.Field(&r.CacheSize, validation.Min(0)),
	)
}

// Validate implements validation.Validatable.
func (i ImportConfig) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.Workers, validation.Required, validation.Min(1), validation.Max(32)),
		validation.Field(&i.MaxItems, validation.Required, validation.Min(1), validation.Max(500)),
		validation.Field(&i.Timeout, validation.Required, isDuration),
	)
}

// Validate implements validation.Validatable.
func (i IndexConfig) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.Backend, validation.Required, validation.In("sqlite", "bleve")),
		validation.Field(&i.Deferral),
	)
}

// Validate implements validation.Validatable.
func (d DeferralConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.MaxAttempts, validation.Min(0)),
		validation.Field(&d.InitialDelay, validation.Required, isDuration),
		validation.Field(&d.MaxDelay, validation.Required, isDuration),
	)
}

// Validate implements validation.Validatable.
func (s SearchConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.DefaultLimit, validation.Min(1), validation.Max(1000)),
		validation.Field(&s.SnippetLength, validation.Min(16)),
	)
}

// Validate implements validation.Validatable.
func (w WatchConfig) Validate() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.Debounce, isDuration),
		validation.Field(&w.PollInterval, isDuration),
	)
}

// Validate implements validation.Validatable.
func (l LoggingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.MaxSizeMB, validation.Min(0)),
		validation.Field(&l.MaxFiles, validation.Min(0)),
	)
}

// DataDir returns the directory holding the index and its lock.
func (c *Config) DataDir() string {
	if c.Index.Path != "" {
		return c.Index.Path
	}
	return filepath.Join(c.Repository.Root, DataDirName)
}

// ImportTimeout returns the per-item import timeout.
func (c *Config) ImportTimeout() time.Duration {
	return durationOr(c.Import.Timeout, 30*time.Second)
}

// WatchDebounce returns the watcher debounce window.
func (c *Config) WatchDebounce() time.Duration {
	return durationOr(c.Watch.Debounce, 200*time.Millisecond)
}

// WatchPollInterval returns the polling fallback interval.
func (c *Config) WatchPollInterval() time.Duration {
	return durationOr(c.Watch.PollInterval, 5*time.Second)
}

// DeferralDelays returns the parsed deferral backoff bounds.
func (c *Config) DeferralDelays() (initial, maxDelay time.Duration) {
	return durationOr(c.Index.Deferral.InitialDelay, 30*time.Second),
		durationOr(c.Index.Deferral.MaxDelay, 30*time.Minute)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// JSON renders the configuration for `yiana config show --json`.
func (c *Config) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// MergeNewDefaults fills fields missing from an older config file and
// returns their dotted names.
func (c *Config) MergeNewDefaults() []string {
	defaults := NewConfig()
	var added []string

	if c.Index.Deferral.InitialDelay == "" {
		c.Index.Deferral.InitialDelay = defaults.Index.Deferral.InitialDelay
		added = append(added, "index.deferral.initial_delay")
	}
	if c.Index.Deferral.MaxDelay == "" {
		c.Index.Deferral.MaxDelay = defaults.Index.Deferral.MaxDelay
		added = append(added, "index.deferral.max_delay")
	}
	if c.Index.Deferral.MaxAttempts == 0 {
		c.Index.Deferral.MaxAttempts = defaults.Index.Deferral.MaxAttempts
		added = append(added, "index.deferral.max_attempts")
	}
	if c.Search.SnippetLength == 0 {
		c.Search.SnippetLength = defaults.Search.SnippetLength
		added = append(added, "search.snippet_length")
	}
	if c.Watch.PollInterval == "" {
		c.Watch.PollInterval = defaults.Watch.PollInterval
		added = append(added, "watch.poll_interval")
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = defaults.Server.CORSOrigins
		added = append(added, "server.cors_origins")
	}
	return added
}

// FindRepositoryRoot walks up from startDir to the nearest directory that
// holds a .yiana.yaml. Returns the absolute startDir if none is found.
func FindRepositoryRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	if _, err := os.Stat(absDir); err != nil {
		return "", fmt.Errorf("failed to access %s: %w", absDir, err)
	}

	current := absDir
	for {
		if fileExists(filepath.Join(current, ProjectFileName)) ||
			fileExists(filepath.Join(current, ".yiana.yml")) {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return absDir, nil
		}
		current = parent
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// unmarshalStrict rejects unknown keys.
func unmarshalStrict(data []byte, out *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}
