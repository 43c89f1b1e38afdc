package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	LogLevel  string `yaml:"log_level" mapstructure:"log_level" env:"MCE_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" mapstructure:"log_format" env:"MCE_LOG_FORMAT"`
	LogFile   string `yaml:"log_file" mapstructure:"log_file" env:"MCE_LOG_FILE"`

	// ExtractDir receives per-vendor extraction folders; WarningsDir
	// receives copies of inputs that produced scan warnings.
	ExtractDir  string `yaml:"extract_dir" mapstructure:"extract_dir" env:"MCE_EXTRACT_DIR"`
	WarningsDir string `yaml:"warnings_dir" mapstructure:"warnings_dir" env:"MCE_WARNINGS_DIR"`
	RepoDir     string `yaml:"repo_dir" mapstructure:"repo_dir" env:"MCE_REPO_DIR"`

	// CatalogPath is the BadgerDB directory of the microcode catalog.
	CatalogPath string `yaml:"catalog_path" mapstructure:"catalog_path" env:"MCE_CATALOG_PATH"`

	// BlobPath is where `blob build` writes and `blob extract` reads.
	BlobPath string `yaml:"blob_path" mapstructure:"blob_path" env:"MCE_BLOB_PATH"`

	HTTPTimeout time.Duration `yaml:"http_timeout" mapstructure:"http_timeout" env:"MCE_HTTP_TIMEOUT"`

	// Logging configuration
	Log LoggerConfig `yaml:"log" mapstructure:"log"`

	// HTTP client configuration
	HTTP HTTPClientConfig `yaml:"http" mapstructure:"http"`

	// Update check configuration
	Update UpdateCheckConfig `yaml:"update" mapstructure:"update"`
}

// UpdateCheckConfig controls the background release and catalog revision
// check.
type UpdateCheckConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled" env:"MCE_UPDATE_ENABLED"`
	Repository string `yaml:"repository" mapstructure:"repository" env:"MCE_UPDATE_REPOSITORY"`
	CatalogURL string `yaml:"catalog_url" mapstructure:"catalog_url" env:"MCE_UPDATE_CATALOG_URL"`
}

// ConfigManager handles configuration loading and management
type ConfigManager struct {
	config *Config
	viper  *viper.Viper
	logger *Logger
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		config: &Config{},
		viper:  viper.New(),
		logger: NewDefaultLogger(),
	}
}

// LoadConfig loads configuration from file and environment variables
func (c *ConfigManager) LoadConfig(configFile string) error {
	// Set defaults
	c.setDefaults()

	// Configure viper
	c.viper.SetConfigType("yaml")
	c.viper.SetEnvPrefix("MCE")
	c.viper.AutomaticEnv()
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Load from file if specified
	if configFile != "" {
		c.viper.SetConfigFile(configFile)
		if err := c.viper.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to read config file: %w", err)
			}
			c.logger.WithComponent("config").Warnf("Config file not found: %s", configFile)
		} else {
			c.logger.WithComponent("config").Infof("Loaded config from: %s", c.viper.ConfigFileUsed())
		}
	} else {
		// Look for config in standard locations
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
		c.viper.AddConfigPath("$HOME/.mcextractor")
		c.viper.AddConfigPath("/etc/mcextractor")

		if err := c.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("failed to read config file: %w", err)
			}
			c.logger.WithComponent("config").Debug("No config file found, using defaults and environment variables")
		} else {
			c.logger.WithComponent("config").Infof("Loaded config from: %s", c.viper.ConfigFileUsed())
		}
	}

	// Unmarshal into config struct
	if err := c.viper.Unmarshal(c.config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Load environment variables
	if err := c.loadFromEnv(); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Validate configuration
	if err := c.validateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c.logger.WithComponent("config").Debug("Configuration loaded successfully")
	return nil
}

// setDefaults sets default configuration values
func (c *ConfigManager) setDefaults() {
	c.viper.SetDefault("log_level", "info")
	c.viper.SetDefault("log_format", "text")
	c.viper.SetDefault("extract_dir", "./Extracted")
	c.viper.SetDefault("warnings_dir", "./Warnings")
	c.viper.SetDefault("repo_dir", ".")
	c.viper.SetDefault("catalog_path", "./MCE.db")
	c.viper.SetDefault("blob_path", "./MCB.bin")
	c.viper.SetDefault("http_timeout", "30s")

	// Logging defaults
	c.viper.SetDefault("log.level", "info")
	c.viper.SetDefault("log.format", "text")

	// HTTP defaults
	c.viper.SetDefault("http.timeout", "30s")
	c.viper.SetDefault("http.max_retries", 3)
	c.viper.SetDefault("http.retry_delay", "1s")
	c.viper.SetDefault("http.user_agent", "mcextractor/1.0")
	c.viper.SetDefault("http.follow_redirects", true)

	// Update check defaults
	c.viper.SetDefault("update.enabled", true)
	c.viper.SetDefault("update.repository", "platomav/MCExtractor")
	c.viper.SetDefault("update.catalog_url", "https://raw.githubusercontent.com/platomav/MCExtractor/master/MCE.rev")
}

// loadFromEnv loads configuration from environment variables using struct tags
func (c *ConfigManager) loadFromEnv() error {
	return c.loadEnvForStruct(reflect.ValueOf(c.config).Elem(), "")
}

// loadEnvForStruct recursively loads environment variables for a struct
func (c *ConfigManager) loadEnvForStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Skip unexported fields
		if !field.CanSet() {
			continue
		}

		// Get env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" && field.Kind() != reflect.Struct {
			continue
		}

		// Handle nested structs
		if field.Kind() == reflect.Struct {
			newPrefix := prefix
			if prefix != "" {
				newPrefix += "_"
			}
			newPrefix += strings.ToUpper(fieldType.Name)

			if err := c.loadEnvForStruct(field, newPrefix); err != nil {
				return err
			}
			continue
		}

		// Load environment variable
		if envTag != "" {
			envValue := os.Getenv(envTag)
			if envValue != "" {
				if err := c.setFieldFromString(field, envValue); err != nil {
					return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
				}
			}
		}
	}

	return nil
}

// setFieldFromString sets a field value from a string
func (c *ConfigManager) setFieldFromString(field reflect.Value, value string) error {
	// Handle time.Duration first (before int64 case)
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value: %s", value)
		}
		field.Set(reflect.ValueOf(duration))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intVal, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value: %s", value)
		}
		field.SetInt(intVal)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		uintVal, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", value)
		}
		field.SetUint(uintVal)
	case reflect.Slice:
		// Handle string slices (comma-separated values)
		if field.Type().Elem().Kind() == reflect.String {
			values := strings.Split(value, ",")
			for i, v := range values {
				values[i] = strings.TrimSpace(v)
			}
			field.Set(reflect.ValueOf(values))
		}
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// validateConfig validates the loaded configuration
func (c *ConfigManager) validateConfig() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if c.config.LogLevel != "" && !contains(validLogLevels, strings.ToLower(c.config.LogLevel)) {
		return fmt.Errorf("invalid log level: %s (valid: %v)", c.config.LogLevel, validLogLevels)
	}
	if c.config.Log.Level != "" && !contains(validLogLevels, strings.ToLower(string(c.config.Log.Level))) {
		return fmt.Errorf("invalid log level: %s (valid: %v)", c.config.Log.Level, validLogLevels)
	}

	validLogFormats := []string{"text", "json"}
	if c.config.LogFormat != "" && !contains(validLogFormats, strings.ToLower(c.config.LogFormat)) {
		return fmt.Errorf("invalid log format: %s (valid: %v)", c.config.LogFormat, validLogFormats)
	}
	if c.config.Log.Format != "" && !contains(validLogFormats, strings.ToLower(string(c.config.Log.Format))) {
		return fmt.Errorf("invalid log format: %s (valid: %v)", c.config.Log.Format, validLogFormats)
	}

	// Expand paths
	if err := c.expandPaths(); err != nil {
		return fmt.Errorf("failed to expand paths: %w", err)
	}

	return nil
}

// expandPaths expands relative paths and environment variables in path fields
func (c *ConfigManager) expandPaths() error {
	for _, p := range []*string{
		&c.config.ExtractDir,
		&c.config.WarningsDir,
		&c.config.RepoDir,
		&c.config.CatalogPath,
		&c.config.BlobPath,
	} {
		if *p == "" {
			continue
		}
		expanded, err := c.expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// expandPath expands a path with environment variables and home directory
func (c *ConfigManager) expandPath(path string) (string, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(path)

	// Expand home directory
	if strings.HasPrefix(expanded, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		expanded = filepath.Join(homeDir, expanded[2:])
	}

	// Convert to absolute path
	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	return absPath, nil
}

// GetConfig returns the loaded configuration
func (c *ConfigManager) GetConfig() *Config {
	return c.config
}

// SaveConfig saves the current configuration to a file
func (c *ConfigManager) SaveConfig(filename string) error {
	return c.viper.WriteConfigAs(filename)
}

// SetLogger sets the logger for the config manager
func (c *ConfigManager) SetLogger(logger *Logger) {
	c.logger = logger
}

// GetConfigValue gets a configuration value by key
func (c *ConfigManager) GetConfigValue(key string) interface{} {
	return c.viper.Get(key)
}

// SetConfigValue sets a configuration value by key
func (c *ConfigManager) SetConfigValue(key string, value interface{}) {
	c.viper.Set(key, value)
}

// contains checks if a slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// LoadDefaultConfig loads a default configuration
func LoadDefaultConfig() (*Config, error) {
	manager := NewConfigManager()
	if err := manager.LoadConfig(""); err != nil {
		return nil, err
	}
	return manager.GetConfig(), nil
}

// LoadConfigFromFile loads configuration from a specific file
func LoadConfigFromFile(filename string) (*Config, error) {
	manager := NewConfigManager()
	if err := manager.LoadConfig(filename); err != nil {
		return nil, err
	}
	return manager.GetConfig(), nil
}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("directory path cannot be empty")
	}

	// Check if directory already exists
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", dir)
		}
		return nil
	}

	// Create directory with appropriate permissions
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	return nil
}
