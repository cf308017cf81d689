package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	ALS          ALSConfig          `mapstructure:"als"`
	Verification VerificationConfig `mapstructure:"verification"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Web          WebConfig          `mapstructure:"web"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig holds server identification
type ServerConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
}

// DatabaseConfig holds the sqlite location
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ALSConfig holds location service client settings
type ALSConfig struct {
	URL       string        `mapstructure:"url"`
	Locale    string        `mapstructure:"locale"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// VerificationConfig controls how often and how deep cells are verified
type VerificationConfig struct {
	Interval       time.Duration    `mapstructure:"interval"`        // Delay between passes
	BatchSize      int              `mapstructure:"batch_size"`      // Cells per batch pass
	BatchTimeout   time.Duration    `mapstructure:"batch_timeout"`   // Upper bound for one batch
	MaxStages      int              `mapstructure:"max_stages"`      // Stages run per cell and pass
	PacketWindow   time.Duration    `mapstructure:"packet_window"`   // +/- window around capture
	LocationWindow time.Duration    `mapstructure:"location_window"` // +/- window for device fixes
	RetryBase      time.Duration    `mapstructure:"retry_base"`      // First transient retry delay
	RetryMax       time.Duration    `mapstructure:"retry_max"`       // Retry delay cap
	Regions        RegionsConfig    `mapstructure:"regions"`
	Pipelines      []PipelineConfig `mapstructure:"pipelines"`
}

// RegionsConfig points at the country data the region stages use. Empty
// operator paths select the built-in table. Without a borders file the
// device country stays unknown.
type RegionsConfig struct {
	BordersFile   string  `mapstructure:"borders_file"`   // GeoJSON country polygons, may be gzipped
	CountriesFile string  `mapstructure:"countries_file"` // MCC to country CSV
	OperatorsFile string  `mapstructure:"operators_file"` // MCC/MNC to operator CSV
	BorderRadius  float64 `mapstructure:"border_radius"`  // Meters around the device checked for borders
}

// PipelineConfig describes one configured stage list. Zero thresholds are
// derived from the stages' maximum points.
type PipelineConfig struct {
	ID               uint16   `mapstructure:"id"`
	Name             string   `mapstructure:"name"`
	PointsSuspicious int      `mapstructure:"points_suspicious"`
	PointsUntrusted  int      `mapstructure:"points_untrusted"`
	Stages           []string `mapstructure:"stages"`
	After            uint16   `mapstructure:"after"` // Wait until this pipeline finished a cell
}

// RetentionConfig controls purging of old data
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	MaxAge   time.Duration `mapstructure:"max_age"`
	Interval time.Duration `mapstructure:"interval"`
}

// WebConfig holds HTTP API configuration
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig holds Prometheus metrics configuration
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// DefaultStages is the stage order of the default pipeline
var DefaultStages = []string{
	"no_connection",
	"als_reachability",
	"distance",
	"frequency",
	"bandwidth",
	"reject_packet",
	"signal_strength",
}

// RegionStages compare the network with the country the device is in
var RegionStages = []string{
	"no_3g",
	"no_2g",
	"correct_mcc",
	"correct_mnc",
	"border_distance",
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/cellguard")
	}

	viper.SetEnvPrefix("CELLGUARD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is OK, use defaults
		} else if os.IsNotExist(err) {
			// File explicitly specified but doesn't exist - that's also OK
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.Verification.Pipelines) == 0 {
		config.Verification.Pipelines = []PipelineConfig{{
			ID:     1,
			Name:   "primary",
			Stages: append([]string(nil), DefaultStages...),
		}}
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.name", "CellGuard")
	viper.SetDefault("server.description", "Rogue base station detection")

	viper.SetDefault("database.path", "data/cellguard.db")

	viper.SetDefault("als.url", "https://gs-loc.apple.com/clls/wloc")
	viper.SetDefault("als.locale", "en_US")
	viper.SetDefault("als.timeout", 30*time.Second)

	viper.SetDefault("verification.interval", 5*time.Second)
	viper.SetDefault("verification.batch_size", 10)
	viper.SetDefault("verification.batch_timeout", 2*time.Minute)
	viper.SetDefault("verification.max_stages", 16)
	viper.SetDefault("verification.packet_window", 15*time.Second)
	viper.SetDefault("verification.location_window", 5*time.Minute)
	viper.SetDefault("verification.retry_base", 30*time.Second)
	viper.SetDefault("verification.retry_max", 30*time.Minute)
	viper.SetDefault("verification.regions.border_radius", 35000.0)

	viper.SetDefault("retention.enabled", true)
	viper.SetDefault("retention.max_age", 30*24*time.Hour)
	viper.SetDefault("retention.interval", time.Hour)

	viper.SetDefault("web.enabled", true)
	viper.SetDefault("web.host", "0.0.0.0")
	viper.SetDefault("web.port", 8080)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	viper.SetDefault("metrics.prometheus.enabled", true)
	viper.SetDefault("metrics.prometheus.port", 9090)
	viper.SetDefault("metrics.prometheus.path", "/metrics")
}
