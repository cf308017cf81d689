package config

import (
	"fmt"
	"strings"
)

// Validate checks a configuration built outside Load
func (c *Config) Validate() error {
	return validate(c)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if cfg.ALS.URL == "" {
		return fmt.Errorf("als.url is required")
	}
	if !strings.HasPrefix(cfg.ALS.URL, "http://") && !strings.HasPrefix(cfg.ALS.URL, "https://") {
		return fmt.Errorf("als.url must be an http(s) URL")
	}
	if cfg.ALS.Timeout <= 0 {
		return fmt.Errorf("als.timeout must be positive")
	}

	if err := validateVerification(&cfg.Verification); err != nil {
		return err
	}

	if cfg.Retention.Enabled {
		if cfg.Retention.MaxAge <= 0 {
			return fmt.Errorf("retention.max_age must be positive when retention is enabled")
		}
		if cfg.Retention.Interval <= 0 {
			return fmt.Errorf("retention.interval must be positive when retention is enabled")
		}
	}

	if cfg.Web.Enabled {
		if cfg.Web.Port <= 0 || cfg.Web.Port > 65535 {
			return fmt.Errorf("web.port must be between 1 and 65535")
		}
	}

	if cfg.Metrics.Prometheus.Enabled {
		if cfg.Metrics.Prometheus.Port <= 0 || cfg.Metrics.Prometheus.Port > 65535 {
			return fmt.Errorf("metrics.prometheus.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(cfg.Metrics.Prometheus.Path, "/") {
			return fmt.Errorf("metrics.prometheus.path must start with /")
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

func validateVerification(v *VerificationConfig) error {
	if v.Interval <= 0 {
		return fmt.Errorf("verification.interval must be positive")
	}
	if v.BatchSize <= 0 {
		return fmt.Errorf("verification.batch_size must be positive")
	}
	if v.BatchTimeout <= 0 {
		return fmt.Errorf("verification.batch_timeout must be positive")
	}
	if v.MaxStages <= 0 {
		return fmt.Errorf("verification.max_stages must be positive")
	}
	if v.PacketWindow <= 0 {
		return fmt.Errorf("verification.packet_window must be positive")
	}
	if v.LocationWindow <= 0 {
		return fmt.Errorf("verification.location_window must be positive")
	}
	if v.RetryBase <= 0 || v.RetryMax < v.RetryBase {
		return fmt.Errorf("verification.retry_base must be positive and not above retry_max")
	}

	known := make(map[string]bool, len(DefaultStages)+len(RegionStages))
	for _, s := range DefaultStages {
		known[s] = true
	}
	for _, s := range RegionStages {
		known[s] = true
	}
	if v.Regions.BorderRadius < 0 {
		return fmt.Errorf("verification.regions.border_radius must not be negative")
	}
	if (v.Regions.CountriesFile == "") != (v.Regions.OperatorsFile == "") {
		return fmt.Errorf("verification.regions.countries_file and operators_file must be set together")
	}

	ids := make(map[uint16]bool)
	for i, p := range v.Pipelines {
		if p.ID == 0 {
			return fmt.Errorf("pipeline %d: id must be positive", i)
		}
		if ids[p.ID] {
			return fmt.Errorf("pipeline %d: duplicate id %d", i, p.ID)
		}
		ids[p.ID] = true

		if len(p.Stages) == 0 {
			return fmt.Errorf("pipeline %d: at least one stage is required", p.ID)
		}
		seen := make(map[string]bool, len(p.Stages))
		for _, s := range p.Stages {
			if !known[s] {
				return fmt.Errorf("pipeline %d: unknown stage %q", p.ID, s)
			}
			if seen[s] {
				return fmt.Errorf("pipeline %d: stage %q listed twice", p.ID, s)
			}
			seen[s] = true
		}
		if len(p.Stages) == 1 && p.Stages[0] == "no_connection" {
			return fmt.Errorf("pipeline %d: stages award no points", p.ID)
		}

		if p.PointsSuspicious < 0 || p.PointsUntrusted < 0 {
			return fmt.Errorf("pipeline %d: thresholds must not be negative", p.ID)
		}
		if p.PointsSuspicious > 0 && p.PointsUntrusted >= p.PointsSuspicious {
			return fmt.Errorf("pipeline %d: points_untrusted must be below points_suspicious", p.ID)
		}
	}

	for _, p := range v.Pipelines {
		if p.After == 0 {
			continue
		}
		if p.After == p.ID {
			return fmt.Errorf("pipeline %d: cannot run after itself", p.ID)
		}
		if !ids[p.After] {
			return fmt.Errorf("pipeline %d: after references unknown pipeline %d", p.ID, p.After)
		}
	}
	return nil
}
