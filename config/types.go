package config

import "time"

type AppConfig struct {
	DBDriver     string             `yaml:"db_driver" env:"CAREWATCH_DB_DRIVER" env-default:"sqlite"`
	DBURL        string             `yaml:"db_url" env:"CAREWATCH_DB_URL"`
	DBPath       string             `yaml:"db_path" env:"CAREWATCH_DB_PATH" env-default:"data/carewatch.db"`
	ListenAddr   string             `yaml:"listen_addr" env:"CAREWATCH_LISTEN_ADDR" env-default:"0.0.0.0:8090"`
	PolicyPath   string             `yaml:"policy_path" env:"CAREWATCH_POLICY_PATH" env-default:"data/policies.json"`
	Evidence     EvidenceConfig     `yaml:"evidence"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Lock         LockConfig         `yaml:"lock"`
	Consolidator ConsolidatorConfig `yaml:"consolidator"`
}

// EvidenceConfig describes the external clinical-records notes source and the
// windows the engine reads from it. The classify window brackets the incident
// time; reconciliation always reads the full monitoring span.
type EvidenceConfig struct {
	BaseURL              string        `yaml:"base_url" env:"CAREWATCH_EVIDENCE_BASE_URL"`
	RequestTimeout       time.Duration `yaml:"request_timeout" env:"CAREWATCH_EVIDENCE_REQUEST_TIMEOUT" env-default:"10s"`
	ClassifyWindowBefore time.Duration `yaml:"classify_window_before" env:"CAREWATCH_EVIDENCE_CLASSIFY_BEFORE" env-default:"30m"`
	ClassifyWindowAfter  time.Duration `yaml:"classify_window_after" env:"CAREWATCH_EVIDENCE_CLASSIFY_AFTER" env-default:"4h"`
}

type ClassifierConfig struct {
	CacheSize int           `yaml:"cache_size" env:"CAREWATCH_CLASSIFIER_CACHE_SIZE" env-default:"1024"`
	CacheTTL  time.Duration `yaml:"cache_ttl" env:"CAREWATCH_CLASSIFIER_CACHE_TTL" env-default:"1h"`
}

type LockConfig struct {
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"CAREWATCH_LOCK_ACQUIRE_TIMEOUT" env-default:"3s"`
}

type ConsolidatorConfig struct {
	Enabled          bool          `yaml:"enabled" env:"CAREWATCH_CONSOLIDATOR_ENABLED" env-default:"true"`
	Interval         time.Duration `yaml:"interval" env:"CAREWATCH_CONSOLIDATOR_INTERVAL" env-default:"15m"`
	CacheTTL         time.Duration `yaml:"cache_ttl" env:"CAREWATCH_CONSOLIDATOR_CACHE_TTL" env-default:"30m"`
	ComplianceWindow time.Duration `yaml:"compliance_window" env:"CAREWATCH_CONSOLIDATOR_COMPLIANCE_WINDOW" env-default:"168h"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" env:"CAREWATCH_CONSOLIDATOR_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

func (c ConsolidatorConfig) EffectiveInterval() time.Duration {
	if c.Interval <= 0 {
		return 15 * time.Minute
	}
	return c.Interval
}

func (c ConsolidatorConfig) EffectiveTTL() time.Duration {
	if c.CacheTTL <= 0 {
		return 30 * time.Minute
	}
	return c.CacheTTL
}
