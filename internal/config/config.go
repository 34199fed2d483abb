package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/ocx/metering/internal/pricing"
	"github.com/ocx/metering/internal/ratelimit"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	WAL        WALConfig        `yaml:"wal"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
	Pricing    pricing.Table    `yaml:"pricing"`
	X402       X402Config       `yaml:"x402"`
	Settlement SettlementConfig `yaml:"settlement"`
	Credits    CreditsConfig    `yaml:"credits"`
	Ensemble   EnsembleConfig   `yaml:"ensemble"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	DLQ        DLQConfig        `yaml:"dlq"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty selects the in-process store
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WALConfig struct {
	Dir                    string `yaml:"dir"`
	MaxSegmentSize         int64  `yaml:"max_segment_size"`
	ShutdownDrainTimeoutMs int64  `yaml:"shutdown_drain_timeout_ms"`
	PressureLowBytes       int64  `yaml:"pressure_low_bytes"`
	PressureHighBytes      int64  `yaml:"pressure_high_bytes"`
	MaxSegments            int    `yaml:"max_segments"`
}

type LedgerConfig struct {
	BaseDir         string `yaml:"base_dir"`
	Fsync           *bool  `yaml:"fsync"` // nil = on
	RotationAgeDays int    `yaml:"rotation_age_days"`
	RetentionDays   int    `yaml:"retention_days"`
	MaxEntryBytes   int    `yaml:"max_entry_bytes"`
}

type RateLimitConfig struct {
	Default  ratelimit.Limits            `yaml:"default"`
	PerModel map[string]ratelimit.Limits `yaml:"per_model"` // keyed "provider/model"
}

type X402Config struct {
	MinConfirmations        uint64   `yaml:"min_confirmations"`
	ChallengeSecret         string   `yaml:"challenge_secret"`
	ChallengeSecretPrevious string   `yaml:"challenge_secret_previous"`
	TokenAddress            string   `yaml:"token_address"`
	TreasuryAddress         string   `yaml:"treasury_address"`
	QuoteTTLSeconds         int      `yaml:"quote_ttl_seconds"`
	RPCEndpoints            []string `yaml:"rpc_endpoints"`
}

type SettlementConfig struct {
	FacilitatorURL   string `yaml:"facilitator_url"`
	FacilitatorToken string `yaml:"facilitator_token"`
	DirectURL        string `yaml:"direct_url"` // empty disables the fallback path
	DirectToken      string `yaml:"direct_token"`
}

type CreditsConfig struct {
	RateNumMicro          int64 `yaml:"rate_num_micro"` // micro-USD per DenCU credit units
	RateDenCU             int64 `yaml:"rate_den_cu"`
	ReservationTTLSeconds int64 `yaml:"reservation_ttl_seconds"`
}

type EnsembleConfig struct {
	TimeoutMs           int64  `yaml:"timeout_ms"`
	BudgetPerModelMicro string `yaml:"budget_per_model_micro"`
	BudgetTotalMicro    string `yaml:"budget_total_micro"`
}

type SandboxConfig struct {
	JailRoot       string `yaml:"jail_root"`
	ExecTimeoutMs  int64  `yaml:"exec_timeout_ms"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
	AuditLogPath   string `yaml:"audit_log_path"`
}

type DLQConfig struct {
	IntervalMs    int64 `yaml:"interval_ms"`
	BatchSize     int64 `yaml:"batch_size"`
	LeaseTTLMs    int64 `yaml:"lease_ttl_ms"`
	BaseBackoffMs int64 `yaml:"base_backoff_ms"`
	MaxBackoffMs  int64 `yaml:"max_backoff_ms"`
	MaxAttempts   int   `yaml:"max_attempts"`
}

type ArchiveConfig struct {
	Enabled         bool         `yaml:"enabled"`
	Bucket          string       `yaml:"bucket"`
	Prefix          string       `yaml:"prefix"`
	IntervalMinutes int          `yaml:"interval_minutes"`
	Mirror          MirrorConfig `yaml:"mirror"`
}

type MirrorConfig struct {
	Enabled bool   `yaml:"enabled"`
	RepoDir string `yaml:"repo_dir"`
	Remote  string `yaml:"remote"`
	Branch  string `yaml:"branch"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.WAL.Dir == "" {
		c.WAL.Dir = "data/wal"
	}
	if c.Ledger.BaseDir == "" {
		c.Ledger.BaseDir = "data/ledger"
	}
	if c.X402.MinConfirmations == 0 {
		c.X402.MinConfirmations = 10
	}
	if c.X402.QuoteTTLSeconds == 0 {
		c.X402.QuoteTTLSeconds = 300
	}
	if c.Credits.RateNumMicro == 0 {
		c.Credits.RateNumMicro = 1
	}
	if c.Credits.RateDenCU == 0 {
		c.Credits.RateDenCU = 1
	}
	if c.RateLimits.Default.RPM == 0 {
		c.RateLimits.Default.RPM = 60
	}
	if c.RateLimits.Default.TPM == 0 {
		c.RateLimits.Default.TPM = 100_000
	}
}

// Validate rejects configurations that would misbill rather than fail.
func (c *Config) Validate() error {
	if c.X402.ChallengeSecret == "" && c.Server.Env == "production" {
		return fmt.Errorf("config: x402.challenge_secret is required in production")
	}
	if c.Credits.RateNumMicro < 0 || c.Credits.RateDenCU <= 0 {
		return fmt.Errorf("config: credits rate must be a positive ratio")
	}
	if c.WAL.PressureHighBytes != 0 && c.WAL.PressureHighBytes < c.WAL.PressureLowBytes {
		return fmt.Errorf("config: wal pressure high watermark below low watermark")
	}
	if err := c.Pricing.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for key, l := range c.RateLimits.PerModel {
		if l.RPM < 0 || l.TPM < 0 {
			return fmt.Errorf("config: negative limit for %s", key)
		}
	}
	return nil
}
