package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/playmatatu/wordduel/internal/lock"
)

// Config holds every runtime tunable. Values come from the process environment
// (optionally seeded from a .env file) with the defaults below.
type Config struct {
	// Environment
	Environment string `envconfig:"APP_ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	RedisURL       string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	MigrateOnStart bool   `envconfig:"MIGRATE_ON_START" default:"false"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"file://migrations"`

	// Server
	Port           string `envconfig:"APP_PORT" default:"8080"`
	FrontendURL    string `envconfig:"FRONTEND_URL" default:"http://localhost:5173"`
	JWTSecret      string `envconfig:"JWT_SECRET" default:"change-me-in-production"`
	GameServiceKey string `envconfig:"GAME_SERVICE_KEY"`

	// Matchmaking
	StakeTiers          []string      `envconfig:"STAKE_TIERS" default:"0.1,0.5,1"`
	QueueEvictionWindow time.Duration `envconfig:"QUEUE_EVICTION_WINDOW" default:"5m"`
	QueueSweepInterval  time.Duration `envconfig:"QUEUE_SWEEP_INTERVAL" default:"30s"`
	JoinLockAttempts    int           `envconfig:"JOIN_LOCK_ATTEMPTS" default:"4"`
	JoinLockBackoff     time.Duration `envconfig:"JOIN_LOCK_BACKOFF" default:"50ms"`

	// Lifecycle
	DepositDeadline       time.Duration `envconfig:"DEPOSIT_DEADLINE" default:"10m"`
	DeadlineSweepInterval time.Duration `envconfig:"DEADLINE_SWEEP_INTERVAL" default:"30s"`
	CleanupSweepInterval  time.Duration `envconfig:"CLEANUP_SWEEP_INTERVAL" default:"5m"`
	MutationLockAttempts  int           `envconfig:"MUTATION_LOCK_ATTEMPTS" default:"5"`
	MutationLockBackoff   time.Duration `envconfig:"MUTATION_LOCK_BACKOFF" default:"100ms"`

	// Locks, per family
	PairingLockTTL         time.Duration `envconfig:"PAIRING_LOCK_TTL" default:"30s"`
	PairingLockStale       time.Duration `envconfig:"PAIRING_LOCK_STALE" default:"20s"`
	PairingLockFailOpen    bool          `envconfig:"PAIRING_LOCK_FAIL_OPEN" default:"true"`
	SettlementLockTTL      time.Duration `envconfig:"SETTLEMENT_LOCK_TTL" default:"3m"`
	SettlementLockStale    time.Duration `envconfig:"SETTLEMENT_LOCK_STALE" default:"150s"`
	SettlementLockFailOpen bool          `envconfig:"SETTLEMENT_LOCK_FAIL_OPEN" default:"false"`
	CleanupLockTTL         time.Duration `envconfig:"CLEANUP_LOCK_TTL" default:"1m"`
	CleanupLockStale       time.Duration `envconfig:"CLEANUP_LOCK_STALE" default:"45s"`
	CleanupLockFailOpen    bool          `envconfig:"CLEANUP_LOCK_FAIL_OPEN" default:"false"`
	LockSafetyMargin       time.Duration `envconfig:"LOCK_SAFETY_MARGIN" default:"30s"`

	// Chain gateway
	ChainGatewayURL string        `envconfig:"CHAIN_GATEWAY_URL"`
	ChainGatewayKey string        `envconfig:"CHAIN_GATEWAY_KEY"`
	ChainTimeout    time.Duration `envconfig:"CHAIN_TIMEOUT" default:"90s"`

	// Settlement jobs
	VerifyConcurrency    int           `envconfig:"VERIFY_CONCURRENCY" default:"5"`
	VerifyMaxAttempts    int           `envconfig:"VERIFY_MAX_ATTEMPTS" default:"3"`
	VerifyBackoffBase    time.Duration `envconfig:"VERIFY_BACKOFF_BASE" default:"2s"`
	PayoutConcurrency    int           `envconfig:"PAYOUT_CONCURRENCY" default:"3"`
	PayoutMaxAttempts    int           `envconfig:"PAYOUT_MAX_ATTEMPTS" default:"5"`
	PayoutBackoffBase    time.Duration `envconfig:"PAYOUT_BACKOFF_BASE" default:"5s"`
	CleanupConcurrency   int           `envconfig:"CLEANUP_CONCURRENCY" default:"10"`
	CleanupMaxAttempts   int           `envconfig:"CLEANUP_MAX_ATTEMPTS" default:"2"`
	CleanupBackoffBase   time.Duration `envconfig:"CLEANUP_BACKOFF_BASE" default:"1s"`
	BackoffFactor        float64       `envconfig:"JOB_BACKOFF_FACTOR" default:"2"`
	InFlightRequeueDelay time.Duration `envconfig:"JOB_INFLIGHT_REQUEUE_DELAY" default:"3s"`
	JobRetention         time.Duration `envconfig:"JOB_RETENTION" default:"24h"`
}

// Load reads .env (if present) and the environment into a validated Config.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the relationships between tunables that the rest of the
// system relies on.
func (c *Config) Validate() error {
	c.Environment = strings.TrimSpace(c.Environment)
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}

	if _, err := c.Tiers(); err != nil {
		return err
	}
	if c.QueueEvictionWindow <= 0 {
		return errors.New("QUEUE_EVICTION_WINDOW must be positive")
	}
	if c.DepositDeadline <= 0 {
		return errors.New("DEPOSIT_DEADLINE must be positive")
	}

	families := []struct {
		name       string
		ttl, stale time.Duration
	}{
		{"pairing", c.PairingLockTTL, c.PairingLockStale},
		{"settlement", c.SettlementLockTTL, c.SettlementLockStale},
		{"cleanup", c.CleanupLockTTL, c.CleanupLockStale},
	}
	for _, f := range families {
		if f.ttl <= 0 || f.stale <= 0 {
			return fmt.Errorf("%s lock TTL and stale threshold must be positive", f.name)
		}
		if f.stale >= f.ttl {
			return fmt.Errorf("%s lock stale threshold (%s) must be shorter than its TTL (%s)", f.name, f.stale, f.ttl)
		}
	}

	// An execution lock must outlive the slowest chain call or a second worker
	// can start while the first is still waiting on the chain.
	if c.SettlementLockTTL < c.ChainTimeout+c.LockSafetyMargin {
		return fmt.Errorf("SETTLEMENT_LOCK_TTL (%s) must be at least CHAIN_TIMEOUT + LOCK_SAFETY_MARGIN (%s)",
			c.SettlementLockTTL, c.ChainTimeout+c.LockSafetyMargin)
	}
	// Acquire force-releases a lock older than its stale threshold, so the
	// threshold, not the TTL, bounds how long a holder is safe.
	if c.SettlementLockStale <= c.ChainTimeout+c.LockSafetyMargin {
		return fmt.Errorf("SETTLEMENT_LOCK_STALE (%s) must exceed CHAIN_TIMEOUT + LOCK_SAFETY_MARGIN (%s)",
			c.SettlementLockStale, c.ChainTimeout+c.LockSafetyMargin)
	}

	for name, v := range map[string]int{
		"VERIFY_MAX_ATTEMPTS":  c.VerifyMaxAttempts,
		"PAYOUT_MAX_ATTEMPTS":  c.PayoutMaxAttempts,
		"CLEANUP_MAX_ATTEMPTS": c.CleanupMaxAttempts,
		"VERIFY_CONCURRENCY":   c.VerifyConcurrency,
		"PAYOUT_CONCURRENCY":   c.PayoutConcurrency,
		"CLEANUP_CONCURRENCY":  c.CleanupConcurrency,
		"JOIN_LOCK_ATTEMPTS":   c.JoinLockAttempts,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be at least 1", name)
		}
	}
	if c.BackoffFactor < 1 {
		return errors.New("JOB_BACKOFF_FACTOR must be >= 1")
	}

	locks := c.LockPolicies()
	for _, p := range []lock.Policy{locks.Pairing, locks.Settlement, locks.Cleanup} {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Tiers parses the configured stake tiers.
func (c *Config) Tiers() ([]decimal.Decimal, error) {
	if len(c.StakeTiers) == 0 {
		return nil, errors.New("STAKE_TIERS must list at least one tier")
	}
	tiers := make([]decimal.Decimal, 0, len(c.StakeTiers))
	for _, raw := range c.StakeTiers {
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid stake tier %q: %w", raw, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("stake tier %q must be positive", raw)
		}
		tiers = append(tiers, d)
	}
	return tiers, nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
