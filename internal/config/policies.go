package config

import (
	"github.com/playmatatu/wordduel/internal/lock"
	"github.com/playmatatu/wordduel/internal/settlement"
)

// LockPolicies is the per-family lock configuration.
type LockPolicies struct {
	Pairing    lock.Policy
	Settlement lock.Policy
	Cleanup    lock.Policy
}

// LockPolicies derives the lock policy of every family.
func (c *Config) LockPolicies() LockPolicies {
	return LockPolicies{
		Pairing: lock.Policy{
			Family:         lock.FamilyPairing,
			TTL:            c.PairingLockTTL,
			StaleThreshold: c.PairingLockStale,
			FailOpen:       c.PairingLockFailOpen,
		},
		Settlement: lock.Policy{
			Family:         lock.FamilySettlement,
			TTL:            c.SettlementLockTTL,
			StaleThreshold: c.SettlementLockStale,
			FailOpen:       c.SettlementLockFailOpen,
		},
		Cleanup: lock.Policy{
			Family:         lock.FamilyCleanup,
			TTL:            c.CleanupLockTTL,
			StaleThreshold: c.CleanupLockStale,
			FailOpen:       c.CleanupLockFailOpen,
		},
	}
}

// JobPolicies derives the settlement queue budgets. A delivery may run for
// the chain timeout plus the safety margin, which Validate keeps below the
// execution lock's stale threshold.
func (c *Config) JobPolicies() settlement.Policies {
	return settlement.Policies{
		Verify: settlement.Policy{
			Queue:         settlement.TypeVerify,
			Concurrency:   c.VerifyConcurrency,
			MaxAttempts:   c.VerifyMaxAttempts,
			BackoffBase:   c.VerifyBackoffBase,
			BackoffFactor: c.BackoffFactor,
		},
		Payout: settlement.Policy{
			Queue:         settlement.TypePayout,
			Concurrency:   c.PayoutConcurrency,
			MaxAttempts:   c.PayoutMaxAttempts,
			BackoffBase:   c.PayoutBackoffBase,
			BackoffFactor: c.BackoffFactor,
			Retain:        true,
		},
		Cleanup: settlement.Policy{
			Queue:         settlement.TypeCleanup,
			Concurrency:   c.CleanupConcurrency,
			MaxAttempts:   c.CleanupMaxAttempts,
			BackoffBase:   c.CleanupBackoffBase,
			BackoffFactor: c.BackoffFactor,
		},
		InFlightDelay: c.InFlightRequeueDelay,
		Retention:     c.JobRetention,
		ChainTimeout:  c.ChainTimeout,
		TaskTimeout:   c.ChainTimeout + c.LockSafetyMargin,
	}
}
