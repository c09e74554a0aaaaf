// Package settlement runs the money-moving background jobs: deposit
// verification, payout or refund, and cleanup.
package settlement

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Kind groups job types that share a queue, concurrency limit and retry policy.
type Kind string

const (
	KindVerify  Kind = "verify"
	KindPayout  Kind = "payout"
	KindCleanup Kind = "cleanup"
)

// Task types.
const (
	TypeVerify  = "settlement:verify"
	TypePayout  = "settlement:payout"
	TypeRefund  = "settlement:refund"
	TypeCleanup = "settlement:cleanup"
)

// ParseKind maps a kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindVerify, KindPayout, KindCleanup:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

func kindOf(taskType string) Kind {
	switch taskType {
	case TypeVerify:
		return KindVerify
	case TypePayout, TypeRefund:
		return KindPayout
	default:
		return KindCleanup
	}
}

// Policy is the retry and concurrency budget of one kind.
type Policy struct {
	Queue         string
	Concurrency   int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffFactor float64
	// Retain keeps a finished task's ID reserved so re-enqueueing it is a
	// no-op for the retention window.
	Retain bool
}

// Delay is the wait before the retry following attempt number retried+1.
func (p Policy) Delay(retried int) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(p.BackoffBase) * math.Pow(factor, float64(retried)))
}

// Policies holds every kind's policy plus the shared settings.
type Policies struct {
	Verify  Policy
	Payout  Policy
	Cleanup Policy
	// InFlightDelay is how long a delivery that found its execution lock
	// held waits before trying again.
	InFlightDelay time.Duration
	Retention     time.Duration
	ChainTimeout  time.Duration
	// TaskTimeout bounds a whole delivery. It must stay below the
	// execution lock's stale threshold.
	TaskTimeout time.Duration
}

// DefaultPolicies returns the stock budgets.
func DefaultPolicies() Policies {
	return Policies{
		Verify:        Policy{Queue: TypeVerify, Concurrency: 5, MaxAttempts: 3, BackoffBase: 2 * time.Second, BackoffFactor: 2},
		Payout:        Policy{Queue: TypePayout, Concurrency: 3, MaxAttempts: 5, BackoffBase: 5 * time.Second, BackoffFactor: 2, Retain: true},
		Cleanup:       Policy{Queue: TypeCleanup, Concurrency: 10, MaxAttempts: 2, BackoffBase: time.Second, BackoffFactor: 2},
		InFlightDelay: 3 * time.Second,
		Retention:     24 * time.Hour,
		ChainTimeout:  90 * time.Second,
		TaskTimeout:   2 * time.Minute,
	}
}

// For returns the policy of a kind.
func (p Policies) For(kind Kind) Policy {
	switch kind {
	case KindVerify:
		return p.Verify
	case KindPayout:
		return p.Payout
	default:
		return p.Cleanup
	}
}

// Job is one logical unit of settlement work. ID is the dedupe key.
type Job struct {
	ID      string
	Kind    Kind
	Type    string
	Payload []byte
}

// VerifyPayload asks for a deposit proof to be checked.
type VerifyPayload struct {
	MatchID string `json:"match_id"`
	Wallet  string `json:"wallet"`
	Proof   string `json:"proof"`
}

// MatchPayload names the match a payout, refund or cleanup acts on.
type MatchPayload struct {
	MatchID string `json:"match_id"`
}

func VerifyKey(matchID, wallet string) string { return "verify:" + matchID + ":" + wallet }
func PayoutKey(matchID string) string         { return "payout:" + matchID }
func RefundKey(matchID string) string         { return "refund:" + matchID }
func CleanupKey(matchID string) string        { return "cleanup:" + matchID }

func NewVerifyJob(matchID, wallet, proof string) Job {
	payload, _ := json.Marshal(VerifyPayload{MatchID: matchID, Wallet: wallet, Proof: proof})
	return Job{ID: VerifyKey(matchID, wallet), Kind: KindVerify, Type: TypeVerify, Payload: payload}
}

func NewPayoutJob(matchID string) Job {
	payload, _ := json.Marshal(MatchPayload{MatchID: matchID})
	return Job{ID: PayoutKey(matchID), Kind: KindPayout, Type: TypePayout, Payload: payload}
}

func NewRefundJob(matchID string) Job {
	payload, _ := json.Marshal(MatchPayload{MatchID: matchID})
	return Job{ID: RefundKey(matchID), Kind: KindPayout, Type: TypeRefund, Payload: payload}
}

func NewCleanupJob(matchID string) Job {
	payload, _ := json.Marshal(MatchPayload{MatchID: matchID})
	return Job{ID: CleanupKey(matchID), Kind: KindCleanup, Type: TypeCleanup, Payload: payload}
}
