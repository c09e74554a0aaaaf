// Package chain talks to the custody gateway that verifies deposits and
// broadcasts payouts and refunds.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/playmatatu/wordduel/internal/game"
)

// Verification is the gateway's view of a deposit.
type Verification struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason,omitempty"`
	TxRef     string `json:"tx_ref,omitempty"`
}

// TxRef identifies a broadcast transaction.
type TxRef string

// Client is the chain surface the settlement workers need. Every call may
// take arbitrarily long; callers bound it with their context.
type Client interface {
	VerifyDeposit(ctx context.Context, matchID, wallet, proof string) (Verification, error)
	BroadcastPayout(ctx context.Context, matchID string, outcome game.Outcome) (TxRef, error)
	BroadcastRefund(ctx context.Context, matchID string) (TxRef, error)
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chain gateway %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request can succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 408
}

// IsPermanent reports whether err is a gateway rejection that will not
// change on retry.
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return false
}
