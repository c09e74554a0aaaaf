package chain

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/playmatatu/wordduel/internal/game"
)

// Mock confirms any deposit with a non-empty proof and fabricates
// transaction references. It is used when no gateway is configured.
type Mock struct {
	verifies atomic.Int64
	payouts  atomic.Int64
	refunds  atomic.Int64
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) VerifyDeposit(_ context.Context, _, _, proof string) (Verification, error) {
	m.verifies.Add(1)
	if proof == "" {
		return Verification{Confirmed: false, Reason: "empty proof"}, nil
	}
	return Verification{Confirmed: true, TxRef: proof}, nil
}

func (m *Mock) BroadcastPayout(_ context.Context, _ string, _ game.Outcome) (TxRef, error) {
	m.payouts.Add(1)
	return TxRef("mock-payout-" + uuid.NewString()), nil
}

func (m *Mock) BroadcastRefund(_ context.Context, _ string) (TxRef, error) {
	m.refunds.Add(1)
	return TxRef("mock-refund-" + uuid.NewString()), nil
}

// Calls returns how many verify, payout and refund calls were made.
func (m *Mock) Calls() (verifies, payouts, refunds int64) {
	return m.verifies.Load(), m.payouts.Load(), m.refunds.Load()
}
