package game

import "time"

// Match is the lifecycle record of one duel.
type Match struct {
	ID            string     `json:"id"`
	PlayerA       string     `json:"player_a"`
	PlayerB       string     `json:"player_b,omitempty"`
	StakeTier     string     `json:"stake_tier"`
	State         State      `json:"state"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	DepositA      bool       `json:"deposit_a"`
	DepositB      bool       `json:"deposit_b"`
	GameStartTime *time.Time `json:"game_start_time,omitempty"`
	Outcome       *Outcome   `json:"outcome,omitempty"`
	SettlementTx  string     `json:"settlement_tx,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Version       int64      `json:"version"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
}

// Clone returns a deep copy.
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	c := *m
	if m.GameStartTime != nil {
		t := *m.GameStartTime
		c.GameStartTime = &t
	}
	if m.Outcome != nil {
		o := *m.Outcome
		c.Outcome = &o
	}
	if m.ArchivedAt != nil {
		t := *m.ArchivedAt
		c.ArchivedAt = &t
	}
	return &c
}

// IsPlayer reports whether wallet occupies either slot.
func (m *Match) IsPlayer(wallet string) bool {
	return wallet != "" && (m.PlayerA == wallet || m.PlayerB == wallet)
}

// Players returns the occupied slots.
func (m *Match) Players() []string {
	if m.PlayerB == "" {
		return []string{m.PlayerA}
	}
	return []string{m.PlayerA, m.PlayerB}
}

// HasDeposited reports whether wallet's deposit is confirmed.
func (m *Match) HasDeposited(wallet string) bool {
	switch wallet {
	case "":
		return false
	case m.PlayerA:
		return m.DepositA
	case m.PlayerB:
		return m.DepositB
	}
	return false
}

// DepositCount is the number of confirmed deposits.
func (m *Match) DepositCount() int {
	n := 0
	if m.DepositA {
		n++
	}
	if m.DepositB {
		n++
	}
	return n
}

// DeadlineElapsed reports whether the deposit deadline has passed at now.
func (m *Match) DeadlineElapsed(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}
