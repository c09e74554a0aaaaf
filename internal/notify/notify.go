// Package notify carries lifecycle events from the core to whatever fans them
// out to clients. Publishing is fire-and-forget.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Channel is the Redis pub/sub channel events are published on.
const Channel = "game_events"

// Event types.
const (
	EventMatchCreated      = "match_created"
	EventDepositConfirmed  = "deposit_confirmed"
	EventMatchStarted      = "match_started"
	EventOutcomeAttached   = "outcome_attached"
	EventMatchCompleted    = "match_completed"
	EventMatchCancelled    = "match_cancelled"
	EventMatchError        = "match_error"
	EventRefundIssued      = "refund_issued"
	EventMatchArchived     = "match_archived"
	EventQueueEvicted      = "queue_evicted"
	EventSettlementStuck   = "settlement_stuck"
	EventDepositRejected   = "deposit_rejected"
	EventSettlementPending = "settlement_pending"
)

// Event is a single lifecycle notification.
type Event struct {
	Type    string                 `json:"type"`
	MatchID string                 `json:"match_id,omitempty"`
	Wallets []string               `json:"wallets,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      time.Time              `json:"at"`
}

// Sink receives events. Implementations must not block the caller for long
// and must never return an error the core has to act on.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// RedisSink publishes events as JSON on Channel.
type RedisSink struct {
	client redis.UniversalClient
	log    *logrus.Entry
}

func NewRedisSink(client redis.UniversalClient, logger *logrus.Entry) *RedisSink {
	return &RedisSink{client: client, log: logger.WithField("component", "notify")}
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.WithError(err).WithField("type", ev.Type).Error("failed to encode event")
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.client.Publish(pubCtx, Channel, data).Err(); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"type": ev.Type, "match_id": ev.MatchID}).Warn("failed to publish event")
	}
}

// Recorder keeps published events in memory. Tests and mock mode use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
