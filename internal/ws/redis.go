package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/notify"
)

// Subscriber relays events published on notify.Channel to a Hub, so every
// API instance reaches the connections it holds.
type Subscriber struct {
	rdb   redis.UniversalClient
	hub   *Hub
	log   *logrus.Entry
	ready chan struct{}
	once  sync.Once
}

func NewSubscriber(rdb redis.UniversalClient, hub *Hub, logger *logrus.Entry) *Subscriber {
	return &Subscriber{
		rdb:   rdb,
		hub:   hub,
		log:   logger.WithField("component", "ws"),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the subscription is confirmed.
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

// Run blocks until ctx is done or the subscription fails.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.rdb.Subscribe(ctx, notify.Channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.once.Do(func() { close(s.ready) })
	s.log.WithField("channel", notify.Channel).Info("event subscriber started")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev notify.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.WithError(err).Warn("invalid event payload")
				continue
			}
			n := s.hub.Deliver(ev)
			s.log.WithFields(logrus.Fields{"type": ev.Type, "match_id": ev.MatchID, "delivered": n}).Debug("event relayed")
		}
	}
}
