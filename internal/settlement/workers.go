package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/notify"
)

// Workers runs one asynq server per job kind so each kind keeps its own
// concurrency limit.
type Workers struct {
	servers  map[Kind]*asynq.Server
	handlers *Handlers
	policies Policies
	sink     notify.Sink
	log      *logrus.Entry
}

func NewWorkers(redisOpt asynq.RedisConnOpt, handlers *Handlers, policies Policies, sink notify.Sink, logger *logrus.Entry) *Workers {
	if sink == nil {
		sink = notify.Discard{}
	}
	w := &Workers{
		servers:  make(map[Kind]*asynq.Server, 3),
		handlers: handlers,
		policies: policies,
		sink:     sink,
		log:      logger.WithField("component", "settlement"),
	}
	for _, kind := range []Kind{KindVerify, KindPayout, KindCleanup} {
		w.servers[kind] = asynq.NewServer(redisOpt, w.serverConfig(kind))
	}
	return w
}

func (w *Workers) serverConfig(kind Kind) asynq.Config {
	p := w.policies.For(kind)
	return asynq.Config{
		Concurrency:     p.Concurrency,
		Queues:          map[string]int{p.Queue: 1},
		RetryDelayFunc:  w.retryDelay,
		IsFailure:       isFailure,
		ErrorHandler:    asynq.ErrorHandlerFunc(w.handleError),
		Logger:          w.log.WithField("kind", kind),
		LogLevel:        asynq.WarnLevel,
		ShutdownTimeout: 30 * time.Second,
	}
}

// isFailure keeps in-flight collisions out of the retry budget.
func isFailure(err error) bool {
	return !errors.Is(err, ErrJobInFlight)
}

func (w *Workers) retryDelay(retried int, err error, t *asynq.Task) time.Duration {
	if errors.Is(err, ErrJobInFlight) {
		return w.policies.InFlightDelay
	}
	return w.policies.For(kindOf(t.Type())).Delay(retried)
}

func (w *Workers) handleError(ctx context.Context, t *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	w.reportFailure(ctx, t, err, retried, maxRetry)
}

// reportFailure logs a failed delivery. A delivery that leaves the task
// dead raises an operator alert and publishes settlement_stuck.
func (w *Workers) reportFailure(ctx context.Context, t *asynq.Task, err error, retried, maxRetry int) bool {
	if !isFailure(err) {
		return false
	}
	var p MatchPayload
	_ = json.Unmarshal(t.Payload(), &p)
	entry := w.log.WithFields(logrus.Fields{
		"type":     t.Type(),
		"match_id": p.MatchID,
		"attempt":  retried + 1,
		"max":      maxRetry + 1,
	}).WithError(err)

	exhausted := retried >= maxRetry || errors.Is(err, asynq.SkipRetry)
	if !exhausted {
		entry.Warn("settlement job failed, will retry")
		if kindOf(t.Type()) == KindPayout && retried == 0 {
			w.sink.Publish(ctx, notify.Event{Type: notify.EventSettlementPending, MatchID: p.MatchID})
		}
		return false
	}

	entry.WithField("alert", true).Error(fmt.Sprintf("%v: moved to dead set", ErrExhaustedRetries))
	w.sink.Publish(ctx, notify.Event{
		Type:    notify.EventSettlementStuck,
		MatchID: p.MatchID,
		Payload: map[string]interface{}{"type": t.Type(), "error": err.Error()},
	})
	return true
}

// Start launches every server. On failure the servers already started are
// shut down.
func (w *Workers) Start() error {
	mux := asynq.NewServeMux()
	w.handlers.Register(mux)

	started := make([]*asynq.Server, 0, len(w.servers))
	for kind, srv := range w.servers {
		if err := srv.Start(mux); err != nil {
			for _, s := range started {
				s.Shutdown()
			}
			return fmt.Errorf("start %s workers: %w", kind, err)
		}
		started = append(started, srv)
		w.log.WithFields(logrus.Fields{"kind": kind, "concurrency": w.policies.For(kind).Concurrency}).Info("settlement workers started")
	}
	return nil
}

// Shutdown waits for in-flight tasks to finish or be requeued.
func (w *Workers) Shutdown() {
	for _, srv := range w.servers {
		srv.Shutdown()
	}
}
