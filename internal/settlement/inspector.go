package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskInspector is the part of *asynq.Inspector the admin tooling uses.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	RunTask(queue, id string) error
}

// JobStatus is the queue-side view of one job.
type JobStatus struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	MatchID     string    `json:"match_id,omitempty"`
	State       string    `json:"state"`
	Retried     int       `json:"retried"`
	MaxRetry    int       `json:"max_retry"`
	LastErr     string    `json:"last_error,omitempty"`
	LastFailed  time.Time `json:"last_failed_at,omitempty"`
	NextProcess time.Time `json:"next_process_at,omitempty"`
}

// Inspector answers operator questions about queued and dead jobs.
type Inspector struct {
	inspector TaskInspector
	policies  Policies
}

func NewInspector(inspector TaskInspector, policies Policies) *Inspector {
	return &Inspector{inspector: inspector, policies: policies}
}

func toStatus(info *asynq.TaskInfo) JobStatus {
	var p MatchPayload
	_ = json.Unmarshal(info.Payload, &p)
	return JobStatus{
		ID:          info.ID,
		Type:        info.Type,
		MatchID:     p.MatchID,
		State:       info.State.String(),
		Retried:     info.Retried,
		MaxRetry:    info.MaxRetry,
		LastErr:     info.LastErr,
		LastFailed:  info.LastFailedAt,
		NextProcess: info.NextProcessAt,
	}
}

// Status returns the state of every known job of kind for a match. Verify
// jobs are keyed per wallet, so their wallets must be named.
func (i *Inspector) Status(ctx context.Context, kind Kind, matchID string, wallets ...string) ([]JobStatus, error) {
	var ids []string
	switch kind {
	case KindVerify:
		for _, w := range wallets {
			ids = append(ids, VerifyKey(matchID, w))
		}
	case KindPayout:
		ids = []string{PayoutKey(matchID), RefundKey(matchID)}
	default:
		ids = []string{CleanupKey(matchID)}
	}

	queue := i.policies.For(kind).Queue
	out := make([]JobStatus, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := i.inspector.GetTaskInfo(queue, id)
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get task %s: %w", id, err)
		}
		out = append(out, toStatus(info))
	}
	return out, nil
}

// ListDead returns the archived jobs of kind.
func (i *Inspector) ListDead(ctx context.Context, kind Kind) ([]JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := i.inspector.ListArchivedTasks(i.policies.For(kind).Queue, asynq.PageSize(100))
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return []JobStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list dead %s jobs: %w", kind, err)
	}
	out := make([]JobStatus, 0, len(infos))
	for _, info := range infos {
		out = append(out, toStatus(info))
	}
	return out, nil
}

// RetryDead moves a dead job back to pending. Its handler re-validates the
// match before acting, so retrying a job whose match moved on is harmless.
func (i *Inspector) RetryDead(ctx context.Context, kind Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := i.inspector.RunTask(i.policies.For(kind).Queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	return nil
}
