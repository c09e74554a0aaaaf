package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// EnqueueResult tells whether a job was newly accepted.
type EnqueueResult string

const (
	Accepted      EnqueueResult = "accepted"
	AlreadyQueued EnqueueResult = "already-queued"
)

// Enqueuer is the part of *asynq.Client the queue uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue submits settlement jobs. The job ID doubles as the asynq task ID, so
// submitting the same logical job twice leaves one task.
type Queue struct {
	client   Enqueuer
	policies Policies
	log      *logrus.Entry
}

func NewQueue(client Enqueuer, policies Policies, logger *logrus.Entry) *Queue {
	return &Queue{client: client, policies: policies, log: logger.WithField("component", "settlement")}
}

// Enqueue submits job. A job whose ID is pending, running, or retained after
// completion is reported as AlreadyQueued, not as an error.
func (q *Queue) Enqueue(ctx context.Context, job Job) (EnqueueResult, error) {
	p := q.policies.For(job.Kind)
	opts := []asynq.Option{
		asynq.TaskID(job.ID),
		asynq.Queue(p.Queue),
		asynq.MaxRetry(p.MaxAttempts - 1),
		asynq.Timeout(q.policies.TaskTimeout),
	}
	if p.Retain && q.policies.Retention > 0 {
		opts = append(opts, asynq.Retention(q.policies.Retention))
	}

	_, err := q.client.EnqueueContext(ctx, asynq.NewTask(job.Type, job.Payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		q.log.WithFields(logrus.Fields{"job_id": job.ID, "type": job.Type}).Debug("job already queued")
		return AlreadyQueued, nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	q.log.WithFields(logrus.Fields{"job_id": job.ID, "type": job.Type}).Info("job enqueued")
	return Accepted, nil
}

func (q *Queue) SchedulePayout(ctx context.Context, matchID string) error {
	_, err := q.Enqueue(ctx, NewPayoutJob(matchID))
	return err
}

func (q *Queue) ScheduleRefund(ctx context.Context, matchID string) error {
	_, err := q.Enqueue(ctx, NewRefundJob(matchID))
	return err
}

func (q *Queue) ScheduleCleanup(ctx context.Context, matchID string) error {
	_, err := q.Enqueue(ctx, NewCleanupJob(matchID))
	return err
}

// SubmitDepositProof enqueues verification of a wallet's deposit proof.
func (q *Queue) SubmitDepositProof(ctx context.Context, matchID, wallet, proof string) (EnqueueResult, error) {
	return q.Enqueue(ctx, NewVerifyJob(matchID, wallet, proof))
}
