package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrJobInFlight means another delivery of the same job holds its
	// execution lock. It is retried after a short delay and never counted
	// against the job's attempt budget.
	ErrJobInFlight = errors.New("another attempt of this job is in flight")
	// ErrExhaustedRetries marks a job that used its whole budget and now
	// waits in the dead set for an operator.
	ErrExhaustedRetries = errors.New("settlement job exhausted its retries")
	ErrJobNotFound      = errors.New("settlement job not found")
)

// ExternalServiceError wraps a chain or ledger failure seen by a job.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func chainErr(op string, err error) error {
	return &ExternalServiceError{Service: "chain", Op: op, Err: err}
}

func ledgerErr(op string, err error) error {
	return &ExternalServiceError{Service: "ledger", Op: op, Err: err}
}
