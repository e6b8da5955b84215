// Package jobs runs long ROI work (imports and recomputes) outside the
// request path, with bounded retries.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Done reports whether the job reached a final state.
func (s Status) Done() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// maxErrorLength caps the stored failure message.
const maxErrorLength = 255

// ErrJobNotFound is returned when a job ID is unknown.
var ErrJobNotFound = errors.New("job not found")

// Job is a unit of background work.
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	RunAfter  time.Time       `json:"run_after,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("invalid %s payload: %w", j.Type, err))
	}
	return nil
}

// setError stores err's message cut to maxErrorLength bytes on a rune
// boundary.
func (j *Job) setError(err error) {
	msg := err.Error()
	if len(msg) > maxErrorLength {
		cut := maxErrorLength
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	j.Error = msg
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Client submits jobs and reads their state.
type Client struct {
	queue  Queue
	logger *zap.Logger
	now    func() time.Time
}

func NewClient(queue Queue, logger *zap.Logger) *Client {
	return &Client{queue: queue, logger: logger, now: time.Now}
}

// Submit stores a new job and makes it ready for a worker.
func (c *Client) Submit(ctx context.Context, jobType string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	now := c.now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Payload:   raw,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.queue.Save(ctx, job); err != nil {
		return nil, err
	}
	if err := c.queue.Enqueue(ctx, job.ID); err != nil {
		return nil, err
	}

	c.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("type", jobType),
	)
	return job, nil
}

// Get returns a job by ID or ErrJobNotFound.
func (c *Client) Get(ctx context.Context, id string) (*Job, error) {
	job, err := c.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}
