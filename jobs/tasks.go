package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending templated emails.
	TaskTypeSendEmail = "mail:send"

	sendEmailMaxRetry = 5
)

// SendEmailPayload describes one templated message for one recipient.
type SendEmailPayload struct {
	To       string         `json:"to"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.Template) == "" {
		return nil, errors.New("jobs: email template required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// Enqueuer is the subset of the Asynq client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier queues templated emails for the worker to deliver.
type Notifier struct {
	queue Enqueuer
}

// NewNotifier wraps an enqueuer, usually *asynq.Client.
func NewNotifier(queue Enqueuer) *Notifier {
	return &Notifier{queue: queue}
}

// Send enqueues one email. Delivery happens asynchronously in the worker.
func (n *Notifier) Send(ctx context.Context, to, template string, data map[string]any) error {
	if n == nil || n.queue == nil {
		return errors.New("jobs: notifier not configured")
	}
	task, err := NewSendEmailTask(SendEmailPayload{To: to, Template: template, Data: data})
	if err != nil {
		return err
	}
	_, err = n.queue.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(sendEmailMaxRetry))
	return err
}
