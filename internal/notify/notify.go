// Package notify delivers job lifecycle notifications to operators.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

func (t NotificationType) String() string {
	switch t {
	case NotifySuccess:
		return "success"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "error"
	default:
		return "info"
	}
}

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	JobID   string // Optional job reference
	Email   string // Optional user reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// ForJob builds the notification for a job that reached a terminal status
func ForJob(job *domain.Job, saved, failed int) Notification {
	n := Notification{JobID: job.ID, Email: job.Email}
	switch job.Status {
	case domain.JobFinished:
		n.Type = NotifySuccess
		if failed > 0 {
			n.Type = NotifyWarning
		}
		n.Title = fmt.Sprintf("Job finished (%s)", job.Mode)
		n.Message = fmt.Sprintf("%d images saved, %d prompts failed out of %d", saved, failed, job.TotalPrompts)
	case domain.JobCanceled:
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("Job canceled (%s)", job.Mode)
		n.Message = fmt.Sprintf("stopped after %d of %d prompts", job.CompletedPrompts, job.TotalPrompts)
	default:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Job failed (%s)", job.Mode)
		n.Message = job.Error
	}
	return n
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the process log
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Send(_ context.Context, n Notification) error {
	l.Logger.Info(n.Title,
		zap.String("type", n.Type.String()),
		zap.String("job", n.JobID),
		zap.String("email", n.Email),
		zap.String("message", n.Message))
	return nil
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }
