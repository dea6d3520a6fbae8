package handlers

import (
	"context"
	"fmt"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/pressline/taskq/internal/task"
)

// EmailSender sends one composed message. *sendgrid.Client satisfies it; tests
// substitute a fake.
type EmailSender interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

type Notifier struct {
	client      EmailSender
	fromName    string
	fromAddress string
}

func NewNotifier(apiKey, fromName, fromAddress string) *Notifier {
	return &Notifier{
		client:      sendgrid.NewSendClient(apiKey),
		fromName:    fromName,
		fromAddress: fromAddress,
	}
}

// NotifyEmail delivers a notification email described by the task payload.
// Missing fields are fatal; transport and provider errors are retryable.
func (n *Notifier) NotifyEmail(_ context.Context, t *task.Task) (map[string]any, error) {
	to, ok := t.Payload["to"].(string)
	if !ok || to == "" {
		return nil, task.NewFatalError("INVALID_PAYLOAD", "missing 'to' field")
	}
	subject, ok := t.Payload["subject"].(string)
	if !ok || subject == "" {
		return nil, task.NewFatalError("INVALID_PAYLOAD", "missing 'subject' field")
	}
	body, ok := t.Payload["body"].(string)
	if !ok || body == "" {
		return nil, task.NewFatalError("INVALID_PAYLOAD", "missing 'body' field")
	}

	from := mail.NewEmail(n.fromName, n.fromAddress)
	message := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), body, body)

	response, err := n.client.Send(message)
	if err != nil {
		return nil, task.NewExecutionError("EMAIL_SEND_FAILED", fmt.Sprintf("failed to send email: %v", err))
	}
	if response.StatusCode >= 500 {
		return nil, task.NewExecutionError("EMAIL_PROVIDER_ERROR", fmt.Sprintf("provider returned status %d", response.StatusCode))
	}
	if response.StatusCode >= 400 {
		return nil, task.NewFatalError("EMAIL_REJECTED", fmt.Sprintf("provider rejected message with status %d", response.StatusCode))
	}

	return map[string]any{
		"to":     to,
		"status": response.StatusCode,
	}, nil
}
