package jobs

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/smtp"
	"path"
	"strconv"
	"strings"
	"text/template"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/fruitmarket/storeadmin/internal/jobs"
)

//go:embed templates/*.txt
var mailTemplates embed.FS

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Message is a rendered email ready for delivery.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers rendered messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer sends plain-text mail through an SMTP relay.
type SMTPMailer struct {
	Addr string
	From string
}

// NewSMTPMailer builds a mailer for host:port.
func NewSMTPMailer(host string, port int, from string) *SMTPMailer {
	return &SMTPMailer{Addr: net.JoinHostPort(host, strconv.Itoa(port)), From: from}
}

// Send delivers msg. The relay is expected to accept unauthenticated mail.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.From)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return smtp.SendMail(m.Addr, nil, m.From, []string{msg.To}, buf.Bytes())
}

// MailJob renders and delivers TaskTypeSendEmail tasks.
type MailJob struct {
	Mailer    Mailer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	templates map[string]*template.Template
}

// NewMailJob parses the embedded mail templates. Each file defines a
// "subject" and a "body" template and is keyed by its base name.
func NewMailJob(mailer Mailer, logger *slog.Logger, metrics *jobmetrics.Metrics) (*MailJob, error) {
	files, err := fs.Glob(mailTemplates, "templates/*.txt")
	if err != nil {
		return nil, err
	}
	templates := make(map[string]*template.Template, len(files))
	for _, file := range files {
		tpl, err := template.ParseFS(mailTemplates, file)
		if err != nil {
			return nil, fmt.Errorf("jobs: parse mail template %s: %w", file, err)
		}
		templates[strings.TrimSuffix(path.Base(file), ".txt")] = tpl
	}
	return &MailJob{Mailer: mailer, Logger: logger, Metrics: metrics, templates: templates}, nil
}

// Handle processes a send-email task.
func (j *MailJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Mailer == nil {
		return errors.New("mail job: handler not configured")
	}
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		j.metrics().Skipped(TaskTypeSendEmail, "bad_payload")
		return fmt.Errorf("mail job: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	logger := j.logger().With(slog.String("template", payload.Template))

	to := strings.TrimSpace(payload.To)
	if to == "" {
		j.metrics().Skipped(TaskTypeSendEmail, "no_recipient")
		logger.Info("skipping email without recipient")
		return nil
	}

	tracker := j.metrics().Track(TaskTypeSendEmail)
	msg, err := j.render(to, payload)
	if err != nil {
		logger.Error("render email", slog.Any("error", err))
		return tracker.End(fmt.Errorf("%v: %w", err, asynq.SkipRetry))
	}
	if err := j.Mailer.Send(ctx, msg); err != nil {
		logger.Error("send email", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("email sent")
	return tracker.End(nil)
}

func (j *MailJob) render(to string, payload SendEmailPayload) (Message, error) {
	tpl, ok := j.templates[payload.Template]
	if !ok {
		return Message{}, fmt.Errorf("mail job: unknown template %q", payload.Template)
	}
	var subject, body bytes.Buffer
	if err := tpl.ExecuteTemplate(&subject, "subject", payload.Data); err != nil {
		return Message{}, err
	}
	if err := tpl.ExecuteTemplate(&body, "body", payload.Data); err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: strings.TrimSpace(subject.String()),
		Body:    strings.TrimLeft(body.String(), "\n"),
	}, nil
}

func (j *MailJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeSendEmail))
	}
	return slog.Default().With(slog.String("job", TaskTypeSendEmail))
}

func (j *MailJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
