package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ingestkit.lib.notify")

// Notifier delivers alerts about failed work.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

type EmailConfig struct {
	Server       string   `json:"server"`
	Port         int      `json:"port"`
	EmailAddress string   `json:"email_address"`
	Password     string   `json:"password"`
	To           []string `json:"to"`
	// display name used in the From header, defaults to "ingestkit".
	Sender string `json:"sender"`
}

func (c EmailConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Server, c.Port)
}

type EmailNotifier struct {
	config EmailConfig
	send   func(mail *email.Email, addr string, auth smtp.Auth) error
}

func sendMail(mail *email.Email, addr string, auth smtp.Auth) error {
	return mail.Send(addr, auth)
}

func NewEmailNotifier(config EmailConfig) (*EmailNotifier, error) {
	if config.Server == "" {
		return nil, errors.New("email notifier: server is required")
	}
	if config.Port <= 0 {
		return nil, errors.New("email notifier: port is required")
	}
	if config.EmailAddress == "" {
		return nil, errors.New("email notifier: email_address is required")
	}
	if len(config.To) == 0 {
		return nil, errors.New("email notifier: at least one recipient is required")
	}
	if config.Sender == "" {
		config.Sender = "ingestkit"
	}
	return &EmailNotifier{config: config, send: sendMail}, nil
}

// Message builds the email Notify would send.
func (n *EmailNotifier) Message(subject, body string) *email.Email {
	mail := email.NewEmail()
	mail.From = fmt.Sprintf("%s <%s>", n.config.Sender, n.config.EmailAddress)
	mail.To = n.config.To
	mail.Subject = subject
	mail.Text = []byte(body)
	return mail
}

func (n *EmailNotifier) Notify(ctx context.Context, subject, body string) error {
	ctx, span := tracer.Start(ctx, "notify:Email")
	defer span.End()
	span.SetAttributes(attribute.String("subject", subject))

	mail := n.Message(subject, body)
	err := n.send(
		mail,
		n.config.addr(),
		smtp.PlainAuth("", n.config.EmailAddress, n.config.Password, n.config.Server),
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = n.send(mail, n.config.addr(), nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return err
	}

	slog.InfoContext(ctx, "sent notification", "subject", subject, "to", strings.Join(n.config.To, ","))
	return nil
}

// LogNotifier writes alerts to the default logger.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, subject, body string) error {
	slog.WarnContext(ctx, subject, "body", body)
	return nil
}
