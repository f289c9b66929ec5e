package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"

	"opsline/internal/config"
)

// Notifier delivers playbook and sweep outcomes to the tenant contact.
// Delivery is best effort: callers log failures and move on.
type Notifier interface {
	Notify(to, subject, body string) error
}

// LogNotifier writes notifications to the process log. It is the default
// when no SMTP endpoint is configured.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(to, subject, body string) error {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify %s: %s: %s", to, subject, strings.ReplaceAll(body, "\n", " "))
	return nil
}

// SMTPNotifier sends plain-text mail through the configured relay.
type SMTPNotifier struct {
	Addr string
	From string
}

func (n SMTPNotifier) Notify(to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("no recipient")
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", n.From, to, subject, body)
	return smtp.SendMail(n.Addr, nil, n.From, []string{to}, []byte(msg))
}

// FromConfig picks SMTP when configured, the log notifier otherwise.
func FromConfig(cfg config.Config, logger *log.Logger) Notifier {
	if cfg.Notify.SMTPAddr != "" {
		return SMTPNotifier{Addr: cfg.Notify.SMTPAddr, From: cfg.Notify.From}
	}
	return LogNotifier{Logger: logger}
}
