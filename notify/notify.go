// Package notify delivers rotation notifications.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	proxyrotator "go-proxyrotator"

	"github.com/rs/zerolog"
)

var bodyTemplate = template.Must(template.New("body").Parse(`
I just switched a proxy node in the proxy infrastructure. Details are below.

In: {{.NewAddress}}
Out: {{if .RetiredAddress}}{{with .RetiredLabel}}{{.}}, {{end}}{{.RetiredAddress}}{{else}}none{{end}}

Region: {{.RegionName}}
Cycle: {{.Cycle}} ({{.CycleID}})

-- proxy rotator
`))

// SendFunc sends a fully formatted message. smtp.SendMail satisfies it.
type SendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailConfig describes the SMTP relay and the recipients.
type EmailConfig struct {
	Server   string
	Port     int
	From     string
	To       []string
	Subject  string
	Username string
	Password string
}

// Email implements proxyrotator.Notifier by mailing every rotation.
type Email struct {
	config EmailConfig
	send   SendFunc
	now    func() time.Time
	logger zerolog.Logger
}

// NewEmail creates an Email notifier. A nil send uses smtp.SendMail.
func NewEmail(config EmailConfig, send SendFunc, logger zerolog.Logger) (*Email, error) {
	var errs []error
	if config.Server == "" {
		errs = append(errs, errors.New("smtp server is required"))
	}
	if config.From == "" {
		errs = append(errs, errors.New("sender address is required"))
	}
	if len(config.To) == 0 {
		errs = append(errs, errors.New("at least one recipient is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", proxyrotator.ErrConfig, err)
	}

	if config.Port == 0 {
		config.Port = 25
	}
	if config.Subject == "" {
		config.Subject = "Proxy rotated"
	}
	if send == nil {
		send = smtp.SendMail
	}

	return &Email{
		config: config,
		send:   send,
		now:    time.Now,
		logger: logger.With().Str("component", "email").Logger(),
	}, nil
}

// Notify mails the rotation event.
func (e *Email) Notify(ctx context.Context, event proxyrotator.RotationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg, err = e.message(event)
	if err != nil {
		return err
	}

	var (
		addr = net.JoinHostPort(e.config.Server, strconv.Itoa(e.config.Port))
		auth smtp.Auth
	)
	if e.config.Username != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Server)
	}

	if err := e.send(addr, auth, e.config.From, e.config.To, msg); err != nil {
		return fmt.Errorf("failed to send rotation email via %s: %w", addr, err)
	}

	e.logger.Info().Strs("to", e.config.To).Str("address", event.NewAddress).Msg("sent rotation email")
	return nil
}

func (e *Email) message(event proxyrotator.RotationEvent) ([]byte, error) {
	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, event); err != nil {
		return nil, fmt.Errorf("failed to render rotation email: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.config.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", e.config.Subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return msg.Bytes(), nil
}

// Log implements proxyrotator.Notifier by logging every rotation. It stands
// in for Email in dry runs or when no mail relay is configured.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a Log notifier.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

// Notify logs the rotation event.
func (l *Log) Notify(_ context.Context, event proxyrotator.RotationEvent) error {
	l.logger.Info().
		Uint64("cycle", event.Cycle).
		Str("cycle_id", event.CycleID).
		Str("region", event.RegionName).
		Str("in", event.NewAddress).
		Str("out", event.RetiredAddress).
		Str("out_label", event.RetiredLabel).
		Msg("switched proxy")
	return nil
}
