package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/url"
	"strings"
)

// Mailer delivers password reset tokens.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, token string) error
}

// LogMailer writes reset links to the log. Used when no SMTP relay is set.
type LogMailer struct {
	Logger  *slog.Logger
	BaseURL string
}

// SendPasswordReset logs the reset link for email.
func (m *LogMailer) SendPasswordReset(_ context.Context, email, token string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Password reset requested", "email", email, "link", resetLink(m.BaseURL, token))
	return nil
}

// SMTPMailer sends reset links through an SMTP relay with PLAIN auth.
type SMTPMailer struct {
	Addr     string
	Username string
	Password string
	From     string
	BaseURL  string

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates an SMTPMailer for the relay at addr (host:port).
func NewSMTPMailer(addr, username, password, from, baseURL string) *SMTPMailer {
	return &SMTPMailer{
		Addr:     addr,
		Username: username,
		Password: password,
		From:     from,
		BaseURL:  baseURL,
		send:     smtp.SendMail,
	}
}

// SendPasswordReset mails the reset link to email.
func (m *SMTPMailer) SendPasswordReset(ctx context.Context, email, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(email, "\r\n") {
		return fmt.Errorf("invalid recipient %q", email)
	}

	var auth smtp.Auth
	if m.Username != "" {
		host, _, err := net.SplitHostPort(m.Addr)
		if err != nil {
			return fmt.Errorf("parse smtp addr: %w", err)
		}
		auth = smtp.PlainAuth("", m.Username, m.Password, host)
	}

	msg := buildResetMessage(m.From, email, resetLink(m.BaseURL, token))
	if err := m.send(m.Addr, auth, m.From, []string{email}, msg); err != nil {
		return fmt.Errorf("send reset mail: %w", err)
	}
	return nil
}

func buildResetMessage(from, to, link string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: Reset your gemchat password\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString("Follow this link to choose a new password:\r\n\r\n")
	b.WriteString(link + "\r\n\r\n")
	b.WriteString("If you did not ask to reset your password, ignore this email.\r\n")
	return []byte(b.String())
}

func resetLink(baseURL, token string) string {
	if baseURL == "" {
		return "token=" + url.QueryEscape(token)
	}
	return strings.TrimRight(baseURL, "/") + "/reset-password?token=" + url.QueryEscape(token)
}
