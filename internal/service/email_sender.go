package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// EmailSender delivers a plain-text message to one address.
type EmailSender interface {
	SendEmail(ctx context.Context, recipient string, subject string, body string) error
}

// SMTPConfig for sending via SendGrid or other providers
type SMTPConfig struct {
	Host              string
	Port              string
	Username          string
	Password          string
	FromAddress       string
	ConnectionTimeout time.Duration
	OperationTimeout  time.Duration
}

// SMTPEmailSender speaks SMTP directly, upgrading to STARTTLS when offered.
type SMTPEmailSender struct {
	config SMTPConfig
	logger *slog.Logger
}

func NewSMTPEmailSender(config SMTPConfig, logger *slog.Logger) *SMTPEmailSender {
	return &SMTPEmailSender{config: config, logger: logger}
}

func (sender *SMTPEmailSender) SendEmail(ctx context.Context, recipient string, subject string, body string) error {
	address := net.JoinHostPort(sender.config.Host, sender.config.Port)
	dialer := &net.Dialer{Timeout: sender.config.ConnectionTimeout}
	connection, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("smtp dial failed: %w", err)
	}
	if sender.config.OperationTimeout > 0 {
		_ = connection.SetDeadline(time.Now().Add(sender.config.OperationTimeout))
	}

	client, err := smtp.NewClient(connection, sender.config.Host)
	if err != nil {
		_ = connection.Close()
		return fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer client.Close()

	if supported, _ := client.Extension("STARTTLS"); supported {
		if err := client.StartTLS(&tls.Config{ServerName: sender.config.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp starttls failed: %w", err)
		}
	}
	if sender.config.Username != "" {
		auth := smtp.PlainAuth("", sender.config.Username, sender.config.Password, sender.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}
	if err := client.Mail(sender.config.FromAddress); err != nil {
		return fmt.Errorf("smtp sender rejected: %w", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("smtp recipient rejected: %w", err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data failed: %w", err)
	}
	if _, err := writer.Write([]byte(buildEmailMessage(sender.config.FromAddress, recipient, subject, body))); err != nil {
		_ = writer.Close()
		return fmt.Errorf("smtp write failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	if err := client.Quit(); err != nil {
		sender.logger.Warn("smtp_quit_failed", "error", err)
	}
	return nil
}

func buildEmailMessage(from string, to string, subject string, body string) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("From: %s\r\n", sanitizeHeaderValue(from)))
	builder.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeHeaderValue(to)))
	builder.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeHeaderValue(subject)))
	builder.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z)))
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return builder.String()
}

// sanitizeHeaderValue drops control characters so user input cannot inject headers.
func sanitizeHeaderValue(value string) string {
	return strings.Map(func(character rune) rune {
		if character < 0x20 || character == 0x7f {
			return -1
		}
		return character
	}, value)
}
