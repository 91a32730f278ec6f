// Package email sends transactional mail over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"

	"reflectai/api/internal/config"
)

var ErrNotConfigured = errors.New("email not configured")

const appName = "ReflectAI"

type Service struct {
	config config.SMTPConfig
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(cfg config.SMTPConfig) *Service {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &Service{
		config: cfg,
		server: cfg.Host + ":" + cfg.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured reports whether host, port and sender are all set.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain-text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	for _, addr := range to {
		if strings.ContainsAny(addr, "\r\n") {
			return fmt.Errorf("invalid recipient %q", addr)
		}
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	}
	boundary := "reflectai-alt-boundary"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", stripNewlines(subject)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n\r\n", boundary, textBody)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n\r\n", boundary, htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type WelcomeData struct {
	AppName  string
	UserName string
}

// SendWelcomeEmail greets a user after their first sign-in.
func (s *Service) SendWelcomeEmail(to, userName string) error {
	data := WelcomeData{AppName: appName, UserName: userName}
	html, err := renderTemplate(welcomeEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render welcome template: %w", err)
	}
	text := fmt.Sprintf("Hi %s,\r\n\r\nWelcome to %s, your personal journaling space.\r\n\r\nThe %s Team", userName, appName, appName)
	return s.SendHTMLEmail([]string{to}, "🎉 Welcome to "+appName+"!", text, html)
}

func stripNewlines(s string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(s)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const welcomeEmailTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Welcome to {{.AppName}}</title></head>
<body style="font-family: Arial, sans-serif; background-color: #f4f4f4; padding: 40px;">
  <div style="max-width: 600px; margin: 0 auto; background: white; padding: 30px; border-radius: 10px;">
    <h2 style="color: rgb(132, 120, 240);">Hi {{.UserName}},</h2>
    <p style="font-size: 16px; color: #333;">Welcome to <strong>{{.AppName}}</strong>, your personal AI-powered diary platform.</p>
    <p style="font-size: 15px; color: #555;">Here's what you can do:</p>
    <ul style="padding-left: 20px;">
      <li>Write and organize your daily thoughts</li>
      <li>Keep a writing streak going day after day</li>
      <li>Share journals privately with the people you choose</li>
    </ul>
    <p style="font-size: 15px; color: #333;">Cheers,<br><strong>The {{.AppName}} Team</strong></p>
    <hr style="margin-top: 30px; border: none; border-top: 1px solid #eee;">
    <p style="font-size: 12px; color: #888; text-align: center;">You received this email because you signed up on {{.AppName}}.<br>If you didn't sign up, please ignore this email.</p>
  </div>
</body>
</html>`
