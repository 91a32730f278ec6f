package email

import (
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflectai/api/internal/config"
)

func configured() config.SMTPConfig {
	return config.SMTPConfig{Host: "smtp.example.com", Port: "587", From: "hello@reflect.example", FromName: "ReflectAI"}
}

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.SMTPConfig)
		expected bool
	}{
		{"fully configured", func(*config.SMTPConfig) {}, true},
		{"missing host", func(c *config.SMTPConfig) { c.Host = "" }, false},
		{"missing port", func(c *config.SMTPConfig) { c.Port = "" }, false},
		{"missing from", func(c *config.SMTPConfig) { c.From = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := configured()
			tt.mutate(&cfg)
			assert.Equal(t, tt.expected, NewService(cfg).IsConfigured())
		})
	}
}

func TestSendWelcomeEmail(t *testing.T) {
	svc := NewService(configured())

	var (
		gotAddr string
		gotFrom string
		gotTo   []string
		gotMsg  string
	)
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}

	require.NoError(t, svc.SendWelcomeEmail("ada@example.com", "Ada"))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "hello@reflect.example", gotFrom)
	assert.Equal(t, []string{"ada@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "To: ada@example.com\r\n")
	assert.Contains(t, gotMsg, "Subject: =?utf-8?q?")
	assert.Contains(t, gotMsg, "Hi Ada,")
	assert.Contains(t, gotMsg, "text/plain")
	assert.Contains(t, gotMsg, "text/html")
	assert.True(t, strings.HasSuffix(gotMsg, "--reflectai-alt-boundary--\r\n"))
}

func TestSendWithoutConfiguration(t *testing.T) {
	svc := NewService(config.SMTPConfig{})
	svc.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send must not be called")
		return nil
	}
	assert.ErrorIs(t, svc.SendWelcomeEmail("ada@example.com", "Ada"), ErrNotConfigured)
}

func TestRejectsHeaderInjection(t *testing.T) {
	svc := NewService(configured())
	svc.send = func(string, smtp.Auth, string, []string, []byte) error { return nil }
	assert.Error(t, svc.SendHTMLEmail([]string{"a@example.com\r\nBcc: x@example.com"}, "hi", "t", "<p>h</p>"))
}

func TestWelcomeTemplateEscapesName(t *testing.T) {
	html, err := renderTemplate(welcomeEmailTemplate, WelcomeData{AppName: appName, UserName: "<script>"})
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
}
