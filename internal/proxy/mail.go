// AngelaMos | 2026
// mail.go

package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/erisrwa/portal/internal/config"
)

var ErrMailerNotConfigured = errors.New("RESEND_API_KEY not found")

type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Email struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text,omitempty"`
	Tags    []Tag    `json:"tags,omitempty"`
}

type Mailer interface {
	Send(ctx context.Context, email Email) (string, error)
}

// Resend sends mail through the Resend HTTP API.
type Resend struct {
	upstream *Upstream
	apiKey   string
}

func NewResend(cfg config.EmailConfig, timeout time.Duration) *Resend {
	return &Resend{
		upstream: NewUpstream("resend", cfg.ResendURL, timeout),
		apiKey:   cfg.ResendAPIKey,
	}
}

func (r *Resend) Send(ctx context.Context, email Email) (string, error) {
	if r.apiKey == "" {
		return "", ErrMailerNotConfigured
	}

	reply, err := r.upstream.Do(ctx, http.MethodPost, "/emails", bearer(r.apiKey), email)
	if err != nil {
		return "", err
	}

	var out struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}

	if !reply.OK() {
		// Error bodies are JSON only when Resend itself answered.
		msg := http.StatusText(reply.Status)
		if reply.Decode(&out) == nil && out.Message != "" {
			msg = out.Message
		}
		return "", fmt.Errorf("resend: %d %s", reply.Status, msg)
	}

	if err := reply.Decode(&out); err != nil {
		return "", fmt.Errorf("resend: decode reply: %w", err)
	}

	return out.ID, nil
}

type inquiry struct {
	Template    string
	Name        string
	Email       string
	Company     string
	Phone       string
	UserType    string
	Subject     string
	Message     string
	SubmittedAt string
}

var teamTemplate = template.Must(template.New("team").Funcs(template.FuncMap{
	"lines": func(s string) []string { return strings.Split(s, "\n") },
}).Parse(`<!DOCTYPE html>
<html>
  <head><meta charset="utf-8"><title>Contact Form Submission</title></head>
  <body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <h1>ErisRWA Contact Form</h1>
    <p>{{.Template}}</p>
    <p><strong>Name:</strong> {{.Name}}</p>
    <p><strong>Email:</strong> <a href="mailto:{{.Email}}">{{.Email}}</a></p>
    {{if .Company}}<p><strong>Company:</strong> {{.Company}}</p>{{end}}
    {{if .Phone}}<p><strong>Phone:</strong> {{.Phone}}</p>{{end}}
    <p><strong>User Type:</strong> {{.UserType}}</p>
    <p><strong>Subject:</strong> {{.Subject}}</p>
    <div style="border-left: 4px solid #667eea; padding: 15px;">
      {{range $i, $line := lines .Message}}{{if $i}}<br>{{end}}{{$line}}{{end}}
    </div>
    <hr>
    <p><strong>Submitted:</strong> {{.SubmittedAt}}</p>
    <p><strong>Source:</strong> ErisRWA Contact Form</p>
    <p style="color: #dc3545;">Please respond within 24 hours for investor inquiries</p>
  </body>
</html>`))

var confirmationTemplate = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html>
  <head><meta charset="utf-8"></head>
  <body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <h1>Thank you for contacting ErisRWA!</h1>
    <p>Dear {{.Name}},</p>
    <p>Thank you for your interest in ErisRWA! We have received your inquiry and our team will review it promptly.</p>
    <p><strong>Your submission details:</strong></p>
    <ul>
      <li><strong>Subject:</strong> {{.Subject}}</li>
      <li><strong>User Type:</strong> {{.UserType}}</li>
      <li><strong>Submitted:</strong> {{.SubmittedAt}}</li>
    </ul>
    <p>Our team will review your inquiry within 24 hours and a specialist will contact you to discuss your needs.</p>
    <p>Best regards,<br><strong>The ErisRWA Team</strong></p>
    <hr>
    <p style="font-size: 14px; color: #666;">This is an automated response. Please do not reply to this email.</p>
  </body>
</html>`))

func render(t *template.Template, data inquiry) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s email: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func plainText(in inquiry) string {
	var b strings.Builder
	b.WriteString("ErisRWA Contact Form Submission\n\n")
	fmt.Fprintf(&b, "Name: %s\nEmail: %s\n", in.Name, in.Email)
	if in.Company != "" {
		fmt.Fprintf(&b, "Company: %s\n", in.Company)
	}
	if in.Phone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", in.Phone)
	}
	fmt.Fprintf(&b, "User Type: %s\nSubject: %s\n\nMessage:\n%s\n\n", in.UserType, in.Subject, in.Message)
	fmt.Fprintf(&b, "Submitted: %s\nSource: ErisRWA Contact Form\n", in.SubmittedAt)
	return b.String()
}
