package notifications

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"github.com/tokenwatch/monitor/internal/models"
)

// EmailConfig configures outbound SMTP delivery. Disabled unless Host
// is set, mirroring the other action kinds' default-off posture.
type EmailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
	UseTLS     bool
}

var alertEmailTemplate = template.Must(template.New("alert").Parse(`
<html><body>
<h2 style="color:{{.Color}}">{{.Title}}</h2>
<p>{{.Message}}</p>
<table>
{{range $k, $v := .MetricValues}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>{{end}}
</table>
<p>severity: {{.Severity}} &middot; rule: {{.RuleID}}</p>
</body></html>
`))

type emailView struct {
	Title        string
	Message      string
	Severity     models.Severity
	RuleID       models.RuleID
	MetricValues map[string]float64
	Color        string
}

func severityColor(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "#c0392b"
	case models.SeverityWarning:
		return "#e67e22"
	default:
		return "#2c3e50"
	}
}

// EmailSender renders an AlertInstance through alertEmailTemplate and
// delivers it over SMTP. A zero-value Config (empty Host) makes Send a
// no-op error, keeping email disabled by default without a separate
// feature flag layered on top.
type EmailSender struct {
	cfg EmailConfig
}

// NewEmailSender returns a sender bound to cfg.
func NewEmailSender(cfg EmailConfig) *EmailSender {
	return &EmailSender{cfg: cfg}
}

// Send renders instance as HTML and delivers it to every configured
// recipient, or a single override recipient if target is non-empty.
func (s *EmailSender) Send(instance models.AlertInstance, target string) error {
	if s.cfg.Host == "" {
		return fmt.Errorf("notifications: email disabled (no SMTP host configured)")
	}

	var body bytes.Buffer
	view := emailView{
		Title: instance.Title, Message: instance.Message,
		Severity: instance.Severity, RuleID: instance.RuleID,
		MetricValues: instance.MetricValues, Color: severityColor(instance.Severity),
	}
	if err := alertEmailTemplate.Execute(&body, view); err != nil {
		return fmt.Errorf("notifications: rendering email template: %w", err)
	}

	recipients := s.cfg.Recipients
	if target != "" {
		recipients = []string{target}
	}
	if len(recipients) == 0 {
		return fmt.Errorf("notifications: no email recipients configured")
	}

	msg := buildMIMEMessage(s.cfg.From, recipients, instance.Title, body.String())
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if s.cfg.UseTLS {
		return sendMailTLS(addr, auth, s.cfg.From, recipients, msg)
	}
	return smtp.SendMail(addr, auth, s.cfg.From, recipients, msg)
}

func buildMIMEMessage(from string, to []string, subject, htmlBody string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(htmlBody)
	return b.Bytes()
}

// sendMailTLS is net/smtp.SendMail's flow with an explicit TLS dial,
// for providers that require implicit TLS rather than STARTTLS.
func sendMailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: hostOf(addr)})
	if err != nil {
		return fmt.Errorf("notifications: dialing smtp over tls: %w", err)
	}
	defer tlsConn.Close()

	client, err := smtp.NewClient(tlsConn, hostOf(addr))
	if err != nil {
		return fmt.Errorf("notifications: creating smtp client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("notifications: smtp auth failed: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write(msg)
	return err
}

func hostOf(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[:idx]
	}
	return addr
}
