package digest

import (
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/chronicle/internal/config"
	"horse.fit/chronicle/internal/db"
)

const digestTemplateText = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #1a1a1a;">
  <h1 style="font-size: 18px;">Chronicle Daily Digest ({{.Date}})</h1>
  {{if not .Episodes}}<p>No conflict updates today.</p>{{end}}
  {{range .Episodes}}
  <div style="margin-bottom: 24px;">
    <h2 style="font-size: 15px; margin-bottom: 4px;">{{.ConflictName}}</h2>
    <p style="font-weight: bold;">{{.Summary}}</p>
    {{range .Paragraphs}}<p>{{.}}</p>{{end}}
    <p style="font-size: 12px; color: #666;">Confidence: {{printf "%.2f" .Confidence}}</p>
    <ul style="font-size: 12px;">
      {{range .Sources}}<li><a href="{{.URL}}">{{.Title}}</a> ({{.SourceName}})</li>{{end}}
    </ul>
  </div>
  {{end}}
</body>
</html>`

var digestTemplate = template.Must(template.New("daily_digest").Parse(digestTemplateText))

type templateEpisode struct {
	ConflictName string
	Summary      string
	Paragraphs   []string
	Confidence   float64
	Sources      []db.EpisodeSourceRef
}

type templateData struct {
	Date     string
	Episodes []templateEpisode
}

// Sender delivers a rendered message. The SMTP implementation is swapped out
// in tests.
type Sender func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

type Mailer struct {
	host       string
	port       int
	username   string
	password   string
	from       string
	recipients []string
	send       Sender
	logger     zerolog.Logger
}

func NewMailer(cfg *config.Config, logger zerolog.Logger) *Mailer {
	return &Mailer{
		host:       cfg.SMTPHost,
		port:       cfg.SMTPPort,
		username:   cfg.SMTPUser,
		password:   cfg.SMTPPassword,
		from:       cfg.DigestFrom,
		recipients: cfg.DigestRecipientsList(),
		send:       smtp.SendMail,
		logger:     logger.With().Str("component", "digest_mailer").Logger(),
	}
}

// Subject returns the digest subject line for a day.
func Subject(date string) string {
	return fmt.Sprintf("Chronicle Daily Digest (%s)", date)
}

// Render produces the HTML body for a day's episodes.
func Render(date string, episodes []db.EpisodeWithConflict) (string, error) {
	data := templateData{Date: date, Episodes: make([]templateEpisode, 0, len(episodes))}
	for _, episode := range episodes {
		data.Episodes = append(data.Episodes, templateEpisode{
			ConflictName: episode.ConflictName,
			Summary:      episode.Summary,
			Paragraphs:   splitParagraphs(episode.Narrative),
			Confidence:   episode.Confidence,
			Sources:      episode.Sources,
		})
	}

	var out strings.Builder
	if err := digestTemplate.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render digest: %w", err)
	}
	return out.String(), nil
}

// SendDaily renders and mails the digest for a day to every configured
// recipient. Delivery failures are per-recipient; the first error is returned
// after all recipients were attempted.
func (m *Mailer) SendDaily(ctx context.Context, date string, episodes []db.EpisodeWithConflict) error {
	if m == nil {
		return fmt.Errorf("mailer is not initialized")
	}
	if m.host == "" || m.from == "" {
		return fmt.Errorf("smtp is not configured")
	}
	if len(m.recipients) == 0 {
		m.logger.Warn().Msg("no digest recipients configured")
		return nil
	}

	html, err := Render(date, episodes)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}

	var firstErr error
	for _, recipient := range m.recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := buildMessage(m.from, recipient, Subject(date), html)
		if err := m.send(addr, auth, m.from, []string{recipient}, msg); err != nil {
			m.logger.Error().Err(err).Str("recipient", recipient).Msg("digest delivery failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("send digest to %s: %w", recipient, err)
			}
			continue
		}
		m.logger.Info().Str("recipient", recipient).Str("date", date).Msg("digest sent")
	}
	return firstErr
}

func buildMessage(from, to, subject, html string) []byte {
	var msg strings.Builder
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(html)
	return []byte(msg.String())
}

func splitParagraphs(narrative string) []string {
	var paragraphs []string
	for _, block := range strings.Split(narrative, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			paragraphs = append(paragraphs, block)
		}
	}
	return paragraphs
}
