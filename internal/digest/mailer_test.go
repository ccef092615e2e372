package digest

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"horse.fit/chronicle/internal/config"
	"horse.fit/chronicle/internal/db"
)

func sampleEpisodes() []db.EpisodeWithConflict {
	return []db.EpisodeWithConflict{
		{
			ConflictName: "Border standoff",
			Summary:      "Shelling resumed along the border.",
			Narrative:    "Shelling resumed along the border.\n\nBoth sides blamed the other.",
			Confidence:   0.6,
			Sources: []db.EpisodeSourceRef{
				{Title: "Shelling resumes", SourceName: "Wire A", URL: "https://a.example/1"},
			},
		},
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	html, err := Render("2026-09-01", sampleEpisodes())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	for _, want := range []string{
		"Chronicle Daily Digest (2026-09-01)",
		"Border standoff",
		"<p>Both sides blamed the other.</p>",
		`<a href="https://a.example/1">Shelling resumes</a>`,
		"Confidence: 0.60",
	} {
		if !strings.Contains(html, want) {
			t.Fatalf("digest missing %q:\n%s", want, html)
		}
	}
}

func TestRenderEscapesHTML(t *testing.T) {
	t.Parallel()

	episodes := []db.EpisodeWithConflict{{
		ConflictName: "X",
		Narrative:    `<script>alert("x")</script>`,
	}}
	html, err := Render("2026-09-01", episodes)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Fatalf("narrative was not escaped:\n%s", html)
	}
}

func TestRenderEmptyDay(t *testing.T) {
	t.Parallel()

	html, err := Render("2026-09-01", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(html, "No conflict updates today.") {
		t.Fatalf("empty digest missing placeholder:\n%s", html)
	}
}

func TestSendDaily(t *testing.T) {
	t.Parallel()

	mailer := NewMailer(&config.Config{
		SMTPHost:         "smtp.example.com",
		SMTPPort:         587,
		SMTPUser:         "mailer",
		SMTPPassword:     "secret",
		DigestFrom:       "chronicle@example.com",
		DigestRecipients: "one@example.com, two@example.com",
	}, zerolog.Nop())

	var sent []string
	mailer.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		if addr != "smtp.example.com:587" {
			t.Errorf("addr = %q", addr)
		}
		if from != "chronicle@example.com" {
			t.Errorf("from = %q", from)
		}
		if !strings.Contains(string(msg), "Subject: Chronicle Daily Digest (2026-09-01)") {
			t.Errorf("message missing subject:\n%s", msg)
		}
		sent = append(sent, to...)
		return nil
	}

	if err := mailer.SendDaily(context.Background(), "2026-09-01", sampleEpisodes()); err != nil {
		t.Fatalf("SendDaily: %v", err)
	}
	if len(sent) != 2 || sent[0] != "one@example.com" || sent[1] != "two@example.com" {
		t.Fatalf("recipients = %v", sent)
	}
}

func TestSendDailyContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	mailer := NewMailer(&config.Config{
		SMTPHost:         "smtp.example.com",
		SMTPPort:         587,
		DigestFrom:       "chronicle@example.com",
		DigestRecipients: "bad@example.com,good@example.com",
	}, zerolog.Nop())

	var sent []string
	mailer.send = func(_ string, _ smtp.Auth, _ string, to []string, _ []byte) error {
		if to[0] == "bad@example.com" {
			return fmt.Errorf("mailbox unavailable")
		}
		sent = append(sent, to...)
		return nil
	}

	err := mailer.SendDaily(context.Background(), "2026-09-01", sampleEpisodes())
	if err == nil {
		t.Fatalf("expected first delivery error to surface")
	}
	if len(sent) != 1 || sent[0] != "good@example.com" {
		t.Fatalf("remaining recipients not attempted: %v", sent)
	}
}

func TestSendDailyUnconfigured(t *testing.T) {
	t.Parallel()

	mailer := NewMailer(&config.Config{}, zerolog.Nop())
	if err := mailer.SendDaily(context.Background(), "2026-09-01", nil); err == nil {
		t.Fatalf("expected error for missing smtp configuration")
	}
}
