// Package notify emails a run summary when scenarios fail.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/resend/resend-go/v3"

	"github.com/kuitang/sitecheck/internal/harness"
	"github.com/kuitang/sitecheck/internal/obs"
	"github.com/kuitang/sitecheck/internal/report"
)

// Message is one outgoing email.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ResendSender implements Sender using the Resend API.
type ResendSender struct {
	client      *resend.Client
	fromAddress string
}

// NewResendSender creates a sender. fromAddress must be verified in Resend.
func NewResendSender(apiKey, fromAddress string) *ResendSender {
	return &ResendSender{
		client:      resend.NewClient(apiKey),
		fromAddress: fromAddress,
	}
}

func (r *ResendSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &resend.SendEmailRequest{
		From:    r.fromAddress,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}
	if _, err := r.client.Emails.Send(params); err != nil {
		return fmt.Errorf("resend: failed to send email: %w", err)
	}
	return nil
}

// MockSender captures messages instead of sending them.
type MockSender struct {
	mu       sync.Mutex
	Messages []Message
	// Err, when set, is returned by Send after capturing.
	Err error
}

func (m *MockSender) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, msg)
	obs.From(ctx).Info("mock email", "to", strings.Join(msg.To, ","), "subject", msg.Subject)
	return m.Err
}

// Last returns the most recent message, or the zero value.
func (m *MockSender) Last() Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Messages) == 0 {
		return Message{}
	}
	return m.Messages[len(m.Messages)-1]
}

// Count returns the number of captured messages.
func (m *MockSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Messages)
}

// Notifier mails a report to a fixed recipient list.
type Notifier struct {
	Sender Sender
	To     []string
}

// Notify sends the report when any scenario failed. reportURL, when set, is
// linked from the message. It reports whether a message was sent.
func (n *Notifier) Notify(ctx context.Context, b harness.Batch, reportURL string) (bool, error) {
	if !b.Failed() || len(n.To) == 0 {
		return false, nil
	}
	msg := Compose(b, reportURL)
	msg.To = n.To
	if err := n.Sender.Send(ctx, msg); err != nil {
		return false, err
	}
	obs.From(ctx).Info("failure notification sent", "recipients", len(n.To))
	return true, nil
}

// Compose builds the subject and bodies for b.
func Compose(b harness.Batch, reportURL string) Message {
	sum := report.Summarize(b)
	subject := fmt.Sprintf("sitecheck: %d of %d scenarios failed", sum.Failed, sum.Scenarios)
	if b.RunID != "" {
		subject += " (run " + shortID(b.RunID) + ")"
	}

	var text bytes.Buffer
	_ = report.WriteText(&text, b, report.Options{})
	htmlBody := string(report.HTML(b))
	if reportURL != "" {
		fmt.Fprintf(&text, "\nFull report: %s\n", reportURL)
		link := fmt.Sprintf(`<p><a href="%s">Full report</a></p>`, htmlAttr(reportURL))
		htmlBody = strings.Replace(htmlBody, "</body>", link+"</body>", 1)
	}
	return Message{Subject: subject, HTML: htmlBody, Text: text.String()}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var attrEscaper = strings.NewReplacer(`&`, "&amp;", `"`, "&#34;", `<`, "&lt;", `>`, "&gt;")

func htmlAttr(s string) string { return attrEscaper.Replace(s) }
