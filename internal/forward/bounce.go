package forward

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/mailhop/mailhop/internal/store"
)

// maxQuotedHeaders bounds the original-headers section of a notification
// so a pathological inbound message cannot produce a huge bounce.
const maxQuotedHeaders = 4096

// BounceGenerator renders delivery status notifications for messages the
// service gives up on.
type BounceGenerator struct {
	hostname   string
	postmaster string
	template   *template.Template
}

// NewBounceGenerator creates a notification generator announcing hostname
// as the reporting MTA.
func NewBounceGenerator(hostname string) *BounceGenerator {
	tmpl := template.Must(template.New("bounce").Parse(bounceTemplate))
	return &BounceGenerator{
		hostname:   hostname,
		postmaster: "postmaster@" + hostname,
		template:   tmpl,
	}
}

type bounceData struct {
	MessageID       string
	Date            string
	ArrivalDate     string
	From            string
	To              string
	Recipient       string
	Status          string
	Diagnostic      string
	Hostname        string
	OriginalHeaders string
}

// Generate renders a multipart/report DSN for a failed record. raw is the
// spooled original message; its headers are quoted in the last part. The
// notification names the alias the sender wrote to, never the forwarding
// target behind it.
func (g *BounceGenerator) Generate(rec *store.Message, raw []byte, code int, detail string) ([]byte, error) {
	now := time.Now()
	data := bounceData{
		MessageID:       fmt.Sprintf("<%d.bounce@%s>", now.UnixNano(), g.hostname),
		Date:            now.Format(time.RFC1123Z),
		ArrivalDate:     rec.CreatedAt.Format(time.RFC1123Z),
		From:            g.postmaster,
		To:              rec.Sender,
		Recipient:       rec.Recipient,
		Status:          statusFor(code),
		Diagnostic:      detail,
		Hostname:        g.hostname,
		OriginalHeaders: quoteHeaders(raw),
	}

	var buf bytes.Buffer
	if err := g.template.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering bounce: %w", err)
	}
	return buf.Bytes(), nil
}

// ShouldBounce reports whether a notification may be sent to sender.
// Null senders, system addresses and anything in a bounce namespace are
// suppressed so a failing notification can never breed another one.
func ShouldBounce(sender string) bool {
	if sender == "" {
		return false
	}
	sender = strings.ToLower(sender)
	if strings.HasPrefix(sender, "postmaster@") ||
		strings.HasPrefix(sender, "mailer-daemon@") ||
		strings.HasPrefix(sender, "noreply@") ||
		strings.HasPrefix(sender, "no-reply@") ||
		strings.HasPrefix(sender, bouncePrefix) {
		return false
	}
	return true
}

// statusFor maps the final SMTP reply code to an RFC 3463 enhanced status.
// A record abandoned after transient retries has no 5xx code and reports
// 4.4.7 (delivery time expired).
func statusFor(code int) string {
	switch code {
	case 550:
		return "5.1.1"
	case 551:
		return "5.1.6"
	case 552:
		return "5.2.2"
	case 553:
		return "5.1.3"
	case 554:
		return "5.7.1"
	default:
		if code >= 500 && code < 600 {
			return "5.0.0"
		}
		return "4.4.7"
	}
}

// quoteHeaders extracts the header block of the original message for the
// text/rfc822-headers part, truncated to keep notifications small.
func quoteHeaders(raw []byte) string {
	headers := raw
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx > 0 {
		headers = raw[:idx]
	} else if idx := bytes.Index(raw, []byte("\n\n")); idx > 0 {
		headers = raw[:idx]
	}
	if len(headers) > maxQuotedHeaders {
		return string(headers[:maxQuotedHeaders]) + "\r\n[... truncated ...]"
	}
	return string(headers)
}

const bounceTemplate = `From: Mail Delivery System <{{.From}}>
To: <{{.To}}>
Subject: Undelivered Mail Returned to Sender
Date: {{.Date}}
Message-ID: {{.MessageID}}
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="=_bounce_boundary"
Auto-Submitted: auto-replied

--=_bounce_boundary
Content-Type: text/plain; charset=utf-8

This is the mail delivery system at {{.Hostname}}.

I'm sorry to inform you that your message could not be delivered to:

    {{.Recipient}}

Reason: {{.Diagnostic}}

The message will not be retried. If this problem persists, please
contact the address owner or your mail administrator.

--=_bounce_boundary
Content-Type: message/delivery-status

Reporting-MTA: dns; {{.Hostname}}
Arrival-Date: {{.ArrivalDate}}

Original-Recipient: rfc822; {{.Recipient}}
Final-Recipient: rfc822; {{.Recipient}}
Action: failed
Status: {{.Status}}
Diagnostic-Code: smtp; {{.Diagnostic}}

--=_bounce_boundary
Content-Type: text/rfc822-headers

{{.OriginalHeaders}}

--=_bounce_boundary--
`
