package smtpd

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// inboundHeaders is what acceptance needs from the RFC 5322 header block:
// record metadata plus which trace-relevant headers the message already
// carries.
type inboundHeaders struct {
	MessageID string
	Subject   string
	HasDate   bool
}

// scanHeaders walks the header block line by line, stopping at the first
// empty line. Values are taken from the field's first line; folded
// continuations matter only for display, not for the record.
func scanHeaders(raw []byte) inboundHeaders {
	var h inboundHeaders

	rest := raw
	for len(rest) > 0 {
		line := rest
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i]
			rest = rest[i+1:]
		} else {
			rest = nil
		}
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}

		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		v := strings.TrimSpace(string(value))
		switch {
		case bytes.EqualFold(name, []byte("Message-ID")):
			if h.MessageID == "" {
				h.MessageID = v
			}
		case bytes.EqualFold(name, []byte("Subject")):
			if h.Subject == "" {
				h.Subject = v
			}
		case bytes.EqualFold(name, []byte("Date")):
			h.HasDate = true
		}
	}
	return h
}

// stampMessage prepends the inbound trace header and synthesizes
// Message-ID and Date when the origin omitted them. Returns the stamped
// bytes and the message-id the record will carry.
func stampMessage(raw []byte, helo, remoteIP, hostname string, now time.Time) ([]byte, string) {
	h := scanHeaders(raw)

	var b bytes.Buffer
	b.Grow(len(raw) + 256)

	fmt.Fprintf(&b, "Received: from %s (%s) by %s (mailhop) with ESMTP; %s\r\n",
		helo, remoteIP, hostname, now.Format(time.RFC1123Z))

	msgID := h.MessageID
	if msgID == "" {
		msgID = fmt.Sprintf("<%s@%s>", uuid.NewString(), hostname)
		fmt.Fprintf(&b, "Message-ID: %s\r\n", msgID)
	}
	if !h.HasDate {
		fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	}

	b.Write(raw)
	return b.Bytes(), msgID
}
