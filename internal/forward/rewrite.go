package forward

import (
	"bytes"
	"fmt"
	"time"

	"github.com/mailhop/mailhop/internal/store"
)

// rewriteMessage produces the outbound copy of a spooled message: the
// forwarding hop's Received header and the X-Forwarded pair are prepended,
// and a Reply-To pointing back at the original sender is added when the
// message carries none. The From header is never touched; the envelope
// rewrite is what keeps SPF aligned, not the visible sender.
func rewriteMessage(raw []byte, rec *store.Message, hostname string, now time.Time) []byte {
	var b bytes.Buffer
	b.Grow(len(raw) + 256)

	fmt.Fprintf(&b, "Received: by %s (mailhop) with ESMTP id %s for <%s>; %s\r\n",
		hostname, rec.ID, rec.ForwardTo, now.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "X-Forwarded-For: %s\r\n", rec.Recipient)
	fmt.Fprintf(&b, "X-Forwarded-To: %s\r\n", rec.ForwardTo)
	if rec.Sender != "" && !hasHeader(raw, "Reply-To") {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", rec.Sender)
	}

	b.Write(raw)
	return b.Bytes()
}

// hasHeader reports whether the message's header block contains a header
// with the given name. Folded continuation lines are skipped; the scan
// stops at the first empty line so body text never matches.
func hasHeader(raw []byte, name string) bool {
	prefix := []byte(name + ":")
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
			return false
		}
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}
		if len(line) >= len(prefix) && bytes.EqualFold(line[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}
