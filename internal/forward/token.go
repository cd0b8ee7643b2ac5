package forward

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"strings"
)

// ErrBadToken is returned when a bounce local part does not decode or its
// MAC does not verify.
var ErrBadToken = errors.New("invalid bounce token")

const (
	bouncePrefix = "bounce+"

	// tokenMACLen truncates the HMAC-SHA256 to keep the local part short.
	// 80 bits is far beyond what an off-path forger can grind through SMTP.
	tokenMACLen = 10
)

// tokenEncoding is lowercase base32 without padding. SMTP transports and
// receivers routinely case-fold local parts, so the token alphabet has to
// survive ToLower unchanged.
var tokenEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// EncodeBounceAddress builds the service-owned envelope sender for a
// forwarded message: bounce+<sender>.<mac>@<hostname>. The token carries
// the original sender for bounce routing and a truncated HMAC binding it
// to the secret.
func EncodeBounceAddress(secret, hostname, sender string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sender))
	sum := mac.Sum(nil)[:tokenMACLen]

	var b strings.Builder
	b.WriteString(bouncePrefix)
	b.WriteString(tokenEncoding.EncodeToString([]byte(sender)))
	b.WriteByte('.')
	b.WriteString(tokenEncoding.EncodeToString(sum))
	b.WriteByte('@')
	b.WriteString(hostname)
	return b.String()
}

// IsBounceAddress reports whether the local part belongs to the bounce
// namespace.
func IsBounceAddress(localPart string) bool {
	return len(localPart) > len(bouncePrefix) &&
		strings.EqualFold(localPart[:len(bouncePrefix)], bouncePrefix)
}

// DecodeBounceAddress recovers the original sender from a bounce local
// part. Tokens that fail to parse or whose MAC does not verify are
// rejected with ErrBadToken.
func DecodeBounceAddress(secret, localPart string) (string, error) {
	lp := strings.ToLower(localPart)
	if !strings.HasPrefix(lp, bouncePrefix) {
		return "", ErrBadToken
	}

	senderPart, macPart, ok := strings.Cut(lp[len(bouncePrefix):], ".")
	if !ok {
		return "", ErrBadToken
	}

	sender, err := tokenEncoding.DecodeString(senderPart)
	if err != nil {
		return "", ErrBadToken
	}
	got, err := tokenEncoding.DecodeString(macPart)
	if err != nil {
		return "", ErrBadToken
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(sender)
	want := mac.Sum(nil)[:tokenMACLen]
	if !hmac.Equal(got, want) {
		return "", ErrBadToken
	}
	return string(sender), nil
}
