// Package smtpd implements the inbound SMTP surface: a gated listener
// applying postscreen-style connection policy, and a go-smtp backend that
// resolves recipients against configured aliases and hands accepted mail
// to the forwarding engine.
package smtpd

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/mailhop/mailhop/internal/activity"
	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/forward"
	"github.com/mailhop/mailhop/internal/logging"
	"github.com/mailhop/mailhop/internal/metrics"
	"github.com/mailhop/mailhop/internal/queue"
	"github.com/mailhop/mailhop/internal/store"
	"github.com/mailhop/mailhop/internal/validation"
)

// Forwarder is the handoff surface the receiver drives once a message is
// fully read. *forward.Engine is the production implementation.
type Forwarder interface {
	SubmitForForwarding(ctx context.Context, msg *store.Message, raw []byte) error
	SubmitBounce(ctx context.Context, originalSender string, raw []byte) error
}

// Backend creates receiver sessions for inbound connections.
type Backend struct {
	cfg       *config.Config
	store     *store.Store
	queue     *queue.RedisQueue
	forwarder Forwarder
	activity  *activity.Logger
	log       *logging.Logger
}

// NewBackend wires the receiver. The activity logger may be nil.
func NewBackend(cfg *config.Config, st *store.Store, q *queue.RedisQueue, fwd Forwarder, act *activity.Logger, log *logging.Logger) *Backend {
	if log == nil {
		log = logging.Default()
	}
	return &Backend{
		cfg:       cfg,
		store:     st,
		queue:     q,
		forwarder: fwd,
		activity:  act,
		log:       log.SMTP(),
	}
}

// NewSession is called for each connection surviving the gate.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &Session{
		backend:  b,
		conn:     c,
		remoteIP: remoteIP(c.Conn()),
	}, nil
}

// rcptTarget is one accepted RCPT: either a configured destination billed
// to a domain, or an inbound bounce addressed to our bounce namespace.
type rcptTarget struct {
	addr         string
	domainID     int64
	orgID        int64
	aliasID      *int64
	forwardTo    string
	bounceSender string // non-empty for bounce-namespace recipients
}

// Session tracks one SMTP transaction.
type Session struct {
	backend  *Backend
	conn     *smtp.Conn
	remoteIP string

	from  string
	rcpts []rcptTarget
}

// lookupCtx bounds store and DNS work inside a single command.
func (s *Session) lookupCtx() (context.Context, context.CancelFunc) {
	timeout := s.backend.cfg.Server.LookupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// Mail validates the sender and applies the transaction-level gates:
// declared size against the ceiling and queue depth backpressure.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.cfg.Server.StartTLSMode == config.StartTLSRequired {
		if _, ok := s.conn.TLSConnectionState(); !ok {
			return &smtp.SMTPError{
				Code:         530,
				EnhancedCode: smtp.EnhancedCode{5, 7, 0},
				Message:      "Must issue a STARTTLS command first",
			}
		}
	}

	// The null sender is legitimate: delivery status notifications
	// arrive with it.
	if from != "" {
		normalized, err := validation.NormalizeAddress(from)
		if err != nil {
			return &smtp.SMTPError{
				Code:         501,
				EnhancedCode: smtp.EnhancedCode{5, 1, 7},
				Message:      "Invalid sender address",
			}
		}
		from = normalized
	}

	if max := s.backend.cfg.Server.MaxMessageBytes; max > 0 && opts != nil && opts.Size > max {
		metrics.RecordRejection("size")
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message size exceeds fixed maximum message size",
		}
	}

	if maxPending := s.backend.cfg.Queue.MaxPending; maxPending > 0 {
		ctx, cancel := s.lookupCtx()
		depth, err := s.backend.queue.Depth(ctx)
		cancel()
		if err != nil {
			// Queue visibility loss is not a reason to refuse mail; the
			// enqueue itself will tell.
			s.backend.log.Warn("queue depth check failed", "error", err.Error())
		} else if depth >= maxPending {
			metrics.RecordRejection("backpressure")
			return &smtp.SMTPError{
				Code:         452,
				EnhancedCode: smtp.EnhancedCode{4, 3, 2},
				Message:      "Mail queue full, try again later",
			}
		}
	}

	s.from = from
	return nil
}

// Rcpt resolves a recipient: bounce-namespace addresses by token
// validation, everything else through alias then catch-all lookup.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	normalized, err := validation.NormalizeAddress(to)
	if err != nil {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}
	local, domain, err := validation.SplitAddress(normalized)
	if err != nil {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}

	if forward.IsBounceAddress(local) && strings.EqualFold(domain, s.backend.cfg.Server.Hostname) {
		sender, err := forward.DecodeBounceAddress(s.backend.cfg.Bounce.TokenSecret, local)
		if err != nil {
			// Forged or stale token. Same reply as an unknown user so
			// the namespace is not probeable.
			metrics.RecordRejection("bad_bounce_token")
			s.backend.log.Warn("invalid bounce token", "remote", s.remoteIP)
			return errUserUnknown()
		}
		s.rcpts = append(s.rcpts, rcptTarget{addr: normalized, bounceSender: sender})
		return nil
	}

	ctx, cancel := s.lookupCtx()
	defer cancel()

	match, err := s.backend.store.LookupAlias(ctx, local, domain)
	if err == nil {
		return s.acceptRcpt(ctx, rcptTarget{
			addr:      normalized,
			domainID:  match.Domain.ID,
			orgID:     match.Organization.ID,
			aliasID:   &match.Alias.ID,
			forwardTo: match.Alias.Targets[0],
		})
	}
	if !errors.Is(err, store.ErrNotFound) {
		metrics.RecordError("smtpd", "lookup")
		s.backend.log.Error("alias lookup failed", "error", err.Error(), "recipient", normalized)
		return errTempLookup()
	}

	catchall, err := s.backend.store.LookupCatchAll(ctx, domain)
	if err == nil {
		return s.acceptRcpt(ctx, rcptTarget{
			addr:      normalized,
			domainID:  catchall.Domain.ID,
			orgID:     catchall.Organization.ID,
			forwardTo: catchall.Target,
		})
	}
	if !errors.Is(err, store.ErrNotFound) {
		metrics.RecordError("smtpd", "lookup")
		s.backend.log.Error("catch-all lookup failed", "error", err.Error(), "domain", domain)
		return errTempLookup()
	}

	metrics.RecordRejection("unknown_recipient")
	s.backend.log.Info("recipient rejected",
		"recipient", normalized,
		"remote", s.remoteIP,
	)
	return errUserUnknown()
}

// acceptRcpt applies the advisory quota check before recording the
// target. The authoritative check happens again at record creation.
func (s *Session) acceptRcpt(ctx context.Context, target rcptTarget) error {
	ok, err := s.backend.store.QuotaCheck(ctx, target.orgID, store.QuotaMessages)
	if err != nil {
		s.backend.log.Warn("quota check failed", "error", err.Error(), "org_id", target.orgID)
	} else if !ok {
		metrics.QuotaExceeded.Inc()
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 3, 1},
			Message:      "Message quota exceeded, try again later",
		}
	}

	s.rcpts = append(s.rcpts, target)
	return nil
}

// Data reads the message into the bounded buffer, stamps trace headers
// and hands one record per accepted recipient to the forwarder. The 250
// goes out as soon as every record is durable; delivery is asynchronous.
func (s *Session) Data(r io.Reader) error {
	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	}

	max := s.backend.cfg.Server.MaxMessageBytes
	if max <= 0 {
		max = 25 * 1024 * 1024
	}
	raw, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > max {
		metrics.RecordRejection("size")
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message size exceeds fixed maximum message size",
		}
	}

	stamped, msgID := stampMessage(raw, s.conn.Hostname(), s.remoteIP,
		s.backend.cfg.Server.Hostname, time.Now())
	headers := scanHeaders(raw)

	ctx, cancel := s.lookupCtx()
	defer cancel()

	for _, rcpt := range s.rcpts {
		if rcpt.bounceSender != "" {
			if err := s.backend.forwarder.SubmitBounce(ctx, rcpt.bounceSender, stamped); err != nil {
				s.backend.log.Error("bounce handoff failed", "error", err.Error())
				return errTempLookup()
			}
			s.backend.log.Info("bounce routed",
				"original_sender", rcpt.bounceSender,
				"remote", s.remoteIP,
			)
			continue
		}

		msg := &store.Message{
			MessageID: msgID,
			DomainID:  rcpt.domainID,
			AliasID:   rcpt.aliasID,
			Sender:    s.from,
			Recipient: rcpt.addr,
			ForwardTo: rcpt.forwardTo,
			Subject:   headers.Subject,
		}
		if err := s.backend.forwarder.SubmitForForwarding(ctx, msg, stamped); err != nil {
			if errors.Is(err, store.ErrQuotaExceeded) {
				metrics.QuotaExceeded.Inc()
				s.logRejected(ctx, rcpt, "quota exceeded")
				return &smtp.SMTPError{
					Code:         452,
					EnhancedCode: smtp.EnhancedCode{4, 3, 1},
					Message:      "Message quota exceeded, try again later",
				}
			}
			s.backend.log.Error("message handoff failed", "error", err.Error(), "recipient", rcpt.addr)
			return errTempLookup()
		}

		metrics.MessagesReceived.Inc()
		s.backend.log.Info("message accepted",
			"message_id", msg.ID,
			"from", s.from,
			"recipient", rcpt.addr,
			"forward_to", rcpt.forwardTo,
			"size", len(stamped),
			"remote", s.remoteIP,
		)
	}

	return nil
}

func (s *Session) logRejected(ctx context.Context, rcpt rcptTarget, reason string) {
	metrics.RecordCompletion("rejected")
	s.backend.activity.Log(ctx, rcpt.orgID, activity.EventMessageRejected, rcpt.addr,
		map[string]interface{}{"reason": reason}, s.remoteIP)
}

// Reset clears transaction state after RSET or a completed DATA.
func (s *Session) Reset() {
	s.from = ""
	s.rcpts = nil
}

// Logout is called when the connection closes.
func (s *Session) Logout() error {
	return nil
}

func errUserUnknown() error {
	return &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "User unknown",
	}
}

func errTempLookup() error {
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary local error, try again later",
	}
}
