// Package deliver executes outbound SMTP conversations. The router takes a
// prepared message and a route, speaks the protocol to either the recipient
// domain's MX hosts or the configured relay, and classifies the outcome so
// callers can settle or reschedule the message record.
package deliver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"golang.org/x/sync/semaphore"

	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/dnsx"
	"github.com/mailhop/mailhop/internal/logging"
	"github.com/mailhop/mailhop/internal/metrics"
	"github.com/mailhop/mailhop/internal/resilience"
)

// smtpPort is a variable so tests can point direct delivery at a loopback
// server.
var smtpPort = "25"

// Class buckets a delivery outcome for retry decisions.
type Class int

const (
	// ClassDelivered means the remote server accepted the message.
	ClassDelivered Class = iota
	// ClassTransient covers 4xx replies and network-level failures. The
	// attempt is worth repeating.
	ClassTransient
	// ClassPermanent covers 5xx replies. Retrying cannot help.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassDelivered:
		return "delivered"
	case ClassTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Result describes the outcome of one delivery attempt. Code is the SMTP
// reply code when the remote produced one; Detail feeds the message
// record's last-error field.
type Result struct {
	Class  Class
	Code   int
	Detail string
}

// Delivered reports whether the attempt succeeded.
func (r Result) Delivered() bool { return r.Class == ClassDelivered }

// Router executes outbound deliveries over the direct or relay route.
type Router struct {
	config   config.DeliveryConfig
	hostname string
	resolver *dnsx.Resolver
	breakers *resilience.Registry
	domains  *domainLimiter
	log      *logging.Logger
}

// NewRouter creates a delivery router. hostname is announced in EHLO.
func NewRouter(cfg config.DeliveryConfig, hostname string, resolver *dnsx.Resolver, log *logging.Logger) *Router {
	return &Router{
		config:   cfg,
		hostname: hostname,
		resolver: resolver,
		breakers: resilience.NewRegistry(func(host string) resilience.Config {
			c := resilience.DefaultConfig(host)
			c.IsFailure = hostFailure
			return c
		}),
		domains: newDomainLimiter(cfg.DomainConcurrency),
		log:     log.Delivery(),
	}
}

// Deliver sends data for recipient over the given route. The returned
// error reports misuse (unknown route, malformed recipient); every
// protocol or network outcome is expressed through the Result.
func (r *Router) Deliver(ctx context.Context, route, sender, recipient string, data []byte) (Result, error) {
	domain := domainOf(recipient)
	if domain == "" {
		return Result{}, fmt.Errorf("deliver: recipient %q has no domain", recipient)
	}

	start := time.Now()
	var res Result
	switch route {
	case config.DeliveryDirect:
		res = r.deliverDirect(ctx, sender, recipient, domain, data)
	case config.DeliveryRelay:
		if r.config.RelayHost == "" {
			return Result{}, errors.New("deliver: relay route selected but no relay host configured")
		}
		res = r.deliverRelay(ctx, sender, recipient, data)
	default:
		return Result{}, fmt.Errorf("deliver: unknown route %q", route)
	}

	metrics.RecordDelivery(route, time.Since(start).Seconds())
	return res, nil
}

// deliverDirect resolves the recipient domain's MX hosts and tries each in
// preference order until one gives a definitive answer.
func (r *Router) deliverDirect(ctx context.Context, sender, recipient, domain string, data []byte) Result {
	sem := r.domains.get(domain)
	if err := sem.Acquire(ctx, 1); err != nil {
		return Result{Class: ClassTransient, Detail: "waiting for delivery slot: " + err.Error()}
	}
	defer sem.Release(1)

	mxs, err := r.resolver.LookupMX(ctx, domain)
	if err != nil {
		if dnsx.IsNotFound(err) {
			return Result{Class: ClassPermanent, Detail: "domain " + domain + " does not exist"}
		}
		return Result{Class: ClassTransient, Detail: "MX lookup for " + domain + " failed: " + err.Error()}
	}

	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		if mx.Host != "" {
			hosts = append(hosts, mx.Host)
		}
	}
	// A single empty exchanger is a null MX (RFC 7505): the domain
	// explicitly refuses mail.
	if len(hosts) == 0 {
		return Result{Class: ClassPermanent, Detail: "domain " + domain + " does not accept mail (null MX)"}
	}

	var last Result
	for _, host := range hosts {
		res := r.tryExchanger(ctx, host, sender, recipient, data)
		if res.Class != ClassTransient {
			return res
		}
		r.log.DebugContext(ctx, "exchanger attempt failed",
			"host", host,
			"domain", domain,
			"detail", res.Detail,
		)
		last = res
	}

	// All exchangers exhausted without a definitive answer.
	return last
}

// tryExchanger runs one conversation with a single MX host through its
// circuit breaker.
func (r *Router) tryExchanger(ctx context.Context, host, sender, recipient string, data []byte) Result {
	breaker := r.breakers.Get(host)
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return r.exchange(ctx, host, sender, recipient, data)
	})
	return classify(host, err)
}

// exchange resolves the exchanger's addresses and tries each until the
// server produces a reply or the addresses run out.
func (r *Router) exchange(ctx context.Context, host, sender, recipient string, data []byte) error {
	ips, err := r.resolver.LookupAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", host, err)
	}

	var lastErr error
	for _, ip := range ips {
		lastErr = r.converse(ctx, endpoint{
			host: host,
			addr: net.JoinHostPort(ip.String(), smtpPort),
		}, sender, recipient, data)
		if lastErr == nil {
			return nil
		}
		// A structured reply is the server's answer; other addresses of
		// the same host will say the same thing.
		var smtpErr *smtp.SMTPError
		if errors.As(lastErr, &smtpErr) {
			return lastErr
		}
	}
	return lastErr
}

// deliverRelay runs the conversation against the configured smarthost.
// STARTTLS is mandatory on this path and credentials are presented when
// configured.
func (r *Router) deliverRelay(ctx context.Context, sender, recipient string, data []byte) Result {
	host := r.config.RelayHost
	breaker := r.breakers.Get(host)
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return r.converse(ctx, endpoint{
			host:       host,
			addr:       net.JoinHostPort(host, strconv.Itoa(r.config.RelayPort)),
			requireTLS: true,
			user:       r.config.RelayUser,
			pass:       r.config.RelayPass,
		}, sender, recipient, data)
	})
	return classify(host, err)
}

// endpoint describes one outbound SMTP target.
type endpoint struct {
	host       string // name used for SNI and error reporting
	addr       string // dial target, host:port
	requireTLS bool   // fail closed when STARTTLS is not offered
	user, pass string // non-empty user enables AUTH
}

// converse runs one complete SMTP session: dial, EHLO, STARTTLS, optional
// AUTH, MAIL, RCPT, DATA, QUIT. A nil return means the message was
// accepted.
func (r *Router) converse(ctx context.Context, ep endpoint, sender, recipient string, data []byte) error {
	dialer := &net.Dialer{Timeout: r.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", ep.addr, err)
	}

	c := smtp.NewClient(conn)
	defer c.Close()
	c.CommandTimeout = r.config.CommandTimeout
	c.SubmissionTimeout = 2 * r.config.CommandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := c.Hello(r.hostname); err != nil {
		return fmt.Errorf("greeting %s: %w", ep.host, err)
	}

	// STARTTLS is mandatory whenever the server offers it; a failed
	// handshake never falls back to plaintext.
	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName:         ep.host,
			InsecureSkipVerify: !r.config.VerifyTLS,
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls with %s: %w", ep.host, err)
		}
	} else if ep.requireTLS {
		return fmt.Errorf("relay %s does not offer STARTTLS", ep.host)
	}

	if ep.user != "" {
		if err := authenticate(c, ep.user, ep.pass); err != nil {
			return &authError{host: ep.host, err: err}
		}
	}

	if err := c.Mail(sender, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := c.Rcpt(recipient, nil); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing message to %s: %w", ep.host, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}

	// The message is accepted at this point; a QUIT error changes nothing.
	_ = c.Quit()
	return nil
}

// authenticate runs AUTH with the PLAIN mechanism, falling back to LOGIN
// when PLAIN is rejected or not offered.
func authenticate(c *smtp.Client, user, pass string) error {
	_, mechs := c.Extension("AUTH")
	offersLogin := strings.Contains(mechs, sasl.Login)

	if mechs != "" && !strings.Contains(mechs, sasl.Plain) && offersLogin {
		return c.Auth(sasl.NewLoginClient(user, pass))
	}

	err := c.Auth(sasl.NewPlainClient("", user, pass))
	if err != nil && offersLogin {
		if loginErr := c.Auth(sasl.NewLoginClient(user, pass)); loginErr == nil {
			return nil
		}
	}
	return err
}

// authError marks an AUTH failure. Credentials are operator configuration,
// not a property of the message, so these classify as transient even when
// the relay replied 535.
type authError struct {
	host string
	err  error
}

func (e *authError) Error() string { return "authenticating to " + e.host + ": " + e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

// classify maps a conversation error to a Result.
func classify(host string, err error) Result {
	if err == nil {
		return Result{Class: ClassDelivered, Code: 250, Detail: "accepted by " + host}
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return Result{Class: ClassTransient, Detail: host + " deferred: circuit open"}
	}
	var authErr *authError
	if errors.As(err, &authErr) {
		return Result{Class: ClassTransient, Detail: err.Error()}
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		res := Result{Code: smtpErr.Code, Detail: host + ": " + err.Error()}
		switch {
		case smtpErr.Code == 552:
			// Historic over-quota reply, treated as 452 per RFC 5321
			// section 4.5.3.1.10.
			res.Class = ClassTransient
		case smtpErr.Code/100 == 5:
			res.Class = ClassPermanent
		default:
			res.Class = ClassTransient
		}
		return res
	}
	return Result{Class: ClassTransient, Detail: err.Error()}
}

// hostFailure reports whether an error counts against the host's circuit
// breaker. A structured SMTP reply means the host is alive, with 421 as
// the exception since it signals connection-level distress. Network and
// TLS failures always count.
func hostFailure(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code == 421
	}
	return true
}

// domainLimiter caps concurrent outbound sessions per recipient domain so
// bursts do not trip far-end rate limits.
type domainLimiter struct {
	mu    sync.Mutex
	slots int64
	sems  map[string]*semaphore.Weighted
}

func newDomainLimiter(slots int64) *domainLimiter {
	if slots < 1 {
		slots = 1
	}
	return &domainLimiter{
		slots: slots,
		sems:  make(map[string]*semaphore.Weighted),
	}
}

func (l *domainLimiter) get(domain string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[domain]
	if !ok {
		sem = semaphore.NewWeighted(l.slots)
		l.sems[domain] = sem
	}
	return sem
}

// domainOf extracts the lowercase domain from an address. Empty means the
// address is unusable.
func domainOf(addr string) string {
	idx := strings.LastIndex(addr, "@")
	if idx < 0 || idx == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[idx+1:])
}
