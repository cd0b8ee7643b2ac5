// Package dnsx provides a TTL-caching DNS resolver used for outbound
// delivery (MX resolution) and domain verification (TXT lookups). Queries
// go straight to the configured nameserver instead of through the system
// resolver, so record TTLs stay visible for caching.
package dnsx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/metrics"
)

// edns0BufferSize is advertised in queries so responses up to this size
// arrive over UDP without truncation.
const edns0BufferSize = 4096

// Kind classifies lookup failures for retry decisions.
type Kind int

const (
	KindTransport Kind = iota // network-level failure
	KindNXDOMAIN              // name does not exist
	KindSERVFAIL              // server-side failure
	KindTimeout               // query deadline exceeded
)

func (k Kind) String() string {
	switch k {
	case KindNXDOMAIN:
		return "nxdomain"
	case KindSERVFAIL:
		return "servfail"
	case KindTimeout:
		return "timeout"
	default:
		return "transport"
	}
}

// RCodeError is returned when the response RCODE is not NOERROR.
type RCodeError struct {
	Name string
	Code int
}

func (e RCodeError) Error() string {
	switch e.Code {
	case dns.RcodeNameError:
		return "dns: rcode NXDOMAIN when looking up " + e.Name
	case dns.RcodeServerFailure:
		return "dns: rcode SERVFAIL when looking up " + e.Name
	case dns.RcodeRefused:
		return "dns: rcode REFUSED when looking up " + e.Name
	}
	return "dns: non-success rcode " + strconv.Itoa(e.Code) + " when looking up " + e.Name
}

func (e RCodeError) Temporary() bool {
	return e.Code != dns.RcodeNameError
}

// Classify maps a lookup error to a failure kind. Non-NXDOMAIN response
// codes (SERVFAIL, REFUSED) count as server failures; everything that
// never produced a response is a timeout or transport failure.
func Classify(err error) Kind {
	var rcodeErr RCodeError
	if errors.As(err, &rcodeErr) {
		if rcodeErr.Code == dns.RcodeNameError {
			return KindNXDOMAIN
		}
		return KindSERVFAIL
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}

// IsNotFound reports whether err means the name does not exist, as opposed
// to the lookup having failed.
func IsNotFound(err error) bool {
	var rcodeErr RCodeError
	if errors.As(err, &rcodeErr) {
		return rcodeErr.Code == dns.RcodeNameError
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}

// Temporary reports whether a lookup error is worth retrying. NXDOMAIN is
// the only permanent classification.
func Temporary(err error) bool {
	return Classify(err) != KindNXDOMAIN
}

// MX is a mail exchanger for a domain. Lower Pref is tried first.
type MX struct {
	Host string
	Pref uint16
}

// Resolver caches responses keyed by (name, qtype) with LRU eviction.
// Concurrent lookups for the same key are coalesced into a single query.
type Resolver struct {
	nameserver string
	udp        *dns.Client
	tcp        *dns.Client

	cache *lruCache
	group singleflight.Group

	negativeTTL time.Duration
	minTTL      time.Duration
	maxTTL      time.Duration
}

// NewResolver creates a resolver against cfg.Nameserver, or the first
// server in /etc/resolv.conf when unset.
func NewResolver(cfg config.DNSConfig) *Resolver {
	nameserver := cfg.Nameserver
	if nameserver == "" || nameserver == "system" {
		nameserver = systemNameserver()
	}
	if !strings.Contains(nameserver, ":") {
		nameserver += ":53"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 4096
	}
	negativeTTL := cfg.NegativeTTL
	if negativeTTL <= 0 {
		negativeTTL = 60 * time.Second
	}
	minTTL := cfg.MinTTL
	if minTTL <= 0 {
		minTTL = 10 * time.Second
	}
	maxTTL := cfg.MaxTTL
	if maxTTL < minTTL {
		maxTTL = time.Hour
	}

	return &Resolver{
		nameserver:  nameserver,
		udp:         &dns.Client{Timeout: timeout},
		tcp:         &dns.Client{Net: "tcp", Timeout: timeout},
		cache:       newLRUCache(size),
		negativeTTL: negativeTTL,
		minTTL:      minTTL,
		maxTTL:      maxTTL,
	}
}

// systemNameserver reads the first resolver from /etc/resolv.conf, falling
// back to localhost.
func systemNameserver() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err == nil && len(conf.Servers) > 0 {
		return net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	return "127.0.0.1:53"
}

// Resolve returns the answer records for (name, qtype), consulting the
// cache first. Cached NXDOMAIN entries are returned as errors until they
// expire; server failures and transport errors are never cached.
func (r *Resolver) Resolve(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	key := strings.ToLower(dns.Fqdn(name)) + " " + dns.TypeToString[qtype]

	if entry, ok := r.cache.get(key, time.Now()); ok {
		metrics.DNSCacheHits.Inc()
		return entry.answers, entry.err
	}
	metrics.DNSCacheMisses.Inc()

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.query(ctx, key, name, qtype)
	})
	if err != nil {
		return nil, err
	}
	return v.([]dns.RR), nil
}

func (r *Resolver) query(ctx context.Context, key, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true
	m.SetEdns0(edns0BufferSize, false)

	resp, _, err := r.udp.ExchangeContext(ctx, m, r.nameserver)
	if err == nil && resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(ctx, m, r.nameserver)
	}
	if err != nil {
		return nil, fmt.Errorf("dns: query %s %s: %w", name, dns.TypeToString[qtype], err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		rcodeErr := RCodeError{Name: name, Code: resp.Rcode}
		if resp.Rcode == dns.RcodeNameError {
			r.cache.put(key, nil, rcodeErr, time.Now().Add(r.negativeTTL))
		}
		return nil, rcodeErr
	}

	answers := make([]dns.RR, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		if rr.Header().Class != dns.ClassINET {
			continue
		}
		answers = append(answers, rr)
	}

	r.cache.put(key, answers, nil, time.Now().Add(r.answerTTL(answers)))
	return answers, nil
}

// answerTTL derives the cache lifetime from the minimum answer TTL,
// clamped to [minTTL, maxTTL]. Empty answer sets use the negative TTL.
func (r *Resolver) answerTTL(answers []dns.RR) time.Duration {
	if len(answers) == 0 {
		return r.negativeTTL
	}
	min := answers[0].Header().Ttl
	for _, rr := range answers[1:] {
		if rr.Header().Ttl < min {
			min = rr.Header().Ttl
		}
	}
	ttl := time.Duration(min) * time.Second
	if ttl < r.minTTL {
		return r.minTTL
	}
	if ttl > r.maxTTL {
		return r.maxTTL
	}
	return ttl
}

// LookupMX resolves the mail exchangers for a domain, sorted by
// preference. Domains that exist but publish no MX records fall back to
// the domain itself per RFC 5321.
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	answers, err := r.Resolve(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	records := make([]MX, 0, len(answers))
	for _, rr := range answers {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		records = append(records, MX{
			Host: strings.TrimSuffix(mx.Mx, "."),
			Pref: mx.Preference,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	if len(records) == 0 {
		records = append(records, MX{Host: domain, Pref: 0})
	}
	return records, nil
}

// LookupTXT returns the TXT records for a name. Records split across
// multiple character strings are joined.
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	answers, err := r.Resolve(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	records := make([]string, 0, len(answers))
	for _, rr := range answers {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		records = append(records, strings.Join(txt.Txt, ""))
	}
	return records, nil
}

// LookupAddr resolves a host to its A and AAAA addresses. A failure in one
// address family is disregarded when the other yields addresses.
func (r *Resolver) LookupAddr(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP

	v4, errA := r.Resolve(ctx, host, dns.TypeA)
	for _, rr := range v4 {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}

	v6, errAAAA := r.Resolve(ctx, host, dns.TypeAAAA)
	for _, rr := range v6 {
		if aaaa, ok := rr.(*dns.AAAA); ok {
			ips = append(ips, aaaa.AAAA)
		}
	}

	if len(ips) == 0 {
		if errA != nil {
			return nil, errA
		}
		if errAAAA != nil {
			return nil, errAAAA
		}
		return nil, fmt.Errorf("dns: no A or AAAA records for %s", host)
	}
	return ips, nil
}

// LookupPTR returns the reverse-DNS names for an IP address.
func (r *Resolver) LookupPTR(ctx context.Context, addr string) ([]string, error) {
	reverse, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("dns: reverse address for %s: %w", addr, err)
	}

	answers, err := r.Resolve(ctx, reverse, dns.TypePTR)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(answers))
	for _, rr := range answers {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
	}
	return names, nil
}
