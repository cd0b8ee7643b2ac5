package smtpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mailhop/mailhop/internal/activity"
	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/dnsx"
	"github.com/mailhop/mailhop/internal/logging"
	"github.com/mailhop/mailhop/internal/metrics"
)

// dnsblGrace bounds how long a connection waits on a slow DNSBL after the
// pregreet window has already passed. Lists that cannot answer by then
// fail open.
const dnsblGrace = 500 * time.Millisecond

// gate wraps a TCP listener with pre-session policy: concurrency caps,
// per-IP connection rates, pregreet detection and DNSBL lookups. A
// connection surfaces through Accept only after passing every check;
// rejected clients get a single reply line and are closed before the
// SMTP engine ever sees them.
type gate struct {
	inner    net.Listener
	cfg      config.ServerConfig
	resolver *dnsx.Resolver
	activity *activity.Logger
	log      *logging.Logger
	rate     *rateLimiter

	mu    sync.Mutex
	total int
	perIP map[string]int

	passed    chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newGate(inner net.Listener, cfg config.ServerConfig, resolver *dnsx.Resolver, act *activity.Logger, log *logging.Logger) *gate {
	g := &gate{
		inner:    inner,
		cfg:      cfg,
		resolver: resolver,
		activity: act,
		log:      log,
		rate:     newRateLimiter(cfg.ConnectionRate, cfg.ConnectionRateWindow),
		perIP:    make(map[string]int),
		passed:   make(chan net.Conn),
		closed:   make(chan struct{}),
	}
	go g.acceptLoop()
	return g
}

func (g *gate) Accept() (net.Conn, error) {
	select {
	case conn := <-g.passed:
		return conn, nil
	case <-g.closed:
		return nil, net.ErrClosed
	}
}

func (g *gate) Close() error {
	g.closeOnce.Do(func() {
		close(g.closed)
		g.closeErr = g.inner.Close()
		g.rate.Close()
	})
	return g.closeErr
}

func (g *gate) Addr() net.Addr {
	return g.inner.Addr()
}

func (g *gate) acceptLoop() {
	for {
		conn, err := g.inner.Accept()
		if err != nil {
			select {
			case <-g.closed:
			default:
				g.log.Error("accepting connection", "error", err.Error())
			}
			return
		}

		ip := remoteIP(conn)

		g.mu.Lock()
		if g.cfg.MaxConnections > 0 && g.total >= g.cfg.MaxConnections {
			g.mu.Unlock()
			metrics.RecordConnectionRejected("maxconn")
			g.reject(conn, "421 4.7.0 Too many connections, try again later")
			continue
		}
		if g.cfg.MaxConnectionsPerIP > 0 && g.perIP[ip] >= g.cfg.MaxConnectionsPerIP {
			g.mu.Unlock()
			metrics.RecordConnectionRejected("maxconn")
			g.reject(conn, "421 4.7.0 Too many connections from your address, try again later")
			continue
		}
		if !g.rate.Allow(ip) {
			g.mu.Unlock()
			metrics.RecordConnectionRejected("ratelimit")
			g.activity.LogSecurity(context.Background(), activity.EventRateLimited, ip, nil)
			g.reject(conn, "421 4.7.0 Connection rate exceeded, try again later")
			continue
		}
		g.total++
		g.perIP[ip]++
		g.mu.Unlock()

		metrics.RecordConnection()
		go g.vet(conn, ip)
	}
}

// vet holds the connection through the pregreet window while the DNSBL
// verdict races it, then hands it to Accept or turns it away.
func (g *gate) vet(conn net.Conn, ip string) {
	dnsblCh := g.startDNSBL(ip)

	if delay := g.cfg.PregreetDelay; delay > 0 {
		conn.SetReadDeadline(time.Now().Add(delay))
		var buf [1]byte
		n, err := conn.Read(buf[:])
		switch {
		case n > 0:
			// Talked before the banner: not a mail client worth hearing
			// out.
			metrics.RecordConnectionRejected("pregreet")
			g.activity.LogSecurity(context.Background(), activity.EventPregreet, ip, nil)
			g.log.Warn("pregreet violation", "remote", ip)
			g.reject(conn, "521 5.7.1 Command before greeting, closing connection")
			g.release(ip)
			return
		case err != nil && !errors.Is(err, os.ErrDeadlineExceeded):
			// Client went away during the hold.
			conn.Close()
			g.release(ip)
			return
		}
		conn.SetReadDeadline(time.Time{})
	}

	if dnsblCh != nil {
		select {
		case zone := <-dnsblCh:
			if zone != "" {
				metrics.RecordConnectionRejected("dnsbl")
				g.activity.LogSecurity(context.Background(), activity.EventDNSBLHit, ip,
					map[string]interface{}{"zone": zone})
				g.log.Warn("dnsbl listed", "remote", ip, "zone", zone)
				g.reject(conn, fmt.Sprintf("554 5.7.1 Service unavailable; %s listed by %s", ip, zone))
				g.release(ip)
				return
			}
		case <-time.After(dnsblGrace):
		}
	}

	tracked := &gatedConn{Conn: conn, release: func() { g.release(ip) }}
	select {
	case g.passed <- tracked:
	case <-g.closed:
		conn.Close()
		g.release(ip)
	}
}

// startDNSBL launches the blocklist queries for an IPv4 client and
// returns the verdict channel, or nil when no check applies. Lookup
// errors fail open: a broken list must not stop mail.
func (g *gate) startDNSBL(ip string) <-chan string {
	if len(g.cfg.DNSBLZones) == 0 || g.resolver == nil {
		return nil
	}
	reversed := reverseIPv4(ip)
	if reversed == "" {
		return nil
	}

	budget := g.cfg.PregreetDelay
	if budget < time.Second {
		budget = time.Second
	}

	ch := make(chan string, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), budget+dnsblGrace)
		defer cancel()
		for _, zone := range g.cfg.DNSBLZones {
			addrs, err := g.resolver.LookupAddr(ctx, reversed+"."+zone)
			if err == nil && len(addrs) > 0 {
				ch <- zone
				return
			}
		}
		ch <- ""
	}()
	return ch
}

func (g *gate) release(ip string) {
	g.mu.Lock()
	g.total--
	if g.perIP[ip] <= 1 {
		delete(g.perIP, ip)
	} else {
		g.perIP[ip]--
	}
	g.mu.Unlock()
	metrics.ReleaseConnection()
}

// reject writes a final reply line and closes the connection.
func (g *gate) reject(conn net.Conn, line string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "%s\r\n", line)
	conn.Close()
}

// gatedConn returns its concurrency slot when the session ends.
type gatedConn struct {
	net.Conn
	release func()
	once    sync.Once
}

func (c *gatedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// reverseIPv4 renders an address in DNSBL query order. Non-IPv4 clients
// return "" and skip the check: the configured zones list IPv4 space.
func reverseIPv4(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ""
	}
	octets := strings.Split(v4.String(), ".")
	return octets[3] + "." + octets[2] + "." + octets[1] + "." + octets[0]
}
