package smtpd

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/mailhop/mailhop/internal/activity"
	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/dnsx"
	"github.com/mailhop/mailhop/internal/logging"
)

// Server runs the inbound SMTP listener behind the connection gate.
type Server struct {
	smtp     *smtp.Server
	cfg      config.ServerConfig
	resolver *dnsx.Resolver
	activity *activity.Logger
	log      *logging.Logger

	gate *gate
}

// NewServer builds the go-smtp server around the backend. tlsConfig may
// be nil when starttls_mode is off.
func NewServer(backend *Backend, cfg config.ServerConfig, resolver *dnsx.Resolver, act *activity.Logger, tlsConfig *tls.Config, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}

	srv := smtp.NewServer(backend)
	srv.Domain = cfg.Hostname
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = cfg.MaxRecipients
	if srv.ReadTimeout <= 0 {
		srv.ReadTimeout = 60 * time.Second
	}
	if srv.WriteTimeout <= 0 {
		srv.WriteTimeout = 60 * time.Second
	}
	if cfg.StartTLSMode != config.StartTLSOff && tlsConfig != nil {
		srv.TLSConfig = tlsConfig
	}

	return &Server{
		smtp:     srv,
		cfg:      cfg,
		resolver: resolver,
		activity: act,
		log:      log.SMTP(),
	}
}

// ListenAndServe binds the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(l)
}

// Serve wraps the listener in the connection gate and starts the SMTP
// engine on it. Returns once the listener is accepting.
func (s *Server) Serve(l net.Listener) error {
	s.gate = newGate(l, s.cfg, s.resolver, s.activity, s.log)

	s.log.Info("smtp server listening",
		"address", l.Addr().String(),
		"hostname", s.cfg.Hostname,
		"starttls", s.cfg.StartTLSMode,
	)

	go func() {
		if err := s.smtp.Serve(s.gate); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("smtp server stopped", "error", err.Error())
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.gate == nil {
		return nil
	}
	return s.gate.Addr()
}

// Close stops accepting connections and shuts the SMTP engine down.
func (s *Server) Close() error {
	if s.gate != nil {
		s.gate.Close()
	}
	return s.smtp.Close()
}
