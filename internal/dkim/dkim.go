// Package dkim signs outbound messages with per-domain RSA keys held in
// the store. Exactly one key per domain is active at a time; rotation
// retires the previous key and invalidates the cached signer.
package dkim

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/metrics"
	"github.com/mailhop/mailhop/internal/store"
)

// ErrNoKey is returned when a domain has no active signing key.
var ErrNoKey = errors.New("dkim: no active key for domain")

// signedHeaders is the header set covered by every signature.
var signedHeaders = []string{
	"From",
	"To",
	"Subject",
	"Date",
	"Message-ID",
	"MIME-Version",
	"Content-Type",
	"Content-Transfer-Encoding",
}

// Engine signs messages and manages keypairs. Signers are cached per
// domain and dropped on rotation.
type Engine struct {
	store    *store.Store
	selector string
	keyBits  int

	mu      sync.RWMutex
	signers map[string]*signer
}

type signer struct {
	selector string
	key      *rsa.PrivateKey
}

// NewEngine creates a signing engine backed by st.
func NewEngine(st *store.Store, cfg config.DKIMConfig) *Engine {
	selector := cfg.Selector
	if selector == "" {
		selector = "mailhop"
	}
	keyBits := cfg.KeyBits
	if keyBits < 1024 {
		keyBits = 2048
	}
	return &Engine{
		store:    st,
		selector: selector,
		keyBits:  keyBits,
		signers:  make(map[string]*signer),
	}
}

// GenerateKeypair creates and activates a new keypair for the domain,
// retiring any previously active key. The private key is stored as PKCS#1
// PEM, the public key as the DNS TXT value publishable at
// <selector>._domainkey.<domain>.
func (e *Engine) GenerateKeypair(ctx context.Context, dom *store.Domain) (*store.DKIMKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, e.keyBits)
	if err != nil {
		return nil, fmt.Errorf("dkim: generating key for %s: %w", dom.Name, err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	record, err := PublicRecord(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("dkim: formatting public key for %s: %w", dom.Name, err)
	}

	selector := dom.DKIMSelector
	if selector == "" {
		selector = e.selector
	}

	key := &store.DKIMKey{
		DomainID:      dom.ID,
		Selector:      selector,
		PrivateKeyPEM: string(privPEM),
		PublicRecord:  record,
		IsActive:      true,
	}
	if err := e.store.CreateDKIMKey(ctx, key); err != nil {
		return nil, err
	}

	e.mu.Lock()
	delete(e.signers, dom.Name)
	e.mu.Unlock()

	return key, nil
}

// Sign reads a message from r and writes it to w with a DKIM-Signature
// header prepended, signed relaxed/relaxed with RSA-SHA256. ErrNoKey is
// returned when the domain has no active keypair.
func (e *Engine) Sign(ctx context.Context, domain string, w io.Writer, r io.Reader) error {
	s, err := e.signerFor(ctx, domain)
	if err != nil {
		return err
	}

	options := &dkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}

	if err := dkim.Sign(w, r, options); err != nil {
		metrics.DKIMFailures.Inc()
		return fmt.Errorf("dkim: signing for %s: %w", domain, err)
	}
	metrics.DKIMSignatures.Inc()
	return nil
}

// ActiveRecord returns the DNS TXT name and value for the domain's active
// key, for display to domain owners.
func (e *Engine) ActiveRecord(ctx context.Context, dom *store.Domain) (name, value string, err error) {
	key, err := e.store.GetDKIMKey(ctx, dom.ID)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", ErrNoKey
	}
	if err != nil {
		return "", "", err
	}
	return key.Selector + "._domainkey." + dom.Name, key.PublicRecord, nil
}

func (e *Engine) signerFor(ctx context.Context, domain string) (*signer, error) {
	domain = strings.ToLower(domain)

	e.mu.RLock()
	s, ok := e.signers[domain]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}

	dom, err := e.store.GetDomain(ctx, domain)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}

	key, err := e.store.GetDKIMKey(ctx, dom.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}

	priv, err := parsePrivateKey([]byte(key.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("dkim: key for %s: %w", domain, err)
	}

	s = &signer{selector: key.Selector, key: priv}
	e.mu.Lock()
	e.signers[domain] = s
	e.mu.Unlock()
	return s, nil
}

// parsePrivateKey accepts PKCS#1 and PKCS#8 PEM-encoded RSA keys.
func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return priv, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not an RSA private key")
	}
	return priv, nil
}

// PublicRecord formats an RSA public key as the DNS TXT record value for
// DKIM: v=DKIM1; k=rsa; p=<base64 PKIX key>.
func PublicRecord(key *rsa.PublicKey) (string, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v=DKIM1; k=rsa; p=%s", base64.StdEncoding.EncodeToString(pubBytes)), nil
}
