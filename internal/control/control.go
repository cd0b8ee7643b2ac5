// Package control is the operator-facing surface of the service: message
// injection, verification refresh and DKIM key rotation exposed as plain
// methods for the CLI and the scheduler. Management happens on the host;
// there is no network surface.
package control

import (
	"context"

	"github.com/mailhop/mailhop/internal/activity"
	"github.com/mailhop/mailhop/internal/dkim"
	"github.com/mailhop/mailhop/internal/forward"
	"github.com/mailhop/mailhop/internal/logging"
	"github.com/mailhop/mailhop/internal/store"
	"github.com/mailhop/mailhop/internal/verify"
)

// Control bundles the operational entry points over the underlying
// engines.
type Control struct {
	store     *store.Store
	verifier  *verify.Service
	signer    *dkim.Engine
	forwarder *forward.Engine
	activity  *activity.Logger
	log       *logging.Logger
}

// New wires the control surface. The activity logger may be nil.
func New(st *store.Store, verifier *verify.Service, signer *dkim.Engine, forwarder *forward.Engine, act *activity.Logger, log *logging.Logger) *Control {
	if log == nil {
		log = logging.Default()
	}
	return &Control{
		store:     st,
		verifier:  verifier,
		signer:    signer,
		forwarder: forwarder,
		activity:  act,
		log:       log,
	}
}

// SubmitForForwarding injects a message into the forwarding pipeline as
// if the receiver had just accepted it.
func (c *Control) SubmitForForwarding(ctx context.Context, msg *store.Message, raw []byte) error {
	return c.forwarder.SubmitForForwarding(ctx, msg, raw)
}

// TriggerVerification re-runs the DNS checks for one domain and returns
// the resulting state.
func (c *Control) TriggerVerification(ctx context.Context, domainID int64) (store.VerificationState, error) {
	dom, err := c.store.GetDomainByID(ctx, domainID)
	if err != nil {
		return "", err
	}
	return c.verifier.VerifyDomain(ctx, dom)
}

// TriggerKeyRotation generates and activates a fresh keypair for the
// domain, then re-runs verification: the new public key is not in DNS
// yet, so the DKIM check drops until the owner publishes the record.
func (c *Control) TriggerKeyRotation(ctx context.Context, domainID int64) (*store.DKIMKey, error) {
	dom, err := c.store.GetDomainByID(ctx, domainID)
	if err != nil {
		return nil, err
	}

	key, err := c.signer.GenerateKeypair(ctx, dom)
	if err != nil {
		return nil, err
	}
	c.activity.Log(ctx, dom.OrgID, activity.EventKeyRotate, dom.Name,
		map[string]interface{}{"selector": key.Selector}, "")

	if _, err := c.verifier.VerifyDomain(ctx, dom); err != nil {
		c.log.Warn("post-rotation verification failed", "domain", dom.Name, "error", err.Error())
	}
	return key, nil
}

// RefreshAll re-verifies every active domain. The scheduler runs this
// periodically; per-domain failures are logged and do not stop the pass.
func (c *Control) RefreshAll(ctx context.Context) int {
	domains, err := c.store.ListActiveDomains(ctx)
	if err != nil {
		c.log.Error("listing domains for verification refresh", "error", err.Error())
		return 0
	}

	refreshed := 0
	for _, dom := range domains {
		if _, err := c.verifier.VerifyDomain(ctx, dom); err != nil {
			c.log.Warn("verification refresh failed", "domain", dom.Name, "error", err.Error())
			continue
		}
		refreshed++
	}
	return refreshed
}
