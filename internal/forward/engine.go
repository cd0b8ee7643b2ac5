// Package forward implements the forwarding pipeline: workers pull
// scheduled attempts from the queue, rewrite and sign the spooled
// message, hand it to the delivery router and settle the record's status
// from the outcome. The package also owns the bounce namespace: envelope
// rewriting on the way out, DSN generation on final failure and routing
// of inbound bounces back to original senders.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailhop/mailhop/internal/activity"
	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/deliver"
	"github.com/mailhop/mailhop/internal/dkim"
	"github.com/mailhop/mailhop/internal/logging"
	"github.com/mailhop/mailhop/internal/metrics"
	"github.com/mailhop/mailhop/internal/queue"
	"github.com/mailhop/mailhop/internal/store"
	"github.com/mailhop/mailhop/internal/validation"
)

// Deliverer executes one outbound delivery attempt. *deliver.Router is
// the production implementation.
type Deliverer interface {
	Deliver(ctx context.Context, route, sender, recipient string, data []byte) (deliver.Result, error)
}

// Config tunes the forwarding engine.
type Config struct {
	// Hostname is the service identity: bounce addresses and Received
	// headers carry it.
	Hostname string
	// Mode is the delivery mode (direct, relay, hybrid).
	Mode string
	// Workers is the number of concurrent forwarding workers.
	Workers int
	// MaxAttempts bounds delivery attempts per message.
	MaxAttempts int
	// BounceSecret keys the bounce token HMAC.
	BounceSecret string
	// BounceMaxAttempts bounds delivery attempts for notifications.
	BounceMaxAttempts int
	// RecoveryWindow is how long a record may sit untouched before the
	// recovery scan re-schedules it.
	RecoveryWindow time.Duration
	// RecoveryInterval is the cadence of the periodic recovery scan.
	RecoveryInterval time.Duration
	// PollInterval is the worker sleep when the queue is empty.
	PollInterval time.Duration
}

// Engine runs the forwarding pipeline.
type Engine struct {
	config   Config
	store    *store.Store
	queue    *queue.RedisQueue
	signer   *dkim.Engine
	router   Deliverer
	spool    *Spool
	bounces  *BounceGenerator
	activity *activity.Logger
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires the forwarding pipeline. The activity logger may be nil.
func NewEngine(cfg Config, st *store.Store, q *queue.RedisQueue, signer *dkim.Engine, router Deliverer, spool *Spool, act *activity.Logger, log *logging.Logger) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.BounceMaxAttempts < 1 {
		cfg.BounceMaxAttempts = 3
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 10 * time.Minute
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if log == nil {
		log = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config:   cfg,
		store:    st,
		queue:    q,
		signer:   signer,
		router:   router,
		spool:    spool,
		bounces:  NewBounceGenerator(cfg.Hostname),
		activity: act,
		log:      log.Forwarder(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the forwarding workers and the recovery scan.
func (e *Engine) Start() {
	e.log.Info("starting forwarding engine",
		"workers", e.config.Workers,
		"mode", e.config.Mode,
	)

	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.recoveryWorker()
}

// Stop cancels all workers and waits for in-flight attempts to settle.
func (e *Engine) Stop() {
	e.log.Info("stopping forwarding engine")
	e.cancel()
	e.wg.Wait()
	e.log.Info("forwarding engine stopped")
}

// SubmitForForwarding spools the raw message, persists the record and
// schedules the first attempt. The record is created in status accepted
// and consumes one unit of the owning organization's message quota; on
// ErrQuotaExceeded nothing is kept. Once the record is durable the
// message is accepted even if scheduling fails, since the recovery scan
// picks up accepted records with no queue entry.
func (e *Engine) SubmitForForwarding(ctx context.Context, msg *store.Message, raw []byte) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	path, err := e.spool.Write(msg.ID, raw)
	if err != nil {
		return fmt.Errorf("spooling message: %w", err)
	}
	msg.SpoolPath = path
	msg.Size = int64(len(raw))

	if err := e.store.CreateMessage(ctx, msg); err != nil {
		e.spool.Remove(path)
		return err
	}

	job := &queue.Job{MessageID: msg.ID, MaxAttempts: e.config.MaxAttempts}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		e.log.ErrorContext(ctx, "scheduling first attempt, leaving record for recovery", err,
			"message_id", msg.ID)
	}
	return nil
}

// SubmitBounce forwards inbound bounce content to the decoded original
// sender. Called by the receiver when mail arrives for a bounce+token
// recipient. The content rides a record-less job and goes out unsigned
// with the null envelope sender.
func (e *Engine) SubmitBounce(ctx context.Context, originalSender string, raw []byte) error {
	id := uuid.NewString()
	path, err := e.spool.Write(id, raw)
	if err != nil {
		return fmt.Errorf("spooling bounce content: %w", err)
	}

	job := &queue.Job{
		MessageID:   id,
		BounceTo:    originalSender,
		SpoolPath:   path,
		MaxAttempts: e.config.BounceMaxAttempts,
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		e.spool.Remove(path)
		return fmt.Errorf("scheduling bounce routing: %w", err)
	}

	e.activity.Log(ctx, 0, activity.EventBounceRouted, originalSender, nil, "")
	return nil
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()

	e.log.Debug("forwarding worker started", "worker_id", id)

	for {
		select {
		case <-e.ctx.Done():
			e.log.Debug("forwarding worker stopping", "worker_id", id)
			return
		default:
		}

		job, err := e.queue.Dequeue(e.ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && e.ctx.Err() == nil {
				e.log.Error("dequeue failed", "error", err.Error(), "worker_id", id)
			}
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			time.Sleep(e.config.PollInterval)
			continue
		}

		e.process(job)
	}
}

// process runs one attempt for a dequeued job.
func (e *Engine) process(job *queue.Job) {
	ctx := logging.WithMessageID(e.ctx, job.MessageID)

	if job.BounceTo != "" {
		e.routeBounce(ctx, job)
		return
	}

	rec, err := e.store.GetMessage(ctx, job.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		e.log.WarnContext(ctx, "record missing for queued job, discarding")
		e.queue.Discard(ctx, job.MessageID)
		return
	}
	if err != nil {
		e.log.ErrorContext(ctx, "loading record", err)
		e.retryJob(ctx, job, err.Error(), job.Route)
		return
	}

	if rec.Status.IsTerminal() {
		// Duplicate job for a settled record; nothing left to do.
		e.queue.Complete(ctx, job.MessageID)
		return
	}
	if rec.Status == store.StatusAccepted {
		e.fanout(ctx, rec)
	}

	if err := e.store.UpdateMessageStatus(ctx, rec.ID, store.StatusForwarding, ""); err != nil {
		if errors.Is(err, store.ErrBadTransition) {
			e.queue.Complete(ctx, job.MessageID)
			return
		}
		e.log.ErrorContext(ctx, "marking record forwarding", err)
		e.retryJob(ctx, job, err.Error(), job.Route)
		return
	}

	raw, err := e.spool.Read(rec.SpoolPath)
	if err != nil {
		// Without the spooled bytes there is nothing to transmit and
		// nothing to quote in a notification.
		e.log.ErrorContext(ctx, "reading spooled message", err, "path", rec.SpoolPath)
		e.settle(ctx, rec, store.StatusFailed, "spool: "+err.Error(), activity.EventMessageFailed)
		e.queue.Discard(ctx, job.MessageID)
		return
	}

	data, envSender := e.prepare(ctx, rec, raw)
	route := e.routeFor(job)

	res, err := e.router.Deliver(ctx, route, envSender, rec.ForwardTo, data)
	if err != nil {
		e.log.ErrorContext(ctx, "delivery not executable", err, "route", route)
		e.retryOrFail(ctx, job, rec, raw, 0, err.Error(), route)
		return
	}

	switch res.Class {
	case deliver.ClassDelivered:
		e.log.InfoContext(ctx, "message forwarded",
			"forward_to", rec.ForwardTo,
			"route", route,
			"attempt", rec.Attempts+1,
			"detail", res.Detail,
		)
		e.settle(ctx, rec, store.StatusDelivered, "", activity.EventMessageDelivered)
		e.queue.Complete(ctx, job.MessageID)
	case deliver.ClassPermanent:
		e.log.WarnContext(ctx, "message rejected by next hop",
			"forward_to", rec.ForwardTo,
			"route", route,
			"detail", res.Detail,
		)
		e.settle(ctx, rec, store.StatusBounced, res.Detail, activity.EventMessageBounced)
		e.sendDSN(ctx, rec, raw, res.Code, res.Detail)
		e.queue.Complete(ctx, job.MessageID)
	default:
		e.retryOrFail(ctx, job, rec, raw, res.Code, res.Detail, route)
	}
}

// fanout creates child records for the extra targets of a multi-target
// alias. The first target rides the original record; children share its
// message-id and spool file and are tracked independently. Runs only
// while the record is still accepted, so recovered records do not fan
// out twice.
func (e *Engine) fanout(ctx context.Context, rec *store.Message) {
	if rec.ParentID != "" || rec.AliasID == nil {
		return
	}

	alias, err := e.store.GetAliasByID(ctx, *rec.AliasID)
	if err != nil {
		// The alias may have been removed since acceptance; the primary
		// target on the record still gets its copy.
		e.log.DebugContext(ctx, "fanout alias lookup failed", "error", err.Error())
		return
	}

	for _, target := range alias.Targets {
		if strings.EqualFold(target, rec.ForwardTo) {
			continue
		}
		child, err := e.store.CreateChildMessage(ctx, rec, target)
		if err != nil {
			e.log.ErrorContext(ctx, "creating fanout child", err, "target", target)
			continue
		}
		job := &queue.Job{MessageID: child.ID, MaxAttempts: e.config.MaxAttempts}
		if err := e.queue.Enqueue(ctx, job); err != nil {
			e.log.ErrorContext(ctx, "scheduling fanout child, leaving record for recovery", err,
				"child_id", child.ID)
		}
	}
}

// prepare produces the wire copy for one attempt: headers rewritten, the
// envelope sender moved into the bounce namespace, and a DKIM signature
// prepended when the alias domain has an active key. Signing failures
// degrade to unsigned rather than losing the message.
func (e *Engine) prepare(ctx context.Context, rec *store.Message, raw []byte) (data []byte, envelopeSender string) {
	data = rewriteMessage(raw, rec, e.config.Hostname, time.Now())

	envelopeSender = ""
	if rec.Sender != "" {
		envelopeSender = EncodeBounceAddress(e.config.BounceSecret, e.config.Hostname, rec.Sender)
	}

	_, domain, err := validation.SplitAddress(rec.Recipient)
	if err != nil {
		return data, envelopeSender
	}

	var signed bytes.Buffer
	if err := e.signer.Sign(ctx, domain, &signed, bytes.NewReader(data)); err != nil {
		if !errors.Is(err, dkim.ErrNoKey) {
			e.log.WarnContext(ctx, "dkim signing failed, sending unsigned",
				"error", err.Error(),
				"domain", domain,
			)
		}
		return data, envelopeSender
	}
	return signed.Bytes(), envelopeSender
}

// routeFor resolves the wire route for this attempt. Jobs carry a pinned
// route after a hybrid fallback; otherwise the configured mode decides.
func (e *Engine) routeFor(job *queue.Job) string {
	if job.Route != "" {
		return job.Route
	}
	if e.config.Mode == config.DeliveryRelay {
		return queue.RouteRelay
	}
	return queue.RouteDirect
}

// retryOrFail reschedules a transient failure, settling the record as
// failed with a notification when the retry budget is spent. Under
// hybrid mode the first transient direct attempt pins the job to the
// relay for all further attempts.
func (e *Engine) retryOrFail(ctx context.Context, job *queue.Job, rec *store.Message, raw []byte, code int, detail, route string) {
	if e.config.Mode == config.DeliveryHybrid && route == queue.RouteDirect {
		job.Route = queue.RouteRelay
	}

	err := e.queue.Retry(ctx, job, errors.New(detail))
	if err == nil {
		e.log.InfoContext(ctx, "delivery deferred",
			"forward_to", rec.ForwardTo,
			"attempt", job.Attempts,
			"next_route", e.routeFor(job),
			"detail", detail,
		)
		return
	}
	if errors.Is(err, queue.ErrRetryExhausted) {
		e.log.WarnContext(ctx, "retry budget exhausted",
			"forward_to", rec.ForwardTo,
			"attempts", job.Attempts,
			"detail", detail,
		)
		e.settle(ctx, rec, store.StatusFailed, detail, activity.EventMessageFailed)
		e.sendDSN(ctx, rec, raw, code, detail)
		return
	}
	// The job stays in the processing set; the stale scan re-schedules it.
	e.log.ErrorContext(ctx, "rescheduling delivery", err)
}

// retryJob reschedules without record settlement, for failures before the
// record was loaded or transitioned.
func (e *Engine) retryJob(ctx context.Context, job *queue.Job, detail, route string) {
	if e.config.Mode == config.DeliveryHybrid && route == queue.RouteDirect {
		job.Route = queue.RouteRelay
	}
	if err := e.queue.Retry(ctx, job, errors.New(detail)); err != nil && !errors.Is(err, queue.ErrRetryExhausted) {
		e.log.ErrorContext(ctx, "rescheduling job", err)
	}
}

// settle moves the record to a terminal status, emits the activity entry
// and releases the spool file once no sibling still references it.
func (e *Engine) settle(ctx context.Context, rec *store.Message, status store.Status, detail string, kind activity.EventType) {
	if err := e.store.UpdateMessageStatus(ctx, rec.ID, status, detail); err != nil {
		e.log.ErrorContext(ctx, "settling record", err, "status", string(status))
		return
	}
	metrics.RecordCompletion(string(status))

	var orgID int64
	if dom, err := e.store.GetDomainByID(ctx, rec.DomainID); err == nil {
		orgID = dom.OrgID
	}
	e.activity.Log(ctx, orgID, kind, rec.Recipient, map[string]interface{}{
		"record":     rec.ID,
		"forward_to": rec.ForwardTo,
		"detail":     detail,
	}, "")

	e.cleanupSpool(ctx, rec)
}

// cleanupSpool removes the spool file once every record sharing it has
// settled.
func (e *Engine) cleanupSpool(ctx context.Context, rec *store.Message) {
	inUse, err := e.store.SpoolInUse(ctx, rec.SpoolPath)
	if err != nil || inUse {
		return
	}
	if err := e.spool.Remove(rec.SpoolPath); err != nil {
		e.log.WarnContext(ctx, "removing spool file", "error", err.Error(), "path", rec.SpoolPath)
	}
}

// sendDSN queues a delivery status notification to the original sender.
// Notifications ride record-less jobs with the null envelope sender, so a
// failing notification can never generate another one.
func (e *Engine) sendDSN(ctx context.Context, rec *store.Message, raw []byte, code int, detail string) {
	if !ShouldBounce(rec.Sender) {
		return
	}

	dsn, err := e.bounces.Generate(rec, raw, code, detail)
	if err != nil {
		e.log.ErrorContext(ctx, "rendering notification", err)
		return
	}
	metrics.BouncesGenerated.Inc()

	id := uuid.NewString()
	path, err := e.spool.Write(id, dsn)
	if err != nil {
		e.log.ErrorContext(ctx, "spooling notification", err)
		return
	}
	job := &queue.Job{
		MessageID:   id,
		BounceTo:    rec.Sender,
		SpoolPath:   path,
		MaxAttempts: e.config.BounceMaxAttempts,
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		e.log.ErrorContext(ctx, "scheduling notification", err)
		e.spool.Remove(path)
	}
}

// routeBounce delivers a record-less notification job: our own DSNs and
// inbound bounces being passed back to original senders. Permanent
// rejections and exhausted retries drop the content; a bounce never
// bounces.
func (e *Engine) routeBounce(ctx context.Context, job *queue.Job) {
	raw, err := e.spool.Read(job.SpoolPath)
	if err != nil {
		e.log.ErrorContext(ctx, "reading spooled notification", err, "path", job.SpoolPath)
		e.queue.Discard(ctx, job.MessageID)
		return
	}

	route := e.routeFor(job)
	res, err := e.router.Deliver(ctx, route, "", job.BounceTo, raw)
	if err != nil {
		e.log.ErrorContext(ctx, "notification delivery not executable", err, "route", route)
		e.retryBounce(ctx, job, err.Error(), route)
		return
	}

	switch res.Class {
	case deliver.ClassDelivered:
		e.log.InfoContext(ctx, "notification delivered", "to", job.BounceTo)
		e.queue.Complete(ctx, job.MessageID)
		e.spool.Remove(job.SpoolPath)
	case deliver.ClassPermanent:
		e.log.WarnContext(ctx, "notification rejected, dropping",
			"to", job.BounceTo,
			"detail", res.Detail,
		)
		e.queue.Complete(ctx, job.MessageID)
		e.spool.Remove(job.SpoolPath)
	default:
		e.retryBounce(ctx, job, res.Detail, route)
	}
}

func (e *Engine) retryBounce(ctx context.Context, job *queue.Job, detail, route string) {
	if e.config.Mode == config.DeliveryHybrid && route == queue.RouteDirect {
		job.Route = queue.RouteRelay
	}
	err := e.queue.Retry(ctx, job, errors.New(detail))
	if err == nil {
		return
	}
	if errors.Is(err, queue.ErrRetryExhausted) {
		e.log.WarnContext(ctx, "notification retries exhausted, dropping", "to", job.BounceTo)
		e.spool.Remove(job.SpoolPath)
		return
	}
	e.log.ErrorContext(ctx, "rescheduling notification", err)
}

// Recover re-schedules work lost to a crash: queue entries stuck in the
// processing set and records stuck in accepted or forwarding with no
// queue entry. Re-enqueued jobs inherit the record's attempt history so
// the retry bounds hold across restarts. Safe to run at any time; on the
// wire this can amount to at-most-twice delivery for attempts cut down
// mid-conversation.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recovered, err := e.queue.RecoverStale(ctx, e.config.RecoveryWindow)
	if err != nil {
		return 0, fmt.Errorf("recovering stale queue entries: %w", err)
	}

	stuck, err := e.store.StaleForwarding(ctx, e.config.RecoveryWindow)
	if err != nil {
		return recovered, fmt.Errorf("scanning stale forwarding records: %w", err)
	}
	accepted, err := e.store.StaleAccepted(ctx, e.config.RecoveryWindow)
	if err != nil {
		return recovered, fmt.Errorf("scanning stale accepted records: %w", err)
	}
	stuck = append(stuck, accepted...)

	for _, rec := range stuck {
		if _, err := e.queue.GetJob(ctx, rec.ID); err == nil {
			continue // still scheduled or processing
		} else if !errors.Is(err, queue.ErrJobNotFound) {
			continue
		}

		job := &queue.Job{
			MessageID:   rec.ID,
			Attempts:    rec.Attempts,
			MaxAttempts: e.config.MaxAttempts,
			EnqueuedAt:  rec.CreatedAt,
		}
		if err := e.queue.Enqueue(ctx, job); err != nil {
			e.log.ErrorContext(ctx, "re-scheduling stalled record", err, "message_id", rec.ID)
			continue
		}
		recovered++
	}

	return recovered, nil
}

func (e *Engine) recoveryWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RecoveryInterval)
	defer ticker.Stop()

	// Startup scan first, then periodic.
	for {
		n, err := e.Recover(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				e.log.Error("recovery scan failed", "error", err.Error())
			}
		} else if n > 0 {
			e.log.Info("recovered stalled messages", "count", n)
		}

		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
