// Package webhook implements the signed outbound delivery pipeline. Records
// are enqueued onto keyed-store lists, popped by dispatcher workers through a
// stored script that stamps a claim key, and delivered over HTTP with an
// HMAC-SHA256 signature. Failures retry on a capped exponential backoff
// schedule out of a sorted set; exhausted records land in a dead letter
// queue. Every queue transition is visible fleet-wide, so any process can
// run workers, the retry mover or the stale reaper.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/telemetry"
)

// Status is a webhook record's delivery state. Delivered and dlq are
// terminal.
type Status string

const (
	// StatusPending marks a record queued and ready to send.
	StatusPending Status = "pending"
	// StatusProcessing marks a record claimed by a dispatcher worker.
	StatusProcessing Status = "processing"
	// StatusDelivered marks a record acknowledged with a 2xx response.
	StatusDelivered Status = "delivered"
	// StatusFailed marks a record awaiting a scheduled retry.
	StatusFailed Status = "failed"
	// StatusDLQ marks a record that exhausted its retry budget.
	StatusDLQ Status = "dlq"
)

// Defaults for the delivery pipeline.
const (
	// DefaultMaxRetries bounds delivery attempts before a record is dead
	// lettered.
	DefaultMaxRetries = 5
	// DefaultWorkers is the dispatcher goroutine count.
	DefaultWorkers = 4
	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 30 * time.Second
	// DefaultClaimTTL bounds how long a crashed worker keeps a record
	// invisible to the stale reaper.
	DefaultClaimTTL = 60 * time.Second
	// DefaultPollInterval is the worker sleep between empty queue polls.
	DefaultPollInterval = 250 * time.Millisecond
)

const (
	baseBackoff   = time.Second
	maxBackoff    = 5 * time.Minute
	backoffJitter = 0.1

	pendingTTL   = 7 * 24 * time.Hour
	deliveredTTL = 24 * time.Hour
	dlqTTL       = 30 * 24 * time.Hour

	pendingKey        = "webhook:queue:pending"
	processingKey     = "webhook:queue:processing"
	retryKey          = "webhook:queue:retry"
	dlqKey            = "webhook:queue:dlq"
	recordPrefix      = "webhook:"
	deliveredStatsKey = "webhook:stats:delivered"
	failedStatsKey    = "webhook:stats:failed"
)

// ClaimPrefix prefixes the per-delivery claim keys. A claim expiring without
// its delivery settling means the worker died; keyspace listeners can watch
// "webhook:claim:*" expiries to trigger ReapStale immediately instead of
// waiting for the periodic sweep.
const ClaimPrefix = "webhook:claim:"

// popScript atomically moves the oldest pending ID into the processing list
// and stamps its claim key. The claim's expiry is what lets the reaper tell a
// slow worker from a dead one.
const popScript = `
local id = redis.call("RPOP", KEYS[1])
if not id then
  return false
end
redis.call("LPUSH", KEYS[2], id)
redis.call("SET", KEYS[3] .. id, ARGV[1])
redis.call("PEXPIRE", KEYS[3] .. id, ARGV[2])
return id
`

var (
	// ErrNotFound is returned when no record exists for a webhook ID.
	ErrNotFound = errors.New("webhook record not found")
	// ErrNotDead is returned when RetryFromDLQ targets a record that is not
	// dead lettered.
	ErrNotDead = errors.New("webhook record not in dead letter queue")
)

type (
	// Options configures a Pipeline.
	Options struct {
		// Store is the keyed store backing queues and records. Required.
		// Dispatcher workers and background jobs run on its worker pool.
		Store kv.Store
		// Client performs delivery requests. Defaults to a client with a
		// 30s timeout.
		Client *http.Client
		// Workers is the dispatcher goroutine count. Defaults to
		// DefaultWorkers.
		Workers int
		// MaxRetries bounds attempts per record. Defaults to
		// DefaultMaxRetries.
		MaxRetries int
		// ClaimTTL is the processing claim expiry. Defaults to
		// DefaultClaimTTL.
		ClaimTTL time.Duration
		// PollInterval is the worker sleep when the queue is empty.
		// Defaults to DefaultPollInterval.
		PollInterval time.Duration
		// Now supplies the clock. Defaults to time.Now.
		Now func() time.Time
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to a noop recorder.
		Metrics telemetry.Metrics
	}

	// Request describes a webhook to enqueue.
	Request struct {
		// ID is assigned a time-ordered UUID when empty. Re-enqueueing an
		// existing ID is a no-op.
		ID string
		// URL is the delivery endpoint. Required.
		URL string
		// Method defaults to POST.
		Method string
		// EventType names the event for receivers and stats. Required.
		EventType string
		// Headers are sent verbatim on every attempt.
		Headers map[string]string
		// Body is the payload; also the HMAC signing input.
		Body []byte
		// OrganizationID attributes the webhook to a tenant.
		OrganizationID string
		// Secret, when set, signs the body into the X-Signature header.
		Secret string
	}

	// Attempt is one delivery try.
	Attempt struct {
		N          int       `json:"n"`
		StatusCode int       `json:"statusCode,omitempty"`
		Error      string    `json:"error,omitempty"`
		DurationMS int64     `json:"durationMs"`
		At         time.Time `json:"at"`
	}

	// Record is the persisted webhook state at webhook:<id>.
	Record struct {
		ID             string            `json:"id"`
		URL            string            `json:"url"`
		Method         string            `json:"method"`
		Headers        map[string]string `json:"headers,omitempty"`
		Body           []byte            `json:"body,omitempty"`
		OrganizationID string            `json:"organizationId,omitempty"`
		EventType      string            `json:"eventType"`
		Secret         string            `json:"secret,omitempty"`
		Attempts       []Attempt         `json:"attempts,omitempty"`
		Status         Status            `json:"status"`
		NextRetry      *time.Time        `json:"nextRetry,omitempty"`
		CreatedAt      time.Time         `json:"createdAt"`
	}

	// Stats reports delivery counters and queue depths.
	Stats struct {
		// Delivered and Failed count terminal outcomes per event type.
		Delivered map[string]int64
		Failed    map[string]int64
		// Queue depths at read time.
		Pending    int64
		Processing int64
		Retry      int64
		DLQ        int64
		// NextRetry is the earliest scheduled retry, if any.
		NextRetry *time.Time
	}

	// Pipeline enqueues, delivers and retries webhooks.
	Pipeline struct {
		store      kv.Store
		worker     kv.Store
		client     *http.Client
		workers    int
		maxRetries int
		claimTTL   time.Duration
		poll       time.Duration
		now        func() time.Time
		logger     telemetry.Logger
		metrics    telemetry.Metrics

		stop     chan struct{}
		stopOnce sync.Once
		wg       sync.WaitGroup
	}
)

// New constructs a delivery pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("webhook: Store is required")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Pipeline{
		store:      opts.Store,
		worker:     opts.Store.Worker(),
		client:     opts.Client,
		workers:    opts.Workers,
		maxRetries: opts.MaxRetries,
		claimTTL:   opts.ClaimTTL,
		poll:       opts.PollInterval,
		now:        opts.Now,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		stop:       make(chan struct{}),
	}, nil
}

// Sign computes the lowercase hex HMAC-SHA256 tag carried in the X-Signature
// header. Receivers recompute it over the raw body to verify origin.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Enqueue persists a webhook record and queues it for delivery, returning the
// webhook ID. Enqueueing an ID that already has a record is a no-op. Queue
// writes are write-critical: errors surface to the caller.
func (p *Pipeline) Enqueue(ctx context.Context, req Request) (string, error) {
	if req.URL == "" {
		return "", fmt.Errorf("webhook: URL is required")
	}
	if req.EventType == "" {
		return "", fmt.Errorf("webhook: EventType is required")
	}
	id := req.ID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("webhook: generate id: %w", err)
		}
		id = u.String()
	} else {
		n, err := p.store.Exists(ctx, recordPrefix+id)
		if err != nil {
			return "", fmt.Errorf("webhook: check %s: %w", id, err)
		}
		if n > 0 {
			return id, nil
		}
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	rec := Record{
		ID:             id,
		URL:            req.URL,
		Method:         method,
		Headers:        req.Headers,
		Body:           req.Body,
		OrganizationID: req.OrganizationID,
		EventType:      req.EventType,
		Secret:         req.Secret,
		Status:         StatusPending,
		CreatedAt:      p.now().UTC(),
	}
	if err := p.saveRecord(ctx, p.store, &rec, pendingTTL); err != nil {
		return "", err
	}
	if err := p.store.LPush(ctx, pendingKey, []byte(id)); err != nil {
		return "", fmt.Errorf("webhook: queue %s: %w", id, err)
	}
	p.logger.Debug(ctx, "webhook enqueued",
		"webhook_id", id, "event_type", req.EventType, "org", req.OrganizationID)
	return id, nil
}

// Start launches the dispatcher workers. They poll the pending queue until
// Stop is called or ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	for range p.workers {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

// Stop halts the dispatcher and waits for in-flight deliveries to settle.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}
		processed, err := p.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn(ctx, "webhook delivery pass failed", "error", err)
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-time.After(p.poll):
		}
	}
}

// ProcessOne claims the next pending webhook and runs a delivery attempt,
// reporting whether anything was claimed. Scheduling a retry is a successful
// outcome; only store failures return an error.
func (p *Pipeline) ProcessOne(ctx context.Context) (bool, error) {
	id, err := p.pop(ctx)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}
	return true, p.deliver(ctx, id)
}

func (p *Pipeline) pop(ctx context.Context) (string, error) {
	res, err := p.worker.Eval(ctx, popScript,
		[]string{pendingKey, processingKey, ClaimPrefix},
		"1", p.claimTTL.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("webhook: pop pending: %w", err)
	}
	if res == nil {
		return "", nil
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("webhook: pop pending: unexpected reply %T", res)
	}
	return id, nil
}

func (p *Pipeline) deliver(ctx context.Context, id string) error {
	rec, err := p.loadRecord(ctx, p.worker, id)
	if err != nil {
		p.release(ctx, id)
		return err
	}
	if rec == nil {
		// Record expired or was never written; drop the orphaned entry.
		p.logger.Warn(ctx, "webhook record missing, dropping", "webhook_id", id)
		p.release(ctx, id)
		return nil
	}
	att := p.attempt(ctx, rec)
	rec.Attempts = append(rec.Attempts, att)
	switch {
	case att.StatusCode >= 200 && att.StatusCode < 300:
		return p.markDelivered(ctx, rec, att)
	case len(rec.Attempts) < p.maxRetries:
		return p.scheduleRetry(ctx, rec, att)
	default:
		return p.markDead(ctx, rec, att)
	}
}

// attempt performs one HTTP delivery and records its outcome. The client
// timeout bounds the call.
func (p *Pipeline) attempt(ctx context.Context, rec *Record) Attempt {
	att := Attempt{N: len(rec.Attempts) + 1, At: p.now().UTC()}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, rec.Method, rec.URL, bytes.NewReader(rec.Body))
	if err != nil {
		att.Error = err.Error()
		att.DurationMS = time.Since(start).Milliseconds()
		return att
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range rec.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Webhook-ID", rec.ID)
	req.Header.Set("X-Webhook-Event", rec.EventType)
	if rec.Secret != "" {
		req.Header.Set("X-Signature", Sign(rec.Secret, rec.Body))
	}
	resp, err := p.client.Do(req)
	att.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		att.Error = err.Error()
		return att
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	att.StatusCode = resp.StatusCode
	return att
}

func (p *Pipeline) markDelivered(ctx context.Context, rec *Record, att Attempt) error {
	rec.Status = StatusDelivered
	rec.NextRetry = nil
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("webhook: encode %s: %w", rec.ID, err)
	}
	err = p.worker.Pipelined(ctx, func(pipe kv.Pipeliner) error {
		pipe.Set(recordPrefix+rec.ID, payload, deliveredTTL)
		pipe.LRem(processingKey, 0, []byte(rec.ID))
		pipe.Del(ClaimPrefix + rec.ID)
		pipe.HIncrBy(deliveredStatsKey, rec.EventType, 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("webhook: finalize %s: %w", rec.ID, err)
	}
	p.metrics.IncCounter(telemetry.MetricWebhookDelivered, 1, "event_type", rec.EventType)
	p.metrics.RecordTimer(telemetry.MetricWebhookDuration,
		time.Duration(att.DurationMS)*time.Millisecond, "event_type", rec.EventType)
	p.logger.Debug(ctx, "webhook delivered",
		"webhook_id", rec.ID, "event_type", rec.EventType, "attempts", len(rec.Attempts))
	return nil
}

func (p *Pipeline) scheduleRetry(ctx context.Context, rec *Record, att Attempt) error {
	delay := p.backoff(len(rec.Attempts))
	due := p.now().UTC().Add(delay)
	rec.Status = StatusFailed
	rec.NextRetry = &due
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("webhook: encode %s: %w", rec.ID, err)
	}
	err = p.worker.Pipelined(ctx, func(pipe kv.Pipeliner) error {
		pipe.Set(recordPrefix+rec.ID, payload, pendingTTL)
		pipe.ZAdd(retryKey, kv.Z{Score: float64(due.UnixMilli()), Member: rec.ID})
		pipe.LRem(processingKey, 0, []byte(rec.ID))
		pipe.Del(ClaimPrefix + rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("webhook: schedule retry %s: %w", rec.ID, err)
	}
	p.logger.Debug(ctx, "webhook retry scheduled",
		"webhook_id", rec.ID, "attempt", att.N, "delay", delay,
		"status_code", att.StatusCode, "error", att.Error)
	return nil
}

func (p *Pipeline) markDead(ctx context.Context, rec *Record, att Attempt) error {
	rec.Status = StatusDLQ
	rec.NextRetry = nil
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("webhook: encode %s: %w", rec.ID, err)
	}
	err = p.worker.Pipelined(ctx, func(pipe kv.Pipeliner) error {
		pipe.Set(recordPrefix+rec.ID, payload, dlqTTL)
		pipe.LPush(dlqKey, []byte(rec.ID))
		pipe.LRem(processingKey, 0, []byte(rec.ID))
		pipe.Del(ClaimPrefix + rec.ID)
		pipe.HIncrBy(failedStatsKey, rec.EventType, 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("webhook: dead letter %s: %w", rec.ID, err)
	}
	p.metrics.IncCounter(telemetry.MetricWebhookFailed, 1, "event_type", rec.EventType)
	p.logger.Warn(ctx, "webhook moved to dead letter queue",
		"webhook_id", rec.ID, "event_type", rec.EventType, "attempts", len(rec.Attempts),
		"status_code", att.StatusCode, "error", att.Error)
	return nil
}

// backoff returns the delay before the next attempt: 1s doubling per
// completed attempt, capped at 5m, with ±10% jitter.
func (p *Pipeline) backoff(attempts int) time.Duration {
	d := float64(baseBackoff) * math.Pow(2, float64(attempts-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	d += d * backoffJitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	return time.Duration(d)
}

// release drops a processing entry and its claim without touching the record.
func (p *Pipeline) release(ctx context.Context, id string) {
	if _, err := p.worker.LRem(ctx, processingKey, 0, []byte(id)); err != nil {
		p.logger.Warn(ctx, "webhook processing entry not released", "webhook_id", id, "error", err)
	}
	if _, err := p.worker.Del(ctx, ClaimPrefix+id); err != nil {
		p.logger.Warn(ctx, "webhook claim not released", "webhook_id", id, "error", err)
	}
}

// MoveDueRetries drains retry entries whose due time has passed back into the
// pending queue and returns the number moved. Safe to run from several
// processes: only the mover that wins the ZREM requeues an ID.
func (p *Pipeline) MoveDueRetries(ctx context.Context) (int, error) {
	nowMs := strconv.FormatInt(p.now().UnixMilli(), 10)
	due, err := p.worker.ZRangeByScore(ctx, retryKey, "-inf", nowMs)
	if err != nil {
		return 0, fmt.Errorf("webhook: scan retries: %w", err)
	}
	moved := 0
	for _, id := range due {
		removed, err := p.worker.ZRem(ctx, retryKey, id)
		if err != nil {
			return moved, fmt.Errorf("webhook: claim retry %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		if err := p.worker.LPush(ctx, pendingKey, []byte(id)); err != nil {
			return moved, fmt.Errorf("webhook: requeue %s: %w", id, err)
		}
		moved++
	}
	return moved, nil
}

// ReapStale requeues processing entries whose claim key expired, recovering
// webhooks abandoned by crashed workers. Returns the number requeued.
func (p *Pipeline) ReapStale(ctx context.Context) (int, error) {
	ids, err := p.worker.LRange(ctx, processingKey, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("webhook: scan processing: %w", err)
	}
	reaped := 0
	for _, id := range ids {
		n, err := p.worker.Exists(ctx, ClaimPrefix+id)
		if err != nil {
			return reaped, fmt.Errorf("webhook: check claim %s: %w", id, err)
		}
		if n > 0 {
			continue
		}
		removed, err := p.worker.LRem(ctx, processingKey, 0, []byte(id))
		if err != nil {
			return reaped, fmt.Errorf("webhook: reclaim %s: %w", id, err)
		}
		if removed == 0 {
			// Finished while we scanned.
			continue
		}
		if err := p.worker.LPush(ctx, pendingKey, []byte(id)); err != nil {
			return reaped, fmt.Errorf("webhook: requeue %s: %w", id, err)
		}
		p.logger.Warn(ctx, "webhook reclaimed from stale worker", "webhook_id", id)
		reaped++
	}
	return reaped, nil
}

// RetryFromDLQ resets a dead-lettered webhook's attempts and requeues it for
// delivery.
func (p *Pipeline) RetryFromDLQ(ctx context.Context, id string) error {
	rec, err := p.loadRecord(ctx, p.store, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	if rec.Status != StatusDLQ {
		return fmt.Errorf("webhook %s: %w", id, ErrNotDead)
	}
	rec.Status = StatusPending
	rec.Attempts = nil
	rec.NextRetry = nil
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("webhook: encode %s: %w", id, err)
	}
	err = p.store.Pipelined(ctx, func(pipe kv.Pipeliner) error {
		pipe.Set(recordPrefix+id, payload, pendingTTL)
		pipe.LRem(dlqKey, 0, []byte(id))
		pipe.LPush(pendingKey, []byte(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("webhook: requeue %s: %w", id, err)
	}
	p.logger.Info(ctx, "webhook requeued from dead letter queue", "webhook_id", id)
	return nil
}

// GetRecord returns the persisted record for id, or ErrNotFound.
func (p *Pipeline) GetRecord(ctx context.Context, id string) (*Record, error) {
	rec, err := p.loadRecord(ctx, p.store, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// Stats reports per-event-type delivery counters, queue depths and the
// earliest scheduled retry.
func (p *Pipeline) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	delivered, err := p.store.HGetAll(ctx, deliveredStatsKey)
	if err != nil {
		return s, fmt.Errorf("webhook: read delivered stats: %w", err)
	}
	failed, err := p.store.HGetAll(ctx, failedStatsKey)
	if err != nil {
		return s, fmt.Errorf("webhook: read failed stats: %w", err)
	}
	s.Delivered = parseCounters(delivered)
	s.Failed = parseCounters(failed)
	if s.Pending, err = p.store.LLen(ctx, pendingKey); err != nil {
		return s, fmt.Errorf("webhook: pending depth: %w", err)
	}
	if s.Processing, err = p.store.LLen(ctx, processingKey); err != nil {
		return s, fmt.Errorf("webhook: processing depth: %w", err)
	}
	if s.Retry, err = p.store.ZCard(ctx, retryKey); err != nil {
		return s, fmt.Errorf("webhook: retry depth: %w", err)
	}
	if s.DLQ, err = p.store.LLen(ctx, dlqKey); err != nil {
		return s, fmt.Errorf("webhook: dlq depth: %w", err)
	}
	next, err := p.store.ZRangeByScoreWithScores(ctx, retryKey, "-inf", "+inf", 0, 1)
	if err != nil {
		return s, fmt.Errorf("webhook: next retry: %w", err)
	}
	if len(next) > 0 {
		at := time.UnixMilli(int64(next[0].Score)).UTC()
		s.NextRetry = &at
	}
	return s, nil
}

func (p *Pipeline) saveRecord(ctx context.Context, store kv.Store, rec *Record, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("webhook: encode %s: %w", rec.ID, err)
	}
	if err := store.Set(ctx, recordPrefix+rec.ID, payload, ttl); err != nil {
		return fmt.Errorf("webhook: persist %s: %w", rec.ID, err)
	}
	return nil
}

func (p *Pipeline) loadRecord(ctx context.Context, store kv.Store, id string) (*Record, error) {
	raw, err := store.Get(ctx, recordPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("webhook: load %s: %w", id, err)
	}
	if raw == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("webhook: decode %s: %w", id, err)
	}
	return &rec, nil
}

func parseCounters(fields map[string]string) map[string]int64 {
	out := make(map[string]int64, len(fields))
	for k, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out
}
