// Package pipeline ingests Keycloak webhook deliveries: signature
// validation on ingress, a bounded in-memory queue and a worker pool that
// turns events into targeted reconciliations.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk-rv/scrambridge/internal/metrics"
	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// Config contains the webhook pipeline settings read from the
// environment.
type Config struct {
	Secret        string        `env:"KEYCLOAK_WEBHOOK_HMAC_SECRET" env-required:"true"`
	QueueCapacity int           `env:"WEBHOOK_QUEUE_CAPACITY"       env-default:"1000"`
	Workers       int           `env:"WEBHOOK_WORKERS"              env-default:"1"`
	MaxAttempts   int           `env:"WEBHOOK_RETRY_MAX_ATTEMPTS"   env-default:"3"`
	BaseDelayMS   int           `env:"WEBHOOK_RETRY_BASE_DELAY_MS"  env-default:"1000"`
	MaxDelayMS    int           `env:"WEBHOOK_RETRY_MAX_DELAY_MS"   env-default:"30000"`
	DrainTimeout  time.Duration `env:"WEBHOOK_DRAIN_TIMEOUT"        env-default:"30s"`
}

// Pipeline owns the webhook queue and its workers. Events enter through
// Submit and leave either as a targeted reconciliation or as a logged
// drop.
type Pipeline struct {
	syncer       scrambridge.SyncService
	operations   scrambridge.OperationStore
	metrics      *metrics.Metrics
	logger       *slog.Logger
	queue        chan *scrambridge.WebhookEvent
	stopCh       chan struct{}
	now          func() time.Time
	clusterID    string
	secret       []byte
	drainTimeout time.Duration
	retryBase    time.Duration
	retryCap     time.Duration
	maxAttempts  int
	workers      int
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
}

// New creates a webhook pipeline. Workers are not started until Start.
func New(
	cfg *Config,
	clusterID string,
	syncer scrambridge.SyncService,
	operations scrambridge.OperationStore,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Pipeline {
	workers := max(cfg.Workers, 1)
	capacity := max(cfg.QueueCapacity, 1)
	return &Pipeline{
		syncer:       syncer,
		operations:   operations,
		metrics:      m,
		logger:       logger,
		queue:        make(chan *scrambridge.WebhookEvent, capacity),
		stopCh:       make(chan struct{}),
		now:          time.Now,
		clusterID:    clusterID,
		secret:       []byte(cfg.Secret),
		drainTimeout: cfg.DrainTimeout,
		retryBase:    time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		retryCap:     time.Duration(cfg.MaxDelayMS) * time.Millisecond,
		maxAttempts:  max(cfg.MaxAttempts, 1),
		workers:      workers,
	}
}

// Submit validates and enqueues one webhook delivery. It returns the
// correlation ID on acceptance, ErrInvalidSignature or ErrPayloadInvalid
// on rejected deliveries and ErrQueueFull when the queue is at capacity.
func (p *Pipeline) Submit(body []byte, signature string) (string, error) {
	if !ValidSignature(p.secret, body, signature) {
		p.metrics.SignatureFailuresTotal.Inc()
		p.metrics.WebhookReceivedTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return "", scrambridge.ErrInvalidSignature
	}

	var payload scrambridge.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		p.metrics.WebhookReceivedTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return "", scrambridge.ErrPayloadInvalid
	}

	correlationID := payload.ID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ev := &scrambridge.WebhookEvent{
		ReceivedAt:    p.now().UTC(),
		CorrelationID: correlationID,
		Signature:     signature,
		Realm:         payload.RealmID,
		ResourceType:  scrambridge.ResourceType(payload.ResourceType),
		OperationType: scrambridge.OperationType(payload.OperationType),
		ResourcePath:  payload.ResourcePath,
		Payload:       body,
	}

	select {
	case p.queue <- ev:
		p.metrics.QueueBacklog.Inc()
		p.metrics.WebhookReceivedTotal.WithLabelValues(metrics.ResultAccepted).Inc()
		return correlationID, nil
	default:
		p.metrics.WebhookReceivedTotal.WithLabelValues(metrics.ResultQueueFull).Inc()
		return "", scrambridge.ErrQueueFull
	}
}

// Backlog reports the number of queued events.
func (p *Pipeline) Backlog() int { return len(p.queue) }

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Info("webhook pipeline started",
		slog.Int("workers", p.workers),
		slog.Int("queue_capacity", cap(p.queue)))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop signals the workers, lets them drain the backlog within the drain
// budget and waits for them to exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("webhook pipeline stopped", slog.Int("undrained", len(p.queue)))
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			p.drain(ctx)
			return
		case ev := <-p.queue:
			p.metrics.QueueBacklog.Dec()
			p.handle(ctx, ev)
		}
	}
}

// drain processes whatever is left in the queue within the drain budget.
func (p *Pipeline) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.drainTimeout)
	defer cancel()

	for {
		select {
		case <-drainCtx.Done():
			return
		case ev := <-p.queue:
			p.metrics.QueueBacklog.Dec()
			p.handle(drainCtx, ev)
		default:
			return
		}
	}
}

// handle runs one event to a terminal outcome: applied, rescheduled or
// dropped.
func (p *Pipeline) handle(ctx context.Context, ev *scrambridge.WebhookEvent) {
	if !p.waitUntilDue(ctx, ev) {
		return
	}

	parsed, err := parseEvent(ev)
	if err != nil {
		p.logger.Warn("dropping malformed webhook event",
			slog.String("correlation_id", ev.CorrelationID),
			slog.Any("error", err))
		return
	}
	if parsed == nil {
		p.logger.Info("ignoring non-actionable webhook event",
			slog.String("correlation_id", ev.CorrelationID),
			slog.String("resource_type", string(ev.ResourceType)),
			slog.String("operation_type", string(ev.OperationType)))
		return
	}

	ev.LastAttemptAt = p.now().UTC()
	start := p.now()
	err = p.syncer.ApplyEvent(ctx, parsed)
	parsed.WipeSecret()
	if err == nil {
		return
	}

	// Attempts are 1-based: RetryCount holds completed redeliveries.
	attemptsSoFar := ev.RetryCount + 1
	if !scrambridge.Retriable(err) || attemptsSoFar >= p.maxAttempts {
		p.recordPermanentFailure(ctx, ev, parsed, err, p.now().Sub(start))
		return
	}

	p.reschedule(ev, err)
}

// waitUntilDue blocks until the event's backoff elapsed. Returns false
// when the pipeline shut down first.
func (p *Pipeline) waitUntilDue(ctx context.Context, ev *scrambridge.WebhookEvent) bool {
	delay := ev.ScheduledNotBefore.Sub(p.now())
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// reschedule re-queues a failed event with exponential backoff, dropping
// it when the queue is full. A fresh backoff also applies when the
// breaker is open; the delay gives the downstream time to recover.
func (p *Pipeline) reschedule(ev *scrambridge.WebhookEvent, cause error) {
	ev.RetryCount++
	p.metrics.RetryTotal.WithLabelValues(
		scrambridge.ErrorCode(cause),
		strconv.Itoa(ev.RetryCount),
	).Inc()

	ev.ScheduledNotBefore = p.now().Add(p.backoff(ev.RetryCount))

	select {
	case p.queue <- ev:
		p.metrics.QueueBacklog.Inc()
		p.logger.Warn("webhook event rescheduled",
			slog.String("correlation_id", ev.CorrelationID),
			slog.Int("retry_count", ev.RetryCount),
			slog.Any("error", cause))
	default:
		p.metrics.WebhookReceivedTotal.WithLabelValues(metrics.ResultQueueFull).Inc()
		p.logger.Error("dropping webhook event, queue full on retry",
			slog.String("correlation_id", ev.CorrelationID),
			slog.Any("error", cause))
	}
}

// recordPermanentFailure writes the terminal ERROR row for an event that
// exhausted its retries or failed with a non-retriable error.
func (p *Pipeline) recordPermanentFailure(
	ctx context.Context,
	ev *scrambridge.WebhookEvent,
	parsed *scrambridge.ParsedEvent,
	cause error,
	took time.Duration,
) {
	p.logger.Error("webhook event permanently failed",
		slog.String("correlation_id", ev.CorrelationID),
		slog.Int("retry_count", ev.RetryCount),
		slog.Any("error", cause))

	opType := scrambridge.OpScramUpsert
	if parsed.Action == scrambridge.ActionDelete {
		opType = scrambridge.OpScramDelete
	}
	// The resolved username matches the orchestrator's audit rows; the
	// opaque provider ID is only a fallback.
	principal := parsed.Username
	if principal == "" {
		principal = parsed.UserID
		if parsed.ResourceType == scrambridge.ResourceClient {
			principal = parsed.ClientID
		}
	}

	op := &scrambridge.SyncOperation{
		OccurredAt:    p.now().UTC(),
		CorrelationID: ev.CorrelationID,
		Realm:         parsed.Realm,
		ClusterID:     p.clusterID,
		Principal:     principal,
		OpType:        opType,
		Result:        scrambridge.ResultError,
		ErrorCode:     scrambridge.ErrorCode(cause),
		ErrorMessage:  cause.Error(),
		DurationMS:    took.Milliseconds(),
		RetryCount:    ev.RetryCount,
	}
	if err := p.operations.RecordOperation(ctx, op); err != nil {
		p.logger.Error("failed to record permanent webhook failure",
			slog.String("correlation_id", ev.CorrelationID),
			slog.Any("error", err))
	}
}

// backoff returns base * 2^(n-1) capped at the configured maximum.
func (p *Pipeline) backoff(n int) time.Duration {
	delay := p.retryBase << (n - 1)
	if delay > p.retryCap {
		return p.retryCap
	}
	return delay
}
