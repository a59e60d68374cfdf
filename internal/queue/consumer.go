package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/orgsync/internal/breaker"
	"github.com/SirClappington/orgsync/internal/domain"
	"github.com/SirClappington/orgsync/internal/ghapi"
	"github.com/SirClappington/orgsync/internal/retry"
	"github.com/SirClappington/orgsync/internal/storage"
)

// API is the slice of the upstream client the dispatcher calls directly.
type API interface {
	CreateRepoFromTemplate(ctx context.Context, a domain.CreateRepoArgs) (string, error)
	SyncTeamMembership(ctx context.Context, a domain.SyncTeamArgs) error
	SyncCollaborators(ctx context.Context, a domain.SyncPermissionsArgs) error
	ArchiveAndLock(ctx context.Context, a domain.ArchiveRepoArgs) error
	RerunWorkflow(ctx context.Context, a domain.RerunWorkflowArgs) error
}

// RepoSyncer runs the template-to-instance synchronization.
type RepoSyncer interface {
	Sync(ctx context.Context, tenant string, a domain.SyncRepoArgs) (domain.SyncResult, error)
}

type MetricSink interface {
	Record(ctx context.Context, m storage.Metric) error
}

type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, d domain.DeadLetter) (string, error)
}

type ConsumerOptions struct {
	QueueName  string
	BatchSize  int
	Visibility time.Duration
}

// Consumer owns the polling loop: lease a batch, process each message with
// independent unordered concurrency, join, poll again. Every failure is
// converted into a requeue-or-dead-letter decision at the per-message
// boundary; nothing propagates far enough to kill the loop.
type Consumer struct {
	q       Queue
	api     API
	syncer  RepoSyncer
	circuit breaker.Store
	policy  *retry.Policy
	metrics MetricSink
	dead    DeadLetterStore
	log     *zap.Logger
	opts    ConsumerOptions
}

func NewConsumer(q Queue, api API, syncer RepoSyncer, circuit breaker.Store,
	policy *retry.Policy, metrics MetricSink, dead DeadLetterStore,
	log *zap.Logger, opts ConsumerOptions) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 4
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 15 * time.Minute
	}
	return &Consumer{
		q: q, api: api, syncer: syncer, circuit: circuit, policy: policy,
		metrics: metrics, dead: dead,
		log:  log.With(zap.String("component", "consumer")),
		opts: opts,
	}
}

// Run polls until ctx is cancelled. An in-flight batch finishes before the
// loop returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("worker loop started",
		zap.String("queue", c.opts.QueueName), zap.Int("batch", c.opts.BatchSize))
	for {
		if err := ctx.Err(); err != nil {
			c.log.Info("worker loop stopped")
			return err
		}
		msgs, err := c.q.Read(ctx, c.opts.QueueName, c.opts.Visibility, c.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("worker loop stopped")
				return ctx.Err()
			}
			c.log.Error("queue read failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		// unordered, independent concurrency within the batch; handler
		// errors are terminal decisions, never group failures
		var g errgroup.Group
		for _, m := range msgs {
			m := m
			g.Go(func() error {
				c.process(ctx, m)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (c *Consumer) process(ctx context.Context, msg Message) {
	var env domain.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		c.log.Error("malformed envelope", zap.String("msg_id", msg.ID), zap.Error(err))
		c.toDeadLetter(ctx, msg, env, "permanent", err)
		c.record(ctx, msg, env, 400)
		return
	}
	log := c.log.With(
		zap.String("msg_id", msg.ID),
		zap.String("method", string(env.Method)),
		zap.String("debug_id", env.DebugID),
		zap.Int("retry_count", env.RetryCount),
	)

	tenant, err := env.Tenant()
	if err != nil {
		// unknown method or undecodable args: permanent, no retries
		log.Error("unresolvable envelope", zap.Error(err))
		c.toDeadLetter(ctx, msg, env, "permanent", err)
		c.record(ctx, msg, env, 400)
		return
	}
	log = log.With(zap.String("tenant", tenant))

	if open, scope := c.circuitOpen(ctx, tenant, env.Method); open {
		if env.RetryCount >= retry.MaxRetries {
			log.Warn("circuit open and retries exhausted, dead-lettering",
				zap.String("scope", string(scope)))
			c.toDeadLetter(ctx, msg, env, "circuit_open", errors.New("circuit open"))
			c.record(ctx, msg, env, 503)
			return
		}
		// throttle only; the retry count is not consumed
		log.Info("circuit open, requeueing", zap.String("scope", string(scope)))
		c.requeue(ctx, msg, env, retry.CircuitOpenDelay)
		c.record(ctx, msg, env, 503)
		return
	}

	err = c.dispatch(ctx, env, log)
	if err == nil {
		if aerr := c.q.Archive(ctx, c.opts.QueueName, msg.ID); aerr != nil {
			log.Error("archive failed", zap.Error(aerr))
		}
		c.record(ctx, msg, env, 200)
		log.Info("processed", zap.Duration("since_enqueue", time.Since(msg.EnqueuedAt)))
		return
	}
	c.handleFailure(ctx, msg, env, tenant, log, err)
}

// circuitOpen checks tenant scope first: a tenant-wide block wins over a
// method-only block.
func (c *Consumer) circuitOpen(ctx context.Context, tenant string, method domain.Method) (bool, breaker.Scope) {
	now := time.Now()
	if cir, err := c.circuit.Get(ctx, breaker.ScopeTenant, tenant); err == nil && cir.Blocking(now) {
		return true, breaker.ScopeTenant
	} else if err != nil {
		c.log.Warn("circuit read failed", zap.Error(err))
	}
	if cir, err := c.circuit.Get(ctx, breaker.ScopeMethod, breaker.MethodKey(tenant, method)); err == nil && cir.Blocking(now) {
		return true, breaker.ScopeMethod
	} else if err != nil {
		c.log.Warn("circuit read failed", zap.Error(err))
	}
	return false, ""
}

func (c *Consumer) dispatch(ctx context.Context, env domain.Envelope, log *zap.Logger) error {
	p, err := env.Payload()
	if err != nil {
		return err
	}
	switch a := p.(type) {
	case *domain.SyncTeamArgs:
		return c.api.SyncTeamMembership(ctx, *a)
	case *domain.CreateRepoArgs:
		_, err := c.api.CreateRepoFromTemplate(ctx, *a)
		return err
	case *domain.SyncPermissionsArgs:
		return c.api.SyncCollaborators(ctx, *a)
	case *domain.ArchiveRepoArgs:
		return c.api.ArchiveAndLock(ctx, *a)
	case *domain.RerunWorkflowArgs:
		return c.api.RerunWorkflow(ctx, *a)
	case *domain.SyncRepoArgs:
		res, err := c.syncer.Sync(ctx, a.Tenant(), *a)
		if err != nil {
			return err
		}
		log.Info("sync finished",
			zap.Bool("no_changes", res.NoChanges),
			zap.Int("pr", res.PRNumber),
			zap.Bool("merged", res.Merged))
		return nil
	}
	return errors.Wrapf(domain.ErrUnknownMethod, "%q", env.Method)
}

// handleFailure implements the failure path: classify, count against the
// error window, trip circuits, then requeue with backoff or dead-letter.
func (c *Consumer) handleFailure(ctx context.Context, msg Message, env domain.Envelope, tenant string, log *zap.Logger, err error) {
	kind := ghapi.Classify(err)
	log.Warn("operation failed", zap.String("kind", string(kind)), zap.Error(err))

	methodKey := breaker.MethodKey(tenant, env.Method)
	switch kind {
	case ghapi.KindPrimary, ghapi.KindSecondary, ghapi.KindSevere:
		// explicit trip: a rate-limit signal blocks the whole tenant
		dur := retry.CircuitDuration(kind, ghapi.RetryHint(err))
		if _, oerr := c.circuit.Open(ctx, breaker.ScopeTenant, tenant, breaker.EventRateLimit, dur, string(kind)); oerr != nil {
			log.Error("circuit open failed", zap.Error(oerr))
		}
	default:
		// brief method block so a failing operation is not hammered
		if _, oerr := c.circuit.Open(ctx, breaker.ScopeMethod, methodKey, breaker.EventImmediateError, breaker.ImmediateOpenFor, err.Error()); oerr != nil {
			log.Error("circuit open failed", zap.Error(oerr))
		}
	}

	if n, werr := c.circuit.RecordError(ctx, tenant, env.Method); werr != nil {
		log.Warn("error window update failed", zap.Error(werr))
	} else if n >= breaker.ErrorThreshold {
		if _, oerr := c.circuit.Open(ctx, breaker.ScopeMethod, methodKey, breaker.EventErrorThreshold, breaker.ThresholdOpenFor, "error threshold"); oerr != nil {
			log.Error("circuit open failed", zap.Error(oerr))
		}
	}

	decision := c.policy.Decide(err, env.RetryCount)
	if decision.DeadLetter {
		kindLabel := string(decision.Kind)
		if decision.Permanent {
			kindLabel = "permanent"
		}
		log.Warn("dead-lettering", zap.String("kind", kindLabel))
		c.toDeadLetter(ctx, msg, env, kindLabel, err)
		c.record(ctx, msg, env, statusFor(decision.Kind))
		return
	}

	env.RetryCount++
	log.Info("requeueing", zap.Duration("delay", decision.Delay), zap.Int("next_retry", env.RetryCount))
	c.requeue(ctx, msg, env, decision.Delay)
	c.record(ctx, msg, env, statusFor(decision.Kind))
}

// requeue sends a fresh copy with the original enqueue time, then archives
// the original: the archive is removal from the active queue, not discard.
func (c *Consumer) requeue(ctx context.Context, msg Message, env domain.Envelope, delay time.Duration) {
	payload, err := json.Marshal(env)
	if err != nil {
		c.log.Error("marshal envelope for requeue", zap.Error(err))
		return
	}
	copyMsg := Message{EnqueuedAt: msg.EnqueuedAt, Payload: payload}
	if err := c.q.SendAt(ctx, c.opts.QueueName, copyMsg, delay); err != nil {
		// leave the original leased; it will come back after visibility
		c.log.Error("requeue send failed", zap.Error(err))
		return
	}
	if err := c.q.Archive(ctx, c.opts.QueueName, msg.ID); err != nil {
		c.log.Error("archive after requeue failed", zap.Error(err))
	}
}

func (c *Consumer) toDeadLetter(ctx context.Context, msg Message, env domain.Envelope, kind string, cause error) {
	d := domain.DeadLetter{
		Method:     env.Method,
		TenantID:   env.TenantID,
		DebugID:    env.DebugID,
		LogID:      env.LogID,
		Envelope:   msg.Payload,
		ErrKind:    kind,
		ErrMessage: cause.Error(),
		RetryCount: env.RetryCount,
	}
	if d.TenantID == "" {
		if t, err := env.Tenant(); err == nil {
			d.TenantID = t
		}
	}
	if _, err := c.dead.InsertDeadLetter(ctx, d); err != nil {
		c.log.Error("dead letter insert failed", zap.Error(err))
		return
	}
	if err := c.q.Archive(ctx, c.opts.QueueName, msg.ID); err != nil {
		c.log.Error("archive after dead letter failed", zap.Error(err))
	}
}

func (c *Consumer) record(ctx context.Context, msg Message, env domain.Envelope, status int) {
	correlation := env.DebugID
	if correlation == "" {
		correlation = msg.ID
	}
	tenant, _ := env.Tenant()
	m := storage.Metric{
		Method:        env.Method,
		StatusCode:    status,
		Tenant:        tenant,
		CorrelationID: correlation,
		LatencyMS:     time.Since(msg.EnqueuedAt).Milliseconds(),
	}
	if err := c.metrics.Record(ctx, m); err != nil {
		c.log.Warn("metric record failed", zap.Error(err))
	}
}

func statusFor(kind ghapi.Kind) int {
	switch kind {
	case ghapi.KindPrimary, ghapi.KindSecondary, ghapi.KindSevere:
		return 429
	default:
		return 500
	}
}
