// Package sync implements the reconciliation orchestrator: the full diff
// cycle against the cluster and the targeted cycle driven by webhook
// events.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vk-rv/scrambridge/internal/diff"
	"github.com/vk-rv/scrambridge/internal/metrics"
	"github.com/vk-rv/scrambridge/internal/scram"
	"github.com/vk-rv/scrambridge/internal/scrambridge"
	"golang.org/x/sync/errgroup"
)

// passwordLength is the size of generated transient passwords.
const passwordLength = 32

// Config contains the reconciliation settings read from the environment.
type Config struct {
	AlwaysUpsert       bool     `env:"RECONCILE_ALWAYS_UPSERT"       env-default:"true"`
	ExcludedPrincipals []string `env:"RECONCILE_EXCLUDED_PRINCIPALS"`
	Mechanisms         []string `env:"SCRAM_MECHANISMS"              env-default:"SCRAM-SHA-512"`
	Iterations         int      `env:"SCRAM_ITERATIONS"              env-default:"4096"`
}

// Validate rejects mechanism and iteration settings the cluster would
// refuse.
func (c *Config) Validate() error {
	if len(c.Mechanisms) == 0 {
		return fmt.Errorf("sync: at least one SCRAM mechanism is required")
	}
	for _, m := range c.Mechanisms {
		if !scrambridge.Mechanism(m).Valid() {
			return fmt.Errorf("sync: unsupported SCRAM mechanism %q", m)
		}
	}
	if c.Iterations < scram.MinIterations {
		return fmt.Errorf("sync: SCRAM_ITERATIONS must be >= %d, got %d", scram.MinIterations, c.Iterations)
	}
	return nil
}

// Service drives reconciliation cycles. Implements
// scrambridge.SyncService. Only one full cycle runs at a time; targeted
// event cycles are not gated.
type Service struct {
	directory  scrambridge.Directory
	admin      scrambridge.ScramAdmin
	operations scrambridge.OperationStore
	batches    scrambridge.BatchStore
	retention  scrambridge.RetentionService
	policy     *diff.ExclusionPolicy
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	realm        string
	clusterID    string
	mechanisms   []scrambridge.Mechanism
	iterations   int
	alwaysUpsert bool

	running   atomic.Bool
	mu        sync.Mutex
	currentID string
}

// NewService is a constructor of the orchestrator.
func NewService(
	cfg *Config,
	realm string,
	clusterID string,
	directory scrambridge.Directory,
	admin scrambridge.ScramAdmin,
	operations scrambridge.OperationStore,
	batches scrambridge.BatchStore,
	retention scrambridge.RetentionService,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mechanisms := make([]scrambridge.Mechanism, 0, len(cfg.Mechanisms))
	for _, m := range cfg.Mechanisms {
		mechanisms = append(mechanisms, scrambridge.Mechanism(m))
	}

	return &Service{
		directory:    directory,
		admin:        admin,
		operations:   operations,
		batches:      batches,
		retention:    retention,
		policy:       diff.NewExclusionPolicy(cfg.ExcludedPrincipals),
		metrics:      m,
		logger:       logger,
		now:          time.Now,
		realm:        realm,
		clusterID:    clusterID,
		mechanisms:   mechanisms,
		iterations:   cfg.Iterations,
		alwaysUpsert: cfg.AlwaysUpsert,
	}, nil
}

// Status reports whether a full cycle is running and its correlation ID.
func (s *Service) Status() scrambridge.ReconcileStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scrambridge.ReconcileStatus{
		Running:              s.running.Load(),
		CurrentCorrelationID: s.currentID,
	}
}

func (s *Service) setCurrent(id string) {
	s.mu.Lock()
	s.currentID = id
	s.mu.Unlock()
}

// Reconcile runs one full diff cycle. A periodic trigger that finds a
// cycle running is counted and skipped; any other source gets
// ErrReconcileRunning for the caller to surface as a conflict.
func (s *Service) Reconcile(ctx context.Context, source scrambridge.BatchSource) (*scrambridge.ReconcileResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		if source == scrambridge.SourcePeriodic {
			s.metrics.ReconcileSkippedTotal.Inc()
			s.logger.Info("skipping periodic reconciliation, another cycle is running")
		}
		return nil, scrambridge.ErrReconcileRunning
	}
	defer s.running.Store(false)

	correlationID := uuid.NewString()
	s.setCurrent(correlationID)
	defer s.setCurrent("")

	start := s.now()
	logger := s.logger.With(
		slog.String("correlation_id", correlationID),
		slog.String("source", string(source)))
	logger.Info("reconciliation started")

	var (
		users      []scrambridge.User
		principals map[string][]scrambridge.Mechanism
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := s.directory.FetchAllUsers(gctx, s.realm)
		if err != nil {
			return fmt.Errorf("fetch users: %w", err)
		}
		s.metrics.KCFetchTotal.Inc()
		users = u
		return nil
	})
	g.Go(func() error {
		p, err := s.admin.DescribeCredentials(gctx)
		if err != nil {
			return fmt.Errorf("describe credentials: %w", err)
		}
		principals = p
		return nil
	})
	if err := g.Wait(); err != nil {
		s.failBatch(ctx, correlationID, source, start, err)
		logger.Error("reconciliation aborted", slog.Any("error", err))
		// The failed batch row exists under this correlation ID; callers
		// surface it so the abort can be found in the audit trail.
		return &scrambridge.ReconcileResult{CorrelationID: correlationID}, err
	}

	plan := diff.Compute(users, principals, s.policy, s.alwaysUpsert)

	batch := &scrambridge.SyncBatch{
		StartedAt:     start.UTC(),
		CorrelationID: correlationID,
		Source:        source,
		ItemsTotal:    len(users) + len(plan.Deletes),
	}
	if err := s.batches.CreateBatch(ctx, batch); err != nil {
		logger.Error("reconciliation aborted", slog.Any("error", err))
		return nil, fmt.Errorf("create batch: %w", err)
	}

	success, errCount, summary := s.applyPlan(ctx, correlationID, plan, principals, users, logger)

	if err := s.batches.CompleteBatch(ctx, correlationID, success, errCount, summary); err != nil {
		logger.Error("failed to complete batch", slog.Any("error", err))
	}

	elapsed := s.now().Sub(start)
	s.metrics.ReconcileDuration.Observe(elapsed.Seconds())
	if errCount == 0 && summary == "" {
		s.metrics.LastSuccessEpoch.SetToCurrentTime()
	}

	logger.Info("reconciliation finished",
		slog.Int("items_total", batch.ItemsTotal),
		slog.Int("items_success", success),
		slog.Int("items_error", errCount),
		slog.Duration("took", elapsed))

	go func() {
		purgeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := s.retention.Purge(purgeCtx); err != nil {
			s.logger.Error("post-reconcile retention purge failed", slog.Any("error", err))
		}
	}()

	return &scrambridge.ReconcileResult{
		CorrelationID: correlationID,
		ItemsTotal:    batch.ItemsTotal,
		ItemsSuccess:  success,
		ItemsError:    errCount,
		DurationMS:    elapsed.Milliseconds(),
	}, nil
}

// applyPlan turns the plan into credential alterations, submits them as
// one admin batch and records the audit rows. Returns the success and
// error counts plus a summary for the batch row.
func (s *Service) applyPlan(
	ctx context.Context,
	correlationID string,
	plan *scrambridge.SyncPlan,
	observed map[string][]scrambridge.Mechanism,
	users []scrambridge.User,
	logger *slog.Logger,
) (success, errCount int, summary string) {
	upserts, skipped, err := s.buildUpsertions(plan, users)
	if err != nil {
		return 0, 0, err.Error()
	}
	deletes := buildDeletions(plan, observed)

	ops := make([]scrambridge.SyncOperation, 0, len(upserts)+len(deletes)+len(skipped))
	now := s.now().UTC()
	for _, principal := range skipped {
		ops = append(ops, scrambridge.SyncOperation{
			OccurredAt:    now,
			CorrelationID: correlationID,
			Realm:         s.realm,
			ClusterID:     s.clusterID,
			Principal:     principal,
			OpType:        scrambridge.OpScramUpsert,
			Result:        scrambridge.ResultSkipped,
		})
		success++
	}

	if len(upserts) > 0 || len(deletes) > 0 {
		alterStart := s.now()
		results, alterErr := s.admin.AlterCredentials(ctx, upserts, deletes)
		took := s.now().Sub(alterStart).Milliseconds()
		s.metrics.ScramUpsertsTotal.Add(float64(len(upserts)))
		s.metrics.ScramDeletesTotal.Add(float64(len(deletes)))

		if alterErr != nil {
			summary = fmt.Sprintf("alter credentials: %s", alterErr)
		}

		// Audit rows stay per mechanism; the batch counters tally every
		// principal once so success + error never exceeds items_total. One
		// failed mechanism fails the whole principal.
		failed := make(map[string]bool, len(upserts)+len(deletes))
		for _, u := range upserts {
			op := s.operationRow(correlationID, u.Principal, scrambridge.OpScramUpsert, u.Mechanism, took)
			applyResult(&op, results, alterErr)
			tallyPrincipal(failed, &op)
			ops = append(ops, op)
		}
		for _, d := range deletes {
			op := s.operationRow(correlationID, d.Principal, scrambridge.OpScramDelete, d.Mechanism, took)
			applyResult(&op, results, alterErr)
			tallyPrincipal(failed, &op)
			ops = append(ops, op)
		}
		for _, principalFailed := range failed {
			if principalFailed {
				errCount++
			} else {
				success++
			}
		}
	}

	if len(ops) > 0 {
		if err := s.operations.RecordOperations(ctx, ops); err != nil {
			// The cluster state already changed; losing the audit rows is
			// reported on the batch instead of aborting.
			logger.Error("failed to record operations", slog.Any("error", err))
			if summary == "" {
				summary = fmt.Sprintf("record operations: %s", err)
			}
		}
	}
	return success, errCount, summary
}

// buildUpsertions derives one credential per mechanism for every planned
// user. Users outside the plan are reported as skipped.
func (s *Service) buildUpsertions(plan *scrambridge.SyncPlan, users []scrambridge.User) ([]scrambridge.Upsertion, []string, error) {
	planned := make(map[string]struct{}, len(plan.Upserts))
	for i := range plan.Upserts {
		planned[plan.Upserts[i].Username] = struct{}{}
	}
	var skipped []string
	for i := range users {
		if _, ok := planned[users[i].Username]; !ok {
			skipped = append(skipped, users[i].Username)
		}
	}

	upserts := make([]scrambridge.Upsertion, 0, len(plan.Upserts)*len(s.mechanisms))
	for i := range plan.Upserts {
		password, err := scram.RandomPassword(passwordLength)
		if err != nil {
			return nil, nil, fmt.Errorf("generate password: %w", err)
		}
		batch, err := s.credentialUpsertions(plan.Upserts[i].Username, password)
		if err != nil {
			return nil, nil, err
		}
		upserts = append(upserts, batch...)
	}
	return upserts, skipped, nil
}

// credentialUpsertions derives one Upsertion per configured mechanism.
func (s *Service) credentialUpsertions(principal, password string) ([]scrambridge.Upsertion, error) {
	upserts := make([]scrambridge.Upsertion, 0, len(s.mechanisms))
	for _, mech := range s.mechanisms {
		cred, err := scram.Generate(password, mech, s.iterations)
		if err != nil {
			return nil, fmt.Errorf("generate credential for %s: %w", principal, err)
		}
		upserts = append(upserts, scrambridge.Upsertion{
			Principal:      principal,
			Mechanism:      mech,
			Salt:           cred.Salt,
			SaltedPassword: cred.SaltedPassword,
			Iterations:     cred.Iterations,
		})
	}
	return upserts, nil
}

// buildDeletions expands every planned delete into one Deletion per
// mechanism the cluster reported for the principal.
func buildDeletions(plan *scrambridge.SyncPlan, observed map[string][]scrambridge.Mechanism) []scrambridge.Deletion {
	var deletes []scrambridge.Deletion
	for _, principal := range plan.Deletes {
		for _, mech := range observed[principal] {
			deletes = append(deletes, scrambridge.Deletion{Principal: principal, Mechanism: mech})
		}
	}
	return deletes
}

func (s *Service) operationRow(
	correlationID, principal string,
	opType scrambridge.OpType,
	mech scrambridge.Mechanism,
	durationMS int64,
) scrambridge.SyncOperation {
	return scrambridge.SyncOperation{
		OccurredAt:    s.now().UTC(),
		CorrelationID: correlationID,
		Realm:         s.realm,
		ClusterID:     s.clusterID,
		Principal:     principal,
		OpType:        opType,
		Mechanism:     mech,
		Result:        scrambridge.ResultSuccess,
		DurationMS:    durationMS,
	}
}

// tallyPrincipal folds one audit row into the per-principal outcome.
func tallyPrincipal(failed map[string]bool, op *scrambridge.SyncOperation) {
	if op.Result == scrambridge.ResultError {
		failed[op.Principal] = true
		return
	}
	if _, ok := failed[op.Principal]; !ok {
		failed[op.Principal] = false
	}
}

// applyResult folds the per-principal admin outcome into the audit row.
func applyResult(op *scrambridge.SyncOperation, results map[string]scrambridge.AlterResult, alterErr error) {
	if alterErr != nil {
		op.Result = scrambridge.ResultError
		op.ErrorCode = scrambridge.ErrorCode(alterErr)
		op.ErrorMessage = alterErr.Error()
		return
	}
	if res, ok := results[op.Principal]; ok && res.Err != nil {
		op.Result = scrambridge.ResultError
		op.ErrorCode = res.ErrorCode
		op.ErrorMessage = res.ErrorMessage
	}
}

// failBatch records an aborted cycle whose inputs could not be fetched.
func (s *Service) failBatch(ctx context.Context, correlationID string, source scrambridge.BatchSource, start time.Time, cause error) {
	batch := &scrambridge.SyncBatch{
		StartedAt:     start.UTC(),
		CorrelationID: correlationID,
		Source:        source,
		ItemsTotal:    0,
	}
	if err := s.batches.CreateBatch(ctx, batch); err != nil {
		s.logger.Error("failed to create aborted batch", slog.Any("error", err))
		return
	}
	if err := s.batches.CompleteBatch(ctx, correlationID, 0, 0, cause.Error()); err != nil {
		s.logger.Error("failed to complete aborted batch", slog.Any("error", err))
	}
}

// ApplyEvent runs a targeted cycle for the principal referenced by a
// webhook event.
func (s *Service) ApplyEvent(ctx context.Context, ev *scrambridge.ParsedEvent) error {
	principal, secret, action, err := s.resolveEvent(ctx, ev)
	if err != nil {
		return err
	}
	if principal == "" {
		s.logger.Info("event principal could not be resolved, dropping",
			slog.String("correlation_id", ev.CorrelationID))
		return nil
	}

	correlationID := uuid.NewString()
	start := s.now()
	batch := &scrambridge.SyncBatch{
		StartedAt:     start.UTC(),
		CorrelationID: correlationID,
		Source:        scrambridge.SourceWebhook,
		ItemsTotal:    1,
	}
	if err := s.batches.CreateBatch(ctx, batch); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}

	applyErr := s.applyTargeted(ctx, correlationID, principal, secret, action, ev.RetryCount)

	success, errCount, summary := 1, 0, ""
	if applyErr != nil {
		success, errCount, summary = 0, 1, applyErr.Error()
	}
	if err := s.batches.CompleteBatch(ctx, correlationID, success, errCount, summary); err != nil {
		s.logger.Error("failed to complete event batch",
			slog.String("correlation_id", correlationID), slog.Any("error", err))
	}
	return applyErr
}

// resolveEvent maps the event onto a concrete principal. An upsert of a
// user that no longer exists or is disabled becomes a delete so the
// credential does not outlive the account.
func (s *Service) resolveEvent(ctx context.Context, ev *scrambridge.ParsedEvent) (principal, secret string, action scrambridge.EventAction, err error) {
	action = ev.Action
	secret = ev.PlaintextSecret

	switch ev.ResourceType {
	case scrambridge.ResourceUser:
		if ev.Action == scrambridge.ActionDelete {
			return s.deletedUserPrincipal(ctx, ev), secret, action, nil
		}
		user, lookupErr := s.directory.UserByID(ctx, ev.UserID)
		if lookupErr != nil {
			if scrambridge.ClassOf(lookupErr) == scrambridge.ClassNotFound {
				return s.deletedUserPrincipal(ctx, ev), secret, scrambridge.ActionDelete, nil
			}
			return "", "", action, lookupErr
		}
		if !user.Enabled {
			return user.Username, secret, scrambridge.ActionDelete, nil
		}
		return user.Username, secret, action, nil

	case scrambridge.ResourceClient:
		user, lookupErr := s.directory.ServiceAccountUser(ctx, ev.ClientID)
		if lookupErr == nil {
			return user.Username, secret, action, nil
		}
		if scrambridge.ClassOf(lookupErr) == scrambridge.ClassNotFound {
			// The deleted client cannot be resolved anymore; its
			// service-account principal follows the provider convention.
			return "service-account-" + strings.ToLower(ev.ClientID), secret, scrambridge.ActionDelete, nil
		}
		return "", "", action, lookupErr

	default:
		return "", "", action, nil
	}
}

// deletedUserPrincipal recovers the principal of a user that is gone from
// the provider: the event representation first, then the lookup cache.
func (s *Service) deletedUserPrincipal(ctx context.Context, ev *scrambridge.ParsedEvent) string {
	if ev.Username != "" {
		return ev.Username
	}
	user, err := s.directory.UserByID(ctx, ev.UserID)
	if err != nil {
		return ""
	}
	return user.Username
}

// applyTargeted performs the single-principal alteration and records its
// audit row.
func (s *Service) applyTargeted(
	ctx context.Context,
	correlationID, principal, secret string,
	action scrambridge.EventAction,
	retryCount int,
) error {
	var (
		upserts []scrambridge.Upsertion
		deletes []scrambridge.Deletion
		opType  scrambridge.OpType
		err     error
	)

	switch action {
	case scrambridge.ActionUpsert:
		opType = scrambridge.OpScramUpsert
		password := secret
		if password == "" {
			if password, err = scram.RandomPassword(passwordLength); err != nil {
				return fmt.Errorf("generate password: %w", err)
			}
		}
		upserts, err = s.credentialUpsertions(principal, password)
		if err != nil {
			return err
		}
	case scrambridge.ActionDelete:
		opType = scrambridge.OpScramDelete
		observed, descErr := s.admin.DescribeCredentials(ctx)
		if descErr != nil {
			return descErr
		}
		for _, mech := range observed[principal] {
			deletes = append(deletes, scrambridge.Deletion{Principal: principal, Mechanism: mech})
		}
		if len(deletes) == 0 {
			// Nothing to remove; record the no-op so the event is auditable.
			op := s.operationRow(correlationID, principal, opType, "", 0)
			op.Result = scrambridge.ResultSkipped
			op.RetryCount = retryCount
			return s.operations.RecordOperation(ctx, &op)
		}
	}

	alterStart := s.now()
	results, alterErr := s.admin.AlterCredentials(ctx, upserts, deletes)
	took := s.now().Sub(alterStart).Milliseconds()
	s.metrics.ScramUpsertsTotal.Add(float64(len(upserts)))
	s.metrics.ScramDeletesTotal.Add(float64(len(deletes)))

	ops := make([]scrambridge.SyncOperation, 0, len(upserts)+len(deletes))
	for _, u := range upserts {
		op := s.operationRow(correlationID, u.Principal, opType, u.Mechanism, took)
		op.RetryCount = retryCount
		applyResult(&op, results, alterErr)
		ops = append(ops, op)
	}
	for _, d := range deletes {
		op := s.operationRow(correlationID, d.Principal, opType, d.Mechanism, took)
		op.RetryCount = retryCount
		applyResult(&op, results, alterErr)
		ops = append(ops, op)
	}
	if err := s.operations.RecordOperations(ctx, ops); err != nil {
		s.logger.Error("failed to record event operations",
			slog.String("correlation_id", correlationID), slog.Any("error", err))
	}

	if alterErr != nil {
		return alterErr
	}
	for _, op := range ops {
		if op.Result == scrambridge.ResultError {
			return scrambridge.Classify(scrambridge.ClassTransient,
				fmt.Errorf("alter %s for %s failed: %s", op.OpType, op.Principal, op.ErrorMessage))
		}
	}
	return nil
}
