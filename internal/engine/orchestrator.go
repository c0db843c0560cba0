package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/discount"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/pricing"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
	"github.com/google/uuid"
)

// Defaults for run options left unset.
const (
	DefaultBatchSize = 100
	DefaultWorkers   = 4
)

// RunOptions configures a reconciliation run.
type RunOptions struct {
	// Checkpoint is consulted after every sub-batch that leaves work behind.
	// Returning true pauses the batch.
	Checkpoint func(batch *model.ReconciliationBatch) bool
	// Progress is called after every sub-batch with processed and total counts.
	Progress   func(processed, total int)
	Type       model.BatchType
	Filter     service.PaymentFilter
	BatchSize  int
	Workers    int
	PauseAfter int // Pause after this many sub-batches; zero runs unsupervised
	DryRun     bool
}

func (o RunOptions) withDefaults() RunOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Type == "" {
		o.Type = model.BatchTypeManual
		if o.Filter.Reprocess {
			o.Type = model.BatchTypeReprocessing
		}
	}
	return o
}

// RunResult reports the outcome of a run.
type RunResult struct {
	Batch       *model.ReconciliationBatch
	Results     []model.ReconciliationResult
	CacheHits   int
	CacheMisses int
	Duration    time.Duration
}

// runParameters is the JSON form of a run's options kept on the batch.
type runParameters struct {
	StartDate     *time.Time `json:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	Term          string     `json:"term,omitempty"`
	StudentID     string     `json:"student_id,omitempty"`
	PaymentIDs    []string   `json:"payment_ids,omitempty"`
	Year          int        `json:"year,omitempty"`
	BatchSize     int        `json:"batch_size"`
	Workers       int        `json:"workers"`
	Reprocess     bool       `json:"reprocess"`
	OnlyUnmatched bool       `json:"only_unmatched"`
	DryRun        bool       `json:"dry_run"`
}

func encodeParameters(opts RunOptions) ([]byte, error) {
	return json.Marshal(runParameters{
		StartDate:     opts.Filter.StartDate,
		EndDate:       opts.Filter.EndDate,
		Term:          opts.Filter.Term,
		StudentID:     opts.Filter.StudentID,
		PaymentIDs:    opts.Filter.PaymentIDs,
		Year:          opts.Filter.Year,
		BatchSize:     opts.BatchSize,
		Workers:       opts.Workers,
		Reprocess:     opts.Filter.Reprocess,
		OnlyUnmatched: opts.Filter.OnlyUnmatched,
		DryRun:        opts.DryRun,
	})
}

func decodeParameters(raw []byte) (RunOptions, error) {
	var p runParameters
	if err := json.Unmarshal(raw, &p); err != nil {
		return RunOptions{}, fmt.Errorf("failed to decode batch parameters: %w", err)
	}
	return RunOptions{
		Filter: service.PaymentFilter{
			StartDate:     p.StartDate,
			EndDate:       p.EndDate,
			Term:          p.Term,
			StudentID:     p.StudentID,
			PaymentIDs:    p.PaymentIDs,
			Year:          p.Year,
			Reprocess:     p.Reprocess,
			OnlyUnmatched: p.OnlyUnmatched,
		},
		BatchSize: p.BatchSize,
		Workers:   p.Workers,
		DryRun:    p.DryRun,
	}, nil
}

// Orchestrator drives reconciliation batches over the store.
type Orchestrator struct {
	storage       service.Storage
	prices        service.PriceService
	inferrer      *discount.Inferrer
	now           func() time.Time
	thresholds    Thresholds
	lookupTimeout time.Duration
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(storage service.Storage, prices service.PriceService, inferrer *discount.Inferrer, thresholds Thresholds, lookupTimeout time.Duration) (*Orchestrator, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	if inferrer == nil {
		var err error
		if inferrer, err = discount.NewDefaultInferrer(); err != nil {
			return nil, err
		}
	}
	return &Orchestrator{
		storage:       storage,
		prices:        prices,
		inferrer:      inferrer,
		thresholds:    thresholds,
		lookupTimeout: lookupTimeout,
		now:           time.Now,
	}, nil
}

// Run creates a batch, selects its working set and reconciles it. A returned
// error means the batch FAILED; the result still carries the batch when one
// was created.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	start := o.now()
	opts = opts.withDefaults()

	params, err := encodeParameters(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run parameters: %w", err)
	}

	summary := model.NewBatchSummary()
	summary.DryRun = opts.DryRun
	batch := &model.ReconciliationBatch{
		ID:         uuid.NewString(),
		Type:       opts.Type,
		Status:     model.BatchPending,
		StartDate:  opts.Filter.StartDate,
		EndDate:    opts.Filter.EndDate,
		Parameters: params,
		Summary:    summary,
		DryRun:     opts.DryRun,
	}
	if err := o.storage.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	o.audit(ctx, batch, model.AuditBatchCreated, fmt.Sprintf("%s batch created", batch.Type))

	result := &RunResult{Batch: batch}

	payments, err := o.storage.ListPayments(ctx, opts.Filter)
	if err != nil {
		return result, o.fail(ctx, batch, fmt.Errorf("failed to select payments: %w", err))
	}
	payments = dedupe(payments)
	batch.TotalCount = len(payments)

	slog.Info("Starting reconciliation",
		"batch_id", batch.ID,
		"payments", len(payments),
		"batch_size", opts.BatchSize,
		"workers", opts.Workers,
		"dry_run", opts.DryRun)

	if err := o.transition(ctx, batch, model.BatchProcessing, model.AuditBatchStarted, fmt.Sprintf("%d payments selected", len(payments))); err != nil {
		return result, o.fail(ctx, batch, err)
	}

	err = o.process(ctx, batch, payments, opts, result)
	result.Duration = o.now().Sub(start)
	return result, err
}

// Resume continues a PAUSED batch over the payments it has not processed yet.
func (o *Orchestrator) Resume(ctx context.Context, batchID string, progress func(processed, total int)) (*RunResult, error) {
	start := o.now()

	batch, err := o.storage.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}
	if batch.Status != model.BatchPaused {
		return nil, fmt.Errorf("%w: %s is %s", common.ErrBatchNotPaused, batchID, batch.Status)
	}

	opts, err := decodeParameters(batch.Parameters)
	if err != nil {
		return nil, err
	}
	opts.Progress = progress
	opts.Type = batch.Type
	opts = opts.withDefaults()

	result := &RunResult{Batch: batch}

	done, err := o.storage.GetProcessedPaymentIDs(ctx, batchID)
	if err != nil {
		return result, o.fail(ctx, batch, fmt.Errorf("failed to load processed payments: %w", err))
	}
	selected, err := o.storage.ListPayments(ctx, opts.Filter)
	if err != nil {
		return result, o.fail(ctx, batch, fmt.Errorf("failed to select payments: %w", err))
	}
	remaining := make([]model.Payment, 0, len(selected))
	for _, p := range dedupe(selected) {
		if !done[p.ID] {
			remaining = append(remaining, p)
		}
	}

	// Payments settled elsewhere while the batch was paused drop out of the total.
	message := fmt.Sprintf("%d payments remaining", len(remaining))
	if total := batch.ProcessedCount + len(remaining); total < batch.TotalCount {
		skipped := batch.TotalCount - total
		message = fmt.Sprintf("%s, %d no longer selected", message, skipped)
		slog.Info("Payments left the selection while paused", "batch_id", batch.ID, "skipped", skipped)
		batch.TotalCount = total
	}

	if err := o.transition(ctx, batch, model.BatchProcessing, model.AuditBatchResumed, message); err != nil {
		return result, o.fail(ctx, batch, err)
	}

	err = o.process(ctx, batch, remaining, opts, result)
	result.Duration = o.now().Sub(start)
	return result, err
}

// process reconciles payments inside one transaction and settles the batch.
func (o *Orchestrator) process(ctx context.Context, batch *model.ReconciliationBatch, payments []model.Payment, opts RunOptions, result *RunResult) error {
	// The transaction outlives cancellation so finished sub-batches can commit.
	tx, err := o.storage.BeginTx(context.WithoutCancel(ctx))
	if err != nil {
		return o.fail(ctx, batch, fmt.Errorf("failed to begin transaction: %w", err))
	}

	// Counts committed before a pause survive a rollback of this run.
	committed := batch.Counts()

	resolver := pricing.NewResolver(o.prices, o.lookupTimeout)
	matcher := NewMatcher(resolver, o.inferrer, o.thresholds)
	matcher.now = o.now

	chunks := partition(payments, opts.BatchSize)
	next := model.BatchCompleted

	for i, chunk := range chunks {
		if ctx.Err() != nil {
			next = model.BatchCancelled
			break
		}

		statuses, writeErr := o.processChunk(ctx, tx, matcher, batch, chunk, opts.Workers)
		result.Results = append(result.Results, statuses...)
		if writeErr != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Error("Failed to roll back transaction", "batch_id", batch.ID, "error", rbErr)
			}
			result.Results = nil
			batch.RestoreCounts(committed)
			return o.fail(ctx, batch, writeErr)
		}

		if opts.Progress != nil {
			opts.Progress(batch.ProcessedCount, batch.TotalCount)
		}

		if ctx.Err() != nil {
			next = model.BatchCancelled
			break
		}
		if i < len(chunks)-1 && !opts.DryRun && o.shouldPause(batch, opts, i+1) {
			next = model.BatchPaused
			break
		}
	}

	result.CacheHits, result.CacheMisses = resolver.CacheStats()

	if opts.DryRun {
		if err := tx.Rollback(); err != nil {
			return o.fail(ctx, batch, fmt.Errorf("failed to roll back dry run: %w", err))
		}
		batch.Summary.RolledBack = true
	} else if err := tx.Commit(); err != nil {
		result.Results = nil
		batch.RestoreCounts(committed)
		return o.fail(ctx, batch, fmt.Errorf("failed to commit reconciliation: %w", err))
	}

	message := fmt.Sprintf("%d of %d payments processed", batch.ProcessedCount, batch.TotalCount)
	if err := o.transition(ctx, batch, next, model.AuditEventFor(next), message); err != nil {
		return err
	}

	slog.Info("Reconciliation finished",
		"batch_id", batch.ID,
		"status", batch.Status,
		"processed", batch.ProcessedCount,
		"failed", batch.FailedCount,
		"cache_hits", result.CacheHits,
		"cache_misses", result.CacheMisses)
	return nil
}

func (o *Orchestrator) shouldPause(batch *model.ReconciliationBatch, opts RunOptions, chunksDone int) bool {
	if opts.PauseAfter > 0 && chunksDone >= opts.PauseAfter {
		return true
	}
	return opts.Checkpoint != nil && opts.Checkpoint(batch)
}

// chunkResult carries one evaluated payment from a worker to the collector.
type chunkResult struct {
	payment model.Payment
	status  model.ReconciliationStatus
	index   int
}

// processChunk evaluates a sub-batch on a worker pool. Only the collector
// writes, so statuses reach the transaction one at a time.
func (o *Orchestrator) processChunk(
	ctx context.Context,
	tx service.Transaction,
	matcher *Matcher,
	batch *model.ReconciliationBatch,
	chunk []model.Payment,
	workers int,
) ([]model.ReconciliationResult, error) {
	workChan := make(chan int, len(chunk))
	for i := range chunk {
		workChan <- i
	}
	close(workChan)

	resultsChan := make(chan chunkResult, len(chunk))

	if workers > len(chunk) {
		workers = len(chunk)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range workChan {
				if ctx.Err() != nil {
					return
				}
				status := matcher.Evaluate(ctx, tx, chunk[i], batch.ID)
				// A payment interrupted mid-evaluation stays unprocessed.
				if ctx.Err() != nil {
					return
				}
				resultsChan <- chunkResult{index: i, payment: chunk[i], status: status}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	collected := make([]*chunkResult, len(chunk))
	var writeErr error
	for r := range resultsChan {
		if writeErr != nil {
			continue
		}
		if err := tx.SaveReconciliationStatus(context.WithoutCancel(ctx), &r.status); err != nil {
			writeErr = fmt.Errorf("failed to save status for payment %s: %w", r.payment.ID, err)
			continue
		}
		batch.Record(r.status)
		collected[r.index] = &r
		common.LogDebug(ctx, "Payment reconciled", common.Fields{
			"batch_id":   batch.ID,
			"payment_id": r.payment.ID,
			"status":     r.status.Status,
			"confidence": r.status.Confidence,
		})
	}

	results := make([]model.ReconciliationResult, 0, len(chunk))
	for _, r := range collected {
		if r != nil {
			results = append(results, model.ReconciliationResult{Payment: r.payment, Status: r.status})
		}
	}
	return results, writeErr
}

// transition moves the batch, persists it and records the audit event.
func (o *Orchestrator) transition(ctx context.Context, batch *model.ReconciliationBatch, next model.BatchStatus, event model.AuditEventType, message string) error {
	if err := batch.TransitionTo(next, o.now().UTC()); err != nil {
		return err
	}
	if err := o.storage.UpdateBatch(context.WithoutCancel(ctx), batch); err != nil {
		return fmt.Errorf("failed to update batch %s: %w", batch.ID, err)
	}
	o.audit(ctx, batch, event, message)
	return nil
}

// fail marks the batch FAILED and returns the cause for the caller.
func (o *Orchestrator) fail(ctx context.Context, batch *model.ReconciliationBatch, cause error) error {
	batch.ErrorMessage = cause.Error()
	if err := batch.TransitionTo(model.BatchFailed, o.now().UTC()); err != nil {
		return errors.Join(cause, err)
	}
	if err := o.storage.UpdateBatch(context.WithoutCancel(ctx), batch); err != nil {
		slog.Error("Failed to record batch failure", "batch_id", batch.ID, "error", err)
	}
	o.audit(ctx, batch, model.AuditBatchFailed, cause.Error())

	common.LogError(ctx, cause, "Reconciliation batch failed", common.Fields{"batch_id": batch.ID})
	return cause
}

// audit appends a lifecycle event. A failing audit sink is logged, not fatal.
func (o *Orchestrator) audit(ctx context.Context, batch *model.ReconciliationBatch, eventType model.AuditEventType, message string) {
	event := model.AuditEvent{
		BatchID:    batch.ID,
		Type:       eventType,
		Message:    message,
		OccurredAt: o.now().UTC(),
	}
	if err := o.storage.RecordAuditEvent(context.WithoutCancel(ctx), event); err != nil {
		slog.Warn("Failed to record audit event",
			"batch_id", batch.ID,
			"event", eventType,
			"error", err)
	}
}

// dedupe drops repeated payment IDs, keeping the first occurrence.
func dedupe(payments []model.Payment) []model.Payment {
	seen := make(map[string]bool, len(payments))
	out := make([]model.Payment, 0, len(payments))
	for _, p := range payments {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	return out
}

func partition(payments []model.Payment, size int) [][]model.Payment {
	if len(payments) == 0 {
		return nil
	}
	chunks := make([][]model.Payment, 0, (len(payments)+size-1)/size)
	for start := 0; start < len(payments); start += size {
		end := start + size
		if end > len(payments) {
			end = len(payments)
		}
		chunks = append(chunks, payments[start:end])
	}
	return chunks
}
