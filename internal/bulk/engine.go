// Package bulk drives the asynchronous generation of synthetic form
// submissions in transactional batches.
package bulk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"formvault/internal/notify"
	"formvault/internal/objectstore"
	"formvault/internal/store"
	"formvault/pkg/api"
)

// Validation errors surfaced synchronously, before a job is created.
var (
	ErrInvalidCount      = errors.New("count must be between 1 and 5000")
	ErrInvalidBatchSize  = errors.New("batch size must be between 1 and 500")
	ErrInvalidBasePhone  = errors.New("base phone must be numeric")
	ErrMissingAttachment = errors.New("exactly one attachment template is required")
	ErrFormLimitExceeded = errors.New("form limit exceeded")
)

const (
	MaxCount     = 5000
	MaxBatchSize = 500
)

// Store combines the repository interfaces the engine needs.
type Store interface {
	BeginTx(ctx context.Context) (store.Tx, error)
	store.JobStore
	store.SessionStore
	store.QuotaStore
	store.FormStore
}

// Attachment is the shared file template uploaded once per generated form.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
}

// Request describes one bulk generation job.
type Request struct {
	UserID         string
	Role           string
	OrganizationID string
	SessionID      string
	FieldName      string
	FirstName      string
	BasePhone      string
	Count          int
	BatchSize      int
	Attachment     Attachment
}

// Config holds the engine's policy knobs.
type Config struct {
	// BatchDelay is the fixed pause between batches, skipped after the
	// final one. It keeps the object store below its rate limits.
	BatchDelay time.Duration
}

// Engine runs bulk generation jobs detached from the accepting request.
type Engine struct {
	store    Store
	objects  objectstore.ObjectStore
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      Config

	mu      sync.Mutex
	cancels map[string]*cancelFlag
	wg      sync.WaitGroup

	jobsStarted   metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter
	formsFailed   metric.Int64Counter
}

type cancelFlag struct {
	mu        sync.Mutex
	cancelled bool
}

func (f *cancelFlag) set() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
}

func (f *cancelFlag) isSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// New creates a bulk generation engine.
func New(s Store, objects objectstore.ObjectStore, notifier notify.Notifier, logger *slog.Logger, cfg Config) *Engine {
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = time.Second
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}

	meter := otel.Meter("formvault-bulk")
	jobsStarted, _ := meter.Int64Counter("formvault.bulk.jobs_started")
	jobsCompleted, _ := meter.Int64Counter("formvault.bulk.jobs_completed")
	jobsFailed, _ := meter.Int64Counter("formvault.bulk.jobs_failed")
	formsFailed, _ := meter.Int64Counter("formvault.bulk.forms_failed")

	return &Engine{
		store:         s,
		objects:       objects,
		notifier:      notifier,
		logger:        logger.With("component", "bulk-engine"),
		cfg:           cfg,
		cancels:       make(map[string]*cancelFlag),
		jobsStarted:   jobsStarted,
		jobsCompleted: jobsCompleted,
		jobsFailed:    jobsFailed,
		formsFailed:   formsFailed,
	}
}

// Start validates the request, creates the job row and kicks off the
// detached run. It returns the job id immediately.
func (e *Engine) Start(ctx context.Context, req Request) (string, error) {
	if req.Count < 1 || req.Count > MaxCount {
		return "", ErrInvalidCount
	}
	if req.BatchSize < 1 || req.BatchSize > MaxBatchSize {
		return "", ErrInvalidBatchSize
	}
	if len(req.Attachment.Content) == 0 || req.Attachment.Name == "" {
		return "", ErrMissingAttachment
	}
	if _, err := strconv.ParseInt(req.BasePhone, 10, 64); err != nil {
		return "", ErrInvalidBasePhone
	}

	org, err := e.store.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		return "", err
	}
	sess, err := e.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return "", err
	}

	// Fail fast on quota before any work starts. Super admins are exempt.
	quotaGated := req.Role != store.RoleSuperAdmin
	if quotaGated {
		quota, err := e.store.GetQuota(ctx, req.OrganizationID)
		if err != nil {
			if errors.Is(err, store.ErrQuotaNotFound) {
				return "", ErrFormLimitExceeded
			}
			return "", err
		}
		if quota.RemainingForms < int64(req.Count) {
			return "", ErrFormLimitExceeded
		}
	}

	job := &store.Job{
		ID:          uuid.NewString(),
		OwnerUserID: req.UserID,
		SessionID:   req.SessionID,
		Kind:        store.JobKindBulkGeneration,
		Status:      store.JobStatusPending,
		TotalUnits:  req.Count,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	flag := &cancelFlag{}
	e.mu.Lock()
	e.cancels[job.ID] = flag
	e.mu.Unlock()

	e.jobsStarted.Add(ctx, 1)

	// The run must survive request teardown, so it gets a context with
	// the request's values but not its cancellation.
	runCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go e.run(runCtx, job.ID, org, sess, req, quotaGated, flag)

	return job.ID, nil
}

// Cancel flips the job's cancellation flag. The flag is polled between
// batches, so an in-flight batch still runs to its transaction boundary.
// Returns false when the job is not currently running.
func (e *Engine) Cancel(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	flag, ok := e.cancels[jobID]
	if !ok {
		return false
	}
	flag.set()
	return true
}

// Wait blocks until all detached runs have finished. Used on shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, jobID string, org *store.Organization, sess *store.Session, req Request, quotaGated bool, flag *cancelFlag) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, jobID)
		e.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("bulk run panicked", "job_id", jobID, "panic", r)
			e.markFailed(ctx, jobID, req.UserID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	tracer := otel.Tracer("formvault-bulk")
	ctx, span := tracer.Start(ctx, "bulk_generation")
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.String("session.id", req.SessionID),
		attribute.Int("job.count", req.Count),
	)
	defer span.End()

	processing := store.JobStatusProcessing
	if err := e.store.UpdateJob(ctx, jobID, store.JobUpdate{Status: &processing}); err != nil {
		e.logger.Warn("failed to mark job processing", "job_id", jobID, "error", err)
	}
	e.notifier.ProgressSnapshot(ctx, jobID)

	var (
		processed  int
		failed     int
		progress   int
		numBatches = (req.Count + req.BatchSize - 1) / req.BatchSize
	)

	for b := 0; b < numBatches; b++ {
		if flag.isSet() {
			e.logger.Info("bulk job cancelled", "job_id", jobID, "batch", b)
			e.markFailed(ctx, jobID, req.UserID, "Bulk generation cancelled by user")
			e.jobsFailed.Add(ctx, 1)
			return
		}

		start := b * req.BatchSize
		end := start + req.BatchSize
		if end > req.Count {
			end = req.Count
		}
		size := end - start

		ok := e.runBatch(ctx, jobID, org, sess, req, quotaGated, start, end, &processed, &failed)
		if !ok {
			// Whole batch counted failed; keep going with the next one.
			e.logger.Warn("batch failed", "job_id", jobID, "batch", b, "size", size)
		}

		progress = int(math.Round(float64(processed) / float64(req.Count) * 100))
		if err := e.store.UpdateJob(ctx, jobID, store.JobUpdate{
			ProcessedUnits: &processed,
			Progress:       &progress,
		}); err != nil {
			e.logger.Warn("failed to update progress", "job_id", jobID, "error", err)
		}
		e.notifier.ProgressLive(ctx, api.ProgressEvent{
			JobID:       jobID,
			OwnerUserID: req.UserID,
			Status:      string(store.JobStatusProcessing),
			Progress:    progress,
		})

		if b < numBatches-1 {
			time.Sleep(e.cfg.BatchDelay)
		}
	}

	e.formsFailed.Add(ctx, int64(failed))

	switch {
	case failed == 0:
		completed := store.JobStatusCompleted
		if err := e.store.UpdateJob(ctx, jobID, store.JobUpdate{Status: &completed}); err != nil {
			e.logger.Warn("failed to mark job completed", "job_id", jobID, "error", err)
		}
		e.jobsCompleted.Add(ctx, 1)
	case processed == 0:
		e.markFailed(ctx, jobID, req.UserID, fmt.Sprintf("all %d forms failed to generate", req.Count))
		e.jobsFailed.Add(ctx, 1)
		return
	default:
		// Partial success keeps the completed status, distinguished only
		// by the error message.
		completed := store.JobStatusCompleted
		msg := fmt.Sprintf("%d of %d forms failed to generate", failed, req.Count)
		if err := e.store.UpdateJob(ctx, jobID, store.JobUpdate{Status: &completed, ErrorMessage: &msg}); err != nil {
			e.logger.Warn("failed to mark job completed", "job_id", jobID, "error", err)
		}
		e.jobsCompleted.Add(ctx, 1)
	}

	e.notifier.ProgressSnapshot(ctx, jobID)
	e.logger.Info("bulk job finished", "job_id", jobID, "processed", processed, "failed", failed)
}

// runBatch builds and persists one batch. It returns false when the batch
// failed as a whole; per-item upload failures are absorbed into the failed
// counter without aborting the batch.
func (e *Engine) runBatch(ctx context.Context, jobID string, org *store.Organization, sess *store.Session, req Request, quotaGated bool, start, end int, processed, failed *int) bool {
	size := end - start

	firstSerial, err := e.store.ReserveFileSerials(ctx, req.SessionID, size)
	if err != nil {
		e.logger.Warn("failed to reserve file serials", "job_id", jobID, "error", err)
		*failed += size
		return false
	}

	now := time.Now().UTC()
	var (
		forms []*store.Form
		files []*store.FormFile
	)
	for i := start; i < end; i++ {
		serial := firstSerial + int64(i-start)
		phone := derivePhone(req.BasePhone, i)
		key := objectstore.FormFileKey(org.Serial, sess.Serial, req.FieldName, serial, req.Attachment.Name)

		if err := e.objects.Put(ctx, key, bytes.NewReader(req.Attachment.Content),
			int64(len(req.Attachment.Content)), req.Attachment.ContentType); err != nil {
			// One upload failure skips just this item.
			e.logger.Warn("attachment upload failed", "job_id", jobID, "key", key, "error", err)
			*failed++
			continue
		}

		formID := uuid.NewString()
		forms = append(forms, &store.Form{
			ID:             formID,
			SessionID:      req.SessionID,
			OrganizationID: req.OrganizationID,
			UserID:         req.UserID,
			SerialNo:       serial,
			FirstName:      req.FirstName,
			Phone:          phone,
			Password:       derivePassword(req.FirstName, phone),
			CreatedAt:      now,
		})
		files = append(files, &store.FormFile{
			ID:           uuid.NewString(),
			FormID:       formID,
			SessionID:    req.SessionID,
			FieldName:    req.FieldName,
			StorageKey:   key,
			OriginalName: req.Attachment.Name,
			ContentType:  req.Attachment.ContentType,
			Size:         int64(len(req.Attachment.Content)),
		})
	}

	if len(forms) == 0 {
		return false
	}

	// Form inserts, the session counter and the quota decrement land as
	// one atomic unit.
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		e.logger.Warn("failed to begin batch transaction", "job_id", jobID, "error", err)
		*failed += len(forms)
		return false
	}
	defer tx.Rollback()

	if err := e.store.InsertFormBatch(ctx, tx, forms, files); err != nil {
		e.logger.Warn("failed to insert batch", "job_id", jobID, "error", err)
		*failed += len(forms)
		return false
	}
	if err := e.store.IncrementReceivedForms(ctx, tx, req.SessionID, len(forms)); err != nil {
		e.logger.Warn("failed to increment session counter", "job_id", jobID, "error", err)
		*failed += len(forms)
		return false
	}
	if quotaGated {
		if err := e.store.DecrementQuota(ctx, tx, req.OrganizationID, len(forms)); err != nil {
			e.logger.Warn("failed to decrement quota", "job_id", jobID, "error", err)
			*failed += len(forms)
			return false
		}
	}
	if err := tx.Commit(); err != nil {
		e.logger.Warn("failed to commit batch", "job_id", jobID, "error", err)
		*failed += len(forms)
		return false
	}

	*processed += len(forms)
	return true
}

func (e *Engine) markFailed(ctx context.Context, jobID, ownerUserID, msg string) {
	failedStatus := store.JobStatusFailed
	if err := e.store.UpdateJob(ctx, jobID, store.JobUpdate{Status: &failedStatus, ErrorMessage: &msg}); err != nil {
		e.logger.Warn("failed to mark job failed", "job_id", jobID, "error", err)
	}
	e.notifier.ProgressSnapshot(ctx, jobID)
}

// derivePhone produces a deterministic synthetic phone number: the base
// number plus the item index, zero-padded to the base's width.
func derivePhone(basePhone string, i int) string {
	base, _ := strconv.ParseInt(basePhone, 10, 64)
	return fmt.Sprintf("%0*d", len(basePhone), base+int64(i))
}

// derivePassword builds the per-form password: the first two letters of
// the first name uppercased, followed by the first three digits of the
// phone number.
func derivePassword(firstName, phone string) string {
	letters := firstName
	if len(letters) > 2 {
		letters = letters[:2]
	}
	digits := phone
	if len(digits) > 3 {
		digits = digits[:3]
	}
	return strings.ToUpper(letters) + digits
}
