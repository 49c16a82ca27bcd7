// Package archive packages uploaded form files into ZIP archives: streamed
// straight to the caller's connection for field downloads, or built into
// object storage for whole-session archives.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"formvault/internal/notify"
	"formvault/internal/objectstore"
	"formvault/internal/store"
	"formvault/pkg/api"
)

// Errors surfaced synchronously, before any bytes are written.
var (
	ErrMissingSessionID = errors.New("session id is required")
	ErrMissingFieldName = errors.New("field name is required")
	ErrMissingJobID     = errors.New("correlation job id is required")
	ErrNoFiles          = errors.New("no files found")
	ErrCancelled        = errors.New("download cancelled by client")
)

// Store combines the repository interfaces the engine needs.
type Store interface {
	store.JobStore
	GetSession(ctx context.Context, id string) (*store.Session, error)
	ListFieldFiles(ctx context.Context, sessionID, fieldName string) ([]store.FileDescriptor, error)
	ListSessionFiles(ctx context.Context, sessionID string) ([]store.FileDescriptor, error)
}

// Config holds the engine's policy knobs. Zero values get defaults in New.
type Config struct {
	// FetchConcurrency bounds how many object fetches run at once.
	FetchConcurrency int
	// BufferThreshold is the relay's buffered-byte bound.
	BufferThreshold int64
	// BufferWaitStep is how long a stalled relay write sleeps per check.
	BufferWaitStep time.Duration
	// DrainPollInterval paces the secondary backpressure gate between
	// fetch batches.
	DrainPollInterval time.Duration
	// FetchAttempts bounds retries for one file before it is skipped.
	FetchAttempts int
	// FetchBackoffStep scales the linear retry backoff (attempt * step).
	FetchBackoffStep time.Duration
	// FetchTimeout bounds a single open attempt so a stalled object
	// store cannot hang a batch forever.
	FetchTimeout time.Duration
	// MemSampleInterval paces the operational memory-usage sampler.
	MemSampleInterval time.Duration
	// MemWarnBytes is the allocation level that triggers a warning log.
	MemWarnBytes uint64
	// ArchiveTTL is how long stored session archives stay collectible.
	ArchiveTTL time.Duration
	// StatusTTL is how long streamed-download status rows are retained.
	StatusTTL time.Duration
	// Bucket is the object store bucket name, used to strip the legacy
	// key prefix at the ingestion boundary.
	Bucket string
}

// Engine runs both archive pipelines.
type Engine struct {
	store    Store
	objects  objectstore.ObjectStore
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      Config
	wg       sync.WaitGroup

	jobsStarted   metric.Int64Counter
	filesSkipped  metric.Int64Counter
	bytesArchived metric.Int64Counter
}

// New creates an archive engine.
func New(s Store, objects objectstore.ObjectStore, notifier notify.Notifier, logger *slog.Logger, cfg Config) *Engine {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 5
	}
	if cfg.BufferThreshold <= 0 {
		cfg.BufferThreshold = 1 << 20
	}
	if cfg.BufferWaitStep <= 0 {
		cfg.BufferWaitStep = 100 * time.Millisecond
	}
	if cfg.DrainPollInterval <= 0 {
		cfg.DrainPollInterval = 50 * time.Millisecond
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 5
	}
	if cfg.FetchBackoffStep <= 0 {
		cfg.FetchBackoffStep = 500 * time.Millisecond
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	if cfg.MemSampleInterval <= 0 {
		cfg.MemSampleInterval = 5 * time.Second
	}
	if cfg.MemWarnBytes == 0 {
		cfg.MemWarnBytes = 512 << 20
	}
	if cfg.ArchiveTTL <= 0 {
		cfg.ArchiveTTL = 24 * time.Hour
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 30 * 24 * time.Hour
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}

	meter := otel.Meter("formvault-archive")
	jobsStarted, _ := meter.Int64Counter("formvault.archive.jobs_started")
	filesSkipped, _ := meter.Int64Counter("formvault.archive.files_skipped")
	bytesArchived, _ := meter.Int64Counter("formvault.archive.bytes_archived")

	return &Engine{
		store:         s,
		objects:       objects,
		notifier:      notifier,
		logger:        logger.With("component", "archive-engine"),
		cfg:           cfg,
		jobsStarted:   jobsStarted,
		filesSkipped:  filesSkipped,
		bytesArchived: bytesArchived,
	}
}

// Wait blocks until all detached session archive builds have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// FieldRequest describes a streamed field download. JobID is the
// caller-supplied correlation id, pre-registered client-side before the
// response arrives.
type FieldRequest struct {
	SessionID   string
	FieldName   string
	JobID       string
	OwnerUserID string
}

// SessionRequest describes a stored whole-session archive build.
type SessionRequest struct {
	SessionID   string
	OwnerUserID string
}

// FieldStream is an accepted field download, ready to be written to the
// caller's connection. The job row already exists when OpenFieldArchive
// returns, so the handler can advertise the job id in response headers
// before the first byte.
type FieldStream struct {
	e        *Engine
	req      FieldRequest
	files    []store.FileDescriptor
	filename string
}

// OpenFieldArchive validates the request, resolves the file list and
// creates the job row. No bytes are written yet.
func (e *Engine) OpenFieldArchive(ctx context.Context, req FieldRequest) (*FieldStream, error) {
	if req.SessionID == "" {
		return nil, ErrMissingSessionID
	}
	if req.FieldName == "" {
		return nil, ErrMissingFieldName
	}
	if req.JobID == "" {
		return nil, ErrMissingJobID
	}

	if _, err := e.store.GetSession(ctx, req.SessionID); err != nil {
		return nil, err
	}

	descriptors, err := e.store.ListFieldFiles(ctx, req.SessionID, req.FieldName)
	if err != nil {
		return nil, err
	}
	files := e.normalizeFiles(descriptors)
	if len(files) == 0 {
		// No job row for an empty result.
		return nil, ErrNoFiles
	}

	now := time.Now().UTC()
	expires := now.Add(e.cfg.StatusTTL)
	fieldName := req.FieldName
	job := &store.Job{
		ID:          req.JobID,
		OwnerUserID: req.OwnerUserID,
		SessionID:   req.SessionID,
		Kind:        store.JobKindFieldDownload,
		Status:      store.JobStatusPending,
		TotalUnits:  len(files),
		FieldName:   &fieldName,
		ExpiresAt:   &expires,
		CreatedAt:   now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	e.jobsStarted.Add(ctx, 1)

	return &FieldStream{
		e:        e,
		req:      req,
		files:    files,
		filename: fmt.Sprintf("%s_%s.zip", objectstore.SanitizeName(req.FieldName), now.Format("20060102150405")),
	}, nil
}

// JobID returns the correlation id of the accepted download.
func (s *FieldStream) JobID() string { return s.req.JobID }

// Filename returns the generated attachment filename.
func (s *FieldStream) Filename() string { return s.filename }

// EntryCount returns how many files the archive will contain.
func (s *FieldStream) EntryCount() int { return len(s.files) }

// WriteTo streams the archive into w, applying backpressure and emitting
// live progress. A client disconnect is observed through ctx and persists
// the job as failed with a cancellation message.
func (s *FieldStream) WriteTo(ctx context.Context, w io.Writer) (err error) {
	e := s.e
	jobID := s.req.JobID

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("archive stream panicked: %v", r)
			e.markFailed(ctx, jobID, err.Error())
		}
	}()

	stopSampler := e.startMemorySampler(jobID)
	defer stopSampler()

	e.markProcessing(ctx, jobID)

	r := newRelay(w, e.cfg.BufferThreshold, e.cfg.BufferWaitStep)
	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		// Unblock the relay the moment the client goes away.
		select {
		case <-ctx.Done():
			r.abort(ctx.Err())
		case <-streamDone:
		}
	}()

	zw := zip.NewWriter(r)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	// Secondary backpressure gate between fetch batches, layered on top
	// of the relay's own write stall.
	gate := func(ctx context.Context) error {
		for r.Buffered() > e.cfg.BufferThreshold {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.DrainPollInterval):
			}
		}
		return nil
	}

	job := archiveJob{jobID: jobID, ownerUserID: s.req.OwnerUserID, fieldName: &s.req.FieldName, files: s.files}
	processed, skipped, werr := e.writeEntries(ctx, zw, job, gate)
	if werr != nil {
		zw.Close()
		r.abort(werr)
		r.Close()
		if ctx.Err() != nil {
			e.markFailed(ctx, jobID, "Download cancelled by client")
			return ErrCancelled
		}
		e.markFailed(ctx, jobID, werr.Error())
		return werr
	}

	if cerr := zw.Close(); cerr != nil {
		r.abort(cerr)
		r.Close()
		e.markFailed(ctx, jobID, fmt.Sprintf("failed to finalize archive: %v", cerr))
		return fmt.Errorf("failed to finalize archive: %w", cerr)
	}
	if cerr := r.Close(); cerr != nil {
		if ctx.Err() != nil {
			e.markFailed(ctx, jobID, "Download cancelled by client")
			return ErrCancelled
		}
		e.markFailed(ctx, jobID, fmt.Sprintf("failed to flush archive: %v", cerr))
		return fmt.Errorf("failed to flush archive: %w", cerr)
	}

	e.markCompleted(ctx, jobID, processed, skipped, len(s.files))
	e.logger.Info("field download finished", "job_id", jobID, "entries", processed, "skipped", skipped)
	return nil
}

// StartSessionArchive accepts a whole-session archive build and returns
// the job id immediately. The artifact is built into object storage by a
// detached run and exposed through a signed URL.
func (e *Engine) StartSessionArchive(ctx context.Context, req SessionRequest) (string, error) {
	if req.SessionID == "" {
		return "", ErrMissingSessionID
	}
	if _, err := e.store.GetSession(ctx, req.SessionID); err != nil {
		return "", err
	}

	descriptors, err := e.store.ListSessionFiles(ctx, req.SessionID)
	if err != nil {
		return "", err
	}
	files := e.normalizeFiles(descriptors)
	if len(files) == 0 {
		return "", ErrNoFiles
	}

	now := time.Now().UTC()
	expires := now.Add(e.cfg.ArchiveTTL)
	job := &store.Job{
		ID:          uuid.NewString(),
		OwnerUserID: req.OwnerUserID,
		SessionID:   req.SessionID,
		Kind:        store.JobKindSessionArchive,
		Status:      store.JobStatusPending,
		TotalUnits:  len(files),
		ExpiresAt:   &expires,
		CreatedAt:   now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return "", err
	}
	e.jobsStarted.Add(ctx, 1)

	runCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go e.runSessionArchive(runCtx, job.ID, req.OwnerUserID, files)

	return job.ID, nil
}

func (e *Engine) runSessionArchive(ctx context.Context, jobID, ownerUserID string, files []store.FileDescriptor) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("session archive panicked", "job_id", jobID, "panic", r)
			e.markFailed(ctx, jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	e.markProcessing(ctx, jobID)

	key := objectstore.ArchiveKey(jobID, "")
	pr, pw := io.Pipe()
	uploadErr := make(chan error, 1)
	go func() {
		uploadErr <- e.objects.Put(ctx, key, pr, -1, "application/zip")
	}()

	zw := zip.NewWriter(pw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	job := archiveJob{jobID: jobID, ownerUserID: ownerUserID, files: files}
	processed, skipped, werr := e.writeEntries(ctx, zw, job, nil)
	if werr != nil {
		zw.Close()
		pw.CloseWithError(werr)
		<-uploadErr
		e.markFailed(ctx, jobID, werr.Error())
		return
	}
	if err := zw.Close(); err != nil {
		pw.CloseWithError(err)
		<-uploadErr
		e.markFailed(ctx, jobID, fmt.Sprintf("failed to finalize archive: %v", err))
		return
	}
	pw.Close()
	if err := <-uploadErr; err != nil {
		e.markFailed(ctx, jobID, fmt.Sprintf("failed to store archive: %v", err))
		return
	}

	url, err := e.objects.SignedURL(ctx, key, e.cfg.ArchiveTTL)
	if err != nil {
		e.markFailed(ctx, jobID, fmt.Sprintf("failed to sign archive url: %v", err))
		return
	}

	completed := store.JobStatusCompleted
	progress := 100
	update := store.JobUpdate{
		Status:         &completed,
		Progress:       &progress,
		ProcessedUnits: &processed,
		ResultLocation: &url,
	}
	if skipped > 0 {
		msg := fmt.Sprintf("%d of %d files skipped after exhausted retries", skipped, len(files))
		update.ErrorMessage = &msg
	}
	if err := e.store.UpdateJob(ctx, jobID, update); err != nil {
		e.logger.Warn("failed to mark archive completed", "job_id", jobID, "error", err)
	}
	e.notifier.ProgressSnapshot(ctx, jobID)
	e.logger.Info("session archive finished", "job_id", jobID, "entries", processed, "skipped", skipped, "key", key)
}

type archiveJob struct {
	jobID       string
	ownerUserID string
	fieldName   *string
	files       []store.FileDescriptor
}

// writeEntries appends every file to the archive in fetch batches of
// FetchConcurrency. All fetches of a batch are awaited before any entry is
// appended; the zip writer serializes the actual append order. A file
// whose fetch exhausts its retries is skipped, never fatal. The entry
// counter is the sole progress numerator; retries do not double-count.
func (e *Engine) writeEntries(ctx context.Context, zw *zip.Writer, job archiveJob, gate func(context.Context) error) (processed, skipped int, err error) {
	total := len(job.files)

	for start := 0; start < total; start += e.cfg.FetchConcurrency {
		if ctx.Err() != nil {
			return processed, skipped, ctx.Err()
		}

		end := min(start+e.cfg.FetchConcurrency, total)
		batch := job.files[start:end]

		readers := make([]io.ReadCloser, len(batch))
		var wg sync.WaitGroup
		for i := range batch {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rc, ferr := e.fetchWithRetry(ctx, batch[i].StorageKey)
				if ferr != nil {
					e.logger.Warn("skipping file after exhausted retries",
						"job_id", job.jobID, "key", batch[i].StorageKey, "error", ferr)
					return
				}
				readers[i] = rc
			}(i)
		}
		wg.Wait()

		for i, rc := range readers {
			if rc == nil {
				skipped++
				e.filesSkipped.Add(ctx, 1)
				continue
			}

			name := objectstore.EntryName(batch[i].StorageKey)
			entry, cerr := zw.Create(name)
			if cerr != nil {
				rc.Close()
				closeAll(readers[i+1:])
				return processed, skipped, fmt.Errorf("failed to create archive entry %q: %w", name, cerr)
			}
			n, cpErr := io.Copy(entry, rc)
			rc.Close()
			e.bytesArchived.Add(ctx, n)
			if cpErr != nil {
				closeAll(readers[i+1:])
				return processed, skipped, fmt.Errorf("failed to append %q: %w", name, cpErr)
			}

			processed++
			progress := int(math.Round(float64(processed) / float64(total) * 100))
			e.notifier.ProgressLive(ctx, api.ProgressEvent{
				JobID:       job.jobID,
				OwnerUserID: job.ownerUserID,
				Status:      string(store.JobStatusProcessing),
				Progress:    progress,
				FieldName:   job.fieldName,
			})
			if processed == total {
				// Terminal write at the 100% tick; the finalize path
				// repeats it idempotently.
				e.markCompleted(ctx, job.jobID, processed, skipped, total)
			}
		}

		if end < total && gate != nil {
			if gerr := gate(ctx); gerr != nil {
				return processed, skipped, gerr
			}
		}
	}

	return processed, skipped, nil
}

func closeAll(readers []io.ReadCloser) {
	for _, rc := range readers {
		if rc != nil {
			rc.Close()
		}
	}
}

// fetchWithRetry opens a read stream for the key, retrying transient
// failures with a linearly increasing backoff.
func (e *Engine) fetchWithRetry(ctx context.Context, key string) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.FetchAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		rc, err := e.getWithTimeout(ctx, key)
		if err == nil {
			return rc, nil
		}
		lastErr = err

		if attempt < e.cfg.FetchAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * e.cfg.FetchBackoffStep):
			}
		}
	}
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", e.cfg.FetchAttempts, lastErr)
}

// getWithTimeout bounds how long a single open attempt may take without
// tearing down the returned stream on success.
func (e *Engine) getWithTimeout(ctx context.Context, key string) (io.ReadCloser, error) {
	type result struct {
		rc  io.ReadCloser
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rc, err := e.objects.Get(ctx, key)
		ch <- result{rc: rc, err: err}
	}()

	timer := time.NewTimer(e.cfg.FetchTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.rc, res.err
	case <-timer.C:
		go func() {
			// Reap the late stream, if it ever arrives.
			if res := <-ch; res.rc != nil {
				res.rc.Close()
			}
		}()
		return nil, fmt.Errorf("opening %q timed out after %v", key, e.cfg.FetchTimeout)
	}
}

// normalizeFiles strips the legacy bucket prefix from each key and drops
// descriptors whose key is empty or unusable.
func (e *Engine) normalizeFiles(descriptors []store.FileDescriptor) []store.FileDescriptor {
	files := make([]store.FileDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		key := objectstore.NormalizeKey(d.StorageKey, e.cfg.Bucket)
		if key == "" || key == "." || key == "/" {
			continue
		}
		d.StorageKey = key
		files = append(files, d)
	}
	return files
}

func (e *Engine) markProcessing(ctx context.Context, jobID string) {
	processing := store.JobStatusProcessing
	if err := e.store.UpdateJob(ctx, jobID, store.JobUpdate{Status: &processing}); err != nil {
		e.logger.Warn("failed to mark job processing", "job_id", jobID, "error", err)
	}
	e.notifier.ProgressSnapshot(ctx, jobID)
}

func (e *Engine) markCompleted(ctx context.Context, jobID string, processed, skipped, total int) {
	detached := context.WithoutCancel(ctx)
	completed := store.JobStatusCompleted
	progress := 100
	update := store.JobUpdate{Status: &completed, Progress: &progress, ProcessedUnits: &processed}
	if skipped > 0 {
		msg := fmt.Sprintf("%d of %d files skipped after exhausted retries", skipped, total)
		update.ErrorMessage = &msg
	}
	if err := e.store.UpdateJob(detached, jobID, update); err != nil {
		e.logger.Warn("failed to mark job completed", "job_id", jobID, "error", err)
	}
	e.notifier.ProgressSnapshot(detached, jobID)
}

func (e *Engine) markFailed(ctx context.Context, jobID, msg string) {
	// The request context may already be dead (client disconnect), so
	// the terminal write must not ride on its cancellation.
	detached := context.WithoutCancel(ctx)
	failed := store.JobStatusFailed
	if err := e.store.UpdateJob(detached, jobID, store.JobUpdate{Status: &failed, ErrorMessage: &msg}); err != nil {
		e.logger.Warn("failed to mark job failed", "job_id", jobID, "error", err)
	}
	e.notifier.ProgressSnapshot(detached, jobID)
}

// startMemorySampler logs a warning when allocation climbs above the
// configured level while a stream is active. Operational visibility only.
func (e *Engine) startMemorySampler(jobID string) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.cfg.MemSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				if ms.Alloc > e.cfg.MemWarnBytes {
					e.logger.Warn("high memory usage while streaming",
						"job_id", jobID, "alloc_bytes", ms.Alloc)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
	}
}
