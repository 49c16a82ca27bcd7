package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"formvault/internal/archive"
	"formvault/internal/bulk"
	"formvault/internal/notify"
	"formvault/internal/store"
	"formvault/pkg/api"
)

// fakeTx implements store.Tx for testing.
type fakeTx struct{}

func (fakeTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}

func (fakeTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}

func (fakeTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

// fakeStore implements the store interfaces both engines consume.
type fakeStore struct {
	mu sync.Mutex

	Org        *store.Organization
	Sess       *store.Session
	Quota      *store.Quota
	Jobs       map[string]*store.Job
	FieldFiles []store.FileDescriptor

	nextSerial int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		Org:   &store.Organization{ID: "org-1", Serial: 7},
		Sess:  &store.Session{ID: "sess-1", OrganizationID: "org-1", Serial: 3},
		Quota: &store.Quota{ID: "q-1", OrganizationID: "org-1", RemainingForms: 100000},
		Jobs:  make(map[string]*store.Job),
	}
}

func (f *fakeStore) BeginTx(ctx context.Context) (store.Tx, error) {
	return fakeTx{}, nil
}

func (f *fakeStore) CreateJob(ctx context.Context, job *store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Jobs[job.ID]; ok {
		return store.ErrDuplicateJobID
	}
	copied := *job
	f.Jobs[job.ID] = &copied
	return nil
}

func (f *fakeStore) UpdateJob(ctx context.Context, jobID string, update store.JobUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.Jobs[jobID]
	if !ok {
		return nil
	}
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Progress != nil {
		job.Progress = *update.Progress
	}
	if update.ProcessedUnits != nil {
		job.ProcessedUnits = *update.ProcessedUnits
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = update.ErrorMessage
	}
	if update.ResultLocation != nil {
		job.ResultLocation = update.ResultLocation
	}
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, jobID, ownerUserID string) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.Jobs[jobID]
	if !ok || job.OwnerUserID != ownerUserID {
		return nil, store.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (f *fakeStore) GetOrganization(ctx context.Context, id string) (*store.Organization, error) {
	if f.Org == nil || f.Org.ID != id {
		return nil, store.ErrOrgNotFound
	}
	return f.Org, nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	if f.Sess == nil || f.Sess.ID != id {
		return nil, store.ErrSessionNotFound
	}
	return f.Sess, nil
}

func (f *fakeStore) ReserveFileSerials(ctx context.Context, sessionID string, n int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	first := f.nextSerial + 1
	f.nextSerial += int64(n)
	return first, nil
}

func (f *fakeStore) IncrementReceivedForms(ctx context.Context, tx store.DBTransaction, sessionID string, n int) error {
	return nil
}

func (f *fakeStore) GetQuota(ctx context.Context, organizationID string) (*store.Quota, error) {
	if f.Quota == nil {
		return nil, store.ErrQuotaNotFound
	}
	return f.Quota, nil
}

func (f *fakeStore) DecrementQuota(ctx context.Context, tx store.DBTransaction, organizationID string, n int) error {
	return nil
}

func (f *fakeStore) InsertFormBatch(ctx context.Context, tx store.DBTransaction, forms []*store.Form, files []*store.FormFile) error {
	return nil
}

func (f *fakeStore) ListFieldFiles(ctx context.Context, sessionID, fieldName string) ([]store.FileDescriptor, error) {
	return f.FieldFiles, nil
}

func (f *fakeStore) ListSessionFiles(ctx context.Context, sessionID string) ([]store.FileDescriptor, error) {
	return f.FieldFiles, nil
}

// fakeObjects implements objectstore.ObjectStore for testing.
type fakeObjects struct {
	mu      sync.Mutex
	Objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{Objects: make(map[string][]byte)}
}

func (f *fakeObjects) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	content, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Objects[key] = content
	return nil
}

func (f *fakeObjects) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.Objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (f *fakeObjects) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://objects.example/" + key, nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error { return nil }

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandlers(s *fakeStore, objects *fakeObjects) (*Handlers, *bulk.Engine, *archive.Engine) {
	logger := testLogger()
	bulkEngine := bulk.New(s, objects, notify.Noop{}, logger, bulk.Config{BatchDelay: time.Millisecond})
	archiveEngine := archive.New(s, objects, notify.Noop{}, logger, archive.Config{
		FetchAttempts:    1,
		FetchBackoffStep: time.Millisecond,
		FetchTimeout:     time.Second,
	})
	h := New(bulkEngine, archiveEngine, s, &fakePinger{}, logger)
	return h, bulkEngine, archiveEngine
}

// multipartBody builds a bulk-forms request body with the given values and
// one attachment per entry in files (field name -> filename).
func multipartBody(t *testing.T, values map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range values {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField failed: %v", err)
		}
	}
	for field, filename := range files {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		fw.Write([]byte("attachment-bytes"))
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func validBulkValues() map[string]string {
	return map[string]string{
		"userId":         "user-1",
		"role":           store.RoleUser,
		"organizationId": "org-1",
		"sessionId":      "sess-1",
		"firstName":      "Maria",
		"basePhone":      "5550001000",
		"count":          "4",
		"batchSize":      "2",
	}
}

func decodeError(t *testing.T, body *bytes.Buffer) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestCreateBulkForms_Accepted(t *testing.T) {
	s := newFakeStore()
	h, bulkEngine, _ := newTestHandlers(s, newFakeObjects())

	body, contentType := multipartBody(t, validBulkValues(), map[string]string{"identity_doc": "doc.pdf"})
	req := httptest.NewRequest(http.MethodPost, "/bulk-forms", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.CreateBulkForms(rec, req)
	bulkEngine.Wait()

	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp api.BulkFormsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.JobID == "" {
		t.Error("expected a job id in the response")
	}

	job, err := s.GetJob(context.Background(), resp.JobID, "user-1")
	if err != nil {
		t.Fatalf("job row missing: %v", err)
	}
	if job.Status != store.JobStatusCompleted {
		t.Errorf("got status %s, want completed", job.Status)
	}
}

func TestCreateBulkForms_FieldNameOverride(t *testing.T) {
	s := newFakeStore()
	h, bulkEngine, _ := newTestHandlers(s, newFakeObjects())

	values := validBulkValues()
	values["fieldName"] = "passport_scan"
	body, contentType := multipartBody(t, values, map[string]string{"file": "doc.pdf"})
	req := httptest.NewRequest(http.MethodPost, "/bulk-forms", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.CreateBulkForms(rec, req)
	bulkEngine.Wait()

	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateBulkForms_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		values   func() map[string]string
		files    map[string]string
		wantCode string
	}{
		{
			name: "count not an integer",
			values: func() map[string]string {
				v := validBulkValues()
				v["count"] = "many"
				return v
			},
			files:    map[string]string{"identity_doc": "doc.pdf"},
			wantCode: api.CodeValidation,
		},
		{
			name:     "missing attachment",
			values:   validBulkValues,
			files:    nil,
			wantCode: api.CodeValidation,
		},
		{
			name:     "two attachments",
			values:   validBulkValues,
			files:    map[string]string{"identity_doc": "doc.pdf", "proof": "proof.pdf"},
			wantCode: api.CodeValidation,
		},
		{
			name: "missing user id",
			values: func() map[string]string {
				v := validBulkValues()
				delete(v, "userId")
				return v
			},
			files:    map[string]string{"identity_doc": "doc.pdf"},
			wantCode: api.CodeValidation,
		},
		{
			name: "count out of range",
			values: func() map[string]string {
				v := validBulkValues()
				v["count"] = "50000"
				return v
			},
			files:    map[string]string{"identity_doc": "doc.pdf"},
			wantCode: api.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandlers(newFakeStore(), newFakeObjects())

			body, contentType := multipartBody(t, tt.values(), tt.files)
			req := httptest.NewRequest(http.MethodPost, "/bulk-forms", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()

			h.CreateBulkForms(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("got status %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if resp := decodeError(t, rec.Body); resp.Code != tt.wantCode {
				t.Errorf("got code %s, want %s", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestCreateBulkForms_QuotaExceeded(t *testing.T) {
	s := newFakeStore()
	s.Quota.RemainingForms = 1
	h, _, _ := newTestHandlers(s, newFakeObjects())

	body, contentType := multipartBody(t, validBulkValues(), map[string]string{"identity_doc": "doc.pdf"})
	req := httptest.NewRequest(http.MethodPost, "/bulk-forms", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.CreateBulkForms(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("got status %d, want 409: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeError(t, rec.Body); resp.Code != api.CodeFormLimitExceeded {
		t.Errorf("got code %s, want %s", resp.Code, api.CodeFormLimitExceeded)
	}
}

func TestCancelBulkForms_UnknownJob(t *testing.T) {
	h, _, _ := newTestHandlers(newFakeStore(), newFakeObjects())

	req := httptest.NewRequest(http.MethodPost, "/bulk-forms/nope/cancel", nil)
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()

	h.CancelBulkForms(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
}

func TestJobStatus_Success(t *testing.T) {
	s := newFakeStore()
	msg := "2 of 10 forms failed to generate"
	s.Jobs["job-1"] = &store.Job{
		ID:             "job-1",
		OwnerUserID:    "user-1",
		Kind:           store.JobKindBulkGeneration,
		Status:         store.JobStatusCompleted,
		Progress:       80,
		TotalUnits:     10,
		ProcessedUnits: 8,
		ErrorMessage:   &msg,
	}
	h, _, _ := newTestHandlers(s, newFakeObjects())

	req := httptest.NewRequest(http.MethodGet, "/download/status?jobId=job-1&userId=user-1", nil)
	rec := httptest.NewRecorder()

	h.JobStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp api.JobStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "completed" || resp.ProcessedUnits != 8 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.ErrorMessage == nil || *resp.ErrorMessage != msg {
		t.Errorf("got error message %v, want %q", resp.ErrorMessage, msg)
	}
}

func TestJobStatus_WrongOwner(t *testing.T) {
	s := newFakeStore()
	s.Jobs["job-1"] = &store.Job{ID: "job-1", OwnerUserID: "user-1"}
	h, _, _ := newTestHandlers(s, newFakeObjects())

	req := httptest.NewRequest(http.MethodGet, "/download/status?jobId=job-1&userId=intruder", nil)
	rec := httptest.NewRecorder()

	h.JobStatus(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
}

func TestJobStatus_MissingParams(t *testing.T) {
	h, _, _ := newTestHandlers(newFakeStore(), newFakeObjects())

	req := httptest.NewRequest(http.MethodGet, "/download/status?jobId=job-1", nil)
	rec := httptest.NewRecorder()

	h.JobStatus(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestDownloadFieldFiles_StreamsZip(t *testing.T) {
	s := newFakeStore()
	s.FieldFiles = []store.FileDescriptor{
		{StorageKey: "form-dynamic-file/7/3/identity_doc/1_a.pdf", FieldName: "identity_doc"},
	}
	objects := newFakeObjects()
	objects.Objects["form-dynamic-file/7/3/identity_doc/1_a.pdf"] = []byte("content-a")
	h, _, _ := newTestHandlers(s, objects)

	req := httptest.NewRequest(http.MethodGet,
		"/download/field-files?sessionId=sess-1&fieldName=identity_doc&uniqueId=dl-1&userId=user-1", nil)
	rec := httptest.NewRecorder()

	h.DownloadFieldFiles(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/zip" {
		t.Errorf("got content type %q, want application/zip", got)
	}
	if got := rec.Header().Get("X-Job-Id"); got != "dl-1" {
		t.Errorf("got job id header %q, want dl-1", got)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected archive bytes in the body")
	}

	job, err := s.GetJob(context.Background(), "dl-1", "user-1")
	if err != nil {
		t.Fatalf("job row missing: %v", err)
	}
	if job.Status != store.JobStatusCompleted {
		t.Errorf("got status %s, want completed", job.Status)
	}
}

func TestDownloadFieldFiles_NoFiles(t *testing.T) {
	h, _, _ := newTestHandlers(newFakeStore(), newFakeObjects())

	req := httptest.NewRequest(http.MethodGet,
		"/download/field-files?sessionId=sess-1&fieldName=identity_doc&uniqueId=dl-1&userId=user-1", nil)
	rec := httptest.NewRecorder()

	h.DownloadFieldFiles(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeError(t, rec.Body); resp.Code != api.CodeNoFilesFound {
		t.Errorf("got code %s, want %s", resp.Code, api.CodeNoFilesFound)
	}
}

func TestDownloadSessionFiles_Accepted(t *testing.T) {
	s := newFakeStore()
	s.FieldFiles = []store.FileDescriptor{
		{StorageKey: "form-dynamic-file/7/3/identity_doc/1_a.pdf"},
	}
	objects := newFakeObjects()
	objects.Objects["form-dynamic-file/7/3/identity_doc/1_a.pdf"] = []byte("content-a")
	h, _, archiveEngine := newTestHandlers(s, objects)

	req := httptest.NewRequest(http.MethodGet, "/download/session-files?sessionId=sess-1&userId=user-1", nil)
	rec := httptest.NewRecorder()

	h.DownloadSessionFiles(rec, req)
	archiveEngine.Wait()

	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp api.SessionArchiveResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	job, err := s.GetJob(context.Background(), resp.JobID, "user-1")
	if err != nil {
		t.Fatalf("job row missing: %v", err)
	}
	if job.Status != store.JobStatusCompleted {
		t.Errorf("got status %s, want completed", job.Status)
	}
	if job.ResultLocation == nil {
		t.Error("expected a signed result location")
	}
}

func TestDownloadSessionFiles_UnknownSession(t *testing.T) {
	s := newFakeStore()
	s.Sess = nil
	h, _, _ := newTestHandlers(s, newFakeObjects())

	req := httptest.NewRequest(http.MethodGet, "/download/session-files?sessionId=ghost&userId=user-1", nil)
	rec := httptest.NewRecorder()

	h.DownloadSessionFiles(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
	if resp := decodeError(t, rec.Body); resp.Code != api.CodeSessionNotFound {
		t.Errorf("got code %s, want %s", resp.Code, api.CodeSessionNotFound)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
	}{
		{"healthy", nil, http.StatusOK},
		{"database down", errors.New("connection refused"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(nil, nil, nil, &fakePinger{err: tt.pingErr}, testLogger())

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rec := httptest.NewRecorder()

			h.Health(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
