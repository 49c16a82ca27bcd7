package handlers

import (
	"io"
	"net/http"
	"strconv"

	"formvault/internal/bulk"
	"formvault/pkg/api"
)

// maxAttachmentMemory bounds how much of the multipart body is held in
// memory before spilling to disk.
const maxAttachmentMemory = 32 << 20

// CreateBulkForms handles POST /bulk-forms.
// It accepts the job after synchronous validation and responds with the
// job id immediately; generation continues detached from the request.
func (h *Handlers) CreateBulkForms(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(maxAttachmentMemory); err != nil {
		h.httpError(w, "Invalid multipart body", api.CodeValidation, http.StatusBadRequest)
		return
	}

	count, err := strconv.Atoi(r.FormValue("count"))
	if err != nil {
		h.httpError(w, "count must be an integer", api.CodeValidation, http.StatusBadRequest)
		return
	}
	batchSize, err := strconv.Atoi(r.FormValue("batchSize"))
	if err != nil {
		h.httpError(w, "batchSize must be an integer", api.CodeValidation, http.StatusBadRequest)
		return
	}

	attachment, fieldName, ok := h.singleAttachment(w, r)
	if !ok {
		return
	}
	if v := r.FormValue("fieldName"); v != "" {
		fieldName = v
	}

	req := bulk.Request{
		UserID:         r.FormValue("userId"),
		Role:           r.FormValue("role"),
		OrganizationID: r.FormValue("organizationId"),
		SessionID:      r.FormValue("sessionId"),
		FieldName:      fieldName,
		FirstName:      r.FormValue("firstName"),
		BasePhone:      r.FormValue("basePhone"),
		Count:          count,
		BatchSize:      batchSize,
		Attachment:     attachment,
	}
	if req.UserID == "" || req.OrganizationID == "" || req.SessionID == "" || req.FirstName == "" {
		h.httpError(w, "userId, organizationId, sessionId and firstName are required",
			api.CodeValidation, http.StatusBadRequest)
		return
	}

	jobID, err := h.bulk.Start(ctx, req)
	if err != nil {
		h.engineError(w, err)
		return
	}

	h.respondJson(w, http.StatusAccepted, api.BulkFormsResponse{JobID: jobID})
}

// CancelBulkForms handles POST /bulk-forms/{id}/cancel.
// The flag is polled between batches, so cancellation is not immediate.
func (h *Handlers) CancelBulkForms(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		h.httpError(w, "job id is required", api.CodeValidation, http.StatusBadRequest)
		return
	}

	if !h.bulk.Cancel(jobID) {
		h.httpError(w, "No running job with that id", api.CodeJobNotFound, http.StatusNotFound)
		return
	}
	h.respondJson(w, http.StatusAccepted, nil)
}

// singleAttachment extracts exactly one uploaded file from the multipart
// form. The multipart field name doubles as the dynamic form field unless
// overridden by the fieldName value.
func (h *Handlers) singleAttachment(w http.ResponseWriter, r *http.Request) (bulk.Attachment, string, bool) {
	var (
		total     int
		fieldName string
	)
	if r.MultipartForm == nil {
		h.httpError(w, "Exactly one attachment file is required", api.CodeValidation, http.StatusBadRequest)
		return bulk.Attachment{}, "", false
	}
	for name, headers := range r.MultipartForm.File {
		total += len(headers)
		fieldName = name
	}
	if total != 1 {
		h.httpError(w, "Exactly one attachment file is required", api.CodeValidation, http.StatusBadRequest)
		return bulk.Attachment{}, "", false
	}

	header := r.MultipartForm.File[fieldName][0]
	f, err := header.Open()
	if err != nil {
		h.httpError(w, "Failed to read attachment", api.CodeValidation, http.StatusBadRequest)
		return bulk.Attachment{}, "", false
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		h.httpError(w, "Failed to read attachment", api.CodeValidation, http.StatusBadRequest)
		return bulk.Attachment{}, "", false
	}

	return bulk.Attachment{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Content:     content,
	}, fieldName, true
}
