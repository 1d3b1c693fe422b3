package handlers

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noxist/ticketd/internal/core"
	"github.com/noxist/ticketd/internal/db"
	"github.com/noxist/ticketd/internal/escpos"
)

type CreateJobRequest struct {
	Printer   string `json:"printer" binding:"required"`
	Type      string `json:"type" binding:"required,oneof=text escpos image"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Data      string `json:"data"`
	Timestamp bool   `json:"timestamp"`
	Cut       *bool  `json:"cut"`
	Copies    int    `json:"copies"`
	Wait      bool   `json:"wait"`
}

type BulkPrintRequest struct {
	Printer   string `json:"printer" binding:"required"`
	Text      string `json:"text" binding:"required"`
	Delimiter string `json:"delimiter"`
	Timestamp bool   `json:"timestamp"`
	Cut       *bool  `json:"cut"`
}

type JobResponse struct {
	ID           string     `json:"id"`
	Printer      string     `json:"printer"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Copies       int        `json:"copies"`
	CutAfter     bool       `json:"cut_after"`
	Retries      int        `json:"retries"`
	PayloadBytes int        `json:"payload_bytes"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type BulkPrintResponse struct {
	JobIDs    []string `json:"job_ids"`
	Submitted int      `json:"submitted"`
	Skipped   int      `json:"skipped"`
}

type JobHandler struct {
	dispatcher    *core.Dispatcher
	store         *db.Store
	bulkDelimiter string
}

func NewJobHandler(dispatcher *core.Dispatcher, store *db.Store, bulkDelimiter string) *JobHandler {
	return &JobHandler{
		dispatcher:    dispatcher,
		store:         store,
		bulkDelimiter: bulkDelimiter,
	}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload, err := encodePayload(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.dispatcher.Submit(payload, req.Printer, core.JobOptions{
		CutAfter: req.Cut,
		Copies:   req.Copies,
	})
	if err != nil {
		c.JSON(submitStatusCode(err), gin.H{"error": err.Error()})
		return
	}

	if !req.Wait {
		c.JSON(http.StatusAccepted, gin.H{"id": job.ID, "status": string(core.JobStatusQueued)})
		return
	}

	result, err := h.dispatcher.Await(c.Request.Context(), job.ID)
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"id": job.ID, "error": err.Error()})
		return
	}

	resp := gin.H{"id": job.ID, "status": string(result.Status)}
	if result.Err != nil {
		resp["error"] = result.Err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// BulkPrint splits the submitted text into one ticket per non-empty line.
// A line containing the delimiter becomes title + body; otherwise the whole
// line is the title.
func (h *JobHandler) BulkPrint(c *gin.Context) {
	var req BulkPrintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	delimiter := req.Delimiter
	if delimiter == "" {
		delimiter = h.bulkDelimiter
	}

	resp := BulkPrintResponse{JobIDs: []string{}}
	for _, line := range strings.Split(req.Text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		title := line
		var body []string
		if idx := strings.Index(line, delimiter); idx >= 0 {
			title = strings.TrimSpace(line[:idx])
			body = []string{strings.TrimSpace(line[idx+len(delimiter):])}
		}

		payload, err := escpos.EncodeTicket(title, body, req.Timestamp)
		if err != nil {
			resp.Skipped++
			continue
		}

		job, err := h.dispatcher.Submit(payload, req.Printer, core.JobOptions{CutAfter: req.Cut})
		if err != nil {
			if errors.Is(err, core.ErrInvalidTarget) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			resp.Skipped++
			continue
		}
		resp.JobIDs = append(resp.JobIDs, job.ID)
	}
	resp.Submitted = len(resp.JobIDs)

	c.JSON(http.StatusAccepted, resp)
}

// Cut submits a feed-and-cut job with no document content.
func (h *JobHandler) Cut(c *gin.Context) {
	printer := c.Param("name")
	cut := true

	job, err := h.dispatcher.Submit(escpos.Feed(2), printer, core.JobOptions{CutAfter: &cut})
	if err != nil {
		c.JSON(submitStatusCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": job.ID, "status": string(core.JobStatusQueued)})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	id := c.Param("id")

	// Live state first; fall back to history for jobs from earlier runs.
	if snap, err := h.dispatcher.GetJob(id); err == nil {
		c.JSON(http.StatusOK, snapshotResponse(snap))
		return
	}

	stored, err := h.store.GetJob(id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}
	c.JSON(http.StatusOK, storedResponse(stored))
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	status := c.Query("status")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit > 100 {
		limit = 100
	}

	jobs, err := h.store.ListJobs(status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	responses := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, storedResponse(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": responses, "count": len(responses)})
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")

	err := h.dispatcher.Cancel(id)
	switch {
	case errors.Is(err, core.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, core.ErrJobNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.RecordCancelled(id); err != nil {
		// The in-memory cancel already took effect; history lag is tolerable.
		log.Printf("[api] record cancelled %s: %v", id, err)
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": string(core.JobStatusCancelled)})
}

func (h *JobHandler) QueueStats(c *gin.Context) {
	live := h.dispatcher.Stats()
	stats := gin.H{}
	for status, count := range live {
		stats[string(status)] = count
	}

	perPrinter := gin.H{}
	for _, t := range h.dispatcher.Targets() {
		perPrinter[t.Name] = h.dispatcher.QueueDepth(t.Name)
	}

	c.JSON(http.StatusOK, gin.H{"jobs": stats, "queued_per_printer": perPrinter})
}

func encodePayload(req *CreateJobRequest) ([]byte, error) {
	switch req.Type {
	case "text":
		var body []string
		if req.Body != "" {
			body = strings.Split(req.Body, "\n")
		}
		return escpos.EncodeTicket(req.Title, body, req.Timestamp)
	case "escpos":
		raw, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return nil, errors.New("data must be base64-encoded ESC/POS bytes")
		}
		return raw, nil
	case "image":
		raw, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return nil, errors.New("data must be a base64-encoded image")
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.New("data is not a decodable PNG or JPEG image")
		}
		return escpos.Raster(img)
	default:
		return nil, errors.New("unsupported job type")
	}
}

func submitStatusCode(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidTarget):
		return http.StatusNotFound
	case errors.Is(err, core.ErrEmptyPayload), errors.Is(err, core.ErrInvalidCopies):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func snapshotResponse(snap core.JobSnapshot) JobResponse {
	resp := JobResponse{
		ID:           snap.Job.ID,
		Printer:      snap.Job.TargetPrinter,
		Status:       string(snap.Status),
		Copies:       snap.Job.Copies,
		CutAfter:     snap.Job.CutAfter,
		Retries:      snap.Retries,
		PayloadBytes: len(snap.Job.Payload),
		CreatedAt:    snap.Job.CreatedAt,
	}
	if snap.Result != nil && snap.Result.Err != nil {
		resp.ErrorMessage = snap.Result.Err.Error()
	}
	return resp
}

func storedResponse(job *db.StoredJob) JobResponse {
	return JobResponse{
		ID:           job.ID,
		Printer:      job.Printer,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		Copies:       job.Copies,
		CutAfter:     job.CutAfter,
		Retries:      job.Retries,
		PayloadBytes: job.PayloadBytes,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
}
