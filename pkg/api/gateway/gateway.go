// HTTP REST API gateway for the vulcan scheduler core.
// Thin translation layer: decodes requests, calls the scheduler, encodes
// responses. No scheduling decisions are made here.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mediafoundry/vulcan-scheduler/pkg/job"
	"github.com/mediafoundry/vulcan-scheduler/pkg/logger"
	"github.com/mediafoundry/vulcan-scheduler/pkg/scheduler"
)

// ============================================================================
// API REQUEST/RESPONSE TYPES
// ============================================================================

// SubmitJobRequest: HTTP request body for submitting a generation job
type SubmitJobRequest struct {
	RequestID string `json:"request_id,omitempty"` // client-chosen dedup key
	Kind      string `json:"kind"`                 // image, video, speech
	Tier      string `json:"tier"`                 // realtime, high, normal, batch

	// Optional explicit estimate; zero means "estimate from params"
	VRAMEstimate uint64 `json:"vram_estimate,omitempty"`

	Image  *job.ImageParams  `json:"image,omitempty"`
	Video  *job.VideoParams  `json:"video,omitempty"`
	Speech *job.SpeechParams `json:"speech,omitempty"`
}

// validateParams: Reject negative dimension and length fields before they
// reach the estimator, where int-to-uint64 conversion would turn them into
// absurdly large VRAM figures
func (r *SubmitJobRequest) validateParams() error {
	if p := r.Image; p != nil {
		if p.Width < 0 || p.Height < 0 || p.Steps < 0 || p.BatchSize < 0 {
			return fmt.Errorf("image params must be non-negative")
		}
	}
	if p := r.Video; p != nil {
		if p.Width < 0 || p.Height < 0 || p.Frames < 0 || p.FPS < 0 {
			return fmt.Errorf("video params must be non-negative")
		}
	}
	if p := r.Speech; p != nil {
		if p.TextLength < 0 || p.SampleRate < 0 {
			return fmt.Errorf("speech params must be non-negative")
		}
	}
	return nil
}

// SubmitJobResponse: HTTP response for an accepted job
type SubmitJobResponse struct {
	Success   bool   `json:"success"`
	JobID     string `json:"job_id"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// JobStatusResponse: HTTP response for a job status query
type JobStatusResponse struct {
	JobID        string `json:"job_id"`
	RequestID    string `json:"request_id,omitempty"`
	Kind         string `json:"kind"`
	Tier         string `json:"tier"`
	State        string `json:"state"`
	DeviceID     int    `json:"device_id"` // -1 until admitted
	VRAMEstimate uint64 `json:"vram_estimate"`
	FailReason   string `json:"fail_reason,omitempty"`

	SubmittedAt string `json:"submitted_at"`
	AdmittedAt  string `json:"admitted_at,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	FinishedAt  string `json:"finished_at,omitempty"`
}

// CompleteJobRequest: Executor callback body
type CompleteJobRequest struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// ForceReleaseRequest: Admin request to drop a job's reservation
type ForceReleaseRequest struct {
	JobID string `json:"job_id"`
}

// QuarantineRequest: Admin request to pull a device out of admission
type QuarantineRequest struct {
	DeviceID int `json:"device_id"`
}

// HealthCheckResponse: Health check response
type HealthCheckResponse struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	TotalRequests uint64 `json:"total_requests"`
	TotalErrors   uint64 `json:"total_errors"`
}

// ErrorResponse: Error response
type ErrorResponse struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ============================================================================
// GATEWAY SERVICE
// ============================================================================

// GatewayConfig: Configuration for the API gateway
type GatewayConfig struct {
	Addr           string        // listen address (e.g. ":8080")
	RequestTimeout time.Duration // per-request timeout
	MaxRequestSize int64         // max request body size (bytes)
	EnableCORS     bool
}

// DefaultGatewayConfig: Default config
var DefaultGatewayConfig = &GatewayConfig{
	Addr:           ":8080",
	RequestTimeout: 30 * time.Second,
	MaxRequestSize: 1 << 20, // 1MB
	EnableCORS:     true,
}

// APIGateway: HTTP REST surface over the scheduler
type APIGateway struct {
	log     *logger.Logger
	sched   *scheduler.Scheduler
	config  *GatewayConfig
	metrics http.Handler // prometheus scrape handler, may be nil

	totalRequests uint64
	totalErrors   uint64

	server *http.Server
}

// NewAPIGateway: Create a gateway over the scheduler. metricsHandler serves
// GET /metrics and may be nil to disable the endpoint.
func NewAPIGateway(sched *scheduler.Scheduler, config *GatewayConfig, metricsHandler http.Handler) (*APIGateway, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if config == nil {
		config = DefaultGatewayConfig
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = 1 << 20
	}

	return &APIGateway{
		log:     logger.Get(),
		sched:   sched,
		config:  config,
		metrics: metricsHandler,
	}, nil
}

// RegisterRoutes: Register all HTTP routes
func (ag *APIGateway) RegisterRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Jobs
	mux.HandleFunc("POST /v1/jobs", ag.wrapHandler(ag.handleSubmitJob))
	mux.HandleFunc("GET /v1/jobs/{id}", ag.wrapHandler(ag.handleJobStatus))
	mux.HandleFunc("DELETE /v1/jobs/{id}", ag.wrapHandler(ag.handleCancelJob))
	mux.HandleFunc("POST /v1/jobs/{id}/complete", ag.wrapHandler(ag.handleCompleteJob))

	// Status
	mux.HandleFunc("GET /v1/devices", ag.wrapHandler(ag.handleDevices))
	mux.HandleFunc("GET /v1/queue", ag.wrapHandler(ag.handleQueue))
	mux.HandleFunc("GET /v1/stats", ag.wrapHandler(ag.handleStats))

	// Admin
	mux.HandleFunc("POST /v1/admin/force-release", ag.wrapHandler(ag.handleForceRelease))
	mux.HandleFunc("POST /v1/admin/quarantine", ag.wrapHandler(ag.handleQuarantine))

	// Health & metrics
	mux.HandleFunc("GET /healthz", ag.wrapHandler(ag.handleHealthCheck))
	if ag.metrics != nil {
		mux.Handle("GET /metrics", ag.metrics)
	}

	return mux
}

// wrapHandler: Middleware wrapper for all handlers
func (ag *APIGateway) wrapHandler(handler func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ag.config.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		w.Header().Set("Content-Type", "application/json")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		startTime := time.Now()
		ag.log.Debug("API Request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

		handler(w, r)

		atomic.AddUint64(&ag.totalRequests, 1)
		ag.log.Debug("API Response completed in %.2fms", time.Since(startTime).Seconds()*1000)
	}
}

// ============================================================================
// JOB HANDLERS
// ============================================================================

// handleSubmitJob: POST /v1/jobs
func (ag *APIGateway) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		ag.respondError(w, http.StatusBadRequest, "BAD_CONTENT_TYPE",
			"Content-Type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, ag.config.MaxRequestSize)
	defer r.Body.Close()

	var apiReq SubmitJobRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&apiReq); err != nil {
		if err == io.EOF {
			ag.respondError(w, http.StatusBadRequest, "EMPTY_BODY", "request body is empty")
		} else {
			ag.respondError(w, http.StatusBadRequest, "INVALID_JSON",
				fmt.Sprintf("invalid JSON: %v", err))
		}
		return
	}

	if err := apiReq.validateParams(); err != nil {
		ag.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	tier, err := job.ParseTier(apiReq.Tier)
	if err != nil {
		ag.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), ag.config.RequestTimeout)
	defer cancel()

	jobID, err := ag.sched.Submit(ctx, scheduler.SubmitRequest{
		RequestID:    apiReq.RequestID,
		Kind:         job.Kind(apiReq.Kind),
		Tier:         tier,
		VRAMEstimate: apiReq.VRAMEstimate,
		Image:        apiReq.Image,
		Video:        apiReq.Video,
		Speech:       apiReq.Speech,
	})
	if err != nil {
		ag.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(&SubmitJobResponse{
		Success:   true,
		JobID:     jobID,
		RequestID: apiReq.RequestID,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// handleJobStatus: GET /v1/jobs/{id}
func (ag *APIGateway) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := ag.sched.Status(r.PathValue("id"))
	if err != nil {
		ag.respondSchedulerError(w, err)
		return
	}

	resp := &JobStatusResponse{
		JobID:        j.ID,
		RequestID:    j.RequestID,
		Kind:         string(j.Kind),
		Tier:         j.Tier.String(),
		State:        string(j.State),
		DeviceID:     j.DeviceID,
		VRAMEstimate: j.VRAMEstimate,
		FailReason:   j.FailureReason,
		SubmittedAt:  j.SubmittedAt.Format(time.RFC3339),
	}
	if !j.AdmittedAt.IsZero() {
		resp.AdmittedAt = j.AdmittedAt.Format(time.RFC3339)
	}
	if !j.StartedAt.IsZero() {
		resp.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if !j.FinishedAt.IsZero() {
		resp.FinishedAt = j.FinishedAt.Format(time.RFC3339)
	}

	json.NewEncoder(w).Encode(resp)
}

// handleCancelJob: DELETE /v1/jobs/{id}
func (ag *APIGateway) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := ag.sched.Cancel(jobID); err != nil {
		ag.respondSchedulerError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"job_id":  jobID,
	})
}

// handleCompleteJob: POST /v1/jobs/{id}/complete
// Callback used by the execution layer when a job finishes
func (ag *APIGateway) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, ag.config.MaxRequestSize)
	defer r.Body.Close()

	var req CompleteJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ag.respondError(w, http.StatusBadRequest, "INVALID_JSON",
			fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	jobID := r.PathValue("id")
	if err := ag.sched.Complete(jobID, req.Success, req.Reason); err != nil {
		ag.respondSchedulerError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"job_id":  jobID,
	})
}

// ============================================================================
// STATUS HANDLERS
// ============================================================================

// handleDevices: GET /v1/devices
func (ag *APIGateway) handleDevices(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(ag.sched.DeviceTable())
}

// handleQueue: GET /v1/queue
func (ag *APIGateway) handleQueue(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(ag.sched.QueueDepths())
}

// handleStats: GET /v1/stats
func (ag *APIGateway) handleStats(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(ag.sched.Stats())
}

// handleHealthCheck: GET /healthz
func (ag *APIGateway) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(&HealthCheckResponse{
		Status:        "ok",
		Timestamp:     time.Now().Format(time.RFC3339),
		TotalRequests: atomic.LoadUint64(&ag.totalRequests),
		TotalErrors:   atomic.LoadUint64(&ag.totalErrors),
	})
}

// ============================================================================
// ADMIN HANDLERS
// ============================================================================

// handleForceRelease: POST /v1/admin/force-release
func (ag *APIGateway) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	var req ForceReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		ag.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "job_id required")
		return
	}

	if err := ag.sched.ForceRelease(req.JobID); err != nil {
		ag.respondSchedulerError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"job_id":  req.JobID,
	})
}

// handleQuarantine: POST /v1/admin/quarantine
func (ag *APIGateway) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	var req QuarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ag.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "device_id required")
		return
	}

	if err := ag.sched.QuarantineDevice(req.DeviceID); err != nil {
		ag.respondError(w, http.StatusNotFound, "DEVICE_NOT_FOUND", err.Error())
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"device_id": req.DeviceID,
	})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func (ag *APIGateway) respondSchedulerError(w http.ResponseWriter, err error) {
	var notFound *scheduler.NotFoundError
	if errors.As(err, &notFound) {
		ag.respondError(w, http.StatusNotFound, "JOB_NOT_FOUND", err.Error())
		return
	}
	ag.respondError(w, http.StatusConflict, "OPERATION_FAILED", err.Error())
}

func (ag *APIGateway) respondError(w http.ResponseWriter, statusCode int, errorCode string, message string) {
	response := &ErrorResponse{
		Success:   false,
		ErrorCode: errorCode,
		Message:   message,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
	atomic.AddUint64(&ag.totalErrors, 1)
	ag.log.Warn("API Error: %s - %s (status=%d)", errorCode, message, statusCode)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start: Start the HTTP server in the background
func (ag *APIGateway) Start() error {
	mux := ag.RegisterRoutes()
	ag.server = &http.Server{
		Addr:         ag.config.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ag.log.Info("API Gateway starting on %s", ag.config.Addr)

	go func() {
		if err := ag.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ag.log.Error("Server error: %v", err)
		}
	}()

	return nil
}

// Stop: Gracefully shut the HTTP server down
func (ag *APIGateway) Stop(ctx context.Context) error {
	if ag.server == nil {
		return nil
	}
	ag.log.Info("API Gateway shutting down")
	return ag.server.Shutdown(ctx)
}
