// File: internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/automation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies; data contexts are small records.
const maxBodyBytes = 1 << 20

// RunController is the run lifecycle surface exposed over HTTP.
type RunController interface {
	Start(ctx context.Context, certificateID string, data schemas.DataContext, opts automation.StartOptions) (string, error)
	Resume(runID string) error
	Cancel(runID string) error
	Status(runID string) (schemas.RunState, error)
	List() []schemas.RunState
}

// Catalog lists the registered certificate definitions.
type Catalog interface {
	Get(id string) (*schemas.CertificateDefinition, error)
	List() []*schemas.CertificateDefinition
}

// Handlers serves the run-control API.
type Handlers struct {
	log     *zap.Logger
	runs    RunController
	catalog Catalog
	data    schemas.DataSource
	history schemas.RunRecorder
}

// HandlerOption configures optional collaborators of Handlers.
type HandlerOption func(*Handlers)

// WithDataSource lets POST /runs build the data context from brokerage ids.
func WithDataSource(ds schemas.DataSource) HandlerOption {
	return func(h *Handlers) { h.data = ds }
}

// WithHistory serves persisted run records for runs the runner no longer tracks.
func WithHistory(rec schemas.RunRecorder) HandlerOption {
	return func(h *Handlers) { h.history = rec }
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(logger *zap.Logger, runs RunController, catalog Catalog, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		log:     logger.Named("api_handlers"),
		runs:    runs,
		catalog: catalog,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/certificates", func(r chi.Router) {
		r.Get("/", h.HandleListCertificates)
		r.Get("/{certificateID}", h.HandleGetCertificate)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.HandleStartRun)
		r.Get("/", h.HandleListRuns)
		r.Get("/history", h.HandleRunHistory)
		r.Get("/{runID}", h.HandleGetRun)
		r.Post("/{runID}/resume", h.HandleResumeRun)
		r.Post("/{runID}/cancel", h.HandleCancelRun)
	})
}

// HandleHealthCheck is a simple handler to confirm the server is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// -- Certificates --

type stepSummary struct {
	Index  int    `json:"index"`
	Action string `json:"action"`
	Note   string `json:"note,omitempty"`
}

type certificateDetail struct {
	schemas.CertificateSummary
	Steps []stepSummary `json:"steps"`
}

// HandleListCertificates returns every registered definition.
func (h *Handlers) HandleListCertificates(w http.ResponseWriter, _ *http.Request) {
	defs := h.catalog.List()
	out := make([]schemas.CertificateSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Summary())
	}
	h.respondWithSuccess(w, http.StatusOK, out)
}

// HandleGetCertificate returns one definition with its step outline.
func (h *Handlers) HandleGetCertificate(w http.ResponseWriter, r *http.Request) {
	def, err := h.catalog.Get(chi.URLParam(r, "certificateID"))
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	detail := certificateDetail{CertificateSummary: def.Summary(), Steps: make([]stepSummary, 0, len(def.Steps))}
	for i, s := range def.Steps {
		detail.Steps = append(detail.Steps, stepSummary{Index: i, Action: string(s.Kind()), Note: s.Note()})
	}
	h.respondWithSuccess(w, http.StatusOK, detail)
}

// -- Runs --

// StartRunRequest starts a run either from an inline data context or from
// brokerage record ids.
type StartRunRequest struct {
	CertificateID string                            `json:"certificateId"`
	Data          map[string]map[string]interface{} `json:"data,omitempty"`
	PropertyID    int64                             `json:"propertyId,omitempty"`
	RequesterID   int64                             `json:"requesterId,omitempty"`
	// Timeout is a Go duration string such as "10m".
	Timeout string `json:"timeout,omitempty"`
}

type startRunResponse struct {
	RunID string `json:"runId"`
}

// HandleStartRun launches a run and answers 202 with its id.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	req.CertificateID = strings.TrimSpace(req.CertificateID)
	if req.CertificateID == "" {
		h.respondWithDomainError(w, schemas.NewError(schemas.KindValidation, "certificateId is required"))
		return
	}

	var opts automation.StartOptions
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			h.respondWithDomainError(w, schemas.NewError(schemas.KindValidation, "invalid timeout %q", req.Timeout))
			return
		}
		opts.Timeout = d
	}

	data, err := h.dataContext(r.Context(), req)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	runID, err := h.runs.Start(r.Context(), req.CertificateID, data, opts)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	h.log.Info("Run started via API", zap.String("run_id", runID), zap.String("certificate_id", req.CertificateID))
	h.respondWithSuccess(w, http.StatusAccepted, startRunResponse{RunID: runID})
}

func (h *Handlers) dataContext(ctx context.Context, req StartRunRequest) (schemas.DataContext, error) {
	switch {
	case len(req.Data) > 0 && req.PropertyID > 0:
		return nil, schemas.NewError(schemas.KindValidation, "give either data or propertyId, not both")
	case len(req.Data) > 0:
		dc := make(schemas.DataContext, len(req.Data))
		for group, fields := range req.Data {
			dc[schemas.DataGroup(group)] = fields
		}
		return dc, nil
	case req.PropertyID > 0:
		if h.data == nil {
			return nil, schemas.NewError(schemas.KindValidation, "propertyId requires a configured brokerage database")
		}
		return h.data.LoadDataContext(ctx, req.PropertyID, req.RequesterID)
	default:
		return nil, schemas.NewError(schemas.KindValidation, "either data or propertyId is required")
	}
}

// HandleListRuns returns the runs tracked by this process, optionally
// filtered by ?certificateId=.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	certID := r.URL.Query().Get("certificateId")
	all := h.runs.List()
	out := make([]schemas.RunState, 0, len(all))
	for _, st := range all {
		if certID == "" || st.CertificateID == certID {
			out = append(out, st)
		}
	}
	h.respondWithSuccess(w, http.StatusOK, out)
}

// HandleRunHistory returns persisted run records, newest first.
func (h *Handlers) HandleRunHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "run history is not available without a database")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	runs, err := h.history.ListRuns(r.Context(), r.URL.Query().Get("certificateId"), limit)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []schemas.RunState{}
	}
	h.respondWithSuccess(w, http.StatusOK, runs)
}

// HandleGetRun returns the current state of a run, falling back to the
// persisted record for runs started by another process.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	st, err := h.runs.Status(runID)
	if errors.Is(err, schemas.ErrNotFound) && h.history != nil {
		st, err = h.history.GetRun(r.Context(), runID)
	}
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, st)
}

// HandleResumeRun continues a run paused for a CAPTCHA.
func (h *Handlers) HandleResumeRun(w http.ResponseWriter, r *http.Request) {
	h.control(w, chi.URLParam(r, "runID"), h.runs.Resume)
}

// HandleCancelRun requests cancellation of a run.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	h.control(w, chi.URLParam(r, "runID"), h.runs.Cancel)
}

func (h *Handlers) control(w http.ResponseWriter, runID string, op func(string) error) {
	if err := op(runID); err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	st, err := h.runs.Status(runID)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusAccepted, st)
}

// -- Responses --

// Response is the envelope of every JSON answer.
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Kind    schemas.ErrorKind `json:"kind,omitempty"`
	Path    string            `json:"path,omitempty"`
	Message string            `json:"message"`
}

// StatusFor maps an error kind to the HTTP status it is reported with.
func StatusFor(err error) int {
	var e *schemas.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case schemas.KindNotFound:
		return http.StatusNotFound
	case schemas.KindValidation, schemas.KindMissingData:
		return http.StatusUnprocessableEntity
	case schemas.KindInvalidState:
		return http.StatusConflict
	case schemas.KindCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondWithDomainError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	body := &ErrorBody{Message: err.Error()}
	var e *schemas.Error
	if errors.As(err, &e) {
		body.Kind = e.Kind
		body.Path = e.Path
	}
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		h.log.Error("Request failed", zap.Error(err))
	}
	h.respond(w, code, Response{Status: "error", Error: body})
}

// respondWithError sends a standardized JSON error response.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respond(w, statusCode, Response{Status: "error", Error: &ErrorBody{Message: message}})
}

// respondWithSuccess sends a standardized JSON success response.
func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respond(w, statusCode, Response{Status: "success", Data: data})
}

func (h *Handlers) respond(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
