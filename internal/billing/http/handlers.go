package billinghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/calendar"
	"github.com/shiftbill/shiftbill/internal/platform/httpx"
	"github.com/shiftbill/shiftbill/jobs"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Service is the subset of billing.Service the handler calls.
type Service interface {
	RunFor(ctx context.Context, clientID int64, period calendar.Period) (billing.Outcome, error)
	Get(ctx context.Context, id int64) (billing.Invoice, error)
	List(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error)
	SetStatus(ctx context.Context, id int64, status billing.InvoiceStatus) (billing.Invoice, error)
	Cancel(ctx context.Context, id int64) (billing.Invoice, error)
	LastRun(ctx context.Context) (billing.RunRecord, bool, error)
	Clock() calendar.Clock
}

// TickEnqueuer hands a tick to the worker queue.
type TickEnqueuer interface {
	EnqueueTick(ctx context.Context, payload jobs.TickPayload) (*asynq.TaskInfo, bool, error)
}

// Handler serves the operator trigger and invoice consumer endpoints.
type Handler struct {
	logger    *slog.Logger
	service   Service
	queue     TickEnqueuer
	validator *validator.Validate
}

// NewHandler constructs the billing handler. queue may be nil, in which case
// POST /billing/run answers 503.
func NewHandler(logger *slog.Logger, service Service, queue TickEnqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger.With(slog.String("component", "billing.http")),
		service:   service,
		queue:     queue,
		validator: validator.New(),
	}
}

type periodRequest struct {
	PeriodStart string `json:"period_start" validate:"required_with=PeriodEnd,omitempty,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required_with=PeriodStart,omitempty,datetime=2006-01-02"`
}

func (p periodRequest) resolve(today time.Time) (calendar.Period, error) {
	if p.PeriodStart == "" && p.PeriodEnd == "" {
		return calendar.WeeklyPeriod(today), nil
	}
	return calendar.ParsePeriod(p.PeriodStart, p.PeriodEnd)
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=open sent paid reminded14 reminded30 canceled"`
}

type runNowResponse struct {
	TaskID      string `json:"task_id,omitempty"`
	Coalesced   bool   `json:"coalesced"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

type runForResponse struct {
	ClientID    int64            `json:"client_id"`
	PeriodStart string           `json:"period_start"`
	PeriodEnd   string           `json:"period_end"`
	Invoice     *invoiceResponse `json:"invoice,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

type invoiceResponse struct {
	ID          int64                   `json:"id"`
	Number      string                  `json:"number"`
	ClientID    int64                   `json:"client_id"`
	IssueDate   string                  `json:"issue_date"`
	PeriodStart string                  `json:"period_start"`
	PeriodEnd   string                  `json:"period_end"`
	Subtotal    decimal.Decimal         `json:"subtotal"`
	VAT         decimal.Decimal         `json:"vat"`
	Total       decimal.Decimal         `json:"total"`
	Status      billing.InvoiceStatus   `json:"status"`
	Client      billing.ClientSnapshot  `json:"client"`
	Breakdown   []billing.BreakdownLine `json:"breakdown"`
	ShiftIDs    []int64                 `json:"shift_ids"`
	Text        string                  `json:"text,omitempty"`
	StatusAt    time.Time               `json:"status_at"`
}

func newInvoiceResponse(inv billing.Invoice, withText bool) invoiceResponse {
	resp := invoiceResponse{
		ID:          inv.ID,
		Number:      inv.Number,
		ClientID:    inv.ClientID,
		IssueDate:   inv.IssueDate.Format(calendar.DateLayout),
		PeriodStart: inv.PeriodStart.Format(calendar.DateLayout),
		PeriodEnd:   inv.PeriodEnd.Format(calendar.DateLayout),
		Subtotal:    inv.Subtotal,
		VAT:         inv.VAT,
		Total:       inv.Total,
		Status:      inv.Status,
		Client:      inv.Client,
		Breakdown:   inv.Breakdown,
		ShiftIDs:    inv.ShiftIDs,
		StatusAt:    inv.StatusAt,
	}
	if withText {
		resp.Text = inv.Text
	}
	return resp
}

type runResponse struct {
	ID          string    `json:"id"`
	Trigger     string    `json:"trigger"`
	PeriodStart string    `json:"period_start"`
	PeriodEnd   string    `json:"period_end"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Created     int       `json:"created"`
	Noop        int       `json:"noop"`
	Failed      int       `json:"failed"`
}

func (h *Handler) handleRunNow(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := req.resolve(h.service.Clock().Today())
	if err != nil {
		h.respondError(w, err)
		return
	}
	if h.queue == nil {
		httpx.RespondError(w, fmt.Errorf("%w: job queue not configured", httpx.ErrUnavailable))
		return
	}
	payload := jobs.TickPayload{Trigger: billing.TriggerManual}
	if req.PeriodStart != "" {
		payload.PeriodStart = period.Start.Format(calendar.DateLayout)
		payload.PeriodEnd = period.End.Format(calendar.DateLayout)
	}
	info, coalesced, err := h.queue.EnqueueTick(r.Context(), payload)
	if err != nil {
		h.logger.Error("enqueue tick", slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%w: enqueue tick", httpx.ErrUnavailable))
		return
	}
	resp := runNowResponse{
		Coalesced:   coalesced,
		PeriodStart: period.Start.Format(calendar.DateLayout),
		PeriodEnd:   period.End.Format(calendar.DateLayout),
	}
	if info != nil {
		resp.TaskID = info.ID
	}
	httpx.JSON(w, http.StatusAccepted, resp)
}

func (h *Handler) handleRunFor(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req periodRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := req.resolve(h.service.Clock().Today())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out, err := h.service.RunFor(r.Context(), clientID, period)
	if err != nil {
		h.respondError(w, err)
		return
	}
	resp := runForResponse{
		ClientID:    clientID,
		PeriodStart: period.Start.Format(calendar.DateLayout),
		PeriodEnd:   period.End.Format(calendar.DateLayout),
	}
	status := http.StatusOK
	if out.Created() {
		inv := newInvoiceResponse(*out.Invoice, true)
		resp.Invoice = &inv
		status = http.StatusCreated
	} else {
		resp.Reason = string(out.Reason)
	}
	httpx.JSON(w, status, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	invoices, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]invoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, newInvoiceResponse(inv, false))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoices": out,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponse(inv, true))
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.service.SetStatus(r.Context(), id, billing.InvoiceStatus(req.Status))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponse(inv, false))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponse(inv, false))
}

func (h *Handler) handleLastRun(w http.ResponseWriter, r *http.Request) {
	run, found, err := h.service.LastRun(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !found {
		httpx.RespondError(w, fmt.Errorf("%w: no tick has run yet", httpx.ErrNotFound))
		return
	}
	httpx.JSON(w, http.StatusOK, runResponse{
		ID:          run.ID.String(),
		Trigger:     run.Trigger,
		PeriodStart: run.PeriodStart.Format(calendar.DateLayout),
		PeriodEnd:   run.PeriodEnd.Format(calendar.DateLayout),
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Created:     run.Created,
		Noop:        run.Noop,
		Failed:      run.Failed,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body: %v", httpx.ErrValidation, err))
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fields []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
		} else {
			fields = append(fields, err.Error())
		}
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(fields, "; ")))
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: id must be a positive integer", httpx.ErrValidation))
		return 0, false
	}
	return id, true
}

// respondError translates billing failures into problem responses.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrNotFound), errors.Is(err, billing.ErrClientNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, billing.ErrInvalidInput), errors.Is(err, calendar.ErrInvalidPeriod):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, billing.ErrInvalidTransition):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	case errors.Is(err, billing.ErrIntegrity):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnprocessable, err))
	case billing.IsTransient(err):
		h.logger.Warn("transient billing failure", slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%w: retry later", httpx.ErrUnavailable))
	default:
		h.logger.Error("billing request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseFilter(r *http.Request) (billing.InvoiceFilter, error) {
	q := r.URL.Query()
	filter := billing.InvoiceFilter{Limit: defaultPageSize}
	if v := q.Get("client_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return filter, fmt.Errorf("client_id %q is not a positive integer", v)
		}
		filter.ClientID = id
	}
	if v := q.Get("status"); v != "" {
		status := billing.InvoiceStatus(v)
		if !status.Valid() {
			return filter, fmt.Errorf("unknown status %q", v)
		}
		filter.Status = status
	}
	if v := q.Get("issued_from"); v != "" {
		d, err := calendar.ParseDate(v)
		if err != nil {
			return filter, err
		}
		filter.IssuedFrom = d
	}
	if v := q.Get("issued_to"); v != "" {
		d, err := calendar.ParseDate(v)
		if err != nil {
			return filter, err
		}
		filter.IssuedTo = d
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, fmt.Errorf("limit %q is not a positive integer", v)
		}
		filter.Limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("offset %q is not a non-negative integer", v)
		}
		filter.Offset = n
	}
	return filter, nil
}
