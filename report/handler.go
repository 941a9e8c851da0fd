package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/platform/httpx"
)

// InvoiceSource loads invoices by id.
type InvoiceSource interface {
	Get(ctx context.Context, id int64) (billing.Invoice, error)
}

// Renderer turns invoices into PDF bytes.
type Renderer interface {
	Ping(ctx context.Context) error
	RenderInvoice(ctx context.Context, inv billing.Invoice) ([]byte, error)
}

// Handler serves invoice PDF downloads.
type Handler struct {
	renderer Renderer
	invoices InvoiceSource
	logger   *slog.Logger
}

// NewHandler creates a report handler.
func NewHandler(renderer Renderer, invoices InvoiceSource, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{renderer: renderer, invoices: invoices, logger: logger.With(slog.String("component", "report"))}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/reports/ping", h.ping)
	r.Get("/invoices/{id}/pdf", h.invoicePDF)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	if err := h.renderer.Ping(r.Context()); err != nil {
		h.logger.Warn("gotenberg ping failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "renderer unreachable")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) invoicePDF(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invoice id must be a positive integer", httpx.ErrValidation))
		return
	}
	inv, err := h.invoices.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			httpx.RespondError(w, fmt.Errorf("%w: invoice %d", httpx.ErrNotFound, id))
			return
		}
		h.logger.Error("load invoice", slog.Int64("invoice_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	pdf, err := h.renderer.RenderInvoice(r.Context(), inv)
	if err != nil {
		h.logger.Error("render invoice pdf", slog.String("number", inv.Number), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", "pdf rendering failed")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%s.pdf", inv.Number))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}
