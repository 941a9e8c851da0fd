package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shiftbill/shiftbill/internal/billing"
)

func sampleInvoice() billing.Invoice {
	return billing.Invoice{
		ID:        7,
		Number:    "2025001001-A1B",
		IssueDate: time.Date(2025, time.May, 19, 0, 0, 0, 0, time.UTC),
		Total:     decimal.RequireFromString("193.60"),
		Status:    billing.InvoiceStatusOpen,
		Client:    billing.ClientSnapshot{Name: "Bakker & <Zn>"},
		Text:      "FACTUUR 2025001001-A1B\nTotaal: 193.60\n",
	}
}

func TestClientRenderHTMLPostsIndexFile(t *testing.T) {
	var gotPath, gotName, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		file, header, err := r.FormFile("files")
		require.NoError(t, err)
		gotName = header.Filename
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		gotBody = string(data)
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	pdf, err := NewClient(srv.URL+"/").RenderHTML(context.Background(), []byte("<p>hi</p>"))
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7", string(pdf))
	require.Equal(t, "/forms/chromium/convert/html", gotPath)
	require.Equal(t, "index.html", gotName)
	require.Equal(t, "<p>hi</p>", gotBody)
}

func TestClientRenderHTMLStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).RenderHTML(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrRenderFailed)
}

func TestClientPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL).Ping(context.Background()))
}

func TestInvoiceHTMLEscapesClientFields(t *testing.T) {
	html, err := InvoiceHTML(sampleInvoice())
	require.NoError(t, err)
	out := string(html)
	require.Contains(t, out, "<title>Factuur 2025001001-A1B</title>")
	require.Contains(t, out, "Bakker &amp; &lt;Zn&gt;")
	require.Contains(t, out, "Totaal: 193.60")
	require.Contains(t, out, "2025-05-19")
}

type fakeRenderer struct {
	pingErr   error
	renderErr error
	rendered  []string
}

func (f *fakeRenderer) Ping(context.Context) error { return f.pingErr }

func (f *fakeRenderer) RenderInvoice(_ context.Context, inv billing.Invoice) ([]byte, error) {
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	f.rendered = append(f.rendered, inv.Number)
	return []byte("%PDF"), nil
}

type fakeSource map[int64]billing.Invoice

func (s fakeSource) Get(_ context.Context, id int64) (billing.Invoice, error) {
	inv, ok := s[id]
	if !ok {
		return billing.Invoice{}, billing.ErrNotFound
	}
	return inv, nil
}

func newRouter(renderer Renderer) http.Handler {
	r := chi.NewRouter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	NewHandler(renderer, fakeSource{7: sampleInvoice()}, logger).MountRoutes(r)
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestInvoicePDF(t *testing.T) {
	renderer := &fakeRenderer{}
	rec := get(t, newRouter(renderer), "/invoices/7/pdf")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "2025001001-A1B.pdf")
	require.Equal(t, "%PDF", rec.Body.String())
	require.Equal(t, []string{"2025001001-A1B"}, renderer.rendered)
}

func TestInvoicePDFErrors(t *testing.T) {
	router := newRouter(&fakeRenderer{})
	require.Equal(t, http.StatusNotFound, get(t, router, "/invoices/8/pdf").Code)
	require.Equal(t, http.StatusBadRequest, get(t, router, "/invoices/abc/pdf").Code)

	failing := newRouter(&fakeRenderer{renderErr: ErrRenderFailed})
	require.Equal(t, http.StatusBadGateway, get(t, failing, "/invoices/7/pdf").Code)
}

func TestPing(t *testing.T) {
	require.Equal(t, http.StatusOK, get(t, newRouter(&fakeRenderer{}), "/reports/ping").Code)
	down := newRouter(&fakeRenderer{pingErr: errors.New("dial tcp: refused")})
	require.Equal(t, http.StatusServiceUnavailable, get(t, down, "/reports/ping").Code)
}
