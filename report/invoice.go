package report

import (
	"bytes"
	"context"
	"html/template"
	"time"

	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/calendar"
)

const invoiceHTML = `<!DOCTYPE html>
<html lang="nl">
<head>
<meta charset="utf-8">
<title>Factuur {{.Number}}</title>
<style>
body { font-family: sans-serif; margin: 2cm; }
pre { font-family: monospace; font-size: 10pt; white-space: pre-wrap; }
.meta { color: #555; font-size: 9pt; }
</style>
</head>
<body>
<h1>Factuur {{.Number}}</h1>
<p class="meta">{{.Client.Name}} &middot; {{date .IssueDate}} &middot; {{.Status}}</p>
<pre>{{.Text}}</pre>
</body>
</html>
`

var invoiceTemplate = template.Must(template.New("invoice").Funcs(template.FuncMap{
	"date": func(t time.Time) string { return t.Format(calendar.DateLayout) },
}).Parse(invoiceHTML))

// InvoiceHTML wraps the stored invoice text in a printable page. The text is
// rendered verbatim so the PDF matches what was issued.
func InvoiceHTML(inv billing.Invoice) ([]byte, error) {
	var buf bytes.Buffer
	if err := invoiceTemplate.Execute(&buf, inv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderInvoice produces the PDF for an issued invoice.
func (c *Client) RenderInvoice(ctx context.Context, inv billing.Invoice) ([]byte, error) {
	html, err := InvoiceHTML(inv)
	if err != nil {
		return nil, err
	}
	return c.RenderHTML(ctx, html)
}
