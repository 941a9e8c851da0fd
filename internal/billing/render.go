package billing

import (
	"strings"
	"text/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiftbill/shiftbill/internal/calendar"
)

const invoiceTextTemplate = `FACTUUR {{.Number}}
Factuurdatum: {{date .IssueDate}}
Periode: {{date .PeriodStart}} t/m {{date .PeriodEnd}}

{{.Client.Name}}
{{- with .Client.Address}}
{{.}}{{end}}
{{- if or .Client.PostalCode .Client.City}}
{{.Client.PostalCode}} {{.Client.City}}{{end}}
{{- with .Client.KvKNumber}}
KvK: {{.}}{{end}}
{{- with .Client.VATNumber}}
BTW: {{.}}{{end}}

{{range .Breakdown -}}
{{.Date}} {{.Start}}-{{.End}} {{.Key}} locatie {{.LocationID}} pas {{.PassType}}
{{- range hours .}}
  {{.Name}} {{money .Hours}} u x {{money .Rate}}{{end}}
  regel {{money .Amount}} ({{.RateSource}})
{{end}}
Subtotaal: {{money .Subtotal}}
BTW 21%: {{money .VAT}}
Totaal: {{money .Total}}
`

// hourLine is one bucket of a breakdown line. It carries no amount of its
// own; the rounded line amount is the only priced figure on the invoice.
type hourLine struct {
	Name  string
	Hours decimal.Decimal
	Rate  decimal.Decimal
}

var invoiceText = template.Must(template.New("invoice").Funcs(template.FuncMap{
	"money": func(d decimal.Decimal) string { return d.StringFixed(2) },
	"date":  func(t time.Time) string { return t.Format(calendar.DateLayout) },
	"hours": nonZeroHourLines,
}).Parse(invoiceTextTemplate))

func nonZeroHourLines(line BreakdownLine) []hourLine {
	all := []hourLine{
		{Name: "dag", Hours: line.Hours.Day, Rate: line.Rates.Base},
		{Name: "avond", Hours: line.Hours.Evening, Rate: line.Rates.Evening},
		{Name: "nacht", Hours: line.Hours.Night, Rate: line.Rates.Night},
		{Name: "weekend", Hours: line.Hours.Weekend, Rate: line.Rates.Weekend},
		{Name: "feestdag", Hours: line.Hours.Holiday, Rate: line.Rates.Holiday},
		{Name: "oudejaarsavond", Hours: line.Hours.NYE, Rate: line.Rates.NYE},
	}
	out := make([]hourLine, 0, 2)
	for _, l := range all {
		if l.Hours.IsZero() {
			continue
		}
		out = append(out, l)
	}
	return out
}

// RenderText produces the denormalised invoice text. The output depends only
// on the invoice fields.
func RenderText(inv Invoice) (string, error) {
	var sb strings.Builder
	if err := invoiceText.Execute(&sb, inv); err != nil {
		return "", err
	}
	return sb.String(), nil
}
