package billing

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const suffixLength = 3

// InvoiceNumber is the parsed form of YYYYCCCNNN-XXX.
type InvoiceNumber struct {
	Year     int
	ClientID int64
	Ordinal  int
	Suffix   string
}

// String formats the number. The suffix part is omitted when empty.
func (n InvoiceNumber) String() string {
	s := fmt.Sprintf("%04d%03d%03d", n.Year, n.ClientID, n.Ordinal)
	if n.Suffix != "" {
		s += "-" + n.Suffix
	}
	return s
}

var invoiceNumberPattern = regexp.MustCompile(`^(\d{4})(\d{3})(\d{3,})(?:-([A-Z]{0,3}))?$`)

// ParseInvoiceNumber parses YYYYCCCNNN[-XXX]. The client segment is read as
// exactly three digits; the suffix may be missing or shorter than three letters.
func ParseInvoiceNumber(s string) (InvoiceNumber, error) {
	m := invoiceNumberPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return InvoiceNumber{}, fmt.Errorf("%w: invoice number %q", ErrInvalidInput, s)
	}
	year, _ := strconv.Atoi(m[1])
	client, _ := strconv.ParseInt(m[2], 10, 64)
	ordinal, _ := strconv.Atoi(m[3])
	return InvoiceNumber{Year: year, ClientID: client, Ordinal: ordinal, Suffix: m[4]}, nil
}

// letterFolds spells out letters that have no canonical decomposition.
var letterFolds = strings.NewReplacer(
	"Æ", "AE", "æ", "ae",
	"Œ", "OE", "œ", "oe",
	"Ø", "O", "ø", "o",
	"Ł", "L", "ł", "l",
	"Đ", "D", "đ", "d",
	"Þ", "TH", "þ", "th",
	"ß", "ss",
)

// NameSuffix returns the first three ASCII letters of name, upper-cased, with
// diacritics stripped and ligatures spelled out.
func NameSuffix(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, letterFolds.Replace(name))
	if err != nil {
		folded = name
	}
	var b strings.Builder
	for _, r := range folded {
		if b.Len() == suffixLength {
			break
		}
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// SequenceStore serialises ordinal allocation for one (year, client).
type SequenceStore interface {
	// LockInvoiceSequence blocks until the caller holds the (year, client)
	// sequence for the rest of its transaction.
	LockInvoiceSequence(ctx context.Context, year int, clientID int64) error
	// MaxInvoiceOrdinal returns the highest ordinal ever issued, canceled
	// invoices included, or 0.
	MaxInvoiceOrdinal(ctx context.Context, year int, clientID int64) (int, error)
}

// Allocator produces the next invoice number inside the caller's transaction.
// Nothing is reserved until that transaction commits.
type Allocator struct{}

// Next locks the (year, client) sequence and returns max+1.
func (Allocator) Next(ctx context.Context, store SequenceStore, client Client, issueDate time.Time) (InvoiceNumber, error) {
	year := issueDate.Year()
	if err := store.LockInvoiceSequence(ctx, year, client.ID); err != nil {
		return InvoiceNumber{}, fmt.Errorf("billing: lock sequence %d/%d: %w", year, client.ID, err)
	}
	last, err := store.MaxInvoiceOrdinal(ctx, year, client.ID)
	if err != nil {
		return InvoiceNumber{}, fmt.Errorf("billing: read sequence %d/%d: %w", year, client.ID, err)
	}
	if last < 0 {
		return InvoiceNumber{}, fmt.Errorf("%w: negative ordinal %d", ErrInvariant, last)
	}
	return InvoiceNumber{
		Year:     year,
		ClientID: client.ID,
		Ordinal:  last + 1,
		Suffix:   NameSuffix(client.Name),
	}, nil
}
