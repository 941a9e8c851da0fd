package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiftbill/shiftbill/internal/calendar"
)

const (
	minutesPerDay = 24 * 60

	dayWindowStart     = 6 * 60
	eveningWindowStart = 18 * 60
	nightWindowStart   = 22 * 60
	nyeWindowStart     = 16 * 60
)

var sixty = decimal.NewFromInt(60)

// Buckets holds hours per rate category, two fractional digits.
type Buckets struct {
	Day     decimal.Decimal `json:"day"`
	Evening decimal.Decimal `json:"evening"`
	Night   decimal.Decimal `json:"night"`
	Weekend decimal.Decimal `json:"weekend"`
	Holiday decimal.Decimal `json:"holiday"`
	NYE     decimal.Decimal `json:"nye"`
}

// Total sums all buckets.
func (b Buckets) Total() decimal.Decimal {
	return b.Day.Add(b.Evening).Add(b.Night).Add(b.Weekend).Add(b.Holiday).Add(b.NYE)
}

func (b Buckets) check() error {
	for _, v := range []decimal.Decimal{b.Day, b.Evening, b.Night, b.Weekend, b.Holiday, b.NYE} {
		if v.IsNegative() {
			return fmt.Errorf("%w: negative bucket hours %+v", ErrInvariant, b)
		}
	}
	return nil
}

type bucketMinutes struct {
	day, evening, night, weekend, holiday, nye int
}

func (m bucketMinutes) hours() Buckets {
	return Buckets{
		Day:     minutesToHours(m.day),
		Evening: minutesToHours(m.evening),
		Night:   minutesToHours(m.night),
		Weekend: minutesToHours(m.weekend),
		Holiday: minutesToHours(m.holiday),
		NYE:     minutesToHours(m.nye),
	}
}

func minutesToHours(minutes int) decimal.Decimal {
	return decimal.NewFromInt(int64(minutes)).Div(sixty).Round(2)
}

// span is a half-open minute interval measured from the shift date's midnight.
type span struct{ from, to int }

func (s span) length() int {
	if s.to <= s.from {
		return 0
	}
	return s.to - s.from
}

func (s span) overlap(o span) int {
	return span{from: max(s.from, o.from), to: min(s.to, o.to)}.length()
}

// minus removes o from s, returning the remaining pieces.
func (s span) minus(o span) []span {
	var out []span
	if left := (span{from: s.from, to: min(s.to, o.from)}); left.length() > 0 {
		out = append(out, left)
	}
	if right := (span{from: max(s.from, o.to), to: s.to}); right.length() > 0 {
		out = append(out, right)
	}
	return out
}

// Classifier partitions a shift into rate buckets.
type Classifier struct {
	holidays calendar.HolidayOracle
}

// NewClassifier constructs a classifier backed by the given holiday oracle.
func NewClassifier(holidays calendar.HolidayOracle) *Classifier {
	return &Classifier{holidays: holidays}
}

// Classify buckets the hours of a shift on date from start to end (minutes
// after midnight). Calendar rules are evaluated once, on date, even for the
// part of an overnight shift that runs past midnight.
func (c *Classifier) Classify(date time.Time, start, end int) (Buckets, error) {
	if start < 0 || start >= minutesPerDay || end < 0 || end >= minutesPerDay {
		return Buckets{}, fmt.Errorf("billing: clock times %d-%d outside a day", start, end)
	}
	if start == end {
		return Buckets{}, nil
	}
	shift := span{from: start, to: end}
	if end < start {
		shift.to += minutesPerDay
	}

	var m bucketMinutes
	rest := []span{shift}
	if date.Month() == time.December && date.Day() == 31 {
		nye := span{from: nyeWindowStart, to: minutesPerDay}
		if n := shift.overlap(nye); n > 0 {
			m.nye = n
			rest = shift.minus(nye)
		}
	}
	for _, s := range rest {
		c.classifyRemainder(date, s, &m)
	}

	b := m.hours()
	if err := b.check(); err != nil {
		return Buckets{}, err
	}
	return b, nil
}

func (c *Classifier) classifyRemainder(date time.Time, s span, m *bucketMinutes) {
	switch {
	case c.holidays != nil && c.holidays.IsHoliday(date):
		m.holiday += s.length()
	case date.Weekday() == time.Saturday || date.Weekday() == time.Sunday:
		m.weekend += s.length()
	default:
		day, evening := 0, 0
		for k := 0; k < 2; k++ {
			offset := k * minutesPerDay
			day += s.overlap(span{from: offset + dayWindowStart, to: offset + eveningWindowStart})
			evening += s.overlap(span{from: offset + eveningWindowStart, to: offset + nightWindowStart})
		}
		m.day += day
		m.evening += evening
		m.night += s.length() - day - evening
	}
}
