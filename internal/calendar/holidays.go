package calendar

import "time"

const (
	holidayTableFirstYear = 2020
	holidayTableLastYear  = 2035
)

// HolidayOracle answers whether a civil date is a public holiday.
type HolidayOracle interface {
	IsHoliday(date time.Time) bool
}

// Holidays is the fixed table of Dutch national public holidays.
type Holidays struct {
	days map[time.Time]string
}

var dutchHolidays = buildDutchHolidays(holidayTableFirstYear, holidayTableLastYear)

// NationalHolidays returns the built-in table. The table is immutable and shared.
func NationalHolidays() *Holidays {
	return dutchHolidays
}

// IsHoliday reports whether date is listed. Dates outside the table are never holidays.
func (h *Holidays) IsHoliday(date time.Time) bool {
	if h == nil {
		return false
	}
	_, ok := h.days[Date(date.Year(), date.Month(), date.Day())]
	return ok
}

// Name returns the holiday name for date, or "".
func (h *Holidays) Name(date time.Time) string {
	if h == nil {
		return ""
	}
	return h.days[Date(date.Year(), date.Month(), date.Day())]
}

// Covers reports whether year is inside the table.
func (h *Holidays) Covers(year int) bool {
	return year >= holidayTableFirstYear && year <= holidayTableLastYear
}

func buildDutchHolidays(from, to int) *Holidays {
	days := make(map[time.Time]string, (to-from+1)*11)
	for year := from; year <= to; year++ {
		easter := easterSunday(year)
		kingsDay := Date(year, time.April, 27)
		if kingsDay.Weekday() == time.Sunday {
			kingsDay = Date(year, time.April, 26)
		}
		days[Date(year, time.January, 1)] = "Nieuwjaarsdag"
		days[easter] = "Eerste Paasdag"
		days[AddDays(easter, 1)] = "Tweede Paasdag"
		days[kingsDay] = "Koningsdag"
		days[Date(year, time.May, 5)] = "Bevrijdingsdag"
		days[AddDays(easter, 39)] = "Hemelvaartsdag"
		days[AddDays(easter, 49)] = "Eerste Pinksterdag"
		days[AddDays(easter, 50)] = "Tweede Pinksterdag"
		days[Date(year, time.December, 25)] = "Eerste Kerstdag"
		days[Date(year, time.December, 26)] = "Tweede Kerstdag"
	}
	return &Holidays{days: days}
}

// easterSunday uses the anonymous Gregorian computus.
func easterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return Date(year, time.Month(month), day)
}
