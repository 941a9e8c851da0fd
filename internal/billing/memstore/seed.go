package memstore

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/billing/rates"
	"github.com/shiftbill/shiftbill/internal/calendar"
)

// Demo ids seeded by SeedDemo.
const (
	DemoFortisecID  int64 = 7
	DemoCleanPlusID int64 = 12
	DemoNordwachtID int64 = 99

	DemoFortisecShiftID  int64 = 1001
	DemoCleanPlusShiftID int64 = 1201
	DemoNordwachtShiftID int64 = 9901

	DemoPassType = "standard"
)

// RateRow is one configured (location, pass type) rate.
type RateRow struct {
	LocationID int64
	PassType   string
	Config     rates.Config
}

// Dataset is a self-contained set of scheduling rows.
type Dataset struct {
	Clients   []billing.Client
	Locations []billing.Location
	Rates     []RateRow
	Shifts    []billing.Shift
}

// Demo returns three clients with one billable shift each in the week of
// 2025-05-12. Fortisec has a configured rate; the other two fall back to the
// default base rate.
func Demo() Dataset {
	return Dataset{
		Clients: []billing.Client{
			{
				ID: DemoFortisecID, Name: "Fortisec Beveiliging BV", KvKNumber: "12345678",
				VATNumber: "NL001234567B01", Address: "Stationsplein 1", PostalCode: "3511 ED",
				City: "Utrecht", Email: "facturen@fortisec.example", Active: true,
			},
			{ID: DemoCleanPlusID, Name: "CleanPlus Facility Services", City: "Rotterdam", Active: true},
			{ID: DemoNordwachtID, Name: "Nordwacht Security", City: "Groningen", Active: true},
		},
		Locations: []billing.Location{
			{ID: 70, ClientID: DemoFortisecID, Name: "Hoofdkantoor"},
			{ID: 120, ClientID: DemoCleanPlusID, Name: "Distributiecentrum"},
			{ID: 990, ClientID: DemoNordwachtID, Name: "Haven"},
		},
		Rates: []RateRow{{
			LocationID: 70,
			PassType:   DemoPassType,
			Config: rates.Config{
				Base:    decimal.NewFromInt(20),
				Evening: decimal.NewFromInt(22),
				Night:   decimal.NewFromInt(24),
				Weekend: decimal.NewFromInt(27),
				Holiday: decimal.NewFromInt(30),
				NYE:     decimal.NewFromInt(40),
			},
		}},
		Shifts: []billing.Shift{
			{
				ID: DemoFortisecShiftID, Date: calendar.Date(2025, time.May, 14),
				StartMinute: 8 * 60, EndMinute: 16 * 60, LocationID: 70, PassType: DemoPassType,
				EmployeeID: 501, Status: billing.ShiftStatusCompleted,
			},
			{
				ID: DemoCleanPlusShiftID, Date: calendar.Date(2025, time.May, 17),
				StartMinute: 22 * 60, EndMinute: 6 * 60, LocationID: 120, PassType: DemoPassType,
				EmployeeID: 502, Status: billing.ShiftStatusCompleted,
			},
			{
				ID: DemoNordwachtShiftID, Date: calendar.Date(2025, time.May, 13),
				StartMinute: 10 * 60, EndMinute: 14 * 60, LocationID: 990, PassType: DemoPassType,
				EmployeeID: 503, Status: billing.ShiftStatusApproved,
			},
		},
	}
}

// Load adds every row of d to the store.
func (s *Store) Load(d Dataset) {
	for _, c := range d.Clients {
		s.AddClient(c)
	}
	for _, l := range d.Locations {
		s.AddLocation(l)
	}
	for _, r := range d.Rates {
		s.SetRate(r.LocationID, r.PassType, r.Config)
	}
	for _, sh := range d.Shifts {
		s.AddShift(sh)
	}
}

// SeedDemo loads the Demo dataset.
func (s *Store) SeedDemo() {
	s.Load(Demo())
}
