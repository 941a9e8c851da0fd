package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiftbill/shiftbill/internal/billing/memstore"
	"github.com/shiftbill/shiftbill/internal/platform/db"
)

// Seed inserts the dataset's scheduling rows. Existing ids are left alone.
func Seed(ctx context.Context, pool *pgxpool.Pool, data memstore.Dataset) error {
	return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, c := range data.Clients {
			batch.Queue(`
				INSERT INTO clients (id, name, kvk_number, vat_number, address, postal_code, city, email, phone, active)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (id) DO NOTHING`,
				c.ID, c.Name, c.KvKNumber, c.VATNumber, c.Address, c.PostalCode, c.City, c.Email, c.Phone, c.Active)
		}
		for _, l := range data.Locations {
			batch.Queue(`
				INSERT INTO locations (id, client_id, name, address, postal_code, city)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO NOTHING`,
				l.ID, l.ClientID, l.Name, l.Address, l.PostalCode, l.City)
		}
		for _, r := range data.Rates {
			batch.Queue(`
				INSERT INTO location_rates (location_id, pass_type, base, evening, night, weekend, holiday, nye)
				VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric)
				ON CONFLICT (location_id, pass_type) DO NOTHING`,
				r.LocationID, r.PassType,
				r.Config.Base.String(), r.Config.Evening.String(), r.Config.Night.String(),
				r.Config.Weekend.String(), r.Config.Holiday.String(), r.Config.NYE.String())
		}
		for _, sh := range data.Shifts {
			batch.Queue(`
				INSERT INTO shifts (id, shift_date, start_time, end_time, location_id, pass_type, employee_id, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (id) DO NOTHING`,
				sh.ID, sh.Date, clockTime(sh.StartMinute), clockTime(sh.EndMinute),
				sh.LocationID, sh.PassType, sh.EmployeeID, string(sh.Status))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("billing/postgres: seed: %w", err)
		}
		return nil
	})
}

func clockTime(minute int) pgtype.Time {
	return pgtype.Time{Microseconds: (time.Duration(minute) * time.Minute).Microseconds(), Valid: true}
}
