package main

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/glebarez/go-sqlite"

	"github.com/tbeaudoin/retraites/mailtmpl"
)

// exchangeTestDB seeds a database with the march and april retreats and
// Marie's active reservation on the march one.
func exchangeTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, upsertRetreatsToDB(ctx, db, testRetreats()))
	require.NoError(t, upsertReservationsToDB(ctx, db, []Reservation{
		{ID: "res-1", CustomerNumber: "1234", FirstName: "Marie", LastName: "Tremblay", Email: "marie.tremblay@example.com", RetreatID: "ret-mars", IsActive: true},
	}))
	return db
}

func TestExchangeReservation(t *testing.T) {
	exchangeTmpl, err := mailtmpl.Load("exchange")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		db := exchangeTestDB(t)
		mailer, backend := startCaptureSMTP(t)

		ex, err := ExchangeReservation(ctx, db, mailer, exchangeTmpl, ExchangeRequest{
			ReservationID: "res-1",
			NewRetreatID:  "ret-avril",
			CustomMessage: "Vos crédits ont été reportés.",
		})
		require.NoError(t, err)

		assert.Equal(t, "ret-mars", ex.OldRetreatID)
		assert.Equal(t, "ret-avril", ex.NewRetreatID)
		assert.Equal(t, "Marie Tremblay", ex.CustomerName)
		assert.Equal(t, "marie.tremblay@example.com", ex.CustomerEmail)
		assert.False(t, ex.EmailSentAt.IsZero())

		// The old reservation is kept but deactivated with the codes for a
		// user-requested exchange.
		old, err := getReservationDB(ctx, db, "res-1")
		require.NoError(t, err)
		assert.False(t, old.IsActive)
		assert.Equal(t, "U", old.CancelReason)
		assert.Equal(t, "E", old.CancelAction)
		assert.False(t, old.CancelDate.IsZero())

		// A fresh active reservation now holds the seat on the new retreat.
		fresh, err := getReservationDB(ctx, db, ex.ReservationID)
		require.NoError(t, err)
		assert.True(t, fresh.IsActive)
		assert.Equal(t, "ret-avril", fresh.RetreatID)
		assert.Equal(t, "1234", fresh.CustomerNumber)

		exchanges, err := getExchangesDB(ctx, db)
		require.NoError(t, err)
		require.Len(t, exchanges, 1)
		assert.False(t, exchanges[0].EmailSentAt.IsZero())

		emails := backend.all()
		require.Len(t, emails, 1)
		assert.Equal(t, []string{"marie.tremblay@example.com"}, emails[0].To)
		assert.Contains(t, emails[0].Data, "=?utf-8?q?Confirmation_d'=C3=A9change?=")
		assert.Contains(t, emails[0].Data, "Bonjour Marie Tremblay,")
		assert.Contains(t, emails[0].Data, "ANCIENNE RETRAITE")
		assert.Contains(t, emails[0].Data, "Nom: Retraite de mars")
		assert.Contains(t, emails[0].Data, "NOUVELLE RETRAITE")
		assert.Contains(t, emails[0].Data, "Nom: Retraite d'avril")
		assert.Contains(t, emails[0].Data, "Date et heure de début: Vendredi 11 avril 2025 17h30")
		assert.Contains(t, emails[0].Data, "Vos crédits ont été reportés.")
	})

	t.Run("inactive reservation is refused", func(t *testing.T) {
		db := exchangeTestDB(t)
		mailer, backend := startCaptureSMTP(t)
		require.NoError(t, upsertReservationsToDB(ctx, db, []Reservation{
			{ID: "res-old", Email: "marie.tremblay@example.com", RetreatID: "ret-mars", IsActive: false},
		}))

		_, err := ExchangeReservation(ctx, db, mailer, exchangeTmpl, ExchangeRequest{ReservationID: "res-old", NewRetreatID: "ret-avril"})
		assert.ErrorIs(t, err, ErrReservationInactive)
		assert.Empty(t, backend.all())
	})

	t.Run("same retreat is refused", func(t *testing.T) {
		db := exchangeTestDB(t)
		mailer, _ := startCaptureSMTP(t)

		_, err := ExchangeReservation(ctx, db, mailer, exchangeTmpl, ExchangeRequest{ReservationID: "res-1", NewRetreatID: "ret-mars"})
		assert.ErrorIs(t, err, ErrSameRetreat)
	})

	t.Run("full retreat is refused", func(t *testing.T) {
		db := exchangeTestDB(t)
		mailer, backend := startCaptureSMTP(t)
		// The april retreat only has one seat, and Jean already holds it.
		require.NoError(t, upsertReservationsToDB(ctx, db, []Reservation{
			{ID: "res-jean", Email: "jean.roy@example.com", RetreatID: "ret-avril", IsActive: true},
		}))

		_, err := ExchangeReservation(ctx, db, mailer, exchangeTmpl, ExchangeRequest{ReservationID: "res-1", NewRetreatID: "ret-avril"})
		assert.ErrorIs(t, err, ErrNoSeatsLeft)
		assert.Empty(t, backend.all())

		// Nothing must have been recorded.
		res, err := getReservationDB(ctx, db, "res-1")
		require.NoError(t, err)
		assert.True(t, res.IsActive)
		exchanges, err := getExchangesDB(ctx, db)
		require.NoError(t, err)
		assert.Empty(t, exchanges)
	})

	t.Run("overlapping retreat is refused", func(t *testing.T) {
		db := exchangeTestDB(t)
		mailer, _ := startCaptureSMTP(t)
		// Marie also holds a seat on a retreat that overlaps the april one.
		require.NoError(t, upsertRetreatsToDB(ctx, db, []Retreat{{
			ID:        "ret-chevauche",
			Name:      "Retraite de printemps",
			StartTime: time.Date(2025, 4, 12, 9, 0, 0, 0, time.UTC),
			EndTime:   time.Date(2025, 4, 15, 12, 0, 0, 0, time.UTC),
			Seats:     3,
			IsActive:  true,
		}}))
		require.NoError(t, upsertReservationsToDB(ctx, db, []Reservation{
			{ID: "res-2", Email: "marie.tremblay@example.com", RetreatID: "ret-chevauche", IsActive: true},
		}))

		_, err := ExchangeReservation(ctx, db, mailer, exchangeTmpl, ExchangeRequest{ReservationID: "res-1", NewRetreatID: "ret-avril"})
		assert.ErrorIs(t, err, ErrOverlappingReservation)
	})

	t.Run("unknown reservation surfaces sql.ErrNoRows", func(t *testing.T) {
		db := exchangeTestDB(t)
		mailer, _ := startCaptureSMTP(t)

		_, err := ExchangeReservation(ctx, db, mailer, exchangeTmpl, ExchangeRequest{ReservationID: "res-unknown", NewRetreatID: "ret-avril"})
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("back-to-back retreats do not overlap", func(t *testing.T) {
		db := exchangeTestDB(t)
		mailer, _ := startCaptureSMTP(t)
		// Ends exactly when the april retreat starts: max(start) == min(end),
		// so the ranges do not overlap.
		require.NoError(t, upsertRetreatsToDB(ctx, db, []Retreat{{
			ID:        "ret-veille",
			Name:      "Retraite de la veille",
			StartTime: time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC),
			EndTime:   time.Date(2025, 4, 11, 17, 30, 0, 0, time.UTC),
			Seats:     3,
			IsActive:  true,
		}}))
		require.NoError(t, upsertReservationsToDB(ctx, db, []Reservation{
			{ID: "res-2", Email: "marie.tremblay@example.com", RetreatID: "ret-veille", IsActive: true},
		}))

		_, err := ExchangeReservation(ctx, db, mailer, exchangeTmpl, ExchangeRequest{ReservationID: "res-1", NewRetreatID: "ret-avril"})
		require.NoError(t, err)
	})
}
