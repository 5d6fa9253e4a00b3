package main

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/glebarez/go-sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// An in-memory sqlite database exists per connection, so the pool must
	// be pinned to a single connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	err = initSchemaDB(context.Background(), db)
	require.NoError(t, err)
	return db
}

func testRetreats() []Retreat {
	return []Retreat{
		{
			ID:         "ret-mars",
			Name:       "Retraite de mars",
			Place:      "Mont-Tremblant",
			StartTime:  time.Date(2025, 3, 3, 14, 5, 0, 0, time.UTC),
			EndTime:    time.Date(2025, 3, 6, 9, 0, 0, 0, time.UTC),
			PriceCents: 45000,
			Seats:      2,
			IsActive:   true,
		},
		{
			ID:         "ret-avril",
			Name:       "Retraite d'avril",
			Place:      "Orford",
			StartTime:  time.Date(2025, 4, 11, 17, 30, 0, 0, time.UTC),
			EndTime:    time.Date(2025, 4, 13, 12, 0, 0, 0, time.UTC),
			PriceCents: 52000,
			Seats:      1,
			IsActive:   true,
		},
	}
}

func TestUpsertRetreatsToDB(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := upsertRetreatsToDB(ctx, db, testRetreats())
	require.NoError(t, err)

	got, err := getRetreatsDB(ctx, db)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Most recent start time first.
	assert.Equal(t, "ret-avril", got[0].ID)
	assert.Equal(t, "ret-mars", got[1].ID)
	assert.Equal(t, "Retraite de mars", got[1].Name)
	assert.True(t, got[1].StartTime.Equal(time.Date(2025, 3, 3, 14, 5, 0, 0, time.UTC)))

	// Upserting the same retreat again must update in place, not duplicate.
	updated := testRetreats()[0]
	updated.Seats = 5
	err = upsertRetreatsToDB(ctx, db, []Retreat{updated})
	require.NoError(t, err)

	got, err = getRetreatsDB(ctx, db)
	require.NoError(t, err)
	require.Len(t, got, 2)
	one, err := getRetreatDB(ctx, db, "ret-mars")
	require.NoError(t, err)
	assert.Equal(t, 5, one.Seats)
}

func TestUpsertReservationsToDB(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, upsertRetreatsToDB(ctx, db, testRetreats()))

	res := Reservation{
		ID:             "res-1",
		CustomerNumber: "1234",
		FirstName:      "Marie",
		LastName:       "Tremblay",
		Email:          "marie.tremblay@example.com",
		RetreatID:      "ret-mars",
		IsActive:       true,
	}
	require.NoError(t, upsertReservationsToDB(ctx, db, []Reservation{res}))

	got, err := getReservationDB(ctx, db, "res-1")
	require.NoError(t, err)
	assert.Equal(t, res, got)
	assert.True(t, got.CancelDate.IsZero())

	// Unknown id must surface sql.ErrNoRows.
	_, err = getReservationDB(ctx, db, "res-unknown")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	n, err := countActiveReservationsDB(ctx, db, "ret-mars")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = countActiveReservationsDB(ctx, db, "ret-avril")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGetActiveStaysDB(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, upsertRetreatsToDB(ctx, db, testRetreats()))
	require.NoError(t, upsertReservationsToDB(ctx, db, []Reservation{
		{ID: "res-1", Email: "marie.tremblay@example.com", RetreatID: "ret-mars", IsActive: true},
		{ID: "res-2", Email: "marie.tremblay@example.com", RetreatID: "ret-avril", IsActive: true},
		{ID: "res-3", Email: "jean.roy@example.com", RetreatID: "ret-avril", IsActive: true},
	}))

	// res-1 is the reservation being moved, so only res-2 counts.
	stays, err := getActiveStaysDB(ctx, db, "marie.tremblay@example.com", "res-1")
	require.NoError(t, err)
	require.Len(t, stays, 1)
	assert.True(t, stays[0].start.Equal(time.Date(2025, 4, 11, 17, 30, 0, 0, time.UTC)))
	assert.True(t, stays[0].end.Equal(time.Date(2025, 4, 13, 12, 0, 0, 0, time.UTC)))
}

func TestApplyExchangeDB(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, upsertRetreatsToDB(ctx, db, testRetreats()))
	require.NoError(t, upsertReservationsToDB(ctx, db, []Reservation{
		{ID: "res-1", CustomerNumber: "1234", FirstName: "Marie", LastName: "Tremblay", Email: "marie.tremblay@example.com", RetreatID: "ret-mars", IsActive: true},
	}))

	now := time.Date(2025, 2, 14, 10, 30, 0, 0, time.UTC)
	oldRes := Reservation{ID: "res-1", CancelReason: "U", CancelAction: "E", CancelDate: now}
	newRes := Reservation{ID: "res-2", CustomerNumber: "1234", FirstName: "Marie", LastName: "Tremblay", Email: "marie.tremblay@example.com", RetreatID: "ret-avril", IsActive: true}
	ex := Exchange{
		ID:             "ex-1",
		ReservationID:  "res-2",
		OldRetreatID:   "ret-mars",
		NewRetreatID:   "ret-avril",
		CustomerNumber: "1234",
		CustomerName:   "Marie Tremblay",
		CustomerEmail:  "marie.tremblay@example.com",
		ExchangedAt:    now,
	}
	require.NoError(t, applyExchangeDB(ctx, db, oldRes, newRes, ex))

	old, err := getReservationDB(ctx, db, "res-1")
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.Equal(t, "U", old.CancelReason)
	assert.Equal(t, "E", old.CancelAction)
	assert.True(t, old.CancelDate.Equal(now))

	fresh, err := getReservationDB(ctx, db, "res-2")
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)
	assert.Equal(t, "ret-avril", fresh.RetreatID)

	exchanges, err := getExchangesDB(ctx, db)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "ex-1", exchanges[0].ID)
	// No email has been accepted by the relay yet.
	assert.True(t, exchanges[0].EmailSentAt.IsZero())

	sent := now.Add(2 * time.Second)
	require.NoError(t, setExchangeEmailSentDB(ctx, db, "ex-1", sent))
	exchanges, err = getExchangesDB(ctx, db)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.True(t, exchanges[0].EmailSentAt.Equal(sent))
}

func TestRepliesDB(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	older := Reply{ID: "rep-1", FromEmail: "marie.tremblay@example.com", Subject: "Re: Confirmation d'échange", Body: "Merci!", Date: time.Date(2025, 3, 3, 15, 12, 45, 0, time.UTC)}
	newer := Reply{ID: "rep-2", FromEmail: "jean.roy@example.com", Subject: "Question", Body: "Bonjour", Date: time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC)}
	require.NoError(t, saveRepliesToDB(ctx, db, older, newer))

	got, err := getRepliesDB(ctx, db)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Most recent first.
	assert.Equal(t, newer, got[0])
	assert.Equal(t, older, got[1])

	// Saving nothing is a no-op, not an SQL syntax error.
	require.NoError(t, saveRepliesToDB(ctx, db))
}

func TestIsEmptyDB(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	empty, err := isEmptyDB(ctx, db)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, upsertRetreatsToDB(ctx, db, testRetreats()))
	empty, err = isEmptyDB(ctx, db)
	require.NoError(t, err)
	assert.False(t, empty)
}
