package main

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/glebarez/go-sqlite"

	"github.com/tbeaudoin/retraites/mailtmpl"
)

func newTestMux(t *testing.T, db *sql.DB, mailer *Mailer, lastSync func() (time.Time, error)) *http.ServeMux {
	t.Helper()
	exchangeTmpl, err := mailtmpl.Load("exchange")
	require.NoError(t, err)
	mux := http.NewServeMux()
	err = addHandlers(mux, db, "", mailer, exchangeTmpl, lastSync, "")
	require.NoError(t, err)
	return mux
}

func neverSynced() (time.Time, error) { return time.Time{}, nil }

func TestHTTPIndex(t *testing.T) {
	db := exchangeTestDB(t)
	mailer, _ := startCaptureSMTP(t)
	mux := newTestMux(t, db, mailer, neverSynced)

	t.Run("lists reservations and sync status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, "Suivi des échanges de retraites")
		assert.Contains(t, body, "Marie Tremblay")
		assert.Contains(t, body, "Retraite de mars")
		assert.Contains(t, body, "Aucune synchro n&#39;a été faite.")
	})

	t.Run("POST is not allowed on the index", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("shows the last sync success", func(t *testing.T) {
		synced := func() (time.Time, error) { return time.Now().Add(-30 * time.Second), nil }
		mux := newTestMux(t, db, mailer, synced)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		assert.Contains(t, rec.Body.String(), "La dernière synchro a réussi il y a 30s.")
	})
}

func TestHTTPExchanges(t *testing.T) {
	postForm := func(mux *http.ServeMux, form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/exchanges", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	t.Run("moves the reservation and redirects", func(t *testing.T) {
		db := exchangeTestDB(t)
		mailer, backend := startCaptureSMTP(t)
		mux := newTestMux(t, db, mailer, neverSynced)

		rec := postForm(mux, url.Values{
			"reservation_id": {"res-1"},
			"new_retreat_id": {"ret-avril"},
			"custom_message": {"Vos crédits ont été reportés."},
		})
		require.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/", rec.Header().Get("Location"))

		exchanges, err := getExchangesDB(context.Background(), db)
		require.NoError(t, err)
		require.Len(t, exchanges, 1)
		assert.Equal(t, "Vos crédits ont été reportés.", exchanges[0].CustomMessage)
		require.Len(t, backend.all(), 1)

		// The exchange now shows up on the index page.
		getRec := httptest.NewRecorder()
		mux.ServeHTTP(getRec, httptest.NewRequest("GET", "/", nil))
		assert.Contains(t, getRec.Body.String(), "Retraite d&#39;avril")
		assert.Contains(t, getRec.Body.String(), "envoyé le")
	})

	t.Run("missing fields get a 400", func(t *testing.T) {
		db := exchangeTestDB(t)
		mailer, _ := startCaptureSMTP(t)
		mux := newTestMux(t, db, mailer, neverSynced)

		rec := postForm(mux, url.Values{"reservation_id": {"res-1"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown reservation gets a 404", func(t *testing.T) {
		db := exchangeTestDB(t)
		mailer, _ := startCaptureSMTP(t)
		mux := newTestMux(t, db, mailer, neverSynced)

		rec := postForm(mux, url.Values{
			"reservation_id": {"res-unknown"},
			"new_retreat_id": {"ret-avril"},
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("full retreat gets a 409", func(t *testing.T) {
		db := exchangeTestDB(t)
		mailer, _ := startCaptureSMTP(t)
		mux := newTestMux(t, db, mailer, neverSynced)
		require.NoError(t, upsertReservationsToDB(context.Background(), db, []Reservation{
			{ID: "res-jean", Email: "jean.roy@example.com", RetreatID: "ret-avril", IsActive: true},
		}))

		rec := postForm(mux, url.Values{
			"reservation_id": {"res-1"},
			"new_retreat_id": {"ret-avril"},
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
		body, _ := io.ReadAll(rec.Body)
		assert.Contains(t, string(body), "no places left")
	})

	t.Run("GET is not allowed", func(t *testing.T) {
		db := exchangeTestDB(t)
		mailer, _ := startCaptureSMTP(t)
		mux := newTestMux(t, db, mailer, neverSynced)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/exchanges", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
