package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tbeaudoin/retraites/logutil"
)

func initSchemaDB(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS retreats (
			id TEXT UNIQUE,
			name TEXT,
			place TEXT,
			start_time TEXT,             -- time.RFC3339
			end_time TEXT,               -- time.RFC3339
			price_cents INTEGER,
			seats INTEGER,
			is_active INTEGER
		);`)
	if err != nil {
		return fmt.Errorf("failed to create table 'retreats': %w", err)
	}
	_, err = db.ExecContext(ctx, `create index IF NOT EXISTS idx_retreats_start_time on retreats (start_time);`)
	if err != nil {
		return fmt.Errorf("failed to create index 'idx_retreats_start_time': %w", err)
	}
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reservations (
			id TEXT UNIQUE,
			customer_number TEXT,
			first_name TEXT,
			last_name TEXT,
			email TEXT,
			retreat_id TEXT NOT NULL,
			is_active INTEGER,
			cancel_reason TEXT,          -- "U" when the user asked for the change
			cancel_action TEXT,          -- "E" when the row was replaced by an exchange
			cancel_date TEXT,            -- time.RFC3339, "" while active
			FOREIGN KEY(retreat_id) REFERENCES retreats(id)
		);`)
	if err != nil {
		return fmt.Errorf("failed to create table 'reservations': %w", err)
	}
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS exchanges (
			id TEXT UNIQUE,
			reservation_id TEXT NOT NULL,
			old_retreat_id TEXT NOT NULL,
			new_retreat_id TEXT NOT NULL,
			customer_number TEXT,
			customer_name TEXT,
			customer_email TEXT,
			custom_message TEXT,
			exchanged_at TEXT,           -- time.RFC3339
			email_sent_at TEXT,          -- time.RFC3339, "" until the relay accepts the email
			FOREIGN KEY(reservation_id) REFERENCES reservations(id)
		);`)
	if err != nil {
		return fmt.Errorf("failed to create table 'exchanges': %w", err)
	}
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS replies (
			id TEXT UNIQUE,
			from_email TEXT,
			subject TEXT,
			body TEXT,
			date TEXT                    -- time.RFC3339
		);`)
	if err != nil {
		return fmt.Errorf("failed to create table 'replies': %w", err)
	}

	return nil
}

func upsertRetreatsToDB(ctx context.Context, db *sql.DB, retreats []Retreat) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("while starting transaction: %v", err)
	}
	defer func() {
		err = tx.Rollback()
		if err != nil && err != sql.ErrTxDone {
			logutil.Errorf("while rolling back transaction: %v", err)
		}
	}()

	for _, r := range retreats {
		req := "UPDATE retreats SET name = ?, place = ?, start_time = ?, end_time = ?, price_cents = ?, seats = ?, is_active = ? WHERE id = ?;"
		res, err := tx.ExecContext(ctx, req, r.Name, r.Place, r.StartTime.Format(time.RFC3339), r.EndTime.Format(time.RFC3339), r.PriceCents, r.Seats, r.IsActive, r.ID)
		if err != nil {
			return fmt.Errorf("while updating retreats: %v", err)
		}

		// If no row was updated, insert a new one.
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("while getting rows affected: %v", err)
		}
		if n > 0 {
			logutil.Debugf("db: updated retreat %q: %+v", r.ID, r)
			continue
		} else {
			req := "INSERT INTO retreats (id, name, place, start_time, end_time, price_cents, seats, is_active) VALUES (?, ?, ?, ?, ?, ?, ?, ?);"
			_, err := tx.ExecContext(ctx, req, r.ID, r.Name, r.Place, r.StartTime.Format(time.RFC3339), r.EndTime.Format(time.RFC3339), r.PriceCents, r.Seats, r.IsActive)
			if err != nil {
				return fmt.Errorf("while inserting retreats: %v", err)
			}
			logutil.Debugf("db: added retreat %q: %+v", r.ID, r)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("while committing transaction: %v", err)
	}
	return nil
}

func upsertReservationsToDB(ctx context.Context, db *sql.DB, reservations []Reservation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("while starting transaction: %v", err)
	}
	defer func() {
		err = tx.Rollback()
		if err != nil && err != sql.ErrTxDone {
			logutil.Errorf("while rolling back transaction: %v", err)
		}
	}()

	for _, r := range reservations {
		req := "UPDATE reservations SET customer_number = ?, first_name = ?, last_name = ?, email = ?, retreat_id = ?, is_active = ? WHERE id = ?;"
		res, err := tx.ExecContext(ctx, req, r.CustomerNumber, r.FirstName, r.LastName, r.Email, r.RetreatID, r.IsActive, r.ID)
		if err != nil {
			return fmt.Errorf("while updating reservations: %v", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("while getting rows affected: %v", err)
		}
		if n > 0 {
			logutil.Debugf("db: updated reservation %q: %+v", r.ID, r)
			continue
		} else {
			req := "INSERT INTO reservations (id, customer_number, first_name, last_name, email, retreat_id, is_active, cancel_reason, cancel_action, cancel_date) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);"
			_, err := tx.ExecContext(ctx, req, r.ID, r.CustomerNumber, r.FirstName, r.LastName, r.Email, r.RetreatID, r.IsActive, r.CancelReason, r.CancelAction, formatDBTime(r.CancelDate))
			if err != nil {
				return fmt.Errorf("while inserting reservations: %v", err)
			}
			logutil.Debugf("db: added reservation %q: %+v", r.ID, r)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("while committing transaction: %v", err)
	}
	return nil
}

func getRetreatsDB(ctx context.Context, db *sql.DB) ([]Retreat, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, name, place, start_time, end_time, price_cents, seats, is_active FROM retreats ORDER BY start_time DESC")
	if err != nil {
		return nil, fmt.Errorf("while querying database: %v", err)
	}
	defer rows.Close()

	var retreats []Retreat
	for rows.Next() {
		r, err := scanRetreat(rows.Scan)
		if err != nil {
			return nil, err
		}
		retreats = append(retreats, r)
	}
	logutil.Debugf("found %d retreats", len(retreats))
	return retreats, nil
}

// errors.Is(err, sql.ErrNoRows) when not found.
func getRetreatDB(ctx context.Context, db *sql.DB, id string) (Retreat, error) {
	row := db.QueryRowContext(ctx, "SELECT id, name, place, start_time, end_time, price_cents, seats, is_active FROM retreats WHERE id = ?", id)
	return scanRetreat(row.Scan)
}

func scanRetreat(scan func(...interface{}) error) (Retreat, error) {
	var r Retreat
	var startTime, endTime string
	err := scan(&r.ID, &r.Name, &r.Place, &startTime, &endTime, &r.PriceCents, &r.Seats, &r.IsActive)
	if err != nil {
		return Retreat{}, fmt.Errorf("while scanning retreat row: %w", err)
	}
	r.StartTime, err = time.Parse(time.RFC3339, startTime)
	if err != nil {
		return Retreat{}, fmt.Errorf("while parsing 'start_time': %v", err)
	}
	r.EndTime, err = time.Parse(time.RFC3339, endTime)
	if err != nil {
		return Retreat{}, fmt.Errorf("while parsing 'end_time': %v", err)
	}
	return r, nil
}

func getReservationsDB(ctx context.Context, db *sql.DB) ([]Reservation, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, customer_number, first_name, last_name, email, retreat_id, is_active, cancel_reason, cancel_action, cancel_date FROM reservations")
	if err != nil {
		return nil, fmt.Errorf("while querying database: %v", err)
	}
	defer rows.Close()

	var reservations []Reservation
	for rows.Next() {
		r, err := scanReservation(rows.Scan)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, r)
	}
	logutil.Debugf("found %d reservations", len(reservations))
	return reservations, nil
}

// errors.Is(err, sql.ErrNoRows) when not found.
func getReservationDB(ctx context.Context, db *sql.DB, id string) (Reservation, error) {
	row := db.QueryRowContext(ctx, "SELECT id, customer_number, first_name, last_name, email, retreat_id, is_active, cancel_reason, cancel_action, cancel_date FROM reservations WHERE id = ?", id)
	return scanReservation(row.Scan)
}

func scanReservation(scan func(...interface{}) error) (Reservation, error) {
	var r Reservation
	var cancelDate string
	err := scan(&r.ID, &r.CustomerNumber, &r.FirstName, &r.LastName, &r.Email, &r.RetreatID, &r.IsActive, &r.CancelReason, &r.CancelAction, &cancelDate)
	if err != nil {
		return Reservation{}, fmt.Errorf("while scanning reservation row: %w", err)
	}
	r.CancelDate, err = parseDBTime(cancelDate)
	if err != nil {
		return Reservation{}, fmt.Errorf("while parsing 'cancel_date': %v", err)
	}
	return r, nil
}

// countActiveReservationsDB counts the seats already taken on a retreat.
func countActiveReservationsDB(ctx context.Context, db *sql.DB, retreatID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reservations WHERE retreat_id = ? AND is_active = 1;", retreatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("while querying database: %v", err)
	}
	return n, nil
}

// stay is the start/end of a retreat a customer currently holds a seat on.
type stay struct {
	start time.Time
	end   time.Time
}

// getActiveStaysDB lists the retreat time ranges of the customer's other
// active reservations, excluding excludeID (the reservation being moved).
func getActiveStaysDB(ctx context.Context, db *sql.DB, email, excludeID string) ([]stay, error) {
	req := `SELECT t.start_time, t.end_time
			FROM reservations r
			JOIN retreats t ON t.id = r.retreat_id
			WHERE r.email = ? AND r.is_active = 1 AND r.id != ?;`
	rows, err := db.QueryContext(ctx, req, email, excludeID)
	if err != nil {
		return nil, fmt.Errorf("while querying database: %v", err)
	}
	defer rows.Close()

	var stays []stay
	for rows.Next() {
		var startTime, endTime string
		err = rows.Scan(&startTime, &endTime)
		if err != nil {
			return nil, fmt.Errorf("while scanning row: %v", err)
		}
		var s stay
		s.start, err = time.Parse(time.RFC3339, startTime)
		if err != nil {
			return nil, fmt.Errorf("while parsing 'start_time': %v", err)
		}
		s.end, err = time.Parse(time.RFC3339, endTime)
		if err != nil {
			return nil, fmt.Errorf("while parsing 'end_time': %v", err)
		}
		stays = append(stays, s)
	}

	return stays, nil
}

// applyExchangeDB performs the bookkeeping of an exchange in a single
// transaction: the old reservation row is kept, deactivated, and marked
// with the cancelation codes; a fresh active row takes its place on the new
// retreat; the exchange itself is recorded.
func applyExchangeDB(ctx context.Context, db *sql.DB, oldRes, newRes Reservation, ex Exchange) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("while starting transaction: %v", err)
	}
	defer func() {
		err = tx.Rollback()
		if err != nil && err != sql.ErrTxDone {
			logutil.Errorf("while rolling back transaction: %v", err)
		}
	}()

	req := "UPDATE reservations SET is_active = 0, cancel_reason = ?, cancel_action = ?, cancel_date = ? WHERE id = ?;"
	_, err = tx.ExecContext(ctx, req, oldRes.CancelReason, oldRes.CancelAction, formatDBTime(oldRes.CancelDate), oldRes.ID)
	if err != nil {
		return fmt.Errorf("while deactivating reservation: %v", err)
	}

	req = "INSERT INTO reservations (id, customer_number, first_name, last_name, email, retreat_id, is_active, cancel_reason, cancel_action, cancel_date) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);"
	_, err = tx.ExecContext(ctx, req, newRes.ID, newRes.CustomerNumber, newRes.FirstName, newRes.LastName, newRes.Email, newRes.RetreatID, newRes.IsActive, newRes.CancelReason, newRes.CancelAction, formatDBTime(newRes.CancelDate))
	if err != nil {
		return fmt.Errorf("while inserting reservation: %v", err)
	}

	req = "INSERT INTO exchanges (id, reservation_id, old_retreat_id, new_retreat_id, customer_number, customer_name, customer_email, custom_message, exchanged_at, email_sent_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);"
	_, err = tx.ExecContext(ctx, req, ex.ID, ex.ReservationID, ex.OldRetreatID, ex.NewRetreatID, ex.CustomerNumber, ex.CustomerName, ex.CustomerEmail, ex.CustomMessage, ex.ExchangedAt.Format(time.RFC3339), formatDBTime(ex.EmailSentAt))
	if err != nil {
		return fmt.Errorf("while inserting exchange: %v", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("while committing transaction: %v", err)
	}
	return nil
}

func setExchangeEmailSentDB(ctx context.Context, db *sql.DB, exchangeID string, when time.Time) error {
	_, err := db.ExecContext(ctx, "UPDATE exchanges SET email_sent_at = ? WHERE id = ?;", when.Format(time.RFC3339), exchangeID)
	if err != nil {
		return fmt.Errorf("while updating exchange: %v", err)
	}
	return nil
}

func getExchangesDB(ctx context.Context, db *sql.DB) ([]Exchange, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, reservation_id, old_retreat_id, new_retreat_id, customer_number, customer_name, customer_email, custom_message, exchanged_at, email_sent_at FROM exchanges ORDER BY exchanged_at DESC")
	if err != nil {
		return nil, fmt.Errorf("while querying database: %v", err)
	}
	defer rows.Close()

	var exchanges []Exchange
	for rows.Next() {
		var e Exchange
		var exchangedAt, emailSentAt string
		err = rows.Scan(&e.ID, &e.ReservationID, &e.OldRetreatID, &e.NewRetreatID, &e.CustomerNumber, &e.CustomerName, &e.CustomerEmail, &e.CustomMessage, &exchangedAt, &emailSentAt)
		if err != nil {
			return nil, fmt.Errorf("while scanning row: %v", err)
		}
		e.ExchangedAt, err = time.Parse(time.RFC3339, exchangedAt)
		if err != nil {
			return nil, fmt.Errorf("while parsing 'exchanged_at': %v", err)
		}
		e.EmailSentAt, err = parseDBTime(emailSentAt)
		if err != nil {
			return nil, fmt.Errorf("while parsing 'email_sent_at': %v", err)
		}
		exchanges = append(exchanges, e)
	}

	return exchanges, nil
}

func saveRepliesToDB(ctx context.Context, db *sql.DB, replies ...Reply) error {
	if len(replies) == 0 {
		return nil
	}
	req := "INSERT INTO replies (id, from_email, subject, body, date) VALUES "
	var values []interface{}
	for _, r := range replies {
		req += "(?, ?, ?, ?, ?),"
		values = append(values, r.ID, r.FromEmail, r.Subject, r.Body, r.Date.Format(time.RFC3339))
	}
	req = strings.TrimSuffix(req, ",")
	_, err := db.ExecContext(ctx, req, values...)

	logutil.Debugf("sql saveRepliesToDB: %s with:%s", req, fprintfValues(values, ",", "\n", 5))
	if err != nil {
		return fmt.Errorf("while inserting replies: %v", err)
	}
	return nil
}

func getRepliesDB(ctx context.Context, db *sql.DB) ([]Reply, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, from_email, subject, body, date FROM replies ORDER BY date DESC")
	if err != nil {
		return nil, fmt.Errorf("while querying database: %v", err)
	}
	defer rows.Close()

	var replies []Reply
	for rows.Next() {
		var r Reply
		var date string
		err = rows.Scan(&r.ID, &r.FromEmail, &r.Subject, &r.Body, &date)
		if err != nil {
			return nil, fmt.Errorf("while scanning row: %v", err)
		}
		r.Date, err = time.Parse(time.RFC3339, date)
		if err != nil {
			return nil, fmt.Errorf("while parsing 'date': %v", err)
		}
		replies = append(replies, r)
	}

	return replies, nil
}

// We consider that the database is empty when there are no retreats and no
// reservations.
func isEmptyDB(ctx context.Context, db *sql.DB) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM retreats;").Scan(&n)
	if err != nil {
		return false, fmt.Errorf("while querying database: %v", err)
	}

	if n > 0 {
		return false, nil
	}

	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reservations;").Scan(&n)
	if err != nil {
		return false, fmt.Errorf("while querying database: %v", err)
	}

	if n > 0 {
		return false, nil
	}

	return true, nil
}

// Zero times are stored as "" so that "never happened" survives the
// roundtrip instead of becoming year 1.
func formatDBTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func parseDBTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// If the request entries look like
//
//	(1, "foo", "bar"),(2, "baz", "qux"),(3, "quux", "corge"),(4, "grault", "garply")
//	<-----entry----->
//	           <---->
//	            value
//
// Example with sep=, and entrySep=\n
//
// 1, foo, bar
// 2, baz, qux
// 3, quux, corge
// 4, grault, garply
func fprintfValues(values []interface{}, sep, entrySep string, valuesPerEntry int) string {
	var b strings.Builder
	for i, v := range values {
		if i%valuesPerEntry == 0 {
			b.WriteString(entrySep)
		}
		b.WriteString(fmt.Sprintf("%v%s", v, sep))
	}
	return b.String()
}
