package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tbeaudoin/retraites/logutil"
	"github.com/tbeaudoin/retraites/mailtmpl"
)

var (
	// ErrNoSeatsLeft means the requested retreat is fully booked.
	ErrNoSeatsLeft = errors.New("there are no places left in the requested retreat")
	// ErrOverlappingReservation means the customer already holds a seat on
	// a retreat that overlaps the requested one.
	ErrOverlappingReservation = errors.New("this reservation overlaps with another active reservation for this customer")
	// ErrReservationInactive means the reservation was already canceled or
	// exchanged.
	ErrReservationInactive = errors.New("this reservation is not active")
	// ErrSameRetreat means the requested retreat is the one already booked.
	ErrSameRetreat = errors.New("the reservation is already on the requested retreat")
)

// ExchangeRequest asks to move a reservation to another retreat. The
// custom message, when given, ends up in the additional-information section
// of the confirmation email.
type ExchangeRequest struct {
	ReservationID string
	NewRetreatID  string
	CustomMessage string
}

const exchangeEmailSubject = "Confirmation d'échange"

// ExchangeReservation moves an active reservation to another retreat and
// sends the confirmation email to the customer. The database work is
// committed before the email goes out: if the relay refuses the message,
// the exchange is returned along with the error and the email can be
// retried from the recorded exchange.
func ExchangeReservation(ctx context.Context, db *sql.DB, mailer *Mailer, exchangeTmpl *mailtmpl.Template, req ExchangeRequest) (Exchange, error) {
	res, err := getReservationDB(ctx, db, req.ReservationID)
	if err != nil {
		return Exchange{}, fmt.Errorf("while getting reservation %q: %w", req.ReservationID, err)
	}
	if !res.IsActive {
		return Exchange{}, ErrReservationInactive
	}
	if res.RetreatID == req.NewRetreatID {
		return Exchange{}, ErrSameRetreat
	}

	oldRetreat, err := getRetreatDB(ctx, db, res.RetreatID)
	if err != nil {
		return Exchange{}, fmt.Errorf("while getting retreat %q: %w", res.RetreatID, err)
	}
	newRetreat, err := getRetreatDB(ctx, db, req.NewRetreatID)
	if err != nil {
		return Exchange{}, fmt.Errorf("while getting retreat %q: %w", req.NewRetreatID, err)
	}

	taken, err := countActiveReservationsDB(ctx, db, newRetreat.ID)
	if err != nil {
		return Exchange{}, fmt.Errorf("while counting reservations: %w", err)
	}
	if newRetreat.Seats-taken <= 0 {
		return Exchange{}, ErrNoSeatsLeft
	}

	stays, err := getActiveStaysDB(ctx, db, res.Email, res.ID)
	if err != nil {
		return Exchange{}, fmt.Errorf("while getting active stays: %w", err)
	}
	for _, s := range stays {
		if maxTime(s.start, newRetreat.StartTime).Before(minTime(s.end, newRetreat.EndTime)) {
			return Exchange{}, ErrOverlappingReservation
		}
	}

	now := time.Now()

	oldRes := res
	oldRes.IsActive = false
	oldRes.CancelReason = "U"
	oldRes.CancelAction = "E"
	oldRes.CancelDate = now

	newRes := res
	newRes.ID = uuid.NewString()
	newRes.RetreatID = newRetreat.ID
	newRes.IsActive = true

	ex := Exchange{
		ID:             uuid.NewString(),
		ReservationID:  newRes.ID,
		OldRetreatID:   oldRetreat.ID,
		NewRetreatID:   newRetreat.ID,
		CustomerNumber: res.CustomerNumber,
		CustomerName:   res.FirstName + " " + res.LastName,
		CustomerEmail:  res.Email,
		CustomMessage:  req.CustomMessage,
		ExchangedAt:    now,
	}

	err = applyExchangeDB(ctx, db, oldRes, newRes, ex)
	if err != nil {
		return Exchange{}, fmt.Errorf("while applying exchange: %w", err)
	}
	logutil.Infof("exchange %s: %s moved from %q to %q", ex.ID, ex.CustomerEmail, oldRetreat.Name, newRetreat.Name)

	body, err := exchangeTmpl.Render(mailtmpl.Context{
		CustomerName:   ex.CustomerName,
		CustomerEmail:  ex.CustomerEmail,
		CustomerNumber: ex.CustomerNumber,
		Datetime:       now.Format("02/01/2006 15:04:05"),
		CustomMessage:  ex.CustomMessage,
		OldRetreat: mailtmpl.Retreat{
			Name:      oldRetreat.Name,
			StartTime: oldRetreat.StartTime,
			EndTime:   oldRetreat.EndTime,
		},
		NewRetreat: mailtmpl.Retreat{
			Name:      newRetreat.Name,
			StartTime: newRetreat.StartTime,
			EndTime:   newRetreat.EndTime,
		},
	})
	if err != nil {
		return ex, fmt.Errorf("exchange %s is recorded but the confirmation email could not be rendered: %w", ex.ID, err)
	}

	err = mailer.Send(ex.CustomerEmail, exchangeEmailSubject, body)
	if err != nil {
		return ex, fmt.Errorf("exchange %s is recorded but the confirmation email could not be sent: %w", ex.ID, err)
	}

	err = setExchangeEmailSentDB(ctx, db, ex.ID, time.Now())
	if err != nil {
		return ex, fmt.Errorf("while recording that the email was sent: %w", err)
	}
	ex.EmailSentAt = time.Now()

	return ex, nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
