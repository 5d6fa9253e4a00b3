package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/tbeaudoin/retraites/logutil"
)

// syncRetreatsWithDB mirrors the platform's retreats into the local
// database and returns the ones that were not known yet. Known retreats
// are updated too: seats and dates move until a retreat starts.
func syncRetreatsWithDB(ctx context.Context, client *http.Client, apiURL string, db *sql.DB) ([]Retreat, error) {
	retreatsLive, err := getRetreatsLive(client, apiURL)
	if err != nil {
		return nil, fmt.Errorf("while getting retreats: %v", err)
	}

	retreatsInDB, err := getRetreatsDB(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("while getting existing retreats: %v", err)
	}
	existsInDB := make(map[string]struct{})
	for _, item := range retreatsInDB {
		existsInDB[item.ID] = struct{}{}
	}
	var newRetreats []Retreat
	for _, r := range retreatsLive {
		_, already := existsInDB[r.ID]
		if already {
			continue
		}
		newRetreats = append(newRetreats, r)
		logutil.Debugf("found new retreat: %+v", r)
	}

	err = DoInBatches(20, retreatsLive, func(batch []Retreat) error {
		return upsertRetreatsToDB(ctx, db, batch)
	})
	if err != nil {
		return nil, err
	}

	return newRetreats, nil
}

// syncReservationsWithDB mirrors the platform's reservations and returns
// the new ones. Rows deactivated locally by an exchange are not revived:
// the platform is updated through the same exchange call, so by the next
// sync both sides agree.
func syncReservationsWithDB(ctx context.Context, client *http.Client, apiURL string, db *sql.DB) ([]Reservation, error) {
	reservationsLive, err := getReservationsLive(client, apiURL)
	if err != nil {
		return nil, fmt.Errorf("while getting reservations: %v", err)
	}

	reservationsInDB, err := getReservationsDB(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("while getting existing reservations: %v", err)
	}
	existsInDB := make(map[string]Reservation)
	for _, item := range reservationsInDB {
		existsInDB[item.ID] = item
	}

	var newReservations, toUpsert []Reservation
	for _, r := range reservationsLive {
		inDB, already := existsInDB[r.ID]
		if already && inDB.CancelAction != "" {
			// Locally canceled by an exchange; keep our bookkeeping.
			continue
		}
		if !already {
			newReservations = append(newReservations, r)
			logutil.Debugf("found new reservation: %+v", r)
		}
		toUpsert = append(toUpsert, r)
	}

	err = DoInBatches(20, toUpsert, func(batch []Reservation) error {
		return upsertReservationsToDB(ctx, db, batch)
	})
	if err != nil {
		return nil, err
	}

	return newReservations, nil
}

func DoInBatches[T any](batchSize int, elmts []T, do func([]T) error) error {
	var batch []T

	for i, e := range elmts {
		batch = append(batch, e)

		isLastElmt := i == len(elmts)-1
		batchIsFull := len(batch) == batchSize

		if batchIsFull || isLastElmt {
			err := do(batch)
			if err != nil {
				return fmt.Errorf("while doing in batches: %v", err)
			}
			batch = nil
		}
	}

	return nil
}
