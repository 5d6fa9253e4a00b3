package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cloudmailin/cloudmailin-go"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tbeaudoin/retraites/logutil"
	"github.com/tbeaudoin/retraites/mailtmpl"
)

type tmlpData struct {
	BasePath     string
	SyncStatus   string
	NtfyTopic    string
	Exchanges    []exchangeRow
	Reservations []reservationRow
	Replies      []Reply
	Version      string
}

type exchangeRow struct {
	Date          string
	Customer      string
	Email         string
	OldRetreat    string
	NewRetreat    string
	CustomMessage string
	EmailStatus   string
}

type reservationRow struct {
	Customer string
	Email    string
	Retreat  string
	Dates    string
	Price    string
	Status   string
}

var tmpl = template.Must(template.New("base").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Suivi des échanges de retraites</title>
<meta charset="utf-8">
	<style>
		table {
			border-collapse: collapse;
			width: 100%;
			font-family: Arial, sans-serif;
			color: #444;
			font-size: 0.9em;
			border: 1px solid #f2f2f2;
		}

		table th {
			background: #f2f2f2;
			padding: 10px;
			font-weight: bold;
			text-align: left;
			border-top: 1px solid #e6e6e6;
		}

		table td {
			padding: 10px;
			border-top: 1px solid #e6e6e6;
			text-align: left;
		}

		table tr:nth-child(even) {
			background: #f8f8f8;
		}

		table tr:hover {
			background: #f2f2f2;
		}
	</style>
</head>
<body>
	<h1>Suivi des échanges de retraites</h1>

	<p>
		{{if .NtfyTopic}}Notifications : <a href="https://ntfy.sh/{{.NtfyTopic}}">https://ntfy.sh/{{.NtfyTopic}}</a>.{{end}}
		<small>Statut : {{.SyncStatus}}</small>
	</p>

	<h2>Échanges</h2>
	<table>
		<thead>
			<tr>
				<th>Date</th>
				<th>Client</th>
				<th>Ancienne retraite</th>
				<th>Nouvelle retraite</th>
				<th>Message</th>
				<th>Courriel</th>
			</tr>
		</thead>
		<tbody>
			{{range .Exchanges}}
			<tr>
				<td>{{.Date}}</td>
				<td>{{.Customer}}</br><small>{{.Email}}</small></td>
				<td>{{.OldRetreat}}</td>
				<td>{{.NewRetreat}}</td>
				<td><small>{{.CustomMessage}}</small></td>
				<td><small>{{.EmailStatus}}</small></td>
			</tr>
			{{end}}
		</tbody>
	</table>

	<h2>Réservations</h2>
	<table>
		<thead>
			<tr>
				<th>Client</th>
				<th>Retraite</th>
				<th>Dates</th>
				<th>Prix</th>
				<th>Statut</th>
			</tr>
		</thead>
		<tbody>
			{{range .Reservations}}
			<tr>
				<td>{{.Customer}}</br><small>{{.Email}}</small></td>
				<td>{{.Retreat}}</td>
				<td><small>{{.Dates}}</small></td>
				<td>{{.Price}}</td>
				<td><small>{{.Status}}</small></td>
			</tr>
			{{end}}
		</tbody>
	</table>

	<h2>Réponses des clients</h2>
	<table>
		<thead>
			<tr>
				<th>Date</th>
				<th>De</th>
				<th>Objet</th>
				<th>Message</th>
			</tr>
		</thead>
		<tbody>
			{{range .Replies}}
			<tr>
				<td>{{.Date.Format "02 Jan 2006 15:04"}}</td>
				<td>{{.FromEmail}}</td>
				<td>{{.Subject}}</td>
				<td><small>{{.Body}}</small></td>
			</tr>
			{{end}}
		</tbody>
	</table>
	<div>
		<small>Version: {{.Version}}</small>
	</div>
</body>
</html>
`))

type tmlpErrData struct {
	Error   string
	Version string
}

var tmlpErr = template.Must(template.New("").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Error</title>
<meta charset="utf-8">
</head>
<body>
	<h1>Error</h1>
	<p>{{.Error}}</p>
	<div>
		<small>Version: {{.Version}}</small>
	</div>
</body>
</html>
`))

func logRequest(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logutil.Debugf("%s %s %s", r.RemoteAddr, r.Method, r.URL)
		next(w, r)
	}
}

// Serve the HTTP UI. This func is blocking and can be unblocked by
// cancelling the context. The `basePath` should always start with a slash
// and not end with a slash. If you want to give an empty base path, don't
// give "/". Instead, give "".
func ServeHTTP(ctx context.Context, db *sql.DB, httpListen net.Listener, basePath string, mailer *Mailer, exchangeTmpl *mailtmpl.Template, lastSync func() (time.Time, error), ntfyTopic string) error {
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		return fmt.Errorf("base path must start with a slash or be an empty string")
	}
	if strings.HasSuffix(basePath, "/") {
		return fmt.Errorf("base path must not end with a slash; if you want to give the base path /, give an empty string instead")
	}

	mux := http.NewServeMux()
	err := addHandlers(mux, db, basePath, mailer, exchangeTmpl, lastSync, ntfyTopic)
	if err != nil {
		return fmt.Errorf("while adding handlers: %w", err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(fmt.Errorf("ServeHTTP: cancelled without a reason"))

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel(fmt.Errorf("HTTP server stopped for some reason"))
		logutil.Infof("listening on %v", httpListen.Addr())
		logutil.Infof("url: http://%s%s", httpListen.Addr(), basePath)

		err = http.Serve(httpListen, mux)
		if err != nil {
			cancel(fmt.Errorf("while serving: %v", err))
			return
		}
	}()

	wg.Wait()
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	return nil
}

func addHandlers(mux *http.ServeMux, db *sql.DB, basePath string, mailer *Mailer, exchangeTmpl *mailtmpl.Template, lastSync func() (time.Time, error), ntfyTopic string) error {
	mux.HandleFunc(basePath+"/", logRequest(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		exchanges, err := getExchangesDB(r.Context(), db)
		if err != nil {
			logutil.Errorf("while listing exchanges: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			tmlpErr.Execute(w, tmlpErrData{
				Error:   fmt.Sprintf("Error while listing exchanges: %s", err),
				Version: version,
			})
			return
		}

		reservations, err := getReservationsDB(r.Context(), db)
		if err != nil {
			logutil.Errorf("while listing reservations: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			tmlpErr.Execute(w, tmlpErrData{
				Error:   fmt.Sprintf("Error while listing reservations: %s", err),
				Version: version,
			})
			return
		}

		retreats, err := getRetreatsDB(r.Context(), db)
		if err != nil {
			logutil.Errorf("while listing retreats: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			tmlpErr.Execute(w, tmlpErrData{
				Error:   fmt.Sprintf("Error while listing retreats: %s", err),
				Version: version,
			})
			return
		}
		retreatByID := make(map[string]Retreat)
		for _, rt := range retreats {
			retreatByID[rt.ID] = rt
		}

		replies, err := getRepliesDB(r.Context(), db)
		if err != nil {
			logutil.Errorf("while listing replies: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			tmlpErr.Execute(w, tmlpErrData{
				Error:   fmt.Sprintf("Error while listing replies: %s", err),
				Version: version,
			})
			return
		}

		var exchangeRows []exchangeRow
		for _, e := range exchanges {
			emailStatus := "non envoyé"
			if !e.EmailSentAt.IsZero() {
				emailStatus = "envoyé le " + e.EmailSentAt.Format("02/01/2006 15:04")
			}
			exchangeRows = append(exchangeRows, exchangeRow{
				Date:          e.ExchangedAt.Format("02 Jan 2006 15:04"),
				Customer:      e.CustomerName,
				Email:         e.CustomerEmail,
				OldRetreat:    retreatName(retreatByID, e.OldRetreatID),
				NewRetreat:    retreatName(retreatByID, e.NewRetreatID),
				CustomMessage: e.CustomMessage,
				EmailStatus:   emailStatus,
			})
		}

		var reservationRows []reservationRow
		for _, res := range reservations {
			status := "active"
			if !res.IsActive {
				status = "annulée"
				if res.CancelAction == "E" {
					status = "échangée le " + res.CancelDate.Format("02/01/2006")
				}
			}
			row := reservationRow{
				Customer: res.FirstName + " " + res.LastName,
				Email:    res.Email,
				Retreat:  retreatName(retreatByID, res.RetreatID),
				Status:   status,
			}
			if rt, found := retreatByID[res.RetreatID]; found {
				row.Dates = mailtmpl.FormatLongDate(rt.StartTime) + " – " + mailtmpl.FormatLongDate(rt.EndTime)
				row.Price = humanize.CommafWithDigits(float64(rt.PriceCents)/100, 2) + " $"
			}
			reservationRows = append(reservationRows, row)
		}

		var statusMsg string
		when, err := lastSync()
		switch {
		case when.IsZero():
			statusMsg = "Aucune synchro n'a été faite."
		case err != nil:
			statusMsg = fmt.Sprintf("La dernière synchro a échoué il y a %s. Erreur : %v", time.Since(when).Truncate(time.Second), err)
		default:
			statusMsg = fmt.Sprintf("La dernière synchro a réussi il y a %s.", time.Since(when).Truncate(time.Second))
		}

		w.Header().Set("Content-Type", "text/html")

		err = tmpl.Execute(w, tmlpData{
			BasePath:     basePath,
			SyncStatus:   statusMsg,
			NtfyTopic:    ntfyTopic,
			Exchanges:    exchangeRows,
			Reservations: reservationRows,
			Replies:      replies,
			Version:      version + " (" + date + ")",
		})
		if err != nil {
			logutil.Errorf("executing template: %v", err)
			http.Error(w, "error", http.StatusInternalServerError)
			return
		}
	}))

	// Move a reservation to another retreat. Example:
	//  POST /exchanges
	//  reservation_id=<id>&new_retreat_id=<id>&custom_message=<text>
	mux.HandleFunc(basePath+"/exchanges", logRequest(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		err := r.ParseForm()
		if err != nil {
			http.Error(w, "while parsing form: "+err.Error(), http.StatusBadRequest)
			return
		}
		req := ExchangeRequest{
			ReservationID: r.PostFormValue("reservation_id"),
			NewRetreatID:  r.PostFormValue("new_retreat_id"),
			CustomMessage: r.PostFormValue("custom_message"),
		}
		if req.ReservationID == "" || req.NewRetreatID == "" {
			http.Error(w, "reservation_id and new_retreat_id are required", http.StatusBadRequest)
			return
		}

		ex, err := ExchangeReservation(r.Context(), db, mailer, exchangeTmpl, req)
		switch {
		case errors.Is(err, ErrNoSeatsLeft),
			errors.Is(err, ErrOverlappingReservation),
			errors.Is(err, ErrReservationInactive),
			errors.Is(err, ErrSameRetreat):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case errors.Is(err, sql.ErrNoRows):
			http.Error(w, "reservation or retreat not found", http.StatusNotFound)
			return
		case err != nil:
			logutil.Errorf("while exchanging: %v", err)
			http.Error(w, "error while exchanging: "+err.Error(), http.StatusInternalServerError)
			return
		}

		if ntfyTopic != "" {
			err := notifyNtfy(ntfyTopic, fmt.Sprintf("Échange confirmé pour %s (%s)", ex.CustomerName, ex.CustomerEmail))
			if err != nil {
				logutil.Errorf("while notifying: %v", err)
			}
		}

		http.Redirect(w, r, basePath+"/", http.StatusSeeOther)
	}))

	// Hosted inbound email lands here when the SMTP server is not
	// reachable from the internet.
	mux.HandleFunc(basePath+"/cloudmailingwebhook", logRequest(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		message, err := cloudmailin.ParseIncoming(r.Body)
		if err != nil {
			http.Error(w, "while parsing message: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}

		logutil.Infof("received message: message-id %s, sub: %s", message.Headers.MessageID(), message.Headers.Subject())

		reply := Reply{
			ID:        uuid.NewString(),
			FromEmail: message.Headers.From(),
			Subject:   message.Headers.Subject(),
			Body:      message.Plain,
			Date:      time.Now(),
		}
		err = saveRepliesToDB(r.Context(), db, reply)
		if err != nil {
			http.Error(w, "while saving reply: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}))

	return nil
}

func retreatName(byID map[string]Retreat, id string) string {
	if r, found := byID[id]; found {
		return r.Name
	}
	return id
}
