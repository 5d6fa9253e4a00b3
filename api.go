package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethgrid/gencurl"
	"github.com/shurcooL/graphql"
	"golang.org/x/oauth2"

	"github.com/tbeaudoin/retraites/logutil"
)

// Retreat mirrors a retreat on the booking platform. Times are UTC.
type Retreat struct {
	ID         string    // "64850e8019d5d64c415d13dd"
	Name       string    // "Retraite de mars"
	Place      string    // "Wendake"
	StartTime  time.Time // "2025-03-03T14:05:00.000Z" (time.RFC3339)
	EndTime    time.Time
	PriceCents int64 // 19900 means 199.00$
	Seats      int   // total capacity, not remaining places
	IsActive   bool
}

// Reservation is a seat held by a customer on a retreat. The customer
// fields are denormalized because the booking platform returns them inline
// and the emails need them as-is.
type Reservation struct {
	ID             string
	CustomerNumber string // the platform's numeric customer id, as text
	FirstName      string
	LastName       string
	Email          string
	RetreatID      string
	IsActive       bool
	// CancelReason is "U" (user-requested) and CancelAction "E"
	// (exchange) when the row was deactivated by an exchange.
	CancelReason string
	CancelAction string
	CancelDate   time.Time // zero unless canceled
}

// Exchange records a reservation moved from one retreat to another, and
// whether the confirmation email went out.
type Exchange struct {
	ID             string
	ReservationID  string // the new, active reservation
	OldRetreatID   string
	NewRetreatID   string
	CustomerNumber string
	CustomerName   string
	CustomerEmail  string
	CustomMessage  string // shown in the email's additional-information section, may be ""
	ExchangedAt    time.Time
	EmailSentAt    time.Time // zero until the confirmation email is accepted by the relay
}

// Reply is an inbound email from a customer, received either over SMTP or
// through the cloudmailin webhook.
type Reply struct {
	ID        string
	FromEmail string
	Subject   string
	Body      string
	Date      time.Time
}

type secret string

func (p secret) String() string {
	return "[redacted]"
}

func (p secret) Raw() string {
	return string(p)
}

type Token string

// The `authClient` given as input is only used to authenticate and is not
// used after that. A fresh client is returned.
func authenticatedClient(authClient *http.Client, apiURL, username string, password secret) (*http.Client, error) {
	enableDebugCurlLogs(authClient)

	token, err := getToken(authClient, apiURL, username, password)
	if err != nil {
		return nil, fmt.Errorf("while authenticating: %w", err)
	}

	client := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: string(token)},
	))
	enableDebugCurlLogs(client)

	return client, nil
}

// getToken authenticates against the booking platform and returns the JWT
// it hands out. The given client isn't mutated.
func getToken(client *http.Client, apiURL, username string, password secret) (Token, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password.Raw(),
	})
	if err != nil {
		return "", fmt.Errorf("while marshaling credentials: %w", err)
	}

	req, err := http.NewRequest("POST", apiURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("while performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		logutil.Debugf("authentication: response body was:\n%s", string(bodyBytes))
		return "", fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var payload struct {
		Token string `json:"token"`
	}
	err = json.NewDecoder(resp.Body).Decode(&payload)
	if err != nil {
		return "", fmt.Errorf("while decoding token response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("authentication did not go well: the response contains no token")
	}

	// We parse the JWT to know when the token expires. We can't verify the
	// JWT because we don't have the public key (and we don't need to verify
	// it), but I trust that the `exp` claim is correct since I trust the
	// server.
	expiry, err := parseJWTExp(payload.Token)
	if err != nil {
		return "", fmt.Errorf("while parsing JWT: %w", err)
	}
	logutil.Debugf("authentication: token expires in %s (%s)", time.Until(expiry).Round(time.Second), expiry)

	return Token(payload.Token), nil
}

// Returns the expiry date of the given JWT. WARNING: This func doesn't
// verify the JWT's signature! You must trust the source of the JWT.
func parseJWTExp(token string) (time.Time, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("JWT has %d parts instead of 3", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("while decoding JWT payload: %w", err)
	}
	var payloadMap map[string]interface{}
	err = json.Unmarshal(payload, &payloadMap)
	if err != nil {
		return time.Time{}, fmt.Errorf("while unmarshaling JWT payload: %w", err)
	}
	exp, found := payloadMap["exp"]
	if !found {
		return time.Time{}, fmt.Errorf("JWT payload does not contain 'exp'")
	}
	expInt, ok := exp.(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("JWT payload 'exp' is not a number")
	}
	return time.Unix(int64(expInt), 0), nil
}

func getRetreatsLive(client *http.Client, apiURL string) ([]Retreat, error) {
	gqlclient := graphql.NewClient(apiURL+"/graphql", client)

	type RetreatNode struct {
		ID         graphql.String
		Name       graphql.String
		Place      graphql.String
		StartTime  graphql.String
		EndTime    graphql.String
		PriceCents graphql.Int
		Seats      graphql.Int
		IsActive   graphql.Boolean
		Typename   graphql.String `graphql:"__typename"`
	}

	q := struct {
		Retreats []RetreatNode `graphql:"retreats"`
	}{}

	err := gqlclient.Query(context.Background(), &q, nil)
	if err != nil {
		logutil.Debugf("while querying retreats: %v", err)
		return nil, fmt.Errorf("error while querying: %w", err)
	}

	var retreats []Retreat
	for _, node := range q.Retreats {
		startTime, err := parseAPITime(string(node.StartTime))
		if err != nil {
			return nil, fmt.Errorf("retreat %s: while parsing 'startTime': %w", node.ID, err)
		}
		endTime, err := parseAPITime(string(node.EndTime))
		if err != nil {
			return nil, fmt.Errorf("retreat %s: while parsing 'endTime': %w", node.ID, err)
		}
		retreats = append(retreats, Retreat{
			ID:         string(node.ID),
			Name:       string(node.Name),
			Place:      string(node.Place),
			StartTime:  startTime,
			EndTime:    endTime,
			PriceCents: int64(node.PriceCents),
			Seats:      int(node.Seats),
			IsActive:   bool(node.IsActive),
		})
	}

	return retreats, nil
}

func getReservationsLive(client *http.Client, apiURL string) ([]Reservation, error) {
	gqlclient := graphql.NewClient(apiURL+"/graphql", client)

	type UserNode struct {
		ID        graphql.String
		FirstName graphql.String
		LastName  graphql.String
		Email     graphql.String
		Typename  graphql.String `graphql:"__typename"`
	}

	type ReservationNode struct {
		ID        graphql.String
		User      UserNode
		RetreatID graphql.String
		IsActive  graphql.Boolean
		Typename  graphql.String `graphql:"__typename"`
	}

	q := struct {
		Reservations []ReservationNode `graphql:"reservations"`
	}{}

	err := gqlclient.Query(context.Background(), &q, nil)
	if err != nil {
		logutil.Debugf("while querying reservations: %v", err)
		return nil, fmt.Errorf("error while querying: %w", err)
	}

	var reservations []Reservation
	for _, node := range q.Reservations {
		reservations = append(reservations, Reservation{
			ID:             string(node.ID),
			CustomerNumber: string(node.User.ID),
			FirstName:      string(node.User.FirstName),
			LastName:       string(node.User.LastName),
			Email:          string(node.User.Email),
			RetreatID:      string(node.RetreatID),
			IsActive:       bool(node.IsActive),
		})
	}

	return reservations, nil
}

// The platform returns RFC 3339 timestamps with a milliseconds part
// ("2025-03-03T14:05:00.000Z"), which time.RFC3339 accepts. An empty string
// maps to the zero time.
func parseAPITime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func enableDebugCurlLogs(client *http.Client) {
	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}
	client.Transport = transportCurlLogs{trWrapped: client.Transport}
}

// Only used when --debug is passed.
type transportCurlLogs struct {
	trWrapped http.RoundTripper
}

func (tr transportCurlLogs) RoundTrip(r *http.Request) (*http.Response, error) {
	logutil.Debugf("%s", gencurl.FromRequest(r))
	return tr.trWrapped.RoundTrip(r)
}
