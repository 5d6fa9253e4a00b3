package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/glebarez/go-sqlite"

	"github.com/tbeaudoin/retraites/logutil"
	"github.com/tbeaudoin/retraites/mailtmpl"
)

var (
	debugFlag = flag.Bool("debug", false, "Enable debug logs, including equivalent curl commands.")

	serveBasePath = flag.String("basepath", "", "Base path to serve the UI on. For example, if set to /retraites, the UI will be served on /retraites/. Useful for reverse proxies. Must start with a slash.")
	serveAddr     = flag.String("addr", "0.0.0.0:8080", "Address and port to serve the HTTP server on.")
	smtpAddr      = flag.String("smtp-addr", "0.0.0.0:2525", "Address and port the inbound SMTP server listens on for customer replies.")
	dbPath        = flag.String("db", "retraites.sqlite", "Path to the sqlite database file.")
	ntfyTopic     = flag.String("ntfy-topic", "", "ntfy.sh topic to push a message to after each confirmed exchange. Empty disables pushes.")
	syncPeriod    = flag.Duration("sync-period", 10*time.Minute, "How often to pull retreats and reservations from the booking platform. Zero disables the periodic sync.")

	versionFlag = flag.Bool("version", false, "Print the version and exit.")
)

var (
	// version is the version of the binary. It is set at build time.
	version = "unknown"
	date    = "unknown"
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				version = setting.Value
			}
			if setting.Key == "vcs.time" {
				date = setting.Value
			}
		}
	}
}

const usage = `usage: retraites [flags] <serve|sync|list|exchange|token|version>`

func main() {
	flag.Parse()
	if *debugFlag {
		logutil.EnableDebug = true
		logutil.Debugf("debug output enabled")
	}
	if *versionFlag {
		fmt.Println(version)
		return
	}

	switch flag.Arg(0) {
	case "version":
		fmt.Println(version)
	case "serve":
		if *serveBasePath != "" && !strings.HasPrefix(*serveBasePath, "/") {
			logutil.Errorf("basepath must start with a slash")
			os.Exit(1)
		}
		logutil.Infof("version: %s (%s)", version, date)

		apiURL, username, password := getCreds()
		mailer := mailerFromEnv()

		db, err := openDB(*dbPath)
		if err != nil {
			logutil.Errorf("%v", err)
			os.Exit(1)
		}

		exchangeTmpl, err := mailtmpl.Load("exchange")
		if err != nil {
			logutil.Errorf("while loading email template: %v", err)
			os.Exit(1)
		}

		httpL, err := net.Listen("tcp", *serveAddr)
		if err != nil {
			logutil.Errorf("while listening on %s: %v", *serveAddr, err)
			os.Exit(1)
		}
		smtpL, err := net.Listen("tcp", *smtpAddr)
		if err != nil {
			logutil.Errorf("while listening on %s: %v", *smtpAddr, err)
			os.Exit(1)
		}

		err = ServeCmd(context.Background(), db, httpL, smtpL, *serveBasePath, apiURL, username, password, mailer, exchangeTmpl, *ntfyTopic, *syncPeriod)
		if err != nil {
			logutil.Errorf("%v", err)
			os.Exit(1)
		}
	case "sync":
		apiURL, username, password := getCreds()
		db, err := openDB(*dbPath)
		if err != nil {
			logutil.Errorf("%v", err)
			os.Exit(1)
		}

		client, err := authenticatedClient(&http.Client{}, apiURL, username, password)
		if err != nil {
			logutil.Errorf("while authenticating: %v", err)
			os.Exit(1)
		}

		newRetreats, err := syncRetreatsWithDB(context.Background(), client, apiURL, db)
		if err != nil {
			logutil.Errorf("while syncing retreats: %v", err)
			os.Exit(1)
		}
		newReservations, err := syncReservationsWithDB(context.Background(), client, apiURL, db)
		if err != nil {
			logutil.Errorf("while syncing reservations: %v", err)
			os.Exit(1)
		}
		fmt.Printf("%d new retreats, %d new reservations\n", len(newRetreats), len(newReservations))
	case "list":
		apiURL, username, password := getCreds()
		ListCmd(apiURL, username, password)
	case "exchange":
		if flag.Arg(1) == "" || flag.Arg(2) == "" {
			logutil.Errorf("usage: retraites exchange <reservation-id> <new-retreat-id> [message...]")
			os.Exit(1)
		}
		db, err := openDB(*dbPath)
		if err != nil {
			logutil.Errorf("%v", err)
			os.Exit(1)
		}
		mailer := mailerFromEnv()
		exchangeTmpl, err := mailtmpl.Load("exchange")
		if err != nil {
			logutil.Errorf("while loading email template: %v", err)
			os.Exit(1)
		}

		ex, err := ExchangeReservation(context.Background(), db, mailer, exchangeTmpl, ExchangeRequest{
			ReservationID: flag.Arg(1),
			NewRetreatID:  flag.Arg(2),
			CustomMessage: strings.Join(flag.Args()[3:], " "),
		})
		if err != nil {
			logutil.Errorf("%v", err)
			os.Exit(1)
		}
		fmt.Printf("exchange %s confirmed, email sent to %s\n", ex.ID, ex.CustomerEmail)

		if *ntfyTopic != "" {
			err := notifyNtfy(*ntfyTopic, fmt.Sprintf("Échange confirmé pour %s (%s)", ex.CustomerName, ex.CustomerEmail))
			if err != nil {
				logutil.Errorf("while notifying: %v", err)
			}
		}
	case "token":
		apiURL, username, password := getCreds()
		client := &http.Client{}
		enableDebugCurlLogs(client)
		token, err := getToken(client, apiURL, username, password)
		if err != nil {
			logutil.Errorf("while authenticating: %v", err)
			os.Exit(1)
		}
		fmt.Println(token)
	default:
		logutil.Errorf("unknown command %q", flag.Arg(0))
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

func getCreds() (string, string, secret) {
	apiURL := strings.TrimSuffix(os.Getenv("RETRAITES_API_URL"), "/")
	username := os.Getenv("RETRAITES_USERNAME")
	password := secret(os.Getenv("RETRAITES_PASSWORD"))
	if apiURL == "" {
		logutil.Errorf("RETRAITES_API_URL must be set.")
		os.Exit(1)
	}
	if username == "" || password == "" {
		logutil.Errorf("RETRAITES_USERNAME and RETRAITES_PASSWORD must be set.")
		os.Exit(1)
	}
	return apiURL, username, password
}

func mailerFromEnv() *Mailer {
	addr := os.Getenv("SMTP_RELAY_ADDR")
	from := os.Getenv("EMAIL_FROM")
	if addr == "" || from == "" {
		logutil.Errorf("SMTP_RELAY_ADDR and EMAIL_FROM must be set.")
		os.Exit(1)
	}
	return &Mailer{
		From:     from,
		Addr:     addr,
		Username: os.Getenv("SMTP_USERNAME"),
		Password: secret(os.Getenv("SMTP_PASSWORD")),
	}
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("while opening database %q: %w", path, err)
	}
	err = initSchemaDB(context.Background(), db)
	if err != nil {
		return nil, fmt.Errorf("while initializing database schema: %w", err)
	}
	return db, nil
}

// ServeCmd runs the three long-lived pieces: the periodic sync with the
// booking platform, the HTTP admin UI, and the inbound SMTP server. It is
// blocking and can be unblocked by cancelling the context. An empty apiURL
// or a zero syncPeriod disables the sync loop.
func ServeCmd(ctx context.Context, db *sql.DB, httpListen, smtpListen net.Listener, basePath, apiURL, username string, password secret, mailer *Mailer, exchangeTmpl *mailtmpl.Template, ntfyTopic string, syncPeriod time.Duration) error {
	var mu sync.Mutex
	var lastSyncTime time.Time
	var lastSyncErr error
	lastSync := func() (time.Time, error) {
		mu.Lock()
		defer mu.Unlock()
		return lastSyncTime, lastSyncErr
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(fmt.Errorf("ServeCmd: cancelled without a reason"))

	wg := sync.WaitGroup{}

	if apiURL != "" && syncPeriod > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(syncPeriod)
			defer ticker.Stop()
			for {
				err := func() error {
					client, err := authenticatedClient(&http.Client{}, apiURL, username, password)
					if err != nil {
						return fmt.Errorf("while authenticating: %w", err)
					}
					_, err = syncRetreatsWithDB(ctx, client, apiURL, db)
					if err != nil {
						return fmt.Errorf("while syncing retreats: %w", err)
					}
					_, err = syncReservationsWithDB(ctx, client, apiURL, db)
					if err != nil {
						return fmt.Errorf("while syncing reservations: %w", err)
					}
					return nil
				}()
				mu.Lock()
				lastSyncTime, lastSyncErr = time.Now(), err
				mu.Unlock()
				if err != nil {
					logutil.Errorf("sync: %v", err)
				} else {
					logutil.Debugf("sync: done")
				}

				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel(fmt.Errorf("HTTP server stopped for some reason"))
		err := ServeHTTP(ctx, db, httpListen, basePath, mailer, exchangeTmpl, lastSync, ntfyTopic)
		if err != nil {
			cancel(fmt.Errorf("while serving HTTP: %w", err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel(fmt.Errorf("SMTP server stopped for some reason"))
		err := ServeSMTP(ctx, db, smtpListen)
		if err != nil {
			cancel(fmt.Errorf("while serving SMTP: %w", err))
		}
	}()

	wg.Wait()
	if ctx.Err() != nil && context.Cause(ctx) != context.Canceled {
		return context.Cause(ctx)
	}
	return nil
}

func ListCmd(apiURL, username string, password secret) {
	client, err := authenticatedClient(&http.Client{}, apiURL, username, password)
	if err != nil {
		logutil.Errorf("while authenticating: %v", err)
		os.Exit(1)
	}

	retreats, err := getRetreatsLive(client, apiURL)
	if err != nil {
		logutil.Errorf("getting retreats: %v", err)
		os.Exit(1)
	}

	// Print the retreats starting with the oldest one.
	for i := len(retreats) - 1; i >= 0; i-- {
		r := retreats[i]
		fmt.Printf("%s %s %s %s %s\n",
			r.StartTime.Format("02 Jan 2006"),
			logutil.Bold(r.Name),
			logutil.Yel(r.Place),
			humanize.CommafWithDigits(float64(r.PriceCents)/100, 2)+" $",
			func() string {
				if r.IsActive {
					return logutil.Green(fmt.Sprintf("%d places", r.Seats))
				}
				return logutil.Red("inactive")
			}(),
		)
	}
}
