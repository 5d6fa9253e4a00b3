package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/tbeaudoin/retraites/logutil"
)

// ServeSMTP is blocking and can be unblocked by cancelling the context.
// This SMTP server receives the customers' replies to the confirmation
// emails so that they show up next to the exchanges in the admin page.
func ServeSMTP(ctx context.Context, db *sql.DB, smtpListen net.Listener) error {
	s := smtp.NewServer(smtp.BackendFunc(func(c *smtp.Conn) (smtp.Session, error) {
		logutil.Infof("ServeSMTP: new connection from %s", c.Hostname())
		sess := &Session{db: db}
		return sess, nil
	}))

	s.ErrorLog = log.Default()
	go func() {
		// Unlike http.Server, smtp.Server doesn't have a built-in context.
		// This func works around that.
		<-ctx.Done()
		logutil.Infof("ServeSMTP: context cancelled, stopping the SMTP server")
		err := s.Close()
		if err != nil {
			logutil.Errorf("ServeSMTP: while closing SMTP server: %v", err)
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(fmt.Errorf("ServeSMTP: cancelled without a reason"))

	// This "single use" waitgroup allows us to wait for the SMTP server to
	// cleanly stop before ServeSMTP returns. We could have used a channel
	// instead.
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel(fmt.Errorf("ServeSMTP: SMTP server stopped for some reason"))
		logutil.Infof("serving SMTP server on %s", smtpListen.Addr())

		err := s.Serve(smtpListen)
		if err != nil {
			cancel(fmt.Errorf("while serving SMTP server: %w", err))
			return
		}
	}()

	wg.Wait()
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	return nil
}

// Session is used by servers to respond to an SMTP client.
//
// The methods are called when the remote client issues the matching command.
type Session struct {
	db *sql.DB

	from string
}

// Discard currently processed message.
func (s *Session) Reset() {
	logutil.Debugf("email: reset")
	s.from = ""
}

// Free all resources associated with session.
func (s *Session) Logout() error {
	logutil.Debugf("email: logout")
	return nil
}

// Set return path for currently processed message.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	logutil.Debugf("email: received email from %q", from)
	s.from = from
	return nil
}

// Add recipient for currently processed message.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	logutil.Debugf("email: received email for %q", to)
	return nil
}

// Set currently processed message contents and send it.
//
// r must be consumed before Data returns.
func (s *Session) Data(r io.Reader) error {
	logutil.Debugf("email: reading DATA block")

	msg, err := mail.ReadMessage(r)
	if err != nil {
		logutil.Errorf("email: mail.ReadMessage: could not read message: %v", err)
		return err
	}

	date, err := msg.Header.Date()
	if err != nil {
		logutil.Debugf("email: msg.Header.Date: no usable date, falling back to now: %v", err)
		date = time.Now()
	}

	sub := msg.Header.Get("Subject")

	plaintext, err := plaintextPart(msg)
	if err != nil {
		logutil.Errorf("email: %v", err)
		return err
	}

	// Some senders claim "plain/text" but still use HTML line breaks
	// (<br />). Let's replace them with newlines instead.
	plaintext = strings.ReplaceAll(plaintext, "<br />", "\n")
	plaintext = strings.ReplaceAll(plaintext, "<br/ >", "\n")
	plaintext = strings.ReplaceAll(plaintext, "<br/>", "\n")
	plaintext = strings.ReplaceAll(plaintext, "<br>", "\n")

	from := s.from
	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		from = addr.Address
	}

	reply := Reply{
		ID:        uuid.NewString(),
		FromEmail: from,
		Subject:   sub,
		Body:      plaintext,
		Date:      date,
	}
	err = saveRepliesToDB(context.Background(), s.db, reply)
	if err != nil {
		logutil.Errorf("email: while saving reply: %v", err)
		return err
	}

	logutil.Infof("email: stored reply from %q with subject %q", from, sub)
	return nil
}

// plaintextPart returns the text content of the message: the body itself
// for single-part text messages, otherwise the concatenated text/* parts of
// the multipart body.
func plaintextPart(msg *mail.Message) (string, error) {
	ct := msg.Header.Get("Content-Type")
	if ct == "" {
		ct = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", fmt.Errorf("mime.ParseMediaType: could not parse Content-Type: %w", err)
	}

	if strings.HasPrefix(mediaType, "text/") {
		bodyBytes, err := io.ReadAll(msg.Body)
		if err != nil {
			return "", fmt.Errorf("io.ReadAll: could not read body: %w", err)
		}
		return string(bodyBytes), nil
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("expected text/* or multipart/* but got %s", mediaType)
	}

	multi := multipart.NewReader(msg.Body, params["boundary"])
	buf := strings.Builder{}
	for {
		part, err := multi.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("multi.NextPart: could not read part: %w", err)
		}

		// We only want to read the text parts.
		ct := part.Header.Get("Content-Type")
		if !strings.HasPrefix(ct, "text/") {
			logutil.Debugf("email: skipping part with Content-Type %q", ct)
			continue
		}

		_, err = io.Copy(&buf, part)
		if err != nil {
			return "", fmt.Errorf("io.Copy: could not read part: %w", err)
		}
	}

	return buf.String(), nil
}
