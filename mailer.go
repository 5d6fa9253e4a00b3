package main

import (
	"fmt"
	"mime"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/tbeaudoin/retraites/logutil"
)

// Mailer sends the transactional emails through an SMTP relay. The zero
// Dial func dials Addr over TCP; tests inject a unix-socket dialer to talk
// to an in-process server.
type Mailer struct {
	From     string
	Addr     string
	Username string
	Password secret

	Dial func() (net.Conn, error)
}

func (m *Mailer) dial() (net.Conn, error) {
	if m.Dial != nil {
		return m.Dial()
	}
	return net.DialTimeout("tcp", m.Addr, 10*time.Second)
}

// Send submits a single plain-text email. It returns once the relay has
// accepted the message, which is not a delivery guarantee.
func (m *Mailer) Send(to, subject, body string) error {
	conn, err := m.dial()
	if err != nil {
		return fmt.Errorf("while connecting to the SMTP relay: %w", err)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if m.Username != "" {
		err = c.Auth(sasl.NewPlainClient("", m.Username, m.Password.Raw()))
		if err != nil {
			return fmt.Errorf("while authenticating to the SMTP relay: %w", err)
		}
	}

	msg := buildMessage(m.From, to, subject, body)
	err = c.SendMail(m.From, []string{to}, strings.NewReader(msg))
	if err != nil {
		return fmt.Errorf("while sending email to %s: %w", to, err)
	}
	logutil.Debugf("mailer: relay accepted email to %s with subject %q", to, subject)

	err = c.Quit()
	if err != nil {
		logutil.Debugf("mailer: while quitting: %v", err)
	}
	return nil
}

// buildMessage assembles the RFC 5322 message. The subject is Q-encoded
// because it carries accented French words.
func buildMessage(from, to, subject, body string) string {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("Mime-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.String()
}
