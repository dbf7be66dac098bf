// Package notify composes and sends the replicator's administrative and
// user-facing mail.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

const wrapColumn = 76

// Mailer sends plain-text mail through a single relay. A nil Mailer or
// an empty Server silently drops everything, so callers never need to
// guard notification sites.
type Mailer struct {
	Server string // host:port
	From   string // replicator's own address
	Admin  string // administrator's address

	// send is swapped out by tests.
	send func(addr, from string, to []string, msg []byte) error
}

// New returns a mailer talking to the given SMTP relay.
func New(server, from, admin string) *Mailer {
	return &Mailer{
		Server: server,
		From:   from,
		Admin:  admin,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

// Send mails a wrapped body to the given recipients. The administrator
// is always copied.
func (m *Mailer) Send(to []string, subject string, paragraphs ...string) error {
	if m == nil || m.Server == "" {
		return nil
	}
	recipients := append([]string(nil), to...)
	seen := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		seen[r] = true
	}
	if m.Admin != "" && !seen[m.Admin] {
		recipients = append(recipients, m.Admin)
	}
	if len(recipients) == 0 {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("\r\n")
	for i, p := range paragraphs {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(Wrap(p, wrapColumn))
		b.WriteString("\r\n")
	}
	return m.send(m.Server, m.From, recipients, []byte(b.String()))
}

// NewWithSender returns a mailer delivering through the given function
// instead of SMTP. Tests use it to capture outgoing mail.
func NewWithSender(server, from, admin string, send func(addr, from string, to []string, msg []byte) error) *Mailer {
	return &Mailer{Server: server, From: from, Admin: admin, send: send}
}

// SendAdmin mails the administrator only.
func (m *Mailer) SendAdmin(subject string, paragraphs ...string) error {
	return m.Send(nil, subject, paragraphs...)
}

// Wrap breaks a paragraph at word boundaries so no line exceeds the
// column count. Lines already containing newlines are wrapped
// line by line; words longer than the column stand alone.
func Wrap(text string, column int) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		words := strings.Fields(line)
		if len(words) == 0 {
			out = append(out, "")
			continue
		}
		cur := words[0]
		for _, w := range words[1:] {
			if len(cur)+1+len(w) > column {
				out = append(out, cur)
				cur = w
			} else {
				cur += " " + w
			}
		}
		out = append(out, cur)
	}
	return strings.Join(out, "\r\n")
}
