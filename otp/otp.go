// Package otp reads one-time verification codes from a mailbox.
package otp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// Fetcher returns the most recent verification code, if one is available.
type Fetcher interface {
	FetchCode(ctx context.Context) (code string, ok bool, err error)
}

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

// ExtractCode returns the first standalone 6-digit number in body.
func ExtractCode(body string) (string, bool) {
	code := codePattern.FindString(body)
	return code, code != ""
}

// IMAPFetcher logs into an IMAP mailbox over TLS and scans the newest INBOX
// message for a code. Each call opens its own connection.
type IMAPFetcher struct {
	Addr     string
	Username string
	Password string
	Timeout  time.Duration
}

var errNoMailbox = errors.New("otp mailbox not configured")

func (f *IMAPFetcher) FetchCode(ctx context.Context) (string, bool, error) {
	if f.Addr == "" || f.Username == "" {
		return "", false, errNoMailbox
	}
	timeout := f.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: timeout}, f.Addr, nil)
	if err != nil {
		return "", false, fmt.Errorf("dial imap %s: %w", f.Addr, err)
	}
	c.Timeout = timeout
	defer func() { _ = c.Logout() }()

	if err := c.Login(f.Username, f.Password); err != nil {
		return "", false, fmt.Errorf("imap login: %w", err)
	}
	mbox, err := c.Select("INBOX", true)
	if err != nil {
		return "", false, fmt.Errorf("select inbox: %w", err)
	}
	if mbox.Messages == 0 {
		return "", false, nil
	}

	seq := new(imap.SeqSet)
	seq.AddNum(mbox.Messages)
	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- c.Fetch(seq, []imap.FetchItem{section.FetchItem()}, messages) }()

	var body []byte
	for msg := range messages {
		if r := msg.GetBody(section); r != nil {
			if body, err = io.ReadAll(r); err != nil {
				return "", false, fmt.Errorf("read message body: %w", err)
			}
		}
	}
	if err := <-done; err != nil {
		return "", false, fmt.Errorf("fetch newest message: %w", err)
	}
	code, ok := ExtractCode(string(body))
	return code, ok, nil
}
