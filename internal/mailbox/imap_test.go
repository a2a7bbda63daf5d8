package mailbox

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"

	"email2deadline/internal/config"
)

const (
	imapUser     = "student@example.com"
	imapPassword = "hunter2"
)

// startIMAPServer runs an in-memory IMAP server holding msgs in INBOX,
// appended in order with the given internal dates.
func startIMAPServer(t *testing.T, msgs []string, dates []time.Time) string {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser(imapUser, imapPassword)
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("create INBOX: %v", err)
	}
	for i, raw := range msgs {
		r := bytes.NewReader(crlf(strings.Split(raw, "\n")...))
		if _, err := user.Append("INBOX", r, &imap.AppendOptions{Time: dates[i]}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	mem.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { server.Close() })

	return ln.Addr().String()
}

func newTestIMAPSource(t *testing.T, addr string, now time.Time, limit int) *IMAPSource {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	cfg := config.IMAPConfig{
		Host:      host,
		Port:      port,
		Username:  imapUser,
		Password:  imapPassword,
		Mailbox:   "INBOX",
		SinceDays: 7,
		Limit:     limit,
	}
	s := NewIMAPSource(cfg)
	s.now = func() time.Time { return now }
	s.dial = func(addr string) (*imapclient.Client, error) { return imapclient.DialInsecure(addr, nil) }
	return s
}

func TestIMAPSource_Messages(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
	addr := startIMAPServer(t,
		[]string{
			"Subject: Old\n\nSubmit by 2024-04-01\n",
			"Message-ID: <hw2@uni.example>\nSubject: Homework 2\n\nDeadline: 2024-05-24\n",
			"Subject: Homework 3\n\nDeadline: 2024-05-31\n",
		},
		[]time.Time{now.AddDate(0, 0, -30), now.AddDate(0, 0, -2), now.AddDate(0, 0, -1)},
	)

	msgs, err := newTestIMAPSource(t, addr, now, 10).Messages(context.Background())
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 within the window", len(msgs))
	}
	if msgs[0].Key != "<hw2@uni.example>" || msgs[0].Subject != "Homework 2" {
		t.Errorf("first message: got key %q subject %q", msgs[0].Key, msgs[0].Subject)
	}
	if msgs[1].Key != "imap:INBOX:3" {
		t.Errorf("fallback key: got %q, want imap:INBOX:3", msgs[1].Key)
	}
	if msgs[1].ReceivedAt.IsZero() {
		t.Error("ReceivedAt should fall back to the internal date")
	}

	msgs, err = newTestIMAPSource(t, addr, now, 1).Messages(context.Background())
	if err != nil {
		t.Fatalf("Messages with limit: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Subject != "Homework 3" {
		t.Errorf("limit 1: got %+v, want only the newest message", msgs)
	}
}

func TestIMAPSource_BadLogin(t *testing.T) {
	t.Parallel()

	addr := startIMAPServer(t, nil, nil)
	s := newTestIMAPSource(t, addr, time.Now(), 10)
	s.cfg.Password = "wrong"

	if _, err := s.Messages(context.Background()); err == nil {
		t.Error("expected authentication error")
	}
}
