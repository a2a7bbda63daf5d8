package mailbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"email2deadline/internal/model"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

var multipartMessage = crlf(
	"From: Alice <alice@example.com>",
	"To: bob@example.com",
	"Subject: =?UTF-8?Q?Project_report_due?=",
	"Date: Wed, 01 May 2024 09:00:00 +0000",
	"Message-ID: <abc123@example.com>",
	"MIME-Version: 1.0",
	`Content-Type: multipart/mixed; boundary="outer"`,
	"",
	"--outer",
	`Content-Type: multipart/alternative; boundary="inner"`,
	"",
	"--inner",
	"Content-Type: text/plain; charset=utf-8",
	"Content-Transfer-Encoding: quoted-printable",
	"",
	"Please submit before 2024-05-10.=0ADeadline: 2024-05-10",
	"--inner",
	"Content-Type: text/html; charset=utf-8",
	"",
	"<p>Deadline:&nbsp;<b>2024-05-10</b></p>",
	"--inner--",
	"--outer",
	"Content-Type: application/pdf",
	`Content-Disposition: attachment; filename="report.pdf"`,
	"Content-Transfer-Encoding: base64",
	"",
	"JVBERi0xLjQK",
	"--outer--",
	"",
)

func TestReadMessage_Multipart(t *testing.T) {
	t.Parallel()

	msg, err := ReadMessage(multipartMessage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Subject != "Project report due" {
		t.Errorf("Subject: got %q", msg.Subject)
	}
	if msg.Key != "<abc123@example.com>" {
		t.Errorf("Key: got %q", msg.Key)
	}
	if want := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC); !msg.ReceivedAt.Equal(want) {
		t.Errorf("ReceivedAt: got %v, want %v", msg.ReceivedAt, want)
	}

	if msg.Root.ContentType != "multipart/mixed" || len(msg.Root.Parts) != 2 {
		t.Fatalf("root: got %q with %d parts", msg.Root.ContentType, len(msg.Root.Parts))
	}
	alt := msg.Root.Parts[0]
	if len(alt.Parts) != 2 {
		t.Fatalf("alternative: got %d parts", len(alt.Parts))
	}
	if !strings.Contains(alt.Parts[0].Body, "\nDeadline: 2024-05-10") {
		t.Errorf("quoted-printable not decoded: %q", alt.Parts[0].Body)
	}
	if pdf := msg.Root.Parts[1]; pdf.Body != "" {
		t.Errorf("attachment body should be skipped, got %q", pdf.Body)
	}

	for _, want := range []string{"Please submit before 2024-05-10.", "Deadline: 2024-05-10"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("Text missing %q: %q", want, msg.Text)
		}
	}
	if strings.Contains(msg.Text, "<b>") || strings.Contains(msg.Text, "&nbsp;") {
		t.Errorf("HTML not stripped: %q", msg.Text)
	}
}

func TestReadMessage_Charset(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"Subject: Abgabe",
		"Content-Type: text/plain; charset=iso-8859-1",
		"",
		"Abgabe f\xfcr den Bericht bis 10.05.2024",
		"",
	)
	msg, err := ReadMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(msg.Text, "für") {
		t.Errorf("charset not decoded: %q", msg.Text)
	}
	if msg.Key != "" {
		t.Errorf("Key: got %q, want empty without Message-ID", msg.Key)
	}
	if !msg.ReceivedAt.IsZero() {
		t.Errorf("ReceivedAt: got %v, want zero", msg.ReceivedAt)
	}
}

func TestSplitMbox(t *testing.T) {
	t.Parallel()

	mbox := strings.Join([]string{
		"From alice@example.com Wed May  1 09:00:00 2024",
		"Subject: one",
		"",
		"Deadline: 2024-05-10",
		">From the archive",
		"",
		"From bob@example.com Thu May  2 09:00:00 2024",
		"Subject: two",
		"",
		"nothing",
		"",
	}, "\n")

	var got []string
	err := SplitMbox(strings.NewReader(mbox), func(raw []byte) error {
		got = append(got, string(raw))
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if !strings.HasPrefix(got[0], "Subject: one\r\n") {
		t.Errorf("first message: %q", got[0])
	}
	if !strings.Contains(got[0], "\r\nFrom the archive\r\n") {
		t.Errorf(">From not unquoted: %q", got[0])
	}

	stop := errors.New("stop")
	calls := 0
	err = SplitMbox(strings.NewReader(mbox), func([]byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("callback error not propagated: err=%v calls=%d", err, calls)
	}
}

func TestFileSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.eml"), multipartMessage, 0o644); err != nil {
		t.Fatal(err)
	}
	mbox := "From x Wed May  1 09:00:00 2024\nSubject: first\n\ndue 2024-06-01\n\n" +
		"From y Wed May  1 09:00:00 2024\nSubject: second\n\nhello\n"
	if err := os.WriteFile(filepath.Join(dir, "b.mbox"), []byte(mbox), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	msgs, err := FileSource{Paths: []string{dir}}.Messages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}

	wantKeys := []string{
		"<abc123@example.com>",
		filepath.Join(dir, "b.mbox") + "#0",
		filepath.Join(dir, "b.mbox") + "#1",
	}
	for i, want := range wantKeys {
		if msgs[i].Key != want {
			t.Errorf("[%d] Key: got %q, want %q", i, msgs[i].Key, want)
		}
	}
	if msgs[1].Subject != "first" || !strings.Contains(msgs[1].Text, "due 2024-06-01") {
		t.Errorf("mbox message: %+v", msgs[1])
	}
}

func TestFileSource_MissingPath(t *testing.T) {
	t.Parallel()

	_, err := FileSource{Paths: []string{filepath.Join(t.TempDir(), "missing.eml")}}.Messages(context.Background())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v, want not-exist error", err)
	}
}

type stubSource struct {
	name string
	msgs []model.Message
	err  error
}

func (s stubSource) Name() string { return s.name }

func (s stubSource) Messages(context.Context) ([]model.Message, error) {
	return s.msgs, s.err
}

func TestMultiSource(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ok := stubSource{name: "ok", msgs: []model.Message{{Key: "1"}, {Key: "2"}}}
	bad := stubSource{name: "bad", err: boom}

	msgs, err := MultiSource{bad, ok}.Messages(context.Background())
	if err != nil {
		t.Fatalf("partial failure should not error: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2", len(msgs))
	}

	if _, err := (MultiSource{bad, bad}).Messages(context.Background()); !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (MultiSource{ok}).Messages(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
