package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"email2deadline/internal/extract"
	"email2deadline/internal/ics"
	"email2deadline/internal/ledger"
	"email2deadline/internal/mailbox"
	"email2deadline/internal/model"
)

var runTime = time.Date(2024, 5, 1, 9, 5, 0, 0, time.UTC)

type staticSource []model.Message

func (s staticSource) Name() string { return "static" }

func (s staticSource) Messages(context.Context) ([]model.Message, error) {
	return s, nil
}

type recorder struct {
	mu        sync.Mutex
	notes     []string
	calendars []string
	onPublish func()
}

func (r *recorder) Notify(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, message)
}

func (r *recorder) Publish(calendar string, _ []model.Event) {
	r.mu.Lock()
	r.calendars = append(r.calendars, calendar)
	hook := r.onPublish
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func testMessages() staticSource {
	return staticSource{
		{Key: "<1@x>", Subject: "Project report due", Text: "Please submit before 2024-05-10. Deadline: 2024-05-10"},
		{Key: "<2@x>", Subject: "Reminder", Text: "The deadline is 05/10/2024 14:30"},
		{Key: "<3@x>", Subject: "Lunch", Text: "See you on 2024-06-01."},
	}
}

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts.Now = func() time.Time { return runTime }
	opts.Extractor = extract.New(extract.Config{Location: time.UTC, Now: opts.Now})
	opts.Export = ics.DefaultExportConfig()
	opts.Notifier = rec
	opts.Publisher = rec
	return New(opts), rec
}

func TestRun_WritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p, rec := newTestPipeline(t, Options{OutputDir: dir})

	res, err := p.Run(context.Background(), testMessages())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Messages != 3 || len(res.Events) != 2 {
		t.Errorf("got %d messages / %d events, want 3 / 2", res.Messages, len(res.Events))
	}
	if want := filepath.Join(dir, "email-deadlines-2024-05-01_09-05.ics"); res.Path != want {
		t.Errorf("Path: got %q, want %q", res.Path, want)
	}

	body, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(body) != res.Calendar {
		t.Error("file content differs from Result.Calendar")
	}
	if strings.Count(res.Calendar, "BEGIN:VEVENT") != 2 {
		t.Errorf("calendar: %q", res.Calendar)
	}

	if len(rec.notes) != 1 || rec.notes[0] != "Exported 2 event(s) to ICS." {
		t.Errorf("notes: %q", rec.notes)
	}
	if len(rec.calendars) != 1 {
		t.Errorf("published %d calendars, want 1", len(rec.calendars))
	}
}

func TestRun_NoDeadline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p, rec := newTestPipeline(t, Options{OutputDir: dir})

	_, err := p.Run(context.Background(), staticSource{{Subject: "Lunch", Text: "hello"}})
	if !errors.Is(err, ics.ErrNoEvents) {
		t.Fatalf("got %v, want ErrNoEvents", err)
	}
	if len(rec.notes) != 1 || rec.notes[0] != "No deadline found in selected emails." {
		t.Errorf("notes: %q", rec.notes)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("no file should be written, found %d", len(entries))
	}

	if _, err := p.Run(context.Background(), staticSource{}); !errors.Is(err, mailbox.ErrNoMessages) {
		t.Errorf("got %v, want ErrNoMessages", err)
	}
}

func TestRun_Stdout(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, _ := newTestPipeline(t, Options{Stdout: &buf, OutputDir: t.TempDir()})

	res, err := p.Run(context.Background(), testMessages())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Path != "" {
		t.Errorf("Path: got %q, want empty", res.Path)
	}
	if buf.String() != res.Calendar || !strings.HasPrefix(buf.String(), "BEGIN:VCALENDAR") {
		t.Errorf("stdout: %q", buf.String())
	}
}

func TestRun_LedgerSkipsKnown(t *testing.T) {
	t.Parallel()

	l, err := ledger.Open(":memory:")
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer l.Close()

	p, rec := newTestPipeline(t, Options{OutputDir: t.TempDir(), Ledger: l})
	ctx := context.Background()

	if _, err := p.Run(ctx, testMessages()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	res, err := p.Run(ctx, testMessages())
	if !errors.Is(err, ics.ErrNoEvents) {
		t.Fatalf("second run: got %v, want ErrNoEvents", err)
	}
	if res.Skipped != 3 {
		t.Errorf("Skipped: got %d, want 3", res.Skipped)
	}

	// A new message repeating a known deadline yields nothing new either.
	repeat := staticSource{{Key: "<4@x>", Subject: "Project report due", Text: "Please submit before 2024-05-10. Deadline: 2024-05-10"}}
	if _, err := p.Run(ctx, repeat); !errors.Is(err, ics.ErrNoEvents) {
		t.Errorf("repeat run: got %v, want ErrNoEvents", err)
	}

	fresh := staticSource{{Key: "<5@x>", Subject: "Exam", Text: "Submission due 2024-07-01"}}
	res, err = p.Run(ctx, fresh)
	if err != nil {
		t.Fatalf("fresh run: %v", err)
	}
	if len(res.Events) != 1 {
		t.Errorf("fresh events: got %d, want 1", len(res.Events))
	}

	// Published calendar covers the whole ledger.
	last := rec.calendars[len(rec.calendars)-1]
	if n := strings.Count(last, "BEGIN:VEVENT"); n != 3 {
		t.Errorf("published VEVENTs: got %d, want 3", n)
	}

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Messages != 5 || stats.Events != 3 {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestRun_MergeFile(t *testing.T) {
	t.Parallel()

	merge := filepath.Join(t.TempDir(), "deadlines.ics")
	p, _ := newTestPipeline(t, Options{MergeFile: merge})
	ctx := context.Background()

	msgs := testMessages()
	if _, err := p.Run(ctx, msgs[:1]); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := p.Run(ctx, msgs)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Path != merge {
		t.Errorf("Path: got %q", res.Path)
	}

	body, err := os.ReadFile(merge)
	if err != nil {
		t.Fatalf("read merge file: %v", err)
	}
	if n := strings.Count(string(body), "BEGIN:VEVENT"); n != 2 {
		t.Errorf("merged VEVENTs: got %d, want 2", n)
	}
}

func TestWatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p, rec := newTestPipeline(t, Options{OutputDir: dir})

	if err := p.Watch(context.Background(), "not a schedule", testMessages()); err == nil {
		t.Error("expected error for invalid schedule")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.onPublish = cancel

	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx, "0 0 1 1 *", testMessages()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}

	if entries, _ := os.ReadDir(dir); len(entries) != 1 {
		t.Errorf("got %d files, want 1 from the initial run", len(entries))
	}
}

// flakySource panics on its first read and serves msgs afterwards.
type flakySource struct {
	calls atomic.Int32
	msgs  staticSource
}

func (s *flakySource) Name() string { return "flaky" }

func (s *flakySource) Messages(ctx context.Context) ([]model.Message, error) {
	if s.calls.Add(1) == 1 {
		panic("mailbox exploded")
	}
	return s.msgs.Messages(ctx)
}

func TestWatch_SurvivesPanickingRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p, rec := newTestPipeline(t, Options{OutputDir: dir})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.onPublish = cancel

	src := &flakySource{msgs: testMessages()}
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx, "@every 1s", src) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not recover from the panicking run")
	}

	if n := src.calls.Load(); n < 2 {
		t.Errorf("source read %d times, want at least 2", n)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 1 {
		t.Errorf("got %d files, want 1 from the tick after the panic", len(entries))
	}
}
