package extract

import (
	"strings"
	"time"
	"unicode/utf8"

	"email2deadline/internal/model"
)

const (
	minSummaryLen = 12
	maxSummaryLen = 120

	// fallbackCandidateLimit caps the subject-driven pass over the whole body.
	fallbackCandidateLimit = 3

	defaultSummary = "Email deadline"
	noSubject      = "(no subject)"
)

// Config pins the ambient inputs of extraction. A nil Location means UTC;
// a nil Now means time.Now.
type Config struct {
	Location *time.Location
	Now      func() time.Time
}

// Extractor runs the line scan, date resolution and event building for a
// single message. It holds no mutable state and is safe for concurrent use.
type Extractor struct {
	loc *time.Location
	now func() time.Time
}

func New(cfg Config) *Extractor {
	e := &Extractor{loc: cfg.Location, now: cfg.Now}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Location returns the zone date-only values resolve in.
func (e *Extractor) Location() *time.Location { return e.loc }

// Extract returns the deduplicated deadline events found in msg. An empty
// result is a normal outcome, not an error.
func (e *Extractor) Extract(msg model.Message) []model.Event {
	text := msg.Text
	if strings.TrimSpace(text) == "" {
		text = CollectText(msg.Root)
	}
	year := e.fallbackYear(msg.ReceivedAt)

	var events []model.Event
	for _, line := range Lines(text) {
		if !IsDeadlineLine(line) {
			continue
		}
		for _, c := range Candidates(line) {
			rd, ok := Resolve(c, year, e.loc)
			if !ok {
				continue
			}
			events = append(events, NewEvent(rd, line, msg.Subject))
		}
	}

	if len(events) == 0 && IsDeadlineLine(msg.Subject) {
		cands := Candidates(text)
		if len(cands) > fallbackCandidateLimit {
			cands = cands[:fallbackCandidateLimit]
		}
		for _, c := range cands {
			rd, ok := Resolve(c, year, e.loc)
			if !ok {
				continue
			}
			events = append(events, NewEvent(rd, msg.Subject, msg.Subject))
		}
	}

	return Dedupe(events)
}

// ExtractAll concatenates Extract over msgs in order. Deduplication is per
// message only; the same deadline mentioned in two messages yields two
// events with different source subjects.
func (e *Extractor) ExtractAll(msgs []model.Message) []model.Event {
	var all []model.Event
	for _, m := range msgs {
		all = append(all, e.Extract(m)...)
	}
	return all
}

func (e *Extractor) fallbackYear(receivedAt time.Time) int {
	if !receivedAt.IsZero() {
		return receivedAt.In(e.loc).Year()
	}
	return e.now().In(e.loc).Year()
}

// NewEvent builds one event from a resolved date. source is the text the
// summary is derived from: the matching line, or the subject in the
// fallback pass.
func NewEvent(rd model.ResolvedDate, source, subject string) model.Event {
	end := rd.Time.AddDate(0, 0, 1)
	if rd.HasTime {
		end = rd.Time.Add(time.Hour)
	}

	sourceSubject := subject
	if strings.TrimSpace(sourceSubject) == "" {
		sourceSubject = noSubject
	}

	return model.Event{
		Summary:       Summary(source, subject),
		Start:         rd.Time,
		End:           end,
		AllDay:        !rd.HasTime,
		SourceSubject: sourceSubject,
	}
}

// Summary collapses whitespace in source and uses it when its length falls
// within [12,120] characters. Otherwise it falls back to the subject, then
// to a fixed label.
func Summary(source, subject string) string {
	s := collapseSpace(source)
	if n := utf8.RuneCountInString(s); n >= minSummaryLen && n <= maxSummaryLen {
		return s
	}
	if subject = strings.TrimSpace(subject); subject != "" {
		return "Deadline: " + subject
	}
	return defaultSummary
}

// Dedupe drops events structurally identical to an earlier one, keeping
// relative order.
func Dedupe(events []model.Event) []model.Event {
	if len(events) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(events))
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		k := Key(ev)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ev)
	}
	return out
}

// Key is the dedup identity of ev: summary, start and end instants, all-day flag.
func Key(ev model.Event) string {
	allDay := "0"
	if ev.AllDay {
		allDay = "1"
	}
	return ev.Summary + "|" +
		ev.Start.UTC().Format(time.RFC3339Nano) + "|" +
		ev.End.UTC().Format(time.RFC3339Nano) + "|" +
		allDay
}
