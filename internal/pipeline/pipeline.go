// Package pipeline wires message sources, the extractor, the export ledger
// and the calendar writer into one export run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"email2deadline/internal/extract"
	"email2deadline/internal/ics"
	"email2deadline/internal/ledger"
	appLog "email2deadline/internal/log"
	"email2deadline/internal/mailbox"
	"email2deadline/internal/model"
)

const (
	noDeadlineMessage = "No deadline found in selected emails."
	exportedFormat    = "Exported %d event(s) to ICS."
)

// Notifier reports the outcome of a run to the user.
type Notifier interface {
	Notify(message string)
}

// Publisher receives the latest calendar after every successful run.
type Publisher interface {
	Publish(calendar string, events []model.Event)
}

// LogNotifier reports through the application log.
type LogNotifier struct{}

func (LogNotifier) Notify(message string) { appLog.Info(message) }

// Options configures a Pipeline. Only Extractor is required.
type Options struct {
	Extractor *extract.Extractor
	Export    ics.ExportConfig

	// OutputDir and FilePattern name the per-run file. Ignored when
	// MergeFile or Stdout is set.
	OutputDir   string
	FilePattern string

	// MergeFile, if set, is rewritten on every run with its previous
	// events plus the new ones.
	MergeFile string

	// Stdout, if set, receives the calendar instead of a file.
	Stdout io.Writer

	// Ledger, if set, suppresses already-processed messages and
	// already-exported events.
	Ledger *ledger.Ledger

	Notifier  Notifier
	Publisher Publisher
	Now       func() time.Time
}

// Result describes one run.
type Result struct {
	Messages int
	Skipped  int
	Events   []model.Event
	Path     string
	Calendar string
}

// Pipeline runs exports. A Pipeline is safe for concurrent use as long as
// its Stdout writer is.
type Pipeline struct {
	opts Options
}

func New(opts Options) *Pipeline {
	if opts.Extractor == nil {
		opts.Extractor = extract.New(extract.Config{Now: opts.Now})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	if opts.Export.Now == nil {
		opts.Export.Now = opts.Now
	}
	if opts.FilePattern == "" {
		opts.FilePattern = "email-deadlines-2006-01-02_15-04.ics"
	}
	return &Pipeline{opts: opts}
}

// Run pulls messages from src, extracts their deadlines and writes one
// calendar. It returns mailbox.ErrNoMessages when src yields nothing and
// ics.ErrNoEvents when no new deadline was found; both are reported to the
// Notifier as well.
func (p *Pipeline) Run(ctx context.Context, src mailbox.Source) (Result, error) {
	var res Result

	msgs, err := src.Messages(ctx)
	if err != nil {
		return res, fmt.Errorf("reading messages: %w", err)
	}
	res.Messages = len(msgs)
	if len(msgs) == 0 {
		p.opts.Notifier.Notify(noDeadlineMessage)
		return res, mailbox.ErrNoMessages
	}

	processed := make([]processedMessage, 0, len(msgs))
	var events []model.Event
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.seen(ctx, msg.Key) {
			res.Skipped++
			continue
		}
		found := p.opts.Extractor.Extract(msg)
		appLog.Debug("message scanned", "key", msg.Key, "subject", msg.Subject, "events", len(found))
		events = append(events, found...)
		processed = append(processed, processedMessage{msg: msg, events: len(found)})
	}

	if p.opts.Ledger != nil {
		if events, err = p.opts.Ledger.FilterNewEvents(ctx, events); err != nil {
			return res, err
		}
	}
	res.Events = events

	if len(events) == 0 {
		if err := p.recordMessages(ctx, processed); err != nil {
			return res, err
		}
		p.opts.Notifier.Notify(noDeadlineMessage)
		return res, ics.ErrNoEvents
	}

	if err := p.write(&res); err != nil {
		return res, err
	}

	if p.opts.Ledger != nil {
		if err := p.opts.Ledger.RecordEvents(ctx, events); err != nil {
			return res, err
		}
	}
	if err := p.recordMessages(ctx, processed); err != nil {
		return res, err
	}

	p.publish(ctx, res)
	p.opts.Notifier.Notify(fmt.Sprintf(exportedFormat, len(events)))
	appLog.Info("export completed",
		"messages", res.Messages,
		"skipped", res.Skipped,
		"events", len(events),
		"path", res.Path,
	)
	return res, nil
}

type processedMessage struct {
	msg    model.Message
	events int
}

func (p *Pipeline) seen(ctx context.Context, key string) bool {
	if p.opts.Ledger == nil || key == "" {
		return false
	}
	seen, err := p.opts.Ledger.SeenMessage(ctx, key)
	if err != nil {
		appLog.Error("ledger lookup failed", err, "key", key)
		return false
	}
	return seen
}

func (p *Pipeline) recordMessages(ctx context.Context, processed []processedMessage) error {
	if p.opts.Ledger == nil {
		return nil
	}
	for _, pm := range processed {
		if pm.msg.Key == "" {
			continue
		}
		if err := p.opts.Ledger.RecordMessage(ctx, pm.msg.Key, pm.msg.Subject, pm.msg.ReceivedAt, pm.events); err != nil {
			return err
		}
	}
	return nil
}

// write serializes res.Events to the configured destination.
func (p *Pipeline) write(res *Result) error {
	switch {
	case p.opts.MergeFile != "":
		existing, err := p.readMergeFile()
		if err != nil {
			return err
		}
		merged := ics.Merge(existing, res.Events)
		res.Calendar = ics.Build(merged, p.opts.Export)
		if err := ics.WriteAtomic(p.opts.MergeFile, res.Calendar); err != nil {
			return fmt.Errorf("writing %s: %w", p.opts.MergeFile, err)
		}
		res.Path = p.opts.MergeFile

	case p.opts.Stdout != nil:
		res.Calendar = ics.Build(res.Events, p.opts.Export)
		if _, err := io.WriteString(p.opts.Stdout, res.Calendar); err != nil {
			return err
		}

	default:
		res.Calendar = ics.Build(res.Events, p.opts.Export)
		path, err := ics.WriteFile(p.opts.OutputDir, p.opts.FilePattern, p.opts.Now(), res.Calendar)
		if err != nil {
			return fmt.Errorf("writing calendar: %w", err)
		}
		res.Path = path
	}
	return nil
}

func (p *Pipeline) readMergeFile() ([]model.Event, error) {
	body, err := os.ReadFile(p.opts.MergeFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	events, err := ics.ParseEvents(body, p.opts.Extractor.Location())
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p.opts.MergeFile, err)
	}
	return events, nil
}

// publish hands the newest calendar to the Publisher. With a ledger the
// published calendar covers every event ever exported, not just this run.
func (p *Pipeline) publish(ctx context.Context, res Result) {
	if p.opts.Publisher == nil {
		return
	}
	if p.opts.Ledger != nil && p.opts.MergeFile == "" {
		all, err := p.opts.Ledger.Events(ctx, p.opts.Extractor.Location())
		if err == nil {
			p.opts.Publisher.Publish(ics.Build(all, p.opts.Export), all)
			return
		}
		appLog.Error("ledger listing failed; publishing this run only", err)
	}
	p.opts.Publisher.Publish(res.Calendar, res.Events)
}
