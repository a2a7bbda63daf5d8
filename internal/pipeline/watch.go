package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"email2deadline/internal/ics"
	appLog "email2deadline/internal/log"
	"email2deadline/internal/mailbox"
)

// Watch runs the pipeline once immediately and then on every tick of the
// standard 5-field cron schedule, until ctx is cancelled. A tick that fires
// while the previous run is still going is skipped. A panicking run is
// logged and the schedule keeps going.
func (p *Pipeline) Watch(ctx context.Context, schedule string, src mailbox.Source) error {
	var running atomic.Bool
	job := cron.NewChain(cron.Recover(cronLogger{})).Then(cron.FuncJob(func() {
		if !running.CompareAndSwap(false, true) {
			appLog.Warn("previous export still running; skipping tick")
			return
		}
		defer running.Store(false)
		p.runLogged(ctx, src)
	}))

	c := cron.New(cron.WithLogger(cronLogger{}))
	if _, err := c.AddJob(schedule, job); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}

	job.Run()
	c.Start()
	appLog.Info("watch started", "schedule", schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	appLog.Info("watch stopped")
	return nil
}

// cronLogger routes scheduler messages into the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

func (p *Pipeline) runLogged(ctx context.Context, src mailbox.Source) {
	_, err := p.Run(ctx, src)
	switch {
	case err == nil:
	case errors.Is(err, ics.ErrNoEvents), errors.Is(err, mailbox.ErrNoMessages):
		appLog.Debug("export run found nothing new")
	case ctx.Err() != nil:
	default:
		appLog.Error("export run failed", err)
	}
}
