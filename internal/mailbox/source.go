package mailbox

import (
	"context"
	"errors"

	appLog "email2deadline/internal/log"
	"email2deadline/internal/model"
)

// ErrNoMessages is returned when no source yields a single message.
var ErrNoMessages = errors.New("no messages selected")

// Source yields parsed messages. Implementations should honor ctx on any
// blocking I/O.
type Source interface {
	Name() string
	Messages(ctx context.Context) ([]model.Message, error)
}

// MultiSource concatenates several sources in order. A failing source is
// logged and skipped; Messages only fails when every source failed.
type MultiSource []Source

func (m MultiSource) Name() string { return "multi" }

func (m MultiSource) Messages(ctx context.Context) ([]model.Message, error) {
	var (
		out      []model.Message
		failures int
		lastErr  error
	)
	for _, src := range m {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msgs, err := src.Messages(ctx)
		if err != nil {
			appLog.Error("message source failed", err, "source", src.Name())
			failures++
			lastErr = err
			continue
		}
		appLog.Debug("message source read", "source", src.Name(), "count", len(msgs))
		out = append(out, msgs...)
	}
	if len(m) > 0 && failures == len(m) {
		return nil, lastErr
	}
	return out, nil
}
