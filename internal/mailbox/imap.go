package mailbox

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"email2deadline/internal/config"
	appLog "email2deadline/internal/log"
	"email2deadline/internal/model"
)

// IMAPSource fetches recent messages from one IMAP mailbox. Messages are
// fetched with BODY.PEEK so their \Seen flag is left alone.
type IMAPSource struct {
	cfg  config.IMAPConfig
	now  func() time.Time
	dial func(addr string) (*imapclient.Client, error)
}

// NewIMAPSource expects a normalized config (port, mailbox and window set).
func NewIMAPSource(cfg config.IMAPConfig) *IMAPSource {
	s := &IMAPSource{cfg: cfg, now: time.Now}
	if cfg.TLS {
		s.dial = func(addr string) (*imapclient.Client, error) { return imapclient.DialTLS(addr, nil) }
	} else {
		s.dial = func(addr string) (*imapclient.Client, error) { return imapclient.DialStartTLS(addr, nil) }
	}
	return s
}

func (s *IMAPSource) Name() string { return "imap:" + s.cfg.Host }

// connect dials, authenticates and selects the mailbox. The caller must
// Logout the returned client.
func (s *IMAPSource) connect() (*imapclient.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)

	client, err := s.dial(addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("authentication failed for %s: %w", s.cfg.Username, err)
	}

	if _, err := client.Select(s.cfg.Mailbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", s.cfg.Mailbox, err)
	}
	return client, nil
}

// Messages searches the last SinceDays days and fetches at most Limit of
// the newest matches. Cancelling ctx closes the connection.
func (s *IMAPSource) Messages(ctx context.Context) ([]model.Message, error) {
	client, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Close()
		case <-done:
		}
	}()

	criteria := &imap.SearchCriteria{
		Since: s.now().AddDate(0, 0, -s.cfg.SinceDays),
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if s.cfg.Limit > 0 && len(uids) > s.cfg.Limit {
		uids = uids[len(uids)-s.cfg.Limit:]
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:     true,
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)

	var out []model.Message
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			appLog.Warn("imap message skipped", "reason", err.Error())
			continue
		}
		m, ok := s.messageFromBuffer(buf, bodySection)
		if ok {
			out = append(out, m)
		}
	}

	if err := fetchCmd.Close(); err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("fetching messages: %w", err)
	}

	appLog.Info("imap fetch completed", "mailbox", s.cfg.Mailbox, "count", len(out))
	return out, nil
}

func (s *IMAPSource) messageFromBuffer(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) (model.Message, bool) {
	raw := buf.FindBodySection(section)
	if raw == nil {
		appLog.Warn("imap message without body", "uid", uint32(buf.UID))
		return model.Message{}, false
	}

	msg, err := ReadMessage(raw)
	if err != nil {
		appLog.Warn("imap message unparseable", "uid", uint32(buf.UID), "reason", err.Error())
		return model.Message{}, false
	}

	if msg.Key == "" {
		msg.Key = fmt.Sprintf("imap:%s:%d", s.cfg.Mailbox, uint32(buf.UID))
	}
	if buf.Envelope != nil {
		if msg.Subject == "" {
			msg.Subject = buf.Envelope.Subject
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = buf.Envelope.Date
		}
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = buf.InternalDate
	}
	return msg, true
}
