// Package mailbox turns raw RFC 5322 messages from files or IMAP into
// model.Message values for the extractor.
package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"email2deadline/internal/extract"
	appLog "email2deadline/internal/log"
	"email2deadline/internal/model"
)

// maxPartDepth bounds multipart nesting; deeper parts are skipped.
const maxPartDepth = 32

// ReadMessage parses one raw message. Transfer encodings and charsets are
// decoded to UTF-8; parts in an unknown charset are kept as-is. Attachments
// and non-text leaves are skipped.
func ReadMessage(raw []byte) (model.Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return model.Message{}, fmt.Errorf("read message: %w", err)
	}

	var msg model.Message
	h := mail.Header{Header: entity.Header}

	// Subject falls back to the raw field value on decode errors.
	subject, _ := h.Subject()
	msg.Subject = strings.TrimSpace(subject)
	if date, err := h.Date(); err == nil {
		msg.ReceivedAt = date
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.Key = "<" + id + ">"
	}

	msg.Root = readPart(entity, 0)
	msg.Text = extract.CollectText(msg.Root)
	return msg, nil
}

func readPart(e *message.Entity, depth int) model.MessagePart {
	contentType, _, _ := e.Header.ContentType()
	part := model.MessagePart{ContentType: contentType}

	if mr := e.MultipartReader(); mr != nil {
		if depth >= maxPartDepth {
			appLog.Warn("multipart nesting too deep; skipping", "depth", depth)
			return part
		}
		for {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
				appLog.Debug("multipart read stopped", "err", err.Error())
				break
			}
			part.Parts = append(part.Parts, readPart(child, depth+1))
		}
		return part
	}

	if !isTextLeaf(e, contentType) {
		return part
	}
	body, err := io.ReadAll(e.Body)
	if err != nil {
		appLog.Debug("part body unreadable; skipping", "content_type", contentType, "err", err.Error())
		return part
	}
	part.Body = string(body)
	return part
}

func isTextLeaf(e *message.Entity, contentType string) bool {
	if disp, _, err := e.Header.ContentDisposition(); err == nil && strings.EqualFold(disp, "attachment") {
		return false
	}
	return strings.HasPrefix(contentType, "text/")
}
