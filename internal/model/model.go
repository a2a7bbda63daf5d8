package model

import "time"

// MessagePart is one node of a message's MIME tree. Leaves carry a decoded
// text body; multipart nodes carry children in document order.
type MessagePart struct {
	ContentType string
	Body        string
	Parts       []MessagePart
}

// Message is the per-message input of the extraction core.
type Message struct {
	// Key identifies the message across runs (Message-ID, IMAP UID or
	// file position). Used by the export ledger.
	Key string

	Subject string

	// Text is the normalized plain text of Root.
	Text string

	// ReceivedAt is zero when the message carries no usable date.
	ReceivedAt time.Time

	Root MessagePart
}

// ResolvedDate is a concrete timestamp resolved from one raw candidate.
// HasTime is true iff the raw text carried an HH:MM or am/pm marker.
type ResolvedDate struct {
	Time    time.Time
	HasTime bool
}

// Event is a deadline extracted from a message. End is Start+1h for timed
// events and Start+1 day for all-day events.
type Event struct {
	Summary       string
	Start         time.Time
	End           time.Time
	AllDay        bool
	SourceSubject string
}
