// ABOUTME: Inbound event types delivered by either platform
// ABOUTME: A closed set of variants dispatched by Kind in the engine

package relay

import (
	"context"
	"time"
)

// EventKind tags an Event variant.
type EventKind string

// Event kinds
const (
	KindText               EventKind = "text"
	KindMedia              EventKind = "media"
	KindLocation           EventKind = "location"
	KindContact            EventKind = "contact"
	KindReaction           EventKind = "reaction"
	KindStatus             EventKind = "status"
	KindService            EventKind = "service"
	KindConversationOpened EventKind = "conversation_opened"
	KindUnsupported        EventKind = "unsupported"
)

// Event is an inbound update. The set of implementations is closed.
type Event interface {
	Kind() EventKind
	Header() Envelope
	isEvent()
}

// Envelope carries the fields every inbound update has.
//
// For remote events Sender is the remote user id; for local events it is
// the thread id the message was posted in.
type Envelope struct {
	ID            string
	Sender        string
	SenderName    string
	ReplyTo       string // message id on the same platform, if a reply
	Forwarded     bool
	ForwardedMany bool
	Timestamp     time.Time
}

// Header returns the envelope.
func (e Envelope) Header() Envelope { return e }

func (Envelope) isEvent() {}

// TextEvent is a plain text message.
type TextEvent struct {
	Envelope
	Body string
}

// MediaKind is the content type of a media message.
type MediaKind string

// Media kinds
const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaAudio    MediaKind = "audio"
	MediaVoice    MediaKind = "voice"
	MediaSticker  MediaKind = "sticker"
)

// ValidMediaKind reports whether k is a known media kind.
func ValidMediaKind(k MediaKind) bool {
	switch k {
	case MediaImage, MediaVideo, MediaDocument, MediaAudio, MediaVoice, MediaSticker:
		return true
	}
	return false
}

// MediaEvent is a file-bearing message. Content is downloaded on demand.
type MediaEvent struct {
	Envelope
	Media    MediaKind
	MimeType string
	Filename string
	Size     int64 // declared size in bytes, 0 if unknown
	Caption  string
	Fetch    func(ctx context.Context) ([]byte, error)
}

// LocationEvent is a shared location.
type LocationEvent struct {
	Envelope
	Location Location
}

// ContactEvent carries one or more contact cards.
type ContactEvent struct {
	Envelope
	Contacts []Contact
}

// ReactionEvent adds or removes a reaction. An empty Emoji means removed.
type ReactionEvent struct {
	Envelope
	TargetID string // reacted-to message id on the same platform
	Emoji    string
}

// StatusEvent reports the delivery status of a message the relay sent to
// the remote platform.
type StatusEvent struct {
	Envelope
	MessageID    string // remote message id the status refers to
	Failed       bool
	Reengagement bool // the conversation window closed
	ErrorTitle   string
	ErrorDetails string
}

// ServiceAction is a thread lifecycle change on the local platform.
type ServiceAction string

// Service actions
const (
	ThreadClosed   ServiceAction = "thread_closed"
	ThreadReopened ServiceAction = "thread_reopened"
)

// ServiceEvent is a local thread lifecycle update.
type ServiceEvent struct {
	Envelope
	Action ServiceAction
}

// ConversationOpenedEvent means a remote user opened the chat without
// writing anything.
type ConversationOpenedEvent struct {
	Envelope
}

// UnsupportedEvent is a message type the relay cannot carry.
type UnsupportedEvent struct {
	Envelope
	Type string
}

func (TextEvent) Kind() EventKind               { return KindText }
func (MediaEvent) Kind() EventKind              { return KindMedia }
func (LocationEvent) Kind() EventKind           { return KindLocation }
func (ContactEvent) Kind() EventKind            { return KindContact }
func (ReactionEvent) Kind() EventKind           { return KindReaction }
func (StatusEvent) Kind() EventKind             { return KindStatus }
func (ServiceEvent) Kind() EventKind            { return KindService }
func (ConversationOpenedEvent) Kind() EventKind { return KindConversationOpened }
func (UnsupportedEvent) Kind() EventKind        { return KindUnsupported }
