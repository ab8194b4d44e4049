// ABOUTME: Outbound platform interfaces and the payloads they accept
// ABOUTME: Implemented by transport adapters and by test fakes

package relay

import "context"

// Text is an outbound text message.
type Text struct {
	Body    string
	ReplyTo string
}

// Media is an outbound file.
type Media struct {
	Kind     MediaKind
	Data     []byte
	MimeType string
	Filename string
	Caption  string
	ReplyTo  string
}

// Location is a geographic point.
type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
	Address   string
	ReplyTo   string
}

// Contact is one contact card.
type Contact struct {
	FirstName string
	LastName  string
	Phone     string
	VCard     string
	ReplyTo   string
}

// Sender delivers content to a peer. For the local platform the peer is a
// thread id; for the remote platform it is a remote user id. Every method
// that posts a message returns the new message's id.
//
// Failures should be *SendError values so the engine can tell rate limits
// and lost threads from other errors.
type Sender interface {
	SendText(ctx context.Context, peer string, msg Text) (string, error)
	SendMedia(ctx context.Context, peer string, msg Media) (string, error)
	SendLocation(ctx context.Context, peer string, msg Location) (string, error)
	SendContact(ctx context.Context, peer string, msg Contact) (string, error)

	// SetReaction sets the relay's reaction on a message. An empty emoji
	// clears it.
	SetReaction(ctx context.Context, peer, messageID, emoji string) error

	// MaxUploadSize is the largest payload accepted for a media kind.
	// Zero means no limit.
	MaxUploadSize(kind MediaKind) int64
}

// LocalPlatform is the forum-style side with one thread per remote user.
type LocalPlatform interface {
	Sender
	CreateThread(ctx context.Context, name string) (string, error)
	PinMessage(ctx context.Context, threadID, messageID string) error
}

// RemotePlatform is the chat side where each end user lives.
type RemotePlatform interface {
	Sender
	MarkAsRead(ctx context.Context, messageID string) error
	RequestLocation(ctx context.Context, to, prompt string) (string, error)
}
