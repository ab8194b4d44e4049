// ABOUTME: JSON envelope format exchanged with platform adapters
// ABOUTME: Decodes inbound envelopes into relay events

package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/relaygram/internal/relay"
)

// ErrInvalidEnvelope is returned when an inbound envelope cannot become an event.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is one inbound update as posted by an adapter.
type Envelope struct {
	Type          string    `json:"type"`
	ID            string    `json:"id"`
	ChatID        string    `json:"chat_id,omitempty"`
	Sender        string    `json:"sender"`
	SenderName    string    `json:"sender_name,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	Forwarded     bool      `json:"forwarded,omitempty"`
	ForwardedMany bool      `json:"forwarded_many,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	Text     string           `json:"text,omitempty"`
	Media    *MediaPayload    `json:"media,omitempty"`
	Location *LocationPayload `json:"location,omitempty"`
	Contacts []ContactPayload `json:"contacts,omitempty"`
	Reaction *ReactionPayload `json:"reaction,omitempty"`
	Status   *StatusPayload   `json:"status,omitempty"`

	// Action is the service action for type "service".
	Action string `json:"action,omitempty"`
	// Unsupported names the original message type for type "unsupported".
	Unsupported string `json:"unsupported_type,omitempty"`
}

// MediaPayload describes a file. URL is fetched through the adapter.
type MediaPayload struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Caption  string `json:"caption,omitempty"`
	URL      string `json:"url"`
}

// LocationPayload is a geographic point.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ContactPayload is one contact card.
type ContactPayload struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone"`
	VCard     string `json:"vcard,omitempty"`
}

// ReactionPayload adds or, with an empty emoji, removes a reaction.
type ReactionPayload struct {
	TargetID string `json:"target_id"`
	Emoji    string `json:"emoji"`
}

// StatusPayload is a delivery status for a message sent by the relay.
type StatusPayload struct {
	MessageID    string `json:"message_id"`
	Failed       bool   `json:"failed"`
	Reengagement bool   `json:"reengagement,omitempty"`
	ErrorTitle   string `json:"error_title,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`
}

// Fetcher downloads media referenced by an envelope.
type Fetcher interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Decode converts an envelope into a relay event. Media events fetch their
// bytes lazily through f.
func Decode(env *Envelope, f Fetcher) (relay.Event, error) {
	if env.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidEnvelope)
	}
	if env.Sender == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidEnvelope)
	}

	hdr := relay.Envelope{
		ID:            env.ID,
		Sender:        env.Sender,
		SenderName:    env.SenderName,
		ReplyTo:       env.ReplyTo,
		Forwarded:     env.Forwarded || env.ForwardedMany,
		ForwardedMany: env.ForwardedMany,
		Timestamp:     env.Timestamp,
	}
	if hdr.Timestamp.IsZero() {
		hdr.Timestamp = time.Now().UTC()
	}

	switch relay.EventKind(env.Type) {
	case relay.KindText:
		return relay.TextEvent{Envelope: hdr, Body: env.Text}, nil

	case relay.KindMedia:
		m := env.Media
		if m == nil {
			return nil, fmt.Errorf("%w: media is required", ErrInvalidEnvelope)
		}
		kind := relay.MediaKind(m.Kind)
		if !relay.ValidMediaKind(kind) {
			// Relayed as a notice so the sender learns it did not go through.
			what := m.Kind
			if what == "" {
				what = "media"
			}
			return relay.UnsupportedEvent{Envelope: hdr, Type: what}, nil
		}
		if m.URL == "" {
			return nil, fmt.Errorf("%w: media.url is required", ErrInvalidEnvelope)
		}
		url := m.URL
		return relay.MediaEvent{
			Envelope: hdr,
			Media:    kind,
			MimeType: m.MimeType,
			Filename: m.Filename,
			Size:     m.Size,
			Caption:  m.Caption,
			Fetch: func(ctx context.Context) ([]byte, error) {
				return f.Download(ctx, url)
			},
		}, nil

	case relay.KindLocation:
		if env.Location == nil {
			return nil, fmt.Errorf("%w: location is required", ErrInvalidEnvelope)
		}
		l := env.Location
		return relay.LocationEvent{Envelope: hdr, Location: relay.Location{
			Latitude:  l.Latitude,
			Longitude: l.Longitude,
			Name:      l.Name,
			Address:   l.Address,
		}}, nil

	case relay.KindContact:
		if len(env.Contacts) == 0 {
			return nil, fmt.Errorf("%w: contacts are required", ErrInvalidEnvelope)
		}
		contacts := make([]relay.Contact, len(env.Contacts))
		for i, c := range env.Contacts {
			contacts[i] = relay.Contact{FirstName: c.FirstName, LastName: c.LastName, Phone: c.Phone, VCard: c.VCard}
		}
		return relay.ContactEvent{Envelope: hdr, Contacts: contacts}, nil

	case relay.KindReaction:
		if env.Reaction == nil || env.Reaction.TargetID == "" {
			return nil, fmt.Errorf("%w: reaction.target_id is required", ErrInvalidEnvelope)
		}
		return relay.ReactionEvent{Envelope: hdr, TargetID: env.Reaction.TargetID, Emoji: env.Reaction.Emoji}, nil

	case relay.KindStatus:
		s := env.Status
		if s == nil || s.MessageID == "" {
			return nil, fmt.Errorf("%w: status.message_id is required", ErrInvalidEnvelope)
		}
		return relay.StatusEvent{
			Envelope:     hdr,
			MessageID:    s.MessageID,
			Failed:       s.Failed,
			Reengagement: s.Reengagement,
			ErrorTitle:   s.ErrorTitle,
			ErrorDetails: s.ErrorDetails,
		}, nil

	case relay.KindService:
		action := relay.ServiceAction(env.Action)
		if action != relay.ThreadClosed && action != relay.ThreadReopened {
			return nil, fmt.Errorf("%w: unknown service action %q", ErrInvalidEnvelope, env.Action)
		}
		return relay.ServiceEvent{Envelope: hdr, Action: action}, nil

	case relay.KindConversationOpened:
		return relay.ConversationOpenedEvent{Envelope: hdr}, nil

	case relay.KindUnsupported:
		return relay.UnsupportedEvent{Envelope: hdr, Type: env.Unsupported}, nil
	}

	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
}
