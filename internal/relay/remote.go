// ABOUTME: Remote-to-local relay: identity creation, templates and content mapping
// ABOUTME: Also handles delivery status reports coming back from the remote platform

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/relaygram/internal/markup"
	"github.com/2389/relaygram/internal/store"
)

func (e *Engine) dispatchRemote(ctx context.Context, logger *slog.Logger, ev Event) error {
	switch ev := ev.(type) {
	case StatusEvent:
		return e.handleStatus(ctx, logger, ev)
	case ServiceEvent:
		logger.Warn("ignoring service event from remote platform")
		return nil
	default:
		return e.newRun(logger, ev, DirectionRemoteToLocal).exec(ctx, stateResolveIdentity)
	}
}

func (r *run) resolveRemoteSender(ctx context.Context) state {
	r.remoteID = r.hdr.Sender
	if r.remoteID == "" {
		return r.fail(errors.New("remote event without sender"))
	}

	if r.hdr.ID != "" {
		_, err := r.e.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: r.hdr.ID})
		if err == nil {
			r.logger.Info("message already relayed, skipping")
			r.e.metrics.Duplicate("remote")
			return stateDone
		}
		if !errors.Is(err, store.ErrNotFound) {
			return r.fail(fmt.Errorf("checking message record: %w", err))
		}
	}

	user, err := r.e.identity.GetUserByRemoteID(ctx, r.remoteID)
	if errors.Is(err, store.ErrNotFound) {
		return stateCreateIdentity
	}
	if err != nil {
		return r.fail(fmt.Errorf("resolving user: %w", err))
	}

	r.user = user
	if user.Banned {
		r.logger.Info("ignoring event from banned user", "remote_id", r.remoteID)
		return stateDone
	}
	if !user.Active {
		if err := r.e.identity.UpdateUser(ctx, r.remoteID, store.UserPatch{Active: store.Ptr(true)}); err != nil {
			r.logger.Warn("failed to reactivate user", "remote_id", r.remoteID, "error", err)
		} else {
			r.logger.Info("user reactivated", "remote_id", r.remoteID)
		}
		r.user.Active = true
	}
	return stateIdentityReady
}

func (r *run) createIdentity(ctx context.Context) state {
	flags, err := r.e.flags.Flags(ctx)
	if err != nil {
		return r.fail(fmt.Errorf("reading settings: %w", err))
	}

	_, opened := r.ev.(ConversationOpenedEvent)
	if opened && !flags.AutoCreateOnOpen {
		r.logger.Debug("conversation opened by unknown user, auto-create disabled")
		return stateDone
	}

	if flags.SendWelcome && !r.isGreeting() {
		eventType := store.EventWelcome
		if opened {
			eventType = store.EventChatOpened
		}
		r.sendTemplate(ctx, eventType, "")
	}

	name := strings.TrimSpace(r.hdr.SenderName)
	if name == "" {
		name = r.remoteID
	}

	threadID, err := r.e.openThread(ctx, r.logger, name, r.remoteID)
	if err != nil {
		return r.fail(err)
	}

	user, err := r.e.identity.CreateUserAndThread(ctx, r.remoteID, name, threadID)
	if errors.Is(err, store.ErrDuplicate) {
		// Another update from the same user created the identity first.
		r.logger.Warn("identity created concurrently, using existing", "orphan_thread_id", threadID)
		user, err = r.e.identity.GetUserByRemoteID(ctx, r.remoteID)
	}
	if err != nil {
		return r.fail(fmt.Errorf("creating identity: %w", err))
	}

	r.user = user
	r.logger.Info("new conversation", "remote_id", r.remoteID, "thread_id", user.Thread.ThreadID)
	return stateIdentityReady
}

func (r *run) identityReady(ctx context.Context) state {
	if !r.toLocal() {
		return stateTranscode
	}

	r.threadID = r.user.Thread.ThreadID

	if r.isGreeting() {
		r.replyGreeting(ctx)
	}
	if _, opened := r.ev.(ConversationOpenedEvent); opened {
		return stateDone
	}
	return stateTranscode
}

// isGreeting reports whether the event is the remote greeting command.
func (r *run) isGreeting() bool {
	ev, ok := r.ev.(TextEvent)
	if !ok || !r.toLocal() {
		return false
	}
	fields := strings.Fields(ev.Body)
	return len(fields) > 0 && strings.EqualFold(fields[0], r.e.greeting)
}

// sendTemplate sends a stored template to the remote user, if one exists.
func (r *run) sendTemplate(ctx context.Context, eventType, replyTo string) bool {
	pm, err := r.e.identity.GetPendingMessage(ctx, eventType)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		r.logger.Warn("failed to load template", "event_type", eventType, "error", err)
		return false
	}

	if _, err := r.e.notifyRemote(ctx, r.remoteID, markup.LocalToRemote(pm.Text), replyTo); err != nil {
		r.logger.Warn("failed to send template", "event_type", eventType, "error", err)
		return false
	}
	r.logger.Debug("template sent", "event_type", eventType)
	return true
}

// replyGreeting answers the greeting command with the welcome template
// and marks it read.
func (r *run) replyGreeting(ctx context.Context) {
	if !r.sendTemplate(ctx, store.EventWelcome, r.hdr.ID) {
		return
	}
	if err := r.e.remote.MarkAsRead(ctx, r.hdr.ID); err != nil {
		r.logger.Debug("mark as read failed", "message_id", r.hdr.ID, "error", err)
	}
}

// annotate appends the forwarded note to relayed text.
func annotate(text string, hdr Envelope) string {
	if !hdr.Forwarded && !hdr.ForwardedMany {
		return text
	}
	note := "__This message was forwarded__"
	if hdr.ForwardedMany {
		note = "__This message was forwarded many times__"
	}
	if text == "" {
		return note
	}
	return text + "\n\n" + note
}

// resolveReply maps a reply target to its counterpart on the destination.
// A missing record just drops the reply link.
func (r *run) resolveReply(ctx context.Context) {
	if r.hdr.ReplyTo == "" {
		return
	}

	lookup := store.MessageLookup{RemoteMsgID: r.hdr.ReplyTo}
	if !r.toLocal() {
		lookup = store.MessageLookup{LocalMsgID: r.hdr.ReplyTo}
	}

	rec, err := r.e.identity.GetMessage(ctx, lookup)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("reply lookup failed", "reply_to", r.hdr.ReplyTo, "error", err)
		}
		return
	}
	if r.toLocal() {
		r.replyTo = rec.LocalMsgID
	} else {
		r.replyTo = rec.RemoteMsgID
	}
}

func (r *run) transcodeForLocal(ctx context.Context) state {
	r.resolveReply(ctx)
	r.record = true
	local := r.e.local

	r.placeholder = func(ctx context.Context, peer string) (string, error) {
		body := fmt.Sprintf("__The user sent a %s but it could not be delivered: %v__", describe(r.ev), r.transient)
		return local.SendText(ctx, peer, Text{Body: body, ReplyTo: r.replyTo})
	}

	switch ev := r.ev.(type) {
	case TextEvent:
		body := annotate(markup.RemoteToLocal(ev.Body), r.hdr)
		r.send = func(ctx context.Context, peer string) (string, error) {
			return local.SendText(ctx, peer, Text{Body: body, ReplyTo: r.replyTo})
		}

	case MediaEvent:
		if !ValidMediaKind(ev.Media) {
			return r.unsupportedForLocal(string(ev.Media))
		}
		caption := annotate(markup.RemoteToLocal(ev.Caption), r.hdr)
		if r.oversized(ev, local.MaxUploadSize(ev.Media)) {
			return stateReportFailure
		}
		r.send = func(ctx context.Context, peer string) (string, error) {
			data, err := r.download(ctx, ev, local.MaxUploadSize(ev.Media))
			if err != nil {
				return "", err
			}
			return local.SendMedia(ctx, peer, Media{
				Kind:     ev.Media,
				Data:     data,
				MimeType: ev.MimeType,
				Filename: ev.Filename,
				Caption:  caption,
				ReplyTo:  r.replyTo,
			})
		}

	case LocationEvent:
		r.send = func(ctx context.Context, peer string) (string, error) {
			loc := ev.Location
			loc.ReplyTo = r.replyTo
			return local.SendLocation(ctx, peer, loc)
		}

	case ContactEvent:
		r.send = r.contactSender(local, ev.Contacts)

	case ReactionEvent:
		return r.reactionForLocal(ctx, ev)

	case UnsupportedEvent:
		return r.unsupportedForLocal(ev.Type)

	default:
		return r.unsupportedForLocal(string(r.ev.Kind()))
	}

	return stateDispatchSend
}

// unsupportedForLocal posts a notice in the thread instead of the content.
func (r *run) unsupportedForLocal(what string) state {
	r.logger.Warn("unsupported remote message", "type", what)
	body := "__The user sent an unsupported message__"
	if what != "" {
		body = fmt.Sprintf("__The user sent an unsupported message (%s)__", what)
	}
	local := r.e.local
	r.placeholder = nil
	r.send = func(ctx context.Context, peer string) (string, error) {
		return local.SendText(ctx, peer, Text{Body: body, ReplyTo: r.replyTo})
	}
	return stateDispatchSend
}

func (r *run) reactionForLocal(ctx context.Context, ev ReactionEvent) state {
	rec, err := r.e.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: ev.TargetID})
	if err != nil {
		r.logger.Info("reaction to unknown message, skipping", "target_id", ev.TargetID, "error", err)
		return stateDone
	}

	r.record = false
	r.placeholder = nil
	local := r.e.local
	target := rec.LocalMsgID

	if _, ok := r.e.reactions[ev.Emoji]; ok || ev.Emoji == "" {
		r.send = func(ctx context.Context, peer string) (string, error) {
			return "", local.SetReaction(ctx, peer, target, ev.Emoji)
		}
		return stateDispatchSend
	}

	body := fmt.Sprintf("__The user reacted with %s__", ev.Emoji)
	r.send = func(ctx context.Context, peer string) (string, error) {
		return local.SendText(ctx, peer, Text{Body: body, ReplyTo: target})
	}
	return stateDispatchSend
}

// oversized rejects media whose declared size exceeds the destination's
// ceiling.
func (r *run) oversized(ev MediaEvent, limit int64) bool {
	if limit > 0 && ev.Size > limit {
		r.failure = NewSendError(Rejected, fmt.Errorf("%s of %d bytes exceeds the %d byte limit", ev.Media, ev.Size, limit))
		return true
	}
	return false
}

// download fetches media content, enforcing the destination ceiling on the
// actual payload.
func (r *run) download(ctx context.Context, ev MediaEvent, limit int64) ([]byte, error) {
	if ev.Fetch == nil {
		return nil, NewSendError(Permanent, errors.New("media has no content source"))
	}
	data, err := ev.Fetch(ctx)
	if err != nil {
		se := Classify(err)
		if se.Kind == Permanent {
			return nil, fmt.Errorf("downloading %s: %w", ev.Media, err)
		}
		return nil, se
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, NewSendError(Rejected, fmt.Errorf("%s of %d bytes exceeds the %d byte limit", ev.Media, len(data), limit))
	}
	return data, nil
}

// contactSender sends each card in turn. A resend after a rate limit
// continues from the card that failed; the last card's id is recorded.
func (r *run) contactSender(dst Sender, contacts []Contact) sendFunc {
	next := 0
	var lastID string
	return func(ctx context.Context, peer string) (string, error) {
		for next < len(contacts) {
			c := contacts[next]
			c.ReplyTo = r.replyTo
			id, err := dst.SendContact(ctx, peer, c)
			if err != nil {
				return "", err
			}
			lastID = id
			next++
		}
		return lastID, nil
	}
}

// handleStatus reports a failed remote delivery next to the operator's
// message and deactivates the user when the conversation window closed.
func (e *Engine) handleStatus(ctx context.Context, logger *slog.Logger, ev StatusEvent) error {
	if !ev.Failed {
		logger.Debug("delivery status", "message_id", ev.MessageID)
		return nil
	}

	logger = logger.With("remote_id", ev.Sender, "message_id", ev.MessageID)
	e.metrics.Failed(DirectionLocalToRemote, "delivery_status")

	rec, err := e.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: ev.MessageID})
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("failure status for unknown message")
	case err != nil:
		return fmt.Errorf("resolving failed message: %w", err)
	default:
		body := fmt.Sprintf("__Failed to send to the remote user.__\n> **%s**\n> %s", ev.ErrorTitle, ev.ErrorDetails)
		if _, err := e.notifyLocal(ctx, rec.ThreadID, body, rec.LocalMsgID); err != nil {
			logger.Warn("failed to post delivery failure", "thread_id", rec.ThreadID, "error", err)
		}
	}

	if ev.Reengagement {
		if err := e.identity.UpdateUser(ctx, ev.Sender, store.UserPatch{Active: store.Ptr(false)}); err != nil {
			logger.Warn("failed to deactivate user", "error", err)
		} else {
			logger.Info("conversation window closed, user marked inactive")
		}
		return nil
	}

	logger.Error("remote delivery failed", "title", ev.ErrorTitle, "details", ev.ErrorDetails)
	return nil
}
