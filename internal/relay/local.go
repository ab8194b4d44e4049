// ABOUTME: Local-to-remote relay: operator replies, reactions, commands and thread lifecycle
// ABOUTME: Messages in a thread go to the thread's owner; slash commands go to the command handler

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

func (e *Engine) dispatchLocal(ctx context.Context, logger *slog.Logger, ev Event) error {
	switch ev := ev.(type) {
	case ServiceEvent:
		return e.handleService(ctx, logger, ev)
	case StatusEvent, ConversationOpenedEvent:
		logger.Warn("ignoring remote-only event from local platform")
		return nil
	case TextEvent:
		if cmd, ok := ParseCommand(ev); ok {
			return e.runCommand(ctx, logger, cmd)
		}
	}
	return e.newRun(logger, ev, DirectionLocalToRemote).exec(ctx, stateResolveIdentity)
}

// ParseCommand extracts an operator command from a thread message.
// "/ban@relaybot spam" yields Name "ban" and Args ["spam"].
func ParseCommand(ev TextEvent) (Command, bool) {
	body := strings.TrimSpace(ev.Body)
	if !strings.HasPrefix(body, "/") {
		return Command{}, false
	}
	fields := strings.Fields(body)
	name := strings.TrimPrefix(fields[0], "/")
	name, _, _ = strings.Cut(name, "@")
	if name == "" {
		return Command{}, false
	}
	return Command{
		ThreadID:  ev.Sender,
		MessageID: ev.ID,
		Name:      strings.ToLower(name),
		Args:      fields[1:],
		Raw:       body,
	}, true
}

func (e *Engine) runCommand(ctx context.Context, logger *slog.Logger, cmd Command) error {
	logger = logger.With("command", cmd.Name, "thread_id", cmd.ThreadID)
	if e.commands == nil {
		logger.Debug("no command handler configured")
		return nil
	}

	if err := e.commands.HandleCommand(ctx, cmd); err != nil {
		logger.Warn("command failed", "error", err)
		body := fmt.Sprintf("__Command failed: %v__", err)
		if _, err := e.notifyLocal(ctx, cmd.ThreadID, body, cmd.MessageID); err != nil {
			return fmt.Errorf("reporting command failure: %w", err)
		}
		return nil
	}
	logger.Info("command executed")
	return nil
}

// handleService bans the thread's owner when the thread is closed and
// unbans on reopen.
func (e *Engine) handleService(ctx context.Context, logger *slog.Logger, ev ServiceEvent) error {
	var banned bool
	switch ev.Action {
	case ThreadClosed:
		banned = true
	case ThreadReopened:
		banned = false
	default:
		logger.Debug("ignoring service action", "action", ev.Action)
		return nil
	}

	thread, err := e.identity.GetThreadByThreadID(ctx, ev.Sender)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug("service event outside a relay thread", "thread_id", ev.Sender)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving thread: %w", err)
	}

	remoteID := thread.Owner.RemoteID
	if err := e.identity.UpdateUser(ctx, remoteID, store.UserPatch{Banned: &banned}); err != nil {
		return fmt.Errorf("updating ban state: %w", err)
	}
	logger.Info("ban state changed", "remote_id", remoteID, "banned", banned, "action", ev.Action)
	return nil
}

func (r *run) resolveLocalThread(ctx context.Context) state {
	r.threadID = r.hdr.Sender

	if r.hdr.ID != "" {
		_, err := r.e.identity.GetMessage(ctx, store.MessageLookup{LocalMsgID: r.hdr.ID})
		if err == nil {
			r.logger.Info("message already relayed, skipping")
			r.e.metrics.Duplicate("local")
			return stateDone
		}
		if !errors.Is(err, store.ErrNotFound) {
			return r.fail(fmt.Errorf("checking message record: %w", err))
		}
	}

	thread, err := r.e.identity.GetThreadByThreadID(ctx, r.threadID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Debug("message outside a relay thread", "thread_id", r.threadID)
		return stateDone
	}
	if err != nil {
		return r.fail(fmt.Errorf("resolving thread: %w", err))
	}

	r.user = thread.Owner
	r.remoteID = thread.Owner.RemoteID

	if r.user.Banned {
		r.logger.Info("not relaying to banned user", "remote_id", r.remoteID)
		if _, err := r.e.notifyLocal(ctx, r.threadID, "__This user is banned; the message was not sent.__", r.hdr.ID); err != nil {
			r.logger.Warn("failed to post ban notice", "error", err)
		}
		return stateDone
	}

	last, err := r.e.identity.GetLastMessage(ctx, r.remoteID)
	if err == nil && !last.SentFromLocal {
		r.lastRemote = last.RemoteMsgID
	}
	return stateIdentityReady
}

func (r *run) transcodeForRemote(ctx context.Context) state {
	r.resolveReply(ctx)
	r.record = true
	remote := r.e.remote

	r.placeholder = func(ctx context.Context, peer string) (string, error) {
		body := fmt.Sprintf("_A %s could not be delivered._", describe(r.ev))
		return remote.SendText(ctx, peer, Text{Body: body, ReplyTo: r.replyTo})
	}

	switch ev := r.ev.(type) {
	case TextEvent:
		body := markup.LocalToRemote(ev.Body)
		r.send = func(ctx context.Context, peer string) (string, error) {
			return remote.SendText(ctx, peer, Text{Body: body, ReplyTo: r.replyTo})
		}

	case MediaEvent:
		if !ValidMediaKind(ev.Media) {
			return r.unsupportedForRemote(ctx, string(ev.Media))
		}
		caption := markup.LocalToRemote(ev.Caption)
		if r.oversized(ev, remote.MaxUploadSize(ev.Media)) {
			return stateReportFailure
		}
		r.send = func(ctx context.Context, peer string) (string, error) {
			data, err := r.download(ctx, ev, remote.MaxUploadSize(ev.Media))
			if err != nil {
				return "", err
			}
			return remote.SendMedia(ctx, peer, Media{
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
			return remote.SendLocation(ctx, peer, loc)
		}

	case ContactEvent:
		r.send = r.contactSender(remote, ev.Contacts)

	case ReactionEvent:
		rec, err := r.e.identity.GetMessage(ctx, store.MessageLookup{LocalMsgID: ev.TargetID})
		if err != nil {
			r.logger.Info("reaction to unknown message, skipping", "target_id", ev.TargetID, "error", err)
			return stateDone
		}
		r.record = false
		r.placeholder = nil
		target := rec.RemoteMsgID
		r.send = func(ctx context.Context, peer string) (string, error) {
			return "", remote.SetReaction(ctx, peer, target, ev.Emoji)
		}

	case UnsupportedEvent:
		return r.unsupportedForRemote(ctx, ev.Type)

	default:
		return r.unsupportedForRemote(ctx, string(r.ev.Kind()))
	}

	return stateDispatchSend
}

// unsupportedForRemote tells the operator the content cannot be relayed.
func (r *run) unsupportedForRemote(ctx context.Context, what string) state {
	r.logger.Warn("unsupported local message", "type", what)
	body := fmt.Sprintf("__This message type can't be sent to the remote user (%s).__", what)
	if _, err := r.e.notifyLocal(ctx, r.threadID, body, r.hdr.ID); err != nil {
		r.logger.Warn("failed to post unsupported notice", "error", err)
	}
	return stateDone
}
