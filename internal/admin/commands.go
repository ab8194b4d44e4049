// ABOUTME: Operator command handlers executed from local threads
// ABOUTME: Covers user info, bans, location requests, feature flags and templates

package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/relaygram/internal/relay"
	"github.com/2389/relaygram/internal/settings"
	"github.com/2389/relaygram/internal/store"
)

var (
	// ErrUnknownCommand is returned for a command name that doesn't exist.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrNotRelayThread is returned when a user command runs outside a user thread.
	ErrNotRelayThread = errors.New("this thread is not linked to a user")
	// ErrUsage is returned when arguments don't match the command.
	ErrUsage = errors.New("usage")
)

const defaultLocationPrompt = "Please share your location."

// IdentityStore defines the identity operations the commands need.
type IdentityStore interface {
	GetThreadByThreadID(ctx context.Context, threadID string) (*store.Thread, error)
	UpdateUser(ctx context.Context, remoteID string, patch store.UserPatch) error
	GetLastMessage(ctx context.Context, remoteID string) (*store.MessageRecord, error)
	SetPendingMessage(ctx context.Context, eventType, text string) error
	GetPendingMessage(ctx context.Context, eventType string) (*store.PendingMessage, error)
}

// Commands handles operator commands. It implements relay.CommandHandler.
type Commands struct {
	identity IdentityStore
	gate     *settings.Gate
	local    relay.LocalPlatform
	remote   relay.RemotePlatform
	logger   *slog.Logger
}

// New creates the command handler.
func New(identity IdentityStore, gate *settings.Gate, local relay.LocalPlatform, remote relay.RemotePlatform, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{
		identity: identity,
		gate:     gate,
		local:    local,
		remote:   remote,
		logger:   logger.With("component", "admin"),
	}
}

// HandleCommand runs one command and replies in its thread.
func (c *Commands) HandleCommand(ctx context.Context, cmd relay.Command) error {
	var reply string
	var err error

	switch cmd.Name {
	case "info":
		reply, err = c.info(ctx, cmd)
	case "ban":
		reply, err = c.setBanned(ctx, cmd, true)
	case "unban":
		reply, err = c.setBanned(ctx, cmd, false)
	case "request_location":
		reply, err = c.requestLocation(ctx, cmd)
	case "settings":
		reply, err = c.settings(ctx, cmd)
	case "template":
		reply, err = c.template(ctx, cmd)
	case "help":
		reply = helpText
	default:
		return fmt.Errorf("%w: /%s", ErrUnknownCommand, cmd.Name)
	}
	if err != nil {
		return err
	}

	_, err = c.local.SendText(ctx, cmd.ThreadID, relay.Text{Body: reply, ReplyTo: cmd.MessageID})
	if err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}

const helpText = `**Commands**
/info - show this user
/ban, /unban - stop or resume relaying
/request_location [prompt] - ask for a location
/settings [flag [on|off]] - show or change settings
/template <welcome|chat_opened> [text] - show or set a template`

// owner resolves the user bound to the command's thread.
func (c *Commands) owner(ctx context.Context, cmd relay.Command) (*store.RemoteUser, error) {
	thread, err := c.identity.GetThreadByThreadID(ctx, cmd.ThreadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotRelayThread
	}
	if err != nil {
		return nil, fmt.Errorf("resolving thread: %w", err)
	}
	return thread.Owner, nil
}

func (c *Commands) info(ctx context.Context, cmd relay.Command) (string, error) {
	user, err := c.owner(ctx, cmd)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s**\n", user.Name)
	fmt.Fprintf(&sb, "Phone: +%s\n", strings.TrimPrefix(user.RemoteID, "+"))
	fmt.Fprintf(&sb, "Active: %s\n", yesNo(user.Active))
	fmt.Fprintf(&sb, "Banned: %s\n", yesNo(user.Banned))
	fmt.Fprintf(&sb, "Since: %s", user.CreatedAt.Format(time.DateOnly))

	last, err := c.identity.GetLastMessage(ctx, user.RemoteID)
	switch {
	case err == nil:
		fmt.Fprintf(&sb, "\nLast message: %s", last.CreatedAt.Format(time.DateTime))
	case !errors.Is(err, store.ErrNotFound):
		c.logger.Warn("failed to load last message", "remote_id", user.RemoteID, "error", err)
	}
	return sb.String(), nil
}

func (c *Commands) setBanned(ctx context.Context, cmd relay.Command, banned bool) (string, error) {
	user, err := c.owner(ctx, cmd)
	if err != nil {
		return "", err
	}
	if err := c.identity.UpdateUser(ctx, user.RemoteID, store.UserPatch{Banned: &banned}); err != nil {
		return "", fmt.Errorf("updating user: %w", err)
	}

	c.logger.Info("ban state changed by operator", "remote_id", user.RemoteID, "banned", banned)
	if banned {
		return fmt.Sprintf("__%s is banned.__", user.Name), nil
	}
	return fmt.Sprintf("__%s is unbanned.__", user.Name), nil
}

func (c *Commands) requestLocation(ctx context.Context, cmd relay.Command) (string, error) {
	user, err := c.owner(ctx, cmd)
	if err != nil {
		return "", err
	}

	prompt := strings.Join(cmd.Args, " ")
	if prompt == "" {
		prompt = defaultLocationPrompt
	}
	if _, err := c.remote.RequestLocation(ctx, user.RemoteID, prompt); err != nil {
		return "", fmt.Errorf("requesting location: %w", err)
	}
	return "__Location requested.__", nil
}

func (c *Commands) settings(ctx context.Context, cmd relay.Command) (string, error) {
	switch len(cmd.Args) {
	case 0:
		flags, err := c.gate.Flags(ctx)
		if err != nil {
			return "", err
		}
		return settings.Describe(flags), nil

	case 1:
		value, err := c.gate.Toggle(ctx, cmd.Args[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %s", cmd.Args[0], onOff(value)), nil

	case 2:
		var value bool
		switch strings.ToLower(cmd.Args[1]) {
		case "on", "true", "yes", "1":
			value = true
		case "off", "false", "no", "0":
			value = false
		default:
			return "", fmt.Errorf("%w: /settings <flag> [on|off]", ErrUsage)
		}
		if err := c.gate.Set(ctx, cmd.Args[0], value); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %s", cmd.Args[0], onOff(value)), nil

	default:
		return "", fmt.Errorf("%w: /settings <flag> [on|off]", ErrUsage)
	}
}

func (c *Commands) template(ctx context.Context, cmd relay.Command) (string, error) {
	if len(cmd.Args) == 0 {
		return "", fmt.Errorf("%w: /template <welcome|chat_opened> [text]", ErrUsage)
	}

	eventType := strings.ToLower(cmd.Args[0])
	if eventType != store.EventWelcome && eventType != store.EventChatOpened {
		return "", fmt.Errorf("%w: unknown template %q", ErrUsage, cmd.Args[0])
	}

	text := templateText(cmd.Raw)
	if text == "" {
		pm, err := c.identity.GetPendingMessage(ctx, eventType)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("__No %s template set.__", eventType), nil
		}
		if err != nil {
			return "", fmt.Errorf("loading template: %w", err)
		}
		return pm.Text, nil
	}

	if err := c.identity.SetPendingMessage(ctx, eventType, text); err != nil {
		return "", fmt.Errorf("saving template: %w", err)
	}
	c.logger.Info("template updated", "event_type", eventType)
	return fmt.Sprintf("__%s template saved.__", eventType), nil
}

// templateText returns everything after "/template <event>", keeping the
// operator's line breaks.
func templateText(raw string) string {
	rest := strings.TrimSpace(raw)
	for i := 0; i < 2; i++ {
		idx := strings.IndexFunc(rest, isSpace)
		if idx < 0 {
			return ""
		}
		rest = strings.TrimLeftFunc(rest[idx:], isSpace)
	}
	return strings.TrimSpace(rest)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

var _ relay.CommandHandler = (*Commands)(nil)
