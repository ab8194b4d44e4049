// ABOUTME: Relay engine wiring: collaborators, options and per-platform entry points
// ABOUTME: Admits each update through its platform's guard and recovers handler panics

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/relaygram/internal/dedupe"
	"github.com/2389/relaygram/internal/store"
)

// Directions, as used in logs and metrics.
const (
	DirectionRemoteToLocal = "remote_to_local"
	DirectionLocalToRemote = "local_to_remote"
)

// Identity is the cached identity store the engine reads and writes.
type Identity interface {
	CreateUserAndThread(ctx context.Context, remoteID, name, threadID string) (*store.RemoteUser, error)
	GetUserByRemoteID(ctx context.Context, remoteID string) (*store.RemoteUser, error)
	GetThreadByThreadID(ctx context.Context, threadID string) (*store.Thread, error)
	UpdateUser(ctx context.Context, remoteID string, patch store.UserPatch) error
	UpdateThread(ctx context.Context, threadID string, patch store.ThreadPatch) error
	CreateMessage(ctx context.Context, rec *store.MessageRecord) error
	GetMessage(ctx context.Context, lookup store.MessageLookup) (*store.MessageRecord, error)
	GetLastMessage(ctx context.Context, remoteID string) (*store.MessageRecord, error)
	GetPendingMessage(ctx context.Context, eventType string) (*store.PendingMessage, error)
}

// Flags exposes the feature flags the engine consults.
type Flags interface {
	Flags(ctx context.Context) (store.Settings, error)
}

// Command is an operator command posted in a thread.
type Command struct {
	ThreadID  string
	MessageID string
	Name      string // without the leading slash or @bot suffix
	Args      []string
	Raw       string
}

// CommandHandler executes operator commands.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd Command) error
}

// Recorder receives relay counters.
type Recorder interface {
	Relayed(direction string, kind EventKind)
	Failed(direction, reason string)
	RateLimitWait()
	ThreadRecovered()
	Duplicate(platform string)
}

type nopRecorder struct{}

func (nopRecorder) Relayed(string, EventKind) {}
func (nopRecorder) Failed(string, string)     {}
func (nopRecorder) RateLimitWait()            {}
func (nopRecorder) ThreadRecovered()          {}
func (nopRecorder) Duplicate(string)          {}

// DefaultAllowedReactions are the emoji the local platform accepts as
// reactions. Others are relayed as a text notice.
var DefaultAllowedReactions = []string{
	"👍", "👎", "❤", "🔥", "🥰", "👏", "😁", "🤔", "🤯",
	"😱", "🤬", "😢", "🎉", "🤩", "🤮", "💩", "🙏", "👌",
	"🕊", "🤡", "🥱", "🥴", "😍", "🐳", "❤‍🔥", "🌚", "🌭",
	"💯", "🤣", "⚡", "🍌", "🏆", "💔", "🤨", "😐", "🍓",
	"🍾", "💋", "🖕", "😈", "😴", "😭", "🤓", "👻", "👨‍💻",
	"👀", "🎃", "🙈", "😇", "😨", "🤝", "✍", "🤗", "🫡",
	"🎅", "🎄", "☃", "💅", "🤪", "🗿", "🆒", "💘", "🙉",
	"🦄", "😘", "💊", "🙊", "😎", "👾", "🤷‍♂", "🤷", "🤷‍♀", "😡",
}

// Options configures an Engine.
type Options struct {
	Identity Identity
	Flags    Flags
	Local    LocalPlatform
	Remote   RemotePlatform
	Commands CommandHandler // optional
	Recorder Recorder       // optional
	Sleeper  Sleeper        // optional, real timers by default

	// GreetingCommand is the remote text that starts a conversation.
	// Defaults to "/start".
	GreetingCommand string

	// AllowedReactions defaults to DefaultAllowedReactions.
	AllowedReactions []string

	// OutboundRate limits sends per destination, in messages per second.
	// Zero disables pacing.
	OutboundRate  float64
	OutboundBurst int

	Logger *slog.Logger
}

// Engine relays events between the two platforms.
type Engine struct {
	identity Identity
	flags    Flags
	local    LocalPlatform
	remote   RemotePlatform
	commands CommandHandler
	metrics  Recorder
	sleeper  Sleeper
	pacer    *pacer

	remoteGuard *dedupe.Guard
	localGuard  *dedupe.Guard

	greeting  string
	reactions map[string]struct{}

	logger *slog.Logger
}

// New creates an engine. Identity, Flags, Local and Remote are required.
func New(opts Options) (*Engine, error) {
	if opts.Identity == nil || opts.Flags == nil {
		return nil, errors.New("relay: identity and flags are required")
	}
	if opts.Local == nil || opts.Remote == nil {
		return nil, errors.New("relay: both platforms are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	sleeper := opts.Sleeper
	if sleeper == nil {
		sleeper = timerSleeper{}
	}
	greeting := opts.GreetingCommand
	if greeting == "" {
		greeting = "/start"
	}
	allowed := opts.AllowedReactions
	if len(allowed) == 0 {
		allowed = DefaultAllowedReactions
	}
	reactions := make(map[string]struct{}, len(allowed))
	for _, emoji := range allowed {
		reactions[emoji] = struct{}{}
	}

	return &Engine{
		identity:    opts.Identity,
		flags:       opts.Flags,
		local:       opts.Local,
		remote:      opts.Remote,
		commands:    opts.Commands,
		metrics:     recorder,
		sleeper:     sleeper,
		pacer:       newPacer(opts.OutboundRate, opts.OutboundBurst),
		remoteGuard: dedupe.New("remote"),
		localGuard:  dedupe.New("local"),
		greeting:    greeting,
		reactions:   reactions,
		logger:      logger.With("component", "relay"),
	}, nil
}

// Guards returns the remote and local in-flight guards.
func (e *Engine) Guards() (remote, local *dedupe.Guard) {
	return e.remoteGuard, e.localGuard
}

// HandleRemote processes one update from the remote platform. Overlapping
// deliveries of the same update id are dropped. Returns an error only for
// failures that were not already reported to a platform.
func (e *Engine) HandleRemote(ctx context.Context, ev Event) error {
	return e.handle(ctx, e.remoteGuard, ev, e.dispatchRemote)
}

// HandleLocal processes one update from the local platform.
func (e *Engine) HandleLocal(ctx context.Context, ev Event) error {
	return e.handle(ctx, e.localGuard, ev, e.dispatchLocal)
}

func (e *Engine) handle(ctx context.Context, guard *dedupe.Guard, ev Event, fn func(context.Context, *slog.Logger, Event) error) (err error) {
	hdr := ev.Header()
	logger := e.logger.With(
		"relay_id", uuid.NewString(),
		"platform", guard.Name(),
		"update_id", hdr.ID,
		"kind", ev.Kind(),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("relay handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	ran, err := guard.Do(hdr.ID, func() error {
		return fn(ctx, logger, ev)
	})
	if !ran {
		logger.Warn("update already in process, dropping")
		e.metrics.Duplicate(guard.Name())
		return nil
	}
	var reported *reportedError
	if err != nil && !errors.As(err, &reported) {
		logger.Error("relay failed", "error", err)
	}
	return err
}

// threadName builds the local thread title for a remote user.
func threadName(name, remoteID string) string {
	title := fmt.Sprintf("%s (%s)", strings.TrimSpace(name), remoteID)
	if name == "" {
		title = remoteID
	}
	// Forum thread titles are capped at 128 characters.
	if r := []rune(title); len(r) > 128 {
		title = string(r[:128])
	}
	return title
}

// announcement is posted and pinned as the first message of a new thread.
func announcement(name, remoteID string) string {
	return fmt.Sprintf("**%s**\nPhone: +%s", name, strings.TrimPrefix(remoteID, "+"))
}

// deliver runs an auxiliary send, waiting out rate limits. It is used for
// notices, templates and announcements, which are not recorded.
func (e *Engine) deliver(ctx context.Context, peer string, send func(context.Context) (string, error)) (string, error) {
	for {
		if err := e.pacer.wait(ctx, peer); err != nil {
			return "", err
		}
		id, err := send(ctx)
		if err == nil {
			return id, nil
		}
		se := Classify(err)
		if se.Kind != RateLimited {
			return "", err
		}
		e.metrics.RateLimitWait()
		if err := e.sleeper.Sleep(ctx, se.Wait); err != nil {
			return "", err
		}
	}
}

func (e *Engine) notifyLocal(ctx context.Context, threadID, body, replyTo string) (string, error) {
	return e.deliver(ctx, threadID, func(ctx context.Context) (string, error) {
		return e.local.SendText(ctx, threadID, Text{Body: body, ReplyTo: replyTo})
	})
}

func (e *Engine) notifyRemote(ctx context.Context, remoteID, body, replyTo string) (string, error) {
	return e.deliver(ctx, remoteID, func(ctx context.Context) (string, error) {
		return e.remote.SendText(ctx, remoteID, Text{Body: body, ReplyTo: replyTo})
	})
}

// openThread creates a local thread for the user and posts the pinned
// announcement. Announcement failures are logged only.
func (e *Engine) openThread(ctx context.Context, logger *slog.Logger, name, remoteID string) (string, error) {
	var threadID string
	_, err := e.deliver(ctx, "", func(ctx context.Context) (string, error) {
		id, err := e.local.CreateThread(ctx, threadName(name, remoteID))
		threadID = id
		return id, err
	})
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}

	msgID, err := e.notifyLocal(ctx, threadID, announcement(name, remoteID), "")
	if err != nil {
		logger.Warn("failed to post thread announcement", "thread_id", threadID, "error", err)
		return threadID, nil
	}
	if err := e.local.PinMessage(ctx, threadID, msgID); err != nil {
		logger.Warn("failed to pin thread announcement", "thread_id", threadID, "error", err)
	}
	return threadID, nil
}
