// ABOUTME: Feature flag gate over the cached settings row
// ABOUTME: Provides typed accessors, partial updates and toggling by flag name

package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/2389/relaygram/internal/store"
)

// Flag names as used by operators.
const (
	FlagAutoCreateOnOpen = "auto_create_on_open"
	FlagSendWelcome      = "send_welcome"
	FlagMarkAsRead       = "mark_as_read"
)

// ErrUnknownFlag is returned for a flag name that doesn't exist.
var ErrUnknownFlag = errors.New("unknown settings flag")

// Store is the subset of the identity store the gate needs.
type Store interface {
	GetSettings(ctx context.Context) (*store.Settings, error)
	UpdateSettings(ctx context.Context, patch store.SettingsPatch) error
}

// Patch is a partial flag update. Nil fields are unchanged.
type Patch = store.SettingsPatch

// Gate reads and writes feature flags.
type Gate struct {
	store  Store
	logger *slog.Logger
}

// New creates a settings gate.
func New(st Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  st,
		logger: logger.With("component", "settings"),
	}
}

// Flags returns every flag.
func (g *Gate) Flags(ctx context.Context) (store.Settings, error) {
	st, err := g.store.GetSettings(ctx)
	if err != nil {
		return store.Settings{}, fmt.Errorf("reading settings: %w", err)
	}
	return *st, nil
}

// AutoCreateOnOpen reports whether a conversation-opened event may create a
// thread for an unknown user.
func (g *Gate) AutoCreateOnOpen(ctx context.Context) (bool, error) {
	st, err := g.Flags(ctx)
	return st.AutoCreateOnOpen, err
}

// SendWelcome reports whether templates are sent to new users.
func (g *Gate) SendWelcome(ctx context.Context) (bool, error) {
	st, err := g.Flags(ctx)
	return st.SendWelcome, err
}

// MarkAsRead reports whether remote messages are marked read after a reply.
func (g *Gate) MarkAsRead(ctx context.Context) (bool, error) {
	st, err := g.Flags(ctx)
	return st.MarkAsRead, err
}

// Update applies a partial update.
func (g *Gate) Update(ctx context.Context, patch Patch) error {
	if err := g.store.UpdateSettings(ctx, patch); err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}
	g.logger.Info("settings updated")
	return nil
}

// Set sets one flag by name.
func (g *Gate) Set(ctx context.Context, name string, value bool) error {
	patch, err := patchFor(name, value)
	if err != nil {
		return err
	}
	if err := g.Update(ctx, patch); err != nil {
		return err
	}
	g.logger.Info("flag set", "flag", name, "value", value)
	return nil
}

// Toggle flips one flag by name and returns its new value.
func (g *Gate) Toggle(ctx context.Context, name string) (bool, error) {
	st, err := g.Flags(ctx)
	if err != nil {
		return false, err
	}

	current, ok := Values(st)[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownFlag, name)
	}

	if err := g.Set(ctx, name, !current); err != nil {
		return false, err
	}
	return !current, nil
}

// Values returns the flags keyed by name.
func Values(st store.Settings) map[string]bool {
	return map[string]bool{
		FlagAutoCreateOnOpen: st.AutoCreateOnOpen,
		FlagSendWelcome:      st.SendWelcome,
		FlagMarkAsRead:       st.MarkAsRead,
	}
}

// Describe renders the flags one per line, sorted by name.
func Describe(st store.Settings) string {
	values := Values(st)
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		state := "off"
		if values[name] {
			state = "on"
		}
		fmt.Fprintf(&sb, "%s: %s\n", name, state)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func patchFor(name string, value bool) (Patch, error) {
	switch name {
	case FlagAutoCreateOnOpen:
		return Patch{AutoCreateOnOpen: &value}, nil
	case FlagSendWelcome:
		return Patch{SendWelcome: &value}, nil
	case FlagMarkAsRead:
		return Patch{MarkAsRead: &value}, nil
	default:
		return Patch{}, fmt.Errorf("%w: %q", ErrUnknownFlag, name)
	}
}
