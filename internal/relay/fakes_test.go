// ABOUTME: Test doubles for relay platforms, sleeper and command handler
// ABOUTME: Records every outbound call and replays scripted failures

package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/relaygram/internal/identity"
	"github.com/2389/relaygram/internal/settings"
	"github.com/2389/relaygram/internal/store"
)

type call struct {
	Method  string
	Peer    string
	Body    string
	ReplyTo string
	Target  string
	Emoji   string
	ID      string
}

type fakePlatform struct {
	mu      sync.Mutex
	prefix  string
	nextID  int
	calls   []call
	errs    []error // consumed by successive sends; nil entries succeed
	gone    map[string]bool
	goneAll bool // every thread, including new ones, is gone
	maxSize int64
	block   chan struct{} // when set, sends wait on it
	panicOn string        // method name that panics

	threads []string
	pinned  []string
	read    []string
}

func newFakePlatform(prefix string) *fakePlatform {
	return &fakePlatform{prefix: prefix, gone: make(map[string]bool)}
}

func (f *fakePlatform) send(method, peer string, c call) (string, error) {
	if f.block != nil {
		<-f.block
	}
	if f.panicOn == method {
		panic("fake " + method + " exploded")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c.Method = method
	c.Peer = peer

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			f.calls = append(f.calls, c)
			return "", err
		}
	}
	if f.goneAll || f.gone[peer] {
		f.calls = append(f.calls, c)
		return "", NewSendError(TargetGone, fmt.Errorf("thread %s deleted", peer))
	}

	f.nextID++
	c.ID = fmt.Sprintf("%s%d", f.prefix, f.nextID)
	f.calls = append(f.calls, c)
	return c.ID, nil
}

func (f *fakePlatform) SendText(_ context.Context, peer string, msg Text) (string, error) {
	return f.send("text", peer, call{Body: msg.Body, ReplyTo: msg.ReplyTo})
}

func (f *fakePlatform) SendMedia(_ context.Context, peer string, msg Media) (string, error) {
	return f.send("media", peer, call{Body: msg.Caption, ReplyTo: msg.ReplyTo, Target: string(msg.Kind)})
}

func (f *fakePlatform) SendLocation(_ context.Context, peer string, msg Location) (string, error) {
	return f.send("location", peer, call{Body: fmt.Sprintf("%f,%f", msg.Latitude, msg.Longitude), ReplyTo: msg.ReplyTo})
}

func (f *fakePlatform) SendContact(_ context.Context, peer string, msg Contact) (string, error) {
	return f.send("contact", peer, call{Body: msg.Phone, ReplyTo: msg.ReplyTo})
}

func (f *fakePlatform) SetReaction(_ context.Context, peer, messageID, emoji string) error {
	_, err := f.send("reaction", peer, call{Target: messageID, Emoji: emoji})
	return err
}

func (f *fakePlatform) MaxUploadSize(MediaKind) int64 {
	return f.maxSize
}

func (f *fakePlatform) CreateThread(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("T%d", f.nextID)
	f.threads = append(f.threads, name)
	return id, nil
}

func (f *fakePlatform) PinMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned = append(f.pinned, messageID)
	return nil
}

func (f *fakePlatform) MarkAsRead(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, messageID)
	return nil
}

func (f *fakePlatform) RequestLocation(_ context.Context, to, prompt string) (string, error) {
	return f.send("request_location", to, call{Body: prompt})
}

// successful returns the calls of one method that produced a message.
func (f *fakePlatform) successful(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Method == method && (c.ID != "" || method == "reaction") {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakePlatform) allCalls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

type cancelledSleeper struct{}

func (cancelledSleeper) Sleep(context.Context, time.Duration) error {
	return context.Canceled
}

type fakeCommands struct {
	mu   sync.Mutex
	got  []Command
	fail error
}

func (f *fakeCommands) HandleCommand(_ context.Context, cmd Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, cmd)
	return f.fail
}

type countingRecorder struct {
	mu         sync.Mutex
	relayed    int
	failed     map[string]int
	waits      int
	recoveries int
	duplicates int
}

func (c *countingRecorder) Relayed(string, EventKind) { c.mu.Lock(); c.relayed++; c.mu.Unlock() }
func (c *countingRecorder) Failed(_, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed == nil {
		c.failed = make(map[string]int)
	}
	c.failed[reason]++
}
func (c *countingRecorder) RateLimitWait()   { c.mu.Lock(); c.waits++; c.mu.Unlock() }
func (c *countingRecorder) ThreadRecovered() { c.mu.Lock(); c.recoveries++; c.mu.Unlock() }
func (c *countingRecorder) Duplicate(string) { c.mu.Lock(); c.duplicates++; c.mu.Unlock() }

type harness struct {
	engine   *Engine
	identity *identity.Service
	gate     *settings.Gate
	local    *fakePlatform
	remote   *fakePlatform
	sleeper  *recordingSleeper
	commands *fakeCommands
	metrics  *countingRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		identity: identity.New(st, nil, nil),
		local:    newFakePlatform("L"),
		remote:   newFakePlatform("wamid.out"),
		sleeper:  &recordingSleeper{},
		commands: &fakeCommands{},
		metrics:  &countingRecorder{},
	}
	h.gate = settings.New(h.identity, nil)

	h.engine, err = New(Options{
		Identity:         h.identity,
		Flags:            h.gate,
		Local:            h.local,
		Remote:           h.remote,
		Commands:         h.commands,
		Recorder:         h.metrics,
		Sleeper:          h.sleeper,
		AllowedReactions: []string{"👍", "❤"},
	})
	require.NoError(t, err)
	return h
}

// seedUser creates a user bound to an existing thread.
func (h *harness) seedUser(t *testing.T, remoteID, name, threadID string) {
	t.Helper()
	_, err := h.identity.CreateUserAndThread(context.Background(), remoteID, name, threadID)
	require.NoError(t, err)
}

func remoteText(id, sender, body string) TextEvent {
	return TextEvent{
		Envelope: Envelope{ID: id, Sender: sender, SenderName: "Dana"},
		Body:     body,
	}
}

func localText(id, threadID, body string) TextEvent {
	return TextEvent{
		Envelope: Envelope{ID: id, Sender: threadID},
		Body:     body,
	}
}
