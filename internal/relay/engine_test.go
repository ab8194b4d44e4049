// ABOUTME: Scenario tests for the relay engine over a real SQLite identity store
// ABOUTME: Covers identity creation, bans, rate limits, thread recovery, placeholders and local replies

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relaygram/internal/store"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRemote_FirstMessageCreatesIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "*hi* there"))
	require.NoError(t, err)

	user, err := h.identity.GetUserByRemoteID(ctx, "972501234567")
	require.NoError(t, err)
	assert.True(t, user.Active)
	assert.False(t, user.Banned)
	assert.Equal(t, "Dana", user.Name)

	require.Len(t, h.local.threads, 1)
	assert.Equal(t, "Dana (972501234567)", h.local.threads[0])

	texts := h.local.successful("text")
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0].Body, "Dana")
	assert.Contains(t, texts[0].Body, "+972501234567")
	assert.Equal(t, []string{texts[0].ID}, h.local.pinned, "announcement is pinned")
	assert.Equal(t, "**hi** there", texts[1].Body)
	assert.Equal(t, user.Thread.ThreadID, texts[1].Peer)

	rec, err := h.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: "wamid.1"})
	require.NoError(t, err)
	assert.False(t, rec.SentFromLocal)
	assert.Equal(t, texts[1].ID, rec.LocalMsgID)
	assert.Equal(t, 1, h.metrics.relayed)
}

func TestRemote_BannedUserIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	require.NoError(t, h.identity.UpdateUser(ctx, "972501234567", store.UserPatch{Banned: store.Ptr(true)}))

	err := h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "hello"))
	require.NoError(t, err)

	assert.Empty(t, h.local.allCalls())
	assert.Empty(t, h.remote.allCalls())
	_, err = h.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: "wamid.1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemote_InactiveUserReactivated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	require.NoError(t, h.identity.UpdateUser(ctx, "972501234567", store.UserPatch{Active: store.Ptr(false)}))

	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "back")))

	user, err := h.identity.GetUserByRemoteID(ctx, "972501234567")
	require.NoError(t, err)
	assert.True(t, user.Active)
	assert.Len(t, h.local.successful("text"), 1)
}

func TestRemote_RateLimitedRetriesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")

	h.local.errs = []error{RateLimitError(5*time.Second, errors.New("flood wait"))}

	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "hello")))

	assert.Equal(t, []time.Duration{5 * time.Second}, h.sleeper.waits)
	calls := h.local.allCalls()
	require.Len(t, calls, 2, "one rate-limited attempt and one resend")
	assert.Equal(t, calls[0].Body, calls[1].Body)

	rec, err := h.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: "wamid.1"})
	require.NoError(t, err)
	assert.Equal(t, calls[1].ID, rec.LocalMsgID)

	last, err := h.identity.GetLastMessage(ctx, "972501234567")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, last.ID, "exactly one record")
	assert.Equal(t, 1, h.metrics.waits)
}

func TestRemote_RateLimitWaitCancelled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	h.local.errs = []error{RateLimitError(time.Minute, errors.New("flood wait"))}
	h.engine.sleeper = cancelledSleeper{}

	err := h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "hello"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.local.allCalls(), 1, "no resend after the wait was cut short")

	_, err = h.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: "wamid.1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemote_ThreadDeletedRecoversOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	h.local.gone["T100"] = true

	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "hello")))

	require.Len(t, h.local.threads, 1)
	user, err := h.identity.GetUserByRemoteID(ctx, "972501234567")
	require.NoError(t, err)
	newThread := user.Thread.ThreadID
	assert.NotEqual(t, "T100", newThread)

	_, err = h.identity.GetThreadByThreadID(ctx, "T100")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec, err := h.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: "wamid.1"})
	require.NoError(t, err)
	assert.Equal(t, newThread, rec.ThreadID)
	assert.Len(t, h.local.pinned, 1, "new thread gets an announcement")
	assert.Equal(t, 1, h.metrics.recoveries)
}

func TestRemote_ThreadDeletedTwiceReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	h.local.goneAll = true

	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "hello")))
	assert.Len(t, h.local.threads, 1, "recovery is attempted once")

	notices := h.remote.successful("text")
	require.Len(t, notices, 1)
	assert.Equal(t, "972501234567", notices[0].Peer)
	assert.Equal(t, "wamid.1", notices[0].ReplyTo)

	_, err := h.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: "wamid.1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, h.metrics.failed["target_gone"])
}

func TestRemote_SendFailureNoticedToSender(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	h.local.errs = []error{NewSendError(Permanent, errors.New("chat write forbidden"))}

	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "hello")))

	notices := h.remote.successful("text")
	require.Len(t, notices, 1)
	assert.Equal(t, "972501234567", notices[0].Peer)
	assert.Equal(t, "wamid.1", notices[0].ReplyTo)
	assert.Contains(t, notices[0].Body, "could not be delivered")
	assert.Equal(t, 1, h.metrics.failed["permanent"])

	_, err := h.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: "wamid.1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemote_FailureReturnedWhenNoticeFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	h.local.errs = []error{NewSendError(Permanent, errors.New("chat write forbidden"))}
	h.remote.errs = []error{NewSendError(Permanent, errors.New("recipient blocked"))}

	err := h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "hello"))
	require.Error(t, err)

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Permanent, se.Kind)
	assert.Equal(t, "permanent: chat write forbidden", err.Error())
	assert.Len(t, h.remote.allCalls(), 1)
}

func TestRemote_LongRateLimitWaitHonoured(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	h.local.errs = []error{RateLimitError(300*time.Millisecond, errors.New("flood wait"))}
	h.engine.sleeper = timerSleeper{}

	start := time.Now()
	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "hello")))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	assert.Len(t, h.local.successful("text"), 1)
	_, err := h.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: "wamid.1"})
	require.NoError(t, err)
}

func TestRemote_DuplicateDeliverySkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")

	ev := remoteText("wamid.1", "972501234567", "hello")
	require.NoError(t, h.engine.HandleRemote(ctx, ev))
	require.NoError(t, h.engine.HandleRemote(ctx, ev))

	assert.Len(t, h.local.successful("text"), 1)
	assert.Equal(t, 1, h.metrics.duplicates)
}

func TestRemote_OverlappingDeliveryDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	h.local.block = make(chan struct{})

	ev := remoteText("wamid.1", "972501234567", "hello")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.engine.HandleRemote(ctx, ev))
	}()

	remoteGuard, _ := h.engine.Guards()
	require.Eventually(t, func() bool { return remoteGuard.InFlight() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.engine.HandleRemote(ctx, ev))
	assert.Equal(t, uint64(1), remoteGuard.Rejected())

	close(h.local.block)
	wg.Wait()

	assert.Len(t, h.local.successful("text"), 1)
	assert.Equal(t, 0, remoteGuard.InFlight())
}

func TestRemote_ReplyResolvesCounterpart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")

	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "first")))
	first := h.local.successful("text")[0]

	reply := remoteText("wamid.2", "972501234567", "second")
	reply.ReplyTo = "wamid.1"
	require.NoError(t, h.engine.HandleRemote(ctx, reply))

	orphan := remoteText("wamid.3", "972501234567", "third")
	orphan.ReplyTo = "wamid.unknown"
	require.NoError(t, h.engine.HandleRemote(ctx, orphan))

	texts := h.local.successful("text")
	require.Len(t, texts, 3)
	assert.Equal(t, first.ID, texts[1].ReplyTo)
	assert.Empty(t, texts[2].ReplyTo, "unknown reply target drops the link")
}

func TestRemote_ForwardedAnnotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")

	ev := remoteText("wamid.1", "972501234567", "look")
	ev.ForwardedMany = true
	require.NoError(t, h.engine.HandleRemote(ctx, ev))

	texts := h.local.successful("text")
	require.Len(t, texts, 1)
	assert.Equal(t, "look\n\n__This message was forwarded many times__", texts[0].Body)
}

func TestRemote_MediaDownloadTimeoutSendsPlaceholder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")

	ev := MediaEvent{
		Envelope: Envelope{ID: "wamid.1", Sender: "972501234567"},
		Media:    MediaVideo,
		Fetch: func(context.Context) ([]byte, error) {
			return nil, context.DeadlineExceeded
		},
	}
	require.NoError(t, h.engine.HandleRemote(ctx, ev))

	assert.Empty(t, h.local.successful("media"))
	texts := h.local.successful("text")
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0].Body, "could not be delivered")

	rec, err := h.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: "wamid.1"})
	require.NoError(t, err)
	assert.Equal(t, texts[0].ID, rec.LocalMsgID, "placeholder is recorded")

	// A redelivery must not post a second placeholder.
	require.NoError(t, h.engine.HandleRemote(ctx, ev))
	assert.Len(t, h.local.successful("text"), 1)
}

func TestRemote_PlaceholderKeepsDownloadCause(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	h.local.errs = []error{RateLimitError(time.Second, errors.New("flood wait"))}

	ev := MediaEvent{
		Envelope: Envelope{ID: "wamid.1", Sender: "972501234567"},
		Media:    MediaVideo,
		Fetch: func(context.Context) ([]byte, error) {
			return nil, context.DeadlineExceeded
		},
	}
	require.NoError(t, h.engine.HandleRemote(ctx, ev))

	assert.Equal(t, []time.Duration{time.Second}, h.sleeper.waits)
	texts := h.local.successful("text")
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0].Body, "deadline exceeded")
	assert.NotContains(t, texts[0].Body, "flood wait")
}

func TestRemote_OversizedMediaRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	h.local.maxSize = 1024

	fetched := false
	ev := MediaEvent{
		Envelope: Envelope{ID: "wamid.1", Sender: "972501234567"},
		Media:    MediaDocument,
		Size:     4096,
		Fetch: func(context.Context) ([]byte, error) {
			fetched = true
			return make([]byte, 4096), nil
		},
	}
	require.NoError(t, h.engine.HandleRemote(ctx, ev))

	assert.False(t, fetched)
	assert.Empty(t, h.local.allCalls())
	notices := h.remote.successful("text")
	require.Len(t, notices, 1)
	assert.Equal(t, "972501234567", notices[0].Peer)
	assert.Equal(t, "wamid.1", notices[0].ReplyTo)
	assert.Equal(t, 1, h.metrics.failed["rejected"])
}

func TestRemote_MediaRelayed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")

	ev := MediaEvent{
		Envelope: Envelope{ID: "wamid.1", Sender: "972501234567"},
		Media:    MediaVoice,
		Caption:  "*listen*",
		Fetch: func(context.Context) ([]byte, error) {
			return []byte("ogg"), nil
		},
	}
	require.NoError(t, h.engine.HandleRemote(ctx, ev))

	media := h.local.successful("media")
	require.Len(t, media, 1)
	assert.Equal(t, "voice", media[0].Target)
	assert.Equal(t, "**listen**", media[0].Body)
}

func TestRemote_ContactsRelayedInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")

	// The second card is rate limited; the resend must not repeat the first.
	h.local.errs = []error{nil, RateLimitError(time.Second, errors.New("slow down"))}

	ev := ContactEvent{
		Envelope: Envelope{ID: "wamid.1", Sender: "972501234567"},
		Contacts: []Contact{{Phone: "111"}, {Phone: "222"}},
	}
	require.NoError(t, h.engine.HandleRemote(ctx, ev))

	contacts := h.local.successful("contact")
	require.Len(t, contacts, 2)
	assert.Equal(t, "111", contacts[0].Body)
	assert.Equal(t, "222", contacts[1].Body)

	rec, err := h.identity.GetMessage(ctx, store.MessageLookup{RemoteMsgID: "wamid.1"})
	require.NoError(t, err)
	assert.Equal(t, contacts[1].ID, rec.LocalMsgID)
}

func TestRemote_Reactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "hi")))
	target := h.local.successful("text")[0].ID

	react := func(id, emoji string) ReactionEvent {
		return ReactionEvent{
			Envelope: Envelope{ID: id, Sender: "972501234567"},
			TargetID: "wamid.1",
			Emoji:    emoji,
		}
	}

	require.NoError(t, h.engine.HandleRemote(ctx, react("wamid.r1", "👍")))
	require.NoError(t, h.engine.HandleRemote(ctx, react("wamid.r2", "🦀")))
	require.NoError(t, h.engine.HandleRemote(ctx, react("wamid.r3", "")))

	reactions := h.local.successful("reaction")
	require.Len(t, reactions, 2)
	assert.Equal(t, "👍", reactions[0].Emoji)
	assert.Equal(t, target, reactions[0].Target)
	assert.Empty(t, reactions[1].Emoji, "removal clears the reaction")

	texts := h.local.successful("text")
	require.Len(t, texts, 2)
	assert.Equal(t, "__The user reacted with 🦀__", texts[1].Body)
	assert.Equal(t, target, texts[1].ReplyTo)
}

func TestRemote_ConversationOpened(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	opened := ConversationOpenedEvent{Envelope: Envelope{ID: "open.1", Sender: "972501234567", SenderName: "Dana"}}

	// Auto-create disabled: nothing happens.
	require.NoError(t, h.engine.HandleRemote(ctx, opened))
	assert.Empty(t, h.local.threads)
	_, err := h.identity.GetUserByRemoteID(ctx, "972501234567")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, h.gate.Update(ctx, store.SettingsPatch{
		AutoCreateOnOpen: store.Ptr(true),
		SendWelcome:      store.Ptr(true),
	}))
	require.NoError(t, h.identity.SetPendingMessage(ctx, store.EventChatOpened, "**Hi!** How can we help?"))

	opened.ID = "open.2"
	require.NoError(t, h.engine.HandleRemote(ctx, opened))

	assert.Len(t, h.local.threads, 1)
	templates := h.remote.successful("text")
	require.Len(t, templates, 1)
	assert.Equal(t, "*Hi!* How can we help?", templates[0].Body)

	_, err = h.identity.GetUserByRemoteID(ctx, "972501234567")
	assert.NoError(t, err)
}

func TestRemote_WelcomeTemplate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.gate.Update(ctx, store.SettingsPatch{SendWelcome: store.Ptr(true)}))
	require.NoError(t, h.identity.SetPendingMessage(ctx, store.EventWelcome, "Welcome"))

	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "hello")))
	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.2", "972501234567", "again")))

	sent := h.remote.successful("text")
	require.Len(t, sent, 1, "template goes to new users only")
	assert.Equal(t, "Welcome", sent[0].Body)
	assert.Empty(t, sent[0].ReplyTo)
}

func TestRemote_GreetingCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.gate.Update(ctx, store.SettingsPatch{SendWelcome: store.Ptr(true)}))
	require.NoError(t, h.identity.SetPendingMessage(ctx, store.EventWelcome, "Welcome"))

	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "/start")))

	sent := h.remote.successful("text")
	require.Len(t, sent, 1, "greeting gets one welcome, as a reply")
	assert.Equal(t, "wamid.1", sent[0].ReplyTo)
	assert.Equal(t, []string{"wamid.1"}, h.remote.read)
	assert.Len(t, h.local.threads, 1)
}

func TestRemote_UnsupportedMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")

	ev := UnsupportedEvent{Envelope: Envelope{ID: "wamid.1", Sender: "972501234567"}, Type: "poll"}
	require.NoError(t, h.engine.HandleRemote(ctx, ev))

	texts := h.local.successful("text")
	require.Len(t, texts, 1)
	assert.Equal(t, "__The user sent an unsupported message (poll)__", texts[0].Body)
}

func TestRemote_PanicRecovered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	h.local.panicOn = "text"

	err := h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "boom"))
	require.ErrorIs(t, err, ErrPanic)

	remoteGuard, _ := h.engine.Guards()
	assert.Equal(t, 0, remoteGuard.InFlight())

	h.local.panicOn = ""
	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "boom")))
	assert.Len(t, h.local.successful("text"), 1)
}

func TestRemote_FailedStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	require.NoError(t, h.identity.CreateMessage(ctx, &store.MessageRecord{
		RemoteMsgID: "wamid.out1", LocalMsgID: "L9", SentFromLocal: true,
		RemoteID: "972501234567", ThreadID: "T100",
	}))

	status := StatusEvent{
		Envelope:     Envelope{ID: "status.1", Sender: "972501234567"},
		MessageID:    "wamid.out1",
		Failed:       true,
		Reengagement: true,
		ErrorTitle:   "Re-engagement message",
		ErrorDetails: "more than 24 hours have passed",
	}
	require.NoError(t, h.engine.HandleRemote(ctx, status))

	texts := h.local.successful("text")
	require.Len(t, texts, 1)
	assert.Equal(t, "T100", texts[0].Peer)
	assert.Equal(t, "L9", texts[0].ReplyTo)
	assert.Contains(t, texts[0].Body, "**Re-engagement message**")

	user, err := h.identity.GetUserByRemoteID(ctx, "972501234567")
	require.NoError(t, err)
	assert.False(t, user.Active)
}

func TestLocal_ReplyRelayedToRemote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "question")))
	user, err := h.identity.GetUserByRemoteID(ctx, "972501234567")
	require.NoError(t, err)
	threadID := user.Thread.ThreadID
	relayed := h.local.successful("text")[1]

	reply := localText("L50", threadID, "**answer** with [docs](https://example.com)")
	reply.ReplyTo = relayed.ID
	require.NoError(t, h.engine.HandleLocal(ctx, reply))

	sent := h.remote.successful("text")
	require.Len(t, sent, 1)
	assert.Equal(t, "972501234567", sent[0].Peer)
	assert.Equal(t, "*answer* with docs: https://example.com", sent[0].Body)
	assert.Equal(t, "wamid.1", sent[0].ReplyTo)

	rec, err := h.identity.GetMessage(ctx, store.MessageLookup{LocalMsgID: "L50"})
	require.NoError(t, err)
	assert.True(t, rec.SentFromLocal)
	assert.Equal(t, sent[0].ID, rec.RemoteMsgID)

	assert.Empty(t, h.remote.read, "mark-as-read is off by default")
}

func TestLocal_MarkAsRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	require.NoError(t, h.gate.Update(ctx, store.SettingsPatch{MarkAsRead: store.Ptr(true)}))
	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "question")))

	require.NoError(t, h.engine.HandleLocal(ctx, localText("L50", "T100", "answer")))
	assert.Equal(t, []string{"wamid.1"}, h.remote.read)

	// The last message is now our own; nothing new to mark.
	require.NoError(t, h.engine.HandleLocal(ctx, localText("L51", "T100", "more")))
	assert.Equal(t, []string{"wamid.1"}, h.remote.read)
}

func TestLocal_OutsideRelayThreadIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.HandleLocal(context.Background(), localText("L1", "general", "hello team")))
	assert.Empty(t, h.remote.allCalls())
	assert.Empty(t, h.local.allCalls())
}

func TestLocal_BannedUserNotRelayed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	require.NoError(t, h.identity.UpdateUser(ctx, "972501234567", store.UserPatch{Banned: store.Ptr(true)}))

	require.NoError(t, h.engine.HandleLocal(ctx, localText("L1", "T100", "hi")))
	assert.Empty(t, h.remote.allCalls())

	notices := h.local.successful("text")
	require.Len(t, notices, 1)
	assert.Equal(t, "L1", notices[0].ReplyTo)
}

func TestLocal_SendFailureReportedInThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	h.remote.errs = []error{NewSendError(Permanent, errors.New("invalid recipient"))}

	require.NoError(t, h.engine.HandleLocal(ctx, localText("L1", "T100", "hi")))

	notices := h.local.successful("text")
	require.Len(t, notices, 1)
	assert.Equal(t, "L1", notices[0].ReplyTo)
	assert.Contains(t, notices[0].Body, "invalid recipient")
	assert.NotContains(t, notices[0].Body, "permanent: ")

	_, err := h.identity.GetMessage(ctx, store.MessageLookup{LocalMsgID: "L1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLocal_CommandRouted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")

	require.NoError(t, h.engine.HandleLocal(ctx, localText("L1", "T100", "/ban@relaybot spam")))

	require.Len(t, h.commands.got, 1)
	cmd := h.commands.got[0]
	assert.Equal(t, "ban", cmd.Name)
	assert.Equal(t, []string{"spam"}, cmd.Args)
	assert.Equal(t, "T100", cmd.ThreadID)
	assert.Empty(t, h.remote.allCalls(), "commands are not relayed")
}

func TestLocal_CommandFailureReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.commands.fail = errors.New("no such user")

	require.NoError(t, h.engine.HandleLocal(ctx, localText("L1", "T100", "/info")))

	notices := h.local.successful("text")
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0].Body, "no such user")
}

func TestLocal_ServiceEventsToggleBan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")

	closed := ServiceEvent{Envelope: Envelope{ID: "svc.1", Sender: "T100"}, Action: ThreadClosed}
	require.NoError(t, h.engine.HandleLocal(ctx, closed))
	user, err := h.identity.GetUserByRemoteID(ctx, "972501234567")
	require.NoError(t, err)
	assert.True(t, user.Banned)

	reopened := ServiceEvent{Envelope: Envelope{ID: "svc.2", Sender: "T100"}, Action: ThreadReopened}
	require.NoError(t, h.engine.HandleLocal(ctx, reopened))
	user, err = h.identity.GetUserByRemoteID(ctx, "972501234567")
	require.NoError(t, err)
	assert.False(t, user.Banned)
}

func TestLocal_ReactionRelayed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "972501234567", "Dana", "T100")
	require.NoError(t, h.engine.HandleRemote(ctx, remoteText("wamid.1", "972501234567", "hi")))
	relayed := h.local.successful("text")[0]

	ev := ReactionEvent{
		Envelope: Envelope{ID: "L-react-1", Sender: "T100"},
		TargetID: relayed.ID,
		Emoji:    "🦀",
	}
	require.NoError(t, h.engine.HandleLocal(ctx, ev))

	reactions := h.remote.successful("reaction")
	require.Len(t, reactions, 1)
	assert.Equal(t, "wamid.1", reactions[0].Target)
	assert.Equal(t, "🦀", reactions[0].Emoji)
}

func TestParseCommand(t *testing.T) {
	_, ok := ParseCommand(localText("1", "T", "hello"))
	assert.False(t, ok)

	_, ok = ParseCommand(localText("1", "T", "/"))
	assert.False(t, ok)

	cmd, ok := ParseCommand(localText("1", "T", "/Settings send_welcome on"))
	require.True(t, ok)
	assert.Equal(t, "settings", cmd.Name)
	assert.Equal(t, []string{"send_welcome", "on"}, cmd.Args)
}

func TestThreadName(t *testing.T) {
	assert.Equal(t, "Dana (972501234567)", threadName("Dana", "972501234567"))
	assert.Equal(t, "972501234567", threadName("", "972501234567"))

	long := threadName(string(make([]rune, 200)), "1")
	assert.Len(t, []rune(long), 128)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Equal(t, Transient, Classify(context.DeadlineExceeded).Kind)
	assert.Equal(t, Permanent, Classify(errors.New("nope")).Kind)

	wrapped := errors.Join(errors.New("context"), RateLimitError(3*time.Second, errors.New("slow")))
	se := Classify(wrapped)
	assert.Equal(t, RateLimited, se.Kind)
	assert.Equal(t, 3*time.Second, se.Wait)
}
