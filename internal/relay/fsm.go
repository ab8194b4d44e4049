// ABOUTME: Per-event relay state machine shared by both directions
// ABOUTME: Dispatch, rate-limit retry, thread recovery, recording and failure reporting

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/relaygram/internal/store"
)

type state int

const (
	stateResolveIdentity state = iota
	stateCreateIdentity
	stateIdentityReady
	stateTranscode
	stateDispatchSend
	stateRecordSuccess
	stateRetry
	stateRecoverThread
	stateReportFailure
	stateDone
)

func (s state) String() string {
	switch s {
	case stateResolveIdentity:
		return "resolve_identity"
	case stateCreateIdentity:
		return "create_identity"
	case stateIdentityReady:
		return "identity_ready"
	case stateTranscode:
		return "transcode"
	case stateDispatchSend:
		return "dispatch_send"
	case stateRecordSuccess:
		return "record_success"
	case stateRetry:
		return "retry"
	case stateRecoverThread:
		return "recover_thread"
	case stateReportFailure:
		return "report_failure"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// sendFunc delivers the relayed content to peer and returns the new
// message id, or "" when nothing is recorded (reactions).
type sendFunc func(ctx context.Context, peer string) (string, error)

// run is the state of one event moving through the machine.
type run struct {
	e         *Engine
	logger    *slog.Logger
	ev        Event
	hdr       Envelope
	direction string

	user     *store.RemoteUser
	remoteID string
	threadID string
	replyTo  string // counterpart id on the destination platform

	send        sendFunc
	placeholder sendFunc // sent instead after a transient failure
	record      bool
	sentID      string

	failure    *SendError
	transient  error // cause shown in the placeholder
	err        error
	recovered  bool
	degraded   bool
	lastRemote string // last remote-originated message, for read receipts

	result error
}

func (e *Engine) newRun(logger *slog.Logger, ev Event, direction string) *run {
	return &run{
		e:         e,
		logger:    logger.With("direction", direction),
		ev:        ev,
		hdr:       ev.Header(),
		direction: direction,
	}
}

func (r *run) toLocal() bool {
	return r.direction == DirectionRemoteToLocal
}

// peer is the destination of the relayed content.
func (r *run) peer() string {
	if r.toLocal() {
		return r.threadID
	}
	return r.remoteID
}

// exec drives the machine from start until Done.
func (r *run) exec(ctx context.Context, start state) error {
	for st := start; st != stateDone; {
		r.logger.Debug("relay state", "state", st)
		st = r.step(ctx, st)
	}
	return r.result
}

func (r *run) step(ctx context.Context, st state) state {
	switch st {
	case stateResolveIdentity:
		if r.toLocal() {
			return r.resolveRemoteSender(ctx)
		}
		return r.resolveLocalThread(ctx)
	case stateCreateIdentity:
		return r.createIdentity(ctx)
	case stateIdentityReady:
		return r.identityReady(ctx)
	case stateTranscode:
		if r.toLocal() {
			return r.transcodeForLocal(ctx)
		}
		return r.transcodeForRemote(ctx)
	case stateDispatchSend:
		return r.dispatchSend(ctx)
	case stateRecordSuccess:
		return r.recordSuccess(ctx)
	case stateRetry:
		return r.retry(ctx)
	case stateRecoverThread:
		return r.recoverThread(ctx)
	case stateReportFailure:
		return r.reportFailure(ctx)
	default:
		return stateDone
	}
}

// fail records an internal error and moves to reporting.
func (r *run) fail(err error) state {
	r.err = err
	return stateReportFailure
}

func (r *run) dispatchSend(ctx context.Context) state {
	if err := r.e.pacer.wait(ctx, r.peer()); err != nil {
		return r.fail(fmt.Errorf("waiting for outbound slot: %w", err))
	}

	id, err := r.send(ctx, r.peer())
	if err == nil {
		r.sentID = id
		if r.record && id != "" {
			return stateRecordSuccess
		}
		r.e.metrics.Relayed(r.direction, r.ev.Kind())
		return stateDone
	}

	r.failure = Classify(err)
	switch r.failure.Kind {
	case RateLimited, Transient:
		return stateRetry
	case TargetGone:
		if r.toLocal() && !r.recovered {
			return stateRecoverThread
		}
		return stateReportFailure
	default:
		return stateReportFailure
	}
}

func (r *run) retry(ctx context.Context) state {
	f := r.failure
	switch f.Kind {
	case RateLimited:
		r.logger.Info("rate limited, waiting before resend", "wait", f.Wait)
		r.e.metrics.RateLimitWait()
		if err := r.e.sleeper.Sleep(ctx, f.Wait); err != nil {
			return r.fail(fmt.Errorf("waiting out rate limit: %w", err))
		}
		return stateDispatchSend

	case Transient:
		if r.degraded || r.placeholder == nil {
			return stateReportFailure
		}
		r.logger.Warn("transient failure, sending placeholder", "error", f.Err)
		r.transient = f.Err
		r.send = r.placeholder
		r.degraded = true
		return stateDispatchSend
	}
	return stateReportFailure
}

// recoverThread replaces a thread the local platform lost and rebinds the
// user to it. It runs at most once per event.
func (r *run) recoverThread(ctx context.Context) state {
	r.recovered = true
	oldID := r.threadID
	r.logger.Warn("thread is gone, recreating", "thread_id", oldID)

	newID, err := r.e.openThread(ctx, r.logger, r.user.Name, r.remoteID)
	if err != nil {
		return r.fail(err)
	}
	if err := r.e.identity.UpdateThread(ctx, oldID, store.ThreadPatch{ThreadID: &newID}); err != nil {
		return r.fail(fmt.Errorf("rebinding thread: %w", err))
	}

	r.threadID = newID
	r.replyTo = "" // the replied-to message lived in the lost thread
	r.e.metrics.ThreadRecovered()
	r.logger.Info("thread recovered", "old_thread_id", oldID, "thread_id", newID)
	return stateDispatchSend
}

func (r *run) recordSuccess(ctx context.Context) state {
	rec := &store.MessageRecord{
		SentFromLocal: !r.toLocal(),
		RemoteID:      r.remoteID,
		ThreadID:      r.threadID,
	}
	if r.toLocal() {
		rec.RemoteMsgID, rec.LocalMsgID = r.hdr.ID, r.sentID
	} else {
		rec.RemoteMsgID, rec.LocalMsgID = r.sentID, r.hdr.ID
	}

	err := r.e.identity.CreateMessage(ctx, rec)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		r.logger.Warn("message already recorded", "remote_msg_id", rec.RemoteMsgID, "local_msg_id", rec.LocalMsgID)
	case err != nil:
		// The content went out; only the pairing is lost.
		r.logger.Error("failed to record relayed message", "error", err)
		r.e.metrics.Failed(r.direction, "record")
	}

	r.e.metrics.Relayed(r.direction, r.ev.Kind())
	r.logger.Info("relayed", "remote_id", r.remoteID, "thread_id", r.threadID, "sent_id", r.sentID, "placeholder", r.degraded)

	if !r.toLocal() {
		r.markAsRead(ctx)
	}
	return stateDone
}

// markAsRead marks the user's last message read after an operator reply,
// when enabled. Failures are ignored.
func (r *run) markAsRead(ctx context.Context) {
	if r.lastRemote == "" {
		return
	}
	flags, err := r.e.flags.Flags(ctx)
	if err != nil || !flags.MarkAsRead {
		return
	}
	if err := r.e.remote.MarkAsRead(ctx, r.lastRemote); err != nil {
		r.logger.Debug("mark as read failed", "message_id", r.lastRemote, "error", err)
	}
}

func (r *run) reportFailure(ctx context.Context) state {
	reason := "error"
	cause := r.err
	if cause == nil && r.failure != nil {
		reason = r.failure.Kind.String()
		cause = r.failure
	}
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	r.logger.Error("relay failed",
		"reason", reason,
		"remote_id", r.remoteID,
		"thread_id", r.threadID,
		"error", cause,
	)
	r.e.metrics.Failed(r.direction, reason)

	if r.failure != nil && r.failure.Kind == Rejected && r.err == nil {
		r.noticeRejected(ctx, cause)
		return stateDone
	}

	if r.noticeFailure(ctx, reason, cause) {
		return stateDone
	}

	r.result = &reportedError{err: cause}
	return stateDone
}

// noticeFailure tells the sending side next to its message that the relay
// failed. It reports whether the notice went out.
func (r *run) noticeFailure(ctx context.Context, reason string, cause error) bool {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return false
	}

	var err error
	switch {
	case r.toLocal():
		if _, opened := r.ev.(ConversationOpenedEvent); opened || r.remoteID == "" {
			return false
		}
		body := fmt.Sprintf("_Your %s could not be delivered. Please try again later._", describe(r.ev))
		_, err = r.e.notifyRemote(ctx, r.remoteID, body, r.hdr.ID)
	case r.threadID != "":
		detail := cause
		if se, ok := cause.(*SendError); ok && se.Err != nil {
			detail = se.Err
		}
		body := fmt.Sprintf("__Failed to send to the remote user.__\n> **%s**\n> %v", reason, detail)
		_, err = r.e.notifyLocal(ctx, r.threadID, body, r.hdr.ID)
	default:
		return false
	}

	if err != nil {
		r.logger.Warn("failed to send failure notice", "error", err)
		return false
	}
	return true
}

// reportedError is a failure the run has already logged.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// noticeRejected tells the sending side its content was not relayed.
func (r *run) noticeRejected(ctx context.Context, cause error) {
	var err error
	if r.toLocal() {
		_, err = r.e.notifyRemote(ctx, r.remoteID,
			fmt.Sprintf("_Your %s could not be delivered: %v_", describe(r.ev), cause), r.hdr.ID)
	} else {
		_, err = r.e.notifyLocal(ctx, r.threadID,
			fmt.Sprintf("__This %s was not sent: %v__", describe(r.ev), cause), r.hdr.ID)
	}
	if err != nil {
		r.logger.Warn("failed to send rejection notice", "error", err)
	}
}

// describe names the content of an event for notices.
func describe(ev Event) string {
	switch ev := ev.(type) {
	case MediaEvent:
		return string(ev.Media)
	case UnsupportedEvent:
		if ev.Type != "" {
			return ev.Type
		}
		return "message"
	case TextEvent:
		return "message"
	default:
		return string(ev.Kind())
	}
}
