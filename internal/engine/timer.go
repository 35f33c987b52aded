package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/examhall/examhall/internal/model"
)

// Clock abstracts wall-clock time so timeout behavior is testable
// without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RearmTimers restores timeout supervision for every open timed
// session, for use after a process restart. Sessions whose deadline
// already passed are force-submitted immediately.
func (e *Engine) RearmTimers() error {
	sessions, err := e.store.ListOpenTimedSessions()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		e.watch(sess)
	}
	if len(sessions) > 0 {
		slog.Info("re-armed session timers", "count", len(sessions))
	}
	return nil
}

// watch starts timeout supervision for a timed session. It is a no-op
// for sessions without a duration. The watch ends when the deadline
// fires or the session completes through any other path.
func (e *Engine) watch(sess model.Session) {
	if sess.DurationSeconds <= 0 {
		return
	}

	stop := make(chan struct{})
	e.mu.Lock()
	if _, exists := e.watches[sess.ID]; exists {
		e.mu.Unlock()
		return
	}
	e.watches[sess.ID] = stop
	e.mu.Unlock()

	deadline := sess.StartedAt.Add(time.Duration(sess.DurationSeconds) * time.Second)
	remaining := deadline.Sub(e.clock.Now())

	expired := e.clock.After(remaining)
	go func() {
		defer e.removeWatch(sess.ID)
		select {
		case <-expired:
			e.expire(sess.ID)
		case <-stop:
		}
	}()
}

// expire is the timer's submit path. The store's conditional completion
// makes the forced submit and any concurrent manual submit resolve to
// exactly one batch write; the loser observes the stored summary.
func (e *Engine) expire(sessionID int64) {
	slog.Info("session time expired, forcing submission", "session_id", sessionID)
	if _, err := e.SubmitBatch(context.Background(), sessionID, nil); err != nil {
		slog.Error("forced submission failed", "session_id", sessionID, "error", err)
	}
}

// stopWatch cancels supervision after a session completes.
func (e *Engine) stopWatch(sessionID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stop, ok := e.watches[sessionID]; ok {
		close(stop)
		delete(e.watches, sessionID)
	}
}

func (e *Engine) removeWatch(sessionID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.watches[sessionID]; ok {
		delete(e.watches, sessionID)
	}
}
