package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/examhall/examhall/internal/model"
)

// fakeClock is a manually advanced clock. After channels fire when
// Advance moves the clock past their deadline.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	var pending []fakeWaiter
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			pending = append(pending, w)
		}
	}
	c.waiters = pending
}

func TestTimerForcesSubmissionExactlyOnce(t *testing.T) {
	clk := newFakeClock()
	eng, s := newTestEngine(t, clk)
	seedQuestions(t, s, "optics", 3)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, CreateParams{
		StudentID: 1, Mode: model.ModeTopicFocused,
		Scope: model.Scope{Topic: "optics"}, QuestionCount: 3, DurationSeconds: 60,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Just before the deadline nothing happens.
	clk.Advance(59 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got, _ := s.GetSession(sess.ID); got.Status != model.StatusInProgress {
		t.Fatalf("session completed before the deadline")
	}

	clk.Advance(time.Second)
	done := waitForStatus(t, s, sess.ID, model.StatusCompleted)
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set by forced submission")
	}

	// Exactly one batch: every question has exactly one result row.
	results, err := s.ListCurrentResults(sess.ID)
	if err != nil {
		t.Fatalf("ListCurrentResults: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.IsCorrect || r.Score != 0 {
			t.Errorf("forced submission should score unanswered questions zero: %+v", r)
		}
	}

	// A late manual submit observes the stored summary, writes nothing.
	sum, err := eng.SubmitBatch(ctx, sess.ID, map[int64]model.AnswerPayload{
		sess.QuestionIDs[0]: {Text: "late"},
	})
	if err != nil {
		t.Fatalf("late SubmitBatch: %v", err)
	}
	if sum.Score != 0 || sum.Total != 3 {
		t.Errorf("late submit changed the summary: %+v", sum)
	}
	after, _ := s.ListCurrentResults(sess.ID)
	if len(after) != 3 {
		t.Errorf("late submit wrote rows: %d results", len(after))
	}
}

func TestManualSubmitCancelsTimer(t *testing.T) {
	clk := newFakeClock()
	eng, s := newTestEngine(t, clk)
	seedQuestions(t, s, "optics", 2)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, CreateParams{
		StudentID: 1, Mode: model.ModeTopicFocused,
		Scope: model.Scope{Topic: "optics"}, QuestionCount: 2, DurationSeconds: 60,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	answers := map[int64]model.AnswerPayload{
		sess.QuestionIDs[0]: {Text: answerKey(t, s, sess.QuestionIDs[0])},
		sess.QuestionIDs[1]: {Text: answerKey(t, s, sess.QuestionIDs[1])},
	}
	sum, err := eng.SubmitBatch(ctx, sess.ID, answers)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if sum.Score != 2 {
		t.Fatalf("score = %d, want 2", sum.Score)
	}

	// The expired timer must not overwrite the manual submission.
	clk.Advance(2 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	results, err := s.ListCurrentResults(sess.ID)
	if err != nil {
		t.Fatalf("ListCurrentResults: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("timer appended rows after manual submit: %d results", len(results))
	}
	final, _ := eng.SubmitBatch(ctx, sess.ID, nil)
	if final.Score != 2 {
		t.Errorf("stored summary changed: %+v", final)
	}
}

func TestRearmTimersSubmitsOverdueSessions(t *testing.T) {
	clk := newFakeClock()
	eng, s := newTestEngine(t, clk)
	seedQuestions(t, s, "optics", 2)

	// Simulate a session created before a restart whose deadline has
	// already passed: insert it directly, then re-arm.
	ids := []int64{1, 2}
	sessID, err := s.CreateSession(model.Session{
		StudentID:       1,
		Mode:            model.ModeTopicFocused,
		Scope:           model.Scope{Topic: "optics"},
		TotalQuestions:  2,
		DurationSeconds: 60,
		StartedAt:       clk.Now().Add(-5 * time.Minute),
	}, ids)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := eng.RearmTimers(); err != nil {
		t.Fatalf("RearmTimers: %v", err)
	}
	waitForStatus(t, s, sessID, model.StatusCompleted)
}
