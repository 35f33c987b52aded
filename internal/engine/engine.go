// Package engine owns the session lifecycle: creation, question
// issuance, answer intake, completion, and timeout supervision.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/examhall/examhall/internal/grader"
	"github.com/examhall/examhall/internal/model"
	"github.com/examhall/examhall/internal/selector"
	"github.com/examhall/examhall/internal/store"
	"github.com/examhall/examhall/internal/topics"
)

var (
	// ErrSessionNotFound means the session id does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCompleted means the operation needs an in-progress session.
	ErrSessionCompleted = errors.New("session already completed")
	// ErrQuestionNotInSession means the question was never issued to the session.
	ErrQuestionNotInSession = errors.New("question does not belong to session")
	// ErrWrongMode means the operation does not apply to the session's mode.
	ErrWrongMode = errors.New("operation not valid for session mode")
)

// Config carries the engine's collaborators. Store and Grader are
// required; the rest default sensibly.
type Config struct {
	Store         *store.Store
	Grader        *grader.Grader
	Selector      *selector.Selector
	WeakThreshold float64
	Clock         Clock
}

// Engine is the sole mutator of sessions. All its operations are safe
// for concurrent use; completion races resolve first-writer-wins at
// the store layer.
type Engine struct {
	store         *store.Store
	grader        *grader.Grader
	selector      *selector.Selector
	weakThreshold float64
	clock         Clock

	mu      sync.Mutex
	watches map[int64]chan struct{}
}

// New creates an engine from the given configuration.
func New(cfg Config) *Engine {
	sel := cfg.Selector
	if sel == nil {
		sel = selector.New(0, 0, nil)
	}
	threshold := cfg.WeakThreshold
	if threshold <= 0 {
		threshold = topics.DefaultWeakThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Engine{
		store:         cfg.Store,
		grader:        cfg.Grader,
		selector:      sel,
		weakThreshold: threshold,
		clock:         clock,
		watches:       make(map[int64]chan struct{}),
	}
}

// CreateParams describes a session to create. QuestionCount zero means
// "all eligible questions" for real-exam mode and is invalid for the
// other modes. DurationSeconds zero for real-exam mode falls back to
// the source document's official duration.
type CreateParams struct {
	StudentID       int64
	Mode            model.SessionMode
	Scope           model.Scope
	QuestionCount   int
	DurationSeconds int
}

// CreateSession allocates a session. Timed modes materialize their full
// shuffled question list up front and start timeout supervision;
// adaptive sessions start empty and grow one question at a time.
func (e *Engine) CreateSession(ctx context.Context, p CreateParams) (model.Session, error) {
	sess := model.Session{
		StudentID:       p.StudentID,
		Mode:            p.Mode,
		Status:          model.StatusInProgress,
		Scope:           p.Scope,
		TotalQuestions:  p.QuestionCount,
		DurationSeconds: p.DurationSeconds,
		StartedAt:       e.clock.Now().UTC(),
	}

	var questionIDs []int64
	switch p.Mode {
	case model.ModeAdaptive:
		if p.QuestionCount <= 0 {
			return model.Session{}, fmt.Errorf("question count must be positive for %s mode", p.Mode)
		}

	case model.ModeTopicFocused, model.ModeRealExam:
		if p.Mode == model.ModeRealExam {
			if p.Scope.DocumentID == 0 {
				return model.Session{}, errors.New("real-exam mode requires a source document")
			}
			if sess.DurationSeconds == 0 {
				doc, err := e.store.GetDocument(p.Scope.DocumentID)
				if err != nil {
					return model.Session{}, fmt.Errorf("load document %d: %w", p.Scope.DocumentID, err)
				}
				sess.DurationSeconds = doc.DurationSeconds
			}
		}
		pool, err := e.store.ListQuestionsScoped(p.Scope)
		if err != nil {
			return model.Session{}, fmt.Errorf("load question pool: %w", err)
		}
		drawn, err := e.selector.Draw(pool, p.QuestionCount)
		if err != nil {
			return model.Session{}, err
		}
		questionIDs = make([]int64, len(drawn))
		for i, q := range drawn {
			questionIDs[i] = q.ID
		}
		sess.TotalQuestions = len(questionIDs)

	default:
		return model.Session{}, fmt.Errorf("unknown session mode %q", p.Mode)
	}

	id, err := e.store.CreateSession(sess, questionIDs)
	if err != nil {
		return model.Session{}, fmt.Errorf("create session: %w", err)
	}
	sess.ID = id
	sess.QuestionIDs = questionIDs

	e.watch(sess)
	slog.Info("session created",
		"session_id", id, "student_id", p.StudentID, "mode", p.Mode,
		"questions", sess.TotalQuestions, "duration_s", sess.DurationSeconds)
	return sess, nil
}

// NextQuestion issues the next question for an adaptive session,
// stripped of its answer key. A nil question with a nil error is the
// completion signal: the question budget is spent or the pool is
// exhausted, and the caller should complete the session.
func (e *Engine) NextQuestion(ctx context.Context, sessionID int64) (*model.Question, error) {
	sess, err := e.getOpenSession(sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Mode.Incremental() {
		return nil, ErrWrongMode
	}
	pool, err := e.store.ListQuestionsScoped(sess.Scope)
	if err != nil {
		return nil, fmt.Errorf("load question pool: %w", err)
	}
	history, err := e.studentHistory(sess.StudentID)
	if err != nil {
		return nil, err
	}

	for {
		if sess.TotalQuestions > 0 && len(sess.QuestionIDs) >= sess.TotalQuestions {
			return nil, nil
		}

		q, err := e.selector.Next(pool, sess.QuestionIDs, history)
		if errors.Is(err, selector.ErrPoolExhausted) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		applied, err := e.store.AppendSessionQuestion(sessionID, q.ID, sess.TotalQuestions)
		if err != nil {
			return nil, fmt.Errorf("record issued question: %w", err)
		}
		if applied {
			q.CorrectAnswer = ""
			return &q, nil
		}

		// A concurrent request claimed a slot or this question first.
		// Reload the issued set and pick again; the budget check above
		// ends the loop once the session is full.
		sess, err = e.getOpenSession(sessionID)
		if err != nil {
			return nil, err
		}
	}
}

// SubmitAnswer grades one answer and appends the result. Retries with
// an identical payload return the stored result without re-grading.
func (e *Engine) SubmitAnswer(ctx context.Context, sessionID, questionID int64, payload model.AnswerPayload) (*model.AnswerResult, error) {
	sess, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}

	issued, err := e.store.SessionHasQuestion(sessionID, questionID)
	if err != nil {
		return nil, err
	}
	if !issued {
		return nil, ErrQuestionNotInSession
	}

	hash := grader.PayloadHash(payload)
	prior, err := e.store.CurrentResult(sessionID, questionID)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.PayloadHash == hash {
		return prior, nil
	}
	if sess.Status != model.StatusInProgress {
		return nil, ErrSessionCompleted
	}

	q, err := e.store.GetQuestion(questionID)
	if err != nil {
		return nil, fmt.Errorf("load question %d: %w", questionID, err)
	}

	// Grading may call OCR and the judge; no lock is held while it runs.
	res := e.grader.Grade(ctx, q, payload)
	res.SessionID = sessionID

	applied, err := e.store.InsertAnswerResult(res)
	if err != nil {
		return nil, fmt.Errorf("persist result: %w", err)
	}
	if !applied {
		// The session completed while grading ran (timer or a parallel
		// client). The graded result is discarded, not half-written.
		return nil, ErrSessionCompleted
	}
	return &res, nil
}

// CompleteSession finishes a session and returns its summary. Calling
// it again returns the stored summary unchanged.
func (e *Engine) CompleteSession(ctx context.Context, sessionID int64) (*model.Summary, error) {
	sess, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.StatusCompleted {
		return e.storedSummary(sessionID)
	}

	results, err := e.store.ListCurrentResults(sessionID)
	if err != nil {
		return nil, err
	}
	summary := topics.Summarize(results, e.weakThreshold)

	applied, err := e.store.CompleteSession(sessionID, summary, e.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	if !applied {
		// Lost the race to another completer; their summary stands.
		return e.storedSummary(sessionID)
	}

	e.stopWatch(sessionID)
	slog.Info("session completed",
		"session_id", sessionID, "score", summary.Score, "total", summary.Total)
	return &summary, nil
}

// SubmitBatch grades every question of a timed session in one shot and
// completes it. Questions missing from answers are scored unanswered.
// All results commit atomically with the completion, or none do. On an
// already-completed session it returns the stored summary.
func (e *Engine) SubmitBatch(ctx context.Context, sessionID int64, answers map[int64]model.AnswerPayload) (*model.Summary, error) {
	sess, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Mode.Incremental() {
		return nil, ErrWrongMode
	}
	if sess.Status == model.StatusCompleted {
		return e.storedSummary(sessionID)
	}

	inSession := make(map[int64]bool, len(sess.QuestionIDs))
	for _, id := range sess.QuestionIDs {
		inSession[id] = true
	}
	for qID := range answers {
		if !inSession[qID] {
			return nil, ErrQuestionNotInSession
		}
	}

	// Grade everything before touching the store so the commit below
	// is a pure write: either all results land, or none.
	results := make([]model.AnswerResult, 0, len(sess.QuestionIDs))
	for _, qID := range sess.QuestionIDs {
		q, err := e.store.GetQuestion(qID)
		if err != nil {
			return nil, fmt.Errorf("load question %d: %w", qID, err)
		}
		res := e.grader.Grade(ctx, q, answers[qID])
		res.SessionID = sessionID
		results = append(results, res)
	}
	summary := topics.Summarize(results, e.weakThreshold)

	applied, err := e.store.SubmitBatch(sessionID, results, summary, e.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("submit batch: %w", err)
	}
	if !applied {
		return e.storedSummary(sessionID)
	}

	e.stopWatch(sessionID)
	slog.Info("session submitted",
		"session_id", sessionID, "score", summary.Score, "total", summary.Total)
	return &summary, nil
}

// SessionState returns a session, its counted results, and a summary:
// the stored one when completed, a running one otherwise.
func (e *Engine) SessionState(ctx context.Context, sessionID int64) (model.Session, []model.AnswerResult, *model.Summary, error) {
	sess, err := e.getSession(sessionID)
	if err != nil {
		return model.Session{}, nil, nil, err
	}
	results, err := e.store.ListCurrentResults(sessionID)
	if err != nil {
		return model.Session{}, nil, nil, err
	}

	var summary *model.Summary
	if sess.Status == model.StatusCompleted {
		summary, err = e.storedSummary(sessionID)
		if err != nil {
			return model.Session{}, nil, nil, err
		}
	} else {
		running := topics.Summarize(results, e.weakThreshold)
		summary = &running
	}
	return sess, results, summary, nil
}

// Progress computes a student's historical per-topic metrics and weak
// topics across all their sessions.
func (e *Engine) Progress(ctx context.Context, studentID int64) ([]model.TopicMetric, []model.TopicMetric, error) {
	metrics, err := e.studentHistory(studentID)
	if err != nil {
		return nil, nil, err
	}
	return metrics, topics.WeakTopics(metrics, e.weakThreshold), nil
}

// WeakThreshold exposes the configured weak-topic cutoff.
func (e *Engine) WeakThreshold() float64 { return e.weakThreshold }

func (e *Engine) studentHistory(studentID int64) ([]model.TopicMetric, error) {
	results, err := e.store.ListStudentResults(studentID)
	if err != nil {
		return nil, fmt.Errorf("load student history: %w", err)
	}
	return topics.Breakdown(results), nil
}

func (e *Engine) getSession(sessionID int64) (model.Session, error) {
	sess, err := e.store.GetSession(sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("load session %d: %w", sessionID, err)
	}
	return sess, nil
}

func (e *Engine) getOpenSession(sessionID int64) (model.Session, error) {
	sess, err := e.getSession(sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if sess.Status != model.StatusInProgress {
		return model.Session{}, ErrSessionCompleted
	}
	return sess, nil
}

func (e *Engine) storedSummary(sessionID int64) (*model.Summary, error) {
	sum, err := e.store.StoredSummary(sessionID)
	if err != nil {
		return nil, err
	}
	if sum == nil {
		return nil, fmt.Errorf("session %d completed without a stored summary", sessionID)
	}
	return sum, nil
}
