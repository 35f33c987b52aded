// Package grader turns a submitted answer and its question into a
// graded result, running OCR for image answers and delegating
// free-text grading to the AI judge with a rules fallback.
package grader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/examhall/examhall/internal/i18n"
	"github.com/examhall/examhall/internal/model"
)

// UnreadableAnswer is persisted as the student answer when OCR could
// not extract any text from a handwritten image.
const UnreadableAnswer = "[could not read handwritten answer]"

// Judge produces a semantic verdict on a free-text answer.
type Judge interface {
	JudgeAnswer(ctx context.Context, q model.Question, answer string) (*model.Verdict, error)
}

// Transcriber extracts text from a base64-encoded answer image.
type Transcriber interface {
	Transcribe(ctx context.Context, imageBase64, questionText string) (string, error)
}

// Grader grades one answer at a time. Judge and OCR may be nil, in
// which case grading degrades to the string rules alone.
type Grader struct {
	judge Judge
	ocr   Transcriber
}

// New creates a grader. Either collaborator may be nil.
func New(judge Judge, ocr Transcriber) *Grader {
	return &Grader{judge: judge, ocr: ocr}
}

// Grade grades a payload against its question and returns the result
// ready for persistence. It never fails on judge or OCR trouble: those
// degrade to a scored result with explanatory feedback. The caller
// assigns SessionID.
func (g *Grader) Grade(ctx context.Context, q model.Question, payload model.AnswerPayload) model.AnswerResult {
	res := model.AnswerResult{
		QuestionID:  q.ID,
		Topic:       q.Topic,
		SourceRefs:  q.SourceRefs,
		PayloadHash: PayloadHash(payload),
		CreatedAt:   time.Now().UTC(),
	}

	answer := payload.Text
	if payload.ImageBase64 != "" {
		res.WasHandwritten = true
		text, err := g.transcribe(ctx, q, payload.ImageBase64)
		if err != nil {
			slog.Warn("OCR failed, scoring answer as unreadable",
				"question_id", q.ID, "error", err)
		}
		res.OCRText = text
		if text == "" {
			res.StudentAnswer = UnreadableAnswer
			res.Feedback = i18n.T(ctx, "FeedbackOCRUnreadable")
			return res
		}
		answer = text
	}
	res.StudentAnswer = answer

	if answer == "" {
		res.Feedback = i18n.T(ctx, "FeedbackUnanswered")
		return res
	}

	verdict := g.verdict(ctx, q, answer)
	res.IsCorrect = verdict.IsCorrect
	res.Score = verdict.Score
	res.Feedback = verdict.Feedback
	if res.Feedback == "" {
		switch {
		case res.IsCorrect && q.CorrectAnswer != "":
			res.Feedback = i18n.Td(ctx, "FeedbackCorrect",
				map[string]any{"Answer": q.CorrectAnswer})
		case res.IsCorrect:
			res.Feedback = i18n.T(ctx, "FeedbackCorrectNoAnswer")
		default:
			res.Feedback = i18n.Td(ctx, "FeedbackIncorrect",
				map[string]any{"Answer": q.CorrectAnswer})
		}
	}
	return res
}

func (g *Grader) transcribe(ctx context.Context, q model.Question, imageBase64 string) (string, error) {
	if g.ocr == nil {
		return "", nil
	}
	return g.ocr.Transcribe(ctx, imageBase64, q.Text)
}

// verdict picks the grading path for a text answer. Choice and blank
// questions are graded by the rules; short answers go to the judge,
// falling back to the rules when the judge is unavailable.
func (g *Grader) verdict(ctx context.Context, q model.Question, answer string) model.Verdict {
	if q.Type != model.TypeShortAnswer || g.judge == nil {
		return g.ruleVerdict(ctx, q, answer)
	}

	v, err := g.judge.JudgeAnswer(ctx, q, answer)
	if err != nil {
		slog.Warn("judge unavailable, falling back to string rules",
			"question_id", q.ID, "error", err)
		return g.ruleVerdict(ctx, q, answer)
	}
	return *v
}

func (g *Grader) ruleVerdict(ctx context.Context, q model.Question, answer string) model.Verdict {
	if q.CorrectAnswer == "" {
		// Nothing to compare against and no judge reachable. Score
		// zero but say why instead of silently failing the student.
		return model.Verdict{Feedback: i18n.T(ctx, "FeedbackJudgeUnavailable")}
	}
	return ScoreAnswer(q, answer)
}

// PayloadHash fingerprints a payload for retry deduplication. Identical
// payloads hash identically, so a duplicate submit can return the
// stored result instead of re-grading.
func PayloadHash(payload model.AnswerPayload) string {
	h := sha256.New()
	h.Write([]byte(payload.Text))
	h.Write([]byte{0})
	h.Write([]byte(payload.ImageBase64))
	return hex.EncodeToString(h.Sum(nil))
}
