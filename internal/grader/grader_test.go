package grader

import (
	"context"
	"errors"
	"testing"

	"github.com/examhall/examhall/internal/i18n"
	"github.com/examhall/examhall/internal/model"
)

type fakeJudge struct {
	verdict *model.Verdict
	err     error
	calls   int
}

func (f *fakeJudge) JudgeAnswer(ctx context.Context, q model.Question, answer string) (*model.Verdict, error) {
	f.calls++
	return f.verdict, f.err
}

type fakeOCR struct {
	text string
	err  error
}

func (f *fakeOCR) Transcribe(ctx context.Context, imageBase64, questionText string) (string, error) {
	return f.text, f.err
}

func initLocales(t *testing.T) {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
}

func shortAnswerQuestion() model.Question {
	return model.Question{
		ID:            7,
		Type:          model.TypeShortAnswer,
		Text:          "What keeps planets in orbit?",
		CorrectAnswer: "gravity",
		Topic:         "mechanics",
		SourceRefs:    []model.SourceReference{{DocumentID: 1, PageNumber: 12}},
	}
}

func TestGradeTextDelegatesToJudge(t *testing.T) {
	initLocales(t)
	judge := &fakeJudge{verdict: &model.Verdict{IsCorrect: true, Score: 0.9, Feedback: "good"}}
	g := New(judge, nil)

	res := g.Grade(context.Background(), shortAnswerQuestion(), model.AnswerPayload{Text: "gravity holds them"})

	if judge.calls != 1 {
		t.Fatalf("judge called %d times, want 1", judge.calls)
	}
	if !res.IsCorrect || res.Score != 0.9 || res.Feedback != "good" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Topic != "mechanics" {
		t.Errorf("topic not carried over: %q", res.Topic)
	}
	if len(res.SourceRefs) != 1 || res.SourceRefs[0].PageNumber != 12 {
		t.Errorf("source references not carried over: %+v", res.SourceRefs)
	}
	if res.PayloadHash == "" {
		t.Error("payload hash not set")
	}
}

func TestGradeJudgeFailureFallsBackToRules(t *testing.T) {
	initLocales(t)
	judge := &fakeJudge{err: errors.New("connection refused")}
	g := New(judge, nil)

	res := g.Grade(context.Background(), shortAnswerQuestion(), model.AnswerPayload{Text: "gravity"})
	if !res.IsCorrect || res.Score != 1 {
		t.Errorf("rules fallback should accept exact match: %+v", res)
	}
	if res.Feedback == "" {
		t.Error("feedback should not be empty")
	}
}

func TestGradeNoJudgeNoKey(t *testing.T) {
	initLocales(t)
	g := New(nil, nil)
	q := shortAnswerQuestion()
	q.CorrectAnswer = ""

	res := g.Grade(context.Background(), q, model.AnswerPayload{Text: "some essay"})
	if res.IsCorrect || res.Score != 0 {
		t.Errorf("ungradable answer should score zero: %+v", res)
	}
	if res.Feedback == "" {
		t.Error("feedback should explain the answer could not be graded")
	}
}

func TestGradeChoiceSkipsJudge(t *testing.T) {
	initLocales(t)
	judge := &fakeJudge{verdict: &model.Verdict{IsCorrect: false}}
	g := New(judge, nil)

	q := model.Question{
		Type:          model.TypeMultipleChoice,
		Options:       []string{"A. Red", "B. Blue"},
		CorrectAnswer: "B",
	}
	res := g.Grade(context.Background(), q, model.AnswerPayload{Text: "B"})
	if judge.calls != 0 {
		t.Errorf("judge should not be consulted for choice questions, called %d times", judge.calls)
	}
	if !res.IsCorrect {
		t.Error("letter match should be correct")
	}
}

func TestGradeImageAnswer(t *testing.T) {
	initLocales(t)
	g := New(nil, &fakeOCR{text: "gravity"})

	res := g.Grade(context.Background(), shortAnswerQuestion(), model.AnswerPayload{ImageBase64: "aW1n"})
	if !res.WasHandwritten {
		t.Error("WasHandwritten not set")
	}
	if res.OCRText != "gravity" {
		t.Errorf("OCR text not persisted: %q", res.OCRText)
	}
	if res.StudentAnswer != "gravity" {
		t.Errorf("student answer should be the transcription: %q", res.StudentAnswer)
	}
	if !res.IsCorrect {
		t.Error("transcribed answer should grade as text")
	}
}

func TestGradeUnreadableImage(t *testing.T) {
	initLocales(t)
	for _, ocr := range []*fakeOCR{
		{text: ""},
		{err: errors.New("vision endpoint down")},
	} {
		g := New(nil, ocr)
		res := g.Grade(context.Background(), shortAnswerQuestion(), model.AnswerPayload{ImageBase64: "aW1n"})
		if res.IsCorrect || res.Score != 0 {
			t.Errorf("unreadable image must score zero: %+v", res)
		}
		if res.StudentAnswer != UnreadableAnswer {
			t.Errorf("student answer = %q, want %q", res.StudentAnswer, UnreadableAnswer)
		}
		if res.Feedback == "" {
			t.Error("feedback must explain the OCR failure")
		}
	}
}

func TestGradeEmptyAnswer(t *testing.T) {
	initLocales(t)
	g := New(nil, nil)
	res := g.Grade(context.Background(), shortAnswerQuestion(), model.AnswerPayload{})
	if res.IsCorrect || res.Score != 0 {
		t.Errorf("empty answer must score zero: %+v", res)
	}
	if res.Feedback == "" {
		t.Error("feedback must mark the question unanswered")
	}
}

func TestPayloadHashStable(t *testing.T) {
	a := model.AnswerPayload{Text: "gravity"}
	b := model.AnswerPayload{Text: "gravity"}
	if PayloadHash(a) != PayloadHash(b) {
		t.Error("identical payloads must hash identically")
	}
	c := model.AnswerPayload{ImageBase64: "gravity"}
	if PayloadHash(a) == PayloadHash(c) {
		t.Error("text and image payloads must hash differently")
	}
}
