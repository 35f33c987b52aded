package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// QuestionType represents the kind of answer a question expects.
type QuestionType string

const (
	TypeMultipleChoice QuestionType = "multiple-choice"
	TypeTrueFalse      QuestionType = "true-or-false"
	TypeFillBlank      QuestionType = "fill-in-the-blank"
	TypeShortAnswer    QuestionType = "short-answer"
)

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// SourceReference points at the document page a question or answer is
// grounded in, so the student can open the relevant source material.
type SourceReference struct {
	DocumentID   int64  `json:"document_id,omitempty"`
	DocumentName string `json:"document_name,omitempty"`
	PageNumber   int    `json:"page_number,omitempty"`
	Snippet      string `json:"content_snippet,omitempty"`
}

// Question is immutable once issued to a session. CorrectAnswer is never
// serialized toward the client before grading.
type Question struct {
	ID            int64             `json:"id"`
	DocumentID    int64             `json:"document_id,omitempty"`
	Text          string            `json:"text"`
	Type          QuestionType      `json:"type"`
	Options       []string          `json:"options,omitempty"`
	CorrectAnswer string            `json:"-"`
	Topic         string            `json:"topic"`
	Difficulty    Difficulty        `json:"difficulty"`
	SourceRefs    []SourceReference `json:"source_references,omitempty"`
}

// Document is a registered source paper. Upload, rendering, and
// ingestion happen elsewhere; the store only resolves id to filename
// and carries the official exam duration for real-exam sessions.
type Document struct {
	ID              int64  `json:"id"`
	Filename        string `json:"filename"`
	Subject         string `json:"subject"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// SessionMode selects how questions are scoped and delivered.
type SessionMode string

const (
	// ModeAdaptive delivers one question at a time, biased toward weak topics.
	ModeAdaptive SessionMode = "adaptive"
	// ModeTopicFocused is a timed quiz over the chosen topic scope.
	ModeTopicFocused SessionMode = "topic-focused"
	// ModeRealExam is a timed quiz over a single source paper.
	ModeRealExam SessionMode = "real-exam"
)

// Incremental reports whether the mode issues questions one at a time.
func (m SessionMode) Incremental() bool { return m == ModeAdaptive }

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
)

// Scope restricts which pool questions a session may draw from.
// Zero values mean no restriction on that field.
type Scope struct {
	Topic      string     `json:"topic,omitempty"`
	Difficulty Difficulty `json:"difficulty,omitempty"`
	DocumentID int64      `json:"document_id,omitempty"`
}

// Session is the aggregate root for one student's run through a set of
// questions, either adaptive (incremental) or timed (batch).
type Session struct {
	ID              int64         `json:"id"`
	StudentID       int64         `json:"student_id"`
	Mode            SessionMode   `json:"mode"`
	Status          SessionStatus `json:"status"`
	Scope           Scope         `json:"scope"`
	QuestionIDs     []int64       `json:"question_ids"`
	TotalQuestions  int           `json:"total_questions"`
	DurationSeconds int           `json:"duration_seconds,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// AnswerPayload is what a student submits for one question: text, a
// handwritten image, or both (the image wins after OCR).
type AnswerPayload struct {
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// AnswerResult is one graded answer. Rows are append-only: an edit is a
// new row superseding the old one, never a mutation.
type AnswerResult struct {
	ID             int64             `json:"-"`
	SessionID      int64             `json:"-"`
	QuestionID     int64             `json:"question_id"`
	Topic          string            `json:"topic,omitempty"`
	StudentAnswer  string            `json:"student_answer"`
	WasHandwritten bool              `json:"was_handwritten"`
	OCRText        string            `json:"ocr_text,omitempty"`
	IsCorrect      bool              `json:"is_correct"`
	Score          float64           `json:"score"`
	Feedback       string            `json:"feedback"`
	SourceRefs     []SourceReference `json:"source_references,omitempty"`
	PayloadHash    string            `json:"-"`
	CreatedAt      time.Time         `json:"created_at"`
}

// TopicMetric is the per-topic accuracy derived from a set of graded
// answers. Total is always > 0 for an emitted metric: a topic with no
// data has no accuracy, not a zero one.
type TopicMetric struct {
	Topic    string  `json:"topic"`
	Correct  int     `json:"correct_count"`
	Total    int     `json:"total_count"`
	Accuracy float64 `json:"accuracy"`
}

// Summary is the final result of a completed session.
type Summary struct {
	Score      int           `json:"score"`
	Total      int           `json:"total"`
	Accuracy   float64       `json:"accuracy"`
	Breakdown  []TopicMetric `json:"topic_breakdown"`
	WeakTopics []string      `json:"weak_topics"`
}

// Verdict is what grading a single answer produces, before it is
// persisted as an AnswerResult.
type Verdict struct {
	IsCorrect bool    `json:"is_correct"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback"`
}
