package model

import "time"

// ResultsExport is the top-level document produced by the export command.
type ResultsExport struct {
	ExamID     string          `json:"exam_id"`
	Subject    string          `json:"subject"`
	Date       string          `json:"date"`
	ExportedAt time.Time       `json:"exported_at"`
	Sessions   []SessionResult `json:"sessions"`
}

// SessionResult is one student's session with its graded answers.
type SessionResult struct {
	SessionID     int64          `json:"session_id"`
	Username      string         `json:"username"`
	DisplayName   string         `json:"display_name"`
	SessionNumber int            `json:"session_number"`
	Mode          SessionMode    `json:"mode"`
	Status        SessionStatus  `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Summary       *Summary       `json:"summary,omitempty"`
	Answers       []AnswerExport `json:"answers"`
}

// AnswerExport pairs a graded answer with its question text for
// standalone reading outside the database.
type AnswerExport struct {
	QuestionText  string       `json:"question_text"`
	QuestionType  QuestionType `json:"question_type"`
	Topic         string       `json:"topic"`
	Difficulty    Difficulty   `json:"difficulty"`
	CorrectAnswer string       `json:"correct_answer"`
	Result        AnswerResult `json:"result"`
}
