package store

import (
	"fmt"

	"github.com/examhall/examhall/internal/model"
)

// ExportAllSessions builds export-ready results from every session,
// pairing each graded answer with its question for standalone reading.
func (s *Store) ExportAllSessions() ([]model.SessionResult, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	// Track session count per student for session_number.
	studentSessionCount := make(map[int64]int)

	var results []model.SessionResult
	for _, sess := range sessions {
		studentSessionCount[sess.StudentID]++

		user, err := s.GetUserByID(sess.StudentID)
		if err != nil {
			return nil, fmt.Errorf("get user %d: %w", sess.StudentID, err)
		}

		answers, err := s.ListCurrentResults(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("results for session %d: %w", sess.ID, err)
		}

		var exported []model.AnswerExport
		for _, r := range answers {
			q, err := s.GetQuestion(r.QuestionID)
			if err != nil {
				return nil, fmt.Errorf("question %d: %w", r.QuestionID, err)
			}
			exported = append(exported, model.AnswerExport{
				QuestionText:  q.Text,
				QuestionType:  q.Type,
				Topic:         q.Topic,
				Difficulty:    q.Difficulty,
				CorrectAnswer: q.CorrectAnswer,
				Result:        r,
			})
		}

		summary, err := s.StoredSummary(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("summary for session %d: %w", sess.ID, err)
		}

		sr := model.SessionResult{
			SessionID:     sess.ID,
			SessionNumber: studentSessionCount[sess.StudentID],
			Mode:          sess.Mode,
			Status:        sess.Status,
			StartedAt:     sess.StartedAt,
			CompletedAt:   sess.CompletedAt,
			Summary:       summary,
			Answers:       exported,
		}
		if user != nil {
			sr.Username = user.Username
			sr.DisplayName = user.DisplayName
		}
		results = append(results, sr)
	}

	return results, nil
}
