package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/examhall/examhall/internal/model"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding the question pool, sessions,
// and the append-only answer result log.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer, and every connection to a
	// :memory: database is its own database. One pooled connection
	// serves both cases.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		duration_seconds INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL,
		question_type TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '',
		correct_answer TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		difficulty TEXT NOT NULL DEFAULT 'medium',
		source_refs TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id INTEGER NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		scope_topic TEXT NOT NULL DEFAULT '',
		scope_difficulty TEXT NOT NULL DEFAULT '',
		scope_document_id INTEGER NOT NULL DEFAULT 0,
		total_questions INTEGER NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		summary TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (student_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS session_questions (
		session_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (session_id, question_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS answer_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		student_answer TEXT NOT NULL DEFAULT '',
		was_handwritten BOOLEAN NOT NULL DEFAULT 0,
		ocr_text TEXT NOT NULL DEFAULT '',
		is_correct BOOLEAN NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		source_refs TEXT NOT NULL DEFAULT '[]',
		payload_hash TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_results_session_question
		ON answer_results (session_id, question_id, id);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ── Documents ────────────────────────────────────────────────────────

// InsertDocument registers a source paper.
func (s *Store) InsertDocument(d model.Document) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO documents (filename, subject, duration_seconds) VALUES (?, ?, ?)`,
		d.Filename, d.Subject, d.DurationSeconds,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetDocument returns a document by ID.
func (s *Store) GetDocument(id int64) (model.Document, error) {
	var d model.Document
	err := s.db.QueryRow(
		`SELECT id, filename, subject, duration_seconds FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Filename, &d.Subject, &d.DurationSeconds)
	return d, err
}

// FindDocumentByFilename returns the document with the given filename,
// or nil when none exists.
func (s *Store) FindDocumentByFilename(filename string) (*model.Document, error) {
	var d model.Document
	err := s.db.QueryRow(
		`SELECT id, filename, subject, duration_seconds FROM documents WHERE filename = ?`, filename,
	).Scan(&d.ID, &d.Filename, &d.Subject, &d.DurationSeconds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ── Questions ────────────────────────────────────────────────────────

const questionCols = `id, document_id, text, question_type, options, correct_answer, topic, difficulty, source_refs`

func scanQuestion(row interface{ Scan(...any) error }) (model.Question, error) {
	var q model.Question
	var options, refs string
	err := row.Scan(&q.ID, &q.DocumentID, &q.Text, &q.Type, &options, &q.CorrectAnswer, &q.Topic, &q.Difficulty, &refs)
	if err != nil {
		return q, err
	}
	if options != "" {
		q.Options = strings.Split(options, "|")
	}
	if refs != "" && refs != "[]" {
		if err := json.Unmarshal([]byte(refs), &q.SourceRefs); err != nil {
			return q, fmt.Errorf("decode source refs for question %d: %w", q.ID, err)
		}
	}
	return q, nil
}

// InsertQuestion stores a question in the pool.
func (s *Store) InsertQuestion(q model.Question) (int64, error) {
	refs, err := json.Marshal(q.SourceRefs)
	if err != nil {
		return 0, fmt.Errorf("encode source refs: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO questions (document_id, text, question_type, options, correct_answer, topic, difficulty, source_refs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.DocumentID, q.Text, q.Type, strings.Join(q.Options, "|"), q.CorrectAnswer, q.Topic, q.Difficulty, string(refs),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(id int64) (model.Question, error) {
	row := s.db.QueryRow(`SELECT `+questionCols+` FROM questions WHERE id = ?`, id)
	return scanQuestion(row)
}

// ListQuestionsScoped returns pool questions matching the scope.
// Zero-valued scope fields mean no filtering on that field.
func (s *Store) ListQuestionsScoped(scope model.Scope) ([]model.Question, error) {
	query := `SELECT ` + questionCols + ` FROM questions WHERE 1=1`
	var args []any
	if scope.Topic != "" {
		query += ` AND topic = ?`
		args = append(args, scope.Topic)
	}
	if scope.Difficulty != "" {
		query += ` AND difficulty = ?`
		args = append(args, scope.Difficulty)
	}
	if scope.DocumentID != 0 {
		query += ` AND document_id = ?`
		args = append(args, scope.DocumentID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetImportedFileHash returns the recorded content hash for an import
// path, or "" when the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records that an import file was loaded.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash`,
		path, hash,
	)
	return err
}

// QuestionCount returns the number of questions in the pool.
func (s *Store) QuestionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// ── Sessions ─────────────────────────────────────────────────────────

// CreateSession creates a session and its initial question list in one
// transaction. questionIDs may be empty (adaptive sessions grow their
// list one question at a time).
func (s *Store) CreateSession(sess model.Session, questionIDs []int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO sessions (student_id, mode, status, scope_topic, scope_difficulty, scope_document_id,
		                       total_questions, duration_seconds, started_at)
		 VALUES (?, ?, 'in_progress', ?, ?, ?, ?, ?, ?)`,
		sess.StudentID, sess.Mode, sess.Scope.Topic, sess.Scope.Difficulty, sess.Scope.DocumentID,
		sess.TotalQuestions, sess.DurationSeconds, sess.StartedAt,
	)
	if err != nil {
		return 0, err
	}
	sessionID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, qID := range questionIDs {
		_, err := tx.Exec(
			`INSERT INTO session_questions (session_id, question_id, position) VALUES (?, ?, ?)`,
			sessionID, qID, i,
		)
		if err != nil {
			return 0, err
		}
	}

	return sessionID, tx.Commit()
}

// GetSession returns a session with its ordered question ID list.
func (s *Store) GetSession(id int64) (model.Session, error) {
	var sess model.Session
	err := s.db.QueryRow(
		`SELECT id, student_id, mode, status, scope_topic, scope_difficulty, scope_document_id,
		        total_questions, duration_seconds, started_at, completed_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.StudentID, &sess.Mode, &sess.Status, &sess.Scope.Topic, &sess.Scope.Difficulty,
		&sess.Scope.DocumentID, &sess.TotalQuestions, &sess.DurationSeconds, &sess.StartedAt, &sess.CompletedAt)
	if err != nil {
		return sess, err
	}

	rows, err := s.db.Query(
		`SELECT question_id FROM session_questions WHERE session_id = ? ORDER BY position`, id,
	)
	if err != nil {
		return sess, err
	}
	defer rows.Close()
	for rows.Next() {
		var qID int64
		if err := rows.Scan(&qID); err != nil {
			return sess, err
		}
		sess.QuestionIDs = append(sess.QuestionIDs, qID)
	}
	return sess, rows.Err()
}

// AppendSessionQuestion records a newly issued question for an adaptive
// session. The position continues the existing order. The insert is
// conditional: it applies only while the session holds fewer than
// budget questions (a budget of zero or less means unlimited) and the
// question is not already issued, and reports whether a row was
// written. Concurrent issuance requests race on this single statement,
// so the issued count never passes the budget.
func (s *Store) AppendSessionQuestion(sessionID, questionID int64, budget int) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO session_questions (session_id, question_id, position)
		 SELECT ?, ?, (SELECT COUNT(*) FROM session_questions WHERE session_id = ?)
		 WHERE (? <= 0 OR (SELECT COUNT(*) FROM session_questions WHERE session_id = ?) < ?)
		   AND NOT EXISTS (SELECT 1 FROM session_questions WHERE session_id = ? AND question_id = ?)`,
		sessionID, questionID, sessionID,
		budget, sessionID, budget,
		sessionID, questionID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SessionHasQuestion reports whether the question was issued to the session.
func (s *Store) SessionHasQuestion(sessionID, questionID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM session_questions WHERE session_id = ? AND question_id = ?`,
		sessionID, questionID,
	).Scan(&n)
	return n > 0, err
}

// ListSessionsForStudent returns a student's sessions, newest first.
func (s *Store) ListSessionsForStudent(studentID int64) ([]model.Session, error) {
	return s.listSessions(`WHERE student_id = ?`, studentID)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]model.Session, error) {
	return s.listSessions(``)
}

func (s *Store) listSessions(where string, args ...any) ([]model.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, student_id, mode, status, scope_topic, scope_difficulty, scope_document_id,
		        total_questions, duration_seconds, started_at, completed_at
		 FROM sessions `+where+` ORDER BY id DESC`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.StudentID, &sess.Mode, &sess.Status, &sess.Scope.Topic,
			&sess.Scope.Difficulty, &sess.Scope.DocumentID, &sess.TotalQuestions, &sess.DurationSeconds,
			&sess.StartedAt, &sess.CompletedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListOpenTimedSessions returns in-progress sessions that carry a
// duration, for re-arming timeout supervision after a restart.
func (s *Store) ListOpenTimedSessions() ([]model.Session, error) {
	return s.listSessions(`WHERE status = 'in_progress' AND duration_seconds > 0`)
}

// ── Answer results ───────────────────────────────────────────────────

const resultCols = `id, session_id, question_id, topic, student_answer, was_handwritten, ocr_text,
	is_correct, score, feedback, source_refs, payload_hash, created_at`

func scanResult(row interface{ Scan(...any) error }) (model.AnswerResult, error) {
	var r model.AnswerResult
	var refs string
	err := row.Scan(&r.ID, &r.SessionID, &r.QuestionID, &r.Topic, &r.StudentAnswer, &r.WasHandwritten,
		&r.OCRText, &r.IsCorrect, &r.Score, &r.Feedback, &refs, &r.PayloadHash, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	if refs != "" && refs != "[]" {
		if err := json.Unmarshal([]byte(refs), &r.SourceRefs); err != nil {
			return r, fmt.Errorf("decode source refs for result %d: %w", r.ID, err)
		}
	}
	return r, nil
}

func insertResult(ex interface {
	Exec(string, ...any) (sql.Result, error)
}, r model.AnswerResult) (int64, error) {
	refs, err := json.Marshal(r.SourceRefs)
	if err != nil {
		return 0, fmt.Errorf("encode source refs: %w", err)
	}
	res, err := ex.Exec(
		`INSERT INTO answer_results (session_id, question_id, topic, student_answer, was_handwritten,
		                             ocr_text, is_correct, score, feedback, source_refs, payload_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.QuestionID, r.Topic, r.StudentAnswer, r.WasHandwritten, r.OCRText,
		r.IsCorrect, r.Score, r.Feedback, string(refs), r.PayloadHash, r.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CurrentResult returns the newest result row for (session, question),
// or nil when the question has not been answered.
func (s *Store) CurrentResult(sessionID, questionID int64) (*model.AnswerResult, error) {
	row := s.db.QueryRow(
		`SELECT `+resultCols+` FROM answer_results
		 WHERE session_id = ? AND question_id = ?
		 ORDER BY id DESC LIMIT 1`, sessionID, questionID,
	)
	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListCurrentResults returns the counted (newest-per-question) results
// for a session, in question issue order.
func (s *Store) ListCurrentResults(sessionID int64) ([]model.AnswerResult, error) {
	rows, err := s.db.Query(
		`SELECT `+resultCols+` FROM answer_results ar
		 WHERE ar.session_id = ?
		   AND ar.id = (SELECT MAX(id) FROM answer_results
		                WHERE session_id = ar.session_id AND question_id = ar.question_id)
		 ORDER BY (SELECT position FROM session_questions sq
		           WHERE sq.session_id = ar.session_id AND sq.question_id = ar.question_id)`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.AnswerResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ListStudentResults returns the counted results across all of a
// student's sessions, for historical topic metrics.
func (s *Store) ListStudentResults(studentID int64) ([]model.AnswerResult, error) {
	rows, err := s.db.Query(
		`SELECT `+resultCols+` FROM answer_results ar
		 WHERE ar.session_id IN (SELECT id FROM sessions WHERE student_id = ?)
		   AND ar.id = (SELECT MAX(id) FROM answer_results
		                WHERE session_id = ar.session_id AND question_id = ar.question_id)
		 ORDER BY ar.id`, studentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.AnswerResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// InsertAnswerResult appends one graded answer if, and only if, the
// session is still in progress. Returns false when the session was
// already completed (the result is not written).
func (s *Store) InsertAnswerResult(r model.AnswerResult) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	open, err := sessionOpen(tx, r.SessionID)
	if err != nil {
		return false, err
	}
	if !open {
		return false, nil
	}
	if _, err := insertResult(tx, r); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func sessionOpen(tx *sql.Tx, sessionID int64) (bool, error) {
	var status string
	err := tx.QueryRow(`SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if err != nil {
		return false, err
	}
	return status == string(model.StatusInProgress), nil
}

// ── Completion ───────────────────────────────────────────────────────

// CompleteSession transitions a session to completed and stores the
// final summary. Returns false when another writer completed it first;
// the stored summary then remains that writer's.
func (s *Store) CompleteSession(sessionID int64, summary model.Summary, completedAt time.Time) (bool, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return false, fmt.Errorf("encode summary: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE sessions SET status = 'completed', completed_at = ?, summary = ?
		 WHERE id = ? AND status = 'in_progress'`,
		completedAt, string(data), sessionID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SubmitBatch writes a full set of graded answers and completes the
// session in one transaction: either everything commits, or nothing is
// persisted and the session stays in progress. Returns false without
// writing when the session was already completed.
func (s *Store) SubmitBatch(sessionID int64, results []model.AnswerResult, summary model.Summary, completedAt time.Time) (bool, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return false, fmt.Errorf("encode summary: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	open, err := sessionOpen(tx, sessionID)
	if err != nil {
		return false, err
	}
	if !open {
		return false, nil
	}

	for _, r := range results {
		if _, err := insertResult(tx, r); err != nil {
			return false, err
		}
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET status = 'completed', completed_at = ?, summary = ? WHERE id = ?`,
		completedAt, string(data), sessionID,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// StoredSummary returns the summary persisted at completion, or nil
// for a session that has not completed yet.
func (s *Store) StoredSummary(sessionID int64) (*model.Summary, error) {
	var raw string
	err := s.db.QueryRow(`SELECT summary FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var sum model.Summary
	if err := json.Unmarshal([]byte(raw), &sum); err != nil {
		return nil, fmt.Errorf("decode summary for session %d: %w", sessionID, err)
	}
	return &sum, nil
}
