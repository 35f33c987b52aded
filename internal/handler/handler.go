// Package handler exposes the JSON API: session lifecycle, grading,
// progress, and administration.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/examhall/examhall/internal/engine"
	appI18n "github.com/examhall/examhall/internal/i18n"
	"github.com/examhall/examhall/internal/model"
	"github.com/examhall/examhall/internal/selector"
	"github.com/examhall/examhall/internal/store"
)

// Config holds handler-level settings.
type Config struct {
	SecureCookies bool
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	engine *engine.Engine
	config Config
}

// New creates a new Handler.
func New(s *store.Store, e *engine.Engine, cfg Config) *Handler {
	return &Handler{store: s, engine: e, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/api/login", h.handleLogin)
	r.Post("/api/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Route("/api/practice", func(r chi.Router) {
			r.Get("/", h.handleListSessions)
			r.Post("/start", h.handleStartPractice)
			r.Get("/{sessionID}", h.handleGetSession)
			r.Get("/{sessionID}/next", h.handleNextQuestion)
			r.Post("/{sessionID}/answer", h.handleSubmitAnswer)
			r.Post("/{sessionID}/complete", h.handleCompleteSession)
		})

		r.Route("/api/quiz", func(r chi.Router) {
			r.Post("/", h.handleCreateQuiz)
			r.Get("/{sessionID}", h.handleGetSession)
			r.Post("/{sessionID}/submit", h.handleSubmitQuiz)
		})

		r.Get("/api/progress", h.handleProgress)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
			r.Get("/api/admin/sessions", h.handleAdminSessions)
			r.Get("/api/admin/export", h.handleExport)
			r.Get("/api/admin/users", h.handleListUsers)
			r.Post("/api/admin/users", h.handleCreateUser)
			r.Post("/api/admin/users/{userID}/toggle", h.handleToggleUser)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startPracticeRequest struct {
	Topic         string           `json:"topic"`
	Difficulty    model.Difficulty `json:"difficulty"`
	QuestionCount int              `json:"question_count"`
}

func (h *Handler) handleStartPractice(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	var req startPracticeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.QuestionCount <= 0 {
		req.QuestionCount = 10
	}

	sess, err := h.engine.CreateSession(r.Context(), engine.CreateParams{
		StudentID:     user.ID,
		Mode:          model.ModeAdaptive,
		Scope:         model.Scope{Topic: req.Topic, Difficulty: req.Difficulty},
		QuestionCount: req.QuestionCount,
	})
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

type createQuizRequest struct {
	Mode            model.SessionMode `json:"mode"`
	Topic           string            `json:"topic"`
	Difficulty      model.Difficulty  `json:"difficulty"`
	DocumentID      int64             `json:"document_id"`
	QuestionCount   int               `json:"question_count"`
	DurationSeconds int               `json:"duration_seconds"`
}

type quizResponse struct {
	Session   model.Session    `json:"session"`
	Questions []model.Question `json:"questions"`
}

func (h *Handler) handleCreateQuiz(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	var req createQuizRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mode == "" {
		req.Mode = model.ModeTopicFocused
	}
	if req.Mode.Incremental() {
		respondError(w, http.StatusBadRequest, "mode must be topic-focused or real-exam")
		return
	}

	sess, err := h.engine.CreateSession(r.Context(), engine.CreateParams{
		StudentID:       user.ID,
		Mode:            req.Mode,
		Scope:           model.Scope{Topic: req.Topic, Difficulty: req.Difficulty, DocumentID: req.DocumentID},
		QuestionCount:   req.QuestionCount,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		h.respondEngineError(w, err)
		return
	}

	// Ship the full question list so the client can render the paper.
	// Answer keys never leave the server before grading.
	questions := make([]model.Question, 0, len(sess.QuestionIDs))
	for _, qID := range sess.QuestionIDs {
		q, err := h.store.GetQuestion(qID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "load questions")
			return
		}
		q.CorrectAnswer = ""
		questions = append(questions, q)
	}
	respondJSON(w, http.StatusCreated, quizResponse{Session: sess, Questions: questions})
}

func (h *Handler) handleNextQuestion(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	q, err := h.engine.NextQuestion(r.Context(), sessionID)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	if q == nil {
		respondJSON(w, http.StatusOK, map[string]bool{"completed": true})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"completed": false, "question": q})
}

type submitAnswerRequest struct {
	QuestionID  int64  `json:"question_id"`
	Text        string `json:"text"`
	ImageBase64 string `json:"image_base64"`
}

func (h *Handler) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	var req submitAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.QuestionID == 0 {
		respondError(w, http.StatusBadRequest, "question_id is required")
		return
	}

	res, err := h.engine.SubmitAnswer(r.Context(), sessionID, req.QuestionID,
		model.AnswerPayload{Text: req.Text, ImageBase64: req.ImageBase64})
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	sum, err := h.engine.CompleteSession(r.Context(), sessionID)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

type submitQuizRequest struct {
	Answers map[string]model.AnswerPayload `json:"answers"`
}

func (h *Handler) handleSubmitQuiz(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	var req submitQuizRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	answers := make(map[int64]model.AnswerPayload, len(req.Answers))
	for key, payload := range req.Answers {
		qID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid question id "+key)
			return
		}
		answers[qID] = payload
	}

	sum, err := h.engine.SubmitBatch(r.Context(), sessionID, answers)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

type sessionStateResponse struct {
	Session model.Session        `json:"session"`
	Results []model.AnswerResult `json:"results"`
	Summary *model.Summary       `json:"summary"`
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	sess, results, sum, err := h.engine.SessionState(r.Context(), sessionID)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionStateResponse{Session: sess, Results: results, Summary: sum})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	sessions, err := h.store.ListSessionsForStudent(user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list sessions")
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

type progressResponse struct {
	Topics          []model.TopicMetric `json:"topics"`
	WeakTopics      []model.TopicMetric `json:"weak_topics"`
	Recommendations []string            `json:"recommendations"`
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	metrics, weak, err := h.engine.Progress(r.Context(), user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "compute progress")
		return
	}

	resp := progressResponse{Topics: metrics, WeakTopics: weak}
	threshold := int(math.Round(h.engine.WeakThreshold() * 100))
	for _, m := range weak {
		resp.Recommendations = append(resp.Recommendations,
			appI18n.Td(r.Context(), "RecommendWeakTopic",
				map[string]any{"Topic": m.Topic, "Threshold": threshold}))
	}
	if len(weak) == 0 && len(metrics) > 0 {
		resp.Recommendations = []string{appI18n.T(r.Context(), "RecommendAllStrong")}
	}
	if resp.Topics == nil {
		resp.Topics = []model.TopicMetric{}
	}
	if resp.WeakTopics == nil {
		resp.WeakTopics = []model.TopicMetric{}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list sessions")
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := h.store.ExportAllSessions()
	if err != nil {
		slog.Error("export failed", "error", err)
		respondError(w, http.StatusInternalServerError, "export results")
		return
	}
	respondJSON(w, http.StatusOK, export)
}

// ownedSession parses the session id and checks the caller may touch
// it: students only their own sessions, staff any. It writes the error
// response itself and reports success through the bool.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (int64, bool) {
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session ID")
		return 0, false
	}

	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		// An unknown id and a foreign id look the same to the caller.
		respondError(w, http.StatusNotFound, "session not found")
		return 0, false
	}

	user := model.UserFromContext(r.Context())
	if user.Role == model.UserRoleStudent && sess.StudentID != user.ID {
		respondError(w, http.StatusNotFound, "session not found")
		return 0, false
	}
	return sessionID, true
}

func (h *Handler) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, engine.ErrSessionCompleted):
		respondError(w, http.StatusConflict, "session already completed")
	case errors.Is(err, engine.ErrQuestionNotInSession):
		respondError(w, http.StatusBadRequest, "question does not belong to session")
	case errors.Is(err, engine.ErrWrongMode):
		respondError(w, http.StatusBadRequest, "operation not valid for session mode")
	case errors.Is(err, selector.ErrInsufficientQuestions):
		respondError(w, http.StatusBadRequest, "not enough questions for the requested scope")
	default:
		slog.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
