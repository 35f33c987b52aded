package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/examhall/examhall/internal/engine"
	"github.com/examhall/examhall/internal/grader"
	"github.com/examhall/examhall/internal/i18n"
	"github.com/examhall/examhall/internal/model"
	"github.com/examhall/examhall/internal/selector"
	"github.com/examhall/examhall/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	eng := engine.New(engine.Config{
		Store:    s,
		Grader:   grader.New(nil, nil),
		Selector: selector.New(0, 0, rand.New(rand.NewPCG(7, 7))),
	})
	h := New(s, eng, Config{})

	r := chi.NewRouter()
	r.Use(i18n.Middleware("en"))
	h.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, s
}

func createUser(t *testing.T, s *store.Store, username, password string, role model.UserRole) int64 {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	id, err := s.CreateUser(model.User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id
}

func login(t *testing.T, srv *httptest.Server, username, password string) *http.Cookie {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(srv.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	t.Fatal("no session cookie in login response")
	return nil
}

// doJSON sends an authenticated request and decodes the JSON response
// into out when out is non-nil.
func doJSON(t *testing.T, srv *httptest.Server, cookie *http.Cookie, method, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func seedPool(t *testing.T, s *store.Store, topic string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := s.InsertQuestion(model.Question{
			Text:          fmt.Sprintf("%s question %d", topic, i),
			Type:          model.TypeFillBlank,
			CorrectAnswer: fmt.Sprintf("answer-%d", i),
			Topic:         topic,
			Difficulty:    model.DifficultyMedium,
		}); err != nil {
			t.Fatalf("InsertQuestion: %v", err)
		}
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv, s := newTestServer(t)
	createUser(t, s, "alice", "secret", model.UserRoleStudent)

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "wrong"})
	resp, err := http.Post(srv.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/api/practice", "/api/progress", "/api/admin/users"} {
		status := doJSON(t, srv, nil, http.MethodGet, path, nil, nil)
		if status != http.StatusUnauthorized {
			t.Errorf("GET %s without cookie: status = %d, want 401", path, status)
		}
	}
}

func TestPracticeFlow(t *testing.T) {
	srv, s := newTestServer(t)
	createUser(t, s, "alice", "secret", model.UserRoleStudent)
	seedPool(t, s, "mechanics", 3)
	cookie := login(t, srv, "alice", "secret")

	var sess model.Session
	status := doJSON(t, srv, cookie, http.MethodPost, "/api/practice/start",
		map[string]any{"topic": "mechanics", "question_count": 2}, &sess)
	if status != http.StatusCreated {
		t.Fatalf("start status = %d", status)
	}

	base := fmt.Sprintf("/api/practice/%d", sess.ID)
	for i := 0; i < 2; i++ {
		var next struct {
			Completed bool           `json:"completed"`
			Question  model.Question `json:"question"`
		}
		if status := doJSON(t, srv, cookie, http.MethodGet, base+"/next", nil, &next); status != http.StatusOK {
			t.Fatalf("next status = %d", status)
		}
		if next.Completed {
			t.Fatalf("question %d: unexpected completion", i)
		}

		q, err := s.GetQuestion(next.Question.ID)
		if err != nil {
			t.Fatalf("GetQuestion: %v", err)
		}
		var res model.AnswerResult
		status := doJSON(t, srv, cookie, http.MethodPost, base+"/answer",
			map[string]any{"question_id": q.ID, "text": q.CorrectAnswer}, &res)
		if status != http.StatusOK {
			t.Fatalf("answer status = %d", status)
		}
		if !res.IsCorrect || res.Feedback == "" {
			t.Errorf("graded result: %+v", res)
		}
	}

	var next struct {
		Completed bool `json:"completed"`
	}
	doJSON(t, srv, cookie, http.MethodGet, base+"/next", nil, &next)
	if !next.Completed {
		t.Error("budget spent, expected completion signal")
	}

	var sum model.Summary
	if status := doJSON(t, srv, cookie, http.MethodPost, base+"/complete", nil, &sum); status != http.StatusOK {
		t.Fatalf("complete status = %d", status)
	}
	if sum.Score != 2 || sum.Total != 2 {
		t.Errorf("summary = %+v, want 2/2", sum)
	}

	var state sessionStateResponse
	if status := doJSON(t, srv, cookie, http.MethodGet, base, nil, &state); status != http.StatusOK {
		t.Fatalf("get session status = %d", status)
	}
	if state.Session.Status != model.StatusCompleted || len(state.Results) != 2 {
		t.Errorf("session state: %+v", state.Session)
	}
}

func TestQuizFlow(t *testing.T) {
	srv, s := newTestServer(t)
	createUser(t, s, "alice", "secret", model.UserRoleStudent)
	seedPool(t, s, "optics", 3)
	cookie := login(t, srv, "alice", "secret")

	var quiz quizResponse
	status := doJSON(t, srv, cookie, http.MethodPost, "/api/quiz",
		map[string]any{"mode": "topic-focused", "topic": "optics", "question_count": 3, "duration_seconds": 300}, &quiz)
	if status != http.StatusCreated {
		t.Fatalf("create quiz status = %d", status)
	}
	if len(quiz.Questions) != 3 {
		t.Fatalf("got %d questions, want 3", len(quiz.Questions))
	}
	for _, q := range quiz.Questions {
		if q.CorrectAnswer != "" {
			t.Fatal("quiz response leaked an answer key")
		}
	}

	answers := map[string]any{}
	for i, q := range quiz.Questions {
		stored, err := s.GetQuestion(q.ID)
		if err != nil {
			t.Fatalf("GetQuestion: %v", err)
		}
		text := stored.CorrectAnswer
		if i == 2 {
			text = "wrong"
		}
		answers[fmt.Sprint(q.ID)] = map[string]string{"text": text}
	}

	var sum model.Summary
	status = doJSON(t, srv, cookie, http.MethodPost, fmt.Sprintf("/api/quiz/%d/submit", quiz.Session.ID),
		map[string]any{"answers": answers}, &sum)
	if status != http.StatusOK {
		t.Fatalf("submit status = %d", status)
	}
	if sum.Score != 2 || sum.Total != 3 {
		t.Errorf("summary = %+v, want 2/3", sum)
	}
}

func TestQuizInsufficientQuestions(t *testing.T) {
	srv, s := newTestServer(t)
	createUser(t, s, "alice", "secret", model.UserRoleStudent)
	seedPool(t, s, "optics", 1)
	cookie := login(t, srv, "alice", "secret")

	status := doJSON(t, srv, cookie, http.MethodPost, "/api/quiz",
		map[string]any{"mode": "topic-focused", "topic": "optics", "question_count": 5}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestSessionOwnership(t *testing.T) {
	srv, s := newTestServer(t)
	createUser(t, s, "alice", "secret", model.UserRoleStudent)
	createUser(t, s, "bob", "secret", model.UserRoleStudent)
	seedPool(t, s, "mechanics", 2)

	alice := login(t, srv, "alice", "secret")
	var sess model.Session
	doJSON(t, srv, alice, http.MethodPost, "/api/practice/start",
		map[string]any{"question_count": 2}, &sess)

	bob := login(t, srv, "bob", "secret")
	status := doJSON(t, srv, bob, http.MethodGet, fmt.Sprintf("/api/practice/%d", sess.ID), nil, nil)
	if status != http.StatusNotFound {
		t.Errorf("foreign session: status = %d, want 404", status)
	}
}

func TestAdminRoutesForbiddenForStudents(t *testing.T) {
	srv, s := newTestServer(t)
	createUser(t, s, "alice", "secret", model.UserRoleStudent)
	createUser(t, s, "prof", "secret", model.UserRoleTeacher)

	alice := login(t, srv, "alice", "secret")
	if status := doJSON(t, srv, alice, http.MethodGet, "/api/admin/users", nil, nil); status != http.StatusForbidden {
		t.Errorf("student on admin route: status = %d, want 403", status)
	}

	prof := login(t, srv, "prof", "secret")
	var users []model.User
	if status := doJSON(t, srv, prof, http.MethodGet, "/api/admin/users", nil, &users); status != http.StatusOK {
		t.Errorf("teacher on admin route: status = %d, want 200", status)
	}
	if len(users) != 2 {
		t.Errorf("got %d users, want 2", len(users))
	}
}

func TestCreateUserEndpoint(t *testing.T) {
	srv, s := newTestServer(t)
	createUser(t, s, "admin", "secret", model.UserRoleAdmin)
	cookie := login(t, srv, "admin", "secret")

	var created model.User
	status := doJSON(t, srv, cookie, http.MethodPost, "/api/admin/users",
		map[string]string{"username": "carol", "password": "hunter2", "display_name": "Carol"}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}
	if created.Username != "carol" || created.Role != model.UserRoleStudent {
		t.Errorf("created user: %+v", created)
	}

	// The new account can log in.
	login(t, srv, "carol", "hunter2")

	// Duplicate usernames are rejected.
	if status := doJSON(t, srv, cookie, http.MethodPost, "/api/admin/users",
		map[string]string{"username": "carol", "password": "x"}, nil); status != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", status)
	}
}

func TestProgressEndpoint(t *testing.T) {
	srv, s := newTestServer(t)
	createUser(t, s, "alice", "secret", model.UserRoleStudent)
	seedPool(t, s, "mechanics", 2)
	cookie := login(t, srv, "alice", "secret")

	var sess model.Session
	doJSON(t, srv, cookie, http.MethodPost, "/api/practice/start",
		map[string]any{"question_count": 2}, &sess)
	base := fmt.Sprintf("/api/practice/%d", sess.ID)
	for i := 0; i < 2; i++ {
		var next struct {
			Question model.Question `json:"question"`
		}
		doJSON(t, srv, cookie, http.MethodGet, base+"/next", nil, &next)
		doJSON(t, srv, cookie, http.MethodPost, base+"/answer",
			map[string]any{"question_id": next.Question.ID, "text": "wrong"}, nil)
	}

	var progress progressResponse
	if status := doJSON(t, srv, cookie, http.MethodGet, "/api/progress", nil, &progress); status != http.StatusOK {
		t.Fatalf("progress status = %d", status)
	}
	if len(progress.Topics) != 1 || progress.Topics[0].Accuracy != 0 {
		t.Errorf("topics: %+v", progress.Topics)
	}
	if len(progress.WeakTopics) != 1 {
		t.Errorf("weak topics: %+v", progress.WeakTopics)
	}
	if len(progress.Recommendations) == 0 {
		t.Error("expected a recommendation for the weak topic")
	}
}
