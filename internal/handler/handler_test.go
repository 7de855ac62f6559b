package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/jinjjij/Capstone-Qbank/internal/config"
	"github.com/jinjjij/Capstone-Qbank/internal/generate"
	appI18n "github.com/jinjjij/Capstone-Qbank/internal/i18n"
	"github.com/jinjjij/Capstone-Qbank/internal/llm"
	"github.com/jinjjij/Capstone-Qbank/internal/metrics"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
	"github.com/jinjjij/Capstone-Qbank/internal/store"
)

func TestMain(m *testing.M) {
	bcryptCost = bcrypt.MinCost
	if err := appI18n.Init("en"); err != nil {
		fmt.Fprintln(os.Stderr, "init i18n:", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// fakeModel answers with respond, or with as many valid questions as the
// tool schema asks for.
type fakeModel struct {
	mu       sync.Mutex
	requests []llm.Request
	respond  func(req llm.Request) (*llm.Response, error)
	pingErr  error
}

func (f *fakeModel) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(req)
	}
	return &llm.Response{Arguments: itemsJSON(requested(req))}, nil
}

func (f *fakeModel) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeModel) setRespond(fn func(req llm.Request) (*llm.Response, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeModel) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return ""
	}
	return f.requests[len(f.requests)-1].Prompt
}

func requested(req llm.Request) int {
	props := req.Tool.Parameters["properties"].(map[string]any)
	return props["items"].(map[string]any)["minItems"].(int)
}

func itemsJSON(n int) string {
	var items []string
	for i := 0; i < n; i++ {
		items = append(items, fmt.Sprintf(
			`{"question":"Generated %d","choices":[{"id":"A","text":"yes"},{"id":"B","text":"no"}],"answer":{"id":"A"}}`, i+1))
	}
	return `{"items":[` + strings.Join(items, ",") + `]}`
}

func testConfig() config.Config {
	return config.Config{
		DBPath: ":memory:",
		LLM: config.LLM{
			Key:         "test-key",
			Model:       "test-model",
			Timeout:     time.Second,
			MaxAttempts: 1,
			MaxTokens:   500,
		},
		BatchCap:       5,
		MaxSourceChars: 20000,
		MaxCount:       20,
		BackoffBase:    time.Millisecond,
		BackoffCap:     time.Millisecond,
		SessionTTL:     time.Hour,
		AdminEmails:    []string{"admin@example.com"},
		AIRate:         600,
		AIBurst:        100,
		Lang:           "en",
	}
}

type testEnv struct {
	t     *testing.T
	srv   *httptest.Server
	store *store.Store
	model *fakeModel
}

func newTestEnv(t *testing.T, cfg config.Config, withAI bool) *testEnv {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	fm := &fakeModel{}
	var h *Handler
	if withAI {
		h = New(s, generate.New(fm, cfg.Generate(), nil), fm, cfg, metrics.New())
	} else {
		h = New(s, nil, nil, cfg, metrics.New())
	}

	r := chi.NewRouter()
	r.Use(appI18n.Middleware)
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{t: t, srv: srv, store: s, model: fm}
}

type apiResponse struct {
	status int
	header http.Header

	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Details map[string]any  `json:"details"`
}

// client is one browser: it keeps its own session cookie.
type client struct {
	t    *testing.T
	base string
	http *http.Client
	lang string
}

func (e *testEnv) client() *client {
	jar, err := cookiejar.New(nil)
	if err != nil {
		e.t.Fatalf("cookiejar.New: %v", err)
	}
	return &client{t: e.t, base: e.srv.URL, http: &http.Client{Jar: jar}}
}

func (c *client) send(req *http.Request) apiResponse {
	c.t.Helper()
	if c.lang != "" {
		req.Header.Set("Accept-Language", c.lang)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("read body: %v", err)
	}

	out := apiResponse{status: resp.StatusCode, header: resp.Header}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			c.t.Fatalf("%s %s: decode %q: %v", req.Method, req.URL.Path, raw, err)
		}
	}
	return out
}

func (c *client) do(method, path string, body any) apiResponse {
	c.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		c.t.Fatalf("NewRequest: %v", err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

type upload struct {
	field, name string
	data        []byte
}

func (c *client) upload(path string, fields map[string]string, files ...upload) apiResponse {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			c.t.Fatalf("WriteField: %v", err)
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			c.t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(f.data)
	}
	if err := mw.Close(); err != nil {
		c.t.Fatalf("close multipart: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, &buf)
	if err != nil {
		c.t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req)
}

// signup creates an account and logs the client in.
func (c *client) signup(email string) model.User {
	c.t.Helper()
	creds := map[string]string{"email": email, "password": "correct horse"}
	if res := c.do(http.MethodPost, "/api/users", creds); res.status != http.StatusCreated {
		c.t.Fatalf("signup %s: expected 201, got %d (%s)", email, res.status, res.Error)
	}
	res := c.do(http.MethodPost, "/api/session", creds)
	if res.status != http.StatusOK {
		c.t.Fatalf("login %s: expected 200, got %d (%s)", email, res.status, res.Error)
	}
	var out struct{ User model.User }
	decodeData(c.t, res, &out)
	return out.User
}

func (c *client) createBook(title string, vis model.Visibility) model.Book {
	c.t.Helper()
	res := c.do(http.MethodPost, "/api/books", map[string]any{"title": title, "visibility": vis})
	if res.status != http.StatusCreated {
		c.t.Fatalf("create book: expected 201, got %d (%s)", res.status, res.Error)
	}
	var b model.Book
	decodeData(c.t, res, &b)
	return b
}

func (c *client) addQuestions(bookID int64, position string, questions ...string) {
	c.t.Helper()
	var items []model.QuestionItem
	for _, q := range questions {
		items = append(items, mcq(q))
	}
	body := map[string]any{"items": items}
	if position != "" {
		body["insert"] = map[string]string{"position": position}
	}
	res := c.do(http.MethodPost, fmt.Sprintf("/api/books/%d/questions", bookID), body)
	if res.status != http.StatusCreated {
		c.t.Fatalf("insert questions: expected 201, got %d (%s %v)", res.status, res.Error, res.Details)
	}
}

func mcq(text string) model.QuestionItem {
	return model.QuestionItem{
		Type:     model.QuestionMCQ,
		Question: text,
		Choices:  []model.Choice{{ID: "A", Text: "first"}, {ID: "B", Text: "second"}},
		Answer:   model.Answer{ID: "A"},
	}
}

func decodeData(t *testing.T, res apiResponse, dst any) {
	t.Helper()
	if err := json.Unmarshal(res.Data, dst); err != nil {
		t.Fatalf("decode data %s: %v", res.Data, err)
	}
}

func expectError(t *testing.T, res apiResponse, status int, code string) {
	t.Helper()
	if res.status != status || res.OK || res.Error != code {
		t.Errorf("expected %d %s, got %d %s (ok=%v)", status, code, res.status, res.Error, res.OK)
	}
}

type questionView struct {
	ID         int64  `json:"id"`
	OrderIndex int    `json:"orderIndex"`
	Question   string `json:"question"`
}

func (c *client) questions(bookID int64) []questionView {
	c.t.Helper()
	res := c.do(http.MethodGet, fmt.Sprintf("/api/books/%d/questions", bookID), nil)
	if res.status != http.StatusOK {
		c.t.Fatalf("list questions: expected 200, got %d (%s)", res.status, res.Error)
	}
	var out struct {
		Items []questionView `json:"items"`
		Count int            `json:"count"`
	}
	decodeData(c.t, res, &out)
	if out.Count != len(out.Items) {
		c.t.Errorf("expected count %d, got %d", len(out.Items), out.Count)
	}
	return out.Items
}

func texts(qs []questionView) string {
	var out []string
	for _, q := range qs {
		out = append(out, fmt.Sprintf("%d:%s", q.OrderIndex, q.Question))
	}
	return strings.Join(out, " ")
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	res := env.client().do(http.MethodGet, "/api/health", nil)
	if res.status != http.StatusOK || !res.OK {
		t.Fatalf("expected 200 ok, got %d", res.status)
	}
	var out struct{ SchemaVersion string }
	decodeData(t, res, &out)
	if out.SchemaVersion != "1" {
		t.Errorf("expected schema version 1, got %q", out.SchemaVersion)
	}
}

func TestSignupAndSession(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()

	expectError(t, c.do(http.MethodGet, "/api/users/me", nil), http.StatusUnauthorized, "UNAUTHORIZED")

	u := c.signup("  Reader@Example.com ")
	if u.Email != "reader@example.com" {
		t.Errorf("expected normalized email, got %q", u.Email)
	}
	if u.IsAdmin {
		t.Error("signup must not grant admin")
	}

	res := c.do(http.MethodPost, "/api/users", map[string]string{"email": "reader@example.com", "password": "another pass"})
	expectError(t, res, http.StatusConflict, "CONFLICT")
	if res.Message != "This email is already registered." {
		t.Errorf("unexpected message %q", res.Message)
	}

	res = c.do(http.MethodGet, "/api/users/me", nil)
	if res.status != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.status)
	}
	var me model.User
	decodeData(t, res, &me)
	if me.ID != u.ID || me.Email != u.Email {
		t.Errorf("expected %d/%s, got %d/%s", u.ID, u.Email, me.ID, me.Email)
	}

	if res := c.do(http.MethodDelete, "/api/session", nil); res.status != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", res.status)
	}
	expectError(t, c.do(http.MethodGet, "/api/users/me", nil), http.StatusUnauthorized, "UNAUTHORIZED")

	res = c.do(http.MethodPost, "/api/session", map[string]string{"email": "reader@example.com", "password": "wrong password"})
	expectError(t, res, http.StatusUnauthorized, "UNAUTHORIZED")
	if res.Message != "Email or password is incorrect." {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestSignupValidation(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()

	tests := []struct {
		name string
		body string
		code string
	}{
		{"short password", `{"email":"a@example.com","password":"short"}`, "INVALID_FIELD"},
		{"password over 72 bytes", `{"email":"a@example.com","password":"` + strings.Repeat("x", 73) + `"}`, "INVALID_FIELD"},
		{"bad email", `{"email":"not-an-email","password":"long enough"}`, "INVALID_FIELD"},
		{"unknown field", `{"email":"a@example.com","password":"long enough","admin":true}`, "INVALID_BODY"},
		{"not json", `email=a`, "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, c.do(http.MethodPost, "/api/users", tt.body), http.StatusBadRequest, tt.code)
		})
	}
}

func TestAdminByConfig(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	admin := env.client()
	if u := admin.signup("admin@example.com"); !u.IsAdmin {
		t.Error("expected configured email to be admin")
	}
	res := admin.do(http.MethodGet, "/api/admin/users", nil)
	if res.status != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.status)
	}

	other := env.client()
	u := other.signup("plain@example.com")
	expectError(t, other.do(http.MethodGet, "/api/admin/users", nil), http.StatusForbidden, "FORBIDDEN")

	res = admin.do(http.MethodPatch, fmt.Sprintf("/api/admin/users/%d", u.ID), map[string]bool{"isAdmin": true})
	if res.status != http.StatusOK {
		t.Fatalf("set admin: expected 200, got %d (%s)", res.status, res.Error)
	}
	if res := other.do(http.MethodGet, "/api/admin/users", nil); res.status != http.StatusOK {
		t.Errorf("expected promoted user to reach admin routes, got %d", res.status)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()
	c.signup("pw@example.com")

	res := c.do(http.MethodPatch, "/api/users/me/password", map[string]string{"currentPassword": "nope nope", "newPassword": "brand new pass"})
	expectError(t, res, http.StatusBadRequest, "INVALID_FIELD")
	if res.Message != "The current password is incorrect." {
		t.Errorf("unexpected message %q", res.Message)
	}

	res = c.do(http.MethodPatch, "/api/users/me/password", map[string]string{"currentPassword": "correct horse", "newPassword": "brand new pass"})
	if res.status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.status, res.Error)
	}
	// The client got a fresh session.
	if res := c.do(http.MethodGet, "/api/users/me", nil); res.status != http.StatusOK {
		t.Errorf("expected session to survive the change, got %d", res.status)
	}

	fresh := env.client()
	res = fresh.do(http.MethodPost, "/api/session", map[string]string{"email": "pw@example.com", "password": "brand new pass"})
	if res.status != http.StatusOK {
		t.Errorf("expected login with new password, got %d", res.status)
	}
}

func TestBookAccess(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	author := env.client()
	author.signup("author@example.com")
	other := env.client()
	other.signup("other@example.com")
	anon := env.client()

	b := author.createBook("  Private notes  ", "")
	if b.Title != "Private notes" || b.Visibility != model.VisibilityPrivate {
		t.Errorf("expected trimmed private book, got %q %s", b.Title, b.Visibility)
	}
	path := fmt.Sprintf("/api/books/%d", b.ID)

	expectError(t, anon.do(http.MethodGet, path, nil), http.StatusUnauthorized, "UNAUTHORIZED")
	expectError(t, other.do(http.MethodGet, path, nil), http.StatusForbidden, "FORBIDDEN")
	expectError(t, other.do(http.MethodPatch, path, map[string]string{"title": "mine"}), http.StatusForbidden, "FORBIDDEN")

	res := author.do(http.MethodGet, path, nil)
	if res.status != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.status)
	}
	var detail struct {
		model.Book
		InLibrary *bool `json:"inLibrary"`
	}
	decodeData(t, res, &detail)
	if detail.InLibrary == nil || !*detail.InLibrary {
		t.Error("expected the author's new book to be in their library")
	}

	res = author.do(http.MethodPatch, path, map[string]string{"visibility": "PUBLIC"})
	if res.status != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d (%s)", res.status, res.Error)
	}
	if res := anon.do(http.MethodGet, path, nil); res.status != http.StatusOK {
		t.Errorf("expected public book to be readable anonymously, got %d", res.status)
	}

	expectError(t, author.do(http.MethodPatch, path, map[string]string{"visibility": "SECRET"}), http.StatusBadRequest, "INVALID_FIELD")
	expectError(t, author.do(http.MethodPatch, path, map[string]string{}), http.StatusBadRequest, "INVALID_BODY")
	expectError(t, author.do(http.MethodGet, "/api/books/abc", nil), http.StatusBadRequest, "INVALID_ID")

	if res := author.do(http.MethodDelete, path, nil); res.status != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", res.status)
	}
	expectError(t, author.do(http.MethodGet, path, nil), http.StatusNotFound, "NOT_FOUND")
}

func TestQuestionOrdering(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()
	c.signup("author@example.com")
	b := c.createBook("Ordering", model.VisibilityPublic)

	c.addQuestions(b.ID, "", "q1", "q2")
	c.addQuestions(b.ID, "start", "s1", "s2")
	c.addQuestions(b.ID, "end", "e1")

	qs := c.questions(b.ID)
	if got, want := texts(qs), "1:s1 2:s2 3:q1 4:q2 5:e1"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	// Move e1 to the front.
	res := c.do(http.MethodPatch, fmt.Sprintf("/api/questions/%d", qs[4].ID), map[string]int{"orderIndex": 1})
	if res.status != http.StatusOK {
		t.Fatalf("move: expected 200, got %d (%s)", res.status, res.Error)
	}
	expectError(t, c.do(http.MethodPatch, fmt.Sprintf("/api/questions/%d", qs[0].ID), map[string]int{"orderIndex": 9}),
		http.StatusBadRequest, "INVALID_FIELD")

	if res := c.do(http.MethodDelete, fmt.Sprintf("/api/questions/%d", qs[2].ID), nil); res.status != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", res.status)
	}
	if got, want := texts(c.questions(b.ID)), "1:e1 2:s1 3:s2 4:q2"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	book, err := env.store.GetBook(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if book.QuestionCount != 4 {
		t.Errorf("expected question count 4, got %d", book.QuestionCount)
	}
}

func TestInsertQuestionsRejectsInvalidItem(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()
	c.signup("author@example.com")
	b := c.createBook("Strict", model.VisibilityPrivate)

	bad := mcq("bad")
	bad.Answer = model.Answer{ID: "Z"}
	res := c.do(http.MethodPost, fmt.Sprintf("/api/books/%d/questions", b.ID), map[string]any{
		"items": []model.QuestionItem{mcq("good"), bad},
	})
	expectError(t, res, http.StatusBadRequest, "INVALID_FIELD")
	if idx, ok := res.Details["index"].(float64); !ok || idx != 1 {
		t.Errorf("expected failing index 1, got %v", res.Details["index"])
	}
	if qs := c.questions(b.ID); len(qs) != 0 {
		t.Errorf("expected no questions after a rejected batch, got %d", len(qs))
	}

	res = c.do(http.MethodPost, fmt.Sprintf("/api/books/%d/questions", b.ID), map[string]any{
		"items":  []model.QuestionItem{mcq("good")},
		"insert": map[string]string{"position": "middle"},
	})
	expectError(t, res, http.StatusBadRequest, "INVALID_FIELD")
}

func TestQuestionWriteRule(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	author := env.client()
	author.signup("author@example.com")
	other := env.client()
	other.signup("other@example.com")

	b := author.createBook("Shared", model.VisibilityPublic)
	author.addQuestions(b.ID, "", "only")
	q := author.questions(b.ID)[0]
	path := fmt.Sprintf("/api/questions/%d", q.ID)

	if res := other.do(http.MethodGet, path, nil); res.status != http.StatusOK {
		t.Errorf("expected public question to be readable, got %d", res.status)
	}
	expectError(t, other.do(http.MethodDelete, path, nil), http.StatusForbidden, "FORBIDDEN")
	expectError(t, env.client().do(http.MethodPatch, path, map[string]string{"question": "x"}), http.StatusUnauthorized, "UNAUTHORIZED")

	res := author.do(http.MethodPatch, path, map[string]string{"question": "  rewritten  "})
	if res.status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.status, res.Error)
	}
	var got questionView
	decodeData(t, res, &got)
	if got.Question != "rewritten" {
		t.Errorf("expected trimmed question, got %q", got.Question)
	}
}

func TestSearchBooks(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()
	c.signup("author@example.com")
	alpha := c.createBook("Alpha", model.VisibilityPublic)
	c.createBook("Beta", model.VisibilityPublic)
	c.createBook("Gamma", model.VisibilityPublic)
	c.createBook("Hidden", model.VisibilityPrivate)
	anon := env.client()

	type searchResult struct {
		MatchType string       `json:"matchType"`
		Items     []model.Book `json:"items"`
		PageInfo  pageInfo     `json:"pageInfo"`
		Summary   summary      `json:"summary"`
	}
	search := func(query string) searchResult {
		t.Helper()
		res := anon.do(http.MethodGet, "/api/books"+query, nil)
		if res.status != http.StatusOK {
			t.Fatalf("search %q: expected 200, got %d (%s)", query, res.status, res.Error)
		}
		var out searchResult
		decodeData(t, res, &out)
		return out
	}

	first := search("?limit=2")
	if first.MatchType != "none" || len(first.Items) != 2 || !first.PageInfo.HasNext || first.PageInfo.NextCursor == nil {
		t.Fatalf("unexpected first page %+v", first)
	}
	if first.Items[0].Title != "Gamma" || first.Items[1].Title != "Beta" {
		t.Errorf("expected Gamma, Beta by default title desc, got %s, %s", first.Items[0].Title, first.Items[1].Title)
	}
	if first.Summary.Total != 3 {
		t.Errorf("expected total 3 public books, got %d", first.Summary.Total)
	}
	second := search("?limit=2&cursor=" + *first.PageInfo.NextCursor)
	if len(second.Items) != 1 || second.Items[0].Title != "Alpha" || second.PageInfo.HasNext || second.PageInfo.NextCursor != nil {
		t.Errorf("unexpected second page %+v", second)
	}

	byCode := search("?q=" + alpha.BookCode)
	if byCode.MatchType != "code" || len(byCode.Items) != 1 || byCode.Items[0].ID != alpha.ID {
		t.Errorf("expected exact code match, got %+v", byCode)
	}
	byText := search("?q=alph")
	if byText.MatchType != "text" || len(byText.Items) != 1 || byText.Items[0].ID != alpha.ID {
		t.Errorf("expected text match, got %+v", byText)
	}
	if hidden := search("?q=Hidden"); len(hidden.Items) != 0 {
		t.Errorf("expected private book to stay hidden, got %d items", len(hidden.Items))
	}

	for _, q := range []string{"?sort=author", "?order=up", "?limit=0", "?limit=101", "?cursor=bm90LWpzb24"} {
		expectError(t, anon.do(http.MethodGet, "/api/books"+q, nil), http.StatusBadRequest, "INVALID_QUERY")
	}
}

func TestLibraryAndActivity(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	author := env.client()
	author.signup("author@example.com")
	reader := env.client()
	u := reader.signup("reader@example.com")

	pub := author.createBook("Shared", model.VisibilityPublic)
	priv := author.createBook("Secret", model.VisibilityPrivate)
	libPath := fmt.Sprintf("/api/user/me/library/%d", pub.ID)

	res := reader.do(http.MethodPost, libPath, nil)
	if res.status != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d (%s)", res.status, res.Error)
	}
	if res := reader.do(http.MethodPost, libPath, nil); res.status != http.StatusOK {
		t.Errorf("re-add: expected 200, got %d", res.status)
	}
	expectError(t, reader.do(http.MethodPost, fmt.Sprintf("/api/user/me/library/%d", priv.ID), nil), http.StatusForbidden, "FORBIDDEN")

	res = reader.do(http.MethodGet, "/api/user/me/library?ownedByMe=false", nil)
	if res.status != http.StatusOK {
		t.Fatalf("list: expected 200, got %d (%s)", res.status, res.Error)
	}
	var lib struct {
		Items   []model.Book `json:"items"`
		Summary summary      `json:"summary"`
	}
	decodeData(t, res, &lib)
	if len(lib.Items) != 1 || lib.Items[0].ID != pub.ID || lib.Summary.Total != 1 {
		t.Errorf("unexpected library %+v", lib)
	}
	expectError(t, reader.do(http.MethodGet, "/api/user/me/library?visibility=hidden", nil), http.StatusBadRequest, "INVALID_QUERY")

	me, err := env.store.GetUserByID(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if me.LibraryCount != 1 {
		t.Errorf("expected library count 1, got %d", me.LibraryCount)
	}

	if res := reader.do(http.MethodDelete, libPath, nil); res.status != http.StatusOK {
		t.Errorf("remove: expected 200, got %d", res.status)
	}
	expectError(t, reader.do(http.MethodDelete, libPath, nil), http.StatusNotFound, "NOT_FOUND")

	if res := reader.do(http.MethodPost, fmt.Sprintf("/api/user/me/activity/%d", pub.ID), nil); res.status != http.StatusOK {
		t.Fatalf("activity: expected 200, got %d", res.status)
	}
	res = reader.do(http.MethodGet, "/api/user/me/recent-books?limit=500", nil)
	if res.status != http.StatusOK {
		t.Fatalf("recent: expected 200, got %d", res.status)
	}
	var recent struct {
		Items []model.RecentBook `json:"items"`
		Count int                `json:"count"`
	}
	decodeData(t, res, &recent)
	if recent.Count != 1 || recent.Items[0].ID != pub.ID || recent.Items[0].LastAccessedAt.IsZero() {
		t.Errorf("unexpected recent books %+v", recent)
	}
	expectError(t, reader.do(http.MethodGet, "/api/user/me/recent-books?limit=many", nil), http.StatusBadRequest, "INVALID_QUERY")
}

func TestReviews(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	author := env.client()
	author.signup("author@example.com")
	b := author.createBook("Rated", model.VisibilityPublic)
	path := fmt.Sprintf("/api/books/%d/review", b.ID)

	r1 := env.client()
	r1.signup("one@example.com")
	r2 := env.client()
	r2.signup("two@example.com")

	if res := r1.do(http.MethodPut, path, map[string]any{"rating": 5, "comment": "great"}); res.status != http.StatusOK {
		t.Fatalf("review: expected 200, got %d (%s)", res.status, res.Error)
	}
	res := r2.do(http.MethodPut, path, map[string]any{"rating": 2})
	var out struct {
		RatingAvg   float64 `json:"ratingAvg"`
		RatingCount int     `json:"ratingCount"`
	}
	decodeData(t, res, &out)
	if out.RatingAvg != 3.5 || out.RatingCount != 2 {
		t.Errorf("expected 3.5 over 2, got %v over %d", out.RatingAvg, out.RatingCount)
	}

	// Updating replaces the earlier rating.
	res = r2.do(http.MethodPut, path, map[string]any{"rating": 3})
	decodeData(t, res, &out)
	if out.RatingAvg != 4 || out.RatingCount != 2 {
		t.Errorf("expected 4 over 2, got %v over %d", out.RatingAvg, out.RatingCount)
	}

	expectError(t, r1.do(http.MethodPut, path, map[string]any{"rating": 6}), http.StatusBadRequest, "INVALID_FIELD")

	res = env.client().do(http.MethodGet, fmt.Sprintf("/api/books/%d/reviews?sort=rating&order=desc&limit=1", b.ID), nil)
	if res.status != http.StatusOK {
		t.Fatalf("list: expected 200, got %d (%s)", res.status, res.Error)
	}
	var page struct {
		Items    []model.Review `json:"items"`
		PageInfo pageInfo       `json:"pageInfo"`
	}
	decodeData(t, res, &page)
	if len(page.Items) != 1 || page.Items[0].Rating != 5 || !page.PageInfo.HasNext {
		t.Errorf("unexpected review page %+v", page)
	}
}

func TestAttempt(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()
	c.signup("author@example.com")
	b := c.createBook("Quiz", model.VisibilityPublic)
	c.addQuestions(b.ID, "", "one", "two")
	qs := c.questions(b.ID)

	res := env.client().do(http.MethodPost, fmt.Sprintf("/api/books/%d/attempts", b.ID), map[string]any{
		"answers": []map[string]any{
			{"questionId": qs[0].ID, "answer": map[string]string{"id": "A"}},
			{"questionId": qs[1].ID, "answer": map[string]string{"id": "B"}},
		},
	})
	if res.status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.status, res.Error)
	}
	var out struct {
		Total            int     `json:"total"`
		Correct          int     `json:"correct"`
		Score            int     `json:"score"`
		WrongQuestionIDs []int64 `json:"wrongQuestionIds"`
	}
	decodeData(t, res, &out)
	if out.Total != 2 || out.Correct != 1 || out.Score != 50 {
		t.Errorf("expected 1/2 = 50, got %d/%d = %d", out.Correct, out.Total, out.Score)
	}
	if len(out.WrongQuestionIDs) != 1 || out.WrongQuestionIDs[0] != qs[1].ID {
		t.Errorf("expected wrong id %d, got %v", qs[1].ID, out.WrongQuestionIDs)
	}

	res = c.do(http.MethodPost, fmt.Sprintf("/api/books/%d/attempts", b.ID), map[string]any{"answers": []any{}})
	expectError(t, res, http.StatusBadRequest, "INVALID_FIELD")
}

func TestWrongNote(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()
	c.signup("author@example.com")
	b := c.createBook("Notes", model.VisibilityPublic)
	c.addQuestions(b.ID, "", "What is the capital of France?")
	qs := c.questions(b.ID)

	res := c.do(http.MethodPost, fmt.Sprintf("/api/books/%d/wrong-note", b.ID), map[string]any{
		"questionIds":   []int64{qs[0].ID},
		"questionCount": 3,
	})
	if res.status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.status, res.Error)
	}
	var out struct {
		Items []model.QuestionItem `json:"items"`
	}
	decodeData(t, res, &out)
	if len(out.Items) != 3 {
		t.Errorf("expected 3 items, got %d", len(out.Items))
	}
	if !strings.Contains(env.model.lastPrompt(), "What is the capital of France?") {
		t.Error("expected the wrong question in the prompt")
	}

	res = c.do(http.MethodPost, fmt.Sprintf("/api/books/%d/wrong-note", b.ID), map[string]any{
		"questionIds":   []int64{999},
		"questionCount": 1,
	})
	expectError(t, res, http.StatusNotFound, "NOT_FOUND")
}

func TestAIQuery(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()
	c.signup("user@example.com")

	res := c.upload("/api/ai/query", map[string]string{"questionCount": "7", "message": "ask about tides"})
	if res.status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.status, res.Error)
	}
	var out struct {
		Items []model.QuestionItem `json:"items"`
	}
	decodeData(t, res, &out)
	if len(out.Items) != 7 {
		t.Errorf("expected 7 items over two batches, got %d", len(out.Items))
	}

	res = c.upload("/api/ai/query", map[string]string{"questionCount": "3"},
		upload{field: "file", name: "notes.txt", data: []byte("Tides are caused by the moon.")})
	if res.status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.status, res.Error)
	}
	if !strings.Contains(env.model.lastPrompt(), "Tides are caused by the moon.") {
		t.Error("expected the uploaded text in the prompt")
	}

	res = c.upload("/api/ai/query", map[string]string{"questionCount": "21", "message": "x"})
	expectError(t, res, http.StatusBadRequest, "INVALID_FIELD")
	if !strings.Contains(res.Message, "20") {
		t.Errorf("expected the maximum in the message, got %q", res.Message)
	}

	res = c.upload("/api/ai/query", map[string]string{"questionCount": "2"})
	expectError(t, res, http.StatusBadRequest, "INVALID_FIELD")

	env.model.setRespond(func(req llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "I cannot help with that."}, nil
	})
	res = c.upload("/api/ai/query", map[string]string{"questionCount": "2", "message": "x"})
	expectError(t, res, http.StatusBadGateway, "INVALID_AI_RESPONSE")

	expectError(t, env.client().upload("/api/ai/query", map[string]string{"questionCount": "2", "message": "x"}),
		http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestCreateBookAI(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()
	c.signup("author@example.com")

	env.model.setRespond(func(req llm.Request) (*llm.Response, error) {
		return &llm.Response{Arguments: `{"items":[
			{"question":"Q1","choices":[{"id":"A","text":"a"},{"id":"B","text":"b"}],"answer":{"id":"A"}},
			{"question":"Q2","choices":[{"id":"A","text":"a"},{"id":"B","text":"b"}],"answer":{"id":"B"}},
			{"question":"Q3","choices":[{"id":"A","text":"a"},{"id":"B","text":"b"}],"answer":{"id":"Z"}}
		]}`}, nil
	})
	res := c.upload("/api/books/ai", map[string]string{"title": "Generated", "questionCount": "3", "visibility": "public"},
		upload{field: "pdf", name: "chapter.txt", data: []byte("Some chapter text.")})
	if res.status != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", res.status, res.Error)
	}
	var out struct {
		Book    model.Book              `json:"book"`
		Created []store.CreatedQuestion `json:"created"`
		Summary map[string]int          `json:"summary"`
		Message string                  `json:"message"`
	}
	decodeData(t, res, &out)
	if out.Book.QuestionCount != 2 || len(out.Created) != 2 || out.Book.Visibility != model.VisibilityPublic {
		t.Errorf("expected public book with 2 questions, got %+v", out.Book)
	}
	if out.Summary["dropped"] != 1 || out.Message == "" {
		t.Errorf("expected one dropped item reported, got %v %q", out.Summary, out.Message)
	}

	env.model.setRespond(func(req llm.Request) (*llm.Response, error) {
		return &llm.Response{Arguments: `{"items":[{"question":"Q","choices":[{"id":"A","text":"a"}],"answer":{"id":"A"}}]}`}, nil
	})
	res = c.upload("/api/books/ai", map[string]string{"title": "Nothing", "questionCount": "1", "message": "x"})
	expectError(t, res, http.StatusBadGateway, "INVALID_AI_RESPONSE")

	res = c.upload("/api/books/ai", map[string]string{"questionCount": "1", "message": "x"})
	expectError(t, res, http.StatusBadRequest, "INVALID_FIELD")
}

func TestAIUnavailable(t *testing.T) {
	env := newTestEnv(t, testConfig(), false)
	c := env.client()
	c.signup("user@example.com")

	expectError(t, c.do(http.MethodGet, "/api/ai/health", nil), http.StatusServiceUnavailable, "AI_UNAVAILABLE")
	expectError(t, c.upload("/api/ai/query", map[string]string{"questionCount": "1", "message": "x"}),
		http.StatusServiceUnavailable, "AI_UNAVAILABLE")
}

func TestAIHealth(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()
	if res := c.do(http.MethodGet, "/api/ai/health", nil); res.status != http.StatusOK {
		t.Errorf("expected 200, got %d", res.status)
	}
	env.model.mu.Lock()
	env.model.pingErr = fmt.Errorf("connection refused")
	env.model.mu.Unlock()
	expectError(t, c.do(http.MethodGet, "/api/ai/health", nil), http.StatusServiceUnavailable, "AI_UNAVAILABLE")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.AIRate = 1
	cfg.AIBurst = 1
	env := newTestEnv(t, cfg, true)
	c := env.client()
	c.signup("busy@example.com")

	form := map[string]string{"questionCount": "1", "message": "x"}
	if res := c.upload("/api/ai/query", form); res.status != http.StatusOK {
		t.Fatalf("first call: expected 200, got %d (%s)", res.status, res.Error)
	}
	res := c.upload("/api/ai/query", form)
	expectError(t, res, http.StatusTooManyRequests, "RATE_LIMITED")
	if got := res.header.Get("Retry-After"); got != "60" {
		t.Errorf("expected Retry-After 60, got %q", got)
	}

	other := env.client()
	other.signup("calm@example.com")
	if res := other.upload("/api/ai/query", form); res.status != http.StatusOK {
		t.Errorf("expected another user to have their own bucket, got %d", res.status)
	}
}

func TestLimiterSweepsIdleVisitors(t *testing.T) {
	l := newLimiter(60, 1, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	if !l.allow(1) || l.allow(1) {
		t.Fatal("expected one request then a refusal")
	}
	now = now.Add(2 * time.Second)
	if !l.allow(1) {
		t.Error("expected the bucket to refill after a second")
	}
	now = now.Add(5 * time.Minute)
	l.allow(2)
	if _, ok := l.visitors[1]; ok {
		t.Error("expected idle visitor to be swept")
	}

	var disabled *limiter
	if !disabled.allow(1) {
		t.Error("expected a nil limiter to allow everything")
	}
}

func TestLocalizedErrors(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()
	c.lang = "ko"
	res := c.do(http.MethodGet, "/api/users/me", nil)
	expectError(t, res, http.StatusUnauthorized, "UNAUTHORIZED")
	if res.Message != "로그인이 필요합니다." {
		t.Errorf("expected Korean message, got %q", res.Message)
	}

	res = env.client().do(http.MethodGet, "/api/users/me?lang=ko", nil)
	if res.Message != "로그인이 필요합니다." {
		t.Errorf("expected lang parameter to select Korean, got %q", res.Message)
	}
}

func TestExportImport(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	admin := env.client()
	admin.signup("admin@example.com")
	b := admin.createBook("Portable", model.VisibilityPublic)
	admin.addQuestions(b.ID, "", "one", "two")

	res := admin.do(http.MethodGet, fmt.Sprintf("/api/admin/books/%d/export", b.ID), nil)
	if res.status != http.StatusOK {
		t.Fatalf("export: expected 200, got %d (%s)", res.status, res.Error)
	}
	var exp model.BookExport
	decodeData(t, res, &exp)
	if exp.Title != "Portable" || len(exp.Questions) != 2 {
		t.Fatalf("unexpected export %+v", exp)
	}

	file := upload{field: "file", name: "portable.json", data: res.Data}
	res = admin.upload("/api/admin/books/import", nil, file)
	if res.status != http.StatusCreated {
		t.Fatalf("import: expected 201, got %d (%s)", res.status, res.Error)
	}
	var imported struct {
		Book     model.Book `json:"book"`
		Imported bool       `json:"imported"`
	}
	decodeData(t, res, &imported)
	if !imported.Imported || imported.Book.ID == b.ID || imported.Book.QuestionCount != 2 {
		t.Errorf("unexpected import %+v", imported)
	}

	res = admin.upload("/api/admin/books/import", nil, file)
	if res.status != http.StatusOK {
		t.Fatalf("re-import: expected 200, got %d", res.status)
	}
	var again struct {
		Book     model.Book `json:"book"`
		Imported bool       `json:"imported"`
	}
	decodeData(t, res, &again)
	if again.Imported || again.Book.ID != imported.Book.ID {
		t.Errorf("expected the first import back, got %+v", again)
	}
}

func TestDeleteAccount(t *testing.T) {
	env := newTestEnv(t, testConfig(), true)
	c := env.client()
	u := c.signup("leaving@example.com")
	c.createBook("Gone soon", model.VisibilityPublic)

	if res := c.do(http.MethodDelete, "/api/users/me", nil); res.status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.status)
	}
	if _, err := env.store.GetUserByID(context.Background(), u.ID); err == nil {
		t.Error("expected user to be deleted")
	}
	expectError(t, c.do(http.MethodGet, "/api/users/me", nil), http.StatusUnauthorized, "UNAUTHORIZED")
}
