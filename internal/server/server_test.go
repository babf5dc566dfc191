package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/sqlbot/internal/auth"
	"github.com/wolfeidau/sqlbot/internal/models"
	"github.com/wolfeidau/sqlbot/internal/query"
	"github.com/wolfeidau/sqlbot/internal/session"
	"github.com/wolfeidau/sqlbot/internal/store/memory"
)

type fakeRetriever struct {
	text string
	err  error
}

func (f *fakeRetriever) TopMatches(ctx context.Context, question string) (string, error) {
	return f.text, f.err
}

type fakeGenerator struct {
	answer string
	err    error
}

func (f *fakeGenerator) Generate(ctx context.Context, question, schemaInfo string) (string, error) {
	return f.answer, f.err
}

type fakeRunner struct {
	table *query.Table
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, sqlText string) (*query.Table, error) {
	return f.table, f.err
}

func testIdentity() *auth.Identity {
	return &auth.Identity{
		Subject:     "user-1",
		Profile:     models.UserData{Name: "Vivek", Email: "vivek@example.com", Role: "Analyst"},
		AccessToken: "access-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func testSessions(t *testing.T) *session.Manager {
	t.Helper()
	issuer, err := session.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), 8*time.Hour)
	require.NoError(t, err)
	return session.NewManager(memory.New(), issuer, 8*time.Hour)
}

type serverFixture struct {
	sessions  *session.Manager
	retriever *fakeRetriever
	generator *fakeGenerator
	runner    *fakeRunner
	handler   http.Handler
}

func newServerFixture(t *testing.T, identity *auth.Identity) *serverFixture {
	t.Helper()

	f := &serverFixture{
		sessions:  testSessions(t),
		retriever: &fakeRetriever{text: "Projects(ProjectID, Name)"},
		generator: &fakeGenerator{answer: "```sql\nSELECT 1\n```"},
		runner: &fakeRunner{table: &query.Table{
			Columns: []string{"n"},
			Rows:    []map[string]any{{"n": int64(1)}},
		}},
	}

	authMiddleware := auth.StaticIdentityMiddleware(identity)
	if identity == nil {
		authMiddleware = func(next http.Handler) http.Handler { return next }
	}

	srv := New(f.sessions, f.retriever, f.generator, f.runner, authMiddleware, []string{"*"})
	f.handler = srv.Routes()
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRoot(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeJSON[rootResponse](t, rec)
	require.Equal(t, "sqlbot API is running", got.Message)
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeJSON[healthResponse](t, rec)
	require.Equal(t, "healthy", got.Status)
	require.Equal(t, "memory", got.Backend)
	require.Equal(t, 0, got.ActiveSessions)
}

func TestAuthedRoutesRejectAnonymous(t *testing.T) {
	f := newServerFixture(t, nil)

	for _, path := range []string{"/api/user", "/api/session"} {
		rec := f.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestUserEstablishesSession(t *testing.T) {
	f := newServerFixture(t, testIdentity())

	rec := f.do(t, http.MethodGet, "/api/user", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeJSON[models.UserData](t, rec)
	require.Equal(t, "Vivek", got.Name)
	require.Equal(t, "Analyst", got.Role)

	// The first authenticated request created the cached session.
	require.Equal(t, 1, f.sessions.ActiveSessionCount(t.Context()))
}

func TestUserWithoutSession(t *testing.T) {
	f := newServerFixture(t, testIdentity())

	// Establish a session, then deactivate it so the record exists but no
	// longer represents a logged-in user.
	rec := f.do(t, http.MethodGet, "/api/user", "")
	require.Equal(t, http.StatusOK, rec.Code)

	inactive := false
	require.True(t, f.sessions.UpdateSession(t.Context(), "user-1", session.Update{Active: &inactive}))

	rec = f.do(t, http.MethodGet, "/api/user", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSession(t *testing.T) {
	f := newServerFixture(t, testIdentity())

	rec := f.do(t, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeJSON[sessionResponse](t, rec)
	require.Equal(t, "Vivek", got.User.Name)
	require.Equal(t, 1, got.ActiveSessions)
	require.NotNil(t, got.ExpiresAt)
}

func TestSessionDelete(t *testing.T) {
	f := newServerFixture(t, testIdentity())

	// Establish, then log out.
	rec := f.do(t, http.MethodGet, "/api/user", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeJSON[logoutResponse](t, rec)
	require.Equal(t, "logged out", got.Status)
}

func TestEstablishRefreshesNearExpiryToken(t *testing.T) {
	identity := testIdentity()
	f := newServerFixture(t, identity)

	// Seed a session whose cached token is about to expire.
	_, err := f.sessions.CreateSession(t.Context(), identity.Subject, identity.Profile, "stale-token", time.Now().Add(time.Minute))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/user", "")
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := f.sessions.GetSession(t.Context(), identity.Subject)
	require.NoError(t, err)
	require.Equal(t, "access-token", sess.AccessToken)
	require.WithinDuration(t, identity.ExpiresAt, sess.ExpiresAt, time.Second)
}

func TestChatSuccess(t *testing.T) {
	f := newServerFixture(t, testIdentity())

	rec := f.do(t, http.MethodPost, "/api/chat", `{"message": "how many projects?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeJSON[chatResponse](t, rec)
	require.Empty(t, got.Error)
	require.Equal(t, "SELECT 1", got.SQLQuery)
	require.Contains(t, got.Response, "```sql\nSELECT 1\n```")
	require.NotNil(t, got.TableData)
	require.Len(t, got.TableData.Rows, 1)
}

func TestChatNoFencedBlock(t *testing.T) {
	f := newServerFixture(t, testIdentity())
	f.generator.answer = "I cannot answer that."

	rec := f.do(t, http.MethodPost, "/api/chat", `{"message": "hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeJSON[chatResponse](t, rec)
	require.Equal(t, "No SQL query generated", got.Error)
	require.Empty(t, got.SQLQuery)
	require.Nil(t, got.TableData)
}

func TestChatPermissionDenied(t *testing.T) {
	f := newServerFixture(t, testIdentity())
	f.runner.table = nil
	f.runner.err = fmt.Errorf("%w: SELECT permission denied", query.ErrPermissionDenied)

	rec := f.do(t, http.MethodPost, "/api/chat", `{"message": "show salaries"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeJSON[chatResponse](t, rec)
	require.Equal(t, "Sorry, you don't have access to that information.", got.Error)
	require.Equal(t, "SELECT 1", got.SQLQuery)
	require.Nil(t, got.TableData)
}

func TestChatEmptyResult(t *testing.T) {
	f := newServerFixture(t, testIdentity())
	f.runner.table = &query.Table{Columns: []string{"n"}, Rows: []map[string]any{}}

	rec := f.do(t, http.MethodPost, "/api/chat", `{"message": "anything in 1882?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeJSON[chatResponse](t, rec)
	require.Equal(t, "Query ran successfully but returned no results.", got.Error)
	require.NotNil(t, got.TableData)
	require.Empty(t, got.TableData.Rows)
}

func TestChatRetrievalFailure(t *testing.T) {
	f := newServerFixture(t, testIdentity())
	f.retriever.text = ""
	f.retriever.err = fmt.Errorf("vector index unreachable")

	rec := f.do(t, http.MethodPost, "/api/chat", `{"message": "hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeJSON[chatResponse](t, rec)
	require.Contains(t, got.Response, "Error processing your query")
	require.Equal(t, "vector index unreachable", got.Error)
}

func TestChatBadRequestBody(t *testing.T) {
	f := newServerFixture(t, testIdentity())

	rec := f.do(t, http.MethodPost, "/api/chat", "not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
