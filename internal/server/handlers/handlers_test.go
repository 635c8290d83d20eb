package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/evcenter/chatsync/internal/server/auth"
	"github.com/evcenter/chatsync/internal/server/models"
	"github.com/evcenter/chatsync/internal/server/ratelimit"
	"github.com/evcenter/chatsync/internal/server/ws"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	srv   *httptest.Server
	store *memStore
	auth  *auth.Authenticator
	hub   *ws.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	limiter := ratelimit.New(10, 100)
	a := auth.New(store, limiter, auth.WithCost(bcrypt.MinCost))
	hub := ws.NewHub(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := &Server{Store: store, Auth: a, Hub: hub, Limiter: limiter, AllowedOrigins: []string{"*"}}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, auth: a, hub: hub}
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := e.auth.Issue(context.Background(), userID, role)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (e *testEnv) createSession(t *testing.T, token string) models.Session {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/chat/sessions", token, models.CreateSessionRequest{
		SessionType: "customer_support",
		Title:       "Battery question",
	})
	if code != http.StatusOK {
		t.Fatalf("create session status = %d: %s", code, body)
	}
	var s models.Session
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestHealthCheck(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.do(t, http.MethodGet, "/health", "", nil)
	if code != http.StatusOK || string(body) != "OK" {
		t.Errorf("health = %d %q", code, body)
	}
}

func TestRequireAuth(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "nope", http.StatusUnauthorized},
		{"valid", e.token(t, "c1", models.RoleCustomer), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.do(t, http.MethodGet, "/chat/sessions", tt.token, nil)
			if code != tt.want {
				t.Errorf("status = %d, want %d: %s", code, tt.want, body)
			}
		})
	}
}

func TestCreateSession(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "c1", models.RoleCustomer)

	s := e.createSession(t, tok)
	if s.Status != models.StatusActive || s.CreatedBy != "c1" {
		t.Errorf("session = %+v", s)
	}

	code, _ := e.do(t, http.MethodPost, "/chat/sessions", tok, models.CreateSessionRequest{SessionType: "gossip"})
	if code != http.StatusUnprocessableEntity {
		t.Errorf("unknown type status = %d, want 422", code)
	}

	code, body := e.do(t, http.MethodGet, "/chat/sessions", tok, nil)
	var mine []models.Session
	json.Unmarshal(body, &mine)
	if code != http.StatusOK || len(mine) != 1 || mine[0].ID != s.ID {
		t.Errorf("my sessions = %d %s", code, body)
	}
}

func TestSessionAccess(t *testing.T) {
	e := newTestEnv(t)
	owner := e.token(t, "c1", models.RoleCustomer)
	stranger := e.token(t, "c2", models.RoleCustomer)
	staff := e.token(t, "staff-1", models.RoleStaff)
	s := e.createSession(t, owner)

	tests := []struct {
		name  string
		token string
		path  string
		want  int
	}{
		{"owner reads", owner, "/chat/sessions/" + s.ID, http.StatusOK},
		{"stranger denied", stranger, "/chat/sessions/" + s.ID, http.StatusForbidden},
		{"staff reads", staff, "/chat/sessions/" + s.ID, http.StatusOK},
		{"unknown session", owner, "/chat/sessions/missing", http.StatusNotFound},
		{"customer active list", owner, "/chat/sessions/all/active", http.StatusForbidden},
		{"staff active list", staff, "/chat/sessions/all/active", http.StatusOK},
		{"participants", owner, "/chat/sessions/" + s.ID + "/participants", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.do(t, http.MethodGet, tt.path, tt.token, nil)
			if code != tt.want {
				t.Errorf("status = %d, want %d: %s", code, tt.want, body)
			}
		})
	}
}

func TestListMessages_Paging(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "c1", models.RoleCustomer)
	s := e.createSession(t, tok)
	for _, c := range []string{"one", "two", "three"} {
		e.store.SaveMessage(context.Background(), models.Message{SessionID: s.ID, SenderID: "c1", SenderType: "customer", Content: c})
	}

	code, body := e.do(t, http.MethodGet, "/chat/sessions/"+s.ID+"/messages?limit=2&offset=1", tok, nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d: %s", code, body)
	}
	var page []models.Message
	json.Unmarshal(body, &page)
	if len(page) != 2 || page[0].Content != "two" || page[1].Content != "one" {
		t.Errorf("page = %+v", page)
	}

	for _, q := range []string{"limit=0", "limit=abc", "offset=-1", "limit=501"} {
		if code, _ := e.do(t, http.MethodGet, "/chat/sessions/"+s.ID+"/messages?"+q, tok, nil); code != http.StatusUnprocessableEntity {
			t.Errorf("%s status = %d, want 422", q, code)
		}
	}
}

func TestCloseSession(t *testing.T) {
	e := newTestEnv(t)
	owner := e.token(t, "c1", models.RoleCustomer)
	other := e.token(t, "c2", models.RoleCustomer)
	s := e.createSession(t, owner)

	if code, _ := e.do(t, http.MethodDelete, "/chat/sessions/"+s.ID, other, nil); code != http.StatusForbidden {
		t.Errorf("non-creator close status = %d, want 403", code)
	}
	if code, _ := e.do(t, http.MethodDelete, "/chat/sessions/missing", owner, nil); code != http.StatusNotFound {
		t.Errorf("unknown close status = %d, want 404", code)
	}
	if code, body := e.do(t, http.MethodDelete, "/chat/sessions/"+s.ID, owner, nil); code != http.StatusOK {
		t.Errorf("close status = %d: %s", code, body)
	}
	got, _ := e.store.GetSession(context.Background(), s.ID)
	if got.Status != models.StatusClosed {
		t.Errorf("status = %s, want closed", got.Status)
	}
}

func TestJoinAsStaff(t *testing.T) {
	e := newTestEnv(t)
	owner := e.token(t, "c1", models.RoleCustomer)
	staff := e.token(t, "staff-1", models.RoleStaff)
	s := e.createSession(t, owner)

	if code, _ := e.do(t, http.MethodPost, "/chat/sessions/"+s.ID+"/join-as-staff", owner, nil); code != http.StatusForbidden {
		t.Errorf("customer join status = %d, want 403", code)
	}

	code, body := e.do(t, http.MethodPost, "/chat/sessions/"+s.ID+"/join-as-staff", staff, nil)
	if code != http.StatusOK || !strings.Contains(string(body), "Successfully joined") {
		t.Fatalf("join = %d %s", code, body)
	}
	if n := e.store.messageCount(s.ID); n != 1 {
		t.Errorf("messages = %d, want one system note", n)
	}

	code, body = e.do(t, http.MethodPost, "/chat/sessions/"+s.ID+"/join-as-staff", staff, nil)
	if code != http.StatusOK || !strings.Contains(string(body), "Already joined") {
		t.Errorf("second join = %d %s", code, body)
	}
	if n := e.store.messageCount(s.ID); n != 1 {
		t.Errorf("messages = %d after rejoin, want 1", n)
	}
}

func TestAddParticipant(t *testing.T) {
	e := newTestEnv(t)
	owner := e.token(t, "c1", models.RoleCustomer)
	s := e.createSession(t, owner)
	path := "/chat/sessions/" + s.ID + "/participants?user_id=tech-7&user_type=technician"

	code, body := e.do(t, http.MethodPost, path, owner, nil)
	if code != http.StatusOK || !strings.Contains(string(body), "added") {
		t.Errorf("add = %d %s", code, body)
	}
	code, body = e.do(t, http.MethodPost, path, owner, nil)
	if code != http.StatusOK || !strings.Contains(string(body), "already") {
		t.Errorf("re-add = %d %s", code, body)
	}
	if code, _ := e.do(t, http.MethodPost, "/chat/sessions/"+s.ID+"/participants", owner, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("missing query status = %d, want 422", code)
	}
}

func TestAskAI(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "c1", models.RoleCustomer)
	s := e.createSession(t, tok)

	code, body := e.do(t, http.MethodPost, "/chat/ai/ask", tok, map[string]any{"message": "how much is the price?"})
	var answer models.AIAnswer
	json.Unmarshal(body, &answer)
	if code != http.StatusOK || answer.Content == "" || len(answer.Suggestions) == 0 {
		t.Fatalf("ask = %d %s", code, body)
	}
	if n := e.store.messageCount(s.ID); n != 0 {
		t.Errorf("messages = %d without session id, want 0", n)
	}

	code, _ = e.do(t, http.MethodPost, "/chat/ai/ask", tok, map[string]any{"message": "book me in", "session_id": s.ID})
	if code != http.StatusOK {
		t.Fatalf("ask with session status = %d", code)
	}
	if n := e.store.messageCount(s.ID); n != 2 {
		t.Errorf("messages = %d, want question and answer", n)
	}
}

func dialSession(t *testing.T, e *testEnv, sessionID, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/chat/ws/chat/" + sessionID + "?token=" + token
	return websocket.DefaultDialer.Dial(u, nil)
}

func readJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := c.ReadJSON(v); err != nil {
		t.Fatalf("read frame: %v", err)
	}
}

func TestWebSocket_EchoAndAIReply(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "c1", models.RoleCustomer)
	s := e.createSession(t, tok)

	c, _, err := dialSession(t, e, s.ID, tok)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	var sys models.SystemFrame
	readJSON(t, c, &sys)
	if sys.Type != "system" {
		t.Errorf("first frame = %+v, want system", sys)
	}

	c.WriteJSON(map[string]any{"type": "text", "content": "I need to book a service", "to_ai": true, "metadata": map[string]any{}})

	var echo, reply models.MessageFrame
	readJSON(t, c, &echo)
	readJSON(t, c, &reply)
	if echo.Content != "I need to book a service" || echo.SenderType != models.RoleCustomer || echo.MessageID == 0 {
		t.Errorf("echo = %+v", echo)
	}
	if reply.SenderType != models.SenderAI || reply.MessageID <= echo.MessageID {
		t.Errorf("reply = %+v", reply)
	}
	if _, err := time.Parse(time.RFC3339Nano, echo.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", echo.Timestamp, err)
	}
}

func TestWebSocket_CloseSessionDisconnects(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "c1", models.RoleCustomer)
	s := e.createSession(t, tok)

	c, _, err := dialSession(t, e, s.ID, tok)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	var sys models.SystemFrame
	readJSON(t, c, &sys)

	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Count(s.ID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if code, _ := e.do(t, http.MethodDelete, "/chat/sessions/"+s.ID, tok, nil); code != http.StatusOK {
		t.Fatalf("close status = %d", code)
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after close = %v, want normal closure", err)
	}
}

func TestWebSocket_Rejects(t *testing.T) {
	e := newTestEnv(t)
	owner := e.token(t, "c1", models.RoleCustomer)
	stranger := e.token(t, "c2", models.RoleCustomer)
	s := e.createSession(t, owner)
	closed := e.createSession(t, owner)
	e.store.CloseSession(context.Background(), closed.ID)

	tests := []struct {
		name      string
		sessionID string
		token     string
		want      int
	}{
		{"no token", s.ID, "", http.StatusUnauthorized},
		{"bad token", s.ID, "1.wrong", http.StatusUnauthorized},
		{"not participant", s.ID, stranger, http.StatusForbidden},
		{"unknown session", "missing", owner, http.StatusNotFound},
		{"closed session", closed.ID, owner, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, resp, err := dialSession(t, e, tt.sessionID, tt.token)
			if err == nil {
				c.Close()
				t.Fatal("dial succeeded, want handshake failure")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Errorf("handshake response = %v, want %d", resp, tt.want)
			}
		})
	}
}

func TestPostMessage_AdminPostsAsStaff(t *testing.T) {
	e := newTestEnv(t)
	owner := e.token(t, "c1", models.RoleCustomer)
	admin := e.token(t, "admin-1", models.RoleAdmin)
	s := e.createSession(t, owner)

	code, body := e.do(t, http.MethodPost, "/chat/sessions/"+s.ID+"/messages", admin, map[string]any{"content": "Escalated to the workshop"})
	if code != http.StatusOK {
		t.Fatalf("post status = %d: %s", code, body)
	}
	var msg models.Message
	json.Unmarshal(body, &msg)
	if msg.SenderType != models.RoleStaff || msg.SenderID != "admin-1" {
		t.Errorf("message = %+v, want staff sender admin-1", msg)
	}
}
