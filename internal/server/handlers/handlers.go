package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/evcenter/chatsync/internal/logger"
	"github.com/evcenter/chatsync/internal/server/assistant"
	"github.com/evcenter/chatsync/internal/server/auth"
	"github.com/evcenter/chatsync/internal/server/models"
	"github.com/evcenter/chatsync/internal/server/ratelimit"
	"github.com/evcenter/chatsync/internal/server/storage"
	"github.com/evcenter/chatsync/internal/server/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// Store is the persistence the chat service needs. *storage.Store
// satisfies it.
type Store interface {
	ws.MessageStore
	CreateSession(ctx context.Context, creator models.Principal, req models.CreateSessionRequest) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessionsFor(ctx context.Context, userID string) ([]models.Session, error)
	ListActiveSessions(ctx context.Context) ([]models.Session, error)
	CloseSession(ctx context.Context, id string) error
	GetParticipant(ctx context.Context, sessionID, userID string) (*models.Participant, error)
	AddParticipant(ctx context.Context, sessionID, userID, userType, role string) (bool, error)
	ListParticipants(ctx context.Context, sessionID string) ([]models.Participant, error)
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.Message, error)
}

var _ Store = (*storage.Store)(nil)

type Server struct {
	Store          Store
	Auth           *auth.Authenticator
	Hub            *ws.Hub
	Limiter        *ratelimit.RateLimiter
	AllowedOrigins []string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Routes mounts the REST API and the session socket under /chat.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", HealthCheck)

	r.Route("/chat", func(r chi.Router) {
		r.Get("/ws/chat/{sessionID}", s.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/sessions", s.createSession)
			r.Get("/sessions", s.mySessions)
			r.Get("/sessions/all/active", s.activeSessions)
			r.Get("/sessions/{sessionID}", s.getSession)
			r.Delete("/sessions/{sessionID}", s.closeSession)
			r.Get("/sessions/{sessionID}/messages", s.listMessages)
			r.Post("/sessions/{sessionID}/messages", s.postMessage)
			r.Get("/sessions/{sessionID}/participants", s.listParticipants)
			r.Post("/sessions/{sessionID}/participants", s.addParticipant)
			r.Post("/sessions/{sessionID}/join-as-staff", s.joinAsStaff)
			r.Post("/ai/ask", s.askAI)
		})
	})
	return r
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		log := logger.NewRequestLogger()
		next.ServeHTTP(ww, r)
		log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		p, err := s.Auth.Authenticate(r.Context(), token, ratelimit.GetClientIP(r))
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func principal(r *http.Request) models.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

// access loads a session the caller may read: participants and staff only.
func (s *Server) access(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, r, err, "Session not found")
		return nil, false
	}
	p := principal(r)
	if p.IsStaff() {
		return sess, true
	}
	if _, err := s.Store.GetParticipant(r.Context(), sessionID, p.UserID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusForbidden, "Access denied")
		} else {
			writeStoreError(w, r, err, "")
		}
		return nil, false
	}
	return sess, true
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !models.SessionTypes[req.SessionType] {
		writeError(w, http.StatusUnprocessableEntity, "Unknown session_type")
		return
	}

	sess, err := s.Store.CreateSession(r.Context(), principal(r), req)
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) mySessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Store.ListSessionsFor(r.Context(), principal(r).UserID)
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) activeSessions(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsStaff() {
		writeError(w, http.StatusForbidden, "Permission denied")
		return
	}
	sessions, err := s.Store.ListActiveSessions(r.Context())
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.access(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	p := principal(r)

	if _, err := s.Store.GetSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, r, err, "Session not found")
		return
	}
	if !p.IsStaff() {
		part, err := s.Store.GetParticipant(r.Context(), sessionID, p.UserID)
		if err != nil || part.Role != "creator" {
			writeError(w, http.StatusForbidden, "Permission denied")
			return
		}
	}

	if err := s.Store.CloseSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, r, err, "Session not found")
		return
	}
	s.Hub.DisconnectSession(sessionID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session closed successfully"})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.access(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", defaultPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		writeError(w, http.StatusUnprocessableEntity, "Invalid limit")
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusUnprocessableEntity, "Invalid offset")
		return
	}

	msgs, err := s.Store.ListMessages(r.Context(), sess.ID, limit, offset)
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type postMessageRequest struct {
	Content     string         `json:"content"`
	MessageType string         `json:"message_type"`
	Metadata    map[string]any `json:"metadata"`
}

// postMessage is the REST fallback for clients without a socket. The saved
// message is still broadcast to the session.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.access(w, r)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	p := principal(r)
	msg, err := s.Store.SaveMessage(r.Context(), models.Message{
		SessionID:   sess.ID,
		SenderID:    p.UserID,
		SenderType:  p.SenderType(),
		MessageType: strings.ToLower(req.MessageType),
		Content:     req.Content,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	s.Hub.Broadcast(sess.ID, models.NewMessageFrame(msg))
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.access(w, r)
	if !ok {
		return
	}
	participants, err := s.Store.ListParticipants(r.Context(), sess.ID)
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

// addParticipant reads the new member from query parameters. Only the
// session creator or an admin may add members.
func (s *Server) addParticipant(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := r.URL.Query().Get("user_id")
	userType := r.URL.Query().Get("user_type")
	if userID == "" || userType == "" {
		writeError(w, http.StatusUnprocessableEntity, "user_id and user_type are required")
		return
	}

	if _, err := s.Store.GetSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, r, err, "Session not found")
		return
	}
	p := principal(r)
	if p.Role != models.RoleAdmin {
		part, err := s.Store.GetParticipant(r.Context(), sessionID, p.UserID)
		if err != nil || part.Role != "creator" {
			writeError(w, http.StatusForbidden, "Permission denied")
			return
		}
	}

	added, err := s.Store.AddParticipant(r.Context(), sessionID, userID, userType, "member")
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, map[string]string{"message": "User is already a participant"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Participant added successfully"})
}

// joinAsStaff attaches a staff member or technician to a session and leaves
// a system note in its history.
func (s *Server) joinAsStaff(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if !p.IsStaff() && p.Role != models.RoleTechnician {
		writeError(w, http.StatusForbidden, "Permission denied")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.Store.GetSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, r, err, "Session not found")
		return
	}

	added, err := s.Store.AddParticipant(r.Context(), sessionID, p.UserID, p.Role, "member")
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Already joined this session", "session_id": sessionID})
		return
	}

	_, err = s.Store.SaveMessage(r.Context(), models.Message{
		SessionID:   sessionID,
		SenderID:    p.UserID,
		SenderType:  p.SenderType(),
		MessageType: "system",
		Content:     "A support agent has joined the conversation",
	})
	if err != nil {
		slog.Warn("save join note", "sessionId", sessionID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully joined session", "session_id": sessionID})
}

// askAI answers a one-off question. With a session id the exchange is also
// saved to that session and broadcast.
func (s *Server) askAI(w http.ResponseWriter, r *http.Request) {
	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	p := principal(r)
	answer := assistant.Reply(req.Message, p.Role)

	if req.SessionID != nil && *req.SessionID != "" {
		sessionID := *req.SessionID
		if _, err := s.Store.GetParticipant(r.Context(), sessionID, p.UserID); err != nil {
			writeError(w, http.StatusForbidden, "Access denied")
			return
		}
		question := models.Message{SessionID: sessionID, SenderID: p.UserID, SenderType: p.SenderType(), Content: req.Message, Metadata: req.Context}
		reply := models.Message{SessionID: sessionID, SenderID: models.AssistantID, SenderType: models.SenderAI, Content: answer.Content, Metadata: answer.Metadata}
		for _, m := range []models.Message{question, reply} {
			saved, err := s.Store.SaveMessage(r.Context(), m)
			if err != nil {
				writeStoreError(w, r, err, "")
				return
			}
			s.Hub.Broadcast(sessionID, models.NewMessageFrame(saved))
		}
	}
	writeJSON(w, http.StatusOK, answer)
}

// HandleWebSocket authenticates the token query parameter, then streams the
// session until either side closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := ratelimit.GetClientIP(r)
	sessionID := chi.URLParam(r, "sessionID")

	// Rate limit: check connection count per IP
	if !s.Limiter.CanConnect(clientIP) {
		writeError(w, http.StatusTooManyRequests, "Too many connections from your IP")
		slog.Warn("rate limited connection", "ip", clientIP)
		return
	}

	p, err := s.Auth.Authenticate(r.Context(), r.URL.Query().Get("token"), clientIP)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	sess, err := s.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, r, err, "Session not found")
		return
	}
	if sess.Status != models.StatusActive {
		writeError(w, http.StatusConflict, "Session is closed")
		return
	}
	if !p.IsStaff() {
		if _, err := s.Store.GetParticipant(r.Context(), sessionID, p.UserID); err != nil {
			writeError(w, http.StatusForbidden, "Access denied")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("upgrade", "error", err)
		return
	}

	s.Limiter.AddConnection(clientIP)
	client := ws.NewClient(s.Hub, conn, sessionID, p, clientIP)
	client.SendJSON(models.NewSystemFrame("Connected to chat session " + sessionID))
	s.Hub.Register(client)

	go func() {
		defer s.Limiter.RemoveConnection(clientIP)
		client.WritePump()
	}()
	client.ReadPump(r.Context())
}

func intParam(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrTooManyAttempts) {
		writeError(w, http.StatusTooManyRequests, "Too many login attempts. Please wait a minute.")
		return
	}
	writeError(w, http.StatusUnauthorized, "Invalid authentication credentials")
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	if errors.Is(err, storage.ErrNotFound) && notFound != "" {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	slog.Error("store", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}
