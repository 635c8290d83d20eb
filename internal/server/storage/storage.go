package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/evcenter/chatsync/internal/server/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// New opens and pings the database.
func New(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS api_tokens (
	id          BIGSERIAL PRIMARY KEY,
	user_id     VARCHAR(100) NOT NULL,
	role        VARCHAR(50)  NOT NULL,
	secret_hash TEXT         NOT NULL,
	created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chat_sessions (
	id           VARCHAR(36)  PRIMARY KEY,
	session_type VARCHAR(50)  NOT NULL,
	title        VARCHAR(200) NOT NULL DEFAULT '',
	status       VARCHAR(50)  NOT NULL DEFAULT 'active',
	created_by   VARCHAR(100) NOT NULL,
	metadata     JSONB        NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id           BIGSERIAL    PRIMARY KEY,
	session_id   VARCHAR(36)  NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	sender_id    VARCHAR(100) NOT NULL,
	sender_type  VARCHAR(50)  NOT NULL,
	message_type VARCHAR(50)  NOT NULL DEFAULT 'text',
	content      TEXT         NOT NULL,
	is_read      INTEGER      NOT NULL DEFAULT 0,
	metadata     JSONB        NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS chat_messages_session_created
	ON chat_messages (session_id, created_at DESC);

CREATE TABLE IF NOT EXISTS chat_participants (
	id           BIGSERIAL    PRIMARY KEY,
	session_id   VARCHAR(36)  NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	user_id      VARCHAR(100) NOT NULL,
	user_type    VARCHAR(50)  NOT NULL,
	role         VARCHAR(50)  NOT NULL DEFAULT 'member',
	joined_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
	last_read_at TIMESTAMPTZ,
	UNIQUE (session_id, user_id)
);
`

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Token Methods

func (s *Store) CreateToken(ctx context.Context, userID, role, secretHash string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO api_tokens (user_id, role, secret_hash) VALUES ($1, $2, $3) RETURNING id",
		userID, role, secretHash,
	).Scan(&id)
	return id, err
}

func (s *Store) GetToken(ctx context.Context, id int64) (*models.APIToken, error) {
	var t models.APIToken
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, role, secret_hash, created_at FROM api_tokens WHERE id = $1",
		id,
	).Scan(&t.ID, &t.UserID, &t.Role, &t.SecretHash, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// Session Methods

const sessionColumns = "id, session_type, title, status, created_by, metadata, created_at, updated_at"

// CreateSession inserts a session and its creator as the first participant.
func (s *Store) CreateSession(ctx context.Context, creator models.Principal, req models.CreateSessionRequest) (*models.Session, error) {
	meta, err := encodeMeta(req.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"INSERT INTO chat_sessions (id, session_type, title, created_by, metadata) VALUES ($1, $2, $3, $4, $5) RETURNING "+sessionColumns,
		uuid.NewString(), req.SessionType, req.Title, creator.UserID, meta,
	)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO chat_participants (session_id, user_id, user_type, role) VALUES ($1, $2, $3, 'creator')",
		sess.ID, creator.UserID, creator.Role,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM chat_sessions WHERE id = $1", id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, notFound(err)
	}
	return sess, nil
}

// ListSessionsFor returns the sessions userID participates in, most recently
// updated first.
func (s *Store) ListSessionsFor(ctx context.Context, userID string) ([]models.Session, error) {
	return s.querySessions(ctx, `
		SELECT s.id, s.session_type, s.title, s.status, s.created_by, s.metadata, s.created_at, s.updated_at
		FROM chat_sessions s
		JOIN chat_participants p ON p.session_id = s.id
		WHERE p.user_id = $1
		ORDER BY s.updated_at DESC
	`, userID)
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	return s.querySessions(ctx,
		"SELECT "+sessionColumns+" FROM chat_sessions WHERE status = 'active' ORDER BY updated_at DESC")
}

// CloseSession marks a session closed. It returns ErrNotFound for unknown ids.
func (s *Store) CloseSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE chat_sessions SET status = 'closed', updated_at = NOW() WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// Participant Methods

// GetParticipant returns userID's membership of a session.
func (s *Store) GetParticipant(ctx context.Context, sessionID, userID string) (*models.Participant, error) {
	var p models.Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, user_type, role, joined_at
		FROM chat_participants WHERE session_id = $1 AND user_id = $2
	`, sessionID, userID).Scan(&p.ID, &p.SessionID, &p.UserID, &p.UserType, &p.Role, &p.JoinedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// AddParticipant reports false when userID was already a member.
func (s *Store) AddParticipant(ctx context.Context, sessionID, userID, userType, role string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_participants (session_id, user_id, user_type, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, user_id) DO NOTHING
	`, sessionID, userID, userType, role)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, user_type, role, joined_at
		FROM chat_participants WHERE session_id = $1 ORDER BY joined_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := []models.Participant{}
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.SessionID, &p.UserID, &p.UserType, &p.Role, &p.JoinedAt); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// Message Methods

// SaveMessage persists msg, bumps the session's updated_at and returns the
// stored row with its server id and timestamp.
func (s *Store) SaveMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	meta, err := encodeMeta(msg.Metadata)
	if err != nil {
		return nil, err
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `
		INSERT INTO chat_messages (session_id, sender_id, sender_type, message_type, content, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, session_id, sender_id, sender_type, message_type, content, is_read, metadata, created_at
	`, msg.SessionID, msg.SenderID, msg.SenderType, msg.MessageType, msg.Content, meta).Scan(
		&msg.ID, &msg.SessionID, &msg.SenderID, &msg.SenderType, &msg.MessageType,
		&msg.Content, &msg.IsRead, &raw, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if msg.Metadata, err = decodeMeta(raw); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE chat_sessions SET updated_at = NOW() WHERE id = $1", msg.SessionID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns one page of a session's messages, newest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender_id, sender_type, message_type, content, is_read, metadata, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var m models.Message
		var raw []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.SenderType, &m.MessageType,
			&m.Content, &m.IsRead, &raw, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.Metadata, err = decodeMeta(raw); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var sess models.Session
	var raw []byte
	if err := row.Scan(&sess.ID, &sess.SessionType, &sess.Title, &sess.Status, &sess.CreatedBy,
		&raw, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return nil, err
	}
	sess.Metadata = meta
	return &sess, nil
}

func encodeMeta(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func decodeMeta(raw []byte) (map[string]any, error) {
	meta := map[string]any{}
	if len(raw) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
