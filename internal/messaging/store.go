package messaging

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_low_id TEXT NOT NULL,
	user_high_id TEXT NOT NULL,
	created_at_utc_ns INTEGER NOT NULL,
	last_message_at_utc_ns INTEGER,
	UNIQUE(user_low_id, user_high_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_id TEXT,
	recipient_id TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at_utc_ns INTEGER NOT NULL,
	read_at_utc_ns INTEGER
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at_utc_ns);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id);
`

// AnonymizedBody replaces the body of messages whose sender was erased. The
// record itself stays: deleting an outbound message would corrupt the
// recipient's view of the conversation.
const AnonymizedBody = "[Message from deleted user]"

type Conversation struct {
	ID            uuid.UUID
	UserLowID     uuid.UUID
	UserHighID    uuid.UUID
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// OtherParticipant returns the counterpart in a two-party conversation.
func (c Conversation) OtherParticipant(me uuid.UUID) uuid.UUID {
	if c.UserLowID == me {
		return c.UserHighID
	}
	return c.UserLowID
}

type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderID       uuid.UUID // uuid.Nil after sender anonymization
	RecipientID    uuid.UUID
	Body           string
	CreatedAt      time.Time
	ReadAt         time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init messaging schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// EnsureConversation returns the conversation between two users, creating it
// if absent. The pair is stored low/high so each pair has exactly one row.
func (s *Store) EnsureConversation(ctx context.Context, a, b uuid.UUID) (Conversation, error) {
	low, high := a, b
	if high.String() < low.String() {
		low, high = high, low
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(id, user_low_id, user_high_id, created_at_utc_ns)
VALUES(?, ?, ?, ?)
ON CONFLICT(user_low_id, user_high_id) DO NOTHING`,
		uuid.New().String(), low.String(), high.String(), now.UnixNano())
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_low_id, user_high_id, created_at_utc_ns, last_message_at_utc_ns
FROM conversations WHERE user_low_id=? AND user_high_id=?`, low.String(), high.String())
	conv, ok, err := scanConversation(row)
	if err != nil {
		return Conversation{}, err
	}
	if !ok {
		return Conversation{}, fmt.Errorf("conversation missing after upsert")
	}
	return conv, nil
}

func (s *Store) AppendMessage(ctx context.Context, m Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var readAt any
	if !m.ReadAt.IsZero() {
		readAt = m.ReadAt.UTC().UnixNano()
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, conversation_id, sender_id, recipient_id, body, created_at_utc_ns, read_at_utc_ns)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.ConversationID.String(), m.SenderID.String(), m.RecipientID.String(),
		m.Body, m.CreatedAt.UTC().UnixNano(), readAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE conversations SET last_message_at_utc_ns=? WHERE id=?`,
		m.CreatedAt.UTC().UnixNano(), m.ConversationID.String()); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ConversationsByUser(ctx context.Context, userID uuid.UUID) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_low_id, user_high_id, created_at_utc_ns, last_message_at_utc_ns
FROM conversations WHERE user_low_id=? OR user_high_id=?
ORDER BY last_message_at_utc_ns DESC, created_at_utc_ns DESC`, userID.String(), userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConversations(rows)
}

func (s *Store) MessagesBySender(ctx context.Context, userID uuid.UUID) ([]Message, error) {
	return s.queryMessages(ctx, `sender_id=?`, userID)
}

func (s *Store) MessagesByRecipient(ctx context.Context, userID uuid.UUID) ([]Message, error) {
	return s.queryMessages(ctx, `recipient_id=?`, userID)
}

func (s *Store) queryMessages(ctx context.Context, where string, userID uuid.UUID) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, sender_id, recipient_id, body, created_at_utc_ns, read_at_utc_ns
FROM messages WHERE `+where+` ORDER BY created_at_utc_ns`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AnonymizeMessagesBySender scrubs the sender identity and body of all
// messages the subject originated, keeping the records for the counterpart.
func (s *Store) AnonymizeMessagesBySender(ctx context.Context, userID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE messages SET sender_id=NULL, body=? WHERE sender_id=?`, AnonymizedBody, userID.String())
	if err != nil {
		return 0, fmt.Errorf("anonymize messages: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteMessagesByRecipient removes the subject's inbox.
func (s *Store) DeleteMessagesByRecipient(ctx context.Context, userID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE recipient_id=?`, userID.String())
	if err != nil {
		return 0, fmt.Errorf("delete received messages: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteEmptyConversations reconciles parent aggregates after per-record
// deletion: conversations involving the subject with no remaining messages
// are removed.
func (s *Store) DeleteEmptyConversations(ctx context.Context, userID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM conversations
WHERE (user_low_id=? OR user_high_id=?)
AND NOT EXISTS (SELECT 1 FROM messages WHERE messages.conversation_id = conversations.id)`,
		userID.String(), userID.String())
	if err != nil {
		return 0, fmt.Errorf("delete empty conversations: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) CountMessages(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE conversation_id=?`, conversationID.String()).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, bool, error) {
	var c Conversation
	var id, low, high string
	var createdNs int64
	var lastNs sql.NullInt64
	err := row.Scan(&id, &low, &high, &createdNs, &lastNs)
	if err == sql.ErrNoRows {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	c.ID, _ = uuid.Parse(id)
	c.UserLowID, _ = uuid.Parse(low)
	c.UserHighID, _ = uuid.Parse(high)
	c.CreatedAt = time.Unix(0, createdNs).UTC()
	if lastNs.Valid {
		c.LastMessageAt = time.Unix(0, lastNs.Int64).UTC()
	}
	return c, true, nil
}

func collectConversations(rows *sql.Rows) ([]Conversation, error) {
	var out []Conversation
	for rows.Next() {
		c, ok, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var id, conv, recipient string
	var sender sql.NullString
	var createdNs int64
	var readNs sql.NullInt64
	if err := row.Scan(&id, &conv, &sender, &recipient, &m.Body, &createdNs, &readNs); err != nil {
		return Message{}, err
	}
	m.ID, _ = uuid.Parse(id)
	m.ConversationID, _ = uuid.Parse(conv)
	if sender.Valid {
		m.SenderID, _ = uuid.Parse(sender.String)
	}
	m.RecipientID, _ = uuid.Parse(recipient)
	m.CreatedAt = time.Unix(0, createdNs).UTC()
	if readNs.Valid {
		m.ReadAt = time.Unix(0, readNs.Int64).UTC()
	}
	return m, nil
}
