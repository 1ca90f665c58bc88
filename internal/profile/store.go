package profile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL,
	display_name TEXT NOT NULL,
	time_zone TEXT NOT NULL DEFAULT '',
	bio TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	allow_matching INTEGER NOT NULL DEFAULT 1,
	allow_emails INTEGER NOT NULL DEFAULT 1,
	created_at_utc_ns INTEGER NOT NULL,
	deleted_at_utc_ns INTEGER
);

CREATE TABLE IF NOT EXISTS skills (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	level TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_skills_user ON skills(user_id);

CREATE TABLE IF NOT EXISTS privacy_events (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	details TEXT,
	created_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_privacy_events_user ON privacy_events(user_id, created_at_utc_ns);
`

// Anonymization sentinel written over subject-identifying user fields.
const anonymizedSentinel = "[deleted]"

const (
	EventDataExported   = "DATA_EXPORTED"
	EventAccountDeleted = "ACCOUNT_DELETED"
)

type User struct {
	ID            uuid.UUID
	ExternalID    string
	Email         string
	DisplayName   string
	TimeZone      string
	Bio           string
	Active        bool
	AllowMatching bool
	AllowEmails   bool
	CreatedAt     time.Time
}

type Skill struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Name        string
	Level       string
	Category    string
	Description string
}

type PrivacyEvent struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	EventType string
	Details   string
	CreatedAt time.Time
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
		return nil, fmt.Errorf("init profile schema: %w", err)
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

func (s *Store) CreateUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(id, external_id, email, display_name, time_zone, bio, active, allow_matching, allow_emails, created_at_utc_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID.String(), u.ExternalID, u.Email, u.DisplayName, u.TimeZone, u.Bio,
		boolInt(u.Active), boolInt(u.AllowMatching), boolInt(u.AllowEmails), u.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) AddSkill(ctx context.Context, sk Skill) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO skills(id, user_id, name, level, category, description) VALUES(?, ?, ?, ?, ?, ?)`,
		sk.ID.String(), sk.UserID.String(), sk.Name, sk.Level, sk.Category, sk.Description)
	if err != nil {
		return fmt.Errorf("insert skill: %w", err)
	}
	return nil
}

// UserByExternalID resolves the identity-provider subject to the local user.
func (s *Store) UserByExternalID(ctx context.Context, externalID string) (User, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, external_id, email, display_name, time_zone, bio, active, allow_matching, allow_emails, created_at_utc_ns
FROM users WHERE external_id=?`, externalID)
	return scanUser(row)
}

func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (User, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, external_id, email, display_name, time_zone, bio, active, allow_matching, allow_emails, created_at_utc_ns
FROM users WHERE id=?`, id.String())
	return scanUser(row)
}

func scanUser(row *sql.Row) (User, bool, error) {
	var u User
	var id string
	var active, allowMatching, allowEmails int
	var createdNs int64
	err := row.Scan(&id, &u.ExternalID, &u.Email, &u.DisplayName, &u.TimeZone, &u.Bio, &active, &allowMatching, &allowEmails, &createdNs)
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return User{}, false, fmt.Errorf("parse user id: %w", err)
	}
	u.ID = parsed
	u.Active = active != 0
	u.AllowMatching = allowMatching != 0
	u.AllowEmails = allowEmails != 0
	u.CreatedAt = time.Unix(0, createdNs).UTC()
	return u, true, nil
}

func (s *Store) SkillsByUser(ctx context.Context, userID uuid.UUID) ([]Skill, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, name, level, category, description FROM skills WHERE user_id=? ORDER BY name`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Skill
	for rows.Next() {
		var sk Skill
		var id, uid string
		if err := rows.Scan(&id, &uid, &sk.Name, &sk.Level, &sk.Category, &sk.Description); err != nil {
			return nil, err
		}
		sk.ID, _ = uuid.Parse(id)
		sk.UserID, _ = uuid.Parse(uid)
		out = append(out, sk)
	}
	return out, rows.Err()
}

func (s *Store) PrivacyEventsByUser(ctx context.Context, userID uuid.UUID) ([]PrivacyEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, event_type, details, created_at_utc_ns
FROM privacy_events WHERE user_id=? ORDER BY created_at_utc_ns DESC`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PrivacyEvent
	for rows.Next() {
		var ev PrivacyEvent
		var id, uid string
		var details sql.NullString
		var createdNs int64
		if err := rows.Scan(&id, &uid, &ev.EventType, &details, &createdNs); err != nil {
			return nil, err
		}
		ev.ID, _ = uuid.Parse(id)
		ev.UserID, _ = uuid.Parse(uid)
		ev.Details = details.String
		ev.CreatedAt = time.Unix(0, createdNs).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) RecordPrivacyEvent(ctx context.Context, userID uuid.UUID, eventType, details string) error {
	var d any
	if details != "" {
		d = details
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO privacy_events(id, user_id, event_type, details, created_at_utc_ns) VALUES(?, ?, ?, ?, ?)`,
		uuid.New().String(), userID.String(), eventType, d, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert privacy event: %w", err)
	}
	return nil
}

func (s *Store) DeleteSkillsByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE user_id=?`, userID.String())
	if err != nil {
		return 0, fmt.Errorf("delete skills: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SoftDeleteUser marks the account inactive and stamps the deletion time. The
// row is kept so references held by other services stay resolvable.
func (s *Store) SoftDeleteUser(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE users SET active=0, deleted_at_utc_ns=? WHERE id=?`, at.UTC().UnixNano(), userID.String())
	if err != nil {
		return fmt.Errorf("soft delete user: %w", err)
	}
	return nil
}

// AnonymizeUser scrubs subject-identifying fields, keeping the row for
// referential integrity.
func (s *Store) AnonymizeUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE users SET email=?, display_name=?, bio='', time_zone='', allow_matching=0, allow_emails=0 WHERE id=?`,
		anonymizedSentinel, anonymizedSentinel, userID.String())
	if err != nil {
		return fmt.Errorf("anonymize user: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
