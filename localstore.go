package conversync

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ============================================================================
// LocalStore
// ============================================================================

// LocalStore is the persisted local cache: the presence snapshot and the
// conversation log. It is an explicit injected object with an open/close
// lifecycle, and has exactly one logical writer at a time.
type LocalStore struct {
	db *sqlx.DB
}

const localSchema = `
create table if not exists presence (
	contact_id text primary key,
	status text not null,
	updated_at timestamp not null
);
create table if not exists meta (
	key text primary key,
	value text not null
);
create table if not exists conversation_log (
	local_id text primary key,
	server_id text,
	kind text not null,
	title text,
	counterpart_id text,
	counterpart_name text,
	last_body text,
	last_author_id text,
	last_author_name text,
	last_activity timestamp,
	updated_at timestamp,
	created_at timestamp,
	last_viewed_at timestamp,
	unread integer not null default 0,
	pending integer not null default 0
);
`

// OpenLocalStore opens (creating if needed) the cache database at path.
func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := sqlx.Connect("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening local cache: %w", err)
	}
	if _, err := db.Exec(localSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &LocalStore{db: db}, nil
}

// Close releases the database handle.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Presence snapshot
// ============================================================================

type presenceRow struct {
	ContactID string    `db:"contact_id"`
	Status    string    `db:"status"`
	UpdatedAt time.Time `db:"updated_at"`
}

// LoadPresence returns the persisted snapshot and the time it was taken.
func (s *LocalStore) LoadPresence() ([]PresenceEntry, time.Time, error) {
	var rows []presenceRow
	if err := s.db.Select(&rows, `select contact_id, status, updated_at from presence`); err != nil {
		return nil, time.Time{}, fmt.Errorf("loading presence snapshot: %w", err)
	}

	var fetchedAt time.Time
	var raw string
	err := s.db.Get(&raw, `select value from meta where key = 'presence_fetched_at'`)
	if err == nil {
		fetchedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}

	entries := make([]PresenceEntry, len(rows))
	for i, r := range rows {
		entries[i] = PresenceEntry{
			ContactID: r.ContactID,
			Status:    PresenceStatus(r.Status),
			UpdatedAt: r.UpdatedAt,
		}
	}
	return entries, fetchedAt, nil
}

// SavePresence replaces the persisted snapshot.
func (s *LocalStore) SavePresence(entries []PresenceEntry, at time.Time) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("starting snapshot write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`delete from presence`); err != nil {
		return fmt.Errorf("clearing snapshot: %w", err)
	}
	for _, e := range entries {
		_, err := tx.Exec(`insert into presence (contact_id, status, updated_at) values (?, ?, ?)`,
			e.ContactID, string(e.Status), e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("writing snapshot entry: %w", err)
		}
	}
	_, err = tx.Exec(`insert into meta (key, value) values ('presence_fetched_at', ?)
		on conflict(key) do update set value = excluded.value`,
		at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("writing snapshot time: %w", err)
	}
	return tx.Commit()
}

// ============================================================================
// Conversation log
// ============================================================================

type conversationRow struct {
	LocalID         string    `db:"local_id"`
	ServerID        string    `db:"server_id"`
	Kind            string    `db:"kind"`
	Title           string    `db:"title"`
	CounterpartID   string    `db:"counterpart_id"`
	CounterpartName string    `db:"counterpart_name"`
	LastBody        string    `db:"last_body"`
	LastAuthorID    string    `db:"last_author_id"`
	LastAuthorName  string    `db:"last_author_name"`
	LastActivity    time.Time `db:"last_activity"`
	UpdatedAt       time.Time `db:"updated_at"`
	CreatedAt       time.Time `db:"created_at"`
	LastViewedAt    time.Time `db:"last_viewed_at"`
	Unread          int       `db:"unread"`
	Pending         bool      `db:"pending"`
}

// SaveConversations replaces the persisted conversation log.
func (s *LocalStore) SaveConversations(convs []Conversation) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("starting log write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`delete from conversation_log`); err != nil {
		return fmt.Errorf("clearing log: %w", err)
	}
	for _, c := range convs {
		_, err := tx.Exec(`insert into conversation_log
			(local_id, server_id, kind, title, counterpart_id, counterpart_name,
			 last_body, last_author_id, last_author_name,
			 last_activity, updated_at, created_at, last_viewed_at, unread, pending)
			values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.LocalID, c.ID, string(c.Kind), c.Title, c.Counterpart.ID, c.Counterpart.DisplayName,
			c.LastBody, c.LastAuthor.ID, c.LastAuthor.DisplayName,
			c.LastActivity, c.UpdatedAt, c.CreatedAt, c.LastViewedAt, c.Unread, c.Pending)
		if err != nil {
			return fmt.Errorf("writing log entry: %w", err)
		}
	}
	return tx.Commit()
}

// LoadConversations returns the persisted conversation log.
func (s *LocalStore) LoadConversations() ([]Conversation, error) {
	var rows []conversationRow
	err := s.db.Select(&rows, `select local_id, server_id, kind, title,
		counterpart_id, counterpart_name, last_body, last_author_id, last_author_name,
		last_activity, updated_at, created_at, last_viewed_at, unread, pending
		from conversation_log`)
	if err != nil {
		return nil, fmt.Errorf("loading conversation log: %w", err)
	}

	convs := make([]Conversation, len(rows))
	for i, r := range rows {
		convs[i] = Conversation{
			ID:           r.ServerID,
			LocalID:      r.LocalID,
			Kind:         ConversationKind(r.Kind),
			Title:        r.Title,
			Counterpart:  Identity{ID: r.CounterpartID, DisplayName: r.CounterpartName},
			LastBody:     r.LastBody,
			LastAuthor:   Identity{ID: r.LastAuthorID, DisplayName: r.LastAuthorName},
			LastActivity: r.LastActivity,
			UpdatedAt:    r.UpdatedAt,
			CreatedAt:    r.CreatedAt,
			LastViewedAt: r.LastViewedAt,
			Unread:       r.Unread,
			Pending:      r.Pending,
		}
	}
	return convs, nil
}

// SetLastViewed persists the open time for one conversation without
// rewriting the whole log.
func (s *LocalStore) SetLastViewed(localID string, at time.Time) error {
	_, err := s.db.Exec(`update conversation_log set last_viewed_at = ?, unread = 0 where local_id = ?`, at, localID)
	if err != nil {
		return fmt.Errorf("recording open time: %w", err)
	}
	return nil
}
