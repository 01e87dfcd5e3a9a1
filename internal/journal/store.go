// Package journal persists channel lifecycle events in SQLite so resume
// tokens and close reasons outlive the daemon process.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a channel has no matching journal entry.
var ErrNotFound = errors.New("journal entry not found")

// Event names a lifecycle step.
type Event string

const (
	EventLaunch      Event = "launch"
	EventResumeToken Event = "resume_token"
	EventClose       Event = "close"
)

// Entry is one journal row.
type Entry struct {
	ID          int64
	ChannelID   string
	Event       Event
	Reason      string // close entries only
	Detail      string
	ResumeToken string
	At          time.Time
}

// Launch describes a channel launch.
type Launch struct {
	Cwd            string
	Model          string
	PermissionMode string
	Resume         string
}

// Store handles journal persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (creating if needed) journal.db under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "journal.db")
	// Enable WAL mode and busy timeout for better concurrent access
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channel_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL,
		event TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		resume_token TEXT NOT NULL DEFAULT '',
		at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_channel_events_channel ON channel_events(channel_id, id);
	CREATE INDEX IF NOT EXISTS idx_channel_events_at ON channel_events(at_ms);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// journals written before close reasons were split out
	var hasReason int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('channel_events') WHERE name = 'reason'`,
	).Scan(&hasReason); err != nil {
		return err
	}
	if hasReason == 0 {
		_, err := s.db.Exec(`ALTER TABLE channel_events ADD COLUMN reason TEXT NOT NULL DEFAULT ''`)
		return err
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) insert(channelID string, event Event, reason, detail, token string) error {
	_, err := s.db.Exec(`
		INSERT INTO channel_events (channel_id, event, reason, detail, resume_token, at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		channelID, string(event), reason, detail, token, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s event: %w", event, err)
	}
	return nil
}

// RecordLaunch records a channel launch.
func (s *Store) RecordLaunch(channelID string, l Launch) error {
	detail := fmt.Sprintf("cwd=%s model=%s permissionMode=%s", l.Cwd, l.Model, l.PermissionMode)
	return s.insert(channelID, EventLaunch, "", detail, l.Resume)
}

// RecordResumeToken records the token a session can later be resumed with.
func (s *Store) RecordResumeToken(channelID, token string) error {
	return s.insert(channelID, EventResumeToken, "", "", token)
}

// RecordClose records why a channel ended. reason is a short category
// ("normal", "idle", "engine_error", ...); detail carries the cause text.
func (s *Store) RecordClose(channelID, reason, detail string) error {
	return s.insert(channelID, EventClose, reason, detail, "")
}

// History returns up to limit of the most recent entries for channelID,
// oldest first. limit <= 0 returns everything.
func (s *Store) History(channelID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, channel_id, event, reason, detail, resume_token, at_ms FROM (
			SELECT * FROM channel_events WHERE channel_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var event string
		var atMs int64
		if err := rows.Scan(&e.ID, &e.ChannelID, &event, &e.Reason, &e.Detail, &e.ResumeToken, &atMs); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Event = Event(event)
		e.At = time.UnixMilli(atMs)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestResumeToken returns the newest resume token recorded for channelID.
func (s *Store) LatestResumeToken(channelID string) (string, error) {
	var token string
	err := s.db.QueryRow(`
		SELECT resume_token FROM channel_events
		WHERE channel_id = ? AND event = ? AND resume_token != ''
		ORDER BY id DESC LIMIT 1`, channelID, string(EventResumeToken),
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query resume token: %w", err)
	}
	return token, nil
}

// Prune deletes entries recorded before cutoff and returns how many went.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM channel_events WHERE at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return res.RowsAffected()
}
