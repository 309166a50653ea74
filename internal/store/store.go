// Package store persists dashboard state in SQLite:
// - plugin states, served as snapshots to widgets
// - the widget registry with each widget's latest body and style
// - login sessions
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO)

	"github.com/markus-barta/wipboard/internal/protocol"
)

// DefaultRetention is how many states are kept per project/plugin/key.
const DefaultRetention = 50

// StateRecord is one stored plugin state.
type StateRecord struct {
	ID        int64           `json:"id"`
	Project   string          `json:"project"`
	Plugin    string          `json:"plugin"`
	Key       string          `json:"key"`
	Task      string          `json:"task,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Value     json.RawMessage `json:"value"`
}

// WidgetRecord is a registered widget.
type WidgetRecord struct {
	ID           string    `json:"id"`
	Project      string    `json:"project"`
	Plugin       string    `json:"plugin"`
	Title        string    `json:"title"`
	HTML         string    `json:"-"`
	CSS          string    `json:"-"`
	Registered   bool      `json:"registered"`
	RegisteredAt time.Time `json:"registered_at"`
}

// StateStore provides persistence for dashboard state.
type StateStore struct {
	log       zerolog.Logger
	db        *sql.DB
	retention int
	version   atomic.Uint64 // bumped on every stored state
}

// New creates a StateStore on an opened database.
func New(log zerolog.Logger, db *sql.DB) *StateStore {
	return &StateStore{
		log:       log.With().Str("component", "store").Logger(),
		db:        db,
		retention: DefaultRetention,
	}
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS states (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		project    TEXT NOT NULL,
		plugin     TEXT NOT NULL,
		key        TEXT NOT NULL,
		task       TEXT,
		value      TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_states_scope ON states(project, plugin, key, id DESC);

	CREATE TABLE IF NOT EXISTS widgets (
		id            TEXT PRIMARY KEY,
		project       TEXT NOT NULL DEFAULT '',
		plugin        TEXT NOT NULL DEFAULT '',
		title         TEXT NOT NULL DEFAULT '',
		html          TEXT NOT NULL DEFAULT '',
		css           TEXT NOT NULL DEFAULT '',
		registered    INTEGER NOT NULL DEFAULT 0,
		registered_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		csrf_token TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`

	_, err := db.Exec(schema)
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// STATES
// ═══════════════════════════════════════════════════════════════════════════

// SaveState stores a state event and prunes older states of the same key.
func (s *StateStore) SaveState(ctx context.Context, e protocol.Event) error {
	value := e.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO states (project, plugin, key, task, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Project, e.Plugin, e.Key, nullString(e.Task), string(value), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "save state")
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM states
		WHERE project = ? AND plugin = ? AND key = ?
		  AND id NOT IN (
			SELECT id FROM states
			WHERE project = ? AND plugin = ? AND key = ?
			ORDER BY id DESC LIMIT ?
		  )
	`, e.Project, e.Plugin, e.Key, e.Project, e.Plugin, e.Key, s.retention)
	if err != nil {
		s.log.Warn().Err(err).Str("key", e.Key).Msg("failed to prune states")
	}

	version := s.version.Add(1)
	s.log.Debug().
		Str("project", e.Project).
		Str("plugin", e.Plugin).
		Str("key", e.Key).
		Uint64("version", version).
		Msg("state saved")
	return nil
}

// States returns stored states newest first. An empty key matches all keys.
func (s *StateStore) States(ctx context.Context, project, plugin, key string, limit int) ([]StateRecord, error) {
	if limit <= 0 {
		limit = s.retention
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, plugin, key, task, value, created_at
		FROM states
		WHERE project = ? AND plugin = ? AND (? = '' OR key = ?)
		ORDER BY id DESC
		LIMIT ?
	`, project, plugin, key, key, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query states")
	}
	defer func() { _ = rows.Close() }()

	records := make([]StateRecord, 0)
	for rows.Next() {
		var r StateRecord
		var task sql.NullString
		var value string
		if err := rows.Scan(&r.ID, &r.Project, &r.Plugin, &r.Key, &task, &value, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan state")
		}
		r.Task = task.String
		r.Value = json.RawMessage(value)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Version returns the number of states stored since startup.
func (s *StateStore) Version() uint64 {
	return s.version.Load()
}

// ═══════════════════════════════════════════════════════════════════════════
// WIDGETS
// ═══════════════════════════════════════════════════════════════════════════

// RegisterWidget marks a widget as ready to display.
func (s *StateStore) RegisterWidget(ctx context.Context, w protocol.RegisterWidgetPayload) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO widgets (id, project, plugin, title, registered, registered_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			project = excluded.project,
			plugin = excluded.plugin,
			title = excluded.title,
			registered = 1,
			registered_at = excluded.registered_at
	`, w.WidgetID, w.Project, w.Plugin, w.Title, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "register widget")
	}
	return nil
}

// SetWidgetHTML stores a widget's latest body.
func (s *StateStore) SetWidgetHTML(ctx context.Context, widgetID, html string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO widgets (id, html) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET html = excluded.html
	`, widgetID, html)
	if err != nil {
		return errors.Wrap(err, "store widget html")
	}
	return nil
}

// SetWidgetCSS stores a widget's stylesheet.
func (s *StateStore) SetWidgetCSS(ctx context.Context, widgetID, css string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO widgets (id, css) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET css = excluded.css
	`, widgetID, css)
	if err != nil {
		return errors.Wrap(err, "store widget css")
	}
	return nil
}

// WidgetHTML returns a widget's stored body, or "" if there is none.
func (s *StateStore) WidgetHTML(ctx context.Context, widgetID string) (string, error) {
	var html string
	err := s.db.QueryRowContext(ctx, `SELECT html FROM widgets WHERE id = ?`, widgetID).Scan(&html)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "query widget html")
	}
	return html, nil
}

// Widgets returns registered widgets ordered by registration time.
func (s *StateStore) Widgets(ctx context.Context) ([]WidgetRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, plugin, title, html, css, registered_at
		FROM widgets
		WHERE registered = 1
		ORDER BY registered_at, id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query widgets")
	}
	defer func() { _ = rows.Close() }()

	widgets := make([]WidgetRecord, 0)
	for rows.Next() {
		var w WidgetRecord
		var registeredAt sql.NullTime
		if err := rows.Scan(&w.ID, &w.Project, &w.Plugin, &w.Title, &w.HTML, &w.CSS, &registeredAt); err != nil {
			return nil, errors.Wrap(err, "scan widget")
		}
		w.Registered = true
		w.RegisteredAt = registeredAt.Time
		widgets = append(widgets, w)
	}
	return widgets, rows.Err()
}

// ResetWidgets unregisters every widget. Widgets register again when their
// runtimes reconnect, so stale entries from a previous run disappear.
func (s *StateStore) ResetWidgets(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE widgets SET registered = 0 WHERE registered = 1`)
	if err != nil {
		return 0, errors.Wrap(err, "reset widgets")
	}
	return res.RowsAffected()
}

// ═══════════════════════════════════════════════════════════════════════════
// SESSIONS
// ═══════════════════════════════════════════════════════════════════════════

// ErrSessionNotFound is returned for unknown and expired sessions.
var ErrSessionNotFound = errors.New("session not found")

// Session is a logged-in browser session.
type Session struct {
	ID        string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SaveSession stores a new session.
func (s *StateStore) SaveSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, csrf_token, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, sess.ID, sess.CSRFToken, sess.CreatedAt.UTC(), sess.ExpiresAt.UTC())
	if err != nil {
		return errors.Wrap(err, "save session")
	}
	return nil
}

// Session returns a live session. Expired sessions are deleted on lookup
// and reported as ErrSessionNotFound.
func (s *StateStore) Session(ctx context.Context, id string, now time.Time) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, csrf_token, created_at, expires_at FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.CSRFToken, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "query session")
	}
	if !now.Before(sess.ExpiresAt) {
		if err := s.DeleteSession(ctx, id); err != nil {
			s.log.Warn().Err(err).Msg("failed to delete expired session")
		}
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// DeleteSession removes a session. Unknown IDs are not an error.
func (s *StateStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "delete session")
	}
	return nil
}

// DeleteExpiredSessions removes every session that expired before now.
func (s *StateStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "delete expired sessions")
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
