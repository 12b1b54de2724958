package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// CommentLog represents a received comment
type CommentLog struct {
	ID         int64     `json:"id"`
	Room       string    `json:"room"`
	Comment    string    `json:"comment"`
	Pinned     bool      `json:"pinned"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Connection event kinds
const (
	EventOpen  = "open"
	EventClose = "close"
	EventError = "error"
)

// ConnectionEvent represents a connection lifecycle entry
type ConnectionEvent struct {
	ID        int64
	Kind      string
	Code      int
	Reason    string
	CreatedAt time.Time
}

// DB wraps the SQLite database
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema
func NewDB(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory failed: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema failed: %w", err)
	}

	return db, nil
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS comment_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room TEXT NOT NULL,
		comment TEXT NOT NULL,
		pinned INTEGER NOT NULL DEFAULT 0,
		received_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_comment_received_at ON comment_logs(received_at);

	CREATE TABLE IF NOT EXISTS connection_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		code INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// InsertComment inserts a new comment log entry
func (db *DB) InsertComment(log *CommentLog) error {
	if log.ReceivedAt.IsZero() {
		log.ReceivedAt = time.Now()
	}

	result, err := db.conn.Exec(`
		INSERT INTO comment_logs (room, comment, pinned, received_at)
		VALUES (?, ?, ?, ?)
	`, log.Room, log.Comment, log.Pinned, log.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	log.ID = id
	return nil
}

// InsertConnectionEvent records a connection lifecycle event
func (db *DB) InsertConnectionEvent(ev *ConnectionEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	result, err := db.conn.Exec(`
		INSERT INTO connection_events (kind, code, reason, created_at)
		VALUES (?, ?, ?, ?)
	`, ev.Kind, ev.Code, ev.Reason, ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert connection event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	ev.ID = id
	return nil
}

// RecentComments returns up to limit comments, newest first
func (db *DB) RecentComments(limit int) ([]CommentLog, error) {
	rows, err := db.conn.Query(`
		SELECT id, room, comment, pinned, received_at
		FROM comment_logs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	var out []CommentLog
	for rows.Next() {
		var c CommentLog
		if err := rows.Scan(&c.ID, &c.Room, &c.Comment, &c.Pinned, &c.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AggregateStats holds aggregate statistics from the database
type AggregateStats struct {
	TotalComments int
	TodayComments int
	Disconnects   int
}

// GetAggregateStats returns aggregate statistics from all logs
func (db *DB) GetAggregateStats() (*AggregateStats, error) {
	stats := &AggregateStats{}

	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM comment_logs`).Scan(&stats.TotalComments); err != nil {
		return nil, fmt.Errorf("query total stats: %w", err)
	}

	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).UTC()
	err := db.conn.QueryRow(`
		SELECT COUNT(*)
		FROM comment_logs
		WHERE received_at >= ?
	`, startOfDay).Scan(&stats.TodayComments)
	if err != nil {
		return nil, fmt.Errorf("query today stats: %w", err)
	}

	err = db.conn.QueryRow(`
		SELECT COUNT(*)
		FROM connection_events
		WHERE kind = ?
	`, EventClose).Scan(&stats.Disconnects)
	if err != nil {
		return nil, fmt.Errorf("query disconnects: %w", err)
	}

	return stats, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}
