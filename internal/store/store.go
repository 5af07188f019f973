package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"parley/server/internal/core"
	"parley/server/internal/protocol"
)

// Store persists the relay namespace in SQLite: rooms with their logs,
// settings, and ban sets, plus room-less category paths and the global ban
// list. One SaveSnapshot call writes the whole record transactionally.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db, path: path}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	path TEXT PRIMARY KEY,
	anonymous INTEGER NOT NULL DEFAULT 0,
	character_limit INTEGER NOT NULL DEFAULT 0 CHECK(character_limit >= 0)
);

CREATE TABLE IF NOT EXISTS categories (
	path TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_path TEXT NOT NULL,
	idx INTEGER NOT NULL,
	kind TEXT NOT NULL,
	username TEXT NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	filename TEXT NOT NULL DEFAULT '',
	file_type TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_path, idx);

CREATE TABLE IF NOT EXISTS room_bans (
	room_path TEXT NOT NULL,
	ip TEXT NOT NULL,
	UNIQUE(room_path, ip)
);

CREATE TABLE IF NOT EXISTS global_bans (
	ip TEXT PRIMARY KEY
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// SaveSnapshot replaces the persisted record with snap in one transaction, so
// a failed save never leaves a half-written namespace behind.
func (s *Store) SaveSnapshot(ctx context.Context, snap core.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"rooms", "categories", "messages", "room_bans", "global_bans"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, path := range snap.Categories {
		if _, err := tx.ExecContext(ctx, `INSERT INTO categories (path) VALUES (?)`, path); err != nil {
			return fmt.Errorf("insert category %q: %w", path, err)
		}
	}

	for _, room := range snap.Rooms {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (path, anonymous, character_limit) VALUES (?, ?, ?)`,
			room.Path, boolToInt(room.Anonymous), room.CharacterLimit,
		); err != nil {
			return fmt.Errorf("insert room %q: %w", room.Path, err)
		}
		for i, msg := range room.Messages {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (room_path, idx, kind, username, text, filename, file_type, result, ts)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				room.Path, i, msg.Type, msg.Username, msg.Text, msg.Filename, msg.FileType, msg.Result, msg.Timestamp,
			); err != nil {
				return fmt.Errorf("insert message %d of room %q: %w", i, room.Path, err)
			}
		}
		for _, ip := range room.BannedIPs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO room_bans (room_path, ip) VALUES (?, ?)`, room.Path, ip,
			); err != nil {
				return fmt.Errorf("insert room ban %q/%q: %w", room.Path, ip, err)
			}
		}
	}

	for _, ip := range snap.GlobalBans {
		if _, err := tx.ExecContext(ctx, `INSERT INTO global_bans (ip) VALUES (?)`, ip); err != nil {
			return fmt.Errorf("insert global ban %q: %w", ip, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	slog.Info("snapshot saved", "rooms", len(snap.Rooms), "categories", len(snap.Categories), "global_bans", len(snap.GlobalBans))
	return nil
}

// LoadSnapshot reads the full persisted record. A fresh database yields an
// empty snapshot.
func (s *Store) LoadSnapshot(ctx context.Context) (core.Snapshot, error) {
	var snap core.Snapshot

	catRows, err := s.db.QueryContext(ctx, `SELECT path FROM categories ORDER BY path`)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("query categories: %w", err)
	}
	defer catRows.Close()
	for catRows.Next() {
		var path string
		if err := catRows.Scan(&path); err != nil {
			return core.Snapshot{}, fmt.Errorf("scan category: %w", err)
		}
		snap.Categories = append(snap.Categories, path)
	}
	if err := catRows.Err(); err != nil {
		return core.Snapshot{}, fmt.Errorf("iterate categories: %w", err)
	}

	roomRows, err := s.db.QueryContext(ctx, `SELECT path, anonymous, character_limit FROM rooms ORDER BY path`)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("query rooms: %w", err)
	}
	defer roomRows.Close()
	for roomRows.Next() {
		var (
			room      core.RoomState
			anonymous int
		)
		if err := roomRows.Scan(&room.Path, &anonymous, &room.CharacterLimit); err != nil {
			return core.Snapshot{}, fmt.Errorf("scan room: %w", err)
		}
		room.Anonymous = anonymous != 0
		snap.Rooms = append(snap.Rooms, room)
	}
	if err := roomRows.Err(); err != nil {
		return core.Snapshot{}, fmt.Errorf("iterate rooms: %w", err)
	}

	for i := range snap.Rooms {
		msgs, err := s.roomMessages(ctx, snap.Rooms[i].Path)
		if err != nil {
			return core.Snapshot{}, err
		}
		snap.Rooms[i].Messages = msgs

		bans, err := s.roomBans(ctx, snap.Rooms[i].Path)
		if err != nil {
			return core.Snapshot{}, err
		}
		snap.Rooms[i].BannedIPs = bans
	}

	banRows, err := s.db.QueryContext(ctx, `SELECT ip FROM global_bans ORDER BY ip`)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("query global bans: %w", err)
	}
	defer banRows.Close()
	for banRows.Next() {
		var ip string
		if err := banRows.Scan(&ip); err != nil {
			return core.Snapshot{}, fmt.Errorf("scan global ban: %w", err)
		}
		snap.GlobalBans = append(snap.GlobalBans, ip)
	}
	if err := banRows.Err(); err != nil {
		return core.Snapshot{}, fmt.Errorf("iterate global bans: %w", err)
	}

	slog.Debug("snapshot loaded", "rooms", len(snap.Rooms), "categories", len(snap.Categories))
	return snap, nil
}

func (s *Store) roomMessages(ctx context.Context, roomPath string) ([]protocol.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, username, text, filename, file_type, result, ts FROM messages WHERE room_path = ? ORDER BY idx`,
		roomPath,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages for %q: %w", roomPath, err)
	}
	defer rows.Close()

	var msgs []protocol.ChatMessage
	for rows.Next() {
		var m protocol.ChatMessage
		if err := rows.Scan(&m.Type, &m.Username, &m.Text, &m.Filename, &m.FileType, &m.Result, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) roomBans(ctx context.Context, roomPath string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ip FROM room_bans WHERE room_path = ? ORDER BY ip`, roomPath)
	if err != nil {
		return nil, fmt.Errorf("query room bans for %q: %w", roomPath, err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("scan room ban: %w", err)
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

// RoomCount returns the number of persisted rooms (offline CLI).
func (s *Store) RoomCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rooms: %w", err)
	}
	return n, nil
}

// MessageCount returns the number of persisted messages (offline CLI).
func (s *Store) MessageCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// RoomPaths lists persisted room paths (offline CLI).
func (s *Store) RoomPaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM rooms ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("query room paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan room path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Backup copies the database file to dest.
func (s *Store) Backup(dest string) error {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return fmt.Errorf("backup destination is required")
	}

	src, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open database for backup: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("copy database: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
