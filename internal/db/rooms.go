package db

import (
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrRoomNotFound is returned for an unknown or expired room code.
var ErrRoomNotFound = errors.New("room not found")

// codeAttempts bounds the random draws when minting a room code.
const codeAttempts = 32

// RoomStore maps room codes to host addresses.
type RoomStore struct {
	db         *Database
	codeDigits int
	ttl        time.Duration
	now        func() time.Time
}

// Room is one registered room code.
type Room struct {
	Code      int32     `json:"code"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Name      string    `json:"name"`
	Lookups   int       `json:"lookups"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewRoomStore opens the room database. Codes have codeDigits decimal
// digits and rooms live for ttl unless refreshed.
func NewRoomStore(dbPath string, codeDigits int, ttl time.Duration) (*RoomStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	if codeDigits < 4 || codeDigits > 9 {
		codeDigits = 6
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}

	rs := &RoomStore{db: database, codeDigits: codeDigits, ttl: ttl, now: time.Now}
	if err := rs.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate room database: %w", err)
	}
	return rs, nil
}

// migrate creates the database schema.
func (rs *RoomStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS rooms (
			code INTEGER PRIMARY KEY,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			lookups INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rooms_expires_at ON rooms(expires_at);
		CREATE INDEX IF NOT EXISTS idx_rooms_host_port ON rooms(host, port);
	`

	if _, err := rs.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("room schema migrated")
	return nil
}

// Close closes the underlying database.
func (rs *RoomStore) Close() error {
	return rs.db.Close()
}

// TTL returns how long a room lives after registration.
func (rs *RoomStore) TTL() time.Duration {
	return rs.ttl
}

// CreateRoom registers host:port under a fresh random code. A host that
// registers the same port again replaces its previous room.
func (rs *RoomStore) CreateRoom(host string, port int, name string) (Room, error) {
	now := rs.now()
	room := Room{
		Host:      host,
		Port:      port,
		Name:      name,
		CreatedAt: now,
		ExpiresAt: now.Add(rs.ttl),
	}

	low := int32(1)
	for i := 1; i < rs.codeDigits; i++ {
		low *= 10
	}
	span := low * 9

	err := rs.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM rooms WHERE host = ? AND port = ?", host, port); err != nil {
			return err
		}
		for attempt := 0; attempt < codeAttempts; attempt++ {
			code := low + rand.Int32N(span)
			var taken int
			row := tx.QueryRow("SELECT COUNT(*) FROM rooms WHERE code = ? AND expires_at > ?", code, now.Unix())
			if err := row.Scan(&taken); err != nil {
				return err
			}
			if taken > 0 {
				continue
			}
			if _, err := tx.Exec(
				"INSERT OR REPLACE INTO rooms (code, host, port, name, lookups, created_at, expires_at) VALUES (?, ?, ?, ?, 0, ?, ?)",
				code, host, port, name, now.Unix(), room.ExpiresAt.Unix()); err != nil {
				return err
			}
			room.Code = code
			return nil
		}
		return fmt.Errorf("no free room code after %d attempts", codeAttempts)
	})
	if err != nil {
		return Room{}, fmt.Errorf("failed to create room: %w", err)
	}

	log.Info().Int32("code", room.Code).Str("host", host).Int("port", port).Msg("room created")
	return room, nil
}

// LookupRoom returns the live room registered under code and counts the
// lookup.
func (rs *RoomStore) LookupRoom(code int32) (Room, error) {
	now := rs.now().Unix()
	var room Room
	var created, expires int64

	err := rs.db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(
			"SELECT code, host, port, name, lookups, created_at, expires_at FROM rooms WHERE code = ? AND expires_at > ?",
			code, now)
		if err := row.Scan(&room.Code, &room.Host, &room.Port, &room.Name, &room.Lookups, &created, &expires); err != nil {
			return err
		}
		_, err := tx.Exec("UPDATE rooms SET lookups = lookups + 1 WHERE code = ?", code)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("room lookup failed: %w", err)
	}

	room.Lookups++
	room.CreatedAt = time.Unix(created, 0)
	room.ExpiresAt = time.Unix(expires, 0)
	return room, nil
}

// DeleteRoom removes a room. It reports whether the code existed.
func (rs *RoomStore) DeleteRoom(code int32) (bool, error) {
	res, err := rs.db.Exec("DELETE FROM rooms WHERE code = ?", code)
	if err != nil {
		return false, fmt.Errorf("failed to delete room %d: %w", code, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int32("code", code).Msg("room deleted")
	}
	return n > 0, nil
}

// ListRooms returns all live rooms, newest first.
func (rs *RoomStore) ListRooms() ([]Room, error) {
	rows, err := rs.db.Query(
		"SELECT code, host, port, name, lookups, created_at, expires_at FROM rooms WHERE expires_at > ? ORDER BY created_at DESC, code",
		rs.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		var created, expires int64
		if err := rows.Scan(&r.Code, &r.Host, &r.Port, &r.Name, &r.Lookups, &created, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		r.CreatedAt = time.Unix(created, 0)
		r.ExpiresAt = time.Unix(expires, 0)
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// ExpireRooms deletes rooms past their expiry and returns how many.
func (rs *RoomStore) ExpireRooms() (int, error) {
	res, err := rs.db.Exec("DELETE FROM rooms WHERE expires_at <= ?", rs.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to expire rooms: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
