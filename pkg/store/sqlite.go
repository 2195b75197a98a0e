package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqlitePragmas are applied to every pooled connection through the DSN
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

func sqliteDSN(path string) string {
	params := make([]string, 0, len(sqlitePragmas))
	for _, p := range sqlitePragmas {
		params = append(params, "_pragma="+p)
	}
	return path + "?" + strings.Join(params, "&")
}

// SQLiteDB holds a read pool and a dedicated single write connection. Every
// mutation goes through writeConn, so writes are serialized in one place.
type SQLiteDB struct {
	conn      *sql.DB
	writeConn *sql.DB
	now       func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and migrates it
func OpenSQLite(path string) (*SQLiteDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteDB{conn: conn, writeConn: writeConn, now: time.Now}, nil
}

// Close closes both connections
func (db *SQLiteDB) Close() error {
	werr := db.writeConn.Close()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return werr
}

func openSQLiteBackend(path string, bcryptCost int) (*Backend, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, persistErr("open database", err)
	}

	return &Backend{
		Credentials: &SQLiteCredentials{db: db, hasher: newHasher(bcryptCost)},
		Profiles:    &SQLiteProfiles{db: db},
		Chats:       &SQLiteChats{db: db},
		close:       db.Close,
	}, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// SQLiteCredentials stores password hashes in the credentials table
type SQLiteCredentials struct {
	db     *SQLiteDB
	hasher *hasher
}

func (c *SQLiteCredentials) Register(username, password string) error {
	if !ValidUsername(username) {
		return ErrInvalidUsername
	}

	var exists int
	err := c.db.conn.QueryRow("SELECT COUNT(*) FROM credentials WHERE username = ?", username).Scan(&exists)
	if err != nil {
		return persistErr("check credentials", err)
	}
	if exists > 0 {
		return ErrUsernameTaken
	}

	hashed, err := c.hasher.hash(password)
	if err != nil {
		return err
	}

	res, err := c.db.writeConn.Exec(
		"INSERT INTO credentials (username, password_hash, created_at) VALUES (?, ?, ?) ON CONFLICT(username) DO NOTHING",
		username, hashed, c.db.now().UnixMilli(),
	)
	if err != nil {
		return persistErr("save credentials", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUsernameTaken
	}
	return nil
}

func (c *SQLiteCredentials) Verify(username, password string) (bool, error) {
	var hash string
	err := c.db.conn.QueryRow("SELECT password_hash FROM credentials WHERE username = ?", username).Scan(&hash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, persistErr("load credentials", err)
	}
	return c.hasher.check(hash, password), nil
}

// SQLiteProfiles stores profiles and their chat lists
type SQLiteProfiles struct {
	db *SQLiteDB
}

func (p *SQLiteProfiles) Create(username, displayName string) error {
	if !ValidUsername(username) {
		return ErrInvalidUsername
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = username
	}

	res, err := p.db.writeConn.Exec(
		"INSERT INTO profiles (username, display_name, status, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(username) DO NOTHING",
		username, displayName, string(StatusOffline), p.db.now().UnixMilli(),
	)
	if err != nil {
		return persistErr("save profile", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUsernameTaken
	}
	return nil
}

func (p *SQLiteProfiles) Get(username string) (*Profile, error) {
	prof := &Profile{Username: username, Chats: []string{}}
	var status string
	err := p.db.conn.QueryRow(
		"SELECT display_name, status FROM profiles WHERE username = ?", username,
	).Scan(&prof.DisplayName, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, persistErr("load profile", err)
	}
	prof.Status = Status(status)

	rows, err := p.db.conn.Query("SELECT chat_id FROM profile_chats WHERE username = ? ORDER BY id", username)
	if err != nil {
		return nil, persistErr("load profile chats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistErr("load profile chats", err)
		}
		prof.Chats = append(prof.Chats, id)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("load profile chats", err)
	}
	return prof, nil
}

func (p *SQLiteProfiles) SetStatus(username string, status Status) error {
	res, err := p.db.writeConn.Exec("UPDATE profiles SET status = ? WHERE username = ?", string(status), username)
	if err != nil {
		return persistErr("save profile", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *SQLiteProfiles) AppendChat(username, chatID string) error {
	tx, err := p.db.writeConn.Begin()
	if err != nil {
		return persistErr("save profile", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM profiles WHERE username = ?", username).Scan(&exists); err != nil {
		return persistErr("load profile", err)
	}
	if exists == 0 {
		return ErrUserNotFound
	}

	if _, err := tx.Exec(
		"INSERT INTO profile_chats (username, chat_id) VALUES (?, ?) ON CONFLICT(username, chat_id) DO NOTHING",
		username, chatID,
	); err != nil {
		return persistErr("save profile", err)
	}
	return persistErr("save profile", tx.Commit())
}

func (p *SQLiteProfiles) ResetPresence() (int, error) {
	res, err := p.db.writeConn.Exec("UPDATE profiles SET status = ? WHERE status != ?",
		string(StatusOffline), string(StatusOffline))
	if err != nil {
		return 0, persistErr("reset presence", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SQLiteChats stores chat metadata, participants and messages
type SQLiteChats struct {
	db *SQLiteDB
}

func loadChat(q queryer, chatID string) (*Chat, error) {
	chat := &Chat{ID: chatID}
	var (
		chatType string
		name     sql.NullString
	)
	err := q.QueryRow("SELECT chat_type, name, admin FROM chats WHERE id = ?", chatID).
		Scan(&chatType, &name, &chat.Admin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, persistErr("load chat", err)
	}
	chat.Type = ChatType(chatType)
	if name.Valid {
		n := name.String
		chat.Name = &n
	}

	rows, err := q.Query("SELECT username FROM chat_participants WHERE chat_id = ? ORDER BY position", chatID)
	if err != nil {
		return nil, persistErr("load chat", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, persistErr("load chat", err)
		}
		chat.Participants = append(chat.Participants, u)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("load chat", err)
	}
	return chat, nil
}

func insertParticipants(tx *sql.Tx, chatID string, participants []string) error {
	for i, u := range participants {
		if _, err := tx.Exec(
			"INSERT INTO chat_participants (chat_id, username, position) VALUES (?, ?, ?)",
			chatID, u, i,
		); err != nil {
			return err
		}
	}
	return nil
}

func nullableName(name *string) sql.NullString {
	if name == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *name, Valid: true}
}

func (c *SQLiteChats) CreateChat(nc NewChat) (*Chat, error) {
	if nc.CreatedAt.IsZero() {
		nc.CreatedAt = c.db.now()
	}
	chat, err := prepareChat(nc)
	if err != nil {
		return nil, err
	}

	tx, err := c.db.writeConn.Begin()
	if err != nil {
		return nil, persistErr("create chat", err)
	}
	defer tx.Rollback()

	existing, err := loadChat(tx, chat.ID)
	switch {
	case err == nil:
		return existing, ErrChatExists
	case !errors.Is(err, ErrChatNotFound):
		return nil, err
	}

	if _, err := tx.Exec(
		"INSERT INTO chats (id, chat_type, name, admin, created_at) VALUES (?, ?, ?, ?, ?)",
		chat.ID, string(chat.Type), nullableName(chat.Name), chat.Admin, nc.CreatedAt.UnixMilli(),
	); err != nil {
		return nil, persistErr("create chat", err)
	}
	if err := insertParticipants(tx, chat.ID, chat.Participants); err != nil {
		return nil, persistErr("create chat", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, persistErr("create chat", err)
	}

	return chat.clone(), nil
}

func (c *SQLiteChats) Get(chatID string) (*Chat, error) {
	return loadChat(c.db.conn, chatID)
}

func (c *SQLiteChats) CanAccess(chatID, username string) bool {
	var n int
	err := c.db.conn.QueryRow(
		"SELECT COUNT(*) FROM chat_participants WHERE chat_id = ? AND username = ?", chatID, username,
	).Scan(&n)
	if err != nil {
		log.Printf("Failed to check access to %s for %s: %v", chatID, username, err)
		return false
	}
	return n > 0
}

// AppendMessage inserts a message in a transaction on the write connection;
// ids, and therefore history order, follow commit order
func (c *SQLiteChats) AppendMessage(chatID, sender, content string) (Message, error) {
	tx, err := c.db.writeConn.Begin()
	if err != nil {
		return Message{}, persistErr("append message", err)
	}
	defer tx.Rollback()

	var chatExists, member int
	if err := tx.QueryRow("SELECT COUNT(*) FROM chats WHERE id = ?", chatID).Scan(&chatExists); err != nil {
		return Message{}, persistErr("append message", err)
	}
	if chatExists == 0 {
		return Message{}, ErrChatNotFound
	}
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM chat_participants WHERE chat_id = ? AND username = ?", chatID, sender,
	).Scan(&member); err != nil {
		return Message{}, persistErr("append message", err)
	}
	if member == 0 {
		return Message{}, ErrAccessDenied
	}

	msg := Message{Sender: sender, Content: content, Timestamp: c.db.now().UTC()}
	if _, err := tx.Exec(
		"INSERT INTO messages (chat_id, sender, content, created_at) VALUES (?, ?, ?, ?)",
		chatID, sender, content, msg.Timestamp.UnixNano(),
	); err != nil {
		return Message{}, persistErr("append message", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, persistErr("append message", err)
	}

	return msg, nil
}

func (c *SQLiteChats) History(chatID string, limit int) ([]Message, error) {
	var exists int
	if err := c.db.conn.QueryRow("SELECT COUNT(*) FROM chats WHERE id = ?", chatID).Scan(&exists); err != nil {
		return nil, persistErr("load history", err)
	}
	if exists == 0 {
		return nil, ErrChatNotFound
	}

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = c.db.conn.Query(`
			SELECT sender, content, created_at FROM (
				SELECT id, sender, content, created_at FROM messages
				WHERE chat_id = ? ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC`, chatID, limit)
	} else {
		rows, err = c.db.conn.Query(
			"SELECT sender, content, created_at FROM messages WHERE chat_id = ? ORDER BY id ASC", chatID)
	}
	if err != nil {
		return nil, persistErr("load history", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var (
			m  Message
			ns int64
		)
		if err := rows.Scan(&m.Sender, &m.Content, &ns); err != nil {
			return nil, persistErr("load history", err)
		}
		m.Timestamp = time.Unix(0, ns).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("load history", err)
	}
	return msgs, nil
}

func (c *SQLiteChats) ListChatsContaining(username string) []string {
	rows, err := c.db.conn.Query(
		"SELECT chat_id FROM chat_participants WHERE username = ? ORDER BY chat_id", username)
	if err != nil {
		log.Printf("Failed to list chats for %s: %v", username, err)
		return nil
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			log.Printf("Failed to list chats for %s: %v", username, err)
			return ids
		}
		ids = append(ids, id)
	}
	return ids
}

func (c *SQLiteChats) UpdateChat(chatID string, upd ChatUpdate) (*Chat, error) {
	tx, err := c.db.writeConn.Begin()
	if err != nil {
		return nil, persistErr("update chat", err)
	}
	defer tx.Rollback()

	current, err := loadChat(tx, chatID)
	if err != nil {
		return nil, err
	}
	next, err := applyUpdate(current, upd)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec("UPDATE chats SET name = ?, admin = ? WHERE id = ?",
		nullableName(next.Name), next.Admin, chatID); err != nil {
		return nil, persistErr("update chat", err)
	}
	if upd.Participants != nil {
		if _, err := tx.Exec("DELETE FROM chat_participants WHERE chat_id = ?", chatID); err != nil {
			return nil, persistErr("update chat", err)
		}
		if err := insertParticipants(tx, chatID, next.Participants); err != nil {
			return nil, persistErr("update chat", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, persistErr("update chat", err)
	}

	return next.clone(), nil
}

func (c *SQLiteChats) Count() int {
	var n int
	if err := c.db.conn.QueryRow("SELECT COUNT(*) FROM chats").Scan(&n); err != nil {
		log.Printf("Failed to count chats: %v", err)
		return 0
	}
	return n
}
