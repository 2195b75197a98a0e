// Package store persists credentials, user profiles and chats.
//
// Two backends implement the same interfaces: a directory of JSON files (the
// default layout) and a single SQLite database.
package store

import (
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"time"
)

// debugLog receives verbose storage diagnostics
var debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

// SetDebugOutput redirects the package's debug logging to w
func SetDebugOutput(w io.Writer) {
	debugLog.SetOutput(w)
}

var (
	ErrUsernameTaken   = errors.New("username already taken")
	ErrInvalidUsername = errors.New("invalid username")
	ErrUserNotFound    = errors.New("user not found")
	ErrChatNotFound    = errors.New("chat not found")
	ErrChatExists      = errors.New("chat already exists")
	ErrAccessDenied    = errors.New("not a participant of this chat")
	ErrInvalidChat     = errors.New("invalid chat")
)

// PersistenceError reports a failed read or write of stable storage
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistenceError reports whether err is (or wraps) a *PersistenceError
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Status is a user's presence
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ChatType distinguishes two-person chats from groups
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
)

// Valid reports whether t is a known chat type
func (t ChatType) Valid() bool {
	return t == ChatPrivate || t == ChatGroup
}

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)
	chatIDRegex   = regexp.MustCompile(`^[\p{L}\p{Nd}\p{M}_-]{1,65}$`)
)

// ValidUsername reports whether name can be registered
func ValidUsername(name string) bool {
	return usernameRegex.MatchString(name)
}

func validChatID(id string) bool {
	return len(id) <= maxChatIDBytes && chatIDRegex.MatchString(id)
}

// Profile is the durable per-user record
type Profile struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Status      Status   `json:"status"`
	Chats       []string `json:"chats"`
}

// Message is one entry of a chat log
type Message struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is a chat's metadata. Participants are fixed after creation.
type Chat struct {
	ID           string   `json:"chatId"`
	Type         ChatType `json:"type"`
	Participants []string `json:"participants"`
	Name         *string  `json:"chatName"`
	Admin        string   `json:"admin"`
}

// HasParticipant reports whether username belongs to the chat
func (c *Chat) HasParticipant(username string) bool {
	for _, p := range c.Participants {
		if p == username {
			return true
		}
	}
	return false
}

// DisplayName returns the chat name, falling back to its id
func (c *Chat) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	return c.ID
}

func (c *Chat) clone() *Chat {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	if c.Name != nil {
		name := *c.Name
		cp.Name = &name
	}
	return &cp
}

// NewChat describes a chat to create
type NewChat struct {
	Type         ChatType
	Participants []string
	Name         *string
	Admin        string
	CreatedAt    time.Time
}

// ChatUpdate lists the mutable chat attributes; nil fields are left alone
type ChatUpdate struct {
	Participants *[]string
	ChatName     *string
	Admin        *string
}

// CredentialStore maps usernames to password hashes
type CredentialStore interface {
	Register(username, password string) error
	Verify(username, password string) (bool, error)
}

// ProfileStore owns user profiles
type ProfileStore interface {
	Create(username, displayName string) error
	Get(username string) (*Profile, error)
	SetStatus(username string, status Status) error
	AppendChat(username, chatID string) error
	ResetPresence() (int, error)
}

// ChatStore owns chat metadata and message logs
type ChatStore interface {
	CreateChat(nc NewChat) (*Chat, error)
	Get(chatID string) (*Chat, error)
	CanAccess(chatID, username string) bool
	AppendMessage(chatID, sender, content string) (Message, error)
	History(chatID string, limit int) ([]Message, error)
	ListChatsContaining(username string) []string
	UpdateChat(chatID string, upd ChatUpdate) (*Chat, error)
	Count() int
}

// Backend bundles the three stores of one storage backend
type Backend struct {
	Credentials CredentialStore
	Profiles    ProfileStore
	Chats       ChatStore

	close func() error
}

// Close releases the backend's resources
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Backend kinds accepted by Open
const (
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Options configures Open
type Options struct {
	Kind       string // KindFile (default) or KindSQLite
	Path       string // data directory for KindFile, database file for KindSQLite
	BcryptCost int    // 0 means bcrypt.DefaultCost
}

// Open opens a storage backend and heals stale presence left by an unclean
// shutdown by forcing every profile offline
func Open(opts Options) (*Backend, error) {
	var (
		b   *Backend
		err error
	)

	switch opts.Kind {
	case "", KindFile:
		b, err = openFileBackend(opts.Path, opts.BcryptCost)
	case KindSQLite:
		b, err = openSQLiteBackend(opts.Path, opts.BcryptCost)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Kind)
	}
	if err != nil {
		return nil, err
	}

	if _, err := b.Profiles.ResetPresence(); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to reset presence: %w", err)
	}

	return b, nil
}
