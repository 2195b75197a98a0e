package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// chatsFile is the on-disk shape of chats.json
type chatsFile struct {
	Chats map[string]*Chat `json:"chats"`
}

// historyFile is the on-disk shape of chats/<chatId>.json
type historyFile struct {
	Messages []Message `json:"messages"`
}

// chatEntry holds one chat. meta is only replaced while holding both the
// store lock and mu; log is only advanced under mu after a successful write.
type chatEntry struct {
	mu   sync.RWMutex
	meta *Chat
	log  []Message
}

// FileChats keeps chat metadata in one file and each chat's log in its own
// file. Appends to one chat are serialized; different chats proceed in
// parallel.
type FileChats struct {
	metaPath string
	logDir   string
	now      func() time.Time

	mu    sync.RWMutex
	chats map[string]*chatEntry
}

// OpenFileChats loads chats.json from metaPath and every log under logDir
func OpenFileChats(metaPath, logDir string) (*FileChats, error) {
	fc := &FileChats{
		metaPath: metaPath,
		logDir:   logDir,
		now:      time.Now,
		chats:    make(map[string]*chatEntry),
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, persistErr("create chat directory", err)
	}

	var file chatsFile
	err := readJSON(metaPath, &file)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fc, nil
	case err != nil:
		return nil, persistErr("load chats", err)
	}

	for id, meta := range file.Chats {
		if meta == nil || !validChatID(id) {
			continue
		}
		meta.ID = id
		msgs, err := fc.loadLog(id)
		if err != nil {
			return nil, err
		}
		fc.chats[id] = &chatEntry{meta: meta, log: msgs}
	}

	return fc, nil
}

func (fc *FileChats) logPath(chatID string) string {
	return filepath.Join(fc.logDir, chatID+".json")
}

func (fc *FileChats) loadLog(chatID string) ([]Message, error) {
	var file historyFile
	if err := readJSON(fc.logPath(chatID), &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, persistErr("load history", err)
	}
	return file.Messages, nil
}

func (fc *FileChats) saveLog(chatID string, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	return persistErr("save history", writeJSONAtomic(fc.logPath(chatID), historyFile{Messages: msgs}))
}

// saveMeta writes chats.json with override replacing its entry; caller holds fc.mu
func (fc *FileChats) saveMeta(override *Chat) error {
	file := chatsFile{Chats: make(map[string]*Chat, len(fc.chats)+1)}
	for id, e := range fc.chats {
		file.Chats[id] = e.meta
	}
	if override != nil {
		file.Chats[override.ID] = override
	}
	return persistErr("save chats", writeJSONAtomic(fc.metaPath, file))
}

func (fc *FileChats) entry(chatID string) (*chatEntry, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	e, ok := fc.chats[chatID]
	return e, ok
}

// CreateChat derives the chat id and persists the chat. When the id is
// already taken the existing chat is returned together with ErrChatExists.
func (fc *FileChats) CreateChat(nc NewChat) (*Chat, error) {
	if nc.CreatedAt.IsZero() {
		nc.CreatedAt = fc.now()
	}
	chat, err := prepareChat(nc)
	if err != nil {
		return nil, err
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if existing, ok := fc.chats[chat.ID]; ok {
		return existing.meta.clone(), ErrChatExists
	}

	if err := fc.saveLog(chat.ID, nil); err != nil {
		return nil, err
	}
	if err := fc.saveMeta(chat); err != nil {
		os.Remove(fc.logPath(chat.ID))
		return nil, err
	}

	fc.chats[chat.ID] = &chatEntry{meta: chat}
	return chat.clone(), nil
}

// Get returns a copy of the chat's metadata
func (fc *FileChats) Get(chatID string) (*Chat, error) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	e, ok := fc.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	return e.meta.clone(), nil
}

// CanAccess reports whether username participates in the chat
func (fc *FileChats) CanAccess(chatID, username string) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	e, ok := fc.chats[chatID]
	return ok && e.meta.HasParticipant(username)
}

// AppendMessage stamps and appends a message. The persisted log is replaced
// before the in-memory log advances, so a failed write leaves both unchanged.
func (fc *FileChats) AppendMessage(chatID, sender, content string) (Message, error) {
	e, ok := fc.entry(chatID)
	if !ok {
		return Message{}, ErrChatNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.meta.HasParticipant(sender) {
		return Message{}, ErrAccessDenied
	}

	msg := Message{Sender: sender, Content: content, Timestamp: fc.now().UTC()}
	next := append(e.log, msg)
	if err := fc.saveLog(chatID, next); err != nil {
		return Message{}, err
	}
	e.log = next

	return msg, nil
}

// History returns the whole log, or its last limit entries when limit > 0.
// The result is a snapshot that later appends do not change.
func (fc *FileChats) History(chatID string, limit int) ([]Message, error) {
	e, ok := fc.entry(chatID)
	if !ok {
		return nil, ErrChatNotFound
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	msgs := e.log
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message{}, msgs...), nil
}

// ListChatsContaining returns the sorted ids of every chat username is in
func (fc *FileChats) ListChatsContaining(username string) []string {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	var ids []string
	for id, e := range fc.chats {
		if e.meta.HasParticipant(username) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// UpdateChat applies upd and persists the new metadata
func (fc *FileChats) UpdateChat(chatID string, upd ChatUpdate) (*Chat, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	e, ok := fc.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := applyUpdate(e.meta, upd)
	if err != nil {
		return nil, err
	}
	if err := fc.saveMeta(next); err != nil {
		return nil, fmt.Errorf("failed to update chat %s: %w", chatID, err)
	}

	e.meta = next
	return next.clone(), nil
}

// Count returns the number of chats
func (fc *FileChats) Count() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return len(fc.chats)
}
