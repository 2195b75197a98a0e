package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "data.json")

	require.NoError(t, writeFileAtomic(path, []byte("one")))
	require.NoError(t, writeFileAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestReadJSONMissing(t *testing.T) {
	var v map[string]any
	err := readJSON(filepath.Join(t.TempDir(), "missing.json"), &v)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileBackendLayout(t *testing.T) {
	dir := t.TempDir()
	b := openTestBackend(t, Options{Kind: KindFile, Path: dir, BcryptCost: 4})

	require.NoError(t, b.Credentials.Register("alice", "pw"))
	require.NoError(t, b.Profiles.Create("alice", "Alice"))
	_, err := b.Chats.CreateChat(NewChat{Type: ChatPrivate, Participants: []string{"alice", "bob"}})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "clients.json"))
	assert.FileExists(t, filepath.Join(dir, "users", "alice.json"))
	assert.FileExists(t, filepath.Join(dir, "chats.json"))
	assert.FileExists(t, filepath.Join(dir, "chats", "alice_bob.json"))

	var clients struct {
		Clients map[string]struct {
			Password string `json:"password"`
		} `json:"clients"`
	}
	require.NoError(t, readJSON(filepath.Join(dir, "clients.json"), &clients))
	require.Contains(t, clients.Clients, "alice")
	assert.True(t, strings.HasPrefix(clients.Clients["alice"].Password, "$2"), "expected a bcrypt hash")

	raw, err := os.ReadFile(filepath.Join(dir, "chats", "alice_bob.json"))
	require.NoError(t, err)
	var history map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &history))
	assert.JSONEq(t, `[]`, string(history["messages"]))

	var profile map[string]any
	require.NoError(t, readJSON(filepath.Join(dir, "users", "alice.json"), &profile))
	assert.Equal(t, "Alice", profile["display_name"])
	assert.Equal(t, "offline", profile["status"])
}

func TestFailedAppendLeavesHistoryUnchanged(t *testing.T) {
	dir := t.TempDir()
	fc, err := OpenFileChats(filepath.Join(dir, "chats.json"), filepath.Join(dir, "chats"))
	require.NoError(t, err)

	_, err = fc.CreateChat(NewChat{Type: ChatPrivate, Participants: []string{"alice", "bob"}})
	require.NoError(t, err)
	_, err = fc.AppendMessage("alice_bob", "alice", "first")
	require.NoError(t, err)

	// A non-empty directory where the log should be makes the rename fail
	logPath := fc.logPath("alice_bob")
	require.NoError(t, os.Remove(logPath))
	require.NoError(t, os.MkdirAll(filepath.Join(logPath, "block"), 0755))

	_, err = fc.AppendMessage("alice_bob", "bob", "second")
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))

	msgs, err := fc.History("alice_bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].Content)

	require.NoError(t, os.RemoveAll(logPath))
	_, err = fc.AppendMessage("alice_bob", "bob", "third")
	require.NoError(t, err)

	reopened, err := OpenFileChats(filepath.Join(dir, "chats.json"), filepath.Join(dir, "chats"))
	require.NoError(t, err)
	msgs, err = reopened.History("alice_bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "third", msgs[1].Content)
}

func TestResetPresenceSkipsUnreadableProfiles(t *testing.T) {
	dir := t.TempDir()
	fp, err := OpenFileProfiles(dir)
	require.NoError(t, err)

	require.NoError(t, fp.Create("alice", ""))
	require.NoError(t, fp.SetStatus("alice", StatusOnline))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.json"), []byte("{"), 0644))

	n, err := fp.ResetPresence()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := fp.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, p.Status)
}
