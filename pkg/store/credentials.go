package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// hasher hashes and checks passwords with bcrypt
type hasher struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

func newHasher(cost int) *hasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &hasher{cost: cost}
}

func (h *hasher) hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// check compares password against hash. An empty hash (unknown user) is
// checked against a dummy hash so the call costs the same either way.
func (h *hasher) check(hash, password string) bool {
	if hash == "" {
		h.dummyOnce.Do(func() {
			h.dummy, _ = bcrypt.GenerateFromPassword([]byte("parley-dummy-password"), h.cost)
		})
		bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// credentialFile is the on-disk shape of clients.json
type credentialFile struct {
	Clients map[string]credentialRecord `json:"clients"`
}

type credentialRecord struct {
	Password string `json:"password"`
}

// FileCredentials keeps every credential in one JSON file
type FileCredentials struct {
	path   string
	hasher *hasher

	mu      sync.RWMutex
	clients map[string]credentialRecord
}

// OpenFileCredentials loads (or starts) the credential file at path
func OpenFileCredentials(path string, bcryptCost int) (*FileCredentials, error) {
	fc := &FileCredentials{
		path:    path,
		hasher:  newHasher(bcryptCost),
		clients: make(map[string]credentialRecord),
	}

	var file credentialFile
	err := readJSON(path, &file)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, persistErr("load credentials", err)
	default:
		for name, rec := range file.Clients {
			fc.clients[name] = rec
		}
	}

	return fc, nil
}

// Register stores a new credential; the hash is persisted before returning
func (fc *FileCredentials) Register(username, password string) error {
	if !ValidUsername(username) {
		return ErrInvalidUsername
	}

	fc.mu.RLock()
	_, taken := fc.clients[username]
	fc.mu.RUnlock()
	if taken {
		return ErrUsernameTaken
	}

	// Hash outside the lock, bcrypt is deliberately slow
	hashed, err := fc.hasher.hash(password)
	if err != nil {
		return err
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if _, taken := fc.clients[username]; taken {
		return ErrUsernameTaken
	}

	next := make(map[string]credentialRecord, len(fc.clients)+1)
	for name, rec := range fc.clients {
		next[name] = rec
	}
	next[username] = credentialRecord{Password: hashed}

	if err := writeJSONAtomic(fc.path, credentialFile{Clients: next}); err != nil {
		return persistErr("save credentials", err)
	}

	fc.clients = next
	return nil
}

// Verify reports whether password matches the stored credential
func (fc *FileCredentials) Verify(username, password string) (bool, error) {
	fc.mu.RLock()
	rec := fc.clients[username]
	fc.mu.RUnlock()

	return fc.hasher.check(rec.Password, password), nil
}

func defaultCredentialPath(dir string) string {
	return filepath.Join(dir, "clients.json")
}
