package store

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/aeolun/parley/pkg/keylock"
)

// FileProfiles keeps one JSON file per user under dir
type FileProfiles struct {
	dir   string
	locks *keylock.Map
}

// OpenFileProfiles prepares the profile directory
func OpenFileProfiles(dir string) (*FileProfiles, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, persistErr("create profile directory", err)
	}
	return &FileProfiles{dir: dir, locks: keylock.New()}, nil
}

func (fp *FileProfiles) path(username string) string {
	return filepath.Join(fp.dir, username+".json")
}

func (fp *FileProfiles) load(username string) (*Profile, error) {
	if !ValidUsername(username) {
		return nil, ErrUserNotFound
	}

	var p Profile
	if err := readJSON(fp.path(username), &p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrUserNotFound
		}
		return nil, persistErr("load profile", err)
	}
	if p.Chats == nil {
		p.Chats = []string{}
	}
	return &p, nil
}

func (fp *FileProfiles) save(p *Profile) error {
	return persistErr("save profile", writeJSONAtomic(fp.path(p.Username), p))
}

// update runs fn on the user's profile under the user's lock and saves the
// result when fn reports a change
func (fp *FileProfiles) update(username string, fn func(p *Profile) bool) error {
	unlock := fp.locks.Lock(username)
	defer unlock()

	p, err := fp.load(username)
	if err != nil {
		return err
	}
	if !fn(p) {
		return nil
	}
	return fp.save(p)
}

// Create writes a fresh offline profile; displayName defaults to username
func (fp *FileProfiles) Create(username, displayName string) error {
	if !ValidUsername(username) {
		return ErrInvalidUsername
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = username
	}

	unlock := fp.locks.Lock(username)
	defer unlock()

	if _, err := os.Stat(fp.path(username)); err == nil {
		return ErrUsernameTaken
	}

	return fp.save(&Profile{
		Username:    username,
		DisplayName: displayName,
		Status:      StatusOffline,
		Chats:       []string{},
	})
}

// Get returns a copy of the user's profile
func (fp *FileProfiles) Get(username string) (*Profile, error) {
	return fp.load(username)
}

// SetStatus records the user's presence
func (fp *FileProfiles) SetStatus(username string, status Status) error {
	return fp.update(username, func(p *Profile) bool {
		if p.Status == status {
			return false
		}
		p.Status = status
		return true
	})
}

// AppendChat adds chatID to the user's chat list once
func (fp *FileProfiles) AppendChat(username, chatID string) error {
	return fp.update(username, func(p *Profile) bool {
		for _, id := range p.Chats {
			if id == chatID {
				return false
			}
		}
		p.Chats = append(p.Chats, chatID)
		return true
	})
}

// ResetPresence forces every stored profile offline and returns how many
// profiles were changed. Unreadable profiles are logged and skipped.
func (fp *FileProfiles) ResetPresence() (int, error) {
	entries, err := os.ReadDir(fp.dir)
	if err != nil {
		return 0, persistErr("list profiles", err)
	}

	changed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		username := strings.TrimSuffix(name, ".json")

		wasOnline := false
		err := fp.update(username, func(p *Profile) bool {
			if p.Status == StatusOffline {
				return false
			}
			wasOnline = true
			p.Status = StatusOffline
			return true
		})
		if err != nil {
			log.Printf("Failed to reset presence for %s: %v", username, err)
			continue
		}
		if wasOnline {
			changed++
		}
	}

	return changed, nil
}
