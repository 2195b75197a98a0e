package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout of the file backend under its data directory
const (
	profilesDirName = "users"
	chatsFileName   = "chats.json"
	chatLogsDirName = "chats"
)

func openFileBackend(dir string, bcryptCost int) (*Backend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("data directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	creds, err := OpenFileCredentials(defaultCredentialPath(dir), bcryptCost)
	if err != nil {
		return nil, err
	}

	profiles, err := OpenFileProfiles(filepath.Join(dir, profilesDirName))
	if err != nil {
		return nil, err
	}

	chats, err := OpenFileChats(filepath.Join(dir, chatsFileName), filepath.Join(dir, chatLogsDirName))
	if err != nil {
		return nil, err
	}

	return &Backend{
		Credentials: creds,
		Profiles:    profiles,
		Chats:       chats,
	}, nil
}
