package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/parley/pkg/store"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort               int
	HTTPPort              int // 0 disables /ws, /health and /metrics
	SSHPort               int // 0 disables the SSH transport
	SSHHostKeyPath        string
	DataDir               string
	StorageBackend        string
	MaxFrameSize          uint32
	MaxMessageLength      int
	SessionTimeoutSeconds int // idle read timeout, 0 = none
	WriteTimeoutSeconds   int
	HistoryLimit          int // cap per getChatHistory reply, 0 = none
	BcryptCost            int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:               8888,
		HTTPPort:              8889,
		SSHPort:               0,
		SSHHostKeyPath:        "~/.parley/ssh_host_key",
		DataDir:               "~/.parley/data",
		StorageBackend:        store.KindFile,
		MaxFrameSize:          1024 * 1024,
		MaxMessageLength:      4096,
		SessionTimeoutSeconds: 0,
		WriteTimeoutSeconds:   5,
		HistoryLimit:          0,
		BcryptCost:            10,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Security SecuritySection `toml:"security"`
}

type ServerSection struct {
	TCPPort        int    `toml:"tcp_port"`
	HTTPPort       int    `toml:"http_port"`
	SSHPort        int    `toml:"ssh_port"`
	SSHHostKey     string `toml:"ssh_host_key"`
	DataDir        string `toml:"data_dir"`
	StorageBackend string `toml:"storage_backend"`
}

type LimitsSection struct {
	MaxFrameSize          int `toml:"max_frame_size"`
	MaxMessageLength      int `toml:"max_message_length"`
	SessionTimeoutSeconds int `toml:"session_timeout_seconds"`
	WriteTimeoutSeconds   int `toml:"write_timeout_seconds"`
	HistoryLimit          int `toml:"history_limit"`
}

type SecuritySection struct {
	BcryptCost int `toml:"bcrypt_cost"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:        d.TCPPort,
			HTTPPort:       d.HTTPPort,
			SSHPort:        d.SSHPort,
			SSHHostKey:     d.SSHHostKeyPath,
			DataDir:        d.DataDir,
			StorageBackend: d.StorageBackend,
		},
		Limits: LimitsSection{
			MaxFrameSize:          int(d.MaxFrameSize),
			MaxMessageLength:      d.MaxMessageLength,
			SessionTimeoutSeconds: d.SessionTimeoutSeconds,
			WriteTimeoutSeconds:   d.WriteTimeoutSeconds,
			HistoryLimit:          d.HistoryLimit,
		},
		Security: SecuritySection{
			BcryptCost: d.BcryptCost,
		},
	}
}

// expandHome replaces a leading ~/ with the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still leaves us with usable defaults
		writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	md, err := toml.DecodeFile(path, &config)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return TOMLConfig{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Parley Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig; zero values keep the default
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.SSHPort != 0 {
		cfg.SSHPort = c.Server.SSHPort
	}
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if strings.TrimSpace(c.Server.DataDir) != "" {
		cfg.DataDir = c.Server.DataDir
	}
	if strings.TrimSpace(c.Server.StorageBackend) != "" {
		cfg.StorageBackend = c.Server.StorageBackend
	}

	if c.Limits.MaxFrameSize > 0 {
		cfg.MaxFrameSize = uint32(c.Limits.MaxFrameSize)
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.SessionTimeoutSeconds != 0 {
		cfg.SessionTimeoutSeconds = c.Limits.SessionTimeoutSeconds
	}
	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeoutSeconds = c.Limits.WriteTimeoutSeconds
	}
	if c.Limits.HistoryLimit != 0 {
		cfg.HistoryLimit = c.Limits.HistoryLimit
	}

	if c.Security.BcryptCost != 0 {
		cfg.BcryptCost = c.Security.BcryptCost
	}

	return cfg
}

// Validate reports configuration values the server cannot run with
func (c ServerConfig) Validate() error {
	switch c.StorageBackend {
	case store.KindFile, store.KindSQLite:
	default:
		return fmt.Errorf("unknown storage_backend %q (want %q or %q)", c.StorageBackend, store.KindFile, store.KindSQLite)
	}
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp_port %d", c.TCPPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}
	if c.SSHPort < 0 || c.SSHPort > 65535 {
		return fmt.Errorf("invalid ssh_port %d", c.SSHPort)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is empty")
	}
	return nil
}

// storePath resolves where the configured backend keeps its data
func (c ServerConfig) storePath() (string, error) {
	dir, err := expandHome(c.DataDir)
	if err != nil {
		return "", err
	}
	if c.StorageBackend == store.KindSQLite {
		return filepath.Join(dir, "parley.db"), nil
	}
	return dir, nil
}
