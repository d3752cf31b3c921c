// ABOUTME: Configuration loading for the groupstore CLI and embedding hosts
// ABOUTME: YAML with env expansion; key material from hex, file, or passphrase

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the complete groupstore configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects where the store lives and how it is keyed.
type DatabaseConfig struct {
	// Path to the database file. Empty selects an ephemeral in-memory store.
	Path       string           `yaml:"path"`
	Encryption EncryptionConfig `yaml:"encryption"`
}

// EncryptionConfig supplies the 32-byte store key. Exactly one source may be
// set; all empty selects an explicitly unencrypted store.
type EncryptionConfig struct {
	// KeyHex is the key as 64 hex characters.
	KeyHex string `yaml:"key_hex"`
	// KeyFile points at a file whose contents are the hex key.
	KeyFile string `yaml:"key_file"`
	// Passphrase derives the key with argon2id; requires Salt.
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`
}

// LoggingConfig controls slog setup in the CLI.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default info)
	Format string `yaml:"format"` // text or json (default text)
}

// Load reads, env-expands, parses and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks the key-source configuration. Returns an error describing
// the first problem found.
func (c *Config) Validate() error {
	enc := c.Database.Encryption

	sources := 0
	for _, set := range []bool{enc.KeyHex != "", enc.KeyFile != "", enc.Passphrase != ""} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		return fmt.Errorf("database.encryption: at most one of key_hex, key_file, passphrase may be set")
	}
	if enc.Passphrase != "" && enc.Salt == "" {
		return fmt.Errorf("database.encryption: passphrase requires salt")
	}
	if enc.Salt != "" && enc.Passphrase == "" {
		return fmt.Errorf("database.encryption: salt requires passphrase")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	return nil
}

// Encrypted reports whether any key source is configured.
func (e EncryptionConfig) Encrypted() bool {
	return e.KeyHex != "" || e.KeyFile != "" || e.Passphrase != ""
}

// Key resolves the configured source to the 32-byte store key.
func (e EncryptionConfig) Key() ([32]byte, error) {
	var key [32]byte

	switch {
	case e.KeyHex != "":
		return decodeHexKey(e.KeyHex)
	case e.KeyFile != "":
		data, err := os.ReadFile(e.KeyFile)
		if err != nil {
			return key, fmt.Errorf("reading key file: %w", err)
		}
		return decodeHexKey(strings.TrimSpace(string(data)))
	case e.Passphrase != "":
		// argon2id parameters follow the RFC 9106 low-memory recommendation.
		derived := argon2.IDKey([]byte(e.Passphrase), []byte(e.Salt), 3, 64*1024, 4, 32)
		copy(key[:], derived)
		return key, nil
	}
	return key, fmt.Errorf("no encryption key configured")
}

func decodeHexKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decoding hex key: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("encryption key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
