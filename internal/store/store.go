// ABOUTME: EncryptedStore construction and lifecycle (conn/reconnect/release)
// ABOUTME: Encryption is opt-out only through the explicit NewUnencrypted entry point

package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
)

// EncryptionKey is the fixed-size secret that keys the database file.
type EncryptionKey = [32]byte

// StorageOption selects where the database lives. The zero value is Ephemeral.
type StorageOption struct {
	path string
}

// Ephemeral selects an in-memory database that exists for the process
// lifetime only.
func Ephemeral() StorageOption {
	return StorageOption{}
}

// Persistent selects a durable file-backed database at path.
func Persistent(path string) StorageOption {
	return StorageOption{path: path}
}

// IsPersistent reports whether the option is file-backed.
func (o StorageOption) IsPersistent() bool { return o.path != "" }

// Path returns the database file path, or "" for Ephemeral.
func (o StorageOption) Path() string { return o.path }

// EncryptedStore manages a SQLCipher database holding group, intent, message
// and identity state for the local member. All schema migrations have been
// applied by the time a constructor returns.
type EncryptedStore struct {
	opts StorageOption
	db   *nativeDB
	log  *slog.Logger
}

// New opens (or creates) an encrypted store.
func New(ctx context.Context, opts StorageOption, key EncryptionKey) (*EncryptedStore, error) {
	return newDatabase(ctx, opts, &key)
}

// NewUnencrypted opens (or creates) a store with no encryption. It is a
// separate entry point so a plaintext database can never be created by
// accident.
func NewUnencrypted(ctx context.Context, opts StorageOption) (*EncryptedStore, error) {
	return newDatabase(ctx, opts, nil)
}

func newDatabase(ctx context.Context, opts StorageOption, key *EncryptionKey) (*EncryptedStore, error) {
	log := slog.Default().With("component", "store")

	db, err := newNativeDB(opts, key, log)
	if err != nil {
		return nil, err
	}

	s := &EncryptedStore{opts: opts, db: db, log: log}
	if err := s.initDB(ctx); err != nil {
		_ = db.close()
		return nil, err
	}
	return s, nil
}

// initDB validates the connection and brings the schema up to date. Any
// failure here is fatal to store construction.
func (s *EncryptedStore) initDB(ctx context.Context) error {
	if err := s.db.validate(ctx, s.opts); err != nil {
		return err
	}

	conn, err := s.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.raw(func(rc rawConn) error {
		return runPendingMigrations(ctx, rc, s.log)
	}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.Info("store initialized", "persistent", s.opts.IsPersistent())
	return nil
}

// Conn pins a connection from the pool. The caller owns the returned handle
// and must Close it to return the connection.
func (s *EncryptedStore) Conn(ctx context.Context) (*DBConn, error) {
	return s.db.conn(ctx)
}

// ReleaseConnection fully closes the underlying pool so the backing file can
// be reopened from a clean state with Reconnect.
func (s *EncryptedStore) ReleaseConnection() error {
	return s.db.releaseConnection()
}

// Reconnect reopens the pool after ReleaseConnection.
func (s *EncryptedStore) Reconnect() error {
	return s.db.reconnect()
}

// Close releases all database resources.
func (s *EncryptedStore) Close() error {
	s.log.Info("closing store")
	return s.db.close()
}

// GenerateKey returns a fresh random encryption key.
func GenerateKey() EncryptionKey {
	var key EncryptionKey
	if _, err := rand.Read(key[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("reading random key: %v", err))
	}
	return key
}
