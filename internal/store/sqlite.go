// ABOUTME: SQLCipher-backed connection provider built on database/sql
// ABOUTME: Owns the pool lifecycle and the wrong-key validation probe

package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mutecomm/go-sqlcipher/v4" // registers the "sqlite3" driver with SQLCipher support
)

// nativeDB manages the connection pool over a single SQLCipher database.
// The pool can be torn down (releaseConnection) and rebuilt (reconnect)
// without losing committed data.
type nativeDB struct {
	mu        sync.RWMutex
	pool      *sql.DB
	dsn       string
	encrypted bool
	log       *slog.Logger
}

func newNativeDB(opts StorageOption, key *EncryptionKey, log *slog.Logger) (*nativeDB, error) {
	if opts.IsPersistent() {
		if dir := filepath.Dir(opts.Path()); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	n := &nativeDB{
		dsn:       buildDSN(opts, key),
		encrypted: key != nil,
		log:       log,
	}
	if err := n.open(); err != nil {
		return nil, err
	}
	return n, nil
}

// buildDSN assembles the driver DSN. The key travels only inside the DSN and
// is never logged.
//
// busy_timeout stays at 0 so a second writer fails fast with SQLITE_BUSY;
// waiting is the retry policy's job, not the engine's.
func buildDSN(opts StorageOption, key *EncryptionKey) string {
	params := "_busy_timeout=0&_foreign_keys=on&_journal_mode=WAL"
	if key != nil {
		params = fmt.Sprintf("_pragma_key=x'%s'&_pragma_cipher_page_size=4096&%s",
			strings.ToUpper(hex.EncodeToString(key[:])), params)
	}
	if opts.IsPersistent() {
		return fmt.Sprintf("file:%s?%s", opts.Path(), params)
	}
	// A unique name isolates separate ephemeral stores from each other while
	// cache=shared lets every pooled connection see the same data.
	return fmt.Sprintf("file:ephemeral-%s?mode=memory&cache=shared&%s", uuid.NewString(), params)
}

func (n *nativeDB) open() error {
	pool, err := sql.Open("sqlite3", n.dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	// An in-memory database is dropped when its last connection closes, so
	// keep idle connections around.
	pool.SetMaxIdleConns(2)
	n.pool = pool
	return nil
}

// conn pins one connection from the pool.
func (n *nativeDB) conn(ctx context.Context) (*DBConn, error) {
	n.mu.RLock()
	pool := n.pool
	n.mu.RUnlock()

	if pool == nil {
		return nil, ErrConnReleased
	}
	sc, err := pool.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return newDBConn(sc, n.log), nil
}

// validate probes the database once at startup. With the wrong key SQLCipher
// reports SQLITE_NOTADB on the first real read, which surfaces here as
// ErrKeyMismatch instead of garbage data downstream.
func (n *nativeDB) validate(ctx context.Context, _ StorageOption) error {
	conn, err := n.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = conn.raw(func(rc rawConn) error {
		var count int
		return rc.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&count)
	})
	if err != nil {
		if n.encrypted && isNotADatabase(err) {
			return fmt.Errorf("validating database: %w", ErrKeyMismatch)
		}
		return fmt.Errorf("validating database: %w", err)
	}
	return nil
}

// releaseConnection closes the pool entirely. Outstanding DBConn handles
// become unusable; callers re-acquire after reconnect.
func (n *nativeDB) releaseConnection() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pool == nil {
		return nil
	}
	err := n.pool.Close()
	n.pool = nil
	if err != nil {
		return fmt.Errorf("closing pool: %w", err)
	}
	n.log.Debug("connection pool released")
	return nil
}

// reconnect reopens the pool after releaseConnection. No-op if still open.
func (n *nativeDB) reconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pool != nil {
		return nil
	}
	if err := n.open(); err != nil {
		return err
	}
	n.log.Debug("connection pool reopened")
	return nil
}

func (n *nativeDB) close() error {
	return n.releaseConnection()
}
