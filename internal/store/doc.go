// ABOUTME: Package documentation for the encrypted group-message store
// ABOUTME: Covers construction, transactions, and the entity model

// Package store is the durable, encrypted local storage layer for the
// group-messaging protocol: group membership state, staged commit intents,
// decrypted messages, and protocol metadata, persisted across restarts.
//
// # Construction
//
// A store is opened with New (encrypted) or NewUnencrypted; the unencrypted
// path is a separate entry point so plaintext persistence is always an
// explicit choice. Storage is either Ephemeral (in-memory, process lifetime)
// or Persistent(path). Construction validates the encryption key against an
// existing file — a wrong key fails with ErrKeyMismatch, never garbage
// reads — and runs all pending schema migrations before returning.
//
// # Connections and transactions
//
// Conn pins one pooled connection as a DBConn; every entity operation hangs
// off it. The engine allows many concurrent readers but a single writer, so
// write transactions open with BEGIN IMMEDIATE and a competing writer fails
// fast with a busy error rather than blocking.
//
// Transaction wraps a work closure in commit-on-nil/rollback-on-error.
// TransactionContext does the same for work that suspends (network I/O
// between local writes) and proves exclusive ownership of the connection
// before committing. TransactionWithRetry layers a backoff policy over
// transient busy/locked failures; retrying is always an explicit opt-in at
// the call site.
//
// # Entity model
//
// StoredGroup is the center of the schema: one row per conversation, with a
// membership state machine, a Conversation/Sync purpose split, and the
// idempotent welcome-application protocol in InsertOrReplaceGroup. Sibling
// entities (intents, messages, identity, refresh cursors, consent records,
// key-package history, wallet addresses, user preferences) reference groups
// by foreign key and share the generic repository operations.
//
// # Errors
//
//   - ErrNotFound: point lookup found no row where one was required
//   - DuplicateWelcomeError: the same welcome was applied twice
//   - ErrKeyMismatch: encryption key does not open the existing file
//   - ErrConnShared: a transaction's work closure leaked an aliased handle
//   - busy/locked engine errors: retryable, classified by IsRetryable
package store
