// ABOUTME: Generic repository operations shared by every persisted entity type
// ABOUTME: fetch/fetchList/fetchListBy/store/storeOrIgnore over a table descriptor

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// table describes how one entity type maps onto its SQL table. The generic
// operations behave identically for every entity; bespoke queries live beside
// the entity they serve.
type table[T any, K any] struct {
	name   string
	keyCol string
	cols   []string
	scan   func(rowScanner) (T, error)
	bind   func(*T) []any
}

func (t *table[T, K]) selectCols() string {
	return strings.Join(t.cols, ", ")
}

// fetch returns the entity whose key column equals key, or nil if absent.
func (t *table[T, K]) fetch(ctx context.Context, c *DBConn, key K) (*T, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", t.selectCols(), t.name, t.keyCol)

	var out *T
	err := c.raw(func(rc rawConn) error {
		v, err := t.scan(rc.QueryRowContext(ctx, query, key))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out = &v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", t.name, err)
	}
	return out, nil
}

// fetchFirst returns the first row for singleton entities.
func (t *table[T, K]) fetchFirst(ctx context.Context, c *DBConn) (*T, error) {
	query := fmt.Sprintf("SELECT %s FROM %s LIMIT 1", t.selectCols(), t.name)

	var out *T
	err := c.raw(func(rc rawConn) error {
		v, err := t.scan(rc.QueryRowContext(ctx, query))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out = &v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", t.name, err)
	}
	return out, nil
}

// fetchList returns all rows in implementation-defined order.
func (t *table[T, K]) fetchList(ctx context.Context, c *DBConn) ([]T, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", t.selectCols(), t.name)
	return t.queryList(ctx, c, query)
}

// fetchListBy returns all rows whose key column matches any of keys.
func (t *table[T, K]) fetchListBy(ctx context.Context, c *DBConn, keys []K) ([]T, error) {
	return t.fetchListByColumn(ctx, c, t.keyCol, keys)
}

// fetchListByColumn is fetchListBy against an explicitly named indexed column.
func (t *table[T, K]) fetchListByColumn(ctx context.Context, c *DBConn, col string, keys []K) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)", t.selectCols(), t.name, col, placeholders)

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return t.queryList(ctx, c, query, args...)
}

func (t *table[T, K]) queryList(ctx context.Context, c *DBConn, query string, args ...any) ([]T, error) {
	var out []T
	err := c.raw(func(rc rawConn) error {
		rows, err := rc.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			v, err := t.scan(rows)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", t.name, err)
	}
	return out, nil
}

// store inserts the entity, failing on any unique-constraint conflict. Use it
// where duplication indicates a protocol bug.
func (t *table[T, K]) store(ctx context.Context, c *DBConn, v *T) error {
	if err := t.insert(ctx, c, v, ""); err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("storing %s: duplicate key: %w", t.name, err)
		}
		return fmt.Errorf("storing %s: %w", t.name, err)
	}
	return nil
}

// storeOrIgnore inserts the entity, succeeding as a no-op when a
// unique-constraint conflict occurs. Use it where duplicate delivery is a
// benign, expected condition.
func (t *table[T, K]) storeOrIgnore(ctx context.Context, c *DBConn, v *T) error {
	if err := t.insert(ctx, c, v, "OR IGNORE "); err != nil {
		return fmt.Errorf("storing %s: %w", t.name, err)
	}
	return nil
}

func (t *table[T, K]) insert(ctx context.Context, c *DBConn, v *T, conflict string) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(t.cols)), ",")
	query := fmt.Sprintf("INSERT %sINTO %s (%s) VALUES (%s)",
		conflict, t.name, t.selectCols(), placeholders)

	return c.raw(func(rc rawConn) error {
		_, err := rc.ExecContext(ctx, query, t.bind(v)...)
		return err
	})
}
