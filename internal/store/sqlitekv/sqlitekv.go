package sqlitekv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"
)

// DB is a keyed JSON record store on SQLite. Singleton values live in docs,
// keyed collections in entries with one row per subkey.
type DB struct{ sql *sql.DB }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: keeps :memory: databases shared and serializes writers.
	d.SetMaxOpenConns(1)
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = d.Close()
		return nil, err
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS docs (
	  family TEXT NOT NULL,
	  key TEXT NOT NULL,
	  value TEXT NOT NULL,
	  PRIMARY KEY (family, key)
	);
	CREATE TABLE IF NOT EXISTS entries (
	  family TEXT NOT NULL,
	  key TEXT NOT NULL,
	  subkey TEXT NOT NULL,
	  value TEXT NOT NULL,
	  PRIMARY KEY (family, key, subkey)
	);
	`)
	return err
}

// Tx is a write batch. Everything done through a Tx commits together or not at all.
type Tx struct{ q querier }

// Update runs fn in a transaction, rolling back if fn returns an error.
func (d *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&Tx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Get decodes the document at family/key into out.
func (d *DB) Get(ctx context.Context, family, key string, out any) (bool, error) {
	return getDoc(ctx, d.sql, family, key, out)
}

// Set overwrites the document at family/key.
func (d *DB) Set(ctx context.Context, family, key string, v any) error {
	return d.Update(ctx, func(tx *Tx) error { return tx.Set(ctx, family, key, v) })
}

// Merge shallow-merges each partial[subkey] object into the stored object at
// that subkey, inserting it when absent. Fields missing from the partial are kept.
func (d *DB) Merge(ctx context.Context, family, key string, partial map[string]any) error {
	return d.Update(ctx, func(tx *Tx) error { return tx.Merge(ctx, family, key, partial) })
}

// InsertMissing stores partial[subkey] only for subkeys not yet present and
// returns how many were inserted.
func (d *DB) InsertMissing(ctx context.Context, family, key string, partial map[string]any) (int, error) {
	var n int
	err := d.Update(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.InsertMissing(ctx, family, key, partial)
		return err
	})
	return n, err
}

// Lookup decodes one collection entry into out.
func (d *DB) Lookup(ctx context.Context, family, key, subkey string, out any) (bool, error) {
	var raw string
	err := d.sql.QueryRowContext(ctx, `SELECT value FROM entries WHERE family=? AND key=? AND subkey=?`, family, key, subkey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(raw), out)
}

// Count returns the number of entries in a collection.
func (d *DB) Count(ctx context.Context, family, key string) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE family=? AND key=?`, family, key).Scan(&n)
	return n, err
}

// Scan calls fn for every entry of a collection in insertion order.
// fn must not call back into the DB.
func (d *DB) Scan(ctx context.Context, family, key string, fn func(subkey string, value []byte) error) error {
	rows, err := d.sql.QueryContext(ctx, `SELECT subkey, value FROM entries WHERE family=? AND key=? ORDER BY rowid`, family, key)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var sub, val string
		if err := rows.Scan(&sub, &val); err != nil {
			return err
		}
		if err := fn(sub, []byte(val)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t *Tx) Get(ctx context.Context, family, key string, out any) (bool, error) {
	return getDoc(ctx, t.q, family, key, out)
}

func (t *Tx) Set(ctx context.Context, family, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", family, key, err)
	}
	_, err = t.q.ExecContext(ctx, `INSERT INTO docs(family, key, value) VALUES(?,?,?)
	  ON CONFLICT(family, key) DO UPDATE SET value=excluded.value`, family, key, string(b))
	return err
}

func (t *Tx) Merge(ctx context.Context, family, key string, partial map[string]any) error {
	for _, sub := range sortedKeys(partial) {
		patch, err := toObject(partial[sub])
		if err != nil {
			return fmt.Errorf("merge %s/%s[%s]: %w", family, key, sub, err)
		}
		var cur string
		err = t.q.QueryRowContext(ctx, `SELECT value FROM entries WHERE family=? AND key=? AND subkey=?`, family, key, sub).Scan(&cur)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			patch = shallowMerge([]byte(cur), patch)
		}
		b, err := json.Marshal(patch)
		if err != nil {
			return err
		}
		if _, err := t.q.ExecContext(ctx, `INSERT INTO entries(family, key, subkey, value) VALUES(?,?,?,?)
		  ON CONFLICT(family, key, subkey) DO UPDATE SET value=excluded.value`, family, key, sub, string(b)); err != nil {
			return err
		}
	}
	return nil
}

// MergeExisting is Merge restricted to subkeys already present; absent
// subkeys are skipped. It returns how many entries were updated.
func (t *Tx) MergeExisting(ctx context.Context, family, key string, partial map[string]any) (int, error) {
	updated := 0
	for _, sub := range sortedKeys(partial) {
		var cur string
		err := t.q.QueryRowContext(ctx, `SELECT value FROM entries WHERE family=? AND key=? AND subkey=?`, family, key, sub).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return updated, err
		}
		patch, err := toObject(partial[sub])
		if err != nil {
			return updated, fmt.Errorf("merge %s/%s[%s]: %w", family, key, sub, err)
		}
		b, err := json.Marshal(shallowMerge([]byte(cur), patch))
		if err != nil {
			return updated, err
		}
		if _, err := t.q.ExecContext(ctx, `UPDATE entries SET value=? WHERE family=? AND key=? AND subkey=?`,
			string(b), family, key, sub); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (t *Tx) InsertMissing(ctx context.Context, family, key string, partial map[string]any) (int, error) {
	inserted := 0
	for _, sub := range sortedKeys(partial) {
		b, err := json.Marshal(partial[sub])
		if err != nil {
			return inserted, err
		}
		res, err := t.q.ExecContext(ctx, `INSERT INTO entries(family, key, subkey, value) VALUES(?,?,?,?)
		  ON CONFLICT(family, key, subkey) DO NOTHING`, family, key, sub, string(b))
		if err != nil {
			return inserted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

func getDoc(ctx context.Context, q querier, family, key string, out any) (bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM docs WHERE family=? AND key=?`, family, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", family, key, err)
	}
	return true, nil
}

func toObject(v any) (map[string]json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return nil, errors.New("value is not an object")
	}
	return m, nil
}

// shallowMerge overlays patch onto the stored object. A stored value that is
// not an object is replaced.
func shallowMerge(stored []byte, patch map[string]json.RawMessage) map[string]json.RawMessage {
	var base map[string]json.RawMessage
	if err := json.Unmarshal(stored, &base); err != nil || base == nil {
		return patch
	}
	for k, v := range patch {
		base[k] = v
	}
	return base
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
