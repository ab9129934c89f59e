// Package sqlite persists forests in an embedded SQLite database, one row
// per node with an indexed materialized path column. Prefix scans serve the
// subtree and sibling queries; the whole-subtree path rewrite of a move is
// a single UPDATE statement.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"canopy/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS forests (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	owner_ref  TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes (
	id             TEXT NOT NULL,
	forest_id      TEXT NOT NULL REFERENCES forests(id) ON DELETE CASCADE,
	path           TEXT NOT NULL,
	depth          INTEGER NOT NULL,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	video_link     TEXT NOT NULL DEFAULT '',
	video_name     TEXT NOT NULL DEFAULT '',
	video_duration TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	PRIMARY KEY (forest_id, id),
	UNIQUE (forest_id, path)
);
CREATE INDEX IF NOT EXISTS idx_nodes_forest_depth ON nodes(forest_id, depth, path);
`

// Store is a SQLite-backed persistent store. Writes run inside immediate
// transactions; the single-connection pool serializes writers so sibling
// segment allocation cannot race within one process, and the unique
// (forest_id, path) index backstops races across processes.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) a SQLite store at path. An empty path
// defaults to ./canopy.db.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "canopy.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction executes fn inside one immediate transaction. Lock
// timeouts surface as domain.ErrBusy; any error rolls the transaction back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(err)
	}
	tx := &transaction{querier: sqlTx, ctx: ctx, now: time.Now().UTC()}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return mapSQLiteErr(err)
	}
	if tx.readErr != nil {
		_ = sqlTx.Rollback()
		return mapSQLiteErr(tx.readErr)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapSQLiteErr(err)
	}
	return nil
}

// View executes fn against a read-only transaction, so a concurrent move's
// bulk rewrite is either fully visible or not at all.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return mapSQLiteErr(err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	tx := &transaction{querier: sqlTx, ctx: ctx}
	if err := fn(tx); err != nil {
		return mapSQLiteErr(err)
	}
	return mapSQLiteErr(tx.readErr)
}

// mapSQLiteErr translates driver error codes to the domain taxonomy.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", domain.ErrBusy, err)
		}
	}
	return err
}

// querier covers the overlap of *sql.Tx and *sql.DB the transaction needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// transaction implements both domain.Transaction and domain.TransactionView
// over one SQL transaction. Read helpers have no error return in the domain
// contract, so query failures are recorded and re-checked before commit.
type transaction struct {
	querier querier
	ctx     context.Context
	now     time.Time
	readErr error
}

var (
	_ domain.Transaction     = (*transaction)(nil)
	_ domain.TransactionView = (*transaction)(nil)
)

func (tx *transaction) fail(err error) {
	if tx.readErr == nil && err != nil {
		tx.readErr = err
	}
}

func (tx *transaction) Snapshot() domain.TransactionView { return tx }

func (tx *transaction) CreateForest(f domain.Forest) (domain.Forest, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = tx.now
	_, err := tx.querier.ExecContext(tx.ctx,
		`INSERT INTO forests(id, name, owner_ref, created_at) VALUES(?,?,?,?)`,
		f.ID, f.Name, f.OwnerRef, f.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return domain.Forest{}, fmt.Errorf("insert forest: %w", err)
	}
	return f, nil
}

func (tx *transaction) forestExists(id string) (bool, error) {
	var one int
	err := tx.querier.QueryRowContext(tx.ctx, `SELECT 1 FROM forests WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (tx *transaction) InsertNode(n domain.TreeNode) (domain.TreeNode, error) {
	ok, err := tx.forestExists(n.ForestID)
	if err != nil {
		return domain.TreeNode{}, err
	}
	if !ok {
		return domain.TreeNode{}, domain.ErrForestNotFound{ID: n.ForestID}
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Depth = n.Path.Depth()
	n.CreatedAt = tx.now
	n.UpdatedAt = tx.now
	_, err = tx.querier.ExecContext(tx.ctx,
		`INSERT INTO nodes(id, forest_id, path, depth, name, description, video_link, video_name, video_duration, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.ForestID, string(n.Path), n.Depth,
		n.Payload.Name, n.Payload.Description, n.Payload.VideoLink, n.Payload.VideoName, n.Payload.VideoDuration,
		n.CreatedAt.Format(time.RFC3339Nano), n.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return domain.TreeNode{}, domain.ErrDuplicatePath{ForestID: n.ForestID, Path: n.Path}
		}
		return domain.TreeNode{}, fmt.Errorf("insert node: %w", err)
	}
	return n, nil
}

func (tx *transaction) UpdatePayload(forestID, id string, mutator func(*domain.NodePayload) error) (domain.TreeNode, error) {
	n, ok, err := tx.findNode(forestID, id)
	if err != nil {
		return domain.TreeNode{}, err
	}
	if !ok {
		return domain.TreeNode{}, domain.ErrNodeNotFound{ForestID: forestID, ID: id}
	}
	if err := mutator(&n.Payload); err != nil {
		return domain.TreeNode{}, err
	}
	n.UpdatedAt = tx.now
	_, err = tx.querier.ExecContext(tx.ctx,
		`UPDATE nodes SET name=?, description=?, video_link=?, video_name=?, video_duration=?, updated_at=?
		 WHERE forest_id=? AND id=?`,
		n.Payload.Name, n.Payload.Description, n.Payload.VideoLink, n.Payload.VideoName, n.Payload.VideoDuration,
		n.UpdatedAt.Format(time.RFC3339Nano), forestID, id)
	if err != nil {
		return domain.TreeNode{}, fmt.Errorf("update payload: %w", err)
	}
	return n, nil
}

// BulkRewrite rewrites the whole subtree prefix in one UPDATE; depth is
// recomputed from the new path length in the same statement.
func (tx *transaction) BulkRewrite(forestID string, oldPrefix, newPrefix domain.Path) (int, error) {
	res, err := tx.querier.ExecContext(tx.ctx,
		`UPDATE nodes
		 SET path = ? || substr(path, ?),
		     depth = (? + length(path) - ?) / ?,
		     updated_at = ?
		 WHERE forest_id = ? AND path LIKE ? || '%'`,
		string(newPrefix), len(oldPrefix)+1,
		len(newPrefix), len(oldPrefix), domain.SegmentWidth,
		tx.now.Format(time.RFC3339Nano),
		forestID, string(oldPrefix))
	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return 0, domain.ErrDuplicatePath{ForestID: forestID, Path: newPrefix}
		}
		return 0, fmt.Errorf("bulk rewrite: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (tx *transaction) DeleteSubtree(forestID string, path domain.Path) (int, error) {
	res, err := tx.querier.ExecContext(tx.ctx,
		`DELETE FROM nodes WHERE forest_id = ? AND path LIKE ? || '%'`,
		forestID, string(path))
	if err != nil {
		return 0, fmt.Errorf("delete subtree: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

const nodeColumns = `id, forest_id, path, depth, name, description, video_link, video_name, video_duration, created_at, updated_at`

func scanNode(scan func(...any) error) (domain.TreeNode, error) {
	var n domain.TreeNode
	var path, created, updated string
	if err := scan(&n.ID, &n.ForestID, &path, &n.Depth,
		&n.Payload.Name, &n.Payload.Description, &n.Payload.VideoLink, &n.Payload.VideoName, &n.Payload.VideoDuration,
		&created, &updated); err != nil {
		return domain.TreeNode{}, err
	}
	n.Path = domain.Path(path)
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return n, nil
}

func (tx *transaction) findNode(forestID, id string) (domain.TreeNode, bool, error) {
	row := tx.querier.QueryRowContext(tx.ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE forest_id = ? AND id = ?`, forestID, id)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TreeNode{}, false, nil
	}
	if err != nil {
		return domain.TreeNode{}, false, err
	}
	return n, true, nil
}

func (tx *transaction) queryNodes(query string, args ...any) []domain.TreeNode {
	rows, err := tx.querier.QueryContext(tx.ctx, query, args...)
	if err != nil {
		tx.fail(err)
		return nil
	}
	defer func() { _ = rows.Close() }()
	var out []domain.TreeNode
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			tx.fail(err)
			return nil
		}
		out = append(out, n)
	}
	tx.fail(rows.Err())
	return out
}

func (tx *transaction) FindForest(id string) (domain.Forest, bool) {
	var f domain.Forest
	var created string
	err := tx.querier.QueryRowContext(tx.ctx,
		`SELECT id, name, owner_ref, created_at FROM forests WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.OwnerRef, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Forest{}, false
	}
	if err != nil {
		tx.fail(err)
		return domain.Forest{}, false
	}
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return f, true
}

func (tx *transaction) ListForests() []domain.Forest {
	rows, err := tx.querier.QueryContext(tx.ctx,
		`SELECT id, name, owner_ref, created_at FROM forests ORDER BY id`)
	if err != nil {
		tx.fail(err)
		return nil
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Forest
	for rows.Next() {
		var f domain.Forest
		var created string
		if err := rows.Scan(&f.ID, &f.Name, &f.OwnerRef, &created); err != nil {
			tx.fail(err)
			return nil
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, f)
	}
	tx.fail(rows.Err())
	return out
}

func (tx *transaction) FindNode(forestID, id string) (domain.TreeNode, bool) {
	n, ok, err := tx.findNode(forestID, id)
	if err != nil {
		tx.fail(err)
		return domain.TreeNode{}, false
	}
	return n, ok
}

func (tx *transaction) FindNodeByPath(forestID string, path domain.Path) (domain.TreeNode, bool) {
	row := tx.querier.QueryRowContext(tx.ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE forest_id = ? AND path = ?`, forestID, string(path))
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TreeNode{}, false
	}
	if err != nil {
		tx.fail(err)
		return domain.TreeNode{}, false
	}
	return n, true
}

func (tx *transaction) RootsOf(forestID string) []domain.TreeNode {
	return tx.queryNodes(
		`SELECT `+nodeColumns+` FROM nodes WHERE forest_id = ? AND depth = 1 ORDER BY path`, forestID)
}

func (tx *transaction) ChildrenOf(forestID string, path domain.Path) []domain.TreeNode {
	return tx.queryNodes(
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE forest_id = ? AND depth = ? AND path LIKE ? || '%' ORDER BY path`,
		forestID, path.Depth()+1, string(path))
}

func (tx *transaction) SubtreeOf(forestID string, path domain.Path) []domain.TreeNode {
	return tx.queryNodes(
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE forest_id = ? AND path LIKE ? || '%' ORDER BY path`,
		forestID, string(path))
}
