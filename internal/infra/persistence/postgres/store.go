// Package postgres provides a Postgres-backed persistent store with the
// same one-row-per-node schema as the sqlite store. Structural transactions
// run at serializable isolation; serialization failures and lock timeouts
// surface as the retryable busy error.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"canopy/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

const defaultDSN = "postgres://localhost/canopy?sslmode=disable"

const schema = `
CREATE TABLE IF NOT EXISTS forests (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	owner_ref  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
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
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (forest_id, id),
	UNIQUE (forest_id, path)
);
CREATE INDEX IF NOT EXISTS idx_nodes_forest_depth ON nodes(forest_id, depth, path);
CREATE INDEX IF NOT EXISTS idx_nodes_forest_path_pattern ON nodes(forest_id, path text_pattern_ops);
`

// Store persists forests to Postgres.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to a local default) and applies the schema.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction executes fn inside one serializable transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapPostgresErr(err)
	}
	tx := &transaction{tx: sqlTx, ctx: ctx, now: time.Now().UTC()}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return mapPostgresErr(err)
	}
	if tx.readErr != nil {
		_ = sqlTx.Rollback()
		return mapPostgresErr(tx.readErr)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapPostgresErr(err)
	}
	return nil
}

// View executes fn against a read-only repeatable-read transaction, so a
// concurrent bulk rewrite is either fully visible or not at all.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return mapPostgresErr(err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	tx := &transaction{tx: sqlTx, ctx: ctx}
	if err := fn(tx); err != nil {
		return mapPostgresErr(err)
	}
	return mapPostgresErr(tx.readErr)
}

// Retryable SQLSTATEs: serialization_failure, deadlock_detected,
// lock_not_available.
func mapPostgresErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", domain.ErrBusy, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type transaction struct {
	tx      *sql.Tx
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
	if _, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO forests(id, name, owner_ref, created_at) VALUES($1,$2,$3,$4)`,
		f.ID, f.Name, f.OwnerRef, f.CreatedAt); err != nil {
		return domain.Forest{}, fmt.Errorf("insert forest: %w", err)
	}
	return f, nil
}

func (tx *transaction) InsertNode(n domain.TreeNode) (domain.TreeNode, error) {
	var one int
	err := tx.tx.QueryRowContext(tx.ctx, `SELECT 1 FROM forests WHERE id = $1`, n.ForestID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TreeNode{}, domain.ErrForestNotFound{ID: n.ForestID}
	}
	if err != nil {
		return domain.TreeNode{}, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Depth = n.Path.Depth()
	n.CreatedAt = tx.now
	n.UpdatedAt = tx.now
	_, err = tx.tx.ExecContext(tx.ctx,
		`INSERT INTO nodes(id, forest_id, path, depth, name, description, video_link, video_name, video_duration, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		n.ID, n.ForestID, string(n.Path), n.Depth,
		n.Payload.Name, n.Payload.Description, n.Payload.VideoLink, n.Payload.VideoName, n.Payload.VideoDuration,
		n.CreatedAt, n.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
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
	if _, err := tx.tx.ExecContext(tx.ctx,
		`UPDATE nodes SET name=$1, description=$2, video_link=$3, video_name=$4, video_duration=$5, updated_at=$6
		 WHERE forest_id=$7 AND id=$8`,
		n.Payload.Name, n.Payload.Description, n.Payload.VideoLink, n.Payload.VideoName, n.Payload.VideoDuration,
		n.UpdatedAt, forestID, id); err != nil {
		return domain.TreeNode{}, fmt.Errorf("update payload: %w", err)
	}
	return n, nil
}

// BulkRewrite rewrites the whole subtree prefix in one UPDATE; depth is
// recomputed from the new path length in the same statement.
func (tx *transaction) BulkRewrite(forestID string, oldPrefix, newPrefix domain.Path) (int, error) {
	res, err := tx.tx.ExecContext(tx.ctx,
		`UPDATE nodes
		 SET path = $1 || substr(path, $2),
		     depth = ($3 + length(path) - $4) / $5,
		     updated_at = $6
		 WHERE forest_id = $7 AND path LIKE $8 || '%'`,
		string(newPrefix), len(oldPrefix)+1,
		len(newPrefix), len(oldPrefix), domain.SegmentWidth,
		tx.now, forestID, string(oldPrefix))
	if err != nil {
		if isUniqueViolation(err) {
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
	res, err := tx.tx.ExecContext(tx.ctx,
		`DELETE FROM nodes WHERE forest_id = $1 AND path LIKE $2 || '%'`,
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
	var path string
	if err := scan(&n.ID, &n.ForestID, &path, &n.Depth,
		&n.Payload.Name, &n.Payload.Description, &n.Payload.VideoLink, &n.Payload.VideoName, &n.Payload.VideoDuration,
		&n.CreatedAt, &n.UpdatedAt); err != nil {
		return domain.TreeNode{}, err
	}
	n.Path = domain.Path(path)
	return n, nil
}

func (tx *transaction) findNode(forestID, id string) (domain.TreeNode, bool, error) {
	row := tx.tx.QueryRowContext(tx.ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE forest_id = $1 AND id = $2`, forestID, id)
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
	rows, err := tx.tx.QueryContext(tx.ctx, query, args...)
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
	err := tx.tx.QueryRowContext(tx.ctx,
		`SELECT id, name, owner_ref, created_at FROM forests WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.OwnerRef, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Forest{}, false
	}
	if err != nil {
		tx.fail(err)
		return domain.Forest{}, false
	}
	return f, true
}

func (tx *transaction) ListForests() []domain.Forest {
	rows, err := tx.tx.QueryContext(tx.ctx,
		`SELECT id, name, owner_ref, created_at FROM forests ORDER BY id`)
	if err != nil {
		tx.fail(err)
		return nil
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Forest
	for rows.Next() {
		var f domain.Forest
		if err := rows.Scan(&f.ID, &f.Name, &f.OwnerRef, &f.CreatedAt); err != nil {
			tx.fail(err)
			return nil
		}
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
	row := tx.tx.QueryRowContext(tx.ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE forest_id = $1 AND path = $2`, forestID, string(path))
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
		`SELECT `+nodeColumns+` FROM nodes WHERE forest_id = $1 AND depth = 1 ORDER BY path`, forestID)
}

func (tx *transaction) ChildrenOf(forestID string, path domain.Path) []domain.TreeNode {
	return tx.queryNodes(
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE forest_id = $1 AND depth = $2 AND path LIKE $3 || '%' ORDER BY path`,
		forestID, path.Depth()+1, string(path))
}

func (tx *transaction) SubtreeOf(forestID string, path domain.Path) []domain.TreeNode {
	return tx.queryNodes(
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE forest_id = $1 AND path LIKE $2 || '%' ORDER BY path`,
		forestID, string(path))
}
