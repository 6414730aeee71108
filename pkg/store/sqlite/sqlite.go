package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-jet/jet/v2/sqlite"
	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/kasuboski/watchz/pkg/store"
	"github.com/kasuboski/watchz/pkg/store/sqlite/schema/gen/model"
	"github.com/kasuboski/watchz/pkg/store/sqlite/schema/gen/table"
	_ "github.com/mattn/go-sqlite3"
)

// insertBatch keeps multi row inserts under the sqlite bound parameter limit
const insertBatch = 500

// Store keeps one row per leaf path in a sqlite database
type Store struct {
	db          *sql.DB
	broadcaster *store.Broadcaster
	now         func() time.Time
}

var _ store.Store = (*Store)(nil)

// New opens the database at filePath, ":memory:" included, and applies migrations
func New(ctx context.Context, filePath string) (*Store, error) {
	db, err := sql.Open("sqlite3", filePath)
	if err != nil {
		return nil, err
	}

	// a single connection keeps in-memory databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.FromCtx(ctx).Debugw("opened sqlite store", "path", filePath)

	return &Store{
		db:          db,
		broadcaster: store.NewBroadcaster(),
		now:         time.Now,
	}, nil
}

// subtree matches path itself and every path below it
func subtree(path string) sqlite.BoolExpression {
	if path == "" {
		return sqlite.Bool(true)
	}

	return table.Node.Path.EQ(sqlite.String(path)).OR(
		table.Node.Path.GT_EQ(sqlite.String(path + "/")).AND(
			// '0' sorts right after '/'
			table.Node.Path.LT(sqlite.String(path + "0")),
		),
	)
}

// ancestors matches leaves stored above path that a write under them replaces
func ancestors(path string) sqlite.BoolExpression {
	parts := strings.Split(path, "/")
	if len(parts) <= 1 {
		return sqlite.Bool(false)
	}

	paths := make([]sqlite.Expression, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		paths = append(paths, sqlite.String(strings.Join(parts[:i], "/")))
	}

	return table.Node.Path.IN(paths...)
}

func (s *Store) Read(ctx context.Context, path string) (any, error) {
	path = store.Clean(path)

	var nodes []model.Node
	stmt := sqlite.SELECT(table.Node.AllColumns).
		FROM(table.Node).
		WHERE(subtree(path))

	err := stmt.QueryContext(ctx, s.db, &nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	leaves := make(map[string]any, len(nodes))
	for _, n := range nodes {
		v, err := store.DecodeLeaf(n.Value)
		if err != nil {
			return nil, err
		}
		leaves[n.Path] = v
	}

	v, ok := store.Assemble(path, leaves)
	if !ok {
		return nil, store.ErrNotFound
	}

	return v, nil
}

func (s *Store) Write(ctx context.Context, path string, value any) error {
	return s.WriteMany(ctx, map[string]any{path: value})
}

func (s *Store) WriteMany(ctx context.Context, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}

	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	events := make([]store.Event, 0, len(updates))
	for _, raw := range store.SortedPaths(updates) {
		path := store.Clean(raw)

		leaves, err := store.Flatten(path, updates[raw])
		if err != nil {
			return err
		}
		store.Resolve(leaves, now)

		if err := s.replace(ctx, tx, path, leaves, now); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}

		value, _ := store.Assemble(path, leaves)
		events = append(events, store.Event{Path: path, Value: value})
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.broadcaster.Publish(events...)
	return nil
}

func (s *Store) replace(ctx context.Context, tx *sql.Tx, path string, leaves map[string]any, now time.Time) error {
	del := table.Node.DELETE().WHERE(subtree(path).OR(ancestors(path)))
	if _, err := del.ExecContext(ctx, tx); err != nil {
		return err
	}

	if len(leaves) == 0 {
		return nil
	}

	rows := make([]model.Node, 0, len(leaves))
	for _, p := range store.SortedPaths(leaves) {
		encoded, err := store.EncodeLeaf(leaves[p])
		if err != nil {
			return err
		}
		rows = append(rows, model.Node{Path: p, Value: encoded, UpdatedAt: now.UnixMilli()})
	}

	for start := 0; start < len(rows); start += insertBatch {
		end := min(start+insertBatch, len(rows))
		insert := table.Node.INSERT(table.Node.AllColumns).MODELS(rows[start:end])
		if _, err := insert.ExecContext(ctx, tx); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) Subscribe(ctx context.Context, path string) (<-chan store.Event, error) {
	return s.broadcaster.Subscribe(ctx, path)
}

func (s *Store) Close() error {
	s.broadcaster.Close()
	return s.db.Close()
}
