package catalog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var itemColumns = []string{
	"id", "name", "url", "description", "category", "tags", "added_at", "status", "last_error_at",
}

// SQLiteStore keeps items in a SQLite database file.
type SQLiteStore struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	events  notifier
	now     func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now:     time.Now,
	}, nil
}

// RunMigrations applies all pending migrations and returns the schema version.
func RunMigrations(db *sql.DB) (uint, error) {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used for AddedAt (for testing).
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLiteStore) List(ctx context.Context) ([]Item, error) {
	query, args, err := s.builder.Select(itemColumns...).From("items").OrderBy("seq").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Item, error) {
	query, args, err := s.builder.Select(itemColumns...).From("items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Item{}, fmt.Errorf("build get query: %w", err)
	}

	it, err := scanItem(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

func (s *SQLiteStore) Add(ctx context.Context, item Item) (Item, error) {
	item = normalize(item, s.now())
	if err := validate(item); err != nil {
		return Item{}, err
	}

	values, err := itemValues(item)
	if err != nil {
		return Item{}, err
	}

	query, args, err := s.builder.Insert("items").
		Columns(itemColumns...).
		Values(values...).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			description = excluded.description,
			category = excluded.category,
			tags = excluded.tags,
			status = excluded.status,
			last_error_at = excluded.last_error_at`).
		ToSql()
	if err != nil {
		return Item{}, fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return Item{}, fmt.Errorf("insert item: %w", err)
	}

	s.events.publishFrom(ctx, s)
	return item, nil
}

func (s *SQLiteStore) Update(ctx context.Context, item Item) error {
	if err := validate(item); err != nil {
		return err
	}

	tags, err := encodeTags(item.Tags)
	if err != nil {
		return err
	}

	query, args, err := s.builder.Update("items").
		SetMap(map[string]interface{}{
			"name":          item.Name,
			"url":           item.URL,
			"description":   item.Description,
			"category":      item.Category,
			"tags":          tags,
			"status":        string(item.Status),
			"last_error_at": toMillis(item.LastErrorAt),
		}).
		Where(sq.Eq{"id": item.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	s.events.publishFrom(ctx, s)
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	query, args, err := s.builder.Delete("items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	s.events.publishFrom(ctx, s)
	return nil
}

func (s *SQLiteStore) Subscribe(fn func([]Item)) func() {
	return s.events.subscribe(fn)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		it          Item
		tags        string
		status      string
		addedAt     int64
		lastErrorAt int64
	)
	err := row.Scan(&it.ID, &it.Name, &it.URL, &it.Description, &it.Category, &tags, &addedAt, &status, &lastErrorAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, err
		}
		return Item{}, fmt.Errorf("scan item: %w", err)
	}

	if err := json.Unmarshal([]byte(tags), &it.Tags); err != nil {
		return Item{}, fmt.Errorf("decode tags of %s: %w", it.ID, err)
	}
	if it.Tags == nil {
		it.Tags = []string{}
	}
	it.Status = Status(status)
	it.AddedAt = fromMillis(addedAt)
	it.LastErrorAt = fromMillis(lastErrorAt)
	return it, nil
}

func itemValues(it Item) ([]interface{}, error) {
	tags, err := encodeTags(it.Tags)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		it.ID, it.Name, it.URL, it.Description, it.Category, tags,
		toMillis(it.AddedAt), string(it.Status), toMillis(it.LastErrorAt),
	}, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(data), nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
