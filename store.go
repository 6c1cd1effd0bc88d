package apiqueue

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PGStore keeps the queue slot in the api_queue_slots table.
type PGStore struct {
	pool *pgxpool.Pool
	key  string
}

// NewPGStore creates a store for the named slot from an existing pool.
func NewPGStore(pool *pgxpool.Pool, key string) *PGStore {
	if key == "" {
		key = DefaultQueueKey
	}
	return &PGStore{pool: pool, key: key}
}

// Migrate applies the embedded schema migrations.
func Migrate(pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("migrate api_queue_slots: %w", err)
	}
	return nil
}

// Load reads the slot. A missing row is an empty queue.
func (s *PGStore) Load(ctx context.Context) ([]QueuedRequest, error) {
	query, args, err := sq.Select("value").
		From("api_queue_slots").
		Where(sq.Eq{"key": s.key}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	var raw []byte
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return []QueuedRequest{}, nil
		}
		return nil, fmt.Errorf("load queue slot %s: %w", s.key, err)
	}
	return decodeQueue(raw)
}

// Save replaces the slot with queue.
func (s *PGStore) Save(ctx context.Context, queue []QueuedRequest) error {
	data, err := encodeQueue(queue)
	if err != nil {
		return err
	}

	query, args, err := sq.Insert("api_queue_slots").
		Columns("key", "value", "updated_at").
		Values(s.key, data, time.Now().UTC()).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert query: %w", err)
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("save queue slot %s: %w", s.key, err)
	}
	return nil
}

func encodeQueue(queue []QueuedRequest) ([]byte, error) {
	if queue == nil {
		queue = []QueuedRequest{}
	}
	data, err := json.Marshal(queue)
	if err != nil {
		return nil, fmt.Errorf("marshal queue: %w", err)
	}
	return data, nil
}

func decodeQueue(data []byte) ([]QueuedRequest, error) {
	if len(data) == 0 {
		return []QueuedRequest{}, nil
	}
	var queue []QueuedRequest
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("unmarshal queue: %w", err)
	}
	if queue == nil {
		queue = []QueuedRequest{}
	}
	return queue, nil
}
