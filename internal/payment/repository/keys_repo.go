package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"signalbot/internal/payment"
)

var ErrKeyNotFound = errors.New("receiver key not found")

// ReceiverKey is a sealed private key for a receiver address minted in-process.
type ReceiverKey struct {
	Rail      payment.RailID `db:"rail"`
	Address   string         `db:"address"`
	UserID    int64          `db:"user_id"`
	SealedKey []byte         `db:"sealed_key"`
	CreatedAt time.Time      `db:"created_at"`
}

type KeysRepository interface {
	SaveKey(ctx context.Context, key ReceiverKey) error
	GetKey(ctx context.Context, rail payment.RailID, address string) (*ReceiverKey, error)
	ListByUserID(ctx context.Context, userID int64) ([]ReceiverKey, error)
}

type PostgresKeysRepo struct {
	db *sqlx.DB
}

func NewPostgresKeysRepo(db *sqlx.DB) *PostgresKeysRepo {
	return &PostgresKeysRepo{db: db}
}

func (r *PostgresKeysRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS receiver_keys (
			rail       TEXT        NOT NULL,
			address    TEXT        NOT NULL,
			user_id    BIGINT      NOT NULL,
			sealed_key BYTEA       NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (rail, address)
		);
		CREATE INDEX IF NOT EXISTS receiver_keys_user_id_idx ON receiver_keys (user_id);`)
	if err != nil {
		return fmt.Errorf("create receiver_keys: %w", err)
	}
	return nil
}

// SaveKey never overwrites: an address collision means something is badly wrong.
func (r *PostgresKeysRepo) SaveKey(ctx context.Context, key ReceiverKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO receiver_keys (rail, address, user_id, sealed_key, created_at)
		 VALUES (:rail, :address, :user_id, :sealed_key, :created_at)`, key)
	if err != nil {
		return fmt.Errorf("save receiver key: %w", err)
	}
	return nil
}

func (r *PostgresKeysRepo) GetKey(ctx context.Context, rail payment.RailID, address string) (*ReceiverKey, error) {
	var key ReceiverKey
	err := r.db.GetContext(ctx, &key,
		`SELECT rail, address, user_id, sealed_key, created_at
		 FROM receiver_keys WHERE rail = $1 AND address = $2`, rail, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *PostgresKeysRepo) ListByUserID(ctx context.Context, userID int64) ([]ReceiverKey, error) {
	var keys []ReceiverKey
	err := r.db.SelectContext(ctx, &keys,
		`SELECT rail, address, user_id, sealed_key, created_at
		 FROM receiver_keys WHERE user_id = $1 ORDER BY created_at`, userID)
	return keys, err
}

type MemoryKeysRepo struct {
	mu   sync.RWMutex
	keys map[string]ReceiverKey
}

func NewMemoryKeysRepo() *MemoryKeysRepo {
	return &MemoryKeysRepo{keys: make(map[string]ReceiverKey)}
}

func memKey(rail payment.RailID, address string) string {
	return string(rail) + "/" + address
}

func (r *MemoryKeysRepo) SaveKey(_ context.Context, key ReceiverKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memKey(key.Rail, key.Address)
	if _, ok := r.keys[k]; ok {
		return fmt.Errorf("save receiver key: duplicate address %s", key.Address)
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	key.SealedKey = append([]byte(nil), key.SealedKey...)
	r.keys[k] = key
	return nil
}

func (r *MemoryKeysRepo) GetKey(_ context.Context, rail payment.RailID, address string) (*ReceiverKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[memKey(rail, address)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	key.SealedKey = append([]byte(nil), key.SealedKey...)
	return &key, nil
}

func (r *MemoryKeysRepo) ListByUserID(_ context.Context, userID int64) ([]ReceiverKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ReceiverKey
	for _, key := range r.keys {
		if key.UserID == userID {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
