package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/peerledger/txsync/internal/model"
)

const statsCacheTTL = 30 * time.Second

// RepositoryInterface restricts Repo methods for unit test mocks.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	UpsertTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, endpoint string, limit int) ([]model.Transaction, error)
	AllTransactions(ctx context.Context) ([]model.Transaction, error)
	TransactionsForEndpoint(ctx context.Context, endpoint string) ([]model.Transaction, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheStats(ctx context.Context, key string, payload []byte) error
	GetCachedStats(ctx context.Context, key string) ([]byte, error)
	InvalidateStats(ctx context.Context, keys ...string) error
}

// Repository implements RepositoryInterface over Postgres, Redis and Kafka.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// UpsertTransaction writes a record; a duplicate id overwrites the existing
// row, matching the reference store's insert semantics.
func (r *Repository) UpsertTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(t).Error
}

// GetTransaction fetches one record by id.
func (r *Repository) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions returns records newest first, ties broken by insertion
// order. An endpoint filter matches sender or receiver.
func (r *Repository) ListTransactions(ctx context.Context, endpoint string, limit int) ([]model.Transaction, error) {
	q := r.db.WithContext(ctx).Order("timestamp desc, created_at asc")
	if endpoint != "" {
		q = q.Where("from_endpoint = ? OR to_endpoint = ?", endpoint, endpoint)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var txs []model.Transaction
	err := q.Find(&txs).Error
	return txs, err
}

// AllTransactions returns the full log for aggregation folds.
func (r *Repository) AllTransactions(ctx context.Context) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).Find(&txs).Error
	return txs, err
}

// TransactionsForEndpoint returns every record touching the endpoint,
// unbounded.
func (r *Repository) TransactionsForEndpoint(ctx context.Context, endpoint string) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("from_endpoint = ? OR to_endpoint = ?", endpoint, endpoint).
		Find(&txs).Error
	return txs, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheStats writes a computed projection to Redis.
func (r *Repository) CacheStats(ctx context.Context, key string, payload []byte) error {
	return r.rdb.Set(ctx, key, payload, statsCacheTTL).Err()
}

// GetCachedStats reads a cached projection; redis.Nil on a miss.
func (r *Repository) GetCachedStats(ctx context.Context, key string) ([]byte, error) {
	str, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return []byte(str), nil
}

// InvalidateStats drops cached projections after an append.
func (r *Repository) InvalidateStats(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate stats cache: %w", err)
	}
	return nil
}
