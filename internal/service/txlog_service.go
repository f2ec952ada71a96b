package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/peerledger/txsync/internal/model"
	"github.com/peerledger/txsync/internal/repo"
)

var (
	// ErrInvalidID means the transaction id is not a well-formed UUID.
	ErrInvalidID = errors.New("invalid transaction id")
	// ErrNotFound means no record exists for the id.
	ErrNotFound = errors.New("transaction not found")
	// ErrStoreUnavailable means the backing store could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)

const (
	globalStatsKey    = "stats:global"
	endpointStatsKey  = "stats:endpoint:"
	defaultListLimit  = 100
	eventTypeAppended = "TransactionAppended"
	aggregateTxLog    = "Transaction"
)

// TxLogService is the durable append-only transaction log plus its read-side
// statistics. Appends and reads may run concurrently; a just-appended record
// becomes visible to subsequent reads, nothing stronger is promised.
type TxLogService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewTxLogService returns TxLogService.
func NewTxLogService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *TxLogService {
	return &TxLogService{repo: r, log: logger}
}

// Append stores one transaction and queues an outbox event for downstream
// consumers. Re-appending an existing id overwrites the stored record.
func (s *TxLogService) Append(ctx context.Context, t model.Transaction) error {
	if _, err := uuid.Parse(t.ID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, t.ID)
	}

	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpsertTransaction(ctx, tx, &t); err != nil {
			return err
		}
		payload, _ := json.Marshal(t)
		evt := &model.OutboxEvent{
			Aggregate:   aggregateTxLog,
			AggregateID: t.ID,
			EventType:   eventTypeAppended,
			Payload:     string(payload),
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	keys := []string{
		globalStatsKey,
		endpointStatsKey + t.FromEndpoint,
		endpointStatsKey + t.ToEndpoint,
	}
	if err := s.repo.InvalidateStats(ctx, keys...); err != nil {
		s.log.Warn(err)
	}
	return nil
}

// List returns transactions newest first, capped by limit (default 100).
// When endpoint is set, only records where it is sender or receiver match.
func (s *TxLogService) List(ctx context.Context, endpoint string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	txs, err := s.repo.ListTransactions(ctx, endpoint, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return txs, nil
}

// GetByID fetches a single transaction.
func (s *TxLogService) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return t, nil
}

// GlobalStats recomputes the projection over the entire log.
//
// The per-endpoint fold counts a record only against the sender, while
// EndpointStats counts both sides. Consumers of both responses depend on
// that asymmetry.
func (s *TxLogService) GlobalStats(ctx context.Context) (*model.TransactionStats, error) {
	if cached, err := s.repo.GetCachedStats(ctx, globalStatsKey); err == nil {
		var stats model.TransactionStats
		if err := json.Unmarshal(cached, &stats); err == nil {
			return &stats, nil
		}
	}

	records, err := s.repo.AllTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	stats := &model.TransactionStats{
		TotalVolume:        decimal.Zero,
		AverageTransaction: decimal.Zero,
		Endpoints:          []model.EndpointStats{},
	}
	byEndpoint := make(map[string]*model.EndpointStats)
	entry := func(id string) *model.EndpointStats {
		e, ok := byEndpoint[id]
		if !ok {
			e = &model.EndpointStats{
				EndpointID:    id,
				TotalSent:     decimal.Zero,
				TotalReceived: decimal.Zero,
				BalanceChange: decimal.Zero,
			}
			byEndpoint[id] = e
		}
		return e
	}

	for _, t := range records {
		if _, err := uuid.Parse(t.ID); err != nil {
			s.log.Warnf("skipping malformed record %q in aggregation", t.ID)
			continue
		}
		stats.TotalTransactions++
		stats.TotalVolume = stats.TotalVolume.Add(t.Amount)

		sender := entry(t.FromEndpoint)
		sender.TransactionCount++
		sender.TotalSent = sender.TotalSent.Add(t.Amount)
		sender.BalanceChange = sender.BalanceChange.Sub(t.Amount)

		receiver := entry(t.ToEndpoint)
		receiver.TotalReceived = receiver.TotalReceived.Add(t.Amount)
		receiver.BalanceChange = receiver.BalanceChange.Add(t.Amount)
	}

	if stats.TotalTransactions > 0 {
		stats.AverageTransaction = stats.TotalVolume.Div(decimal.NewFromInt(stats.TotalTransactions))
	}
	for _, e := range byEndpoint {
		stats.Endpoints = append(stats.Endpoints, *e)
	}
	sort.Slice(stats.Endpoints, func(i, j int) bool {
		return stats.Endpoints[i].EndpointID < stats.Endpoints[j].EndpointID
	})

	s.cache(ctx, globalStatsKey, stats)
	return stats, nil
}

// EndpointStats folds the log restricted to one endpoint. Unlike the global
// fold, both send and receive events increment the transaction count here.
func (s *TxLogService) EndpointStats(ctx context.Context, id string) (*model.EndpointStats, error) {
	key := endpointStatsKey + id
	if cached, err := s.repo.GetCachedStats(ctx, key); err == nil {
		var stats model.EndpointStats
		if err := json.Unmarshal(cached, &stats); err == nil {
			return &stats, nil
		}
	}

	records, err := s.repo.TransactionsForEndpoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	stats := &model.EndpointStats{
		EndpointID:    id,
		TotalSent:     decimal.Zero,
		TotalReceived: decimal.Zero,
		BalanceChange: decimal.Zero,
	}
	for _, t := range records {
		if _, err := uuid.Parse(t.ID); err != nil {
			s.log.Warnf("skipping malformed record %q in aggregation", t.ID)
			continue
		}
		stats.TransactionCount++
		if t.FromEndpoint == id {
			stats.TotalSent = stats.TotalSent.Add(t.Amount)
			stats.BalanceChange = stats.BalanceChange.Sub(t.Amount)
		}
		if t.ToEndpoint == id {
			stats.TotalReceived = stats.TotalReceived.Add(t.Amount)
			stats.BalanceChange = stats.BalanceChange.Add(t.Amount)
		}
	}

	s.cache(ctx, key, stats)
	return stats, nil
}

func (s *TxLogService) cache(ctx context.Context, key string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.repo.CacheStats(ctx, key, payload); err != nil {
		s.log.Warn(err)
	}
}

// Repo exposes underlying repository (unit tests helper).
func (s *TxLogService) Repo() repo.RepositoryInterface {
	return s.repo
}
