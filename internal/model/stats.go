package model

import "github.com/shopspring/decimal"

// TransactionStats is the global projection over the whole log. Always
// recomputed, never persisted.
type TransactionStats struct {
	TotalTransactions  int64           `json:"total_transactions"`
	TotalVolume        decimal.Decimal `json:"total_volume"`
	AverageTransaction decimal.Decimal `json:"average_transaction"`
	Endpoints          []EndpointStats `json:"endpoints"`
}

// EndpointStats is the per-endpoint projection.
type EndpointStats struct {
	EndpointID       string          `json:"endpoint_id"`
	TransactionCount int64           `json:"transaction_count"`
	TotalSent        decimal.Decimal `json:"total_sent"`
	TotalReceived    decimal.Decimal `json:"total_received"`
	BalanceChange    decimal.Decimal `json:"balance_change"`
}
