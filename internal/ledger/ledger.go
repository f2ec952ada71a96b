package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peerledger/txsync/internal/model"
)

// ErrInsufficientBalance is returned when a debit exceeds the balance.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Every endpoint starts with the same fixed balance.
var startingBalance = decimal.NewFromInt(1000)

// Ledger is one endpoint's in-memory balance view. The same transaction can
// arrive once from local creation and again via broadcast echo, so every
// applied id is remembered and replays are accepted as no-ops.
//
// A Ledger is not safe for concurrent use; the owning client serializes
// access.
type Ledger struct {
	id           string
	balance      decimal.Decimal
	appliedCount uint64
	applied      map[string]struct{}
}

// New creates a ledger for the given endpoint id.
func New(id string) *Ledger {
	return &Ledger{
		id:      id,
		balance: startingBalance,
		applied: make(map[string]struct{}),
	}
}

func (l *Ledger) ID() string { return l.id }

func (l *Ledger) Balance() decimal.Decimal { return l.balance }

// AppliedCount is the number of transactions that changed the balance.
func (l *Ledger) AppliedCount() uint64 { return l.appliedCount }

// Seen reports whether a transaction id has already been applied.
func (l *Ledger) Seen(id string) bool {
	_, ok := l.applied[id]
	return ok
}

// Apply updates the balance for a transaction. It returns (false, nil) for a
// replayed id, (true, nil) once the transaction has been recorded, and
// (false, ErrInsufficientBalance) when a debit would go negative, in which
// case no state changes at all.
//
// A transaction that names this endpoint neither as sender nor receiver
// still lands in the applied set so a later replay of it stays a no-op, but
// it does not touch the balance or the applied count.
func (l *Ledger) Apply(tx model.Transaction) (bool, error) {
	if l.Seen(tx.ID) {
		return false, nil
	}

	relevant := false
	if tx.FromEndpoint == l.id {
		if l.balance.LessThan(tx.Amount) {
			return false, ErrInsufficientBalance
		}
		l.balance = l.balance.Sub(tx.Amount)
		relevant = true
	}
	if tx.ToEndpoint == l.id {
		l.balance = l.balance.Add(tx.Amount)
		relevant = true
	}

	l.applied[tx.ID] = struct{}{}
	if relevant {
		l.appliedCount++
	}
	return true, nil
}

// Create builds a new outgoing transaction. It does not apply it; the caller
// decides whether the transfer goes through.
func (l *Ledger) Create(to string, amount decimal.Decimal) model.Transaction {
	return model.Transaction{
		ID:           uuid.NewString(),
		FromEndpoint: l.id,
		ToEndpoint:   to,
		Amount:       amount,
		Timestamp:    time.Now().UnixMilli(),
		Signature:    fmt.Sprintf("sig_%d", l.appliedCount),
		Status:       model.StatusPending,
	}
}
