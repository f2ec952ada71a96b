package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/peerledger/txsync/internal/model"
)

func TestApply_DebitAndCredit(t *testing.T) {
	a := New("endpoint-a")
	b := New("endpoint-b")

	tx := a.Create("endpoint-b", decimal.NewFromFloat(150))
	assert.Equal(t, "endpoint-a", tx.FromEndpoint)
	assert.Equal(t, model.StatusPending, tx.Status)
	assert.Equal(t, "sig_0", tx.Signature)

	applied, err := a.Apply(tx)
	assert.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "850", a.Balance().StringFixed(0))
	assert.Equal(t, uint64(1), a.AppliedCount())

	// the peer receives the same transaction via broadcast
	applied, err = b.Apply(tx)
	assert.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "1150", b.Balance().StringFixed(0))
}

func TestApply_Idempotent(t *testing.T) {
	a := New("endpoint-a")
	tx := a.Create("endpoint-b", decimal.NewFromInt(100))

	applied, err := a.Apply(tx)
	assert.NoError(t, err)
	assert.True(t, applied)

	// broadcast echo of the locally created transaction
	applied, err = a.Apply(tx)
	assert.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "900", a.Balance().StringFixed(0))
	assert.Equal(t, uint64(1), a.AppliedCount())
}

func TestApply_InsufficientBalance(t *testing.T) {
	a := New("endpoint-a")

	// drain down to 50
	drain := a.Create("endpoint-b", decimal.NewFromInt(950))
	_, err := a.Apply(drain)
	assert.NoError(t, err)

	tx := a.Create("endpoint-b", decimal.NewFromInt(100))
	applied, err := a.Apply(tx)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.False(t, applied)
	assert.Equal(t, "50", a.Balance().StringFixed(0))
	assert.Equal(t, uint64(1), a.AppliedCount())

	// a rejected transaction is not remembered, so a later retry with
	// sufficient funds would still be applied
	assert.False(t, a.Seen(tx.ID))
}

func TestApply_IrrelevantTransactionBookkeeping(t *testing.T) {
	c := New("endpoint-c")
	other := New("endpoint-a")
	tx := other.Create("endpoint-b", decimal.NewFromInt(10))

	applied, err := c.Apply(tx)
	assert.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "1000", c.Balance().StringFixed(0))
	assert.Equal(t, uint64(0), c.AppliedCount())
	assert.True(t, c.Seen(tx.ID))
}

func TestApply_SelfTransferNetsZero(t *testing.T) {
	a := New("endpoint-a")
	tx := a.Create("endpoint-a", decimal.NewFromInt(40))

	applied, err := a.Apply(tx)
	assert.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "1000", a.Balance().StringFixed(0))
	assert.Equal(t, uint64(1), a.AppliedCount())
}

func TestBalanceConservation(t *testing.T) {
	ledgers := []*Ledger{New("a"), New("b"), New("c")}
	byID := map[string]*Ledger{}
	for _, l := range ledgers {
		byID[l.ID()] = l
	}

	transfers := []struct {
		from, to string
		amount   int64
	}{
		{"a", "b", 100}, {"b", "c", 40}, {"c", "a", 700}, {"a", "c", 1500}, {"b", "b", 5},
	}
	for _, tr := range transfers {
		tx := byID[tr.from].Create(tr.to, decimal.NewFromInt(tr.amount))
		_, err := byID[tr.from].Apply(tx)
		if err != nil {
			continue // rejected transfers must not reach the other side
		}
		if tr.to != tr.from {
			_, err = byID[tr.to].Apply(tx)
			assert.NoError(t, err)
		}
	}

	sum := decimal.Zero
	for _, l := range ledgers {
		sum = sum.Add(l.Balance())
	}
	assert.Equal(t, "3000", sum.StringFixed(0))
}
