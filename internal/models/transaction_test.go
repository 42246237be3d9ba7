package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNewTransaction_TotalValueRecomputed(t *testing.T) {
	tx := NewTransaction(7, TransactionTypeBuy, TokenKLOJI,
		decimal.NewFromFloat(117.5157), decimal.NewFromFloat(0.851),
		decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.1))

	assert.Equal(t, StatusPending, tx.Status)
	assert.True(t, tx.TotalValue.Equal(tx.Amount.Mul(tx.Price)))
	assert.Contains(t, tx.TransactionID, "TXN-")
	assert.Nil(t, tx.ProcessedAt)
}

func TestTransaction_StatusTransitions(t *testing.T) {
	tx := NewTransaction(1, TransactionTypeSell, TokenKLOJI,
		decimal.NewFromInt(50), decimal.NewFromFloat(0.85),
		decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.04))

	assert.False(t, tx.IsFinal())

	tx.MarkCompleted()
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.True(t, tx.IsFinal())
	assert.NotNil(t, tx.ProcessedAt)

	failed := NewTransaction(1, TransactionTypeBuy, TokenKLOJI,
		decimal.NewFromInt(10), decimal.NewFromFloat(0.85),
		decimal.NewFromFloat(0.5), decimal.Zero)
	failed.MarkFailed("insufficient funds")
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "insufficient funds", failed.Notes)
	assert.True(t, failed.IsFinal())
}

func TestTransaction_AttachSettlement(t *testing.T) {
	tx := NewTransaction(1, TransactionTypeBuy, TokenKLOJI,
		decimal.NewFromInt(100), decimal.NewFromFloat(0.85),
		decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.1))
	tx.MarkCompleted()

	assert.False(t, tx.IsSettledOnChain())

	tx.AttachSettlement(SettlementInfo{
		TransactionHash: "0xabc123",
		BlockNumber:     18452001,
		GasUsed:         21000,
		GasPrice:        decimal.NewFromFloat(22.5),
	})

	assert.True(t, tx.IsSettledOnChain())
	assert.Equal(t, int64(18452001), tx.Settlement.BlockNumber)
	// settlement does not touch the financial fields
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.True(t, tx.TotalValue.Equal(tx.Amount.Mul(tx.Price)))
}

func TestTransaction_Validate(t *testing.T) {
	valid := func() *Transaction {
		return NewTransaction(1, TransactionTypeBuy, TokenKLOJI,
			decimal.NewFromInt(100), decimal.NewFromFloat(0.85),
			decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.1))
	}

	tests := []struct {
		name    string
		mutate  func(*Transaction)
		wantErr string
	}{
		{"valid", func(tx *Transaction) {}, ""},
		{"missing id", func(tx *Transaction) { tx.TransactionID = "" }, "transaction ID is required"},
		{"bad user", func(tx *Transaction) { tx.UserID = 0 }, "invalid user ID"},
		{"bad type", func(tx *Transaction) { tx.Type = "swap" }, "invalid transaction type"},
		{"bad status", func(tx *Transaction) { tx.Status = "done" }, "invalid transaction status"},
		{"bad token", func(tx *Transaction) { tx.Token = "BTC" }, "invalid token"},
		{"stale total", func(tx *Transaction) { tx.TotalValue = decimal.NewFromInt(1) }, "total value does not match"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := valid()
			tt.mutate(tx)

			err := tx.Validate()

			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
