package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Transaction types
const (
	TransactionTypeBuy        = "buy"
	TransactionTypeSell       = "sell"
	TransactionTypeTransfer   = "transfer"
	TransactionTypeDeposit    = "deposit"
	TransactionTypeWithdrawal = "withdrawal"
)

// Transaction statuses
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Transaction represents an append-only journal record of a trade or transfer.
// Once completed or failed, a record is immutable except for the settlement
// fields, processed timestamp and notes.
type Transaction struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	TransactionID string             `bson:"transaction_id" json:"transaction_id"`
	UserID        int64              `bson:"user_id" json:"user_id"`
	Type          string             `bson:"type" json:"type"`
	Status        string             `bson:"status" json:"status"`

	Token      string          `bson:"token" json:"token"`
	Amount     decimal.Decimal `bson:"amount" json:"amount"`
	Price      decimal.Decimal `bson:"price" json:"price"`
	TotalValue decimal.Decimal `bson:"total_value" json:"total_value"`
	NetworkFee decimal.Decimal `bson:"network_fee" json:"network_fee"`
	TradingFee decimal.Decimal `bson:"trading_fee" json:"trading_fee"`

	Settlement *SettlementInfo     `bson:"settlement,omitempty" json:"settlement,omitempty"`
	Metadata   TransactionMetadata `bson:"metadata" json:"metadata"`
	Notes      string              `bson:"notes,omitempty" json:"notes,omitempty"`

	ProcessedAt *time.Time `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
}

// SettlementInfo holds on-chain settlement details attached after confirmation
type SettlementInfo struct {
	TransactionHash string          `bson:"transaction_hash" json:"transaction_hash"`
	BlockNumber     int64           `bson:"block_number" json:"block_number"`
	GasUsed         int64           `bson:"gas_used" json:"gas_used"`
	GasPrice        decimal.Decimal `bson:"gas_price" json:"gas_price"`
}

// TransactionMetadata captures request context for audit purposes
type TransactionMetadata struct {
	OrderID   string `bson:"order_id,omitempty" json:"order_id,omitempty"`
	Platform  string `bson:"platform,omitempty" json:"platform,omitempty"`
	IPAddress string `bson:"ip_address,omitempty" json:"ip_address,omitempty"`
	UserAgent string `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
}

// NewTransaction creates a pending journal record. TotalValue is always
// recomputed from amount and price so the two can never disagree.
func NewTransaction(userID int64, txType, token string, amount, price, networkFee, tradingFee decimal.Decimal) *Transaction {
	now := time.Now()
	transactionID := fmt.Sprintf("TXN-%d-%d", now.UnixNano(), userID)

	return &Transaction{
		TransactionID: transactionID,
		UserID:        userID,
		Type:          txType,
		Status:        StatusPending,
		Token:         token,
		Amount:        amount,
		Price:         price,
		TotalValue:    amount.Mul(price),
		NetworkFee:    networkFee,
		TradingFee:    tradingFee,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// MarkCompleted transitions the record to completed
func (t *Transaction) MarkCompleted() {
	now := time.Now()
	t.Status = StatusCompleted
	t.ProcessedAt = &now
	t.UpdatedAt = now
}

// MarkFailed transitions the record to failed with a reason
func (t *Transaction) MarkFailed(reason string) {
	now := time.Now()
	t.Status = StatusFailed
	t.Notes = reason
	t.ProcessedAt = &now
	t.UpdatedAt = now
}

// AttachSettlement appends on-chain settlement details to a final record
func (t *Transaction) AttachSettlement(info SettlementInfo) {
	t.Settlement = &info
	t.UpdatedAt = time.Now()
}

// IsFinal reports whether the record reached a terminal status
func (t *Transaction) IsFinal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusCancelled
}

// IsSettledOnChain reports whether settlement details are attached
func (t *Transaction) IsSettledOnChain() bool {
	return t.Settlement != nil && t.Settlement.TransactionHash != ""
}

// Validate validates the record before it is persisted
func (t *Transaction) Validate() error {
	if t.TransactionID == "" {
		return fmt.Errorf("transaction ID is required")
	}

	if t.UserID <= 0 {
		return fmt.Errorf("invalid user ID")
	}

	switch t.Type {
	case TransactionTypeBuy, TransactionTypeSell, TransactionTypeTransfer,
		TransactionTypeDeposit, TransactionTypeWithdrawal:
	default:
		return fmt.Errorf("invalid transaction type: %s", t.Type)
	}

	switch t.Status {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("invalid transaction status: %s", t.Status)
	}

	if t.Token != TokenKLOJI && t.Token != TokenUSDT {
		return fmt.Errorf("invalid token: %s", t.Token)
	}

	if t.Amount.LessThan(decimal.Zero) {
		return fmt.Errorf("amount cannot be negative")
	}

	if t.Price.LessThan(decimal.Zero) {
		return fmt.Errorf("price cannot be negative")
	}

	if !t.TotalValue.Equal(t.Amount.Mul(t.Price)) {
		return fmt.Errorf("total value does not match amount * price")
	}

	return nil
}
