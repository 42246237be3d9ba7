package external

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"exchange-api/internal/models"
)

// SettlementService records a settled trade on the KLOJI network. This is a
// best-effort step: the internal trade is already final, and a settlement
// failure only means the record carries no on-chain details.
type SettlementService interface {
	SettleTrade(ctx context.Context, record *models.Transaction) (*models.SettlementInfo, error)
	NetworkStatus(ctx context.Context) (*NetworkStatus, error)
}

// NetworkStatus reports the settlement network health
type NetworkStatus struct {
	Network       string    `json:"network"`
	BlockHeight   int64     `json:"block_height"`
	LastBlockTime time.Time `json:"last_block_time"`
	IsHealthy     bool      `json:"is_healthy"`
}

// SettlementConfig configures the settlement provider
type SettlementConfig struct {
	Network string
	Timeout time.Duration
	Latency time.Duration // simulated confirmation delay
}

// simulatedSettlement mimics the network until the real chain integration
// lands: it fabricates a transaction hash, block number and gas usage with
// realistic shapes and a configurable confirmation delay.
type simulatedSettlement struct {
	config      *SettlementConfig
	genesisTime time.Time
}

// NewSimulatedSettlement creates the stand-in settlement provider
func NewSimulatedSettlement(config *SettlementConfig) SettlementService {
	if config.Network == "" {
		config.Network = "kloji-mainnet"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Latency == 0 {
		config.Latency = 500 * time.Millisecond
	}

	return &simulatedSettlement{
		config:      config,
		genesisTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *simulatedSettlement) SettleTrade(ctx context.Context, record *models.Transaction) (*models.SettlementInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("settlement aborted: %w", ctx.Err())
	case <-time.After(s.config.Latency):
	}

	hash, err := randomHash()
	if err != nil {
		return nil, fmt.Errorf("failed to generate transaction hash: %w", err)
	}

	info := &models.SettlementInfo{
		TransactionHash: hash,
		BlockNumber:     s.currentBlock(),
		GasUsed:         21000 + randomInt64(50000),
		GasPrice:        decimal.NewFromInt(15 + randomInt64(30)),
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id": record.TransactionID,
		"hash":           info.TransactionHash,
		"block":          info.BlockNumber,
		"network":        s.config.Network,
	}).Info("Trade settled on chain")

	return info, nil
}

func (s *simulatedSettlement) NetworkStatus(ctx context.Context) (*NetworkStatus, error) {
	return &NetworkStatus{
		Network:       s.config.Network,
		BlockHeight:   s.currentBlock(),
		LastBlockTime: time.Now(),
		IsHealthy:     true,
	}, nil
}

// currentBlock derives a monotonically increasing block number from a fixed
// genesis and a 12s block time
func (s *simulatedSettlement) currentBlock() int64 {
	return int64(time.Since(s.genesisTime) / (12 * time.Second))
}

func randomHash() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(buf), nil
}

func randomInt64(max int64) int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0
	}
	return n.Int64()
}
