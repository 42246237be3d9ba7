package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"exchange-api/internal/models"
)

// TransactionRepository persists the append-only trade journal
type TransactionRepository interface {
	Create(ctx context.Context, transaction *models.Transaction) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Transaction, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error)
	GetUserHistory(ctx context.Context, userID int64, filter *TransactionFilter) ([]*models.Transaction, error)
	CountUserHistory(ctx context.Context, userID int64, filter *TransactionFilter) (int64, error)
	GetUserStats(ctx context.Context, userID int64, since time.Time) (*TransactionStats, error)
	AttachSettlement(ctx context.Context, transactionID string, settlement models.SettlementInfo) error
	CreateIndexes(ctx context.Context) error
}

// TransactionFilter narrows history queries. Zero values mean "no filter".
type TransactionFilter struct {
	Type   string
	Status string
	Token  string
	Page   int
	Limit  int
}

// TransactionStats aggregates a user's completed trades over a period
type TransactionStats struct {
	TotalTrades int64            `json:"total_trades"`
	TotalVolume decimal.Decimal  `json:"total_volume"`
	TotalFees   decimal.Decimal  `json:"total_fees"`
	ByType      map[string]int64 `json:"by_type"`
	ByStatus    map[string]int64 `json:"by_status"`
}

type transactionRepository struct {
	collection *mongo.Collection
}

func NewTransactionRepository(db *mongo.Database) TransactionRepository {
	return &transactionRepository{
		collection: db.Collection("transactions"),
	}
}

func (r *transactionRepository) Create(ctx context.Context, transaction *models.Transaction) error {
	if err := transaction.Validate(); err != nil {
		return fmt.Errorf("invalid transaction record: %w", err)
	}

	result, err := r.collection.InsertOne(ctx, transaction)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	transaction.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *transactionRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Transaction, error) {
	var transaction models.Transaction
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("transaction not found")
		}
		return nil, fmt.Errorf("failed to get transaction by ID: %w", err)
	}
	return &transaction, nil
}

func (r *transactionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	var transaction models.Transaction
	err := r.collection.FindOne(ctx, bson.M{"transaction_id": transactionID}).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("transaction not found with ID %s", transactionID)
		}
		return nil, fmt.Errorf("failed to get transaction by transaction ID: %w", err)
	}
	return &transaction, nil
}

func historyQuery(userID int64, filter *TransactionFilter) bson.M {
	query := bson.M{"user_id": userID}
	if filter == nil {
		return query
	}

	if filter.Type != "" {
		query["type"] = filter.Type
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.Token != "" {
		query["token"] = filter.Token
	}

	return query
}

func (r *transactionRepository) GetUserHistory(ctx context.Context, userID int64, filter *TransactionFilter) ([]*models.Transaction, error) {
	page, limit := 1, 20
	if filter != nil {
		if filter.Page > 0 {
			page = filter.Page
		}
		if filter.Limit > 0 {
			limit = filter.Limit
		}
	}

	opts := options.Find().
		SetSort(bson.M{"created_at": -1}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, historyQuery(userID, filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get user history: %w", err)
	}
	defer cursor.Close(ctx)

	var transactions []*models.Transaction
	for cursor.Next(ctx) {
		var transaction models.Transaction
		if err := cursor.Decode(&transaction); err != nil {
			continue
		}
		transactions = append(transactions, &transaction)
	}

	return transactions, cursor.Err()
}

func (r *transactionRepository) CountUserHistory(ctx context.Context, userID int64, filter *TransactionFilter) (int64, error) {
	count, err := r.collection.CountDocuments(ctx, historyQuery(userID, filter))
	if err != nil {
		return 0, fmt.Errorf("failed to count user history: %w", err)
	}
	return count, nil
}

// GetUserStats aggregates completed trades since the given time. The pipeline
// only filters and projects; the sums are computed client-side in decimal
// arithmetic.
func (r *transactionRepository) GetUserStats(ctx context.Context, userID int64, since time.Time) (*TransactionStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"user_id":    userID,
			"created_at": bson.M{"$gte": since},
		}}},
		{{Key: "$project", Value: bson.M{
			"type":        1,
			"status":      1,
			"total_value": 1,
			"network_fee": 1,
			"trading_fee": 1,
		}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate user stats: %w", err)
	}
	defer cursor.Close(ctx)

	stats := &TransactionStats{
		TotalVolume: decimal.Zero,
		TotalFees:   decimal.Zero,
		ByType:      make(map[string]int64),
		ByStatus:    make(map[string]int64),
	}

	for cursor.Next(ctx) {
		var row struct {
			Type       string          `bson:"type"`
			Status     string          `bson:"status"`
			TotalValue decimal.Decimal `bson:"total_value"`
			NetworkFee decimal.Decimal `bson:"network_fee"`
			TradingFee decimal.Decimal `bson:"trading_fee"`
		}
		if err := cursor.Decode(&row); err != nil {
			continue
		}

		stats.ByStatus[row.Status]++
		if row.Status != models.StatusCompleted {
			continue
		}

		stats.TotalTrades++
		stats.ByType[row.Type]++
		stats.TotalVolume = stats.TotalVolume.Add(row.TotalValue)
		stats.TotalFees = stats.TotalFees.Add(row.NetworkFee).Add(row.TradingFee)
	}

	return stats, cursor.Err()
}

// AttachSettlement appends on-chain settlement details to a final record
func (r *transactionRepository) AttachSettlement(ctx context.Context, transactionID string, settlement models.SettlementInfo) error {
	filter := bson.M{"transaction_id": transactionID}
	update := bson.M{
		"$set": bson.M{
			"settlement": settlement,
			"updated_at": time.Now(),
		},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to attach settlement: %w", err)
	}

	if result.MatchedCount == 0 {
		return fmt.Errorf("transaction not found for settlement: %s", transactionID)
	}

	return nil
}

// CreateIndexes creates necessary indexes for the transaction collection
func (r *transactionRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "transaction_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
		},
		{
			Keys: bson.D{
				{Key: "type", Value: 1},
				{Key: "status", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "token", Value: 1},
				{Key: "created_at", Value: -1},
			},
		},
		{
			Keys:    bson.D{{Key: "settlement.transaction_hash", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create transaction indexes: %w", err)
	}

	return nil
}
