package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"exchange-api/internal/models"
)

// ErrPortfolioNotFound is returned when a user has no portfolio yet
var ErrPortfolioNotFound = errors.New("portfolio not found")

// PortfolioRepository persists per-user balance records
type PortfolioRepository interface {
	Create(ctx context.Context, portfolio *models.Portfolio) error
	GetByUserID(ctx context.Context, userID int64) (*models.Portfolio, error)
	GetOrCreate(ctx context.Context, userID int64, startingUsdt decimal.Decimal) (*models.Portfolio, error)
	Update(ctx context.Context, portfolio *models.Portfolio) error
	GetTopByValue(ctx context.Context, limit int) ([]*models.Portfolio, error)
	CreateIndexes(ctx context.Context) error
}

type portfolioRepository struct {
	collection *mongo.Collection
}

func NewPortfolioRepository(db *mongo.Database) PortfolioRepository {
	return &portfolioRepository{
		collection: db.Collection("portfolios"),
	}
}

func (r *portfolioRepository) Create(ctx context.Context, portfolio *models.Portfolio) error {
	result, err := r.collection.InsertOne(ctx, portfolio)
	if err != nil {
		return fmt.Errorf("failed to create portfolio: %w", err)
	}

	portfolio.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *portfolioRepository) GetByUserID(ctx context.Context, userID int64) (*models.Portfolio, error) {
	var portfolio models.Portfolio
	err := r.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&portfolio)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrPortfolioNotFound
		}
		return nil, fmt.Errorf("failed to get portfolio for user %d: %w", userID, err)
	}
	return &portfolio, nil
}

// GetOrCreate returns the user's portfolio, creating it with the starting
// USDT grant on first access
func (r *portfolioRepository) GetOrCreate(ctx context.Context, userID int64, startingUsdt decimal.Decimal) (*models.Portfolio, error) {
	portfolio, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return portfolio, nil
	}
	if !errors.Is(err, ErrPortfolioNotFound) {
		return nil, err
	}

	portfolio = models.NewPortfolio(userID, startingUsdt)

	if err := r.Create(ctx, portfolio); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// concurrent first access created it already
			return r.GetByUserID(ctx, userID)
		}
		return nil, err
	}

	return portfolio, nil
}

func (r *portfolioRepository) Update(ctx context.Context, portfolio *models.Portfolio) error {
	portfolio.UpdatedAt = time.Now()

	filter := bson.M{"_id": portfolio.ID}
	update := bson.M{"$set": portfolio}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update portfolio: %w", err)
	}

	if result.MatchedCount == 0 {
		return fmt.Errorf("portfolio not found for update")
	}

	return nil
}

func (r *portfolioRepository) GetTopByValue(ctx context.Context, limit int) ([]*models.Portfolio, error) {
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.M{"total_value.usd": -1})

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get top portfolios: %w", err)
	}
	defer cursor.Close(ctx)

	var portfolios []*models.Portfolio
	for cursor.Next(ctx) {
		var portfolio models.Portfolio
		if err := cursor.Decode(&portfolio); err != nil {
			continue
		}
		portfolios = append(portfolios, &portfolio)
	}

	return portfolios, cursor.Err()
}

// CreateIndexes creates necessary indexes for the portfolio collection
func (r *portfolioRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "total_value.usd", Value: -1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create portfolio indexes: %w", err)
	}

	return nil
}
