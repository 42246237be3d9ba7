package external

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"exchange-api/internal/models"
)

// EventPublisher is the notification sink for settled trades. Delivery is
// best-effort: the trade is already final when an event is published, and a
// publish failure never changes its outcome.
type EventPublisher interface {
	PublishTradeExecuted(ctx context.Context, event *TradeExecutedEvent) error
	PublishTradeFailed(ctx context.Context, event *TradeFailedEvent) error
	Close() error
}

// TradeExecutedEvent is pushed to the per-user notification channel after a
// trade settles. Amounts travel as strings to keep decimal precision intact.
type TradeExecutedEvent struct {
	EventID       string    `json:"event_id"`
	TransactionID string    `json:"transaction_id"`
	UserID        int64     `json:"user_id"`
	Type          string    `json:"type"` // "buy", "sell"
	KlojiAmount   string    `json:"kloji_amount"`
	UsdtAmount    string    `json:"usdt_amount"`
	Price         string    `json:"price"`
	TradingFee    string    `json:"trading_fee"`
	NetworkFee    string    `json:"network_fee"`
	KlojiBalance  string    `json:"kloji_balance"`
	UsdtBalance   string    `json:"usdt_balance"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// TradeFailedEvent notifies a user that a trade was rejected
type TradeFailedEvent struct {
	EventID   string    `json:"event_id"`
	UserID    int64     `json:"user_id"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// MessageQueueConfig configures the RabbitMQ publisher
type MessageQueueConfig struct {
	URL           string
	ExchangeName  string
	RetryAttempts int
	RetryDelay    time.Duration
	MessageTTL    time.Duration
}

type rabbitPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  *MessageQueueConfig
}

// NewEventPublisher connects to RabbitMQ and declares the trade topic exchange
func NewEventPublisher(config *MessageQueueConfig) (EventPublisher, error) {
	if config.ExchangeName == "" {
		config.ExchangeName = "exchange.trades"
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 2 * time.Second
	}
	if config.MessageTTL == 0 {
		config.MessageTTL = 24 * time.Hour
	}

	p := &rabbitPublisher{config: config}
	if err := p.connect(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *rabbitPublisher) connect() error {
	var err error
	p.conn, err = amqp.Dial(p.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = p.channel.ExchangeDeclare(
		p.config.ExchangeName, // name
		"topic",               // type
		true,                  // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", p.config.ExchangeName, err)
	}

	return nil
}

func (p *rabbitPublisher) PublishTradeExecuted(ctx context.Context, event *TradeExecutedEvent) error {
	routingKey := fmt.Sprintf("user.%d.trade.executed", event.UserID)
	return p.publish(ctx, routingKey, event)
}

func (p *rabbitPublisher) PublishTradeFailed(ctx context.Context, event *TradeFailedEvent) error {
	routingKey := fmt.Sprintf("user.%d.trade.failed", event.UserID)
	return p.publish(ctx, routingKey, event)
}

func (p *rabbitPublisher) publish(ctx context.Context, routingKey string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
		MessageId:    uuid.New().String(),
		DeliveryMode: amqp.Persistent,
		Expiration:   fmt.Sprintf("%d", p.config.MessageTTL.Milliseconds()),
	}

	var publishErr error
	for attempt := 0; attempt < p.config.RetryAttempts; attempt++ {
		publishErr = p.channel.PublishWithContext(ctx,
			p.config.ExchangeName, // exchange
			routingKey,            // routing key
			false,                 // mandatory
			false,                 // immediate
			publishing,
		)
		if publishErr == nil {
			return nil
		}

		if p.conn.IsClosed() {
			if reconnectErr := p.reconnect(); reconnectErr != nil {
				logrus.WithError(reconnectErr).Warn("Failed to reconnect to RabbitMQ")
			}
		}

		if attempt < p.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	return fmt.Errorf("failed to publish event after %d attempts: %w", p.config.RetryAttempts, publishErr)
}

func (p *rabbitPublisher) reconnect() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	return p.connect()
}

func (p *rabbitPublisher) Close() error {
	var errs []error

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing message queue: %v", errs)
	}

	return nil
}

// NewTradeExecutedEvent builds the notification payload from a settled record
// and the post-trade balances
func NewTradeExecutedEvent(record *models.Transaction, klojiAmount, usdtAmount string, balances models.PortfolioBalances) *TradeExecutedEvent {
	return &TradeExecutedEvent{
		EventID:       uuid.New().String(),
		TransactionID: record.TransactionID,
		UserID:        record.UserID,
		Type:          record.Type,
		KlojiAmount:   klojiAmount,
		UsdtAmount:    usdtAmount,
		Price:         record.Price.String(),
		TradingFee:    record.TradingFee.String(),
		NetworkFee:    record.NetworkFee.String(),
		KlojiBalance:  balances.Kloji.String(),
		UsdtBalance:   balances.Usdt.String(),
		ExecutedAt:    record.CreatedAt,
	}
}

// noopPublisher drops events; used when notifications are disabled
type noopPublisher struct{}

// NewNoopPublisher returns a publisher that logs and discards events
func NewNoopPublisher() EventPublisher {
	return &noopPublisher{}
}

func (n *noopPublisher) PublishTradeExecuted(ctx context.Context, event *TradeExecutedEvent) error {
	logrus.WithFields(logrus.Fields{
		"transaction_id": event.TransactionID,
		"user_id":        event.UserID,
	}).Debug("Notifications disabled, dropping trade-executed event")
	return nil
}

func (n *noopPublisher) PublishTradeFailed(ctx context.Context, event *TradeFailedEvent) error {
	return nil
}

func (n *noopPublisher) Close() error {
	return nil
}
