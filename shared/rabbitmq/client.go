package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string // optional, the default exchange is used when empty
	ExchangeType       string
	ExchangeDurable    bool
	InboundQueue       string
	OutboundQueue      string
	QueueDurable       bool
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URL renders the AMQP connection URL with credentials escaped
func (c *Config) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}

	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// Client represents a RabbitMQ client
type Client struct {
	config      *Config
	mu          sync.Mutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected bool
	generation  uint64
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:      config,
		logger:      logger,
		closeChan:   make(chan *amqp.Error),
		isConnected: false,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic.
// Callers other than NewClient must hold c.mu.
func (c *Client) connect() error {
	var err error

	dsn := c.config.URL()

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	// Create channel
	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	// Setup exchange and queues
	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange and queues: %w", err)
	}

	// Monitor connection
	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true
	c.generation++

	c.logger.Info("RabbitMQ client initialized",
		slog.String("inbound_queue", c.config.InboundQueue),
		slog.String("outbound_queue", c.config.OutboundQueue),
		slog.Uint64("generation", c.generation),
	)

	return nil
}

// setup declares the inbound and outbound queues and the optional exchange binding
func (c *Client) setup() error {
	for _, name := range []string{c.config.InboundQueue, c.config.OutboundQueue} {
		_, err := c.channel.QueueDeclare(
			name,                  // name
			c.config.QueueDurable, // durable
			false,                 // auto-delete
			false,                 // exclusive
			false,                 // no-wait
			nil,                   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}

	if c.config.ExchangeName == "" {
		return nil
	}

	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,    // name
		c.config.ExchangeType,    // type
		c.config.ExchangeDurable, // durable
		false,                    // auto-deleted
		false,                    // internal
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	err = c.channel.QueueBind(
		c.config.OutboundQueue, // queue name
		c.config.OutboundQueue, // routing key
		c.config.ExchangeName,  // exchange
		false,                  // no-wait
		nil,                    // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// ensureConnected reopens the connection when the broker closed the channel.
// Callers must hold c.mu.
func (c *Client) ensureConnected() error {
	select {
	case amqpErr, ok := <-c.closeChan:
		if ok || amqpErr != nil {
			c.logger.Warn("RabbitMQ channel closed",
				slog.Any("error", amqpErr),
			)
		}
		c.isConnected = false
	default:
	}

	if c.isConnected && c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	c.isConnected = false
	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}

	return c.connect()
}

// Get fetches at most one message from queue without auto-ack.
// The returned generation identifies the channel the delivery tag belongs to.
func (c *Client) Get(queue string) (amqp.Delivery, bool, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return amqp.Delivery{}, false, 0, err
	}

	delivery, ok, err := c.channel.Get(queue, false)
	if err != nil {
		c.isConnected = false
		return amqp.Delivery{}, false, 0, fmt.Errorf("failed to get message from %s: %w", queue, err)
	}

	return delivery, ok, c.generation, nil
}

// Ack acknowledges a delivery received on the given channel generation.
// Tags from a previous generation were already returned to the queue by the
// broker when that channel closed, so acknowledging them is a no-op.
func (c *Client) Ack(generation, tag uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation || !c.isConnected {
		c.logger.Warn("Skipping ack for delivery from a closed channel",
			slog.Uint64("delivery_tag", tag),
			slog.Uint64("generation", generation),
		)
		return nil
	}

	if err := c.channel.Ack(tag, false); err != nil {
		c.isConnected = false
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack negatively acknowledges a delivery, optionally returning it to the queue
func (c *Client) Nack(generation, tag uint64, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation || !c.isConnected {
		c.logger.Warn("Skipping nack for delivery from a closed channel",
			slog.Uint64("delivery_tag", tag),
			slog.Uint64("generation", generation),
		)
		return nil
	}

	if err := c.channel.Nack(tag, false, requeue); err != nil {
		c.isConnected = false
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}

// PublishWithRetry publishes a message to queue with retry logic and exponential backoff
func (c *Client) PublishWithRetry(ctx context.Context, queue string, msg amqp.Publishing) error {
	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0 // default
	}

	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.publish(ctx, queue, msg)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.Int("body_size", len(msg.Body)),
				)
			} else {
				c.logger.Debug("Message published to RabbitMQ",
					slog.String("queue", queue),
					slog.Int("body_size", len(msg.Body)),
					slog.String("content_type", msg.ContentType),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("failed to publish message: %w", ctx.Err())
			}
			delay = time.Duration(float64(delay) * backoffMult)
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *Client) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return err
	}

	routingKey := queue
	err := c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName, // exchange
		routingKey,            // routing key
		false,                 // mandatory
		false,                 // immediate
		msg,
	)
	if err != nil {
		c.isConnected = false
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}
