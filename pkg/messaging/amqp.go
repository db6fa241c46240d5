package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"gb28181-gateway/pkg/config"
	"gb28181-gateway/pkg/metrics"
)

// AMQPClient publishes gateway events to an AMQP queue. Connection loss is
// tolerated: events published while disconnected are dropped with a log
// line, and a monitor goroutine keeps retrying the connection.
type AMQPClient struct {
	logger *logrus.Logger
	config config.AMQPConfig

	connMutex sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewAMQPClient creates an AMQP publisher for the given configuration
func NewAMQPClient(logger *logrus.Logger, cfg config.AMQPConfig) *AMQPClient {
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = cfg.QueueName
	}
	return &AMQPClient{
		logger:   logger,
		config:   cfg,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes the connection, declares the queue and starts the
// reconnect monitor
func (c *AMQPClient) Connect() error {
	if err := c.connect(); err != nil {
		return err
	}
	go c.monitorConnection()
	return nil
}

func (c *AMQPClient) connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}

	conn, err := amqp.DialConfig(c.config.URL, amqp.Config{
		Dial: amqp.DefaultDial(5 * time.Second),
	})
	if err != nil {
		metrics.AMQPConnectionErrors.Inc()
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		metrics.AMQPConnectionErrors.Inc()
		return err
	}

	if _, err := channel.QueueDeclare(
		c.config.QueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		metrics.AMQPConnectionErrors.Inc()
		return err
	}

	c.conn = conn
	c.channel = channel
	c.connected = true
	c.logger.WithField("queue", c.config.QueueName).Info("Connected to AMQP server")
	return nil
}

// monitorConnection watches for connection loss and reconnects with backoff
func (c *AMQPClient) monitorConnection() {
	for {
		c.connMutex.RLock()
		conn := c.conn
		c.connMutex.RUnlock()
		if conn == nil {
			return
		}

		closeChan := make(chan *amqp.Error, 1)
		conn.NotifyClose(closeChan)

		select {
		case <-c.stopChan:
			return
		case amqpErr := <-closeChan:
			c.connMutex.Lock()
			c.connected = false
			c.conn = nil
			c.channel = nil
			c.connMutex.Unlock()

			if amqpErr != nil {
				c.logger.WithError(amqpErr).Warn("AMQP connection lost, reconnecting")
				metrics.AMQPConnectionErrors.Inc()
			}

			for {
				select {
				case <-c.stopChan:
					return
				case <-time.After(5 * time.Second):
				}
				if err := c.connect(); err == nil {
					break
				}
				c.logger.Debug("AMQP reconnect attempt failed")
			}
		}
	}
}

// PublishEvent implements Publisher. Delivery problems are logged, never
// returned: event publishing is an observability side channel and must not
// affect the signaling paths that emit events.
func (c *AMQPClient) PublishEvent(event Event) {
	c.connMutex.RLock()
	channel := c.channel
	connected := c.connected
	c.connMutex.RUnlock()

	if !connected || channel == nil {
		c.logger.WithField("event_type", event.Type).Debug("AMQP not connected, dropping event")
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal gateway event")
		return
	}

	err = channel.Publish(
		"",                  // default exchange
		c.config.RoutingKey, // routing key
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		c.logger.WithError(err).WithField("event_type", event.Type).Warn("Failed to publish gateway event")
		return
	}
	metrics.AMQPPublishedMessages.WithLabelValues(event.Type).Inc()
}

// Close shuts down the connection and stops the monitor
func (c *AMQPClient) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })

	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}
