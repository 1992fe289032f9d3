package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/flybeeper/segment-pipeline/internal/config"
	"github.com/flybeeper/segment-pipeline/internal/metrics"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

// ConnectTimeout ожидание первого подключения к брокеру
const ConnectTimeout = 10 * time.Second

// MessageHandler обработчик разобранного payload. Ошибка означает, что
// сообщения отчета не приняты.
type MessageHandler func(report *Report) error

// Client подписчик на отчеты о позициях судов. Без обработчика клиент
// только публикует (команда publish).
type Client struct {
	client   paho.Client
	cfg      *config.MQTTConfig
	logger   *utils.Logger
	parser   *Parser
	handler  MessageHandler
	inflight sync.WaitGroup
}

// NewClient создает клиента, подключение выполняет Connect
func NewClient(cfg *config.MQTTConfig, logger *utils.Logger, handler MessageHandler) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger.WithField("broker", cfg.URL),
		parser:  NewParser(logger),
		handler: handler,
	}
	c.client = paho.NewClient(c.options())
	return c, nil
}

// options переподключение без ограничения попыток, подписка
// восстанавливается в onConnect
func (c *Client) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.URL).
		SetClientID(c.cfg.ClientID).
		SetCleanSession(c.cfg.CleanSession).
		SetOrderMatters(c.cfg.OrderMatters).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}
	return opts
}

func (c *Client) onConnect(client paho.Client) {
	metrics.MQTTConnectionStatus.Set(1)
	c.logger.Info("Connected to MQTT broker")

	if c.handler == nil {
		return
	}
	token := client.Subscribe(c.cfg.Topic, c.cfg.QoS, c.onMessage)
	if token.Wait() && token.Error() != nil {
		c.logger.WithField("topic", c.cfg.Topic).WithError(token.Error()).Error("Failed to subscribe to position topic")
		return
	}
	c.logger.WithField("topic", c.cfg.Topic).Info("Subscribed to position topic")
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	metrics.MQTTConnectionStatus.Set(0)
	c.logger.WithError(err).Warn("Lost connection to MQTT broker, reconnecting")
}

// Connect ждет первого подключения не дольше ConnectTimeout. При неудаче
// попытки переподключения прекращаются.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("Connecting to MQTT broker")

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.cfg.URL, err)
		}
		return nil
	case <-ctx.Done():
		c.client.Disconnect(0)
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.cfg.URL, ctx.Err())
	}
}

// Disconnect закрывает соединение и ждет обработки принятых сообщений
func (c *Client) Disconnect() {
	if c.client.IsConnectionOpen() {
		c.client.Disconnect(1000)
	}
	c.inflight.Wait()
	metrics.MQTTConnectionStatus.Set(0)
	c.logger.Info("MQTT client disconnected")
}

// IsConnected true, пока соединение открыто. Во время переподключения false.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.handleMessage(msg.Topic(), msg.Payload())
	}()
}

// handleMessage разбирает payload и передает отчет обработчику
func (c *Client) handleMessage(topic string, payload []byte) {
	report, err := c.parser.Parse(topic, payload)
	if err != nil {
		metrics.MQTTParseErrors.Inc()
		c.logger.WithFields(map[string]interface{}{
			"topic":        topic,
			"payload_size": len(payload),
		}).WithError(err).Warn("Dropping unparsable position payload")
		return
	}

	if n := len(report.Malformed); n > 0 {
		metrics.MQTTMessagesReceived.WithLabelValues("malformed").Add(float64(n))
		metrics.MalformedMessages.WithLabelValues("ingest").Add(float64(n))
	}

	accepted := float64(len(report.Messages))
	if err := c.handler(report); err != nil {
		metrics.MQTTMessagesReceived.WithLabelValues("rejected").Add(accepted)
		c.logger.WithFields(map[string]interface{}{
			"source":   report.Source,
			"messages": len(report.Messages),
		}).WithError(err).Error("Position report rejected")
		return
	}
	metrics.MQTTMessagesReceived.WithLabelValues("accepted").Add(accepted)
}

// Publish отправляет payload с QoS из конфигурации
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
