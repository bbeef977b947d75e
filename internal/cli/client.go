package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/courier/internal/config"
	"github.com/shaiso/courier/internal/mq"
	"github.com/shaiso/courier/internal/repo"
)

// connectionName — имя соединения CLI в management UI.
const connectionName = "courier-cli"

// Client выполняет операторские операции над брокером и журналом.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger
	dial   mq.Dialer
}

// NewClient создаёт новый Client.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
	}
}

// PublishResult — результат одной публикации.
type PublishResult struct {
	SequenceNumber int64  `json:"sequence_number"`
	Exchange       string `json:"exchange"`
	RoutingKey     string `json:"routing_key"`
	Error          string `json:"error,omitempty"`
}

// QueueInfo — состояние очереди.
type QueueInfo struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

func (c *Client) connect(ctx context.Context) (*mq.Connection, error) {
	connCfg := c.cfg.ConnConfig(connectionName)
	connCfg.Dial = c.dial
	return mq.Connect(ctx, connCfg, c.cfg.Topology(), c.logger)
}

// Publish публикует count сообщений с номерами 1..count.
// routingKey переопределяет ключ из конфигурации.
// Ошибки отдельных публикаций попадают в результат; err — только ошибка подключения.
func (c *Client) Publish(ctx context.Context, payload, source, routingKey string, count int) ([]PublishResult, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	pub := mq.NewPublisher(conn, c.logger)
	exchange, defaultKey := conn.Topology().PublishTarget()

	results := make([]PublishResult, 0, count)
	for i := 1; i <= count; i++ {
		msg := mq.NewMessage(int64(i), payload, source, time.Now())
		res := PublishResult{SequenceNumber: msg.SequenceNumber, Exchange: exchange, RoutingKey: defaultKey}

		if routingKey == "" {
			err = pub.Publish(ctx, msg)
		} else {
			res.RoutingKey = routingKey
			var body []byte
			if body, err = msg.Encode(); err == nil {
				err = pub.PublishRaw(ctx, routingKey, body)
			}
		}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}

	return results, nil
}

// QueueStats возвращает число сообщений и consumers очереди.
func (c *Client) QueueStats(ctx context.Context) (QueueInfo, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return QueueInfo{}, err
	}
	defer conn.Close()

	var info QueueInfo
	err = conn.WithChannel(ctx, func(ch mq.Channel) error {
		q, err := ch.QueueDeclarePassive(c.cfg.QueueName, true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("inspect queue %s: %w", c.cfg.QueueName, err)
		}
		info = QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}
		return nil
	})
	return info, err
}

// Purge удаляет из очереди все готовые к доставке сообщения.
func (c *Client) Purge(ctx context.Context) (int, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var purged int
	err = conn.WithChannel(ctx, func(ch mq.Channel) error {
		n, err := ch.QueuePurge(c.cfg.QueueName, false)
		if err != nil {
			return fmt.Errorf("purge queue %s: %w", c.cfg.QueueName, err)
		}
		purged = n
		return nil
	})
	return purged, err
}

// DeclareTopology объявляет топологию и возвращает её.
func (c *Client) DeclareTopology(ctx context.Context) (mq.Topology, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return mq.Topology{}, err
	}
	defer conn.Close()
	return conn.Topology(), nil
}

// Journal возвращает последние записи журнала.
func (c *Client) Journal(ctx context.Context, limit int) ([]repo.ConsumedMessage, error) {
	pool, err := repo.NewPool(ctx, c.cfg.DBURL)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	return repo.NewMessageRepo(pool).Recent(ctx, limit)
}
