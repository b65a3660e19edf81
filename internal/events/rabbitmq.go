package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	amqp "github.com/rabbitmq/amqp091-go"

	"OpenLaunch/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 发布通道。
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher 把事件发布到 topic 交换机，路由键为事件类型。
type RabbitMQPublisher struct {
	conn     io.Closer
	ch       amqpChannel
	exchange string
}

// NewRabbitMQPublisher 建立连接并声明交换机。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(errors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(errors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	p, err := newRabbitMQPublisher(conn, ch, cfg)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return p, nil
}

func newRabbitMQPublisher(conn io.Closer, ch amqpChannel, cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "openlaunch.events"
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		return nil, errors.Wrap(errors.CodeQueueFailure, err, "声明 RabbitMQ 交换机失败")
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish 发布事件。
func (p *RabbitMQPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.ch == nil {
		return fmt.Errorf("RabbitMQ 发布者未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, string(event.Kind), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   event.ID,
		Timestamp:   event.Time,
		Type:        string(event.Kind),
		Body:        body,
	})
}

// Close 关闭 channel 与连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
