package events

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	channel string
	payload []byte
	err     error
	closed  bool
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisPublisher(t *testing.T) {
	client := &fakeRedis{}
	p := newRedisPublisher(client, "")
	require.NoError(t, p.Publish(context.Background(), New(KindActivation, "apps/firefox", nil)))
	assert.Equal(t, "openlaunch:events", client.channel)

	var decoded Event
	require.NoError(t, json.Unmarshal(client.payload, &decoded))
	assert.Equal(t, KindActivation, decoded.Kind)

	client.err = stdErrors.New("connection reset")
	assert.Error(t, p.Publish(context.Background(), New(KindActivation, "x", nil)))
	require.NoError(t, p.Close())
	assert.True(t, client.closed)
}

type fakeChannel struct {
	exchange, kind string
	key            string
	msg            amqp.Publishing
	declareErr     error
	closed         bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.exchange, f.kind = name, kind
	return f.declareErr
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

type fakeConn struct{ closed bool }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestRabbitMQPublisher(t *testing.T) {
	ch := &fakeChannel{}
	conn := &fakeConn{}
	p, err := newRabbitMQPublisher(conn, ch, RabbitMQConfig{})
	require.NoError(t, err)
	assert.Equal(t, amqp.ExchangeTopic, ch.kind)

	e := New(KindPluginState, "calc", nil)
	require.NoError(t, p.Publish(context.Background(), e))
	assert.Equal(t, "openlaunch.events", ch.exchange)
	assert.Equal(t, string(KindPluginState), ch.key)
	assert.Equal(t, e.ID, ch.msg.MessageId)
	assert.Equal(t, "application/json", ch.msg.ContentType)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
	assert.True(t, conn.closed)
}

func TestRabbitMQPublisherDeclareFailure(t *testing.T) {
	_, err := newRabbitMQPublisher(&fakeConn{}, &fakeChannel{declareErr: stdErrors.New("access refused")}, RabbitMQConfig{Exchange: "x"})
	assert.Error(t, err)
}
