package flow

import (
	"context"
	"testing"

	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt/internal/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReturnCodes(t *testing.T) {
	env := newTestEnv(t)
	env.deps.MaxQoS = mqtt.AtLeastOnce
	env.provider = NewServerProvider(env.deps)
	channel, p := env.connect(t, "c", true)

	subscribe := packet.Subscribe{PacketID: 5, Subscriptions: []packet.Subscription{
		{TopicFilter: "a/b", QoS: mqtt.ExactlyOnce},
		{TopicFilter: "a/#/c", QoS: mqtt.AtLeastOnce},
		{TopicFilter: "+", QoS: mqtt.AtMostOnce},
	}}
	require.NoError(t, env.provider.Subscribe.Execute(context.Background(), "c", subscribe, channel))
	assert.Equal(t, packet.SubscribeAck{PacketID: 5, ReturnCodes: []packet.SubscribeReturnCode{
		packet.SuccessQoS1, packet.Failure, packet.SuccessQoS0,
	}}, p.expect(t))

	assert.Equal(t, []database.Subscription{
		{TopicFilter: "a/b", MaximumQoS: mqtt.AtLeastOnce},
		{TopicFilter: "+", MaximumQoS: mqtt.AtMostOnce},
	}, env.session(t, "c").Subscriptions)
	assert.Equal(t, map[string]mqtt.QoS{"c": mqtt.AtLeastOnce}, env.deps.Subscriptions.Match("a/b"))
	assert.Equal(t, map[string]mqtt.QoS{"c": mqtt.AtMostOnce}, env.deps.Subscriptions.Match("a"))
}

func TestSubscribeReplacesExistingFilter(t *testing.T) {
	env := newTestEnv(t)
	channel, p := env.connect(t, "c", true)
	ctx := context.Background()

	for i, qos := range []mqtt.QoS{mqtt.ExactlyOnce, mqtt.AtMostOnce} {
		subscribe := packet.Subscribe{PacketID: uint16(i + 1), Subscriptions: []packet.Subscription{{TopicFilter: "x/+", QoS: qos}}}
		require.NoError(t, env.provider.Subscribe.Execute(ctx, "c", subscribe, channel))
		p.expect(t)
	}
	assert.Equal(t, []database.Subscription{{TopicFilter: "x/+", MaximumQoS: mqtt.AtMostOnce}}, env.session(t, "c").Subscriptions)
}

func TestSubscribeWildcardsDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Topics = topic.NewEvaluator(false)
	env.provider = NewServerProvider(env.deps)
	channel, p := env.connect(t, "c", true)

	subscribe := packet.Subscribe{PacketID: 1, Subscriptions: []packet.Subscription{
		{TopicFilter: "a/+", QoS: mqtt.AtMostOnce},
		{TopicFilter: "a/b", QoS: mqtt.AtMostOnce},
	}}
	require.NoError(t, env.provider.Subscribe.Execute(context.Background(), "c", subscribe, channel))
	assert.Equal(t, packet.SubscribeAck{PacketID: 1, ReturnCodes: []packet.SubscribeReturnCode{packet.Failure, packet.SuccessQoS0}}, p.expect(t))
}

func TestSubscribeDeliversRetained(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.deps.Store.SaveRetained(ctx, database.RetainedMessage{Topic: "home/temp", QoS: mqtt.ExactlyOnce, Payload: []byte("21")}))
	require.NoError(t, env.deps.Store.SaveRetained(ctx, database.RetainedMessage{Topic: "office/temp", QoS: mqtt.AtMostOnce, Payload: []byte("19")}))
	channel, p := env.connect(t, "c", true)

	// 两个过滤器都匹配时保留消息只投递一次
	subscribe := packet.Subscribe{PacketID: 2, Subscriptions: []packet.Subscription{
		{TopicFilter: "home/+", QoS: mqtt.AtLeastOnce},
		{TopicFilter: "home/#", QoS: mqtt.AtMostOnce},
	}}
	require.NoError(t, env.provider.Subscribe.Execute(ctx, "c", subscribe, channel))
	assert.IsType(t, packet.SubscribeAck{}, p.expect(t))

	retained := p.expect(t).(packet.Publish)
	assert.True(t, retained.Retain)
	assert.Equal(t, "home/temp", retained.Topic)
	assert.Equal(t, mqtt.AtLeastOnce, retained.QoS)
	assert.Equal(t, []byte("21"), retained.Payload)

	require.NoError(t, env.provider.PublishSender.Execute(ctx, "c", packet.PublishAck{PacketID: retained.PacketID}, channel))
	p.quiet(t)
}

func TestUnsubscribe(t *testing.T) {
	env := newTestEnv(t)
	channel, p := env.connect(t, "c", true)
	env.subscribe(t, "c",
		database.Subscription{TopicFilter: "a", MaximumQoS: mqtt.AtMostOnce},
		database.Subscription{TopicFilter: "b", MaximumQoS: mqtt.AtMostOnce},
	)

	unsubscribe := packet.Unsubscribe{PacketID: 9, TopicFilters: []string{"a", "missing"}}
	require.NoError(t, env.provider.Unsubscribe.Execute(context.Background(), "c", unsubscribe, channel))
	assert.Equal(t, packet.UnsubscribeAck{PacketID: 9}, p.expect(t))
	assert.Equal(t, []database.Subscription{{TopicFilter: "b", MaximumQoS: mqtt.AtMostOnce}}, env.session(t, "c").Subscriptions)
	assert.Empty(t, env.deps.Subscriptions.Match("a"))
	assert.Contains(t, env.deps.Subscriptions.Match("b"), "c")

	unsubscribe = packet.Unsubscribe{PacketID: 10, TopicFilters: []string{"missing"}}
	require.NoError(t, env.provider.Unsubscribe.Execute(context.Background(), "c", unsubscribe, channel))
	assert.Equal(t, packet.UnsubscribeAck{PacketID: 10}, p.expect(t))
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("clean session", func(t *testing.T) {
		env := newTestEnv(t)
		channel, p := newPeer(t)
		will := &packet.Will{Topic: "w", Payload: []byte("gone")}
		_, err := env.provider.Connect.Accept(ctx, packet.Connect{ClientID: "c", CleanSession: true, Will: will}, channel)
		require.NoError(t, err)
		p.expect(t)
		env.subscribe(t, "c", database.Subscription{TopicFilter: "a", MaximumQoS: mqtt.AtMostOnce})

		require.NoError(t, env.provider.Disconnect.Execute(ctx, "c", packet.Disconnect{}, channel))
		assert.False(t, channel.IsConnected())
		assert.Empty(t, env.deps.Connections.ActiveClients())
		_, err = env.deps.Store.Wills.Get(ctx, "c")
		assert.ErrorIs(t, err, database.ErrNotFound)
		_, err = env.deps.Store.Sessions.Get(ctx, "c")
		assert.ErrorIs(t, err, database.ErrNotFound)
		assert.Zero(t, env.deps.Subscriptions.Clients())
	})

	t.Run("persistent session", func(t *testing.T) {
		env := newTestEnv(t)
		channel, _ := env.connect(t, "c", false)
		env.subscribe(t, "c", database.Subscription{TopicFilter: "a", MaximumQoS: mqtt.AtLeastOnce})

		require.NoError(t, env.provider.Disconnect.Execute(ctx, "c", packet.Disconnect{}, channel))
		assert.False(t, channel.IsConnected())
		assert.Len(t, env.session(t, "c").Subscriptions, 1)
		assert.Equal(t, 1, env.deps.Subscriptions.Clients())
	})

	t.Run("taken over connection keeps new session", func(t *testing.T) {
		env := newTestEnv(t)
		old, _ := env.connect(t, "c", true)
		env.connect(t, "c", true)

		require.NoError(t, env.provider.Disconnect.Execute(ctx, "c", packet.Disconnect{}, old))
		assert.Equal(t, []string{"c"}, env.deps.Connections.ActiveClients())
		env.session(t, "c")
	})
}
