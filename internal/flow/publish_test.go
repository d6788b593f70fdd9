package flow

import (
	"context"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// retryBudget 两次重传必须在两个等待周期内完成，另留少量调度余量
const retryBudget = 2*testWait + 15*time.Millisecond

func TestSenderQoS1Retransmission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	channel, p := env.connect(t, "sub", false)

	message := packet.Publish{Topic: "a/b", QoS: mqtt.AtLeastOnce, Payload: []byte("hello")}
	start := time.Now()
	id, err := env.provider.PublishSender.Send(ctx, "sub", channel, message)
	require.NoError(t, err)

	first := p.expect(t).(packet.Publish)
	assert.Equal(t, id, first.PacketID)
	assert.False(t, first.Duplicate)
	assert.NotZero(t, first.PacketID)

	// 不回复 PUBACK 时两个等待周期内至少重传两次
	for range 2 {
		resent := p.expect(t).(packet.Publish)
		assert.True(t, resent.Duplicate)
		assert.Equal(t, first.PacketID, resent.PacketID)
		assert.Equal(t, first.Payload, resent.Payload)
	}
	assert.Less(t, time.Since(start), retryBudget)

	pending := env.session(t, "sub").PendingMessages
	require.Len(t, pending, 1)
	assert.Equal(t, database.PendingToAcknowledge, pending[0].Status)

	require.NoError(t, env.provider.PublishSender.Execute(ctx, "sub", packet.PublishAck{PacketID: first.PacketID}, channel))
	p.quiet(t)
	assert.Empty(t, env.session(t, "sub").PendingMessages)
	assert.Equal(t, 0, channel.PendingRetries())
}

func TestSenderQoS2Retransmission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	channel, p := env.connect(t, "sub", false)

	var completed []uint16
	env.provider.PublishSender.OnComplete = func(_ string, packetID uint16) { completed = append(completed, packetID) }
	start := time.Now()
	_, err := env.provider.PublishSender.Send(ctx, "sub", channel, packet.Publish{Topic: "a", QoS: mqtt.ExactlyOnce, Payload: []byte("x")})
	require.NoError(t, err)
	first := p.expect(t).(packet.Publish)
	for range 2 {
		resent := p.expect(t).(packet.Publish)
		assert.True(t, resent.Duplicate)
		assert.Equal(t, first.PacketID, resent.PacketID)
	}
	assert.Less(t, time.Since(start), retryBudget)

	require.NoError(t, env.provider.PublishSender.Execute(ctx, "sub", packet.PublishReceived{PacketID: first.PacketID}, channel))
	release := packet.PublishRelease{PacketID: first.PacketID}
	start = time.Now()
	assert.Equal(t, release, p.await(t, mqtt.PUBREL))
	for range 2 {
		assert.Equal(t, release, p.await(t, mqtt.PUBREL))
	}
	assert.Less(t, time.Since(start), retryBudget)

	pending := env.session(t, "sub").PendingMessages
	require.Len(t, pending, 1)
	assert.Equal(t, database.PendingToComplete, pending[0].Status)

	assert.Empty(t, completed)
	require.NoError(t, env.provider.PublishSender.Execute(ctx, "sub", packet.PublishComplete{PacketID: first.PacketID}, channel))
	p.quiet(t)
	assert.Empty(t, env.session(t, "sub").PendingMessages)
	assert.Equal(t, 0, channel.PendingRetries())
	assert.Equal(t, []uint16{first.PacketID}, completed)
}

func TestSenderStopsRetryOnClose(t *testing.T) {
	env := newTestEnv(t)
	channel, p := env.connect(t, "sub", false)

	_, err := env.provider.PublishSender.Send(context.Background(), "sub", channel, packet.Publish{Topic: "a", QoS: mqtt.AtLeastOnce})
	require.NoError(t, err)
	p.expect(t)
	require.NoError(t, channel.Close())
	assert.Equal(t, 0, channel.PendingRetries())

	// 持久会话保留在途消息，恢复时重发
	assert.Len(t, env.session(t, "sub").PendingMessages, 1)
}

func TestReceiverAcknowledgesByQoS(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	channel, p := env.connect(t, "pub", true)
	delivered := &recorder{}
	receiver := NewPublishReceiverFlow(env.deps, delivered)

	require.NoError(t, receiver.Execute(ctx, "pub", packet.Publish{Topic: "q0"}, channel))
	require.NoError(t, receiver.Execute(ctx, "pub", packet.Publish{Topic: "q1", QoS: mqtt.AtLeastOnce, PacketID: 4}, channel))
	assert.Equal(t, packet.PublishAck{PacketID: 4}, p.expect(t))

	require.Len(t, delivered.Messages(), 2)
	assert.Equal(t, "q0", delivered.Messages()[0].Topic)
	assert.Equal(t, "q1", delivered.Messages()[1].Topic)
}

func TestReceiverQoS2(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	channel, p := env.connect(t, "pub", false)
	delivered := &recorder{}
	receiver := NewPublishReceiverFlow(env.deps, delivered)

	message := packet.Publish{Topic: "q2", QoS: mqtt.ExactlyOnce, PacketID: 11, Payload: []byte("once")}
	require.NoError(t, receiver.Execute(ctx, "pub", message, channel))
	assert.Equal(t, packet.PublishReceived{PacketID: 11}, p.expect(t))
	// 收到 PUBLISH 即交付
	assert.Len(t, delivered.Messages(), 1)
	assert.True(t, env.session(t, "pub").HasPendingRelease(11))

	// 没有 PUBREL 时重传 PUBREC
	assert.Equal(t, packet.PublishReceived{PacketID: 11}, p.expect(t))
	assert.Equal(t, packet.PublishReceived{PacketID: 11}, p.expect(t))

	// PUBREL 之前的重发不再交付
	require.NoError(t, receiver.Execute(ctx, "pub", message.WithDuplicate(), channel))
	assert.Len(t, delivered.Messages(), 1)

	require.NoError(t, receiver.Execute(ctx, "pub", packet.PublishRelease{PacketID: 11}, channel))
	assert.Equal(t, packet.PublishComplete{PacketID: 11}, p.await(t, mqtt.PUBCOMP))
	p.quiet(t)
	assert.False(t, env.session(t, "pub").HasPendingRelease(11))
	assert.Equal(t, 0, channel.PendingRetries())

	// 释放后的同一标识符是新消息
	require.NoError(t, receiver.Execute(ctx, "pub", message, channel))
	assert.Len(t, delivered.Messages(), 2)
	require.NoError(t, receiver.Execute(ctx, "pub", packet.PublishRelease{PacketID: 11}, channel))
}

func TestReceiverReleaseUnknownID(t *testing.T) {
	env := newTestEnv(t)
	channel, p := env.connect(t, "pub", true)

	require.NoError(t, env.provider.PublishReceiver.Execute(context.Background(), "pub", packet.PublishRelease{PacketID: 77}, channel))
	assert.Equal(t, packet.PublishComplete{PacketID: 77}, p.expect(t))
}

func TestBrokerRoutesToSubscribers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, publisher := env.connect(t, "pub", true)
	_, a := env.connect(t, "a", true)
	env.subscribe(t, "a", database.Subscription{TopicFilter: "sport/+", MaximumQoS: mqtt.AtLeastOnce})
	_, b := env.connect(t, "b", true)
	env.subscribe(t, "b",
		database.Subscription{TopicFilter: "sport/#", MaximumQoS: mqtt.AtMostOnce},
		database.Subscription{TopicFilter: "sport/tennis", MaximumQoS: mqtt.ExactlyOnce},
	)
	_, other := env.connect(t, "other", true)
	env.subscribe(t, "other", database.Subscription{TopicFilter: "news/#", MaximumQoS: mqtt.ExactlyOnce})

	publisherChannel, _ := env.deps.Connections.GetConnection("pub")
	message := packet.Publish{Topic: "sport/tennis", QoS: mqtt.ExactlyOnce, PacketID: 3, Payload: []byte("score")}
	require.NoError(t, env.provider.PublishReceiver.Execute(ctx, "pub", message, publisherChannel))
	assert.Equal(t, packet.PublishReceived{PacketID: 3}, publisher.expect(t))

	toA := a.expect(t).(packet.Publish)
	assert.Equal(t, mqtt.AtLeastOnce, toA.QoS)
	assert.False(t, toA.Retain)
	assert.Equal(t, []byte("score"), toA.Payload)

	// 重叠订阅只收到一份，QoS取最高
	toB := b.expect(t).(packet.Publish)
	assert.Equal(t, mqtt.ExactlyOnce, toB.QoS)
	assert.NotEqual(t, toA.PacketID, toB.PacketID)

	select {
	case received := <-other.packets:
		t.Fatalf("unexpected %s for non-matching subscriber", received.Type())
	case <-time.After(testWait / 2):
	}
}

func TestBrokerCapsQoS(t *testing.T) {
	env := newTestEnv(t)
	env.deps.MaxQoS = mqtt.AtMostOnce
	env.provider = NewServerProvider(env.deps)

	_, p := env.connect(t, "s", true)
	env.subscribe(t, "s", database.Subscription{TopicFilter: "#", MaximumQoS: mqtt.ExactlyOnce})

	count, err := env.provider.Broker.Route(context.Background(), packet.Publish{Topic: "x", QoS: mqtt.ExactlyOnce, PacketID: 1, Payload: []byte("1")})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, packet.Publish{Topic: "x", Payload: []byte("1")}, p.expect(t))

	// 发布者的QoS低于订阅时按发布者的QoS
	env.deps.MaxQoS = mqtt.ExactlyOnce
	env.provider = NewServerProvider(env.deps)
	_, err = env.provider.Broker.Route(context.Background(), packet.Publish{Topic: "y", QoS: mqtt.AtMostOnce, Payload: []byte("2")})
	require.NoError(t, err)
	assert.Equal(t, packet.Publish{Topic: "y", Payload: []byte("2")}, p.expect(t))
}

func TestBrokerQueuesForOfflinePersistentSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, clientID := range []string{"persistent", "clean"} {
		_, _, err := env.deps.Store.ResolveSession(ctx, clientID, clientID == "clean")
		require.NoError(t, err)
		env.subscribe(t, clientID, database.Subscription{TopicFilter: "alerts/#", MaximumQoS: mqtt.AtLeastOnce})
	}

	count, err := env.provider.Broker.Route(ctx, packet.Publish{Topic: "alerts/fire", QoS: mqtt.ExactlyOnce, PacketID: 9, Payload: []byte("!")})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	_, err = env.provider.Broker.Route(ctx, packet.Publish{Topic: "alerts/smoke", Payload: []byte("?")})
	require.NoError(t, err)

	pending := env.session(t, "persistent").PendingMessages
	require.Len(t, pending, 1)
	assert.Equal(t, database.PendingToSend, pending[0].Status)
	assert.Equal(t, packet.Publish{Topic: "alerts/fire", QoS: mqtt.AtLeastOnce, Payload: []byte("!")}, pending[0].Publish)
	assert.Empty(t, env.session(t, "clean").PendingMessages)

	// 重连后收到排队的消息
	channel, p := newPeer(t)
	_, err = env.provider.Connect.Accept(ctx, packet.Connect{ClientID: "persistent"}, channel)
	require.NoError(t, err)
	assert.Equal(t, packet.ConnectAck{SessionPresent: true, Status: packet.Accepted}, p.expect(t))
	resumed := p.expect(t).(packet.Publish)
	assert.Equal(t, "alerts/fire", resumed.Topic)
	assert.False(t, resumed.Duplicate)
	assert.NotZero(t, resumed.PacketID)
}

func TestBrokerRetainedMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.provider.Broker.Dispatch(ctx, "pub", packet.Publish{Topic: "status", QoS: mqtt.AtLeastOnce, Retain: true, Payload: []byte("up")}))
	stored, err := env.deps.Store.Retained.Get(ctx, "status")
	require.NoError(t, err)
	assert.Equal(t, database.RetainedMessage{Topic: "status", QoS: mqtt.AtLeastOnce, Payload: []byte("up")}, stored)

	require.NoError(t, env.provider.Broker.Dispatch(ctx, "pub", packet.Publish{Topic: "status", Retain: true, Payload: []byte("down")}))
	stored, err = env.deps.Store.Retained.Get(ctx, "status")
	require.NoError(t, err)
	assert.Equal(t, []byte("down"), stored.Payload)

	// 空负载删除保留消息
	require.NoError(t, env.provider.Broker.Dispatch(ctx, "pub", packet.Publish{Topic: "status", Retain: true}))
	_, err = env.deps.Store.Retained.Get(ctx, "status")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
