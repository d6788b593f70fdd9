package flow

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt/internal/subscription"
	"github.com/life-stream-dev/life-stream-mqtt/internal/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWait = 20 * time.Millisecond

// peer 通道的对端，持续读取并解码收到的报文
type peer struct {
	conn    net.Conn
	packets chan packet.Packet
}

func newPeer(t *testing.T) (*connection.Channel, *peer) {
	t.Helper()
	local, remote := net.Pipe()
	channel := connection.NewChannel(local, 0)
	p := &peer{conn: remote, packets: make(chan packet.Packet, 256)}
	go p.readLoop()
	t.Cleanup(func() {
		_ = channel.Close()
		_ = remote.Close()
	})
	return channel, p
}

func (p *peer) readLoop() {
	defer close(p.packets)
	framer := mqtt.NewFramer()
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			for frame, frameErr := range framer.Frames(buf[:n]) {
				if frameErr != nil {
					return
				}
				decoded, decodeErr := packet.Decode(frame)
				if decodeErr != nil {
					return
				}
				p.packets <- decoded
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *peer) expect(t *testing.T) packet.Packet {
	t.Helper()
	select {
	case received, ok := <-p.packets:
		require.True(t, ok, "connection closed")
		return received
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

// await 跳过其他类型的报文（例如重传），直到收到指定类型
func (p *peer) await(t *testing.T, kind mqtt.PacketType) packet.Packet {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case received, ok := <-p.packets:
			require.True(t, ok, "connection closed")
			if received.Type() == kind {
				return received
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s packet", kind)
			return nil
		}
	}
}

// quiet 等待在途的重传落地后确认不再收到报文
func (p *peer) quiet(t *testing.T) {
	t.Helper()
	time.Sleep(2 * testWait)
	for len(p.packets) > 0 {
		<-p.packets
	}
	select {
	case received := <-p.packets:
		t.Fatalf("unexpected %s packet", received.Type())
	case <-time.After(4 * testWait):
	}
}

type testEnv struct {
	deps     *Deps
	provider *ServerProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	deps := &Deps{
		MaxQoS:        mqtt.ExactlyOnce,
		WaitTimeout:   testWait,
		Connections:   connection.NewManager(),
		Store:         database.NewMemoryStore(),
		PacketIDs:     database.NewPacketIDAllocator(),
		Topics:        topic.NewEvaluator(true),
		Subscriptions: subscription.NewTree(),
	}
	t.Cleanup(deps.Connections.CloseAll)
	return &testEnv{deps: deps, provider: NewServerProvider(deps)}
}

// connect 建立一个已通过 CONNECT 的客户端
func (e *testEnv) connect(t *testing.T, clientID string, clean bool) (*connection.Channel, *peer) {
	t.Helper()
	channel, p := newPeer(t)
	_, err := e.provider.Connect.Accept(context.Background(), packet.Connect{ClientID: clientID, CleanSession: clean}, channel)
	require.NoError(t, err)
	require.IsType(t, packet.ConnectAck{}, p.expect(t))
	return channel, p
}

func (e *testEnv) subscribe(t *testing.T, clientID string, subscriptions ...database.Subscription) {
	t.Helper()
	_, err := e.deps.Store.UpdateSession(context.Background(), clientID, func(session *database.Session) bool {
		for _, subscription := range subscriptions {
			session.AddSubscription(subscription)
		}
		return true
	})
	require.NoError(t, err)
	for _, subscription := range subscriptions {
		e.deps.Subscriptions.Insert(clientID, subscription.TopicFilter, subscription.MaximumQoS)
	}
}

func (e *testEnv) session(t *testing.T, clientID string) database.Session {
	t.Helper()
	session, err := e.deps.Store.Sessions.Get(context.Background(), clientID)
	require.NoError(t, err)
	return session
}

// recorder 记录交付给应用的消息
type recorder struct {
	mu       sync.Mutex
	messages []packet.Publish
}

func (r *recorder) Dispatch(_ context.Context, _ string, p packet.Publish) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, p)
	return nil
}

func (r *recorder) Messages() []packet.Publish {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]packet.Publish(nil), r.messages...)
}

func TestServerProviderMapping(t *testing.T) {
	provider := NewServerProvider(&Deps{})

	tests := []struct {
		kind mqtt.PacketType
		want Flow
	}{
		{mqtt.CONNECT, provider.Connect},
		{mqtt.PUBLISH, provider.PublishReceiver},
		{mqtt.PUBREL, provider.PublishReceiver},
		{mqtt.PUBACK, provider.PublishSender},
		{mqtt.PUBREC, provider.PublishSender},
		{mqtt.PUBCOMP, provider.PublishSender},
		{mqtt.SUBSCRIBE, provider.Subscribe},
		{mqtt.UNSUBSCRIBE, provider.Unsubscribe},
		{mqtt.PINGREQ, provider.Ping},
		{mqtt.DISCONNECT, provider.Disconnect},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			got, err := provider.Get(tt.kind)
			require.NoError(t, err)
			assert.Same(t, tt.want, got)
		})
	}

	for _, kind := range []mqtt.PacketType{mqtt.CONNACK, mqtt.SUBACK, mqtt.UNSUBACK, mqtt.PINGRESP} {
		_, err := provider.Get(kind)
		assert.ErrorIs(t, err, ErrProtocolViolation, kind.String())
	}
}

func TestClientProviderMapping(t *testing.T) {
	provider := NewClientProvider(&Deps{}, &recorder{})

	for _, kind := range []mqtt.PacketType{mqtt.CONNACK, mqtt.SUBACK, mqtt.UNSUBACK, mqtt.PINGRESP} {
		got, err := provider.Get(kind)
		require.NoError(t, err)
		assert.Same(t, provider.Replies, got)
	}
	got, err := provider.Get(mqtt.PUBLISH)
	require.NoError(t, err)
	assert.Same(t, provider.PublishReceiver, got)
	got, err = provider.Get(mqtt.PUBCOMP)
	require.NoError(t, err)
	assert.Same(t, provider.PublishSender, got)

	for _, kind := range []mqtt.PacketType{mqtt.CONNECT, mqtt.SUBSCRIBE, mqtt.UNSUBSCRIBE, mqtt.PINGREQ, mqtt.DISCONNECT} {
		_, err := provider.Get(kind)
		assert.ErrorIs(t, err, ErrProtocolViolation, kind.String())
	}
}

func TestRepliesRouting(t *testing.T) {
	replies := NewReplies()
	ctx := context.Background()

	subAck := replies.Expect(mqtt.SUBACK, 3)
	connAck := replies.Expect(mqtt.CONNACK, 0)

	require.NoError(t, replies.Execute(ctx, "c", packet.SubscribeAck{PacketID: 4, ReturnCodes: []packet.SubscribeReturnCode{packet.SuccessQoS0}}, nil))
	require.NoError(t, replies.Execute(ctx, "c", packet.SubscribeAck{PacketID: 3, ReturnCodes: []packet.SubscribeReturnCode{packet.Failure}}, nil))
	require.NoError(t, replies.Execute(ctx, "c", packet.ConnectAck{SessionPresent: true}, nil))

	assert.Equal(t, packet.SubscribeAck{PacketID: 3, ReturnCodes: []packet.SubscribeReturnCode{packet.Failure}}, <-subAck)
	assert.Equal(t, packet.ConnectAck{SessionPresent: true}, <-connAck)

	unsubAck := replies.Expect(mqtt.UNSUBACK, 8)
	replies.Forget(mqtt.UNSUBACK, 8)
	require.NoError(t, replies.Execute(ctx, "c", packet.UnsubscribeAck{PacketID: 8}, nil))
	assert.Empty(t, unsubAck)

	assert.ErrorIs(t, replies.Execute(ctx, "c", packet.PingRequest{}, nil), ErrProtocolViolation)
}

func TestPingFlow(t *testing.T) {
	env := newTestEnv(t)
	channel, p := newPeer(t)

	require.NoError(t, env.provider.Ping.Execute(context.Background(), "c", packet.PingRequest{}, channel))
	assert.Equal(t, packet.PingResponse{}, p.expect(t))
	assert.ErrorIs(t, env.provider.Ping.Execute(context.Background(), "c", packet.PingResponse{}, channel), ErrProtocolViolation)
}
