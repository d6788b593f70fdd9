// Package client 实现MQTT客户端端点，使用客户端流程表处理服务端报文
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-mqtt/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/flow"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt/internal/topic"
	"github.com/life-stream-dev/life-stream-mqtt/internal/transport"
)

var (
	ErrTimeout          = errors.New("timed out waiting for reply")
	ErrKeepAliveTimeout = errors.New("no PINGRESP within wait timeout")
)

// MessageHandler 收到应用消息时在接收协程中调用
type MessageHandler func(p packet.Publish)

type Options struct {
	ClientID     string
	CleanSession bool
	KeepAlive    time.Duration
	WaitTimeout  time.Duration
	Username     *string
	Password     []byte
	Will         *packet.Will
	// 在途消息的本地存储，缺省为内存存储
	Store             *database.Store
	ReceiveBufferSize int
	OnMessage         MessageHandler
}

type Client struct {
	options  Options
	deps     *flow.Deps
	provider *flow.ClientProvider
	channel  *connection.Channel

	sessionPresent bool
	lastActivity   atomic.Int64
	done           chan struct{}

	mu       sync.Mutex
	inflight map[uint16]chan struct{}
}

// Dial 按地址建立传输连接并完成 CONNECT 握手
func Dial(ctx context.Context, address string, options Options) (*Client, error) {
	conn, err := transport.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	c, err := Connect(ctx, conn, options)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Connect 在已建立的传输连接上完成 CONNECT 握手，服务端拒绝时返回 *packet.ConnectRejectedError
func Connect(ctx context.Context, conn io.ReadWriteCloser, options Options) (*Client, error) {
	if options.WaitTimeout <= 0 {
		options.WaitTimeout = flow.DefaultWaitTimeout
	}
	if options.Store == nil {
		options.Store = database.NewMemoryStore()
	}
	if options.ClientID == "" {
		options.CleanSession = true
		options.ClientID = uuid.NewString()
	}

	c := &Client{
		options:  options,
		done:     make(chan struct{}),
		inflight: make(map[uint16]chan struct{}),
	}
	c.deps = &flow.Deps{
		MaxQoS:      mqtt.ExactlyOnce,
		WaitTimeout: options.WaitTimeout,
		Store:       options.Store,
		PacketIDs:   database.NewPacketIDAllocator(),
		Topics:      topic.NewEvaluator(true),
	}
	c.provider = flow.NewClientProvider(c.deps, flow.DispatcherFunc(c.deliver))
	c.provider.PublishSender.OnComplete = c.completed

	if _, _, err := options.Store.ResolveSession(ctx, options.ClientID, options.CleanSession); err != nil {
		return nil, err
	}

	c.channel = connection.NewChannel(conn, options.ReceiveBufferSize)
	connAck := c.provider.Replies.Expect(mqtt.CONNACK, 0)
	go c.run()

	connect := packet.Connect{
		ClientID:     options.ClientID,
		CleanSession: options.CleanSession,
		KeepAlive:    uint16(options.KeepAlive / time.Second),
		Will:         options.Will,
		Username:     options.Username,
		Password:     options.Password,
	}
	if err := c.send(connect); err != nil {
		_ = c.channel.Close()
		return nil, err
	}

	reply, err := c.await(ctx, connAck)
	if err != nil {
		_ = c.channel.CloseWithError(err)
		return nil, err
	}
	ack := reply.(packet.ConnectAck)
	if ack.Status != packet.Accepted {
		err := &packet.ConnectRejectedError{Code: ack.Status, Reason: "rejected by server"}
		_ = c.channel.CloseWithError(err)
		return nil, err
	}
	c.sessionPresent = ack.SessionPresent

	if err := c.restoreSession(ctx); err != nil {
		_ = c.channel.CloseWithError(err)
		return nil, err
	}
	if options.KeepAlive > 0 {
		go c.keepAliveLoop()
	}
	logger.InfoF("[%s] Connected, session present: %v", options.ClientID, ack.SessionPresent)
	return c, nil
}

// restoreSession 服务端保留会话时重发在途消息，否则本地在途状态作废
func (c *Client) restoreSession(ctx context.Context) error {
	if c.sessionPresent {
		return c.provider.PublishSender.Resume(ctx, c.options.ClientID, c.channel)
	}
	_, err := c.options.Store.UpdateSession(ctx, c.options.ClientID, func(session *database.Session) bool {
		changed := len(session.PendingMessages) > 0 || len(session.PendingReleases) > 0
		session.PendingMessages = nil
		session.PendingReleases = nil
		return changed
	})
	return err
}

func (c *Client) ClientID() string { return c.options.ClientID }

func (c *Client) SessionPresent() bool { return c.sessionPresent }

// Done 连接结束后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error { return c.channel.Err() }

func (c *Client) run() {
	defer close(c.done)
	ctx := context.Background()
	for p := range c.channel.Packets() {
		c.touch()
		f, err := c.provider.Get(p.Type())
		if err == nil {
			err = f.Execute(ctx, c.options.ClientID, p, c.channel)
		}
		if err != nil {
			logger.ErrorF("[%s] Fail to handle %s packet, details: %v", c.options.ClientID, p.Type(), err)
			_ = c.channel.CloseWithError(err)
		}
	}
	connection.HandleReadError(c.options.ClientID, c.channel.Err())
}

func (c *Client) deliver(_ context.Context, _ string, p packet.Publish) error {
	if c.options.OnMessage != nil {
		c.options.OnMessage(p)
	}
	return nil
}

func (c *Client) completed(_ string, packetID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.inflight[packetID]; ok {
		close(ch)
		delete(c.inflight, packetID)
	}
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) send(p packet.Packet) error {
	c.touch()
	return c.channel.Send(p)
}

func (c *Client) await(ctx context.Context, reply <-chan packet.Packet) (packet.Packet, error) {
	timer := time.NewTimer(c.options.WaitTimeout)
	defer timer.Stop()
	select {
	case p := <-reply:
		return p, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		select {
		case p := <-reply:
			return p, nil
		default:
		}
		if err := c.channel.Err(); err != nil {
			return nil, err
		}
		return nil, connection.ErrChannelClosed
	}
}

// Publish 发送一条应用消息。QoS > 0 时返回的通道在收到 PUBACK 或 PUBCOMP 后关闭，
// 未确认前按等待超时自动重传
func (c *Client) Publish(ctx context.Context, p packet.Publish) (<-chan struct{}, error) {
	c.touch()
	acknowledged := make(chan struct{})
	if p.QoS == mqtt.AtMostOnce {
		if _, err := c.provider.PublishSender.Send(ctx, c.options.ClientID, c.channel, p); err != nil {
			return nil, err
		}
		close(acknowledged)
		return acknowledged, nil
	}

	// 写出之前登记等待，确认可能先于 SendWithID 返回到达
	p.PacketID = c.deps.PacketIDs.Next()
	c.mu.Lock()
	c.inflight[p.PacketID] = acknowledged
	c.mu.Unlock()

	if err := c.provider.PublishSender.SendWithID(ctx, c.options.ClientID, c.channel, p); err != nil {
		c.mu.Lock()
		delete(c.inflight, p.PacketID)
		c.mu.Unlock()
		return nil, err
	}
	return acknowledged, nil
}

// PublishAndWait 发送并等待发送流程完成
func (c *Client) PublishAndWait(ctx context.Context, p packet.Publish) error {
	acknowledged, err := c.Publish(ctx, p)
	if err != nil {
		return err
	}
	select {
	case <-acknowledged:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return connection.ErrChannelClosed
	}
}

// Subscribe 返回的返回码与请求顺序一致
func (c *Client) Subscribe(ctx context.Context, subscriptions ...packet.Subscription) ([]packet.SubscribeReturnCode, error) {
	packetID := c.deps.PacketIDs.Next()
	reply := c.provider.Replies.Expect(mqtt.SUBACK, packetID)
	defer c.provider.Replies.Forget(mqtt.SUBACK, packetID)

	if err := c.send(packet.Subscribe{PacketID: packetID, Subscriptions: subscriptions}); err != nil {
		return nil, err
	}
	p, err := c.await(ctx, reply)
	if err != nil {
		return nil, err
	}
	ack := p.(packet.SubscribeAck)
	if len(ack.ReturnCodes) != len(subscriptions) {
		return nil, fmt.Errorf("%w: SUBACK carries %d return codes for %d subscriptions", flow.ErrProtocolViolation, len(ack.ReturnCodes), len(subscriptions))
	}
	return ack.ReturnCodes, nil
}

func (c *Client) Unsubscribe(ctx context.Context, topicFilters ...string) error {
	packetID := c.deps.PacketIDs.Next()
	reply := c.provider.Replies.Expect(mqtt.UNSUBACK, packetID)
	defer c.provider.Replies.Forget(mqtt.UNSUBACK, packetID)

	if err := c.send(packet.Unsubscribe{PacketID: packetID, TopicFilters: topicFilters}); err != nil {
		return err
	}
	_, err := c.await(ctx, reply)
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	reply := c.provider.Replies.Expect(mqtt.PINGRESP, 0)
	defer c.provider.Replies.Forget(mqtt.PINGRESP, 0)

	if err := c.send(packet.PingRequest{}); err != nil {
		return err
	}
	_, err := c.await(ctx, reply)
	return err
}

// keepAliveLoop 空闲达到 keepAlive 时发送 PINGREQ，等待超时未收到 PINGRESP 则关闭连接
func (c *Client) keepAliveLoop() {
	interval := c.options.KeepAlive
	ticker := time.NewTicker(interval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle < interval {
				continue
			}
			if err := c.Ping(context.Background()); err != nil {
				logger.WarnF("[%s] Keep alive failed, details: %v", c.options.ClientID, err)
				_ = c.channel.CloseWithError(fmt.Errorf("%w: %w", ErrKeepAliveTimeout, err))
				return
			}
		}
	}
}

// Disconnect 发送 DISCONNECT 后关闭连接，clean 会话的本地状态一并删除
func (c *Client) Disconnect(ctx context.Context) error {
	err := c.send(packet.Disconnect{})
	_ = c.channel.Close()
	<-c.done
	if c.options.CleanSession {
		if deleteErr := c.options.Store.DeleteSession(ctx, c.options.ClientID); deleteErr != nil {
			err = errors.Join(err, deleteErr)
		}
	}
	logger.InfoF("[%s] Disconnected", c.options.ClientID)
	return err
}
