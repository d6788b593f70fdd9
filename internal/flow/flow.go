// Package flow 实现MQTT协议流程：每个流程处理一个已解码的报文，
// 产生的效果是向通道写出的报文以及对会话、遗嘱、保留消息仓库的读写
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt/internal/auth"
	"github.com/life-stream-dev/life-stream-mqtt/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt/internal/subscription"
	"github.com/life-stream-dev/life-stream-mqtt/internal/topic"
)

// ErrProtocolViolation 结构合法但在当前状态下不允许出现的报文
var ErrProtocolViolation = errors.New("protocol violation")

func violation(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, v...))
}

const DefaultWaitTimeout = 5 * time.Second

// Flow 处理某个客户端在某条通道上收到的一个报文
type Flow interface {
	Execute(ctx context.Context, clientID string, p packet.Packet, channel *connection.Channel) error
}

// Deps 流程共享的状态，每个服务端或客户端实例构造一份
type Deps struct {
	MaxQoS      mqtt.QoS
	WaitTimeout time.Duration

	Connections *connection.Manager
	Store       *database.Store
	PacketIDs   *database.PacketIDAllocator
	Topics      *topic.Evaluator
	Auth        auth.Provider

	// 会话订阅的索引，路由时用于查找候选订阅者
	Subscriptions *subscription.Tree
}

// withDefaults 补全未设置的依赖
func (d *Deps) withDefaults() *Deps {
	deps := *d
	if deps.WaitTimeout <= 0 {
		deps.WaitTimeout = DefaultWaitTimeout
	}
	if !deps.MaxQoS.Valid() {
		deps.MaxQoS = mqtt.ExactlyOnce
	}
	if deps.Connections == nil {
		deps.Connections = connection.NewManager()
	}
	if deps.Store == nil {
		deps.Store = database.NewMemoryStore()
	}
	if deps.PacketIDs == nil {
		deps.PacketIDs = database.NewPacketIDAllocator()
	}
	if deps.Topics == nil {
		deps.Topics = topic.NewEvaluator(true)
	}
	if deps.Subscriptions == nil {
		deps.Subscriptions = subscription.NewTree()
	}
	if deps.Auth == nil {
		deps.Auth = auth.AllowAll{}
	}
	return &deps
}

// Dispatcher 接收方收到一条应用消息后的去向：服务端路由给订阅者，客户端交给应用
type Dispatcher interface {
	Dispatch(ctx context.Context, clientID string, p packet.Publish) error
}

type DispatcherFunc func(ctx context.Context, clientID string, p packet.Publish) error

func (f DispatcherFunc) Dispatch(ctx context.Context, clientID string, p packet.Publish) error {
	return f(ctx, clientID, p)
}

// ServerProvider 服务端的报文类型到流程的映射
type ServerProvider struct {
	Connect         *ConnectFlow
	PublishReceiver *PublishReceiverFlow
	PublishSender   *PublishSenderFlow
	Subscribe       *SubscribeFlow
	Unsubscribe     *UnsubscribeFlow
	Ping            *PingFlow
	Disconnect      *DisconnectFlow
	Broker          *Broker
}

func NewServerProvider(deps *Deps) *ServerProvider {
	deps = deps.withDefaults()
	sender := NewPublishSenderFlow(deps)
	broker := NewBroker(deps, sender)
	return &ServerProvider{
		Connect:         NewConnectFlow(deps, sender),
		PublishReceiver: NewPublishReceiverFlow(deps, broker),
		PublishSender:   sender,
		Subscribe:       NewSubscribeFlow(deps, sender),
		Unsubscribe:     NewUnsubscribeFlow(deps),
		Ping:            &PingFlow{},
		Disconnect:      NewDisconnectFlow(deps),
		Broker:          broker,
	}
}

func (sp *ServerProvider) Get(pt mqtt.PacketType) (Flow, error) {
	switch pt {
	case mqtt.CONNECT:
		return sp.Connect, nil
	case mqtt.PUBLISH, mqtt.PUBREL:
		return sp.PublishReceiver, nil
	case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBCOMP:
		return sp.PublishSender, nil
	case mqtt.SUBSCRIBE:
		return sp.Subscribe, nil
	case mqtt.UNSUBSCRIBE:
		return sp.Unsubscribe, nil
	case mqtt.PINGREQ:
		return sp.Ping, nil
	case mqtt.DISCONNECT:
		return sp.Disconnect, nil
	}
	return nil, violation("server does not accept %s packet", pt)
}

// ClientProvider 客户端的报文类型到流程的映射
type ClientProvider struct {
	Replies         *Replies
	PublishReceiver *PublishReceiverFlow
	PublishSender   *PublishSenderFlow
}

func NewClientProvider(deps *Deps, dispatcher Dispatcher) *ClientProvider {
	deps = deps.withDefaults()
	return &ClientProvider{
		Replies:         NewReplies(),
		PublishReceiver: NewPublishReceiverFlow(deps, dispatcher),
		PublishSender:   NewPublishSenderFlow(deps),
	}
}

func (cp *ClientProvider) Get(pt mqtt.PacketType) (Flow, error) {
	switch pt {
	case mqtt.CONNACK, mqtt.SUBACK, mqtt.UNSUBACK, mqtt.PINGRESP:
		return cp.Replies, nil
	case mqtt.PUBLISH, mqtt.PUBREL:
		return cp.PublishReceiver, nil
	case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBCOMP:
		return cp.PublishSender, nil
	}
	return nil, violation("client does not accept %s packet", pt)
}

func unexpected(p packet.Packet) error {
	return violation("unexpected %s packet", p.Type())
}
