package flow

import (
	"context"
	"errors"

	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
)

// Broker 服务端的消息分发：保存保留消息并把消息路由给匹配的订阅者
type Broker struct {
	deps   *Deps
	sender *PublishSenderFlow
}

func NewBroker(deps *Deps, sender *PublishSenderFlow) *Broker {
	return &Broker{deps: deps.withDefaults(), sender: sender}
}

func (b *Broker) Dispatch(ctx context.Context, clientID string, p packet.Publish) error {
	if p.Retain {
		retained := database.RetainedMessage{Topic: p.Topic, QoS: mqtt.MinQoS(p.QoS, b.deps.MaxQoS), Payload: p.Payload}
		if err := b.deps.Store.SaveRetained(ctx, retained); err != nil {
			return err
		}
		logger.DebugF("[%s] Retained message on %s updated", clientID, p.Topic)
	}
	_, err := b.Route(ctx, p)
	return err
}

// grantedQoS 会话中所有匹配过滤器的最高QoS，没有匹配时返回 false
func (b *Broker) grantedQoS(session database.Session, topicName string) (mqtt.QoS, bool) {
	var (
		granted mqtt.QoS
		matched bool
	)
	for _, subscription := range session.Subscriptions {
		ok, err := b.deps.Topics.Matches(topicName, subscription.TopicFilter)
		if err != nil || !ok {
			continue
		}
		if !matched || subscription.MaximumQoS > granted {
			granted = subscription.MaximumQoS
		}
		matched = true
	}
	return granted, matched
}

// Route 每个匹配的会话收到一份副本，在线的直接发送，离线的持久会话排队等待恢复。
// 订阅树给出候选客户端，是否投递以及授予的QoS以会话中的订阅为准。
// 返回成功投递或排队的订阅者数量
func (b *Broker) Route(ctx context.Context, p packet.Publish) (int, error) {
	delivered := 0
	var errs []error
	for clientID := range b.deps.Subscriptions.Match(p.Topic) {
		session, err := b.deps.Store.Sessions.Get(ctx, clientID)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		granted, ok := b.grantedQoS(session, p.Topic)
		if !ok {
			continue
		}
		message := packet.Publish{
			Topic:   p.Topic,
			QoS:     mqtt.MinQoS(mqtt.MinQoS(p.QoS, granted), b.deps.MaxQoS),
			Payload: p.Payload,
		}

		if channel, ok := b.deps.Connections.GetConnection(session.ClientID); ok {
			if _, err := b.sender.Send(ctx, session.ClientID, channel, message); err != nil {
				logger.WarnF("[%s] Fail to deliver message on %s, details: %v", session.ClientID, p.Topic, err)
				errs = append(errs, err)
				continue
			}
			delivered++
			continue
		}
		if session.Clean || message.QoS == mqtt.AtMostOnce {
			continue
		}
		if err := b.sender.Enqueue(ctx, session.ClientID, message); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.DebugF("[%s] Client offline, message on %s queued", session.ClientID, p.Topic)
		delivered++
	}
	return delivered, errors.Join(errs...)
}
