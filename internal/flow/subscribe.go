package flow

import (
	"context"

	"github.com/life-stream-dev/life-stream-mqtt/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
)

// SubscribeFlow 更新会话订阅、回复 SUBACK，并为新订阅投递匹配的保留消息
type SubscribeFlow struct {
	deps   *Deps
	sender *PublishSenderFlow
}

func NewSubscribeFlow(deps *Deps, sender *PublishSenderFlow) *SubscribeFlow {
	return &SubscribeFlow{deps: deps.withDefaults(), sender: sender}
}

func (f *SubscribeFlow) Execute(ctx context.Context, clientID string, p packet.Packet, channel *connection.Channel) error {
	subscribe, ok := p.(packet.Subscribe)
	if !ok {
		return unexpected(p)
	}

	codes := make([]packet.SubscribeReturnCode, len(subscribe.Subscriptions))
	accepted := make([]database.Subscription, 0, len(subscribe.Subscriptions))
	for i, request := range subscribe.Subscriptions {
		if !f.deps.Topics.IsValidTopicFilter(request.TopicFilter) {
			logger.WarnF("[%s] Reject subscription to %s", clientID, request.TopicFilter)
			codes[i] = packet.Failure
			continue
		}
		qos := mqtt.MinQoS(request.QoS, f.deps.MaxQoS)
		codes[i] = packet.GrantedQoS(qos)
		accepted = append(accepted, database.Subscription{TopicFilter: request.TopicFilter, MaximumQoS: qos})
	}

	if len(accepted) > 0 {
		if _, err := f.deps.Store.UpdateSession(ctx, clientID, func(session *database.Session) bool {
			for _, subscription := range accepted {
				session.AddSubscription(subscription)
			}
			return true
		}); err != nil {
			return err
		}
		for _, subscription := range accepted {
			f.deps.Subscriptions.Insert(clientID, subscription.TopicFilter, subscription.MaximumQoS)
		}
	}

	if err := channel.Send(packet.SubscribeAck{PacketID: subscribe.PacketID, ReturnCodes: codes}); err != nil {
		return err
	}
	return f.deliverRetained(ctx, clientID, channel, accepted)
}

// deliverRetained 每条匹配的保留消息只投递一次，QoS取匹配订阅中的最高值
func (f *SubscribeFlow) deliverRetained(ctx context.Context, clientID string, channel *connection.Channel, subscriptions []database.Subscription) error {
	if len(subscriptions) == 0 {
		return nil
	}

	granted := make(map[string]mqtt.QoS)
	retained, err := f.deps.Store.Retained.GetAll(ctx, func(message database.RetainedMessage) bool {
		matched := false
		for _, subscription := range subscriptions {
			ok, err := f.deps.Topics.Matches(message.Topic, subscription.TopicFilter)
			if err != nil || !ok {
				continue
			}
			if qos, seen := granted[message.Topic]; !seen || subscription.MaximumQoS > qos {
				granted[message.Topic] = subscription.MaximumQoS
			}
			matched = true
		}
		return matched
	})
	if err != nil {
		return err
	}

	for _, message := range retained {
		p := message.Publish()
		p.QoS = mqtt.MinQoS(p.QoS, granted[message.Topic])
		if _, err := f.sender.Send(ctx, clientID, channel, p); err != nil {
			return err
		}
	}
	if len(retained) > 0 {
		logger.DebugF("[%s] Deliver %d retained messages", clientID, len(retained))
	}
	return nil
}

// UnsubscribeFlow 删除会话中的订阅，不存在的过滤器直接忽略
type UnsubscribeFlow struct {
	deps *Deps
}

func NewUnsubscribeFlow(deps *Deps) *UnsubscribeFlow {
	return &UnsubscribeFlow{deps: deps.withDefaults()}
}

func (f *UnsubscribeFlow) Execute(ctx context.Context, clientID string, p packet.Packet, channel *connection.Channel) error {
	unsubscribe, ok := p.(packet.Unsubscribe)
	if !ok {
		return unexpected(p)
	}

	if _, err := f.deps.Store.UpdateSession(ctx, clientID, func(session *database.Session) bool {
		changed := false
		for _, filter := range unsubscribe.TopicFilters {
			if session.RemoveSubscription(filter) {
				changed = true
			}
		}
		return changed
	}); err != nil {
		return err
	}
	for _, filter := range unsubscribe.TopicFilters {
		f.deps.Subscriptions.Delete(clientID, filter)
	}
	return channel.Send(packet.UnsubscribeAck{PacketID: unsubscribe.PacketID})
}
