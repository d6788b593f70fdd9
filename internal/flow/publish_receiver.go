package flow

import (
	"context"
	"errors"

	"github.com/life-stream-dev/life-stream-mqtt/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
)

func releaseKey(packetID uint16) connection.RetryKey {
	return connection.RetryKey{Kind: mqtt.PUBREL, PacketID: packetID}
}

// PublishReceiverFlow 接收方流程：交付消息并按QoS回复 PUBACK 或 PUBREC/PUBCOMP
type PublishReceiverFlow struct {
	deps       *Deps
	dispatcher Dispatcher
}

func NewPublishReceiverFlow(deps *Deps, dispatcher Dispatcher) *PublishReceiverFlow {
	return &PublishReceiverFlow{deps: deps.withDefaults(), dispatcher: dispatcher}
}

func (f *PublishReceiverFlow) Execute(ctx context.Context, clientID string, p packet.Packet, channel *connection.Channel) error {
	switch v := p.(type) {
	case packet.Publish:
		return f.receive(ctx, clientID, v, channel)
	case packet.PublishRelease:
		channel.CancelRetry(releaseKey(v.PacketID))
		if _, err := f.deps.Store.UpdateSession(ctx, clientID, func(session *database.Session) bool {
			return session.RemovePendingRelease(v.PacketID)
		}); err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		return channel.Send(packet.PublishComplete{PacketID: v.PacketID})
	}
	return unexpected(p)
}

func (f *PublishReceiverFlow) receive(ctx context.Context, clientID string, p packet.Publish, channel *connection.Channel) error {
	switch p.QoS {
	case mqtt.AtMostOnce:
		f.dispatch(ctx, clientID, p)
		return nil
	case mqtt.AtLeastOnce:
		f.dispatch(ctx, clientID, p)
		return channel.Send(packet.PublishAck{PacketID: p.PacketID})
	}

	// QoS 2 收到 PUBLISH 即交付，同一标识符在 PUBREL 到达前的重发不再交付
	first := true
	if _, err := f.deps.Store.UpdateSession(ctx, clientID, func(session *database.Session) bool {
		first = session.AddPendingRelease(p.PacketID)
		return first
	}); err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	if first {
		f.dispatch(ctx, clientID, p)
	} else {
		logger.DebugF("[%s] Duplicate QoS 2 packet %d, skip dispatch", clientID, p.PacketID)
	}

	received := packet.PublishReceived{PacketID: p.PacketID}
	if err := channel.Send(received); err != nil {
		return err
	}
	channel.Retry(releaseKey(p.PacketID), f.deps.WaitTimeout, func() bool {
		logger.DebugF("[%s] No PUBREL for packet %d, resend PUBREC", clientID, p.PacketID)
		return channel.Send(received) == nil
	})
	return nil
}

// dispatch 交付失败只记录日志，不影响对发送方的确认
func (f *PublishReceiverFlow) dispatch(ctx context.Context, clientID string, p packet.Publish) {
	if f.dispatcher == nil {
		return
	}
	if err := f.dispatcher.Dispatch(ctx, clientID, p); err != nil {
		logger.ErrorF("[%s] Fail to dispatch message on %s, details: %v", clientID, p.Topic, err)
	}
}
