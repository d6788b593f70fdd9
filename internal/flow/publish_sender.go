package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
)

// PublishSenderFlow 发送方的QoS 1/2 流程：记录在途消息、按等待超时重传，收到确认后清除
type PublishSenderFlow struct {
	deps *Deps
	// OnComplete 在 PUBACK 或 PUBCOMP 处理完成后调用，必须在开始收包前设置
	OnComplete func(clientID string, packetID uint16)
}

func NewPublishSenderFlow(deps *Deps) *PublishSenderFlow {
	return &PublishSenderFlow{deps: deps.withDefaults()}
}

// acknowledgeKey 发出 PUBLISH 后等待的确认类型
func acknowledgeKey(p packet.Publish) connection.RetryKey {
	if p.QoS == mqtt.ExactlyOnce {
		return connection.RetryKey{Kind: mqtt.PUBREC, PacketID: p.PacketID}
	}
	return connection.RetryKey{Kind: mqtt.PUBACK, PacketID: p.PacketID}
}

func completeKey(packetID uint16) connection.RetryKey {
	return connection.RetryKey{Kind: mqtt.PUBCOMP, PacketID: packetID}
}

// Send 向通道发送一条应用消息，QoS > 0 时分配新的报文标识符并在会话中登记，返回该标识符
func (f *PublishSenderFlow) Send(ctx context.Context, clientID string, channel *connection.Channel, p packet.Publish) (uint16, error) {
	p.PacketID = 0
	if p.QoS != mqtt.AtMostOnce {
		p.PacketID = f.deps.PacketIDs.Next()
	}
	return p.PacketID, f.SendWithID(ctx, clientID, channel, p)
}

// SendWithID 与 Send 相同，但 QoS > 0 时使用调用方已分配的 p.PacketID，
// 便于调用方在写出之前登记确认等待
func (f *PublishSenderFlow) SendWithID(ctx context.Context, clientID string, channel *connection.Channel, p packet.Publish) error {
	p.Duplicate = false
	if p.QoS == mqtt.AtMostOnce {
		p.PacketID = 0
		return channel.Send(p)
	}
	if p.PacketID == 0 {
		return fmt.Errorf("%w: QoS %d PUBLISH without packet id", packet.ErrInvalidPacket, p.QoS)
	}

	message := database.PendingMessage{
		PacketID:      p.PacketID,
		Publish:       p,
		Status:        database.PendingToAcknowledge,
		RetryDeadline: time.Now().Add(f.deps.WaitTimeout),
	}
	if err := f.updateSession(ctx, clientID, func(session *database.Session) bool {
		session.AddPendingMessage(message)
		return true
	}); err != nil {
		return err
	}

	if err := channel.Send(p); err != nil {
		return err
	}
	f.armPublish(clientID, channel, p)
	return nil
}

// Enqueue 为不在线的持久会话排队一条消息，报文标识符在投递时分配
func (f *PublishSenderFlow) Enqueue(ctx context.Context, clientID string, p packet.Publish) error {
	p.PacketID = 0
	p.Duplicate = false
	return f.updateSession(ctx, clientID, func(session *database.Session) bool {
		session.AddPendingMessage(database.PendingMessage{Publish: p, Status: database.PendingToSend})
		return true
	})
}

// Resume 会话恢复后重新投递全部在途消息并重新启动重传：
// 排队中的消息分配新标识符首次发送，已发送未确认的带重复标志重发，等待 PUBCOMP 的重发 PUBREL
func (f *PublishSenderFlow) Resume(ctx context.Context, clientID string, channel *connection.Channel) error {
	deadline := time.Now().Add(f.deps.WaitTimeout)
	fresh := make(map[uint16]bool)
	session, err := f.deps.Store.UpdateSession(ctx, clientID, func(session *database.Session) bool {
		for i := range session.PendingMessages {
			message := &session.PendingMessages[i]
			if message.Status == database.PendingToSend {
				message.PacketID = f.deps.PacketIDs.Next()
				message.Publish.PacketID = message.PacketID
				message.Status = database.PendingToAcknowledge
				fresh[message.PacketID] = true
			}
			message.RetryDeadline = deadline
		}
		return len(session.PendingMessages) > 0
	})
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, message := range session.PendingMessages {
		switch message.Status {
		case database.PendingToAcknowledge:
			p := message.Publish
			if !fresh[message.PacketID] {
				p = p.WithDuplicate()
			}
			if err := channel.Send(p); err != nil {
				return err
			}
			f.armPublish(clientID, channel, message.Publish)
		case database.PendingToComplete:
			if err := channel.Send(packet.PublishRelease{PacketID: message.PacketID}); err != nil {
				return err
			}
			f.armRelease(clientID, channel, message.PacketID)
		}
	}
	if len(session.PendingMessages) > 0 {
		logger.InfoF("[%s] Resume %d pending messages", clientID, len(session.PendingMessages))
	}
	return nil
}

func (f *PublishSenderFlow) Execute(ctx context.Context, clientID string, p packet.Packet, channel *connection.Channel) error {
	switch v := p.(type) {
	case packet.PublishAck:
		channel.CancelRetry(connection.RetryKey{Kind: mqtt.PUBACK, PacketID: v.PacketID})
		return f.complete(ctx, clientID, v.PacketID)
	case packet.PublishReceived:
		channel.CancelRetry(connection.RetryKey{Kind: mqtt.PUBREC, PacketID: v.PacketID})
		if err := f.updateSession(ctx, clientID, func(session *database.Session) bool {
			message, ok := session.PendingMessage(v.PacketID)
			if !ok || message.Status == database.PendingToComplete {
				return false
			}
			message.Status = database.PendingToComplete
			message.RetryDeadline = time.Now().Add(f.deps.WaitTimeout)
			return true
		}); err != nil {
			return err
		}
		if err := channel.Send(packet.PublishRelease{PacketID: v.PacketID}); err != nil {
			return err
		}
		f.armRelease(clientID, channel, v.PacketID)
		return nil
	case packet.PublishComplete:
		channel.CancelRetry(completeKey(v.PacketID))
		return f.complete(ctx, clientID, v.PacketID)
	}
	return unexpected(p)
}

func (f *PublishSenderFlow) complete(ctx context.Context, clientID string, packetID uint16) error {
	if err := f.updateSession(ctx, clientID, func(session *database.Session) bool {
		return session.RemovePendingMessage(packetID)
	}); err != nil {
		return err
	}
	if f.OnComplete != nil {
		f.OnComplete(clientID, packetID)
	}
	return nil
}

// updateSession 会话不存在时视为无需持久化
func (f *PublishSenderFlow) updateSession(ctx context.Context, clientID string, fn func(session *database.Session) bool) error {
	_, err := f.deps.Store.UpdateSession(ctx, clientID, fn)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	return err
}

func (f *PublishSenderFlow) armPublish(clientID string, channel *connection.Channel, p packet.Publish) {
	duplicate := p.WithDuplicate()
	channel.Retry(acknowledgeKey(p), f.deps.WaitTimeout, func() bool {
		logger.DebugF("[%s] No acknowledgement for packet %d, resend %s", clientID, p.PacketID, p.Type())
		return channel.Send(duplicate) == nil
	})
}

func (f *PublishSenderFlow) armRelease(clientID string, channel *connection.Channel, packetID uint16) {
	release := packet.PublishRelease{PacketID: packetID}
	channel.Retry(completeKey(packetID), f.deps.WaitTimeout, func() bool {
		logger.DebugF("[%s] No PUBCOMP for packet %d, resend PUBREL", clientID, packetID)
		return channel.Send(release) == nil
	})
}
