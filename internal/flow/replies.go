package flow

import (
	"context"
	"sync"

	"github.com/life-stream-dev/life-stream-mqtt/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
)

type replyKey struct {
	kind     mqtt.PacketType
	packetID uint16
}

// Replies 客户端的应答路由：把 CONNACK、SUBACK、UNSUBACK、PINGRESP 交给等待者
type Replies struct {
	mu      sync.Mutex
	waiters map[replyKey]chan packet.Packet
}

func NewReplies() *Replies {
	return &Replies{waiters: make(map[replyKey]chan packet.Packet)}
}

// Expect 登记对某个应答的等待，必须在发送请求之前调用
func (r *Replies) Expect(kind mqtt.PacketType, packetID uint16) <-chan packet.Packet {
	ch := make(chan packet.Packet, 1)
	r.mu.Lock()
	r.waiters[replyKey{kind, packetID}] = ch
	r.mu.Unlock()
	return ch
}

func (r *Replies) Forget(kind mqtt.PacketType, packetID uint16) {
	r.mu.Lock()
	delete(r.waiters, replyKey{kind, packetID})
	r.mu.Unlock()
}

func (r *Replies) Execute(_ context.Context, clientID string, p packet.Packet, _ *connection.Channel) error {
	var id uint16
	switch v := p.(type) {
	case packet.ConnectAck, packet.PingResponse:
	case packet.SubscribeAck:
		id = v.PacketID
	case packet.UnsubscribeAck:
		id = v.PacketID
	default:
		return unexpected(p)
	}

	key := replyKey{p.Type(), id}
	r.mu.Lock()
	ch, ok := r.waiters[key]
	delete(r.waiters, key)
	r.mu.Unlock()
	if !ok {
		logger.WarnF("[%s] Unexpected %s packet %d, ignored", clientID, p.Type(), id)
		return nil
	}
	ch <- p
	return nil
}
