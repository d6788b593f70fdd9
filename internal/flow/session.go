package flow

import (
	"context"
	"errors"

	"github.com/life-stream-dev/life-stream-mqtt/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
)

// PingFlow 回复心跳
type PingFlow struct{}

func (*PingFlow) Execute(_ context.Context, _ string, p packet.Packet, channel *connection.Channel) error {
	if _, ok := p.(packet.PingRequest); !ok {
		return unexpected(p)
	}
	return channel.Send(packet.PingResponse{})
}

// DisconnectFlow 正常断开：删除遗嘱，清理 clean 会话，注销并关闭连接，不回复报文
type DisconnectFlow struct {
	deps *Deps
}

func NewDisconnectFlow(deps *Deps) *DisconnectFlow {
	return &DisconnectFlow{deps: deps.withDefaults()}
}

func (f *DisconnectFlow) Execute(ctx context.Context, clientID string, p packet.Packet, channel *connection.Channel) error {
	if _, ok := p.(packet.Disconnect); !ok {
		return unexpected(p)
	}
	defer func() { _ = channel.Close() }()

	var errs []error
	if err := f.deps.Store.DeleteWill(ctx, clientID); err != nil {
		errs = append(errs, err)
	}
	if f.deps.Connections.Release(clientID, channel) {
		errs = append(errs, f.deps.DiscardCleanSession(ctx, clientID))
	}
	logger.InfoF("[%s] Client %s disconnected", channel.ID(), clientID)
	return errors.Join(errs...)
}

// DiscardCleanSession 连接结束时删除 clean 会话及其订阅索引，持久会话保留
func (d *Deps) DiscardCleanSession(ctx context.Context, clientID string) error {
	session, err := d.Store.Sessions.Get(ctx, clientID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !session.Clean {
		return nil
	}
	if err := d.Store.DeleteSession(ctx, clientID); err != nil {
		return err
	}
	d.Subscriptions.RemoveClient(clientID)
	return nil
}
