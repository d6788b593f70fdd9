package flow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-mqtt/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
)

// Accepted 连接建立后的协商结果
type Accepted struct {
	ClientID       string
	CleanSession   bool
	SessionPresent bool
	KeepAlive      time.Duration
}

// ConnectFlow 服务端处理 CONNECT：认证、解析会话、登记遗嘱与连接、回复 CONNACK
type ConnectFlow struct {
	deps   *Deps
	sender *PublishSenderFlow
}

func NewConnectFlow(deps *Deps, sender *PublishSenderFlow) *ConnectFlow {
	return &ConnectFlow{deps: deps.withDefaults(), sender: sender}
}

func (f *ConnectFlow) Execute(ctx context.Context, _ string, p packet.Packet, channel *connection.Channel) error {
	connect, ok := p.(packet.Connect)
	if !ok {
		return unexpected(p)
	}
	_, err := f.Accept(ctx, connect, channel)
	return err
}

// Reject 回复拒绝码，调用方随后关闭连接
func (f *ConnectFlow) Reject(channel *connection.Channel, code packet.ConnectionStatus, reason string) error {
	logger.WarnF("[%s] Connection rejected with %s: %s", channel.ID(), code, reason)
	if err := channel.Send(packet.ConnectAck{Status: code}); err != nil {
		return err
	}
	return &packet.ConnectRejectedError{Code: code, Reason: reason}
}

// Accept 处理首个 CONNECT 报文。被拒绝时已向对端发送对应的 CONNACK，
// 返回的错误为 *packet.ConnectRejectedError
func (f *ConnectFlow) Accept(ctx context.Context, connect packet.Connect, channel *connection.Channel) (Accepted, error) {
	clientID := connect.ClientID
	if clientID == "" {
		if !connect.CleanSession {
			return Accepted{}, f.Reject(channel, packet.IdentifierRejected, "empty client id requires clean session")
		}
		clientID = uuid.NewString()
		logger.DebugF("[%s] Assign client id %s", channel.ID(), clientID)
	}

	username := ""
	if connect.Username != nil {
		username = *connect.Username
	}
	if !f.deps.Auth.Authenticate(clientID, username, connect.Password) {
		return Accepted{}, f.Reject(channel, packet.BadUserNameOrPassword, "authentication failed for "+clientID)
	}

	// 先登记连接，被接管的旧连接在清理时就不会再动这个客户端的会话
	f.deps.Connections.AddConnection(clientID, channel)

	session, present, err := f.deps.Store.ResolveSession(ctx, clientID, connect.CleanSession)
	if err != nil {
		f.deps.Connections.Release(clientID, channel)
		logger.ErrorF("[%s] Fail to resolve session for %s, details: %v", channel.ID(), clientID, err)
		return Accepted{}, f.Reject(channel, packet.ServerUnavailable, "session store unavailable")
	}
	if !present {
		f.deps.Subscriptions.RemoveClient(clientID)
	}

	if connect.Will != nil {
		err = f.deps.Store.ReplaceWill(ctx, database.NewConnectionWill(clientID, channel.ID(), connect.Will))
	} else {
		err = f.deps.Store.DeleteWill(ctx, clientID)
	}
	if err != nil {
		f.deps.Connections.Release(clientID, channel)
		logger.ErrorF("[%s] Fail to store will for %s, details: %v", channel.ID(), clientID, err)
		return Accepted{}, f.Reject(channel, packet.ServerUnavailable, "will store unavailable")
	}

	// 从这里开始连接已登记，出错时也要带回客户端ID，由调用方走正常的终止清理
	accepted := Accepted{
		ClientID:       clientID,
		CleanSession:   session.Clean,
		SessionPresent: present,
		KeepAlive:      time.Duration(connect.KeepAlive) * time.Second,
	}
	if err := channel.Send(packet.ConnectAck{SessionPresent: present, Status: packet.Accepted}); err != nil {
		return accepted, err
	}
	if present {
		if err := f.sender.Resume(ctx, clientID, channel); err != nil {
			return accepted, err
		}
	}
	return accepted, nil
}
