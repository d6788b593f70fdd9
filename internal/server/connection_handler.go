package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt/internal/flow"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
)

// ConnectionHandler 单个连接的状态机：等待首个报文 -> 已连接 -> 终止
type ConnectionHandler struct {
	server  *Server
	channel *connection.Channel
	connID  string

	clientID     string
	keepAlive    time.Duration
	disconnected bool
}

func (c *ConnectionHandler) handleFirstPacket(ctx context.Context) error {
	wait := c.server.options.WaitTimeout
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: no CONNECT packet within %s", flow.ErrProtocolViolation, wait)
	case p, ok := <-c.channel.Packets():
		if !ok {
			return c.firstPacketError()
		}
		connect, isConnect := p.(packet.Connect)
		if !isConnect {
			return fmt.Errorf("%w: invalid first packet type, expected CONNECT packet, but got %s packet", flow.ErrProtocolViolation, p.Type())
		}

		accepted, err := c.server.provider.Connect.Accept(ctx, connect, c.channel)
		if accepted.ClientID != "" {
			c.clientID = accepted.ClientID
		}
		if err != nil {
			return err
		}
		c.keepAlive = accepted.KeepAlive
		if c.keepAlive == 0 {
			logger.WarnF("[%s] Keep alive set to 0, heartbeat disable", c.connID)
		}
		return nil
	}
}

// firstPacketError 首个报文解码被拒绝时先回复 CONNACK
func (c *ConnectionHandler) firstPacketError() error {
	err := c.channel.Err()
	var rejected *packet.ConnectRejectedError
	if errors.As(err, &rejected) {
		if sendErr := c.server.provider.Connect.Reject(c.channel, rejected.Code, rejected.Reason); !errors.As(sendErr, &rejected) {
			return sendErr
		}
		return err
	}
	if err == nil {
		return connection.ErrChannelClosed
	}
	return err
}

func (c *ConnectionHandler) handlePacket(ctx context.Context) error {
	var (
		idle      *time.Timer
		idleC     <-chan time.Time
		idleLimit = c.keepAlive * 3 / 2
	)
	if c.keepAlive > 0 {
		idle = time.NewTimer(idleLimit)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idleC:
			return fmt.Errorf("%w: no packet within keep alive window %s", flow.ErrProtocolViolation, idleLimit)
		case p, ok := <-c.channel.Packets():
			if !ok {
				return c.channel.Err()
			}
			if idle != nil {
				idle.Reset(idleLimit)
			}
			logger.DebugF("[%s] Receive %s packet", c.clientID, p.Type())

			if _, isConnect := p.(packet.Connect); isConnect {
				return fmt.Errorf("%w: duplicate CONNECT packet", flow.ErrProtocolViolation)
			}
			f, err := c.server.provider.Get(p.Type())
			if err != nil {
				return err
			}
			if err := f.Execute(ctx, c.clientID, p, c.channel); err != nil {
				return err
			}
			if _, isDisconnect := p.(packet.Disconnect); isDisconnect {
				c.disconnected = true
				return nil
			}
		}
	}
}

func (c *ConnectionHandler) handleConnection(ctx context.Context) {
	err := c.handleFirstPacket(ctx)
	if err == nil {
		err = c.handlePacket(ctx)
	}
	logTermination(c.connID, err)
	c.teardown(err)
}

// teardown 停止重传并注销连接，异常结束时发布遗嘱，最后按会话类型清理
func (c *ConnectionHandler) teardown(cause error) {
	_ = c.channel.CloseWithError(cause)
	if c.clientID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.server.options.WaitTimeout)
	defer cancel()
	deps := c.server.deps

	// 被同一客户端ID的新连接接管时不再是注册连接，遗嘱与会话都交给新连接
	if !deps.Connections.Release(c.clientID, c.channel) {
		return
	}
	if !c.disconnected {
		c.publishWill(ctx)
	}
	if err := deps.DiscardCleanSession(ctx, c.clientID); err != nil {
		logger.ErrorF("[%s] Fail to discard session of %s, details: %v", c.connID, c.clientID, err)
	}
	logger.InfoF("[%s] Client %s disconnected", c.connID, c.clientID)
}

func (c *ConnectionHandler) publishWill(ctx context.Context) {
	will, ok, err := c.server.deps.Store.TakeWill(ctx, c.clientID, c.channel.ID())
	if err != nil {
		logger.ErrorF("[%s] Fail to load will of %s, details: %v", c.connID, c.clientID, err)
		return
	}
	if !ok {
		return
	}
	logger.InfoF("[%s] Publish will message of %s to %s", c.connID, c.clientID, will.Topic)
	if err := c.server.provider.Broker.Dispatch(ctx, c.clientID, will.Publish()); err != nil {
		logger.ErrorF("[%s] Fail to publish will message, details: %v", c.connID, err)
	}
}
