package server

import (
	"context"
	"errors"
	"io"

	"github.com/life-stream-dev/life-stream-mqtt/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt/internal/flow"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
)

// spawn 占用一个连接名额后在新协程中处理连接，名额耗尽时等待
func (s *Server) spawn(ctx context.Context, conn io.ReadWriteCloser, remote string) {
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		if s.sem != nil {
			defer func() { <-s.sem }()
		}
		s.ServeConn(ctx, conn, remote)
	}()
}

// logTermination 按连接结束原因选择日志级别
func logTermination(connID string, err error) {
	var rejected *packet.ConnectRejectedError
	switch {
	case errors.As(err, &rejected):
		logger.WarnF("[%s] Connection rejected: %v", connID, err)
	case errors.Is(err, flow.ErrProtocolViolation):
		logger.WarnF("[%s] Protocol violation, details: %v", connID, err)
	case errors.Is(err, context.Canceled):
		logger.InfoF("[%s] Server shutting down", connID)
	default:
		connection.HandleReadError(connID, err)
	}
}
