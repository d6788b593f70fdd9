// Package server 实现MQTT服务端：TCP 与 WebSocket 监听、连接准入控制以及每个连接的状态机
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt/internal/auth"
	"github.com/life-stream-dev/life-stream-mqtt/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/flow"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/subscription"
	"github.com/life-stream-dev/life-stream-mqtt/internal/topic"
	"github.com/life-stream-dev/life-stream-mqtt/internal/transport"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Options struct {
	Address           string
	WebSocketAddr     string
	WebSocketPath     string
	MaxQoS            mqtt.QoS
	WaitTimeout       time.Duration
	AllowWildcards    bool
	ReceiveBufferSize int
	MaxConnections    int
	// 每秒接受的连接数，0 表示不限制
	ConnectionRate  float64
	ConnectionBurst int
}

func OptionsFromConfig(c config.MQTTConfig) Options {
	return Options{
		Address:           c.Address(),
		WebSocketAddr:     c.WebSocketAddr,
		WebSocketPath:     c.WebSocketPath,
		MaxQoS:            mqtt.QoS(c.MaxQoS),
		WaitTimeout:       c.WaitTimeout(),
		AllowWildcards:    c.AllowWildcards,
		ReceiveBufferSize: c.ReceiveBufferSize,
		MaxConnections:    c.MaxConnections,
		ConnectionRate:    c.ConnectionRate,
		ConnectionBurst:   c.ConnectionBurst,
	}
}

type Server struct {
	options  Options
	deps     *flow.Deps
	provider *flow.ServerProvider

	limiter  *rate.Limiter
	sem      chan struct{}
	handlers sync.WaitGroup
}

func NewServer(options Options, store *database.Store, authProvider auth.Provider) *Server {
	if options.WaitTimeout <= 0 {
		options.WaitTimeout = flow.DefaultWaitTimeout
	}
	if options.ReceiveBufferSize <= 0 {
		options.ReceiveBufferSize = connection.DefaultBufferSize
	}
	if options.WebSocketPath == "" {
		options.WebSocketPath = "/mqtt"
	}

	deps := &flow.Deps{
		MaxQoS:        options.MaxQoS,
		WaitTimeout:   options.WaitTimeout,
		Connections:   connection.NewManager(),
		Store:         store,
		PacketIDs:     database.NewPacketIDAllocator(),
		Topics:        topic.NewEvaluator(options.AllowWildcards),
		Auth:          authProvider,
		Subscriptions: subscription.NewTree(),
	}
	s := &Server{
		options:  options,
		deps:     deps,
		provider: flow.NewServerProvider(deps),
	}
	if options.ConnectionRate > 0 {
		burst := max(options.ConnectionBurst, 1)
		s.limiter = rate.NewLimiter(rate.Limit(options.ConnectionRate), burst)
	}
	if options.MaxConnections > 0 {
		s.sem = make(chan struct{}, options.MaxConnections)
	}
	return s
}

func (s *Server) Connections() *connection.Manager { return s.deps.Connections }

func (s *Server) Store() *database.Store { return s.deps.Store }

// Run 启动 TCP 监听以及可选的 WebSocket 监听，直到 ctx 结束或任一监听失败
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.deps.Subscriptions.Load(ctx, s.deps.Store.Sessions); err != nil {
		return fmt.Errorf("fail to load subscriptions: %w", err)
	}
	ln, err := net.Listen("tcp", s.options.Address)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(gctx, ln) })
	if s.options.WebSocketAddr != "" {
		g.Go(func() error { return s.ListenWebSocket(gctx) })
	}
	err = g.Wait()
	s.Shutdown()
	return err
}

// Serve 在给定的监听器上接受连接，ctx 结束时关闭监听器并返回 nil
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger.InfoF("MQTT Server Listen On %s", ln.Addr())
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer func() { _ = ln.Close() }()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}
		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr())
		s.spawn(ctx, conn, conn.RemoteAddr().String())
	}
}

// ListenWebSocket 在 WebSocketAddr 上提供 mqtt 子协议的 WebSocket 端点
func (s *Server) ListenWebSocket(ctx context.Context) error {
	upgrader := transport.NewUpgrader(s.options.ReceiveBufferSize)
	mux := http.NewServeMux()
	mux.HandleFunc(s.options.WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WarnF("[%s] WebSocket upgrade failed, details: %v", r.RemoteAddr, err)
			return
		}
		if ws.Subprotocol() != transport.Subprotocol {
			logger.WarnF("[%s] WebSocket client did not request the %s subprotocol", r.RemoteAddr, transport.Subprotocol)
		}
		s.spawn(ctx, transport.NewWebSocketConn(ws), r.RemoteAddr)
	})

	httpServer := &http.Server{Addr: s.options.WebSocketAddr, Handler: mux, ReadHeaderTimeout: s.options.WaitTimeout}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.InfoF("MQTT WebSocket Server Listen On %s%s", s.options.WebSocketAddr, s.options.WebSocketPath)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.WaitTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// ServeConn 在当前协程中处理一个已建立的传输连接，直到连接结束
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser, remote string) {
	channel := connection.NewChannel(conn, s.options.ReceiveBufferSize)
	handler := &ConnectionHandler{server: s, channel: channel, connID: channel.ID()}
	logger.DebugF("[%s] Connection from %s", handler.connID, remote)
	handler.handleConnection(ctx)
}

// Shutdown 关闭全部连接并等待连接协程退出
func (s *Server) Shutdown() {
	s.deps.Connections.CloseAll()
	s.handlers.Wait()
	logger.Info("MQTT Server stopped")
}
