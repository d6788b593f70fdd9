// Package transport 提供 TCP 与 WebSocket 两种传输到 io.ReadWriteCloser 的绑定
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"

	"github.com/gorilla/websocket"
)

const DefaultPort = "1883"

// Dial 按地址的协议连接服务端，支持 tcp://、mqtt://、ws://、wss://，无协议时视为 tcp
func Dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	target, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	switch target.Scheme {
	case "tcp", "mqtt":
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", target.Host)
	case "ws", "wss":
		dialer := websocket.Dialer{
			Proxy:        websocket.DefaultDialer.Proxy,
			Subprotocols: []string{Subprotocol},
		}
		ws, resp, err := dialer.DialContext(ctx, target.String(), nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", target, err)
		}
		return NewWebSocketConn(ws), nil
	}
	return nil, fmt.Errorf("unsupported scheme %q", target.Scheme)
}

func parseAddress(address string) (*url.URL, error) {
	target, err := url.Parse(address)
	if err != nil || target.Scheme == "" || target.Host == "" {
		// host:port 形式
		target = &url.URL{Scheme: "tcp", Host: address}
	}
	if target.Port() == "" && (target.Scheme == "tcp" || target.Scheme == "mqtt") {
		target.Host = net.JoinHostPort(target.Hostname(), DefaultPort)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("missing host in address %q", address)
	}
	return target, nil
}
