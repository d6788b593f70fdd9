// Package connection 实现了连接注册表、报文通道与重传调度
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"slices"
	"sync"

	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
)

// Manager 客户端ID到活动连接的注册表，每个ID最多一个连接
type Manager struct {
	mu          sync.Mutex
	connections map[string]*Channel
	// 被 GetConnection 清除但尚未 Release 的失效通道，其连接协程仍负责收尾
	evicted map[string]*Channel
}

func NewManager() *Manager {
	return &Manager{connections: make(map[string]*Channel), evicted: make(map[string]*Channel)}
}

// AddConnection 注册连接，同一ID的旧连接会被替换并关闭
func (cm *Manager) AddConnection(clientID string, channel *Channel) {
	cm.mu.Lock()
	old := cm.connections[clientID]
	cm.connections[clientID] = channel
	delete(cm.evicted, clientID)
	cm.mu.Unlock()

	if old != nil && old != channel {
		logger.InfoF("[%s] Client %s taken over by connection %s", old.ID(), clientID, channel.ID())
		_ = old.Close()
	}
	logger.InfoF("[%s] Client %s connected", channel.ID(), clientID)
}

// GetConnection 只返回仍处于连接状态的通道，失效的条目会被清除
func (cm *Manager) GetConnection(clientID string) (*Channel, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	channel, ok := cm.connections[clientID]
	if !ok {
		return nil, false
	}
	if !channel.IsConnected() {
		delete(cm.connections, clientID)
		cm.evicted[clientID] = channel
		return nil, false
	}
	return channel, true
}

func (cm *Manager) RemoveConnection(clientID string) {
	cm.mu.Lock()
	channel, ok := cm.connections[clientID]
	delete(cm.connections, clientID)
	delete(cm.evicted, clientID)
	cm.mu.Unlock()

	if ok {
		_ = channel.Close()
		logger.InfoF("[%s] Client %s disconnected", channel.ID(), clientID)
	}
}

// Release 仅当注册的仍是该通道时移除，返回是否移除。
// 已被 GetConnection 清除的失效通道仍视为注册连接
func (cm *Manager) Release(clientID string, channel *Channel) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.evicted[clientID] == channel {
		delete(cm.evicted, clientID)
		return true
	}
	if cm.connections[clientID] != channel {
		return false
	}
	delete(cm.connections, clientID)
	return true
}

// Owns 报告该通道是否仍是客户端ID的注册连接
func (cm *Manager) Owns(clientID string, channel *Channel) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connections[clientID] == channel
}

func (cm *Manager) ActiveClients() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	clients := make([]string, 0, len(cm.connections))
	for clientID, channel := range cm.connections {
		if channel.IsConnected() {
			clients = append(clients, clientID)
		}
	}
	slices.Sort(clients)
	return clients
}

// CloseAll 关闭全部连接
func (cm *Manager) CloseAll() {
	cm.mu.Lock()
	channels := make([]*Channel, 0, len(cm.connections))
	for clientID, channel := range cm.connections {
		channels = append(channels, channel)
		delete(cm.connections, clientID)
	}
	clear(cm.evicted)
	cm.mu.Unlock()

	for _, channel := range channels {
		_ = channel.Close()
	}
}

// Send 向在线客户端发送报文，客户端不在线时返回 false
func (cm *Manager) Send(clientID string, p packet.Packet) (bool, error) {
	channel, ok := cm.GetConnection(clientID)
	if !ok {
		return false, nil
	}
	return true, channel.Send(p)
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// HandleReadError 按终止原因选择日志级别
func HandleReadError(connID string, err error) {
	switch {
	case err == nil:
		logger.InfoF("[%s] Connection closed", connID)
	case errors.Is(err, io.EOF), IsNetClosedError(err):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
