// Package subscription 维护主题过滤器到客户端的内存订阅树，按发布主题查找候选订阅者。
// 订阅的持久状态保存在会话中，订阅树只是它的索引，启动时通过 Load 重建
package subscription

import (
	"context"
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/topic"
)

// TopicTreeNode 主题订阅树节点
type TopicTreeNode struct {
	Level string // 当前层级名称（如 "football"）

	// 子节点，key 为子层级名称，"+" 与 "#" 也作为普通层级保存
	Children map[string]*TopicTreeNode

	// 终端订阅者（过滤器在此层结束），clientID -> 授予的最大QoS
	Terminals map[string]mqtt.QoS
}

func newNode(level string) *TopicTreeNode {
	return &TopicTreeNode{
		Level:     level,
		Children:  map[string]*TopicTreeNode{},
		Terminals: map[string]mqtt.QoS{},
	}
}

func (n *TopicTreeNode) empty() bool {
	return len(n.Children) == 0 && len(n.Terminals) == 0
}

type Tree struct {
	mu   sync.RWMutex
	root *TopicTreeNode
	// clientID -> 该客户端插入过的过滤器
	filters map[string]map[string]struct{}
}

func NewTree() *Tree {
	return &Tree{root: newNode(""), filters: map[string]map[string]struct{}{}}
}

// Insert 添加或替换客户端在过滤器上的订阅
func (t *Tree) Insert(clientID, filter string, qos mqtt.QoS) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for _, level := range strings.Split(filter, topic.Separator) {
		child, ok := node.Children[level]
		if !ok {
			child = newNode(level)
			node.Children[level] = child
		}
		node = child
	}
	node.Terminals[clientID] = qos

	if t.filters[clientID] == nil {
		t.filters[clientID] = map[string]struct{}{}
	}
	t.filters[clientID][filter] = struct{}{}
}

// Delete 删除客户端在过滤器上的订阅，并回收空节点
func (t *Tree) Delete(clientID, filter string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delete(clientID, filter)
}

func (t *Tree) delete(clientID, filter string) bool {
	levels := strings.Split(filter, topic.Separator)
	path := make([]*TopicTreeNode, 0, len(levels)+1)
	path = append(path, t.root)
	node := t.root
	for _, level := range levels {
		child, ok := node.Children[level]
		if !ok {
			return false
		}
		path = append(path, child)
		node = child
	}
	if _, ok := node.Terminals[clientID]; !ok {
		return false
	}
	delete(node.Terminals, clientID)

	for i := len(path) - 1; i > 0 && path[i].empty(); i-- {
		delete(path[i-1].Children, path[i].Level)
	}

	if filters, ok := t.filters[clientID]; ok {
		delete(filters, filter)
		if len(filters) == 0 {
			delete(t.filters, clientID)
		}
	}
	return true
}

// RemoveClient 删除客户端的全部订阅，返回删除的数量
func (t *Tree) RemoveClient(clientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for filter := range t.filters[clientID] {
		if t.delete(clientID, filter) {
			removed++
		}
	}
	delete(t.filters, clientID)
	return removed
}

// Match 返回过滤器匹配 topicName 的客户端及其匹配订阅中的最高QoS
func (t *Tree) Match(topicName string) map[string]mqtt.QoS {
	t.mu.RLock()
	defer t.mu.RUnlock()

	levels := strings.Split(topicName, topic.Separator)
	results := map[string]mqtt.QoS{}
	collect := func(node *TopicTreeNode) {
		for clientID, qos := range node.Terminals {
			if granted, ok := results[clientID]; !ok || qos > granted {
				results[clientID] = qos
			}
		}
	}

	var walk func(node *TopicTreeNode, depth int)
	walk = func(node *TopicTreeNode, depth int) {
		// 以通配符开头的过滤器不匹配 $ 开头的系统主题
		wildcards := depth > 0 || !strings.HasPrefix(levels[0], "$")
		if hash, ok := node.Children[topic.MultiLevelWildcard]; ok && wildcards {
			collect(hash)
		}
		if depth == len(levels) {
			collect(node)
			return
		}
		if child, ok := node.Children[levels[depth]]; ok {
			walk(child, depth+1)
		}
		if plus, ok := node.Children[topic.SingleLevelWildcard]; ok && wildcards {
			walk(plus, depth+1)
		}
	}
	walk(t.root, 0)
	return results
}

// Clients 当前持有订阅的客户端数量
func (t *Tree) Clients() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.filters)
}

// Load 从会话仓库重建订阅树，返回载入的订阅数量
func (t *Tree) Load(ctx context.Context, sessions database.Repository[database.Session]) (int, error) {
	all, err := sessions.GetAll(ctx, func(session database.Session) bool {
		return len(session.Subscriptions) > 0
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, session := range all {
		for _, subscription := range session.Subscriptions {
			t.Insert(session.ClientID, subscription.TopicFilter, subscription.MaximumQoS)
			count++
		}
	}
	logger.InfoF("Subscription tree loaded, %d subscriptions of %d sessions", count, len(all))
	return count, nil
}
