package database

import (
	"slices"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
)

const (
	SessionCollectionName         = "sessions"
	RetainedMessageCollectionName = "retained_messages"
	WillMessageCollectionName     = "will_messages"
)

// PendingStatus 在途消息的投递阶段
type PendingStatus int

const (
	PendingToSend        PendingStatus = iota // 尚未发送（离线排队）
	PendingToAcknowledge                      // 已发送 PUBLISH，等待 PUBACK/PUBREC
	PendingToComplete                         // 已发送 PUBREL，等待 PUBCOMP
)

func (s PendingStatus) String() string {
	switch s {
	case PendingToSend:
		return "PendingToSend"
	case PendingToAcknowledge:
		return "PendingToAcknowledge"
	case PendingToComplete:
		return "PendingToComplete"
	}
	return "Unknown"
}

type Subscription struct {
	TopicFilter string   `bson:"topic_filter"`
	MaximumQoS  mqtt.QoS `bson:"maximum_qos"`
}

type PendingMessage struct {
	PacketID      uint16         `bson:"packet_id"`
	Publish       packet.Publish `bson:"publish"`
	Status        PendingStatus  `bson:"status"`
	RetryDeadline time.Time      `bson:"retry_deadline"`
}

// Session 以客户端ID为键的会话记录
type Session struct {
	ClientID        string           `bson:"_id"`
	Clean           bool             `bson:"clean"`
	Subscriptions   []Subscription   `bson:"subscriptions"`
	PendingMessages []PendingMessage `bson:"pending_messages"`
	// 作为接收方已回复 PUBREC、尚未收到 PUBREL 的报文标识符
	PendingReleases []uint16 `bson:"pending_releases"`
}

func NewSession(clientID string, clean bool) Session {
	return Session{ClientID: clientID, Clean: clean}
}

func (s Session) EntityID() string { return s.ClientID }

func (s Session) Clone() Session {
	s.Subscriptions = slices.Clone(s.Subscriptions)
	s.PendingReleases = slices.Clone(s.PendingReleases)
	if s.PendingMessages != nil {
		messages := make([]PendingMessage, len(s.PendingMessages))
		for i, message := range s.PendingMessages {
			message.Publish.Payload = slices.Clone(message.Publish.Payload)
			messages[i] = message
		}
		s.PendingMessages = messages
	}
	return s
}

// AddSubscription 同一过滤器只保留一条，新的覆盖旧的并保持原有位置
func (s *Session) AddSubscription(subscription Subscription) {
	for i := range s.Subscriptions {
		if s.Subscriptions[i].TopicFilter == subscription.TopicFilter {
			s.Subscriptions[i] = subscription
			return
		}
	}
	s.Subscriptions = append(s.Subscriptions, subscription)
}

// RemoveSubscription 返回过滤器是否存在
func (s *Session) RemoveSubscription(topicFilter string) bool {
	before := len(s.Subscriptions)
	s.Subscriptions = slices.DeleteFunc(s.Subscriptions, func(sub Subscription) bool {
		return sub.TopicFilter == topicFilter
	})
	return len(s.Subscriptions) != before
}

func (s *Session) PendingMessage(packetID uint16) (*PendingMessage, bool) {
	for i := range s.PendingMessages {
		if s.PendingMessages[i].PacketID == packetID && s.PendingMessages[i].Status != PendingToSend {
			return &s.PendingMessages[i], true
		}
	}
	return nil, false
}

func (s *Session) AddPendingMessage(message PendingMessage) {
	s.PendingMessages = append(s.PendingMessages, message)
}

// RemovePendingMessage 删除已发送且标识符匹配的在途消息
func (s *Session) RemovePendingMessage(packetID uint16) bool {
	before := len(s.PendingMessages)
	s.PendingMessages = slices.DeleteFunc(s.PendingMessages, func(message PendingMessage) bool {
		return message.PacketID == packetID && message.Status != PendingToSend
	})
	return len(s.PendingMessages) != before
}

func (s *Session) HasPendingRelease(packetID uint16) bool {
	return slices.Contains(s.PendingReleases, packetID)
}

func (s *Session) AddPendingRelease(packetID uint16) bool {
	if s.HasPendingRelease(packetID) {
		return false
	}
	s.PendingReleases = append(s.PendingReleases, packetID)
	return true
}

func (s *Session) RemovePendingRelease(packetID uint16) bool {
	before := len(s.PendingReleases)
	s.PendingReleases = slices.DeleteFunc(s.PendingReleases, func(id uint16) bool { return id == packetID })
	return len(s.PendingReleases) != before
}

// RetainedMessage 以主题为键的保留消息
type RetainedMessage struct {
	Topic   string   `bson:"_id"`
	QoS     mqtt.QoS `bson:"qos"`
	Payload []byte   `bson:"payload"`
}

func (m RetainedMessage) EntityID() string { return m.Topic }

func (m RetainedMessage) Clone() RetainedMessage {
	m.Payload = slices.Clone(m.Payload)
	return m
}

// Publish 转换为带保留标志的 PUBLISH，报文标识符由发送方分配
func (m RetainedMessage) Publish() packet.Publish {
	return packet.Publish{Topic: m.Topic, QoS: m.QoS, Retain: true, Payload: slices.Clone(m.Payload)}
}

// ConnectionWill 以客户端ID为键的遗嘱消息
type ConnectionWill struct {
	ClientID     string   `bson:"_id"`
	ConnectionID string   `bson:"connection_id"`
	Topic        string   `bson:"topic"`
	QoS          mqtt.QoS `bson:"qos"`
	Retain       bool     `bson:"retain"`
	Payload      []byte   `bson:"payload"`
}

func NewConnectionWill(clientID, connectionID string, will *packet.Will) ConnectionWill {
	return ConnectionWill{
		ClientID:     clientID,
		ConnectionID: connectionID,
		Topic:        will.Topic,
		QoS:          will.QoS,
		Retain:       will.Retain,
		Payload:      slices.Clone(will.Payload),
	}
}

func (w ConnectionWill) EntityID() string { return w.ClientID }

func (w ConnectionWill) Clone() ConnectionWill {
	w.Payload = slices.Clone(w.Payload)
	return w
}

func (w ConnectionWill) Publish() packet.Publish {
	return packet.Publish{Topic: w.Topic, QoS: w.QoS, Retain: w.Retain, Payload: slices.Clone(w.Payload)}
}
