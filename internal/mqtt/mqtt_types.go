// Package mqtt 实现了MQTT 3.1.1协议的核心类型定义、编解码原语和报文分帧
package mqtt

import "fmt"

// PacketType 定义了MQTT控制报文的类型
type PacketType byte

// MQTT 控制报文类型常量定义
const (
	CONNECT     PacketType = iota + 1 // 客户端请求连接到服务器
	CONNACK                           // 连接确认
	PUBLISH                           // 发布消息
	PUBACK                            // 发布确认
	PUBREC                            // 发布收到（QoS 2第一步）
	PUBREL                            // 发布释放（QoS 2第二步）
	PUBCOMP                           // 发布完成（QoS 2第三步）
	SUBSCRIBE                         // 订阅请求
	SUBACK                            // 订阅确认
	UNSUBSCRIBE                       // 取消订阅
	UNSUBACK                          // 取消订阅确认
	PINGREQ                           // 心跳请求
	PINGRESP                          // 心跳响应
	DISCONNECT                        // 断开连接
)

// PacketTypeMap 将PacketType映射到其字符串表示
var PacketTypeMap = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

// String 返回PacketType的字符串表示
func (packetType PacketType) String() string {
	if name, ok := PacketTypeMap[packetType]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(packetType))
}

// Valid reports whether the type is one of the fourteen MQTT 3.1.1 packet types.
func (packetType PacketType) Valid() bool {
	_, ok := PacketTypeMap[packetType]
	return ok
}

// requiredFlags 定义了除PUBLISH外每种报文类型固定的标志位
var requiredFlags = map[PacketType]byte{
	CONNECT:     0x00, // 0000
	CONNACK:     0x00, // 0000
	PUBACK:      0x00, // 0000
	PUBREC:      0x00, // 0000
	PUBREL:      0x02, // 0010
	PUBCOMP:     0x00, // 0000
	SUBSCRIBE:   0x02, // 0010
	SUBACK:      0x00, // 0000
	UNSUBSCRIBE: 0x02, // 0010
	UNSUBACK:    0x00, // 0000
	PINGREQ:     0x00, // 0000
	PINGRESP:    0x00, // 0000
	DISCONNECT:  0x00, // 0000
}

// RequiredFlags returns the fixed header flags a non-PUBLISH packet type must carry.
func RequiredFlags(pt PacketType) byte {
	return requiredFlags[pt]
}

// ValidateFlags PUBLISH 的标志位由报文本身解释，其他类型必须与规定值完全一致
func ValidateFlags(pt PacketType, flags byte) bool {
	if pt == PUBLISH {
		return flags&0xF0 == 0
	}
	required, ok := requiredFlags[pt]
	return ok && flags == required
}

// QoS 服务质量等级
type QoS byte

const (
	AtMostOnce  QoS = iota // QoS 0
	AtLeastOnce            // QoS 1
	ExactlyOnce            // QoS 2
)

// Valid reports whether q is 0, 1 or 2.
func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "AtMostOnce"
	case AtLeastOnce:
		return "AtLeastOnce"
	case ExactlyOnce:
		return "ExactlyOnce"
	}
	return fmt.Sprintf("QoS(%d)", byte(q))
}

// MinQoS returns the lower of two levels.
func MinQoS(a, b QoS) QoS {
	if a < b {
		return a
	}
	return b
}

// FixedHeader 定义了MQTT固定头部结构
type FixedHeader struct {
	Type            PacketType // 报文类型
	Flags           byte       // 标志位
	RemainingLength int        // 剩余长度
}

// Payload 定义了MQTT报文可变头和负载的读取游标
type Payload struct {
	Context    []byte // 负载内容
	ContextLen int    // 负载长度
	CurrentPtr int    // 当前读取位置
}

// Packet 定义了完整的原始MQTT报文结构
type Packet struct {
	Header  *FixedHeader // 固定头部
	Payload *Payload     // 可变头部和有效载荷
}

// NewPayload wraps body for sequential reading.
func NewPayload(body []byte) *Payload {
	return &Payload{Context: body, ContextLen: len(body)}
}

// CheckRemainingLength reports whether unread bytes remain.
func (p *Payload) CheckRemainingLength() bool {
	return p.CurrentPtr < p.ContextLen
}

// Remaining returns the number of unread bytes.
func (p *Payload) Remaining() int {
	return p.ContextLen - p.CurrentPtr
}
